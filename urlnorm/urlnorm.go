// Package urlnorm validates and canonicalizes source URLs before any
// outbound fetch is attempted. It rejects URLs that would let a fetch reach
// private or local networks, applies platform-specific canonical forms for
// known hosts, and strips tracking parameters everywhere else. The
// normalized URL is the system-wide dedup key.
package urlnorm

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// Error codes returned by Normalize. All are non-retryable input
// validation failures that map to 400-class responses.
const (
	CodeInvalidURL        = "invalid_url"
	CodeUnsupportedScheme = "unsupported_scheme"
	CodePrivateHost       = "private_host"
	CodeMissingParam      = "missing_param"
	CodeBlacklistedHost   = "blacklisted_host"
)

// Error is a URL validation failure with a stable machine-readable code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

const wechatHost = "mp.weixin.qq.com"

var youtubeHosts = map[string]bool{
	"youtube.com":     true,
	"www.youtube.com": true,
	"m.youtube.com":   true,
	"youtu.be":        true,
	"www.youtu.be":    true,
}

var youtubeVideoIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{6,20}$`)

// trackingQueryKeys are stripped from generic URLs alongside any utm_* key.
var trackingQueryKeys = map[string]bool{
	"ref":    true,
	"source": true,
	"spm":    true,
	"from":   true,
	"fbclid": true,
	"gclid":  true,
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// Result holds the outcome of normalizing a source URL.
type Result struct {
	SourceURL     string // the raw URL as submitted
	NormalizedURL string // canonical dedup key
	Host          string // lower-cased hostname
}

// Normalize parses, validates and canonicalizes a raw source URL.
func Normalize(rawURL string) (Result, error) {
	return NormalizeWithBlacklist(rawURL, nil)
}

// NormalizeWithBlacklist is Normalize with an optional host blacklist
// applied after the public-host check.
func NormalizeWithBlacklist(rawURL string, blacklist *Blacklist) (Result, error) {
	sourceURL := strings.TrimSpace(rawURL)
	parsed, err := url.Parse(sourceURL)
	if err != nil {
		return Result{}, newError(CodeInvalidURL, "malformed URL")
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return Result{}, newError(CodeUnsupportedScheme, "only http/https URLs are supported")
	}
	if parsed.User != nil {
		return Result{}, newError(CodeInvalidURL, "URLs with embedded credentials are not supported")
	}

	host := strings.ToLower(strings.TrimSpace(parsed.Hostname()))
	if host == "" {
		return Result{}, newError(CodeInvalidURL, "URL has no host")
	}
	if err := ensurePublicHost(host); err != nil {
		return Result{}, err
	}
	if blacklist != nil {
		if match := blacklist.Match(host); match != nil {
			return Result{}, newError(CodeBlacklistedHost,
				fmt.Sprintf("host is blocked (%s: %s)", match.Category, match.Rule))
		}
	}

	if host == wechatHost {
		normalized, err := normalizeWeChatURL(parsed)
		if err != nil {
			return Result{}, err
		}
		return Result{SourceURL: sourceURL, NormalizedURL: normalized, Host: wechatHost}, nil
	}
	if youtubeHosts[host] {
		normalized, err := normalizeYouTubeURL(parsed, host)
		if err != nil {
			return Result{}, err
		}
		return Result{SourceURL: sourceURL, NormalizedURL: normalized, Host: "youtube.com"}, nil
	}

	normalized := normalizeGenericURL(parsed, scheme, host)
	return Result{SourceURL: sourceURL, NormalizedURL: normalized, Host: host}, nil
}

// ensurePublicHost rejects hostnames and literal IPs that resolve inside
// private, loopback or otherwise non-routable ranges.
func ensurePublicHost(host string) error {
	if host == "localhost" || strings.HasSuffix(host, ".local") {
		return newError(CodePrivateHost, "local or internal hosts are not supported")
	}

	ip := net.ParseIP(host)
	if ip == nil {
		// Not a literal IP; hostname is checked again at connect time by
		// whatever DNS answer comes back, which is out of scope here.
		return nil
	}
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() || ip.IsUnspecified() || isReserved(ip) {
		return newError(CodePrivateHost, "local or internal hosts are not supported")
	}
	return nil
}

// isReserved covers ranges net.IP has no predicate for: 192.0.2.0/24 and
// friends (documentation), 198.18.0.0/15 (benchmarking), 240.0.0.0/4.
func isReserved(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	switch {
	case v4[0] == 192 && v4[1] == 0 && v4[2] == 2:
		return true
	case v4[0] == 198 && (v4[1] == 18 || v4[1] == 19):
		return true
	case v4[0] == 198 && v4[1] == 51 && v4[2] == 100:
		return true
	case v4[0] == 203 && v4[1] == 0 && v4[2] == 113:
		return true
	case v4[0] >= 240:
		return true
	}
	return false
}

// normalizeWeChatURL reduces a WeChat article URL to its minimal
// identifying form: either the short /s/<key> path, or /s with the
// __biz/mid/idx(/sn) query parameters.
func normalizeWeChatURL(parsed *url.URL) (string, error) {
	if strings.HasPrefix(parsed.Path, "/s/") {
		articleKey := strings.Trim(strings.TrimPrefix(parsed.Path, "/s/"), "/")
		if articleKey == "" {
			return "", newError(CodeInvalidURL, "not a WeChat article URL")
		}
		return "https://" + wechatHost + "/s/" + articleKey, nil
	}
	if parsed.Path != "/s" {
		return "", newError(CodeInvalidURL, "not a WeChat article URL")
	}

	query := parsed.Query()
	for _, key := range []string{"__biz", "mid", "idx"} {
		if strings.TrimSpace(query.Get(key)) == "" {
			return "", newError(CodeMissingParam, "WeChat article URL is missing required parameter "+key)
		}
	}

	canonical := url.Values{}
	for _, key := range []string{"__biz", "mid", "idx", "sn"} {
		if value := strings.TrimSpace(query.Get(key)); value != "" {
			canonical.Set(key, value)
		}
	}
	// url.Values.Encode sorts keys; rebuild in the fixed canonical order.
	parts := make([]string, 0, 4)
	for _, key := range []string{"__biz", "mid", "idx", "sn"} {
		if value := canonical.Get(key); value != "" {
			parts = append(parts, url.QueryEscape(key)+"="+url.QueryEscape(value))
		}
	}
	return "https://" + wechatHost + "/s?" + strings.Join(parts, "&"), nil
}

// normalizeYouTubeURL maps every supported YouTube URL shape
// (watch, shorts, live, embed, youtu.be short links) onto the canonical
// watch form keyed by the validated video id.
func normalizeYouTubeURL(parsed *url.URL, host string) (string, error) {
	var videoID string

	if host == "youtu.be" || host == "www.youtu.be" {
		path := strings.Trim(parsed.Path, "/")
		if path != "" {
			videoID = strings.SplitN(path, "/", 2)[0]
		}
	} else {
		switch {
		case parsed.Path == "/watch":
			videoID = strings.TrimSpace(parsed.Query().Get("v"))
		case strings.HasPrefix(parsed.Path, "/shorts/"),
			strings.HasPrefix(parsed.Path, "/live/"),
			strings.HasPrefix(parsed.Path, "/embed/"):
			segments := strings.FieldsFunc(parsed.Path, func(r rune) bool { return r == '/' })
			if len(segments) >= 2 {
				videoID = segments[1]
			}
		}
	}

	if unescaped, err := url.QueryUnescape(videoID); err == nil {
		videoID = unescaped
	}
	videoID = strings.TrimSpace(videoID)
	if videoID == "" || !youtubeVideoIDRe.MatchString(videoID) {
		return "", newError(CodeInvalidURL, "not a recognizable YouTube video URL")
	}

	return "https://www.youtube.com/watch?v=" + videoID, nil
}

// normalizeGenericURL strips tracking parameters, drops default ports and
// reassembles the URL in canonical order.
func normalizeGenericURL(parsed *url.URL, scheme, host string) string {
	netloc := host
	if strings.Contains(host, ":") {
		netloc = "[" + host + "]"
	}
	if port := parsed.Port(); port != "" && port != defaultPorts[scheme] {
		netloc += ":" + port
	}

	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	query := stripTrackingQuery(parsed.RawQuery)
	normalized := scheme + "://" + netloc + path
	if query != "" {
		normalized += "?" + query
	}
	return normalized
}

// stripTrackingQuery removes utm_* keys and the fixed tracking denylist
// while preserving the order of the remaining parameters.
func stripTrackingQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	kept := make([]string, 0, 4)
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		key := pair
		if idx := strings.Index(pair, "="); idx >= 0 {
			key = pair[:idx]
		}
		decoded, err := url.QueryUnescape(key)
		if err != nil {
			decoded = key
		}
		normalizedKey := strings.ToLower(strings.TrimSpace(decoded))
		if normalizedKey == "" {
			continue
		}
		if strings.HasPrefix(normalizedKey, "utm_") || trackingQueryKeys[normalizedKey] {
			continue
		}
		kept = append(kept, pair)
	}
	return strings.Join(kept, "&")
}

// DomainMatches reports whether host equals domain or is a subdomain of it.
func DomainMatches(host, domain string) bool {
	h := strings.Trim(strings.ToLower(strings.TrimSpace(host)), ".")
	d := strings.Trim(strings.ToLower(strings.TrimSpace(domain)), ".")
	if h == "" || d == "" {
		return false
	}
	return h == d || strings.HasSuffix(h, "."+d)
}
