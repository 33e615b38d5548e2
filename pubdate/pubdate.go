// Package pubdate infers when a document was originally published by
// scanning its HTML metadata, embedded JSON-LD and, as a last resort, date
// fragments in the source URL. All results are normalized to UTC.
package pubdate

import (
	"html"
	"net/mail"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// metaDateKeys are the meta property/name/itemprop values that carry a
// publication timestamp.
var metaDateKeys = map[string]bool{
	"article:published_time": true,
	"article:published":      true,
	"og:published_time":      true,
	"publishdate":            true,
	"pubdate":                true,
	"date":                   true,
	"dc.date":                true,
	"datepublished":          true,
	"datecreated":            true,
}

var (
	metaTagRe    = regexp.MustCompile(`(?is)<meta\b[^>]*>`)
	htmlAttrRe   = regexp.MustCompile(`(?is)\b([a-zA-Z_:.-]+)\s*=\s*(?:"([^"]*)"|'([^']*)'|([^\s>]+))`)
	scriptDateRe = regexp.MustCompile(`(?i)"(?:datePublished|dateCreated|uploadDate|dateModified)"\s*:\s*"([^"]+)"`)
	timeTagRe    = regexp.MustCompile(`(?is)<time\b[^>]*\bdatetime\s*=\s*(?:"([^"]+)"|'([^']+)'|([^\s>]+))`)

	// Go regexp has no lookbehind, so the non-digit boundaries are
	// captured explicitly and only the date groups are used.
	urlDateRe        = regexp.MustCompile(`(?:^|[^0-9])(20\d{2})[-_/](0?[1-9]|1[0-2])[-_/](0?[1-9]|[12]\d|3[01])(?:[^0-9]|$)`)
	urlCompactDateRe = regexp.MustCompile(`(?:^|[^0-9])(20\d{2})(0[1-9]|1[0-2])(0[1-9]|[12]\d|3[01])(?:[^0-9]|$)`)
)

// bareLayouts are tried after RFC-822 and ISO-8601 parsing fail. Values
// matching these carry no zone and are taken as UTC.
var bareLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
	"2006-01-02 15:04",
	"2006/01/02 15:04",
}

// Parse interprets a raw timestamp string, trying RFC-822 mail dates,
// ISO-8601 and a short list of bare date layouts. It returns the zero time
// and false for values it cannot read or that fall outside the plausible
// publication window (before 1970 or more than 370 days ahead).
func Parse(value string) (time.Time, bool) {
	raw := strings.TrimSpace(html.UnescapeString(value))
	if raw == "" {
		return time.Time{}, false
	}
	parsed, ok := parseValue(raw)
	if !ok {
		return time.Time{}, false
	}
	if parsed.Year() < 1970 || parsed.After(time.Now().UTC().Add(370*24*time.Hour)) {
		return time.Time{}, false
	}
	return parsed, true
}

func parseValue(raw string) (time.Time, bool) {
	if dt, err := mail.ParseDate(raw); err == nil {
		return dt.UTC(), true
	}

	iso := raw
	if strings.HasSuffix(iso, "Z") {
		iso = strings.TrimSuffix(iso, "Z") + "+00:00"
	}
	for _, layout := range []string{
		"2006-01-02T15:04:05.999999999-07:00",
		"2006-01-02T15:04:05-07:00",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05",
	} {
		if dt, err := time.Parse(layout, iso); err == nil {
			return dt.UTC(), true
		}
	}

	for _, layout := range bareLayouts {
		if dt, err := time.Parse(layout, raw); err == nil {
			return dt.UTC(), true
		}
	}
	return time.Time{}, false
}

// Infer scans the document for publication timestamps (meta tags first,
// then JSON-LD fields, then <time datetime> attributes) and falls back to
// date fragments in the source URL path or query. It returns nil when no
// plausible timestamp is found.
func Infer(sourceURL, document string) *time.Time {
	for _, candidate := range documentCandidates(document) {
		if dt, ok := Parse(candidate); ok {
			return &dt
		}
	}
	return inferFromURL(sourceURL)
}

func documentCandidates(document string) []string {
	var candidates []string

	for _, rawTag := range metaTagRe.FindAllString(document, -1) {
		attrs := parseHTMLAttrs(rawTag)
		key := strings.ToLower(strings.TrimSpace(firstNonEmpty(attrs["property"], attrs["name"], attrs["itemprop"])))
		if !metaDateKeys[key] {
			continue
		}
		if content := strings.TrimSpace(attrs["content"]); content != "" {
			candidates = append(candidates, content)
		}
	}

	for _, match := range scriptDateRe.FindAllStringSubmatch(document, -1) {
		if value := strings.TrimSpace(match[1]); value != "" {
			candidates = append(candidates, value)
		}
	}

	for _, match := range timeTagRe.FindAllStringSubmatch(document, -1) {
		if value := strings.TrimSpace(firstNonEmpty(match[1], match[2], match[3])); value != "" {
			candidates = append(candidates, value)
		}
	}

	return candidates
}

func parseHTMLAttrs(rawTag string) map[string]string {
	attrs := make(map[string]string)
	for _, match := range htmlAttrRe.FindAllStringSubmatch(rawTag, -1) {
		key := strings.ToLower(strings.TrimSpace(match[1]))
		value := strings.TrimSpace(firstNonEmpty(match[2], match[3], match[4]))
		attrs[key] = html.UnescapeString(value)
	}
	return attrs
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func inferFromURL(sourceURL string) *time.Time {
	parsed, err := url.Parse(sourceURL)
	if err != nil {
		return nil
	}
	target := parsed.Path
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	if unescaped, err := url.QueryUnescape(target); err == nil {
		target = unescaped
	}

	for _, re := range []*regexp.Regexp{urlDateRe, urlCompactDateRe} {
		for _, match := range re.FindAllStringSubmatch(target, -1) {
			if dt := buildUTCDate(match[1], match[2], match[3]); dt != nil {
				return dt
			}
		}
	}
	return nil
}

func buildUTCDate(year, month, day string) *time.Time {
	y, _ := strconv.Atoi(year)
	m, _ := strconv.Atoi(month)
	d, _ := strconv.Atoi(day)
	dt := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	// time.Date silently normalizes out-of-range days (Feb 30 becomes
	// Mar 2), which would fabricate a date the URL never carried.
	if dt.Year() != y || dt.Month() != time.Month(m) || dt.Day() != d {
		return nil
	}
	return &dt
}
