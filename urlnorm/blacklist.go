package urlnorm

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Blacklist holds host deny rules grouped by category. Video platforms are
// blocked because their pages carry no extractable article text; anti-crawl
// sites are blocked because direct fetches consistently fail or serve
// challenge pages.
type Blacklist struct {
	Video     []string `json:"video"`
	AntiCrawl []string `json:"anti_crawl"`
}

// BlacklistMatch identifies which rule rejected a host.
type BlacklistMatch struct {
	Category string
	Rule     string
}

// DefaultBlacklist returns the built-in rule set used when no config file
// is supplied.
func DefaultBlacklist() *Blacklist {
	return &Blacklist{
		Video: []string{
			"bilibili.com",
			"douyin.com",
			"kuaishou.com",
			"tiktok.com",
			"v.qq.com",
			"iqiyi.com",
			"youku.com",
		},
		AntiCrawl: []string{
			"zhihu.com",
			"xiaohongshu.com",
			"weibo.com",
			"instagram.com",
			"facebook.com",
		},
	}
}

// LoadBlacklist reads a JSON rule file with "video" and "anti_crawl"
// string arrays. Rules are lower-cased, trimmed of dots and de-duplicated.
func LoadBlacklist(path string) (*Blacklist, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading URL blacklist config: %w", err)
	}
	var bl Blacklist
	if err := json.Unmarshal(raw, &bl); err != nil {
		return nil, fmt.Errorf("parsing URL blacklist config %s: %w", path, err)
	}
	bl.Video = normalizeRules(bl.Video)
	bl.AntiCrawl = normalizeRules(bl.AntiCrawl)
	return &bl, nil
}

func normalizeRules(raw []string) []string {
	rules := make([]string, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, item := range raw {
		rule := strings.Trim(strings.ToLower(strings.TrimSpace(item)), ".")
		if rule == "" || seen[rule] {
			continue
		}
		seen[rule] = true
		rules = append(rules, rule)
	}
	return rules
}

// Match returns the first matching rule for host, video rules first, or
// nil if the host is allowed.
func (b *Blacklist) Match(host string) *BlacklistMatch {
	normalized := strings.Trim(strings.ToLower(strings.TrimSpace(host)), ".")
	if normalized == "" {
		return nil
	}
	for _, rule := range b.Video {
		if DomainMatches(normalized, rule) {
			return &BlacklistMatch{Category: "video", Rule: rule}
		}
	}
	for _, rule := range b.AntiCrawl {
		if DomainMatches(normalized, rule) {
			return &BlacklistMatch{Category: "anti_crawl", Rule: rule}
		}
	}
	return nil
}
