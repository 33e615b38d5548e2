// Package tags normalizes hashtag-style labels attached to analyzed
// content and selects the right localized set for display.
package tags

import (
	"regexp"
	"strings"
)

// MaxTags caps every normalized tag list.
const MaxTags = 5

// tagRe accepts lower-case ASCII word characters plus CJK ideographs
// (including Extension A).
var tagRe = regexp.MustCompile(`^[a-z0-9_\-\x{3400}-\x{4dbf}\x{4e00}-\x{9fff}]+$`)

// Normalize canonicalizes a single tag: trims whitespace, strips a leading
// '#', lower-cases, and validates the character set. It returns "" for
// anything unusable.
func Normalize(raw string) string {
	value := strings.TrimSpace(raw)
	value = strings.TrimSpace(strings.TrimLeft(value, "#"))
	value = strings.ToLower(value)
	if value == "" || !tagRe.MatchString(value) {
		return ""
	}
	return value
}

// NormalizeList normalizes each tag, drops duplicates while preserving
// first-seen order, and caps the result at max (MaxTags when max <= 0).
func NormalizeList(values []string, max int) []string {
	if max <= 0 {
		max = MaxTags
	}
	normalized := make([]string, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, raw := range values {
		tag := Normalize(raw)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		normalized = append(normalized, tag)
		if len(normalized) >= max {
			break
		}
	}
	return normalized
}

// PickLocalized chooses between the original-language and Chinese tag
// sets. For Chinese sources with no separate Chinese set, the original
// tags double as the Chinese ones. The preferred set wins when non-empty,
// otherwise the other set is used.
func PickLocalized(preferZh bool, sourceLanguage string, originalTags, zhTags []string) []string {
	original := NormalizeList(originalTags, MaxTags)
	zh := NormalizeList(zhTags, MaxTags)
	if sourceLanguage == "zh" && len(zh) == 0 {
		zh = append([]string(nil), original...)
	}
	primary, fallback := original, zh
	if preferZh {
		primary, fallback = zh, original
	}
	if len(primary) > 0 {
		return primary
	}
	return fallback
}

// MergeSlug appends a source slug to a tag list, deduplicating and
// re-capping. Aggregated items carry their source identity as a tag so
// they remain findable after ingestion; content tags keep priority when
// the cap is hit.
func MergeSlug(slug string, existing []string) []string {
	merged := make([]string, 0, len(existing)+1)
	merged = append(merged, existing...)
	if s := Normalize(slug); s != "" {
		merged = append(merged, s)
	}
	return NormalizeList(merged, MaxTags)
}
