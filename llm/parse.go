package llm

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/prismnotes/ingest/pubdate"
	"github.com/prismnotes/ingest/tags"
)

// Output length caps. Chinese summaries are held to tighter budgets than
// non-Chinese ones because information density differs.
const (
	maxTitleLength            = 120
	maxSummaryShortZhLength   = 100
	maxSummaryLongZhLength    = 300
	maxSummaryShortLength     = 200
	maxSummaryLongLength      = 600
	maxOutputTags             = 5
	minCJKForZhClassification = 8
)

var (
	fencedJSONRe = regexp.MustCompile("```(?:json)?\\s*(\\{[\\s\\S]*\\})\\s*```")
	braceJSONRe  = regexp.MustCompile(`\{[\s\S]*\}`)
	cjkRe        = regexp.MustCompile(`[\x{3400}-\x{4DBF}\x{4E00}-\x{9FFF}]`)
)

// parseResult validates and normalizes a decoded provider response into a
// Result. Structural problems surface as invalid_output errors so the
// caller can attempt a repair round.
func parseResult(provider Provider, response map[string]any) (*Result, error) {
	text, err := provider.ExtractText(response)
	if err != nil {
		return nil, err
	}
	output, err := parseJSONContent(text)
	if err != nil {
		return nil, err
	}

	sourceLanguage := normalizeLanguage(
		firstString(output, "source_language", "language"),
		firstString(output, "title")+"\n"+firstString(output, "summary_long", "summary", "summary_short"),
	)
	title := truncateRunes(firstString(output, "title"), maxTitleLength)
	titleZh := truncateRunes(firstString(output, "title_zh", "titleZh", "translated_title"), maxTitleLength)

	var publishedAt *time.Time
	if raw := firstString(output, "published_at", "publishedAt", "publish_time"); raw != "" {
		if dt, ok := pubdate.Parse(raw); ok {
			publishedAt = &dt
		}
	}

	shortMax, longMax := summaryLimits(sourceLanguage)
	summaryShort, summaryLong := resolveSummaryPair(
		firstString(output, "summary_short", "summaryShort", "short_summary", "summary"),
		firstString(output, "summary_long", "summaryLong", "long_summary", "summary_detail", "summary"),
		shortMax, longMax,
	)
	summaryShortZh, summaryLongZh := resolveSummaryPair(
		firstString(output, "summary_short_zh", "summaryShortZh", "short_summary_zh", "summary_zh", "summaryZh", "translated_summary"),
		firstString(output, "summary_long_zh", "summaryLongZh", "long_summary_zh", "summary_zh", "summaryZh", "translated_summary"),
		maxSummaryShortZhLength, maxSummaryLongZhLength,
	)

	outputTags := normalizeTagList(output, "tags")
	outputTagsZh := normalizeTagList(output, "tags_zh", "tagsZh", "translated_tags", "translatedTags")

	if summaryShort == "" || summaryLong == "" {
		return nil, &Error{Code: CodeInvalidOutput, Message: "model output is missing a usable summary"}
	}
	if sourceLanguage == "non-zh" && (summaryShortZh == "" || summaryLongZh == "") {
		return nil, &Error{Code: CodeInvalidOutput, Message: "non-Chinese content is missing a Chinese summary"}
	}
	if len(outputTags) == 0 {
		return nil, &Error{Code: CodeInvalidOutput, Message: "model output is missing usable tags"}
	}
	if sourceLanguage == "non-zh" && len(outputTagsZh) == 0 {
		return nil, &Error{Code: CodeInvalidOutput, Message: "non-Chinese content is missing Chinese tags"}
	}
	if sourceLanguage == "zh" {
		if summaryShortZh == "" {
			summaryShortZh = summaryShort
		}
		if summaryLongZh == "" {
			summaryLongZh = summaryLong
		}
		if titleZh == "" {
			titleZh = title
		}
		if len(outputTagsZh) == 0 {
			outputTagsZh = outputTags
		}
	}

	usage := provider.ExtractUsage(response)
	return &Result{
		SourceLanguage: sourceLanguage,
		Title:          title,
		TitleZh:        titleZh,
		PublishedAt:    publishedAt,
		SummaryShort:   summaryShort,
		SummaryShortZh: summaryShortZh,
		SummaryLong:    summaryLong,
		SummaryLongZh:  summaryLongZh,
		Tags:           outputTags,
		TagsZh:         outputTagsZh,
		ModelName:      usage.ModelName,
		InputTokens:    usage.InputTokens,
		OutputTokens:   usage.OutputTokens,
	}, nil
}

// parseJSONContent reads the model's text as a JSON object, falling back
// to a fenced ```json block and then to the widest brace-delimited
// substring. Models wrap JSON in prose often enough that all three paths
// see real traffic.
func parseJSONContent(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &Error{Code: CodeInvalidOutput, Message: "model output is empty"}
	}

	if obj := tryParseObject(text); obj != nil {
		return obj, nil
	}
	if match := fencedJSONRe.FindStringSubmatch(text); match != nil {
		if obj := tryParseObject(match[1]); obj != nil {
			return obj, nil
		}
	}
	if match := braceJSONRe.FindString(text); match != "" {
		if obj := tryParseObject(match); obj != nil {
			return obj, nil
		}
	}
	return nil, &Error{Code: CodeInvalidOutput, Message: "model output is not valid JSON"}
}

func tryParseObject(raw string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

// firstString returns the first key whose value is a non-empty string.
func firstString(output map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := output[key].(string); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

func normalizeTagList(output map[string]any, keys ...string) []string {
	for _, key := range keys {
		raw, ok := output[key].([]any)
		if !ok {
			continue
		}
		values := make([]string, 0, len(raw))
		for _, item := range raw {
			if s, ok := item.(string); ok {
				values = append(values, s)
			}
		}
		if normalized := tags.NormalizeList(values, maxOutputTags); len(normalized) > 0 {
			return normalized
		}
	}
	return nil
}

// normalizeLanguage maps the model's language label onto the zh/non-zh
// binary, falling back to CJK detection over the generated text when the
// label is unrecognized.
func normalizeLanguage(raw, fallbackText string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "zh", "zh-cn", "zh-hans", "chinese", "cn":
		return "zh"
	case "non-zh", "en", "en-us", "english", "other":
		return "non-zh"
	}
	return detectLanguage(fallbackText)
}

// detectLanguage classifies text as zh when it carries at least
// minCJKForZhClassification CJK ideographs.
func detectLanguage(text string) string {
	if len(cjkRe.FindAllString(text, minCJKForZhClassification)) >= minCJKForZhClassification {
		return "zh"
	}
	return "non-zh"
}

func summaryLimits(sourceLanguage string) (int, int) {
	if sourceLanguage == "zh" {
		return maxSummaryShortZhLength, maxSummaryLongZhLength
	}
	return maxSummaryShortLength, maxSummaryLongLength
}

// resolveSummaryPair fills whichever of the short/long pair is missing:
// a lone short summary doubles as the long one, a lone long summary is
// truncated down to the short budget.
func resolveSummaryPair(shortText, longText string, shortMax, longMax int) (string, string) {
	short := truncateRunes(shortText, shortMax)
	long := truncateRunes(longText, longMax)

	if short == "" && long == "" {
		return "", ""
	}
	if long == "" {
		long = short
	}
	if short == "" {
		short = strings.TrimRight(truncateRunes(long, shortMax), " \t\n")
	}
	return short, long
}

func truncateRunes(value string, max int) string {
	value = strings.TrimSpace(value)
	runes := []rune(value)
	if len(runes) <= max {
		return value
	}
	return string(runes[:max])
}
