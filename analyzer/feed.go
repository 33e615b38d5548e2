package analyzer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/prismnotes/ingest/feed"
	"github.com/prismnotes/ingest/models"
	"github.com/prismnotes/ingest/pubdate"
	"github.com/prismnotes/ingest/urlnorm"
)

// skipLinkPrefixes filters non-navigable feed links before any URL
// handling.
var skipLinkPrefixes = []string{"javascript:", "mailto:", "tel:", "#"}

// assetSuffixes excludes media and machine-readable resources that look
// like articles to a feed but carry no analyzable prose.
var assetSuffixes = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".svg": true, ".ico": true, ".pdf": true,
	".xml": true, ".json": true, ".zip": true, ".mp4": true, ".mp3": true,
}

// feedCandidate is one feed entry that survived filtering, keyed by its
// normalized URL.
type feedCandidate struct {
	SourceURL   string // normalized
	Title       string
	PublishedAt *time.Time
}

// collectFeedEntries fetches and parses a source's feed, then filters
// entries: navigable links only, on-domain, not an asset, deduplicated by
// normalized URL, feed order preserved, capped per source. Zero surviving
// entries is an error because a source that yields nothing is
// misconfigured or broken.
func (a *Analyzer) collectFeedEntries(ctx context.Context, source *models.SourceCreator) ([]feedCandidate, error) {
	fetchStarted := time.Now()
	feedXML, err := a.fetchFeedXML(ctx, source.FeedURL)
	if a.metrics != nil {
		a.metrics.FetchDuration.WithLabelValues("feed").Observe(time.Since(fetchStarted).Seconds())
		if err != nil {
			a.metrics.FetchFailed.WithLabelValues("feed").Inc()
		}
	}
	if err != nil {
		return nil, err
	}

	entries, err := feed.ParseString(feedXML)
	if err != nil {
		return nil, newStageError(StageFeedParse, false, "ParseError", errorMessage(err, "feed is not parseable XML"))
	}

	var (
		candidates []feedCandidate
		seen       = make(map[string]bool)
	)
	for _, entry := range entries {
		if a.metrics != nil {
			a.metrics.FeedEntriesSeen.WithLabelValues(source.Slug).Inc()
		}

		link := strings.TrimSpace(entry.Link)
		if link == "" || hasSkipPrefix(link) {
			continue
		}

		normalized, err := urlnorm.Normalize(link)
		if err != nil {
			continue
		}
		if !urlnorm.DomainMatches(normalized.Host, source.SourceDomain) {
			continue
		}
		if looksLikeAssetURL(normalized.NormalizedURL) {
			continue
		}
		if seen[normalized.NormalizedURL] {
			continue
		}
		seen[normalized.NormalizedURL] = true

		candidate := feedCandidate{
			SourceURL: normalized.NormalizedURL,
			Title:     strings.TrimSpace(entry.Title),
		}
		if entry.Published != "" {
			if published, ok := pubdate.Parse(entry.Published); ok {
				candidate.PublishedAt = &published
			}
		}
		candidates = append(candidates, candidate)
		if len(candidates) >= a.config.MaxItemsPerSource {
			break
		}
	}

	if len(candidates) == 0 {
		return nil, newStageError(StageFeedParse, false, "EmptyFeed", "feed produced no analyzable entries")
	}
	return candidates, nil
}

// fetchFeedXML downloads a feed document with a browser user agent and
// feed-specific accept header, capped and charset-decoded.
func (a *Analyzer) fetchFeedXML(ctx context.Context, feedURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return "", newStageError(StageFeedFetch, false, "URLError", errorMessage(err, "invalid feed URL"))
	}
	req.Header.Set("User-Agent", a.config.UserAgent)
	req.Header.Set("Accept", "application/rss+xml,application/atom+xml,application/xml,text/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9,zh-CN;q=0.8")

	resp, err := a.feedClient.Do(req)
	if err != nil {
		return "", newStageError(StageFeedFetch, retryableError(err), errorClass(err), errorMessage(err, "failed to fetch feed"))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := fmt.Sprintf("feed fetch returned HTTP %d", resp.StatusCode)
		return "", newStageError(StageFeedFetch, retryableMessage(message), "HTTPError", message)
	}

	reader, err := charset.NewReader(io.LimitReader(resp.Body, a.config.FeedMaxBodyBytes), resp.Header.Get("Content-Type"))
	if err != nil {
		return "", newStageError(StageFeedFetch, false, "CharsetError", errorMessage(err, "failed to decode feed body"))
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return "", newStageError(StageFeedFetch, retryableError(err), errorClass(err), errorMessage(err, "failed to read feed body"))
	}
	return string(body), nil
}

func hasSkipPrefix(link string) bool {
	lowered := strings.ToLower(link)
	for _, prefix := range skipLinkPrefixes {
		if strings.HasPrefix(lowered, prefix) {
			return true
		}
	}
	return false
}

func looksLikeAssetURL(normalizedURL string) bool {
	trimmed := normalizedURL
	if idx := strings.IndexAny(trimmed, "?#"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	ext := strings.ToLower(path.Ext(trimmed))
	return assetSuffixes[ext]
}
