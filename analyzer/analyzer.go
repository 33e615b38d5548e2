// Package analyzer orchestrates the content pipeline: feed collection,
// document fetching, model analysis, and result persistence. Every
// failure is pinned to the pipeline stage that produced it.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/prismnotes/ingest/fetch"
	"github.com/prismnotes/ingest/llm"
	"github.com/prismnotes/ingest/metrics"
	"github.com/prismnotes/ingest/models"
	"github.com/prismnotes/ingest/storage"
	"github.com/prismnotes/ingest/tags"
)

const (
	maxKeyPoints     = 3
	maxKeyPointChars = 96
	minKeyPointChars = 12

	// keyPointAdvisory pads the key point list when the document yields
	// fewer than three usable sentences.
	keyPointAdvisory = "建议结合原文阅读全文，避免断章取义。"
)

var sentenceSplitRe = regexp.MustCompile(`[。！？.!?]`)

// Store is the persistence surface the analyzer needs.
type Store interface {
	GetItem(id string) (*models.ContentItem, error)
	EnsureSourceItem(source *models.SourceCreator, sourceURL, normalizedURL, domain, title string, publishedAt *time.Time) (*models.ContentItem, bool, error)
	ClaimForAnalysis(id string) (bool, error)
	UpdateItemAnalysis(item *models.ContentItem) error
	ResetForReanalysis(id string) (bool, error)
	InsertAnalysisResult(result *models.AnalysisResult) error
	LatestResultForItem(itemID string) (*models.AnalysisResult, error)
	ListActiveSources() ([]*models.SourceCreator, error)
	GetSource(id string) (*models.SourceCreator, error)
}

// Fetcher downloads and text-extracts a source document.
type Fetcher interface {
	Fetch(ctx context.Context, sourceURL string) (*fetch.Result, error)
}

// Model runs the language model analysis with bounded repair.
type Model interface {
	AnalyzeWithRepair(ctx context.Context, req llm.Request) (*llm.Result, bool, error)
	Provider() string
	ModelName() string
}

// JobStore persists refresh-job records for polling.
type JobStore interface {
	SaveJob(ctx context.Context, job *models.RefreshJob, ttl time.Duration) error
	GetJob(ctx context.Context, jobID string) (*models.RefreshJob, error)
}

// Config tunes the analyzer.
type Config struct {
	MaxItemsPerSource int           // per-feed cap on analyzable entries
	MaxFailureEvents  int           // cap on failure diagnostics per refresh job
	JobTTL            time.Duration // refresh-job record lifetime
	FeedTimeout       time.Duration
	FeedMaxBodyBytes  int64
	UserAgent         string
	PromptVersion     string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxItemsPerSource: 10,
		MaxFailureEvents:  120,
		JobTTL:            time.Hour,
		FeedTimeout:       30 * time.Second,
		FeedMaxBodyBytes:  5 << 20,
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) " +
			"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	}
}

// Analyzer runs the pipeline. All dependencies are injected; archive,
// jobs, and metrics may be nil.
type Analyzer struct {
	store   Store
	fetcher Fetcher
	model   Model
	archive storage.Archive
	jobs    JobStore
	metrics *metrics.Metrics
	logger  *slog.Logger
	config  Config

	feedClient *http.Client
}

// New assembles an Analyzer. Store, fetcher, and model are required.
func New(store Store, fetcher Fetcher, model Model, logger *slog.Logger, config Config) (*Analyzer, error) {
	if store == nil || fetcher == nil || model == nil {
		return nil, fmt.Errorf("store, fetcher, and model are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if config.MaxItemsPerSource <= 0 {
		config.MaxItemsPerSource = defaults.MaxItemsPerSource
	}
	if config.MaxFailureEvents <= 0 {
		config.MaxFailureEvents = defaults.MaxFailureEvents
	}
	if config.JobTTL <= 0 {
		config.JobTTL = defaults.JobTTL
	}
	if config.FeedTimeout <= 0 {
		config.FeedTimeout = defaults.FeedTimeout
	}
	if config.FeedMaxBodyBytes <= 0 {
		config.FeedMaxBodyBytes = defaults.FeedMaxBodyBytes
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}

	return &Analyzer{
		store:   store,
		fetcher: fetcher,
		model:   model,
		logger:  logger,
		config:  config,
		feedClient: &http.Client{
			Timeout:   config.FeedTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// WithArchive attaches the raw-artifact archive.
func (a *Analyzer) WithArchive(archive storage.Archive) *Analyzer {
	a.archive = archive
	return a
}

// WithJobs attaches the refresh-job record store.
func (a *Analyzer) WithJobs(jobs JobStore) *Analyzer {
	a.jobs = jobs
	return a
}

// WithMetrics attaches pipeline metrics.
func (a *Analyzer) WithMetrics(m *metrics.Metrics) *Analyzer {
	a.metrics = m
	return a
}

// AnalyzeItem claims an item and runs one analysis attempt. The claim is
// the concurrency gate: a false return with nil failure means another
// worker holds the item or its status does not allow a run.
func (a *Analyzer) AnalyzeItem(ctx context.Context, itemID string, source *models.SourceCreator) (bool, *models.FailureEvent, error) {
	claimed, err := a.store.ClaimForAnalysis(itemID)
	if err != nil {
		return false, nil, err
	}
	if !claimed {
		return false, nil, nil
	}

	item, err := a.store.GetItem(itemID)
	if err != nil {
		return false, nil, err
	}
	if item == nil {
		return false, nil, fmt.Errorf("item %s disappeared after claim", itemID)
	}

	ok, failure := a.runItem(ctx, item, source)
	return ok, failure, nil
}

// ReanalyzeItem resets a finished item and runs it again. Returns false
// without running when the item is mid-analysis.
func (a *Analyzer) ReanalyzeItem(ctx context.Context, itemID string) (bool, error) {
	reset, err := a.store.ResetForReanalysis(itemID)
	if err != nil {
		return false, err
	}
	if !reset {
		return false, nil
	}

	item, err := a.store.GetItem(itemID)
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, fmt.Errorf("item not found: %s", itemID)
	}

	var source *models.SourceCreator
	if item.SourceCreatorID != "" {
		source, err = a.store.GetSource(item.SourceCreatorID)
		if err != nil {
			return false, err
		}
	}

	ok, _, err := a.AnalyzeItem(ctx, itemID, source)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// shouldRunAnalysis decides whether an item needs a run: pending and
// failed always do, running never does, and succeeded only when its
// latest result carries no summary.
func (a *Analyzer) shouldRunAnalysis(item *models.ContentItem) (bool, error) {
	switch item.AnalysisStatus {
	case models.StatusPending, models.StatusFailed:
		return true, nil
	case models.StatusRunning:
		return false, nil
	}

	latest, err := a.store.LatestResultForItem(item.ID)
	if err != nil {
		return false, err
	}
	if latest == nil {
		return true, nil
	}
	return strings.TrimSpace(latest.SummaryShort) == "", nil
}

// runItem executes one analysis attempt on an already-claimed item. The
// returned failure is non-nil exactly when ok is false.
func (a *Analyzer) runItem(ctx context.Context, item *models.ContentItem, source *models.SourceCreator) (bool, *models.FailureEvent) {
	started := time.Now()
	attemptID := uuid.New().String()

	result, stageErr := a.analyzeOnce(ctx, item, attemptID)
	elapsed := elapsedMs(started)

	if stageErr != nil {
		a.recordFailedAttempt(item, attemptID, stageErr, elapsed)
		if a.metrics != nil {
			a.metrics.AnalysesFailed.WithLabelValues(normalizeStage(stageErr.Stage)).Inc()
		}
		return false, a.failureEvent(item, source, stageErr, elapsed)
	}

	if err := a.persistSuccess(ctx, item, attemptID, result, elapsed); err != nil {
		dbErr := stageFromError(err, StageDBWrite)
		a.recordFailedAttempt(item, attemptID, dbErr, elapsedMs(started))
		if a.metrics != nil {
			a.metrics.AnalysesFailed.WithLabelValues(StageDBWrite).Inc()
		}
		return false, a.failureEvent(item, source, dbErr, elapsedMs(started))
	}

	if a.metrics != nil {
		a.metrics.AnalysesSucceeded.Inc()
		a.metrics.AnalysisDuration.Observe(time.Since(started).Seconds())
	}
	return true, nil
}

// analyzeOnce fetches the document and runs the model, mapping every
// failure to its stage.
func (a *Analyzer) analyzeOnce(ctx context.Context, item *models.ContentItem, attemptID string) (*analysisOutcome, *StageError) {
	fetchStarted := time.Now()
	doc, err := a.fetcher.Fetch(ctx, item.SourceURL)
	if a.metrics != nil {
		a.metrics.FetchDuration.WithLabelValues("content").Observe(time.Since(fetchStarted).Seconds())
		if err != nil {
			a.metrics.FetchFailed.WithLabelValues("content").Inc()
		}
	}
	if err != nil {
		return nil, stageFromError(err, StageContentFetch)
	}
	if strings.TrimSpace(doc.Content) == "" {
		return nil, newStageError(StageContentFetch, false, "EmptyContent", "source document has no analyzable text")
	}

	a.archiveDocument(ctx, attemptID, doc)

	return a.analyzeWithModel(ctx, item, doc)
}

// analysisOutcome is the merged model result ready to persist.
type analysisOutcome struct {
	result      *llm.Result
	title       string
	titleZh     string
	tags        []string
	tagsZh      []string
	publishedAt *time.Time
	keyPoints   []string
	repaired    bool
}

// analyzeWithModel invokes the model and post-processes its output.
// Request failures map to llm_request with hint-based retryability; a
// failure after the repair rerun maps to llm_parse and is final.
func (a *Analyzer) analyzeWithModel(ctx context.Context, item *models.ContentItem, doc *fetch.Result) (*analysisOutcome, *StageError) {
	sourceTitle := doc.Title
	if sourceTitle == "" {
		sourceTitle = item.SourceTitle
	}

	result, repaired, err := a.model.AnalyzeWithRepair(ctx, llm.Request{
		SourceURL:    item.SourceURL,
		SourceDomain: item.SourceDomain,
		SourceTitle:  sourceTitle,
		Content:      doc.Content,
	})
	if a.metrics != nil && repaired {
		a.metrics.ModelRepairRuns.Inc()
	}
	if err != nil {
		if repaired {
			// The repair rerun already burned the one retry the output
			// format gets.
			return nil, newStageError(StageLLMParse, false, errorClass(err), errorMessage(err, "model output could not be repaired"))
		}
		return nil, newStageError(StageLLMRequest, retryableError(err), errorClass(err), errorMessage(err, "model request failed"))
	}
	a.countModelUsage(result, "succeeded")

	if strings.TrimSpace(result.SummaryShort) == "" {
		return nil, newStageError(StageLLMParse, false, "EmptySummary", "model returned no usable summary")
	}

	slugTag := ""
	if item.SourceCreatorID != "" {
		slugTag = firstSlugTag(item.Tags)
	}

	mergedTags := result.Tags
	mergedTagsZh := result.TagsZh
	if slugTag != "" {
		mergedTags = tags.MergeSlug(slugTag, result.Tags)
		mergedTagsZh = tags.MergeSlug(slugTag, result.TagsZh)
	}
	if len(mergedTags) == 0 && slugTag != "" {
		mergedTags = []string{slugTag}
	}
	if len(mergedTagsZh) == 0 {
		mergedTagsZh = append([]string(nil), mergedTags...)
	}

	title := truncateRunes(firstNonEmpty(result.Title, sourceTitle), 512)
	titleZh := truncateRunes(result.TitleZh, 512)

	publishedAt := result.PublishedAt
	if publishedAt == nil {
		publishedAt = doc.PublishedHint
	}

	return &analysisOutcome{
		result:      result,
		title:       title,
		titleZh:     titleZh,
		tags:        mergedTags,
		tagsZh:      mergedTagsZh,
		publishedAt: publishedAt,
		keyPoints:   extractKeyPoints(doc.Content, result.SummaryShort),
		repaired:    repaired,
	}, nil
}

// persistSuccess updates the item's denormalized fields and appends the
// succeeded result row.
func (a *Analyzer) persistSuccess(ctx context.Context, item *models.ContentItem, attemptID string, outcome *analysisOutcome, elapsed int64) error {
	item.SourceTitle = outcome.title
	item.SourceTitleZh = outcome.titleZh
	item.SourceLanguage = outcome.result.SourceLanguage
	item.Tags = outcome.tags
	item.TagsZh = outcome.tagsZh
	if item.PublishedAt == nil {
		item.PublishedAt = outcome.publishedAt
	}
	item.AnalysisStatus = models.StatusSucceeded
	item.AnalysisError = ""

	if err := a.store.UpdateItemAnalysis(item); err != nil {
		return err
	}

	result := outcome.result
	row := &models.AnalysisResult{
		ID:             attemptID,
		ItemID:         item.ID,
		Status:         "succeeded",
		SourceLanguage: result.SourceLanguage,
		Title:          outcome.title,
		TitleZh:        outcome.titleZh,
		SummaryShort:   result.SummaryShort,
		SummaryShortZh: result.SummaryShortZh,
		SummaryLong:    result.SummaryLong,
		SummaryLongZh:  result.SummaryLongZh,
		Tags:           outcome.tags,
		TagsZh:         outcome.tagsZh,
		KeyPoints:      outcome.keyPoints,
		PublishedAt:    outcome.publishedAt,
		ModelProvider:  a.model.Provider(),
		ModelName:      firstNonEmpty(result.ModelName, a.model.ModelName()),
		PromptVersion:  a.config.PromptVersion,
		ElapsedMs:      elapsed,
	}
	if result.InputTokens != nil {
		row.InputTokens = *result.InputTokens
	}
	if result.OutputTokens != nil {
		row.OutputTokens = *result.OutputTokens
	}
	if len(result.RawResponse) > 0 {
		row.RawResponse = string(result.RawResponse)
		a.archiveResponse(ctx, attemptID, result.RawResponse)
	}
	return a.store.InsertAnalysisResult(row)
}

// recordFailedAttempt marks the item failed and appends the failure row.
// Persistence errors here are logged, not surfaced: the diagnostic must
// not mask the original failure.
func (a *Analyzer) recordFailedAttempt(item *models.ContentItem, attemptID string, stageErr *StageError, elapsed int64) {
	item.AnalysisStatus = models.StatusFailed
	item.AnalysisError = truncateRunes(stageErr.Message, 500)
	if err := a.store.UpdateItemAnalysis(item); err != nil {
		a.logger.Error("failed to mark item failed", "item_id", item.ID, "error", err)
	}

	row := &models.AnalysisResult{
		ID:            attemptID,
		ItemID:        item.ID,
		Status:        "failed",
		ModelProvider: a.model.Provider(),
		ModelName:     a.model.ModelName(),
		PromptVersion: a.config.PromptVersion,
		ErrorCode:     normalizeStage(stageErr.Stage),
		ErrorMessage:  truncateRunes(stageErr.Message, 500),
		ErrorClass:    truncateRunes(firstNonEmpty(stageErr.Class, "Error"), 96),
		FailureStage:  normalizeStage(stageErr.Stage),
		Retryable:     stageErr.Retryable,
		ElapsedMs:     elapsed,
	}
	if err := a.store.InsertAnalysisResult(row); err != nil {
		a.logger.Error("failed to append failure result", "item_id", item.ID, "error", err)
	}
}

// failureEvent builds the refresh-job diagnostic for one failed item.
func (a *Analyzer) failureEvent(item *models.ContentItem, source *models.SourceCreator, stageErr *StageError, elapsed int64) *models.FailureEvent {
	event := &models.FailureEvent{
		ItemID:       item.ID,
		SourceURL:    item.SourceURLNormalized,
		Stage:        normalizeStage(stageErr.Stage),
		ErrorClass:   truncateRunes(firstNonEmpty(stageErr.Class, "Error"), 96),
		ErrorMessage: truncateRunes(firstNonEmpty(stageErr.Message, "analysis failed"), 500),
		ElapsedMs:    elapsed,
		Retryable:    stageErr.Retryable,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	if source != nil {
		event.SourceID = source.ID
		event.SourceSlug = source.Slug
	}
	return event
}

func (a *Analyzer) archiveDocument(ctx context.Context, attemptID string, doc *fetch.Result) {
	if a.archive == nil || doc.Document == "" {
		return
	}
	if _, err := a.archive.SaveDocument(ctx, attemptID, doc.Document); err != nil {
		a.logger.Warn("failed to archive document", "attempt_id", attemptID, "error", err)
	}
}

func (a *Analyzer) archiveResponse(ctx context.Context, attemptID string, payload []byte) {
	if a.archive == nil || len(payload) == 0 {
		return
	}
	if _, err := a.archive.SaveResponse(ctx, attemptID, payload); err != nil {
		a.logger.Warn("failed to archive response", "attempt_id", attemptID, "error", err)
	}
}

func (a *Analyzer) countModelUsage(result *llm.Result, outcome string) {
	if a.metrics == nil {
		return
	}
	a.metrics.ModelRequests.WithLabelValues(a.model.Provider(), outcome).Inc()
	if result == nil {
		return
	}
	if result.InputTokens != nil {
		a.metrics.ModelInputTokens.Add(float64(*result.InputTokens))
	}
	if result.OutputTokens != nil {
		a.metrics.ModelOutputTokens.Add(float64(*result.OutputTokens))
	}
}

// extractKeyPoints pulls up to three substantial sentences from the
// document, falls back to the summary, and pads with the advisory line.
func extractKeyPoints(content, summary string) []string {
	var keyPoints []string
	for _, piece := range sentenceSplitRe.Split(content, -1) {
		line := strings.TrimSpace(piece)
		if len([]rune(line)) < minKeyPointChars {
			continue
		}
		keyPoints = append(keyPoints, truncateRunes(line, maxKeyPointChars))
		if len(keyPoints) >= maxKeyPoints {
			break
		}
	}
	if len(keyPoints) == 0 {
		keyPoints = []string{truncateRunes(summary, maxKeyPointChars)}
	}
	for len(keyPoints) < maxKeyPoints {
		keyPoints = append(keyPoints, keyPointAdvisory)
	}
	return keyPoints[:maxKeyPoints]
}

// firstSlugTag returns the leading tag, which for aggregate items is the
// source slug merged at discovery time.
func firstSlugTag(itemTags []string) string {
	if len(itemTags) == 0 {
		return ""
	}
	return itemTags[0]
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

func elapsedMs(started time.Time) int64 {
	ms := time.Since(started).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}
