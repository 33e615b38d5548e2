package analyzer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/prismnotes/ingest/models"
)

// RefreshSummary aggregates one refresh run over a set of sources.
type RefreshSummary struct {
	TotalSources   int
	RefreshedItems int
	FailedItems    int
	Failures       []models.FailureEvent
}

// RefreshAll refreshes every active source.
func (a *Analyzer) RefreshAll(ctx context.Context) (*RefreshSummary, error) {
	sources, err := a.store.ListActiveSources()
	if err != nil {
		return nil, err
	}
	return a.refreshSources(ctx, sources), nil
}

// RefreshSource refreshes a single source by ID.
func (a *Analyzer) RefreshSource(ctx context.Context, sourceID string) (*RefreshSummary, error) {
	source, err := a.store.GetSource(sourceID)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("source not found: %s", sourceID)
	}
	return a.refreshSources(ctx, []*models.SourceCreator{source}), nil
}

func (a *Analyzer) refreshSources(ctx context.Context, sources []*models.SourceCreator) *RefreshSummary {
	summary := &RefreshSummary{
		TotalSources: len(sources),
		Failures:     []models.FailureEvent{},
	}

	for _, source := range sources {
		sourceStarted := time.Now()

		candidates, err := a.collectFeedEntries(ctx, source)
		if err != nil {
			summary.FailedItems++
			a.addFailure(summary, &models.FailureEvent{
				SourceID:     source.ID,
				SourceSlug:   source.Slug,
				SourceURL:    source.FeedURL,
				Stage:        classifyFeedStage(err),
				ErrorClass:   truncateRunes(errorClass(err), 96),
				ErrorMessage: errorMessage(err, "failed to fetch feed"),
				ElapsedMs:    elapsedMs(sourceStarted),
				Retryable:    retryableError(err),
				CreatedAt:    time.Now().UTC().Format(time.RFC3339),
			})
			continue
		}

		items := a.ensureItems(source, candidates)
		if len(items) == 0 {
			summary.FailedItems++
			a.addFailure(summary, &models.FailureEvent{
				SourceID:     source.ID,
				SourceSlug:   source.Slug,
				SourceURL:    source.FeedURL,
				Stage:        StageFeedParse,
				ErrorClass:   "EmptyFeed",
				ErrorMessage: "feed produced no analyzable items",
				ElapsedMs:    elapsedMs(sourceStarted),
				Retryable:    false,
				CreatedAt:    time.Now().UTC().Format(time.RFC3339),
			})
			continue
		}

		for _, item := range items {
			run, err := a.shouldRunAnalysis(item)
			if err != nil {
				a.logger.Error("failed to check item status", "item_id", item.ID, "error", err)
				continue
			}
			if !run {
				continue
			}
			// Succeeded items with an empty summary need a reset before
			// they can be claimed again.
			if item.AnalysisStatus == models.StatusSucceeded {
				if _, err := a.store.ResetForReanalysis(item.ID); err != nil {
					a.logger.Error("failed to reset item", "item_id", item.ID, "error", err)
					continue
				}
			}

			ok, failure, err := a.AnalyzeItem(ctx, item.ID, source)
			if err != nil {
				summary.FailedItems++
				a.addFailure(summary, &models.FailureEvent{
					SourceID:     source.ID,
					SourceSlug:   source.Slug,
					ItemID:       item.ID,
					SourceURL:    item.SourceURLNormalized,
					Stage:        StageUnknown,
					ErrorClass:   truncateRunes(errorClass(err), 96),
					ErrorMessage: errorMessage(err, "analysis failed"),
					Retryable:    retryableError(err),
					CreatedAt:    time.Now().UTC().Format(time.RFC3339),
				})
				continue
			}
			if ok {
				summary.RefreshedItems++
				continue
			}
			// A nil failure means the claim was lost to another worker;
			// that item is simply not ours to count.
			if failure != nil {
				summary.FailedItems++
				a.addFailure(summary, failure)
			}
		}
	}

	return summary
}

// ensureItems converts surviving feed candidates into persisted items.
// Per-entry failures are logged and skipped so one bad entry cannot sink
// its source.
func (a *Analyzer) ensureItems(source *models.SourceCreator, candidates []feedCandidate) []*models.ContentItem {
	var items []*models.ContentItem
	for _, candidate := range candidates {
		item, created, err := a.store.EnsureSourceItem(source,
			candidate.SourceURL, candidate.SourceURL, source.SourceDomain,
			candidate.Title, candidate.PublishedAt)
		if err != nil {
			a.logger.Error("failed to ensure item",
				"source", source.Slug, "url", candidate.SourceURL, "error", err)
			continue
		}
		if a.metrics != nil && created {
			a.metrics.ItemsDiscovered.WithLabelValues(source.Slug).Inc()
		}
		items = append(items, item)
	}
	return items
}

func (a *Analyzer) addFailure(summary *RefreshSummary, event *models.FailureEvent) {
	if len(summary.Failures) >= a.config.MaxFailureEvents {
		return
	}
	event.Stage = normalizeStage(event.Stage)
	if event.ErrorClass == "" {
		event.ErrorClass = "Error"
	}
	if event.ErrorMessage == "" {
		event.ErrorMessage = "unknown error"
	}
	summary.Failures = append(summary.Failures, *event)
}

// EnqueueRefreshJob records a queued refresh job and returns it. The
// caller is responsible for starting RunRefreshJob.
func (a *Analyzer) EnqueueRefreshJob(ctx context.Context, source *models.SourceCreator) (*models.RefreshJob, error) {
	if a.jobs == nil {
		return nil, fmt.Errorf("job store not configured")
	}

	job := &models.RefreshJob{
		JobID:     uuid.New().String(),
		Status:    "queued",
		Scope:     "all",
		Failures:  []models.FailureEvent{},
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if source != nil {
		job.Scope = "source"
		job.SourceID = source.ID
		job.SourceSlug = source.Slug
	}
	if err := a.jobs.SaveJob(ctx, job, a.config.JobTTL); err != nil {
		return nil, err
	}
	return job, nil
}

// RunRefreshJob executes a queued refresh job, updating its record at
// every transition. Meant to run in its own goroutine; all failures end
// up on the job record rather than returned.
func (a *Analyzer) RunRefreshJob(ctx context.Context, jobID, sourceID string) {
	if a.jobs == nil {
		a.logger.Error("refresh job started without a job store", "job_id", jobID)
		return
	}

	job, err := a.jobs.GetJob(ctx, jobID)
	if err != nil {
		a.logger.Error("failed to load refresh job", "job_id", jobID, "error", err)
	}
	if job == nil {
		job = &models.RefreshJob{
			JobID:     jobID,
			Status:    "queued",
			Scope:     "all",
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if sourceID != "" {
			job.Scope = "source"
			job.SourceID = sourceID
		}
	}

	job.Status = "running"
	job.StartedAt = time.Now().UTC().Format(time.RFC3339)
	job.FinishedAt = ""
	job.ErrorMessage = ""
	job.Failures = []models.FailureEvent{}
	a.saveJob(ctx, job)

	var summary *RefreshSummary
	if sourceID != "" {
		summary, err = a.RefreshSource(ctx, sourceID)
	} else {
		summary, err = a.RefreshAll(ctx)
	}

	if err != nil {
		job.Status = "failed"
		job.ErrorMessage = errorMessage(err, "refresh failed")
	} else {
		job.TotalSources = summary.TotalSources
		job.RefreshedItems = summary.RefreshedItems
		job.FailedItems = summary.FailedItems
		job.Failures = summary.Failures
		if summary.RefreshedItems == 0 && summary.FailedItems > 0 {
			job.Status = "failed"
			job.ErrorMessage = "refresh finished but every item failed"
		} else {
			job.Status = "succeeded"
		}
	}
	job.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	a.saveJob(ctx, job)

	if a.metrics != nil {
		a.metrics.RefreshJobs.WithLabelValues(job.Status).Inc()
	}
}

func (a *Analyzer) saveJob(ctx context.Context, job *models.RefreshJob) {
	if err := a.jobs.SaveJob(ctx, job, a.config.JobTTL); err != nil {
		a.logger.Error("failed to save refresh job", "job_id", job.JobID, "error", err)
	}
}
