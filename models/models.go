package models

import "time"

// AnalysisStatus tracks the lifecycle of a content item's analysis.
type AnalysisStatus string

const (
	StatusPending   AnalysisStatus = "pending"
	StatusRunning   AnalysisStatus = "running"
	StatusSucceeded AnalysisStatus = "succeeded"
	StatusFailed    AnalysisStatus = "failed"
)

// ItemKind distinguishes user-submitted notes from crawler-discovered entries.
type ItemKind string

const (
	KindNote      ItemKind = "note"
	KindAggregate ItemKind = "aggregate"
)

// ContentItem is a single analyzable URL: either a user note or an
// aggregate item discovered by the feed crawler. The normalized URL is the
// dedup key (unique per owner for notes, globally for aggregates).
type ContentItem struct {
	ID                  string         `json:"id"`
	Kind                ItemKind       `json:"kind"`
	OwnerID             string         `json:"owner_id,omitempty"`
	SourceCreatorID     string         `json:"source_creator_id,omitempty"`
	SourceURL           string         `json:"source_url"`
	SourceURLNormalized string         `json:"source_url_normalized"`
	SourceDomain        string         `json:"source_domain"`
	SourceLanguage      string         `json:"source_language,omitempty"`
	SourceTitle         string         `json:"source_title,omitempty"`
	SourceTitleZh       string         `json:"source_title_zh,omitempty"`
	NoteBody            string         `json:"note_body,omitempty"`
	Visibility          string         `json:"visibility,omitempty"`
	Tags                []string       `json:"tags"`
	TagsZh              []string       `json:"tags_zh,omitempty"`
	AnalysisStatus      AnalysisStatus `json:"analysis_status"`
	AnalysisError       string         `json:"analysis_error,omitempty"`
	PublishedAt         *time.Time     `json:"published_at,omitempty"`
	Deleted             bool           `json:"-"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// AnalysisResult is one row per analysis attempt. Rows are append-only;
// the latest row for an item is its current result.
type AnalysisResult struct {
	ID             string     `json:"id"`
	ItemID         string     `json:"item_id"`
	Status         string     `json:"status"` // succeeded | failed
	SourceLanguage string     `json:"source_language,omitempty"`
	Title          string     `json:"title,omitempty"`
	TitleZh        string     `json:"title_zh,omitempty"`
	SummaryShort   string     `json:"summary_short,omitempty"`
	SummaryShortZh string     `json:"summary_short_zh,omitempty"`
	SummaryLong    string     `json:"summary_long,omitempty"`
	SummaryLongZh  string     `json:"summary_long_zh,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
	TagsZh         []string   `json:"tags_zh,omitempty"`
	KeyPoints      []string   `json:"key_points,omitempty"`
	PublishedAt    *time.Time `json:"published_at,omitempty"`
	ModelProvider  string     `json:"model_provider,omitempty"`
	ModelName      string     `json:"model_name,omitempty"`
	ModelVersion   string     `json:"model_version,omitempty"`
	PromptVersion  string     `json:"prompt_version,omitempty"`
	InputTokens    int        `json:"input_tokens,omitempty"`
	OutputTokens   int        `json:"output_tokens,omitempty"`
	RawResponse    string     `json:"raw_response,omitempty"` // full provider payload for audit

	// Failure diagnostics, populated only when Status == "failed".
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorClass   string `json:"error_class,omitempty"`
	FailureStage string `json:"failure_stage,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
	ElapsedMs    int64  `json:"elapsed_ms,omitempty"`

	AnalyzedAt time.Time `json:"analyzed_at"`
}

// SourceCreator is a crawler feed source. Every aggregate item discovered
// through it must live on its domain or a subdomain of it.
type SourceCreator struct {
	ID           string    `json:"id"`
	Slug         string    `json:"slug"`
	DisplayName  string    `json:"display_name"`
	SourceDomain string    `json:"source_domain"`
	FeedURL      string    `json:"feed_url"`
	HomepageURL  string    `json:"homepage_url"`
	Active       bool      `json:"active"`
	Deleted      bool      `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FailureEvent is one per-item failure diagnostic collected during a
// refresh job, surfaced through job polling for operator tooling.
type FailureEvent struct {
	SourceID     string `json:"source_id,omitempty"`
	SourceSlug   string `json:"source_slug,omitempty"`
	ItemID       string `json:"item_id,omitempty"`
	SourceURL    string `json:"source_url,omitempty"`
	Stage        string `json:"stage"`
	ErrorClass   string `json:"error_class"`
	ErrorMessage string `json:"error_message"`
	ElapsedMs    int64  `json:"elapsed_ms,omitempty"`
	Retryable    bool   `json:"retryable"`
	CreatedAt    string `json:"created_at"`
}

// RefreshJob is the polled status record for an aggregate refresh run.
type RefreshJob struct {
	JobID          string         `json:"job_id"`
	Status         string         `json:"status"` // queued | running | succeeded | failed
	Scope          string         `json:"scope"`  // all | source
	SourceID       string         `json:"source_id,omitempty"`
	SourceSlug     string         `json:"source_slug,omitempty"`
	TotalSources   int            `json:"total_sources"`
	RefreshedItems int            `json:"refreshed_items"`
	FailedItems    int            `json:"failed_items"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Failures       []FailureEvent `json:"failures"`
	CreatedAt      string         `json:"created_at"`
	StartedAt      string         `json:"started_at,omitempty"`
	FinishedAt     string         `json:"finished_at,omitempty"`
}
