package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/prismnotes/ingest/fetch"
	"github.com/prismnotes/ingest/llm"
	"github.com/prismnotes/ingest/metrics"
	"github.com/prismnotes/ingest/models"
)

type fakeStore struct {
	mu      sync.Mutex
	items   map[string]*models.ContentItem
	results []*models.AnalysisResult
	sources map[string]*models.SourceCreator
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		items:   make(map[string]*models.ContentItem),
		sources: make(map[string]*models.SourceCreator),
	}
}

func (s *fakeStore) addItem(item *models.ContentItem) *models.ContentItem {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.AnalysisStatus == "" {
		item.AnalysisStatus = models.StatusPending
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item
	return item
}

func (s *fakeStore) GetItem(id string) (*models.ContentItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, nil
	}
	copied := *item
	return &copied, nil
}

func (s *fakeStore) EnsureSourceItem(source *models.SourceCreator, sourceURL, normalizedURL, domain, title string, publishedAt *time.Time) (*models.ContentItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		if item.SourceURLNormalized == normalizedURL {
			copied := *item
			return &copied, false, nil
		}
	}
	item := &models.ContentItem{
		ID:                  uuid.New().String(),
		Kind:                models.KindAggregate,
		SourceCreatorID:     source.ID,
		SourceURL:           sourceURL,
		SourceURLNormalized: normalizedURL,
		SourceDomain:        domain,
		SourceTitle:         title,
		Tags:                []string{source.Slug},
		TagsZh:              []string{source.Slug},
		AnalysisStatus:      models.StatusPending,
		PublishedAt:         publishedAt,
	}
	s.items[item.ID] = item
	copied := *item
	return &copied, true, nil
}

func (s *fakeStore) ClaimForAnalysis(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return false, nil
	}
	if item.AnalysisStatus != models.StatusPending && item.AnalysisStatus != models.StatusFailed {
		return false, nil
	}
	item.AnalysisStatus = models.StatusRunning
	item.AnalysisError = ""
	return true, nil
}

func (s *fakeStore) UpdateItemAnalysis(item *models.ContentItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; !ok {
		return fmt.Errorf("no item found with id: %s", item.ID)
	}
	copied := *item
	s.items[item.ID] = &copied
	return nil
}

func (s *fakeStore) ResetForReanalysis(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok || item.AnalysisStatus == models.StatusRunning {
		return false, nil
	}
	item.AnalysisStatus = models.StatusPending
	item.AnalysisError = ""
	return true, nil
}

func (s *fakeStore) InsertAnalysisResult(result *models.AnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *result
	if copied.AnalyzedAt.IsZero() {
		copied.AnalyzedAt = time.Now().UTC()
	}
	s.results = append(s.results, &copied)
	return nil
}

func (s *fakeStore) LatestResultForItem(itemID string) (*models.AnalysisResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.results) - 1; i >= 0; i-- {
		if s.results[i].ItemID == itemID {
			copied := *s.results[i]
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) ListActiveSources() ([]*models.SourceCreator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.SourceCreator
	for _, source := range s.sources {
		if source.Active {
			out = append(out, source)
		}
	}
	return out, nil
}

func (s *fakeStore) GetSource(id string) (*models.SourceCreator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	source, ok := s.sources[id]
	if !ok {
		return nil, nil
	}
	copied := *source
	return &copied, nil
}

func (s *fakeStore) lastResult(t *testing.T) *models.AnalysisResult {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) == 0 {
		t.Fatal("no analysis results recorded")
	}
	copied := *s.results[len(s.results)-1]
	return &copied
}

type fakeFetcher struct {
	result *fetch.Result
	err    error
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string) (*fetch.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	copied := *f.result
	return &copied, nil
}

type fakeModel struct {
	result   *llm.Result
	err      error
	repaired bool
	calls    int
}

func (m *fakeModel) AnalyzeWithRepair(_ context.Context, _ llm.Request) (*llm.Result, bool, error) {
	m.calls++
	if m.err != nil {
		return nil, m.repaired, m.err
	}
	copied := *m.result
	return &copied, m.repaired, nil
}

func (m *fakeModel) Provider() string  { return "openai" }
func (m *fakeModel) ModelName() string { return "gpt-test" }

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func modelResult() *llm.Result {
	return &llm.Result{
		SourceLanguage: "non-zh",
		Title:          "Model Title",
		TitleZh:        "模型标题",
		SummaryShort:   "A short summary of the article.",
		SummaryShortZh: "文章的简短摘要。",
		SummaryLong:    "A considerably longer summary of the article that covers the argument in detail.",
		SummaryLongZh:  "更长的文章摘要。",
		Tags:           []string{"golang", "testing"},
		TagsZh:         []string{"golang", "测试"},
		ModelName:      "gpt-test-2024",
	}
}

func fetchedDoc() *fetch.Result {
	return &fetch.Result{
		Title:       "Fetched Title",
		Content:     "This is the first sentence of the article body. Here follows a second meaningful sentence. And a third one for good measure. Plus one more.",
		ResolvedURL: "https://example.com/post",
		Document:    "<html><body>doc</body></html>",
	}
}

func newTestAnalyzer(t *testing.T, store Store, fetcher Fetcher, model Model) *Analyzer {
	t.Helper()
	a, err := New(store, fetcher, model, testLogger(), Config{})
	if err != nil {
		t.Fatalf("failed to build analyzer: %v", err)
	}
	return a
}

func pendingItem(store *fakeStore, source *models.SourceCreator) *models.ContentItem {
	return store.addItem(&models.ContentItem{
		Kind:                models.KindAggregate,
		SourceCreatorID:     source.ID,
		SourceURL:           "https://example.com/post",
		SourceURLNormalized: "https://example.com/post",
		SourceDomain:        "example.com",
		Tags:                []string{source.Slug},
		TagsZh:              []string{source.Slug},
	})
}

func testSource() *models.SourceCreator {
	return &models.SourceCreator{
		ID:           uuid.New().String(),
		Slug:         "example",
		DisplayName:  "Example",
		SourceDomain: "example.com",
		FeedURL:      "https://example.com/feed.xml",
		Active:       true,
	}
}

func TestAnalyzeItemSuccess(t *testing.T) {
	store := newFakeStore()
	source := testSource()
	item := pendingItem(store, source)

	a := newTestAnalyzer(t, store, &fakeFetcher{result: fetchedDoc()}, &fakeModel{result: modelResult()})

	ok, failure, err := a.AnalyzeItem(context.Background(), item.ID, source)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected success, failure: %+v", failure)
	}

	got, _ := store.GetItem(item.ID)
	if got.AnalysisStatus != models.StatusSucceeded {
		t.Errorf("expected succeeded, got %q", got.AnalysisStatus)
	}
	if got.SourceTitle != "Model Title" {
		t.Errorf("unexpected title: %q", got.SourceTitle)
	}
	if want := []string{"golang", "testing", "example"}; !reflect.DeepEqual(got.Tags, want) {
		t.Errorf("Tags = %v, want %v (source slug appended after content tags)", got.Tags, want)
	}

	row := store.lastResult(t)
	if row.Status != "succeeded" {
		t.Errorf("unexpected result status: %q", row.Status)
	}
	if row.ModelProvider != "openai" || row.ModelName != "gpt-test-2024" {
		t.Errorf("unexpected model fields: %q %q", row.ModelProvider, row.ModelName)
	}
	if len(row.KeyPoints) != 3 {
		t.Errorf("expected 3 key points, got %v", row.KeyPoints)
	}
}

func TestAnalyzeItemClaimLost(t *testing.T) {
	store := newFakeStore()
	source := testSource()
	item := pendingItem(store, source)
	item.AnalysisStatus = models.StatusRunning
	store.addItem(item)

	a := newTestAnalyzer(t, store, &fakeFetcher{result: fetchedDoc()}, &fakeModel{result: modelResult()})

	ok, failure, err := a.AnalyzeItem(context.Background(), item.ID, source)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok || failure != nil {
		t.Errorf("lost claim should be a silent no-op, got ok=%v failure=%+v", ok, failure)
	}
}

func TestAnalyzeItemFetchFailure(t *testing.T) {
	store := newFakeStore()
	source := testSource()
	item := pendingItem(store, source)

	a := newTestAnalyzer(t, store,
		&fakeFetcher{err: errors.New("connection reset by peer")},
		&fakeModel{result: modelResult()})

	ok, failure, err := a.AnalyzeItem(context.Background(), item.ID, source)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected failure")
	}
	if failure.Stage != StageContentFetch {
		t.Errorf("expected content_fetch stage, got %q", failure.Stage)
	}
	if !failure.Retryable {
		t.Error("connection reset should be retryable")
	}

	got, _ := store.GetItem(item.ID)
	if got.AnalysisStatus != models.StatusFailed {
		t.Errorf("expected failed, got %q", got.AnalysisStatus)
	}
	row := store.lastResult(t)
	if row.Status != "failed" || row.FailureStage != StageContentFetch {
		t.Errorf("unexpected failure row: %+v", row)
	}
}

func TestAnalyzeItemRecordsFetchMetrics(t *testing.T) {
	store := newFakeStore()
	source := testSource()
	item := pendingItem(store, source)

	m := metrics.New()
	a := newTestAnalyzer(t, store,
		&fakeFetcher{err: errors.New("connection refused")},
		&fakeModel{result: modelResult()}).WithMetrics(m)

	if _, _, err := a.AnalyzeItem(context.Background(), item.ID, source); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := testutil.ToFloat64(m.FetchFailed.WithLabelValues("content")); got != 1 {
		t.Errorf("fetch failures = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.FetchDuration, "ingest_fetch_duration_seconds"); got == 0 {
		t.Error("fetch duration was never observed")
	}
}

func TestAnalyzeItemEmptyContent(t *testing.T) {
	store := newFakeStore()
	source := testSource()
	item := pendingItem(store, source)

	doc := fetchedDoc()
	doc.Content = "   "
	a := newTestAnalyzer(t, store, &fakeFetcher{result: doc}, &fakeModel{result: modelResult()})

	ok, failure, err := a.AnalyzeItem(context.Background(), item.ID, source)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected failure")
	}
	if failure.Stage != StageContentFetch || failure.Retryable {
		t.Errorf("empty content should be a final content_fetch failure: %+v", failure)
	}
	if failure.ErrorClass != "EmptyContent" {
		t.Errorf("unexpected error class: %q", failure.ErrorClass)
	}
}

func TestAnalyzeItemModelRequestFailure(t *testing.T) {
	store := newFakeStore()
	source := testSource()
	item := pendingItem(store, source)

	a := newTestAnalyzer(t, store, &fakeFetcher{result: fetchedDoc()},
		&fakeModel{err: &llm.Error{Code: llm.CodeHTTPError, Message: "analysis request failed (HTTP 503)"}})

	ok, failure, err := a.AnalyzeItem(context.Background(), item.ID, source)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected failure")
	}
	if failure.Stage != StageLLMRequest {
		t.Errorf("expected llm_request stage, got %q", failure.Stage)
	}
	if !failure.Retryable {
		t.Error("HTTP 503 should be retryable")
	}
	if failure.ErrorClass != "LLMClientError" {
		t.Errorf("unexpected error class: %q", failure.ErrorClass)
	}
}

func TestAnalyzeItemRepairFailure(t *testing.T) {
	store := newFakeStore()
	source := testSource()
	item := pendingItem(store, source)

	a := newTestAnalyzer(t, store, &fakeFetcher{result: fetchedDoc()},
		&fakeModel{
			err:      &llm.Error{Code: llm.CodeInvalidOutput, Message: "model output missing summary"},
			repaired: true,
		})

	ok, failure, err := a.AnalyzeItem(context.Background(), item.ID, source)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected failure")
	}
	if failure.Stage != StageLLMParse {
		t.Errorf("expected llm_parse stage after repair failure, got %q", failure.Stage)
	}
	if failure.Retryable {
		t.Error("a failure after the repair rerun is final")
	}
}

func TestReanalyzeItem(t *testing.T) {
	store := newFakeStore()
	source := testSource()
	store.sources[source.ID] = source
	item := pendingItem(store, source)
	item.AnalysisStatus = models.StatusSucceeded
	store.addItem(item)

	a := newTestAnalyzer(t, store, &fakeFetcher{result: fetchedDoc()}, &fakeModel{result: modelResult()})

	ok, err := a.ReanalyzeItem(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected reanalysis to run")
	}
	got, _ := store.GetItem(item.ID)
	if got.AnalysisStatus != models.StatusSucceeded {
		t.Errorf("expected succeeded after rerun, got %q", got.AnalysisStatus)
	}
}

func TestReanalyzeItemSkipsRunning(t *testing.T) {
	store := newFakeStore()
	source := testSource()
	item := pendingItem(store, source)
	item.AnalysisStatus = models.StatusRunning
	store.addItem(item)

	a := newTestAnalyzer(t, store, &fakeFetcher{result: fetchedDoc()}, &fakeModel{result: modelResult()})

	ok, err := a.ReanalyzeItem(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("running item must not be reanalyzed")
	}
}

func TestExtractKeyPoints(t *testing.T) {
	tests := []struct {
		name    string
		content string
		summary string
		want    []string
	}{
		{
			name:    "three substantial sentences",
			content: "The first sentence is long enough to keep. The second sentence also carries enough weight. A third sentence completes the set. A fourth is ignored entirely.",
			summary: "Summary fallback.",
			want: []string{
				"The first sentence is long enough to keep",
				"The second sentence also carries enough weight",
				"A third sentence completes the set",
			},
		},
		{
			name:    "short fragments fall back to summary",
			content: "Tiny. Bits. Only.",
			summary: "The summary becomes the only key point.",
			want: []string{
				"The summary becomes the only key point.",
				keyPointAdvisory,
				keyPointAdvisory,
			},
		},
		{
			name:    "chinese punctuation splits",
			content: "这是一个足够长的中文句子用来做要点。短。这里是另一个足够长的中文句子作为第二个要点。",
			summary: "摘要",
			want: []string{
				"这是一个足够长的中文句子用来做要点",
				"这里是另一个足够长的中文句子作为第二个要点",
				keyPointAdvisory,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractKeyPoints(tt.content, tt.summary)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d key points, want %d: %v", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("key point %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestNormalizeStage(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"feed_fetch", StageFeedFetch},
		{" LLM_PARSE ", StageLLMParse},
		{"db_write", StageDBWrite},
		{"bogus", StageUnknown},
		{"", StageUnknown},
	}
	for _, tt := range tests {
		if got := normalizeStage(tt.in); got != tt.want {
			t.Errorf("normalizeStage(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestClassifyFeedStage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"stage error passes through", newStageError(StageFeedParse, false, "ParseError", "bad feed"), StageFeedParse},
		{"xml message", errors.New("XML syntax error on line 3"), StageFeedParse},
		{"rss message", errors.New("not a valid RSS document"), StageFeedParse},
		{"transport message", errors.New("dial tcp: connection refused"), StageFeedFetch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyFeedStage(tt.err); got != tt.want {
				t.Errorf("classifyFeedStage = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRetryableMessage(t *testing.T) {
	tests := []struct {
		message string
		want    bool
	}{
		{"request timed out after 30s", true},
		{"analysis request failed (HTTP 429)", true},
		{"upstream is overloaded", true},
		{"connection reset by peer", true},
		{"lookup example.com: no such host", true},
		{"invalid JSON in model output", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := retryableMessage(tt.message); got != tt.want {
			t.Errorf("retryableMessage(%q) = %v, want %v", tt.message, got, tt.want)
		}
	}
}
