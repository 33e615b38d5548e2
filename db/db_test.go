package db

import (
	"os"
	"testing"
	"time"

	"github.com/prismnotes/ingest/models"
)

// setupTestDB connects to the database named by TEST_DATABASE_URL, runs
// migrations, and wipes the tables. Tests are skipped when the variable
// is unset so the suite stays runnable without Postgres.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := New(Config{DSN: dsn})
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	for _, table := range []string{"analysis_results", "content_items", "source_creators"} {
		if _, err := db.conn.Exec("TRUNCATE " + table + " CASCADE"); err != nil {
			t.Fatalf("failed to truncate %s: %v", table, err)
		}
	}
	return db
}

func testSource(t *testing.T, db *DB) *models.SourceCreator {
	t.Helper()
	source := &models.SourceCreator{
		Slug:         "example",
		DisplayName:  "Example Blog",
		SourceDomain: "example.com",
		FeedURL:      "https://example.com/feed.xml",
		Active:       true,
	}
	if err := db.UpsertSourceCreator(source); err != nil {
		t.Fatalf("failed to upsert source: %v", err)
	}
	return source
}

func TestCreateAndGetItem(t *testing.T) {
	db := setupTestDB(t)

	item := &models.ContentItem{
		Kind:                models.KindNote,
		OwnerID:             "user-1",
		SourceURL:           "https://example.com/post?utm_source=x",
		SourceURLNormalized: "https://example.com/post",
		SourceDomain:        "example.com",
		Tags:                []string{"go"},
	}
	if err := db.CreateItem(item); err != nil {
		t.Fatalf("failed to create item: %v", err)
	}
	if item.ID == "" {
		t.Fatal("expected generated ID")
	}

	got, err := db.GetItem(item.ID)
	if err != nil {
		t.Fatalf("failed to get item: %v", err)
	}
	if got == nil {
		t.Fatal("expected item, got nil")
	}
	if got.AnalysisStatus != models.StatusPending {
		t.Errorf("expected pending status, got %q", got.AnalysisStatus)
	}
	if got.Visibility != "private" {
		t.Errorf("expected private visibility, got %q", got.Visibility)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "go" {
		t.Errorf("unexpected tags: %v", got.Tags)
	}
}

func TestCreateItemDuplicateURL(t *testing.T) {
	db := setupTestDB(t)

	first := &models.ContentItem{
		Kind:                models.KindNote,
		OwnerID:             "user-a",
		SourceURL:           "https://example.com/post",
		SourceURLNormalized: "https://example.com/post",
		SourceDomain:        "example.com",
	}
	if err := db.CreateItem(first); err != nil {
		t.Fatalf("failed to create item: %v", err)
	}

	dup := &models.ContentItem{
		Kind:                models.KindNote,
		OwnerID:             "user-a",
		SourceURL:           "https://example.com/post#frag",
		SourceURLNormalized: "https://example.com/post",
		SourceDomain:        "example.com",
	}
	err := db.CreateItem(dup)
	if err == nil {
		t.Fatal("expected unique violation")
	}
	if !IsUniqueViolation(err) {
		t.Errorf("expected unique violation, got %v", err)
	}

	// A different owner may hold a note for the same URL.
	other := &models.ContentItem{
		Kind:                models.KindNote,
		OwnerID:             "user-b",
		SourceURL:           "https://example.com/post",
		SourceURLNormalized: "https://example.com/post",
		SourceDomain:        "example.com",
	}
	if err := db.CreateItem(other); err != nil {
		t.Fatalf("cross-owner note rejected: %v", err)
	}

	got, err := db.GetNoteByNormalizedURL("user-b", "https://example.com/post")
	if err != nil {
		t.Fatalf("failed to look up note: %v", err)
	}
	if got == nil || got.ID != other.ID {
		t.Fatalf("expected user-b's note, got %+v", got)
	}
}

func TestItemURLScopedByKind(t *testing.T) {
	db := setupTestDB(t)

	note := &models.ContentItem{
		Kind:                models.KindNote,
		OwnerID:             "user-a",
		SourceURL:           "https://example.com/post",
		SourceURLNormalized: "https://example.com/post",
		SourceDomain:        "example.com",
	}
	if err := db.CreateItem(note); err != nil {
		t.Fatalf("failed to create note: %v", err)
	}

	// A feed-discovered aggregate shares the URL without colliding.
	aggregate := &models.ContentItem{
		Kind:                models.KindAggregate,
		SourceURL:           "https://example.com/post",
		SourceURLNormalized: "https://example.com/post",
		SourceDomain:        "example.com",
		Visibility:          "public",
	}
	if err := db.CreateItem(aggregate); err != nil {
		t.Fatalf("aggregate rejected alongside note: %v", err)
	}

	// Aggregates stay unique on the URL alone.
	dup := &models.ContentItem{
		Kind:                models.KindAggregate,
		SourceURL:           "https://example.com/post",
		SourceURLNormalized: "https://example.com/post",
		SourceDomain:        "example.com",
		Visibility:          "public",
	}
	if err := db.CreateItem(dup); !IsUniqueViolation(err) {
		t.Fatalf("expected unique violation for duplicate aggregate, got %v", err)
	}

	got, err := db.GetAggregateByNormalizedURL("https://example.com/post")
	if err != nil {
		t.Fatalf("failed to look up aggregate: %v", err)
	}
	if got == nil || got.ID != aggregate.ID {
		t.Fatalf("expected the aggregate, got %+v", got)
	}
}

func TestGetItemNotFound(t *testing.T) {
	db := setupTestDB(t)

	got, err := db.GetItem("00000000-0000-0000-0000-000000000000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestClaimForAnalysis(t *testing.T) {
	db := setupTestDB(t)

	item := &models.ContentItem{
		Kind:                models.KindNote,
		SourceURL:           "https://example.com/post",
		SourceURLNormalized: "https://example.com/post",
		SourceDomain:        "example.com",
	}
	if err := db.CreateItem(item); err != nil {
		t.Fatalf("failed to create item: %v", err)
	}

	claimed, err := db.ClaimForAnalysis(item.ID)
	if err != nil {
		t.Fatalf("failed to claim: %v", err)
	}
	if !claimed {
		t.Fatal("expected to claim pending item")
	}

	// A second claim must lose while the item is running.
	claimed, err = db.ClaimForAnalysis(item.ID)
	if err != nil {
		t.Fatalf("failed to claim: %v", err)
	}
	if claimed {
		t.Fatal("claimed an item that is already running")
	}

	item.AnalysisStatus = models.StatusFailed
	item.AnalysisError = "boom"
	if err := db.UpdateItemAnalysis(item); err != nil {
		t.Fatalf("failed to update item: %v", err)
	}

	claimed, err = db.ClaimForAnalysis(item.ID)
	if err != nil {
		t.Fatalf("failed to claim: %v", err)
	}
	if !claimed {
		t.Fatal("expected to claim failed item")
	}

	got, err := db.GetItem(item.ID)
	if err != nil {
		t.Fatalf("failed to get item: %v", err)
	}
	if got.AnalysisStatus != models.StatusRunning {
		t.Errorf("expected running, got %q", got.AnalysisStatus)
	}
	if got.AnalysisError != "" {
		t.Errorf("expected cleared error, got %q", got.AnalysisError)
	}
}

func TestResetForReanalysis(t *testing.T) {
	db := setupTestDB(t)

	item := &models.ContentItem{
		Kind:                models.KindNote,
		SourceURL:           "https://example.com/post",
		SourceURLNormalized: "https://example.com/post",
		SourceDomain:        "example.com",
		AnalysisStatus:      models.StatusSucceeded,
	}
	if err := db.CreateItem(item); err != nil {
		t.Fatalf("failed to create item: %v", err)
	}

	reset, err := db.ResetForReanalysis(item.ID)
	if err != nil {
		t.Fatalf("failed to reset: %v", err)
	}
	if !reset {
		t.Fatal("expected reset of succeeded item")
	}

	got, err := db.GetItem(item.ID)
	if err != nil {
		t.Fatalf("failed to get item: %v", err)
	}
	if got.AnalysisStatus != models.StatusPending {
		t.Errorf("expected pending, got %q", got.AnalysisStatus)
	}

	// Running items must not be reset.
	if claimed, err := db.ClaimForAnalysis(item.ID); err != nil || !claimed {
		t.Fatalf("failed to claim item: claimed=%v err=%v", claimed, err)
	}
	reset, err = db.ResetForReanalysis(item.ID)
	if err != nil {
		t.Fatalf("failed to reset: %v", err)
	}
	if reset {
		t.Error("reset an item mid-run")
	}
}

func TestEnsureSourceItemCreatesAndUpdates(t *testing.T) {
	db := setupTestDB(t)
	source := testSource(t, db)

	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	item, created, err := db.EnsureSourceItem(source,
		"https://example.com/a?utm_source=rss", "https://example.com/a",
		"example.com", "First Post", &older)
	if err != nil {
		t.Fatalf("failed to ensure item: %v", err)
	}
	if !created {
		t.Error("first ensure should create the item")
	}
	if item.Kind != models.KindAggregate {
		t.Errorf("expected aggregate kind, got %q", item.Kind)
	}
	if item.Visibility != "public" {
		t.Errorf("expected public visibility, got %q", item.Visibility)
	}
	if len(item.Tags) != 1 || item.Tags[0] != source.Slug {
		t.Errorf("expected slug tag, got %v", item.Tags)
	}

	// Second pass with a newer date and empty title: date moves forward,
	// title stays.
	again, created, err := db.EnsureSourceItem(source,
		"https://example.com/a", "https://example.com/a",
		"example.com", "", &newer)
	if err != nil {
		t.Fatalf("failed to ensure item: %v", err)
	}
	if created {
		t.Error("second ensure should reuse the item")
	}
	if again.ID != item.ID {
		t.Fatalf("expected the same item, got %s and %s", item.ID, again.ID)
	}
	if again.SourceTitle != "First Post" {
		t.Errorf("empty title overwrote existing: %q", again.SourceTitle)
	}
	if again.PublishedAt == nil || !again.PublishedAt.Equal(newer) {
		t.Errorf("expected published_at %v, got %v", newer, again.PublishedAt)
	}

	// An older date must not move the timestamp back.
	third, _, err := db.EnsureSourceItem(source,
		"https://example.com/a", "https://example.com/a",
		"example.com", "", &older)
	if err != nil {
		t.Fatalf("failed to ensure item: %v", err)
	}
	if third.PublishedAt == nil || !third.PublishedAt.Equal(newer) {
		t.Errorf("older date rewound published_at: %v", third.PublishedAt)
	}
}

func TestInsertAndListAnalysisResults(t *testing.T) {
	db := setupTestDB(t)

	item := &models.ContentItem{
		Kind:                models.KindNote,
		SourceURL:           "https://example.com/post",
		SourceURLNormalized: "https://example.com/post",
		SourceDomain:        "example.com",
	}
	if err := db.CreateItem(item); err != nil {
		t.Fatalf("failed to create item: %v", err)
	}

	failed := &models.AnalysisResult{
		ItemID:       item.ID,
		Status:       "failed",
		ErrorCode:    "llm_request",
		ErrorMessage: "upstream timed out",
		ErrorClass:   "LLMClientError",
		FailureStage: "llm_request",
		Retryable:    true,
		ElapsedMs:    1200,
		AnalyzedAt:   time.Now().UTC().Add(-time.Minute),
	}
	if err := db.InsertAnalysisResult(failed); err != nil {
		t.Fatalf("failed to insert result: %v", err)
	}

	succeeded := &models.AnalysisResult{
		ItemID:       item.ID,
		Status:       "succeeded",
		Title:        "A Post",
		SummaryShort: "Short.",
		SummaryLong:  "Longer summary.",
		Tags:         []string{"go", "testing"},
		KeyPoints:    []string{"one", "two", "three"},
		ModelName:    "gpt-4o-mini",
		InputTokens:  812,
		OutputTokens: 240,
		RawResponse:  `{"choices":[]}`,
	}
	if err := db.InsertAnalysisResult(succeeded); err != nil {
		t.Fatalf("failed to insert result: %v", err)
	}

	latest, err := db.LatestResultForItem(item.ID)
	if err != nil {
		t.Fatalf("failed to get latest result: %v", err)
	}
	if latest == nil || latest.Status != "succeeded" {
		t.Fatalf("expected latest succeeded result, got %+v", latest)
	}
	if latest.InputTokens != 812 || latest.OutputTokens != 240 {
		t.Errorf("unexpected token counts: %d/%d", latest.InputTokens, latest.OutputTokens)
	}
	if len(latest.KeyPoints) != 3 {
		t.Errorf("unexpected key points: %v", latest.KeyPoints)
	}

	history, err := db.ListResultsForItem(item.ID, 10)
	if err != nil {
		t.Fatalf("failed to list results: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 results, got %d", len(history))
	}
	if history[1].FailureStage != "llm_request" || !history[1].Retryable {
		t.Errorf("unexpected failure row: %+v", history[1])
	}
}

func TestUpsertSourceCreatorIdempotent(t *testing.T) {
	db := setupTestDB(t)
	source := testSource(t, db)
	originalID := source.ID

	source.DisplayName = "Example Blog (renamed)"
	if err := db.UpsertSourceCreator(source); err != nil {
		t.Fatalf("failed to upsert source: %v", err)
	}
	if source.ID != originalID {
		t.Errorf("upsert changed ID: %s -> %s", originalID, source.ID)
	}

	sources, err := db.ListActiveSources()
	if err != nil {
		t.Fatalf("failed to list sources: %v", err)
	}
	if len(sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(sources))
	}
	if sources[0].DisplayName != "Example Blog (renamed)" {
		t.Errorf("unexpected display name: %q", sources[0].DisplayName)
	}
}
