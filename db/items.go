package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/prismnotes/ingest/models"
	"github.com/prismnotes/ingest/tags"
)

const itemColumns = `id, kind, owner_id, source_creator_id, source_url, source_url_normalized,
	source_domain, source_language, source_title, source_title_zh, note_body, visibility,
	tags, tags_zh, analysis_status, analysis_error, published_at, deleted, created_at, updated_at`

// CreateItem inserts a new content item. The caller owns duplicate
// handling: a unique violation on source_url_normalized means another
// writer already owns that URL within the item's scope — globally for
// aggregates, per owner for notes (check with IsUniqueViolation).
func (db *DB) CreateItem(item *models.ContentItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now
	if item.AnalysisStatus == "" {
		item.AnalysisStatus = models.StatusPending
	}
	if item.Visibility == "" {
		item.Visibility = "private"
	}

	tagsJSON, tagsZhJSON, err := marshalTagPair(item.Tags, item.TagsZh)
	if err != nil {
		return err
	}

	_, err = db.conn.Exec(`
		INSERT INTO content_items (`+itemColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`,
		item.ID, item.Kind, nullString(item.OwnerID), nullString(item.SourceCreatorID),
		item.SourceURL, item.SourceURLNormalized, item.SourceDomain,
		nullString(item.SourceLanguage), nullString(item.SourceTitle), nullString(item.SourceTitleZh),
		nullString(item.NoteBody), item.Visibility, tagsJSON, tagsZhJSON,
		string(item.AnalysisStatus), nullString(item.AnalysisError),
		nullTime(item.PublishedAt), item.Deleted, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return err
		}
		return fmt.Errorf("failed to insert item: %w", err)
	}
	return nil
}

// GetItem retrieves an item by ID. Returns nil when not found or soft
// deleted.
func (db *DB) GetItem(id string) (*models.ContentItem, error) {
	row := db.conn.QueryRow(
		"SELECT "+itemColumns+" FROM content_items WHERE id = $1 AND deleted = FALSE", id)
	return scanItem(row)
}

// GetAggregateByNormalizedURL retrieves a feed-discovered item by its
// dedup key. Aggregates are unique on the normalized URL alone.
func (db *DB) GetAggregateByNormalizedURL(normalizedURL string) (*models.ContentItem, error) {
	row := db.conn.QueryRow(
		"SELECT "+itemColumns+` FROM content_items
		 WHERE kind = $1 AND source_url_normalized = $2 AND deleted = FALSE`,
		string(models.KindAggregate), normalizedURL)
	return scanItem(row)
}

// GetNoteByNormalizedURL retrieves an owner's note by its dedup key.
// Notes are unique per (owner, normalized URL), so one user's note
// never shadows another's.
func (db *DB) GetNoteByNormalizedURL(ownerID, normalizedURL string) (*models.ContentItem, error) {
	row := db.conn.QueryRow(
		"SELECT "+itemColumns+` FROM content_items
		 WHERE kind = $1 AND COALESCE(owner_id, '') = $2 AND source_url_normalized = $3 AND deleted = FALSE`,
		string(models.KindNote), ownerID, normalizedURL)
	return scanItem(row)
}

// ListItems returns non-deleted items, newest first.
func (db *DB) ListItems(limit, offset int) ([]*models.ContentItem, error) {
	rows, err := db.conn.Query(
		"SELECT "+itemColumns+" FROM content_items WHERE deleted = FALSE ORDER BY created_at DESC LIMIT $1 OFFSET $2",
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// ListItemsByCreator returns non-deleted items for one source creator,
// newest first.
func (db *DB) ListItemsByCreator(creatorID string, limit, offset int) ([]*models.ContentItem, error) {
	rows, err := db.conn.Query(
		"SELECT "+itemColumns+` FROM content_items
		 WHERE deleted = FALSE AND source_creator_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		creatorID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// CountItemsByStatus returns item counts grouped by analysis status.
func (db *DB) CountItemsByStatus() (map[models.AnalysisStatus]int, error) {
	rows, err := db.conn.Query(
		"SELECT analysis_status, COUNT(*) FROM content_items WHERE deleted = FALSE GROUP BY analysis_status")
	if err != nil {
		return nil, fmt.Errorf("failed to count items: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.AnalysisStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		counts[models.AnalysisStatus(status)] = count
	}
	return counts, rows.Err()
}

// ClaimForAnalysis atomically moves an item from pending or failed to
// running. The conditional update is the claim: the returned bool is
// false when another worker holds the item or the status does not allow
// a run, and the caller must not proceed.
func (db *DB) ClaimForAnalysis(id string) (bool, error) {
	result, err := db.conn.Exec(`
		UPDATE content_items
		SET analysis_status = $1, analysis_error = NULL, updated_at = NOW()
		WHERE id = $2 AND deleted = FALSE AND analysis_status IN ($3, $4)
	`, string(models.StatusRunning), id, string(models.StatusPending), string(models.StatusFailed))
	if err != nil {
		return false, fmt.Errorf("failed to claim item: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return rows > 0, nil
}

// UpdateItemAnalysis persists the item's denormalized analysis fields
// after a run finishes (either way).
func (db *DB) UpdateItemAnalysis(item *models.ContentItem) error {
	tagsJSON, tagsZhJSON, err := marshalTagPair(item.Tags, item.TagsZh)
	if err != nil {
		return err
	}

	result, err := db.conn.Exec(`
		UPDATE content_items
		SET source_language = $1, source_title = $2, source_title_zh = $3,
			tags = $4, tags_zh = $5, analysis_status = $6, analysis_error = $7,
			published_at = $8, source_creator_id = $9, source_url = $10,
			source_domain = $11, updated_at = NOW()
		WHERE id = $12
	`,
		nullString(item.SourceLanguage), nullString(item.SourceTitle), nullString(item.SourceTitleZh),
		tagsJSON, tagsZhJSON, string(item.AnalysisStatus), nullString(item.AnalysisError),
		nullTime(item.PublishedAt), nullString(item.SourceCreatorID), item.SourceURL,
		item.SourceDomain, item.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("no item found with id: %s", item.ID)
	}
	return nil
}

// ResetForReanalysis moves a finished item back to pending. Running items
// are left alone; re-triggering them is a no-op and the returned bool is
// false.
func (db *DB) ResetForReanalysis(id string) (bool, error) {
	result, err := db.conn.Exec(`
		UPDATE content_items
		SET analysis_status = $1, analysis_error = NULL, updated_at = NOW()
		WHERE id = $2 AND deleted = FALSE AND analysis_status <> $3
	`, string(models.StatusPending), id, string(models.StatusRunning))
	if err != nil {
		return false, fmt.Errorf("failed to reset item: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return rows > 0, nil
}

// SoftDeleteItem hides an item from all read paths while keeping its
// rows for auditing.
func (db *DB) SoftDeleteItem(id string) error {
	result, err := db.conn.Exec(
		"UPDATE content_items SET deleted = TRUE, updated_at = NOW() WHERE id = $1 AND deleted = FALSE", id)
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("no item found with id: %s", id)
	}
	return nil
}

// EnsureSourceItem finds or creates the aggregate item for one feed
// entry, reporting whether a new row was created. Existing items get
// their source binding refreshed: the title is only backfilled when
// provided, published_at only moves forward, and the source slug is
// merged into the tags. A concurrent insert losing the unique race falls
// back to the winning row.
func (db *DB) EnsureSourceItem(source *models.SourceCreator, sourceURL, normalizedURL, domain, title string, publishedAt *time.Time) (*models.ContentItem, bool, error) {
	item, err := db.GetAggregateByNormalizedURL(normalizedURL)
	if err != nil {
		return nil, false, err
	}

	if item != nil {
		item.SourceCreatorID = source.ID
		item.SourceURL = sourceURL
		item.SourceDomain = domain
		if title != "" {
			item.SourceTitle = truncate(title, 512)
		}
		if publishedAt != nil && (item.PublishedAt == nil || publishedAt.After(*item.PublishedAt)) {
			item.PublishedAt = publishedAt
		}
		item.Tags = tags.MergeSlug(source.Slug, item.Tags)
		if err := db.UpdateItemAnalysis(item); err != nil {
			return nil, false, err
		}
		return item, false, nil
	}

	item = &models.ContentItem{
		Kind:                models.KindAggregate,
		SourceCreatorID:     source.ID,
		SourceURL:           sourceURL,
		SourceURLNormalized: normalizedURL,
		SourceDomain:        domain,
		SourceTitle:         truncate(title, 512),
		Visibility:          "public",
		Tags:                []string{source.Slug},
		TagsZh:              []string{source.Slug},
		AnalysisStatus:      models.StatusPending,
		PublishedAt:         publishedAt,
	}
	if err := db.CreateItem(item); err != nil {
		if IsUniqueViolation(err) {
			winner, err := db.GetAggregateByNormalizedURL(normalizedURL)
			return winner, false, err
		}
		return nil, false, err
	}
	return item, true, nil
}

func truncate(value string, max int) string {
	runes := []rune(value)
	if len(runes) <= max {
		return value
	}
	return string(runes[:max])
}

func marshalTagPair(primary, zh []string) (string, string, error) {
	if primary == nil {
		primary = []string{}
	}
	if zh == nil {
		zh = []string{}
	}
	primaryJSON, err := json.Marshal(primary)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal tags: %w", err)
	}
	zhJSON, err := json.Marshal(zh)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal tags: %w", err)
	}
	return string(primaryJSON), string(zhJSON), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*models.ContentItem, error) {
	var (
		item                                  models.ContentItem
		kind, status                          string
		ownerID, creatorID, language          sql.NullString
		title, titleZh, noteBody, analysisErr sql.NullString
		tagsJSON, tagsZhJSON                  []byte
		publishedAt                           sql.NullTime
	)

	err := row.Scan(
		&item.ID, &kind, &ownerID, &creatorID, &item.SourceURL, &item.SourceURLNormalized,
		&item.SourceDomain, &language, &title, &titleZh, &noteBody, &item.Visibility,
		&tagsJSON, &tagsZhJSON, &status, &analysisErr, &publishedAt, &item.Deleted,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan item: %w", err)
	}

	item.Kind = models.ItemKind(kind)
	item.OwnerID = ownerID.String
	item.SourceCreatorID = creatorID.String
	item.SourceLanguage = language.String
	item.SourceTitle = title.String
	item.SourceTitleZh = titleZh.String
	item.NoteBody = noteBody.String
	item.AnalysisStatus = models.AnalysisStatus(status)
	item.AnalysisError = analysisErr.String
	item.PublishedAt = timePtr(publishedAt)

	if err := json.Unmarshal(tagsJSON, &item.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	if err := json.Unmarshal(tagsZhJSON, &item.TagsZh); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	return &item, nil
}

func scanItems(rows *sql.Rows) ([]*models.ContentItem, error) {
	var results []*models.ContentItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return results, nil
}
