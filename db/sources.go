package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/prismnotes/ingest/models"
)

const sourceColumns = `id, slug, display_name, source_domain, feed_url, homepage_url,
	active, deleted, created_at, updated_at`

// UpsertSourceCreator creates or refreshes a feed source, matching on
// slug. Preset bootstrap runs this on startup so edits to the preset
// file flow through without touching existing IDs.
func (db *DB) UpsertSourceCreator(source *models.SourceCreator) error {
	existing, err := db.GetSourceBySlug(source.Slug)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if existing != nil {
		source.ID = existing.ID
		source.CreatedAt = existing.CreatedAt
		source.UpdatedAt = now
		_, err := db.conn.Exec(`
			UPDATE source_creators
			SET display_name = $1, source_domain = $2, feed_url = $3,
				homepage_url = $4, active = $5, deleted = FALSE, updated_at = $6
			WHERE id = $7
		`, source.DisplayName, source.SourceDomain, source.FeedURL,
			nullString(source.HomepageURL), source.Active, now, source.ID)
		if err != nil {
			return fmt.Errorf("failed to update source: %w", err)
		}
		return nil
	}

	if source.ID == "" {
		source.ID = uuid.New().String()
	}
	source.CreatedAt = now
	source.UpdatedAt = now
	_, err = db.conn.Exec(`
		INSERT INTO source_creators (`+sourceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, source.ID, source.Slug, source.DisplayName, source.SourceDomain,
		source.FeedURL, nullString(source.HomepageURL), source.Active,
		source.Deleted, source.CreatedAt, source.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert source: %w", err)
	}
	return nil
}

// GetSourceBySlug retrieves a source by slug. Returns nil when not found.
func (db *DB) GetSourceBySlug(slug string) (*models.SourceCreator, error) {
	row := db.conn.QueryRow(
		"SELECT "+sourceColumns+" FROM source_creators WHERE slug = $1 AND deleted = FALSE", slug)
	return scanSource(row)
}

// GetSource retrieves a source by ID. Returns nil when not found.
func (db *DB) GetSource(id string) (*models.SourceCreator, error) {
	row := db.conn.QueryRow(
		"SELECT "+sourceColumns+" FROM source_creators WHERE id = $1 AND deleted = FALSE", id)
	return scanSource(row)
}

// ListActiveSources returns every source eligible for a refresh run,
// ordered by slug for stable job output.
func (db *DB) ListActiveSources() ([]*models.SourceCreator, error) {
	rows, err := db.conn.Query(
		"SELECT " + sourceColumns + " FROM source_creators WHERE deleted = FALSE AND active = TRUE ORDER BY slug")
	if err != nil {
		return nil, fmt.Errorf("failed to query sources: %w", err)
	}
	defer rows.Close()

	var sources []*models.SourceCreator
	for rows.Next() {
		source, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, source)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return sources, nil
}

func scanSource(row rowScanner) (*models.SourceCreator, error) {
	var source models.SourceCreator
	var homepage sql.NullString

	err := row.Scan(
		&source.ID, &source.Slug, &source.DisplayName, &source.SourceDomain,
		&source.FeedURL, &homepage, &source.Active, &source.Deleted,
		&source.CreatedAt, &source.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan source: %w", err)
	}
	source.HomepageURL = homepage.String
	return &source, nil
}
