package db

// Schema notes:
//   - content_items.source_url_normalized is the dedup key, scoped by
//     kind: unique globally for aggregates, unique per owner for notes
//     (partial indexes from migration 4).
//   - analysis_results is append-only; the newest row per item is the
//     authoritative analysis.
//   - tags and key_points are stored as JSONB arrays.

var migrations = []Migration{
	{
		Version: 1,
		Name:    "create_source_creators_table",
		Up: `
			CREATE TABLE IF NOT EXISTS source_creators (
				id TEXT PRIMARY KEY,
				slug TEXT NOT NULL UNIQUE,
				display_name TEXT NOT NULL,
				source_domain TEXT NOT NULL,
				feed_url TEXT NOT NULL,
				homepage_url TEXT,
				active BOOLEAN NOT NULL DEFAULT TRUE,
				deleted BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_source_creators_domain ON source_creators(source_domain);
		`,
		Down: `
			DROP INDEX IF EXISTS idx_source_creators_domain;
			DROP TABLE IF EXISTS source_creators;
		`,
	},
	{
		Version: 2,
		Name:    "create_content_items_table",
		Up: `
			CREATE TABLE IF NOT EXISTS content_items (
				id TEXT PRIMARY KEY,
				kind TEXT NOT NULL,
				owner_id TEXT,
				source_creator_id TEXT REFERENCES source_creators(id),
				source_url TEXT NOT NULL,
				source_url_normalized TEXT NOT NULL UNIQUE,
				source_domain TEXT NOT NULL,
				source_language TEXT,
				source_title TEXT,
				source_title_zh TEXT,
				note_body TEXT,
				visibility TEXT NOT NULL DEFAULT 'private',
				tags JSONB NOT NULL DEFAULT '[]',
				tags_zh JSONB NOT NULL DEFAULT '[]',
				analysis_status TEXT NOT NULL DEFAULT 'pending',
				analysis_error TEXT,
				published_at TIMESTAMPTZ,
				deleted BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_content_items_status ON content_items(analysis_status);
			CREATE INDEX IF NOT EXISTS idx_content_items_creator ON content_items(source_creator_id);
			CREATE INDEX IF NOT EXISTS idx_content_items_published_at ON content_items(published_at DESC);
		`,
		Down: `
			DROP INDEX IF EXISTS idx_content_items_published_at;
			DROP INDEX IF EXISTS idx_content_items_creator;
			DROP INDEX IF EXISTS idx_content_items_status;
			DROP TABLE IF EXISTS content_items;
		`,
	},
	{
		Version: 3,
		Name:    "create_analysis_results_table",
		Up: `
			CREATE TABLE IF NOT EXISTS analysis_results (
				id TEXT PRIMARY KEY,
				item_id TEXT NOT NULL REFERENCES content_items(id),
				status TEXT NOT NULL,
				source_language TEXT,
				title TEXT,
				title_zh TEXT,
				summary_short TEXT,
				summary_short_zh TEXT,
				summary_long TEXT,
				summary_long_zh TEXT,
				tags JSONB NOT NULL DEFAULT '[]',
				tags_zh JSONB NOT NULL DEFAULT '[]',
				key_points JSONB NOT NULL DEFAULT '[]',
				published_at TIMESTAMPTZ,
				model_provider TEXT,
				model_name TEXT,
				model_version TEXT,
				prompt_version TEXT,
				input_tokens INTEGER,
				output_tokens INTEGER,
				raw_response JSONB,
				error_code TEXT,
				error_message TEXT,
				error_class TEXT,
				failure_stage TEXT,
				retryable BOOLEAN NOT NULL DEFAULT FALSE,
				elapsed_ms BIGINT NOT NULL DEFAULT 0,
				analyzed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_analysis_results_item ON analysis_results(item_id, analyzed_at DESC);
		`,
		Down: `
			DROP INDEX IF EXISTS idx_analysis_results_item;
			DROP TABLE IF EXISTS analysis_results;
		`,
	},
	{
		Version: 4,
		Name:    "scope_item_url_uniqueness",
		Up: `
			ALTER TABLE content_items DROP CONSTRAINT IF EXISTS content_items_source_url_normalized_key;
			CREATE UNIQUE INDEX IF NOT EXISTS ux_content_items_aggregate_url
				ON content_items (source_url_normalized) WHERE kind = 'aggregate';
			CREATE UNIQUE INDEX IF NOT EXISTS ux_content_items_note_owner_url
				ON content_items ((COALESCE(owner_id, '')), source_url_normalized) WHERE kind = 'note';
		`,
		Down: `
			DROP INDEX IF EXISTS ux_content_items_note_owner_url;
			DROP INDEX IF EXISTS ux_content_items_aggregate_url;
			ALTER TABLE content_items ADD CONSTRAINT content_items_source_url_normalized_key UNIQUE (source_url_normalized);
		`,
	},
}
