package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/prismnotes/ingest/models"
)

const resultColumns = `id, item_id, status, source_language, title, title_zh,
	summary_short, summary_short_zh, summary_long, summary_long_zh,
	tags, tags_zh, key_points, published_at,
	model_provider, model_name, model_version, prompt_version,
	input_tokens, output_tokens, raw_response,
	error_code, error_message, error_class, failure_stage, retryable, elapsed_ms,
	analyzed_at`

// InsertAnalysisResult appends one analysis attempt. Rows are never
// updated; the latest row per item is its current result.
func (db *DB) InsertAnalysisResult(result *models.AnalysisResult) error {
	if result.ID == "" {
		result.ID = uuid.New().String()
	}
	if result.AnalyzedAt.IsZero() {
		result.AnalyzedAt = time.Now().UTC()
	}

	tagsJSON, tagsZhJSON, err := marshalTagPair(result.Tags, result.TagsZh)
	if err != nil {
		return err
	}
	keyPoints := result.KeyPoints
	if keyPoints == nil {
		keyPoints = []string{}
	}
	keyPointsJSON, err := json.Marshal(keyPoints)
	if err != nil {
		return fmt.Errorf("failed to marshal key points: %w", err)
	}
	rawResponse := result.RawResponse
	if rawResponse == "" {
		rawResponse = "null"
	}

	_, err = db.conn.Exec(`
		INSERT INTO analysis_results (`+resultColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28)
	`,
		result.ID, result.ItemID, result.Status, nullString(result.SourceLanguage),
		nullString(result.Title), nullString(result.TitleZh),
		nullString(result.SummaryShort), nullString(result.SummaryShortZh),
		nullString(result.SummaryLong), nullString(result.SummaryLongZh),
		tagsJSON, tagsZhJSON, string(keyPointsJSON), nullTime(result.PublishedAt),
		nullString(result.ModelProvider), nullString(result.ModelName),
		nullString(result.ModelVersion), nullString(result.PromptVersion),
		nullInt(result.InputTokens), nullInt(result.OutputTokens), rawResponse,
		nullString(result.ErrorCode), nullString(result.ErrorMessage),
		nullString(result.ErrorClass), nullString(result.FailureStage),
		result.Retryable, result.ElapsedMs, result.AnalyzedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert analysis result: %w", err)
	}
	return nil
}

// LatestResultForItem returns the most recent attempt for an item, or nil
// when the item has never been analyzed.
func (db *DB) LatestResultForItem(itemID string) (*models.AnalysisResult, error) {
	row := db.conn.QueryRow(
		"SELECT "+resultColumns+" FROM analysis_results WHERE item_id = $1 ORDER BY analyzed_at DESC LIMIT 1",
		itemID)
	result, err := scanResult(row)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListResultsForItem returns the attempt history for an item, newest
// first.
func (db *DB) ListResultsForItem(itemID string, limit int) ([]*models.AnalysisResult, error) {
	rows, err := db.conn.Query(
		"SELECT "+resultColumns+" FROM analysis_results WHERE item_id = $1 ORDER BY analyzed_at DESC LIMIT $2",
		itemID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var results []*models.AnalysisResult
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return results, nil
}

func scanResult(row rowScanner) (*models.AnalysisResult, error) {
	var (
		result                              models.AnalysisResult
		language, title, titleZh            sql.NullString
		shortSum, shortSumZh, longSum       sql.NullString
		longSumZh, rawResponse              sql.NullString
		provider, modelName, modelVersion   sql.NullString
		promptVersion, errCode, errMessage  sql.NullString
		errClass, failureStage              sql.NullString
		inputTokens, outputTokens           sql.NullInt64
		tagsJSON, tagsZhJSON, keyPointsJSON []byte
		publishedAt                         sql.NullTime
	)

	err := row.Scan(
		&result.ID, &result.ItemID, &result.Status, &language, &title, &titleZh,
		&shortSum, &shortSumZh, &longSum, &longSumZh,
		&tagsJSON, &tagsZhJSON, &keyPointsJSON, &publishedAt,
		&provider, &modelName, &modelVersion, &promptVersion,
		&inputTokens, &outputTokens, &rawResponse,
		&errCode, &errMessage, &errClass, &failureStage,
		&result.Retryable, &result.ElapsedMs, &result.AnalyzedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan analysis result: %w", err)
	}

	result.SourceLanguage = language.String
	result.Title = title.String
	result.TitleZh = titleZh.String
	result.SummaryShort = shortSum.String
	result.SummaryShortZh = shortSumZh.String
	result.SummaryLong = longSum.String
	result.SummaryLongZh = longSumZh.String
	result.RawResponse = rawResponse.String
	result.ModelProvider = provider.String
	result.ModelName = modelName.String
	result.ModelVersion = modelVersion.String
	result.PromptVersion = promptVersion.String
	result.ErrorCode = errCode.String
	result.ErrorMessage = errMessage.String
	result.ErrorClass = errClass.String
	result.FailureStage = failureStage.String
	result.InputTokens = int(inputTokens.Int64)
	result.OutputTokens = int(outputTokens.Int64)
	result.PublishedAt = timePtr(publishedAt)

	if err := json.Unmarshal(tagsJSON, &result.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	if err := json.Unmarshal(tagsZhJSON, &result.TagsZh); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	if err := json.Unmarshal(keyPointsJSON, &result.KeyPoints); err != nil {
		return nil, fmt.Errorf("failed to unmarshal key points: %w", err)
	}
	return &result, nil
}
