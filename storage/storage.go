// Package storage archives the raw inputs and outputs of analysis runs:
// the fetched document text and the model's unparsed response payload.
// Archived copies let failed runs be replayed without refetching.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Archive stores raw analysis artifacts keyed by attempt ID.
type Archive interface {
	// SaveDocument archives the fetched document text for one analysis
	// attempt and returns the storage key.
	SaveDocument(ctx context.Context, attemptID, document string) (string, error)
	// SaveResponse archives the raw provider payload for one analysis
	// attempt and returns the storage key.
	SaveResponse(ctx context.Context, attemptID string, payload []byte) (string, error)
	// ReadDocument returns an archived document by key.
	ReadDocument(ctx context.Context, key string) (string, error)
	// ReadResponse returns an archived provider payload by key.
	ReadResponse(ctx context.Context, key string) ([]byte, error)
	// Delete removes an archived artifact. Missing keys are not errors.
	Delete(ctx context.Context, key string) error
}

// Config contains filesystem archive configuration
type Config struct {
	BasePath string // Base directory for all archived artifacts
}

// DefaultConfig returns default archive configuration
func DefaultConfig() Config {
	return Config{
		BasePath: "./archive",
	}
}

// Storage is the filesystem Archive implementation
type Storage struct {
	config Config
}

// New creates a new Storage instance
func New(config Config) (*Storage, error) {
	// Create base directory if it doesn't exist
	if err := os.MkdirAll(config.BasePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base archive directory: %w", err)
	}

	return &Storage{
		config: config,
	}, nil
}

// SaveDocument saves fetched document text to the filesystem
// Returns the relative file path from the base archive directory
func (s *Storage) SaveDocument(_ context.Context, attemptID, document string) (string, error) {
	return s.save(documentKey(attemptID), []byte(document))
}

// SaveResponse saves a raw provider payload to the filesystem
// Returns the relative file path from the base archive directory
func (s *Storage) SaveResponse(_ context.Context, attemptID string, payload []byte) (string, error) {
	return s.save(responseKey(attemptID), payload)
}

func (s *Storage) save(key string, data []byte) (string, error) {
	filePath := filepath.Join(s.config.BasePath, filepath.FromSlash(key))

	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write archive file: %w", err)
	}

	return key, nil
}

// ReadDocument reads an archived document from the filesystem
func (s *Storage) ReadDocument(_ context.Context, key string) (string, error) {
	data, err := s.read(key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadResponse reads an archived provider payload from the filesystem
func (s *Storage) ReadResponse(_ context.Context, key string) ([]byte, error) {
	return s.read(key)
}

func (s *Storage) read(key string) ([]byte, error) {
	fullPath := filepath.Join(s.config.BasePath, filepath.FromSlash(key))

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive file: %w", err)
	}

	return data, nil
}

// Delete deletes an archived artifact from the filesystem
func (s *Storage) Delete(_ context.Context, key string) error {
	fullPath := filepath.Join(s.config.BasePath, filepath.FromSlash(key))

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete archive file: %w", err)
	}

	return nil
}

// GetFullPath returns the full filesystem path for a key
func (s *Storage) GetFullPath(key string) string {
	return filepath.Join(s.config.BasePath, filepath.FromSlash(key))
}

// documentKey builds the key for a fetched document: documents/YYYY/MM/<attemptID>.txt
func documentKey(attemptID string) string {
	return timestampedKey("documents", attemptID, ".txt")
}

// responseKey builds the key for a provider payload: responses/YYYY/MM/<attemptID>.json
func responseKey(attemptID string) string {
	return timestampedKey("responses", attemptID, ".json")
}

func timestampedKey(prefix, attemptID, ext string) string {
	now := time.Now()
	year := fmt.Sprintf("%04d", now.Year())
	month := fmt.Sprintf("%02d", int(now.Month()))
	return strings.Join([]string{prefix, year, month, attemptID + ext}, "/")
}
