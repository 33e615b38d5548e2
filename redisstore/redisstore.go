// Package redisstore backs the rate-limit counters and refresh-job
// records with Redis. Job records are TTL-bounded: finished jobs age out
// instead of accumulating.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/prismnotes/ingest/models"
)

const (
	rateLimitKeyPrefix  = "ratelimit:"
	refreshJobKeyPrefix = "refresh:job:"

	// minJobTTL is the floor applied to configured job TTLs so a job can
	// always be polled at least once.
	minJobTTL = time.Minute

	connectionTimeout = 5 * time.Second
)

// ErrEmptyAddress is returned when the Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

// Config holds Redis connection configuration.
type Config struct {
	Address  string
	Password string
	DB       int
}

// Store wraps a Redis client with the operations the API needs.
type Store struct {
	client *redis.Client
}

// New creates a Store and verifies the connection.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Store{client: client}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Allow counts one hit against key and reports whether it stays within
// limit for the window. The expiry is set on the first hit only, so the
// window is fixed rather than sliding.
func (s *Store) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	fullKey := rateLimitKeyPrefix + key
	count, err := s.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment rate limit: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, fullKey, window).Err(); err != nil {
			return false, fmt.Errorf("failed to set rate limit expiry: %w", err)
		}
	}
	return count <= int64(limit), nil
}

// SaveJob writes a refresh-job record with the given TTL. Every state
// transition rewrites the record and refreshes the TTL.
func (s *Store) SaveJob(ctx context.Context, job *models.RefreshJob, ttl time.Duration) error {
	if job.Failures == nil {
		job.Failures = []models.FailureEvent{}
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if ttl < minJobTTL {
		ttl = minJobTTL
	}
	if err := s.client.Set(ctx, refreshJobKeyPrefix+job.JobID, payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// GetJob returns a refresh-job record, or nil when the job is unknown or
// expired. Corrupt records read as unknown.
func (s *Store) GetJob(ctx context.Context, jobID string) (*models.RefreshJob, error) {
	raw, err := s.client.Get(ctx, refreshJobKeyPrefix+jobID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var job models.RefreshJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, nil
	}
	if job.Failures == nil {
		job.Failures = []models.FailureEvent{}
	}
	return &job, nil
}
