// Package db is the PostgreSQL persistence layer: content items, their
// append-only analysis results, and the source creators that feeds are
// collected from.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// DB wraps the database connection and provides data access methods.
type DB struct {
	conn *sql.DB
}

// Config contains database configuration.
type Config struct {
	DSN string // PostgreSQL connection string
}

// New opens the database, verifies connectivity and runs pending
// migrations.
func New(config Config) (*DB, error) {
	conn, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := Migrate(conn); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying connection for metrics collection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// IsUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation. Concurrent inserts keyed by normalized URL rely on this to
// fall back to the winning row.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// nullString maps "" to NULL.
func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}

func nullInt(value int) sql.NullInt64 {
	if value == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(value), Valid: true}
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}
