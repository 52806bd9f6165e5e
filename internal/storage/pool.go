package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Config holds the audit database settings.
type Config struct {
	Path            string        // SQLite file; ":memory:" is not shared between connections
	MaxOpenConns    int           // upper bound on open connections
	MaxIdleConns    int           // idle connections kept in the pool
	ConnMaxLifetime time.Duration // recycle connections after this long
	ConnMaxIdleTime time.Duration // close idle connections after this long
	BusyTimeout     time.Duration // how long a writer waits on a locked database
	OpenTimeout     time.Duration // bounds the initial ping and migrations
}

// DefaultConfig returns settings suited to a single-writer audit log.
func DefaultConfig() Config {
	return Config{
		Path:            "calendarauth_audit.db",
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
		BusyTimeout:     5 * time.Second,
		OpenTimeout:     5 * time.Second,
	}
}

// Validate checks if the configuration is valid
func (c Config) Validate() error {
	switch {
	case c.Path == "":
		return fmt.Errorf("%w: database path cannot be empty", ErrInvalidInput)
	case c.MaxOpenConns <= 0:
		return fmt.Errorf("%w: max open connections must be positive", ErrInvalidInput)
	case c.MaxIdleConns < 0:
		return fmt.Errorf("%w: max idle connections cannot be negative", ErrInvalidInput)
	case c.MaxIdleConns > c.MaxOpenConns:
		return fmt.Errorf("%w: max idle connections cannot exceed max open connections", ErrInvalidInput)
	case c.ConnMaxLifetime <= 0:
		return fmt.Errorf("%w: connection max lifetime must be positive", ErrInvalidInput)
	case c.ConnMaxIdleTime <= 0 || c.ConnMaxIdleTime > c.ConnMaxLifetime:
		return fmt.Errorf("%w: connection max idle time must be positive and within max lifetime", ErrInvalidInput)
	case c.BusyTimeout <= 0:
		return fmt.Errorf("%w: busy timeout must be positive", ErrInvalidInput)
	}
	return nil
}

// dsn builds the go-sqlite3 connection string. WAL lets the cleanup task
// and event writers proceed without blocking readers.
func (c Config) dsn() string {
	params := url.Values{}
	params.Set("_busy_timeout", strconv.FormatInt(c.BusyTimeout.Milliseconds(), 10))
	params.Set("_journal_mode", "WAL")
	params.Set("_synchronous", "NORMAL")
	return "file:" + c.Path + "?" + params.Encode()
}

// OpenDatabase opens the audit database and applies pending migrations.
func OpenDatabase(ctx context.Context, cfg Config) (*SQLiteStorage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if cfg.OpenTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.OpenTimeout)
		defer cancel()
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := NewSQLiteStorage(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
