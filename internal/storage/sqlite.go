package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

// Flow statuses accepted by the audit log.
const (
	StatusIssued   = "issued"
	StatusConsumed = "consumed"
	StatusExpired  = "expired"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
)

var validStatuses = map[string]bool{
	StatusIssued:   true,
	StatusConsumed: true,
	StatusExpired:  true,
	StatusRejected: true,
	StatusFailed:   true,
}

// AuditEvent is one transition of an authorization flow. The state itself
// is never stored, only its SHA-256.
type AuditEvent struct {
	ID        int64
	StateHash string
	Status    string
	Detail    string
	RequestID string
	CreatedAt time.Time
}

// SQLiteStorage handles all database operations
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStorage creates a new SQLiteStorage instance
func NewSQLiteStorage(db *sql.DB) *SQLiteStorage {
	return &SQLiteStorage{db: db, now: time.Now}
}

// HashState returns the hex SHA-256 of a state token.
func HashState(state string) string {
	sum := sha256.Sum256([]byte(state))
	return hex.EncodeToString(sum[:])
}

// validateEvent checks if the event fields are valid
func validateEvent(e AuditEvent) error {
	if e.StateHash == "" {
		return fmt.Errorf("%w: state hash cannot be empty", ErrInvalidInput)
	}
	if !validStatuses[e.Status] {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, e.Status)
	}
	return nil
}

// RecordEvent appends an event to the audit log. A zero CreatedAt is set
// to the current time.
func (s *SQLiteStorage) RecordEvent(ctx context.Context, e AuditEvent) error {
	if err := validateEvent(e); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}

	query := `INSERT INTO flow_events (state_hash, status, detail, request_id, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, e.StateHash, e.Status, e.Detail, e.RequestID, e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// GetEvents returns the events for a state hash in insertion order.
func (s *SQLiteStorage) GetEvents(ctx context.Context, stateHash string) ([]AuditEvent, error) {
	if stateHash == "" {
		return nil, fmt.Errorf("%w: state hash cannot be empty", ErrInvalidInput)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, state_hash, status, detail, request_id, created_at
		FROM flow_events
		WHERE state_hash = ?
		ORDER BY id
	`, stateHash)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.StateHash, &e.Status, &e.Detail, &e.RequestID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}

	if len(events) == 0 {
		return nil, fmt.Errorf("%w: no events for state", ErrNotFound)
	}
	return events, nil
}

// CountByStatus returns the number of recorded events per status.
func (s *SQLiteStorage) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM flow_events
		GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate counts: %w", err)
	}
	return counts, nil
}
