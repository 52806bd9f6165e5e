package storage

import (
	"context"
	"fmt"
	"time"
)

// CleanupEvents removes audit events older than the retention period
func (s *SQLiteStorage) CleanupEvents(ctx context.Context, retentionPeriod time.Duration) (int64, error) {
	if retentionPeriod <= 0 {
		return 0, fmt.Errorf("%w: retention period must be positive", ErrInvalidInput)
	}

	cutoff := s.now().Add(-retentionPeriod).UnixMilli()
	result, err := s.db.ExecContext(ctx, `DELETE FROM flow_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup flow events: %w", err)
	}

	return result.RowsAffected()
}
