package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/briefcast/briefcast/pkg/models"
)

// LogStore persists pipeline log records keyed by (run_id, phase, timestamp).
// It sits behind the logging fan-out handler, so every method must stay
// cheap and must never panic.
type LogStore struct {
	db *sql.DB
}

// NewLogStore creates a new LogStore.
func NewLogStore(db *sql.DB) *LogStore {
	return &LogStore{db: db}
}

// Insert appends one log record.
func (s *LogStore) Insert(ctx context.Context, rec models.PipelineLog) error {
	attrs, err := marshalAttrs(rec.Attrs)
	if err != nil {
		return fmt.Errorf("failed to marshal log attrs: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipeline_logs (run_id, phase, level, message, attrs)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.RunID, rec.Phase, rec.Level, rec.Message, attrs)
	if err != nil {
		return fmt.Errorf("failed to insert log record: %w", err)
	}
	return nil
}

// ListByRun returns a run's log records in insertion order.
func (s *LogStore) ListByRun(ctx context.Context, runID string, limit int) ([]*models.PipelineLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, phase, level, message, attrs, created_at
		 FROM pipeline_logs
		 WHERE run_id = $1
		 ORDER BY created_at, id
		 LIMIT $2`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list log records: %w", err)
	}
	defer rows.Close()

	var logs []*models.PipelineLog
	for rows.Next() {
		var (
			l         models.PipelineLog
			attrsJSON []byte
		)
		if err := rows.Scan(&l.ID, &l.RunID, &l.Phase, &l.Level, &l.Message, &attrsJSON, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log record: %w", err)
		}
		if len(attrsJSON) > 0 {
			if err := json.Unmarshal(attrsJSON, &l.Attrs); err != nil {
				return nil, fmt.Errorf("failed to unmarshal log attrs: %w", err)
			}
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// DeleteOlderThan removes log records created before the cutoff.
func (s *LogStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pipeline_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old log records: %w", err)
	}
	return res.RowsAffected()
}

// CountOlderThan reports how many records DeleteOlderThan would remove.
func (s *LogStore) CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM pipeline_logs WHERE created_at < $1`, cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count old log records: %w", err)
	}
	return count, nil
}

func marshalAttrs(attrs map[string]any) ([]byte, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	return json.Marshal(attrs)
}
