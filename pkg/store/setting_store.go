package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/briefcast/briefcast/pkg/models"
)

// SettingStore reads and seeds the web_settings table. The pipeline loads
// all rows once per run into a typed snapshot; nothing re-reads mid-phase.
type SettingStore struct {
	db *sql.DB
}

// NewSettingStore creates a new SettingStore.
func NewSettingStore(db *sql.DB) *SettingStore {
	return &SettingStore{db: db}
}

// ListAll returns every settings row.
func (s *SettingStore) ListAll(ctx context.Context) ([]models.WebSetting, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, key, value, value_type, updated_at
		 FROM web_settings
		 ORDER BY category, key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	var settings []models.WebSetting
	for rows.Next() {
		var ws models.WebSetting
		if err := rows.Scan(&ws.Category, &ws.Key, &ws.Value, &ws.ValueType, &ws.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		settings = append(settings, ws)
	}
	return settings, rows.Err()
}

// Get fetches one setting by (category, key).
func (s *SettingStore) Get(ctx context.Context, category, key string) (*models.WebSetting, error) {
	var ws models.WebSetting
	err := s.db.QueryRowContext(ctx,
		`SELECT category, key, value, value_type, updated_at
		 FROM web_settings
		 WHERE category = $1 AND key = $2`, category, key).
		Scan(&ws.Category, &ws.Key, &ws.Value, &ws.ValueType, &ws.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("setting %s.%s: %w", category, key, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}
	return &ws, nil
}

// Upsert creates or replaces one setting row.
func (s *SettingStore) Upsert(ctx context.Context, ws models.WebSetting) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO web_settings (category, key, value, value_type)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (category, key) DO UPDATE SET
		        value = EXCLUDED.value,
		        value_type = EXCLUDED.value_type,
		        updated_at = now()`,
		ws.Category, ws.Key, ws.Value, ws.ValueType)
	if err != nil {
		return fmt.Errorf("failed to upsert setting: %w", err)
	}
	return nil
}
