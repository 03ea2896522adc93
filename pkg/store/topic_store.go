package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/briefcast/briefcast/pkg/models"
)

const topicColumns = `id, slug, name, description, voice_id, voice_settings,
	instructions_md, is_active, sort_order, use_dialogue_api, dialogue_model,
	voice_config, created_at, updated_at`

// TopicStore manages the topic catalog: per-topic prompts and voice bindings.
type TopicStore struct {
	db *sql.DB
}

// NewTopicStore creates a new TopicStore.
func NewTopicStore(db *sql.DB) *TopicStore {
	return &TopicStore{db: db}
}

// Upsert creates or updates a topic keyed by slug.
func (s *TopicStore) Upsert(ctx context.Context, req models.UpsertTopicRequest) (*models.Topic, error) {
	voiceSettings, err := marshalOrNil(req.VoiceSettings)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal voice settings: %w", err)
	}
	voiceConfig, err := marshalOrNil(req.VoiceConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal voice config: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO topics (slug, name, description, voice_id, voice_settings,
		        instructions_md, is_active, sort_order, use_dialogue_api,
		        dialogue_model, voice_config)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (slug) DO UPDATE SET
		        name = EXCLUDED.name,
		        description = EXCLUDED.description,
		        voice_id = EXCLUDED.voice_id,
		        voice_settings = EXCLUDED.voice_settings,
		        instructions_md = EXCLUDED.instructions_md,
		        is_active = EXCLUDED.is_active,
		        sort_order = EXCLUDED.sort_order,
		        use_dialogue_api = EXCLUDED.use_dialogue_api,
		        dialogue_model = EXCLUDED.dialogue_model,
		        voice_config = EXCLUDED.voice_config,
		        updated_at = now()
		 RETURNING `+topicColumns,
		req.Slug, req.Name, req.Description, req.VoiceID, voiceSettings,
		req.InstructionsMD, req.IsActive, req.SortOrder, req.UseDialogueAPI,
		req.DialogueModel, voiceConfig,
	)

	topic, err := scanTopic(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert topic: %w", err)
	}
	return topic, nil
}

// GetBySlug fetches one topic by its unique slug.
func (s *TopicStore) GetBySlug(ctx context.Context, slug string) (*models.Topic, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+topicColumns+` FROM topics WHERE slug = $1`, slug)
	topic, err := scanTopic(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("topic %q: %w", slug, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get topic: %w", err)
	}
	return topic, nil
}

// GetByName fetches one topic by display name. The scorer keys its output by
// name; the composer resolves names back to topics through this lookup.
func (s *TopicStore) GetByName(ctx context.Context, name string) (*models.Topic, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+topicColumns+` FROM topics WHERE name = $1`, name)
	topic, err := scanTopic(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("topic %q: %w", name, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get topic: %w", err)
	}
	return topic, nil
}

// List returns every topic in sort order.
func (s *TopicStore) List(ctx context.Context) ([]*models.Topic, error) {
	return s.list(ctx, `SELECT `+topicColumns+` FROM topics ORDER BY sort_order, name`)
}

// ListActive returns the topics eligible for scoring and digests, in sort
// order.
func (s *TopicStore) ListActive(ctx context.Context) ([]*models.Topic, error) {
	return s.list(ctx, `SELECT `+topicColumns+` FROM topics WHERE is_active ORDER BY sort_order, name`)
}

func (s *TopicStore) list(ctx context.Context, query string) ([]*models.Topic, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	defer rows.Close()

	var topics []*models.Topic
	for rows.Next() {
		topic, err := scanTopic(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan topic: %w", err)
		}
		topics = append(topics, topic)
	}
	return topics, rows.Err()
}

func scanTopic(row rowScanner) (*models.Topic, error) {
	var (
		t                 models.Topic
		voiceSettingsJSON []byte
		voiceConfigJSON   []byte
	)
	err := row.Scan(&t.ID, &t.Slug, &t.Name, &t.Description, &t.VoiceID,
		&voiceSettingsJSON, &t.InstructionsMD, &t.IsActive, &t.SortOrder,
		&t.UseDialogueAPI, &t.DialogueModel, &voiceConfigJSON,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if len(voiceSettingsJSON) > 0 {
		if err := json.Unmarshal(voiceSettingsJSON, &t.VoiceSettings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal voice settings: %w", err)
		}
	}
	if len(voiceConfigJSON) > 0 {
		if err := json.Unmarshal(voiceConfigJSON, &t.VoiceConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal voice config: %w", err)
		}
	}
	return &t, nil
}

// marshalOrNil keeps empty maps as SQL NULL instead of empty JSON objects.
func marshalOrNil(v any) ([]byte, error) {
	switch m := v.(type) {
	case map[string]any:
		if len(m) == 0 {
			return nil, nil
		}
	case map[string]models.SpeakerVoice:
		if len(m) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
