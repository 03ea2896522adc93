package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/briefcast/briefcast/pkg/models"
	"github.com/briefcast/briefcast/test/util"
)

// newTestStores provisions a migrated per-test schema and returns the
// repository set backed by it.
func newTestStores(t *testing.T) *Stores {
	t.Helper()
	client := util.SetupTestDatabase(t)
	return New(client.DB())
}

func seedFeed(t *testing.T, stores *Stores) *models.Feed {
	t.Helper()
	feed, created, err := stores.Feeds.Create(context.Background(),
		fmt.Sprintf("https://feeds.example.com/%s.xml", uuid.NewString()),
		"Test Feed", "seeded by tests")
	require.NoError(t, err)
	require.True(t, created)
	return feed
}

// seedEpisode inserts an episode and walks it to the requested status.
func seedEpisode(t *testing.T, stores *Stores, feedID int64, status models.EpisodeStatus) *models.Episode {
	t.Helper()
	ctx := context.Background()
	guid := uuid.NewString()

	created, err := stores.Episodes.Insert(ctx, models.CreateEpisodeRequest{
		EpisodeGUID:   guid,
		FeedID:        feedID,
		Title:         "Episode " + guid[:8],
		PublishedDate: time.Now().Add(-24 * time.Hour),
		AudioURL:      "https://cdn.example.com/" + guid + ".mp3",
	})
	require.NoError(t, err)
	require.True(t, created)

	switch status {
	case models.EpisodeStatusPending:
	case models.EpisodeStatusProcessing:
		require.NoError(t, stores.Episodes.MarkProcessing(ctx, guid))
	case models.EpisodeStatusTranscribed, models.EpisodeStatusScored:
		require.NoError(t, stores.Episodes.MarkProcessing(ctx, guid))
		require.NoError(t, stores.Episodes.AppendTranscript(ctx, guid, "seeded transcript text. "))
		require.NoError(t, stores.Episodes.FinalizeTranscript(ctx, guid, 3, 1))
		if status == models.EpisodeStatusScored {
			require.NoError(t, stores.Episodes.SetScores(ctx, guid, map[string]float64{"AI News": 0.9}))
		}
	default:
		t.Fatalf("seedEpisode does not support status %s", status)
	}

	ep, err := stores.Episodes.GetByGUID(ctx, guid)
	require.NoError(t, err)
	return ep
}

func seedTopic(t *testing.T, stores *Stores, name string, dialogue bool) *models.Topic {
	t.Helper()
	slug := fmt.Sprintf("%s-%s", "topic", uuid.NewString()[:8])
	topic, err := stores.Topics.Upsert(context.Background(), models.UpsertTopicRequest{
		Slug:           slug,
		Name:           name,
		Description:    "seeded topic",
		VoiceID:        "voice-main",
		InstructionsMD: "Cover the most important stories.",
		IsActive:       true,
		UseDialogueAPI: dialogue,
		VoiceConfig: map[string]models.SpeakerVoice{
			models.Speaker1: {VoiceID: "voice-a", Name: "Alex"},
			models.Speaker2: {VoiceID: "voice-b", Name: "Blake"},
		},
	})
	require.NoError(t, err)
	return topic
}
