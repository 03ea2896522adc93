package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briefcast/briefcast/pkg/models"
)

func digestRequest(topic string, eps []*models.Episode) models.CreateDigestRequest {
	refs := make([]models.DigestEpisodeRef, len(eps))
	for i, ep := range eps {
		refs[i] = models.DigestEpisodeRef{EpisodeID: ep.ID, Score: 0.9 - float64(i)*0.1}
	}
	return models.CreateDigestRequest{
		Topic:           topic,
		DigestDate:      time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		DigestTimestamp: time.Date(2026, 3, 14, 7, 30, 5, 0, time.UTC),
		ScriptContent:   "Welcome back. Today we cover three stories.",
		Episodes:        refs,
	}
}

func TestDigestCreate(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()
	feed := seedFeed(t, stores)
	topic := "topic-" + uuid.NewString()[:8]

	eps := []*models.Episode{
		seedEpisode(t, stores, feed.ID, models.EpisodeStatusScored),
		seedEpisode(t, stores, feed.ID, models.EpisodeStatusScored),
	}

	digest, err := stores.Digests.Create(ctx, digestRequest(topic, eps))
	require.NoError(t, err)

	assert.Equal(t, topic, digest.Topic)
	assert.Equal(t, models.DigestStatusGenerated, digest.Status)
	assert.Equal(t, 7, digest.ScriptWordCount)
	assert.Equal(t, 2, digest.EpisodeCount)
	assert.InDelta(t, 0.85, digest.AverageScore, 1e-9)
	assert.Equal(t, []int64{eps[0].ID, eps[1].ID}, digest.EpisodeIDs)

	// Links carry selection order.
	links, err := stores.Digests.GetLinks(ctx, digest.ID)
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.Equal(t, eps[0].ID, links[0].EpisodeID)
	assert.Equal(t, 1, links[0].Position)
	assert.Equal(t, eps[1].ID, links[1].EpisodeID)
	assert.Equal(t, 2, links[1].Position)

	// Included episodes flipped to digested.
	for _, ep := range eps {
		got, err := stores.Episodes.GetByGUID(ctx, ep.EpisodeGUID)
		require.NoError(t, err)
		assert.Equal(t, models.EpisodeStatusDigested, got.Status)
	}
}

func TestDigestCreateEmptyScriptIsDraft(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()
	topic := "topic-" + uuid.NewString()[:8]

	req := digestRequest(topic, nil)
	req.ScriptContent = ""

	digest, err := stores.Digests.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.DigestStatusDraft, digest.Status)
	assert.Equal(t, 0, digest.ScriptWordCount)
	assert.Zero(t, digest.AverageScore)
}

func TestDigestCreateRollsBackOnStolenEpisode(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()
	feed := seedFeed(t, stores)
	topic := "topic-" + uuid.NewString()[:8]

	good := seedEpisode(t, stores, feed.ID, models.EpisodeStatusScored)
	stolen := seedEpisode(t, stores, feed.ID, models.EpisodeStatusScored)

	// Another digest takes the second episode first.
	_, err := stores.Digests.Create(ctx, digestRequest("topic-"+uuid.NewString()[:8],
		[]*models.Episode{stolen}))
	require.NoError(t, err)

	_, err = stores.Digests.Create(ctx, digestRequest(topic, []*models.Episode{good, stolen}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no longer in scored status")

	// Nothing from the failed create survives: the first episode is still
	// scored and no digest row exists for the topic.
	got, err := stores.Episodes.GetByGUID(ctx, good.EpisodeGUID)
	require.NoError(t, err)
	assert.Equal(t, models.EpisodeStatusScored, got.Status)

	digests, err := stores.Digests.ListByTopicAndDate(ctx, topic,
		time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, digests)
}

func TestDigestCreateDuplicateKey(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()
	topic := "topic-" + uuid.NewString()[:8]

	_, err := stores.Digests.Create(ctx, digestRequest(topic, nil))
	require.NoError(t, err)

	_, err = stores.Digests.Create(ctx, digestRequest(topic, nil))
	assert.ErrorIs(t, err, models.ErrAlreadyExists)
}

func TestDigestAudioAndPublishLifecycle(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()
	feed := seedFeed(t, stores)
	topic := "topic-" + uuid.NewString()[:8]

	ep := seedEpisode(t, stores, feed.ID, models.EpisodeStatusScored)
	digest, err := stores.Digests.Create(ctx, digestRequest(topic, []*models.Episode{ep}))
	require.NoError(t, err)

	// Publishing before the audio exists is rejected.
	err = stores.Digests.MarkPublished(ctx, digest.ID, "https://example.com/release")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generated")

	title := "AI News for March 14"
	summary := "Covers 1 episode."
	err = stores.Digests.CommitAudio(ctx, digest.ID, "/data/out/"+digest.AssetName(), 312.4, &title, &summary)
	require.NoError(t, err)

	unpublished, err := stores.Digests.ListUnpublishedWithAudio(ctx)
	require.NoError(t, err)
	var found bool
	for _, d := range unpublished {
		if d.ID == digest.ID {
			found = true
		}
	}
	assert.True(t, found, "audio_generated digest with mp3 and no url must be listed")

	// Committing audio twice is rejected: the digest already moved on.
	err = stores.Digests.CommitAudio(ctx, digest.ID, "/data/out/other.mp3", 100, nil, nil)
	require.Error(t, err)

	require.NoError(t, stores.Digests.MarkPublished(ctx, digest.ID, "https://example.com/release/digests-2026-03-14"))

	got, err := stores.Digests.GetByID(ctx, digest.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DigestStatusPublished, got.Status)
	require.NotNil(t, got.PublishedURL)
	assert.Equal(t, "https://example.com/release/digests-2026-03-14", *got.PublishedURL)
	assert.NotNil(t, got.PublishedAt)
	require.NotNil(t, got.MP3DurationSeconds)
	assert.InDelta(t, 312.4, *got.MP3DurationSeconds, 1e-9)

	require.NoError(t, stores.Digests.ClearMP3Path(ctx, digest.ID))
	got, err = stores.Digests.GetByID(ctx, digest.ID)
	require.NoError(t, err)
	assert.Nil(t, got.MP3Path)
	require.NotNil(t, got.MP3Title, "metadata survives local file deletion")
}

func TestDigestListByTopicAndDate(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()
	topic := "topic-" + uuid.NewString()[:8]
	date := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	for hour := 7; hour <= 9; hour++ {
		req := digestRequest(topic, nil)
		req.DigestTimestamp = time.Date(2026, 3, 14, hour, 0, 0, 0, time.UTC)
		_, err := stores.Digests.Create(ctx, req)
		require.NoError(t, err)
	}

	digests, err := stores.Digests.ListByTopicAndDate(ctx, topic, date)
	require.NoError(t, err)
	require.Len(t, digests, 3)
	for i := 1; i < len(digests); i++ {
		assert.True(t, digests[i-1].DigestTimestamp.Before(digests[i].DigestTimestamp),
			"oldest timestamp first")
	}
}

func TestDigestListPublishedDatesBefore(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()
	topic := "topic-" + uuid.NewString()[:8]

	makeDigest := func(date time.Time, hour int, publish bool) {
		req := digestRequest(topic, nil)
		req.DigestDate = date
		req.DigestTimestamp = date.Add(time.Duration(hour) * time.Hour)
		d, err := stores.Digests.Create(ctx, req)
		require.NoError(t, err)
		if publish {
			require.NoError(t, stores.Digests.CommitAudio(ctx, d.ID, "/data/out/"+d.AssetName(), 100, nil, nil))
			require.NoError(t, stores.Digests.MarkPublished(ctx, d.ID, "https://example.com/"+d.AssetName()))
		}
	}

	oldDate := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	makeDigest(oldDate, 7, true)
	makeDigest(oldDate, 9, true)
	makeDigest(time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC), 7, false)
	makeDigest(time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), 7, true)

	dates, err := stores.Digests.ListPublishedDatesBefore(ctx,
		time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	var got []string
	for _, d := range dates {
		got = append(got, d.Format("2006-01-02"))
	}
	assert.Contains(t, got, "2026-01-05")
	assert.NotContains(t, got, "2026-01-06", "unpublished digests do not nominate their date")
	assert.NotContains(t, got, "2026-03-14", "dates past the cutoff stay")

	var oldCount int
	for _, g := range got {
		if g == "2026-01-05" {
			oldCount++
		}
	}
	assert.Equal(t, 1, oldCount, "two digests on one date collapse to one entry")
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1], got[i], "oldest date first")
	}
}

func TestDigestRetentionCascadesLinks(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()
	feed := seedFeed(t, stores)
	topic := "topic-" + uuid.NewString()[:8]

	ep := seedEpisode(t, stores, feed.ID, models.EpisodeStatusScored)
	digest, err := stores.Digests.Create(ctx, digestRequest(topic, []*models.Episode{ep}))
	require.NoError(t, err)

	_, err = stores.Digests.db.ExecContext(ctx,
		`UPDATE digests SET created_at = now() - interval '100 days' WHERE id = $1`, digest.ID)
	require.NoError(t, err)

	cutoff := time.Now().AddDate(0, 0, -90)
	count, err := stores.Digests.CountOlderThan(ctx, cutoff)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, int64(1))

	deleted, err := stores.Digests.DeleteOlderThan(ctx, cutoff)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(1))

	_, err = stores.Digests.GetByID(ctx, digest.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	links, err := stores.Digests.GetLinks(ctx, digest.ID)
	require.NoError(t, err)
	assert.Empty(t, links)
}
