package digest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briefcast/briefcast/pkg/llm"
	"github.com/briefcast/briefcast/pkg/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEpisodeSource implements EpisodeSource with per-topic episode lists.
type fakeEpisodeSource struct {
	byTopic    map[string][]*models.Episode
	undigested []*models.Episode
}

func (f *fakeEpisodeSource) ListQualifying(ctx context.Context, topicName string, threshold float64, limit int) ([]*models.Episode, error) {
	eps := f.byTopic[topicName]
	if limit < len(eps) {
		eps = eps[:limit]
	}
	return eps, nil
}

func (f *fakeEpisodeSource) ListUndigested(ctx context.Context, limit int) ([]*models.Episode, error) {
	return f.undigested, nil
}

// fakeDigestWriter implements DigestWriter.
type fakeDigestWriter struct {
	mu      sync.Mutex
	created []models.CreateDigestRequest
	prior   map[string][]*models.Digest
	nextID  int64
}

func (f *fakeDigestWriter) Create(ctx context.Context, req models.CreateDigestRequest) (*models.Digest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	f.nextID++
	return &models.Digest{
		ID:              f.nextID,
		Topic:           req.Topic,
		DigestDate:      req.DigestDate,
		DigestTimestamp: req.DigestTimestamp,
		ScriptContent:   req.ScriptContent,
		EpisodeCount:    len(req.Episodes),
		Status:          models.DigestStatusGenerated,
	}, nil
}

func (f *fakeDigestWriter) ListByTopicAndDate(ctx context.Context, topic string, date time.Time) ([]*models.Digest, error) {
	return f.prior[topic], nil
}

// fakeTopicSource implements TopicSource.
type fakeTopicSource struct {
	topics []*models.Topic
}

func (f *fakeTopicSource) ListActive(ctx context.Context) ([]*models.Topic, error) {
	return f.topics, nil
}

// fakeLLM implements llm.Provider with a response queue.
type fakeLLM struct {
	mu        sync.Mutex
	responses []string
	requests  []llm.Request
}

func (f *fakeLLM) Name() string { return "fake" }

func (f *fakeLLM) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	text := "a script"
	if len(f.responses) > 0 {
		text = f.responses[0]
		f.responses = f.responses[1:]
	}
	return &llm.Response{Text: text, Usage: llm.Usage{InputTokens: 1000, OutputTokens: 500}}, nil
}

func scoredEpisode(id int64, title string, scores map[string]float64) *models.Episode {
	transcript := "transcript of " + title
	return &models.Episode{
		ID:                id,
		EpisodeGUID:       fmt.Sprintf("guid-%d", id),
		Title:             title,
		PublishedDate:     time.Date(2026, 8, 24, 6, 0, 0, 0, time.UTC),
		Status:            models.EpisodeStatusScored,
		Scores:            scores,
		TranscriptContent: &transcript,
	}
}

func testDate() time.Time {
	return time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
}

func testComposerConfig() Config {
	return Config{
		DigestDate:      testDate(),
		Threshold:       0.65,
		MinEpisodes:     1,
		MaxEpisodes:     5,
		Model:           "gpt-5",
		ReasoningEffort: "medium",
	}
}

func dialogueTopic() *models.Topic {
	return &models.Topic{
		ID:             1,
		Slug:           "ai-news",
		Name:           "AI News",
		InstructionsMD: "You host a sharp daily AI news digest.",
		UseDialogueAPI: true,
	}
}

func narrativeTopic() *models.Topic {
	return &models.Topic{
		ID:   2,
		Slug: "climate",
		Name: "Climate",
	}
}

func TestComposer_Run(t *testing.T) {
	t.Run("composes a dialogue digest and fixes the format", func(t *testing.T) {
		topic := dialogueTopic()
		episodes := &fakeEpisodeSource{byTopic: map[string][]*models.Episode{
			"AI News": {
				scoredEpisode(11, "Model Release Day", map[string]float64{"AI News": 0.92}),
				scoredEpisode(12, "Chips and Capacity", map[string]float64{"AI News": 0.71}),
			},
		}}
		writer := &fakeDigestWriter{}
		provider := &fakeLLM{responses: []string{
			"Host 1: Welcome to the digest.\nHost 2: Two stories today.",
		}}

		composer := NewComposer(episodes, writer, &fakeTopicSource{topics: []*models.Topic{topic}}, provider, testComposerConfig(), discardLogger())
		res, err := composer.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.DigestsCreated)
		assert.Equal(t, 0, res.TopicsSkipped)

		require.Len(t, writer.created, 1)
		req := writer.created[0]
		assert.Equal(t, "ai-news", req.Topic)
		assert.Equal(t, testDate(), req.DigestDate)
		assert.False(t, req.DigestTimestamp.IsZero())
		assert.Equal(t, "SPEAKER_1: Welcome to the digest.\nSPEAKER_2: Two stories today.", req.ScriptContent)
		require.Len(t, req.Episodes, 2)
		assert.Equal(t, models.DigestEpisodeRef{EpisodeID: 11, Score: 0.92}, req.Episodes[0])
		assert.Equal(t, models.DigestEpisodeRef{EpisodeID: 12, Score: 0.71}, req.Episodes[1])

		llmReq := provider.requests[0]
		assert.Contains(t, llmReq.SystemPrompt, "sharp daily AI news digest")
		assert.Contains(t, llmReq.SystemPrompt, "SPEAKER_1: [audio_tag] text")
		assert.Contains(t, llmReq.UserPrompt, "Model Release Day")
		assert.Contains(t, llmReq.UserPrompt, "transcript of Chips and Capacity")
		assert.Equal(t, "medium", llmReq.ReasoningEffort)
	})

	t.Run("narrative topics skip the dialogue fixer", func(t *testing.T) {
		topic := narrativeTopic()
		episodes := &fakeEpisodeSource{byTopic: map[string][]*models.Episode{
			"Climate": {scoredEpisode(21, "Grid Storage", map[string]float64{"Climate": 0.8})},
		}}
		writer := &fakeDigestWriter{}
		provider := &fakeLLM{responses: []string{"Today we look at grid storage. No speaker labels anywhere."}}

		composer := NewComposer(episodes, writer, &fakeTopicSource{topics: []*models.Topic{topic}}, provider, testComposerConfig(), discardLogger())
		res, err := composer.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.DigestsCreated)
		assert.Equal(t, "Today we look at grid storage. No speaker labels anywhere.", writer.created[0].ScriptContent)
		assert.Contains(t, provider.requests[0].SystemPrompt, "single-voice narrative")
	})

	t.Run("too few episodes skips the topic without an LLM call", func(t *testing.T) {
		cfg := testComposerConfig()
		cfg.MinEpisodes = 2
		episodes := &fakeEpisodeSource{byTopic: map[string][]*models.Episode{
			"AI News": {scoredEpisode(11, "Lone Episode", map[string]float64{"AI News": 0.9})},
		}}
		writer := &fakeDigestWriter{}
		provider := &fakeLLM{}

		composer := NewComposer(episodes, writer, &fakeTopicSource{topics: []*models.Topic{dialogueTopic()}}, provider, cfg, discardLogger())
		res, err := composer.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, res.DigestsCreated)
		assert.Equal(t, 1, res.TopicsSkipped)
		assert.Empty(t, provider.requests)
		assert.Empty(t, writer.created)
	})

	t.Run("a prior digest stands when nothing new qualifies", func(t *testing.T) {
		episodes := &fakeEpisodeSource{}
		writer := &fakeDigestWriter{prior: map[string][]*models.Digest{
			"ai-news": {{ID: 7, Topic: "ai-news"}},
		}}
		provider := &fakeLLM{}

		composer := NewComposer(episodes, writer, &fakeTopicSource{topics: []*models.Topic{dialogueTopic()}}, provider, testComposerConfig(), discardLogger())
		res, err := composer.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, res.DigestsCreated)
		assert.Equal(t, 1, res.TopicsSkipped)
		assert.Empty(t, writer.created)
	})

	t.Run("new qualifying episodes produce a fresh digest even with a prior one", func(t *testing.T) {
		episodes := &fakeEpisodeSource{byTopic: map[string][]*models.Episode{
			"AI News": {scoredEpisode(31, "Late Arrival", map[string]float64{"AI News": 0.88})},
		}}
		writer := &fakeDigestWriter{prior: map[string][]*models.Digest{
			"ai-news": {{ID: 7, Topic: "ai-news"}},
		}}
		provider := &fakeLLM{responses: []string{"SPEAKER_1: One more story.\nSPEAKER_2: Tell me."}}

		composer := NewComposer(episodes, writer, &fakeTopicSource{topics: []*models.Topic{dialogueTopic()}}, provider, testComposerConfig(), discardLogger())
		res, err := composer.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.DigestsCreated)
		require.Len(t, writer.created, 1)
	})

	t.Run("a dialogue script beyond repair fails the topic", func(t *testing.T) {
		episodes := &fakeEpisodeSource{byTopic: map[string][]*models.Episode{
			"AI News": {scoredEpisode(11, "Broken Script Day", map[string]float64{"AI News": 0.9})},
		}}
		writer := &fakeDigestWriter{}
		provider := &fakeLLM{responses: []string{"Just a block of prose with no speakers at all."}}

		composer := NewComposer(episodes, writer, &fakeTopicSource{topics: []*models.Topic{dialogueTopic()}}, provider, testComposerConfig(), discardLogger())
		res, err := composer.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, res.DigestsCreated)
		assert.Equal(t, 1, res.TopicsSkipped)
		assert.Empty(t, writer.created)
	})

	t.Run("general summary fallback fires when enabled and nothing qualified", func(t *testing.T) {
		cfg := testComposerConfig()
		cfg.GeneralSummaryEnabled = true
		episodes := &fakeEpisodeSource{
			undigested: []*models.Episode{
				scoredEpisode(41, "Leftover Episode", map[string]float64{"AI News": 0.3}),
			},
		}
		writer := &fakeDigestWriter{}
		provider := &fakeLLM{responses: []string{"A general roundup of the day."}}

		composer := NewComposer(episodes, writer, &fakeTopicSource{topics: []*models.Topic{dialogueTopic()}}, provider, cfg, discardLogger())
		res, err := composer.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.DigestsCreated)
		require.Len(t, writer.created, 1)
		assert.Equal(t, "general", writer.created[0].Topic)
	})

	t.Run("general summary stays off by default", func(t *testing.T) {
		episodes := &fakeEpisodeSource{
			undigested: []*models.Episode{
				scoredEpisode(41, "Leftover Episode", map[string]float64{"AI News": 0.3}),
			},
		}
		writer := &fakeDigestWriter{}
		provider := &fakeLLM{}

		composer := NewComposer(episodes, writer, &fakeTopicSource{topics: []*models.Topic{dialogueTopic()}}, provider, testComposerConfig(), discardLogger())
		res, err := composer.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, res.DigestsCreated)
		assert.Empty(t, writer.created)
	})
}

func TestEpisodeCharBudget(t *testing.T) {
	tests := []struct {
		name     string
		episodes int
		want     int
	}{
		{"typical selection hits the ceiling", 5, maxEpisodeChars},
		{"single episode hits the ceiling", 1, maxEpisodeChars},
		{"huge selection hits the floor", 200, minEpisodeChars},
		{"zero episodes fall back to the floor", 0, minEpisodeChars},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, episodeCharBudget(tt.episodes))
		})
	}
}

func TestBuildScriptPrompts(t *testing.T) {
	t.Run("clips transcripts to the per-episode budget", func(t *testing.T) {
		long := make([]byte, maxEpisodeChars+5000)
		for i := range long {
			long[i] = 'x'
		}
		transcript := string(long)
		ep := &models.Episode{Title: "Long One", PublishedDate: testDate(), TranscriptContent: &transcript}

		_, user := buildScriptPrompts(narrativeTopic(), []*models.Episode{ep}, testDate())
		assert.Less(t, len(user), maxEpisodeChars+1000)
	})

	t.Run("topic without instructions gets a default framing", func(t *testing.T) {
		system, _ := buildScriptPrompts(narrativeTopic(), nil, testDate())
		assert.Contains(t, system, "daily podcast digest about Climate")
	})
}
