package score

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/briefcast/briefcast/pkg/llm"
	"github.com/briefcast/briefcast/pkg/models"
)

// EpisodeStore is the slice of the episode store the scoring phase uses.
type EpisodeStore interface {
	ListByStatus(ctx context.Context, status models.EpisodeStatus, limit int) ([]*models.Episode, error)
	GetByGUID(ctx context.Context, guid string) (*models.Episode, error)
	SetScores(ctx context.Context, guid string, scores map[string]float64) error
	RecordFailure(ctx context.Context, guid, reason string) (int, models.EpisodeStatus, error)
}

// TopicSource lists the active topic catalog.
type TopicSource interface {
	ListActive(ctx context.Context) ([]*models.Topic, error)
}

// Config carries the per-run knobs of the scoring phase.
type Config struct {
	// Workers bounds concurrent scoring calls.
	Workers int
	// Limit caps how many transcribed episodes one run picks up.
	Limit int
	// EpisodeGUID, when set, restricts the run to a single episode.
	EpisodeGUID string
	// Model is the LLM model name for scoring calls.
	Model string
	// MaxInputTokens bounds the request size; the transcript prefix is cut
	// to fit.
	MaxInputTokens int
	// TrimEnabled switches the ad-trim on.
	TrimEnabled bool
	// TrimPrefixPercent and TrimSuffixPercent are the shares discarded from
	// each end before scoring.
	TrimPrefixPercent float64
	TrimSuffixPercent float64
}

// Result summarizes one scoring phase pass.
type Result struct {
	EpisodesScored int
	EpisodesFailed int
}

// Engine runs the scoring phase over transcribed episodes.
type Engine struct {
	episodes EpisodeStore
	topics   TopicSource
	provider llm.Provider
	cfg      Config
	logger   *slog.Logger
}

// NewEngine wires a scoring Engine. The provider should already carry retry
// behavior; the engine treats each episode as a single logical call.
func NewEngine(episodes EpisodeStore, topics TopicSource, provider llm.Provider, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Engine{
		episodes: episodes,
		topics:   topics,
		provider: provider,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run scores the selected episodes with a bounded worker pool. Per-episode
// failures are recorded and never abort the phase.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	topics, err := e.topics.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active topics: %w", err)
	}
	res := &Result{}
	if len(topics) == 0 {
		e.logger.Warn("No active topics, nothing to score against")
		return res, nil
	}

	episodes, err := e.selectEpisodes(ctx)
	if err != nil {
		return nil, err
	}
	if len(episodes) == 0 {
		e.logger.Info("No transcribed episodes to score")
		return res, nil
	}

	schema := scoreSchema(topics)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	var mu sync.Mutex
	for _, ep := range episodes {
		g.Go(func() error {
			err := e.scoreEpisode(gctx, ep, topics, schema)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				res.EpisodesFailed++
				e.recordEpisodeFailure(gctx, ep, err)
				return nil
			}
			res.EpisodesScored++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	e.logger.Info("Scoring phase complete",
		"scored", res.EpisodesScored,
		"failed", res.EpisodesFailed)
	return res, nil
}

func (e *Engine) selectEpisodes(ctx context.Context) ([]*models.Episode, error) {
	if e.cfg.EpisodeGUID != "" {
		ep, err := e.episodes.GetByGUID(ctx, e.cfg.EpisodeGUID)
		if err != nil {
			return nil, fmt.Errorf("failed to load episode %s: %w", e.cfg.EpisodeGUID, err)
		}
		if ep.Status != models.EpisodeStatusTranscribed {
			e.logger.Info("Episode is not transcribed, skipping scoring",
				"episode_guid", ep.EpisodeGUID, "status", ep.Status)
			return nil, nil
		}
		return []*models.Episode{ep}, nil
	}
	episodes, err := e.episodes.ListByStatus(ctx, models.EpisodeStatusTranscribed, e.cfg.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transcribed episodes: %w", err)
	}
	return episodes, nil
}

// scoreEpisode makes one structured call for the episode and persists the
// normalized scores. An unparseable response gets exactly one repair
// re-prompt before the episode fails permanently.
func (e *Engine) scoreEpisode(ctx context.Context, ep *models.Episode, topics []*models.Topic, schema *llm.Schema) error {
	if ep.TranscriptContent == nil || *ep.TranscriptContent == "" {
		return models.Permanent("missing transcript",
			fmt.Errorf("episode %s is transcribed but has no transcript", ep.EpisodeGUID))
	}

	transcript := *ep.TranscriptContent
	if e.cfg.TrimEnabled {
		transcript = TrimForScoring(transcript, e.cfg.TrimPrefixPercent, e.cfg.TrimSuffixPercent)
	}

	req := llm.Request{
		Model:          e.cfg.Model,
		SystemPrompt:   systemPrompt,
		UserPrompt:     buildUserPrompt(topics, transcript, e.cfg.MaxInputTokens),
		ResponseSchema: schema,
	}
	resp, err := e.provider.Complete(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to score episode %s: %w", ep.EpisodeGUID, err)
	}

	raw := map[string]float64{}
	if decodeErr := llm.DecodeJSON(resp.Text, &raw); decodeErr != nil {
		e.logger.Warn("Score response did not parse, re-prompting once",
			"episode_guid", ep.EpisodeGUID, "error", decodeErr)
		raw, err = e.repairScores(ctx, req, resp.Text)
		if err != nil {
			return err
		}
	}

	scores := normalizeScores(raw, topics)
	if err := e.episodes.SetScores(ctx, ep.EpisodeGUID, scores); err != nil {
		return fmt.Errorf("failed to persist scores for %s: %w", ep.EpisodeGUID, err)
	}
	e.logger.Info("Episode scored",
		"episode_guid", ep.EpisodeGUID,
		"topics", len(scores),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens)
	return nil
}

// repairScores re-sends the request with the broken response attached. A
// second parse failure is permanent; the model is not going to get better at
// JSON on the third try.
func (e *Engine) repairScores(ctx context.Context, req llm.Request, brokenText string) (map[string]float64, error) {
	req.UserPrompt = req.UserPrompt +
		"\n\nYour previous response could not be parsed as JSON:\n" + boundPrefix(brokenText, 2000) +
		"\n\nReturn only the JSON object of topic scores."
	resp, err := e.provider.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to repair score response: %w", err)
	}
	raw := map[string]float64{}
	if err := llm.DecodeJSON(resp.Text, &raw); err != nil {
		return nil, models.Permanent("unparseable score response", err)
	}
	return raw, nil
}

func (e *Engine) recordEpisodeFailure(ctx context.Context, ep *models.Episode, cause error) {
	count, status, err := e.episodes.RecordFailure(ctx, ep.EpisodeGUID, models.FailureReason(cause))
	if err != nil {
		e.logger.Error("Failed to record episode failure",
			"episode_guid", ep.EpisodeGUID, "error", err)
		return
	}
	e.logger.Warn("Episode failed in scoring phase",
		"episode_guid", ep.EpisodeGUID,
		"failure_count", count,
		"status", status,
		"error", cause)
}
