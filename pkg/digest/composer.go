package digest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/briefcast/briefcast/pkg/llm"
	"github.com/briefcast/briefcast/pkg/models"
)

// generalTopicSlug names the fallback digest emitted when no topic qualifies.
const generalTopicSlug = "general"

// EpisodeSource is the slice of the episode store the composer uses.
type EpisodeSource interface {
	ListQualifying(ctx context.Context, topicName string, threshold float64, limit int) ([]*models.Episode, error)
	ListUndigested(ctx context.Context, limit int) ([]*models.Episode, error)
}

// DigestWriter persists composed digests.
type DigestWriter interface {
	Create(ctx context.Context, req models.CreateDigestRequest) (*models.Digest, error)
	ListByTopicAndDate(ctx context.Context, topic string, date time.Time) ([]*models.Digest, error)
}

// TopicSource lists the active topic catalog.
type TopicSource interface {
	ListActive(ctx context.Context) ([]*models.Topic, error)
}

// Config carries the per-run knobs of the compose phase.
type Config struct {
	// DigestDate scopes the run; normalized to a date.
	DigestDate time.Time
	// Threshold is the minimum topic score for an episode to qualify.
	Threshold float64
	// MinEpisodes and MaxEpisodes bound how many episodes a digest draws on.
	MinEpisodes int
	MaxEpisodes int
	// Model is the LLM model used for script rendering.
	Model string
	// ReasoningEffort is passed through to providers that support it.
	ReasoningEffort string
	// GeneralSummaryEnabled turns on the no-content fallback digest.
	GeneralSummaryEnabled bool
}

// Result summarizes one compose phase pass.
type Result struct {
	DigestsCreated int
	TopicsSkipped  int
}

// Composer renders one digest per qualifying topic and date.
type Composer struct {
	episodes EpisodeSource
	digests  DigestWriter
	topics   TopicSource
	provider llm.Provider
	cfg      Config
	logger   *slog.Logger
}

// NewComposer wires a compose phase Composer.
func NewComposer(episodes EpisodeSource, digests DigestWriter, topics TopicSource, provider llm.Provider, cfg Config, logger *slog.Logger) *Composer {
	return &Composer{
		episodes: episodes,
		digests:  digests,
		topics:   topics,
		provider: provider,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run walks the active topics in catalog order, composing a digest for each
// one with enough qualifying episodes. Topics run strictly in turn: digest
// creation moves episodes out of scored status, and an episode may qualify
// for several topics, so order decides who gets it.
func (c *Composer) Run(ctx context.Context) (*Result, error) {
	topics, err := c.topics.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active topics: %w", err)
	}

	res := &Result{}
	for _, topic := range topics {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		created, err := c.composeTopic(ctx, topic)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.TopicsSkipped++
			c.logger.Error("Topic digest failed",
				"topic", topic.Slug, "error", err)
			continue
		}
		if created {
			res.DigestsCreated++
		} else {
			res.TopicsSkipped++
		}
	}

	if res.DigestsCreated == 0 && c.cfg.GeneralSummaryEnabled {
		if err := c.composeGeneralSummary(ctx, res); err != nil {
			c.logger.Error("General summary digest failed", "error", err)
		}
	}

	c.logger.Info("Compose phase complete",
		"created", res.DigestsCreated,
		"skipped", res.TopicsSkipped)
	return res, nil
}

// composeTopic renders and persists one topic's digest. Returns false when
// the topic is skipped without error.
func (c *Composer) composeTopic(ctx context.Context, topic *models.Topic) (bool, error) {
	episodes, err := c.episodes.ListQualifying(ctx, topic.Name, c.cfg.Threshold, c.cfg.MaxEpisodes)
	if err != nil {
		return false, fmt.Errorf("failed to list qualifying episodes: %w", err)
	}

	if len(episodes) < c.cfg.MinEpisodes {
		// A digest for this topic and date may already exist from an earlier
		// run. It stays exactly as it is: composing again from fewer
		// episodes would replace a good digest with a weaker one.
		prior, err := c.digests.ListByTopicAndDate(ctx, topic.Slug, c.cfg.DigestDate)
		if err != nil {
			return false, fmt.Errorf("failed to check prior digests: %w", err)
		}
		if len(prior) > 0 {
			c.logger.Debug("Prior digest stands, nothing new to add",
				"topic", topic.Slug, "digest_date", c.cfg.DigestDate.Format("2006-01-02"))
			return false, nil
		}
		c.logger.Info("Not enough qualifying episodes for topic",
			"topic", topic.Slug,
			"qualifying", len(episodes),
			"min_episodes", c.cfg.MinEpisodes)
		return false, nil
	}

	script, err := c.renderScript(ctx, topic, episodes)
	if err != nil {
		return false, err
	}

	digest, err := c.createDigest(ctx, topic, episodes, script)
	if err != nil {
		return false, err
	}
	c.logger.Info("Digest composed",
		"topic", topic.Slug,
		"digest_id", digest.ID,
		"episodes", len(episodes),
		"script_chars", len(script))
	return true, nil
}

// renderScript calls the LLM and, for dialogue topics, runs the format fixer
// over the result.
func (c *Composer) renderScript(ctx context.Context, topic *models.Topic, episodes []*models.Episode) (string, error) {
	system, user := buildScriptPrompts(topic, episodes, c.cfg.DigestDate)
	resp, err := c.provider.Complete(ctx, llm.Request{
		Model:           c.cfg.Model,
		SystemPrompt:    system,
		UserPrompt:      user,
		ReasoningEffort: c.cfg.ReasoningEffort,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render script for %s: %w", topic.Slug, err)
	}

	script := strings.TrimSpace(resp.Text)
	if script == "" {
		return "", fmt.Errorf("model returned an empty script for %s", topic.Slug)
	}
	c.logger.Debug("Script rendered",
		"topic", topic.Slug,
		"chars", len(script),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens)

	if !topic.UseDialogueAPI {
		return script, nil
	}
	fixed, err := FixDialogue(script)
	if err != nil {
		return "", fmt.Errorf("dialogue script for %s is beyond repair: %w", topic.Slug, err)
	}
	return fixed, nil
}

func (c *Composer) createDigest(ctx context.Context, topic *models.Topic, episodes []*models.Episode, script string) (*models.Digest, error) {
	refs := make([]models.DigestEpisodeRef, len(episodes))
	for i, ep := range episodes {
		refs[i] = models.DigestEpisodeRef{
			EpisodeID: ep.ID,
			Score:     ep.Scores[topic.Name],
		}
	}
	digest, err := c.digests.Create(ctx, models.CreateDigestRequest{
		Topic:           topic.Slug,
		DigestDate:      c.cfg.DigestDate,
		DigestTimestamp: time.Now().UTC(),
		ScriptContent:   script,
		Episodes:        refs,
	})
	if err != nil {
		if errors.Is(err, models.ErrAlreadyExists) {
			return nil, fmt.Errorf("digest collision for %s: %w", topic.Slug, err)
		}
		return nil, fmt.Errorf("failed to persist digest for %s: %w", topic.Slug, err)
	}
	return digest, nil
}

// composeGeneralSummary emits the no-content fallback digest from whatever
// scored episodes remain undigested.
func (c *Composer) composeGeneralSummary(ctx context.Context, res *Result) error {
	episodes, err := c.episodes.ListUndigested(ctx, c.cfg.MaxEpisodes)
	if err != nil {
		return fmt.Errorf("failed to list undigested episodes: %w", err)
	}
	if len(episodes) == 0 {
		c.logger.Info("No undigested episodes for a general summary")
		return nil
	}

	topic := &models.Topic{
		Slug: generalTopicSlug,
		Name: "General Summary",
		InstructionsMD: "You write a daily general-interest podcast digest. " +
			"Summarize the most noteworthy stories across all source episodes.",
	}
	script, err := c.renderScript(ctx, topic, episodes)
	if err != nil {
		return err
	}
	digest, err := c.createDigest(ctx, topic, episodes, script)
	if err != nil {
		return err
	}
	res.DigestsCreated++
	c.logger.Info("General summary digest composed",
		"digest_id", digest.ID, "episodes", len(episodes))
	return nil
}
