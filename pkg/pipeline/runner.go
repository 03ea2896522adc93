// Package pipeline orchestrates the phase sequence of one run: stuck-episode
// recovery before every phase, phase events on the run row, and the failure
// policy that makes discovery fatal while later phases fail independently.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/briefcast/briefcast/pkg/models"
)

// RunSink records run lifecycle and phase events. Satisfied by
// store.RunStore.
type RunSink interface {
	Create(ctx context.Context, id string, workflowRunID *string) (*models.PipelineRun, error)
	AppendPhaseEvent(ctx context.Context, id string, event models.PhaseEvent) error
	Finish(ctx context.Context, id string, status models.RunStatus, conclusion string) error
}

// StuckResetter reclaims episodes stranded in processing by a crashed run.
// Satisfied by store.EpisodeStore.
type StuckResetter interface {
	ResetStuck(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Phase is one orchestrated stage. Run returns the counts recorded on the
// phase event and printed in the phase JSON line.
type Phase struct {
	Name string

	// Fatal aborts the run on failure. Discovery is fatal: nothing
	// downstream can make progress without fresh episode rows. Later phases
	// fail independently so the publisher can still ship digests finished
	// by earlier runs.
	Fatal bool

	Run func(ctx context.Context) (map[string]int, error)
}

// Config tunes one orchestrated run.
type Config struct {
	RunID         string
	WorkflowRunID *string

	// StopAfter names the last phase to run; empty runs the whole sequence.
	StopAfter string

	// ProcessingTimeout is the stuck-episode threshold applied before every
	// phase.
	ProcessingTimeout time.Duration

	// OnEvent observes every phase event as it is recorded. The CLI streams
	// per-phase JSON lines through it.
	OnEvent func(models.PhaseEvent)
}

// Result is the run outcome.
type Result struct {
	RunID        string
	PhasesRun    int
	PhasesFailed int
	Failed       []string
}

// Runner executes phases in order against one run record.
type Runner struct {
	runs     RunSink
	episodes StuckResetter
	phases   []Phase
	cfg      Config
	logger   *slog.Logger
}

func NewRunner(runs RunSink, episodes StuckResetter, phases []Phase, cfg Config, logger *slog.Logger) *Runner {
	return &Runner{
		runs:     runs,
		episodes: episodes,
		phases:   phases,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run drives the phase sequence. It returns an error only when the run
// aborted: a fatal phase failed, cancellation, or the run record could not
// be created. Non-fatal phase failures are reported through the result.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if r.cfg.StopAfter != "" && !r.hasPhase(r.cfg.StopAfter) {
		return nil, models.NewConfigError("--phase", fmt.Sprintf("unknown phase %q", r.cfg.StopAfter))
	}
	if _, err := r.runs.Create(ctx, r.cfg.RunID, r.cfg.WorkflowRunID); err != nil {
		return nil, fmt.Errorf("failed to create run record: %w", err)
	}

	res := &Result{RunID: r.cfg.RunID}
	r.logger.Info("Run started", "run_id", r.cfg.RunID, "phases", len(r.phases))

	for i, phase := range r.phases {
		if err := ctx.Err(); err != nil {
			r.skipRemaining(ctx, i, "run canceled")
			r.finish(ctx, models.RunStatusFailed, "run canceled")
			return res, err
		}

		counts, err := r.runPhase(ctx, phase)
		if err != nil {
			res.PhasesFailed++
			res.Failed = append(res.Failed, phase.Name)
			r.event(ctx, models.PhaseEvent{
				Phase:     phase.Name,
				Status:    models.PhaseEventFailed,
				Timestamp: time.Now(),
				Error:     err.Error(),
				Counts:    counts,
			})
			if ctx.Err() != nil {
				r.skipRemaining(ctx, i+1, "run canceled")
				r.finish(ctx, models.RunStatusFailed, "run canceled")
				return res, ctx.Err()
			}
			if phase.Fatal {
				r.skipRemaining(ctx, i+1, phase.Name+" failed")
				r.finish(ctx, models.RunStatusFailed, fmt.Sprintf("%s failed: %v", phase.Name, err))
				return res, fmt.Errorf("phase %s: %w", phase.Name, err)
			}
			r.logger.Error("Phase failed, run continues", "phase", phase.Name, "error", err)
		} else {
			res.PhasesRun++
			r.event(ctx, models.PhaseEvent{
				Phase:     phase.Name,
				Status:    models.PhaseEventCompleted,
				Timestamp: time.Now(),
				Counts:    counts,
			})
		}

		if r.cfg.StopAfter == phase.Name {
			r.skipRemaining(ctx, i+1, "stopped after "+phase.Name)
			r.finish(ctx, models.RunStatusCompleted, r.conclusion(res, true))
			return res, nil
		}
	}

	r.finish(ctx, models.RunStatusCompleted, r.conclusion(res, false))
	r.logger.Info("Run finished", "run_id", r.cfg.RunID,
		"phases_run", res.PhasesRun, "phases_failed", res.PhasesFailed)
	return res, nil
}

// runPhase emits the starting event, reclaims stuck episodes, and invokes
// the phase.
func (r *Runner) runPhase(ctx context.Context, phase Phase) (map[string]int, error) {
	r.event(ctx, models.PhaseEvent{
		Phase:     phase.Name,
		Status:    models.PhaseEventStarting,
		Timestamp: time.Now(),
	})
	r.logger.Info("Phase starting", "phase", phase.Name)

	if r.cfg.ProcessingTimeout > 0 {
		n, err := r.episodes.ResetStuck(ctx, r.cfg.ProcessingTimeout)
		switch {
		case err != nil:
			r.logger.Warn("Stuck episode recovery failed", "phase", phase.Name, "error", err)
		case n > 0:
			r.logger.Info("Reset stuck episodes to pending", "phase", phase.Name, "episodes", n)
		}
	}

	start := time.Now()
	counts, err := phase.Run(ctx)
	if err != nil {
		return counts, err
	}
	r.logger.Info("Phase completed", "phase", phase.Name,
		"duration", time.Since(start).Round(time.Millisecond))
	return counts, nil
}

func (r *Runner) skipRemaining(ctx context.Context, from int, reason string) {
	for _, phase := range r.phases[from:] {
		r.event(ctx, models.PhaseEvent{
			Phase:     phase.Name,
			Status:    models.PhaseEventSkipped,
			Timestamp: time.Now(),
			Error:     reason,
		})
	}
}

// event forwards to the observer and records the run row. Recording uses a
// detached context so cancellation-path events still land; the run table is
// observability only and never fails the run.
func (r *Runner) event(ctx context.Context, ev models.PhaseEvent) {
	if r.cfg.OnEvent != nil {
		r.cfg.OnEvent(ev)
	}
	if err := r.runs.AppendPhaseEvent(context.WithoutCancel(ctx), r.cfg.RunID, ev); err != nil {
		r.logger.Warn("Failed to record phase event", "phase", ev.Phase, "error", err)
	}
}

func (r *Runner) finish(ctx context.Context, status models.RunStatus, conclusion string) {
	if err := r.runs.Finish(context.WithoutCancel(ctx), r.cfg.RunID, status, conclusion); err != nil {
		r.logger.Warn("Failed to finish run record", "run_id", r.cfg.RunID, "error", err)
	}
}

func (r *Runner) conclusion(res *Result, stopped bool) string {
	parts := []string{fmt.Sprintf("%d phases completed", res.PhasesRun)}
	if res.PhasesFailed > 0 {
		parts = append(parts, "failed: "+strings.Join(res.Failed, ", "))
	}
	if stopped {
		parts = append(parts, "stopped after "+r.cfg.StopAfter)
	}
	return strings.Join(parts, "; ")
}

func (r *Runner) hasPhase(name string) bool {
	for _, p := range r.phases {
		if p.Name == name {
			return true
		}
	}
	return false
}
