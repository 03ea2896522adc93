// Package logging wires the run's three log destinations behind one
// slog.Logger: the console, a per-run log file, and the pipeline_logs table.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/briefcast/briefcast/pkg/models"
)

// LogSink persists log records. Satisfied by store.LogStore.
type LogSink interface {
	Insert(ctx context.Context, rec models.PipelineLog) error
}

// Options configures Setup.
type Options struct {
	// RunID tags file names and database records.
	RunID string

	// DataDir is the pipeline data directory; run logs land under
	// <DataDir>/logs. Empty disables the file sink.
	DataDir string

	// Verbose lowers the level from Info to Debug on every sink.
	Verbose bool

	// Console receives the human-readable stream. Defaults to os.Stderr;
	// stdout is reserved for the phase JSON result line.
	Console io.Writer

	// Sink receives every record as a pipeline_logs row. Nil disables the
	// database sink.
	Sink LogSink
}

// Setup builds the fan-out logger. The returned close function releases the
// run log file. Sink trouble never fails Setup: a pipeline that cannot log
// to one destination still runs with the others.
func Setup(opts Options) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	handlers := []slog.Handler{
		slog.NewTextHandler(console, &slog.HandlerOptions{Level: level}),
	}
	closer := func() {}

	if opts.DataDir != "" {
		file, err := openRunLog(opts.DataDir, opts.RunID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "briefcast: run log file unavailable, continuing without it: %v\n", err)
		} else {
			handlers = append(handlers,
				slog.NewTextHandler(file, &slog.HandlerOptions{Level: level}))
			closer = func() { _ = file.Close() }
		}
	}

	if opts.Sink != nil {
		handlers = append(handlers, &sinkHandler{
			sink:     opts.Sink,
			runID:    opts.RunID,
			level:    level,
			warnOnce: &sync.Once{},
		})
	}

	return slog.New(&fanoutHandler{handlers: handlers}), closer, nil
}

// RunLogPath returns the log file path for a run: one file per run, with
// the date in the name so files partition naturally by day.
func RunLogPath(dataDir, runID string) string {
	name := fmt.Sprintf("run-%s-%s.log", time.Now().Format("2006-01-02"), runID)
	return filepath.Join(dataDir, "logs", name)
}

func openRunLog(dataDir, runID string) (*os.File, error) {
	path := RunLogPath(dataDir, runID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}
	return file, nil
}

// fanoutHandler delivers each record to every child handler that accepts
// its level.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, child := range h.handlers {
		if child.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, child := range h.handlers {
		if !child.Enabled(ctx, r.Level) {
			continue
		}
		if err := child.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	children := make([]slog.Handler, len(h.handlers))
	for i, child := range h.handlers {
		children[i] = child.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: children}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	children := make([]slog.Handler, len(h.handlers))
	for i, child := range h.handlers {
		children[i] = child.WithGroup(name)
	}
	return &fanoutHandler{handlers: children}
}

// sinkHandler writes records to the pipeline_logs table. Insert failures
// are swallowed so a logging outage cannot abort a phase; the first failure
// is reported once on stderr.
type sinkHandler struct {
	sink     LogSink
	runID    string
	phase    string
	level    slog.Leveler
	attrs    map[string]any
	group    string
	warnOnce *sync.Once
}

func (h *sinkHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *sinkHandler) Handle(ctx context.Context, r slog.Record) error {
	rec := models.PipelineLog{
		RunID:   h.runID,
		Phase:   h.phase,
		Level:   r.Level.String(),
		Message: r.Message,
	}

	attrs := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for k, v := range h.attrs {
		attrs[k] = v
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "phase" && h.group == "" {
			rec.Phase = a.Value.String()
			return true
		}
		attrs[h.qualify(a.Key)] = a.Value.Resolve().Any()
		return true
	})
	if len(attrs) > 0 {
		rec.Attrs = attrs
	}

	// The record must land even when the phase context was just canceled.
	if err := h.sink.Insert(context.WithoutCancel(ctx), rec); err != nil {
		h.warnOnce.Do(func() {
			fmt.Fprintf(os.Stderr,
				"briefcast: log sink write failed, further sink errors suppressed: %v\n", err)
		})
	}
	return nil
}

func (h *sinkHandler) qualify(key string) string {
	if h.group == "" {
		return key
	}
	return h.group + "." + key
}

// WithAttrs resolves attributes at capture time. A phase attribute is
// lifted into the record's phase column instead of the attrs map.
func (h *sinkHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	merged := make(map[string]any, len(h.attrs)+len(attrs))
	for k, v := range h.attrs {
		merged[k] = v
	}
	for _, a := range attrs {
		if a.Key == "phase" && h.group == "" {
			clone.phase = a.Value.String()
			continue
		}
		merged[h.qualify(a.Key)] = a.Value.Resolve().Any()
	}
	clone.attrs = merged
	return &clone
}

func (h *sinkHandler) WithGroup(name string) slog.Handler {
	clone := *h
	if h.group != "" {
		name = h.group + "." + name
	}
	clone.group = name
	return &clone
}
