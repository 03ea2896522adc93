package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/briefcast/briefcast/pkg/config"
	"github.com/briefcast/briefcast/pkg/database"
	"github.com/briefcast/briefcast/pkg/logging"
	"github.com/briefcast/briefcast/pkg/pipeline"
	"github.com/briefcast/briefcast/pkg/store"
)

// app bundles the shared wiring behind every database-backed command: the
// connection pool, the repositories, the resolved settings snapshot, the
// fan-out logger, and the on-disk layout.
type app struct {
	runID  string
	db     *database.Client
	stores *store.Stores
	eff    *config.Effective
	layout pipeline.Layout
	logger *slog.Logger

	closeLog func()
}

// bootstrap connects and migrates the database, wires the run logger with
// its database sink, resolves the settings snapshot, and prepares the data
// directory. Callers must Close the returned app.
func bootstrap(ctx context.Context, o config.Overrides) (*app, error) {
	a, err := connect(ctx)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.Setup(logging.Options{
		RunID:   a.runID,
		DataDir: a.layout.DataDir,
		Verbose: flagVerbose,
		Sink:    a.stores.Logs,
	})
	if err != nil {
		_ = a.db.Close()
		return nil, err
	}
	a.logger = logger
	a.closeLog = closeLog

	eff, err := config.Resolve(ctx, a.stores.Settings, logger, o)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.eff = eff

	if err := a.layout.Ensure(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// bootstrapAdmin is the light variant for operator commands: database and
// repositories with console-only logging, no run artifacts on disk or in
// pipeline_logs.
func bootstrapAdmin(ctx context.Context) (*app, error) {
	a, err := connect(ctx)
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := logging.Setup(logging.Options{Verbose: flagVerbose})
	if err != nil {
		_ = a.db.Close()
		return nil, err
	}
	a.logger = logger
	a.closeLog = closeLog
	return a, nil
}

func connect(ctx context.Context) (*app, error) {
	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	client, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		return nil, err
	}
	return &app{
		runID:  uuid.NewString(),
		db:     client,
		stores: store.New(client.DB()),
		layout: pipeline.NewLayout(dataDir()),
	}, nil
}

func (a *app) Close() {
	if a.closeLog != nil {
		a.closeLog()
	}
	_ = a.db.Close()
}

// phaseLogger scopes the logger to one phase; the database sink lifts the
// attribute into the log row's phase column.
func (a *app) phaseLogger(phase string) *slog.Logger {
	return a.logger.With("phase", phase)
}

// overrides converts changed CLI flags into settings overrides. Unchanged
// flags stay nil so stored settings keep their say.
func overrides(cmd *cobra.Command) config.Overrides {
	var o config.Overrides
	if cmd.Flags().Changed("days-back") {
		o.DaysBack = &flagDaysBack
	}
	if cmd.Flags().Changed("limit") {
		o.Limit = &flagLimit
	}
	return o
}

// workflowRunID picks up the CI job identifier when the pipeline runs inside
// a workflow.
func workflowRunID() *string {
	if v := os.Getenv(config.EnvWorkflowRunID); v != "" {
		return &v
	}
	return nil
}
