package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/denorm/internal/config"
	"github.com/roach88/denorm/internal/engine"
	"github.com/roach88/denorm/internal/store"
)

// EngineFlags are the flags of every command that opens a database.
type EngineFlags struct {
	Settings string // runtime settings YAML
	Database string // overrides the settings' database
}

func (f *EngineFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Settings, "settings", "denorm.yaml", "runtime settings file (missing file means defaults)")
	cmd.Flags().StringVar(&f.Database, "db", "", "path to SQLite database (overrides settings)")
}

// load reads the runtime settings and applies the --db override.
func (f *EngineFlags) load() (config.Config, error) {
	cfg, err := config.Load(f.Settings)
	if err != nil {
		return config.Config{}, err
	}
	if f.Database != "" {
		cfg.Database = f.Database
	}
	return cfg, nil
}

// newLogger returns the process logger. Logs always go to w so stdout
// carries only command output.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openEngine loads settings and the configuration at path, opens the
// database and builds an engine over them. The caller closes the store.
func openEngine(flags *EngineFlags, path string, logger *slog.Logger) (*engine.Engine, *store.Store, error) {
	cfg, err := flags.load()
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, ErrCodeSettings+": invalid settings", err)
	}

	res, g, err := LoadGraph(path)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger.Debug("config loaded",
		"files", res.FileCount,
		"targets", len(g.Targets()),
		"sources", len(g.Sources()))

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, ErrCodeStore+": failed to open database", err)
	}

	return engine.New(st, g,
		engine.WithConfig(cfg),
		engine.WithLogger(logger)), st, nil
}

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	EngineFlags
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <config>",
		Short: "Run the propagation scheduler and task worker",
		Long: `Run the background side of denormalization until interrupted.

Every schedule_period the scheduler leases queued propagation requests,
merges the ones sharing a tag and starts a cursor or sharded propagation
for each. Deferred tasks run as soon as they are due.

Example:
  denorm run --db ./denorm.db ./config
  denorm run --settings ./denorm.yaml ./config/library.cue --verbose`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, args[0], cmd)
		},
	}

	opts.register(cmd)

	return cmd
}

func runEngine(opts *RunOptions, path string, cmd *cobra.Command) error {
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)

	eng, st, err := openEngine(&opts.EngineFlags, path, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	fmt.Fprintln(cmd.OutOrStdout(), "Engine started. Processing propagation requests...")
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	logger.Info("engine stopped gracefully")
	return nil
}
