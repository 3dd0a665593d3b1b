package cli

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/roach88/custody/internal/audit"
	"github.com/roach88/custody/internal/backup"
	"github.com/roach88/custody/internal/config"
	"github.com/roach88/custody/internal/migrate"
	"github.com/roach88/custody/internal/store"
)

// app bundles the constructed components for one command invocation.
// Everything is built here, at the process edge, and passed down
// explicitly; there is no global instance of anything.
type app struct {
	cfg     config.Config
	store   *store.Store
	chain   *audit.Chain
	backups *backup.Coordinator
	engine  *migrate.Engine
	logger  zerolog.Logger
}

// openApp loads config and constructs the store, audit chain, backup
// coordinator and migration engine. Callers must Close the returned app.
func openApp(opts *RootOptions, cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}

	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open store", err)
	}

	chain := audit.New(st, logger,
		audit.WithLockTimeout(cfg.LockTimeout()),
		audit.WithMaxDetailsBytes(cfg.Audit.MaxDetailsBytes),
	)
	backups := backup.New(cfg.StorePath, cfg.BackupsDir, nil)

	if _, err := os.Stat(cfg.MigrationsDir); err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "migrations directory", err)
	}

	engine, err := migrate.NewEngine(migrate.Config{
		Store:     st,
		Units:     os.DirFS(cfg.MigrationsDir),
		Audit:     chain,
		Backups:   backups,
		Logger:    logger,
		AppliedBy: cfg.AppliedBy,
		Drift:     migrate.DriftPolicy(cfg.DriftPolicy),
	})
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "construct migration engine", err)
	}

	return &app{
		cfg:     cfg,
		store:   st,
		chain:   chain,
		backups: backups,
		engine:  engine,
		logger:  logger,
	}, nil
}

// openAppNoMigrations constructs the app without requiring the migrations
// directory, for audit and backup commands.
func openAppNoMigrations(opts *RootOptions, cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}

	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open store", err)
	}

	chain := audit.New(st, logger,
		audit.WithLockTimeout(cfg.LockTimeout()),
		audit.WithMaxDetailsBytes(cfg.Audit.MaxDetailsBytes),
	)
	backups := backup.New(cfg.StorePath, cfg.BackupsDir, nil)

	return &app{
		cfg:     cfg,
		store:   st,
		chain:   chain,
		backups: backups,
		logger:  logger,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// newFormatter builds the output formatter for a command. Diagnostics go
// to stderr so JSON output stays parseable.
func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

func newLogger(w io.Writer, verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
