package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/custody/internal/migrate"
)

// NewMigrateCommand creates the migrate command: apply all pending units.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply all pending migration units",
		Long: `Apply all pending migration units in ascending name order.

A file-level snapshot of the store is taken before the first apply. Each
unit runs in its own transaction; the first failure aborts the run and
leaves the store exactly as it was before that unit.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(opts, cmd)
		},
	}
}

func runMigrate(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	a, err := openApp(opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	formatter.VerboseLog("store %s, migrations from %s", a.cfg.StorePath, a.cfg.MigrationsDir)

	result, err := a.engine.Run(cmd.Context())
	if err != nil {
		_ = formatter.Error(string(migrateErrorCode(err)), err.Error(), result)
		return WrapExitError(ExitFailure, "migration run failed", err)
	}

	return formatter.SuccessText(renderRunResult(result), result)
}

// NewRollbackCommand creates the rollback command.
func NewRollbackCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <unit>",
		Short: "Roll back one applied migration unit",
		Long: `Execute a unit's down block in one transaction and mark its record
rolled back.

Rollback never cascades: when a later-applied unit exists the call is
rejected and dependents must be rolled back first, newest to oldest.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRollback(opts, args[0], cmd)
		},
	}
}

func runRollback(opts *RootOptions, name string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	a, err := openApp(opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.engine.Rollback(cmd.Context(), name); err != nil {
		_ = formatter.Error(string(migrateErrorCode(err)), err.Error(), nil)
		return WrapExitError(ExitFailure, "rollback failed", err)
	}

	return formatter.SuccessText(
		fmt.Sprintf("rolled back %s\n", name),
		map[string]string{"rolled_back": name},
	)
}

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show applied, pending and rolled-back migration units",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	a, err := openApp(opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.engine.Status(cmd.Context())
	if err != nil {
		_ = formatter.Error("STATUS_FAILED", err.Error(), nil)
		return WrapExitError(ExitCommandError, "status failed", err)
	}

	return formatter.SuccessText(renderStatusText(st), st)
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "validate <unit>",
		Short:         "Statically validate a migration unit without executing it",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args[0], cmd)
		},
	}
}

func runValidate(opts *RootOptions, name string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	a, err := openApp(opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.engine.Validate(name)
	if err != nil {
		_ = formatter.Error(string(migrate.ErrCodeValidation), err.Error(), nil)
		return WrapExitError(ExitFailure, "validate failed", err)
	}

	if !result.Valid {
		_ = formatter.SuccessText(renderValidationText(result), result)
		return NewExitError(ExitFailure, fmt.Sprintf("unit %s failed validation", name))
	}
	return formatter.SuccessText(renderValidationText(result), result)
}

// migrateErrorCode extracts the engine error code for CLI output.
func migrateErrorCode(err error) migrate.ErrorCode {
	var me *migrate.Error
	if errors.As(err, &me) {
		return me.Code
	}
	return "MIGRATION_FAILED"
}

// renderRunResult renders a RunResult as human-readable text.
func renderRunResult(result migrate.RunResult) string {
	var b strings.Builder
	if len(result.Applied) == 0 {
		b.WriteString("no pending migrations\n")
	} else {
		fmt.Fprintf(&b, "applied %d migration(s):\n", len(result.Applied))
		for _, name := range result.Applied {
			fmt.Fprintf(&b, "  %s\n", name)
		}
	}
	if result.BackupFile != "" {
		fmt.Fprintf(&b, "pre-migration backup: %s\n", result.BackupFile)
	}
	for _, d := range result.Drift {
		fmt.Fprintf(&b, "warning: checksum drift on %s (recorded %s, current %s)\n",
			d.Unit, shortHash(d.RecordedChecksum), shortHash(d.CurrentChecksum))
	}
	return b.String()
}

// renderStatusText renders migration status as human-readable text.
func renderStatusText(st migrate.Status) string {
	var b strings.Builder
	writeSection := func(title string, names []string) {
		fmt.Fprintf(&b, "%s (%d):\n", title, len(names))
		if len(names) == 0 {
			b.WriteString("  (none)\n")
			return
		}
		for _, name := range names {
			fmt.Fprintf(&b, "  %s\n", name)
		}
	}
	writeSection("applied", st.Applied)
	writeSection("pending", st.Pending)
	writeSection("rolled back", st.RolledBack)
	return b.String()
}

// renderValidationText renders a ValidationResult as human-readable text.
func renderValidationText(result migrate.ValidationResult) string {
	var b strings.Builder
	if result.Valid {
		fmt.Fprintf(&b, "%s: valid\n", result.Name)
	} else {
		fmt.Fprintf(&b, "%s: INVALID\n", result.Name)
	}
	for _, e := range result.Errors {
		fmt.Fprintf(&b, "  error: %s\n", e)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(&b, "  warning: %s\n", w)
	}
	return b.String()
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
