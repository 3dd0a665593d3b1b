package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/custody/internal/audit"
	"github.com/roach88/custody/internal/backup"
)

// NewBackupCommand creates the backup command group.
func NewBackupCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Manage file-level snapshots of the store",
	}
	cmd.AddCommand(newBackupCreateCommand(opts))
	cmd.AddCommand(newBackupListCommand(opts))
	cmd.AddCommand(newBackupRestoreCommand(opts))
	cmd.AddCommand(newBackupDeleteCommand(opts))
	return cmd
}

func newBackupCreateCommand(opts *RootOptions) *cobra.Command {
	var label string

	cmd := &cobra.Command{
		Use:           "create",
		Short:         "Snapshot the store file into the backups directory",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackupCreate(opts, label, cmd)
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "label appended to the backup filename")
	return cmd
}

func runBackupCreate(opts *RootOptions, label string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	a, err := openAppNoMigrations(opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	meta, err := a.backups.Create(label)
	a.chain.Log(cmd.Context(), backupEvent("backup.create", meta.Filename, label, err))
	if err != nil {
		_ = formatter.Error(backupErrorCode(err), err.Error(), nil)
		return WrapExitError(ExitFailure, "backup failed", err)
	}

	return formatter.SuccessText(
		fmt.Sprintf("created %s (%d bytes)\n", meta.Filename, meta.SizeBytes),
		meta,
	)
}

func newBackupListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List backups, newest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackupList(opts, cmd)
		},
	}
}

func runBackupList(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	a, err := openAppNoMigrations(opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	backups, err := a.backups.List()
	if err != nil {
		_ = formatter.Error("LIST_FAILED", err.Error(), nil)
		return WrapExitError(ExitCommandError, "list failed", err)
	}

	return formatter.SuccessText(renderBackupsText(backups), backups)
}

func newBackupRestoreCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <filename>",
		Short: "Restore a backup over the live store",
		Long: `Copy the chosen backup over the live store path. The current state is
snapshotted first (a "pre-restore" backup), so a bad restore is itself
recoverable.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackupRestore(opts, args[0], cmd)
		},
	}
}

func runBackupRestore(opts *RootOptions, filename string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	a, err := openAppNoMigrations(opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	// The restore overwrites the store file the audit chain writes to,
	// so log the attempt before touching anything.
	a.chain.Log(cmd.Context(), backupEvent("backup.restore", filename, "", nil))

	if err := a.backups.Restore(filename); err != nil {
		_ = formatter.Error(backupErrorCode(err), err.Error(), nil)
		return WrapExitError(ExitFailure, "restore failed", err)
	}

	return formatter.SuccessText(
		fmt.Sprintf("restored %s\n", filename),
		map[string]string{"restored": filename},
	)
}

func newBackupDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <filename>",
		Short:         "Delete a backup file",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackupDelete(opts, args[0], cmd)
		},
	}
}

func runBackupDelete(opts *RootOptions, filename string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	a, err := openAppNoMigrations(opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	err = a.backups.Delete(filename)
	a.chain.Log(cmd.Context(), backupEvent("backup.delete", filename, "", err))
	if err != nil {
		_ = formatter.Error(backupErrorCode(err), err.Error(), nil)
		return WrapExitError(ExitFailure, "delete failed", err)
	}

	return formatter.SuccessText(
		fmt.Sprintf("deleted %s\n", filename),
		map[string]string{"deleted": filename},
	)
}

// backupEvent builds the audit event for a backup operation.
func backupEvent(eventType, filename, label string, err error) audit.Event {
	details := map[string]any{"filename": filename}
	if label != "" {
		details["label"] = label
	}
	if err != nil {
		details["error"] = err.Error()
	}
	return audit.Event{
		EventType:    eventType,
		ResourceType: "backup",
		ResourceID:   filename,
		Action:       strings.TrimPrefix(eventType, "backup."),
		Details:      details,
		Success:      err == nil,
	}
}

func backupErrorCode(err error) string {
	var be *backup.Error
	if errors.As(err, &be) {
		return be.Code
	}
	return "BACKUP_FAILED"
}

// renderBackupsText renders backup metadata as human-readable lines.
func renderBackupsText(backups []backup.Metadata) string {
	var b strings.Builder
	if len(backups) == 0 {
		b.WriteString("no backups\n")
		return b.String()
	}
	for _, m := range backups {
		fmt.Fprintf(&b, "%s  %10d bytes  %s\n",
			m.CreatedAt.UTC().Format(time.RFC3339),
			m.SizeBytes,
			m.Filename,
		)
	}
	return b.String()
}
