package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/custody/internal/audit"
)

// auditFilterFlags holds the shared query filter flags.
type auditFilterFlags struct {
	EventType    string
	ResourceType string
	ResourceID   string
	Since        string
	Until        string
}

func (f *auditFilterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.EventType, "event-type", "", "filter by event type")
	cmd.Flags().StringVar(&f.ResourceType, "resource-type", "", "filter by resource type")
	cmd.Flags().StringVar(&f.ResourceID, "resource-id", "", "filter by resource id")
	cmd.Flags().StringVar(&f.Since, "since", "", "earliest timestamp (RFC 3339)")
	cmd.Flags().StringVar(&f.Until, "until", "", "latest timestamp (RFC 3339)")
}

func (f *auditFilterFlags) filter() (audit.Filter, error) {
	out := audit.Filter{
		EventType:    f.EventType,
		ResourceType: f.ResourceType,
		ResourceID:   f.ResourceID,
	}
	if f.Since != "" {
		t, err := time.Parse(time.RFC3339, f.Since)
		if err != nil {
			return audit.Filter{}, fmt.Errorf("invalid --since %q: %w", f.Since, err)
		}
		out.Since = t
	}
	if f.Until != "" {
		t, err := time.Parse(time.RFC3339, f.Until)
		if err != nil {
			return audit.Filter{}, fmt.Errorf("invalid --until %q: %w", f.Until, err)
		}
		out.Until = t
	}
	return out, nil
}

// NewAuditCommand creates the audit command group.
func NewAuditCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the tamper-evident audit chain",
	}
	cmd.AddCommand(newAuditVerifyCommand(opts))
	cmd.AddCommand(newAuditExportCommand(opts))
	cmd.AddCommand(newAuditQueryCommand(opts))
	return cmd
}

func newAuditVerifyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute the hash chain and report the first tamper point",
		Long: `Recompute the hash chain from the genesis constant forward across
every persisted entry. Exit code 0 means the recomputed chain matches
every stored hash; exit code 1 names the first entry that does not.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditVerify(opts, cmd)
		},
	}
}

func runAuditVerify(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	a, err := openAppNoMigrations(opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	formatter.VerboseLog("recomputing hash chain for %s", a.cfg.StorePath)

	report, err := a.chain.VerifyIntegrity(cmd.Context())
	if err != nil {
		_ = formatter.Error("VERIFY_FAILED", err.Error(), nil)
		return WrapExitError(ExitCommandError, "verify failed", err)
	}

	if !report.Valid {
		_ = formatter.SuccessText(renderIntegrityText(report), report)
		return NewExitError(ExitFailure, fmt.Sprintf("chain integrity violation at sequence %d: %s", report.TamperSeq, report.Reason))
	}
	return formatter.SuccessText(renderIntegrityText(report), report)
}

func newAuditExportCommand(opts *RootOptions) *cobra.Command {
	filters := &auditFilterFlags{}
	var exportFormat string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export filtered audit entries as JSON or CSV",
		Long: `Serialize the filtered audit entries for compliance hand-off.
Exports are forward-only snapshots, never meant for re-import.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditExport(opts, exportFormat, filters, cmd)
		},
	}
	filters.register(cmd)
	cmd.Flags().StringVar(&exportFormat, "export-format", audit.FormatJSON, "export format (json|csv)")
	return cmd
}

func runAuditExport(opts *RootOptions, exportFormat string, filters *auditFilterFlags, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	f, err := filters.filter()
	if err != nil {
		_ = formatter.Error("BAD_FILTER", err.Error(), nil)
		return WrapExitError(ExitCommandError, "bad filter", err)
	}

	a, err := openAppNoMigrations(opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.chain.Export(cmd.Context(), exportFormat, f)
	if err != nil {
		_ = formatter.Error("EXPORT_FAILED", err.Error(), nil)
		return WrapExitError(ExitCommandError, "export failed", err)
	}

	// The export IS the payload; it bypasses the formatter envelope.
	_, err = fmt.Fprint(cmd.OutOrStdout(), out)
	return err
}

func newAuditQueryCommand(opts *RootOptions) *cobra.Command {
	filters := &auditFilterFlags{}

	cmd := &cobra.Command{
		Use:           "query",
		Short:         "List audit entries matching the filters",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditQuery(opts, filters, cmd)
		},
	}
	filters.register(cmd)
	return cmd
}

func runAuditQuery(opts *RootOptions, filters *auditFilterFlags, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	f, err := filters.filter()
	if err != nil {
		_ = formatter.Error("BAD_FILTER", err.Error(), nil)
		return WrapExitError(ExitCommandError, "bad filter", err)
	}

	a, err := openAppNoMigrations(opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.chain.Query(cmd.Context(), f)
	if err != nil {
		_ = formatter.Error("QUERY_FAILED", err.Error(), nil)
		return WrapExitError(ExitCommandError, "query failed", err)
	}

	return formatter.SuccessText(renderEntriesText(entries), entries)
}

// renderIntegrityText renders an integrity report as human-readable text.
func renderIntegrityText(report audit.IntegrityReport) string {
	var b strings.Builder
	if report.Valid {
		fmt.Fprintf(&b, "chain valid: %d entries verified\n", report.Entries)
	} else {
		fmt.Fprintf(&b, "chain INVALID at sequence %d: %s\n", report.TamperSeq, report.Reason)
	}
	return b.String()
}

// renderEntriesText renders audit entries as human-readable lines.
func renderEntriesText(entries []audit.Entry) string {
	var b strings.Builder
	if len(entries) == 0 {
		b.WriteString("no matching audit entries\n")
		return b.String()
	}
	for _, e := range entries {
		outcome := "ok"
		if !e.Success {
			outcome = "FAILED"
		}
		fmt.Fprintf(&b, "%6d  %s  %-28s %s/%s %s [%s]\n",
			e.Seq,
			e.Timestamp.UTC().Format(time.RFC3339),
			e.EventType,
			e.ResourceType,
			e.ResourceID,
			e.Action,
			outcome,
		)
	}
	return b.String()
}
