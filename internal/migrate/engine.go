package migrate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/roach88/custody/internal/audit"
	"github.com/roach88/custody/internal/backup"
	"github.com/roach88/custody/internal/store"
)

// Audit event types emitted by the engine.
const (
	EventApply    = "migration.apply"
	EventRollback = "migration.rollback"
	EventDrift    = "migration.checksum_drift"
)

// ResourceType for migration audit entries; resource_id is the unit name.
const ResourceType = "migration"

// DriftPolicy controls how checksum drift is treated.
type DriftPolicy string

const (
	// DriftWarn records and audit-logs drift but lets the run continue.
	DriftWarn DriftPolicy = "warn"

	// DriftFail aborts the run after the drift audit entry is written.
	DriftFail DriftPolicy = "fail"
)

// Auditor records sensitive operations. Satisfied by *audit.Chain.
type Auditor interface {
	Log(ctx context.Context, ev audit.Event)
}

// Snapshotter takes a pre-migration backup. Satisfied by
// *backup.Coordinator.
type Snapshotter interface {
	Create(label string) (backup.Metadata, error)
}

// Config carries the engine's explicit dependencies. No globals, no
// service locator: the process entry point constructs and owns all of it.
type Config struct {
	Store   *store.Store
	Units   fs.FS
	Audit   Auditor
	Backups Snapshotter
	Logger  zerolog.Logger

	// AppliedBy is recorded on every migration record.
	AppliedBy string

	// Drift selects the checksum drift policy. Defaults to DriftWarn.
	Drift DriftPolicy

	// Now overrides the time source. Defaults to time.Now.
	Now func() time.Time
}

// Engine orchestrates schema evolution: it snapshots the store, applies
// pending units in order inside per-unit transactions, and emits one
// audit entry per apply or rollback attempt.
type Engine struct {
	store   *store.Store
	units   fs.FS
	audit   Auditor
	backups Snapshotter
	logger  zerolog.Logger

	appliedBy string
	drift     DriftPolicy
	now       func() time.Time
}

// NewEngine constructs an engine from explicit dependencies.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("migrate: Config.Store is required")
	}
	if cfg.Units == nil {
		return nil, fmt.Errorf("migrate: Config.Units is required")
	}
	if cfg.Audit == nil {
		return nil, fmt.Errorf("migrate: Config.Audit is required")
	}
	if cfg.Backups == nil {
		return nil, fmt.Errorf("migrate: Config.Backups is required")
	}

	drift := cfg.Drift
	if drift == "" {
		drift = DriftWarn
	}
	if drift != DriftWarn && drift != DriftFail {
		return nil, fmt.Errorf("migrate: unknown drift policy %q", drift)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	appliedBy := cfg.AppliedBy
	if appliedBy == "" {
		appliedBy = "unknown"
	}

	return &Engine{
		store:     cfg.Store,
		units:     cfg.Units,
		audit:     cfg.Audit,
		backups:   cfg.Backups,
		logger:    cfg.Logger,
		appliedBy: appliedBy,
		drift:     drift,
		now:       now,
	}, nil
}

// RunResult summarizes one engine run.
type RunResult struct {
	// RunID correlates the audit entries of this run.
	RunID string `json:"run_id"`

	// Applied lists unit names applied during this run, in order.
	Applied []string `json:"applied"`

	// Drift lists checksum drift warnings detected during this run.
	Drift []DriftWarning `json:"drift,omitempty"`

	// BackupFile names the pre-migration snapshot, when one was taken.
	BackupFile string `json:"backup_file,omitempty"`
}

// Run applies all pending units in byte-ascending name order.
//
// Fail-fast: the first failed apply aborts the run so a later unit is
// never applied out of order; the failing unit's transaction is rolled
// back and no record is written for it. Checksum drift on already-applied
// units is audit-logged and, under the default policy, does not block the
// run. A pre-migration snapshot is taken before the first apply, and only
// when at least one unit is pending.
func (e *Engine) Run(ctx context.Context) (RunResult, error) {
	result := RunResult{RunID: uuid.NewString(), Applied: []string{}}

	units, err := LoadUnits(e.units)
	if err != nil {
		return result, err
	}

	records, err := e.recordsByName(ctx)
	if err != nil {
		return result, err
	}

	// Static validation of every pending unit up front: a malformed unit
	// is surfaced before any execution attempt.
	var pending []Unit
	for _, unit := range units {
		rec, exists := records[unit.Name]
		if exists && rec.Status == store.StatusApplied {
			continue
		}
		if v := unit.Validate(); !v.Valid {
			return result, newValidationError(unit.Name, v.Errors[0])
		}
		pending = append(pending, unit)
	}

	// Drift detection across every already-applied unit.
	for _, unit := range units {
		rec, exists := records[unit.Name]
		if !exists || rec.Status != store.StatusApplied {
			continue
		}
		current := unit.Checksum()
		if current == rec.Checksum {
			continue
		}

		warning := DriftWarning{Unit: unit.Name, RecordedChecksum: rec.Checksum, CurrentChecksum: current}
		result.Drift = append(result.Drift, warning)
		e.logger.Warn().
			Str("unit", unit.Name).
			Str("recorded_checksum", rec.Checksum).
			Str("current_checksum", current).
			Msg("migration checksum drift: applied definition was edited after the fact")
		e.audit.Log(ctx, audit.Event{
			EventType:    EventDrift,
			ResourceType: ResourceType,
			ResourceID:   unit.Name,
			Action:       "drift",
			Success:      true,
			Details: map[string]any{
				"run_id":            result.RunID,
				"recorded_checksum": rec.Checksum,
				"current_checksum":  current,
			},
		})

		if e.drift == DriftFail {
			return result, &Error{
				Code:    ErrCodeChecksumDrift,
				Message: "checksum drift detected and drift policy is fail",
				Unit:    unit.Name,
			}
		}
	}

	if len(pending) == 0 {
		e.logger.Info().Str("run_id", result.RunID).Msg("no pending migrations")
		return result, nil
	}

	// Safety net before the first apply: a file-level snapshot of the
	// store as it was.
	meta, err := e.backups.Create("pre-migration")
	if err != nil {
		return result, fmt.Errorf("pre-migration snapshot: %w", err)
	}
	result.BackupFile = meta.Filename
	e.logger.Info().
		Str("run_id", result.RunID).
		Str("backup", meta.Filename).
		Int("pending", len(pending)).
		Msg("pre-migration snapshot taken")

	for _, unit := range pending {
		if err := e.applyUnit(ctx, unit, result.RunID); err != nil {
			return result, err
		}
		result.Applied = append(result.Applied, unit.Name)
	}

	return result, nil
}

// applyUnit executes one unit's forward block in its own transaction and
// emits exactly one audit entry for the attempt, success or failure.
func (e *Engine) applyUnit(ctx context.Context, unit Unit, runID string) error {
	start := e.now()
	checksum := unit.Checksum()

	rec := store.MigrationRecord{
		Name:      unit.Name,
		Checksum:  checksum,
		AppliedAt: start.UTC(),
		AppliedBy: e.appliedBy,
	}

	applied, err := e.store.ApplyMigration(ctx, unit.Up, rec, e.now)
	if err != nil {
		e.logger.Error().
			Err(err).
			Str("unit", unit.Name).
			Str("run_id", runID).
			Msg("migration apply failed, run aborted")
		e.audit.Log(ctx, audit.Event{
			EventType:    EventApply,
			ResourceType: ResourceType,
			ResourceID:   unit.Name,
			Action:       "apply",
			Success:      false,
			Details: map[string]any{
				"run_id": runID,
				"error":  err.Error(),
			},
		})
		return newTransactionError(unit.Name, err)
	}

	e.logger.Info().
		Str("unit", unit.Name).
		Str("run_id", runID).
		Int64("duration_ms", applied.DurationMs).
		Msg("migration applied")
	e.audit.Log(ctx, audit.Event{
		EventType:    EventApply,
		ResourceType: ResourceType,
		ResourceID:   unit.Name,
		Action:       "apply",
		Success:      true,
		Details: map[string]any{
			"run_id":      runID,
			"checksum":    checksum,
			"duration_ms": applied.DurationMs,
			"applied_by":  e.appliedBy,
		},
	})
	return nil
}

// Rollback executes a unit's down block in one transaction and flips its
// record to rolled_back.
//
// Rollback never cascades: when a later-applied unit exists the call is
// blocked with a descriptive error and the caller must roll dependents
// back first, newest to oldest.
func (e *Engine) Rollback(ctx context.Context, name string) error {
	units, err := LoadUnits(e.units)
	if err != nil {
		return err
	}

	var unit *Unit
	for i := range units {
		if units[i].Name == name {
			unit = &units[i]
			break
		}
	}
	if unit == nil {
		return e.failRollback(ctx, newRollbackUnavailableError(name, "no such migration unit"))
	}

	rec, err := e.store.GetMigrationRecord(ctx, name)
	if errors.Is(err, store.ErrNoRecord) {
		return e.failRollback(ctx, newRollbackUnavailableError(name, "unit has never been applied"))
	}
	if err != nil {
		return err
	}
	if rec.Status != store.StatusApplied {
		return e.failRollback(ctx, newRollbackUnavailableError(name, fmt.Sprintf("record status is %q, not %q", rec.Status, store.StatusApplied)))
	}
	if unit.Down == "" {
		return e.failRollback(ctx, newRollbackUnavailableError(name, "unit has no down block"))
	}

	// Block when a later-applied unit depends on this one.
	records, err := e.store.ListMigrationRecords(ctx)
	if err != nil {
		return err
	}
	for _, other := range records {
		if other.Status == store.StatusApplied && other.Name > name {
			return e.failRollback(ctx, newRollbackBlockedError(name, other.Name))
		}
	}

	if err := e.store.RollbackMigration(ctx, unit.Down, name); err != nil {
		e.logger.Error().Err(err).Str("unit", name).Msg("migration rollback failed")
		e.audit.Log(ctx, audit.Event{
			EventType:    EventRollback,
			ResourceType: ResourceType,
			ResourceID:   name,
			Action:       "rollback",
			Success:      false,
			Details:      map[string]any{"error": err.Error()},
		})
		return newTransactionError(name, err)
	}

	e.logger.Info().Str("unit", name).Msg("migration rolled back")
	e.audit.Log(ctx, audit.Event{
		EventType:    EventRollback,
		ResourceType: ResourceType,
		ResourceID:   name,
		Action:       "rollback",
		Success:      true,
		Details:      map[string]any{"checksum": rec.Checksum},
	})
	return nil
}

// failRollback audit-logs a rejected rollback and returns its error.
// Every rollback refusal is itself a sensitive operation worth a trail.
func (e *Engine) failRollback(ctx context.Context, rbErr *Error) error {
	e.logger.Warn().Str("unit", rbErr.Unit).Str("code", string(rbErr.Code)).Msg(rbErr.Message)
	e.audit.Log(ctx, audit.Event{
		EventType:    EventRollback,
		ResourceType: ResourceType,
		ResourceID:   rbErr.Unit,
		Action:       "rollback",
		Success:      false,
		Details: map[string]any{
			"code":   string(rbErr.Code),
			"reason": rbErr.Message,
		},
	})
	return rbErr
}

// Status is a read-only projection of migration state.
type Status struct {
	// Applied lists units with an applied record, in name order.
	Applied []string `json:"applied"`

	// Pending lists units present on disk with no applied record. A
	// rolled-back unit is pending again.
	Pending []string `json:"pending"`

	// RolledBack lists units whose record status is rolled_back.
	RolledBack []string `json:"rolled_back"`
}

// Status reports applied, pending and rolled-back units.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	st := Status{Applied: []string{}, Pending: []string{}, RolledBack: []string{}}

	units, err := LoadUnits(e.units)
	if err != nil {
		return st, err
	}
	records, err := e.recordsByName(ctx)
	if err != nil {
		return st, err
	}

	for _, unit := range units {
		rec, exists := records[unit.Name]
		if !exists || rec.Status != store.StatusApplied {
			st.Pending = append(st.Pending, unit.Name)
		}
	}
	for _, unit := range units {
		rec, exists := records[unit.Name]
		if !exists {
			continue
		}
		switch rec.Status {
		case store.StatusApplied:
			st.Applied = append(st.Applied, unit.Name)
		case store.StatusRolledBack:
			st.RolledBack = append(st.RolledBack, unit.Name)
		}
	}

	return st, nil
}

// Validate statically checks the named unit without executing anything.
func (e *Engine) Validate(name string) (ValidationResult, error) {
	units, err := LoadUnits(e.units)
	if err != nil {
		return ValidationResult{}, err
	}
	for _, unit := range units {
		if unit.Name == name {
			return unit.Validate(), nil
		}
	}
	return ValidationResult{}, newValidationError(name, "no such migration unit")
}

func (e *Engine) recordsByName(ctx context.Context) (map[string]store.MigrationRecord, error) {
	records, err := e.store.ListMigrationRecords(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]store.MigrationRecord, len(records))
	for _, rec := range records {
		byName[rec.Name] = rec
	}
	return byName, nil
}
