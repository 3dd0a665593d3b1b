package migrate

import (
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/custody/internal/audit"
	"github.com/roach88/custody/internal/backup"
	"github.com/roach88/custody/internal/store"
	"github.com/roach88/custody/internal/testutil"
)

type testEnv struct {
	engine  *Engine
	store   *store.Store
	chain   *audit.Chain
	backups *backup.Coordinator
}

func unitFS(sources map[string]string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for name, src := range sources {
		fsys[name] = &fstest.MapFile{Data: []byte(src)}
	}
	return fsys
}

func newTestEngine(t *testing.T, units fstest.MapFS, mutate func(*Config)) *testEnv {
	t.Helper()
	root := t.TempDir()

	st, err := store.Open(filepath.Join(root, "custody.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	chain := audit.New(st, zerolog.Nop())
	coord := backup.New(st.Path(), filepath.Join(root, "backups"), nil)

	cfg := Config{
		Store:     st,
		Units:     units,
		Audit:     chain,
		Backups:   coord,
		Logger:    zerolog.Nop(),
		AppliedBy: "tester",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	engine, err := NewEngine(cfg)
	require.NoError(t, err)

	return &testEnv{engine: engine, store: st, chain: chain, backups: coord}
}

func tableExists(t *testing.T, st *store.Store, name string) bool {
	t.Helper()
	var count int
	err := st.DB().QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name,
	).Scan(&count)
	require.NoError(t, err)
	return count > 0
}

func TestNewEngine_RequiresDependencies(t *testing.T) {
	units := unitFS(nil)
	st := newTestEngine(t, units, nil).store
	chain := audit.New(st, zerolog.Nop())
	coord := backup.New(st.Path(), t.TempDir(), nil)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing store", Config{Units: units, Audit: chain, Backups: coord}},
		{"missing units", Config{Store: st, Audit: chain, Backups: coord}},
		{"missing audit", Config{Store: st, Units: units, Backups: coord}},
		{"missing backups", Config{Store: st, Units: units, Audit: chain}},
		{"unknown drift policy", Config{Store: st, Units: units, Audit: chain, Backups: coord, Drift: "explode"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(tt.cfg)
			require.Error(t, err)
		})
	}
}

func TestRun_AppliesPendingInOrder(t *testing.T) {
	env := newTestEngine(t, unitFS(map[string]string{
		"002_evidence.sql": "-- UP\nCREATE TABLE evidence (id TEXT PRIMARY KEY, case_id TEXT);\n-- DOWN\nDROP TABLE evidence;\n",
		"001_cases.sql":    "-- UP\nCREATE TABLE cases (id TEXT PRIMARY KEY);\n-- DOWN\nDROP TABLE cases;\n",
	}), nil)
	ctx := context.Background()

	result, err := env.engine.Run(ctx)
	require.NoError(t, err)

	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, []string{"001_cases", "002_evidence"}, result.Applied)
	assert.NotEmpty(t, result.BackupFile)
	assert.Empty(t, result.Drift)

	assert.True(t, tableExists(t, env.store, "cases"))
	assert.True(t, tableExists(t, env.store, "evidence"))

	for _, name := range result.Applied {
		rec, err := env.store.GetMigrationRecord(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, store.StatusApplied, rec.Status)
		assert.Equal(t, "tester", rec.AppliedBy)
		assert.Len(t, rec.Checksum, 64)
	}
}

func TestRun_IsIdempotent(t *testing.T) {
	env := newTestEngine(t, unitFS(map[string]string{
		"001_cases.sql": "-- UP\nCREATE TABLE cases (id TEXT PRIMARY KEY);\n-- DOWN\nDROP TABLE cases;\n",
	}), nil)
	ctx := context.Background()

	first, err := env.engine.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"001_cases"}, first.Applied)

	second, err := env.engine.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, second.Applied)
	assert.Empty(t, second.BackupFile, "no snapshot when nothing is pending")

	backups, err := env.backups.List()
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestRun_FailFastLeavesStoreConsistent(t *testing.T) {
	env := newTestEngine(t, unitFS(map[string]string{
		"001_cases.sql":  "-- UP\nCREATE TABLE cases (id TEXT PRIMARY KEY);\n-- DOWN\nDROP TABLE cases;\n",
		"002_broken.sql": "-- UP\nCREATE TABLE half_done (id TEXT);\nTHIS IS NOT SQL;\n-- DOWN\nDROP TABLE half_done;\n",
		"003_after.sql":  "-- UP\nCREATE TABLE never_reached (id TEXT);\n-- DOWN\nDROP TABLE never_reached;\n",
	}), nil)
	ctx := context.Background()

	result, err := env.engine.Run(ctx)
	require.Error(t, err)
	assert.True(t, IsTransactionFailure(err))

	var me *Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "002_broken", me.Unit)

	// The unit before the failure is applied; the failing unit's partial
	// work is rolled back; nothing after it runs.
	assert.Equal(t, []string{"001_cases"}, result.Applied)
	assert.True(t, tableExists(t, env.store, "cases"))
	assert.False(t, tableExists(t, env.store, "half_done"))
	assert.False(t, tableExists(t, env.store, "never_reached"))

	_, err = env.store.GetMigrationRecord(ctx, "002_broken")
	assert.ErrorIs(t, err, store.ErrNoRecord)
	_, err = env.store.GetMigrationRecord(ctx, "003_after")
	assert.ErrorIs(t, err, store.ErrNoRecord)
}

func TestRun_RejectsInvalidPendingUnitUpFront(t *testing.T) {
	env := newTestEngine(t, unitFS(map[string]string{
		"001_cases.sql": "-- UP\nCREATE TABLE cases (id TEXT PRIMARY KEY);\n",
		"002_empty.sql": "-- UP\n-- DOWN\nDROP TABLE cases;\n",
	}), nil)
	ctx := context.Background()

	result, err := env.engine.Run(ctx)
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	// Validation runs before execution: even the valid earlier unit must
	// not have been applied.
	assert.Empty(t, result.Applied)
	assert.False(t, tableExists(t, env.store, "cases"))
}

func TestRun_AuditTrail(t *testing.T) {
	env := newTestEngine(t, unitFS(map[string]string{
		"001_cases.sql":    "-- UP\nCREATE TABLE cases (id TEXT PRIMARY KEY);\n-- DOWN\nDROP TABLE cases;\n",
		"002_evidence.sql": "-- UP\nCREATE TABLE evidence (id TEXT PRIMARY KEY);\n-- DOWN\nDROP TABLE evidence;\n",
	}), nil)
	ctx := context.Background()

	result, err := env.engine.Run(ctx)
	require.NoError(t, err)

	entries, err := env.chain.Query(ctx, audit.Filter{EventType: EventApply})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "001_cases", entries[0].ResourceID)
	assert.Equal(t, "002_evidence", entries[1].ResourceID)
	for _, e := range entries {
		assert.Equal(t, ResourceType, e.ResourceType)
		assert.True(t, e.Success)
		assert.Contains(t, e.Details, result.RunID)
	}

	report, err := env.chain.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestRun_FailedApplyIsAudited(t *testing.T) {
	env := newTestEngine(t, unitFS(map[string]string{
		"001_broken.sql": "-- UP\nCREATE TABLE x (id TEXT);\nTHIS IS NOT SQL;\n",
	}), nil)
	ctx := context.Background()

	_, err := env.engine.Run(ctx)
	require.Error(t, err)

	entries, err := env.chain.Query(ctx, audit.Filter{EventType: EventApply})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
	assert.Contains(t, entries[0].Details, "error")
}

func TestRun_PersistsMeasuredDuration(t *testing.T) {
	clock := testutil.NewDeterministicClock(
		time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		100*time.Millisecond,
	)
	env := newTestEngine(t, unitFS(map[string]string{
		"001_cases.sql": "-- UP\nCREATE TABLE cases (id TEXT PRIMARY KEY);\n-- DOWN\nDROP TABLE cases;\n",
	}), func(cfg *Config) { cfg.Now = clock.Now })
	ctx := context.Background()

	_, err := env.engine.Run(ctx)
	require.NoError(t, err)

	// The execution is bracketed by two clock readings, so the persisted
	// duration is exactly one step.
	rec, err := env.store.GetMigrationRecord(ctx, "001_cases")
	require.NoError(t, err)
	assert.Equal(t, int64(100), rec.DurationMs)

	entries, err := env.chain.Query(ctx, audit.Filter{EventType: EventApply})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Details, `"duration_ms":100`)
}

func TestRun_DriftWarnContinues(t *testing.T) {
	units := unitFS(map[string]string{
		"001_cases.sql": "-- UP\nCREATE TABLE cases (id TEXT PRIMARY KEY);\n-- DOWN\nDROP TABLE cases;\n",
	})
	env := newTestEngine(t, units, nil)
	ctx := context.Background()

	_, err := env.engine.Run(ctx)
	require.NoError(t, err)

	// Edit the applied definition after the fact and add a new unit.
	units["001_cases.sql"] = &fstest.MapFile{
		Data: []byte("-- UP\nCREATE TABLE cases (id TEXT PRIMARY KEY, sneaky TEXT);\n-- DOWN\nDROP TABLE cases;\n"),
	}
	units["002_evidence.sql"] = &fstest.MapFile{
		Data: []byte("-- UP\nCREATE TABLE evidence (id TEXT PRIMARY KEY);\n-- DOWN\nDROP TABLE evidence;\n"),
	}

	result, err := env.engine.Run(ctx)
	require.NoError(t, err)

	require.Len(t, result.Drift, 1)
	assert.Equal(t, "001_cases", result.Drift[0].Unit)
	assert.NotEqual(t, result.Drift[0].RecordedChecksum, result.Drift[0].CurrentChecksum)
	assert.Equal(t, []string{"002_evidence"}, result.Applied, "warn policy must not block pending applies")

	entries, err := env.chain.Query(ctx, audit.Filter{EventType: EventDrift})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "001_cases", entries[0].ResourceID)
}

func TestRun_DriftFailAborts(t *testing.T) {
	units := unitFS(map[string]string{
		"001_cases.sql": "-- UP\nCREATE TABLE cases (id TEXT PRIMARY KEY);\n-- DOWN\nDROP TABLE cases;\n",
	})
	env := newTestEngine(t, units, func(cfg *Config) { cfg.Drift = DriftFail })
	ctx := context.Background()

	_, err := env.engine.Run(ctx)
	require.NoError(t, err)

	units["001_cases.sql"] = &fstest.MapFile{
		Data: []byte("-- UP\nCREATE TABLE cases (id TEXT PRIMARY KEY, sneaky TEXT);\n-- DOWN\nDROP TABLE cases;\n"),
	}
	units["002_evidence.sql"] = &fstest.MapFile{
		Data: []byte("-- UP\nCREATE TABLE evidence (id TEXT PRIMARY KEY);\n-- DOWN\nDROP TABLE evidence;\n"),
	}

	result, err := env.engine.Run(ctx)
	require.Error(t, err)

	var me *Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, ErrCodeChecksumDrift, me.Code)
	assert.Equal(t, "001_cases", me.Unit)

	assert.Empty(t, result.Applied)
	assert.False(t, tableExists(t, env.store, "evidence"))

	// The drift audit entry is still written before the abort.
	entries, err := env.chain.Query(ctx, audit.Filter{EventType: EventDrift})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRollback_RoundTrip(t *testing.T) {
	env := newTestEngine(t, unitFS(map[string]string{
		"001_cases.sql": "-- UP\nCREATE TABLE cases (id TEXT PRIMARY KEY);\n-- DOWN\nDROP TABLE cases;\n",
	}), nil)
	ctx := context.Background()

	_, err := env.engine.Run(ctx)
	require.NoError(t, err)

	require.NoError(t, env.engine.Rollback(ctx, "001_cases"))
	assert.False(t, tableExists(t, env.store, "cases"))

	rec, err := env.store.GetMigrationRecord(ctx, "001_cases")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRolledBack, rec.Status)

	st, err := env.engine.Status(ctx)
	require.NoError(t, err)
	assert.Contains(t, st.Pending, "001_cases")
	assert.Contains(t, st.RolledBack, "001_cases")

	// A rolled-back unit is pending again and can be re-applied.
	result, err := env.engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_cases"}, result.Applied)
	assert.True(t, tableExists(t, env.store, "cases"))

	entries, err := env.chain.Query(ctx, audit.Filter{EventType: EventRollback})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
}

func TestRollback_BlockedByLaterUnit(t *testing.T) {
	env := newTestEngine(t, unitFS(map[string]string{
		"001_cases.sql":    "-- UP\nCREATE TABLE cases (id TEXT PRIMARY KEY);\n-- DOWN\nDROP TABLE cases;\n",
		"002_evidence.sql": "-- UP\nCREATE TABLE evidence (id TEXT PRIMARY KEY);\n-- DOWN\nDROP TABLE evidence;\n",
	}), nil)
	ctx := context.Background()

	_, err := env.engine.Run(ctx)
	require.NoError(t, err)

	err = env.engine.Rollback(ctx, "001_cases")
	require.Error(t, err)
	assert.True(t, IsRollbackBlocked(err))
	assert.True(t, tableExists(t, env.store, "cases"))

	// The refused rollback leaves a failed entry naming the blocker.
	entries, err := env.chain.Query(ctx, audit.Filter{EventType: EventRollback})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
	assert.Equal(t, "001_cases", entries[0].ResourceID)
	assert.Contains(t, entries[0].Details, "002_evidence")

	// Newest-first rollback is allowed.
	require.NoError(t, env.engine.Rollback(ctx, "002_evidence"))
	require.NoError(t, env.engine.Rollback(ctx, "001_cases"))
}

func TestRollback_Unavailable(t *testing.T) {
	env := newTestEngine(t, unitFS(map[string]string{
		"001_cases.sql":   "-- UP\nCREATE TABLE cases (id TEXT PRIMARY KEY);\n-- DOWN\nDROP TABLE cases;\n",
		"002_forward.sql": "-- UP\nCREATE TABLE notes (id TEXT PRIMARY KEY);\n",
	}), nil)
	ctx := context.Background()

	// Never applied.
	err := env.engine.Rollback(ctx, "001_cases")
	require.Error(t, err)
	assert.True(t, IsRollbackUnavailable(err))

	// Unknown unit.
	err = env.engine.Rollback(ctx, "999_missing")
	require.Error(t, err)
	assert.True(t, IsRollbackUnavailable(err))

	_, err = env.engine.Run(ctx)
	require.NoError(t, err)

	// No down block.
	err = env.engine.Rollback(ctx, "002_forward")
	require.Error(t, err)
	assert.True(t, IsRollbackUnavailable(err))
	assert.True(t, tableExists(t, env.store, "notes"))

	// Each refusal is audit-logged as a failed rollback.
	entries, err := env.chain.Query(ctx, audit.Filter{EventType: EventRollback})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.False(t, e.Success)
		assert.Contains(t, e.Details, "reason")
	}
	assert.Equal(t, "001_cases", entries[0].ResourceID)
	assert.Equal(t, "999_missing", entries[1].ResourceID)
	assert.Equal(t, "002_forward", entries[2].ResourceID)
}

func TestStatus(t *testing.T) {
	env := newTestEngine(t, unitFS(map[string]string{
		"001_cases.sql":    "-- UP\nCREATE TABLE cases (id TEXT PRIMARY KEY);\n-- DOWN\nDROP TABLE cases;\n",
		"002_evidence.sql": "-- UP\nCREATE TABLE evidence (id TEXT PRIMARY KEY);\n-- DOWN\nDROP TABLE evidence;\n",
	}), nil)
	ctx := context.Background()

	st, err := env.engine.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Applied)
	assert.Equal(t, []string{"001_cases", "002_evidence"}, st.Pending)
	assert.Empty(t, st.RolledBack)

	_, err = env.engine.Run(ctx)
	require.NoError(t, err)

	st, err = env.engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_cases", "002_evidence"}, st.Applied)
	assert.Empty(t, st.Pending)
}

func TestValidate_ByName(t *testing.T) {
	env := newTestEngine(t, unitFS(map[string]string{
		"001_cases.sql": "-- UP\nCREATE TABLE cases (id TEXT PRIMARY KEY);\n",
	}), nil)

	result, err := env.engine.Validate("001_cases")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Len(t, result.Warnings, 1)

	_, err = env.engine.Validate("999_missing")
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}
