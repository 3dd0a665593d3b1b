package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// timeFormat is how applied_at is persisted. RFC 3339 with nanoseconds
// round-trips exactly through parse/format.
const timeFormat = time.RFC3339Nano

// ErrNoRecord is returned when no migration record exists for a name.
var ErrNoRecord = errors.New("no migration record")

// GetMigrationRecord returns the record for the given unit name,
// or ErrNoRecord if the unit has never been applied.
func (s *Store) GetMigrationRecord(ctx context.Context, name string) (MigrationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, checksum, applied_at, applied_by, duration_ms, status
		FROM schema_migrations
		WHERE name = ?
	`, name)

	rec, err := scanMigrationRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return MigrationRecord{}, fmt.Errorf("migration %q: %w", name, ErrNoRecord)
	}
	if err != nil {
		return MigrationRecord{}, fmt.Errorf("get migration record: %w", err)
	}
	return rec, nil
}

// ListMigrationRecords returns all records in byte-ascending name order.
func (s *Store) ListMigrationRecords(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, checksum, applied_at, applied_by, duration_ms, status
		FROM schema_migrations
		ORDER BY name COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query migration records: %w", err)
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		rec, err := scanMigrationRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan migration record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migration records: %w", err)
	}

	if records == nil {
		records = []MigrationRecord{}
	}
	return records, nil
}

// ApplyMigration executes a unit's forward statements and records the
// apply in a single transaction. The execution is timed with now (nil
// means time.Now) and the measured duration lands on the persisted
// record; the record as persisted is returned. If a record already
// exists for the name (a previously rolled-back unit) only its status
// flips back to applied; checksum, applied_at and applied_by are
// immutable once written.
//
// On any execution error the transaction is rolled back and the store is
// left exactly as it was.
func (s *Store) ApplyMigration(ctx context.Context, upSQL string, rec MigrationRecord, now func() time.Time) (MigrationRecord, error) {
	if now == nil {
		now = time.Now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MigrationRecord{}, fmt.Errorf("apply migration: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	start := now()
	if _, err := tx.ExecContext(ctx, upSQL); err != nil {
		return MigrationRecord{}, fmt.Errorf("apply migration %q: %w", rec.Name, err)
	}
	rec.DurationMs = now().Sub(start).Milliseconds()

	res, err := tx.ExecContext(ctx, `
		UPDATE schema_migrations SET status = ? WHERE name = ?
	`, StatusApplied, rec.Name)
	if err != nil {
		return MigrationRecord{}, fmt.Errorf("apply migration %q: update record: %w", rec.Name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return MigrationRecord{}, fmt.Errorf("apply migration %q: rows affected: %w", rec.Name, err)
	}

	if affected == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO schema_migrations
			(name, checksum, applied_at, applied_by, duration_ms, status)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			rec.Name,
			rec.Checksum,
			rec.AppliedAt.UTC().Format(timeFormat),
			rec.AppliedBy,
			rec.DurationMs,
			StatusApplied,
		)
		if err != nil {
			return MigrationRecord{}, fmt.Errorf("apply migration %q: insert record: %w", rec.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return MigrationRecord{}, fmt.Errorf("apply migration %q: commit: %w", rec.Name, err)
	}
	rec.Status = StatusApplied
	return rec, nil
}

// RollbackMigration executes a unit's down statements and flips the record
// status to rolled_back in a single transaction.
func (s *Store) RollbackMigration(ctx context.Context, downSQL, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("rollback migration: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, downSQL); err != nil {
		return fmt.Errorf("rollback migration %q: %w", name, err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE schema_migrations SET status = ? WHERE name = ? AND status = ?
	`, StatusRolledBack, name, StatusApplied)
	if err != nil {
		return fmt.Errorf("rollback migration %q: update record: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rollback migration %q: rows affected: %w", name, err)
	}
	if affected == 0 {
		return fmt.Errorf("rollback migration %q: %w", name, ErrNoRecord)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rollback migration %q: commit: %w", name, err)
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan logic.
type scanner interface {
	Scan(dest ...any) error
}

func scanMigrationRecord(sc scanner) (MigrationRecord, error) {
	var rec MigrationRecord
	var appliedAt string
	if err := sc.Scan(&rec.ID, &rec.Name, &rec.Checksum, &appliedAt, &rec.AppliedBy, &rec.DurationMs, &rec.Status); err != nil {
		return MigrationRecord{}, err
	}

	t, err := time.Parse(timeFormat, appliedAt)
	if err != nil {
		return MigrationRecord{}, fmt.Errorf("parse applied_at %q: %w", appliedAt, err)
	}
	rec.AppliedAt = t
	return rec, nil
}
