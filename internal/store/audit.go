package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AuditFilter narrows audit log queries. Zero values mean "no filter".
type AuditFilter struct {
	EventType    string
	ResourceType string
	ResourceID   string
	Since        time.Time
	Until        time.Time
}

// InsertAuditEntry appends one entry to the audit log with an explicit
// sequence number. The caller (the audit chain) is responsible for
// serializing the read-latest/insert cycle; this method only persists.
func (s *Store) InsertAuditEntry(ctx context.Context, e AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log
		(seq, ts, event_type, resource_type, resource_id, action, details, success, prev_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.Seq,
		e.Timestamp.UTC().UnixNano(),
		e.EventType,
		e.ResourceType,
		e.ResourceID,
		e.Action,
		e.Details,
		e.Success,
		e.PrevHash,
		e.EntryHash,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// LatestAuditEntry returns the highest-sequence entry, or ok=false when
// the log is empty.
func (s *Store) LatestAuditEntry(ctx context.Context) (AuditEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, ts, event_type, resource_type, resource_id, action, details, success, prev_hash, entry_hash
		FROM audit_log
		ORDER BY seq DESC
		LIMIT 1
	`)

	e, err := scanAuditEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AuditEntry{}, false, nil
	}
	if err != nil {
		return AuditEntry{}, false, fmt.Errorf("latest audit entry: %w", err)
	}
	return e, true, nil
}

// QueryAuditEntries returns entries matching the filter in ascending
// sequence order. Returns an empty slice (not nil) when nothing matches.
func (s *Store) QueryAuditEntries(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	var conds []string
	var args []any

	if f.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, f.EventType)
	}
	if f.ResourceType != "" {
		conds = append(conds, "resource_type = ?")
		args = append(args, f.ResourceType)
	}
	if f.ResourceID != "" {
		conds = append(conds, "resource_id = ?")
		args = append(args, f.ResourceID)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, f.Since.UTC().UnixNano())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "ts <= ?")
		args = append(args, f.Until.UTC().UnixNano())
	}

	query := `
		SELECT seq, ts, event_type, resource_type, resource_id, action, details, success, prev_hash, entry_hash
		FROM audit_log
	`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}

	if entries == nil {
		entries = []AuditEntry{}
	}
	return entries, nil
}

func scanAuditEntry(sc scanner) (AuditEntry, error) {
	var e AuditEntry
	var ts int64
	if err := sc.Scan(&e.Seq, &ts, &e.EventType, &e.ResourceType, &e.ResourceID, &e.Action, &e.Details, &e.Success, &e.PrevHash, &e.EntryHash); err != nil {
		return AuditEntry{}, err
	}
	e.Timestamp = time.Unix(0, ts).UTC()
	return e, nil
}
