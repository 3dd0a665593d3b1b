package store

import "time"

// Migration record status values. The status column is the only mutable
// field of a migration record; checksum, name and applied_at never change
// after the row is created.
const (
	StatusApplied    = "applied"
	StatusRolledBack = "rolled_back"
	StatusFailed     = "failed"
)

// MigrationRecord is the persisted bookkeeping row for one migration unit.
type MigrationRecord struct {
	ID         int64
	Name       string
	Checksum   string
	AppliedAt  time.Time
	AppliedBy  string
	DurationMs int64
	Status     string
}

// AuditEntry is one persisted row of the hash-chained audit log.
//
// Details holds canonical JSON exactly as it was hashed; it is stored and
// rehashed verbatim so verification never depends on re-serialization.
type AuditEntry struct {
	Seq          int64
	Timestamp    time.Time
	EventType    string
	ResourceType string
	ResourceID   string
	Action       string
	Details      string
	Success      bool
	PrevHash     string
	EntryHash    string
}
