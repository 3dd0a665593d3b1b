// Package audit maintains the hash-chained, tamper-evident log of
// sensitive operations.
//
// The chain is append-only: each entry's hash commits to the previous
// entry's hash, so any retroactive edit to a persisted entry is detectable
// by VerifyIntegrity. The chain is the sole writer of the audit_log table;
// everything else reads through Query.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/roach88/custody/internal/canonical"
	"github.com/roach88/custody/internal/store"
)

// Entry is one persisted audit log entry.
type Entry = store.AuditEntry

// Filter narrows Query results. Zero values mean "no filter".
type Filter = store.AuditFilter

// Event is the caller-facing description of a sensitive operation.
// Details must contain only strings, ints, bools, nested maps and slices;
// never raw secrets or plaintext payloads.
type Event struct {
	EventType    string
	ResourceType string
	ResourceID   string
	Action       string
	Details      map[string]any
	Success      bool
}

// Default bounds for the audit write path.
const (
	// DefaultLockTimeout bounds how long Log waits for the chain lock
	// before degrading to the fallback sink. The audit path must never
	// block a business operation indefinitely.
	DefaultLockTimeout = 2 * time.Second

	// DefaultMaxDetailsBytes caps the canonical size of an event's
	// details payload.
	DefaultMaxDetailsBytes = 64 * 1024
)

// Chain is the append-only audit log writer.
//
// Log never returns an error: any internal failure is diverted to the
// fallback zerolog sink so a broken audit subsystem cannot crash or block
// the calling business operation. Migration and backup errors fail loud;
// audit errors fail quiet. That asymmetry is deliberate.
type Chain struct {
	store    *store.Store
	fallback zerolog.Logger

	// sem serializes the read-latest-hash/insert cycle. Two concurrent
	// writers must never both chain off the same predecessor.
	sem chan struct{}

	lockTimeout     time.Duration
	maxDetailsBytes int
	now             func() time.Time
}

// Option configures a Chain.
type Option func(*Chain)

// WithLockTimeout bounds chain lock acquisition.
func WithLockTimeout(d time.Duration) Option {
	return func(c *Chain) { c.lockTimeout = d }
}

// WithMaxDetailsBytes caps the canonical details size.
func WithMaxDetailsBytes(n int) Option {
	return func(c *Chain) { c.maxDetailsBytes = n }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

// New creates an audit chain writing to st, with internal failures
// reported to fallback.
func New(st *store.Store, fallback zerolog.Logger, opts ...Option) *Chain {
	c := &Chain{
		store:           st,
		fallback:        fallback,
		sem:             make(chan struct{}, 1),
		lockTimeout:     DefaultLockTimeout,
		maxDetailsBytes: DefaultMaxDetailsBytes,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Log appends an event to the chain. It never returns an error: on any
// internal failure the event is written to the fallback sink instead, and
// the caller proceeds unaware.
func (c *Chain) Log(ctx context.Context, ev Event) {
	if err := c.append(ctx, ev); err != nil {
		c.fallback.Error().
			Err(err).
			Str("event_type", ev.EventType).
			Str("resource_type", ev.ResourceType).
			Str("resource_id", ev.ResourceID).
			Str("action", ev.Action).
			Bool("success", ev.Success).
			Msg("audit chain write failed, event diverted to fallback sink")
	}
}

// Query returns entries matching the filter in ascending sequence order.
func (c *Chain) Query(ctx context.Context, f Filter) ([]Entry, error) {
	return c.store.QueryAuditEntries(ctx, f)
}

// append performs the serialized read-latest/hash/insert cycle.
func (c *Chain) append(ctx context.Context, ev Event) error {
	detailsJSON, err := marshalDetails(ev.Details)
	if err != nil {
		return err
	}
	if len(detailsJSON) > c.maxDetailsBytes {
		return fmt.Errorf("details payload too large: %d bytes (max %d)", len(detailsJSON), c.maxDetailsBytes)
	}

	// Bounded lock acquisition: degrade rather than queue indefinitely.
	select {
	case c.sem <- struct{}{}:
	case <-time.After(c.lockTimeout):
		return fmt.Errorf("chain lock not acquired within %s", c.lockTimeout)
	case <-ctx.Done():
		return fmt.Errorf("chain lock: %w", ctx.Err())
	}
	defer func() { <-c.sem }()

	prevHash := canonical.GenesisHash
	seq := int64(1)
	if latest, ok, err := c.store.LatestAuditEntry(ctx); err != nil {
		return err
	} else if ok {
		prevHash = latest.EntryHash
		seq = latest.Seq + 1
	}

	entry := Entry{
		Seq:          seq,
		Timestamp:    c.now().UTC(),
		EventType:    ev.EventType,
		ResourceType: ev.ResourceType,
		ResourceID:   ev.ResourceID,
		Action:       ev.Action,
		Details:      string(detailsJSON),
		Success:      ev.Success,
		PrevHash:     prevHash,
	}

	hash, err := entryHash(entry)
	if err != nil {
		return err
	}
	entry.EntryHash = hash

	return c.store.InsertAuditEntry(ctx, entry)
}

// marshalDetails canonicalizes an event's details. Nil details become an
// empty object so every row holds valid canonical JSON.
func marshalDetails(details map[string]any) ([]byte, error) {
	if details == nil {
		details = map[string]any{}
	}
	b, err := canonical.MarshalJSON(details)
	if err != nil {
		return nil, fmt.Errorf("canonicalize details: %w", err)
	}
	return b, nil
}

// entryHash computes the chain hash over every field except EntryHash.
// The stored Details string is hashed verbatim, never re-serialized.
func entryHash(e Entry) (string, error) {
	payload := map[string]any{
		"seq":           e.Seq,
		"ts":            e.Timestamp.UTC().UnixNano(),
		"event_type":    e.EventType,
		"resource_type": e.ResourceType,
		"resource_id":   e.ResourceID,
		"action":        e.Action,
		"details":       e.Details,
		"success":       e.Success,
		"prev_hash":     e.PrevHash,
	}

	canonicalBytes, err := canonical.MarshalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry: %w", err)
	}

	return canonical.ChainHash(e.PrevHash, canonicalBytes), nil
}
