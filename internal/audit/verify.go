package audit

import (
	"context"
	"fmt"

	"github.com/roach88/custody/internal/canonical"
)

// IntegrityReport is the result of recomputing the hash chain.
//
// A broken chain is a detection result, not an error: callers are expected
// to branch on Valid, so VerifyIntegrity returns a report field rather
// than failing. The error return covers only store-level read failures.
type IntegrityReport struct {
	// Valid is true only if the recomputed chain matches every stored
	// hash exactly, genesis through latest.
	Valid bool `json:"valid"`

	// Entries is the number of entries examined.
	Entries int64 `json:"entries"`

	// TamperSeq is the sequence of the first entry whose stored hashes do
	// not match the recomputed chain. Zero when Valid.
	TamperSeq int64 `json:"tamper_seq,omitempty"`

	// Reason describes what broke at TamperSeq. Empty when Valid.
	Reason string `json:"reason,omitempty"`
}

// VerifyIntegrity recomputes the hash chain from the genesis constant
// forward across every persisted entry in sequence order. The first entry
// whose stored linkage or hash does not match is the tamper point.
func (c *Chain) VerifyIntegrity(ctx context.Context) (IntegrityReport, error) {
	entries, err := c.store.QueryAuditEntries(ctx, Filter{})
	if err != nil {
		return IntegrityReport{}, fmt.Errorf("verify integrity: %w", err)
	}

	report := IntegrityReport{Valid: true, Entries: int64(len(entries))}

	prevHash := canonical.GenesisHash
	expectedSeq := int64(1)
	for _, e := range entries {
		if e.Seq != expectedSeq {
			return tampered(report, e.Seq, fmt.Sprintf("sequence gap: expected %d, found %d", expectedSeq, e.Seq)), nil
		}
		if e.PrevHash != prevHash {
			return tampered(report, e.Seq, "previous-hash link does not match predecessor"), nil
		}

		recomputed, err := entryHash(e)
		if err != nil {
			return tampered(report, e.Seq, fmt.Sprintf("entry not canonicalizable: %v", err)), nil
		}
		if recomputed != e.EntryHash {
			return tampered(report, e.Seq, "stored entry hash does not match recomputed hash"), nil
		}

		prevHash = e.EntryHash
		expectedSeq++
	}

	return report, nil
}

func tampered(r IntegrityReport, seq int64, reason string) IntegrityReport {
	r.Valid = false
	r.TamperSeq = seq
	r.Reason = reason
	return r
}
