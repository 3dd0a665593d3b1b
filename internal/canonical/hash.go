package canonical

import (
	"crypto/sha256"
	"encoding/hex"
)

// Domain prefixes for content digests.
// Version suffix enables future algorithm migration.
const (
	DomainAuditEntry = "custody/audit/v1"
	DomainMigration  = "custody/migration/v1"
)

// GenesisHash is the fixed previous-hash value for the very first entry in
// the audit chain. It is a well-known constant, not a digest of anything.
const GenesisHash = "custody/genesis/v1"

// HashWithDomain computes a SHA-256 digest with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ChainHash computes the hash of an audit entry given its predecessor's
// hash and the entry's canonical serialization. The previous hash is bound
// into the digest directly, in addition to appearing as a field of the
// canonical payload, so a forged predecessor cannot produce a colliding
// entry hash.
// Format: SHA256(domain + 0x00 + prevHash + 0x00 + canonical)
func ChainHash(prevHash string, canonicalBytes []byte) string {
	h := sha256.New()
	h.Write([]byte(DomainAuditEntry))
	h.Write([]byte{0x00})
	h.Write([]byte(prevHash))
	h.Write([]byte{0x00})
	h.Write(canonicalBytes)
	return hex.EncodeToString(h.Sum(nil))
}

// SourceChecksum computes the content digest of a migration unit's raw
// source text. Stable for unchanged input; any single-byte edit to an
// already-applied unit shows up as checksum drift.
func SourceChecksum(source string) string {
	return HashWithDomain(DomainMigration, []byte(source))
}
