package migrate

import "github.com/roach88/custody/internal/canonical"

// Checksum computes the content digest of a migration unit's raw source.
// The digest is domain-separated so a unit body can never collide with an
// audit chain hash computed over the same bytes.
func Checksum(source string) string {
	return canonical.SourceChecksum(source)
}

// DriftWarning flags that a previously applied unit's on-disk definition
// no longer matches the digest recorded at apply time. Drift is a
// forensic signal, not a correctness gate: under the default policy it is
// audit-logged and reported but does not block the run.
type DriftWarning struct {
	Unit             string `json:"unit"`
	RecordedChecksum string `json:"recorded_checksum"`
	CurrentChecksum  string `json:"current_checksum"`
}
