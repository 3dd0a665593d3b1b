package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashWithDomain_DomainSeparation(t *testing.T) {
	payload := []byte("identical payload")

	a := HashWithDomain(DomainAuditEntry, payload)
	b := HashWithDomain(DomainMigration, payload)

	assert.NotEqual(t, a, b, "same payload under different domains must not collide")
}

func TestHashWithDomain_HexEncoded(t *testing.T) {
	h := HashWithDomain(DomainAuditEntry, []byte("x"))
	require.Len(t, h, 64)
	for _, c := range h {
		assert.True(t, (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f'), "non-hex rune %q", c)
	}
}

func TestHashWithDomain_BoundaryAmbiguity(t *testing.T) {
	// The null separator means domain+payload boundaries can't be shifted.
	a := HashWithDomain("custody/a", []byte("bc"))
	b := HashWithDomain("custody/ab", []byte("c"))
	assert.NotEqual(t, a, b)
}

func TestChainHash_DependsOnPrevHash(t *testing.T) {
	canonicalBytes := []byte(`{"action":"create"}`)

	a := ChainHash(GenesisHash, canonicalBytes)
	b := ChainHash("some-other-predecessor", canonicalBytes)

	assert.NotEqual(t, a, b)
}

func TestChainHash_DependsOnPayload(t *testing.T) {
	a := ChainHash(GenesisHash, []byte(`{"action":"create"}`))
	b := ChainHash(GenesisHash, []byte(`{"action":"delete"}`))

	assert.NotEqual(t, a, b)
}

func TestSourceChecksum_Stable(t *testing.T) {
	source := "-- UP\nCREATE TABLE cases (id INTEGER);\n-- DOWN\nDROP TABLE cases;\n"

	first := SourceChecksum(source)
	second := SourceChecksum(source)
	assert.Equal(t, first, second)
}

func TestSourceChecksum_SingleByteEdit(t *testing.T) {
	source := "-- UP\nCREATE TABLE cases (id INTEGER);\n"
	edited := "-- UP\nCREATE TABLE cases (id INTEGER) ;\n"

	assert.NotEqual(t, SourceChecksum(source), SourceChecksum(edited))
}
