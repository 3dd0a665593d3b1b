package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exportFixture() []Entry {
	return []Entry{
		{
			Seq:          1,
			Timestamp:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			EventType:    "migration.apply",
			ResourceType: "migration",
			ResourceID:   "001_init",
			Action:       "apply",
			Details:      `{"run_id":"r-1"}`,
			Success:      true,
			PrevHash:     "custody/genesis/v1",
			EntryHash:    "aaa111",
		},
		{
			Seq:          2,
			Timestamp:    time.Date(2026, 3, 1, 10, 0, 1, 500000000, time.UTC),
			EventType:    "backup.create",
			ResourceType: "backup",
			ResourceID:   "backup-001.db",
			Action:       "create",
			Details:      `{"a":"1","b":"2"}`,
			Success:      false,
			PrevHash:     "aaa111",
			EntryHash:    "bbb222",
		},
	}
}

func TestExportJSON(t *testing.T) {
	out, err := exportJSON(exportFixture())
	require.NoError(t, err)

	expected := `[
  {
    "seq": 1,
    "timestamp": "2026-03-01T10:00:00Z",
    "event_type": "migration.apply",
    "resource_type": "migration",
    "resource_id": "001_init",
    "action": "apply",
    "details": {
      "run_id": "r-1"
    },
    "success": true,
    "prev_hash": "custody/genesis/v1",
    "entry_hash": "aaa111"
  },
  {
    "seq": 2,
    "timestamp": "2026-03-01T10:00:01.5Z",
    "event_type": "backup.create",
    "resource_type": "backup",
    "resource_id": "backup-001.db",
    "action": "create",
    "details": {
      "a": "1",
      "b": "2"
    },
    "success": false,
    "prev_hash": "aaa111",
    "entry_hash": "bbb222"
  }
]
`
	assert.Equal(t, expected, out)
}

func TestExportCSV(t *testing.T) {
	out, err := exportCSV(exportFixture())
	require.NoError(t, err)

	expected := "seq,timestamp,event_type,resource_type,resource_id,action,details,success,prev_hash,entry_hash\n" +
		"1,2026-03-01T10:00:00Z,migration.apply,migration,001_init,apply,\"{\"\"run_id\"\":\"\"r-1\"\"}\",true,custody/genesis/v1,aaa111\n" +
		"2,2026-03-01T10:00:01.5Z,backup.create,backup,backup-001.db,create,\"{\"\"a\"\":\"\"1\"\",\"\"b\"\":\"\"2\"\"}\",false,aaa111,bbb222\n"
	assert.Equal(t, expected, out)
}

func TestExport_EmptyChain(t *testing.T) {
	chain, _ := newTestChain(t)
	ctx := context.Background()

	jsonOut, err := chain.Export(ctx, FormatJSON, Filter{})
	require.NoError(t, err)
	assert.Equal(t, "[]\n", jsonOut)

	csvOut, err := chain.Export(ctx, FormatCSV, Filter{})
	require.NoError(t, err)
	assert.Equal(t, "seq,timestamp,event_type,resource_type,resource_id,action,details,success,prev_hash,entry_hash\n", csvOut)
}

func TestExport_UnsupportedFormat(t *testing.T) {
	chain, _ := newTestChain(t)

	_, err := chain.Export(context.Background(), "xml", Filter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format")
}

func TestExport_RespectsFilters(t *testing.T) {
	chain, _ := newTestChain(t)
	ctx := context.Background()

	chain.Log(ctx, caseEvent("c-1"))
	chain.Log(ctx, Event{
		EventType:    "evidence.create",
		ResourceType: "evidence",
		ResourceID:   "e-1",
		Action:       "create",
		Success:      true,
	})

	out, err := chain.Export(ctx, FormatCSV, Filter{EventType: "evidence.create"})
	require.NoError(t, err)

	assert.Contains(t, out, "evidence.create")
	assert.NotContains(t, out, "case.update")
}
