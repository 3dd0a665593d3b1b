package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// exportEntry is the compliance-export projection of an Entry. Details is
// embedded as raw JSON rather than a quoted string in the JSON format.
type exportEntry struct {
	Seq          int64           `json:"seq"`
	Timestamp    string          `json:"timestamp"`
	EventType    string          `json:"event_type"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Action       string          `json:"action"`
	Details      json.RawMessage `json:"details"`
	Success      bool            `json:"success"`
	PrevHash     string          `json:"prev_hash"`
	EntryHash    string          `json:"entry_hash"`
}

// Export serializes the filtered entries to a JSON array or CSV table.
// Exports are for compliance hand-off only, never for re-import: the
// chain is forward-only.
func (c *Chain) Export(ctx context.Context, format string, f Filter) (string, error) {
	entries, err := c.Query(ctx, f)
	if err != nil {
		return "", fmt.Errorf("export: %w", err)
	}

	switch format {
	case FormatJSON:
		return exportJSON(entries)
	case FormatCSV:
		return exportCSV(entries)
	default:
		return "", fmt.Errorf("export: unsupported format %q (want %q or %q)", format, FormatJSON, FormatCSV)
	}
}

func exportJSON(entries []Entry) (string, error) {
	out := make([]exportEntry, len(entries))
	for i, e := range entries {
		out[i] = exportEntry{
			Seq:          e.Seq,
			Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
			EventType:    e.EventType,
			ResourceType: e.ResourceType,
			ResourceID:   e.ResourceID,
			Action:       e.Action,
			Details:      json.RawMessage(e.Details),
			Success:      e.Success,
			PrevHash:     e.PrevHash,
			EntryHash:    e.EntryHash,
		}
	}

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("export json: %w", err)
	}
	return string(b) + "\n", nil
}

var csvHeader = []string{
	"seq", "timestamp", "event_type", "resource_type", "resource_id",
	"action", "details", "success", "prev_hash", "entry_hash",
}

func exportCSV(entries []Entry) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return "", fmt.Errorf("export csv: %w", err)
	}
	for _, e := range entries {
		row := []string{
			strconv.FormatInt(e.Seq, 10),
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.EventType,
			e.ResourceType,
			e.ResourceID,
			e.Action,
			e.Details,
			strconv.FormatBool(e.Success),
			e.PrevHash,
			e.EntryHash,
		}
		if err := w.Write(row); err != nil {
			return "", fmt.Errorf("export csv: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("export csv: %w", err)
	}
	return buf.String(), nil
}
