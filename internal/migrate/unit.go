// Package migrate evolves the store schema across versions: ordered,
// checksummed, reversible migration units applied one transaction each,
// with drift detection against the persisted record of past applies.
package migrate

import (
	"bufio"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strings"
)

// Unit is a named, immutable migration definition: a forward block and an
// optional backward block. The name is the version; units are ordered by
// byte-wise ascending name comparison, so callers name them with a
// monotonically increasing prefix (001_init, 002_add_status, ...).
type Unit struct {
	Name string
	Up   string
	Down string

	// Source is the raw file content the checksum is computed over.
	Source string
}

// Checksum returns the content digest of the unit's source.
func (u Unit) Checksum() string {
	return Checksum(u.Source)
}

// Marker lines are case-insensitive: "-- UP" / "-- DOWN".
var (
	upMarker   = regexp.MustCompile(`(?i)^--\s*up\s*$`)
	downMarker = regexp.MustCompile(`(?i)^--\s*down\s*$`)
)

// structuralStmt matches the statement keywords a forward block must
// contain at least one of.
var structuralStmt = regexp.MustCompile(`(?i)\b(create|alter|insert|update)\b`)

// ParseUnit splits a unit's source into up and down blocks.
//
// Everything between "-- UP" and "-- DOWN" is the forward block,
// everything after "-- DOWN" is the backward block. When no marker is
// present at all, the whole source is the forward block and rollback is
// disabled for the unit.
func ParseUnit(name, source string) (Unit, error) {
	var up, down strings.Builder
	section := &up

	scanner := bufio.NewScanner(strings.NewReader(source))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case upMarker.MatchString(strings.TrimSpace(line)):
			section = &up
		case downMarker.MatchString(strings.TrimSpace(line)):
			section = &down
		default:
			section.WriteString(line)
			section.WriteString("\n")
		}
	}
	if err := scanner.Err(); err != nil {
		return Unit{}, fmt.Errorf("parse unit %q: %w", name, err)
	}

	return Unit{
		Name:   name,
		Up:     strings.TrimSpace(up.String()),
		Down:   strings.TrimSpace(down.String()),
		Source: source,
	}, nil
}

// ValidationResult is the outcome of static unit validation. Warnings are
// non-blocking; errors prevent execution.
type ValidationResult struct {
	Name     string   `json:"name"`
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Validate statically checks a unit: the forward block must be non-empty
// and contain at least one structural statement; a missing backward block
// is flagged as a warning because it disables rollback.
func (u Unit) Validate() ValidationResult {
	result := ValidationResult{Name: u.Name, Valid: true}

	if strings.TrimSpace(u.Up) == "" {
		result.Valid = false
		result.Errors = append(result.Errors, "up block is empty")
	} else if !structuralStmt.MatchString(u.Up) {
		result.Valid = false
		result.Errors = append(result.Errors, "up block contains no structural statement (create/alter/insert/update)")
	}

	if strings.TrimSpace(u.Down) == "" {
		result.Warnings = append(result.Warnings, "no down block: rollback is disabled for this unit")
	}

	return result
}

// LoadUnits reads every *.sql file in fsys and returns the parsed units
// in byte-ascending name order. The unit name is the filename without the
// .sql extension. Duplicate names cannot occur within one directory; the
// unique constraint on the record table guards against collisions across
// sources.
func LoadUnits(fsys fs.FS) ([]Unit, error) {
	files, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migration units: %w", err)
	}
	sort.Strings(files)

	units := make([]Unit, 0, len(files))
	for _, file := range files {
		body, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read migration unit %s: %w", file, err)
		}
		name := strings.TrimSuffix(file, ".sql")
		unit, err := ParseUnit(name, string(body))
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	return units, nil
}
