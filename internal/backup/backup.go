// Package backup takes and restores file-level snapshots of the store.
//
// The coordinator is intentionally dumb: it copies whole files and trusts
// the store's write-ahead journal for content consistency. It is invoked
// before risky schema changes and for disaster recovery, never during a
// live transaction.
package backup

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Metadata describes one backup file. Created on snapshot, deleted by an
// explicit Delete call, never mutated.
type Metadata struct {
	Filename  string    `json:"filename"`
	Filepath  string    `json:"filepath"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Error codes for backup failures.
const (
	ErrCodeSourceMissing = "SOURCE_MISSING"
	ErrCodeBackupMissing = "BACKUP_MISSING"
	ErrCodeCopyFailed    = "COPY_FAILED"
	ErrCodeBadFilename   = "BAD_FILENAME"
)

// Error is a backup/restore failure with a machine-readable code.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsMissing reports whether err is a missing source or backup file.
func IsMissing(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == ErrCodeSourceMissing || be.Code == ErrCodeBackupMissing
	}
	return false
}

// timestampFormat names backup files so byte-wise filename order matches
// creation order.
const timestampFormat = "20060102T150405.000000000"

// Coordinator snapshots and restores the store file.
type Coordinator struct {
	storePath string
	dir       string
	now       func() time.Time
}

// New creates a coordinator for the store file at storePath, keeping
// snapshots in dir. The directory is created on first use.
func New(storePath, dir string, now func() time.Time) *Coordinator {
	if now == nil {
		now = time.Now
	}
	return &Coordinator{storePath: storePath, dir: dir, now: now}
}

// Create copies the current store file into the backups directory.
// The filename is timestamped; a label, when given, is appended as a
// sanitized suffix. Fails if the source store does not exist.
func (c *Coordinator) Create(label string) (Metadata, error) {
	src, err := os.Stat(c.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, &Error{Code: ErrCodeSourceMissing, Message: fmt.Sprintf("store file %s does not exist", c.storePath), Err: err}
		}
		return Metadata{}, &Error{Code: ErrCodeCopyFailed, Message: "stat store file", Err: err}
	}
	if src.IsDir() {
		return Metadata{}, &Error{Code: ErrCodeSourceMissing, Message: fmt.Sprintf("store path %s is a directory", c.storePath)}
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return Metadata{}, &Error{Code: ErrCodeCopyFailed, Message: "create backups directory", Err: err}
	}

	name := c.now().UTC().Format(timestampFormat)
	if label != "" {
		name += "_" + sanitizeLabel(label)
	}
	name += filepath.Ext(c.storePath)

	dst := filepath.Join(c.dir, name)
	if err := copyFile(c.storePath, dst); err != nil {
		return Metadata{}, &Error{Code: ErrCodeCopyFailed, Message: fmt.Sprintf("copy store to %s", dst), Err: err}
	}

	info, err := os.Stat(dst)
	if err != nil {
		return Metadata{}, &Error{Code: ErrCodeCopyFailed, Message: "stat backup file", Err: err}
	}

	return Metadata{
		Filename:  name,
		Filepath:  dst,
		SizeBytes: info.Size(),
		CreatedAt: info.ModTime().UTC(),
	}, nil
}

// Restore copies the named backup over the live store path. Before
// overwriting anything it always takes an automatic pre-restore snapshot
// of the current state, so a bad restore is itself recoverable.
func (c *Coordinator) Restore(filename string) error {
	src, err := c.resolve(filename)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return &Error{Code: ErrCodeBackupMissing, Message: fmt.Sprintf("backup %s does not exist", filename), Err: err}
		}
		return &Error{Code: ErrCodeCopyFailed, Message: "stat backup file", Err: err}
	}

	if _, err := c.Create("pre-restore"); err != nil {
		return fmt.Errorf("pre-restore snapshot: %w", err)
	}

	if err := copyFile(src, c.storePath); err != nil {
		return &Error{Code: ErrCodeCopyFailed, Message: fmt.Sprintf("restore %s over store", filename), Err: err}
	}
	return nil
}

// List enumerates backups sorted newest-first by creation time.
// A missing backups directory is an empty list, not an error.
func (c *Coordinator) List() ([]Metadata, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Metadata{}, nil
		}
		return nil, fmt.Errorf("read backups directory: %w", err)
	}

	backups := make([]Metadata, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat backup %s: %w", entry.Name(), err)
		}
		backups = append(backups, Metadata{
			Filename:  entry.Name(),
			Filepath:  filepath.Join(c.dir, entry.Name()),
			SizeBytes: info.Size(),
			CreatedAt: info.ModTime().UTC(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		if !backups[i].CreatedAt.Equal(backups[j].CreatedAt) {
			return backups[i].CreatedAt.After(backups[j].CreatedAt)
		}
		// Timestamped filenames break creation-time ties.
		return backups[i].Filename > backups[j].Filename
	})
	return backups, nil
}

// Delete removes a backup file. Fails if it does not exist.
func (c *Coordinator) Delete(filename string) error {
	path, err := c.resolve(filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return &Error{Code: ErrCodeBackupMissing, Message: fmt.Sprintf("backup %s does not exist", filename), Err: err}
		}
		return fmt.Errorf("delete backup %s: %w", filename, err)
	}
	return nil
}

// resolve maps a backup filename to its path inside the backups directory,
// rejecting anything that would escape it.
func (c *Coordinator) resolve(filename string) (string, error) {
	if filename == "" || filename != filepath.Base(filename) {
		return "", &Error{Code: ErrCodeBadFilename, Message: fmt.Sprintf("invalid backup filename %q", filename)}
	}
	return filepath.Join(c.dir, filename), nil
}

// sanitizeLabel keeps labels filesystem-safe.
func sanitizeLabel(label string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, label)
}

// copyFile copies src to dst, truncating dst if it exists, and syncs the
// result to disk before returning.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
