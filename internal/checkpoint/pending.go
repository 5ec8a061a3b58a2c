package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"sensorsync/internal/fileutil"
	"sensorsync/internal/timestamp"
)

// Pending is a batch whose publish failed. A retry from the same checkpoint
// must reuse its name: the failed attempt may have reached the destination.
type Pending struct {
	Since time.Time
	Name  string
}

// PendingFile keeps the pending batch next to the checkpoint so it survives
// a restart. Format: the checkpoint the batch was cut from, then its name,
// one per line.
type PendingFile struct {
	path string
}

// NewPendingFile returns the pending record stored at path
func NewPendingFile(path string) *PendingFile {
	return &PendingFile{path: path}
}

// Path returns the record location
func (f *PendingFile) Path() string {
	return f.path
}

// Load returns the pending batch; ok is false when there is none
func (f *PendingFile) Load() (p Pending, ok bool, err error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Pending{}, false, nil
	}
	if err != nil {
		return Pending{}, false, fmt.Errorf("failed to read pending batch %s: %w", f.path, err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 || strings.TrimSpace(lines[1]) == "" {
		return Pending{}, false, fmt.Errorf("%w: pending batch %s has %d lines", ErrCorrupt, f.path, len(lines))
	}
	since, err := timestamp.Parse(lines[0])
	if err != nil {
		return Pending{}, false, fmt.Errorf("%w: pending batch %s: %v", ErrCorrupt, f.path, err)
	}

	return Pending{Since: since, Name: strings.TrimSpace(lines[1])}, true, nil
}

// Save records p, replacing any earlier record
func (f *PendingFile) Save(p Pending) error {
	data := timestamp.Format(p.Since) + "\n" + p.Name + "\n"
	return fileutil.WriteAtomic(f.path, []byte(data), 0o644)
}

// Clear removes the record
func (f *PendingFile) Clear() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
