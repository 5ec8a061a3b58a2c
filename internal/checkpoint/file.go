package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"sensorsync/internal/fileutil"
	"sensorsync/internal/timestamp"
)

// FileStore keeps the checkpoint as a single line of text, the same format
// as the source log's timestamp column.
type FileStore struct {
	path string
	def  time.Time
}

// NewFileStore creates a file-backed store. def is returned by Load while the
// file does not exist.
func NewFileStore(path string, def time.Time) *FileStore {
	return &FileStore{path: path, def: def}
}

// Path returns the checkpoint file location
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the checkpoint file
func (s *FileStore) Load(ctx context.Context) (time.Time, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return s.def, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read checkpoint %s: %w", s.path, err)
	}

	ts, err := timestamp.Parse(string(data))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s contains %q: %v", ErrCorrupt, s.path, strings.TrimSpace(string(data)), err)
	}
	return ts, nil
}

// Save writes the checkpoint through a synced temp file and a rename, so the
// file holds either the old or the new value after a crash.
func (s *FileStore) Save(ctx context.Context, ts time.Time, _ string) error {
	return fileutil.WriteAtomic(s.path, []byte(timestamp.Format(ts)), 0o644)
}

// Close is a no-op for the file store
func (s *FileStore) Close() error {
	return nil
}
