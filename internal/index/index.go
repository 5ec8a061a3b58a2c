// Package index maintains the batch index: an append-only ledger with one
// "<folder>/<batch_name>" line per published batch, read by downstream
// consumers to discover batches without listing the destination.
package index

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Entry returns the index line for a batch stored under folder
func Entry(folder, name string) string {
	if folder == "" {
		return name
	}
	return path.Join(filepath.ToSlash(folder), name)
}

// Parse splits index content into entries, skipping blank lines
func Parse(data []byte) []string {
	var entries []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			entries = append(entries, line)
		}
	}
	return entries
}

// Contains reports whether data already lists entry
func Contains(data []byte, entry string) bool {
	for _, e := range Parse(data) {
		if e == entry {
			return true
		}
	}
	return false
}

// Append returns data with entry added at the end. The existing content is
// kept byte for byte; changed is false when entry was already present.
func Append(data []byte, entry string) (out []byte, changed bool) {
	if Contains(data, entry) {
		return data, false
	}

	out = make([]byte, 0, len(data)+len(entry)+2)
	out = append(out, data...)
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	out = append(out, entry...)
	out = append(out, '\n')
	return out, true
}

// File is an index kept on local disk
type File struct {
	path string
}

// NewFile returns the index stored at path
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the index file location
func (f *File) Path() string {
	return f.path
}

// Read returns all entries; a missing file is an empty index
func (f *File) Read() ([]string, error) {
	data, err := f.read()
	if err != nil {
		return nil, err
	}
	return Parse(data), nil
}

// Append adds entry unless it is already listed. The file is only ever
// appended to, never rewritten.
func (f *File) Append(entry string) (bool, error) {
	data, err := f.read()
	if err != nil {
		return false, err
	}

	updated, changed := Append(data, entry)
	if !changed {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return false, fmt.Errorf("creating index directory: %w", err)
	}
	out, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return false, fmt.Errorf("opening index %s: %w", f.path, err)
	}
	defer out.Close()

	if _, err := out.Write(updated[len(data):]); err != nil {
		return false, fmt.Errorf("appending to index %s: %w", f.path, err)
	}
	if err := out.Sync(); err != nil {
		return false, fmt.Errorf("syncing index %s: %w", f.path, err)
	}
	return true, nil
}

func (f *File) read() ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading index %s: %w", f.path, err)
	}
	return data, nil
}
