package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"sensorsync/internal/timestamp"
)

// ErrMalformedRow marks a source row that cannot be read. It fails the whole
// extraction; rows are never skipped silently.
var ErrMalformedRow = errors.New("malformed source row")

// Columns is the fixed arity of a source row
const Columns = 3

// Row is one measurement read from the source log
type Row struct {
	Temperature string
	Humidity    string
	Timestamp   time.Time

	// Raw holds the fields as read, surrounding spaces included, so a batch
	// reproduces the source formatting
	Raw []string
}

// RowError reports where a malformed row was found
type RowError struct {
	Path string
	Line int
	Err  error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.Path, e.Line, e.Err)
}

func (e *RowError) Unwrap() []error {
	return []error{ErrMalformedRow, e.Err}
}

// Reader yields the rows appended since a checkpoint
type Reader interface {
	ReadSince(ctx context.Context, since time.Time) ([]Row, error)
}

// CSVReader reads the append-only sensor log. The first line is a header and
// is ignored; rows are assumed to be in timestamp order and are not re-sorted.
type CSVReader struct {
	path string
}

// NewCSVReader creates a reader for the log at path
func NewCSVReader(path string) *CSVReader {
	return &CSVReader{path: path}
}

// Path returns the source log location
func (r *CSVReader) Path() string {
	return r.path
}

// ReadSince returns rows with a timestamp strictly after since, in file order.
// A missing log is not an error: it yields no rows.
func (r *CSVReader) ReadSince(ctx context.Context, since time.Time) ([]Row, error) {
	f, err := os.Open(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening source %s: %w", r.path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	// Header row is ignored, an empty file has nothing to read
	if _, err := reader.Read(); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, &RowError{Path: r.path, Line: 1, Err: err}
	}

	var rows []Row
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		record, err := reader.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			line := 0
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				line = parseErr.Line
			}
			return nil, &RowError{Path: r.path, Line: line, Err: err}
		}

		line, _ := reader.FieldPos(0)
		row, err := parseRow(record)
		if err != nil {
			return nil, &RowError{Path: r.path, Line: line, Err: err}
		}

		if row.Timestamp.After(since) {
			rows = append(rows, row)
		}
	}
}

func parseRow(record []string) (Row, error) {
	if len(record) != Columns {
		return Row{}, fmt.Errorf("expected %d fields, got %d", Columns, len(record))
	}

	ts, err := timestamp.Parse(record[2])
	if err != nil {
		return Row{}, fmt.Errorf("invalid timestamp %q: %w", record[2], err)
	}

	return Row{
		Temperature: strings.TrimSpace(record[0]),
		Humidity:    strings.TrimSpace(record[1]),
		Timestamp:   ts,
		Raw:         record,
	}, nil
}
