// Package batch turns one cycle's new source rows into a named snapshot
// artifact and stages it on local disk for the publisher.
package batch

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"sensorsync/internal/fileutil"
	"sensorsync/internal/source"
	"sensorsync/internal/timestamp"
)

// ErrEmptyBatch is returned by Build when there are no rows to batch
var ErrEmptyBatch = errors.New("batch has no rows")

// NameLayout formats the cycle start time into a batch name (minute resolution)
const NameLayout = "2006_01_02_15h04"

// Header is the fixed artifact header
var Header = []string{"Temperature (C)", "Humidity (%)", "Date and Time"}

// Batch is an ordered, non-empty set of rows collected in one cycle
type Batch struct {
	Name      string
	Rows      []source.Row
	CreatedAt time.Time
}

// Name returns the batch file name for a cycle started at start
func Name(start time.Time) string {
	return start.Format(NameLayout) + ".csv"
}

// SuffixedName returns the n-th name for a cycle started at start. The first
// is Name(start); later ones tell apart cycles that started in the same
// minute.
func SuffixedName(start time.Time, n int) string {
	if n <= 1 {
		return Name(start)
	}
	return fmt.Sprintf("%s_%d.csv", start.Format(NameLayout), n)
}

// Build pairs rows with a name derived from start
func Build(rows []source.Row, start time.Time) (Batch, error) {
	if len(rows) == 0 {
		return Batch{}, ErrEmptyBatch
	}
	return Batch{
		Name:      Name(start),
		Rows:      rows,
		CreatedAt: start,
	}, nil
}

// Last returns the timestamp of the final row, the checkpoint value once the
// batch is published
func (b Batch) Last() time.Time {
	return b.Rows[len(b.Rows)-1].Timestamp
}

// Encode serializes the batch as header plus rows, in source column order.
// Fields are written as read from the source; quoting is only added where a
// field could not be read back otherwise.
func (b Batch) Encode() ([]byte, error) {
	var buf bytes.Buffer

	if err := writeRecord(&buf, Header); err != nil {
		return nil, err
	}
	for _, row := range b.Rows {
		if err := writeRecord(&buf, fields(row)); err != nil {
			return nil, fmt.Errorf("encoding batch %s: %w", b.Name, err)
		}
	}

	return buf.Bytes(), nil
}

func writeRecord(buf *bytes.Buffer, record []string) error {
	for _, field := range record {
		if strings.ContainsAny(field, ",\"\r\n") {
			w := csv.NewWriter(buf)
			if err := w.Write(record); err != nil {
				return err
			}
			w.Flush()
			return w.Error()
		}
	}

	buf.WriteString(strings.Join(record, ","))
	buf.WriteByte('\n')
	return nil
}

// Stage writes the artifact into dir and returns its path. The write is
// atomic and synced; on error nothing usable is left at the path.
func (b Batch) Stage(dir string) (string, error) {
	data, err := b.Encode()
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, b.Name)
	if err := fileutil.WriteAtomic(path, data, 0o644); err != nil {
		return "", fmt.Errorf("staging batch %s: %w", b.Name, err)
	}
	return path, nil
}

func fields(row source.Row) []string {
	if len(row.Raw) == source.Columns {
		return row.Raw
	}
	return []string{row.Temperature, row.Humidity, timestamp.Format(row.Timestamp)}
}
