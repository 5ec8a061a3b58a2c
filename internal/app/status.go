package app

import (
	"context"
	"fmt"
	"time"

	"sensorsync/internal/checkpoint"
)

// StatusReport is what `sensorsync status` prints
type StatusReport struct {
	Checkpoint time.Time
	// Backlog is the number of source rows waiting to be published
	Backlog int
	// BacklogErr is set when the source could not be read
	BacklogErr     error
	Published      int64
	PublishedBytes int64
	History        []checkpoint.Record
}

// Status reports the checkpoint, the unpublished backlog and the batches at
// the destination. History is filled only for stores that keep one.
func (a *Agent) Status(ctx context.Context, historyLimit int) (StatusReport, error) {
	var report StatusReport

	ts, err := a.checkpoint.Load(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	report.Checkpoint = ts

	rows, err := a.source.ReadSince(ctx, ts)
	if err != nil {
		report.BacklogErr = err
	}
	report.Backlog = len(rows)

	if a.lister != nil {
		report.Published, report.PublishedBytes, err = a.lister.CountPublished(ctx)
		if err != nil {
			return report, fmt.Errorf("failed to count published batches: %w", err)
		}
	}

	if h, ok := a.checkpoint.(checkpoint.Historian); ok && historyLimit > 0 {
		report.History, err = h.History(ctx, historyLimit)
		if err != nil {
			return report, fmt.Errorf("failed to read checkpoint history: %w", err)
		}
	}

	return report, nil
}
