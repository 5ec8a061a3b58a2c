package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"sensorsync/internal/batch"
	"sensorsync/internal/checkpoint"
	"sensorsync/internal/metrics"
	"sensorsync/internal/timestamp"

	"go.uber.org/zap"
)

// Outcome is how a cycle ended
type Outcome string

// Cycle outcomes
const (
	Idle      Outcome = metrics.OutcomeIdle
	Published Outcome = metrics.OutcomePublished
	Held      Outcome = metrics.OutcomeHeld
	Aborted   Outcome = metrics.OutcomeAborted
)

// CycleResult describes one finished cycle
type CycleResult struct {
	Outcome Outcome
	// Checkpoint is the checkpoint after the cycle
	Checkpoint time.Time
	// Batch is the batch name, empty when the cycle was idle
	Batch string
	Rows  int
	// Err is the non-fatal error behind a held or aborted cycle
	Err error
}

// maxNameSuffix bounds the search for a free batch name within one minute
const maxNameSuffix = 100

// cycle carries the state of one pass through the loop
type cycle struct {
	start  time.Time
	since  time.Time
	batch  batch.Batch
	path   string
	logger *zap.Logger
}

// RunCycle runs LoadCheckpoint, Extract, Build, Publish and Advance once.
// Malformed rows, staging failures and publish failures end the cycle with
// the checkpoint untouched and are reported in the result. A returned error
// is fatal: the checkpoint could not be loaded, or could not be saved after a
// confirmed publish.
func (a *Agent) RunCycle(ctx context.Context) (CycleResult, error) {
	c := &cycle{start: a.now()}
	c.logger = a.logger.With(zap.String("cycle", c.start.Format(time.RFC3339)))

	since, err := a.checkpoint.Load(ctx)
	if err != nil {
		c.logger.Error("Failed to load checkpoint", zap.String("state", "load_checkpoint"), zap.Error(err))
		return CycleResult{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	c.since = since
	a.metrics.SetCheckpoint(since)
	c.logger.Debug("Checkpoint loaded", zap.String("state", "load_checkpoint"), zap.String("checkpoint", timestamp.Format(since)))

	rows, err := a.source.ReadSince(ctx, since)
	if err != nil {
		c.logger.Error("Failed to extract new rows", zap.String("state", "extract"), zap.Error(err))
		return a.finish(c, CycleResult{Outcome: Aborted, Err: err}), nil
	}

	if len(rows) == 0 {
		c.logger.Info("No new rows", zap.String("state", "idle"), zap.String("checkpoint", timestamp.Format(since)))
		return a.finish(c, CycleResult{Outcome: Idle}), nil
	}

	c.batch, err = batch.Build(rows, c.start)
	if err != nil {
		return a.finish(c, CycleResult{Outcome: Aborted, Err: err}), nil
	}

	if p := a.loadPending(c); p != nil && p.Since.Equal(since) {
		// The failed attempt may have landed; overwrite it rather than add
		// a second batch carrying the same rows
		c.batch.Name = p.Name
		c.logger.Info("Reusing batch name from failed publish", zap.String("batch", p.Name))
	} else {
		c.batch.Name, err = a.freeName(ctx, c.start)
		if err != nil {
			c.logger.Error("Failed to pick a batch name", zap.String("state", "build"), zap.Error(err))
			return a.finish(c, CycleResult{Outcome: Aborted, Rows: len(rows), Err: err}), nil
		}
	}
	c.logger = c.logger.With(zap.String("batch", c.batch.Name))

	c.path, err = c.batch.Stage(a.stagingDir)
	if err != nil {
		c.logger.Error("Failed to stage batch", zap.String("state", "build"), zap.Error(err))
		return a.finish(c, CycleResult{Outcome: Aborted, Batch: c.batch.Name, Rows: len(rows), Err: err}), nil
	}
	c.logger.Info("Batch staged",
		zap.String("state", "build"),
		zap.String("path", c.path),
		zap.Int("rows", len(rows)),
	)

	started := time.Now()
	err = a.publisher.Publish(ctx, c.batch, c.path)
	a.metrics.ObserveDuration(time.Since(started))
	if err != nil {
		a.setPending(c, &checkpoint.Pending{Since: since, Name: c.batch.Name})
		c.logger.Error("Publish failed, holding checkpoint",
			zap.String("state", "hold"),
			zap.String("checkpoint", timestamp.Format(since)),
			zap.Error(err),
		)
		return a.finish(c, CycleResult{Outcome: Held, Batch: c.batch.Name, Rows: len(rows), Err: err}), nil
	}

	last := c.batch.Last()
	if err := a.checkpoint.Save(ctx, last, c.batch.Name); err != nil {
		// The destination already holds the batch; carrying on would publish
		// it again every cycle
		c.logger.Error("Failed to save checkpoint after publish",
			zap.String("state", "advance"),
			zap.String("checkpoint", timestamp.Format(last)),
			zap.Error(err),
		)
		return CycleResult{}, fmt.Errorf("failed to save checkpoint %s after publishing %s: %w",
			timestamp.Format(last), c.batch.Name, err)
	}

	a.setPending(c, nil)
	c.since = last
	a.metrics.AddPublished(c.batch.Name, len(rows))
	a.metrics.SetCheckpoint(last)
	c.logger.Info("Checkpoint advanced",
		zap.String("state", "advance"),
		zap.String("checkpoint", timestamp.Format(last)),
		zap.Int("rows", len(rows)),
	)

	return a.finish(c, CycleResult{Outcome: Published, Batch: c.batch.Name, Rows: len(rows)}), nil
}

func (a *Agent) finish(c *cycle, res CycleResult) CycleResult {
	res.Checkpoint = c.since
	a.metrics.IncCycle(string(res.Outcome))
	return res
}

// freeName returns the first name for start that no earlier batch uses, so a
// restart or a manual run within the same minute never replaces a published
// artifact
func (a *Agent) freeName(ctx context.Context, start time.Time) (string, error) {
	for n := 1; n <= maxNameSuffix; n++ {
		name := batch.SuffixedName(start, n)
		taken, err := a.nameTaken(ctx, name)
		if err != nil {
			return "", err
		}
		if !taken {
			return name, nil
		}
	}
	return "", fmt.Errorf("no free batch name for %s after %d attempts", batch.Name(start), maxNameSuffix)
}

func (a *Agent) nameTaken(ctx context.Context, name string) (bool, error) {
	if _, err := os.Stat(filepath.Join(a.stagingDir, name)); err == nil {
		return true, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if a.lister == nil {
		return false, nil
	}
	return a.lister.Exists(ctx, name)
}

// loadPending returns the held batch, reading the pending file on first use
func (a *Agent) loadPending(c *cycle) *checkpoint.Pending {
	if !a.pendingLoaded && a.pendingFile != nil {
		a.pendingLoaded = true
		p, ok, err := a.pendingFile.Load()
		if err != nil {
			c.logger.Warn("Ignoring unreadable pending batch record", zap.String("path", a.pendingFile.Path()), zap.Error(err))
		} else if ok {
			a.pending = &p
		}
	}
	return a.pending
}

func (a *Agent) setPending(c *cycle, p *checkpoint.Pending) {
	a.pending = p
	if a.pendingFile == nil {
		return
	}

	var err error
	if p == nil {
		err = a.pendingFile.Clear()
	} else {
		err = a.pendingFile.Save(*p)
	}
	if err != nil {
		c.logger.Warn("Failed to record pending batch", zap.String("path", a.pendingFile.Path()), zap.Error(err))
	}
}
