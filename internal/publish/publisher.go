// Package publish hands staged batches to the destination. A publish is one
// logical transaction: synchronize with the remote, stage the artifact and
// the index entry, commit, push. Any failing step fails the whole publish.
package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sensorsync/internal/batch"
	"sensorsync/internal/index"

	"go.uber.org/zap"
)

// ErrPublish wraps every publish failure
var ErrPublish = errors.New("publish failed")

// Publisher durably delivers a staged batch. A nil error means the artifact
// is present and discoverable at the destination. Publishing the same batch
// again must leave the destination as a single publish would.
type Publisher interface {
	Publish(ctx context.Context, b batch.Batch, path string) error
	Name() string
}

// Transport is the remote surface a TransactionPublisher drives
type Transport interface {
	// Sync brings local destination state up to date with the remote
	Sync(ctx context.Context) error
	// Stage marks a local file for inclusion in the next commit
	Stage(ctx context.Context, path string) error
	// Commit records everything staged
	Commit(ctx context.Context, message string) error
	// Push makes committed state visible at the remote
	Push(ctx context.Context) error
	// Name identifies the transport in logs
	Name() string
}

// StepError names the transaction step that failed
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() []error {
	return []error{ErrPublish, e.Err}
}

// TransactionPublisher runs the sync/stage/commit/push sequence over a
// Transport and appends to the batch index between stage and commit.
type TransactionPublisher struct {
	transport Transport
	index     *index.File
	folder    string
	timeout   time.Duration
	logger    *zap.Logger
}

// Config contains publisher configuration
type Config struct {
	// Index is the local copy of the batch index; nil disables the index
	Index *index.File
	// Folder prefixes batch names in index entries
	Folder string
	// StepTimeout bounds every remote step; zero means no bound
	StepTimeout time.Duration
}

// NewTransactionPublisher creates a publisher over transport
func NewTransactionPublisher(transport Transport, cfg Config, logger *zap.Logger) *TransactionPublisher {
	return &TransactionPublisher{
		transport: transport,
		index:     cfg.Index,
		folder:    cfg.Folder,
		timeout:   cfg.StepTimeout,
		logger:    logger.With(zap.String("transport", transport.Name())),
	}
}

// Name returns the transport name
func (p *TransactionPublisher) Name() string {
	return p.transport.Name()
}

// Publish delivers the artifact at path as batch b
func (p *TransactionPublisher) Publish(ctx context.Context, b batch.Batch, path string) error {
	logger := p.logger.With(zap.String("batch", b.Name))

	if err := p.step(ctx, "sync", func(ctx context.Context) error {
		return p.transport.Sync(ctx)
	}); err != nil {
		return err
	}

	if err := p.step(ctx, "stage", func(ctx context.Context) error {
		return p.transport.Stage(ctx, path)
	}); err != nil {
		return err
	}

	if p.index != nil {
		entry := index.Entry(p.folder, b.Name)
		added, err := p.index.Append(entry)
		if err != nil {
			return &StepError{Step: "index", Err: err}
		}
		logger.Debug("Batch index updated", zap.String("entry", entry), zap.Bool("added", added))

		if err := p.step(ctx, "stage index", func(ctx context.Context) error {
			return p.transport.Stage(ctx, p.index.Path())
		}); err != nil {
			return err
		}
	}

	message := fmt.Sprintf("Add new data file %s", b.Name)
	if err := p.step(ctx, "commit", func(ctx context.Context) error {
		return p.transport.Commit(ctx, message)
	}); err != nil {
		return err
	}

	if err := p.step(ctx, "push", func(ctx context.Context) error {
		return p.transport.Push(ctx)
	}); err != nil {
		return err
	}

	logger.Info("Batch published", zap.Int("rows", len(b.Rows)))
	return nil
}

func (p *TransactionPublisher) step(ctx context.Context, name string, fn func(context.Context) error) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	started := time.Now()
	if err := fn(ctx); err != nil {
		p.logger.Warn("Publish step failed",
			zap.String("step", name),
			zap.Duration("duration", time.Since(started)),
			zap.Error(err),
		)
		return &StepError{Step: name, Err: err}
	}

	p.logger.Debug("Publish step done", zap.String("step", name), zap.Duration("duration", time.Since(started)))
	return nil
}
