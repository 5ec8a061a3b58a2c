package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"sensorsync/internal/checkpoint"
	"sensorsync/internal/config"
	"sensorsync/internal/index"
	"sensorsync/internal/metrics"
	"sensorsync/internal/publish"
	"sensorsync/internal/source"
	"sensorsync/internal/storage"

	"go.uber.org/zap"
)

// Agent represents the sync agent: it moves new source rows to the
// destination in batches and advances the checkpoint after each publish.
type Agent struct {
	logger     *zap.Logger
	source     source.Reader
	checkpoint checkpoint.Store
	publisher  publish.Publisher
	lister     PublishedLister
	metrics    *metrics.Collector
	stagingDir string
	interval   time.Duration
	listen     string
	now        func() time.Time

	// pending remembers a batch whose publish failed, so the next attempt
	// from the same checkpoint reuses its name. pendingFile, when set, keeps
	// it across restarts.
	pending       *checkpoint.Pending
	pendingFile   *checkpoint.PendingFile
	pendingLoaded bool
}

// Options wires an Agent from already built components
type Options struct {
	Source     source.Reader
	Checkpoint checkpoint.Store
	Publisher  publish.Publisher
	Lister     PublishedLister
	Metrics    *metrics.Collector
	// StagingDir receives batch artifacts before publish
	StagingDir string
	Interval   time.Duration
	// PendingPath records a batch held by a failed publish; empty keeps it
	// in memory only
	PendingPath string
	// MetricsListen is the /metrics address used by Run; empty disables it
	MetricsListen string
	// Now returns the cycle start time; defaults to time.Now
	Now func() time.Time
}

// NewAgent creates an agent from opts
func NewAgent(opts Options, logger *zap.Logger) *Agent {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	var pendingFile *checkpoint.PendingFile
	if opts.PendingPath != "" {
		pendingFile = checkpoint.NewPendingFile(opts.PendingPath)
	}
	return &Agent{
		logger:      logger,
		source:      opts.Source,
		checkpoint:  opts.Checkpoint,
		publisher:   opts.Publisher,
		lister:      opts.Lister,
		metrics:     opts.Metrics,
		stagingDir:  opts.StagingDir,
		interval:    opts.Interval,
		listen:      opts.MetricsListen,
		now:         opts.Now,
		pendingFile: pendingFile,
	}
}

// New creates an agent from configuration
func New(cfg *config.Config, logger *zap.Logger) (*Agent, error) {
	def, err := cfg.DefaultCheckpoint()
	if err != nil {
		return nil, fmt.Errorf("invalid default checkpoint: %w", err)
	}

	// Create checkpoint store
	var store checkpoint.Store
	switch cfg.Checkpoint.Backend {
	case config.BackendSQLite:
		store, err = checkpoint.NewSQLiteStore(cfg.Checkpoint.Path, cfg.Checkpoint.Name, def)
		if err != nil {
			return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
		}
	default:
		store = checkpoint.NewFileStore(cfg.Checkpoint.Path, def)
	}

	// Create publisher
	var (
		transport  publish.Transport
		stagingDir string
		indexPath  string
		lister     PublishedLister
	)
	switch cfg.Publisher.Type {
	case config.PublisherS3:
		client, err := storage.NewMinIOClient(storage.Config{
			Endpoint:  cfg.Publisher.S3.Endpoint,
			AccessKey: cfg.Publisher.S3.AccessKey,
			SecretKey: cfg.Publisher.S3.SecretKey,
			Secure:    cfg.Publisher.S3.Secure,
			Region:    cfg.Publisher.S3.Region,
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}

		stagingDir = filepath.Join(cfg.Sync.StagingDir, cfg.Publisher.Folder)
		if cfg.Publisher.IndexFile != "" {
			indexPath = filepath.Join(cfg.Sync.StagingDir, cfg.Publisher.IndexFile)
		}
		transport = publish.NewObjectTransport(client, publish.ObjectConfig{
			Bucket:     cfg.Publisher.S3.Bucket,
			Prefix:     cfg.Publisher.S3.Prefix,
			Folder:     cfg.Publisher.Folder,
			IndexKey:   cfg.Publisher.IndexFile,
			LocalIndex: indexPath,
		}, logger)
		lister = NewObjectLister(client, cfg.Publisher.S3.Bucket, objectFolder(cfg.Publisher.S3.Prefix, cfg.Publisher.Folder), logger)

	default:
		// Artifacts are written straight into the clone's data folder
		stagingDir = filepath.Join(cfg.Publisher.Git.RepoPath, cfg.Publisher.Folder)
		if cfg.Publisher.IndexFile != "" {
			indexPath = filepath.Join(cfg.Publisher.Git.RepoPath, cfg.Publisher.IndexFile)
		}
		transport = publish.NewGitTransport(publish.GitConfig{
			RepoPath:    cfg.Publisher.Git.RepoPath,
			Remote:      cfg.Publisher.Git.Remote,
			Branch:      cfg.Publisher.Git.Branch,
			AuthorName:  cfg.Publisher.Git.AuthorName,
			AuthorEmail: cfg.Publisher.Git.AuthorEmail,
		}, logger)
		lister = NewDirLister(stagingDir)
	}

	pubCfg := publish.Config{
		Folder:      cfg.Publisher.Folder,
		StepTimeout: cfg.Sync.PublishTimeout,
	}
	if indexPath != "" {
		pubCfg.Index = index.NewFile(indexPath)
	}

	publisher := publish.NewRetryPublisher(
		publish.NewTransactionPublisher(transport, pubCfg, logger),
		cfg.Sync.Retries,
		time.Duration(cfg.Sync.RetryBackoffMs)*time.Millisecond,
		logger,
	)

	return NewAgent(Options{
		Source:        source.NewCSVReader(cfg.Source.Path),
		Checkpoint:    store,
		Publisher:     publisher,
		Lister:        lister,
		Metrics:       metrics.New(nil),
		StagingDir:    stagingDir,
		PendingPath:   cfg.Checkpoint.Path + ".pending",
		Interval:      cfg.Sync.Interval,
		MetricsListen: cfg.Metrics.Listen,
	}, logger), nil
}

// Run executes cycles until ctx is cancelled. A cycle in flight always runs
// to completion; cancellation is only observed while sleeping. Run returns
// nil once stopped, or the fatal error that ended the loop.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("Starting sync agent",
		zap.String("publisher", a.publisher.Name()),
		zap.Duration("interval", a.interval),
	)

	// Start metrics server in a goroutine with error handling
	if a.listen != "" {
		go func() {
			if err := a.metrics.StartServer(ctx, a.listen); err != nil {
				a.logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	cycleCtx := context.WithoutCancel(ctx)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logStopped()
			return nil
		case <-timer.C:
		}

		if _, err := a.RunCycle(cycleCtx); err != nil {
			a.logger.Error("Sync agent stopped on fatal error", zap.Error(err))
			return err
		}

		a.logger.Debug("Sleeping", zap.String("state", "sleep"), zap.Duration("interval", a.interval))
		timer.Reset(a.interval)
	}
}

func (a *Agent) logStopped() {
	status := a.metrics.GetProgressTracker().GetStatus()
	a.logger.Info("Sync agent stopped",
		zap.String("state", "stopped"),
		zap.Int64("cycles", status.Cycles),
		zap.Int64("published", status.Published),
		zap.Int64("held", status.Held),
		zap.Int64("aborted", status.Aborted),
		zap.Int64("rows_published", status.RowsPublished),
		zap.String("last_batch", status.LastBatch),
		zap.Duration("uptime", status.Uptime()),
	)
}

// Metrics returns the agent's collector
func (a *Agent) Metrics() *metrics.Collector {
	return a.metrics
}

// Close cleans up resources
func (a *Agent) Close() error {
	if a.checkpoint != nil {
		return a.checkpoint.Close()
	}
	return nil
}
