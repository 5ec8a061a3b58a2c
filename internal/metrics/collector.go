package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"sensorsync/internal/progress"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cycle outcomes
const (
	OutcomeIdle      = progress.OutcomeIdle
	OutcomePublished = progress.OutcomePublished
	OutcomeHeld      = progress.OutcomeHeld
	OutcomeAborted   = progress.OutcomeAborted
)

// Collector collects and exposes metrics
type Collector struct {
	registry        *prometheus.Registry
	cyclesTotal     *prometheus.CounterVec
	rowsTotal       prometheus.Counter
	duration        prometheus.Histogram
	checkpoint      prometheus.Gauge
	progressTracker *progress.Tracker
}

// New creates a collector registered on registry; nil gets a fresh registry
func New(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		cyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sensorsync_cycles_total",
				Help: "Sync cycles by outcome",
			},
			[]string{"outcome"},
		),
		rowsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sensorsync_rows_published_total",
				Help: "Source rows published",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sensorsync_publish_duration_seconds",
				Help:    "Time taken to publish a batch",
				Buckets: prometheus.DefBuckets,
			},
		),
		checkpoint: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sensorsync_checkpoint_timestamp_seconds",
				Help: "Unix time of the current checkpoint",
			},
		),
		progressTracker: progress.NewTracker(),
	}

	registry.MustRegister(c.cyclesTotal, c.rowsTotal, c.duration, c.checkpoint)

	return c
}

// IncCycle counts a finished cycle
func (c *Collector) IncCycle(outcome string) {
	c.cyclesTotal.WithLabelValues(outcome).Inc()
	c.progressTracker.AddCycle(outcome)
}

// AddPublished records a published batch
func (c *Collector) AddPublished(batchName string, rows int) {
	c.rowsTotal.Add(float64(rows))
	c.progressTracker.AddPublished(batchName, rows)
}

// ObserveDuration observes publish duration
func (c *Collector) ObserveDuration(duration time.Duration) {
	c.duration.Observe(duration.Seconds())
}

// SetCheckpoint exports the current checkpoint
func (c *Collector) SetCheckpoint(ts time.Time) {
	c.checkpoint.Set(float64(ts.Unix()))
	c.progressTracker.SetCheckpoint(ts)
}

// GetProgressTracker returns the progress tracker
func (c *Collector) GetProgressTracker() *progress.Tracker {
	return c.progressTracker
}

// Handler serves the collector's registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until ctx is cancelled
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
