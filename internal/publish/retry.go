package publish

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"sensorsync/internal/batch"

	"go.uber.org/zap"
)

// RetryPublisher retries transient publish failures within one cycle
type RetryPublisher struct {
	inner   Publisher
	retries int
	backoff time.Duration
	logger  *zap.Logger
}

// NewRetryPublisher wraps inner. retries is the total number of attempts.
func NewRetryPublisher(inner Publisher, retries int, backoff time.Duration, logger *zap.Logger) *RetryPublisher {
	if retries < 1 {
		retries = 1
	}
	return &RetryPublisher{
		inner:   inner,
		retries: retries,
		backoff: backoff,
		logger:  logger,
	}
}

// Name returns the wrapped publisher's name
func (p *RetryPublisher) Name() string {
	return p.inner.Name()
}

// Publish calls the wrapped publisher until it succeeds, fails with a
// non-retriable error, or runs out of attempts
func (p *RetryPublisher) Publish(ctx context.Context, b batch.Batch, path string) error {
	var lastErr error
	for attempt := 1; attempt <= p.retries; attempt++ {
		err := p.inner.Publish(ctx, b, path)
		if err == nil {
			return nil
		}

		lastErr = err
		p.logger.Warn("Publish attempt failed",
			zap.String("batch", b.Name),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if !isRetriableError(err) || attempt == p.retries {
			break
		}

		select {
		case <-time.After(p.calculateBackoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}

func (p *RetryPublisher) calculateBackoff(attempt int) time.Duration {
	return p.backoff * time.Duration(math.Pow(2, float64(attempt-1)))
}

func isRetriableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	errStr := strings.ToLower(err.Error())
	// Check for network-related errors
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "temporary") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "dns") ||
		strings.Contains(errStr, "could not resolve host") ||
		strings.Contains(errStr, "could not read from remote") ||
		// HTTP 5xx server errors
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout")
}
