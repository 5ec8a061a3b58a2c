package checkpoint

import (
	"context"
	"errors"
	"time"
)

// ErrCorrupt is returned by Load when a checkpoint exists but cannot be parsed.
// Callers must treat it as fatal rather than fall back to the default, which
// would re-publish the whole source history.
var ErrCorrupt = errors.New("checkpoint is corrupt")

// Record is one entry of the checkpoint history
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Batch     string    `json:"batch,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store defines the interface for checkpoint persistence
type Store interface {
	// Load returns the stored checkpoint, or the store's default when none
	// has been saved yet.
	Load(ctx context.Context) (time.Time, error)

	// Save durably replaces the checkpoint. batch names the published batch
	// that justified the advance and is kept for history only.
	Save(ctx context.Context, ts time.Time, batch string) error

	// Close releases the store's resources
	Close() error
}

// Historian is implemented by stores that keep a ledger of past advances
type Historian interface {
	History(ctx context.Context, limit int) ([]Record, error)
}
