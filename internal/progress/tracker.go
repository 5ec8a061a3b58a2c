package progress

import (
	"sync"
	"time"
)

// Cycle outcomes
const (
	OutcomeIdle      = "idle"
	OutcomePublished = "published"
	OutcomeHeld      = "held"
	OutcomeAborted   = "aborted"
)

// Status is a snapshot of what the agent has done since it started
type Status struct {
	Cycles         int64
	Idle           int64
	Published      int64
	Held           int64
	Aborted        int64
	RowsPublished  int64
	LastBatch      string
	LastPublish    time.Time
	Checkpoint     time.Time
	StartTime      time.Time
	LastUpdateTime time.Time
}

// Tracker accumulates cycle outcomes
type Tracker struct {
	mu     sync.RWMutex
	status Status
}

// NewTracker creates a new progress tracker
func NewTracker() *Tracker {
	now := time.Now()
	return &Tracker{
		status: Status{
			StartTime:      now,
			LastUpdateTime: now,
		},
	}
}

// AddCycle counts a finished cycle by outcome
func (t *Tracker) AddCycle(outcome string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Cycles++
	switch outcome {
	case OutcomeIdle:
		t.status.Idle++
	case OutcomePublished:
		t.status.Published++
	case OutcomeHeld:
		t.status.Held++
	case OutcomeAborted:
		t.status.Aborted++
	}
	t.status.LastUpdateTime = time.Now()
}

// AddPublished records a published batch
func (t *Tracker) AddPublished(batch string, rows int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.RowsPublished += int64(rows)
	t.status.LastBatch = batch
	t.status.LastPublish = time.Now()
	t.status.LastUpdateTime = t.status.LastPublish
}

// SetCheckpoint records the current checkpoint
func (t *Tracker) SetCheckpoint(ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Checkpoint = ts
}

// GetStatus returns the current status (thread-safe)
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.status
}

// Uptime returns the time since the tracker was created
func (s Status) Uptime() time.Duration {
	return s.LastUpdateTime.Sub(s.StartTime)
}
