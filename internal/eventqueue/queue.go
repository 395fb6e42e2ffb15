// Package eventqueue wraps the Store's durable event log with the policy
// described in spec §4.D: debounced, coalesced, per-path FIFO leasing with
// bounded exponential-backoff retry and crash-safe replay. The actual
// coalescing algorithm lives in internal/store (it must run inside the same
// transaction as the status transitions); this package owns enqueue/lease/
// outcome semantics and the retry curve.
package eventqueue

import (
	"time"

	"github.com/markdownkeeper/markdownkeeper/internal/apperrors"
	"github.com/markdownkeeper/markdownkeeper/internal/store"
)

// Config tunes the queue's debounce window, retry curve and retention,
// mirroring spec §4.D's defaults.
type Config struct {
	DebounceInterval time.Duration
	MaxAttempts      int
	RetentionWindow  time.Duration
}

// DefaultConfig matches spec §4.D: 500ms debounce, 5 attempts, 24h
// retention of done records.
func DefaultConfig() Config {
	return Config{
		DebounceInterval: 500 * time.Millisecond,
		MaxAttempts:      5,
		RetentionWindow:  24 * time.Hour,
	}
}

// Queue is the Event Queue component, backed by a *store.SQLiteStore.
type Queue struct {
	store *store.SQLiteStore
	cfg   Config
}

// New wraps s with the Event Queue policy described by cfg.
func New(s *store.SQLiteStore, cfg Config) *Queue {
	return &Queue{store: s, cfg: cfg}
}

// Enqueue appends one raw filesystem event. Producers (the Watcher's
// backends) never coalesce; that happens at lease time.
func (q *Queue) Enqueue(path string, kind store.EventKind, newPath string) error {
	_, err := q.store.EnqueueEvent(path, kind, newPath)
	return err
}

// Lease returns the next eligible event to process, coalesced per spec
// §4.D, or (nil, nil) if nothing is currently eligible (either the queue is
// empty or every eligible path is still inside its debounce window).
func (q *Queue) Lease() (*store.EventRecord, error) {
	return q.store.LeaseNextEvent(q.cfg.DebounceInterval)
}

// Complete marks id successfully processed.
func (q *Queue) Complete(id int64) error {
	return q.store.CompleteEvent(id)
}

// Outcome applies the result of processing a leased event: nil marks it
// done; a Retry-kind error reschedules it with exponential backoff up to
// MaxAttempts, after which it is marked permanently failed; any other
// error is treated the same as Retry, since only the Ingestor's own Retry
// classification should ever reach here for a non-nil, non-fatal err.
func (q *Queue) Outcome(id int64, attemptCount int, err error) error {
	if err == nil {
		return q.store.CompleteEvent(id)
	}
	backoff := apperrors.NextBackoff(attemptCount)
	return q.store.RequeueEvent(id, err.Error(), backoff, q.cfg.MaxAttempts)
}

// Replay resets orphaned in_flight records to queued, for startup recovery
// after a crash (spec §4.D).
func (q *Queue) Replay() (int, error) {
	return q.store.ReplayInFlight()
}

// Prune removes done records older than RetentionWindow.
func (q *Queue) Prune() (int, error) {
	return q.store.PruneDoneEvents(q.cfg.RetentionWindow)
}

// Status summarizes queue backlog for stats()/report().
func (q *Queue) Status() (store.EventQueueStatus, error) {
	return q.store.EventQueueStatus()
}

// Failed returns every event in terminal failed state.
func (q *Queue) Failed() ([]store.EventRecord, error) {
	return q.store.FailedEvents()
}
