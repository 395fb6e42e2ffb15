package eventqueue

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdownkeeper/markdownkeeper/internal/apperrors"
	"github.com/markdownkeeper/markdownkeeper/internal/store"
)

// newTestQueue disables debouncing so leases are immediately eligible;
// TestQueue_DebounceDelaysEligibility covers the debounce window itself.
func newTestQueue(t *testing.T) (*Queue, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	cfg := DefaultConfig()
	cfg.DebounceInterval = 0
	return New(s, cfg), s
}

func TestQueue_EnqueueThenLease(t *testing.T) {
	q, _ := newTestQueue(t)

	require.NoError(t, q.Enqueue("/docs/a.md", store.EventCreate, ""))

	ev, err := q.Lease()
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "/docs/a.md", ev.Path)
}

func TestQueue_OutcomeSuccessCompletes(t *testing.T) {
	q, s := newTestQueue(t)
	require.NoError(t, q.Enqueue("/docs/a.md", store.EventCreate, ""))
	ev, err := q.Lease()
	require.NoError(t, err)
	require.NotNil(t, ev)

	require.NoError(t, q.Outcome(ev.ID, ev.AttemptCount, nil))

	status, err := s.EventQueueStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, status.Done)
}

func TestQueue_OutcomeRetryReschedulesWithBackoff(t *testing.T) {
	q, s := newTestQueue(t)
	require.NoError(t, q.Enqueue("/docs/a.md", store.EventCreate, ""))
	ev, err := q.Lease()
	require.NoError(t, err)

	require.NoError(t, q.Outcome(ev.ID, ev.AttemptCount, apperrors.New(apperrors.Retry, "transient", errors.New("boom"))))

	status, err := s.EventQueueStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, status.Queued)
	assert.Equal(t, 0, status.InFlight)
}

func TestQueue_ReplayRecoversOrphanedInFlight(t *testing.T) {
	q, s := newTestQueue(t)
	require.NoError(t, q.Enqueue("/docs/a.md", store.EventCreate, ""))
	_, err := q.Lease()
	require.NoError(t, err)

	n, err := q.Replay()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	status, err := s.EventQueueStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, status.Queued)
}

func TestQueue_DebounceDelaysEligibility(t *testing.T) {
	s, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	q := New(s, Config{DebounceInterval: 200 * time.Millisecond, MaxAttempts: 5, RetentionWindow: time.Hour})

	require.NoError(t, q.Enqueue("/docs/a.md", store.EventCreate, ""))

	ev, err := q.Lease()
	require.NoError(t, err)
	assert.Nil(t, ev, "event inside its debounce window must not be eligible yet")

	time.Sleep(220 * time.Millisecond)
	ev, err = q.Lease()
	require.NoError(t, err)
	assert.NotNil(t, ev)
}
