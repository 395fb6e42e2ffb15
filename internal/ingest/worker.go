package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/markdownkeeper/markdownkeeper/internal/eventqueue"
	"github.com/markdownkeeper/markdownkeeper/internal/store"
)

// Worker is the Event Queue's single-threaded consumer (spec §5's "Ingest
// worker"): it leases events from the queue, hands each to the Ingestor,
// and reports the outcome back so the queue can retry or fail it.
type Worker struct {
	queue    *eventqueue.Queue
	ingestor *Ingestor
	logger   *slog.Logger
}

// NewWorker builds a Worker over queue and ingestor.
func NewWorker(queue *eventqueue.Queue, ingestor *Ingestor, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Worker{queue: queue, ingestor: ingestor, logger: logger}
}

// Run replays any in_flight records orphaned by a prior crash, then polls
// the queue every pollInterval, draining every currently-eligible event on
// each tick, until ctx is canceled. Cancellation drains in-flight records
// back to queued (spec §5's "Cancellation drains in-flight records to
// queued") by simply returning: the lease holder never marks them done, so
// a future Replay call (the next process's startup) resets them.
func (w *Worker) Run(ctx context.Context, pollInterval time.Duration) error {
	if n, err := w.queue.Replay(); err != nil {
		return err
	} else if n > 0 {
		w.logger.Info("replayed orphaned in-flight events", slog.Int("count", n))
	}
	if n, err := w.queue.Prune(); err != nil {
		w.logger.Warn("pruning done events failed", slog.String("error", err.Error()))
	} else if n > 0 {
		w.logger.Info("pruned done events past retention", slog.Int("count", n))
	}

	// Drain whatever survived the restart before settling into the poll
	// cadence, so replayed events don't wait out a full tick.
	if err := w.DrainOnce(); err != nil {
		w.logger.Error("initial drain failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.DrainOnce(); err != nil {
				w.logger.Error("drain failed", slog.String("error", err.Error()))
			}
		}
	}
}

// DrainOnce processes every event currently eligible for lease, returning
// once the queue reports nothing left to lease (spec §4.D: "single-
// threaded consumer... leases one record at a time").
func (w *Worker) DrainOnce() error {
	for {
		ev, err := w.queue.Lease()
		if err != nil {
			return err
		}
		if ev == nil {
			return nil
		}
		w.processOne(*ev)
	}
}

func (w *Worker) processOne(ev store.EventRecord) {
	err := w.ingestor.IngestEvent(ev)
	if err != nil {
		w.logger.Warn("ingest failed, will retry per backoff policy",
			slog.String("path", ev.Path), slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()))
	}
	if outcomeErr := w.queue.Outcome(ev.ID, ev.AttemptCount, err); outcomeErr != nil {
		w.logger.Error("failed to record event outcome",
			slog.Int64("event_id", ev.ID), slog.String("error", outcomeErr.Error()))
	}
}
