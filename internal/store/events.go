package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/markdownkeeper/markdownkeeper/internal/apperrors"
)

// EnqueueEvent durably appends one filesystem event to the queue (spec
// §4.D). It is always accepted as `queued`; coalescing happens later, at
// lease time.
func (s *SQLiteStore) EnqueueEvent(path string, kind EventKind, newPath string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := formatTime(nowUTC())
	res, err := s.db.Exec(`INSERT INTO events (path, kind, new_path, enqueued_at, not_before, status)
		VALUES (?, ?, ?, ?, ?, 'queued')`, path, string(kind), newPath, now, now)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.Retry, err)
	}
	return res.LastInsertId()
}

// ListQueuedPaths returns the distinct set of paths with at least one
// `queued` event whose not_before has elapsed, so the consumer can pick one
// to lease.
func (s *SQLiteStore) ListQueuedPaths() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Paths with an in_flight record are excluded: spec §3 allows at most
	// one in_flight record per path, and a leased move may leave later
	// events for its path queued behind it.
	now := formatTime(nowUTC())
	rows, err := s.db.Query(`SELECT DISTINCT path FROM events
		WHERE status = 'queued' AND not_before <= ?
		AND path NOT IN (SELECT path FROM events WHERE status = 'in_flight')
		ORDER BY path ASC`, now)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Retry, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, apperrors.Wrap(apperrors.Retry, err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// DebounceElapsed reports whether debounce has elapsed since the most
// recent enqueue for path, i.e. whether the path is eligible for lease
// (spec §4.D's debounce rule).
func (s *SQLiteStore) DebounceElapsed(path string, debounce time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest sql.NullString
	err := s.db.QueryRow(`SELECT MAX(enqueued_at) FROM events WHERE path = ? AND status = 'queued'`, path).Scan(&latest)
	if err != nil {
		return false, apperrors.Wrap(apperrors.Retry, err)
	}
	if !latest.Valid {
		return true, nil
	}
	return nowUTC().Sub(parseTime(latest.String)) >= debounce, nil
}

// queuedEventsForPath loads every `queued` event for path, oldest first.
func (s *SQLiteStore) queuedEventsForPath(tx *sql.Tx, path string) ([]EventRecord, error) {
	rows, err := tx.Query(`SELECT id, path, kind, new_path, enqueued_at, not_before, attempt_count,
		status, last_error, processed_at FROM events WHERE path = ? AND status = 'queued' ORDER BY id ASC`, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var e EventRecord
		var processedAt sql.NullString
		var enqueuedAt, notBefore string
		if err := rows.Scan(&e.ID, &e.Path, &e.Kind, &e.NewPath, &enqueuedAt, &notBefore,
			&e.AttemptCount, &e.Status, &e.LastError, &processedAt); err != nil {
			return nil, err
		}
		e.EnqueuedAt = parseTime(enqueuedAt)
		e.NotBefore = parseTime(notBefore)
		if processedAt.Valid {
			t := parseTime(processedAt.String)
			e.ProcessedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LeaseNextEvent finds the first path (lexical order; spec guarantees no
// cross-path ordering) with queued events past their debounce window,
// coalesces them per spec §4.D, marks superseded records `done`, leases the
// survivor as `in_flight`, and returns it. Returns (nil, nil) if nothing is
// currently eligible.
func (s *SQLiteStore) LeaseNextEvent(debounce time.Duration) (*EventRecord, error) {
	paths, err := s.ListQueuedPaths()
	if err != nil {
		return nil, err
	}

	for _, path := range paths {
		elapsed, err := s.DebounceElapsed(path, debounce)
		if err != nil {
			return nil, err
		}
		if !elapsed {
			continue
		}

		survivor, err := s.leasePath(path)
		if err != nil {
			return nil, err
		}
		if survivor != nil {
			return survivor, nil
		}
		// Path coalesced to a pure no-op; try the next eligible path.
	}
	return nil, nil
}

func (s *SQLiteStore) leasePath(path string) (*EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Retry, err)
	}
	defer tx.Rollback()

	events, err := s.queuedEventsForPath(tx, path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Retry, err)
	}
	if len(events) == 0 {
		return nil, nil
	}

	survivor, superseded := coalesce(events)

	now := formatTime(nowUTC())
	for _, id := range superseded {
		if _, err := tx.Exec(`UPDATE events SET status = 'done', processed_at = ? WHERE id = ?`, now, id); err != nil {
			return nil, apperrors.Wrap(apperrors.Retry, err)
		}
	}

	var result *EventRecord
	if survivor != nil {
		if survivor.ID == 0 {
			// A synthetic survivor produced by delete-then-recreate folding;
			// persist it as a new queued->in_flight record and mark its
			// constituent raw records done.
			res, err := tx.Exec(`INSERT INTO events (path, kind, new_path, enqueued_at, not_before,
				attempt_count, status) VALUES (?, ?, ?, ?, ?, ?, 'in_flight')`,
				survivor.Path, string(survivor.Kind), survivor.NewPath, now, now, survivor.AttemptCount)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.Retry, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return nil, apperrors.Wrap(apperrors.Retry, err)
			}
			survivor.ID = id
		} else {
			if _, err := tx.Exec(`UPDATE events SET status = 'in_flight' WHERE id = ?`, survivor.ID); err != nil {
				return nil, apperrors.Wrap(apperrors.Retry, err)
			}
		}
		survivor.Status = EventStatusInFlight
		result = survivor
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.Retry, err)
	}
	return result, nil
}

// CompleteEvent marks a successfully processed event `done`.
func (s *SQLiteStore) CompleteEvent(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE events SET status = 'done', processed_at = ? WHERE id = ?`,
		formatTime(nowUTC()), id)
	if err != nil {
		return apperrors.Wrap(apperrors.Retry, err)
	}
	return nil
}

// RequeueEvent implements spec §4.D's retry policy: increments attempt
// count, and either reschedules after the given backoff or, once the count
// reaches maxAttempts, marks the event permanently `failed`.
func (s *SQLiteStore) RequeueEvent(id int64, lastError string, backoff time.Duration, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var attemptCount int
	if err := s.db.QueryRow(`SELECT attempt_count FROM events WHERE id = ?`, id).Scan(&attemptCount); err != nil {
		return apperrors.Wrap(apperrors.Retry, err)
	}
	attemptCount++

	if attemptCount >= maxAttempts {
		_, err := s.db.Exec(`UPDATE events SET status = 'failed', attempt_count = ?, last_error = ?,
			processed_at = ? WHERE id = ?`, attemptCount, lastError, formatTime(nowUTC()), id)
		if err != nil {
			return apperrors.Wrap(apperrors.Retry, err)
		}
		return nil
	}

	notBefore := formatTime(nowUTC().Add(backoff))
	_, err := s.db.Exec(`UPDATE events SET status = 'queued', attempt_count = ?, last_error = ?,
		not_before = ? WHERE id = ?`, attemptCount, lastError, notBefore, id)
	if err != nil {
		return apperrors.Wrap(apperrors.Retry, err)
	}
	return nil
}

// ReplayInFlight resets every `in_flight` record to `queued`, recovering
// from a crash mid-lease (spec §4.D's replay-on-restart rule). Returns the
// number of records reset.
func (s *SQLiteStore) ReplayInFlight() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE events SET status = 'queued', not_before = ? WHERE status = 'in_flight'`,
		formatTime(nowUTC()))
	if err != nil {
		return 0, apperrors.Wrap(apperrors.Retry, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.Retry, err)
	}
	return int(n), nil
}

// PruneDoneEvents deletes `done` records older than retention, returning
// the number removed.
func (s *SQLiteStore) PruneDoneEvents(retention time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := formatTime(nowUTC().Add(-retention))
	res, err := s.db.Exec(`DELETE FROM events WHERE status = 'done' AND processed_at IS NOT NULL AND processed_at < ?`, cutoff)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.Retry, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.Retry, err)
	}
	return int(n), nil
}

// EventQueueStatus summarizes queue backlog for stats()/report().
func (s *SQLiteStore) EventQueueStatus() (EventQueueStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var status EventQueueStatus
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE status = 'queued'`).Scan(&status.Queued); err != nil {
		return status, apperrors.Wrap(apperrors.Retry, err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE status = 'in_flight'`).Scan(&status.InFlight); err != nil {
		return status, apperrors.Wrap(apperrors.Retry, err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE status = 'failed'`).Scan(&status.Failed); err != nil {
		return status, apperrors.Wrap(apperrors.Retry, err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE status = 'done'`).Scan(&status.Done); err != nil {
		return status, apperrors.Wrap(apperrors.Retry, err)
	}

	var oldest sql.NullString
	if err := s.db.QueryRow(`SELECT MIN(enqueued_at) FROM events WHERE status = 'queued'`).Scan(&oldest); err != nil {
		return status, apperrors.Wrap(apperrors.Retry, err)
	}
	if oldest.Valid {
		t := parseTime(oldest.String)
		status.OldestQueued = &t
	}
	return status, nil
}

// GetKV reads a value from the kv_state table, used by the Watcher's
// polling backend to persist its path->mtime snapshot across restarts
// (spec §4.E: "diffs against a path→mtime map in memory and in the Store").
func (s *SQLiteStore) GetKV(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var v string
	err := s.db.QueryRow(`SELECT value FROM kv_state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperrors.Wrap(apperrors.Retry, err)
	}
	return v, true, nil
}

// SetKV writes a value to the kv_state table.
func (s *SQLiteStore) SetKV(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO kv_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return apperrors.Wrap(apperrors.Retry, err)
	}
	return nil
}

// FailedEvents returns every record in terminal `failed` state, for
// `stats()`/`report()` surfacing.
func (s *SQLiteStore) FailedEvents() ([]EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT id, path, kind, new_path, enqueued_at, not_before, attempt_count,
		status, last_error, processed_at FROM events WHERE status = 'failed' ORDER BY id ASC`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Retry, err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var e EventRecord
		var processedAt sql.NullString
		var enqueuedAt, notBefore string
		if err := rows.Scan(&e.ID, &e.Path, &e.Kind, &e.NewPath, &enqueuedAt, &notBefore,
			&e.AttemptCount, &e.Status, &e.LastError, &processedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.Retry, err)
		}
		e.EnqueuedAt = parseTime(enqueuedAt)
		e.NotBefore = parseTime(notBefore)
		if processedAt.Valid {
			t := parseTime(processedAt.String)
			e.ProcessedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// coalesce applies spec §4.D's per-path coalescing rules to events (already
// ordered oldest-first for one path). It returns the single surviving
// event to actually process (nil if the group nets out to a no-op) and the
// ids of every record that should be marked `done` without processing.
//
// A survivor with ID == 0 is synthetic (produced by folding a delete
// followed by a later recreation into one net `modify`) and must be
// inserted as a new record by the caller; all of its constituent raw
// records are included in superseded.
func coalesce(events []EventRecord) (survivor *EventRecord, superseded []int64) {
	if len(events) == 0 {
		return nil, nil
	}

	// A move subsumes everything enqueued before it for this path: its
	// processing is "delete src, ingest dst", so earlier creates/modifies
	// (ingest of bytes that no longer live at src) and deletes (redone by
	// the move itself) all fold into it. Events enqueued after the move
	// (the path recreated) are left queued, to be leased on a later pass.
	for i := range events {
		if events[i].Kind == EventMove {
			for _, prior := range events[:i] {
				superseded = append(superseded, prior.ID)
			}
			mv := events[i]
			return &mv, superseded
		}
	}

	lastDeleteIdx := -1
	for i, e := range events {
		if e.Kind == EventDelete {
			lastDeleteIdx = i
		}
	}

	if lastDeleteIdx == -1 {
		// No delete in this batch: fold every create/modify into the most
		// recent one. A create only survives as a create when it is the
		// sole event for the path; a create folded with any later event
		// becomes a modify (idempotent ingest of an already-known path).
		last := events[len(events)-1]
		if len(events) > 1 {
			last.Kind = EventModify
		}
		for _, e := range events[:len(events)-1] {
			superseded = append(superseded, e.ID)
		}
		return &last, superseded
	}

	// Every record strictly before the most recent delete is superseded.
	for _, e := range events[:lastDeleteIdx] {
		superseded = append(superseded, e.ID)
	}
	hadCreateBefore := false
	for _, e := range events[:lastDeleteIdx] {
		if e.Kind == EventCreate {
			hadCreateBefore = true
		}
	}

	deleteEvent := events[lastDeleteIdx]
	after := events[lastDeleteIdx+1:]

	if len(after) == 0 {
		if hadCreateBefore {
			// create + delete with nothing else: pure no-op.
			superseded = append(superseded, deleteEvent.ID)
			return nil, superseded
		}
		return &deleteEvent, superseded
	}

	// Delete followed by a later recreation: fold into one net modify on
	// the most recent path, dropping the raw delete and every intermediate
	// record.
	last := after[len(after)-1]
	superseded = append(superseded, deleteEvent.ID)
	for _, e := range after[:len(after)-1] {
		superseded = append(superseded, e.ID)
	}
	synthetic := EventRecord{
		Path:         last.Path,
		Kind:         EventModify,
		NewPath:      last.NewPath,
		AttemptCount: last.AttemptCount,
	}
	superseded = append(superseded, last.ID)
	return &synthetic, superseded
}
