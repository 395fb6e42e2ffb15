package watcher

import (
	"context"
	"encoding/json"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/markdownkeeper/markdownkeeper/internal/store"
)

// pollingSnapshotKey is the kv_state key the Polling backend persists its
// path->mtime map under, so a restart doesn't re-announce every file on
// disk as a Create (spec §4.E: "diffs against a path→mtime map in memory
// and in the Store").
const pollingSnapshotKey = "watcher.polling.snapshot"

type fileSnapshot struct {
	ModTime int64 `json:"mtime_unix_nano"`
	Size    int64 `json:"size"`
	IsDir   bool  `json:"is_dir"`
}

// runPolling implements the directory-snapshot backend (spec §4.E), used
// when fsnotify is unavailable or explicitly requested. Grounded on the
// teacher's PollingWatcher.detectChanges, extended with a move-detection
// heuristic: a path that vanished and a path that newly appeared in the
// same scan, with matching size and modtime, is reported as a Move rather
// than a Delete+Create pair.
func (w *Watcher) runPolling(ctx context.Context) error {
	prev := w.loadPollingSnapshot()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	iterations := 0
	for {
		current := w.scanRoots()
		w.diffAndEnqueue(prev, current)
		prev = current
		w.savePollingSnapshot(prev)

		iterations++
		if w.cfg.Iterations > 0 && iterations >= w.cfg.Iterations {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Watcher) scanRoots() map[string]fileSnapshot {
	out := make(map[string]fileSnapshot)
	for _, root := range w.cfg.Roots {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			rel := w.relPath(root, path)
			if rel == "." {
				return nil
			}
			if d.IsDir() {
				if w.shouldIgnore(rel, true) {
					return filepath.SkipDir
				}
				return nil
			}
			if w.shouldIgnore(rel, false) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			out[path] = fileSnapshot{ModTime: info.ModTime().UnixNano(), Size: info.Size()}
			return nil
		})
	}
	return out
}

func (w *Watcher) diffAndEnqueue(prev, current map[string]fileSnapshot) {
	vanished := make(map[string]fileSnapshot)
	for path, snap := range prev {
		if _, ok := current[path]; !ok {
			vanished[path] = snap
		}
	}

	matchedVanished := make(map[string]bool)
	for path, snap := range current {
		prevSnap, existed := prev[path]
		if !existed {
			if src := findMoveSource(vanished, matchedVanished, snap); src != "" {
				matchedVanished[src] = true
				w.enqueue(src, store.EventMove, path)
				continue
			}
			w.enqueue(path, store.EventCreate, "")
			continue
		}
		if prevSnap.ModTime != snap.ModTime || prevSnap.Size != snap.Size {
			w.enqueue(path, store.EventModify, "")
		}
	}

	for path := range vanished {
		if !matchedVanished[path] {
			w.enqueue(path, store.EventDelete, "")
		}
	}
}

// findMoveSource returns the vanished path whose size and modtime match
// snap, if any unmatched candidate exists.
func findMoveSource(vanished map[string]fileSnapshot, matched map[string]bool, snap fileSnapshot) string {
	for path, v := range vanished {
		if matched[path] {
			continue
		}
		if v.Size == snap.Size && v.ModTime == snap.ModTime {
			return path
		}
	}
	return ""
}

func (w *Watcher) loadPollingSnapshot() map[string]fileSnapshot {
	out := make(map[string]fileSnapshot)
	if w.store == nil {
		return out
	}
	raw, ok, err := w.store.GetKV(pollingSnapshotKey)
	if err != nil || !ok {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		w.logger.Warn("discarding corrupt polling snapshot", slog.String("error", err.Error()))
		return make(map[string]fileSnapshot)
	}
	return out
}

func (w *Watcher) savePollingSnapshot(snap map[string]fileSnapshot) {
	if w.store == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := w.store.SetKV(pollingSnapshotKey, string(data)); err != nil {
		w.logger.Warn("failed to persist polling snapshot", slog.String("error", err.Error()))
	}
}
