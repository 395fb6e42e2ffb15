package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/markdownkeeper/markdownkeeper/internal/store"
)

// probeNotifyAvailable reports whether the OS filesystem-event API can be
// opened at all (some sandboxes and certain Linux kernels without inotify
// deny it), grounding the `auto` mode's backend choice.
func probeNotifyAvailable() bool {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false
	}
	_ = w.Close()
	return true
}

// runNotify implements the fsnotify-backed backend (spec §4.E). It
// recursively subscribes to every directory under cfg.Roots, translates
// fsnotify events into Event Queue entries, and adds newly-created
// directories to the watch set as they appear.
//
// fsnotify's v1 API does not expose the inotify rename cookie that would let
// two Rename/Create events be correlated into one Move; rather than guess at
// pairing, a Rename is reported as a Delete, matching the teacher's own
// handling (HybridWatcher.handleFsnotifyEvent treats fsnotify.Rename as a
// distinct "OpRename" with no pairing logic either). Full move detection is
// left to the Polling backend, where a directory snapshot diff can actually
// see both the old and new paths during the same scan.
func (w *Watcher) runNotify(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: open fsnotify: %w", err)
	}
	defer fsw.Close()

	for _, root := range w.cfg.Roots {
		if err := addRecursive(fsw, root); err != nil {
			return fmt.Errorf("watcher: watch %s: %w", root, err)
		}
	}

	var stop <-chan time.Time
	if d := w.cfg.deriveNotifyDuration(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		stop = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleFsnotifyEvent(fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("fsnotify error", slog.String("error", err.Error()))
		}
	}
}

func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if base == ".git" || base == ".markdownkeeper" {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}

func (w *Watcher) relPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return rel
}

func (w *Watcher) handleFsnotifyEvent(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	isDir := false
	if info, err := os.Stat(ev.Name); err == nil {
		isDir = info.IsDir()
	}

	rel := filepath.Base(ev.Name)
	for _, root := range w.cfg.Roots {
		if candidate := w.relPath(root, ev.Name); !filepath.IsAbs(candidate) {
			rel = candidate
			break
		}
	}

	switch {
	case ev.Op&fsnotify.Create != 0:
		if isDir {
			_ = fsw.Add(ev.Name)
			return
		}
		if w.shouldIgnore(rel, false) {
			return
		}
		w.enqueue(ev.Name, store.EventCreate, "")
	case ev.Op&fsnotify.Write != 0:
		if isDir || w.shouldIgnore(rel, false) {
			return
		}
		w.enqueue(ev.Name, store.EventModify, "")
	case ev.Op&fsnotify.Remove != 0, ev.Op&fsnotify.Rename != 0:
		if w.shouldIgnore(rel, isDir) {
			return
		}
		w.enqueue(ev.Name, store.EventDelete, "")
	default:
		return
	}
}
