// Package watcher implements the Watcher component (spec §4.E): two
// interchangeable producer backends — an fsnotify-based Notify backend and
// a directory-snapshot Polling backend — behind one `auto` selector, both
// pushing raw filesystem events straight into the Event Queue. Grounded on
// the teacher's HybridWatcher (internal/watcher/hybrid.go), but rewritten
// around the durable SQL Event Queue instead of the teacher's in-memory
// debounced channel: coalescing and debouncing both live downstream in the
// Event Queue (internal/eventqueue over internal/store's events table), so
// this package's only job is translate-and-enqueue.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/markdownkeeper/markdownkeeper/internal/eventqueue"
	"github.com/markdownkeeper/markdownkeeper/internal/gitignore"
	"github.com/markdownkeeper/markdownkeeper/internal/store"
)

// Mode selects which backend the Watcher runs.
type Mode string

const (
	ModeAuto    Mode = "auto"
	ModeNotify  Mode = "notify"
	ModePolling Mode = "polling"
)

// Config configures the Watcher (spec §4.E and the `watch` CLI command's
// flags).
type Config struct {
	Mode         Mode
	Roots        []string
	Extensions   []string
	PollInterval time.Duration
	// Duration bounds the Notify backend's run; zero means run until ctx is
	// canceled, unless Iterations is set (see deriveNotifyDuration).
	Duration time.Duration
	// Iterations bounds the Polling backend's run (stop after this many
	// scans); also used to derive Duration for the Notify backend when
	// Duration is unset (spec §4.E: "if only iterations are specified in
	// Notify mode, duration is derived as iterations × interval").
	Iterations int
}

// DefaultConfig matches spec defaults: auto mode, 5s poll interval.
func DefaultConfig() Config {
	return Config{
		Mode:         ModeAuto,
		Extensions:   []string{".md", ".markdown"},
		PollInterval: 5 * time.Second,
	}
}

// deriveNotifyDuration implements spec §4.E's derivation rule.
func (c Config) deriveNotifyDuration() time.Duration {
	if c.Duration > 0 {
		return c.Duration
	}
	if c.Iterations > 0 {
		interval := c.PollInterval
		if interval <= 0 {
			interval = DefaultConfig().PollInterval
		}
		return time.Duration(c.Iterations) * interval
	}
	return 0
}

// Watcher runs one producer backend, translating filesystem changes into
// durable EventQueue entries.
type Watcher struct {
	queue  *eventqueue.Queue
	store  *store.SQLiteStore
	cfg    Config
	ignore *gitignore.Matcher
	logger *slog.Logger
}

// New builds a Watcher. store is used only by the Polling backend to
// persist its path->mtime snapshot across restarts (spec §4.E).
func New(queue *eventqueue.Queue, st *store.SQLiteStore, cfg Config, logger *slog.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = DefaultConfig().Extensions
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ignore := gitignore.New()
	ignore.AddPattern(".git/")
	ignore.AddPattern(".git/**")
	ignore.AddPattern(".markdownkeeper/")
	ignore.AddPattern(".markdownkeeper/**")
	loadRootGitignores(ignore, cfg.Roots, logger)

	return &Watcher{queue: queue, store: st, cfg: cfg, ignore: ignore, logger: logger}
}

// Run selects a backend per cfg.Mode (resolving `auto` by probing fsnotify)
// and runs it until ctx is canceled or the backend's stop condition fires.
func (w *Watcher) Run(ctx context.Context) error {
	mode := w.cfg.Mode
	if mode == "" || mode == ModeAuto {
		mode = w.selectAuto()
	}

	switch mode {
	case ModeNotify:
		return w.runNotify(ctx)
	case ModePolling:
		return w.runPolling(ctx)
	default:
		return fmt.Errorf("watcher: unknown mode %q", mode)
	}
}

// loadRootGitignores honors each root's own top-level .gitignore file, on
// top of the hardcoded VCS/working-directory patterns, so a watched repo's
// own exclusions (build output, vendor directories, etc.) are respected
// without the operator having to duplicate them into Config.Extensions.
// A missing .gitignore is not an error; any other read failure is logged
// and otherwise ignored, since a malformed .gitignore should never stop the
// watcher from starting.
func loadRootGitignores(ignore *gitignore.Matcher, roots []string, logger *slog.Logger) {
	for _, root := range roots {
		path := filepath.Join(root, ".gitignore")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := ignore.AddFromFile(path, ""); err != nil {
			logger.Warn("failed to load repo .gitignore",
				slog.String("path", path), slog.String("error", err.Error()))
		}
	}
}

// selectAuto picks Notify if an OS filesystem subscription can be opened,
// else Polling (spec §4.E).
func (w *Watcher) selectAuto() Mode {
	if probeNotifyAvailable() {
		return ModeNotify
	}
	w.logger.Warn("fsnotify unavailable, falling back to polling backend")
	return ModePolling
}

// matchesExtension reports whether path's extension is one of cfg.Extensions.
func (w *Watcher) matchesExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range w.cfg.Extensions {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}

// shouldIgnore reports whether path should never produce an event (VCS
// directories, the Store's own working directory, or a non-matching
// extension for files).
func (w *Watcher) shouldIgnore(relPath string, isDir bool) bool {
	if relPath == "." || relPath == "" {
		return false
	}
	if w.ignore.Match(relPath, isDir) {
		return true
	}
	if !isDir && !w.matchesExtension(relPath) {
		return true
	}
	return false
}

// enqueue durably records one event, logging but not failing the backend on
// a Store error (the backend keeps watching; the event is simply dropped,
// matching spec §4.E's "producer" role having no retry responsibility of
// its own — that lives entirely in the Event Queue).
func (w *Watcher) enqueue(path string, kind store.EventKind, newPath string) {
	if err := w.queue.Enqueue(path, kind, newPath); err != nil {
		w.logger.Error("failed to enqueue filesystem event",
			slog.String("path", path), slog.String("kind", string(kind)),
			slog.String("error", err.Error()))
	}
}
