// Package linkcheck implements the external link checker (spec §5): for
// every external Link row, issue a HEAD request (retried as GET on a 405),
// with a 3s per-request timeout and a per-domain rate limit, writing the
// observed LinkStatus back to the Store. The per-host minimum-interval gate
// reuses the per-path timer map idiom the teacher uses for its Debouncer.
package linkcheck

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/markdownkeeper/markdownkeeper/internal/store"
)

// DefaultMinInterval is the minimum spacing between two requests to the
// same host (spec §5: "default 1.0s").
const DefaultMinInterval = time.Second

// DefaultTimeout bounds a single HTTP request (spec §5: "3s per-request
// timeout").
const DefaultTimeout = 3 * time.Second

// Config tunes the Checker's concurrency and rate limiting.
type Config struct {
	MinInterval time.Duration
	Timeout     time.Duration
	Client      *http.Client
}

// DefaultConfig returns spec-mandated defaults with a fresh http.Client.
func DefaultConfig() Config {
	return Config{
		MinInterval: DefaultMinInterval,
		Timeout:     DefaultTimeout,
		Client:      &http.Client{},
	}
}

// Checker validates external links and persists their liveness to a Store.
type Checker struct {
	store  *store.SQLiteStore
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	lastAt map[string]time.Time // host -> time of last request issued

	// lastStatusWas405 records whether the most recent tryRequest call saw
	// HTTP 405, so checkOne knows to retry as GET. CheckAll runs link
	// checks strictly sequentially, so a single field is safe here.
	lastStatusWas405 bool
}

// New builds a Checker over s.
func New(s *store.SQLiteStore, cfg Config, logger *slog.Logger) *Checker {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Checker{store: s, cfg: cfg, logger: logger, lastAt: make(map[string]time.Time)}
}

// Result is one link's checked outcome, returned by CheckAll for reporting.
type Result struct {
	LinkID       int64
	DocumentPath string
	Target       string
	Status       store.LinkStatus
}

// CheckAll validates every external link in the Store, rate-limited per
// host, and returns the set of results actually observed (in the order
// checked). Links are checked one at a time; the per-host gate delays a
// link only after a recent request to its own host, so links on
// different hosts incur no added delay.
func (c *Checker) CheckAll(ctx context.Context) ([]Result, error) {
	links, err := c.store.AllLinks(true)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(links))
	for _, link := range links {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		status := c.checkOne(ctx, link.Target)
		now := time.Now().UTC()
		if err := c.store.SetLinkStatus(link.ID, status, now); err != nil {
			c.logger.Error("failed to persist link status",
				slog.Int64("link_id", link.ID), slog.String("error", err.Error()))
		}
		results = append(results, Result{
			LinkID: link.ID, DocumentPath: link.DocumentPath,
			Target: link.Target, Status: status,
		})
	}
	return results, nil
}

// checkOne waits out the target host's rate limit, then issues a HEAD
// request, retrying as GET if the server replies 405 Method Not Allowed.
func (c *Checker) checkOne(ctx context.Context, target string) store.LinkStatus {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return store.LinkStatusBroken
	}

	c.waitTurn(ctx, u.Host)

	ok := c.tryRequest(ctx, http.MethodHead, target)
	if ok {
		return store.LinkStatusOK
	}
	if c.lastStatusWas405 {
		c.waitTurn(ctx, u.Host)
		if c.tryRequest(ctx, http.MethodGet, target) {
			return store.LinkStatusOK
		}
	}
	return store.LinkStatusBroken
}

// tryRequest issues one bounded-timeout request and reports success (2xx).
func (c *Checker) tryRequest(ctx context.Context, method, target string) bool {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, target, nil)
	if err != nil {
		return false
	}
	resp, err := c.cfg.Client.Do(req)
	c.lastStatusWas405 = false
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusMethodNotAllowed {
		c.lastStatusWas405 = true
		return false
	}
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// waitTurn blocks until at least MinInterval has passed since the last
// request to host, then records the new departure time.
func (c *Checker) waitTurn(ctx context.Context, host string) {
	c.mu.Lock()
	last, ok := c.lastAt[host]
	var wait time.Duration
	if ok {
		elapsed := time.Since(last)
		if elapsed < c.cfg.MinInterval {
			wait = c.cfg.MinInterval - elapsed
		}
	}
	c.mu.Unlock()

	if wait > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}

	c.mu.Lock()
	c.lastAt[host] = time.Now()
	c.mu.Unlock()
}
