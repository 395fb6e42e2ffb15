package linkcheck

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/markdownkeeper/markdownkeeper/internal/store"
)

// CheckInternalLinks resolves every non-external link's target relative to
// its owning document's directory and stats it on disk, persisting OK or
// Broken to the Store. This is the internal-link half of spec §5's link
// validation; CheckAll (the Checker's HTTP path) only ever covers external
// links, so a target like "./nope.md" would otherwise never leave its
// initial "unknown" status.
func CheckInternalLinks(s *store.SQLiteStore) ([]Result, error) {
	links, err := s.AllLinks(false)
	if err != nil {
		return nil, err
	}

	var results []Result
	for _, link := range links {
		if link.IsExternal {
			continue
		}
		status := resolveInternalTarget(link.DocumentPath, link.Target)
		if err := s.SetLinkStatus(link.ID, status, time.Now().UTC()); err != nil {
			return results, err
		}
		results = append(results, Result{
			LinkID: link.ID, DocumentPath: link.DocumentPath,
			Target: link.Target, Status: status,
		})
	}
	return results, nil
}

// resolveInternalTarget strips any "#anchor" or "?query" suffix, joins the
// remainder against the owning document's directory, and reports whether
// the resulting path exists on disk. An empty path (a bare "#anchor"
// same-document reference) always resolves OK.
func resolveInternalTarget(documentPath, target string) store.LinkStatus {
	clean := target
	if i := strings.IndexAny(clean, "#?"); i >= 0 {
		clean = clean[:i]
	}
	if clean == "" {
		return store.LinkStatusOK
	}

	resolved := clean
	if !filepath.IsAbs(clean) {
		resolved = filepath.Join(filepath.Dir(documentPath), clean)
	}
	if _, err := os.Stat(resolved); err != nil {
		return store.LinkStatusBroken
	}
	return store.LinkStatusOK
}
