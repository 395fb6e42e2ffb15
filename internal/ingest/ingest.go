// Package ingest implements the Ingestor component (spec §4.C): the single
// entry point that turns one filesystem event into a transactional Store
// mutation. It reads the file, hands the bytes to internal/markdown, and
// calls Store.UpsertDocument/DeleteByPath, classifying every failure per
// spec §7's Retry/Backend/Fatal taxonomy so the Event Queue knows whether
// to retry.
package ingest

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/markdownkeeper/markdownkeeper/internal/apperrors"
	"github.com/markdownkeeper/markdownkeeper/internal/markdown"
	"github.com/markdownkeeper/markdownkeeper/internal/store"
)

// MetadataPolicy mirrors the [metadata] config table: frontmatter fields
// whose absence is worth a warning, and whether a missing category is
// derived from the file's parent directory name.
type MetadataPolicy struct {
	RequiredFrontmatterFields []string
	AutoFillCategory          bool
}

// Ingestor is the Store's sole writer of Document/Heading/Link/Tag/Concept/
// Chunk/Embedding rows.
type Ingestor struct {
	store    *store.SQLiteStore
	embedder store.Embedder
	logger   *slog.Logger

	// Policy is consulted on every ingest; the zero value warns about
	// nothing and fills in nothing.
	Policy MetadataPolicy
}

// New builds an Ingestor over s, using embedder to compute document and
// chunk vectors on every upsert. A nil logger discards log output.
func New(s *store.SQLiteStore, embedder store.Embedder, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Ingestor{store: s, embedder: embedder, logger: logger}
}

// IngestEvent dispatches one leased EventRecord to the matching Store
// mutation, per spec §4.C's create|modify/delete/move handling.
func (ing *Ingestor) IngestEvent(ev store.EventRecord) error {
	switch ev.Kind {
	case store.EventCreate, store.EventModify:
		_, err := ing.IngestPath(ev.Path)
		return err
	case store.EventDelete:
		_, err := ing.store.DeleteByPath(ev.Path)
		return err
	case store.EventMove:
		if _, err := ing.store.DeleteByPath(ev.Path); err != nil {
			return err
		}
		_, err := ing.IngestPath(ev.NewPath)
		return err
	default:
		return apperrors.New(apperrors.Invalid, fmt.Sprintf("unknown event kind %q", ev.Kind), nil)
	}
}

// IngestPath reads, parses, and upserts the file at path. Used directly by
// the `scan-file` CLI command as well as by IngestEvent.
//
// A missing or unreadable file is a transient condition left for the Event
// Queue's retry policy (spec §4.C: "if a read fails mid-burst, the event is
// left for retry"); a malformed frontmatter block is not an ingest error at
// all, since internal/markdown.Parse is lenient and never fails on it.
func (ing *Ingestor) IngestPath(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.Retry, fmt.Errorf("read %s: %w", path, err))
	}

	parsed, err := markdown.Parse(string(data))
	if err != nil {
		// markdown.Parse is documented as never failing; guard anyway and
		// ingest with an empty document rather than dropping the event.
		ing.logger.Warn("parse produced an error, ingesting as empty document",
			slog.String("path", path), slog.String("error", err.Error()))
		parsed = &markdown.ParsedDocument{}
	}

	ing.applyMetadataPolicy(path, parsed)

	id, err := ing.store.UpsertDocument(path, parsed, ing.embedder)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// applyMetadataPolicy warns about required frontmatter fields the document
// omits and, when enabled, fills a missing category from the file's parent
// directory name.
func (ing *Ingestor) applyMetadataPolicy(path string, parsed *markdown.ParsedDocument) {
	for _, field := range ing.Policy.RequiredFrontmatterFields {
		if _, ok := parsed.Frontmatter[field]; !ok {
			ing.logger.Warn("document missing required frontmatter field",
				slog.String("path", path), slog.String("field", field))
		}
	}
	if ing.Policy.AutoFillCategory && parsed.Category == "" {
		parsed.Category = filepath.Base(filepath.Dir(path))
	}
}
