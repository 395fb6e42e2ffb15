package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdownkeeper/markdownkeeper/internal/markdown"
)

type stubEmbedder struct {
	dim     int
	backend string
}

func (s stubEmbedder) Embed(text string) ([]float32, error) {
	v := make([]float32, s.dim)
	if len(text) > 0 {
		v[0] = 1
	}
	return v, nil
}
func (s stubEmbedder) Dimension() int    { return s.dim }
func (s stubEmbedder) BackendID() string { return s.backend }

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func parseSample(t *testing.T, text string) *markdown.ParsedDocument {
	t.Helper()
	doc, err := markdown.Parse(text)
	require.NoError(t, err)
	return doc
}

const sampleDoc = `---
title: Sample
tags: alpha, beta
---

# Sample

Some paragraph content about indexing.

## Details

More detail here about retrieval.
`

func TestUpsertDocument_CreatesNewDocument(t *testing.T) {
	s := openTestStore(t)
	parsed := parseSample(t, sampleDoc)

	id, err := s.UpsertDocument("/docs/sample.md", parsed, stubEmbedder{dim: 8, backend: "hash-v1"})
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	view, err := s.GetDocument(id, GetDocumentOptions{IncludeContent: true})
	require.NoError(t, err)
	assert.Equal(t, "Sample", view.Document.Title)
	assert.Contains(t, view.Tags, "alpha")
	assert.NotEmpty(t, view.Chunks)
}

func TestUpsertDocument_UnchangedHashOnlyTouchesUpdatedAt(t *testing.T) {
	s := openTestStore(t)
	parsed := parseSample(t, sampleDoc)
	embedder := stubEmbedder{dim: 8, backend: "hash-v1"}

	id1, err := s.UpsertDocument("/docs/sample.md", parsed, embedder)
	require.NoError(t, err)

	first, err := s.GetDocument(id1, GetDocumentOptions{})
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	id2, err := s.UpsertDocument("/docs/sample.md", parsed, embedder)
	require.NoError(t, err)

	second, err := s.GetDocument(id2, GetDocumentOptions{})
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, first.Document.CreatedAt, second.Document.CreatedAt)
	assert.True(t, !second.Document.UpdatedAt.Before(first.Document.UpdatedAt))
}

func TestUpsertDocument_ChangedHashReplacesChunks(t *testing.T) {
	s := openTestStore(t)
	embedder := stubEmbedder{dim: 8, backend: "hash-v1"}

	id1, err := s.UpsertDocument("/docs/sample.md", parseSample(t, sampleDoc), embedder)
	require.NoError(t, err)

	changed := sampleDoc + "\n\nA brand new closing paragraph with fresh content.\n"
	id2, err := s.UpsertDocument("/docs/sample.md", parseSample(t, changed), embedder)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	view, err := s.GetDocument(id2, GetDocumentOptions{IncludeContent: true})
	require.NoError(t, err)
	found := false
	for _, c := range view.Chunks {
		if c.Content != "" && containsFold(c.Content, "brand new closing") {
			found = true
		}
	}
	assert.True(t, found, "expected replaced chunks to include new content")
}

func containsFold(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (indexFold(haystack, needle) >= 0)
}

func indexFold(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if equalFold(haystack[i:i+len(needle)], needle) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func TestDeleteByPath_CascadesAndFlushesCache(t *testing.T) {
	s := openTestStore(t)
	embedder := stubEmbedder{dim: 8, backend: "hash-v1"}

	id, err := s.UpsertDocument("/docs/sample.md", parseSample(t, sampleDoc), embedder)
	require.NoError(t, err)

	require.NoError(t, s.PutCacheEntry("somehash", []int64{id}))

	deleted, err := s.DeleteByPath("/docs/sample.md")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.GetDocument(id, GetDocumentOptions{})
	assert.Error(t, err)

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, st.DocumentCount)
	assert.Equal(t, 0, st.ChunkCount)
	assert.Equal(t, 0, st.EmbeddingCount, "chunk and document embeddings must cascade")

	_, ok, err := s.GetCacheEntry("somehash", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "cache should be flushed on delete")
}

func TestDeleteByPath_MissingPathReturnsFalse(t *testing.T) {
	s := openTestStore(t)
	deleted, err := s.DeleteByPath("/docs/does-not-exist.md")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestQueryCache_ExpiresAfterTTL(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutCacheEntry("hash1", []int64{1, 2, 3}))

	entry, ok, err := s.GetCacheEntry("hash1", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2, 3}, entry.ResultDocumentIDs)

	_, ok, err = s.GetCacheEntry("hash1", -time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.GetCacheEntry("hash1", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "expired entry must be evicted, not just skipped")
}

func TestListByConcept_FiltersByConceptName(t *testing.T) {
	s := openTestStore(t)
	embedder := stubEmbedder{dim: 8, backend: "hash-v1"}
	doc := parseSample(t, sampleDoc)
	doc.Concepts = []string{"indexing", "retrieval"}

	_, err := s.UpsertDocument("/docs/sample.md", doc, embedder)
	require.NoError(t, err)

	results, err := s.ListByConcept("indexing", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "/docs/sample.md", results[0].Path)

	none, err := s.ListByConcept("nonexistent", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestHealthReport_ReportsOK(t *testing.T) {
	s := openTestStore(t)
	report, err := s.HealthReport()
	require.NoError(t, err)
	assert.True(t, report.Healthy)
}

func TestEventQueue_EnqueueAndLease(t *testing.T) {
	s := openTestStore(t)

	_, err := s.EnqueueEvent("/docs/a.md", EventCreate, "")
	require.NoError(t, err)

	ev, err := s.LeaseNextEvent(0)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, EventCreate, ev.Kind)
	assert.Equal(t, EventStatusInFlight, ev.Status)
}

func TestEventQueue_CoalescesCreateThenModify(t *testing.T) {
	s := openTestStore(t)

	_, err := s.EnqueueEvent("/docs/a.md", EventCreate, "")
	require.NoError(t, err)
	_, err = s.EnqueueEvent("/docs/a.md", EventModify, "")
	require.NoError(t, err)

	ev, err := s.LeaseNextEvent(0)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, EventModify, ev.Kind, "create+modify collapses to a single idempotent modify")

	status, err := s.EventQueueStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, status.InFlight)
}

func TestEventQueue_CoalescesCreateThenDeleteToNoOp(t *testing.T) {
	s := openTestStore(t)

	_, err := s.EnqueueEvent("/docs/a.md", EventCreate, "")
	require.NoError(t, err)
	_, err = s.EnqueueEvent("/docs/a.md", EventDelete, "")
	require.NoError(t, err)

	ev, err := s.LeaseNextEvent(0)
	require.NoError(t, err)
	assert.Nil(t, ev, "create immediately followed by delete nets out to no-op")

	status, err := s.EventQueueStatus()
	require.NoError(t, err)
	assert.Equal(t, 0, status.Queued)
	assert.Equal(t, 0, status.InFlight)
	assert.Equal(t, 2, status.Done)
}

func TestEventQueue_MoveSubsumesEarlierEvents(t *testing.T) {
	s := openTestStore(t)

	_, err := s.EnqueueEvent("/docs/a.md", EventCreate, "")
	require.NoError(t, err)
	_, err = s.EnqueueEvent("/docs/a.md", EventModify, "")
	require.NoError(t, err)
	_, err = s.EnqueueEvent("/docs/a.md", EventMove, "/docs/b.md")
	require.NoError(t, err)

	ev, err := s.LeaseNextEvent(0)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, EventMove, ev.Kind, "the move must survive; its processing deletes the source and ingests the destination")
	assert.Equal(t, "/docs/b.md", ev.NewPath)

	status, err := s.EventQueueStatus()
	require.NoError(t, err)
	assert.Equal(t, 0, status.Queued)
	assert.Equal(t, 1, status.InFlight)
	assert.Equal(t, 2, status.Done)
}

func TestEventQueue_InFlightPathBlocksFurtherLeases(t *testing.T) {
	s := openTestStore(t)

	_, err := s.EnqueueEvent("/docs/a.md", EventMove, "/docs/b.md")
	require.NoError(t, err)
	_, err = s.EnqueueEvent("/docs/a.md", EventCreate, "")
	require.NoError(t, err)

	first, err := s.LeaseNextEvent(0)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, EventMove, first.Kind)

	second, err := s.LeaseNextEvent(0)
	require.NoError(t, err)
	assert.Nil(t, second, "at most one in_flight record per path")

	require.NoError(t, s.CompleteEvent(first.ID))
	third, err := s.LeaseNextEvent(0)
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, EventCreate, third.Kind)
}

func TestEventQueue_ReplayResetsInFlight(t *testing.T) {
	s := openTestStore(t)

	_, err := s.EnqueueEvent("/docs/a.md", EventCreate, "")
	require.NoError(t, err)
	_, err = s.LeaseNextEvent(0)
	require.NoError(t, err)

	n, err := s.ReplayInFlight()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	status, err := s.EventQueueStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, status.Queued)
	assert.Equal(t, 0, status.InFlight)
}

func TestEventQueue_RequeueFailsAfterMaxAttempts(t *testing.T) {
	s := openTestStore(t)

	id, err := s.EnqueueEvent("/docs/a.md", EventCreate, "")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.RequeueEvent(id, "boom", 0, 5))
	}

	failed, err := s.FailedEvents()
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "boom", failed[0].LastError)
}
