// Package store implements the Store component: a single embedded SQLite
// database holding every Document, Heading, Link, Tag, Concept, Chunk,
// Embedding, QueryCacheEntry and EventRecord, plus an in-memory HNSW index
// over document-level embeddings.
package store

import "time"

// Document is one indexed Markdown file.
type Document struct {
	ID            int64
	Path          string
	Title         string
	Summary       string
	Category      string
	TokenEstimate int
	ContentHash   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Heading is one entry in a document's ordered heading list.
type Heading struct {
	DocumentID int64
	Ordinal    int
	Level      int
	Text       string
	Anchor     string
}

// LinkStatus is the last known liveness state of a Link.
type LinkStatus string

const (
	LinkStatusUnknown LinkStatus = "unknown"
	LinkStatusOK      LinkStatus = "ok"
	LinkStatusBroken  LinkStatus = "broken"
)

// Link is one link occurrence found in a document's body.
type Link struct {
	ID         int64
	DocumentID int64
	Target     string
	IsExternal bool
	Status     LinkStatus
	CheckedAt  *time.Time
}

// Chunk is one paragraph-level unit of a document's body.
type Chunk struct {
	ID            int64
	DocumentID    int64
	Ordinal       int
	HeadingPath   string
	Content       string
	TokenEstimate int
}

// EmbeddingOwnerType distinguishes document-level from chunk-level vectors.
type EmbeddingOwnerType string

const (
	EmbeddingOwnerDocument EmbeddingOwnerType = "document"
	EmbeddingOwnerChunk    EmbeddingOwnerType = "chunk"
)

// Embedding is one stored vector, owned by either a document or a chunk.
type Embedding struct {
	OwnerType   EmbeddingOwnerType
	OwnerID     int64
	Vector      []float32
	Dimension   int
	Backend     string
	GeneratedAt time.Time
}

// EventKind is the kind of filesystem change an EventRecord describes.
type EventKind string

const (
	EventCreate EventKind = "create"
	EventModify EventKind = "modify"
	EventMove   EventKind = "move"
	EventDelete EventKind = "delete"
)

// EventStatus is an EventRecord's position in the Event Queue lifecycle.
type EventStatus string

const (
	EventStatusQueued   EventStatus = "queued"
	EventStatusInFlight EventStatus = "in_flight"
	EventStatusDone     EventStatus = "done"
	EventStatusFailed   EventStatus = "failed"
)

// EventRecord is one durable entry in the Event Queue.
type EventRecord struct {
	ID           int64
	Path         string
	Kind         EventKind
	NewPath      string
	EnqueuedAt   time.Time
	NotBefore    time.Time
	AttemptCount int
	Status       EventStatus
	LastError    string
	ProcessedAt  *time.Time
}

// Embedder produces vectors for text. Implemented by internal/embed's
// model and hash backends; injected into Store.UpsertDocument so the Store
// package has no dependency on how vectors are produced.
type Embedder interface {
	Embed(text string) ([]float32, error)
	Dimension() int
	BackendID() string
}

// GetDocumentOptions filters and truncates Store.GetDocument's result.
type GetDocumentOptions struct {
	IncludeContent bool
	MaxTokens      int
	Section        string
}

// DocumentView is the result of Store.GetDocument: document metadata plus
// an optionally filtered and truncated body.
type DocumentView struct {
	Document Document
	Headings []Heading
	Tags     []string
	Concepts []string
	Links    []Link
	Chunks   []Chunk
}

// DocumentSummary is the lightweight result row of Store.ListByConcept.
type DocumentSummary struct {
	ID       int64
	Path     string
	Title    string
	Summary  string
	Category string
}

// Stats is Store.Stats' snapshot of index size and ingestion health.
type Stats struct {
	DocumentCount    int
	ChunkCount       int
	EmbeddingCount   int
	TagCount         int
	ConceptCount     int
	BrokenLinkCount  int
	EventsQueued     int
	EventsInFlight   int
	EventsFailed     int
	DatabaseSizeByte int64
}

// HealthReport is Store.HealthReport's verdict on database integrity.
type HealthReport struct {
	Healthy        bool
	IntegrityCheck string
	Issues         []string
}

// EmbeddingCoverage is Store.EmbeddingCoverage's report on how much of the
// corpus has embeddings matching the currently active backend.
type EmbeddingCoverage struct {
	ActiveBackend    string
	DocumentsTotal   int
	DocumentsCurrent int
	ChunksTotal      int
	ChunksCurrent    int
}

// EventQueueStatus is Store.EventQueueStatus' summary of queue backlog.
type EventQueueStatus struct {
	Queued       int
	InFlight     int
	Failed       int
	Done         int
	OldestQueued *time.Time
}

// QueryCacheEntry is one row of the Retriever's query cache.
type QueryCacheEntry struct {
	QueryHash         string
	ResultDocumentIDs []int64
	CreatedAt         time.Time
	LastAccessed      time.Time
	HitCount          int
}

// IndexedDocument is everything the Retriever needs to score one document
// against a query: its own metadata and vector, its chunks and their
// vectors, its concept set, and the deduplicated lowercase token set of its
// body (title + heading texts + all chunk content) used for the lexical
// overlap score.
type IndexedDocument struct {
	Document     Document
	Concepts     []string
	Vector       []float32
	Chunks       []Chunk
	ChunkVectors map[int64][]float32 // chunk id -> vector
	BodyTokens   map[string]struct{}
}

// VectorIndex is the optional approximate-nearest-neighbor abstraction over
// document-level embeddings described in spec §4.G/§9. HNSWVectorIndex
// (backed by github.com/coder/hnsw) is its one implementation; when the
// Retriever is given no index it scores every document by brute-force
// cosine instead.
type VectorIndex interface {
	// Build replaces the index contents with the given document vectors.
	Build(vectors map[int64][]float32) error
	// Search returns up to k document ids nearest to query, ranked by
	// descending cosine similarity.
	Search(query []float32, k int) ([]int64, error)
	// Len reports how many vectors are currently indexed.
	Len() int
	// Save persists the index to path (plus a sibling metadata file).
	Save(path string) error
	// Load replaces the index contents from a previously saved path.
	Load(path string) error
}
