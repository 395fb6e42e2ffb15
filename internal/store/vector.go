package store

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/coder/hnsw"
)

// encodeVector serializes a float32 vector as a little-endian byte blob for
// storage in the embeddings table.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector is the inverse of encodeVector.
func decodeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// normalizeInPlace L2-normalizes v to unit length. A zero vector is left
// unchanged.
func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, f := range v {
		sumSquares += float64(f) * float64(f)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

// cosineSimilarity returns the cosine similarity of two equal-length unit or
// non-unit vectors, clamped to [0, 1] per spec §4.G's s_vec definition.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// HNSWVectorIndex implements VectorIndex over github.com/coder/hnsw, keyed
// directly by the document id (Store-assigned ids are already a dense
// positive uint64 space, so no separate id-mapping table is needed, unlike
// the teacher's string-keyed HNSWStore).
type HNSWVectorIndex struct {
	mu        sync.RWMutex
	graph     *hnsw.Graph[uint64]
	dimension int
	ids       []int64
}

// hnswMetadata is the JSON sidecar format documented by spec §6's persisted
// state layout: "faiss.index.meta.json ... {id_map, dimensions,
// embeddings?}". IDMap is an identity mapping (document id -> graph key)
// since Store ids are already used directly as graph keys; it is carried
// explicitly so the sidecar matches the documented shape and so Load can
// recover the set of indexed ids without re-walking the graph file.
type hnswMetadata struct {
	Dimensions int              `json:"dimensions"`
	IDMap      map[string]int64 `json:"id_map"`
}

// NewHNSWVectorIndex creates an empty index for vectors of the given
// dimension.
func NewHNSWVectorIndex(dimension int) *HNSWVectorIndex {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 20
	graph.Ml = 0.25
	return &HNSWVectorIndex{graph: graph, dimension: dimension}
}

// Build replaces the graph with fresh nodes for every (id, vector) pair.
func (idx *HNSWVectorIndex) Build(vectors map[int64][]float32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 20
	graph.Ml = 0.25

	ids := make([]int64, 0, len(vectors))
	for id, vec := range vectors {
		v := make([]float32, len(vec))
		copy(v, vec)
		normalizeInPlace(v)
		graph.Add(hnsw.MakeNode(uint64(id), v))
		ids = append(ids, id)
	}
	idx.graph = graph
	idx.ids = ids
	return nil
}

// Search returns up to k document ids nearest to query by cosine distance.
func (idx *HNSWVectorIndex) Search(query []float32, k int) ([]int64, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.graph == nil || idx.graph.Len() == 0 {
		return nil, nil
	}
	q := make([]float32, len(query))
	copy(q, query)
	normalizeInPlace(q)

	nodes := idx.graph.Search(q, k)
	ids := make([]int64, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, int64(n.Key))
	}
	return ids, nil
}

// Len reports the number of vectors currently in the graph.
func (idx *HNSWVectorIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.graph == nil {
		return 0
	}
	return idx.graph.Len()
}

// Save persists the graph to path and its dimension/id_map to a
// path+".meta.json" JSON sidecar, via temp-file-then-rename for atomicity.
func (idx *HNSWVectorIndex) Save(path string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	if err := idx.graph.Export(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close index file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename index file: %w", err)
	}

	return idx.saveMetadata(path + ".meta.json")
}

func (idx *HNSWVectorIndex) saveMetadata(path string) error {
	idMap := make(map[string]int64, len(idx.ids))
	for _, id := range idx.ids {
		idMap[strconv.FormatInt(id, 10)] = id
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create metadata file: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(hnswMetadata{Dimensions: idx.dimension, IDMap: idMap}); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close metadata file: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load reads a previously saved graph and its metadata from path.
func (idx *HNSWVectorIndex) Load(path string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	metaFile, err := os.Open(path + ".meta.json")
	if err != nil {
		return fmt.Errorf("open index metadata: %w", err)
	}
	defer metaFile.Close()
	var meta hnswMetadata
	if err := json.NewDecoder(metaFile).Decode(&meta); err != nil {
		return fmt.Errorf("decode index metadata: %w", err)
	}
	idx.dimension = meta.Dimensions
	ids := make([]int64, 0, len(meta.IDMap))
	for _, id := range meta.IDMap {
		ids = append(ids, id)
	}
	idx.ids = ids

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 20
	graph.Ml = 0.25
	if err := graph.Import(bufio.NewReader(f)); err != nil {
		return fmt.Errorf("import graph: %w", err)
	}
	idx.graph = graph
	return nil
}
