// Package semantic stores one embedding vector per entity and answers
// cosine-similarity queries over them.
package semantic

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

var (
	// ErrDimensionMismatch is returned when a vector's length differs from
	// the index dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrZeroVector is returned for vectors whose norm is zero.
	ErrZeroVector = errors.New("zero-norm embedding")
)

// Hit is one search result.
type Hit struct {
	ID         string
	Similarity float64
}

type entry struct {
	vec  []float32
	norm float64
}

// Index is a brute-force cosine similarity index. It is safe for
// concurrent use.
type Index struct {
	mu      sync.RWMutex
	dim     int
	entries map[string]entry
}

// New creates an index for vectors of length dim. A dim of 0 fixes the
// dimension on the first insert.
func New(dim int) *Index {
	return &Index{dim: dim, entries: make(map[string]entry)}
}

// Dimensions returns the vector length, or 0 if not yet fixed.
func (idx *Index) Dimensions() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dim
}

// Fix sets the vector length of an index whose dimension is not yet
// fixed. It fails when the index already uses another length.
func (idx *Index) Fix(dim int) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.dim == 0 {
		idx.dim = dim
		return nil
	}
	if idx.dim != dim {
		return fmt.Errorf("got %d, want %d: %w", dim, idx.dim, ErrDimensionMismatch)
	}
	return nil
}

// Len returns the number of stored vectors.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Put stores the vector for id, replacing any previous one. An empty vector
// removes the entry: the entity stays lexical-only.
func (idx *Index) Put(id string, vec []float32) error {
	if len(vec) == 0 {
		idx.Remove(id)
		return nil
	}
	norm := norm(vec)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return fmt.Errorf("%s: %w", id, ErrZeroVector)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.dim == 0 {
		idx.dim = len(vec)
	}
	if len(vec) != idx.dim {
		return fmt.Errorf("%s: got %d, want %d: %w", id, len(vec), idx.dim, ErrDimensionMismatch)
	}
	idx.entries[id] = entry{vec: append([]float32(nil), vec...), norm: norm}
	return nil
}

// Remove drops the vector for id. Unknown ids are ignored.
func (idx *Index) Remove(id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.entries, id)
}

// Clear removes every vector. The dimension stays fixed.
func (idx *Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries = make(map[string]entry)
}

// Vector returns a copy of the vector stored for id.
func (idx *Index) Vector(id string) ([]float32, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.entries[id]
	if !ok {
		return nil, false
	}
	return append([]float32(nil), e.vec...), true
}

// Search returns at most topK entries whose cosine similarity to query is
// at least minSimilarity, ordered by similarity desc then id. topK <= 0
// returns every match. An empty index returns no hits for any query.
func (idx *Index) Search(query []float32, topK int, minSimilarity float64) ([]Hit, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.entries) == 0 {
		return nil, nil
	}
	if len(query) != idx.dim {
		return nil, fmt.Errorf("query: got %d, want %d: %w", len(query), idx.dim, ErrDimensionMismatch)
	}
	qn := norm(query)
	if qn == 0 {
		return nil, fmt.Errorf("query: %w", ErrZeroVector)
	}

	hits := make([]Hit, 0, len(idx.entries))
	for id, e := range idx.entries {
		var dot float64
		for i, v := range e.vec {
			dot += float64(v) * float64(query[i])
		}
		sim := dot / (qn * e.norm)
		if sim >= minSimilarity {
			hits = append(hits, Hit{ID: id, Similarity: sim})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ID < hits[j].ID
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
