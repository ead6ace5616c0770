package service

import (
	"sync"

	"gonum.org/v1/gonum/floats"
)

// FlatIndex is a brute-force cosine similarity index. Vectors are stored
// unit-normalised so a query is one dot product per entry.
type FlatIndex struct {
	mu        sync.RWMutex
	vectors   map[string][]float64
	dimension int
}

// NewFlatIndex returns an empty index. The dimension is fixed by the first
// upsert.
func NewFlatIndex() *FlatIndex {
	return &FlatIndex{vectors: make(map[string][]float64)}
}

// Upsert stores v under id. Zero vectors and vectors of the wrong dimension
// are ignored and reported false.
func (f *FlatIndex) Upsert(id string, v []float32) bool {
	vec, ok := unit(v)
	if !ok {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dimension == 0 {
		f.dimension = len(vec)
	}
	if len(vec) != f.dimension {
		return false
	}
	f.vectors[id] = vec
	return true
}

// Delete removes id.
func (f *FlatIndex) Delete(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.vectors, id)
}

// Len returns the number of stored vectors.
func (f *FlatIndex) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.vectors)
}

// Query returns the k entries most similar to q.
func (f *FlatIndex) Query(q []float32, k int) []SearchResult {
	query, ok := unit(q)
	if !ok || k <= 0 {
		return nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(query) != f.dimension {
		return nil
	}
	results := make([]SearchResult, 0, len(f.vectors))
	for id, vec := range f.vectors {
		results = append(results, SearchResult{ID: id, Score: floats.Dot(query, vec), Provenance: "vector"})
	}
	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results
}

func unit(v []float32) ([]float64, bool) {
	if len(v) == 0 {
		return nil, false
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	norm := floats.Norm(out, 2)
	if norm == 0 {
		return nil, false
	}
	floats.Scale(1/norm, out)
	return out, true
}
