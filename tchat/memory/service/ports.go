package service

import (
	"context"
	"fmt"
	"time"
)

// Page is one form-feed separated page of a document.
type Page struct {
	Label string
	Text  string
}

// Document is a loaded source file, split into pages.
type Document struct {
	Path     string // slash separated, relative to the docs dir
	FileName string
	Checksum string
	Pages    []Page
}

// Chunk is one indexed span of a document page.
type Chunk struct {
	ID        string
	Path      string
	FileName  string
	PageLabel string
	Ordinal   int
	Text      string
	Embedding []float32
}

// Citation renders the chunk's source as "<file> (Page <label>)".
func (c Chunk) Citation() string {
	return fmt.Sprintf("%s (Page %s)", c.FileName, c.PageLabel)
}

// SearchResult is a scored chunk id. Provenance names the index (or
// indexes) that produced it.
type SearchResult struct {
	ID         string
	Score      float64
	Provenance string
	Chunk      *Chunk
}

// SearchOptions tunes one hybrid search.
type SearchOptions struct {
	K     int
	Alpha float64 // vector weight; 0 is lexical only
}

// Embedder generates embeddings for text content.
type Embedder interface {
	Embed(ctx context.Context, texts []string, taskType string) ([][]float32, error)
}

// ChunkStore persists indexed chunks so that a restart does not re-embed.
type ChunkStore interface {
	Checksums(ctx context.Context) (map[string]string, error)
	ReplaceDocument(ctx context.Context, path, checksum string, chunks []Chunk) error
	DeleteDocument(ctx context.Context, path string) error
	LoadChunks(ctx context.Context) ([]Chunk, error)
}

// Metrics receives retrieval measurements.
type Metrics interface {
	ObserveRetrieval(op string, elapsed time.Duration, err error)
	SetIndexedChunks(n int)
}
