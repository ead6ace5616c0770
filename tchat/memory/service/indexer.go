package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/ZanzyTHEbar/toolchat/tchat/generation/gemini"
)

// embedBatchSize is the most texts sent in one embedding request.
const embedBatchSize = 100

// IndexReport summarises one Sync.
type IndexReport struct {
	Added     int
	Updated   int
	Removed   int
	Unchanged int
	Failed    int
	Chunks    int
	Elapsed   time.Duration
}

// Indexer keeps the lexical and vector indexes and the chunk store in step
// with the documents directory. Documents are chunked and embedded on a
// bounded pool; index and store writes are serialised.
type Indexer struct {
	loader      *Loader
	chunker     *Chunker
	store       ChunkStore
	embedder    Embedder
	lexical     *LexicalIndex
	vector      *FlatIndex
	concurrency int
	metrics     Metrics
	logger      zerolog.Logger

	mu        sync.Mutex // serialises Warm and Sync
	checksums map[string]string
	byPath    map[string][]string

	cmu    sync.RWMutex
	chunks map[string]Chunk
}

// IndexerConfig wires an Indexer. Store and Embedder are optional: without a
// store chunks live in memory only, without an embedder the index is
// lexical only.
type IndexerConfig struct {
	Loader      *Loader
	Chunker     *Chunker
	Store       ChunkStore
	Embedder    Embedder
	Concurrency int
	Metrics     Metrics
	Logger      zerolog.Logger
}

// NewIndexer returns an empty indexer; call Warm then Sync.
func NewIndexer(cfg IndexerConfig) *Indexer {
	if cfg.Store == nil {
		cfg.Store = newMemoryChunkStore()
	}
	if cfg.Chunker == nil {
		cfg.Chunker = NewChunker(0, 0)
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noOpMetrics{}
	}
	return &Indexer{
		loader:      cfg.Loader,
		chunker:     cfg.Chunker,
		store:       cfg.Store,
		embedder:    cfg.Embedder,
		lexical:     NewLexicalIndex(),
		vector:      NewFlatIndex(),
		concurrency: cfg.Concurrency,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		checksums:   make(map[string]string),
		byPath:      make(map[string][]string),
		chunks:      make(map[string]Chunk),
	}
}

// Warm loads the persisted chunks into the in-memory indexes.
func (i *Indexer) Warm(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	sums, err := i.store.Checksums(ctx)
	if err != nil {
		return err
	}
	chunks, err := i.store.LoadChunks(ctx)
	if err != nil {
		return err
	}
	byPath := make(map[string][]Chunk)
	for _, c := range chunks {
		byPath[c.Path] = append(byPath[c.Path], c)
	}
	for path, sum := range sums {
		i.replace(path, byPath[path])
		i.checksums[path] = sum
	}
	i.metrics.SetIndexedChunks(i.Len())
	i.logger.Info().Int("documents", len(sums)).Int("chunks", len(chunks)).Msg("Loaded persisted retrieval index")
	return nil
}

// Sync reindexes changed documents and drops deleted ones. A document that
// fails to chunk or embed keeps its previous chunks and is retried on the
// next Sync; its error is joined into the returned error.
func (i *Indexer) Sync(ctx context.Context) (IndexReport, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	start := time.Now()
	var report IndexReport
	docs, err := i.loader.Load(ctx)
	if err != nil {
		i.metrics.ObserveRetrieval(OpIndex, time.Since(start), err)
		return report, err
	}

	present := make(map[string]bool, len(docs))
	var changed []Document
	for _, d := range docs {
		present[d.Path] = true
		if i.checksums[d.Path] == d.Checksum {
			report.Unchanged++
			continue
		}
		changed = append(changed, d)
	}

	var errs []error
	for path := range i.checksums {
		if present[path] {
			continue
		}
		if err := i.store.DeleteDocument(ctx, path); err != nil {
			errs = append(errs, err)
			continue
		}
		i.replace(path, nil)
		delete(i.checksums, path)
		report.Removed++
		i.logger.Info().Str("path", path).Msg("Removed document from index")
	}

	prepared := make([][]Chunk, len(changed))
	failures := make([]error, len(changed))
	p := pool.New().WithMaxGoroutines(i.concurrency).WithContext(ctx)
	for idx, d := range changed {
		p.Go(func(ctx context.Context) error {
			chunks := i.chunker.Chunks(d)
			if err := i.embed(ctx, chunks); err != nil {
				failures[idx] = fmt.Errorf("%s: %w", d.Path, err)
				return nil
			}
			prepared[idx] = chunks
			return nil
		})
	}
	_ = p.Wait()

	for idx, d := range changed {
		if failures[idx] != nil {
			errs = append(errs, failures[idx])
			report.Failed++
			continue
		}
		if err := i.store.ReplaceDocument(ctx, d.Path, d.Checksum, prepared[idx]); err != nil {
			errs = append(errs, err)
			report.Failed++
			continue
		}
		if _, ok := i.checksums[d.Path]; ok {
			report.Updated++
		} else {
			report.Added++
		}
		i.replace(d.Path, prepared[idx])
		i.checksums[d.Path] = d.Checksum
		i.logger.Info().Str("path", d.Path).Int("chunks", len(prepared[idx])).Msg("Indexed document")
	}

	report.Chunks = i.Len()
	report.Elapsed = time.Since(start)
	err = errors.Join(errs...)
	i.metrics.SetIndexedChunks(report.Chunks)
	i.metrics.ObserveRetrieval(OpIndex, report.Elapsed, err)
	return report, err
}

func (i *Indexer) embed(ctx context.Context, chunks []Chunk) error {
	if i.embedder == nil || len(chunks) == 0 {
		return nil
	}
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := min(start+embedBatchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}
		t := time.Now()
		vecs, err := i.embedder.Embed(ctx, texts, gemini.TaskRetrievalDocument)
		i.metrics.ObserveRetrieval(OpEmbed, time.Since(t), err)
		if err != nil {
			return err
		}
		if len(vecs) != len(texts) {
			return fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(texts))
		}
		for j := range vecs {
			chunks[start+j].Embedding = vecs[j]
		}
	}
	return nil
}

// replace swaps the indexed chunks of path; nil chunks removes the path.
func (i *Indexer) replace(path string, chunks []Chunk) {
	i.cmu.Lock()
	defer i.cmu.Unlock()
	for _, id := range i.byPath[path] {
		i.lexical.Remove(id)
		i.vector.Delete(id)
		delete(i.chunks, id)
	}
	delete(i.byPath, path)
	if len(chunks) == 0 {
		return
	}
	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		i.lexical.Add(c.ID, c.Text)
		if len(c.Embedding) > 0 && !i.vector.Upsert(c.ID, c.Embedding) {
			i.logger.Warn().Str("chunk", c.ID).Msg("Embedding dimension mismatch; chunk is lexical only")
		}
		i.chunks[c.ID] = c
		ids = append(ids, c.ID)
	}
	i.byPath[path] = ids
}

// Chunk returns the indexed chunk with id.
func (i *Indexer) Chunk(id string) (Chunk, bool) {
	i.cmu.RLock()
	defer i.cmu.RUnlock()
	c, ok := i.chunks[id]
	return c, ok
}

// Len returns the number of indexed chunks.
func (i *Indexer) Len() int {
	i.cmu.RLock()
	defer i.cmu.RUnlock()
	return len(i.chunks)
}

// Documents returns the number of indexed documents.
func (i *Indexer) Documents() int {
	i.cmu.RLock()
	defer i.cmu.RUnlock()
	return len(i.byPath)
}

// Lexical returns the lexical index.
func (i *Indexer) Lexical() *LexicalIndex { return i.lexical }

// Vector returns the vector index.
func (i *Indexer) Vector() *FlatIndex { return i.vector }
