package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/toolchat/tchat/generation/gemini"
)

// Retriever runs hybrid lexical/vector search over an Indexer.
type Retriever struct {
	indexer  *Indexer
	embedder Embedder
	metrics  Metrics
	logger   zerolog.Logger
}

// NewRetriever returns a retriever. embedder may be nil for lexical-only
// search.
func NewRetriever(indexer *Indexer, embedder Embedder, metrics Metrics, logger zerolog.Logger) *Retriever {
	if metrics == nil {
		metrics = noOpMetrics{}
	}
	return &Retriever{indexer: indexer, embedder: embedder, metrics: metrics, logger: logger}
}

// Search returns up to opts.K chunks. Both indexes are overfetched before
// fusion. A failed query embedding degrades to lexical search.
func (r *Retriever) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	start := time.Now()
	if opts.K <= 0 {
		opts.K = 3
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lexical := r.indexer.Lexical().Query(query, opts.K*2)

	var vector []SearchResult
	alpha := opts.Alpha
	if alpha > 0 && r.embedder != nil && r.indexer.Vector().Len() > 0 {
		t := time.Now()
		vecs, err := r.embedder.Embed(ctx, []string{query}, gemini.TaskRetrievalQuery)
		r.metrics.ObserveRetrieval(OpEmbed, time.Since(t), err)
		switch {
		case err != nil:
			r.logger.Warn().Err(err).Msg("Query embedding failed; using lexical search only")
		case len(vecs) == 1:
			vector = r.indexer.Vector().Query(vecs[0], opts.K*2)
		}
	}
	if len(vector) == 0 {
		alpha = 0
	}

	fused := FuseAlpha(lexical, vector, alpha)
	out := make([]SearchResult, 0, min(len(fused), opts.K))
	for _, res := range fused {
		if len(out) == opts.K {
			break
		}
		c, ok := r.indexer.Chunk(res.ID)
		if !ok {
			continue
		}
		res.Chunk = &c
		out = append(out, res)
	}
	r.metrics.ObserveRetrieval(OpSearch, time.Since(start), nil)
	r.logger.Debug().
		Str("query", query).
		Int("lexical", len(lexical)).
		Int("vector", len(vector)).
		Int("results", len(out)).
		Msg("Hybrid search")
	return out, nil
}
