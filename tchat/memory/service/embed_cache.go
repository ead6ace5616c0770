package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
)

// CachedEmbedder memoises vectors per (task type, text). Only the misses of
// a batch reach the wrapped embedder, in one call.
type CachedEmbedder struct {
	next  Embedder
	cache ports.Cache
	ttl   time.Duration
}

var _ Embedder = (*CachedEmbedder)(nil)

// NewCachedEmbedder wraps next. A ttl of zero keeps entries until evicted.
func NewCachedEmbedder(next Embedder, cache ports.Cache, ttl time.Duration) *CachedEmbedder {
	return &CachedEmbedder{next: next, cache: cache, ttl: ttl}
}

func (c *CachedEmbedder) Embed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		missIdx   []int
		missTexts []string
	)
	for i, t := range texts {
		if b, ok := c.cache.Get(ctx, embeddingKey(taskType, t)); ok {
			if v := decodeEmbedding(b); v != nil {
				out[i] = v
				continue
			}
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.next.Embed(ctx, missTexts, taskType)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(missTexts))
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		if len(vecs[j]) > 0 {
			_ = c.cache.Set(ctx, embeddingKey(taskType, texts[i]), encodeEmbedding(vecs[j]), int(c.ttl.Seconds()))
		}
	}
	return out, nil
}

func embeddingKey(taskType, text string) string {
	sum := sha256.Sum256([]byte(taskType + "\x00" + text))
	return "embed:" + hex.EncodeToString(sum[:])
}
