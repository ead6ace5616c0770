package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/toolchat/tchat/generation/gemini"
	"github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/adapters"
)

func TestCachedEmbedder_OnlyMissesReachUpstream(t *testing.T) {
	inner := &hashEmbedder{}
	cached := NewCachedEmbedder(inner, adapters.NewLRUCache(16), 0)
	ctx := context.Background()

	first, err := cached.Embed(ctx, []string{"engine oil", "tyre pressure"}, gemini.TaskRetrievalDocument)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, int32(1), inner.calls.Load())

	again, err := cached.Embed(ctx, []string{"tyre pressure", "engine oil"}, gemini.TaskRetrievalDocument)
	require.NoError(t, err)
	assert.Equal(t, int32(1), inner.calls.Load())
	assert.Equal(t, first[0], again[1])
	assert.Equal(t, first[1], again[0])

	// Same text under another task type is a separate entry.
	_, err = cached.Embed(ctx, []string{"engine oil", "wiper blades"}, gemini.TaskRetrievalQuery)
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}
