package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
	"github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/tools"
	"github.com/ZanzyTHEbar/toolchat/tchat/session"
)

type fakeStages struct {
	transcribes atomic.Int32
	rewrites    atomic.Int32
	images      atomic.Int32
	rewriteErr  *ports.Error
}

func (f *fakeStages) Transcribe(ctx context.Context, audio []byte) ports.ToolResult {
	f.transcribes.Add(1)
	return ports.Ok("a cat on a skateboard "+string(audio), nil)
}

func (f *fakeStages) Rewrite(ctx context.Context, text string) ports.ToolResult {
	n := f.rewrites.Add(1)
	if f.rewriteErr != nil {
		return ports.Fail(f.rewriteErr)
	}
	return ports.Ok("Watercolor of "+text+" #"+strings.Repeat("i", int(n)), nil)
}

func (f *fakeStages) Generate(ctx context.Context, prompt string) ports.ToolResult {
	f.images.Add(1)
	return ports.Ok("Generated png image (2x1).", &tools.Media{
		Data: []byte("PNG:" + prompt), MIMEType: "image/png", Format: "png", Width: 2, Height: 1, Decoder: "raw",
	})
}

type countingMetrics struct {
	hits, misses atomic.Int32
}

func (m *countingMetrics) ObserveArtifact(kind string, hit bool) {
	if hit {
		m.hits.Add(1)
	} else {
		m.misses.Add(1)
	}
}
func (m *countingMetrics) ObserveStage(string, time.Duration, error) {}

func newVoice(f *fakeStages, limiter ports.RateLimiter, m Metrics) *Voice {
	return NewVoice(Dependencies{Transcriber: f, Rewriter: f, Imager: f, Limiter: limiter, Metrics: m, Logger: zerolog.Nop()})
}

func TestVoice_IdenticalAudioHitsCache(t *testing.T) {
	ctx := context.Background()
	f := &fakeStages{}
	m := &countingMetrics{}
	// One token per hour: a second upstream call would block.
	v := newVoice(f, adapters.NewTokenBucket(1, time.Hour), m)
	sess := session.NewStore("s1", session.Options{})

	first, err := v.Process(ctx, sess, []byte("clip-1"))
	require.NoError(t, err)
	require.Nil(t, first.Err)
	assert.False(t, first.Cached)
	assert.Equal(t, "a cat on a skateboard clip-1", first.Transcript)
	assert.Equal(t, "image/png", first.MIMEType)
	assert.Equal(t, 2, first.Width)

	second, err := v.Process(ctx, sess, []byte("clip-1"))
	require.NoError(t, err)
	require.Nil(t, second.Err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Prompt, second.Prompt)
	assert.Equal(t, first.Image, second.Image)
	assert.Equal(t, "png", second.Format)

	assert.Equal(t, int32(1), f.transcribes.Load())
	assert.Equal(t, int32(1), f.rewrites.Load())
	assert.Equal(t, int32(1), f.images.Load())
	assert.Equal(t, int32(3), m.hits.Load())
	assert.Equal(t, int32(3), m.misses.Load())

	hist := sess.History()
	require.Len(t, hist, 2, "cached runs add no turns")
	assert.Equal(t, first.Transcript, hist[0].Content)
}

func TestVoice_NewAudioDropsPreviousArtifacts(t *testing.T) {
	ctx := context.Background()
	v := newVoice(&fakeStages{}, nil, nil)
	sess := session.NewStore("s1", session.Options{})

	_, err := v.Process(ctx, sess, []byte("clip-1"))
	require.NoError(t, err)
	second, err := v.Process(ctx, sess, []byte("clip-2"))
	require.NoError(t, err)

	keys := sess.ArtifactKeys(ctx)
	assert.Len(t, keys, 3)
	for _, k := range keys {
		assert.True(t, strings.HasSuffix(k, ":"+second.InputHash), k)
	}
}

func TestVoice_RegenerateKeepsTranscript(t *testing.T) {
	ctx := context.Background()
	f := &fakeStages{}
	v := newVoice(f, nil, nil)
	sess := session.NewStore("s1", session.Options{})

	first, err := v.Process(ctx, sess, []byte("clip"))
	require.NoError(t, err)
	again, err := v.Regenerate(ctx, sess, []byte("clip"))
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.transcribes.Load())
	assert.Equal(t, int32(2), f.rewrites.Load())
	assert.Equal(t, int32(2), f.images.Load())
	assert.NotEqual(t, first.Prompt, again.Prompt)
	assert.False(t, again.Cached)
}

func TestVoice_StageFailureKeepsEarlierStages(t *testing.T) {
	ctx := context.Background()
	f := &fakeStages{rewriteErr: ports.NewError(ports.CodeEmptyUpstreamOutput, "no output")}
	v := newVoice(f, nil, nil)
	sess := session.NewStore("s1", session.Options{})

	res, err := v.Process(ctx, sess, []byte("clip"))
	require.NoError(t, err)
	require.NotNil(t, res.Err)
	assert.True(t, errors.Is(res.Err, ports.ErrEmptyUpstreamOutput))
	assert.Equal(t, KindPrompt, res.FailedAt)
	assert.NotEmpty(t, res.Transcript)
	assert.Zero(t, f.images.Load())
	assert.Empty(t, sess.History())

	f.rewriteErr = nil
	res, err = v.Process(ctx, sess, []byte("clip"))
	require.NoError(t, err)
	require.Nil(t, res.Err)
	assert.Equal(t, int32(1), f.transcribes.Load(), "transcript was cached")
}

func TestVoice_ThrottleHonoursDeadline(t *testing.T) {
	v := newVoice(&fakeStages{}, adapters.NewTokenBucket(1, time.Hour), nil)
	sess := session.NewStore("s1", session.Options{})

	_, err := v.Process(context.Background(), sess, []byte("clip-1"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := v.Process(ctx, sess, []byte("clip-2"))
	require.NoError(t, err)
	require.NotNil(t, res.Err)
	assert.Equal(t, ports.CodeUpstreamTimeout, res.Err.Code)
	assert.Equal(t, KindTranscript, res.FailedAt)
}

func TestVoice_RejectsEmptyAndConcurrentRuns(t *testing.T) {
	v := newVoice(&fakeStages{}, nil, nil)
	sess := session.NewStore("s1", session.Options{})

	_, err := v.Process(context.Background(), sess, nil)
	assert.ErrorIs(t, err, ports.ErrSchemaMismatch)

	release, err := sess.BeginTurn()
	require.NoError(t, err)
	defer release()
	_, err = v.Process(context.Background(), sess, []byte("clip"))
	assert.ErrorIs(t, err, session.ErrTurnInProgress)
}
