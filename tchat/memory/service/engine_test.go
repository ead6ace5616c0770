package service

import (
	"context"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/toolchat/tchat/config"
	"github.com/ZanzyTHEbar/toolchat/tchat/db"
	"github.com/ZanzyTHEbar/toolchat/tchat/generation/gemini"
	"github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
)

// hashEmbedder maps tokens into a small bag-of-words vector.
type hashEmbedder struct {
	calls atomic.Int32
	tasks sync.Map
}

func (h *hashEmbedder) Embed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	h.calls.Add(1)
	h.tasks.Store(taskType, true)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, 32)
		for _, tok := range Tokenize(t) {
			f := fnv.New32a()
			_, _ = f.Write([]byte(tok))
			v[f.Sum32()%32]++
		}
		out[i] = v
	}
	return out, nil
}

type answerProvider struct {
	mu     sync.Mutex
	calls  int
	inputs []ports.PromptInput
	reply  string
}

func (p *answerProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.inputs = append(p.inputs, in)
	return ports.Completion{Text: p.reply}, nil
}

func writeManuals(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"a4.txt":            "Audi A4 owner's manual\fEngine oil: check the oil level with the dipstick. Use 5W-30.\fTyre pressure: 2.4 bar.",
		"a6.txt":            "Audi A6 manual\fWiper blades replacement.",
		"drafts/secret.txt": "Internal draft about engine oil.",
		"notes.pdf":         "binary",
		".ragignore":        "drafts/\n",
	}
	for name, body := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	return dir
}

func retrievalConfig(dir string, embeddings bool) *config.RetrievalConfig {
	return &config.RetrievalConfig{
		DocsDir:           dir,
		IgnoreFile:        ".ragignore",
		TopK:              3,
		ChunkSize:         1200,
		ChunkOverlap:      100,
		Alpha:             0.5,
		Embeddings:        embeddings,
		IngestConcurrency: 2,
		MaxContextTokens:  3000,
		AnswerCacheTTL:    time.Minute,
	}
}

func TestEngine_AnswerCitesPages(t *testing.T) {
	ctx := context.Background()
	dir := writeManuals(t)
	provider := &answerProvider{reply: "Check the dipstick and use 5W-30."}
	engine, err := NewEngine(EngineConfig{
		Config:   retrievalConfig(dir, false),
		Provider: provider,
		Cache:    adapters.NewLRUCache(16),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	report, err := engine.Index(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Added)
	assert.Equal(t, 5, report.Chunks)

	answer, citations, err := engine.Answer(ctx, "How do I check the engine oil?")
	require.NoError(t, err)
	assert.Equal(t, "Check the dipstick and use 5W-30.", answer)
	assert.Equal(t, []string{"a4.txt (Page 2)"}, citations)

	require.Equal(t, 1, provider.calls)
	in := provider.inputs[0]
	require.Len(t, in.Context, 1)
	assert.Contains(t, in.Context[0], "[a4.txt (Page 2)]")
	assert.Contains(t, in.Context[0], "5W-30")
	assert.Equal(t, "How do I check the engine oil?", in.Messages[0].Content)

	_, _, err = engine.Answer(ctx, "how do i  check the ENGINE oil?")
	require.NoError(t, err)
	assert.Equal(t, 1, provider.calls, "normalised question hits the answer cache")
}

func TestEngine_IgnoredAndUnsupportedFilesAreSkipped(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(EngineConfig{
		Config:   retrievalConfig(writeManuals(t), false),
		Provider: &answerProvider{reply: "x"},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	_, err = engine.Index(ctx)
	require.NoError(t, err)

	docs, _ := engine.Stats()
	assert.Equal(t, 2, docs)
	results, err := engine.Search(ctx, "internal draft")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestEngine_NoMatchSkipsModel(t *testing.T) {
	ctx := context.Background()
	provider := &answerProvider{reply: "x"}
	engine, err := NewEngine(EngineConfig{Config: retrievalConfig(writeManuals(t), false), Provider: provider, Logger: zerolog.Nop()})
	require.NoError(t, err)
	_, err = engine.Index(ctx)
	require.NoError(t, err)

	answer, citations, err := engine.Answer(ctx, "xyzzy plugh")
	require.NoError(t, err)
	assert.Equal(t, NoContextAnswer, answer)
	assert.Empty(t, citations)
	assert.Zero(t, provider.calls)

	_, _, err = engine.Answer(ctx, "   ")
	assert.ErrorIs(t, err, ports.ErrSchemaMismatch)
}

func TestEngine_ReindexTracksChangesAndPurgesAnswers(t *testing.T) {
	ctx := context.Background()
	dir := writeManuals(t)
	provider := &answerProvider{reply: "Use 5W-30."}
	engine, err := NewEngine(EngineConfig{
		Config:   retrievalConfig(dir, false),
		Provider: provider,
		Cache:    adapters.NewLRUCache(16),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	_, err = engine.Index(ctx)
	require.NoError(t, err)
	_, _, err = engine.Answer(ctx, "engine oil")
	require.NoError(t, err)

	report, err := engine.Index(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Unchanged)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a4.txt"), []byte("Engine oil: use 0W-20."), 0o644))
	require.NoError(t, os.Remove(filepath.Join(dir, "a6.txt")))
	report, err = engine.Index(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 1, report.Removed)
	assert.Equal(t, 1, report.Chunks)

	_, citations, err := engine.Answer(ctx, "engine oil")
	require.NoError(t, err)
	assert.Equal(t, 2, provider.calls, "changed index drops cached answers")
	assert.Equal(t, []string{"a4.txt (Page 1)"}, citations)
}

func TestEngine_PersistedIndexSkipsReembedding(t *testing.T) {
	ctx := context.Background()
	dir := writeManuals(t)
	conn, err := db.ConnectToDBWithConfig(&db.LibSQLEmbeddedConfig{
		DatabasePath:    filepath.Join(t.TempDir(), "rag.db"),
		CreateIfMissing: true,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.Migrate(ctx, conn, zerolog.Nop()))
	store := NewLibSQLChunkStore(conn)

	first := &hashEmbedder{}
	engine, err := NewEngine(EngineConfig{
		Config:   retrievalConfig(dir, true),
		Store:    store,
		Embedder: first,
		Provider: &answerProvider{reply: "x"},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	_, err = engine.Index(ctx)
	require.NoError(t, err)
	assert.Positive(t, first.calls.Load())
	_, ok := first.tasks.Load(gemini.TaskRetrievalDocument)
	assert.True(t, ok)

	second := &hashEmbedder{}
	restarted, err := NewEngine(EngineConfig{
		Config:   retrievalConfig(dir, true),
		Store:    store,
		Embedder: second,
		Provider: &answerProvider{reply: "x"},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, restarted.Warm(ctx))
	docs, chunks := restarted.Stats()
	assert.Equal(t, 2, docs)
	assert.Equal(t, 5, chunks)
	assert.Equal(t, 5, restarted.indexer.Vector().Len())

	report, err := restarted.Index(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Unchanged)
	assert.Zero(t, second.calls.Load())

	results, err := restarted.Search(ctx, "tyre pressure")
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "a4.txt (Page 3)", results[0].Chunk.Citation())
	_, ok = second.tasks.Load(gemini.TaskRetrievalQuery)
	assert.True(t, ok)
}
