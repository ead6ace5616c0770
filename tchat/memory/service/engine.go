// Package service implements the retrieval engine behind the support
// assistant: document loading, chunking, a hybrid BM25/embedding index
// persisted in libsql, and answer synthesis with page citations.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/toolchat/tchat/config"
	"github.com/ZanzyTHEbar/toolchat/tchat/generation/harness"
	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
	"github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/tools"
)

var _ tools.KnowledgeBase = (*Engine)(nil)

// NoContextAnswer is returned, without a model call, when nothing in the
// index matches the question.
const NoContextAnswer = "I could not find this in the available manuals."

const answerInstruction = `You answer questions about vehicle owner's manuals.
Use only the context provided. If the context does not contain the answer, say that the manuals do not cover it.
Be concise and give concrete steps or values when the context has them.`

// Engine answers questions from the indexed documents.
type Engine struct {
	cfg       *config.RetrievalConfig
	indexer   *Indexer
	retriever *Retriever
	provider  ports.Provider
	assembler *harness.ContextAssembler
	cache     ports.Cache
	metrics   Metrics
	logger    zerolog.Logger
}

// EngineConfig wires an Engine. Store, Embedder, Cache and Metrics are
// optional.
type EngineConfig struct {
	Config   *config.RetrievalConfig
	Store    ChunkStore
	Embedder Embedder
	Provider ports.Provider
	Cache    ports.Cache
	Metrics  Metrics
	Logger   zerolog.Logger
}

// NewEngine builds the loader, indexer and retriever. The index is empty
// until Warm or Index is called.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Config == nil {
		return nil, fmt.Errorf("retrieval config is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("retrieval engine needs a model provider")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noOpMetrics{}
	}
	rc := cfg.Config
	if !rc.Embeddings {
		cfg.Embedder = nil
	}

	loader, err := NewLoader(rc.DocsDir, rc.IgnoreFile, cfg.Logger)
	if err != nil {
		return nil, err
	}
	indexer := NewIndexer(IndexerConfig{
		Loader:      loader,
		Chunker:     NewChunker(rc.ChunkSize, rc.ChunkOverlap),
		Store:       cfg.Store,
		Embedder:    cfg.Embedder,
		Concurrency: rc.IngestConcurrency,
		Metrics:     cfg.Metrics,
		Logger:      cfg.Logger,
	})
	topK := max(rc.TopK, 1)
	return &Engine{
		cfg:       rc,
		indexer:   indexer,
		retriever: NewRetriever(indexer, cfg.Embedder, cfg.Metrics, cfg.Logger),
		provider:  cfg.Provider,
		assembler: harness.NewContextAssembler(harness.Budget{MaxContextTokens: rc.MaxContextTokens, MaxSnippets: topK}, nil),
		cache:     cfg.Cache,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}, nil
}

// Warm loads the persisted index.
func (e *Engine) Warm(ctx context.Context) error { return e.indexer.Warm(ctx) }

// Index synchronises the index with the documents directory.
func (e *Engine) Index(ctx context.Context) (IndexReport, error) {
	report, err := e.indexer.Sync(ctx)
	if report.Added+report.Updated+report.Removed > 0 {
		e.purgeAnswers(ctx)
	}
	return report, err
}

// Watch reindexes on change until ctx is done. Cached answers are dropped
// by the next Index call that changes something.
func (e *Engine) Watch(ctx context.Context) error {
	return e.indexer.Watch(ctx, e.cfg.WatchDebounce)
}

// Stats returns the indexed document and chunk counts.
func (e *Engine) Stats() (documents, chunks int) {
	return e.indexer.Documents(), e.indexer.Len()
}

// Search returns the top chunks for query.
func (e *Engine) Search(ctx context.Context, query string) ([]SearchResult, error) {
	return e.retriever.Search(ctx, query, SearchOptions{K: e.cfg.TopK, Alpha: e.cfg.Alpha})
}

type cachedAnswer struct {
	Answer    string   `json:"answer"`
	Citations []string `json:"citations"`
}

// Answer retrieves context for question and has the model answer from it.
// Citations are "<file> (Page <label>)" of the context that was used, in
// rank order without duplicates.
func (e *Engine) Answer(ctx context.Context, question string) (string, []string, error) {
	start := time.Now()
	answer, citations, err := e.answer(ctx, question)
	e.metrics.ObserveRetrieval(OpAnswer, time.Since(start), err)
	return answer, citations, err
}

func (e *Engine) answer(ctx context.Context, question string) (string, []string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", nil, ports.NewError(ports.CodeSchemaMismatch, "query must not be empty")
	}

	key := answerKey(question)
	if e.cache != nil {
		if raw, ok := e.cache.Get(ctx, key); ok {
			var c cachedAnswer
			if json.Unmarshal(raw, &c) == nil {
				e.logger.Debug().Str("query", question).Msg("Answer cache hit")
				return c.Answer, c.Citations, nil
			}
		}
	}

	results, err := e.Search(ctx, question)
	if err != nil {
		return "", nil, err
	}
	snippets := make([]harness.Snippet, 0, len(results))
	for _, r := range results {
		snippets = append(snippets, harness.Snippet{Text: r.Chunk.Text, Score: r.Score, Source: r.Chunk.Citation()})
	}
	packed := e.assembler.Pack(snippets, nil)
	if len(packed) == 0 {
		return NoContextAnswer, nil, nil
	}

	contextTexts := make([]string, len(packed))
	var citations []string
	seen := make(map[string]bool)
	for i, sn := range packed {
		contextTexts[i] = fmt.Sprintf("[%s] %s", sn.Source, sn.Text)
		if !seen[sn.Source] {
			seen[sn.Source] = true
			citations = append(citations, sn.Source)
		}
	}

	completion, err := e.provider.Complete(ctx, ports.PromptInput{
		System:   answerInstruction,
		Messages: []ports.PromptMessage{{Role: ports.RoleUser, Content: question}},
		Context:  contextTexts,
		Meta:     map[string]string{"component": "retrieval"},
	}, ports.Options{MaxNewTokens: 512, Temperature: 0.1})
	if err != nil {
		return "", nil, ports.AsError(err)
	}
	text := strings.TrimSpace(harness.SanitizeOutput(completion.Text))
	if text == "" {
		return "", nil, ports.NewError(ports.CodeEmptyUpstreamOutput, "answer model returned no text")
	}

	if e.cache != nil {
		if raw, err := json.Marshal(cachedAnswer{Answer: text, Citations: citations}); err == nil {
			_ = e.cache.Set(ctx, key, raw, int(e.cfg.AnswerCacheTTL.Seconds()))
		}
	}
	return text, citations, nil
}

func (e *Engine) purgeAnswers(ctx context.Context) {
	if e.cache == nil {
		return
	}
	for _, k := range e.cache.Keys(ctx) {
		if strings.HasPrefix(k, answerKeyPrefix) {
			_ = e.cache.Delete(ctx, k)
		}
	}
}

const answerKeyPrefix = "answer:"

func answerKey(question string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.Join(strings.Fields(question), " "))))
	return answerKeyPrefix + hex.EncodeToString(sum[:])
}
