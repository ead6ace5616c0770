package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/toolchat/tchat/apps"
	"github.com/ZanzyTHEbar/toolchat/tchat/config"
	"github.com/ZanzyTHEbar/toolchat/tchat/db"
	"github.com/ZanzyTHEbar/toolchat/tchat/generation/gemini"
	"github.com/ZanzyTHEbar/toolchat/tchat/generation/harness"
	"github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
	"github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/tools"
	"github.com/ZanzyTHEbar/toolchat/tchat/memory/service"
	"github.com/ZanzyTHEbar/toolchat/tchat/observability"
	"github.com/ZanzyTHEbar/toolchat/tchat/session"
)

// runtime holds everything a command may need. close releases it.
type runtime struct {
	cfg      *config.Config
	logger   zerolog.Logger
	db       *sql.DB
	sources  *db.Sources
	gemini   *gemini.Client
	provider ports.Provider
	engine   *service.Engine
	metrics  *observability.Metrics
	factory  *harness.Factory
	sessions *session.Manager
	apps     map[string]*apps.App
}

// unconfiguredProvider answers every turn with a missing credentials error
// so the server still starts without a Gemini key.
type unconfiguredProvider struct{}

func (unconfiguredProvider) Complete(context.Context, ports.PromptInput, ports.Options) (ports.Completion, error) {
	return ports.Completion{}, ports.NewError(ports.CodeMissingCredentials, "GOOGLE_API_KEY is not set")
}

// openStore connects to the application database and applies migrations.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*sql.DB, error) {
	conn, err := db.ConnectToDB(cfg.Database.Path, logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, conn, logger); err != nil {
		conn.Close()
		return nil, err
	}
	db.LogCapabilities(ctx, conn, cfg.Database.Path, logger)
	return conn, nil
}

// newEngine builds the retrieval engine on the persisted chunk store.
func newEngine(cfg *config.Config, conn *sql.DB, provider ports.Provider, client *gemini.Client, metrics service.Metrics, logger zerolog.Logger) (*service.Engine, error) {
	var embedder service.Embedder
	if client != nil {
		embedder = client
		if n := cfg.Retrieval.EmbeddingCacheSize; n > 0 {
			embedder = service.NewCachedEmbedder(client, adapters.NewLRUCache(n), 24*time.Hour)
		}
	}
	var cache ports.Cache
	if cfg.Retrieval.AnswerCacheSize > 0 {
		cache = adapters.NewLRUCache(cfg.Retrieval.AnswerCacheSize)
	}
	return service.NewEngine(service.EngineConfig{
		Config:   &cfg.Retrieval,
		Store:    service.NewLibSQLChunkStore(conn),
		Embedder: embedder,
		Provider: provider,
		Cache:    cache,
		Metrics:  metrics,
		Logger:   logger.With().Str("component", "retrieval").Logger(),
	})
}

func newGemini(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*gemini.Client, ports.Provider, error) {
	client, err := gemini.New(ctx, cfg.Gemini.APIKey,
		gemini.WithChatModel(cfg.Gemini.ChatModel),
		gemini.WithImageModel(cfg.Gemini.ImageModel),
		gemini.WithEmbeddingModel(cfg.Gemini.EmbeddingModel),
		gemini.WithTimeout(cfg.Gemini.Timeout),
		gemini.WithLogger(logger.With().Str("component", "gemini").Logger()),
	)
	if err != nil {
		if errors.Is(err, ports.ErrMissingCredentials) {
			logger.Warn().Msg("GOOGLE_API_KEY is not set; chat, image generation and embeddings are disabled")
			return nil, unconfiguredProvider{}, nil
		}
		return nil, nil, err
	}
	return client, client, nil
}

// build assembles the full runtime. The retrieval index is warmed from the
// store but not resynced; callers decide when to index.
func build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger, metrics: observability.NewMetrics()}

	conn, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	rt.db = conn

	sources, err := db.OpenSources(toSourceConfigs(cfg.Sources), logger)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.sources = sources

	rt.gemini, rt.provider, err = newGemini(ctx, cfg, logger)
	if err != nil {
		rt.close()
		return nil, err
	}

	rt.engine, err = newEngine(cfg, conn, rt.provider, rt.gemini, rt.metrics, logger)
	if err != nil {
		rt.close()
		return nil, err
	}
	if err := rt.engine.Warm(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to load the persisted retrieval index")
	}

	var journalDB *sql.DB
	if cfg.Database.JournalEnabled {
		journalDB = conn
	}
	rt.factory = harness.NewFactory(&cfg.Harness, journalDB, logger)

	var journal ports.ConversationStore
	if journalDB != nil {
		journal = rt.factory.CreateStore()
	}
	rt.sessions = session.NewManager(session.Options{
		ArtifactCapacity: cfg.Session.ArtifactCapacity,
		ArtifactTTL:      cfg.Session.ArtifactTTL,
		IdleTimeout:      cfg.Session.IdleTimeout,
	}, journal, logger)

	var images tools.ImageBackend
	if rt.gemini != nil {
		images = rt.gemini
	}
	rt.apps, err = apps.BuildAll(apps.Deps{
		Config:       cfg,
		Factory:      rt.factory,
		Provider:     rt.provider,
		Sources:      sources,
		Knowledge:    rt.engine,
		Images:       images,
		Observer:     rt.metrics.ObserveTool,
		Metrics:      rt.metrics,
		VoiceMetrics: rt.metrics,
		Logger:       logger,
	})
	if err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) close() {
	if rt.sources != nil {
		if err := rt.sources.Close(); err != nil {
			rt.logger.Warn().Err(err).Msg("Failed to close query sources")
		}
	}
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			rt.logger.Warn().Err(err).Msg("Failed to close database")
		}
	}
}

// healthChecks pings every database the process holds.
func (rt *runtime) healthChecks() map[string]observability.HealthCheckFunc {
	checks := map[string]observability.HealthCheckFunc{
		"database": rt.db.PingContext,
	}
	for _, name := range rt.sources.Names() {
		conn, _, _ := rt.sources.Get(name)
		checks["source:"+name] = conn.PingContext
	}
	return checks
}

func toSourceConfigs(in []config.SourceConfig) []db.SourceConfig {
	out := make([]db.SourceConfig, len(in))
	for i, s := range in {
		out[i] = db.SourceConfig{Name: s.Name, Path: s.Path, Description: s.Description, StatsTables: s.StatsTables}
	}
	return out
}

func printReport(r service.IndexReport) string {
	return fmt.Sprintf("added=%d updated=%d removed=%d unchanged=%d failed=%d chunks=%d elapsed=%s",
		r.Added, r.Updated, r.Removed, r.Unchanged, r.Failed, r.Chunks, r.Elapsed)
}
