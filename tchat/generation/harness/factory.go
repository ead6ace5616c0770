package harness

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/toolchat/tchat/config"
	"github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
)

// Factory creates and wires harness components from configuration.
type Factory struct {
	harnessConfig *config.HarnessConfig
	db            *sql.DB // Optional, for the transcript journal
	logger        zerolog.Logger
}

// NewFactory creates a new harness factory.
func NewFactory(harnessConfig *config.HarnessConfig, db *sql.DB, logger zerolog.Logger) *Factory {
	return &Factory{
		harnessConfig: harnessConfig,
		db:            db,
		logger:        logger,
	}
}

// CreateRegistry returns an open registry carrying the configured tool
// timeout and retry policy.
func (f *Factory) CreateRegistry(observer CallObserver) *Registry {
	policy := f.CreatePolicy()
	opts := []RegistryOption{
		WithToolTimeout(policy.ToolTimeout),
		WithRetry(RetryConfig{Attempts: f.harnessConfig.RetryAttempts, Backoff: f.harnessConfig.RetryBackoff}),
	}
	if observer != nil {
		opts = append(opts, WithCallObserver(observer))
	}
	return NewRegistry(opts...)
}

// CreateOrchestrator wires an orchestrator for one profile. The registry is
// sealed by the orchestrator.
func (f *Factory) CreateOrchestrator(provider ports.Provider, registry *Registry, profile, system string, metrics Metrics) *Orchestrator {
	policy := f.CreatePolicy()
	return NewOrchestrator(Dependencies{
		Provider: provider,
		Registry: registry,
		Builder:  NewPromptBuilder(policy.HistoryWindow),
		Limiter:  f.CreateRateLimiter(),
		Tracer:   f.CreateTracer(),
		Metrics:  metrics,
		Logger:   f.logger.With().Str("profile", profile).Logger(),
	}, profile, system, policy)
}

// CreateCache creates a cache adapter; capacity <= 0 disables caching.
func (f *Factory) CreateCache(capacity int) ports.Cache {
	if capacity <= 0 {
		return &noOpCache{}
	}
	return adapters.NewLRUCache(capacity)
}

// CreateRateLimiter creates a rate limiter adapter from config.
func (f *Factory) CreateRateLimiter() ports.RateLimiter {
	if !f.harnessConfig.RateLimitEnabled {
		return &noOpRateLimiter{}
	}
	return adapters.NewTokenBucket(f.harnessConfig.RateLimitCapacity, f.harnessConfig.RateLimitRefillRate)
}

// CreateTracer creates a tracer adapter from config.
func (f *Factory) CreateTracer() ports.Tracer {
	if !f.harnessConfig.EnableTracing {
		return &noOpTracer{}
	}
	return adapters.NewZerologTracer(f.logger)
}

// CreateStore creates the transcript journal.
func (f *Factory) CreateStore() ports.ConversationStore {
	if f.db == nil {
		return &noOpStore{}
	}
	return adapters.NewLibSQLConversationStore(f.db)
}

// CreatePolicy creates a policy from config with validation.
func (f *Factory) CreatePolicy() *Policy {
	def := DefaultPolicy()
	policy := &Policy{
		MaxToolDepth:    f.harnessConfig.MaxToolDepth,
		MaxIterations:   f.harnessConfig.MaxIterations,
		ToolTimeout:     f.harnessConfig.ToolTimeout,
		ToolConcurrency: f.harnessConfig.ToolConcurrency,
		HistoryWindow:   f.harnessConfig.HistoryWindow,
		MaxNewTokens:    f.harnessConfig.MaxNewTokens,
		Temperature:     f.harnessConfig.Temperature,
	}

	// Validate and clamp policy values
	if policy.MaxToolDepth < 1 {
		policy.MaxToolDepth = 1
		f.logger.Warn().Int("max_tool_depth", f.harnessConfig.MaxToolDepth).Msg("MaxToolDepth clamped to minimum of 1")
	}
	if policy.MaxToolDepth > 10 {
		policy.MaxToolDepth = 10
		f.logger.Warn().Int("max_tool_depth", f.harnessConfig.MaxToolDepth).Msg("MaxToolDepth clamped to maximum of 10")
	}

	if policy.MaxIterations < policy.MaxToolDepth+1 {
		policy.MaxIterations = policy.MaxToolDepth + 1
		f.logger.Warn().Int("max_iterations", f.harnessConfig.MaxIterations).Msg("MaxIterations raised above MaxToolDepth")
	}
	if policy.MaxIterations > 50 {
		policy.MaxIterations = 50
		f.logger.Warn().Int("max_iterations", f.harnessConfig.MaxIterations).Msg("MaxIterations clamped to maximum of 50")
	}

	if policy.ToolTimeout <= 0 {
		policy.ToolTimeout = def.ToolTimeout
	}
	if policy.ToolConcurrency < 1 {
		policy.ToolConcurrency = 1
	}
	if policy.MaxNewTokens <= 0 {
		policy.MaxNewTokens = def.MaxNewTokens
	}

	return policy
}

// noOpCache implements Cache interface with no-op behavior for testing/disabled cache.
type noOpCache struct{}

func (c *noOpCache) Get(ctx context.Context, key string) ([]byte, bool) { return nil, false }
func (c *noOpCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	return nil
}
func (c *noOpCache) Delete(ctx context.Context, key string) error { return nil }
func (c *noOpCache) Keys(ctx context.Context) []string           { return nil }

// noOpRateLimiter implements RateLimiter interface with no-op behavior.
type noOpRateLimiter struct{}

func (r *noOpRateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	return func() {}, nil
}

func (r *noOpRateLimiter) Wait(ctx context.Context, key string) error { return ctx.Err() }

// noOpTracer implements Tracer interface with no-op behavior.
type noOpTracer struct{}

func (t *noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (t *noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

// noOpStore implements ConversationStore interface with no-op behavior.
type noOpStore struct{}

func (s *noOpStore) SaveTurn(ctx context.Context, conversationID string, turn ports.Turn) error {
	return nil
}

func (s *noOpStore) LoadContext(ctx context.Context, conversationID string, k int) ([]ports.Turn, error) {
	return nil, nil
}

func (s *noOpStore) AppendToolArtifact(ctx context.Context, conversationID, name string, payload []byte) error {
	return nil
}

func (s *noOpStore) DeleteConversation(ctx context.Context, conversationID string) error {
	return nil
}

// Ensure all no-op types implement their interfaces.
var (
	_ ports.Cache             = (*noOpCache)(nil)
	_ ports.RateLimiter       = (*noOpRateLimiter)(nil)
	_ ports.Tracer            = (*noOpTracer)(nil)
	_ ports.ConversationStore = (*noOpStore)(nil)
)
