// Package apps assembles the three application profiles: data insights,
// manual support and voice to image. Each profile gets its own closed tool
// registry and system prompt on top of the shared harness.
package apps

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/toolchat/tchat/config"
	"github.com/ZanzyTHEbar/toolchat/tchat/db"
	"github.com/ZanzyTHEbar/toolchat/tchat/generation/harness"
	"github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
	"github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/tools"
	"github.com/ZanzyTHEbar/toolchat/tchat/pipeline"
)

// Profile names.
const (
	Insights = "insights"
	Support  = "support"
	Voice    = "voice"
)

// Profiles lists every profile in display order.
var Profiles = []string{Insights, Support, Voice}

// Deps carries what the profiles are built from. Knowledge and Images may
// be nil; the tools that need them then report missing configuration.
type Deps struct {
	Config       *config.Config
	Factory      *harness.Factory
	Provider     ports.Provider
	Sources      *db.Sources
	Knowledge    tools.KnowledgeBase
	Images       tools.ImageBackend
	Observer     harness.CallObserver
	Metrics      harness.Metrics
	VoiceMetrics pipeline.Metrics
	Logger       zerolog.Logger
}

// App is one built profile.
type App struct {
	Profile      string
	Orchestrator *harness.Orchestrator
	Queries      []*tools.QueryExecutor // insights only
	Voice        *pipeline.Voice        // voice only
}

// Build assembles profile.
func Build(profile string, deps Deps) (*App, error) {
	if deps.Config == nil || deps.Factory == nil || deps.Provider == nil {
		return nil, fmt.Errorf("apps: config, factory and provider are required")
	}
	switch profile {
	case Insights:
		return buildInsights(deps)
	case Support:
		return buildSupport(deps)
	case Voice:
		return buildVoice(deps)
	default:
		return nil, fmt.Errorf("apps: unknown profile %q", profile)
	}
}

// BuildAll assembles every profile.
func BuildAll(deps Deps) (map[string]*App, error) {
	out := make(map[string]*App, len(Profiles))
	for _, p := range Profiles {
		app, err := Build(p, deps)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", p, err)
		}
		out[p] = app
	}
	return out, nil
}

func buildInsights(deps Deps) (*App, error) {
	logger := deps.Logger.With().Str("profile", Insights).Logger()
	registry := deps.Factory.CreateRegistry(deps.Observer)

	var (
		queries []*tools.QueryExecutor
		configs []db.SourceConfig
	)
	if deps.Sources != nil {
		for _, name := range deps.Sources.Names() {
			conn, cfg, _ := deps.Sources.Get(name)
			q := tools.NewQueryExecutor(name, cfg.Description, conn, logger)
			if err := registry.Register(q); err != nil {
				return nil, err
			}
			queries = append(queries, q)
			configs = append(configs, cfg)
		}
	}
	if err := registry.Register(newTicketCreator(deps.Config.Trello, logger)); err != nil {
		return nil, err
	}
	if len(queries) == 0 {
		logger.Warn().Msg("No query sources configured; insights can only file tickets")
	}

	orch := deps.Factory.CreateOrchestrator(deps.Provider, registry, Insights, InsightsPrompt(configs), deps.Metrics)
	return &App{Profile: Insights, Orchestrator: orch, Queries: queries}, nil
}

func buildSupport(deps Deps) (*App, error) {
	logger := deps.Logger.With().Str("profile", Support).Logger()
	registry := deps.Factory.CreateRegistry(deps.Observer)

	kb := deps.Knowledge
	if kb == nil {
		kb = missingKnowledge{}
	}
	if err := registry.Register(tools.NewRetrievalTool(kb, logger)); err != nil {
		return nil, err
	}
	if err := registry.Register(newTicketCreator(deps.Config.Trello, logger)); err != nil {
		return nil, err
	}

	orch := deps.Factory.CreateOrchestrator(deps.Provider, registry, Support, SupportPrompt, deps.Metrics)
	return &App{Profile: Support, Orchestrator: orch}, nil
}

func buildVoice(deps Deps) (*App, error) {
	logger := deps.Logger.With().Str("profile", Voice).Logger()
	cfg := deps.Config

	transcriber := tools.NewTranscriber(cfg.AssemblyAI.APIKey, cfg.AssemblyAI.PollInterval, logger,
		vendorOptions(cfg.AssemblyAI.BaseURL, cfg.AssemblyAI.Timeout)...)
	rewriter := tools.NewPromptRewriter(cfg.Bytez.APIKey, cfg.Bytez.Model, logger,
		vendorOptions(cfg.Bytez.BaseURL, cfg.Bytez.Timeout)...)
	imager := tools.NewMediaGenerator(deps.Images, logger)

	registry := deps.Factory.CreateRegistry(deps.Observer)
	if err := registry.Register(rewriter); err != nil {
		return nil, err
	}
	if err := registry.Register(imager); err != nil {
		return nil, err
	}

	voice := pipeline.NewVoice(pipeline.Dependencies{
		Transcriber: transcriber,
		Rewriter:    rewriter,
		Imager:      imager,
		Limiter:     adapters.NewTokenBucket(1, cfg.Voice.ThrottleInterval),
		Metrics:     deps.VoiceMetrics,
		Logger:      logger,
	})
	orch := deps.Factory.CreateOrchestrator(deps.Provider, registry, Voice, VoicePrompt, deps.Metrics)
	return &App{Profile: Voice, Orchestrator: orch, Voice: voice}, nil
}

func newTicketCreator(cfg config.TrelloConfig, logger zerolog.Logger) *tools.TicketCreator {
	return tools.NewTicketCreator(tools.TrelloCredentials{
		APIKey:  cfg.APIKey,
		Token:   cfg.Token,
		ListID:  cfg.ListID,
		BoardID: cfg.BoardID,
	}, logger, vendorOptions(cfg.BaseURL, cfg.Timeout)...)
}

func vendorOptions(baseURL string, timeout time.Duration) []tools.Option {
	var opts []tools.Option
	if baseURL != "" {
		opts = append(opts, tools.WithBaseURL(baseURL))
	}
	if timeout > 0 {
		opts = append(opts, tools.WithTimeout(timeout))
	}
	return opts
}

// missingKnowledge stands in when no retrieval engine could be built.
type missingKnowledge struct{}

func (missingKnowledge) Answer(context.Context, string) (string, []string, error) {
	return "", nil, ports.NewError(ports.CodeMissingCredentials, "knowledge base is not configured")
}
