package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/toolchat/tchat"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Harness    HarnessConfig    `mapstructure:"harness"`
	Session    SessionConfig    `mapstructure:"session"`
	Gemini     GeminiConfig     `mapstructure:"gemini"`
	Trello     TrelloConfig     `mapstructure:"trello"`
	AssemblyAI AssemblyAIConfig `mapstructure:"assemblyai"`
	Bytez      BytezConfig      `mapstructure:"bytez"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
	Voice      VoiceConfig      `mapstructure:"voice"`
	Sources    []SourceConfig   `mapstructure:"sources"`
}

// ServerConfig configures the HTTP presentation layer.
type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxAudioBytes  int64         `mapstructure:"max_audio_bytes"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"` // websocket origins; empty = same host
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// DatabaseConfig stores the application database location.
type DatabaseConfig struct {
	Path           string `mapstructure:"path"`
	JournalEnabled bool   `mapstructure:"journal_enabled"` // mirror transcripts to libsql
}

// HarnessConfig stores orchestrator and registry settings.
type HarnessConfig struct {
	// Rate limiting, per session
	RateLimitEnabled    bool          `mapstructure:"rate_limit_enabled"`
	RateLimitCapacity   int           `mapstructure:"rate_limit_capacity"`
	RateLimitRefillRate time.Duration `mapstructure:"rate_limit_refill_rate"`

	// Policies
	MaxToolDepth    int           `mapstructure:"max_tool_depth"`
	MaxIterations   int           `mapstructure:"max_iterations"`
	ToolTimeout     time.Duration `mapstructure:"tool_timeout"`
	ToolConcurrency int           `mapstructure:"tool_concurrency"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	HistoryWindow   int           `mapstructure:"history_window"`
	MaxNewTokens    int           `mapstructure:"max_new_tokens"`
	Temperature     float32       `mapstructure:"temperature"`

	// Telemetry
	EnableTracing bool `mapstructure:"enable_tracing"`
}

// SessionConfig bounds per-session state.
type SessionConfig struct {
	ArtifactCapacity int           `mapstructure:"artifact_capacity"`
	ArtifactTTL      time.Duration `mapstructure:"artifact_ttl"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
}

// GeminiConfig configures the hosted chat, image and embedding models.
type GeminiConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	ChatModel      string        `mapstructure:"chat_model"`
	ImageModel     string        `mapstructure:"image_model"`
	EmbeddingModel string        `mapstructure:"embedding_model"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// TrelloConfig configures the ticket creator. ListID wins over BoardID.
type TrelloConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	Token   string        `mapstructure:"token"`
	ListID  string        `mapstructure:"list_id"`
	BoardID string        `mapstructure:"board_id"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AssemblyAIConfig configures the transcriber.
type AssemblyAIConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// BytezConfig configures the prompt rewriter.
type BytezConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RetrievalConfig configures document ingestion and search.
type RetrievalConfig struct {
	DocsDir           string        `mapstructure:"docs_dir"`
	IgnoreFile        string        `mapstructure:"ignore_file"`
	TopK              int           `mapstructure:"top_k"`
	ChunkSize         int           `mapstructure:"chunk_size"`    // runes
	ChunkOverlap      int           `mapstructure:"chunk_overlap"` // runes
	Alpha             float64       `mapstructure:"alpha"`         // vector weight in fusion
	Embeddings        bool          `mapstructure:"embeddings"`
	IngestConcurrency int           `mapstructure:"ingest_concurrency"`
	Watch             bool          `mapstructure:"watch"`
	WatchDebounce     time.Duration `mapstructure:"watch_debounce"`
	MaxContextTokens  int           `mapstructure:"max_context_tokens"`
	AnswerCacheSize   int           `mapstructure:"answer_cache_size"`
	AnswerCacheTTL    time.Duration `mapstructure:"answer_cache_ttl"`
	// EmbeddingCacheSize bounds memoised vectors; zero disables the cache.
	EmbeddingCacheSize int `mapstructure:"embedding_cache_size"`
}

// VoiceConfig configures the voice-to-image pipeline.
type VoiceConfig struct {
	ThrottleInterval time.Duration `mapstructure:"throttle_interval"`
}

// SourceConfig names one read-only query database.
type SourceConfig struct {
	Name        string   `mapstructure:"name"`
	Path        string   `mapstructure:"path"`
	Description string   `mapstructure:"description"`
	StatsTables []string `mapstructure:"stats_tables"`
}

var AppConfig Config

// LoadDotEnv loads .env style files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)
	if err := bindVendorEnv(v); err != nil {
		return nil, err
	}

	v.AutomaticEnv()
	// server.addr becomes SERVER_ADDR
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", internal.DefaultServerAddr)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "180s")
	v.SetDefault("server.max_audio_bytes", 25<<20)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("database.path", internal.DefaultDatabasePath)
	v.SetDefault("database.journal_enabled", true)

	v.SetDefault("harness.rate_limit_enabled", true)
	v.SetDefault("harness.rate_limit_capacity", 5)
	v.SetDefault("harness.rate_limit_refill_rate", "2s")
	v.SetDefault("harness.max_tool_depth", 3)
	v.SetDefault("harness.max_iterations", 10)
	v.SetDefault("harness.tool_timeout", "30s")
	v.SetDefault("harness.tool_concurrency", 4)
	v.SetDefault("harness.retry_attempts", 2)
	v.SetDefault("harness.retry_backoff", "200ms")
	v.SetDefault("harness.history_window", 20)
	v.SetDefault("harness.max_new_tokens", 1024)
	v.SetDefault("harness.temperature", 0.2)
	v.SetDefault("harness.enable_tracing", true)

	v.SetDefault("session.artifact_capacity", 64)
	v.SetDefault("session.artifact_ttl", "0s")
	v.SetDefault("session.idle_timeout", "30m")
	v.SetDefault("session.sweep_interval", "1m")

	v.SetDefault("gemini.chat_model", internal.DefaultChatModel)
	v.SetDefault("gemini.image_model", internal.DefaultImageModel)
	v.SetDefault("gemini.embedding_model", internal.DefaultEmbeddingModel)
	v.SetDefault("gemini.timeout", "60s")

	v.SetDefault("trello.base_url", internal.DefaultTrelloBaseURL)
	v.SetDefault("trello.timeout", "10s")

	v.SetDefault("assemblyai.base_url", internal.DefaultAssemblyAIBaseURL)
	v.SetDefault("assemblyai.poll_interval", "2s")
	v.SetDefault("assemblyai.timeout", "120s")

	v.SetDefault("bytez.base_url", internal.DefaultBytezBaseURL)
	v.SetDefault("bytez.model", internal.DefaultRewriteModel)
	v.SetDefault("bytez.timeout", "60s")

	v.SetDefault("retrieval.docs_dir", internal.DefaultDocsDir)
	v.SetDefault("retrieval.ignore_file", internal.DefaultRagIgnoreFile)
	v.SetDefault("retrieval.top_k", 3)
	v.SetDefault("retrieval.chunk_size", 1200)
	v.SetDefault("retrieval.chunk_overlap", 150)
	v.SetDefault("retrieval.alpha", 0.6)
	v.SetDefault("retrieval.embeddings", true)
	v.SetDefault("retrieval.ingest_concurrency", 4)
	v.SetDefault("retrieval.watch", true)
	v.SetDefault("retrieval.watch_debounce", "2s")
	v.SetDefault("retrieval.max_context_tokens", 3000)
	v.SetDefault("retrieval.answer_cache_size", 256)
	v.SetDefault("retrieval.answer_cache_ttl", "10m")
	v.SetDefault("retrieval.embedding_cache_size", 2048)

	v.SetDefault("voice.throttle_interval", "3s")
}

// bindVendorEnv maps the conventional vendor variable names onto config keys.
func bindVendorEnv(v *viper.Viper) error {
	bindings := [][]string{
		{"gemini.api_key", "GOOGLE_API_KEY", "google_api_key", "GEMINI_API_KEY"},
		{"trello.api_key", "TRELLO_API_KEY"},
		{"trello.token", "TRELLO_TOKEN"},
		{"trello.list_id", "TRELLO_LIST_ID"},
		{"trello.board_id", "TRELLO_BOARD_ID"},
		{"assemblyai.api_key", "ASSEMBLYAI_API_KEY"},
		{"bytez.api_key", "BYTEZ_API_KEY"},
	}
	for _, b := range bindings {
		if err := v.BindEnv(b...); err != nil {
			return fmt.Errorf("failed to bind %s: %w", b[0], err)
		}
	}
	return nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.Name == "" || s.Path == "" {
			return fmt.Errorf("sources[%d]: name and path are required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("sources[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
	}
	if c.Retrieval.ChunkOverlap >= c.Retrieval.ChunkSize {
		return fmt.Errorf("retrieval.chunk_overlap must be smaller than retrieval.chunk_size")
	}
	return nil
}
