package db

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// SourceConfig names one queryable database.
type SourceConfig struct {
	Name        string
	Path        string
	Description string // schema notes shown to the model
	StatsTables []string
}

// Sources holds the named query databases. Connections are opened once and
// shared by every session.
type Sources struct {
	mu      sync.RWMutex
	dbs     map[string]*sql.DB
	configs map[string]SourceConfig
}

// OpenSources opens every configured source. A missing file is an error:
// the query tools would otherwise run against an empty database.
func OpenSources(configs []SourceConfig, logger zerolog.Logger) (*Sources, error) {
	s := &Sources{
		dbs:     make(map[string]*sql.DB, len(configs)),
		configs: make(map[string]SourceConfig, len(configs)),
	}
	for _, cfg := range configs {
		if _, dup := s.dbs[cfg.Name]; dup {
			s.Close()
			return nil, fmt.Errorf("duplicate source name %q", cfg.Name)
		}
		conn, err := ConnectToDBWithConfig(&LibSQLEmbeddedConfig{
			DatabasePath: cfg.Path,
			MaxOpenConns: 4,
		}, logger)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("source %s: %w", cfg.Name, err)
		}
		s.dbs[cfg.Name] = conn
		s.configs[cfg.Name] = cfg
		logger.Info().Str("source", cfg.Name).Str("path", cfg.Path).Msg("Opened query source")
	}
	return s, nil
}

// NewSources wraps already-open databases; used by tests and embedders.
func NewSources() *Sources {
	return &Sources{
		dbs:     make(map[string]*sql.DB),
		configs: make(map[string]SourceConfig),
	}
}

// Add registers an open database under cfg.Name.
func (s *Sources) Add(cfg SourceConfig, conn *sql.DB) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dbs[cfg.Name] = conn
	s.configs[cfg.Name] = cfg
}

// Get returns the database and its config.
func (s *Sources) Get(name string) (*sql.DB, SourceConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.dbs[name]
	return conn, s.configs[name], ok
}

// Names lists source names in sorted order.
func (s *Sources) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.dbs))
	for name := range s.dbs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes all database connections.
func (s *Sources) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, conn := range s.dbs {
		_ = conn.Close()
		delete(s.dbs, name)
	}
	return nil
}
