package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
)

// Options bounds per-session resources.
type Options struct {
	ArtifactCapacity int
	ArtifactTTL      time.Duration // zero keeps artifacts until session end
	IdleTimeout      time.Duration // zero disables Sweep
}

func (o Options) withDefaults() Options {
	if o.ArtifactCapacity <= 0 {
		o.ArtifactCapacity = 64
	}
	return o
}

// Manager owns the live sessions of the process.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Store
	opts     Options
	journal  ports.ConversationStore
	logger   zerolog.Logger
	onEnd    []func(id string)
}

// NewManager creates a manager. journal may be nil.
func NewManager(opts Options, journal ports.ConversationStore, logger zerolog.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Store),
		opts:     opts.withDefaults(),
		journal:  journal,
		logger:   logger,
	}
}

// OnEnd registers a hook run after a session ends, e.g. to drop its rate
// limiter bucket.
func (m *Manager) OnEnd(fn func(id string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnd = append(m.onEnd, fn)
}

// Start creates a session for profile.
func (m *Manager) Start(profile string) (*Store, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}
	s := newStore(id.String(), profile, m.opts, m.journal, m.logger)

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.logger.Info().Str("session_id", s.id).Str("profile", profile).Msg("Session started")
	return s, nil
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// End discards a session with its transcript and artifacts.
func (m *Manager) End(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	hooks := append([]func(string){}, m.onEnd...)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	s.close(ctx)
	for _, fn := range hooks {
		fn(id)
	}
	m.logger.Info().Str("session_id", id).Msg("Session ended")
	return nil
}

// Sweep ends sessions idle longer than the configured timeout.
func (m *Manager) Sweep(ctx context.Context, now time.Time) []string {
	if m.opts.IdleTimeout <= 0 {
		return nil
	}
	m.mu.RLock()
	var idle []string
	for id, s := range m.sessions {
		if now.Sub(s.LastActive()) > m.opts.IdleTimeout {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range idle {
		_ = m.End(ctx, id)
	}
	return idle
}

// Run sweeps idle sessions every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if m.opts.IdleTimeout <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if ended := m.Sweep(ctx, now); len(ended) > 0 {
				m.logger.Info().Int("count", len(ended)).Msg("Expired idle sessions")
			}
		}
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Transcript reads a journaled transcript, including sessions that have
// already ended. k <= 0 returns all turns.
func (m *Manager) Transcript(ctx context.Context, id string, k int) ([]Turn, error) {
	if m.journal == nil {
		return nil, fmt.Errorf("transcript journal is not configured")
	}
	stored, err := m.journal.LoadContext(ctx, id, k)
	if err != nil {
		return nil, err
	}
	turns := make([]Turn, len(stored))
	for i, t := range stored {
		turns[i] = Turn{Role: Role(t.Role), Content: t.Content, Timestamp: t.CreatedAt}
	}
	return turns, nil
}
