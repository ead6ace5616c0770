// Package session holds per-conversation state: the append-only transcript
// and the artifact cache keyed by content hash.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
)

// Role of a transcript turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var (
	ErrSessionClosed   = errors.New("session closed")
	ErrSessionNotFound = errors.New("session not found")
	ErrTurnInProgress  = errors.New("another turn is in progress for this session")
	ErrInvalidTurn     = errors.New("invalid turn")
)

// Turn is one message of the transcript. Turns are values; History hands
// out copies so callers cannot mutate what was appended.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Artifact is a derived value cached for the session, such as a transcript,
// a rewritten prompt or a generated image.
type Artifact struct {
	Key       string            `json:"key"`
	Kind      string            `json:"kind"`
	InputHash string            `json:"input_hash"`
	Text      string            `json:"text,omitempty"`
	Data      []byte            `json:"data,omitempty"`
	MIMEType  string            `json:"mime_type,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// HashInput returns the hex sha256 of b, the content key for artifacts.
func HashInput(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ArtifactKey builds the cache key for an artifact of kind derived from the
// input with the given hash.
func ArtifactKey(kind, inputHash string) string {
	return kind + ":" + inputHash
}

// Store is the state of one session. Appends are serialised by mu; whole
// turns are serialised by BeginTurn so a session never processes two user
// inputs at once.
type Store struct {
	id        string
	profile   string
	createdAt time.Time

	mu     sync.RWMutex
	turns  []Turn
	closed bool

	artifacts   ports.Cache
	artifactTTL int
	journal     ports.ConversationStore
	logger      zerolog.Logger

	busy       atomic.Bool
	lastActive atomic.Int64
}

func newStore(id, profile string, opts Options, journal ports.ConversationStore, logger zerolog.Logger) *Store {
	s := &Store{
		id:          id,
		profile:     profile,
		createdAt:   time.Now(),
		artifacts:   adapters.NewLRUCache(opts.ArtifactCapacity),
		artifactTTL: int(opts.ArtifactTTL / time.Second),
		journal:     journal,
		logger:      logger.With().Str("session_id", id).Logger(),
	}
	s.touch()
	return s
}

// NewStore creates a standalone session store with no journal. Sessions
// served to users come from Manager.Start.
func NewStore(id string, opts Options) *Store {
	return newStore(id, "", opts.withDefaults(), nil, zerolog.Nop())
}

func (s *Store) ID() string           { return s.id }
func (s *Store) Profile() string      { return s.profile }
func (s *Store) CreatedAt() time.Time { return s.createdAt }

// LastActive reports when the session last saw a turn or artifact write.
func (s *Store) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Store) touch() { s.lastActive.Store(time.Now().UnixNano()) }

// BeginTurn claims the session for one user turn. The returned func
// releases it.
func (s *Store) BeginTurn() (func(), error) {
	if s.Closed() {
		return nil, ErrSessionClosed
	}
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrTurnInProgress
	}
	return func() { s.busy.Store(false) }, nil
}

// Append adds a turn to the end of the transcript. A zero timestamp is set
// to now. When a journal is configured the turn is mirrored to it; journal
// failures are logged and do not fail the append.
func (s *Store) Append(ctx context.Context, turn Turn) error {
	if turn.Role != RoleUser && turn.Role != RoleAssistant {
		return fmt.Errorf("%w: role %q", ErrInvalidTurn, turn.Role)
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.turns = append(s.turns, turn)
	s.mu.Unlock()
	s.touch()

	if s.journal != nil {
		if err := s.journal.SaveTurn(ctx, s.id, ports.Turn{
			Role:      string(turn.Role),
			Content:   turn.Content,
			CreatedAt: turn.Timestamp,
		}); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to journal turn")
		}
	}
	return nil
}

// History returns the transcript in append order.
func (s *Store) History() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Len returns the number of turns.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// GetArtifact returns the cached artifact for key.
func (s *Store) GetArtifact(ctx context.Context, key string) (Artifact, bool) {
	if s.Closed() {
		return Artifact{}, false
	}
	raw, ok := s.artifacts.Get(ctx, key)
	if !ok {
		return Artifact{}, false
	}
	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Dropping unreadable artifact")
		_ = s.artifacts.Delete(ctx, key)
		return Artifact{}, false
	}
	return a, true
}

// PutArtifact caches a under key.
func (s *Store) PutArtifact(ctx context.Context, key string, a Artifact) error {
	if s.Closed() {
		return ErrSessionClosed
	}
	a.Key = key
	if a.Kind == "" {
		a.Kind, _, _ = strings.Cut(key, ":")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode artifact %s: %w", key, err)
	}
	if err := s.artifacts.Set(ctx, key, raw, s.artifactTTL); err != nil {
		return fmt.Errorf("failed to cache artifact %s: %w", key, err)
	}
	s.touch()

	if s.journal != nil {
		ref, _ := json.Marshal(map[string]any{
			"kind":       a.Kind,
			"input_hash": a.InputHash,
			"mime_type":  a.MIMEType,
			"size":       len(a.Data) + len(a.Text),
		})
		if err := s.journal.AppendToolArtifact(ctx, s.id, key, ref); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("Failed to journal artifact")
		}
	}
	return nil
}

// DeleteArtifact drops one artifact.
func (s *Store) DeleteArtifact(ctx context.Context, key string) {
	_ = s.artifacts.Delete(ctx, key)
}

// InvalidateKind drops every artifact of kind whose input hash differs from
// keepHash and returns how many were dropped.
func (s *Store) InvalidateKind(ctx context.Context, kind, keepHash string) int {
	prefix := kind + ":"
	dropped := 0
	for _, key := range s.artifacts.Keys(ctx) {
		if !strings.HasPrefix(key, prefix) || key == ArtifactKey(kind, keepHash) {
			continue
		}
		_ = s.artifacts.Delete(ctx, key)
		dropped++
	}
	return dropped
}

// ArtifactKeys lists cached artifact keys, most recently used first.
func (s *Store) ArtifactKeys(ctx context.Context) []string {
	return s.artifacts.Keys(ctx)
}

// Closed reports whether the session has ended.
func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Store) close(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	s.turns = nil
	s.mu.Unlock()
	for _, key := range s.artifacts.Keys(ctx) {
		_ = s.artifacts.Delete(ctx, key)
	}
}
