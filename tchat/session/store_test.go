package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
)

// recordingJournal implements ports.ConversationStore in memory.
type recordingJournal struct {
	mu        sync.Mutex
	turns     map[string][]ports.Turn
	artifacts map[string][]string
}

func newRecordingJournal() *recordingJournal {
	return &recordingJournal{
		turns:     make(map[string][]ports.Turn),
		artifacts: make(map[string][]string),
	}
}

func (j *recordingJournal) SaveTurn(ctx context.Context, id string, turn ports.Turn) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.turns[id] = append(j.turns[id], turn)
	return nil
}

func (j *recordingJournal) LoadContext(ctx context.Context, id string, k int) ([]ports.Turn, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	turns := j.turns[id]
	if k > 0 && k < len(turns) {
		turns = turns[len(turns)-k:]
	}
	return append([]ports.Turn(nil), turns...), nil
}

func (j *recordingJournal) AppendToolArtifact(ctx context.Context, id, name string, payload []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.artifacts[id] = append(j.artifacts[id], name)
	return nil
}

func (j *recordingJournal) DeleteConversation(ctx context.Context, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.turns, id)
	delete(j.artifacts, id)
	return nil
}

var _ ports.ConversationStore = (*recordingJournal)(nil)

func TestStore_AppendHistoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewStore("s1", Options{})

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	in := []Turn{
		{Role: RoleUser, Content: "How many airports are there?", Timestamp: ts},
		{Role: RoleAssistant, Content: "There are 9,000 airports.", Timestamp: ts.Add(time.Second)},
		{Role: RoleUser, Content: "And movies?", Timestamp: ts.Add(2 * time.Second)},
	}
	for _, turn := range in {
		require.NoError(t, s.Append(ctx, turn))
	}

	assert.Equal(t, in, s.History())
}

func TestStore_HistoryIsACopy(t *testing.T) {
	ctx := context.Background()
	s := NewStore("s1", Options{})
	require.NoError(t, s.Append(ctx, Turn{Role: RoleUser, Content: "hi"}))

	h := s.History()
	h[0].Content = "mutated"

	assert.Equal(t, "hi", s.History()[0].Content)
}

func TestStore_AppendStampsTimestamp(t *testing.T) {
	s := NewStore("s1", Options{})
	require.NoError(t, s.Append(context.Background(), Turn{Role: RoleUser, Content: "hi"}))
	assert.False(t, s.History()[0].Timestamp.IsZero())
}

func TestStore_AppendRejectsUnknownRole(t *testing.T) {
	s := NewStore("s1", Options{})
	err := s.Append(context.Background(), Turn{Role: "tool", Content: "x"})
	assert.ErrorIs(t, err, ErrInvalidTurn)
	assert.Equal(t, 0, s.Len())
}

func TestStore_Artifacts(t *testing.T) {
	ctx := context.Background()
	s := NewStore("s1", Options{})

	hash := HashInput([]byte("audio-bytes"))
	key := ArtifactKey("transcript", hash)

	_, ok := s.GetArtifact(ctx, key)
	assert.False(t, ok)

	require.NoError(t, s.PutArtifact(ctx, key, Artifact{InputHash: hash, Text: "hello world"}))

	got, ok := s.GetArtifact(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "hello world", got.Text)
	assert.Equal(t, "transcript", got.Kind)
	assert.Equal(t, key, got.Key)
}

func TestStore_InvalidateKindKeepsCurrentHash(t *testing.T) {
	ctx := context.Background()
	s := NewStore("s1", Options{})

	oldHash := HashInput([]byte("old"))
	newHash := HashInput([]byte("new"))
	require.NoError(t, s.PutArtifact(ctx, ArtifactKey("image", oldHash), Artifact{Data: []byte{1}}))
	require.NoError(t, s.PutArtifact(ctx, ArtifactKey("image", newHash), Artifact{Data: []byte{2}}))
	require.NoError(t, s.PutArtifact(ctx, ArtifactKey("prompt", oldHash), Artifact{Text: "p"}))

	dropped := s.InvalidateKind(ctx, "image", newHash)

	assert.Equal(t, 1, dropped)
	_, ok := s.GetArtifact(ctx, ArtifactKey("image", oldHash))
	assert.False(t, ok)
	_, ok = s.GetArtifact(ctx, ArtifactKey("image", newHash))
	assert.True(t, ok)
	_, ok = s.GetArtifact(ctx, ArtifactKey("prompt", oldHash))
	assert.True(t, ok)
}

func TestStore_BeginTurnIsExclusive(t *testing.T) {
	s := NewStore("s1", Options{})

	release, err := s.BeginTurn()
	require.NoError(t, err)

	_, err = s.BeginTurn()
	assert.ErrorIs(t, err, ErrTurnInProgress)

	release()
	release2, err := s.BeginTurn()
	require.NoError(t, err)
	release2()
}

func TestManager_Lifecycle(t *testing.T) {
	ctx := context.Background()
	journal := newRecordingJournal()
	m := NewManager(Options{}, journal, zerolog.Nop())

	var ended []string
	m.OnEnd(func(id string) { ended = append(ended, id) })

	s, err := m.Start("insights")
	require.NoError(t, err)
	assert.Equal(t, "insights", s.Profile())
	assert.Equal(t, 1, m.Len())

	got, err := m.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)

	require.NoError(t, s.Append(ctx, Turn{Role: RoleUser, Content: "hello"}))
	require.NoError(t, s.PutArtifact(ctx, "image:abc", Artifact{Data: []byte{1}}))

	require.NoError(t, m.End(ctx, s.ID()))
	assert.Equal(t, []string{s.ID()}, ended)
	assert.True(t, s.Closed())
	assert.Empty(t, s.ArtifactKeys(ctx))

	_, err = m.Get(s.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, s.Append(ctx, Turn{Role: RoleUser, Content: "late"}), ErrSessionClosed)

	// the journal outlives the session
	transcript, err := m.Transcript(ctx, s.ID(), 0)
	require.NoError(t, err)
	require.Len(t, transcript, 1)
	assert.Equal(t, "hello", transcript[0].Content)
	assert.Equal(t, []string{"image:abc"}, journal.artifacts[s.ID()])
}

func TestManager_SessionsAreIndependent(t *testing.T) {
	ctx := context.Background()
	m := NewManager(Options{}, nil, zerolog.Nop())

	a, err := m.Start("support")
	require.NoError(t, err)
	b, err := m.Start("support")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())

	require.NoError(t, a.Append(ctx, Turn{Role: RoleUser, Content: "a"}))
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 0, b.Len())
}

func TestManager_Sweep(t *testing.T) {
	ctx := context.Background()
	m := NewManager(Options{IdleTimeout: time.Minute}, nil, zerolog.Nop())

	s, err := m.Start("voice")
	require.NoError(t, err)

	assert.Empty(t, m.Sweep(ctx, time.Now()))
	assert.Equal(t, []string{s.ID()}, m.Sweep(ctx, time.Now().Add(2*time.Minute)))
	assert.Equal(t, 0, m.Len())
}
