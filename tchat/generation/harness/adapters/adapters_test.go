package adapters

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/toolchat/tchat/db"
	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(2)

	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))
	_, ok := c.Get(ctx, "a")
	require.True(t, ok)
	require.NoError(t, c.Set(ctx, "c", []byte("3"), 0))

	_, ok = c.Get(ctx, "b")
	assert.False(t, ok)
	assert.Equal(t, []string{"c", "a"}, c.Keys(ctx))
	assert.Equal(t, 2, c.Len())
}

func TestLRUCache_TTL(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1000, 0)}
	c := NewLRUCache(4)
	c.now = clock.now

	require.NoError(t, c.Set(ctx, "short", []byte("x"), 5))
	require.NoError(t, c.Set(ctx, "forever", []byte("y"), 0))

	clock.advance(6 * time.Second)
	_, ok := c.Get(ctx, "short")
	assert.False(t, ok)
	v, ok := c.Get(ctx, "forever")
	assert.True(t, ok)
	assert.Equal(t, []byte("y"), v)

	require.NoError(t, c.Delete(ctx, "forever"))
	assert.Equal(t, 0, c.Len())
}

func TestTokenBucket_AcquireAndRefill(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1000, 0)}
	tb := NewTokenBucket(1, 3*time.Second)
	tb.now = clock.now

	_, err := tb.Acquire(ctx, "s1")
	require.NoError(t, err)
	_, err = tb.Acquire(ctx, "s1")
	assert.ErrorIs(t, err, ErrRateLimitExceeded)

	// other keys have their own bucket
	_, err = tb.Acquire(ctx, "s2")
	assert.NoError(t, err)

	clock.advance(3 * time.Second)
	_, err = tb.Acquire(ctx, "s1")
	assert.NoError(t, err)

	tb.Forget("s1")
	_, err = tb.Acquire(ctx, "s1")
	assert.NoError(t, err)
}

func TestTokenBucket_WaitHonoursContext(t *testing.T) {
	tb := NewTokenBucket(1, time.Hour)
	require.NoError(t, tb.Wait(context.Background(), "k"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tb.Wait(ctx, "k"), context.DeadlineExceeded)
}

func TestLibSQLConversationStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	conn, err := db.ConnectToDBWithConfig(&db.LibSQLEmbeddedConfig{
		DatabasePath:    filepath.Join(t.TempDir(), "journal.db"),
		CreateIfMissing: true,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.Migrate(ctx, conn, zerolog.Nop()))

	store := NewLibSQLConversationStore(conn)
	base := time.Unix(1700000000, 0)
	for i, content := range []string{"one", "two", "three"} {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		require.NoError(t, store.SaveTurn(ctx, "conv", ports.Turn{Role: role, Content: content, CreatedAt: base.Add(time.Duration(i) * time.Second)}))
	}
	require.NoError(t, store.AppendToolArtifact(ctx, "conv", "image:abc", []byte(`{"mime":"image/png"}`)))

	last, err := store.LoadContext(ctx, "conv", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "two", last[0].Content)
	assert.Equal(t, "three", last[1].Content)

	all, err := store.LoadContext(ctx, "conv", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, store.DeleteConversation(ctx, "conv"))
	all, err = store.LoadContext(ctx, "conv", 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}
