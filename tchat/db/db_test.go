package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectToDB_CreatesFileAndDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "app.db")
	conn, err := ConnectToDB(path, zerolog.Nop())
	require.NoError(t, err)
	defer conn.Close()
	assert.FileExists(t, path)
}

func TestMigrate_IsIdempotent(t *testing.T) {
	conn, err := ConnectToDB(filepath.Join(t.TempDir(), "app.db"), zerolog.Nop())
	require.NoError(t, err)
	defer conn.Close()

	ctx := context.Background()
	require.NoError(t, Migrate(ctx, conn, zerolog.Nop()))
	require.NoError(t, Migrate(ctx, conn, zerolog.Nop()))

	for _, table := range []string{"conversation_turns", "conversation_artifacts", "rag_documents", "rag_chunks"} {
		var name string
		err := conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestOpenSources_MissingFileIsAnError(t *testing.T) {
	_, err := OpenSources([]SourceConfig{{Name: "movies", Path: filepath.Join(t.TempDir(), "movies.db")}}, zerolog.Nop())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDatabaseNotFound)
	assert.Contains(t, err.Error(), "source movies")
}

func TestOpenSources_NamesAreSortedAndUnique(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"movies", "airports"} {
		conn, err := ConnectToDB(filepath.Join(dir, name+".db"), zerolog.Nop())
		require.NoError(t, err)
		conn.Close()
	}

	sources, err := OpenSources([]SourceConfig{
		{Name: "movies", Path: filepath.Join(dir, "movies.db")},
		{Name: "airports", Path: filepath.Join(dir, "airports.db"), StatsTables: []string{"airports_code"}},
	}, zerolog.Nop())
	require.NoError(t, err)
	defer sources.Close()

	assert.Equal(t, []string{"airports", "movies"}, sources.Names())
	conn, cfg, ok := sources.Get("airports")
	require.True(t, ok)
	assert.NotNil(t, conn)
	assert.Equal(t, []string{"airports_code"}, cfg.StatsTables)

	_, err = OpenSources([]SourceConfig{
		{Name: "movies", Path: filepath.Join(dir, "movies.db")},
		{Name: "movies", Path: filepath.Join(dir, "airports.db")},
	}, zerolog.Nop())
	assert.ErrorContains(t, err, "duplicate source name")
}

func TestDetectCapabilities_EmbeddedLibSQL(t *testing.T) {
	conn, err := ConnectToDB(filepath.Join(t.TempDir(), "caps.db"), zerolog.Nop())
	require.NoError(t, err)
	defer conn.Close()

	caps := DetectCapabilities(context.Background(), conn)
	assert.True(t, caps.JSON1)
	assert.True(t, caps.Vector)
}
