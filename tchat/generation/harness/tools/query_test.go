package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/toolchat/tchat/db"
	"github.com/ZanzyTHEbar/toolchat/tchat/generation/harness"
	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
)

// itemsFixture creates a database with three items.
func itemsFixture(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.ConnectToDBWithConfig(&db.LibSQLEmbeddedConfig{
		DatabasePath:    filepath.Join(t.TempDir(), "items.db"),
		CreateIfMissing: true,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = conn.Exec(`CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL, price REAL)`)
	require.NoError(t, err)
	for _, name := range []string{"bolt", "nut", "washer"} {
		_, err = conn.Exec(`INSERT INTO items (name, price) VALUES (?, ?)`, name, 1.5)
		require.NoError(t, err)
	}
	return conn
}

func countItems(t *testing.T, conn *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n))
	return n
}

func TestQueryExecutor_CountFixture(t *testing.T) {
	conn := itemsFixture(t)
	q := NewQueryExecutor("test", "", conn, zerolog.Nop())
	assert.Equal(t, "query_test_db", q.Name())

	res := q.Invoke(context.Background(), json.RawMessage(`{"query":"SELECT COUNT(*) FROM items"}`))
	require.True(t, res.IsOk(), "%v", res.Err)

	rows, ok := res.Data.(Rows)
	require.True(t, ok)
	assert.Equal(t, []string{"COUNT(*)"}, rows.Columns)
	require.Len(t, rows.Rows, 1)
	assert.EqualValues(t, 3, rows.Rows[0][0])
	assert.Contains(t, res.Text, `"rows":[[3]]`)
}

func TestQueryExecutor_KeepsColumnOrder(t *testing.T) {
	conn := itemsFixture(t)
	q := NewQueryExecutor("test", "", conn, zerolog.Nop())

	res := q.Invoke(context.Background(), json.RawMessage(`{"query":"SELECT name, id FROM items ORDER BY id"}`))
	require.True(t, res.IsOk())
	rows := res.Data.(Rows)
	assert.Equal(t, []string{"name", "id"}, rows.Columns)
	assert.Equal(t, "bolt", rows.Rows[0][0])
	assert.Equal(t, map[string]any{"name": "bolt", "id": int64(1)}, rows.Records()[0])
}

func TestQueryExecutor_EmptyResultIsNoRows(t *testing.T) {
	conn := itemsFixture(t)
	q := NewQueryExecutor("test", "", conn, zerolog.Nop())

	res := q.Invoke(context.Background(), json.RawMessage(`{"query":"SELECT * FROM items WHERE name = 'gear'"}`))
	assert.True(t, res.IsEmpty())
	content, isErr := res.ModelContent()
	assert.False(t, isErr)
	assert.Equal(t, "No results found.", content)
}

func TestQueryExecutor_DeleteRejectedThroughRegistry(t *testing.T) {
	conn := itemsFixture(t)
	reg := harness.NewRegistry()
	require.NoError(t, reg.Register(NewQueryExecutor("test", "", conn, zerolog.Nop())))

	res := reg.Call(context.Background(), "query_test_db", json.RawMessage(`{"query":"DELETE FROM items"}`))
	require.NotNil(t, res.Err)
	assert.True(t, errors.Is(res.Err, ports.ErrSchemaMismatch))
	assert.Equal(t, 3, countItems(t, conn))
}

func TestQueryExecutor_InvokeRechecksAllowList(t *testing.T) {
	conn := itemsFixture(t)
	q := NewQueryExecutor("test", "", conn, zerolog.Nop())

	res := q.Invoke(context.Background(), json.RawMessage(`{"query":"DROP TABLE items"}`))
	require.NotNil(t, res.Err)
	assert.Equal(t, ports.CodeSchemaMismatch, res.Err.Code)
	assert.Equal(t, 3, countItems(t, conn))
}

func TestQueryExecutor_BadSQLIsUpstreamRejected(t *testing.T) {
	conn := itemsFixture(t)
	q := NewQueryExecutor("test", "", conn, zerolog.Nop())

	res := q.Invoke(context.Background(), json.RawMessage(`{"query":"SELECT * FROM missing_table"}`))
	require.NotNil(t, res.Err)
	assert.Equal(t, ports.CodeUpstreamRejected, res.Err.Code)
}

func TestQueryExecutor_Stats(t *testing.T) {
	conn := itemsFixture(t)
	q := NewQueryExecutor("test", "", conn, zerolog.Nop())

	stats, err := q.Stats(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "items", stats[0].Table)
	assert.Equal(t, int64(3), stats[0].RowCount)
	assert.Len(t, stats[0].Sample.Rows, 3)

	_, err = q.Stats(context.Background(), []string{"items; DROP TABLE items"})
	assert.Error(t, err)
}
