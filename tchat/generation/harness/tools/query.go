package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/toolchat/tchat/generation/harness"
	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
)

// QuerySchema is the argument schema of every query tool.
const QuerySchema = `{
  "type": "object",
  "properties": {
    "query": {
      "type": "string",
      "description": "A single read-only SQL SELECT statement"
    }
  },
  "required": ["query"],
  "additionalProperties": false
}`

// DefaultMaxRows caps rows handed back to the model.
const DefaultMaxRows = 200

// sampleRows is the number of sample rows reported by Stats.
const sampleRows = 5

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Rows is a query result with column order kept.
type Rows struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	Truncated bool     `json:"truncated,omitempty"`
}

// Records returns the rows as column-keyed maps.
func (r Rows) Records() []map[string]any {
	out := make([]map[string]any, len(r.Rows))
	for i, row := range r.Rows {
		m := make(map[string]any, len(r.Columns))
		for j, col := range r.Columns {
			m[col] = row[j]
		}
		out[i] = m
	}
	return out
}

// TableStats summarises one table of a source for the dashboard.
type TableStats struct {
	Table    string `json:"table"`
	RowCount int64  `json:"row_count"`
	Sample   Rows   `json:"sample"`
}

// QueryExecutor runs read-only SQL against one named database.
type QueryExecutor struct {
	source      string
	description string
	db          *sql.DB
	maxRows     int
	logger      zerolog.Logger
}

// NewQueryExecutor creates the query_<source>_db tool.
func NewQueryExecutor(source, description string, db *sql.DB, logger zerolog.Logger) *QueryExecutor {
	return &QueryExecutor{
		source:      source,
		description: description,
		db:          db,
		maxRows:     DefaultMaxRows,
		logger:      logger.With().Str("tool", "query_"+source+"_db").Logger(),
	}
}

func (q *QueryExecutor) Name() string { return "query_" + q.source + "_db" }

func (q *QueryExecutor) Description() string {
	d := fmt.Sprintf("Run a read-only SQL SELECT query against the %s database and return the rows as JSON.", q.source)
	if q.description != "" {
		d += " " + q.description
	}
	return d
}

func (q *QueryExecutor) Schema() []byte { return []byte(QuerySchema) }

// Idempotent reports that a read may be retried.
func (q *QueryExecutor) Idempotent() bool { return true }

type queryArgs struct {
	Query string `json:"query"`
}

// ValidateArgs applies the read-only allow-list before any connection is used.
func (q *QueryExecutor) ValidateArgs(args json.RawMessage) error {
	var in queryArgs
	if err := decodeArgs(args, &in); err != nil {
		return err
	}
	return harness.ReadOnlySQL(in.Query)
}

// Invoke runs the query. An empty result set is the NoRows signal.
func (q *QueryExecutor) Invoke(ctx context.Context, args json.RawMessage) ports.ToolResult {
	var in queryArgs
	if err := decodeArgs(args, &in); err != nil {
		return ports.Fail(err)
	}
	if err := harness.ReadOnlySQL(in.Query); err != nil {
		return ports.Fail(err)
	}

	q.logger.Debug().Str("query", in.Query).Msg("Running query")
	rows, err := q.run(ctx, in.Query, q.maxRows)
	if err != nil {
		q.logger.Warn().Err(err).Str("query", in.Query).Msg("Query failed")
		return ports.Fail(ports.WrapError(ports.CodeUpstreamRejected, err, "query failed"))
	}
	if len(rows.Rows) == 0 {
		return ports.Empty("No results found.")
	}

	text, err := json.Marshal(rows)
	if err != nil {
		return ports.Fail(fmt.Errorf("encode rows: %w", err))
	}
	return ports.Ok(string(text), rows)
}

// run executes query on a dedicated connection with query_only set.
func (q *QueryExecutor) run(ctx context.Context, query string, limit int, args ...any) (Rows, error) {
	conn, err := q.db.Conn(ctx)
	if err != nil {
		return Rows{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
		return Rows{}, fmt.Errorf("set query_only: %w", err)
	}

	rs, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return Rows{}, err
	}
	defer rs.Close()
	return scanRows(rs, limit)
}

func scanRows(rs *sql.Rows, limit int) (Rows, error) {
	cols, err := rs.Columns()
	if err != nil {
		return Rows{}, err
	}
	out := Rows{Columns: cols, Rows: [][]any{}}
	for rs.Next() {
		if limit > 0 && len(out.Rows) >= limit {
			out.Truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return Rows{}, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out.Rows = append(out.Rows, values)
	}
	return out, rs.Err()
}

// Stats reports row counts and sample rows. With no tables given, every
// user table of the database is reported.
func (q *QueryExecutor) Stats(ctx context.Context, tables []string) ([]TableStats, error) {
	if len(tables) == 0 {
		listed, err := q.run(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`, 0)
		if err != nil {
			return nil, fmt.Errorf("list tables: %w", err)
		}
		for _, row := range listed.Rows {
			if name, ok := row[0].(string); ok {
				tables = append(tables, name)
			}
		}
	}

	stats := make([]TableStats, 0, len(tables))
	for _, table := range tables {
		if !identifierRe.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
		count, err := q.run(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, table), 1)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		sample, err := q.run(ctx, fmt.Sprintf(`SELECT * FROM "%s" LIMIT %d`, table, sampleRows), sampleRows)
		if err != nil {
			return nil, fmt.Errorf("sample %s: %w", table, err)
		}
		ts := TableStats{Table: table, Sample: sample}
		if len(count.Rows) == 1 {
			ts.RowCount = toInt64(count.Rows[0][0])
		}
		stats = append(stats, ts)
	}
	return stats, nil
}

// Source returns the database name.
func (q *QueryExecutor) Source() string { return q.source }

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

var (
	_ ports.Tool         = (*QueryExecutor)(nil)
	_ ports.ArgValidator = (*QueryExecutor)(nil)
	_ ports.Idempotent   = (*QueryExecutor)(nil)
)
