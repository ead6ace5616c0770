package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"
)

// Capabilities lists the SQL features an embedded database answered to.
type Capabilities struct {
	JSON1  bool `json:"json1"`
	FTS5   bool `json:"fts5"`
	Vector bool `json:"vector"`
	RTree  bool `json:"rtree"`
}

// DetectCapabilities probes db with short read-only statements. Probes that
// need a table use temp tables and drop them again.
func DetectCapabilities(ctx context.Context, db *sql.DB) Capabilities {
	var caps Capabilities

	probe := func(timeout time.Duration, fn func(ctx context.Context) bool) bool {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return fn(ctx)
	}

	caps.JSON1 = probe(200*time.Millisecond, func(ctx context.Context) bool {
		var v string
		err := db.QueryRowContext(ctx, `SELECT json_extract('{"test":"value"}', '$.test')`).Scan(&v)
		return err == nil && v == "value"
	})

	caps.FTS5 = probe(500*time.Millisecond, func(ctx context.Context) bool {
		if _, err := db.ExecContext(ctx, "CREATE VIRTUAL TABLE IF NOT EXISTS temp._fts5_probe USING fts5(content)"); err != nil {
			return false
		}
		_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS temp._fts5_probe")
		return true
	})

	caps.Vector = probe(500*time.Millisecond, func(ctx context.Context) bool {
		var dims int
		err := db.QueryRowContext(ctx, "SELECT vector_dims(vector32('[1,2,3]'))").Scan(&dims)
		return err == nil && dims == 3
	})

	caps.RTree = probe(300*time.Millisecond, func(ctx context.Context) bool {
		if _, err := db.ExecContext(ctx, "CREATE VIRTUAL TABLE IF NOT EXISTS temp._rtree_probe USING rtree(id, minX, maxX)"); err != nil {
			return false
		}
		_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS temp._rtree_probe")
		return true
	})

	return caps
}

// LogCapabilities logs what DetectCapabilities found for db.
func LogCapabilities(ctx context.Context, db *sql.DB, name string, logger zerolog.Logger) Capabilities {
	caps := DetectCapabilities(ctx, db)
	logger.Info().
		Str("database", name).
		Bool("json1", caps.JSON1).
		Bool("fts5", caps.FTS5).
		Bool("vector", caps.Vector).
		Bool("rtree", caps.RTree).
		Msg("Capabilities detected")
	return caps
}
