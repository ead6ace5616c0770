package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "github.com/tursodatabase/go-libsql"
)

// LibSQLEmbeddedConfig holds configuration for embedded libsql connections.
type LibSQLEmbeddedConfig struct {
	DatabasePath string // Path to .db file
	// CreateIfMissing creates the file and its directory. Query sources leave
	// it false so that a typo never silently yields an empty database.
	CreateIfMissing bool
	MaxOpenConns    int
	ConnMaxIdleTime time.Duration
}

// ErrDatabaseNotFound is returned when a source file does not exist and
// CreateIfMissing is false.
var ErrDatabaseNotFound = errors.New("database file not found")

// ConnectToDB opens (creating if needed) the application database.
func ConnectToDB(path string, logger zerolog.Logger) (*sql.DB, error) {
	return ConnectToDBWithConfig(&LibSQLEmbeddedConfig{
		DatabasePath:    path,
		CreateIfMissing: true,
	}, logger)
}

// ConnectToDBWithConfig opens an embedded libsql database.
func ConnectToDBWithConfig(config *LibSQLEmbeddedConfig, logger zerolog.Logger) (*sql.DB, error) {
	if _, err := os.Stat(config.DatabasePath); os.IsNotExist(err) {
		if !config.CreateIfMissing {
			return nil, fmt.Errorf("%w: %s", ErrDatabaseNotFound, config.DatabasePath)
		}
		dir := filepath.Dir(config.DatabasePath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("could not create database directory %s: %w", dir, err)
		}
		logger.Info().Str("path", config.DatabasePath).Msg("Database not found, creating a new one")
		file, err := os.Create(config.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("could not create db at path %s: %w", config.DatabasePath, err)
		}
		file.Close()
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL&_synchronous=NORMAL&_cache_size=-64000&_temp_store=memory",
		config.DatabasePath)
	logger.Debug().Str("dsn", dsn).Msg("Connecting to embedded libsql")

	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open libsql connection: %w", err)
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	if err := verifyEmbeddedLibSQL(db, logger); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// verifyEmbeddedLibSQL checks connectivity and warns when JSON1 is missing.
func verifyEmbeddedLibSQL(db *sql.DB, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("basic connectivity test failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("basic connectivity test failed: unexpected result %d", result)
	}

	if caps := DetectCapabilities(ctx, db); !caps.JSON1 {
		logger.Warn().Msg("JSON1 functions are unavailable")
	}
	return nil
}
