package service

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// LibSQLChunkStore persists documents and chunks in the rag_documents and
// rag_chunks tables.
type LibSQLChunkStore struct {
	db *sql.DB
}

var _ ChunkStore = (*LibSQLChunkStore)(nil)

// NewLibSQLChunkStore expects the schema to be migrated.
func NewLibSQLChunkStore(db *sql.DB) *LibSQLChunkStore {
	return &LibSQLChunkStore{db: db}
}

// Checksums returns path -> checksum for every stored document.
func (s *LibSQLChunkStore) Checksums(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, checksum FROM rag_documents`)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var path, sum string
		if err := rows.Scan(&path, &sum); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		out[path] = sum
	}
	return out, rows.Err()
}

// ReplaceDocument swaps the stored chunks of path in one transaction.
func (s *LibSQLChunkStore) ReplaceDocument(ctx context.Context, path, checksum string, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM rag_chunks WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to clear chunks of %s: %w", path, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rag_documents (path, checksum, indexed_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET checksum = excluded.checksum, indexed_at = excluded.indexed_at`,
		path, checksum, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to upsert document %s: %w", path, err)
	}
	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rag_chunks (id, path, file_name, page_label, ordinal, text, embedding)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID, path, c.FileName, c.PageLabel, c.Ordinal, c.Text, encodeEmbedding(c.Embedding)); err != nil {
			return fmt.Errorf("failed to insert chunk %d of %s: %w", c.Ordinal, path, err)
		}
	}
	return tx.Commit()
}

// DeleteDocument removes path and its chunks.
func (s *LibSQLChunkStore) DeleteDocument(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rag_chunks WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to delete chunks of %s: %w", path, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rag_documents WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", path, err)
	}
	return nil
}

// LoadChunks returns every stored chunk ordered by path and ordinal.
func (s *LibSQLChunkStore) LoadChunks(ctx context.Context) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, file_name, page_label, ordinal, text, embedding
		FROM rag_chunks ORDER BY path, ordinal`)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		var blob []byte
		if err := rows.Scan(&c.ID, &c.Path, &c.FileName, &c.PageLabel, &c.Ordinal, &c.Text, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		c.Embedding = decodeEmbedding(blob)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Embeddings are stored as little-endian float32 blobs.
func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeEmbedding(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

// memoryChunkStore keeps chunks in process; used when no database is
// configured.
type memoryChunkStore struct {
	checksums map[string]string
	chunks    map[string][]Chunk
}

func newMemoryChunkStore() *memoryChunkStore {
	return &memoryChunkStore{checksums: make(map[string]string), chunks: make(map[string][]Chunk)}
}

func (m *memoryChunkStore) Checksums(context.Context) (map[string]string, error) {
	out := make(map[string]string, len(m.checksums))
	for k, v := range m.checksums {
		out[k] = v
	}
	return out, nil
}

func (m *memoryChunkStore) ReplaceDocument(_ context.Context, path, checksum string, chunks []Chunk) error {
	m.checksums[path] = checksum
	m.chunks[path] = append([]Chunk(nil), chunks...)
	return nil
}

func (m *memoryChunkStore) DeleteDocument(_ context.Context, path string) error {
	delete(m.checksums, path)
	delete(m.chunks, path)
	return nil
}

func (m *memoryChunkStore) LoadChunks(context.Context) ([]Chunk, error) {
	var out []Chunk
	for _, cs := range m.chunks {
		out = append(out, cs...)
	}
	return out, nil
}
