package adapters

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
)

// LibSQLConversationStore journals transcripts into the conversation_turns
// and conversation_artifacts tables created by the db migrations.
type LibSQLConversationStore struct {
	db *sql.DB
}

// NewLibSQLConversationStore creates a new LibSQL conversation store.
func NewLibSQLConversationStore(db *sql.DB) *LibSQLConversationStore {
	return &LibSQLConversationStore{db: db}
}

// SaveTurn appends a turn to the journal.
func (s *LibSQLConversationStore) SaveTurn(ctx context.Context, conversationID string, turn ports.Turn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	turnJSON, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_turns (conversation_id, role, turn_data, created_at)
		VALUES (?, ?, ?, ?)
	`, conversationID, turn.Role, string(turnJSON), turn.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save turn: %w", err)
	}
	return nil
}

// LoadContext loads the last k turns for a conversation, oldest first.
// k <= 0 loads the whole transcript.
func (s *LibSQLConversationStore) LoadContext(ctx context.Context, conversationID string, k int) ([]ports.Turn, error) {
	if k <= 0 {
		k = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT turn_data FROM conversation_turns
		WHERE conversation_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, conversationID, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []ports.Turn
	for rows.Next() {
		var turnJSON string
		if err := rows.Scan(&turnJSON); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		var turn ports.Turn
		if err := json.Unmarshal([]byte(turnJSON), &turn); err != nil {
			return nil, fmt.Errorf("failed to unmarshal turn: %w", err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating turns: %w", err)
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// AppendToolArtifact records an artifact reference (its key and metadata,
// not the binary body) against the conversation.
func (s *LibSQLConversationStore) AppendToolArtifact(ctx context.Context, conversationID, name string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_artifacts (conversation_id, name, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, conversationID, name, payload, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save artifact %s: %w", name, err)
	}
	return nil
}

// DeleteConversation removes every journaled row of a conversation.
func (s *LibSQLConversationStore) DeleteConversation(ctx context.Context, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_turns WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("failed to delete turns: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_artifacts WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("failed to delete artifacts: %w", err)
	}
	return tx.Commit()
}

var _ ports.ConversationStore = (*LibSQLConversationStore)(nil)
