package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/skypro1111/convo-memory-service/internal/model"
)

// UpsertMemory inserts a memory or, when the id already exists, replaces its
// text, embedding and source conversation and bumps updated_at. created_at
// and status are preserved on update.
func (s *Store) UpsertMemory(ctx context.Context, m *model.Memory) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, user_id, text, embedding, source_conversation_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text = excluded.text,
			embedding = excluded.embedding,
			source_conversation_id = excluded.source_conversation_id,
			updated_at = excluded.updated_at
	`, string(m.ID), m.UserID, m.Text, encodeEmbedding(m.Embedding),
		string(m.SourceConversationID), string(m.Status), m.CreatedAt.Unix(), m.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert memory: %w", err)
	}
	return nil
}

// GetMemory returns one memory by id, including soft-deleted ones.
func (s *Store) GetMemory(ctx context.Context, id model.MemoryID) (*model.Memory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, text, embedding, source_conversation_id, status, created_at, updated_at
		FROM memories
		WHERE id = ?
	`, string(id))
	return scanMemory(row)
}

// ListMemories returns a user's memories newest first. Soft-deleted rows are
// excluded unless includeDeleted is set. An empty userID lists all users.
func (s *Store) ListMemories(ctx context.Context, userID string, includeDeleted bool) ([]model.Memory, error) {
	query := `
		SELECT id, user_id, text, embedding, source_conversation_id, status, created_at, updated_at
		FROM memories
		WHERE 1 = 1
	`
	var args []any
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	if !includeDeleted {
		query += ` AND status = ?`
		args = append(args, string(model.MemoryActive))
	}
	query += ` ORDER BY created_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// SoftDeleteMemory tombstones a memory. The row is kept so the decision is
// auditable; only the status changes.
func (s *Store) SoftDeleteMemory(ctx context.Context, id model.MemoryID, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`, string(model.MemoryDeleted), now.Unix(), string(id), string(model.MemoryActive))
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM memories WHERE id = ?`, string(id)).Scan(&exists); err != nil {
		return fmt.Errorf("check memory: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

func scanMemory(row rowScanner) (*model.Memory, error) {
	var m model.Memory
	var id, convID, status string
	var embedding []byte
	var createdAt, updatedAt int64

	err := row.Scan(&id, &m.UserID, &m.Text, &embedding, &convID, &status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan memory: %w", err)
	}

	m.ID = model.MemoryID(id)
	m.SourceConversationID = model.ConversationID(convID)
	m.Status = model.MemoryStatus(status)
	m.Embedding = decodeEmbedding(embedding)
	m.CreatedAt = timeFromUnix(createdAt)
	m.UpdatedAt = timeFromUnix(updatedAt)
	return &m, nil
}

// Embeddings are stored as packed little-endian float32, 4 bytes per
// dimension.
func encodeEmbedding(vec []float32) []byte {
	out := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func decodeEmbedding(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}
