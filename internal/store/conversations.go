package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/skypro1111/convo-memory-service/internal/model"
)

// CreateConversation persists a newly opened conversation.
func (s *Store) CreateConversation(ctx context.Context, c *model.Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, device_id, user_id, state, close_cause, started_at, ended_at, chunk_count, voiced_chunks, last_error, failed_stage, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(c.ID), c.DeviceID, c.UserID, string(c.State), string(c.CloseCause),
		c.StartedAt.Unix(), unixOrNil(c.EndedAt), c.ChunkCount, c.VoicedChunks,
		c.LastError, string(c.FailedStage), unixOrNil(c.DeletedAt))
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// GetConversation returns one conversation by id, including soft-deleted ones.
func (s *Store) GetConversation(ctx context.Context, id model.ConversationID) (*model.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, device_id, user_id, state, close_cause, started_at, ended_at, chunk_count, voiced_chunks, last_error, failed_stage, deleted_at
		FROM conversations
		WHERE id = ?
	`, string(id))
	return scanConversation(row)
}

// ListConversations returns conversations newest first. Soft-deleted rows are
// excluded unless includeDeleted is set.
func (s *Store) ListConversations(ctx context.Context, includeDeleted bool) ([]model.Conversation, error) {
	query := `
		SELECT id, device_id, user_id, state, close_cause, started_at, ended_at, chunk_count, voiced_chunks, last_error, failed_stage, deleted_at
		FROM conversations
	`
	if !includeDeleted {
		query += ` WHERE deleted_at IS NULL`
	}
	query += ` ORDER BY started_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// CloseConversation transitions an open conversation to closed and records
// the close cause and chunk counters. Returns ErrConflict when the
// conversation is not open.
func (s *Store) CloseConversation(ctx context.Context, id model.ConversationID, cause model.CloseCause, endedAt time.Time, chunkCount, voicedChunks int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET state = ?, close_cause = ?, ended_at = ?, chunk_count = ?, voiced_chunks = ?
		WHERE id = ? AND state = ?
	`, string(model.ConversationClosed), string(cause), endedAt.Unix(), chunkCount, voicedChunks,
		string(id), string(model.ConversationOpen))
	if err != nil {
		return fmt.Errorf("close conversation: %w", err)
	}
	return requireOneRow(ctx, s.db, res, string(id))
}

// SetConversationState moves a conversation to the given state, clearing any
// previous error bookkeeping.
func (s *Store) SetConversationState(ctx context.Context, id model.ConversationID, state model.ConversationState) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET state = ?, last_error = '', failed_stage = '' WHERE id = ?
	`, string(state), string(id))
	if err != nil {
		return fmt.Errorf("set conversation state: %w", err)
	}
	return requireOneRow(ctx, s.db, res, string(id))
}

// SetConversationError marks a conversation as errored, recording the failed
// stage and the last error message for the operator.
func (s *Store) SetConversationError(ctx context.Context, id model.ConversationID, stage model.Stage, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET state = ?, failed_stage = ?, last_error = ? WHERE id = ?
	`, string(model.ConversationError), string(stage), lastError, string(id))
	if err != nil {
		return fmt.Errorf("set conversation error: %w", err)
	}
	return requireOneRow(ctx, s.db, res, string(id))
}

// SoftDeleteConversation tombstones a conversation. Memories that reference
// it are untouched.
func (s *Store) SoftDeleteConversation(ctx context.Context, id model.ConversationID, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL
	`, now.Unix(), string(id))
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return requireOneRow(ctx, s.db, res, string(id))
}

// SaveChunks persists a batch of audio chunks in one transaction. Re-inserts
// of the same (conversation, sequence) are ignored, which keeps replays
// idempotent.
func (s *Store) SaveChunks(ctx context.Context, chunks []model.AudioChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO audio_chunks (conversation_id, sequence, captured_at, device_id, pcm, voiced)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, ch := range chunks {
		voiced := 0
		if ch.Voiced {
			voiced = 1
		}
		if _, err := stmt.ExecContext(ctx, string(ch.ConversationID), ch.Sequence,
			ch.CapturedAt.Unix(), ch.DeviceID, ch.PCM, voiced); err != nil {
			return fmt.Errorf("insert chunk %d: %w", ch.Sequence, err)
		}
	}

	return tx.Commit()
}

// GetChunks returns all chunks of a conversation in sequence order.
func (s *Store) GetChunks(ctx context.Context, id model.ConversationID) ([]model.AudioChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, sequence, captured_at, device_id, pcm, voiced
		FROM audio_chunks
		WHERE conversation_id = ?
		ORDER BY sequence ASC
	`, string(id))
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var out []model.AudioChunk
	for rows.Next() {
		var ch model.AudioChunk
		var convID string
		var capturedAt int64
		var voiced int
		if err := rows.Scan(&convID, &ch.Sequence, &capturedAt, &ch.DeviceID, &ch.PCM, &voiced); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		ch.ConversationID = model.ConversationID(convID)
		ch.CapturedAt = timeFromUnix(capturedAt)
		ch.Voiced = voiced != 0
		out = append(out, ch)
	}
	return out, rows.Err()
}

// SaveAudioArtifact stores the transcode output (one WAV per conversation).
// Overwrites any previous artifact so retried transcodes stay idempotent.
func (s *Store) SaveAudioArtifact(ctx context.Context, id model.ConversationID, wav []byte, sampleRate int, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audio_artifacts (conversation_id, wav, sample_rate, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET wav = excluded.wav, sample_rate = excluded.sample_rate, created_at = excluded.created_at
	`, string(id), wav, sampleRate, now.Unix())
	if err != nil {
		return fmt.Errorf("save audio artifact: %w", err)
	}
	return nil
}

// GetAudioArtifact returns the WAV artifact for a conversation.
func (s *Store) GetAudioArtifact(ctx context.Context, id model.ConversationID) ([]byte, int, error) {
	var wav []byte
	var sampleRate int
	err := s.db.QueryRowContext(ctx, `
		SELECT wav, sample_rate FROM audio_artifacts WHERE conversation_id = ?
	`, string(id)).Scan(&wav, &sampleRate)
	if err == sql.ErrNoRows {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("query audio artifact: %w", err)
	}
	return wav, sampleRate, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*model.Conversation, error) {
	var c model.Conversation
	var id, state, cause, failedStage string
	var startedAt int64
	var endedAt, deletedAt sql.NullInt64

	err := row.Scan(&id, &c.DeviceID, &c.UserID, &state, &cause, &startedAt,
		&endedAt, &c.ChunkCount, &c.VoicedChunks, &c.LastError, &failedStage, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}

	c.ID = model.ConversationID(id)
	c.State = model.ConversationState(state)
	c.CloseCause = model.CloseCause(cause)
	c.FailedStage = model.Stage(failedStage)
	c.StartedAt = timeFromUnix(startedAt)
	c.EndedAt = timePtrFromNull(endedAt)
	c.DeletedAt = timePtrFromNull(deletedAt)
	return &c, nil
}

// requireOneRow maps "no rows updated" to ErrNotFound or ErrConflict
// depending on whether the row exists at all.
func requireOneRow(ctx context.Context, db *sql.DB, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM conversations WHERE id = ?`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check conversation: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrConflict
}
