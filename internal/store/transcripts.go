package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skypro1111/convo-memory-service/internal/model"
)

// InsertTranscriptVersion appends a transcript version. When v.Active is set,
// the previous active version of the conversation is deactivated in the same
// transaction so exactly one version stays active. Re-inserting an existing
// version id is a no-op, which keeps retried workers idempotent.
func (s *Store) InsertTranscriptVersion(ctx context.Context, v *model.TranscriptVersion) error {
	segments, err := json.Marshal(v.Segments)
	if err != nil {
		return fmt.Errorf("marshal segments: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	active := 0
	if v.Active {
		active = 1
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO transcript_versions (id, conversation_id, text, segments, active, anomaly, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, string(v.ID), string(v.ConversationID), v.Text, string(segments), active,
		string(v.Anomaly), v.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}

	// deactivate the rest only when this insert actually landed; a replayed
	// insert must not disturb the active flag
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if inserted == 1 && v.Active {
		if _, err := tx.ExecContext(ctx, `
			UPDATE transcript_versions SET active = 0 WHERE conversation_id = ? AND id != ? AND active = 1
		`, string(v.ConversationID), string(v.ID)); err != nil {
			return fmt.Errorf("deactivate versions: %w", err)
		}
	}

	return tx.Commit()
}

// ActiveTranscript returns the single active version of a conversation.
func (s *Store) ActiveTranscript(ctx context.Context, id model.ConversationID) (*model.TranscriptVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, text, segments, active, anomaly, created_at
		FROM transcript_versions
		WHERE conversation_id = ? AND active = 1
	`, string(id))
	return scanVersion(row)
}

// GetTranscriptVersion returns one version by id.
func (s *Store) GetTranscriptVersion(ctx context.Context, id model.VersionID) (*model.TranscriptVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, text, segments, active, anomaly, created_at
		FROM transcript_versions
		WHERE id = ?
	`, string(id))
	return scanVersion(row)
}

// ListTranscriptVersions returns all versions of a conversation, oldest first.
func (s *Store) ListTranscriptVersions(ctx context.Context, id model.ConversationID) ([]model.TranscriptVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, text, segments, active, anomaly, created_at
		FROM transcript_versions
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
	`, string(id))
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	var out []model.TranscriptVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// SetAnomaly updates the anomaly flag on a version.
func (s *Store) SetAnomaly(ctx context.Context, id model.VersionID, state model.AnomalyState) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transcript_versions SET anomaly = ? WHERE id = ?
	`, string(state), string(id))
	if err != nil {
		return fmt.Errorf("set anomaly: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Annotate records a review decision against a version. The annotation log is
// append-only; the version's anomaly flag moves to verified because a human
// has now looked at it, whatever the decision was.
func (s *Store) Annotate(ctx context.Context, id model.VersionID, decision model.AnnotationDecision, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE transcript_versions SET anomaly = ? WHERE id = ?
	`, string(model.AnomalyVerified), string(id))
	if err != nil {
		return fmt.Errorf("update version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO annotations (version_id, decision, annotated_at) VALUES (?, ?, ?)
	`, string(id), string(decision), now.Unix()); err != nil {
		return fmt.Errorf("insert annotation: %w", err)
	}

	return tx.Commit()
}

// ListAnnotations returns the review history of a version, oldest first.
func (s *Store) ListAnnotations(ctx context.Context, id model.VersionID) ([]model.Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version_id, decision, annotated_at FROM annotations WHERE version_id = ? ORDER BY id ASC
	`, string(id))
	if err != nil {
		return nil, fmt.Errorf("query annotations: %w", err)
	}
	defer rows.Close()

	var out []model.Annotation
	for rows.Next() {
		var a model.Annotation
		var versionID, decision string
		var annotatedAt int64
		if err := rows.Scan(&versionID, &decision, &annotatedAt); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		a.VersionID = model.VersionID(versionID)
		a.Decision = model.AnnotationDecision(decision)
		a.AnnotatedAt = timeFromUnix(annotatedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanVersion(row rowScanner) (*model.TranscriptVersion, error) {
	var v model.TranscriptVersion
	var id, convID, segments, anomaly string
	var active int
	var createdAt int64

	err := row.Scan(&id, &convID, &v.Text, &segments, &active, &anomaly, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan version: %w", err)
	}

	if err := json.Unmarshal([]byte(segments), &v.Segments); err != nil {
		return nil, fmt.Errorf("unmarshal segments: %w", err)
	}
	v.ID = model.VersionID(id)
	v.ConversationID = model.ConversationID(convID)
	v.Active = active != 0
	v.Anomaly = model.AnomalyState(anomaly)
	v.CreatedAt = timeFromUnix(createdAt)
	return &v, nil
}
