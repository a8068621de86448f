package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/skypro1111/convo-memory-service/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestConversation() *model.Conversation {
	return &model.Conversation{
		ID:        model.NewConversationID(),
		DeviceID:  "deadbeef00112233",
		UserID:    "user-1",
		State:     model.ConversationOpen,
		StartedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestConversationLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv := newTestConversation()
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != model.ConversationOpen || got.DeviceID != conv.DeviceID {
		t.Errorf("unexpected conversation %+v", got)
	}

	ended := time.Now().UTC().Truncate(time.Second)
	if err := s.CloseConversation(ctx, conv.ID, model.CloseSilence, ended, 10, 4); err != nil {
		t.Fatalf("close: %v", err)
	}

	// closing twice is a state conflict
	if err := s.CloseConversation(ctx, conv.ID, model.CloseSilence, ended, 10, 4); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on double close, got %v", err)
	}

	got, _ = s.GetConversation(ctx, conv.ID)
	if got.State != model.ConversationClosed || got.CloseCause != model.CloseSilence {
		t.Errorf("unexpected state after close: %+v", got)
	}
	if got.ChunkCount != 10 || got.VoicedChunks != 4 {
		t.Errorf("unexpected counters: %+v", got)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(ended) {
		t.Errorf("unexpected ended_at: %v", got.EndedAt)
	}

	if err := s.SetConversationError(ctx, conv.ID, model.StageTranscribe, "engine unreachable"); err != nil {
		t.Fatalf("set error: %v", err)
	}
	got, _ = s.GetConversation(ctx, conv.ID)
	if got.State != model.ConversationError || got.FailedStage != model.StageTranscribe {
		t.Errorf("unexpected error state: %+v", got)
	}

	if err := s.SetConversationState(ctx, conv.ID, model.ConversationComplete); err != nil {
		t.Fatalf("set state: %v", err)
	}
	got, _ = s.GetConversation(ctx, conv.ID)
	if got.State != model.ConversationComplete || got.LastError != "" {
		t.Errorf("error bookkeeping not cleared: %+v", got)
	}
}

func TestConversationNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetConversation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.SetConversationState(ctx, "missing", model.ConversationComplete); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSoftDeleteConversation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv := newTestConversation()
	s.CreateConversation(ctx, conv)

	if err := s.SoftDeleteConversation(ctx, conv.ID, time.Now()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.SoftDeleteConversation(ctx, conv.ID, time.Now()); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on double delete, got %v", err)
	}

	list, err := s.ListConversations(ctx, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("soft-deleted conversation still listed: %v", list)
	}

	list, _ = s.ListConversations(ctx, true)
	if len(list) != 1 || list[0].DeletedAt == nil {
		t.Errorf("expected tombstoned row with include_deleted, got %v", list)
	}
}

func TestChunkPersistenceIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv := newTestConversation()
	s.CreateConversation(ctx, conv)

	chunks := []model.AudioChunk{
		{ConversationID: conv.ID, Sequence: 1, CapturedAt: time.Now(), DeviceID: conv.DeviceID, PCM: []byte{1, 0, 2, 0}, Voiced: true},
		{ConversationID: conv.ID, Sequence: 2, CapturedAt: time.Now(), DeviceID: conv.DeviceID, PCM: []byte{3, 0, 4, 0}},
	}
	if err := s.SaveChunks(ctx, chunks); err != nil {
		t.Fatalf("save: %v", err)
	}
	// replay of the same batch must not duplicate rows
	if err := s.SaveChunks(ctx, chunks); err != nil {
		t.Fatalf("replay save: %v", err)
	}

	got, err := s.GetChunks(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get chunks: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(got))
	}
	if got[0].Sequence != 1 || !got[0].Voiced || got[1].Voiced {
		t.Errorf("unexpected chunks %+v", got)
	}
}

func TestAudioArtifactUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv := newTestConversation()
	s.CreateConversation(ctx, conv)

	if _, _, err := s.GetAudioArtifact(ctx, conv.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.SaveAudioArtifact(ctx, conv.ID, []byte("v1"), 16000, time.Now()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveAudioArtifact(ctx, conv.ID, []byte("v2"), 16000, time.Now()); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	wav, rate, err := s.GetAudioArtifact(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(wav) != "v2" || rate != 16000 {
		t.Errorf("unexpected artifact %q %d", wav, rate)
	}
}

func TestTranscriptVersionsSingleActive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv := newTestConversation()
	s.CreateConversation(ctx, conv)

	v1 := &model.TranscriptVersion{
		ID:             model.NewVersionID(),
		ConversationID: conv.ID,
		Text:           "first pass",
		Active:         true,
		Anomaly:        model.AnomalyUnknown,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.InsertTranscriptVersion(ctx, v1); err != nil {
		t.Fatalf("insert v1: %v", err)
	}
	// retried worker re-inserts the same version: no-op
	if err := s.InsertTranscriptVersion(ctx, v1); err != nil {
		t.Fatalf("reinsert v1: %v", err)
	}

	v2 := &model.TranscriptVersion{
		ID:             model.NewVersionID(),
		ConversationID: conv.ID,
		Text:           "second pass",
		Segments:       []model.SpeakerSegment{{Start: 0, End: 1.5, Speaker: "S1", Text: "second pass"}},
		Active:         true,
		Anomaly:        model.AnomalyUnknown,
		CreatedAt:      time.Now().UTC().Add(time.Second),
	}
	if err := s.InsertTranscriptVersion(ctx, v2); err != nil {
		t.Fatalf("insert v2: %v", err)
	}

	active, err := s.ActiveTranscript(ctx, conv.ID)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active.ID != v2.ID {
		t.Errorf("expected v2 active, got %s", active.ID)
	}
	if len(active.Segments) != 1 || active.Segments[0].Speaker != "S1" {
		t.Errorf("segments not round-tripped: %+v", active.Segments)
	}

	versions, err := s.ListTranscriptVersions(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
	activeCount := 0
	for _, v := range versions {
		if v.Active {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Errorf("expected exactly one active version, got %d", activeCount)
	}
}

func TestAnnotate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv := newTestConversation()
	s.CreateConversation(ctx, conv)

	v := &model.TranscriptVersion{
		ID:             model.NewVersionID(),
		ConversationID: conv.ID,
		Text:           "odd transcript",
		Active:         true,
		Anomaly:        model.AnomalyFlagged,
		CreatedAt:      time.Now().UTC(),
	}
	s.InsertTranscriptVersion(ctx, v)

	if err := s.Annotate(ctx, v.ID, model.DecisionStashed, time.Now()); err != nil {
		t.Fatalf("annotate: %v", err)
	}
	if err := s.Annotate(ctx, v.ID, model.DecisionVerified, time.Now()); err != nil {
		t.Fatalf("annotate again: %v", err)
	}
	if err := s.Annotate(ctx, "missing", model.DecisionVerified, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	got, _ := s.GetTranscriptVersion(ctx, v.ID)
	if got.Anomaly != model.AnomalyVerified {
		t.Errorf("anomaly not resolved after review: %s", got.Anomaly)
	}

	anns, err := s.ListAnnotations(ctx, v.ID)
	if err != nil {
		t.Fatalf("list annotations: %v", err)
	}
	if len(anns) != 2 {
		t.Fatalf("expected 2 annotations, got %d", len(anns))
	}
	if anns[0].Decision != model.DecisionStashed || anns[1].Decision != model.DecisionVerified {
		t.Errorf("annotation history out of order: %+v", anns)
	}
}

func TestMemoryUpsertAndSoftDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	m := &model.Memory{
		ID:                   model.NewMemoryID(),
		UserID:               "user-1",
		Text:                 "prefers morning meetings",
		Embedding:            []float32{0.1, -0.2, 0.3},
		SourceConversationID: model.NewConversationID(),
		Status:               model.MemoryActive,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.UpsertMemory(ctx, m); err != nil {
		t.Fatalf("insert: %v", err)
	}

	m.Text = "prefers afternoon meetings"
	m.UpdatedAt = now.Add(time.Minute)
	if err := s.UpsertMemory(ctx, m); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetMemory(ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Text != "prefers afternoon meetings" {
		t.Errorf("text not updated: %q", got.Text)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("created_at changed on update: %v", got.CreatedAt)
	}
	if len(got.Embedding) != 3 || got.Embedding[1] != -0.2 {
		t.Errorf("embedding not round-tripped: %v", got.Embedding)
	}

	if err := s.SoftDeleteMemory(ctx, m.ID, now.Add(2*time.Minute)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.SoftDeleteMemory(ctx, m.ID, now); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on double delete, got %v", err)
	}

	active, _ := s.ListMemories(ctx, "user-1", false)
	if len(active) != 0 {
		t.Errorf("deleted memory still listed as active")
	}
	all, _ := s.ListMemories(ctx, "user-1", true)
	if len(all) != 1 || all[0].Status != model.MemoryDeleted {
		t.Errorf("expected tombstoned memory, got %+v", all)
	}
}
