package diff

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/skypro1111/convo-memory-service/internal/engine"
	"github.com/skypro1111/convo-memory-service/internal/model"
	"github.com/skypro1111/convo-memory-service/internal/store"
	"github.com/skypro1111/convo-memory-service/internal/vector"
)

// fakeEmbedder maps known texts to fixed vectors.
type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, ok := f.vectors[text]
		if !ok {
			vec = []float32{0, 0, 1}
		}
		out[i] = vec
	}
	return out, nil
}

// fakeJudge returns a canned contradiction verdict.
type fakeJudge struct {
	contradiction bool
	confidence    float64
	err           error
}

func (f *fakeJudge) ExtractMemories(context.Context, *engine.ExtractRequest) (*engine.ExtractResult, error) {
	return &engine.ExtractResult{}, nil
}

func (f *fakeJudge) JudgeContradiction(context.Context, *engine.ContradictionRequest) (*engine.ContradictionResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &engine.ContradictionResult{Contradiction: f.contradiction, Confidence: f.confidence}, nil
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func defaultOptions() Options {
	return Options{
		TopK:          5,
		Similarity:    0.5,
		Update:        0.8,
		NearDuplicate: 0.95,
	}
}

func testEngine(t *testing.T, embedder engine.Embedder, idx vector.Client, s *store.Store, judge engine.Extractor, opts Options) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(embedder, idx, s, judge, opts, logger)
}

// seedMemory inserts an active memory into both store and index.
func seedMemory(t *testing.T, s *store.Store, idx vector.Client, userID, text string, vec []float32) model.MemoryID {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	m := &model.Memory{
		ID:                   model.NewMemoryID(),
		UserID:               userID,
		Text:                 text,
		Embedding:            vec,
		SourceConversationID: model.NewConversationID(),
		Status:               model.MemoryActive,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.UpsertMemory(context.Background(), m); err != nil {
		t.Fatalf("seed memory: %v", err)
	}
	if err := idx.Upsert(context.Background(), m.ID, userID, vec); err != nil {
		t.Fatalf("seed vector: %v", err)
	}
	return m.ID
}

func TestReconcileAdd(t *testing.T) {
	s := testStore(t)
	idx := vector.NewInMemory()
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"likes espresso": {1, 0, 0},
	}}
	e := testEngine(t, embedder, idx, s, nil, defaultOptions())

	convID := model.NewConversationID()
	outcomes, err := e.Reconcile(context.Background(), "user-1", convID, []string{"likes espresso"})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Decision != DecisionAdd {
		t.Fatalf("expected ADD, got %+v", outcomes)
	}

	memory, err := s.GetMemory(context.Background(), outcomes[0].MemoryID)
	if err != nil {
		t.Fatalf("get memory: %v", err)
	}
	if memory.Text != "likes espresso" || memory.SourceConversationID != convID {
		t.Errorf("unexpected memory %+v", memory)
	}
	if idx.Len() != 1 {
		t.Errorf("vector not indexed")
	}
}

func TestReconcileNoop(t *testing.T) {
	s := testStore(t)
	idx := vector.NewInMemory()
	existingID := seedMemory(t, s, idx, "user-1", "Likes  Espresso", []float32{1, 0, 0})

	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"likes espresso": {1, 0, 0},
	}}
	e := testEngine(t, embedder, idx, s, nil, defaultOptions())

	before, _ := s.GetMemory(context.Background(), existingID)

	outcomes, err := e.Reconcile(context.Background(), "user-1", model.NewConversationID(), []string{"likes espresso"})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if outcomes[0].Decision != DecisionNoop || outcomes[0].MemoryID != existingID {
		t.Fatalf("expected NO-OP on near-duplicate, got %+v", outcomes[0])
	}

	after, _ := s.GetMemory(context.Background(), existingID)
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("no-op touched updated_at")
	}
}

func TestReconcileUpdate(t *testing.T) {
	s := testStore(t)
	idx := vector.NewInMemory()
	existingID := seedMemory(t, s, idx, "user-1", "works at Acme", []float32{1, 0, 0})

	// close vector, materially different text
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"works at Acme as a manager": {0.95, 0.05, 0},
	}}
	e := testEngine(t, embedder, idx, s, nil, defaultOptions())

	convID := model.NewConversationID()
	outcomes, err := e.Reconcile(context.Background(), "user-1", convID, []string{"works at Acme as a manager"})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if outcomes[0].Decision != DecisionUpdate || outcomes[0].MemoryID != existingID {
		t.Fatalf("expected UPDATE of existing memory, got %+v", outcomes[0])
	}

	memory, _ := s.GetMemory(context.Background(), existingID)
	if memory.Text != "works at Acme as a manager" {
		t.Errorf("text not updated: %q", memory.Text)
	}
	if memory.SourceConversationID != convID {
		t.Errorf("source conversation not updated")
	}
	if idx.Len() != 1 {
		t.Errorf("update created an extra vector")
	}
}

func TestReconcileNoopOnEquivalentTextBelowNearDuplicate(t *testing.T) {
	s := testStore(t)
	idx := vector.NewInMemory()
	existingID := seedMemory(t, s, idx, "user-1", "drinks green tea", []float32{1, 0, 0})

	// same normalized text, but the embedding only lands in the update band
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"Drinks  Green Tea": {0.9, 0.43588989, 0},
	}}
	e := testEngine(t, embedder, idx, s, nil, defaultOptions())

	before, _ := s.GetMemory(context.Background(), existingID)

	outcomes, err := e.Reconcile(context.Background(), "user-1", model.NewConversationID(), []string{"Drinks  Green Tea"})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if outcomes[0].Decision != DecisionNoop || outcomes[0].MemoryID != existingID {
		t.Fatalf("equivalent text should not update, got %+v", outcomes[0])
	}

	after, _ := s.GetMemory(context.Background(), existingID)
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("no-op touched updated_at")
	}
	if after.Text != "drinks green tea" {
		t.Errorf("no-op rewrote the text: %q", after.Text)
	}
}

// blindIndex accepts writes but never returns matches, like a second worker
// whose search ran before the first worker's upsert landed.
type blindIndex struct {
	inner *vector.InMemory
}

func (b *blindIndex) Upsert(ctx context.Context, id model.MemoryID, userID string, embedding []float32) error {
	return b.inner.Upsert(ctx, id, userID, embedding)
}

func (b *blindIndex) Search(context.Context, string, []float32, int) ([]vector.Match, error) {
	return nil, nil
}

func (b *blindIndex) Delete(ctx context.Context, id model.MemoryID) error {
	return b.inner.Delete(ctx, id)
}

func TestRacingAddsConvergeOnOneMemory(t *testing.T) {
	s := testStore(t)
	idx := &blindIndex{inner: vector.NewInMemory()}
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"likes espresso": {1, 0, 0},
	}}
	e := testEngine(t, embedder, idx, s, nil, defaultOptions())

	convID := model.NewConversationID()
	first, err := e.Reconcile(context.Background(), "user-1", convID, []string{"likes espresso"})
	if err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	second, err := e.Reconcile(context.Background(), "user-1", convID, []string{"likes espresso"})
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}

	// both passes decided ADD, but the id is stable so the second upserts
	if first[0].Decision != DecisionAdd || second[0].Decision != DecisionAdd {
		t.Fatalf("expected two ADDs, got %+v and %+v", first[0], second[0])
	}
	if first[0].MemoryID != second[0].MemoryID {
		t.Errorf("replayed add minted a new id: %s vs %s", first[0].MemoryID, second[0].MemoryID)
	}

	memories, _ := s.ListMemories(context.Background(), "user-1", false)
	if len(memories) != 1 {
		t.Errorf("expected 1 memory after replay, got %d", len(memories))
	}
	if idx.inner.Len() != 1 {
		t.Errorf("expected 1 vector after replay, got %d", idx.inner.Len())
	}
}

func TestReconcileAddWhenBelowUpdateThreshold(t *testing.T) {
	s := testStore(t)
	idx := vector.NewInMemory()
	seedMemory(t, s, idx, "user-1", "enjoys hiking", []float32{1, 0, 0})

	// similar enough to match, not enough to update
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"enjoys trail running": {0.7, 0.71, 0},
	}}
	e := testEngine(t, embedder, idx, s, nil, defaultOptions())

	outcomes, err := e.Reconcile(context.Background(), "user-1", model.NewConversationID(), []string{"enjoys trail running"})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if outcomes[0].Decision != DecisionAdd {
		t.Fatalf("expected ADD below update threshold, got %+v", outcomes[0])
	}

	memories, _ := s.ListMemories(context.Background(), "user-1", false)
	if len(memories) != 2 {
		t.Errorf("expected 2 active memories, got %d", len(memories))
	}
}

func TestContradictionSoftDelete(t *testing.T) {
	s := testStore(t)
	idx := vector.NewInMemory()
	oldID := seedMemory(t, s, idx, "user-1", "lives in Lviv", []float32{1, 0, 0})

	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"lives in Kyiv": {0.75, 0.66, 0},
	}}
	opts := defaultOptions()
	opts.ContradictionEnabled = true
	opts.ContradictionMin = 0.8
	judge := &fakeJudge{contradiction: true, confidence: 0.9}
	e := testEngine(t, embedder, idx, s, judge, opts)

	outcomes, err := e.Reconcile(context.Background(), "user-1", model.NewConversationID(), []string{"lives in Kyiv"})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if outcomes[0].Decision != DecisionAdd {
		t.Fatalf("expected ADD with delete, got %+v", outcomes[0])
	}
	if len(outcomes[0].Deleted) != 1 || outcomes[0].Deleted[0] != oldID {
		t.Fatalf("expected old memory deleted, got %+v", outcomes[0].Deleted)
	}

	old, _ := s.GetMemory(context.Background(), oldID)
	if old.Status != model.MemoryDeleted {
		t.Errorf("delete was not soft: %+v", old)
	}
	if idx.Len() != 1 {
		t.Errorf("contradicted vector still indexed")
	}
}

func TestContradictionBelowConfidenceIsIgnored(t *testing.T) {
	s := testStore(t)
	idx := vector.NewInMemory()
	oldID := seedMemory(t, s, idx, "user-1", "lives in Lviv", []float32{1, 0, 0})

	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"lives in Kyiv": {0.75, 0.66, 0},
	}}
	opts := defaultOptions()
	opts.ContradictionEnabled = true
	opts.ContradictionMin = 0.8
	judge := &fakeJudge{contradiction: true, confidence: 0.5}
	e := testEngine(t, embedder, idx, s, judge, opts)

	outcomes, _ := e.Reconcile(context.Background(), "user-1", model.NewConversationID(), []string{"lives in Kyiv"})
	if len(outcomes[0].Deleted) != 0 {
		t.Errorf("low-confidence verdict acted on: %+v", outcomes[0])
	}

	old, _ := s.GetMemory(context.Background(), oldID)
	if old.Status != model.MemoryActive {
		t.Errorf("memory deleted despite low confidence")
	}
}

func TestEmbedderFailureAbortsBatch(t *testing.T) {
	s := testStore(t)
	idx := vector.NewInMemory()
	embedder := &fakeEmbedder{err: &engine.Error{Op: "embed", Transient: true, Err: errors.New("unreachable")}}
	e := testEngine(t, embedder, idx, s, nil, defaultOptions())

	outcomes, err := e.Reconcile(context.Background(), "user-1", model.NewConversationID(), []string{"fact"})
	if err == nil {
		t.Fatal("expected error when embedder is down")
	}
	if !engine.IsTransient(err) {
		t.Errorf("embedder outage should stay retryable: %v", err)
	}
	if len(outcomes) != 0 {
		t.Errorf("no outcomes expected, got %+v", outcomes)
	}

	// nothing was silently added
	memories, _ := s.ListMemories(context.Background(), "user-1", true)
	if len(memories) != 0 {
		t.Errorf("memory added despite embedder failure: %+v", memories)
	}
}

func TestUserIsolation(t *testing.T) {
	s := testStore(t)
	idx := vector.NewInMemory()
	seedMemory(t, s, idx, "user-2", "likes espresso", []float32{1, 0, 0})

	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"likes espresso": {1, 0, 0},
	}}
	e := testEngine(t, embedder, idx, s, nil, defaultOptions())

	outcomes, err := e.Reconcile(context.Background(), "user-1", model.NewConversationID(), []string{"likes espresso"})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	// another user's identical memory must not cause a no-op
	if outcomes[0].Decision != DecisionAdd {
		t.Errorf("expected ADD across user boundary, got %+v", outcomes[0])
	}
}
