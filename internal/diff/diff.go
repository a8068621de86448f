package diff

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/skypro1111/convo-memory-service/internal/engine"
	"github.com/skypro1111/convo-memory-service/internal/metrics"
	"github.com/skypro1111/convo-memory-service/internal/model"
	"github.com/skypro1111/convo-memory-service/internal/vector"
)

// Decision is the outcome of diffing one candidate fact against the user's
// existing memories.
type Decision string

const (
	DecisionAdd    Decision = "add"
	DecisionUpdate Decision = "update"
	DecisionNoop   Decision = "noop"
	DecisionDelete Decision = "delete"
)

// Outcome records what the engine did with one candidate.
type Outcome struct {
	Candidate string         `json:"candidate"`
	Decision  Decision       `json:"decision"`
	MemoryID  model.MemoryID `json:"memory_id,omitempty"`
	// Deleted lists memories soft-deleted by the contradiction pass while
	// handling this candidate.
	Deleted []model.MemoryID `json:"deleted,omitempty"`
	Score   float64          `json:"score,omitempty"`
}

// MemoryStore is the slice of the durable store the diff engine needs.
type MemoryStore interface {
	UpsertMemory(ctx context.Context, m *model.Memory) error
	GetMemory(ctx context.Context, id model.MemoryID) (*model.Memory, error)
	SoftDeleteMemory(ctx context.Context, id model.MemoryID, now time.Time) error
}

// Options holds the similarity thresholds. Expected ordering is
// Similarity <= Update <= NearDuplicate.
type Options struct {
	TopK int
	// Similarity is the floor below which a match is ignored entirely.
	Similarity float64
	// Update is the floor above which a materially different candidate
	// replaces the matched memory's text.
	Update float64
	// NearDuplicate is the floor above which an equivalent candidate is a
	// no-op.
	NearDuplicate float64
	// ContradictionEnabled turns on the LLM contradiction pass.
	ContradictionEnabled bool
	// ContradictionMin is the minimum judge confidence to act on.
	ContradictionMin float64
	// Metrics receives per-decision counters when set.
	Metrics *metrics.Metrics
}

// Engine reconciles candidate facts against a user's existing memories,
// deciding per candidate whether to add, update, ignore or (via the
// contradiction pass) soft-delete.
type Engine struct {
	embedder engine.Embedder
	index    vector.Client
	store    MemoryStore
	judge    engine.Extractor
	opts     Options
	logger   *slog.Logger

	now func() time.Time
}

// New creates a diff engine. judge may be nil when the contradiction pass is
// disabled.
func New(embedder engine.Embedder, index vector.Client, store MemoryStore, judge engine.Extractor, opts Options, logger *slog.Logger) *Engine {
	if opts.TopK < 1 {
		opts.TopK = 5
	}
	return &Engine{
		embedder: embedder,
		index:    index,
		store:    store,
		judge:    judge,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Reconcile processes all candidates for one user. Each candidate is
// embedded, searched against the user's memories and resolved into exactly
// one decision. Embedder failures abort the whole batch so the job retries;
// a candidate is never silently added because similarity search was
// unavailable.
func (e *Engine) Reconcile(ctx context.Context, userID string, sourceConvID model.ConversationID, candidates []string) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(candidates))
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}

		outcome, err := e.reconcileOne(ctx, userID, sourceConvID, candidate)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, *outcome)

		if e.opts.Metrics != nil {
			e.opts.Metrics.RecordDiffDecision(string(outcome.Decision))
			for range outcome.Deleted {
				e.opts.Metrics.RecordDiffDecision(string(DecisionDelete))
			}
		}

		e.logger.Info("memory decision",
			"user_id", userID,
			"decision", outcome.Decision,
			"memory_id", outcome.MemoryID,
			"score", outcome.Score)
	}
	return outcomes, nil
}

func (e *Engine) reconcileOne(ctx context.Context, userID string, sourceConvID model.ConversationID, candidate string) (*Outcome, error) {
	embeddings, err := e.embedder.Embed(ctx, []string{candidate})
	if err != nil {
		return nil, fmt.Errorf("embed candidate: %w", err)
	}
	embedding := embeddings[0]

	matches, err := e.index.Search(ctx, userID, embedding, e.opts.TopK)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	outcome := &Outcome{Candidate: candidate}
	best, bestMemory, err := e.bestActiveMatch(ctx, matches)
	if err != nil {
		return nil, err
	}

	if best != nil {
		outcome.Score = best.Score
		switch {
		case best.Score >= e.opts.NearDuplicate && !materiallyDifferent(candidate, bestMemory.Text):
			// equivalent fact already known; updated_at stays untouched
			outcome.Decision = DecisionNoop
			outcome.MemoryID = bestMemory.ID
			return outcome, nil

		case best.Score >= e.opts.Update:
			if !materiallyDifferent(candidate, bestMemory.Text) {
				// equivalent text below the near-duplicate floor still
				// changes nothing worth a version bump
				outcome.Decision = DecisionNoop
				outcome.MemoryID = bestMemory.ID
				return outcome, nil
			}

			now := e.now().UTC()
			updated := *bestMemory
			updated.Text = candidate
			updated.Embedding = embedding
			updated.SourceConversationID = sourceConvID
			updated.UpdatedAt = now
			if err := e.store.UpsertMemory(ctx, &updated); err != nil {
				return nil, fmt.Errorf("update memory: %w", err)
			}
			if err := e.index.Upsert(ctx, updated.ID, userID, embedding); err != nil {
				return nil, fmt.Errorf("update vector: %w", err)
			}
			outcome.Decision = DecisionUpdate
			outcome.MemoryID = updated.ID
			return outcome, nil
		}
	}

	// below the update threshold (or nothing matched): new memory
	deleted, err := e.contradictionPass(ctx, candidate, best, bestMemory)
	if err != nil {
		return nil, err
	}
	outcome.Deleted = deleted

	// keyed on conversation and normalized text, so a retried job (or a
	// second worker racing the first) upserts the same row
	now := e.now().UTC()
	memory := &model.Memory{
		ID:                   model.DeterministicMemoryID(string(sourceConvID) + "|" + normalize(candidate)),
		UserID:               userID,
		Text:                 candidate,
		Embedding:            embedding,
		SourceConversationID: sourceConvID,
		Status:               model.MemoryActive,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := e.store.UpsertMemory(ctx, memory); err != nil {
		return nil, fmt.Errorf("add memory: %w", err)
	}
	if err := e.index.Upsert(ctx, memory.ID, userID, embedding); err != nil {
		return nil, fmt.Errorf("add vector: %w", err)
	}
	outcome.Decision = DecisionAdd
	outcome.MemoryID = memory.ID
	return outcome, nil
}

// bestActiveMatch walks the search hits best-first and returns the first one
// that clears the similarity floor and still resolves to an active memory.
// The index may briefly lag the store, so hits with no active row are
// skipped.
func (e *Engine) bestActiveMatch(ctx context.Context, matches []vector.Match) (*vector.Match, *model.Memory, error) {
	for i := range matches {
		m := matches[i]
		if m.Score < e.opts.Similarity {
			break
		}

		memory, err := e.store.GetMemory(ctx, m.ID)
		if err != nil {
			continue
		}
		if memory.Status != model.MemoryActive {
			continue
		}
		return &m, memory, nil
	}
	return nil, nil, nil
}

// contradictionPass asks the judge whether the candidate contradicts the
// best match and soft-deletes the match when the judge is confident enough.
// Judge failures only skip the pass; the add still happens.
func (e *Engine) contradictionPass(ctx context.Context, candidate string, best *vector.Match, bestMemory *model.Memory) ([]model.MemoryID, error) {
	if !e.opts.ContradictionEnabled || e.judge == nil || bestMemory == nil {
		return nil, nil
	}

	result, err := e.judge.JudgeContradiction(ctx, &engine.ContradictionRequest{
		Candidate: candidate,
		Existing:  bestMemory.Text,
	})
	if err != nil {
		e.logger.Warn("contradiction judge unavailable, skipping pass",
			"memory_id", bestMemory.ID,
			"error", err)
		return nil, nil
	}
	if !result.Contradiction || result.Confidence < e.opts.ContradictionMin {
		return nil, nil
	}

	if err := e.store.SoftDeleteMemory(ctx, bestMemory.ID, e.now().UTC()); err != nil {
		return nil, fmt.Errorf("delete contradicted memory: %w", err)
	}
	if err := e.index.Delete(ctx, bestMemory.ID); err != nil {
		return nil, fmt.Errorf("delete contradicted vector: %w", err)
	}

	e.logger.Info("memory contradicted",
		"memory_id", bestMemory.ID,
		"confidence", result.Confidence)
	return []model.MemoryID{bestMemory.ID}, nil
}

// materiallyDifferent compares fact texts ignoring case and whitespace runs.
func materiallyDifferent(a, b string) bool {
	return normalize(a) != normalize(b)
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
