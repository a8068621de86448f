package segment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/skypro1111/convo-memory-service/internal/model"
	"github.com/skypro1111/convo-memory-service/internal/queue"
	"github.com/skypro1111/convo-memory-service/internal/store"
)

// Pipeline is the CloseHandler that feeds closed conversations into the
// processing pipeline: it persists the conversation and its audio, and
// enqueues the first stage. A conversation with no voiced audio completes
// immediately with an empty transcript and never enters the queue.
type Pipeline struct {
	store           *store.Store
	queue           *queue.Queue
	logger          *slog.Logger
	defaultLanguage string
}

// NewPipeline creates the store+queue close handler.
func NewPipeline(s *store.Store, q *queue.Queue, defaultLanguage string, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:           s,
		queue:           q,
		logger:          logger,
		defaultLanguage: defaultLanguage,
	}
}

// HandleOpen persists the freshly opened conversation.
func (p *Pipeline) HandleOpen(ctx context.Context, conv *model.Conversation) error {
	if err := p.store.CreateConversation(ctx, conv); err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// HandleClose persists the close and its audio, then admits the conversation
// into the pipeline. When the queue refuses on backlog, the conversation is
// left closed for a later operator retry; that is an admission decision, not
// a failure.
func (p *Pipeline) HandleClose(ctx context.Context, conv *model.Conversation, chunks []model.AudioChunk) error {
	if err := p.store.SaveChunks(ctx, chunks); err != nil {
		return fmt.Errorf("save chunks: %w", err)
	}

	endedAt := time.Now().UTC()
	if conv.EndedAt != nil {
		endedAt = *conv.EndedAt
	}
	if err := p.store.CloseConversation(ctx, conv.ID, conv.CloseCause, endedAt, conv.ChunkCount, conv.VoicedChunks); err != nil {
		return fmt.Errorf("close conversation: %w", err)
	}

	if conv.VoicedChunks == 0 {
		return p.completeSilent(ctx, conv)
	}

	_, err := p.queue.Enqueue(ctx, model.StageTranscode, conv.ID, map[string]string{
		"language": p.defaultLanguage,
	})
	if errors.Is(err, queue.ErrBacklogFull) {
		p.logger.Warn("pipeline backlog full, conversation left closed",
			slog.String("conversation_id", string(conv.ID)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue transcode: %w", err)
	}
	return nil
}

// completeSilent finishes a conversation that carried no speech: an empty
// active transcript version, state complete, no job.
func (p *Pipeline) completeSilent(ctx context.Context, conv *model.Conversation) error {
	version := &model.TranscriptVersion{
		ID:             model.NewVersionID(),
		ConversationID: conv.ID,
		Text:           "",
		Active:         true,
		Anomaly:        model.AnomalyUnknown,
		CreatedAt:      time.Now().UTC(),
	}
	if err := p.store.InsertTranscriptVersion(ctx, version); err != nil {
		return fmt.Errorf("insert empty transcript: %w", err)
	}
	if err := p.store.SetConversationState(ctx, conv.ID, model.ConversationComplete); err != nil {
		return fmt.Errorf("complete conversation: %w", err)
	}

	p.logger.Info("silent conversation completed",
		slog.String("conversation_id", string(conv.ID)))
	return nil
}
