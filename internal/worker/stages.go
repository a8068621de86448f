package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/skypro1111/convo-memory-service/internal/audio"
	"github.com/skypro1111/convo-memory-service/internal/diff"
	"github.com/skypro1111/convo-memory-service/internal/engine"
	"github.com/skypro1111/convo-memory-service/internal/model"
	"github.com/skypro1111/convo-memory-service/internal/queue"
	"github.com/skypro1111/convo-memory-service/internal/store"
)

// ErrCancelled is returned by a stage handler when it found its job
// cancelled before persisting the result. The attempt ends without a
// complete or fail transition.
var ErrCancelled = errors.New("job cancelled, result dropped")

// permanent wraps an error so the queue treats it as non-retryable.
type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent marks an error as a non-retryable stage failure.
func Permanent(err error) error { return &permanent{err: err} }

// Retryable reports whether a stage error should send the job back through
// the retry policy. Engine errors carry their own classification.
func Retryable(err error) bool {
	var p *permanent
	if errors.As(err, &p) {
		return false
	}
	return engine.IsTransient(err)
}

// HandlerConfig contains stage handler configuration.
type HandlerConfig struct {
	SampleRate       int
	DiarizationOn    bool
	AnomalyThreshold float64
}

// Handler executes one pipeline stage for a leased job and chains the next
// stage. Before any persisted result it re-reads the job status and drops
// the result when an operator cancelled the job mid-flight.
type Handler struct {
	store       *store.Store
	queue       *queue.Queue
	transcriber engine.Transcriber
	diarizer    engine.Diarizer
	extractor   engine.Extractor
	diff        *diff.Engine
	anomaly     AnomalyDetector
	config      HandlerConfig
	logger      *slog.Logger
}

// NewHandler creates the stage dispatcher. diarizer may be nil when the
// diarize stage is disabled.
func NewHandler(s *store.Store, q *queue.Queue, transcriber engine.Transcriber, diarizer engine.Diarizer, extractor engine.Extractor, diffEngine *diff.Engine, anomaly AnomalyDetector, config HandlerConfig, logger *slog.Logger) *Handler {
	if anomaly == nil {
		anomaly = NullAnomalyDetector{}
	}
	return &Handler{
		store:       s,
		queue:       q,
		transcriber: transcriber,
		diarizer:    diarizer,
		extractor:   extractor,
		diff:        diffEngine,
		anomaly:     anomaly,
		config:      config,
		logger:      logger,
	}
}

// Stages returns the stages this handler serves, honoring the diarization
// switch.
func (h *Handler) Stages() []model.Stage {
	stages := []model.Stage{model.StageTranscode, model.StageTranscribe, model.StageExtractMemory}
	if h.config.DiarizationOn {
		stages = append(stages, model.StageDiarize)
	}
	return stages
}

// Handle runs the job's stage. A nil return means the stage succeeded and
// the next stage (if any) was enqueued.
func (h *Handler) Handle(ctx context.Context, job *model.Job) error {
	switch job.Stage {
	case model.StageTranscode:
		return h.transcode(ctx, job)
	case model.StageTranscribe:
		return h.transcribe(ctx, job)
	case model.StageDiarize:
		return h.diarize(ctx, job)
	case model.StageExtractMemory:
		return h.extractMemory(ctx, job)
	default:
		return Permanent(fmt.Errorf("unknown stage %q", job.Stage))
	}
}

// transcode builds one WAV artifact from the conversation's raw frames.
func (h *Handler) transcode(ctx context.Context, job *model.Job) error {
	chunks, err := h.store.GetChunks(ctx, job.ConversationID)
	if err != nil {
		return fmt.Errorf("load chunks: %w", err)
	}
	if len(chunks) == 0 {
		return Permanent(fmt.Errorf("conversation %s has no audio", job.ConversationID))
	}

	var pcm []byte
	for _, chunk := range chunks {
		pcm = append(pcm, chunk.PCM...)
	}
	wav, err := audio.EncodeWAV(audio.DecodeSamples(pcm), h.config.SampleRate)
	if err != nil {
		return Permanent(fmt.Errorf("encode wav: %w", err))
	}

	if cancelled, err := h.jobCancelled(ctx, job.ID); err != nil {
		return err
	} else if cancelled {
		return ErrCancelled
	}

	if err := h.store.SaveAudioArtifact(ctx, job.ConversationID, wav, h.config.SampleRate, time.Now().UTC()); err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	return h.enqueueNext(ctx, model.StageTranscribe, job)
}

// transcribe calls the transcription engine on the WAV artifact and appends
// the result as the new active transcript version.
func (h *Handler) transcribe(ctx context.Context, job *model.Job) error {
	wav, sampleRate, err := h.store.GetAudioArtifact(ctx, job.ConversationID)
	if err != nil {
		return Permanent(fmt.Errorf("load artifact: %w", err))
	}

	result, err := h.transcriber.Transcribe(ctx, &engine.TranscribeRequest{
		ConversationID: job.ConversationID,
		WAV:            wav,
		SampleRate:     sampleRate,
		Language:       job.Payload["language"],
	})
	if err != nil {
		return fmt.Errorf("transcription engine: %w", err)
	}

	anomaly := model.AnomalyUnknown
	if score := h.anomaly.Detect(result.Text); h.config.AnomalyThreshold > 0 && score >= h.config.AnomalyThreshold {
		anomaly = model.AnomalyFlagged
		h.logger.Warn("transcript flagged as anomalous",
			slog.String("conversation_id", string(job.ConversationID)),
			slog.Float64("score", score))
	}

	if cancelled, err := h.jobCancelled(ctx, job.ID); err != nil {
		return err
	} else if cancelled {
		return ErrCancelled
	}

	version := &model.TranscriptVersion{
		ID:             model.DeterministicVersionID(string(job.ID)),
		ConversationID: job.ConversationID,
		Text:           result.Text,
		Segments:       result.Segments,
		Active:         true,
		Anomaly:        anomaly,
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.store.InsertTranscriptVersion(ctx, version); err != nil {
		return fmt.Errorf("insert version: %w", err)
	}

	next := model.StageExtractMemory
	if h.config.DiarizationOn {
		next = model.StageDiarize
	}
	return h.enqueueNext(ctx, next, job)
}

// diarize attaches speaker labels, appending a new active version so the
// unlabeled transcript stays in the history.
func (h *Handler) diarize(ctx context.Context, job *model.Job) error {
	if h.diarizer == nil {
		return Permanent(errors.New("diarization engine not configured"))
	}

	wav, sampleRate, err := h.store.GetAudioArtifact(ctx, job.ConversationID)
	if err != nil {
		return Permanent(fmt.Errorf("load artifact: %w", err))
	}
	current, err := h.store.ActiveTranscript(ctx, job.ConversationID)
	if err != nil {
		return Permanent(fmt.Errorf("load transcript: %w", err))
	}

	result, err := h.diarizer.Diarize(ctx, &engine.DiarizeRequest{
		ConversationID: job.ConversationID,
		WAV:            wav,
		SampleRate:     sampleRate,
		Segments:       current.Segments,
	})
	if err != nil {
		return fmt.Errorf("diarization engine: %w", err)
	}

	if cancelled, err := h.jobCancelled(ctx, job.ID); err != nil {
		return err
	} else if cancelled {
		return ErrCancelled
	}

	version := &model.TranscriptVersion{
		ID:             model.DeterministicVersionID(string(job.ID)),
		ConversationID: job.ConversationID,
		Text:           current.Text,
		Segments:       result.Segments,
		Active:         true,
		Anomaly:        current.Anomaly,
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.store.InsertTranscriptVersion(ctx, version); err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return h.enqueueNext(ctx, model.StageExtractMemory, job)
}

// extractMemory runs LLM extraction on the active transcript and reconciles
// the candidate facts into the memory set, then completes the conversation.
func (h *Handler) extractMemory(ctx context.Context, job *model.Job) error {
	conv, err := h.store.GetConversation(ctx, job.ConversationID)
	if err != nil {
		return Permanent(fmt.Errorf("load conversation: %w", err))
	}
	transcript, err := h.store.ActiveTranscript(ctx, job.ConversationID)
	if err != nil {
		return Permanent(fmt.Errorf("load transcript: %w", err))
	}

	var candidates []string
	if transcript.Text != "" {
		result, err := h.extractor.ExtractMemories(ctx, &engine.ExtractRequest{
			UserID:     conv.UserID,
			Transcript: transcript.Text,
			Language:   job.Payload["language"],
		})
		if err != nil {
			return fmt.Errorf("extraction engine: %w", err)
		}
		candidates = result.Facts
	}

	if cancelled, err := h.jobCancelled(ctx, job.ID); err != nil {
		return err
	} else if cancelled {
		return ErrCancelled
	}

	if len(candidates) > 0 {
		outcomes, err := h.diff.Reconcile(ctx, conv.UserID, conv.ID, candidates)
		if err != nil {
			return fmt.Errorf("reconcile memories: %w", err)
		}
		h.logger.Info("memories reconciled",
			slog.String("conversation_id", string(conv.ID)),
			slog.Int("candidates", len(candidates)),
			slog.Int("outcomes", len(outcomes)))
	}

	if err := h.store.SetConversationState(ctx, job.ConversationID, model.ConversationComplete); err != nil {
		return fmt.Errorf("complete conversation: %w", err)
	}
	return nil
}

// enqueueNext chains the following stage. A duplicate job from an earlier
// attempt is fine; a full backlog sends this job back through retry so the
// chain is not lost.
func (h *Handler) enqueueNext(ctx context.Context, stage model.Stage, job *model.Job) error {
	_, err := h.queue.Enqueue(ctx, stage, job.ConversationID, job.Payload)
	if errors.Is(err, queue.ErrDuplicateJob) {
		return nil
	}
	if errors.Is(err, queue.ErrBacklogFull) {
		return fmt.Errorf("next stage %s: %w", stage, err)
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", stage, err)
	}
	return nil
}

func (h *Handler) jobCancelled(ctx context.Context, jobID model.JobID) (bool, error) {
	job, err := h.queue.Get(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("recheck job: %w", err)
	}
	return job.Status == model.JobCancelled, nil
}
