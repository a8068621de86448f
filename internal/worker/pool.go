package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/convo-memory-service/internal/model"
	"github.com/skypro1111/convo-memory-service/internal/queue"
	"github.com/skypro1111/convo-memory-service/internal/store"
)

// Registry receives worker liveness signals. The supervisor implements it;
// a nil registry disables heartbeating.
type Registry interface {
	Heartbeat(workerID string)
	Deregister(workerID string)
}

// PoolConfig contains worker pool configuration.
type PoolConfig struct {
	Count             int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// Pool runs N workers, each looping lease, dispatch, complete-or-fail.
type Pool struct {
	queue    *queue.Queue
	store    *store.Store
	handler  *Handler
	registry Registry
	config   PoolConfig
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool. Call Start to run it.
func NewPool(q *queue.Queue, s *store.Store, handler *Handler, registry Registry, config PoolConfig, logger *slog.Logger) *Pool {
	if config.Count < 1 {
		config.Count = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 10 * time.Second
	}
	return &Pool{
		queue:    q,
		store:    s,
		handler:  handler,
		registry: registry,
		config:   config,
		logger:   logger,
	}
}

// Start launches the workers. They run until Stop or parent context
// cancellation.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.config.Count; i++ {
		workerID := fmt.Sprintf("worker-%s", uuid.New().String()[:8])
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx, workerID)
		}()
	}

	p.logger.Info("worker pool started",
		slog.Int("workers", p.config.Count),
		slog.Duration("poll_interval", p.config.PollInterval))
}

// Stop signals all workers and waits for in-flight jobs to finish their
// current attempt.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) run(ctx context.Context, workerID string) {
	if p.registry != nil {
		p.registry.Heartbeat(workerID)
		// heartbeats run beside the job loop so a long engine call does
		// not make a busy worker look stuck
		hbDone := make(chan struct{})
		go func() {
			defer close(hbDone)
			p.heartbeatLoop(ctx, workerID)
		}()
		defer func() {
			<-hbDone
			p.registry.Deregister(workerID)
		}()
	}

	poll := time.NewTicker(p.config.PollInterval)
	defer poll.Stop()

	stages := p.handler.Stages()
	for {
		// drain eligible jobs before sleeping
		for {
			if ctx.Err() != nil {
				return
			}
			job, err := p.queue.Lease(ctx, workerID, stages)
			if err != nil {
				p.logger.Error("lease failed",
					slog.String("worker_id", workerID),
					slog.String("error", err.Error()))
				break
			}
			if job == nil {
				break
			}
			p.process(ctx, workerID, job)
		}

		select {
		case <-ctx.Done():
			return
		case <-poll.C:
		}
	}
}

func (p *Pool) heartbeatLoop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.registry.Heartbeat(workerID)
		}
	}
}

// process runs one leased job to the end of its attempt.
func (p *Pool) process(ctx context.Context, workerID string, job *model.Job) {
	started := time.Now()
	p.logger.Info("job started",
		slog.String("worker_id", workerID),
		slog.String("job_id", string(job.ID)),
		slog.String("stage", string(job.Stage)),
		slog.String("conversation_id", string(job.ConversationID)),
		slog.Int("attempt", job.AttemptCount+1))

	if job.Stage == model.StageTranscode {
		if err := p.store.SetConversationState(ctx, job.ConversationID, model.ConversationProcessing); err != nil {
			p.logger.Warn("failed to mark conversation processing",
				slog.String("conversation_id", string(job.ConversationID)),
				slog.String("error", err.Error()))
		}
	}

	err := p.handler.Handle(ctx, job)
	switch {
	case err == nil:
		if err := p.queue.Complete(ctx, job.ID, workerID, ""); err != nil {
			p.logger.Error("complete failed",
				slog.String("job_id", string(job.ID)),
				slog.String("error", err.Error()))
		}
		p.logger.Info("job done",
			slog.String("job_id", string(job.ID)),
			slog.String("stage", string(job.Stage)),
			slog.Duration("took", time.Since(started)))

	case errors.Is(err, ErrCancelled):
		// operator cancelled mid-flight; the result was dropped and the
		// job needs no further transition
		p.logger.Info("job cancelled mid-flight, result dropped",
			slog.String("job_id", string(job.ID)),
			slog.String("stage", string(job.Stage)))

	default:
		retryable := Retryable(err)
		if failErr := p.queue.Fail(ctx, job.ID, workerID, err.Error(), retryable); failErr != nil {
			p.logger.Error("fail transition failed",
				slog.String("job_id", string(job.ID)),
				slog.String("error", failErr.Error()))
			return
		}
		p.logger.Warn("job attempt failed",
			slog.String("job_id", string(job.ID)),
			slog.String("stage", string(job.Stage)),
			slog.Bool("retryable", retryable),
			slog.String("error", err.Error()))

		p.surfaceFailure(ctx, job, err)
	}
}

// surfaceFailure mirrors a permanently failed job onto its conversation so
// the operator sees the failed stage and last error.
func (p *Pool) surfaceFailure(ctx context.Context, job *model.Job, cause error) {
	current, err := p.queue.Get(ctx, job.ID)
	if err != nil || current.Status != model.JobFailed {
		return
	}
	if err := p.store.SetConversationError(ctx, job.ConversationID, job.Stage, cause.Error()); err != nil {
		p.logger.Error("failed to surface conversation error",
			slog.String("conversation_id", string(job.ConversationID)),
			slog.String("error", err.Error()))
	}
}
