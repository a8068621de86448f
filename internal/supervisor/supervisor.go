package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/convo-memory-service/internal/metrics"
	"github.com/skypro1111/convo-memory-service/internal/queue"
)

// SessionJanitor is the slice of the segmenter the supervisor drives.
type SessionJanitor interface {
	CleanupOldSessions(maxAge time.Duration) int
}

// Options contains supervisor timing configuration.
type Options struct {
	TickInterval     time.Duration
	HeartbeatTimeout time.Duration
	SessionMaxAge    time.Duration
	JobRetention     time.Duration
	// Metrics receives the queue depth gauge when set.
	Metrics *metrics.Metrics
}

// WorkerInfo is a monitoring snapshot of one registered worker.
type WorkerInfo struct {
	WorkerID      string    `json:"worker_id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Supervisor keeps the pipeline healthy in the background: it reclaims
// expired job leases, reclaims jobs of workers that stopped heartbeating,
// prunes finished jobs past retention, and closes stale segmenter sessions.
// It also serves as the worker pool's heartbeat registry.
type Supervisor struct {
	queue    *queue.Queue
	sessions SessionJanitor
	opts     Options
	logger   *slog.Logger

	mu         sync.Mutex
	heartbeats map[string]time.Time

	cancel context.CancelFunc
	done   chan struct{}

	now func() time.Time
}

// New creates a supervisor. sessions may be nil when the segmenter runs
// elsewhere.
func New(q *queue.Queue, sessions SessionJanitor, opts Options, logger *slog.Logger) *Supervisor {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 30 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = time.Minute
	}
	return &Supervisor{
		queue:      q,
		sessions:   sessions,
		opts:       opts,
		logger:     logger,
		heartbeats: make(map[string]time.Time),
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

// Start launches the background loop.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.opts.TickInterval)
		defer ticker.Stop()

		s.logger.Info("supervisor started",
			slog.Duration("tick_interval", s.opts.TickInterval),
			slog.Duration("heartbeat_timeout", s.opts.HeartbeatTimeout))

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runOnce(ctx)
			}
		}
	}()
}

// Stop shuts the loop down and waits for it.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
	s.logger.Info("supervisor stopped")
}

// Heartbeat records worker liveness. Part of the worker.Registry contract.
func (s *Supervisor) Heartbeat(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats[workerID] = s.now()
}

// Deregister removes a worker that shut down cleanly.
func (s *Supervisor) Deregister(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.heartbeats, workerID)
}

// Workers returns a snapshot of the registered workers.
func (s *Supervisor) Workers() []WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WorkerInfo, 0, len(s.heartbeats))
	for workerID, beat := range s.heartbeats {
		out = append(out, WorkerInfo{WorkerID: workerID, LastHeartbeat: beat})
	}
	return out
}

// runOnce performs one maintenance sweep.
func (s *Supervisor) runOnce(ctx context.Context) {
	if n, err := s.queue.ReclaimExpired(ctx); err != nil {
		s.logger.Error("lease reclaim failed", slog.String("error", err.Error()))
	} else if n > 0 {
		s.logger.Info("reclaimed expired leases", slog.Int("count", n))
	}

	s.cleanupStuckWorkers(ctx)

	if s.opts.JobRetention > 0 {
		if n, err := s.queue.PruneFinished(ctx, s.opts.JobRetention); err != nil {
			s.logger.Error("job prune failed", slog.String("error", err.Error()))
		} else if n > 0 {
			s.logger.Info("pruned finished jobs", slog.Int("count", n))
		}
	}

	if s.sessions != nil && s.opts.SessionMaxAge > 0 {
		if n := s.sessions.CleanupOldSessions(s.opts.SessionMaxAge); n > 0 {
			s.logger.Info("closed stale sessions", slog.Int("count", n))
		}
	}

	if s.opts.Metrics != nil {
		stats, err := s.queue.Stats(ctx)
		if err != nil {
			s.logger.Error("queue stats failed", slog.String("error", err.Error()))
			return
		}
		for stage, byStatus := range stats {
			for status, count := range byStatus {
				s.opts.Metrics.SetQueueDepth(stage, status, count)
			}
		}
	}
}

// cleanupStuckWorkers deregisters workers whose last heartbeat is past the
// timeout and returns their running jobs to the queue.
func (s *Supervisor) cleanupStuckWorkers(ctx context.Context) {
	cutoff := s.now().Add(-s.opts.HeartbeatTimeout)

	s.mu.Lock()
	var stuck []string
	for workerID, beat := range s.heartbeats {
		if beat.Before(cutoff) {
			stuck = append(stuck, workerID)
		}
	}
	for _, workerID := range stuck {
		delete(s.heartbeats, workerID)
	}
	s.mu.Unlock()

	for _, workerID := range stuck {
		n, err := s.queue.ReclaimWorker(ctx, workerID)
		if err != nil {
			s.logger.Error("stuck worker reclaim failed",
				slog.String("worker_id", workerID),
				slog.String("error", err.Error()))
			continue
		}
		s.logger.Warn("stuck worker cleaned up",
			slog.String("worker_id", workerID),
			slog.Int("reclaimed_jobs", n))
	}
}
