package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/skypro1111/convo-memory-service/internal/metrics"
	"github.com/skypro1111/convo-memory-service/internal/model"
)

var (
	// ErrBacklogFull is returned by Enqueue when the stage's queued depth is
	// at the admission threshold.
	ErrBacklogFull = errors.New("queue backlog full")
	// ErrDuplicateJob is returned by Enqueue when the conversation already
	// has a live job of the same stage.
	ErrDuplicateJob = errors.New("duplicate job for conversation and stage")
	// ErrNotFound is returned when the job does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrNotOwner is returned when a worker acts on a job it does not own.
	ErrNotOwner = errors.New("job owned by another worker")
	// ErrInvalidState is returned when a transition is not valid from the
	// job's current status.
	ErrInvalidState = errors.New("invalid job state transition")
)

// Options configures queue behavior. Zero-value fields fall back to safe
// defaults in New.
type Options struct {
	MaxAttempts      int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	LeaseTimeout     time.Duration
	BacklogThreshold int
	// StageConcurrency caps running jobs per stage. Stages without an entry
	// are uncapped.
	StageConcurrency map[string]int
	// Metrics receives per-stage job counters when set.
	Metrics *metrics.Metrics
}

// Queue is a durable job queue on SQLite. All status transitions go through
// conditional updates so a lease has at most one owner, and every transition
// is mirrored into the job_events audit table.
type Queue struct {
	db     *sql.DB
	opts   Options
	logger *slog.Logger

	now func() time.Time
}

// New creates a queue on an already-opened database (the store's handle).
func New(db *sql.DB, opts Options, logger *slog.Logger) *Queue {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffCap < opts.BackoffBase {
		opts.BackoffCap = opts.BackoffBase
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = time.Minute
	}
	if opts.BacklogThreshold < 1 {
		opts.BacklogThreshold = 1000
	}
	return &Queue{
		db:     db,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// Enqueue inserts a queued job for the stage and conversation. It refuses
// with ErrBacklogFull when the stage backlog is at the admission threshold
// and with ErrDuplicateJob when the conversation already has a queued,
// running or retrying job of the same stage.
func (q *Queue) Enqueue(ctx context.Context, stage model.Stage, convID model.ConversationID, payload map[string]string) (*model.Job, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if payload == nil {
		payloadJSON = []byte("{}")
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var backlog int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM jobs WHERE stage = ? AND status IN (?, ?)
	`, string(stage), string(model.JobQueued), string(model.JobRetrying)).Scan(&backlog); err != nil {
		return nil, fmt.Errorf("count backlog: %w", err)
	}
	if backlog >= q.opts.BacklogThreshold {
		return nil, ErrBacklogFull
	}

	var dup int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM jobs
		WHERE conversation_id = ? AND stage = ? AND status IN (?, ?, ?)
	`, string(convID), string(stage),
		string(model.JobQueued), string(model.JobRunning), string(model.JobRetrying)).Scan(&dup); err != nil {
		return nil, fmt.Errorf("count duplicates: %w", err)
	}
	if dup > 0 {
		return nil, ErrDuplicateJob
	}

	now := q.now().UTC()
	job := &model.Job{
		ID:             model.NewJobID(),
		Stage:          stage,
		ConversationID: convID,
		Payload:        payload,
		Status:         model.JobQueued,
		NotBefore:      now,
		EnqueuedAt:     now,
		UpdatedAt:      now,
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (id, stage, conversation_id, payload, status, attempt_count, not_before, enqueued_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
	`, string(job.ID), string(stage), string(convID), string(payloadJSON),
		string(model.JobQueued), now.Unix(), now.Unix(), now.Unix()); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	if err := appendEvent(ctx, tx, job.ID, stage, "", model.JobQueued, "", "enqueued", now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	if q.opts.Metrics != nil {
		q.opts.Metrics.RecordJobEnqueued(string(stage))
	}
	q.logger.Debug("job enqueued",
		"job_id", job.ID,
		"stage", stage,
		"conversation_id", convID)
	return job, nil
}

// Lease claims the eligible job with the earliest ready time among the given
// stages for workerID. Eligible means queued or retrying with not_before in
// the past, in a stage whose running count is under its concurrency cap.
// Ordering by ready time keeps fresh jobs FIFO and puts a backing-off retry
// behind everything that became ready while it waited. Returns (nil, nil)
// when nothing is eligible.
func (q *Queue) Lease(ctx context.Context, workerID string, stages []model.Stage) (*model.Job, error) {
	if len(stages) == 0 {
		return nil, nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := q.now().UTC()
	eligible := make([]any, 0, len(stages))
	for _, stage := range stages {
		limit, capped := q.opts.StageConcurrency[string(stage)]
		if capped {
			var running int
			if err := tx.QueryRowContext(ctx, `
				SELECT COUNT(1) FROM jobs WHERE stage = ? AND status = ?
			`, string(stage), string(model.JobRunning)).Scan(&running); err != nil {
				return nil, fmt.Errorf("count running: %w", err)
			}
			if running >= limit {
				continue
			}
		}
		eligible = append(eligible, string(stage))
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, stage, conversation_id, payload, status, attempt_count, last_error, not_before, enqueued_at, updated_at
		FROM jobs
		WHERE status IN (?, ?) AND not_before <= ? AND stage IN (` + placeholders(len(eligible)) + `)
		ORDER BY not_before ASC, enqueued_at ASC, id ASC
		LIMIT 1
	`
	args := append([]any{string(model.JobQueued), string(model.JobRetrying), now.Unix()}, eligible...)

	var job model.Job
	var id, stage, convID, payloadJSON, status string
	var notBefore, enqueuedAt, updatedAt int64
	err = tx.QueryRowContext(ctx, query, args...).Scan(&id, &stage, &convID, &payloadJSON,
		&status, &job.AttemptCount, &job.LastError, &notBefore, &enqueuedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select eligible job: %w", err)
	}

	leaseExpiry := now.Add(q.opts.LeaseTimeout)
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, owner_worker_id = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(model.JobRunning), workerID, leaseExpiry.Unix(), now.Unix(),
		id, string(model.JobQueued), string(model.JobRetrying))
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		// lost the race; the caller polls again
		return nil, nil
	}

	if err := appendEvent(ctx, tx, model.JobID(id), model.Stage(stage),
		model.JobStatus(status), model.JobRunning, workerID, "leased", now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	if err := json.Unmarshal([]byte(payloadJSON), &job.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.ID = model.JobID(id)
	job.Stage = model.Stage(stage)
	job.ConversationID = model.ConversationID(convID)
	job.Status = model.JobRunning
	job.OwnerWorkerID = workerID
	job.LeaseExpiresAt = &leaseExpiry
	job.NotBefore = timeFromUnix(notBefore)
	job.EnqueuedAt = timeFromUnix(enqueuedAt)
	job.UpdatedAt = now
	return &job, nil
}

// Complete marks a running job done. Only the owning worker may complete it.
func (q *Queue) Complete(ctx context.Context, jobID model.JobID, workerID, detail string) error {
	return q.finishAttempt(ctx, jobID, workerID, func(job *model.Job) (model.JobStatus, time.Time, string, int) {
		return model.JobDone, time.Time{}, detail, job.AttemptCount + 1
	})
}

// Fail records a failed attempt. Retryable failures back off exponentially
// (base * 2^attempt, capped) and return the job to the retrying pool;
// permanent failures and exhausted attempts move it to failed.
func (q *Queue) Fail(ctx context.Context, jobID model.JobID, workerID, errMsg string, retryable bool) error {
	return q.finishAttempt(ctx, jobID, workerID, func(job *model.Job) (model.JobStatus, time.Time, string, int) {
		attempts := job.AttemptCount + 1
		if !retryable || attempts >= q.opts.MaxAttempts {
			return model.JobFailed, time.Time{}, errMsg, attempts
		}

		backoff := q.opts.BackoffBase << uint(job.AttemptCount)
		if backoff > q.opts.BackoffCap || backoff <= 0 {
			backoff = q.opts.BackoffCap
		}
		return model.JobRetrying, q.now().UTC().Add(backoff), errMsg, attempts
	})
}

// finishAttempt ends a running attempt owned by workerID with the status the
// decide callback picks from the job's current state.
func (q *Queue) finishAttempt(ctx context.Context, jobID model.JobID, workerID string, decide func(*model.Job) (status model.JobStatus, notBefore time.Time, detail string, attempts int)) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	job, err := getJobTx(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if job.Status != model.JobRunning {
		return ErrInvalidState
	}
	if job.OwnerWorkerID != workerID {
		return ErrNotOwner
	}

	status, notBefore, detail, attempts := decide(job)
	now := q.now().UTC()
	if notBefore.IsZero() {
		notBefore = now
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, attempt_count = ?, last_error = ?, owner_worker_id = '', lease_expires_at = NULL, not_before = ?, updated_at = ?
		WHERE id = ?
	`, string(status), attempts, errorDetail(status, detail), notBefore.Unix(), now.Unix(), string(jobID)); err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	if err := appendEvent(ctx, tx, jobID, job.Stage, model.JobRunning, status, workerID, detail, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if q.opts.Metrics != nil {
		// job.UpdatedAt is the lease time, so this is the attempt duration
		took := now.Sub(job.UpdatedAt).Seconds()
		switch status {
		case model.JobDone:
			q.opts.Metrics.RecordJobCompleted(string(job.Stage), took)
		case model.JobRetrying:
			q.opts.Metrics.RecordJobRetried(string(job.Stage))
		case model.JobFailed:
			q.opts.Metrics.RecordJobFailed(string(job.Stage), took)
		}
	}

	q.logger.Debug("job attempt finished",
		"job_id", jobID,
		"stage", job.Stage,
		"status", status,
		"attempts", attempts)
	return nil
}

// errorDetail keeps last_error empty on success so a completed job does not
// carry its earlier attempts' messages.
func errorDetail(status model.JobStatus, detail string) string {
	if status == model.JobDone {
		return ""
	}
	return detail
}

// Cancel moves a non-terminal job to cancelled. A worker holding a lease on
// it will notice on its pre-persist status check and drop the result.
func (q *Queue) Cancel(ctx context.Context, jobID model.JobID, detail string) error {
	return q.transition(ctx, jobID, model.JobCancelled, detail, func(s model.JobStatus) bool {
		return !s.Terminal()
	}, nil)
}

// Retry re-queues a failed job at the tail. Without force the attempt count
// and last error are kept, so the job gets exactly one more attempt; force
// resets the budget. Cancelled jobs are terminal and cannot be retried.
func (q *Queue) Retry(ctx context.Context, jobID model.JobID, force bool) error {
	var reset func(*sql.Tx) error
	if force {
		reset = func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				UPDATE jobs SET attempt_count = 0, last_error = '' WHERE id = ?
			`, string(jobID))
			return err
		}
	}
	return q.transition(ctx, jobID, model.JobQueued, "operator retry", func(s model.JobStatus) bool {
		return s == model.JobFailed
	}, reset)
}

// transition applies a single operator-driven status change guarded by the
// allowed predicate.
func (q *Queue) transition(ctx context.Context, jobID model.JobID, to model.JobStatus, detail string, allowed func(model.JobStatus) bool, extra func(*sql.Tx) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	job, err := getJobTx(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if !allowed(job.Status) {
		return ErrInvalidState
	}

	now := q.now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, owner_worker_id = '', lease_expires_at = NULL, not_before = ?, updated_at = ?
		WHERE id = ?
	`, string(to), now.Unix(), now.Unix(), string(jobID)); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if extra != nil {
		if err := extra(tx); err != nil {
			return fmt.Errorf("update job: %w", err)
		}
	}

	if err := appendEvent(ctx, tx, jobID, job.Stage, job.Status, to, "", detail, now); err != nil {
		return err
	}
	return tx.Commit()
}

// Flush cancels every queued and retrying job, optionally narrowed to one
// stage, and returns how many it cancelled.
func (q *Queue) Flush(ctx context.Context, stage model.Stage) (int, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT id, stage, status FROM jobs WHERE status IN (?, ?)`
	args := []any{string(model.JobQueued), string(model.JobRetrying)}
	if stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(stage))
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("query flushable: %w", err)
	}
	type flushable struct {
		id     string
		stage  string
		status string
	}
	var targets []flushable
	for rows.Next() {
		var f flushable
		if err := rows.Scan(&f.id, &f.stage, &f.status); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan flushable: %w", err)
		}
		targets = append(targets, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := q.now().UTC()
	for _, f := range targets {
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?
		`, string(model.JobCancelled), now.Unix(), f.id); err != nil {
			return 0, fmt.Errorf("flush job: %w", err)
		}
		if err := appendEvent(ctx, tx, model.JobID(f.id), model.Stage(f.stage),
			model.JobStatus(f.status), model.JobCancelled, "", "flushed", now); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(targets), nil
}

// ReclaimExpired returns running jobs with expired leases to the queued pool.
// Attempt counts are preserved; the expiry itself is not an attempt.
func (q *Queue) ReclaimExpired(ctx context.Context) (int, error) {
	return q.reclaim(ctx, `status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
		[]any{string(model.JobRunning), q.now().UTC().Unix()}, "lease expired")
}

// ReclaimWorker returns all running jobs owned by workerID to the queued
// pool. Used when a worker stops heartbeating.
func (q *Queue) ReclaimWorker(ctx context.Context, workerID string) (int, error) {
	return q.reclaim(ctx, `status = ? AND owner_worker_id = ?`,
		[]any{string(model.JobRunning), workerID}, "worker lost")
}

func (q *Queue) reclaim(ctx context.Context, where string, args []any, detail string) (int, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id, stage, owner_worker_id FROM jobs WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("query reclaimable: %w", err)
	}
	type reclaimable struct {
		id     string
		stage  string
		worker string
	}
	var targets []reclaimable
	for rows.Next() {
		var r reclaimable
		if err := rows.Scan(&r.id, &r.stage, &r.worker); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan reclaimable: %w", err)
		}
		targets = append(targets, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := q.now().UTC()
	for _, r := range targets {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, owner_worker_id = '', lease_expires_at = NULL, updated_at = ?
			WHERE id = ? AND status = ?
		`, string(model.JobQueued), now.Unix(), r.id, string(model.JobRunning))
		if err != nil {
			return 0, fmt.Errorf("reclaim job: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}
		if err := appendEvent(ctx, tx, model.JobID(r.id), model.Stage(r.stage),
			model.JobRunning, model.JobQueued, r.worker, detail, now); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	if len(targets) > 0 {
		q.logger.Info("reclaimed jobs", "count", len(targets), "reason", detail)
	}
	return len(targets), nil
}

// PruneFinished deletes done and cancelled jobs (and their audit events)
// older than the retention window. Returns how many jobs it removed.
func (q *Queue) PruneFinished(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := q.now().UTC().Add(-retention).Unix()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM job_events WHERE job_id IN (
			SELECT id FROM jobs WHERE status IN (?, ?) AND updated_at < ?
		)
	`, string(model.JobDone), string(model.JobCancelled), cutoff); err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM jobs WHERE status IN (?, ?) AND updated_at < ?
	`, string(model.JobDone), string(model.JobCancelled), cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return int(n), nil
}

// Get returns one job by id.
func (q *Queue) Get(ctx context.Context, jobID model.JobID) (*model.Job, error) {
	tx, err := q.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	return getJobTx(ctx, tx, jobID)
}

// List returns jobs newest first, optionally filtered by stage and status.
func (q *Queue) List(ctx context.Context, stage model.Stage, status model.JobStatus) ([]model.Job, error) {
	query := `
		SELECT id, stage, conversation_id, payload, status, attempt_count, last_error, owner_worker_id, lease_expires_at, not_before, enqueued_at, updated_at
		FROM jobs
		WHERE 1 = 1
	`
	var args []any
	if stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(stage))
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY enqueued_at DESC, id ASC`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// ListByConversation returns all jobs of one conversation, oldest first.
func (q *Queue) ListByConversation(ctx context.Context, convID model.ConversationID) ([]model.Job, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, stage, conversation_id, payload, status, attempt_count, last_error, owner_worker_id, lease_expires_at, not_before, enqueued_at, updated_at
		FROM jobs
		WHERE conversation_id = ?
		ORDER BY enqueued_at ASC, id ASC
	`, string(convID))
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// Events returns the audit trail of a job, oldest first.
func (q *Queue) Events(ctx context.Context, jobID model.JobID) ([]model.JobEvent, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, job_id, stage, from_status, to_status, worker_id, detail, created_at
		FROM job_events
		WHERE job_id = ?
		ORDER BY id ASC
	`, string(jobID))
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []model.JobEvent
	for rows.Next() {
		var e model.JobEvent
		var jobID, stage, from, to string
		var createdAt int64
		if err := rows.Scan(&e.ID, &jobID, &stage, &from, &to, &e.WorkerID, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.JobID = model.JobID(jobID)
		e.Stage = model.Stage(stage)
		e.FromStatus = model.JobStatus(from)
		e.ToStatus = model.JobStatus(to)
		e.CreatedAt = timeFromUnix(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats returns job counts keyed by stage then status.
func (q *Queue) Stats(ctx context.Context) (map[string]map[string]int, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT stage, status, COUNT(1) FROM jobs GROUP BY stage, status
	`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]int)
	for rows.Next() {
		var stage, status string
		var count int
		if err := rows.Scan(&stage, &status, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		if out[stage] == nil {
			out[stage] = make(map[string]int)
		}
		out[stage][status] = count
	}
	return out, rows.Err()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getJobTx(ctx context.Context, tx queryRower, jobID model.JobID) (*model.Job, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, stage, conversation_id, payload, status, attempt_count, last_error, owner_worker_id, lease_expires_at, not_before, enqueued_at, updated_at
		FROM jobs
		WHERE id = ?
	`, string(jobID))
	return scanJob(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var job model.Job
	var id, stage, convID, payloadJSON, status string
	var leaseExpires sql.NullInt64
	var notBefore, enqueuedAt, updatedAt int64

	err := row.Scan(&id, &stage, &convID, &payloadJSON, &status, &job.AttemptCount,
		&job.LastError, &job.OwnerWorkerID, &leaseExpires, &notBefore, &enqueuedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal([]byte(payloadJSON), &job.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.ID = model.JobID(id)
	job.Stage = model.Stage(stage)
	job.ConversationID = model.ConversationID(convID)
	job.Status = model.JobStatus(status)
	if leaseExpires.Valid {
		t := timeFromUnix(leaseExpires.Int64)
		job.LeaseExpiresAt = &t
	}
	job.NotBefore = timeFromUnix(notBefore)
	job.EnqueuedAt = timeFromUnix(enqueuedAt)
	job.UpdatedAt = timeFromUnix(updatedAt)
	return &job, nil
}

func appendEvent(ctx context.Context, tx *sql.Tx, jobID model.JobID, stage model.Stage, from, to model.JobStatus, workerID, detail string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO job_events (job_id, stage, from_status, to_status, worker_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, string(jobID), string(stage), string(from), string(to), workerID, detail, now.Unix())
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	out := "?"
	for i := 1; i < n; i++ {
		out += ", ?"
	}
	return out
}

func timeFromUnix(ts int64) time.Time {
	return time.Unix(ts, 0).UTC()
}
