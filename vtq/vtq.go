// Package vtq implements a visibility-timeout queue backed by SQLite.
//
// A claimed job stays invisible for the configured visibility window. The
// consumer acks it on success. If the consumer crashes the job reappears once
// the window elapses and another worker picks it up. A handler can also
// defer a job to a later time without treating it as a failure, which the
// executor uses when a schedule is at its parallel cap.
//
// Schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS vtq_jobs (
//	    id          TEXT NOT NULL,
//	    queue       TEXT NOT NULL DEFAULT '',
//	    payload     BLOB,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- unix ms
//	    created_at  INTEGER NOT NULL,            -- unix ms
//	    attempts    INTEGER NOT NULL DEFAULT 0,
//	    PRIMARY KEY (queue, id)
//	);
package vtq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Job is a row in the queue.
type Job struct {
	ID        string
	Queue     string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// DeferError asks the consumer loop to hide the job for Delay instead of
// nacking it. The claim that ended in a deferral does not count toward
// Options.MaxAttempts.
type DeferError struct {
	Delay  time.Duration
	Reason string
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("vtq: deferred for %s: %s", e.Delay, e.Reason)
}

// Defer builds a DeferError.
func Defer(delay time.Duration, reason string) error {
	return &DeferError{Delay: delay, Reason: reason}
}

// Options configures queue behaviour.
type Options struct {
	// Queue is the logical queue name. Default: "".
	Queue string
	// Visibility is how long a claimed job stays invisible. Default: 30s.
	Visibility time.Duration
	// PollInterval is the delay between claim rounds. Default: 1s.
	PollInterval time.Duration
	// NackDelay hides a failed job before redelivery. Default: 0 (immediate).
	NackDelay time.Duration
	// MaxAttempts discards jobs claimed more than this many times. 0 means
	// unlimited.
	MaxAttempts int
	// OnDiscard is called with jobs dropped by MaxAttempts.
	OnDiscard func(ctx context.Context, job *Job)
	Logger    *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
	now  func() time.Time
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts, now: time.Now}
}

// Schema is the DDL for the jobs table, also usable with dbopen.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS vtq_jobs (
	id          TEXT NOT NULL,
	queue       TEXT NOT NULL DEFAULT '',
	payload     BLOB,
	visible_at  INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (queue, id)
);
CREATE INDEX IF NOT EXISTS idx_vtq_visible ON vtq_jobs (queue, visible_at);
`

// EnsureTable creates the jobs table and index if needed.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, Schema)
	return err
}

// Publish enqueues a job that is immediately visible. Publishing an id that
// is already queued is a no-op, so callers can republish after a crash.
func (q *Q) Publish(ctx context.Context, id string, payload []byte) error {
	return q.PublishAt(ctx, id, payload, q.now())
}

// PublishAt enqueues a job that becomes visible at visibleAt.
func (q *Q) PublishAt(ctx context.Context, id string, payload []byte, visibleAt time.Time) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO vtq_jobs (id, queue, payload, visible_at, created_at) VALUES (?,?,?,?,?)
		 ON CONFLICT (queue, id) DO NOTHING`,
		id, q.opts.Queue, payload, visibleAt.UnixMilli(), q.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("vtq: publish %s: %w", id, err)
	}
	return nil
}

// BatchClaim atomically claims up to n visible jobs, oldest first. It
// returns an empty slice when nothing is visible.
func (q *Q) BatchClaim(ctx context.Context, n int) ([]*Job, error) {
	now := q.now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	rows, err := q.db.QueryContext(ctx, `
		UPDATE vtq_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE queue = ? AND id IN (
			SELECT id FROM vtq_jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC, created_at ASC
			LIMIT ?
		)
		RETURNING id, queue, payload, visible_at, created_at, attempts`,
		hideUntil, q.opts.Queue, q.opts.Queue, now.UnixMilli(), n,
	)
	if err != nil {
		return nil, fmt.Errorf("vtq: claim: %w", err)
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		var j Job
		var visAt, creAt int64
		if err := rows.Scan(&j.ID, &j.Queue, &j.Payload, &visAt, &creAt, &j.Attempts); err != nil {
			return nil, err
		}
		j.VisibleAt = time.UnixMilli(visAt)
		j.CreatedAt = time.UnixMilli(creAt)
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// Claim claims a single job, or returns nil, nil.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	jobs, err := q.BatchClaim(ctx, 1)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// Ack deletes a processed job.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM vtq_jobs WHERE id = ? AND queue = ?`, id, q.opts.Queue)
	return err
}

// Nack makes a job visible again after Options.NackDelay.
func (q *Q) Nack(ctx context.Context, id string) error {
	return q.Extend(ctx, id, q.opts.NackDelay)
}

// Postpone hides a job for d from now and gives back the attempt its last
// claim took.
func (q *Q) Postpone(ctx context.Context, id string, d time.Duration) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE vtq_jobs SET visible_at = ?, attempts = MAX(attempts - 1, 0) WHERE id = ? AND queue = ?`,
		q.now().Add(d).UnixMilli(), id, q.opts.Queue,
	)
	return err
}

// Extend hides a job for d from now. Long handlers call it as a heartbeat.
func (q *Q) Extend(ctx context.Context, id string, d time.Duration) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE vtq_jobs SET visible_at = ? WHERE id = ? AND queue = ?`,
		q.now().Add(d).UnixMilli(), id, q.opts.Queue,
	)
	return err
}

// Len returns the number of queued jobs, visible or not.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vtq_jobs WHERE queue = ?`, q.opts.Queue).Scan(&n)
	return n, err
}

// Handler processes a claimed job. nil acks, a *DeferError delays, any other
// error nacks.
type Handler func(ctx context.Context, job *Job) error

// RunBatch polls and processes jobs with at most maxConcurrency handlers in
// flight. It blocks until ctx is cancelled and drains in-flight handlers
// before returning.
func (q *Q) RunBatch(ctx context.Context, maxConcurrency int, handler Handler) {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	log := q.opts.Logger
	log.Info("vtq: consumer started",
		"queue", q.opts.Queue,
		"max_concurrency", maxConcurrency,
		"visibility", q.opts.Visibility,
		"poll", q.opts.PollInterval,
	)

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			log.Info("vtq: consumer stopped", "queue", q.opts.Queue)
			return
		case <-ticker.C:
		}

		free := maxConcurrency - len(sem)
		if free <= 0 {
			continue
		}
		jobs, err := q.BatchClaim(ctx, free)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Warn("vtq: claim failed", "error", err, "queue", q.opts.Queue)
			continue
		}

		for _, job := range jobs {
			if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
				log.Warn("vtq: job exceeded max attempts, discarding",
					"id", job.ID, "attempts", job.Attempts, "queue", q.opts.Queue)
				if q.opts.OnDiscard != nil {
					q.opts.OnDiscard(ctx, job)
				}
				_ = q.Ack(ctx, job.ID)
				continue
			}

			sem <- struct{}{}
			wg.Add(1)
			go func(j *Job) {
				defer wg.Done()
				defer func() { <-sem }()
				q.settle(j, handler(ctx, j))
			}(job)
		}
	}
}

// settle applies the handler outcome with a fresh context so a shutdown in
// progress still records it.
func (q *Q) settle(j *Job, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var d *DeferError
	switch {
	case err == nil:
		_ = q.Ack(ctx, j.ID)
	case errors.As(err, &d):
		q.opts.Logger.Debug("vtq: job deferred", "id", j.ID, "delay", d.Delay, "reason", d.Reason)
		_ = q.Postpone(ctx, j.ID, d.Delay)
	default:
		q.opts.Logger.Warn("vtq: handler failed, nacking", "id", j.ID, "error", err, "queue", q.opts.Queue)
		_ = q.Nack(ctx, j.ID)
	}
}
