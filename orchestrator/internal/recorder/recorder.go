// Package recorder appends audit entries and accumulates automation runtime.
//
// Audit entries written from request handlers go through Log, which is
// synchronous so the caller sees failures. Executor events go through
// LogAsync: they are buffered and flushed in batches by a background
// goroutine, with a synchronous fallback when the buffer is full. Close
// drains the buffer.
package recorder

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/hazyhaar/socialpilot/orchestrator/internal/store"
)

// Sink is the persistence the recorder writes to. *store.Store satisfies it.
type Sink interface {
	InsertAudit(ctx context.Context, e *store.AuditLog) error
	AddUsage(ctx context.Context, actionID, workspaceID string, at time.Time, seconds int64) (bool, error)
	Tx(ctx context.Context, fn func(tx *store.Store) error) error
}

const (
	flushEvery = 2 * time.Second
	batchSize  = 100
)

// Recorder is the audit and usage writer.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
	now    func() time.Time

	ch        chan *store.AuditLog
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New starts a recorder with a buffer of bufferSize pending entries.
// Recommended bufferSize: 1000.
func New(sink Sink, bufferSize int, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	r := &Recorder{
		sink:   sink,
		logger: logger,
		now:    time.Now,
		ch:     make(chan *store.AuditLog, bufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.flushLoop()
	return r
}

// Event builds an audit entry. meta is marshalled to JSON; nil gives {}.
func Event(workspaceID, actorUserID, action, targetType, targetID string, meta any) *store.AuditLog {
	e := &store.AuditLog{
		WorkspaceID: workspaceID,
		ActorUserID: actorUserID,
		Action:      action,
		TargetType:  targetType,
		TargetID:    targetID,
	}
	if meta != nil {
		if raw, err := json.Marshal(meta); err == nil {
			e.Metadata = raw
		}
	}
	return e
}

// Log inserts e synchronously.
func (r *Recorder) Log(ctx context.Context, e *store.AuditLog) error {
	return r.sink.InsertAudit(ctx, e)
}

// LogAsync queues e. Falls back to a synchronous insert if the buffer is
// full or the recorder is closed.
func (r *Recorder) LogAsync(e *store.AuditLog) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	select {
	case <-r.stop:
		r.insertNow(e)
		return
	default:
	}
	select {
	case r.ch <- e:
	default:
		r.logger.Warn("recorder: audit buffer full, sync fallback", "action", e.Action)
		r.insertNow(e)
	}
}

func (r *Recorder) insertNow(e *store.AuditLog) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.sink.InsertAudit(ctx, e); err != nil {
		r.logger.Error("recorder: audit insert failed", "action", e.Action, "error", err)
	}
}

// Seconds converts an execution duration into billed runtime seconds.
// Any started execution counts for at least one second.
func Seconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return max(1, int64(math.Ceil(d.Seconds())))
}

// AddUsage records the runtime of one action into the period of at. It is
// idempotent per action id and reports whether the increment was applied.
func (r *Recorder) AddUsage(ctx context.Context, workspaceID, actionID string, at time.Time, d time.Duration) (bool, error) {
	applied, err := r.sink.AddUsage(ctx, actionID, workspaceID, at, Seconds(d))
	if err != nil {
		return false, err
	}
	if !applied {
		r.logger.Debug("recorder: usage already recorded", "action_id", actionID)
	}
	return applied, nil
}

// Close drains the buffer and stops the flush goroutine. Safe to call more
// than once.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() { close(r.stop) })
	<-r.done
	return nil
}

func (r *Recorder) flushLoop() {
	defer close(r.done)
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()
	batch := make([]*store.AuditLog, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := r.sink.Tx(ctx, func(tx *store.Store) error {
			for _, e := range batch {
				if err := tx.InsertAudit(ctx, e); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			// One bad row must not lose the batch.
			r.logger.Warn("recorder: batch insert failed, retrying one by one", "n", len(batch), "error", err)
			for _, e := range batch {
				if err := r.sink.InsertAudit(ctx, e); err != nil {
					r.logger.Error("recorder: audit insert failed", "action", e.Action, "error", err)
				}
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-r.stop:
			for {
				select {
				case e := <-r.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-r.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
