package vtq

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/socialpilot/dbopen"

	_ "modernc.org/sqlite"
)

func newQ(t *testing.T, db *sql.DB, opts Options) *Q {
	t.Helper()
	q := New(db, opts)
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return q
}

func TestPublishAndClaim(t *testing.T) {
	q := newQ(t, dbopen.OpenMemory(t), Options{Visibility: time.Second})
	ctx := context.Background()

	if err := q.Publish(ctx, "ar-1", []byte(`{"account_run_id":"ar-1"}`)); err != nil {
		t.Fatal(err)
	}
	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.ID != "ar-1" || job.Attempts != 1 {
		t.Fatalf("job = %+v", job)
	}

	again, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again != nil {
		t.Fatal("claimed job must be invisible")
	}
}

func TestPublishIdempotent(t *testing.T) {
	// WHAT: Publishing the same id twice keeps one row and the original payload.
	// WHY: Fan-out republishes account runs after a crash between commit and publish.
	q := newQ(t, dbopen.OpenMemory(t), Options{})
	ctx := context.Background()

	q.Publish(ctx, "ar-1", []byte("first"))
	q.Publish(ctx, "ar-1", []byte("second"))

	n, _ := q.Len(ctx)
	if n != 1 {
		t.Fatalf("len = %d, want 1", n)
	}
	job, _ := q.Claim(ctx)
	if string(job.Payload) != "first" {
		t.Fatalf("payload = %q", job.Payload)
	}
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	now := time.Unix(1000, 0)
	q := newQ(t, dbopen.OpenMemory(t), Options{Visibility: time.Minute})
	q.now = func() time.Time { return now }
	ctx := context.Background()

	q.Publish(ctx, "ar-1", nil)
	if j, _ := q.Claim(ctx); j == nil {
		t.Fatal("expected job")
	}

	now = now.Add(61 * time.Second)
	j, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if j == nil || j.Attempts != 2 {
		t.Fatalf("redelivered job = %+v, want attempts 2", j)
	}
}

func TestPublishAtDelaysVisibility(t *testing.T) {
	now := time.Unix(1000, 0)
	q := newQ(t, dbopen.OpenMemory(t), Options{})
	q.now = func() time.Time { return now }
	ctx := context.Background()

	q.PublishAt(ctx, "later", nil, now.Add(10*time.Second))
	if j, _ := q.Claim(ctx); j != nil {
		t.Fatal("job must not be visible before visible_at")
	}
	now = now.Add(10 * time.Second)
	if j, _ := q.Claim(ctx); j == nil {
		t.Fatal("job must be visible at visible_at")
	}
}

func TestAckAndNack(t *testing.T) {
	q := newQ(t, dbopen.OpenMemory(t), Options{Visibility: time.Hour})
	ctx := context.Background()

	q.Publish(ctx, "a", nil)
	q.Publish(ctx, "b", nil)
	jobs, err := q.BatchClaim(ctx, 10)
	if err != nil || len(jobs) != 2 {
		t.Fatalf("jobs = %d err = %v", len(jobs), err)
	}

	q.Ack(ctx, "a")
	q.Nack(ctx, "b")

	n, _ := q.Len(ctx)
	if n != 1 {
		t.Fatalf("len = %d, want 1", n)
	}
	j, _ := q.Claim(ctx)
	if j == nil || j.ID != "b" {
		t.Fatalf("nacked job should be visible, got %+v", j)
	}
}

func TestQueuesIsolated(t *testing.T) {
	db := dbopen.OpenMemory(t)
	runs := newQ(t, db, Options{Queue: "account_runs"})
	other := newQ(t, db, Options{Queue: "other"})
	ctx := context.Background()

	runs.Publish(ctx, "x", nil)
	if j, _ := other.Claim(ctx); j != nil {
		t.Fatal("queue leak")
	}
	if j, _ := runs.Claim(ctx); j == nil {
		t.Fatal("expected job on its own queue")
	}
}

func TestRunBatchOutcomes(t *testing.T) {
	// WHAT: The consumer acks successes, hides deferred jobs and nacks failures.
	// WHY: The executor relies on deferral to honour the parallel cap without
	// burning the job.
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, Options{Visibility: time.Hour, PollInterval: 5 * time.Millisecond, NackDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	q.Publish(ctx, "ok", nil)
	q.Publish(ctx, "defer", nil)
	q.Publish(ctx, "fail", nil)

	var handled atomic.Int32
	done := make(chan struct{})
	go func() {
		q.RunBatch(ctx, 3, func(_ context.Context, j *Job) error {
			handled.Add(1)
			switch j.ID {
			case "defer":
				return Defer(time.Hour, "parallel cap")
			case "fail":
				return errors.New("boom")
			}
			return nil
		})
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for handled.Load() < 3 {
		select {
		case <-deadline:
			t.Fatal("handlers did not run")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	var left []string
	rows, err := db.Query(`SELECT id FROM vtq_jobs ORDER BY id`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		rows.Scan(&id)
		left = append(left, id)
	}
	if len(left) != 2 || left[0] != "defer" || left[1] != "fail" {
		t.Fatalf("remaining = %v, want [defer fail]", left)
	}

	attempts := map[string]int{}
	for _, id := range left {
		var n int
		if err := db.QueryRow(`SELECT attempts FROM vtq_jobs WHERE id = ?`, id).Scan(&n); err != nil {
			t.Fatal(err)
		}
		attempts[id] = n
	}
	if attempts["defer"] != 0 || attempts["fail"] != 1 {
		t.Fatalf("attempts = %v, want defer=0 fail=1", attempts)
	}
}

func TestMaxAttemptsDiscards(t *testing.T) {
	now := time.Unix(1000, 0)
	db := dbopen.OpenMemory(t)
	var discarded atomic.Int32
	q := newQ(t, db, Options{
		Visibility:   time.Second,
		PollInterval: 5 * time.Millisecond,
		MaxAttempts:  1,
		OnDiscard:    func(context.Context, *Job) { discarded.Add(1) },
	})
	q.now = func() time.Time { return now }
	ctx := context.Background()

	q.Publish(ctx, "poison", nil)
	q.Claim(ctx)
	now = now.Add(2 * time.Second)

	rctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		q.RunBatch(rctx, 1, func(context.Context, *Job) error {
			t.Error("handler must not run for discarded job")
			return nil
		})
		close(done)
	}()
	deadline := time.After(2 * time.Second)
	for discarded.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("job was not discarded")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("len = %d, want 0", n)
	}
}
