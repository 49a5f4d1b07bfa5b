package scheduler

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/socialpilot/orchestrator/internal/errs"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/fanout"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/quota"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/recorder"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/store"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/storetest"
)

const likeConfig = `{"targets":["https://x.com/a/status/1"]}`

func setup(t *testing.T) (*storetest.Env, *Scheduler, *storetest.Publisher) {
	t.Helper()
	env := storetest.New(t)
	guard := quota.New(env.Store)
	guard.SetClock(env.Now)
	rec := recorder.New(env.Store, 100, nil)
	t.Cleanup(func() { rec.Close() })
	pub := &storetest.Publisher{}
	s := New(Config{
		Store:    env.Store,
		Guard:    guard,
		Fanout:   fanout.New(env.Store, pub, nil),
		Recorder: rec,
	})
	return env, s, pub
}

func cadenced(t *testing.T, env *storetest.Env, st *store.Strategy, frequency, spec, random string) *store.Schedule {
	t.Helper()
	sc := &store.Schedule{
		WorkspaceID: env.WS, Name: "cadenced", StrategyID: st.ID, Enabled: true,
		AccountSelector: json.RawMessage(`{"all":true}`), Frequency: frequency,
		ScheduleSpec: json.RawMessage(spec), RandomConfig: json.RawMessage(random), MaxParallel: 1,
	}
	require.NoError(t, env.Store.CreateSchedule(env.Ctx, sc))
	return sc
}

func runsOf(t *testing.T, env *storetest.Env, scheduleID string) []*store.Run {
	t.Helper()
	runs, err := env.Store.ListRuns(env.Ctx, env.WS, store.RunFilter{ScheduleID: scheduleID})
	require.NoError(t, err)
	return runs
}

func TestRunNowZeroAccountsSucceeds(t *testing.T) {
	// WHAT: run-now over a selector matching nothing returns a succeeded run.
	// WHY: An empty workspace is a valid outcome, not an error.
	env, s, _ := setup(t)
	sc := env.Schedule(t, env.Strategy(t, "x_like", likeConfig), `{"all":true}`, 1)

	run, err := s.RunNow(env.Ctx, sc, "")
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, run.Status)
	assert.Equal(t, store.TriggerManual, run.Trigger)

	ars, err := env.Store.ListAccountRuns(env.Ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, ars)

	got, err := env.Store.GetSchedule(env.Ctx, sc.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastRunAt)
}

func TestRunNowConcurrentRespectsMaxParallel(t *testing.T) {
	// WHAT: Two concurrent run-now calls on max_parallel 1 yield one run and
	// one concurrency_limit_exceeded.
	// WHY: Manual triggers fail fast instead of queueing behind the limit.
	env, s, pub := setup(t)
	env.Account(t, "alice")
	sc := env.Schedule(t, env.Strategy(t, "x_like", likeConfig), `{"all":true}`, 1)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.RunNow(env.Ctx, sc, "")
		}(i)
	}
	wg.Wait()

	ok, limited := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, errs.ErrConcurrencyLimit):
			limited++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, limited)
	assert.Len(t, runsOf(t, env, sc.ID), 1)
	assert.Len(t, pub.Published(), 1)
}

func TestRunNowSnapshotsStrategy(t *testing.T) {
	env, s, _ := setup(t)
	env.Account(t, "alice")
	st := env.Strategy(t, "x_like", likeConfig)
	sc := env.Schedule(t, st, `{"all":true}`, 5)

	run, err := s.RunNow(env.Ctx, sc, "")
	require.NoError(t, err)
	require.NoError(t, env.Store.UpdateStrategy(env.Ctx, st, json.RawMessage(`{"targets":["https://x.com/b/status/2"]}`)))

	got, err := env.Store.GetRun(env.Ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.StrategyVersion)
	assert.JSONEq(t, likeConfig, string(got.StrategyConfig))
	assert.Equal(t, store.RunPending, got.Status)
}

func TestRunNowRejectsDisabledAndDenied(t *testing.T) {
	env, s, _ := setup(t)
	st := env.Strategy(t, "x_like", likeConfig)
	sc := env.Schedule(t, st, `{"all":true}`, 1)

	sc.Enabled = false
	_, err := s.RunNow(env.Ctx, sc, "")
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	sc.Enabled = true
	require.NoError(t, env.Store.UpsertSubscription(env.Ctx, &store.Subscription{
		WorkspaceID: env.WS, PlanName: "pro", Status: store.SubSuspended,
	}))
	_, err = s.RunNow(env.Ctx, sc, "")
	require.ErrorIs(t, err, errs.ErrQuotaDenied)
	var denied *errs.DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, quota.ReasonSubscriptionInactive, denied.Reason)
	assert.Empty(t, runsOf(t, env, sc.ID))
}

func TestTickFiresDueSchedule(t *testing.T) {
	env, s, _ := setup(t)
	env.Account(t, "alice")
	sc := cadenced(t, env, env.Strategy(t, "x_like", likeConfig), "interval", `{"every_minutes":60}`, `{}`)

	s.Tick(env.Ctx)
	got, err := env.Store.GetSchedule(env.Ctx, sc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt, "tick plans new schedules")
	assert.Equal(t, env.Now().Add(time.Hour), *got.NextRunAt)
	assert.Empty(t, runsOf(t, env, sc.ID))

	env.Advance(61 * time.Minute)
	s.Tick(env.Ctx)

	runs := runsOf(t, env, sc.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, store.TriggerScheduled, runs[0].Trigger)
	got, err = env.Store.GetSchedule(env.Ctx, sc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
	assert.True(t, got.NextRunAt.After(env.Now()))

	// Same instant again: nothing is due.
	s.Tick(env.Ctx)
	assert.Len(t, runsOf(t, env, sc.ID), 1)
}

func TestTickSkipsAtLimitAndOnSkipProbability(t *testing.T) {
	env, s, _ := setup(t)
	env.Account(t, "alice")
	st := env.Strategy(t, "x_like", likeConfig)
	skipped := cadenced(t, env, st, "interval", `{"every_minutes":30}`, `{"skip_probability":1}`)
	limited := cadenced(t, env, st, "interval", `{"every_minutes":30}`, `{}`)

	// limited already has an account run in flight.
	_, err := s.RunNow(env.Ctx, limited, "")
	require.NoError(t, err)

	s.Tick(env.Ctx)
	env.Advance(31 * time.Minute)
	s.Tick(env.Ctx)

	assert.Empty(t, runsOf(t, env, skipped.ID))
	assert.Len(t, runsOf(t, env, limited.ID), 1)
	for _, id := range []string{skipped.ID, limited.ID} {
		got, err := env.Store.GetSchedule(env.Ctx, id)
		require.NoError(t, err)
		require.NotNil(t, got.NextRunAt)
		assert.True(t, got.NextRunAt.After(env.Now()), "slot advanced")
	}
}

func TestPlanManualAndDisabled(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	sc := &store.Schedule{ID: "s1", Frequency: "manual", Enabled: true}
	require.NoError(t, Plan(sc, now))
	assert.Nil(t, sc.NextRunAt)

	sc = &store.Schedule{ID: "s1", Frequency: "daily", ScheduleSpec: json.RawMessage(`{"time_of_day":"09:30"}`)}
	require.NoError(t, Plan(sc, now))
	assert.Nil(t, sc.NextRunAt, "disabled")

	sc.Enabled = true
	require.NoError(t, Plan(sc, now))
	require.NotNil(t, sc.NextRunAt)
	assert.Equal(t, time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC), *sc.NextRunAt)

	sc.Frequency = "hourly"
	assert.Error(t, Plan(sc, now))
}
