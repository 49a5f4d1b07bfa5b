package executor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/socialpilot/browser"
	"github.com/hazyhaar/socialpilot/connectivity"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/fanout"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/quota"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/recorder"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/store"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/storetest"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/vault"
	"github.com/hazyhaar/socialpilot/vtq"
)

// fakeDriver answers with fn, or succeeds. n counts prior calls of the same
// action type.
type fakeDriver struct {
	mu    sync.Mutex
	calls []browser.ActionRequest
	fn    func(ctx context.Context, req browser.ActionRequest, n int) (browser.ActionResult, error)
}

func (d *fakeDriver) Execute(ctx context.Context, req browser.ActionRequest) (browser.ActionResult, error) {
	d.mu.Lock()
	n := 0
	for _, c := range d.calls {
		if c.ActionType == req.ActionType {
			n++
		}
	}
	d.calls = append(d.calls, req)
	fn := d.fn
	d.mu.Unlock()

	time.Sleep(time.Millisecond)
	if fn != nil {
		return fn(ctx, req, n)
	}
	return browser.ActionResult{Status: browser.StatusSucceeded, Metadata: map[string]any{}}, nil
}

func (d *fakeDriver) count(actionType string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.ActionType == actionType {
			n++
		}
	}
	return n
}

type harness struct {
	*storetest.Env
	drv   *fakeDriver
	vault *vault.Vault
	ex    *Executor
	dir   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	env := storetest.New(t)
	v, err := vault.New("test-credential-key-0123456789abcdef")
	require.NoError(t, err)
	guard := quota.New(env.Store)
	guard.SetClock(env.Now)
	rec := recorder.New(env.Store, 100, nil)
	t.Cleanup(func() { rec.Close() })

	h := &harness{Env: env, drv: &fakeDriver{}, vault: v, dir: t.TempDir()}
	h.ex, err = New(Config{
		Store:        env.Store,
		Driver:       h.drv,
		Vault:        v,
		Guard:        guard,
		Recorder:     rec,
		LeaseWait:    50 * time.Millisecond,
		LeasePoll:    5 * time.Millisecond,
		DeferDelay:   time.Second,
		Retry:        connectivity.Policy{MaxAttempts: 3, BaseBackoff: time.Millisecond},
		ArtifactsDir: h.dir,
	})
	require.NoError(t, err)
	return h
}

// loggedIn creates an active account with a sealed storage state.
func (h *harness) loggedIn(t *testing.T, handle string) *store.SocialAccount {
	t.Helper()
	a := h.Account(t, handle)
	raw, err := json.Marshal(browser.StorageState{Cookies: []browser.Cookie{{Name: "auth_token", Value: "tok", Domain: ".x.com"}}})
	require.NoError(t, err)
	ct, err := h.vault.Seal(a.ID, raw)
	require.NoError(t, err)
	require.NoError(t, h.Store.UpsertCredential(h.Ctx, a.ID, store.CredentialStorageState, ct))
	return a
}

// start creates a run of st over every account and fans it out.
func (h *harness) start(t *testing.T, st *store.Strategy, maxParallel int) (*store.Run, []*store.AccountRun) {
	t.Helper()
	sc := h.Schedule(t, st, `{"all":true}`, maxParallel)
	run := h.Run(t, sc, st)
	ars, err := fanout.New(h.Store, &storetest.Publisher{}, nil).Expand(h.Ctx, run, sc)
	require.NoError(t, err)
	return run, ars
}

func (h *harness) accountRun(t *testing.T, id string) *store.AccountRun {
	t.Helper()
	ar, err := h.Store.GetAccountRun(h.Ctx, id)
	require.NoError(t, err)
	require.NotNil(t, ar)
	return ar
}

func (h *harness) run(t *testing.T, id string) *store.Run {
	t.Helper()
	r, err := h.Store.GetRun(h.Ctx, id)
	require.NoError(t, err)
	require.NotNil(t, r)
	return r
}

func (h *harness) actions(t *testing.T, arID string) []*store.Action {
	t.Helper()
	out, err := h.Store.ListActionsByAccountRun(h.Ctx, arID)
	require.NoError(t, err)
	return out
}

func (h *harness) usage(t *testing.T) int64 {
	t.Helper()
	u, err := h.Store.GetUsage(h.Ctx, h.WS, store.Period(h.Now()))
	require.NoError(t, err)
	if u == nil {
		return 0
	}
	return u.AutomationRuntimeSeconds
}

const twoTargets = `{"targets":["https://x.com/a/status/111","https://x.com/b/status/222"]}`

func TestExecuteDirectStrategy(t *testing.T) {
	h := newHarness(t)
	h.drv.fn = func(_ context.Context, req browser.ActionRequest, _ int) (browser.ActionResult, error) {
		res := browser.ActionResult{Status: browser.StatusSucceeded, CurrentURL: req.TargetURL, Metadata: map[string]any{}}
		if req.ActionType == browser.ActionLike {
			res.Screenshot = []byte("png")
		}
		return res, nil
	}
	h.loggedIn(t, "alice")
	st := h.Strategy(t, "x_like", twoTargets)
	run, ars := h.start(t, st, 1)
	require.Len(t, ars, 1)

	require.NoError(t, h.ex.ExecuteAccountRun(h.Ctx, ars[0].ID))

	assert.Equal(t, store.RunSucceeded, h.accountRun(t, ars[0].ID).Status)
	assert.Equal(t, store.RunSucceeded, h.run(t, run.ID).Status)

	acts := h.actions(t, ars[0].ID)
	require.Len(t, acts, 3)
	assert.Equal(t, browser.ActionHealthCheck, acts[0].ActionType)
	for i, a := range acts {
		assert.Equal(t, i, a.Seq)
		assert.Equal(t, store.ActionSucceeded, a.Status)
	}
	assert.Equal(t, "111", acts[1].TargetExternalID)
	assert.Equal(t, "https://x.com/a/status/111", acts[1].Metadata["current_url"])
	assert.Equal(t, st.ID, acts[1].Metadata["strategy_id"])

	require.NoError(t, h.Store.AttachArtifacts(h.Ctx, acts))
	require.Len(t, acts[1].Artifacts, 1)
	art := acts[1].Artifacts[0]
	assert.Equal(t, "screenshot", art.Type)
	assert.Equal(t, int64(3), art.Size)
	assert.Equal(t, h.WS+"/"+acts[1].ID+"-screenshot.png", art.StorageKey)
	_, err := os.Stat(filepath.Join(h.dir, filepath.FromSlash(art.StorageKey)))
	assert.NoError(t, err)

	assert.Equal(t, int64(3), h.usage(t), "one second minimum per executed action")
}

func TestReusesTerminalActionsAcrossRuns(t *testing.T) {
	// WHAT: A second run with the same strategy version reuses the finished
	// like actions instead of liking again.
	// WHY: Triggers are at-least-once; effects must be exactly-once.
	h := newHarness(t)
	h.loggedIn(t, "alice")
	st := h.Strategy(t, "x_like", twoTargets)
	_, first := h.start(t, st, 1)
	require.NoError(t, h.ex.ExecuteAccountRun(h.Ctx, first[0].ID))
	require.Equal(t, 2, h.drv.count(browser.ActionLike))
	before := h.usage(t)

	run2, second := h.start(t, st, 1)
	require.NoError(t, h.ex.ExecuteAccountRun(h.Ctx, second[0].ID))

	assert.Equal(t, 2, h.drv.count(browser.ActionLike), "likes not repeated")
	assert.Equal(t, 2, h.drv.count(browser.ActionHealthCheck), "health check is per run")
	assert.Equal(t, before+1, h.usage(t), "only the new health check is billed")
	assert.Equal(t, store.RunSucceeded, h.run(t, run2.ID).Status)
	assert.Len(t, h.actions(t, second[0].ID), 1)
}

func TestRedeliveredFinishedJobIsNoop(t *testing.T) {
	h := newHarness(t)
	h.loggedIn(t, "alice")
	_, ars := h.start(t, h.Strategy(t, "x_like", twoTargets), 1)
	require.NoError(t, h.ex.ExecuteAccountRun(h.Ctx, ars[0].ID))
	calls := len(h.drv.calls)

	payload, _ := json.Marshal(fanout.Job{AccountRunID: ars[0].ID, RunID: ars[0].RunID})
	require.NoError(t, h.ex.Handle(h.Ctx, &vtq.Job{ID: ars[0].ID, Payload: payload}))
	assert.Equal(t, calls, len(h.drv.calls))
}

func TestHealthCheckAuthRequiredMarksNeedsLogin(t *testing.T) {
	// WHAT: A health check reporting AUTH_REQUIRED fails the account run
	// before any strategy action and flips the account to needs_login.
	// WHY: Acting with a dead session only produces more failures.
	h := newHarness(t)
	h.drv.fn = func(_ context.Context, req browser.ActionRequest, _ int) (browser.ActionResult, error) {
		if req.ActionType == browser.ActionHealthCheck {
			return browser.Failed(browser.CodeAuthRequired, "login wall"), nil
		}
		return browser.ActionResult{Status: browser.StatusSucceeded}, nil
	}
	a := h.loggedIn(t, "alice")
	run, ars := h.start(t, h.Strategy(t, "x_like", twoTargets), 1)

	require.NoError(t, h.ex.ExecuteAccountRun(h.Ctx, ars[0].ID))

	ar := h.accountRun(t, ars[0].ID)
	assert.Equal(t, store.RunFailed, ar.Status)
	assert.Equal(t, browser.CodeAuthRequired, ar.ErrorCode)
	assert.Equal(t, store.RunFailed, h.run(t, run.ID).Status)
	assert.Len(t, h.actions(t, ars[0].ID), 1)
	assert.Zero(t, h.drv.count(browser.ActionLike))

	got, err := h.Store.GetAccount(h.Ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AccountNeedsLogin, got.Status)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	h := newHarness(t)
	h.drv.fn = func(_ context.Context, req browser.ActionRequest, n int) (browser.ActionResult, error) {
		if req.ActionType == browser.ActionLike && n == 0 {
			return browser.Failed(browser.CodeRateLimited, "slow down"), nil
		}
		if req.ActionType == browser.ActionLike && n == 1 {
			return browser.ActionResult{}, errors.New("connection reset")
		}
		return browser.ActionResult{Status: browser.StatusSucceeded}, nil
	}
	h.loggedIn(t, "alice")
	_, ars := h.start(t, h.Strategy(t, "x_like", `{"targets":["https://x.com/a/status/111"]}`), 1)

	require.NoError(t, h.ex.ExecuteAccountRun(h.Ctx, ars[0].ID))

	assert.Equal(t, 3, h.drv.count(browser.ActionLike))
	assert.Equal(t, store.RunSucceeded, h.accountRun(t, ars[0].ID).Status)
}

func TestTerminalFailureGivesPartialFailure(t *testing.T) {
	// WHAT: A terminal error fails its action once, without retry, and the
	// sibling still runs.
	// WHY: One deleted tweet must not sink the rest of the account run.
	h := newHarness(t)
	h.drv.fn = func(_ context.Context, req browser.ActionRequest, _ int) (browser.ActionResult, error) {
		if req.TargetExternalID == "111" {
			return browser.Failed(browser.CodeTargetNotFound, "gone"), nil
		}
		return browser.ActionResult{Status: browser.StatusSucceeded}, nil
	}
	h.loggedIn(t, "alice")
	run, ars := h.start(t, h.Strategy(t, "x_like", twoTargets), 1)

	require.NoError(t, h.ex.ExecuteAccountRun(h.Ctx, ars[0].ID))

	assert.Equal(t, 2, h.drv.count(browser.ActionLike))
	ar := h.accountRun(t, ars[0].ID)
	assert.Equal(t, store.RunPartialFailure, ar.Status)
	assert.Equal(t, browser.CodeTargetNotFound, ar.ErrorCode)
	assert.Equal(t, store.RunPartialFailure, h.run(t, run.ID).Status)
}

func TestSkippedResultCountsAsSuccess(t *testing.T) {
	h := newHarness(t)
	h.drv.fn = func(_ context.Context, req browser.ActionRequest, _ int) (browser.ActionResult, error) {
		if req.ActionType == browser.ActionLike {
			return browser.ActionResult{Status: browser.StatusSkipped, Message: "already liked"}, nil
		}
		return browser.ActionResult{Status: browser.StatusSucceeded}, nil
	}
	h.loggedIn(t, "alice")
	_, ars := h.start(t, h.Strategy(t, "x_like", twoTargets), 1)

	require.NoError(t, h.ex.ExecuteAccountRun(h.Ctx, ars[0].ID))
	assert.Equal(t, store.RunSucceeded, h.accountRun(t, ars[0].ID).Status)
	assert.Equal(t, store.ActionSkipped, h.actions(t, ars[0].ID)[1].Status)
}

func TestRepeatWindowSkipsRecentReply(t *testing.T) {
	h := newHarness(t)
	h.loggedIn(t, "alice")
	st := h.Strategy(t, "x_reply", `{"targets":["https://x.com/a/status/111"],"text":"nice","repeat_window_days":7}`)
	_, first := h.start(t, st, 1)
	require.NoError(t, h.ex.ExecuteAccountRun(h.Ctx, first[0].ID))
	require.Equal(t, 1, h.drv.count(browser.ActionReply))

	// A new version gives new idempotency keys; the window still applies.
	require.NoError(t, h.Store.UpdateStrategy(h.Ctx, st,
		json.RawMessage(`{"targets":["https://x.com/a/status/111"],"text":"great","repeat_window_days":7}`)))
	require.Equal(t, 2, st.Version)
	h.Advance(24 * time.Hour)

	run2, second := h.start(t, st, 1)
	require.NoError(t, h.ex.ExecuteAccountRun(h.Ctx, second[0].ID))

	assert.Equal(t, 1, h.drv.count(browser.ActionReply))
	acts := h.actions(t, second[0].ID)
	require.Len(t, acts, 2)
	assert.Equal(t, store.ActionSkipped, acts[1].Status)
	assert.Equal(t, "repeat_window", acts[1].Metadata["reason"])
	assert.Equal(t, store.RunSucceeded, h.run(t, run2.ID).Status)
}

func TestSearchStrategyCreatesFollowUps(t *testing.T) {
	h := newHarness(t)
	h.drv.fn = func(_ context.Context, req browser.ActionRequest, _ int) (browser.ActionResult, error) {
		if req.ActionType == browser.ActionSearchCollect {
			return browser.ActionResult{Status: browser.StatusSucceeded, Metadata: map[string]any{
				"candidates": []browser.Candidate{
					{URL: "https://x.com/a/status/1", TweetID: "1"},
					{URL: "https://x.com/b/status/2", TweetID: "2"},
					{URL: "https://x.com/c/status/3", TweetID: "3"},
				},
			}}, nil
		}
		return browser.ActionResult{Status: browser.StatusSucceeded}, nil
	}
	h.loggedIn(t, "alice")
	_, ars := h.start(t, h.Strategy(t, "x_search_like", `{"query":"golang","max_actions":2}`), 1)

	require.NoError(t, h.ex.ExecuteAccountRun(h.Ctx, ars[0].ID))

	assert.Equal(t, 1, h.drv.count(browser.ActionSearchCollect))
	assert.Equal(t, 2, h.drv.count(browser.ActionLike))
	acts := h.actions(t, ars[0].ID)
	require.Len(t, acts, 4)
	assert.Equal(t, browser.ActionSearchCollect, acts[1].ActionType)
	assert.Equal(t, store.RunSucceeded, h.accountRun(t, ars[0].ID).Status)
}

func TestParallelLimitDefers(t *testing.T) {
	// WHAT: With max_parallel 1 and one account run already running, the
	// next one is deferred and stays pending.
	// WHY: The limit is enforced at start time, not at fan-out.
	h := newHarness(t)
	h.loggedIn(t, "alice")
	h.loggedIn(t, "bob")
	_, ars := h.start(t, h.Strategy(t, "x_like", twoTargets), 1)
	require.Len(t, ars, 2)
	ok, err := h.Store.TransitionAccountRun(h.Ctx, ars[0].ID, []string{store.RunPending}, store.RunRunning, "")
	require.NoError(t, err)
	require.True(t, ok)

	err = h.ex.ExecuteAccountRun(h.Ctx, ars[1].ID)
	var de *vtq.DeferError
	require.True(t, errors.As(err, &de), "got %v", err)
	assert.Equal(t, store.RunPending, h.accountRun(t, ars[1].ID).Status)
	assert.Empty(t, h.drv.calls)
}

func TestRuntimeQuotaExhaustedFailsAccountRun(t *testing.T) {
	h := newHarness(t)
	h.loggedIn(t, "alice")
	zero := 0
	require.NoError(t, h.Store.UpsertSubscription(h.Ctx, &store.Subscription{
		WorkspaceID: h.WS, PlanName: "starter", Status: store.SubActive, AutomationRuntimeHours: &zero,
	}))
	run, ars := h.start(t, h.Strategy(t, "x_like", twoTargets), 1)

	require.NoError(t, h.ex.ExecuteAccountRun(h.Ctx, ars[0].ID))
	ar := h.accountRun(t, ars[0].ID)
	assert.Equal(t, store.RunFailed, ar.Status)
	assert.Equal(t, CodeQuotaExhausted, ar.ErrorCode)
	assert.Equal(t, store.RunFailed, h.run(t, run.ID).Status)
}

func TestMissingCredentialFailsAccountRun(t *testing.T) {
	h := newHarness(t)
	h.Account(t, "alice")
	run, ars := h.start(t, h.Strategy(t, "x_like", twoTargets), 1)

	require.NoError(t, h.ex.ExecuteAccountRun(h.Ctx, ars[0].ID))
	ar := h.accountRun(t, ars[0].ID)
	assert.Equal(t, store.RunFailed, ar.Status)
	assert.Equal(t, CodeCredentialMissing, ar.ErrorCode)
	assert.Equal(t, store.RunFailed, h.run(t, run.ID).Status)
	assert.Empty(t, h.drv.calls)
}

func TestCancelRunAbortsInFlight(t *testing.T) {
	// WHAT: Canceling a run aborts the executing action, cancels the account
	// run and skips the actions not reached.
	// WHY: Nothing of a canceled run may be left pending.
	h := newHarness(t)
	entered := make(chan struct{})
	h.drv.fn = func(ctx context.Context, req browser.ActionRequest, n int) (browser.ActionResult, error) {
		if req.ActionType == browser.ActionLike {
			close(entered)
			<-ctx.Done()
			return browser.ActionResult{}, ctx.Err()
		}
		return browser.ActionResult{Status: browser.StatusSucceeded}, nil
	}
	h.loggedIn(t, "alice")
	run, ars := h.start(t, h.Strategy(t, "x_like", twoTargets), 1)

	done := make(chan error, 1)
	go func() { done <- h.ex.ExecuteAccountRun(h.Ctx, ars[0].ID) }()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("like never started")
	}

	got, err := h.ex.CancelRun(h.Ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCanceled, got.Status)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("account run did not stop")
	}

	ar := h.accountRun(t, ars[0].ID)
	assert.Equal(t, store.RunCanceled, ar.Status)
	acts := h.actions(t, ars[0].ID)
	require.Len(t, acts, 3)
	assert.Equal(t, store.ActionFailed, acts[1].Status)
	assert.Equal(t, browser.CodeAborted, acts[1].ErrorCode)
	assert.Equal(t, store.ActionSkipped, acts[2].Status)
	assert.Equal(t, CodeCanceled, acts[2].ErrorCode)
	assert.Equal(t, 1, h.drv.count(browser.ActionLike))

	// Idempotent on a terminal run.
	again, err := h.ex.CancelRun(h.Ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCanceled, again.Status)
}

func TestCancelBeforeStart(t *testing.T) {
	h := newHarness(t)
	h.loggedIn(t, "alice")
	run, ars := h.start(t, h.Strategy(t, "x_like", twoTargets), 1)

	_, err := h.ex.CancelRun(h.Ctx, run.ID)
	require.NoError(t, err)
	require.NoError(t, h.ex.ExecuteAccountRun(h.Ctx, ars[0].ID))

	assert.Equal(t, store.RunCanceled, h.accountRun(t, ars[0].ID).Status)
	assert.Empty(t, h.drv.calls)
}

func TestBusyAccountDefers(t *testing.T) {
	h := newHarness(t)
	a := h.loggedIn(t, "alice")
	_, ars := h.start(t, h.Strategy(t, "x_like", twoTargets), 1)
	ok, err := h.Store.AcquireLease(h.Ctx, a.ID, "someone-else", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	err = h.ex.ExecuteAccountRun(h.Ctx, ars[0].ID)
	var de *vtq.DeferError
	require.True(t, errors.As(err, &de), "got %v", err)
	assert.Equal(t, store.RunRunning, h.accountRun(t, ars[0].ID).Status)

	require.NoError(t, h.Store.ReleaseLease(h.Ctx, a.ID, "someone-else"))
	require.NoError(t, h.ex.ExecuteAccountRun(h.Ctx, ars[0].ID))
	assert.Equal(t, store.RunSucceeded, h.accountRun(t, ars[0].ID).Status)
}

func TestRollUp(t *testing.T) {
	ar := func(status, code string) *store.AccountRun { return &store.AccountRun{Status: status, ErrorCode: code} }
	cases := []struct {
		name string
		in   []*store.AccountRun
		want string
	}{
		{"empty", nil, store.RunSucceeded},
		{"all ok", []*store.AccountRun{ar(store.RunSucceeded, ""), ar(store.RunSucceeded, "")}, store.RunSucceeded},
		{"mixed", []*store.AccountRun{ar(store.RunSucceeded, ""), ar(store.RunFailed, "X")}, store.RunPartialFailure},
		{"one partial", []*store.AccountRun{ar(store.RunPartialFailure, "X")}, store.RunPartialFailure},
		{"all failed", []*store.AccountRun{ar(store.RunFailed, "X"), ar(store.RunFailed, "Y")}, store.RunFailed},
		{"all canceled", []*store.AccountRun{ar(store.RunCanceled, CodeCanceled)}, store.RunCanceled},
	}
	for _, tc := range cases {
		got, _ := rollUp(tc.in)
		assert.Equal(t, tc.want, got, tc.name)
	}
}

func TestAggregatePrefersRealCode(t *testing.T) {
	acts := []*store.Action{
		{Status: store.ActionFailed, ErrorCode: browser.CodeAborted},
		{Status: store.ActionFailed, ErrorCode: browser.CodeTargetNotFound},
	}
	status, code := aggregate(acts)
	assert.Equal(t, store.RunFailed, status)
	assert.Equal(t, browser.CodeTargetNotFound, code)
}

const oneTarget = `{"targets":["https://x.com/a/status/111"]}`

// reopen puts the like action of a finished account run back in flight, as
// if its worker were still executing it.
func (h *harness) reopen(t *testing.T, arID string) *store.Action {
	t.Helper()
	acts := h.actions(t, arID)
	require.Len(t, acts, 2)
	like := acts[1]
	require.Equal(t, browser.ActionLike, like.ActionType)
	like.Status, like.FinishedAt = store.ActionRunning, nil
	require.NoError(t, h.Store.UpdateAction(h.Ctx, like))
	ok, err := h.Store.TransitionAccountRun(h.Ctx, arID, []string{store.RunSucceeded}, store.RunRunning, "")
	require.NoError(t, err)
	require.True(t, ok)
	return like
}

func TestActionInFlightElsewhereDefers(t *testing.T) {
	// WHAT: An account run whose action is still running under another
	// account run is deferred, then reuses the outcome once it settles.
	// WHY: A run must not report succeeded for an action that may still fail.
	h := newHarness(t)
	h.loggedIn(t, "alice")
	st := h.Strategy(t, "x_like", oneTarget)
	_, first := h.start(t, st, 1)
	require.NoError(t, h.ex.ExecuteAccountRun(h.Ctx, first[0].ID))
	like := h.reopen(t, first[0].ID)

	run2, second := h.start(t, st, 1)
	err := h.ex.ExecuteAccountRun(h.Ctx, second[0].ID)
	var d *vtq.DeferError
	require.ErrorAs(t, err, &d)
	assert.Equal(t, store.RunRunning, h.accountRun(t, second[0].ID).Status)
	assert.NotEqual(t, store.RunSucceeded, h.run(t, run2.ID).Status)
	assert.Equal(t, 1, h.drv.count(browser.ActionLike))

	now := h.Now()
	like.Status, like.FinishedAt = store.ActionSucceeded, &now
	require.NoError(t, h.Store.UpdateAction(h.Ctx, like))
	_, err = h.Store.TransitionAccountRun(h.Ctx, first[0].ID, []string{store.RunRunning}, store.RunSucceeded, "")
	require.NoError(t, err)

	require.NoError(t, h.ex.ExecuteAccountRun(h.Ctx, second[0].ID))
	assert.Equal(t, store.RunSucceeded, h.accountRun(t, second[0].ID).Status)
	assert.Equal(t, store.RunSucceeded, h.run(t, run2.ID).Status)
	assert.Equal(t, 1, h.drv.count(browser.ActionLike), "like reused, not repeated")
}

func TestActionAbandonedByEndedAccountRunFails(t *testing.T) {
	// WHAT: An action left running by an account run that already ended is
	// failed as ABORTED instead of blocking its key forever.
	h := newHarness(t)
	h.loggedIn(t, "alice")
	st := h.Strategy(t, "x_like", oneTarget)
	_, first := h.start(t, st, 1)
	require.NoError(t, h.ex.ExecuteAccountRun(h.Ctx, first[0].ID))
	like := h.reopen(t, first[0].ID)
	_, err := h.Store.TransitionAccountRun(h.Ctx, first[0].ID, []string{store.RunRunning}, store.RunCanceled, CodeCanceled)
	require.NoError(t, err)

	run2, second := h.start(t, st, 1)
	require.NoError(t, h.ex.ExecuteAccountRun(h.Ctx, second[0].ID))

	got, err := h.Store.GetAction(h.Ctx, like.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ActionFailed, got.Status)
	assert.Equal(t, browser.CodeAborted, got.ErrorCode)
	ar := h.accountRun(t, second[0].ID)
	assert.Equal(t, store.RunFailed, ar.Status)
	assert.Equal(t, browser.CodeAborted, ar.ErrorCode)
	assert.Equal(t, store.RunFailed, h.run(t, run2.ID).Status)
}

func TestDiscardFailsAccountRun(t *testing.T) {
	// WHAT: A job the queue discards after too many deliveries fails its
	// account run and finalizes the run.
	// WHY: Otherwise the account run stays running with no job left to
	// drive it, and the run never finishes.
	h := newHarness(t)
	h.loggedIn(t, "alice")
	run, ars := h.start(t, h.Strategy(t, "x_like", oneTarget), 1)
	ok, err := h.Store.TransitionAccountRun(h.Ctx, ars[0].ID, []string{store.RunPending}, store.RunRunning, "")
	require.NoError(t, err)
	require.True(t, ok)

	payload, err := json.Marshal(fanout.Job{AccountRunID: ars[0].ID})
	require.NoError(t, err)
	job := &vtq.Job{ID: "job-1", Payload: payload, Attempts: 6}
	h.ex.Discard(h.Ctx, job)

	ar := h.accountRun(t, ars[0].ID)
	assert.Equal(t, store.RunFailed, ar.Status)
	assert.Equal(t, CodeRedelivered, ar.ErrorCode)
	assert.Equal(t, store.RunFailed, h.run(t, run.ID).Status)

	h.ex.Discard(h.Ctx, job)
	assert.Equal(t, CodeRedelivered, h.accountRun(t, ars[0].ID).ErrorCode, "terminal account run untouched")
	assert.Empty(t, h.drv.calls)
}
