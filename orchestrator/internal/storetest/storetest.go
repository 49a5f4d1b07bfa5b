// Package storetest builds in-memory stores with a fixed clock and small
// entity factories for the orchestrator tests.
package storetest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/socialpilot/dbopen"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/store"

	_ "modernc.org/sqlite"
)

// Env is a ready store with one workspace.
type Env struct {
	Store *store.Store
	WS    string
	Ctx   context.Context

	mu  sync.Mutex
	now time.Time
}

// New opens an in-memory store, applies the schema and creates a workspace.
// The clock starts at 2026-04-01 10:00 UTC.
func New(t testing.TB) *Env {
	t.Helper()
	s := store.NewStore(dbopen.OpenMemory(t))
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	e := &Env{Store: s, Ctx: ctx, now: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}
	s.SetClock(e.Now)
	ws, err := s.CreateWorkspace(ctx, "acme")
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	e.WS = ws.ID
	return e
}

// Now is the fixed clock.
func (e *Env) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

// Advance moves the clock forward.
func (e *Env) Advance(d time.Duration) {
	e.mu.Lock()
	e.now = e.now.Add(d)
	e.mu.Unlock()
}

// Account creates an active X account.
func (e *Env) Account(t testing.TB, handle string, labels ...string) *store.SocialAccount {
	t.Helper()
	a := &store.SocialAccount{WorkspaceID: e.WS, PlatformKey: "x", Handle: handle, Status: store.AccountActive, Labels: labels}
	if err := e.Store.CreateAccount(e.Ctx, a); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return a
}

// Strategy creates a strategy of typ with config.
func (e *Env) Strategy(t testing.TB, typ, config string) *store.Strategy {
	t.Helper()
	st := &store.Strategy{WorkspaceID: e.WS, Name: typ, Type: typ, Config: json.RawMessage(config)}
	if err := e.Store.CreateStrategy(e.Ctx, st); err != nil {
		t.Fatalf("create strategy: %v", err)
	}
	return st
}

// Schedule creates an enabled manual schedule over st.
func (e *Env) Schedule(t testing.TB, st *store.Strategy, selector string, maxParallel int) *store.Schedule {
	t.Helper()
	sc := &store.Schedule{
		WorkspaceID: e.WS, Name: "sched", StrategyID: st.ID, Enabled: true,
		AccountSelector: json.RawMessage(selector), Frequency: "manual", MaxParallel: maxParallel,
	}
	if err := e.Store.CreateSchedule(e.Ctx, sc); err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	return sc
}

// Run creates a pending run of sc snapshotting st.
func (e *Env) Run(t testing.TB, sc *store.Schedule, st *store.Strategy) *store.Run {
	t.Helper()
	r := &store.Run{
		WorkspaceID: e.WS, ScheduleID: sc.ID, StrategyID: st.ID, StrategyVersion: st.Version,
		StrategyType: st.Type, StrategyConfig: st.Config, Trigger: store.TriggerManual,
	}
	if err := e.Store.CreateRun(e.Ctx, r); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return r
}

// Publisher records published job ids.
type Publisher struct {
	mu  sync.Mutex
	IDs []string
}

// Publish records id.
func (p *Publisher) Publish(_ context.Context, id string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, have := range p.IDs {
		if have == id {
			return nil
		}
	}
	p.IDs = append(p.IDs, id)
	return nil
}

// Published returns a copy of the recorded ids.
func (p *Publisher) Published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.IDs...)
}
