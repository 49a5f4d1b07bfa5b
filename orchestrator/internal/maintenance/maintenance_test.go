package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/socialpilot/orchestrator/internal/store"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/storetest"
)

type countingExpirer struct{ calls int }

func (c *countingExpirer) ExpireStale(context.Context) (int, error) {
	c.calls++
	return 2, nil
}

// artifact writes a file under dir and registers it for a fresh action.
func artifact(t *testing.T, env *storetest.Env, dir, key string) *store.Artifact {
	t.Helper()
	acct := env.Account(t, "acct-"+filepath.Base(key))
	st := env.Strategy(t, "x_like", `{"targets":["https://x.com/a/status/1"]}`)
	run := env.Run(t, env.Schedule(t, st, `{"all":true}`, 1), st)
	ar := &store.AccountRun{RunID: run.ID, WorkspaceID: env.WS, SocialAccountID: acct.ID}
	require.NoError(t, env.Store.CreateAccountRun(env.Ctx, ar))
	act, _, err := env.Store.EnsureAction(env.Ctx, &store.Action{
		WorkspaceID: env.WS, AccountRunID: ar.ID, SocialAccountID: acct.ID, ActionType: "x_like", IdempotencyKey: key,
	})
	require.NoError(t, err)

	path := filepath.Join(dir, key)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("png"), 0o644))
	a := &store.Artifact{WorkspaceID: env.WS, ActionID: act.ID, Type: "screenshot", StorageKey: key, Size: 3}
	require.NoError(t, env.Store.CreateArtifact(env.Ctx, a))
	return a
}

func retention(t *testing.T, env *storetest.Env, days int) {
	t.Helper()
	require.NoError(t, env.Store.UpsertSubscription(env.Ctx, &store.Subscription{
		WorkspaceID: env.WS, PlanName: "pro", Status: store.SubActive, ArtifactRetentionDays: &days,
	}))
}

func TestCleanupArtifactsHonorsRetention(t *testing.T) {
	// WHAT: Artifacts older than the retention period lose both file and row.
	// WHY: Newer artifacts must survive the same pass.
	env := storetest.New(t)
	dir := t.TempDir()
	retention(t, env, 7)

	old := artifact(t, env, dir, "ws/old.png")
	env.Advance(6 * 24 * time.Hour)
	fresh := artifact(t, env, dir, "ws/fresh.png")
	env.Advance(2 * 24 * time.Hour)

	m := New(Config{Store: env.Store, ArtifactsDir: dir})
	n, err := m.CleanupArtifacts(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := env.Store.GetArtifact(env.Ctx, old.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoFileExists(t, filepath.Join(dir, old.StorageKey))

	got, err = env.Store.GetArtifact(env.Ctx, fresh.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.FileExists(t, filepath.Join(dir, fresh.StorageKey))
}

func TestCleanupArtifactsWithoutRetentionKeepsAll(t *testing.T) {
	env := storetest.New(t)
	dir := t.TempDir()
	a := artifact(t, env, dir, "ws/keep.png")
	env.Advance(365 * 24 * time.Hour)

	n, err := New(Config{Store: env.Store, ArtifactsDir: dir}).CleanupArtifacts(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	got, err := env.Store.GetArtifact(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestCleanupArtifactsMissingFileStillDeletesRow(t *testing.T) {
	env := storetest.New(t)
	dir := t.TempDir()
	retention(t, env, 1)
	a := artifact(t, env, dir, "ws/gone.png")
	require.NoError(t, os.Remove(filepath.Join(dir, a.StorageKey)))
	env.Advance(48 * time.Hour)

	n, err := New(Config{Store: env.Store, ArtifactsDir: dir}).CleanupArtifacts(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunOnceSweepsLeasesAndSessions(t *testing.T) {
	env := storetest.New(t)
	acct := env.Account(t, "alice")
	ok, err := env.Store.AcquireLease(env.Ctx, acct.ID, "worker-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	env.Advance(2 * time.Minute)

	exp := &countingExpirer{}
	rep, err := New(Config{Store: env.Store, Sessions: exp}).RunOnce(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.Leases)
	assert.Equal(t, 2, rep.Sessions)
	assert.Equal(t, 1, exp.calls)

	ok, err = env.Store.AcquireLease(env.Ctx, acct.ID, "worker-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
