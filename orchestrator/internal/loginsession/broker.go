// Package loginsession runs the interactive credential capture flow: a
// remote browser context is opened for a social account, an operator logs
// in, and finalize encrypts the captured storage state onto the account.
//
// Expiry is lazy. Every read of an open session past its expires_at moves it
// to expired before it is returned.
package loginsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/socialpilot/browser"
	"github.com/hazyhaar/socialpilot/connectivity"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/errs"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/keyed"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/quota"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/recorder"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/store"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/vault"
)

// Error codes recorded on failed sessions.
const (
	CodeStartFailed   = "BROWSER_START_FAILED"
	CodeCaptureFailed = "CAPTURE_FAILED"
)

var open = []string{store.SessionPending, store.SessionActive}

// errRaced means the session left active while finalize was capturing.
var errRaced = errors.New("loginsession: session changed during finalize")

// Config wires the broker.
type Config struct {
	Store    *store.Store
	Browser  browser.SessionBrowser
	Vault    *vault.Vault
	Guard    *quota.Guard
	Recorder *recorder.Recorder
	// TTL is the lifetime of a session. Default: 30m.
	TTL time.Duration
	// PollInterval is the auto-capture period. Default: 3s.
	PollInterval time.Duration
	Logger       *slog.Logger
}

func (c *Config) defaults() {
	if c.TTL <= 0 {
		c.TTL = 30 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Broker owns login session state transitions.
type Broker struct {
	cfg    Config
	st     *store.Store
	logger *slog.Logger

	// locks serializes the parallel-session check and insert per workspace.
	locks keyed.Mutex

	mu       sync.Mutex
	watchers map[string]map[chan struct{}]struct{}
}

// New returns a Broker.
func New(cfg Config) (*Broker, error) {
	if cfg.Store == nil || cfg.Browser == nil || cfg.Vault == nil || cfg.Guard == nil || cfg.Recorder == nil {
		return nil, errors.New("loginsession: store, browser, vault, guard and recorder are required")
	}
	cfg.defaults()
	return &Broker{cfg: cfg, st: cfg.Store, logger: cfg.Logger, watchers: make(map[string]map[chan struct{}]struct{})}, nil
}

// Create opens a login session for an account of workspaceID. The session
// comes back active, with a remote URL when the browser offers one, or
// failed when the browser context could not start.
func (b *Broker) Create(ctx context.Context, workspaceID, accountID, actorUserID string) (*store.LoginSession, error) {
	acct, err := b.st.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("loginsession: load account: %w", err)
	}
	if acct == nil || acct.WorkspaceID != workspaceID {
		return nil, fmt.Errorf("social account: %w", errs.ErrNotFound)
	}
	ls := &store.LoginSession{
		WorkspaceID:     workspaceID,
		SocialAccountID: acct.ID,
		ExpiresAt:       b.st.Now().Add(b.cfg.TTL),
	}
	unlock := b.locks.Lock(workspaceID)
	err = b.st.Tx(ctx, func(tx *store.Store) error {
		d, err := b.cfg.Guard.With(tx).CanAdmit(ctx, workspaceID, quota.ResourceParallelSession)
		if err != nil {
			return err
		}
		if !d.Allowed {
			return errs.Denied(d.Reason)
		}
		ls.ID = ""
		return tx.CreateLoginSession(ctx, ls)
	})
	unlock()
	var denied *errs.DeniedError
	if errors.As(err, &denied) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("loginsession: create: %w", err)
	}

	fp := browser.ProfileFor(acct.ID)
	if len(acct.FingerprintProfile) > 0 {
		var stored browser.Fingerprint
		if json.Unmarshal(acct.FingerprintProfile, &stored) == nil && !stored.IsZero() {
			fp = stored
		}
	}
	remote, err := b.cfg.Browser.StartLoginSession(ctx, ls.ID, acct.PlatformKey, &fp)
	if err != nil {
		b.logger.Warn("loginsession: browser start failed", "login_session_id", ls.ID, "error", err)
		if _, terr := b.st.TransitionLoginSession(ctx, ls.ID, open, store.SessionFailed, "", CodeStartFailed); terr != nil {
			return nil, fmt.Errorf("loginsession: fail session: %w", terr)
		}
	} else if _, err := b.st.TransitionLoginSession(ctx, ls.ID, []string{store.SessionPending}, store.SessionActive, remote, ""); err != nil {
		return nil, fmt.Errorf("loginsession: activate: %w", err)
	}

	b.cfg.Recorder.LogAsync(recorder.Event(workspaceID, actorUserID, "login_session.create", "login_session", ls.ID,
		map[string]any{"social_account_id": acct.ID}))
	b.notify(ls.ID)
	return b.load(ctx, workspaceID, ls.ID)
}

// Get returns a session of workspaceID, expiring it first when due.
func (b *Broker) Get(ctx context.Context, workspaceID, id string) (*store.LoginSession, error) {
	return b.load(ctx, workspaceID, id)
}

func (b *Broker) load(ctx context.Context, workspaceID, id string) (*store.LoginSession, error) {
	ls, err := b.st.GetLoginSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loginsession: load: %w", err)
	}
	if ls == nil || (workspaceID != "" && ls.WorkspaceID != workspaceID) {
		return nil, fmt.Errorf("login session: %w", errs.ErrNotFound)
	}
	return b.expire(ctx, ls)
}

// expire moves an open session past its deadline to expired and releases
// its browser context.
func (b *Broker) expire(ctx context.Context, ls *store.LoginSession) (*store.LoginSession, error) {
	if !store.IsOpenSession(ls.Status) || b.st.Now().Before(ls.ExpiresAt) {
		return ls, nil
	}
	ok, err := b.st.TransitionLoginSession(ctx, ls.ID, open, store.SessionExpired, "", "")
	if err != nil {
		return nil, fmt.Errorf("loginsession: expire: %w", err)
	}
	if ok {
		b.logger.Info("loginsession: session expired", "login_session_id", ls.ID)
		b.stop(ctx, ls.ID)
		b.notify(ls.ID)
	}
	got, err := b.st.GetLoginSession(ctx, ls.ID)
	if err != nil || got == nil {
		return nil, fmt.Errorf("loginsession: reload: %w", err)
	}
	return got, nil
}

// Finalize captures the storage state of an active session, encrypts it
// onto the account and marks the account active. It returns
// errs.ErrNotLoggedIn while the login is not complete, leaving the session
// active. A capture failure fails the session.
func (b *Broker) Finalize(ctx context.Context, workspaceID, id, actorUserID string) (*store.LoginSession, error) {
	ls, err := b.load(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	switch ls.Status {
	case store.SessionSucceeded:
		return ls, nil
	case store.SessionActive:
	default:
		return nil, fmt.Errorf("%w: session is %s", errs.ErrSessionNotActive, ls.Status)
	}

	logged, err := b.cfg.Browser.IsLoggedIn(ctx, ls.ID)
	if err != nil {
		return b.captureError(ctx, ls, err)
	}
	if !logged {
		return nil, errs.ErrNotLoggedIn
	}
	state, err := b.cfg.Browser.ExportStorageState(ctx, ls.ID)
	if err != nil {
		return b.captureError(ctx, ls, err)
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("loginsession: encode state: %w", err)
	}
	sealed, err := b.cfg.Vault.Seal(ls.SocialAccountID, raw)
	if err != nil {
		return nil, fmt.Errorf("loginsession: seal: %w", err)
	}

	err = b.st.Tx(ctx, func(tx *store.Store) error {
		ok, err := tx.TransitionLoginSession(ctx, ls.ID, []string{store.SessionActive}, store.SessionSucceeded, "", "")
		if err != nil {
			return err
		}
		if !ok {
			return errRaced
		}
		if err := tx.UpsertCredential(ctx, ls.SocialAccountID, store.CredentialStorageState, sealed); err != nil {
			return err
		}
		return tx.SetAccountStatus(ctx, ls.SocialAccountID, store.AccountActive)
	})
	if errors.Is(err, errRaced) {
		return nil, fmt.Errorf("%w: session changed", errs.ErrSessionNotActive)
	}
	if err != nil {
		return nil, fmt.Errorf("loginsession: store credential: %w", err)
	}

	b.stop(ctx, ls.ID)
	b.logger.Info("loginsession: finalized", "login_session_id", ls.ID, "social_account_id", ls.SocialAccountID)
	b.cfg.Recorder.LogAsync(recorder.Event(ls.WorkspaceID, actorUserID, "login_session.finalize", "login_session", ls.ID,
		map[string]any{"social_account_id": ls.SocialAccountID, "cookies": len(state.Cookies)}))
	b.notify(ls.ID)
	return b.load(ctx, workspaceID, ls.ID)
}

// captureError leaves the session active when the browser could not be
// reached, so the caller can finalize again, and fails it otherwise.
func (b *Broker) captureError(ctx context.Context, ls *store.LoginSession, err error) (*store.LoginSession, error) {
	if connectivity.IsTransient(err) {
		b.logger.Warn("loginsession: browser unreachable during finalize", "login_session_id", ls.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", errs.ErrBrowserUnavailable, err)
	}
	return b.fail(ctx, ls, err)
}

func (b *Broker) fail(ctx context.Context, ls *store.LoginSession, cause error) (*store.LoginSession, error) {
	b.logger.Warn("loginsession: capture failed", "login_session_id", ls.ID, "error", cause)
	if _, err := b.st.TransitionLoginSession(ctx, ls.ID, open, store.SessionFailed, "", CodeCaptureFailed); err != nil {
		return nil, fmt.Errorf("loginsession: fail session: %w", err)
	}
	b.stop(ctx, ls.ID)
	b.notify(ls.ID)
	return b.load(ctx, ls.WorkspaceID, ls.ID)
}

// Cancel ends an open session. Terminal sessions are returned unchanged.
func (b *Broker) Cancel(ctx context.Context, workspaceID, id, actorUserID string) (*store.LoginSession, error) {
	ls, err := b.load(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	if !store.IsOpenSession(ls.Status) {
		return ls, nil
	}
	ok, err := b.st.TransitionLoginSession(ctx, ls.ID, open, store.SessionCanceled, "", "")
	if err != nil {
		return nil, fmt.Errorf("loginsession: cancel: %w", err)
	}
	if ok {
		b.stop(ctx, ls.ID)
		b.cfg.Recorder.LogAsync(recorder.Event(ls.WorkspaceID, actorUserID, "login_session.cancel", "login_session", ls.ID, nil))
		b.notify(ls.ID)
	}
	return b.load(ctx, workspaceID, ls.ID)
}

func (b *Broker) stop(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := b.cfg.Browser.StopLoginSession(ctx, id); err != nil {
		b.logger.Warn("loginsession: stop browser context failed", "login_session_id", id, "error", err)
	}
}

// ExpireStale expires every open session past its deadline. It returns how
// many it expired.
func (b *Broker) ExpireStale(ctx context.Context) (int, error) {
	sessions, err := b.st.ListOpenLoginSessions(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("loginsession: list open: %w", err)
	}
	n := 0
	for _, ls := range sessions {
		got, err := b.expire(ctx, ls)
		if err != nil {
			return n, err
		}
		if got.Status == store.SessionExpired {
			n++
		}
	}
	return n, nil
}

// RunAutoCapture finalizes active sessions as soon as their login completes,
// polling every PollInterval until ctx is done.
func (b *Broker) RunAutoCapture(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.CaptureOnce(ctx)
		}
	}
}

// CaptureOnce runs one auto-capture pass.
func (b *Broker) CaptureOnce(ctx context.Context) {
	sessions, err := b.st.ListOpenLoginSessions(ctx, "")
	if err != nil {
		b.logger.Error("loginsession: auto-capture list", "error", err)
		return
	}
	for _, ls := range sessions {
		cur, err := b.expire(ctx, ls)
		if err != nil || cur.Status != store.SessionActive {
			continue
		}
		logged, err := b.cfg.Browser.IsLoggedIn(ctx, cur.ID)
		if err != nil || !logged {
			continue
		}
		if _, err := b.Finalize(ctx, cur.WorkspaceID, cur.ID, ""); err != nil {
			b.logger.Warn("loginsession: auto-capture finalize failed", "login_session_id", cur.ID, "error", err)
		}
	}
}

// Subscribe returns a channel signaled after every transition of session id
// made by this broker. Call the returned func to unsubscribe.
func (b *Broker) Subscribe(id string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	if b.watchers[id] == nil {
		b.watchers[id] = make(map[chan struct{}]struct{})
	}
	b.watchers[id][ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.watchers[id], ch)
		if len(b.watchers[id]) == 0 {
			delete(b.watchers, id)
		}
	}
}

func (b *Broker) notify(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.watchers[id] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
