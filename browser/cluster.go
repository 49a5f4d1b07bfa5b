package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/stealth"
)

// ErrSessionNotFound is returned for login session ids the cluster does not
// host.
var ErrSessionNotFound = errors.New("browser: login session not found")

type loginContext struct {
	platform string
	browser  *rod.Browser
	page     *rod.Page
}

// Cluster runs actions and login sessions on the Chrome owned by a Manager.
// Every action and every login session gets its own incognito context so
// accounts never share cookies. Cluster implements Driver and SessionBrowser.
type Cluster struct {
	mgr *Manager

	mu       sync.Mutex
	sessions map[string]*loginContext
}

// NewCluster wraps a started Manager. Login contexts are dropped when the
// manager recycles Chrome.
func NewCluster(mgr *Manager) *Cluster {
	c := &Cluster{mgr: mgr, sessions: make(map[string]*loginContext)}
	mgr.SetRecycleCallback(&RecycleCallback{BeforeRecycle: c.dropSessions})
	return c
}

func (c *Cluster) dropSessions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sessions) > 0 {
		c.mgr.cfg.Logger.Warn("browser: dropping login sessions on recycle", "count", len(c.sessions))
	}
	c.sessions = make(map[string]*loginContext)
}

// newContext opens an incognito context with one stealth page.
func (c *Cluster) newContext(fp *Fingerprint) (*rod.Browser, *rod.Page, error) {
	b := c.mgr.Browser()
	if b == nil {
		return nil, nil, fmt.Errorf("browser: no active browser")
	}
	inc, err := b.Incognito()
	if err != nil {
		return nil, nil, fmt.Errorf("browser: incognito: %w", err)
	}
	page, err := stealth.Page(inc)
	if err != nil {
		inc.Close()
		return nil, nil, fmt.Errorf("browser: create page: %w", err)
	}
	if err := applyFingerprint(page, fp); err != nil {
		c.mgr.cfg.Logger.Warn("browser: fingerprint emulation failed", "error", err)
	}
	return inc, page, nil
}

// Execute runs one action in a fresh context seeded with req.StorageState.
func (c *Cluster) Execute(ctx context.Context, req ActionRequest) (ActionResult, error) {
	if strings.ToLower(strings.TrimSpace(req.PlatformKey)) != PlatformX {
		return Failed(CodeUnsupportedPlatform, "unsupported platform: "+req.PlatformKey), nil
	}

	inc, page, err := c.newContext(req.Fingerprint)
	if err != nil {
		return Failed(CodeBrowserError, err.Error()), nil
	}
	defer inc.Close()

	if router := applyBandwidthMode(page, req.BandwidthMode); router != nil {
		defer router.Stop()
	}
	if err := loadStorageState(inc, page, req.StorageState); err != nil {
		return Failed(CodeBrowserError, err.Error()), nil
	}

	actx, cancel := context.WithTimeout(ctx, c.mgr.cfg.ActionTimeout)
	defer cancel()
	x := &xPage{page: page.Context(actx)}
	res := x.run(req)
	c.mgr.cfg.Logger.Debug("browser: action done",
		"action", req.ActionType, "status", res.Status, "error_code", res.ErrorCode)
	return res, nil
}

// StartLoginSession opens the login page in a dedicated context. Starting an
// id that is already running just returns the viewer URL.
func (c *Cluster) StartLoginSession(ctx context.Context, id, platform string, fp *Fingerprint) (string, error) {
	loginURL, err := LoginURL(platform)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	_, running := c.sessions[id]
	c.mu.Unlock()
	if running {
		return c.mgr.cfg.RemoteViewURL, nil
	}

	inc, page, err := c.newContext(fp)
	if err != nil {
		return "", err
	}
	if err := page.Context(ctx).Navigate(loginURL); err != nil {
		inc.Close()
		return "", fmt.Errorf("browser: open login page: %w", err)
	}

	c.mu.Lock()
	c.sessions[id] = &loginContext{platform: PlatformX, browser: inc, page: page}
	c.mu.Unlock()
	c.mgr.cfg.Logger.Info("browser: login session started", "id", id, "platform", platform)
	return c.mgr.cfg.RemoteViewURL, nil
}

func (c *Cluster) session(id string) (*loginContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lc, ok := c.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return lc, nil
}

// IsLoggedIn reports whether the session holds the platform auth cookie.
func (c *Cluster) IsLoggedIn(ctx context.Context, id string) (bool, error) {
	lc, err := c.session(id)
	if err != nil {
		return false, err
	}
	cookies, err := lc.page.Context(ctx).Cookies([]string{xCookieURL})
	if err != nil {
		return false, fmt.Errorf("browser: read cookies: %w", err)
	}
	for _, ck := range cookies {
		if ck.Name == xAuthCookie {
			return true, nil
		}
	}
	return false, nil
}

// ExportStorageState captures the cookies and localStorage of the session.
func (c *Cluster) ExportStorageState(ctx context.Context, id string) (StorageState, error) {
	lc, err := c.session(id)
	if err != nil {
		return StorageState{}, err
	}
	return captureStorageState(lc.browser, lc.page.Context(ctx))
}

// StopLoginSession closes the session context.
func (c *Cluster) StopLoginSession(_ context.Context, id string) error {
	c.mu.Lock()
	lc, ok := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	c.mgr.cfg.Logger.Info("browser: login session stopped", "id", id)
	return lc.browser.Close()
}

// Sessions returns the number of hosted login sessions.
func (c *Cluster) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}
