package browsernode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hazyhaar/socialpilot/browser"
	"github.com/hazyhaar/socialpilot/connectivity"
	"github.com/hazyhaar/socialpilot/horosafe"
)

// StatusError is a non-2xx answer from the node.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("browsernode: status %d: %s", e.Code, e.Body)
}

// countable reports whether err says something about node health. Client
// side 4xx answers do not trip the breaker.
func countable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return !errors.Is(err, browser.ErrSessionNotFound)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL string
	Token   string
	// Timeout bounds one HTTP call. Actions run a real browser, so the
	// default is generous. Default: 120s.
	Timeout time.Duration
	Retry   connectivity.Policy
	Breaker *connectivity.CircuitBreaker
	Logger  *slog.Logger
}

func (c *ClientConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Breaker == nil {
		c.Breaker = connectivity.NewCircuitBreaker("browser-node")
	}
	if c.Retry.Retryable == nil {
		c.Retry.Retryable = countable
	}
	if c.Retry.Logger == nil {
		c.Retry.Logger = c.Logger
	}
}

// Client talks to a remote node. It implements browser.Driver and
// browser.SessionBrowser.
type Client struct {
	cfg  ClientConfig
	base string
	http *http.Client
}

// NewClient creates a client for the node at cfg.BaseURL.
func NewClient(cfg ClientConfig) (*Client, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("browsernode: invalid base url %q", cfg.BaseURL)
	}
	if err := horosafe.ValidateSecret([]byte(cfg.Token)); err != nil {
		return nil, err
	}
	return &Client{
		cfg:  cfg,
		base: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// do performs one call through the breaker and decodes the JSON answer into
// out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return c.cfg.Breaker.Do(ctx, func(ctx context.Context) error {
		var rdr io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return err
			}
			rdr = bytes.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
		if err != nil {
			return err
		}
		req.Header.Set(TokenHeader, c.cfg.Token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("browsernode: %s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		data, err := horosafe.LimitedReadAll(resp.Body, horosafe.MaxResponseBody)
		if err != nil {
			return fmt.Errorf("browsernode: read %s: %w", path, err)
		}
		if resp.StatusCode == http.StatusNotFound && strings.HasPrefix(path, "/login-sessions/") {
			return browser.ErrSessionNotFound
		}
		if resp.StatusCode/100 != 2 {
			return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		}
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("browsernode: decode %s: %w", path, err)
			}
		}
		return nil
	}, countable)
}

// retried wraps idempotent calls in the retry policy.
func (c *Client) retried(ctx context.Context, method, path string, body, out any) error {
	return connectivity.Retry(ctx, c.cfg.Retry, func(ctx context.Context, _ int) error {
		return c.do(ctx, method, path, body, out)
	})
}

// Execute submits one action. It is not retried here: the executor owns the
// retry decision because a repeated click is not idempotent. Transport
// failures come back as a BROWSER_NODE_ERROR result.
func (c *Client) Execute(ctx context.Context, req browser.ActionRequest) (browser.ActionResult, error) {
	var res browser.ActionResult
	if err := c.do(ctx, http.MethodPost, "/automation/actions/execute", req, &res); err != nil {
		if ctx.Err() != nil {
			return browser.ActionResult{}, ctx.Err()
		}
		c.cfg.Logger.Warn("browsernode: execute failed", "action", req.ActionType, "error", err)
		return browser.Failed(browser.CodeBrowserNodeError, err.Error()), nil
	}
	if res.Metadata == nil {
		res.Metadata = map[string]any{}
	}
	return res, nil
}

// StartLoginSession implements browser.SessionBrowser.
func (c *Client) StartLoginSession(ctx context.Context, id, platform string, fp *browser.Fingerprint) (string, error) {
	var out StartResponse
	err := c.retried(ctx, http.MethodPost, "/login-sessions",
		StartRequest{LoginSessionID: id, PlatformKey: platform, Fingerprint: fp}, &out)
	return out.RemoteURL, err
}

// IsLoggedIn implements browser.SessionBrowser.
func (c *Client) IsLoggedIn(ctx context.Context, id string) (bool, error) {
	var out struct {
		LoggedIn bool `json:"logged_in"`
	}
	err := c.retried(ctx, http.MethodGet, "/login-sessions/"+url.PathEscape(id)+"/is-logged-in", nil, &out)
	return out.LoggedIn, err
}

// ExportStorageState implements browser.SessionBrowser.
func (c *Client) ExportStorageState(ctx context.Context, id string) (browser.StorageState, error) {
	var out browser.StorageState
	err := c.retried(ctx, http.MethodGet, "/login-sessions/"+url.PathEscape(id)+"/storage-state", nil, &out)
	return out, err
}

// StopLoginSession implements browser.SessionBrowser.
func (c *Client) StopLoginSession(ctx context.Context, id string) error {
	err := c.retried(ctx, http.MethodPost, "/login-sessions/"+url.PathEscape(id)+"/stop", nil, nil)
	if errors.Is(err, browser.ErrSessionNotFound) {
		return nil
	}
	return err
}

// Healthy pings /healthz.
func (c *Client) Healthy(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}
