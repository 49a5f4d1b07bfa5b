package browsernode

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/socialpilot/browser"
	"github.com/hazyhaar/socialpilot/connectivity"
)

const testToken = "0123456789abcdef0123456789abcdef"

type fakeBackend struct {
	mu       sync.Mutex
	sessions map[string]bool
	loggedIn bool
	got      browser.ActionRequest
}

func (f *fakeBackend) Execute(_ context.Context, req browser.ActionRequest) (browser.ActionResult, error) {
	f.mu.Lock()
	f.got = req
	f.mu.Unlock()
	return browser.ActionResult{
		Status:     browser.StatusSucceeded,
		Screenshot: []byte{0x89, 'P', 'N', 'G'},
		Metadata:   map[string]any{"already_liked": false},
	}, nil
}

func (f *fakeBackend) StartLoginSession(_ context.Context, id, _ string, _ *browser.Fingerprint) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id] = true
	return "https://vnc.example/view", nil
}

func (f *fakeBackend) IsLoggedIn(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[id] {
		return false, browser.ErrSessionNotFound
	}
	return f.loggedIn, nil
}

func (f *fakeBackend) ExportStorageState(_ context.Context, id string) (browser.StorageState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[id] {
		return browser.StorageState{}, browser.ErrSessionNotFound
	}
	return browser.StorageState{Cookies: []browser.Cookie{{Name: "auth_token", Value: "t", Domain: ".x.com"}}}, nil
}

func (f *fakeBackend) StopLoginSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	return nil
}

func newPair(t *testing.T) (*fakeBackend, *Client) {
	t.Helper()
	fb := &fakeBackend{sessions: map[string]bool{}}
	srv, err := NewServer(fb, testToken, nil)
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	c, err := NewClient(ClientConfig{
		BaseURL: ts.URL,
		Token:   testToken,
		Retry:   connectivity.Policy{MaxAttempts: 2, BaseBackoff: time.Millisecond},
	})
	if err != nil {
		t.Fatal(err)
	}
	return fb, c
}

func TestLoginSessionRoundTrip(t *testing.T) {
	// WHAT: Start, poll, export and stop travel over HTTP with the same
	// semantics as the local cluster.
	// WHY: The broker must not care whether Chrome is local or remote.
	fb, c := newPair(t)
	ctx := context.Background()

	remote, err := c.StartLoginSession(ctx, "ls-1", "x", &browser.Fingerprint{Locale: "en-US"})
	if err != nil || remote != "https://vnc.example/view" {
		t.Fatalf("remote=%q err=%v", remote, err)
	}
	ok, err := c.IsLoggedIn(ctx, "ls-1")
	if err != nil || ok {
		t.Fatalf("logged in = %v err = %v, want false", ok, err)
	}
	fb.mu.Lock()
	fb.loggedIn = true
	fb.mu.Unlock()
	if ok, _ := c.IsLoggedIn(ctx, "ls-1"); !ok {
		t.Fatal("want logged in")
	}
	state, err := c.ExportStorageState(ctx, "ls-1")
	if err != nil || !state.HasCookie("auth_token") {
		t.Fatalf("state = %+v err = %v", state, err)
	}
	if err := c.StopLoginSession(ctx, "ls-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.IsLoggedIn(ctx, "ls-1"); !errors.Is(err, browser.ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
	if err := c.StopLoginSession(ctx, "ls-1"); err != nil {
		t.Fatalf("stopping unknown session must be a no-op: %v", err)
	}
}

func TestExecuteCarriesScreenshot(t *testing.T) {
	fb, c := newPair(t)
	res, err := c.Execute(context.Background(), browser.ActionRequest{
		PlatformKey: "x", ActionType: browser.ActionLike, TargetURL: "https://x.com/a/status/1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != browser.StatusSucceeded || string(res.Screenshot[1:]) != "PNG" {
		t.Fatalf("res = %+v", res)
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.got.TargetURL != "https://x.com/a/status/1" {
		t.Fatalf("node got %+v", fb.got)
	}
}

func TestTokenRequired(t *testing.T) {
	srv, _ := NewServer(&fakeBackend{sessions: map[string]bool{}}, testToken, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/automation/actions/execute", strings.NewReader(`{}`))
	req.Header.Set(TokenHeader, "wrong")
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz code = %d", rec.Code)
	}
}

func TestExecuteNodeDownIsTransientResult(t *testing.T) {
	// WHAT: A dead node yields a BROWSER_NODE_ERROR result, not a Go error,
	// and repeated failures open the breaker.
	// WHY: The executor retries transient codes and must see a result.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	cb := connectivity.NewCircuitBreaker("browser-node", connectivity.WithBreakerThreshold(2))
	c, err := NewClient(ClientConfig{BaseURL: ts.URL, Token: testToken, Breaker: cb})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		res, err := c.Execute(context.Background(), browser.ActionRequest{PlatformKey: "x", ActionType: "x_like"})
		if err != nil || res.ErrorCode != browser.CodeBrowserNodeError {
			t.Fatalf("res = %+v err = %v", res, err)
		}
	}
	if cb.State() != connectivity.BreakerOpen {
		t.Fatalf("breaker = %v, want open", cb.State())
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(ClientConfig{BaseURL: "ftp://node", Token: testToken}); err == nil {
		t.Fatal("non-http base url must be rejected")
	}
	if _, err := NewClient(ClientConfig{BaseURL: "http://node", Token: "short"}); err == nil {
		t.Fatal("short token must be rejected")
	}
}
