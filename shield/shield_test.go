package shield

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/socialpilot/kit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(APIHeaders())(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatal("missing X-Frame-Options")
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatal("missing Cache-Control")
	}
}

func TestTraceIDPropagates(t *testing.T) {
	var seen string
	h := TraceID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = kit.GetTraceID(r.Context())
		if GetLogger(r.Context()) == nil {
			t.Fatal("no logger in context")
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/runs", nil)
	req.Header.Set("X-Trace-ID", "console-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "console-123" || rec.Header().Get("X-Trace-ID") != "console-123" {
		t.Fatalf("trace id = %q / %q", seen, rec.Header().Get("X-Trace-ID"))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))
	if len(rec.Header().Get("X-Trace-ID")) != 16 {
		t.Fatalf("generated trace id = %q", rec.Header().Get("X-Trace-ID"))
	}
}

func TestMaxJSONBody(t *testing.T) {
	h := MaxJSONBody(4)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("0123456789")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400 for oversized body", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	// WHAT: The third login attempt inside the window is rejected, and the
	// window reset lets requests through again.
	// WHY: Credential endpoints are brute-force targets.
	now := time.Unix(0, 0)
	rl := NewRateLimiter(map[string]RateLimitRule{"POST /auth/login": {MaxRequests: 2, Window: time.Minute}})
	rl.now = func() time.Time { return now }
	h := rl.Middleware(okHandler())

	send := func(path string) int {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = "10.0.0.1:4444"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if send("/auth/login") != 200 || send("/auth/login") != 200 {
		t.Fatal("first two requests should pass")
	}
	if code := send("/auth/login"); code != http.StatusTooManyRequests {
		t.Fatalf("third request code = %d, want 429", code)
	}
	if send("/runs") != 200 {
		t.Fatal("unlimited endpoint should pass")
	}

	now = now.Add(61 * time.Second)
	if send("/auth/login") != 200 {
		t.Fatal("request after window reset should pass")
	}
	rl.gc()
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if ip := ExtractIP(req); ip != "203.0.113.9" {
		t.Fatalf("ip = %q", ip)
	}
}
