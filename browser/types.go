// Package browser drives Chrome for platform automation: one-shot actions
// against a stored login state, and long-lived login contexts a human
// operator completes interactively.
package browser

import (
	"context"
	"strings"
)

// Action statuses reported by a driver.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Error codes reported by drivers. Codes in transientCodes are retried by the
// executor; the rest are terminal.
const (
	CodeNetworkTimeout       = "NETWORK_TIMEOUT"
	CodeRateLimited          = "RATE_LIMITED"
	CodeBrowserNodeError     = "BROWSER_NODE_ERROR"
	CodeBrowserError         = "BROWSER_ERROR"
	CodeAuthRequired         = "AUTH_REQUIRED"
	CodeInvalidTarget        = "INVALID_TARGET"
	CodeTargetNotFound       = "TARGET_NOT_FOUND"
	CodeContentPolicy        = "CONTENT_POLICY"
	CodeUISelectorChanged    = "UI_SELECTOR_CHANGED"
	CodeUIIntercepted        = "UI_INTERCEPTED"
	CodePostValidationFailed = "POST_VALIDATION_FAILED"
	CodeUnsupportedAction    = "UNSUPPORTED_ACTION"
	CodeUnsupportedPlatform  = "UNSUPPORTED_PLATFORM"
	CodeAborted              = "ABORTED"
)

var transientCodes = map[string]bool{
	CodeNetworkTimeout:   true,
	CodeRateLimited:      true,
	CodeBrowserNodeError: true,
	CodeBrowserError:     true,
}

// IsTransient reports whether a driver error code may succeed on retry.
func IsTransient(code string) bool { return transientCodes[code] }

// Action types understood by the X adapter.
const (
	ActionHealthCheck   = "health_check"
	ActionLike          = "x_like"
	ActionRepost        = "x_repost"
	ActionReply         = "x_reply"
	ActionQuote         = "x_quote"
	ActionSearchCollect = "x_search_collect"
)

// Bandwidth modes.
const (
	BandwidthEco      = "eco"
	BandwidthBalanced = "balanced"
	BandwidthFull     = "full"
)

// Cookie is a browser cookie in storage-state form.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// OriginStorage is the localStorage of one origin.
type OriginStorage struct {
	Origin       string            `json:"origin"`
	LocalStorage []LocalStorageKV `json:"localStorage"`
}

// LocalStorageKV is one localStorage entry.
type LocalStorageKV struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// StorageState is the captured authentication state of a browsing context.
// It is what the vault encrypts onto a social account.
type StorageState struct {
	Cookies []Cookie        `json:"cookies"`
	Origins []OriginStorage `json:"origins"`
}

// HasCookie reports whether a cookie with name is present.
func (s StorageState) HasCookie(name string) bool {
	for _, c := range s.Cookies {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Viewport is a window size in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Fingerprint is the emulated device profile of a social account.
type Fingerprint struct {
	UserAgent         string   `json:"user_agent"`
	Viewport          Viewport `json:"viewport"`
	Locale            string   `json:"locale"`
	TimezoneID        string   `json:"timezone_id"`
	ColorScheme       string   `json:"color_scheme"`
	DeviceScaleFactor float64  `json:"device_scale_factor"`
	IsMobile          bool     `json:"is_mobile"`
	HasTouch          bool     `json:"has_touch"`
}

// IsZero reports whether no field is set.
func (f Fingerprint) IsZero() bool { return f == Fingerprint{} }

// ActionRequest is one platform operation submitted to a driver.
type ActionRequest struct {
	PlatformKey      string         `json:"platform_key"`
	ActionType       string         `json:"action_type"`
	TargetURL        string         `json:"target_url,omitempty"`
	TargetExternalID string         `json:"target_external_id,omitempty"`
	StorageState     StorageState   `json:"storage_state"`
	Params           map[string]any `json:"params,omitempty"`
	BandwidthMode    string         `json:"bandwidth_mode,omitempty"`
	Fingerprint      *Fingerprint   `json:"fingerprint,omitempty"`
}

// ActionResult is what a driver reports for one request.
type ActionResult struct {
	Status     string         `json:"status"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Message    string         `json:"message,omitempty"`
	CurrentURL string         `json:"current_url,omitempty"`
	Screenshot []byte         `json:"screenshot,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Failed builds a failed result.
func Failed(code, msg string) ActionResult {
	return ActionResult{Status: StatusFailed, ErrorCode: code, Message: msg, Metadata: map[string]any{}}
}

// Driver executes platform actions against a stored login state.
type Driver interface {
	Execute(ctx context.Context, req ActionRequest) (ActionResult, error)
}

// SessionBrowser hosts interactive login contexts identified by the login
// session id.
type SessionBrowser interface {
	// StartLoginSession opens the platform login page. The returned remote
	// URL may be empty when no interactive viewer is deployed.
	StartLoginSession(ctx context.Context, id, platform string, fp *Fingerprint) (string, error)
	IsLoggedIn(ctx context.Context, id string) (bool, error)
	ExportStorageState(ctx context.Context, id string) (StorageState, error)
	// StopLoginSession releases the context. Unknown ids are a no-op.
	StopLoginSession(ctx context.Context, id string) error
}

// NormalizeAction maps accepted aliases onto canonical action types.
func NormalizeAction(action string) string {
	switch a := strings.ToLower(strings.TrimSpace(action)); a {
	case "x_health_check":
		return ActionHealthCheck
	case "like":
		return ActionLike
	case "x_retweet", "retweet", "repost":
		return ActionRepost
	case "reply":
		return ActionReply
	case "quote":
		return ActionQuote
	default:
		return a
	}
}
