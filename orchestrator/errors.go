package orchestrator

import "github.com/hazyhaar/socialpilot/orchestrator/internal/errs"

// Sentinel errors returned by the orchestrator components. Match them with
// errors.Is.
var (
	ErrInvalidInput       = errs.ErrInvalidInput
	ErrNotFound           = errs.ErrNotFound
	ErrConflict           = errs.ErrConflict
	ErrForbidden          = errs.ErrForbidden
	ErrQuotaDenied        = errs.ErrQuotaDenied
	ErrConcurrencyLimit   = errs.ErrConcurrencyLimit
	ErrSessionNotActive   = errs.ErrSessionNotActive
	ErrNotLoggedIn        = errs.ErrNotLoggedIn
	ErrBrowserUnavailable = errs.ErrBrowserUnavailable
)
