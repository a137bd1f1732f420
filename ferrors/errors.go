// Package ferrors implements the engine's error taxonomy (spec.md §7) as a
// single tagged struct rather than one Go type per error kind, with
// sentinel kinds and errors.Is/As-friendly wrapping.
package ferrors

import (
	"errors"
	"fmt"
)

// Kind tags the category of an Error, matching spec.md's structural tags.
type Kind string

const (
	KindConfig         Kind = "config"
	KindDestroyed      Kind = "destroyed"
	KindNetwork        Kind = "network"
	KindHTTP           Kind = "http"
	KindTimeout        Kind = "timeout"
	KindAbort          Kind = "abort"
	KindRateLimitReject Kind = "rate_limit_reject"
	KindRetryExhausted Kind = "retry_exhausted"
)

// Step identifies where in a call an HTTP-kind error occurred.
type Step string

const (
	StepFetch    Step = "fetch"
	StepParse    Step = "parse"
	StepResponse Step = "response"
)

// Error is the engine's single error type. Every error the pipeline returns
// to a caller is one of these, wrapping the underlying cause in Err.
type Error struct {
	Kind    Kind
	Op      string // e.g. "engine.Get", "retry.Run"
	Method  string
	URL     string
	Attempt int
	Status  int    // set for KindHTTP
	Step    Step   // set for KindHTTP
	Reason  any    // set for KindAbort: the caller's cancellation reason
	Data    any    // best-effort parsed body, set for KindHTTP
	Err     error
}

func (e *Error) Error() string {
	base := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Method != "" || e.URL != "" {
		base = fmt.Sprintf("%s [%s %s]", base, e.Method, e.URL)
	}
	if e.Attempt > 0 {
		base = fmt.Sprintf("%s (attempt %d)", base, e.Attempt)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", base, e.Err)
	}
	return base
}

func (e *Error) Unwrap() error { return e.Err }

// kindMatches reports whether e carries kind k; IsKind and the Is* helpers
// below use it after unwrapping err to an *Error.
func (e *Error) kindMatches(k Kind) bool { return e.Kind == k }

// New builds an *Error. op should be a "pkg.Func"-shaped breadcrumb, e.g.
// "engine.Get" or "retry.Run".
func New(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// WithCall annotates e with method/url/attempt, returning e for chaining.
func (e *Error) WithCall(method, url string, attempt int) *Error {
	e.Method = method
	e.URL = url
	e.Attempt = attempt
	return e
}

func asFetchError(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// IsKind reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	fe, ok := asFetchError(err)
	return ok && fe.kindMatches(kind)
}

func IsTimeout(err error) bool        { return IsKind(err, KindTimeout) }
func IsAbort(err error) bool          { return IsKind(err, KindAbort) }
func IsDestroyed(err error) bool      { return IsKind(err, KindDestroyed) }
func IsRateLimitReject(err error) bool { return IsKind(err, KindRateLimitReject) }
func IsRetryExhausted(err error) bool { return IsKind(err, KindRetryExhausted) }

// IsHTTPStatus reports whether err is a KindHTTP error carrying the given
// status code.
func IsHTTPStatus(err error, status int) bool {
	fe, ok := asFetchError(err)
	return ok && fe.Kind == KindHTTP && fe.Status == status
}

// IsRetryable is the default retry predicate: network errors, timeouts, and
// 5xx/429 HTTP errors are retryable; everything else is not. Retry rules
// should narrow this further per spec.md's idempotence caveat (§4.6).
func IsRetryable(err error) bool {
	fe, ok := asFetchError(err)
	if !ok {
		return false
	}
	switch fe.Kind {
	case KindNetwork, KindTimeout:
		return true
	case KindHTTP:
		return fe.Status == 429 || (fe.Status >= 500 && fe.Status < 600)
	default:
		return false
	}
}

// Sentinel errors usable with errors.Is independent of the Kind tag, for
// callers that only care "was this instance destroyed" without unwrapping.
var (
	ErrDestroyed = errors.New("fetchkit: instance destroyed")
	ErrAborted   = errors.New("fetchkit: aborted")
)
