// Package mountauth implements the per-mount authenticator instances and the
// front-door auth pipeline that decides whether a listener or source client
// is admitted to a mount.
package mountauth

import (
	"errors"
	"fmt"
)

// Outcome is the small integer result set every authenticator callback and
// worker-loop step returns. Modeled as an enum rather than error values
// because it is a control-flow signal consumed by the worker loop, not a
// diagnostic for a human (see DESIGN.md).
type Outcome int

const (
	// OutcomeFatal means the caller must tear down the client immediately;
	// no response has necessarily been sent yet.
	OutcomeFatal Outcome = -2
	// OutcomeError means the callback failed; the caller decides how to
	// respond (typically 401/403/404).
	OutcomeError Outcome = -1
	// OutcomeOK means the callback succeeded.
	OutcomeOK Outcome = 0
	// OutcomePending means the backend has not finished; it is responsible
	// for re-enqueuing the work item itself (e.g. a deferred URL callback).
	OutcomePending Outcome = 1
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFatal:
		return "fatal"
	case OutcomeError:
		return "error"
	case OutcomeOK:
		return "ok"
	case OutcomePending:
		return "pending"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// PolicyError is returned by the admission decision tree (AddListener) for
// the non-auth refusals described in spec.md §7 ("Policy refusal").
type PolicyError struct {
	Op       string // "no_mount", "redirect", "ban", "busy", "max_listeners", "duplicate_login"
	HTTPCode int
	Redirect string // optional redirect target for 302 responses
	Err      error
}

func (e *PolicyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mountauth: %s (%d): %v", e.Op, e.HTTPCode, e.Err)
	}
	return fmt.Sprintf("mountauth: %s (%d)", e.Op, e.HTTPCode)
}

func (e *PolicyError) Unwrap() error { return e.Err }

func newPolicyError(op string, code int, redirect string) *PolicyError {
	return &PolicyError{Op: op, HTTPCode: code, Redirect: redirect}
}

// Sentinel errors for the instance-level FIFO/worker pool.
var (
	// ErrBusy is returned when an authenticator's pending queue already
	// exceeds the admission bound (spec.md §3, §8: pending_count > 300).
	ErrBusy = errors.New("mountauth: authenticator busy")
	// ErrShuttingDown is returned by Enqueue once allow_auth has been
	// flipped off by a process-global Shutdown.
	ErrShuttingDown = errors.New("mountauth: auth shutting down")
	// ErrNotRunning is returned when an Instance's refcount has already
	// reached zero and it has torn itself down.
	ErrNotRunning = errors.New("mountauth: authenticator not running")
	// ErrBadRange is returned by range-parsing helpers shared with
	// fileserve when a Range header is present but malformed.
	ErrBadRange = errors.New("mountauth: malformed range request")
)

// IsBusy reports whether err is (or wraps) ErrBusy.
func IsBusy(err error) bool { return errors.Is(err, ErrBusy) }

// IsPolicyError reports whether err is a *PolicyError and returns it.
func IsPolicyError(err error) (*PolicyError, bool) {
	var pe *PolicyError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
