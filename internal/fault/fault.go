// Package fault classifies errors crossing component boundaries.
//
// The pipeline distinguishes six kinds: invalid input, missing entities,
// illegal lifecycle transitions, storage failures, bus failures, and failed
// calls to sibling services. Classification rides on containerd/errdefs
// sentinels so callers test with the helpers below instead of string
// matching, and the HTTP edge maps kinds to status codes in one place. The
// sentinel never appears in Error() output; operator-facing messages stay
// short.
package fault

import (
	"fmt"

	"github.com/containerd/errdefs"
)

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }

func (e *kindError) Unwrap() []error { return []error{e.kind, e.err} }

// Invalid builds a validation failure. Validation failures surface as 400
// and are never retried.
func Invalid(format string, args ...any) error {
	return &kindError{kind: errdefs.ErrInvalidArgument, err: fmt.Errorf(format, args...)}
}

// NotFound builds a missing-entity failure.
func NotFound(format string, args ...any) error {
	return &kindError{kind: errdefs.ErrNotFound, err: fmt.Errorf(format, args...)}
}

// Transition builds an illegal-lifecycle-transition failure.
func Transition(format string, args ...any) error {
	return &kindError{kind: errdefs.ErrConflict, err: fmt.Errorf(format, args...)}
}

// Storage wraps a persistence failure. Consumer-side this triggers a
// message requeue; HTTP-side it surfaces as 500.
func Storage(op string, err error) error {
	return &kindError{kind: errdefs.ErrInternal, err: fmt.Errorf("%s: %w", op, err)}
}

// Bus wraps a publish/subscribe failure.
func Bus(op string, err error) error {
	return &kindError{kind: errdefs.ErrUnavailable, err: fmt.Errorf("%s: %w", op, err)}
}

// Downstream wraps a failed call to a sibling service.
func Downstream(service string, err error) error {
	return &kindError{kind: errdefs.ErrUnavailable, err: fmt.Errorf("call %s: %w", service, err)}
}

// IsInvalid reports whether err is a validation failure.
func IsInvalid(err error) bool { return errdefs.IsInvalidArgument(err) }

// IsNotFound reports whether err marks a missing entity.
func IsNotFound(err error) bool { return errdefs.IsNotFound(err) }

// IsTransition reports whether err marks an illegal lifecycle transition.
func IsTransition(err error) bool { return errdefs.IsConflict(err) }

// IsStorage reports whether err is a persistence failure.
func IsStorage(err error) bool { return errdefs.IsInternal(err) }

// IsUnavailable reports whether err is a bus or downstream failure.
func IsUnavailable(err error) bool { return errdefs.IsUnavailable(err) }

// Retryable reports whether a consumer should requeue the message that
// produced err. Validation, not-found and transition failures are permanent.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsInvalid(err) && !IsNotFound(err) && !IsTransition(err)
}
