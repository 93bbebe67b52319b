package coordinator

import (
	"errors"
	"fmt"
)

// Kind classifies coordinator failures. Each Kind is itself an error so that
// callers can write errors.Is(err, coordinator.NotFound).
type Kind int

const (
	// InvalidRequest means required input was missing or malformed.
	InvalidRequest Kind = iota + 1
	// Conflict means the resource already exists.
	Conflict
	// NotFound means the metadata record or the object is missing.
	NotFound
	// UpstreamFailure means the object store, metadata store or a commit failed.
	UpstreamFailure
)

func (k Kind) Error() string { return k.String() }

func (k Kind) String() string {
	switch k {
	case InvalidRequest:
		return "invalid request"
	case Conflict:
		return "conflict"
	case NotFound:
		return "not found"
	case UpstreamFailure:
		return "upstream failure"
	default:
		return "unknown"
	}
}

// Error is returned by every Coordinator operation.
// Message is stable and safe to show to clients; Err carries the cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return e.Op + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a Kind target against e.Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// Detail returns the underlying cause for upstream failures and "" otherwise.
func (e *Error) Detail() string {
	if e.Kind != UpstreamFailure || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// KindOf returns the Kind of err, or 0 when err is not a coordinator error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func newErr(kind Kind, op, msg string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: msg, Err: cause}
}
