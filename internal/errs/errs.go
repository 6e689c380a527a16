// Package errs defines the error taxonomy shared by every crew component.
//
// Errors carry a Kind so callers at the edges (REST, MCP, CLI) can map them to
// an outcome without string matching. Use errors.Is against the Err* sentinels:
//
//	if errors.Is(err, errs.ErrNotFound) { ... }
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to pick an outcome.
type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindInvalidState Kind = "invalid_state"
	KindDirtyState   Kind = "dirty_state"
	KindTimeout      Kind = "timeout"
	KindTransport    Kind = "transport"
	KindEmptyQueue   Kind = "empty_queue"
	KindInvalidInput Kind = "invalid_input"
	KindInternal     Kind = "internal"
)

// Error is a classified error. Err holds the message chain.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so sentinels compare by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrConflict     = &Error{Kind: KindConflict}
	ErrInvalidState = &Error{Kind: KindInvalidState}
	ErrDirtyState   = &Error{Kind: KindDirtyState}
	ErrTimeout      = &Error{Kind: KindTimeout}
	ErrTransport    = &Error{Kind: KindTransport}
	ErrEmptyQueue   = &Error{Kind: KindEmptyQueue}
	ErrInvalidInput = &Error{Kind: KindInvalidInput}
)

func newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func NotFound(format string, args ...any) error     { return newf(KindNotFound, format, args...) }
func Conflict(format string, args ...any) error     { return newf(KindConflict, format, args...) }
func InvalidState(format string, args ...any) error { return newf(KindInvalidState, format, args...) }
func DirtyState(format string, args ...any) error   { return newf(KindDirtyState, format, args...) }
func Timeout(format string, args ...any) error      { return newf(KindTimeout, format, args...) }
func Transport(format string, args ...any) error    { return newf(KindTransport, format, args...) }
func EmptyQueue(format string, args ...any) error   { return newf(KindEmptyQueue, format, args...) }
func InvalidInput(format string, args ...any) error { return newf(KindInvalidInput, format, args...) }

// KindOf returns the Kind of the first classified error in err's chain,
// KindInternal for unclassified errors, and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// FromContext converts an expired or cancelled context into a timeout error
// naming op. It returns err unchanged when the context is still live.
func FromContext(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return &Error{Kind: KindTimeout, Err: fmt.Errorf("%s: deadline exceeded: %w", op, ctxErr)}
		}
		return &Error{Kind: KindTimeout, Err: fmt.Errorf("%s: %w", op, ctxErr)}
	}
	return err
}
