package gateway

import (
	"errors"
	"fmt"

	"github.com/tobilg/caddyserver-dbgate-module/auth"
	"github.com/tobilg/caddyserver-dbgate-module/database"
)

// Kind classifies gateway failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthentication
	KindAuthorization
	KindInvalidArgument
	KindConnection
	KindExec
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication_failed"
	case KindAuthorization:
		return "permission_denied"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindConnection:
		return "connection_error"
	case KindExec:
		return "execution_error"
	}
	return "internal_error"
}

// ErrPermissionDenied is wrapped by every authorization failure.
var ErrPermissionDenied = errors.New("permission denied")

// Error is returned by every gateway operation that fails.
type Error struct {
	Kind  Kind
	Op    Operation
	Class auth.PermissionClass
	Err   error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindAuthentication:
		// Unknown tokens and bad credentials look the same to callers.
		return auth.ErrAuthenticationFailed.Error()
	case KindAuthorization:
		return fmt.Sprintf("%s: %v: role may not perform %s operations", e.Op, ErrPermissionDenied, e.Class)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUnknown
}

// storeError wraps an error from the data store with the right kind.
func storeError(op Operation, class auth.PermissionClass, err error) *Error {
	kind := KindExec
	switch {
	case database.IsConnectionError(err):
		kind = KindConnection
	case errors.Is(err, database.ErrInvalidArgument):
		kind = KindInvalidArgument
	}
	return &Error{Kind: kind, Op: op, Class: class, Err: err}
}

func invalidArgument(op Operation, class auth.PermissionClass, format string, args ...any) *Error {
	return &Error{
		Kind:  KindInvalidArgument,
		Op:    op,
		Class: class,
		Err:   fmt.Errorf("%w: "+format, append([]any{database.ErrInvalidArgument}, args...)...),
	}
}
