package realtime

import (
	"errors"
	"fmt"
)

// Error kinds. Operations return an OpError whose Kind is one of these, so
// callers branch with errors.Is.
var (
	ErrAuthentication  = errors.New("unauthenticated")
	ErrAuthorization   = errors.New("forbidden")
	ErrInvalidState    = errors.New("invalid state")
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConflict is a store-level uniqueness race. Services resolve it before
	// it reaches a caller.
	ErrConflict = errors.New("conflict")
)

// OpError is a typed operation error with a stable Op + Kind contract.
// Msg is human-readable context and never carries credentials.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

func opErr(op string, kind error, msg string) error {
	return OpError{Op: op, Kind: kind, Msg: msg}
}

// Stable error codes used by error frames and REST error bodies.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeForbidden       = "forbidden"
	CodeInvalidState    = "invalid_state"
	CodeNotFound        = "not_found"
	CodeInvalidArgument = "invalid_argument"
	CodeConflict        = "conflict"
	CodeInternal        = "internal"
)

// ErrorCode maps err onto its wire code. Unknown errors are "internal".
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthentication):
		return CodeUnauthenticated
	case errors.Is(err, ErrAuthorization):
		return CodeForbidden
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrConflict):
		return CodeConflict
	default:
		return CodeInternal
	}
}

// PublicMessage returns the message safe to show a client. Internal errors
// are not echoed.
func PublicMessage(err error) string {
	if ErrorCode(err) == CodeInternal {
		return "internal error"
	}
	var oe OpError
	if errors.As(err, &oe) && oe.Msg != "" {
		return oe.Msg
	}
	return err.Error()
}
