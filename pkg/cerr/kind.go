package cerr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrAuthorization     = errors.New("authorization required")
	ErrValidation        = errors.New("validation failed")
	ErrPrecondition      = errors.New("precondition failed")
)

const currentStateRule = "current_state"

func NotFoundError(target, id string) *Error {
	return NewError(NotFound, fmt.Sprintf("%s %s not found", target, id), ErrNotFound).
		WithDetail(id, target+"_id")
}

func InvalidStateError(target, id, current, want string) *Error {
	return NewError(FailedPrecondition,
		fmt.Sprintf("%s %s is %s, want %s", target, id, current, want), ErrInvalidState).
		WithDetail(current, currentStateRule)
}

func InvalidTransitionError(id, from, to string) *Error {
	return NewError(FailedPrecondition,
		fmt.Sprintf("spec %s cannot move from %s to %s", id, from, to), ErrInvalidTransition).
		WithDetail(from, currentStateRule)
}

func AuthorizationError(id, from, to string) *Error {
	return NewError(PermissionDenied,
		fmt.Sprintf("spec %s: %s -> %s must be triggered by a user", id, from, to), ErrAuthorization).
		WithDetail(from, currentStateRule)
}

func ValidationError(msg string) *Error {
	return NewError(InvalidArgument, msg, ErrValidation)
}

func PreconditionError(target, id, current, want string) *Error {
	return NewError(FailedPrecondition,
		fmt.Sprintf("%s %s is %s, requires %s", target, id, current, want), ErrPrecondition).
		WithDetail(current, currentStateRule)
}

// CurrentState returns the state reported by a rejected operation, or "".
func CurrentState(err error) string {
	var ce *Error
	if !errors.As(err, &ce) {
		return ""
	}
	return ce.DetailMessages()[currentStateRule]
}
