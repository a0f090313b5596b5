// Package apperrors holds the error types the board core returns and their HTTP mapping.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError is a user-correctable input problem (bad length or shape).
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// NotFoundError is returned for missing targets and for threads that are deleted.
type NotFoundError struct {
	Kind string
	ID   int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Kind, e.ID)
}

// LockedError is a write attempted against a locked thread or a locked board.
type LockedError struct {
	ThreadID int64 // zero when the whole board is locked
}

func (e *LockedError) Error() string {
	if e.ThreadID == 0 {
		return "posting is currently locked"
	}
	return fmt.Sprintf("thread %d is locked", e.ThreadID)
}

// ForbiddenError covers CSRF mismatches and unprivileged moderation attempts.
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string {
	return "forbidden: " + e.Reason
}

// CapacityError is an upload that is too large or of a type outside the allow-list.
type CapacityError struct {
	Message string
}

func (e *CapacityError) Error() string {
	return e.Message
}

// StoreUnavailableError wraps a busy or timed-out durable store. The core never retries it.
type StoreUnavailableError struct {
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable: %v", e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func ThreadNotFound(id int64) error { return &NotFoundError{Kind: "thread", ID: id} }

func ReplyNotFound(id int64) error { return &NotFoundError{Kind: "reply", ID: id} }

func Forbidden(reason string) error { return &ForbiddenError{Reason: reason} }

// Is reports whether err or anything it wraps has type T.
func Is[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

// StatusCode maps an error from the core onto the HTTP status the surface should use.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case Is[*ValidationError](err), Is[*CapacityError](err):
		return http.StatusBadRequest
	case Is[*NotFoundError](err):
		return http.StatusNotFound
	case Is[*LockedError](err), Is[*ForbiddenError](err):
		return http.StatusForbidden
	case Is[*StoreUnavailableError](err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the text safe to show a client; internal failures get a generic message.
func PublicMessage(err error) string {
	if StatusCode(err) == http.StatusInternalServerError {
		return "Internal server error."
	}
	if Is[*StoreUnavailableError](err) {
		return "The board is busy, please retry."
	}
	return err.Error()
}
