// Package apperr defines the error taxonomy shared by the workflow core and
// its adapters. Every error that crosses the orchestrator boundary carries a
// Kind so callers can decide between retrying, reloading and giving up.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindAuthentication    Kind = "authentication"
	KindAuthorization     Kind = "authorization"
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindAlreadyDispatched Kind = "already_dispatched"
	KindConflict          Kind = "conflict"
	KindExternalService   Kind = "external_service"
	KindDuplicateCallback Kind = "duplicate_callback"
)

// Error is the concrete error type. Op names the operation ("workflow.Approve",
// "store.GetExpense"), EntityID the record it was acting on, if any.
type Error struct {
	Kind      Kind
	Op        string
	EntityID  string
	Message   string
	Temporary bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Op != "" && e.EntityID != "":
		return fmt.Sprintf("%s %s: %s", e.Op, e.EntityID, msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, msg)
	default:
		return msg
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an error of the given kind with a human readable message.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf is New with formatting.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and context to an underlying error. Wrapping an
// *Error keeps its kind unless the wrapper is given a different one.
func Wrap(kind Kind, op, entityID string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, EntityID: entityID, Err: err}
}

// External wraps a persistence or provider failure. Deadline errors are
// marked temporary so callers may retry them.
func External(op, entityID string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:      KindExternalService,
		Op:        op,
		EntityID:  entityID,
		Err:       err,
		Temporary: errors.Is(err, context.DeadlineExceeded),
	}
}

// WithEntity returns a copy of e tagged with the entity id.
func (e *Error) WithEntity(id string) *Error {
	cp := *e
	cp.EntityID = id
	return &cp
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the caller may retry the same request.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == KindExternalService && e.Temporary
}

// Message returns the user facing message of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		if e.Kind == KindExternalService {
			return "upstream service unavailable"
		}
		if e.Err != nil {
			return e.Err.Error()
		}
	}
	return err.Error()
}

// HTTPStatus maps an error kind to the status code the API answers with.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidTransition, KindAlreadyDispatched, KindConflict:
		return http.StatusConflict
	case KindDuplicateCallback:
		return http.StatusOK
	case KindExternalService:
		if e.Temporary {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
