// Package domainerrors defines the coded error type shared by services, stores and
// transports. Services return *Error values; transports map the Code to a response.
//
// Usage:
//
//	return dErrors.New(dErrors.CodeNotFound, "batch not found")
//	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load batch")
//	if dErrors.HasCode(err, dErrors.CodeUnauthorized) { ... }
package domainerrors

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies an error independently of its message.
type Code string

const (
	// Ledger taxonomy.
	CodeUnauthorized      Code = "unauthorized"
	CodeNotFound          Code = "not_found"
	CodeAlreadyExists     Code = "already_exists"
	CodeInvalidTransition Code = "invalid_transition"
	CodeBackendRejected   Code = "backend_rejected"
	CodePartialVisibility Code = "partial_visibility"

	// Input and infrastructure.
	CodeBadRequest         Code = "bad_request"
	CodeInvalidInput       Code = "invalid_input"
	CodeValidation         Code = "validation_error"
	CodeInvariantViolation Code = "invariant_violation"
	CodeConflict           Code = "conflict"
	CodeTimeout            Code = "timeout"
	CodeInternal           Code = "internal_error"
)

// Error is a domain error with a stable code and optional action context.
type Error struct {
	Code    Code
	Message string
	BatchID string
	Action  string
	Actor   string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if ctx := e.context(); ctx != "" {
		b.WriteString(" (")
		b.WriteString(ctx)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) context() string {
	parts := make([]string, 0, 3)
	if e.Action != "" {
		parts = append(parts, "action="+e.Action)
	}
	if e.BatchID != "" {
		parts = append(parts, "batch="+e.BatchID)
	}
	if e.Actor != "" {
		parts = append(parts, "actor="+e.Actor)
	}
	return strings.Join(parts, " ")
}

// New creates an error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// With returns a copy of e carrying the action context needed for user-facing messages.
func (e *Error) With(action, batchID, actor string) *Error {
	cp := *e
	cp.Action = action
	cp.BatchID = batchID
	cp.Actor = actor
	return &cp
}

// CodeOf returns the code of the outermost *Error in the chain, or CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// HasCode reports whether the outermost *Error in the chain carries code.
func HasCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// Is is an alias of HasCode kept for handler readability.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// ContextOf returns the action context attached to err, if any.
func ContextOf(err error) (action, batchID, actor string) {
	var de *Error
	if errors.As(err, &de) {
		return de.Action, de.BatchID, de.Actor
	}
	return "", "", ""
}
