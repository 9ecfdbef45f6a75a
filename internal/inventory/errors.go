package inventory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode enumerates engine failure classes.
type ErrorCode string

const (
	CodeValidation          ErrorCode = "VALIDATION_ERROR"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeInsufficientStock   ErrorCode = "INSUFFICIENT_STOCK"
	CodeIdempotencyConflict ErrorCode = "IDEMPOTENCY_CONFLICT"
	CodeStorageFailure      ErrorCode = "STORAGE_FAILURE"
	CodeImportBatchFailed   ErrorCode = "IMPORT_BATCH_FAILED"
)

// Error is a typed engine error. Two errors match under errors.Is when their codes match.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("inventory: %s: %v", msg, e.Err)
	}
	return "inventory: " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on code only.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

var (
	// ErrValidation marks malformed or missing input.
	ErrValidation = &Error{Code: CodeValidation}
	// ErrNotFound marks an unknown tenant, warehouse or product.
	ErrNotFound = &Error{Code: CodeNotFound}
	// ErrInsufficientStock is returned when on-hand would become negative.
	ErrInsufficientStock = &Error{Code: CodeInsufficientStock, Message: "insufficient stock"}
	// ErrIdempotencyConflict is returned when a key is reused with a different payload.
	ErrIdempotencyConflict = &Error{Code: CodeIdempotencyConflict, Message: "idempotency key reused with different payload"}
	// ErrStorageFailure marks a transient backing-store failure.
	ErrStorageFailure = &Error{Code: CodeStorageFailure}
	// ErrImportBatchFailed marks a commit batch that was rolled back as a whole.
	ErrImportBatchFailed = &Error{Code: CodeImportBatchFailed}
)

func validationError(format string, args ...any) error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func notFoundError(err error) error {
	return &Error{Code: CodeNotFound, Message: "not found", Err: err}
}

// storageError classifies an unexpected repository error. Typed engine
// errors and context cancellation pass through untouched.
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &Error{Code: CodeStorageFailure, Message: op, Err: err}
}

// CodeOf extracts the error code, or "" when err is not an engine error.
func CodeOf(err error) ErrorCode {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	return ""
}

// HTTPStatus maps the error code onto a response status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInsufficientStock, CodeIdempotencyConflict:
		return http.StatusConflict
	case CodeStorageFailure:
		return http.StatusServiceUnavailable
	case CodeImportBatchFailed:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// ProblemCode returns the machine-readable code.
func (e *Error) ProblemCode() string { return string(e.Code) }
