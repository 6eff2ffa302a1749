package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a witkit error code.
type ErrorCode string

const (
	ErrInvalidInput     ErrorCode = "INVALID_INPUT"     // 400
	ErrInvalidAction    ErrorCode = "INVALID_ACTION"    // 400
	ErrNotFound         ErrorCode = "NOT_FOUND"         // 404
	ErrHandleNotFound   ErrorCode = "HANDLE_NOT_FOUND"  // 404
	ErrUndoNotFound     ErrorCode = "UNDO_NOT_FOUND"    // 404
	ErrCapacityExceeded ErrorCode = "CAPACITY_EXCEEDED" // 409
	ErrEmptyBatch       ErrorCode = "EMPTY_BATCH"       // 422
	ErrBackend          ErrorCode = "BACKEND_ERROR"     // 502
	ErrInternal         ErrorCode = "INTERNAL"          // 500
)

// WitError represents a structured error with code, status, and details.
type WitError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *WitError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewInvalidInput creates a 400 error for malformed request parameters.
func NewInvalidInput(msg string) *WitError {
	return &WitError{
		Code:    ErrInvalidInput,
		Status:  400,
		Message: msg,
	}
}

// NewInvalidAction creates a 400 error for a bulk action payload that fails validation.
func NewInvalidAction(actionType, msg string) *WitError {
	return &WitError{
		Code:    ErrInvalidAction,
		Status:  400,
		Message: fmt.Sprintf("invalid %s action: %s", actionType, msg),
		Details: map[string]any{"action_type": actionType},
	}
}

// NewNotFound creates a 404 error for a missing resource.
func NewNotFound(identifier string) *WitError {
	return &WitError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("not found: %s", identifier),
		Details: map[string]any{"identifier": identifier},
	}
}

// NewHandleNotFound creates a 404 error for a query handle that is absent or expired.
// expiredAt is empty when the handle was never known (or already swept).
func NewHandleNotFound(handle, expiredAt string) *WitError {
	details := map[string]any{"handle": handle}
	msg := fmt.Sprintf("query handle not found: %s", handle)
	if expiredAt != "" {
		details["expired_at"] = expiredAt
		msg = fmt.Sprintf("query handle expired at %s: %s", expiredAt, handle)
	}
	return &WitError{
		Code:    ErrHandleNotFound,
		Status:  404,
		Message: msg + "; re-run the query to obtain a fresh handle",
		Details: details,
	}
}

// NewUndoNotFound creates a 404 error for an undo token that is absent or expired.
func NewUndoNotFound(token string) *WitError {
	return &WitError{
		Code:    ErrUndoNotFound,
		Status:  404,
		Message: fmt.Sprintf("undo token not found or expired: %s", token),
		Details: map[string]any{"undo_token": token},
	}
}

// NewCapacityExceeded creates a 409 error when a batch builder is full.
func NewCapacityExceeded(limit int) *WitError {
	return &WitError{
		Code:    ErrCapacityExceeded,
		Status:  409,
		Message: fmt.Sprintf("batch capacity exceeded: limit is %d requests", limit),
		Details: map[string]any{"limit": limit},
	}
}

// NewEmptyBatch creates a 422 error when building a batch with no requests.
func NewEmptyBatch() *WitError {
	return &WitError{
		Code:    ErrEmptyBatch,
		Status:  422,
		Message: "cannot build an empty batch",
	}
}

// NewBackend creates a 502 error for a failed submission to the backing store.
func NewBackend(err error) *WitError {
	msg := "backing store error"
	if err != nil {
		msg = err.Error()
	}
	return &WitError{
		Code:    ErrBackend,
		Status:  502,
		Message: msg,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
// The message stays generic; the original error is kept in Details for logging.
func NewInternal(err error) *WitError {
	details := map[string]any{}
	if err != nil {
		details["internal_error"] = err.Error()
	}
	return &WitError{
		Code:    ErrInternal,
		Status:  500,
		Message: "an internal error occurred",
		Details: details,
	}
}

// Is checks if an error (or anything it wraps) is a WitError with the given code.
func Is(err error, code ErrorCode) bool {
	var wErr *WitError
	if stderrors.As(err, &wErr) {
		return wErr.Code == code
	}
	return false
}

// As extracts a WitError from err, if present.
func As(err error) (*WitError, bool) {
	var wErr *WitError
	if stderrors.As(err, &wErr) {
		return wErr, true
	}
	return nil, false
}
