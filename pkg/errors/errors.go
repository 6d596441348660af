// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed errors for the hub and its workers.
// Every failure that crosses a package boundary carries an ErrorCode so the
// router can turn it into a readable result without string matching.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies hub errors for logging, metrics and result rendering.
type ErrorCode string

const (
	// CodeInternal indicates an internal hub error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the caller supplied invalid data.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeInvalidDescriptor indicates a worker descriptor could not be used.
	CodeInvalidDescriptor ErrorCode = "INVALID_DESCRIPTOR"

	// CodeRootNotFound indicates the worker root directory is missing or unreadable.
	CodeRootNotFound ErrorCode = "ROOT_NOT_FOUND"

	// CodeSpawnFailed indicates a worker process could not be started.
	CodeSpawnFailed ErrorCode = "SPAWN_FAILED"

	// CodeHandshakeFailed indicates a worker rejected or ignored initialize.
	CodeHandshakeFailed ErrorCode = "HANDSHAKE_FAILED"

	// CodeEmptyResponse indicates the worker closed its output (or input) mid exchange.
	CodeEmptyResponse ErrorCode = "EMPTY_RESPONSE"

	// CodeMalformedResponse indicates a worker line could not be decoded.
	CodeMalformedResponse ErrorCode = "MALFORMED_RESPONSE"

	// CodeWorkerError indicates the worker answered with a JSON-RPC error object.
	CodeWorkerError ErrorCode = "WORKER_ERROR"

	// CodeTimeout indicates an exchange exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeCancelled indicates the caller abandoned the exchange.
	CodeCancelled ErrorCode = "CANCELLED"

	// CodeNotFound indicates an unknown worker or operation.
	CodeNotFound ErrorCode = "NOT_FOUND"
)

// HubError is a typed error with context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type HubError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Recoverable bool
}

// Error implements the error interface.
func (e *HubError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *HubError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a HubError with the same code.
// This lets callers match on a code with errors.Is(err, errors.New(code, "", nil)).
func (e *HubError) Is(target error) bool {
	t, ok := target.(*HubError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *HubError) MarshalJSON() ([]byte, error) {
	var cause string
	if e.Err != nil {
		cause = e.Err.Error()
	}
	return json.Marshal(&struct {
		Code        string                 `json:"code"`
		Message     string                 `json:"message"`
		Err         string                 `json:"error,omitempty"`
		Context     map[string]interface{} `json:"context,omitempty"`
		Recoverable bool                   `json:"recoverable"`
	}{
		Code:        string(e.Code),
		Message:     e.Message,
		Err:         cause,
		Context:     e.Context,
		Recoverable: e.Recoverable,
	})
}

// New creates a new HubError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *HubError {
	return &HubError{
		Code:    code,
		Message: msg,
		Err:     cause,
		Context: make(map[string]interface{}),
	}
}

// Newf is New with a formatted message and no cause.
func Newf(code ErrorCode, format string, args ...any) *HubError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *HubError) WithContext(key string, value interface{}) *HubError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *HubError) WithRecoverable(recoverable bool) *HubError {
	e.Recoverable = recoverable
	return e
}

// AsHubError attempts to convert an error to a HubError.
// Returns the error as HubError if one is in the chain, or wraps it otherwise.
func AsHubError(err error) *HubError {
	if err == nil {
		return nil
	}
	var he *HubError
	if stderrors.As(err, &he) {
		return he
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf returns the code of the first HubError in err's chain, or "" when none.
func CodeOf(err error) ErrorCode {
	var he *HubError
	if stderrors.As(err, &he) {
		return he.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
