// Package errs defines the typed error family that short-circuits the
// module-call pipeline. Every error the executor returns to a caller is a
// *ModuleError.
package errs

import "fmt"

// Code identifies the class of failure that stopped a module call.
type Code string

// Error codes returned by the executor pipeline.
const (
	CodeModuleNotFound     Code = "MODULE_NOT_FOUND"
	CodeACLDenied          Code = "ACL_DENIED"
	CodeSchemaValidation   Code = "SCHEMA_VALIDATION"
	CodeTimeout            Code = "TIMEOUT"
	CodeCallDepthExceeded  Code = "CALL_DEPTH_EXCEEDED"
	CodeCircularCall       Code = "CIRCULAR_CALL"
	CodeFrequencyExceeded  Code = "FREQUENCY_EXCEEDED"
	CodeMiddlewareChain    Code = "MIDDLEWARE_CHAIN_ERROR"
	CodeApprovalDenied     Code = "APPROVAL_DENIED"
	CodeApprovalTimeout    Code = "APPROVAL_TIMEOUT"
	CodeApprovalPending    Code = "APPROVAL_PENDING"
)

// ModuleError is the error type returned by every pipeline step that can
// fail. It carries enough context for a caller or a log line to identify
// what call failed, where, and why, without needing to re-derive it.
type ModuleError struct {
	Code     Code
	Message  string
	ModuleID string
	TraceID  string
	Details  map[string]any
	Cause    error
}

// New builds a ModuleError with nil Details; attach them with WithDetails.
func New(code Code, moduleID, traceID, message string) *ModuleError {
	return &ModuleError{Code: code, Message: message, ModuleID: moduleID, TraceID: traceID}
}

// WithDetails attaches structured details and returns the same error for
// chaining at the call site.
func (e *ModuleError) WithDetails(details map[string]any) *ModuleError {
	e.Details = details
	return e
}

// WithCause attaches the underlying error and returns the same error for
// chaining at the call site.
func (e *ModuleError) WithCause(cause error) *ModuleError {
	e.Cause = cause
	return e
}

// Error implements the error interface.
func (e *ModuleError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] module %q (trace %s): %s: %v", e.Code, e.ModuleID, e.TraceID, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] module %q (trace %s): %s", e.Code, e.ModuleID, e.TraceID, e.Message)
}

// ErrorCode satisfies the duck-typed interface the metrics middleware uses
// to label the errors-total counter without importing this package.
func (e *ModuleError) ErrorCode() string {
	return string(e.Code)
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *ModuleError) Unwrap() error {
	return e.Cause
}

// Is allows errors.Is(err, &ModuleError{Code: CodeX}) style comparisons
// keyed only on Code, which is how callers are expected to branch.
func (e *ModuleError) Is(target error) bool {
	t, ok := target.(*ModuleError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}
