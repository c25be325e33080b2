// Package errors provides the coded error type shared by every sqlgate package.
package errors

import (
	"errors"
	"fmt"
)

// Error codes. The first four map onto the execution error taxonomy; the rest
// describe infrastructure failures.
const (
	CodeValidation         = "VALIDATION_FAILED"
	CodeConfig             = "CONFIG_INCOMPLETE"
	CodeConnection         = "CONNECTION_FAILED"
	CodeStatementFailed    = "STATEMENT_FAILED"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeTransactionFailed  = "TRANSACTION_FAILED"
	CodeDeadlineExceeded   = "DEADLINE_EXCEEDED"
	CodeFailedPrecondition = "FAILED_PRECONDITION"
	CodeUnavailable        = "UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// Connection failure categories, stored under the "category" detail.
const (
	CategoryAuth        = "auth_failed"
	CategoryDatabase    = "database_missing"
	CategoryUnreachable = "host_unreachable"
	CategoryUnknown     = "unknown"
)

// GateError is an error with a stable code, a human-readable message and
// optional structured details.
type GateError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface.
func (e *GateError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *GateError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a GateError with the same code.
func (e *GateError) Is(target error) bool {
	t, ok := target.(*GateError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails replaces the error details.
func (e *GateError) WithDetails(details map[string]interface{}) *GateError {
	e.Details = details
	return e
}

// WithDetail adds a single detail to the error.
func (e *GateError) WithDetail(key string, value interface{}) *GateError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Clone returns a shallow copy so sentinels can be decorated safely.
func (e *GateError) Clone() *GateError {
	c := *e
	if e.Details != nil {
		c.Details = make(map[string]interface{}, len(e.Details))
		for k, v := range e.Details {
			c.Details[k] = v
		}
	}
	return &c
}

// Common errors
var (
	ErrEmptyQuery           = &GateError{Code: CodeValidation, Message: "Query cannot be empty."}
	ErrNoStatements         = &GateError{Code: CodeValidation, Message: "No valid statements found in query."}
	ErrPendingBatchNotFound = &GateError{Code: CodeNotFound, Message: "no pending batch found"}
	ErrAuditRecordNotFound  = &GateError{Code: CodeNotFound, Message: "audit record not found"}
	ErrLeaseNotFound        = &GateError{Code: CodeNotFound, Message: "transaction lease not found"}
	ErrLeaseExpired         = &GateError{Code: CodeDeadlineExceeded, Message: "transaction lease expired"}
	ErrUnknownDatabase      = &GateError{Code: CodeConfig, Message: "unknown logical database"}
	ErrTransactionInactive  = &GateError{Code: CodeTransactionFailed, Message: "transaction is not active"}
)

// New creates a new GateError with the given code and message.
func New(code, message string) *GateError {
	return &GateError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new GateError with a formatted message.
func Newf(code, format string, args ...interface{}) *GateError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an error with a GateError.
func Wrap(err error, code, message string) *GateError {
	if err == nil {
		return nil
	}
	return &GateError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code, format string, args ...interface{}) *GateError {
	if err == nil {
		return nil
	}
	return &GateError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// Validation builds a ValidationError.
func Validation(message string) *GateError {
	return New(CodeValidation, message)
}

// Config builds a ConfigError.
func Config(message string) *GateError {
	return New(CodeConfig, message)
}

// Connection builds a ConnectionError tagged with a failure category.
func Connection(cause error, category, message string) *GateError {
	e := &GateError{Code: CodeConnection, Message: message, Cause: cause}
	return e.WithDetail("category", category)
}

func hasCode(err error, code string) bool {
	var gateErr *GateError
	if errors.As(err, &gateErr) {
		return gateErr.Code == code
	}
	return false
}

// IsValidation checks if an error is a validation error.
func IsValidation(err error) bool { return hasCode(err, CodeValidation) }

// IsConfig checks if an error is a configuration error.
func IsConfig(err error) bool { return hasCode(err, CodeConfig) }

// IsConnection checks if an error is a connection error.
func IsConnection(err error) bool { return hasCode(err, CodeConnection) }

// IsStatementFailure checks if an error is a statement execution error.
func IsStatementFailure(err error) bool { return hasCode(err, CodeStatementFailed) }

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool { return hasCode(err, CodeNotFound) }

// IsInvalidRequest checks if an error is an invalid request error.
func IsInvalidRequest(err error) bool { return hasCode(err, CodeInvalidRequest) }

// IsInternal checks if an error is an internal error.
func IsInternal(err error) bool { return hasCode(err, CodeInternal) }

// GetCode extracts the error code from an error.
func GetCode(err error) string {
	var gateErr *GateError
	if errors.As(err, &gateErr) {
		return gateErr.Code
	}
	return CodeInternal
}

// GetMessage extracts the user-facing message from an error.
func GetMessage(err error) string {
	var gateErr *GateError
	if errors.As(err, &gateErr) {
		return gateErr.Message
	}
	return err.Error()
}

// GetCategory returns the connection failure category, or CategoryUnknown.
func GetCategory(err error) string {
	var gateErr *GateError
	if errors.As(err, &gateErr) {
		if c, ok := gateErr.Details["category"].(string); ok {
			return c
		}
	}
	return CategoryUnknown
}
