package domain

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code is a machine-readable error category.
type Code string

const (
	CodeValidation        Code = "VALIDATION"
	CodeNotFound          Code = "NOT_FOUND"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeConflict          Code = "CONFLICT"
	CodeExternalService   Code = "EXTERNAL_SERVICE"
	CodePermissionDenied  Code = "PERMISSION_DENIED"
	CodeInternal          Code = "INTERNAL"
)

// HTTPStatus maps the code to the HTTP status returned by the API.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidTransition, CodeConflict:
		return http.StatusConflict
	case CodeExternalService:
		return http.StatusBadGateway
	case CodePermissionDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps the code to a gRPC status code.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeValidation:
		return codes.InvalidArgument
	case CodeNotFound:
		return codes.NotFound
	case CodeInvalidTransition:
		return codes.FailedPrecondition
	case CodeConflict:
		return codes.Aborted
	case CodeExternalService:
		return codes.Unavailable
	case CodePermissionDenied:
		return codes.PermissionDenied
	default:
		return codes.Internal
	}
}

// Error is the engine error type. Two errors match under errors.Is when
// their codes are equal.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Sentinels for errors.Is checks.
var (
	ErrValidation        = &Error{Code: CodeValidation, Message: "validation failed"}
	ErrNotFound          = &Error{Code: CodeNotFound, Message: "not found"}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition, Message: "invalid transition"}
	ErrConflict          = &Error{Code: CodeConflict, Message: "conflict"}
	ErrExternalService   = &Error{Code: CodeExternalService, Message: "external service error"}
	ErrPermissionDenied  = &Error{Code: CodePermissionDenied, Message: "permission denied"}
	ErrInternal          = &Error{Code: CodeInternal, Message: "internal error"}
)

// NewError creates an error with a code and message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates an error with a code that wraps cause.
func WrapError(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func Validation(format string, args ...any) *Error {
	return NewError(CodeValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return NewError(CodeNotFound, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return NewError(CodeConflict, format, args...)
}

func PermissionDenied(format string, args ...any) *Error {
	return NewError(CodePermissionDenied, format, args...)
}

// InvalidTransition reports a state-machine violation.
func InvalidTransition(workflow WorkflowType, from, to Status) *Error {
	return &Error{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("invalid %s transition: %s -> %s", workflow, from, to),
		Metadata: map[string]string{
			"workflow": string(workflow),
			"from":     string(from),
			"to":       string(to),
		},
	}
}

// ExternalService wraps a collaborator failure as retryable.
func ExternalService(cause error, format string, args ...any) *Error {
	return WrapError(CodeExternalService, cause, format, args...)
}

// CodeOf returns the code of the first *Error in err's chain, or
// CodeInternal for anything unclassified.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// IsRetryable reports whether err may succeed when attempted again.
// Unclassified errors are treated as transient.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeExternalService, CodeInternal:
		return true
	default:
		return false
	}
}
