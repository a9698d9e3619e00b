package domain

import (
	"errors"
	"fmt"
)

// ErrorCode represents a semantic classification shared across transport layers.
type ErrorCode string

const (
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeInvalid      ErrorCode = "INVALID"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeOrdering     ErrorCode = "ORDERING"
	ErrCodeProcessing   ErrorCode = "PROCESSING"
	ErrCodeExternal     ErrorCode = "EXTERNAL_RESOURCE"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeInternal     ErrorCode = "INTERNAL"
)

// Error represents a domain-level error.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewError builds a domain error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError wraps an existing error with a domain classification.
func WrapError(code ErrorCode, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewValidationError rejects a malformed or unrecognized event shape before append.
func NewValidationError(format string, args ...interface{}) *Error {
	return NewError(ErrCodeInvalid, fmt.Sprintf(format, args...))
}

// NewOrderingError reports a stream version race; the caller should retry.
func NewOrderingError(streamID string, version int64) *Error {
	return NewError(ErrCodeOrdering, fmt.Sprintf("stream %s: version %d already taken", streamID, version))
}

// NewProcessingError reports a processor failure for an appended event.
func NewProcessingError(eventID string, err error) *Error {
	return WrapError(ErrCodeProcessing, fmt.Sprintf("processing event %s", eventID), err)
}

// NewExternalResourceError reports a failed call to an external collaborator.
func NewExternalResourceError(resource string, err error) *Error {
	return WrapError(ErrCodeExternal, resource, err)
}

// NewAuthorizationDenied reports a failed effective-permission check.
func NewAuthorizationDenied(principal, permission string, target ScopePath) *Error {
	return NewError(ErrCodeForbidden, fmt.Sprintf("principal %s lacks %s at %q", principal, permission, target))
}

// Common domain errors.
var (
	ErrEventNotFound        = NewError(ErrCodeNotFound, "event not found")
	ErrOrganizationNotFound = NewError(ErrCodeNotFound, "organization not found")
	ErrUnitNotFound         = NewError(ErrCodeNotFound, "organization unit not found")
	ErrRoleNotFound         = NewError(ErrCodeNotFound, "role not found")
	ErrPermissionNotFound   = NewError(ErrCodeNotFound, "permission not found")
	ErrContactNotFound      = NewError(ErrCodeNotFound, "contact not found")
	ErrAddressNotFound      = NewError(ErrCodeNotFound, "address not found")
	ErrInvitationNotFound   = NewError(ErrCodeNotFound, "invitation not found")
	ErrWorkflowNotFound     = NewError(ErrCodeNotFound, "workflow not found")
	ErrWorkflowRunning      = NewError(ErrCodeConflict, "workflow already running for aggregate")
	ErrNothingToResume      = NewError(ErrCodeInvalid, "organization is fully active, nothing to resume")
	ErrUnauthorized         = NewError(ErrCodeUnauthorized, "unauthorized")
	ErrInvalidPayload       = NewError(ErrCodeInvalid, "invalid payload")
)

// IsDomainError helps checking error codes.
func IsDomainError(err error, code ErrorCode) bool {
	var dErr *Error
	if errors.As(err, &dErr) {
		return dErr.Code == code
	}
	return false
}

// IsNotFound reports whether err is classified NOT_FOUND.
func IsNotFound(err error) bool {
	return IsDomainError(err, ErrCodeNotFound)
}
