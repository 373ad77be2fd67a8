package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Status  int         `json:"status"`
	Details interface{} `json:"details,omitempty"`
	Err     error       `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches errors by code so clones and wraps compare equal to their sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// WrapAs wraps err keeping the code, status and message of the sentinel.
func WrapAs(sentinel *Error, err error) *Error {
	if sentinel == nil {
		return FromError(err)
	}
	return &Error{Code: sentinel.Code, Status: sentinel.Status, Message: sentinel.Message, Err: err}
}

// Predefined errors for common scenarios.
var (
	ErrNotFound           = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrForbidden          = New("FORBIDDEN", http.StatusForbidden, "not authorized to access this resource")
	ErrUnauthorized       = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrConflict           = New("CONFLICT", http.StatusConflict, "conflict")
	ErrPreconditionFailed = New("PRECONDITION_FAILED", http.StatusPreconditionFailed, "precondition failed")
	ErrValidation         = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal           = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
)

// Document policy errors.
var (
	ErrPolicyViolation     = New("POLICY_VIOLATION", http.StatusUnprocessableEntity, "document violates the validation policy")
	ErrPolicyNotFound      = New("POLICY_NOT_FOUND", http.StatusUnprocessableEntity, "no validation policy for category")
	ErrSizeExceeded        = New("SIZE_EXCEEDED", http.StatusRequestEntityTooLarge, "document exceeds the maximum size")
	ErrTypeNotAllowed      = New("TYPE_NOT_ALLOWED", http.StatusUnsupportedMediaType, "document type is not allowed")
	ErrExtensionNotAllowed = New("EXTENSION_NOT_ALLOWED", http.StatusUnsupportedMediaType, "file extension is not allowed")
	ErrEmptyDocument       = New("EMPTY_DOCUMENT", http.StatusBadRequest, "document is empty")
	ErrScanRejected        = New("SCAN_REJECTED", http.StatusUnprocessableEntity, "document was rejected by the content scanner")
	ErrScanUnavailable     = New("SCAN_UNAVAILABLE", http.StatusServiceUnavailable, "content scanner unavailable, retry later")
)

// Document lifecycle errors.
var (
	ErrInvalidTransition = New("INVALID_TRANSITION", http.StatusConflict, "invalid document status transition")
	ErrReasonRequired    = New("REASON_REQUIRED", http.StatusBadRequest, "a reason is required to reject a document")
)

// Integrity and transport errors. These are never shown to callers verbatim.
var (
	ErrIntegrityViolation  = New("INTEGRITY_VIOLATION", http.StatusInternalServerError, "document integrity check failed")
	ErrStorageUnavailable  = New("STORAGE_UNAVAILABLE", http.StatusServiceUnavailable, "object storage unavailable")
	ErrKeyNotFound         = New("KEY_NOT_FOUND", http.StatusInternalServerError, "encryption key not found")
	ErrDocumentUnavailable = New("DOCUMENT_UNAVAILABLE", http.StatusServiceUnavailable, "document unavailable, retry later")
)

var opaqueCodes = map[string]struct{}{
	ErrIntegrityViolation.Code: {},
	ErrStorageUnavailable.Code: {},
	ErrKeyNotFound.Code:        {},
}

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// IsOpaque reports whether err must be hidden behind a generic public error.
func IsOpaque(err error) bool {
	e := FromError(err)
	if e == nil {
		return false
	}
	_, ok := opaqueCodes[e.Code]
	return ok
}

// Public returns the representation of err that is safe to send to callers.
func Public(err error) *Error {
	e := FromError(err)
	if e == nil {
		return nil
	}
	if IsOpaque(e) {
		return Clone(ErrDocumentUnavailable, "")
	}
	return e
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}

// WithDetails returns a copy of err carrying structured details.
func WithDetails(err *Error, details interface{}) *Error {
	clone := Clone(err, "")
	if clone != nil {
		clone.Details = details
	}
	return clone
}
