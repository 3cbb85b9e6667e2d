package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies which facade produced a PlatformError.
type Kind int

const (
	KindUnknown Kind = iota
	KindDocument
	KindFunction
	KindMessaging
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindDocument:
		return "document"
	case KindFunction:
		return "function"
	case KindMessaging:
		return "messaging"
	default:
		return "unknown"
	}
}

// Code is a machine-readable platform error code.
type Code string

// Platform error codes. CodeUnknown is used when the platform did not supply one.
const (
	CodeUnknown            Code = "unknown-error"
	CodeNotFound           Code = "not-found"
	CodeAlreadyExists      Code = "already-exists"
	CodePermissionDenied   Code = "permission-denied"
	CodeInvalidArgument    Code = "invalid-argument"
	CodeDeadlineExceeded   Code = "deadline-exceeded"
	CodeUnavailable        Code = "unavailable"
	CodeInternal           Code = "internal"
	CodeCancelled          Code = "cancelled"
	CodeFailedPrecondition Code = "failed-precondition"
	CodeResourceExhausted  Code = "resource-exhausted"
	CodeUnimplemented      Code = "unimplemented"
)

// nonRetryable lists the codes a retry loop must not retry.
var nonRetryable = map[Code]struct{}{
	CodePermissionDenied: {},
	CodeInvalidArgument:  {},
	CodeNotFound:         {},
}

// PlatformError is the single error type returned by the facades. Kind tags the facade,
// the remaining fields carry the payload.
type PlatformError struct {
	Kind      Kind
	Code      Code
	Operation string
	// Target is the document path, collection, function name, topic or subscription.
	Target  string
	Message string
	Err     error
}

// Error implements the error interface
func (e *PlatformError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s %s: %v", e.Kind, e.Operation, e.Target, e.Err)
	}
	return fmt.Sprintf("%s %s %s failed", e.Kind, e.Operation, e.Target)
}

// Unwrap returns the underlying cause
func (e *PlatformError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the code is outside the non-retryable set.
func (e *PlatformError) Retryable() bool {
	_, ok := nonRetryable[e.Code]
	return !ok
}

// IsRetryableCode reports whether a call that failed with code may be retried.
func IsRetryableCode(code Code) bool {
	_, ok := nonRetryable[code]
	return !ok
}

func newPlatformError(kind Kind, code Code, op, target, msg string, cause error) *PlatformError {
	if code == "" {
		code = CodeUnknown
	}
	return &PlatformError{
		Kind:      kind,
		Code:      code,
		Operation: op,
		Target:    target,
		Message:   msg,
		Err:       cause,
	}
}

// NewDocumentError builds a document error for the given path or collection.
func NewDocumentError(code Code, op, path, msg string, cause error) *PlatformError {
	return newPlatformError(KindDocument, code, op, path, msg, cause)
}

// NewFunctionError builds a function-call error for the named function.
func NewFunctionError(code Code, op, name, msg string, cause error) *PlatformError {
	return newPlatformError(KindFunction, code, op, name, msg, cause)
}

// NewMessagingError builds a messaging error for a topic or subscription.
func NewMessagingError(code Code, op, target, msg string, cause error) *PlatformError {
	return newPlatformError(KindMessaging, code, op, target, msg, cause)
}

// NormalizeCode strips prefix from a raw platform code. An empty result maps to CodeUnknown.
func NormalizeCode(raw, prefix string) Code {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, prefix)
	if raw == "" {
		return CodeUnknown
	}
	return Code(raw)
}

// CodeOf returns the code of the first PlatformError in the chain, or CodeUnknown.
func CodeOf(err error) Code {
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeUnknown
}

// KindOf returns the kind of the first PlatformError in the chain, or KindUnknown.
func KindOf(err error) Kind {
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// IsNotFound reports whether err carries CodeNotFound.
func IsNotFound(err error) bool {
	return err != nil && CodeOf(err) == CodeNotFound
}

// IsAlreadyExists reports whether err carries CodeAlreadyExists.
func IsAlreadyExists(err error) bool {
	return err != nil && CodeOf(err) == CodeAlreadyExists
}
