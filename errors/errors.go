package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass says how a caller should react to an error
type ErrorClass int

const (
	// ErrorTransient may succeed when retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid will fail again with the same input
	ErrorInvalid
	// ErrorFatal means the component cannot go on
	ErrorFatal
)

var classNames = [...]string{
	ErrorTransient: "transient",
	ErrorInvalid:   "invalid",
	ErrorFatal:     "fatal",
}

func (ec ErrorClass) String() string {
	if ec < 0 || int(ec) >= len(classNames) {
		return "unknown"
	}
	return classNames[ec]
}

// Sentinels shared by the infrastructure packages
var (
	ErrClosed            = errors.New("already closed")
	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrCircuitOpen       = errors.New("circuit breaker open")

	ErrInvalidData   = errors.New("invalid data format")
	ErrParsingFailed = errors.New("parsing failed")
	ErrDataCorrupted = errors.New("data corrupted")
	ErrInvalidConfig = errors.New("invalid configuration")
)

var sentinelClasses = []struct {
	err   error
	class ErrorClass
}{
	{ErrNoConnection, ErrorTransient},
	{ErrConnectionTimeout, ErrorTransient},
	{ErrCircuitOpen, ErrorTransient},
	{context.DeadlineExceeded, ErrorTransient},
	{ErrInvalidData, ErrorInvalid},
	{ErrParsingFailed, ErrorInvalid},
	{ErrDataCorrupted, ErrorFatal},
	{ErrInvalidConfig, ErrorFatal},
}

// transientHints are message fragments of driver errors that carry no sentinel
var transientHints = []string{"timeout", "connection", "temporary", "unavailable"}

// ClassifiedError attaches an ErrorClass and its origin to an error
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// classOf finds the explicit class of err: a ClassifiedError, then a PlatformError code,
// then a known sentinel in the chain.
func classOf(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}

	var pe *PlatformError
	if errors.As(err, &pe) {
		// non-retryable codes fail the same way on every attempt
		if pe.Retryable() {
			return ErrorTransient, true
		}
		return ErrorInvalid, true
	}

	for _, s := range sentinelClasses {
		if errors.Is(err, s.err) {
			return s.class, true
		}
	}
	return ErrorTransient, false
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorTransient
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range transientHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// IsFatal reports whether err should stop the component
func IsFatal(err error) bool {
	class, ok := classOf(err)
	return err != nil && ok && class == ErrorFatal
}

// IsInvalid reports whether err blames the input
func IsInvalid(err error) bool {
	class, ok := classOf(err)
	return err != nil && ok && class == ErrorInvalid
}

// Classify returns the class of err. Unclassified errors count as transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}
	class, _ := classOf(err)
	return class
}

// Wrap adds call-site context as "component.method: action failed: cause"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapAs(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return &ClassifiedError{
		Class:     class,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: method,
	}
}

// WrapTransient is Wrap plus the transient class
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapInvalid is Wrap plus the invalid class
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ErrorInvalid, err, component, method, action)
}

// WrapFatal is Wrap plus the fatal class
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}

// Standard library helpers, so callers need only this package
var (
	Is   = errors.Is
	As   = errors.As
	New  = errors.New
	Join = errors.Join
)
