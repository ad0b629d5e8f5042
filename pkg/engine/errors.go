package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorClass represents the classification of an error for retry and logging decisions.
type ErrorClass string

const (
	// ErrorClassTransient indicates a failure that a later pass may not hit again.
	// Examples: device did not acknowledge in time, transport disconnected.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a failure that repeats until the configuration changes.
	// Examples: dependency cycle between groups, invalid snapshot.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Device is the device the failing pass was working on, if known.
	Device string `json:"device,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Class, e.Message)
	switch {
	case e.Device != "" && e.Operation != "":
		fmt.Fprintf(&sb, " (device=%s, operation=%s)", e.Device, e.Operation)
	case e.Device != "":
		fmt.Fprintf(&sb, " (device=%s)", e.Device)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithDevice adds device context to an error.
func (e *EngineError) WithDevice(device string) *EngineError {
	e.Device = device
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if repeating the pass may succeed.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// Error codes.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeSnapshotUnavailable = "SNAPSHOT_UNAVAILABLE"
	ErrCodeDependencyCycle     = "DEPENDENCY_CYCLE"
	ErrCodeAsyncFailed         = "ASYNC_OPERATION_FAILED"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodePurgeFailed         = "PURGE_FAILED"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// Sentinel values for errors.Is comparisons. Only Class and Code take part.
var (
	ErrSnapshotUnavailable = &EngineError{Class: ErrorClassTransient, Code: ErrCodeSnapshotUnavailable}
	ErrDependencyCycle     = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeDependencyCycle}
	ErrAsyncFailed         = &EngineError{Class: ErrorClassTransient, Code: ErrCodeAsyncFailed}
	ErrTimeout             = &EngineError{Class: ErrorClassTransient, Code: ErrCodeTimeout}
)

// NewSnapshotUnavailableError reports a snapshot that could not be read or does not exist.
func NewSnapshotUnavailableError(device string, err error) *EngineError {
	return NewTransientError("config snapshot unavailable", err).
		WithCode(ErrCodeSnapshotUnavailable).
		WithDevice(device)
}

// NewDependencyCycleError reports groups that could not be placed in any wave.
func NewDependencyCycleError(stuck []uint32) *EngineError {
	ids := append([]uint32(nil), stuck...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}

	return NewPermanentError(
		fmt.Sprintf("unresolvable group dependencies: %s", strings.Join(parts, ", ")),
		nil,
	).WithCode(ErrCodeDependencyCycle).WithDetail("groups", ids)
}

// NewAsyncFailedError wraps the failure of a remote operation.
func NewAsyncFailedError(operation string, err error) *EngineError {
	return NewTransientError("remote operation failed", err).
		WithCode(ErrCodeAsyncFailed).
		WithOperation(operation)
}

// NewTimeoutError reports a wait that ran out before its handles completed.
func NewTimeoutError(operation string, pending int) *EngineError {
	return NewTransientError("timed out waiting for remote operations", nil).
		WithCode(ErrCodeTimeout).
		WithOperation(operation).
		WithDetail("pending", pending)
}

// IsDependencyCycle returns true if err reports unresolvable group dependencies.
func IsDependencyCycle(err error) bool {
	return errors.Is(err, ErrDependencyCycle)
}

// IsSnapshotUnavailable returns true if err reports a missing snapshot.
func IsSnapshotUnavailable(err error) bool {
	return errors.Is(err, ErrSnapshotUnavailable)
}

// IsTimeout returns true if err reports an exhausted wait.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// StuckGroups returns the group ids carried by a dependency cycle error.
func StuckGroups(err error) []uint32 {
	var e *EngineError
	if !errors.As(err, &e) || e.Details == nil {
		return nil
	}
	ids, _ := e.Details["groups"].([]uint32)
	return ids
}
