package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/keelhq/keel/pkg/model"
	"github.com/keelhq/keel/pkg/services"
	"github.com/keelhq/keel/pkg/validation"
)

// ErrorClass classifies an operation failure.
type ErrorClass string

const (
	// ErrorClassValidation means a parameter or attribute was rejected.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassDuplicate means the target resource already exists.
	ErrorClassDuplicate ErrorClass = "duplicate"

	// ErrorClassNotFound means the target resource or entry does not exist.
	ErrorClassNotFound ErrorClass = "not-found"

	// ErrorClassDependency means a service dependency is missing or would form a cycle.
	ErrorClassDependency ErrorClass = "dependency"

	// ErrorClassRuntime means the running process could not apply the change.
	ErrorClassRuntime ErrorClass = "runtime"

	// ErrorClassInternal means a handler misbehaved: it panicked or never reported.
	ErrorClassInternal ErrorClass = "internal"

	// ErrorClassUnknownOperation means no handler is registered for the operation.
	ErrorClassUnknownOperation ErrorClass = "unknown-operation"

	// ErrorClassDenied means the authorizer rejected the operation.
	ErrorClassDenied ErrorClass = "denied"

	// ErrorClassCancelled means the caller cancelled the operation.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// Error codes, one per class.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeRuntimeFailure   = "RUNTIME_FAILURE"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeUnknownOperation = "UNKNOWN_OPERATION"
	ErrCodePolicyDenied     = "POLICY_DENIED"
	ErrCodeCancelled        = "CANCELLED"
)

var classCodes = map[ErrorClass]string{
	ErrorClassValidation:       ErrCodeValidation,
	ErrorClassDuplicate:        ErrCodeAlreadyExists,
	ErrorClassNotFound:         ErrCodeNotFound,
	ErrorClassDependency:       ErrCodeDependencyFailed,
	ErrorClassRuntime:          ErrCodeRuntimeFailure,
	ErrorClassInternal:         ErrCodeInternal,
	ErrorClassUnknownOperation: ErrCodeUnknownOperation,
	ErrorClassDenied:           ErrCodePolicyDenied,
	ErrorClassCancelled:        ErrCodeCancelled,
}

// OperationError is a classified operation failure with context.
type OperationError struct {
	// Class is the failure classification.
	Class ErrorClass `json:"class"`

	// Code is the stable code for programmatic handling.
	Code string `json:"code"`

	// Message is the diagnostic text.
	Message string `json:"message"`

	// Address is the target address of the failed operation.
	Address string `json:"address,omitempty"`

	// Operation is the name of the failed operation.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	switch {
	case e.Operation != "" && e.Address != "":
		return fmt.Sprintf("[%s] %s (operation=%s, address=%s)", e.Class, e.Message, e.Operation, e.Address)
	case e.Address != "":
		return fmt.Sprintf("[%s] %s (address=%s)", e.Class, e.Message, e.Address)
	default:
		return fmt.Sprintf("[%s] %s", e.Class, e.Message)
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *OperationError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *OperationError) Is(target error) bool {
	t, ok := target.(*OperationError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithAddress adds address context to an error.
func (e *OperationError) WithAddress(addr model.Address) *OperationError {
	e.Address = addr.String()
	return e
}

// WithOperation adds operation context to an error.
func (e *OperationError) WithOperation(name string) *OperationError {
	e.Operation = name
	return e
}

// WithDetail adds a detail field to the error context.
func (e *OperationError) WithDetail(key string, value interface{}) *OperationError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newError(class ErrorClass, message string, err error) *OperationError {
	return &OperationError{
		Class:   class,
		Code:    classCodes[class],
		Message: message,
		Err:     err,
	}
}

// NewValidationError creates a validation failure.
func NewValidationError(message string, err error) *OperationError {
	return newError(ErrorClassValidation, message, err)
}

// NewDuplicateError creates a duplicate-resource failure.
func NewDuplicateError(message string, err error) *OperationError {
	return newError(ErrorClassDuplicate, message, err)
}

// NewNotFoundError creates a not-found failure.
func NewNotFoundError(message string, err error) *OperationError {
	return newError(ErrorClassNotFound, message, err)
}

// NewDependencyError creates a dependency failure.
func NewDependencyError(message string, err error) *OperationError {
	return newError(ErrorClassDependency, message, err)
}

// NewRuntimeError creates a runtime failure.
func NewRuntimeError(message string, err error) *OperationError {
	return newError(ErrorClassRuntime, message, err)
}

// NewInternalError creates an internal failure.
func NewInternalError(message string, err error) *OperationError {
	return newError(ErrorClassInternal, message, err)
}

// NewUnknownOperationError reports that op has no handler at its address.
func NewUnknownOperationError(op model.Operation) *OperationError {
	return newError(ErrorClassUnknownOperation,
		fmt.Sprintf("unknown operation %q at address %s", op.Name(), op.Address()), nil)
}

// NewDeniedError creates an authorization failure.
func NewDeniedError(message string, err error) *OperationError {
	return newError(ErrorClassDenied, message, err)
}

// NewCancelledError creates a cancellation failure.
func NewCancelledError(message string, err error) *OperationError {
	return newError(ErrorClassCancelled, message, err)
}

// Classify converts any error into an OperationError. Errors that are already
// classified are returned unchanged.
func Classify(err error) *OperationError {
	if err == nil {
		return nil
	}

	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr
	}

	var verr *validation.Error
	var aerr *model.AttributeError
	var cycle *services.CycleError
	var start *services.StartError

	switch {
	case errors.As(err, &verr), errors.As(err, &aerr):
		return NewValidationError(err.Error(), err)
	case errors.Is(err, model.ErrHasChildren), errors.Is(err, model.ErrInvalidAddress):
		return NewValidationError(err.Error(), err)
	case errors.Is(err, model.ErrClosed), errors.Is(err, services.ErrTargetClosed):
		return NewInternalError(err.Error(), err)
	case errors.Is(err, model.ErrDuplicate), errors.Is(err, services.ErrDuplicateService):
		return NewDuplicateError(err.Error(), err)
	case errors.Is(err, model.ErrNotFound):
		return NewNotFoundError(err.Error(), err)
	case errors.As(err, &cycle), errors.Is(err, services.ErrServiceNotFound):
		return NewDependencyError(err.Error(), err)
	case errors.As(err, &start):
		return NewRuntimeError(err.Error(), err)
	case errors.Is(err, context.Canceled):
		return NewCancelledError(err.Error(), err)
	default:
		return NewRuntimeError(err.Error(), err)
	}
}

// PartialError is a failure reported after the model was already changed. The
// change stays in place and Compensating undoes it.
type PartialError struct {
	Err          error
	Compensating model.Operation
}

// WithCompensating marks err as a failure that left the model changed.
func WithCompensating(err error, compensating model.Operation) error {
	return &PartialError{Err: err, Compensating: compensating}
}

func (e *PartialError) Error() string { return e.Err.Error() }

func (e *PartialError) Unwrap() error { return e.Err }

// CompensatingOf returns the compensating operation carried by a PartialError in err.
func CompensatingOf(err error) (*model.Operation, bool) {
	var partial *PartialError
	if !errors.As(err, &partial) {
		return nil, false
	}
	comp := partial.Compensating
	return &comp, true
}

// ClassOf returns the class of err, or "" if err is nil.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	return Classify(err).Class
}

// IsValidation returns true if the error is classified as a validation failure.
func IsValidation(err error) bool { return ClassOf(err) == ErrorClassValidation }

// IsDuplicate returns true if the error is classified as a duplicate resource.
func IsDuplicate(err error) bool { return ClassOf(err) == ErrorClassDuplicate }

// IsNotFound returns true if the error is classified as not-found.
func IsNotFound(err error) bool { return ClassOf(err) == ErrorClassNotFound }

// IsRuntime returns true if the error is classified as a runtime failure.
func IsRuntime(err error) bool { return ClassOf(err) == ErrorClassRuntime }

// IsCancelled returns true if the error is classified as a cancellation.
func IsCancelled(err error) bool { return ClassOf(err) == ErrorClassCancelled }
