package errors

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
)

// Common error types that can be used across the application
var (
	ErrNotFound            = new(ErrCodeNotFound, "resource not found")
	ErrAlreadyExists       = new(ErrCodeAlreadyExists, "resource already exists")
	ErrAlreadyScheduled    = new(ErrCodeAlreadyScheduled, "product already scheduled")
	ErrValidation          = new(ErrCodeValidation, "validation error")
	ErrInvalidOperation    = new(ErrCodeInvalidOperation, "invalid operation")
	ErrInsufficientBalance = new(ErrCodeInsufficientBalance, "insufficient balance")
	ErrPaymentRequired     = new(ErrCodePaymentRequired, "payment required")
	ErrBusy                = new(ErrCodeBusy, "operation already in progress")
	ErrProcessor           = new(ErrCodeProcessor, "external processor error")
	ErrDatabase            = new(ErrCodeDatabase, "database error")
	ErrSystem              = new(ErrCodeSystemError, "system error")

	// maps errors to http status codes
	statusCodeMap = map[error]int{
		ErrNotFound:            http.StatusNotFound,
		ErrAlreadyExists:       http.StatusConflict,
		ErrAlreadyScheduled:    http.StatusConflict,
		ErrValidation:          http.StatusBadRequest,
		ErrInvalidOperation:    http.StatusBadRequest,
		ErrInsufficientBalance: http.StatusPaymentRequired,
		ErrPaymentRequired:     http.StatusPaymentRequired,
		ErrBusy:                http.StatusOK,
		ErrProcessor:           http.StatusBadGateway,
		ErrDatabase:            http.StatusInternalServerError,
		ErrSystem:              http.StatusInternalServerError,
	}
)

const (
	ErrCodeNotFound            = "not_found"
	ErrCodeAlreadyExists       = "already_exists"
	ErrCodeAlreadyScheduled    = "already_scheduled"
	ErrCodeValidation          = "validation_error"
	ErrCodeInvalidOperation    = "invalid_operation"
	ErrCodeInsufficientBalance = "insufficient_balance"
	ErrCodePaymentRequired     = "payment_required"
	ErrCodeBusy                = "busy"
	ErrCodeProcessor           = "processor_error"
	ErrCodeDatabase            = "database_error"
	ErrCodeSystemError         = "system_error"
)

// InternalError represents a domain error
type InternalError struct {
	Code    string // Machine-readable error code
	Message string // Human-readable error message
	Op      string // Logical operation name
	Err     error  // Underlying error
}

func (e *InternalError) Error() string {
	if e.Err == nil {
		return e.DisplayError()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Err.Error())
}

func (e *InternalError) DisplayError() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// Is implements error matching for wrapped errors
func (e *InternalError) Is(target error) bool {
	if target == nil {
		return false
	}

	t, ok := target.(*InternalError)
	if !ok {
		return errors.Is(e.Err, target)
	}

	return e.Code == t.Code
}

// new creates a new InternalError
func new(code string, message string) *InternalError {
	return &InternalError{
		Code:    code,
		Message: message,
	}
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if an error is an already exists error
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsAlreadyScheduled checks if an error is an already scheduled conflict
func IsAlreadyScheduled(err error) bool {
	return errors.Is(err, ErrAlreadyScheduled)
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsInvalidOperation checks if an error is an invalid operation error
func IsInvalidOperation(err error) bool {
	return errors.Is(err, ErrInvalidOperation)
}

// IsInsufficientBalance checks if an error is a ledger deduction rejection
func IsInsufficientBalance(err error) bool {
	return errors.Is(err, ErrInsufficientBalance)
}

// IsPaymentRequired checks if an error carries a required payment action
func IsPaymentRequired(err error) bool {
	return errors.Is(err, ErrPaymentRequired)
}

// IsBusy checks if an error means the operation is already being handled by
// a concurrent holder of the guard. Callers treat this as benign.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}

// IsProcessor checks if an error came from the external processor
func IsProcessor(err error) bool {
	return errors.Is(err, ErrProcessor)
}

func HTTPStatusFromErr(err error) int {
	for e, status := range statusCodeMap {
		if errors.Is(err, e) {
			return status
		}
	}
	return http.StatusInternalServerError
}
