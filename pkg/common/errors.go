package common

import (
	"errors"
	"net/http"
)

// Common error types
var (
	ErrNotFound       = errors.New("resource not found")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")
	ErrConflict       = errors.New("resource conflict")
	ErrValidation     = errors.New("validation error")
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("expired token")
)

// Dispatch input errors: caller mistakes, surface as 4xx.
var (
	ErrNoOrders             = errors.New("no orders to match")
	ErrNoDrivers            = errors.New("no drivers to match")
	ErrInvalidCoordinates   = errors.New("invalid coordinates")
	ErrCoordinateOutOfRange = errors.New("coordinate out of range")
)

// State violations: surface to the caller, never retried.
var (
	ErrInvalidState            = errors.New("invalid state")
	ErrAlreadyAssigned         = errors.New("order already has a live assignment")
	ErrOfferExpired            = errors.New("offer expired")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
)

// Constraint failures: recoverable in draft construction, terminal in the
// offer lifecycle.
var (
	ErrNoFeasibleDraft    = errors.New("no feasible draft candidate")
	ErrCapacityExceeded   = errors.New("concurrent-load capacity exceeded")
	ErrPrecedenceViolated = errors.New("pickup/delivery precedence violated")
)

// External-provider failures: transient, retried once by the distance oracle.
var (
	ErrProviderTimeout  = errors.New("routing provider timeout")
	ErrProviderRejected = errors.New("routing provider rejected request")
)

// AppError represents an application error with HTTP status code and a
// stable machine-readable error code.
type AppError struct {
	Code      int    `json:"code"`
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message"`
	Err       error  `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap exposes the wrapped sentinel for errors.Is checks.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new AppError
func NewAppError(code int, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common error constructors
func NewNotFoundError(message string, err error) *AppError {
	return &AppError{
		Code:      http.StatusNotFound,
		ErrorCode: "NOT_FOUND",
		Message:   message,
		Err:       err,
	}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Code:      http.StatusUnauthorized,
		ErrorCode: "UNAUTHORIZED",
		Message:   message,
		Err:       ErrUnauthorized,
	}
}

func NewBadRequestError(message string, err error) *AppError {
	return &AppError{
		Code:      http.StatusBadRequest,
		ErrorCode: "BAD_REQUEST",
		Message:   message,
		Err:       err,
	}
}

func NewInternalError(message string, err error) *AppError {
	return &AppError{
		Code:      http.StatusInternalServerError,
		ErrorCode: "INTERNAL",
		Message:   message,
		Err:       err,
	}
}

func NewConflictError(message string) *AppError {
	return &AppError{
		Code:      http.StatusConflict,
		ErrorCode: "CONFLICT",
		Message:   message,
		Err:       ErrConflict,
	}
}

func NewValidationError(message string) *AppError {
	return &AppError{
		Code:      http.StatusBadRequest,
		ErrorCode: "VALIDATION_FAILED",
		Message:   message,
		Err:       ErrValidation,
	}
}

// NewInvalidStateError marks a state-machine violation (accept on a
// non-offered assignment, cancel on a terminal order, and so on).
func NewInvalidStateError(message string) *AppError {
	return &AppError{
		Code:      http.StatusConflict,
		ErrorCode: "INVALID_STATE",
		Message:   message,
		Err:       ErrInvalidState,
	}
}

// NewInvalidTransitionError marks a driver status move the graph does not
// permit.
func NewInvalidTransitionError(message string) *AppError {
	return &AppError{
		Code:      http.StatusConflict,
		ErrorCode: "INVALID_STATUS_TRANSITION",
		Message:   message,
		Err:       ErrInvalidStatusTransition,
	}
}

// NewExpiredError marks an accept attempt on an offer past its expiry.
func NewExpiredError(message string) *AppError {
	return &AppError{
		Code:      http.StatusConflict,
		ErrorCode: "OFFER_EXPIRED",
		Message:   message,
		Err:       ErrOfferExpired,
	}
}

// NewProviderError wraps a transient routing-provider failure.
func NewProviderError(message string, err error) *AppError {
	code := http.StatusBadGateway
	errorCode := "PROVIDER_REJECTED"
	if errors.Is(err, ErrProviderTimeout) {
		code = http.StatusGatewayTimeout
		errorCode = "PROVIDER_TIMEOUT"
	}
	return &AppError{
		Code:      code,
		ErrorCode: errorCode,
		Message:   message,
		Err:       err,
	}
}

// IsTransient reports whether an error is a provider failure the caller may
// skip or retry rather than abort on.
func IsTransient(err error) bool {
	return errors.Is(err, ErrProviderTimeout) || errors.Is(err, ErrProviderRejected)
}
