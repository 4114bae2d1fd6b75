package apperror

import (
	"fmt"
	"net/http"
)

// AppError is a structured error that maps to HTTP responses.
type AppError struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// ---- Ledger Business Logic (LED) ----

func ErrInvalidAmount() *AppError {
	return New("LED_001", "Amount must be a positive integer", http.StatusBadRequest)
}

func ErrInsufficientFunds() *AppError {
	return New("LED_002", "Insufficient Nova balance", http.StatusUnprocessableEntity)
}

func ErrAccountInactive() *AppError {
	return New("LED_003", "Account is deactivated", http.StatusUnprocessableEntity)
}

func ErrNotFound(entity string) *AppError {
	return New("LED_004", fmt.Sprintf("%s not found", entity), http.StatusNotFound)
}

func ErrSelfTransfer() *AppError {
	return New("LED_005", "Source and destination accounts must differ", http.StatusBadRequest)
}

// ---- Idempotency (IDEM) ----

func ErrMissingIdempotencyKey() *AppError {
	return New("IDEM_001", "Idempotency key is required", http.StatusBadRequest)
}

func ErrIdempotencyConflict() *AppError {
	return New("IDEM_002", "Idempotency key reused with a different payload", http.StatusConflict)
}

// ---- Payout (PAYOUT) ----

func ErrAmountOutOfBounds(min, max int64) *AppError {
	return New("PAYOUT_001",
		fmt.Sprintf("Payout amount must be between %d and %d", min, max),
		http.StatusUnprocessableEntity)
}

func ErrDailyCapExceeded() *AppError {
	return New("PAYOUT_002", "Daily payout cap exceeded", http.StatusUnprocessableEntity)
}

func ErrPayoutNotRetryable() *AppError {
	return New("PAYOUT_003", "Payout failed without provider confirmation; retry is not permitted", http.StatusConflict)
}

// ---- Authentication (AUTH) ----

func ErrInvalidToken() *AppError {
	return New("AUTH_001", "Invalid or expired token", http.StatusUnauthorized)
}

// ---- System & Infrastructure (SYS) ----

func ErrDatabaseError(err error) *AppError {
	return Wrap("SYS_001", "Internal storage error", http.StatusInternalServerError, err)
}

func ErrProviderUnavailable(err error) *AppError {
	return Wrap("SYS_002", "Payment provider unavailable", http.StatusBadGateway, err)
}

// InternalError wraps an internal error as a SYS_001 error.
func InternalError(err error) *AppError {
	return Wrap("SYS_001", "Internal server error", http.StatusInternalServerError, err)
}

// Validation returns a LED_001-style validation error with a custom message.
func Validation(message string) *AppError {
	return New("LED_001", message, http.StatusBadRequest)
}
