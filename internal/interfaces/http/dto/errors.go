package dto

import (
	"errors"
	"net/http"

	"github.com/erp/possync/internal/domain/shared"
)

// Error codes returned in the response envelope
const (
	ErrCodeInternal   = "INTERNAL_ERROR"
	ErrCodeBadRequest = "BAD_REQUEST"
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeNotFound   = "NOT_FOUND"
	// ErrCodeDuplicate means the global id or natural key is already taken
	ErrCodeDuplicate    = "DUPLICATE"
	ErrCodeInvalidState = "INVALID_STATE"
	// ErrCodeInProgress is returned while a request with the same
	// idempotency key is still being processed
	ErrCodeInProgress      = "REQUEST_IN_PROGRESS"
	ErrCodeRequestTooLarge = "REQUEST_TOO_LARGE"
	ErrCodeUnknownEntity   = "UNKNOWN_ENTITY"
	ErrCodeForbidden       = "FORBIDDEN"
)

// ErrorCodeHTTPStatus maps error codes to HTTP status codes
var ErrorCodeHTTPStatus = map[string]int{
	ErrCodeInternal:        http.StatusInternalServerError,
	ErrCodeBadRequest:      http.StatusBadRequest,
	ErrCodeValidation:      http.StatusUnprocessableEntity,
	ErrCodeNotFound:        http.StatusNotFound,
	ErrCodeDuplicate:       http.StatusConflict,
	ErrCodeInvalidState:    http.StatusUnprocessableEntity,
	ErrCodeInProgress:      http.StatusTooManyRequests,
	ErrCodeRequestTooLarge: http.StatusRequestEntityTooLarge,
	ErrCodeUnknownEntity:   http.StatusNotFound,
	ErrCodeForbidden:       http.StatusForbidden,
}

// GetHTTPStatus returns the HTTP status code for an error code
// Returns 500 Internal Server Error if the error code is not found
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// domainErrorCodes maps domain error codes to API error codes
var domainErrorCodes = map[string]string{
	shared.ErrNotFound.Code:      ErrCodeNotFound,
	shared.ErrAlreadyExists.Code: ErrCodeDuplicate,
	shared.ErrInvalidInput.Code:  ErrCodeValidation,
	shared.ErrInvalidState.Code:  ErrCodeInvalidState,
	shared.ErrUnknownEntity.Code: ErrCodeUnknownEntity,
}

// FromError converts an error into an API error code and message. Errors
// that are not domain errors become internal errors with a generic message.
func FromError(err error) (code, message string) {
	var domainErr *shared.DomainError
	if errors.As(err, &domainErr) {
		if c, ok := domainErrorCodes[domainErr.Code]; ok {
			return c, err.Error()
		}
		return domainErr.Code, err.Error()
	}
	return ErrCodeInternal, "An unexpected error occurred"
}
