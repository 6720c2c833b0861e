package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Dead-letter records store these verbatim, so values
// are part of the operator-facing contract and must not be renamed.
const (
	// Validation (400)
	ErrCodeValidationMissingField ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidJSON  ErrorCode = "validation_invalid_json"
	ErrCodeValidationInvalidQuery ErrorCode = "validation_invalid_query"
	ErrCodeValidationBatchSize    ErrorCode = "validation_batch_size_exceeded"

	// Auth (401)
	ErrCodeAuthTokenMissing ErrorCode = "auth_token_missing"
	ErrCodeAuthTokenInvalid ErrorCode = "auth_token_invalid"

	// Not Found (404)
	ErrCodeNotFoundJob        ErrorCode = "not_found_job"
	ErrCodeNotFoundDeadLetter ErrorCode = "not_found_dead_letter"

	// Conflict (409)
	ErrCodeConflictDeadLetterState ErrorCode = "conflict_dead_letter_state"

	// Dead-letter replay
	ErrCodeReplayNotAttempted ErrorCode = "replay_not_attempted"

	// Destination configuration (permanent, never retried)
	ErrCodeDestinationUnknownType   ErrorCode = "destination_unknown_type"
	ErrCodeDestinationInvalidConfig ErrorCode = "destination_invalid_config"
	ErrCodeDestinationTemplate      ErrorCode = "destination_template_error"

	// Egress
	ErrCodeEgressBlocked       ErrorCode = "egress_blocked"
	ErrCodeEgressResolveFailed ErrorCode = "egress_resolve_failed"

	// Delivery attempts
	ErrCodeDeliveryTimeout      ErrorCode = "delivery_timeout"
	ErrCodeDeliveryConnection   ErrorCode = "delivery_connection_error"
	ErrCodeDeliveryRejected     ErrorCode = "delivery_rejected"
	ErrCodeDeliveryServerError  ErrorCode = "delivery_server_error"
	ErrCodeDeliveryRateLimited  ErrorCode = "delivery_rate_limited"
	ErrCodeDeliveryUnauthorized ErrorCode = "delivery_unauthorized"
	ErrCodeDeliverySMTP         ErrorCode = "delivery_smtp_error"
	ErrCodeDeliverySNMP         ErrorCode = "delivery_snmp_error"
	ErrCodeDeliveryCircuitOpen  ErrorCode = "delivery_circuit_open"
	ErrCodeDeliveryPanic        ErrorCode = "delivery_adapter_panic"
	ErrCodeBrokerUnavailable    ErrorCode = "delivery_broker_unavailable"
	ErrCodeMaxAttemptsExceeded  ErrorCode = "delivery_max_attempts_exceeded"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB          ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamQueue       ErrorCode = "upstream_queue_unavailable"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case strings.HasPrefix(s, "destination_"), strings.HasPrefix(s, "egress_"):
		return http.StatusUnprocessableEntity
	case strings.HasPrefix(s, "delivery_"), strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard application error type. Delivery failures carry
// one so the code survives into the dead-letter record.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CodeOf returns the ErrorCode of the first AppError in err's chain, or
// ErrCodeInternalUnexpected when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}
