package models

import (
	"fmt"
	"net/http"
)

// ErrorCode is the fixed vocabulary of protocol failures.
type ErrorCode string

const (
	CodeInvalidMessage     ErrorCode = "INVALID_MESSAGE"
	CodeInvalidSignature   ErrorCode = "INVALID_SIGNATURE"
	CodeIntentNotSupported ErrorCode = "INTENT_NOT_SUPPORTED"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
	CodeAgentUnavailable   ErrorCode = "AGENT_UNAVAILABLE"
	CodeConversationClosed ErrorCode = "CONVERSATION_CLOSED"
	CodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	CodeOwnerRejected      ErrorCode = "OWNER_REJECTED"
)

// ErrorCodes lists every valid code.
var ErrorCodes = []ErrorCode{
	CodeInvalidMessage,
	CodeInvalidSignature,
	CodeIntentNotSupported,
	CodeRateLimited,
	CodeAgentUnavailable,
	CodeConversationClosed,
	CodeUnauthorized,
	CodeOwnerRejected,
}

// Valid reports whether c belongs to the vocabulary.
func (c ErrorCode) Valid() bool {
	for _, known := range ErrorCodes {
		if c == known {
			return true
		}
	}
	return false
}

// Retryable is the default retry hint for the code.
func (c ErrorCode) Retryable() bool {
	return c == CodeRateLimited || c == CodeAgentUnavailable
}

// HTTPStatus maps the code onto the status transports answer with.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case CodeInvalidMessage:
		return http.StatusBadRequest
	case CodeInvalidSignature:
		return http.StatusUnauthorized
	case CodeUnauthorized, CodeOwnerRejected:
		return http.StatusForbidden
	case CodeConversationClosed:
		return http.StatusConflict
	case CodeIntentNotSupported:
		return http.StatusUnprocessableEntity
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeAgentUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorBody is the inner object of an ErrorResponse.
type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Retry   bool      `json:"retry"`
}

// ErrorResponse is the tagged failure returned instead of a Message.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewError builds an ErrorResponse with the code's default retry hint.
func NewError(code ErrorCode, message string) *ErrorResponse {
	return &ErrorResponse{Error: ErrorBody{Code: code, Message: message, Retry: code.Retryable()}}
}

// Errorf is NewError with formatting.
func Errorf(code ErrorCode, format string, args ...any) *ErrorResponse {
	return NewError(code, fmt.Sprintf(format, args...))
}

// AsError lets an ErrorResponse travel through error returns.
func (e *ErrorResponse) AsError() error {
	return &ProtocolError{Response: e}
}

// ProtocolError wraps an ErrorResponse as a Go error.
type ProtocolError struct {
	Response *ErrorResponse
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Response.Error.Code, e.Response.Error.Message)
}
