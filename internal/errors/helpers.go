package errors

import (
	"fmt"
	"net/http"
)

// NewConfigurationError is raised when no credentials are configured for forwarding.
func NewConfigurationError(reason string) *AppError {
	return New(ErrCodeConfiguration, reason).
		WithUserMessage("Forwarding is not configured")
}

// NewDeliveryError builds the AppError describing one failed forward attempt.
// statusCode is 0 for transport failures.
func NewDeliveryError(endpoint string, statusCode int, cause error) *AppError {
	var appErr *AppError
	switch {
	case statusCode == 0:
		appErr = WrapRetryable(cause, ErrCodeTransientServer, "transport failure")
	case statusCode == http.StatusUnauthorized:
		appErr = Wrap(cause, ErrCodeAuthentication, "server rejected credentials")
	case statusCode >= 400 && statusCode <= 499:
		appErr = Wrap(cause, ErrCodeClientError, fmt.Sprintf("server rejected request with %d", statusCode))
	default:
		appErr = WrapRetryable(cause, ErrCodeTransientServer, fmt.Sprintf("server returned %d", statusCode))
	}
	return appErr.
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode)
}

// NewUnexpectedError wraps a failure raised during dispatch that the classifier
// did not produce. It stays retryable so the message is not dropped.
func NewUnexpectedError(operation string, err error) *AppError {
	return WrapRetryable(err, ErrCodeUnexpected, fmt.Sprintf("%s failed unexpectedly", operation)).
		WithContext("operation", operation)
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Database operation failed")
}

// NewValidationError creates a validation error with field context
func NewValidationError(field, message string) *AppError {
	return New(ErrCodeInvalidInput, message).
		WithContext("field", field).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// HTTPStatusCode maps error codes to appropriate HTTP status codes
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeConfiguration:
		return http.StatusConflict
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrCodeAuthentication, ErrCodeClientError, ErrCodeTransientServer:
		return http.StatusBadGateway
	case ErrCodeDatabaseConnection, ErrCodeDatabaseQuery, ErrCodeDatabaseMigration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the JSON body returned by the control API on failure
type HTTPErrorResponse struct {
	Error struct {
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Context interface{} `json:"context,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

var sensitiveContextKeys = map[string]bool{
	"password": true,
	"token":    true,
	"secret":   true,
	"body":     true,
}

// ToHTTPResponse converts an error to a standardized HTTP response
func ToHTTPResponse(err error, requestID string) HTTPErrorResponse {
	response := HTTPErrorResponse{
		RequestID: requestID,
	}

	appErr, ok := asAppError(err)
	if !ok {
		response.Error.Code = ErrCodeInternalError
		response.Error.Message = GetUserMessage(err)
		return response
	}

	response.Error.Code = appErr.Code
	response.Error.Message = GetUserMessage(err)
	if appErr.UserMessage == "" && appErr.Code == ErrCodeInvalidInput {
		response.Error.Message = appErr.Message
	}

	publicContext := make(map[string]interface{})
	for k, v := range appErr.Context {
		if !sensitiveContextKeys[k] {
			publicContext[k] = v
		}
	}
	if len(publicContext) > 0 {
		response.Error.Context = publicContext
	}
	return response
}
