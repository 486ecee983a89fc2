package service

// Logging Standards for smsrelay
//
// This file defines standard field names, log levels, and patterns
// to ensure consistent logging across the relay.

// Standard Field Names
// Use these exact field names for consistency across all logging calls
const (
	// Core identifiers
	LogFieldTaskID    = "task_id"
	LogFieldKey       = "key"
	LogFieldTag       = "tag"
	LogFieldRequestID = "request_id"
	LogFieldTraceID   = "trace_id"

	// Service and operation fields
	LogFieldService   = "service"
	LogFieldOperation = "operation"
	LogFieldComponent = "component"
	LogFieldMethod    = "method"

	// Message fields
	LogFieldSender     = "sender"
	LogFieldBody       = "body"
	LogFieldBodyLength = "body_length"
	LogFieldSegments   = "segments"
	LogFieldReceivedAt = "received_at"
	LogFieldPolicy     = "policy"

	// Queue fields
	LogFieldState    = "state"
	LogFieldAttempt  = "attempt"
	LogFieldCreated  = "created"
	LogFieldReplaced = "replaced"

	// Performance and metrics
	LogFieldDuration = "duration_ms"
	LogFieldCount    = "count"
	LogFieldSize     = "size_bytes"

	// Network and external services
	LogFieldURL        = "url"
	LogFieldEndpoint   = "endpoint"
	LogFieldStatusCode = "status_code"
	LogFieldRemoteIP   = "remote_ip"
	LogFieldUserAgent  = "user_agent"

	// Error and debugging
	LogFieldErrorCode = "error_code"
	LogFieldErrorType = "error_type"
)

// Log Level Usage Guidelines
//
// DEBUG: Detailed information for diagnosing problems. Only use in development or verbose mode.
//   - Connectivity probe results
//   - Cancelled attempts
//   - Raw request/response data (sanitized)
//
// INFO: General information about application flow and key events.
//   - Application startup/shutdown
//   - Message enqueued or forwarded
//   - Credentials updated
//   - Services started/stopped
//
// WARN: Something unexpected happened, but the relay can continue.
//   - Retryable forward failures
//   - Network unavailable, deliveries deferred
//   - Message dropped because no credentials are configured
//   - Status write failures
//
// ERROR: Error events that might still allow the relay to continue.
//   - Fatal forward outcomes (401, other 4xx)
//   - Enqueue failures
//   - Cleanup failures
//
// FATAL: Very severe error events that will presumably lead the relay to abort.
//   - Configuration required for startup is missing
//   - Database cannot be opened or migrated

// Standard Log Message Patterns
//
// Starting operations: "Starting [operation]"
// Completed operations: "Completed [operation]" or "[Operation] completed successfully"
// Failed operations: "Failed to [operation]"
// Skipping operations: "Skipping [operation]: [reason]"
// Configuration: "Loaded [config type] configuration" / "Using default [setting]"

// Example Usage:
//
// logger.WithFields(logrus.Fields{
//     LogFieldKey:     privacy.MaskFingerprint(key),
//     LogFieldSender:  privacy.MaskSender(sender),
//     LogFieldCreated: result.Created,
// }).Info("Enqueued SMS forward")
