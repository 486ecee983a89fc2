package service

import (
	"context"

	"smsrelay/internal/privacy"

	"github.com/sirupsen/logrus"
)

// ContextKey is a package-local type to prevent context key collisions
// See staticcheck SA1029 guidance
type ContextKey string

// VerboseContextKey is the strongly-typed context key for verbose logging flag
const VerboseContextKey ContextKey = "verbose"

// WithVerbose marks ctx so message bodies and raw senders are logged
func WithVerbose(ctx context.Context, verbose bool) context.Context {
	return context.WithValue(ctx, VerboseContextKey, verbose)
}

// IsVerboseLogging checks if verbose logging is enabled from context
func IsVerboseLogging(ctx context.Context) bool {
	if verbose, ok := ctx.Value(VerboseContextKey).(bool); ok {
		return verbose
	}
	return false
}

// SanitizeContent completely hides message content for privacy
func SanitizeContent(content string) string {
	if content == "" {
		return ""
	}
	return "[hidden]"
}

// LogWithContext creates a logger entry with optional sensitive information
func LogWithContext(ctx context.Context, logger *logrus.Logger) *logrus.Entry {
	return logger.WithField("verbose", IsVerboseLogging(ctx))
}

// messageFields returns the log fields describing an inbound message
func messageFields(ctx context.Context, sender, body string, segments int) logrus.Fields {
	fields := logrus.Fields{
		LogFieldBodyLength: len(body),
		LogFieldSegments:   segments,
	}
	if IsVerboseLogging(ctx) {
		fields[LogFieldSender] = sender
		fields[LogFieldBody] = body
	} else {
		fields[LogFieldSender] = privacy.MaskSender(sender)
		fields[LogFieldBody] = SanitizeContent(body)
	}
	return fields
}

// LogIncomingSMS logs an inbound message with appropriate privacy controls
func LogIncomingSMS(ctx context.Context, logger *logrus.Logger, sender, body string, segments int) {
	logger.WithFields(messageFields(ctx, sender, body, segments)).Info("Received SMS")
}
