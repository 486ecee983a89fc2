package validation

import (
	"fmt"

	"smsrelay/internal/constants"
	"smsrelay/internal/errors"
	"smsrelay/internal/models"
)

// ValidateMessageEvent checks a host delivery event before it reaches the
// ingest listener. An empty sender is allowed and forwarded as unknown.
func ValidateMessageEvent(event models.MessageEvent) error {
	if len(event.Segments) == 0 {
		return invalid("segments", "at least one segment is required")
	}
	if len(event.Segments) > constants.MaxSegmentsPerEvent {
		return invalid("segments", fmt.Sprintf("too many segments (max %d)", constants.MaxSegmentsPerEvent))
	}

	for i, seg := range event.Segments {
		if err := checkSender(seg.From); err != nil {
			return err.WithContext("segment", i)
		}
	}

	if event.ReceivedAt != nil && event.ReceivedAt.IsZero() {
		return invalid("receivedAt", "receivedAt cannot be the zero time")
	}
	return nil
}

// ValidateSender validates the originating address of a segment
func ValidateSender(sender string) error {
	if err := checkSender(sender); err != nil {
		return err
	}
	return nil
}

func checkSender(sender string) *errors.AppError {
	if len(sender) > constants.MaxSenderLength {
		return invalid("sender", fmt.Sprintf("sender too long (max %d characters)", constants.MaxSenderLength))
	}
	if hasControlChars(sender) {
		return invalid("sender", "sender contains invalid characters")
	}
	return nil
}

// ValidateCredentialsUpdate rejects values that cannot be sent as HTTP
// header values or used as a server URL.
func ValidateCredentialsUpdate(update models.CredentialsUpdate) error {
	if update.ServerBaseURL != nil {
		if err := ValidateStringLength(*update.ServerBaseURL, "serverBaseUrl", 0, constants.MaxServerURLLength); err != nil {
			return err
		}
		if hasControlChars(*update.ServerBaseURL) {
			return invalid("serverBaseUrl", "serverBaseUrl contains invalid characters")
		}
	}
	if update.BearerToken != nil {
		if err := ValidateHeaderValue(*update.BearerToken, "bearerToken"); err != nil {
			return err
		}
	}
	if update.LegacySecret != nil {
		if err := ValidateHeaderValue(*update.LegacySecret, "legacySecret"); err != nil {
			return err
		}
	}
	return nil
}

// ValidateHeaderValue validates a credential that is sent in a request
// header or used as an HMAC key.
func ValidateHeaderValue(value, fieldName string) error {
	if err := ValidateStringLength(value, fieldName, 0, constants.MaxCredentialLength); err != nil {
		return err
	}
	if hasControlChars(value) {
		return invalid(fieldName, fmt.Sprintf("%s contains invalid characters", fieldName))
	}
	return nil
}

// ValidateStringLength validates string length against bounds
func ValidateStringLength(value, fieldName string, minLength, maxLength int) error {
	if len(value) < minLength {
		return invalid(fieldName, fmt.Sprintf("%s too short (min %d characters)", fieldName, minLength))
	}

	if len(value) > maxLength {
		return invalid(fieldName, fmt.Sprintf("%s too long (max %d characters)", fieldName, maxLength))
	}

	return nil
}

// ValidateNumericRange validates numeric values against bounds
func ValidateNumericRange(value int, fieldName string, min, max int) error {
	if value < min {
		return invalid(fieldName, fmt.Sprintf("%s too small (min %d)", fieldName, min))
	}

	if value > max {
		return invalid(fieldName, fmt.Sprintf("%s too large (max %d)", fieldName, max))
	}

	return nil
}

func invalid(field, message string) *errors.AppError {
	return errors.New(errors.ErrCodeInvalidInput, message).WithContext("field", field)
}

func hasControlChars(s string) bool {
	for _, char := range s {
		if char < 0x20 || char == 0x7f {
			return true
		}
	}
	return false
}
