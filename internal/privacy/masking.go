package privacy

import (
	"net/url"
	"strings"

	"smsrelay/internal/constants"
)

// MaskPhoneNumber masks a phone number showing only the last 4 digits
// Example: "+1234567890" -> "+******7890"
func MaskPhoneNumber(phone string) string {
	if phone == "" {
		return ""
	}

	if strings.HasPrefix(phone, "+") {
		if len(phone) == 1 {
			return phone
		}
		return "+" + maskString(phone[1:], constants.DefaultPhoneMaskLength)
	}

	return maskString(phone, constants.DefaultPhoneMaskLength)
}

// MaskSender masks an SMS originator. Numeric senders are treated as phone
// numbers; alphanumeric sender IDs ("BANK", "TEST") are not personal data and
// are returned unchanged.
func MaskSender(sender string) string {
	if sender == "" || sender == constants.UnknownSender {
		return sender
	}
	digits := strings.TrimPrefix(sender, "+")
	if isNumeric(digits) {
		return MaskPhoneNumber(sender)
	}
	return sender
}

// MaskSecret hides a credential, keeping only its first characters.
// Example: "hunter2hunter2" -> "hu************"
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	runes := []rune(secret)
	shown := constants.DefaultSecretMaskShown
	if len(runes) <= shown*2 {
		return strings.Repeat("*", len(runes))
	}
	return string(runes[:shown]) + strings.Repeat("*", len(runes)-shown)
}

// MaskFingerprint shortens a hex fingerprint to a log-friendly prefix.
func MaskFingerprint(fingerprint string) string {
	if len(fingerprint) <= 12 {
		return fingerprint
	}
	return fingerprint[:12] + "…"
}

// MaskURL drops user info and query string from an endpoint URL.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	runes := []rune(s)
	if len(runes) <= keepLast {
		return strings.Repeat("*", len(runes))
	}

	return strings.Repeat("*", len(runes)-keepLast) + string(runes[len(runes)-keepLast:])
}

// isNumeric checks if a string contains only digits
func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			masked[k] = v
			continue
		}
		switch k {
		case "phone", "phone_number", "from", "sender":
			masked[k] = MaskSender(s)
		case "secret", "legacy_secret", "legacySecret", "token", "bearer_token", "bearerToken", "authorization":
			masked[k] = MaskSecret(s)
		case "fingerprint", "key":
			masked[k] = MaskFingerprint(s)
		case "endpoint", "url", "serverBaseUrl":
			masked[k] = MaskURL(s)
		case "body", "content":
			if s != "" {
				masked[k] = "[hidden]"
			} else {
				masked[k] = s
			}
		default:
			masked[k] = v
		}
	}

	return masked
}
