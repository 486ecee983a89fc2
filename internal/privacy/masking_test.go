package privacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskPhoneNumber(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"+1234567890", "+******7890"},
		{"1234567890", "******7890"},
		{"+1234", "+****"},
		{"+123", "+***"},
		{"123", "***"},
		{"+", "+"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, MaskPhoneNumber(tt.input))
		})
	}
}

func TestMaskSender(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"+15551234567", "+*******4567"},
		{"5551234567", "******4567"},
		{"TEST", "TEST"},
		{"MyBank", "MyBank"},
		{"unknown", "unknown"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, MaskSender(tt.input))
		})
	}
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "", MaskSecret(""))
	assert.Equal(t, "****", MaskSecret("abcd"))
	assert.Equal(t, "hu***", MaskSecret("hunte"))
	assert.Equal(t, "to*******", MaskSecret("token-xyz"))
}

func TestMaskFingerprint(t *testing.T) {
	fp := "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
	assert.Equal(t, "9f86d081884c…", MaskFingerprint(fp))
	assert.Equal(t, "manual-test", MaskFingerprint("manual-test"))
}

func TestMaskURL(t *testing.T) {
	assert.Equal(t, "https://relay.example.com/sms/incoming", MaskURL("https://user:pw@relay.example.com/sms/incoming?token=abc"))
	assert.Equal(t, "http://10.0.2.2:3000/sms/incoming", MaskURL("http://10.0.2.2:3000/sms/incoming"))
	assert.Equal(t, "not a url", MaskURL("not a url"))
}

func TestMaskString(t *testing.T) {
	assert.Equal(t, "", maskString("", 4))
	assert.Equal(t, "***", maskString("abc", 4))
	assert.Equal(t, "**cdef", maskString("abcdef", 4))
	assert.Equal(t, "*äöü", maskString("aäöü", 3))
}

func TestIsNumeric(t *testing.T) {
	assert.True(t, isNumeric("0123"))
	assert.False(t, isNumeric(""))
	assert.False(t, isNumeric("12a"))
	assert.False(t, isNumeric("+12"))
}

func TestMaskSensitiveFields(t *testing.T) {
	assert.Nil(t, MaskSensitiveFields(nil))

	fields := map[string]interface{}{
		"from":         "+15551234567",
		"secret":       "hunter2hunter2",
		"bearer_token": "tok-123456",
		"fingerprint":  "9f86d081884c7d659a2feaa0c55ad015",
		"endpoint":     "https://u:p@relay.example.com/sms/incoming",
		"attempts":     3,
		"state":        "PENDING",
		"legacySecret": "abcdefgh",
		"body":         "your code is 1234",
	}

	masked := MaskSensitiveFields(fields)
	assert.Equal(t, "+*******4567", masked["from"])
	assert.Equal(t, "hu************", masked["secret"])
	assert.Equal(t, "to********", masked["bearer_token"])
	assert.Equal(t, "9f86d081884c…", masked["fingerprint"])
	assert.Equal(t, "https://relay.example.com/sms/incoming", masked["endpoint"])
	assert.Equal(t, 3, masked["attempts"])
	assert.Equal(t, "PENDING", masked["state"])
	assert.Equal(t, "ab******", masked["legacySecret"])
	assert.Equal(t, "[hidden]", masked["body"])
	assert.Equal(t, "+15551234567", fields["from"], "input must not be mutated")
}
