package database

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEncryptionSecret = "this-is-a-very-long-test-secret-key-for-encryption-testing"

func enabledCipher(t *testing.T) *fieldCipher {
	t.Helper()
	t.Setenv("SMSRELAY_ENABLE_ENCRYPTION", "true")
	t.Setenv("SMSRELAY_ENCRYPTION_SECRET", testEncryptionSecret)

	c, err := newFieldCipher()
	require.NoError(t, err)
	require.True(t, c.enabled())
	return c
}

func TestFieldCipher_SealOpen(t *testing.T) {
	c := enabledCipher(t)

	for _, plaintext := range []string{
		"hunter2",
		`{"endpoint":"http://10.0.2.2:3000/sms/incoming","secret":"abc"}`,
		"Grüße 🌍",
	} {
		sealed, err := c.Seal(fieldTaskPayload, plaintext)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(sealed, sealedPrefix))
		assert.NotContains(t, sealed, plaintext)

		opened, err := c.Open(fieldTaskPayload, sealed)
		require.NoError(t, err)
		assert.Equal(t, plaintext, opened)
	}

	empty, err := c.Seal(fieldLegacySecret, "")
	require.NoError(t, err)
	assert.Equal(t, "", empty)
}

func TestFieldCipher_NonDeterministic(t *testing.T) {
	c := enabledCipher(t)

	a, err := c.Seal(fieldBearerToken, "same")
	require.NoError(t, err)
	b, err := c.Seal(fieldBearerToken, "same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestFieldCipher_BoundToField(t *testing.T) {
	c := enabledCipher(t)

	sealed, err := c.Seal(fieldBearerToken, "tok")
	require.NoError(t, err)

	_, err = c.Open(fieldLegacySecret, sealed)
	assert.ErrorContains(t, err, "failed to decrypt")
}

func TestFieldCipher_Disabled(t *testing.T) {
	t.Setenv("SMSRELAY_ENABLE_ENCRYPTION", "false")

	c, err := newFieldCipher()
	require.NoError(t, err)
	assert.False(t, c.enabled())

	out, err := c.Seal(fieldLegacySecret, "plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", out)

	out, err = c.Open(fieldLegacySecret, "plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", out)
}

func TestFieldCipher_PlaintextFromBeforeEncryption(t *testing.T) {
	c := enabledCipher(t)

	out, err := c.Open(fieldTaskPayload, `{"from":"+15550100"}`)
	require.NoError(t, err)
	assert.Equal(t, `{"from":"+15550100"}`, out)
}

func TestFieldCipher_SealedValueWithEncryptionOff(t *testing.T) {
	sealed, err := enabledCipher(t).Seal(fieldLegacySecret, "s3cret")
	require.NoError(t, err)

	_, err = (&fieldCipher{}).Open(fieldLegacySecret, sealed)
	assert.ErrorIs(t, err, errEncryptionDisabled)
}

func TestFieldCipher_SecretValidation(t *testing.T) {
	t.Setenv("SMSRELAY_ENABLE_ENCRYPTION", "true")

	t.Setenv("SMSRELAY_ENCRYPTION_SECRET", "")
	_, err := newFieldCipher()
	assert.ErrorContains(t, err, "SMSRELAY_ENCRYPTION_SECRET")

	t.Setenv("SMSRELAY_ENCRYPTION_SECRET", "too-short")
	_, err = newFieldCipher()
	assert.ErrorContains(t, err, "at least 32 characters")
}

func TestFieldCipher_OpenInvalid(t *testing.T) {
	c := enabledCipher(t)

	_, err := c.Open(fieldTaskPayload, sealedPrefix+"not base64!!")
	assert.ErrorContains(t, err, "base64")

	_, err = c.Open(fieldTaskPayload, sealedPrefix+"AAAA")
	assert.ErrorContains(t, err, "too short")

	sealed, err := c.Seal(fieldTaskPayload, "payload")
	require.NoError(t, err)
	raw := []byte(sealed)
	// flip a character well inside the base64 body
	if raw[len(raw)-5] == 'A' {
		raw[len(raw)-5] = 'B'
	} else {
		raw[len(raw)-5] = 'A'
	}
	_, err = c.Open(fieldTaskPayload, string(raw))
	assert.Error(t, err)
}
