package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dripflow/config"
)

func setTestEncryptionKey(t *testing.T) {
	t.Helper()
	prev := config.AppConfig.EncryptionKey
	config.AppConfig.EncryptionKey = "0123456789abcdef0123456789abcdef"
	t.Cleanup(func() { config.AppConfig.EncryptionKey = prev })
}

func TestEncryptRoundTrip(t *testing.T) {
	setTestEncryptionKey(t)

	sealed, err := Encrypt("smtp-password-123")
	require.NoError(t, err)
	assert.NotEqual(t, "smtp-password-123", sealed)

	opened, err := Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "smtp-password-123", opened)
}

func TestEncryptUsesFreshIV(t *testing.T) {
	setTestEncryptionKey(t)

	first, err := Encrypt("same secret")
	require.NoError(t, err)
	second, err := Encrypt("same secret")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestEncryptEmptyPassesThrough(t *testing.T) {
	setTestEncryptionKey(t)

	sealed, err := Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, sealed)

	opened, err := Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, opened)
}

func TestDecryptRejectsGarbage(t *testing.T) {
	setTestEncryptionKey(t)

	_, err := Decrypt("not base64!!!")
	assert.Error(t, err)

	_, err = Decrypt("c2hvcnQ=") // valid base64, shorter than one block
	assert.Error(t, err)
}

func TestEncryptRequiresUsableKey(t *testing.T) {
	prev := config.AppConfig.EncryptionKey
	config.AppConfig.EncryptionKey = "too short"
	t.Cleanup(func() { config.AppConfig.EncryptionKey = prev })

	_, err := Encrypt("secret")
	assert.Error(t, err)
}
