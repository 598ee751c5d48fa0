package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = strings.Repeat("ab", 32)

func TestEncryptDecrypt(t *testing.T) {
	sealed, err := Encrypt("imap-app-password", testKey)
	require.NoError(t, err)
	assert.NotContains(t, sealed, "imap-app-password")

	plain, err := Decrypt(sealed, testKey)
	require.NoError(t, err)
	assert.Equal(t, "imap-app-password", plain)

	_, err = Decrypt(sealed, strings.Repeat("cd", 32))
	assert.Error(t, err)
}

func TestInvalidKey(t *testing.T) {
	_, err := Encrypt("x", "short")
	assert.ErrorIs(t, err, ErrInvalidKey)
}
