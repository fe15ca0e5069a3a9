package keyhash

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerify(t *testing.T) {
	hash, err := Hash("secret", true)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$"))
	assert.NotContains(t, hash, "secret")

	ok, err := Verify("secret", hash, true)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify("wrong", hash, true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCaseInsensitiveKeys(t *testing.T) {
	hash, err := Hash("Someone@Example.COM", false)
	require.NoError(t, err)

	ok, err := Verify("someone@example.com", hash, false)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify("SOMEONE@EXAMPLE.COM", hash, false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCaseSensitiveKeys(t *testing.T) {
	hash, err := Hash("Secret", true)
	require.NoError(t, err)

	ok, err := Verify("secret", hash, true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashesAreSalted(t *testing.T) {
	first, err := Hash("secret", true)
	require.NoError(t, err)
	second, err := Hash("secret", true)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestVerifyMalformedHash(t *testing.T) {
	for _, encoded := range []string{
		"",
		"plaintext",
		"$bcrypt$v=19$m=65536,t=2,p=4$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=65536,t=2,p=4$not-base64!$aGFzaA",
	} {
		_, err := Verify("secret", encoded, true)
		assert.ErrorIs(t, err, ErrMalformedHash, "encoded=%q", encoded)
	}
}
