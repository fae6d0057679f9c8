package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v, err := New("unit-test-master-secret")
	require.NoError(t, err)

	for _, plain := range []string{
		"1//refresh-token-value",
		"ya29.access-token",
		"short",
		"contains \x00 binary \xff bytes",
	} {
		enc, err := v.Encrypt(plain)
		require.NoError(t, err)
		assert.NotEqual(t, plain, enc)

		dec, err := v.Decrypt(enc)
		require.NoError(t, err)
		assert.Equal(t, plain, dec)
	}
}

func TestEncryptEmptyPassesThrough(t *testing.T) {
	v, err := New("secret")
	require.NoError(t, err)

	enc, err := v.Encrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", enc)

	dec, err := v.Decrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", dec)
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	v, err := New("secret")
	require.NoError(t, err)

	a, err := v.Encrypt("same plaintext")
	require.NoError(t, err)
	b, err := v.Encrypt("same plaintext")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	v1, err := New("key-one")
	require.NoError(t, err)
	v2, err := New("key-two")
	require.NoError(t, err)

	enc, err := v1.Encrypt("secret payload")
	require.NoError(t, err)

	_, err = v2.Decrypt(enc)
	assert.Error(t, err)
}

func TestDecryptGarbageFails(t *testing.T) {
	v, err := New("secret")
	require.NoError(t, err)

	_, err = v.Decrypt("not base64 !!!")
	assert.Error(t, err)

	_, err = v.Decrypt("YWJj") // valid base64, too short for a nonce
	assert.Error(t, err)
}

func TestEmptyMasterSecretRejected(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}

func TestPasswordHashing(t *testing.T) {
	hashed, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.True(t, CheckPassword(hashed, "hunter2"))
	assert.False(t, CheckPassword(hashed, "hunter3"))
}
