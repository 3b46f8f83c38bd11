package secrets

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func TestCipherRoundTrip(t *testing.T) {
	t.Parallel()

	c, err := New(testKey(7))
	require.NoError(t, err)

	sealed, err := c.Encrypt("access-token-123")
	require.NoError(t, err)
	require.NotContains(t, sealed, "access-token-123")

	again, err := c.Encrypt("access-token-123")
	require.NoError(t, err)
	require.NotEqual(t, sealed, again, "nonce must differ per call")

	plain, err := c.Decrypt(sealed)
	require.NoError(t, err)
	require.Equal(t, "access-token-123", plain)
}

func TestCipherRejectsForeignCiphertext(t *testing.T) {
	t.Parallel()

	a, err := New(testKey(1))
	require.NoError(t, err)
	b, err := New(testKey(2))
	require.NoError(t, err)

	sealed, err := a.Encrypt("secret")
	require.NoError(t, err)

	_, err = b.Decrypt(sealed)
	require.ErrorIs(t, err, ErrDecrypt)

	_, err = a.Decrypt("not base64!!")
	require.ErrorIs(t, err, ErrDecrypt)

	_, err = a.Decrypt(base64.StdEncoding.EncodeToString([]byte("short")))
	require.ErrorIs(t, err, ErrDecrypt)

	_, err = a.Decrypt("")
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestNewValidatesKey(t *testing.T) {
	t.Parallel()

	_, err := New([]byte("too short"))
	require.Error(t, err)

	c, err := NewFromBase64(base64.StdEncoding.EncodeToString(testKey(9)))
	require.NoError(t, err)
	require.NotNil(t, c)

	_, err = NewFromBase64("%%%")
	require.Error(t, err)
}
