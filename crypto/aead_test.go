package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securechat/core/errkind"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := RandomBytes(KeySize)
	require.NoError(t, err)
	iv, err := NewIV()
	require.NoError(t, err)

	plaintext := []byte("hello")
	aad := []byte("session-1/seq-1")

	ct, tag, err := Seal(key, iv, plaintext, aad)
	require.NoError(t, err)
	require.Len(t, tag, TagSize)

	got, err := Open(key, iv, ct, tag, aad)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key, _ := RandomBytes(KeySize)
	iv, _ := NewIV()

	ct, tag, err := Seal(key, iv, []byte("payload"), nil)
	require.NoError(t, err)

	ct[0] ^= 0x01
	got, err := Open(key, iv, ct, tag, nil)
	require.Error(t, err)
	assert.Nil(t, got, "no partial plaintext on tag failure")
	assert.Equal(t, errkind.CryptoError, errkind.Of(err))
}

func TestOpenRejectsWrongAAD(t *testing.T) {
	key, _ := RandomBytes(KeySize)
	iv, _ := NewIV()

	ct, tag, err := Seal(key, iv, []byte("payload"), []byte("session-1/seq-2"))
	require.NoError(t, err)

	_, err = Open(key, iv, ct, tag, []byte("session-1/seq-3"))
	assert.Error(t, err)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	key, _ := RandomBytes(KeySize)
	other, _ := RandomBytes(KeySize)
	iv, _ := NewIV()

	ct, tag, err := Seal(key, iv, []byte("payload"), nil)
	require.NoError(t, err)

	_, err = Open(other, iv, ct, tag, nil)
	assert.Error(t, err)
}

func TestSealRejectsBadParameters(t *testing.T) {
	tests := []struct {
		name  string
		key   []byte
		iv    []byte
	}{
		{"short key", make([]byte, 16), make([]byte, IVSize)},
		{"long key", make([]byte, 64), make([]byte, IVSize)},
		{"short iv", make([]byte, KeySize), make([]byte, 8)},
		{"long iv", make([]byte, KeySize), make([]byte, 16)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Seal(tt.key, tt.iv, []byte("x"), nil)
			require.Error(t, err)
			assert.Equal(t, errkind.CryptoError, errkind.Of(err))
		})
	}
}

func TestSealEmptyPlaintext(t *testing.T) {
	key, _ := RandomBytes(KeySize)
	iv, _ := NewIV()

	ct, tag, err := Seal(key, iv, nil, nil)
	require.NoError(t, err)

	got, err := Open(key, iv, ct, tag, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
