package wallet

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignVerify(t *testing.T) {
	w, err := New()
	assert.Nil(t, err)

	message := []byte("validate proof of purchase")
	hash, signature := w.Sign(message)

	assert.True(t, w.Verify(message, signature, hash))
	assert.False(t, w.Verify([]byte("other message"), signature, hash))
}

func TestVerifierMatchesAddress(t *testing.T) {
	w, err := New()
	assert.Nil(t, err)

	message := []byte("validate proof of purchase")
	hash, signature := w.Sign(message)

	v := NewVerifier()
	assert.Nil(t, v.Verify(message, signature, hash, w.Address()))

	other, err := New()
	assert.Nil(t, err)
	assert.ErrorIs(t, v.Verify(message, signature, hash, other.Address()), ErrWrongSignature)
}

func TestPemRoundTrip(t *testing.T) {
	w, err := New()
	assert.Nil(t, err)

	path := filepath.Join(t.TempDir(), "ed25519")
	assert.Nil(t, w.SaveToPem(path))

	read, err := ReadFromPem(path)
	assert.Nil(t, err)
	assert.Equal(t, w.Address(), read.Address())

	message := []byte("message")
	hash, signature := read.Sign(message)
	assert.True(t, w.Verify(message, signature, hash))
}
