package hpke

import (
	"crypto/ecdh"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	privKey, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	info := []byte("session transcript")
	enc, ciphertext, err := Seal(rand.Reader, privKey.PublicKey(), info, []byte("plaintext"))
	require.NoError(t, err)
	assert.Len(t, enc, 65)

	plaintext, err := Open(ciphertext, enc, info, privKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("plaintext"), plaintext)
}

func TestOpenWithOtherTranscript(t *testing.T) {
	privKey, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	enc, ciphertext, err := Seal(rand.Reader, privKey.PublicKey(), []byte("one"), []byte("plaintext"))
	require.NoError(t, err)

	_, err = Open(ciphertext, enc, []byte("two"), privKey)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decrypt ciphertext")
}

func TestSealRejectsOtherCurves(t *testing.T) {
	privKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)

	_, _, err = Seal(rand.Reader, privKey.PublicKey(), nil, []byte("plaintext"))
	require.Error(t, err)
}

func TestOpenValidation(t *testing.T) {
	privKey, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	tests := []struct {
		name      string
		data      []byte
		pkEM      []byte
		key       *ecdh.PrivateKey
		errSubstr string
	}{
		{"empty data", nil, []byte{1}, privKey, "empty data"},
		{"empty pkEM", []byte{1}, nil, privKey, "empty ephemeral public key"},
		{"nil key", []byte{1}, []byte{1}, nil, "nil private key"},
		{"bad pkEM", []byte{1}, []byte{1}, privKey, "failed to setup receiver context"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(tt.data, tt.pkEM, nil, tt.key)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
		})
	}
}
