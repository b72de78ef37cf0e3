// Package jwe produces and opens the compact JWE used by OpenID4VP
// encrypted response modes: ECDH-ES key agreement in direct mode with an
// AES-GCM content encryption.
package jwe

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ory/go-convenience/stringslice"
	jose "gopkg.in/square/go-jose.v2"
	josecipher "gopkg.in/square/go-jose.v2/cipher"
)

const (
	AlgECDHES = "ECDH-ES"

	A128GCM = "A128GCM"
	A192GCM = "A192GCM"
	A256GCM = "A256GCM"

	DefaultEnc = A128GCM
)

var b64 = base64.RawURLEncoding

// SupportedEnc lists content encryptions in preference order.
var SupportedEnc = []string{A128GCM, A192GCM, A256GCM}

func keySize(enc string) (int, error) {
	switch enc {
	case A128GCM:
		return 16, nil
	case A192GCM:
		return 24, nil
	case A256GCM:
		return 32, nil
	}
	return 0, fmt.Errorf("unsupported content encryption: %s", enc)
}

// NegotiateEnc picks the first supported value the verifier offers, or the
// default when it offers none.
func NegotiateEnc(offered []string) (string, error) {
	if len(offered) == 0 {
		return DefaultEnc, nil
	}
	for _, enc := range offered {
		if stringslice.Has(SupportedEnc, enc) {
			return enc, nil
		}
	}
	return "", fmt.Errorf("no supported content encryption in %v", offered)
}

type Options struct {
	Enc string
	// APU and APV are the raw agreement PartyUInfo and PartyVInfo, the wallet
	// and verifier nonces in OpenID4VP.
	APU []byte
	APV []byte
	Kid string
}

type header struct {
	Alg string           `json:"alg"`
	Enc string           `json:"enc"`
	Kid string           `json:"kid,omitempty"`
	Epk *jose.JSONWebKey `json:"epk"`
	Apu string           `json:"apu,omitempty"`
	Apv string           `json:"apv,omitempty"`
}

// Encrypt returns the compact serialization of plaintext encrypted to the
// verifier's P-256 key.
func Encrypt(rand io.Reader, recipient *ecdsa.PublicKey, plaintext []byte, opts Options) (string, error) {
	if recipient == nil {
		return "", fmt.Errorf("nil recipient key")
	}
	if recipient.Curve != elliptic.P256() {
		return "", fmt.Errorf("unsupported recipient curve: %s", recipient.Curve.Params().Name)
	}
	enc := opts.Enc
	if enc == "" {
		enc = DefaultEnc
	}
	size, err := keySize(enc)
	if err != nil {
		return "", err
	}

	ephemeral, err := ecdsa.GenerateKey(elliptic.P256(), rand)
	if err != nil {
		return "", fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	cek := josecipher.DeriveECDHES(enc, opts.APU, opts.APV, ephemeral, recipient, size)

	h := header{
		Alg: AlgECDHES,
		Enc: enc,
		Kid: opts.Kid,
		Epk: &jose.JSONWebKey{Key: &ephemeral.PublicKey},
	}
	if len(opts.APU) > 0 {
		h.Apu = b64.EncodeToString(opts.APU)
	}
	if len(opts.APV) > 0 {
		h.Apv = b64.EncodeToString(opts.APV)
	}
	rawHeader, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("failed to marshal header: %w", err)
	}
	protected := b64.EncodeToString(rawHeader)

	block, err := aes.NewCipher(cek)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create gcm: %w", err)
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand, iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	sealed := aead.Seal(nil, iv, plaintext, []byte(protected))
	ciphertext, tag := sealed[:len(sealed)-aead.Overhead()], sealed[len(sealed)-aead.Overhead():]

	return strings.Join([]string{
		protected,
		"", // no encrypted key in direct key agreement
		b64.EncodeToString(iv),
		b64.EncodeToString(ciphertext),
		b64.EncodeToString(tag),
	}, "."), nil
}

type Header struct {
	KeyID string
	Enc   string
	APU   []byte
	APV   []byte
}

// Decrypt opens a compact JWE with the verifier's private key.
func Decrypt(compact string, key *ecdsa.PrivateKey) ([]byte, *Header, error) {
	if key == nil {
		return nil, nil, fmt.Errorf("nil decryption key")
	}
	obj, err := jose.ParseEncrypted(compact)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse encrypted response: %w", err)
	}

	plaintext, err := obj.Decrypt(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decrypt response: %w", err)
	}

	h := &Header{KeyID: obj.Header.KeyID}
	if enc, ok := obj.Header.ExtraHeaders["enc"].(string); ok {
		h.Enc = enc
	}
	if apu, ok := obj.Header.ExtraHeaders["apu"].(string); ok {
		if h.APU, err = b64.DecodeString(apu); err != nil {
			return nil, nil, fmt.Errorf("failed to decode apu: %w", err)
		}
	}
	if apv, ok := obj.Header.ExtraHeaders["apv"].(string); ok {
		if h.APV, err = b64.DecodeString(apv); err != nil {
			return nil, nil, fmt.Errorf("failed to decode apv: %w", err)
		}
	}
	return plaintext, h, nil
}
