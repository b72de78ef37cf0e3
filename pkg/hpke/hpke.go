// Package hpke seals and opens mdoc responses with RFC 9180 base mode,
// DHKEM(P-256, HKDF-SHA256), HKDF-SHA256 and AES-128-GCM.
package hpke

import (
	"crypto/ecdh"
	"fmt"
	"io"

	"github.com/cisco/go-hpke"
)

const (
	kemAlg  = hpke.DHKEM_P256
	kdfAlg  = hpke.KDF_HKDF_SHA256
	aeadAlg = hpke.AEAD_AESGCM128
)

func suite() (hpke.CipherSuite, error) {
	s, err := hpke.AssembleCipherSuite(kemAlg, kdfAlg, aeadAlg)
	if err != nil {
		return hpke.CipherSuite{}, fmt.Errorf("failed to assemble cipher suite: %w", err)
	}
	return s, nil
}

// Seal encrypts plaintext to the recipient key. The session transcript is
// bound as the HPKE info; it returns the encapsulated key and ciphertext.
func Seal(rand io.Reader, recipient *ecdh.PublicKey, info, plaintext []byte) (enc, ciphertext []byte, err error) {
	if recipient == nil {
		return nil, nil, fmt.Errorf("nil recipient key")
	}
	if recipient.Curve() != ecdh.P256() {
		return nil, nil, fmt.Errorf("unsupported recipient curve")
	}

	s, err := suite()
	if err != nil {
		return nil, nil, err
	}

	pkR, err := s.KEM.DeserializePublicKey(recipient.Bytes())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to deserialize recipient key: %w", err)
	}

	enc, ctxS, err := hpke.SetupBaseS(s, rand, pkR, info)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup sender context: %w", err)
	}

	return enc, ctxS.Seal(nil, plaintext), nil
}

func Open(data, pkEM, info []byte, privKey *ecdh.PrivateKey) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty data")
	}
	if len(pkEM) == 0 {
		return nil, fmt.Errorf("empty ephemeral public key")
	}
	if privKey == nil {
		return nil, fmt.Errorf("nil private key")
	}

	s, err := suite()
	if err != nil {
		return nil, err
	}

	skR, err := s.KEM.DeserializePrivateKey(privKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize private key: %w", err)
	}

	ctxR, err := hpke.SetupBaseR(s, skR, pkEM, info)
	if err != nil {
		return nil, fmt.Errorf("failed to setup receiver context: %w", err)
	}

	plainText, err := ctxR.Open(nil, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt ciphertext: %w", err)
	}

	return plainText, nil
}
