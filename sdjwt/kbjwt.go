package sdjwt

import (
	"crypto"
	"crypto/ecdsa"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	jwt "github.com/form3tech-oss/jwt-go"
	"github.com/veraison/go-cose"
)

type KeyBindingClaims struct {
	Nonce    string `json:"nonce"`
	Audience string `json:"aud"`
	IssuedAt int64  `json:"iat"`
	SdHash   string `json:"sd_hash"`
}

func (c KeyBindingClaims) Valid() error {
	if c.Nonce == "" || c.Audience == "" || c.SdHash == "" {
		return fmt.Errorf("incomplete key binding claims")
	}
	return nil
}

// SdHash is the digest over the presentation up to the KB-JWT.
func (s *SdJwt) SdHash() (string, error) {
	return digest(s.SdAlg(), s.withoutKeyBinding())
}

// Present binds s to nonce and audience with a KB-JWT signed by the holder
// key. The key only needs to implement crypto.Signer so it can live in a
// secure key store.
func (s *SdJwt) Present(rand io.Reader, holder crypto.Signer, nonce, audience string, now time.Time) (string, error) {
	if holder == nil {
		return "", fmt.Errorf("holder key is not set")
	}
	if !s.holderKeyMatches(holder) {
		return "", fmt.Errorf("holder key does not match the cnf key")
	}
	sdHash, err := s.SdHash()
	if err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, KeyBindingClaims{
		Nonce:    nonce,
		Audience: audience,
		IssuedAt: now.Unix(),
		SdHash:   sdHash,
	})
	token.Header["typ"] = TypKbJwt

	signingString, err := token.SigningString()
	if err != nil {
		return "", fmt.Errorf("failed to build kb-jwt: %w", err)
	}

	signer, err := cose.NewSigner(cose.AlgorithmES256, holder)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	sig, err := signer.Sign(rand, []byte(signingString))
	if err != nil {
		return "", fmt.Errorf("failed to sign kb-jwt: %w", err)
	}

	kb := signingString + "." + base64.RawURLEncoding.EncodeToString(sig)
	return s.withoutKeyBinding() + kb, nil
}

// VerifyKeyBinding parses a presentation and checks its KB-JWT against the
// cnf key, the expected nonce and audience, and the sd_hash.
func VerifyKeyBinding(presentation, nonce, audience string) (*SdJwt, error) {
	s, err := Parse(presentation)
	if err != nil {
		return nil, err
	}
	if s.KeyBinding == "" {
		return nil, fmt.Errorf("presentation has no key binding jwt")
	}
	holder, err := s.HolderKey()
	if err != nil {
		return nil, err
	}
	if holder == nil {
		return nil, fmt.Errorf("credential is not key bound")
	}

	var claims KeyBindingClaims
	token, err := jwt.ParseWithClaims(s.KeyBinding, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return holder, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to verify kb-jwt: %w", err)
	}
	if typ, _ := token.Header["typ"].(string); typ != TypKbJwt {
		return nil, fmt.Errorf("unexpected kb-jwt typ: %q", typ)
	}
	if claims.Nonce != nonce {
		return nil, fmt.Errorf("kb-jwt nonce mismatch")
	}
	if claims.Audience != audience {
		return nil, fmt.Errorf("kb-jwt audience mismatch")
	}
	sdHash, err := s.SdHash()
	if err != nil {
		return nil, err
	}
	if claims.SdHash != sdHash {
		return nil, fmt.Errorf("kb-jwt sd_hash mismatch")
	}
	return s, nil
}

// holderKeyMatches reports whether signer belongs to the credential's cnf key.
func (s *SdJwt) holderKeyMatches(signer crypto.Signer) bool {
	holder, err := s.HolderKey()
	if err != nil || holder == nil {
		return false
	}
	pub, ok := signer.Public().(*ecdsa.PublicKey)
	return ok && pub.Equal(holder)
}
