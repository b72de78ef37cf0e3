// Package credential models the credentials a holder can present and the
// stores they are read from.
package credential

import (
	"crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/kokukuma/mdoc-presentment/claim"
	"github.com/kokukuma/mdoc-presentment/mdoc"
	"github.com/kokukuma/mdoc-presentment/sdjwt"
)

type Format string

const (
	FormatMdoc  Format = "mso_mdoc"
	FormatSdJwt Format = "dc+sd-jwt"
)

func (f Format) Valid() bool {
	return f == FormatMdoc || f == FormatSdJwt
}

var ErrNotFound = errors.New("credential not found")

// KeyAgreement is a device key that can run ECDH without exposing the
// private scalar.
type KeyAgreement interface {
	ECDH(remote *ecdh.PublicKey) ([]byte, error)
}

// DeviceKey is the holder key a credential is bound to. Signer is nil for
// MAC-only keys and KeyAgreement is nil for signing-only keys.
type DeviceKey struct {
	Signer       crypto.Signer
	KeyAgreement KeyAgreement
}

func (k DeviceKey) CanSign() bool  { return k.Signer != nil }
func (k DeviceKey) CanAgree() bool { return k.KeyAgreement != nil }

type localKeyAgreement struct {
	priv *ecdsa.PrivateKey
	key  *ecdh.PrivateKey
}

func (l localKeyAgreement) ECDH(remote *ecdh.PublicKey) ([]byte, error) {
	return l.key.ECDH(remote)
}

// NewLocalKey uses an in-memory P-256 key for both signing and key agreement.
func NewLocalKey(priv *ecdsa.PrivateKey) (DeviceKey, error) {
	agreement, err := priv.ECDH()
	if err != nil {
		return DeviceKey{}, fmt.Errorf("failed to convert device key: %w", err)
	}
	return DeviceKey{Signer: priv, KeyAgreement: localKeyAgreement{priv: priv, key: agreement}}, nil
}

// LocalPrivateKey returns the in-memory key behind k, if there is one.
func LocalPrivateKey(k DeviceKey) (*ecdsa.PrivateKey, bool) {
	if priv, ok := k.Signer.(*ecdsa.PrivateKey); ok {
		return priv, true
	}
	if l, ok := k.KeyAgreement.(localKeyAgreement); ok {
		return l.priv, true
	}
	return nil, false
}

// NewMacOnlyKey uses key only for key agreement, as hardware keys
// restricted to ECDH are.
func NewMacOnlyKey(priv *ecdsa.PrivateKey) (DeviceKey, error) {
	k, err := NewLocalKey(priv)
	if err != nil {
		return DeviceKey{}, err
	}
	k.Signer = nil
	return k, nil
}

type Mdoc struct {
	DocType      mdoc.DocType
	IssuerSigned mdoc.IssuerSigned
}

type SdJwt struct {
	Vct        string
	Serialized string
	Parsed     *sdjwt.SdJwt
}

// Credential is either an mdoc or an SD-JWT VC, selected by Format.
type Credential struct {
	ID          string
	DisplayName string
	Format      Format
	Mdoc        *Mdoc
	SdJwt       *SdJwt
	DeviceKey   DeviceKey

	claims claim.Value
}

func NewMdoc(id, displayName string, docType mdoc.DocType, issuerSigned mdoc.IssuerSigned, key DeviceKey) (*Credential, error) {
	c := &Credential{
		ID:          id,
		DisplayName: displayName,
		Format:      FormatMdoc,
		Mdoc:        &Mdoc{DocType: docType, IssuerSigned: issuerSigned},
		DeviceKey:   key,
	}
	claims, err := mdocClaims(issuerSigned)
	if err != nil {
		return nil, err
	}
	c.claims = claims
	return c, nil
}

func NewSdJwt(id, displayName, serialized string, key DeviceKey) (*Credential, error) {
	parsed, err := sdjwt.Parse(serialized)
	if err != nil {
		return nil, fmt.Errorf("failed to parse sd-jwt: %w", err)
	}
	return &Credential{
		ID:          id,
		DisplayName: displayName,
		Format:      FormatSdJwt,
		SdJwt:       &SdJwt{Vct: parsed.Vct(), Serialized: serialized, Parsed: parsed},
		DeviceKey:   key,
		claims:      parsed.Claims(),
	}, nil
}

// Type is the doctype of an mdoc or the vct of an SD-JWT.
func (c *Credential) Type() string {
	switch c.Format {
	case FormatMdoc:
		return string(c.Mdoc.DocType)
	case FormatSdJwt:
		return c.SdJwt.Vct
	}
	return ""
}

// Claims is the claim tree paths resolve against. mdoc claims are keyed by
// namespace and then element identifier.
func (c *Credential) Claims() claim.Value {
	return c.claims
}

func (c *Credential) String() string {
	return fmt.Sprintf("%s(%s %s)", c.ID, c.Format, c.Type())
}

func mdocClaims(issuerSigned mdoc.IssuerSigned) (claim.Value, error) {
	var namespaces []claim.Entry
	for _, ns := range issuerSigned.GetNameSpaces() {
		items, err := issuerSigned.GetIssuerSignedItems(ns)
		if err != nil {
			return claim.Value{}, err
		}
		elements := make([]claim.Entry, 0, len(items))
		for _, item := range items {
			elements = append(elements, claim.Entry{
				Key:   string(item.ElementIdentifier),
				Value: claim.FromCBOR(item.ElementValue),
			})
		}
		namespaces = append(namespaces, claim.Entry{Key: string(ns), Value: claim.Map(elements...)})
	}
	return claim.Map(namespaces...), nil
}
