package decoder

import (
	"bytes"
	"crypto/ecdh"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/kokukuma/mdoc-presentment/encoder"
	"github.com/kokukuma/mdoc-presentment/mdoc"
)

// RequestEncryption is the decoded encryptionInfo of a request: the nonce
// and the key the response is sealed to.
type RequestEncryption struct {
	Nonce        []byte
	RecipientKey *ecdh.PublicKey
}

// ParseARFEncryptionInfo decodes the encryptionInfo of an
// austroads-request-forwarding-v2 request.
func ParseARFEncryptionInfo(encryptionInfo string) (*RequestEncryption, error) {
	return parseEncryptionInfo(encoder.TagARFEncryptionInfo, encryptionInfo)
}

// ParseDCAPIEncryptionInfo decodes the encryptionInfo of an org-iso-mdoc
// request.
func ParseDCAPIEncryptionInfo(encryptionInfo string) (*RequestEncryption, error) {
	return parseEncryptionInfo(encoder.TagDCAPI, encryptionInfo)
}

func parseEncryptionInfo(tag, encryptionInfo string) (*RequestEncryption, error) {
	if encryptionInfo == "" {
		return nil, fmt.Errorf("%w: missing encryptionInfo", encoder.ErrMalformedEnvelope)
	}
	raw, err := encoder.DecodeB64(encryptionInfo)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode encryptionInfo: %v", encoder.ErrMalformedEnvelope, err)
	}

	var info encoder.EncryptionInfo
	if err := cbor.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal encryptionInfo: %v", encoder.ErrMalformedEnvelope, err)
	}
	if info.Tag != tag {
		return nil, fmt.Errorf("%w: unexpected tag %q, want %q", encoder.ErrMalformedEnvelope, info.Tag, tag)
	}
	if len(info.Params.Nonce) == 0 {
		return nil, fmt.Errorf("%w: missing nonce", encoder.ErrMalformedEnvelope)
	}
	if isNull(info.Params.RecipientPublicKey) {
		return nil, fmt.Errorf("%w: missing recipientPublicKey", encoder.ErrMalformedEnvelope)
	}

	key, err := parseRecipientKey(info.Params.RecipientPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", encoder.ErrMalformedEnvelope, err)
	}
	return &RequestEncryption{Nonce: info.Params.Nonce, RecipientKey: key}, nil
}

func isNull(raw cbor.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte{0xf6}) || bytes.Equal(raw, []byte{0xf7})
}

func parseRecipientKey(coseKey []byte) (*ecdh.PublicKey, error) {
	parsed, err := webauthncose.ParsePublicKey(coseKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse recipientPublicKey: %w", err)
	}
	ec, ok := parsed.(webauthncose.EC2PublicKeyData)
	if !ok {
		return nil, fmt.Errorf("unsupported recipientPublicKey type %T", parsed)
	}
	if ec.Curve != mdoc.P256 {
		return nil, fmt.Errorf("unsupported recipientPublicKey curve %d", ec.Curve)
	}
	if len(ec.XCoord) > 32 || len(ec.YCoord) > 32 {
		return nil, fmt.Errorf("invalid recipientPublicKey coordinates")
	}

	point := make([]byte, 65)
	point[0] = 0x04
	copy(point[33-len(ec.XCoord):33], ec.XCoord)
	copy(point[65-len(ec.YCoord):], ec.YCoord)
	return ecdh.P256().NewPublicKey(point)
}
