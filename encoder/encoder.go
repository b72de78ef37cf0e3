// Package encoder wraps encrypted DeviceResponses in the envelopes of the
// Digital Credentials API protocols, and builds the request-side
// encryption info a verifier sends.
package encoder

import (
	"crypto/ecdh"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/kokukuma/mdoc-presentment/mdoc"
	"github.com/kokukuma/mdoc-presentment/pkg/hpke"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

const (
	VersionAndroidHPKEv1 = "ANDROID-HPKE-v1"

	// The request and response tags of austroads-request-forwarding-v2
	// differ in case.
	TagARFEncryptionInfo = "ARFEncryptionv2"
	TagARFResponse       = "ARFencryptionv2"

	TagDCAPI = "dcapi"
)

var (
	// B64 is the base64url alphabet without padding used by the newer
	// envelopes. The preview protocol pads.
	B64       = base64.RawURLEncoding
	B64Padded = base64.URLEncoding.WithPadding(base64.StdPadding)
)

// DecodeB64 accepts base64url with or without padding.
func DecodeB64(s string) ([]byte, error) {
	b, err := B64.DecodeString(s)
	if err == nil {
		return b, nil
	}
	return B64Padded.DecodeString(s)
}

type PreviewData struct {
	Token string `json:"token"`
}

type AndroidHPKEV1 struct {
	Version              string         `json:"version"`
	EncryptionParameters HPKEParameters `json:"encryptionParameters"`
	CipherText           []byte         `json:"cipherText"`
}

type HPKEParameters struct {
	PKEM []byte `json:"pkEm"`
}

type ARFData struct {
	EncryptedResponse string `json:"encryptedResponse"`
}

type ARFResponse struct {
	_      struct{} `cbor:",toarray"`
	Tag    string
	Params ARFResponseParams
}

type ARFResponseParams struct {
	PKEM       mdoc.COSEKey `json:"pkEM"`
	CipherText []byte       `json:"cipherText"`
}

type DCAPIData struct {
	Response string `json:"response"`
}

type DCAPIResponse struct {
	_      struct{} `cbor:",toarray"`
	Tag    string
	Params DCAPIResponseParams
}

type DCAPIResponseParams struct {
	Enc        []byte `json:"enc"`
	CipherText []byte `json:"cipherText"`
}

// EncryptionInfo is the request-side ["<tag>", {nonce, recipientPublicKey}]
// structure of the ARF and dcapi protocols.
type EncryptionInfo struct {
	_      struct{} `cbor:",toarray"`
	Tag    string
	Params EncryptionInfoParams
}

type EncryptionInfoParams struct {
	Nonce              []byte          `json:"nonce"`
	RecipientPublicKey cbor.RawMessage `json:"recipientPublicKey"`
}

// Preview seals deviceResponse for the preview protocol.
func Preview(rand io.Reader, recipient *ecdh.PublicKey, transcript, deviceResponse []byte) ([]byte, error) {
	enc, ciphertext, err := hpke.Seal(rand, recipient, transcript, deviceResponse)
	if err != nil {
		return nil, fmt.Errorf("failed to seal device response: %w", err)
	}
	token, err := cbor.Marshal(AndroidHPKEV1{
		Version:              VersionAndroidHPKEv1,
		EncryptionParameters: HPKEParameters{PKEM: enc},
		CipherText:           ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal token: %w", err)
	}
	return json.Marshal(PreviewData{Token: B64Padded.EncodeToString(token)})
}

// ARF seals deviceResponse for austroads-request-forwarding-v2. The
// encapsulated key travels as a COSE_Key.
func ARF(rand io.Reader, recipient *ecdh.PublicKey, transcript, deviceResponse []byte) ([]byte, error) {
	enc, ciphertext, err := hpke.Seal(rand, recipient, transcript, deviceResponse)
	if err != nil {
		return nil, fmt.Errorf("failed to seal device response: %w", err)
	}
	pkEM, err := ecdh.P256().NewPublicKey(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse encapsulated key: %w", err)
	}
	coseKey, err := mdoc.NewCOSEKey(pkEM)
	if err != nil {
		return nil, err
	}
	encoded, err := cbor.Marshal(ARFResponse{
		Tag:    TagARFResponse,
		Params: ARFResponseParams{PKEM: *coseKey, CipherText: ciphertext},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal encrypted response: %w", err)
	}
	return json.Marshal(ARFData{EncryptedResponse: B64.EncodeToString(encoded)})
}

// DCAPI seals deviceResponse for org-iso-mdoc.
func DCAPI(rand io.Reader, recipient *ecdh.PublicKey, transcript, deviceResponse []byte) ([]byte, error) {
	enc, ciphertext, err := hpke.Seal(rand, recipient, transcript, deviceResponse)
	if err != nil {
		return nil, fmt.Errorf("failed to seal device response: %w", err)
	}
	encoded, err := cbor.Marshal(DCAPIResponse{
		Tag:    TagDCAPI,
		Params: DCAPIResponseParams{Enc: enc, CipherText: ciphertext},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return json.Marshal(DCAPIData{Response: B64.EncodeToString(encoded)})
}

// NewARFEncryptionInfo builds the encryptionInfo of an
// austroads-request-forwarding-v2 request.
func NewARFEncryptionInfo(nonce []byte, recipient *ecdh.PublicKey) (string, error) {
	return newEncryptionInfo(TagARFEncryptionInfo, nonce, recipient)
}

// NewDCAPIEncryptionInfo builds the encryptionInfo of an org-iso-mdoc
// request.
func NewDCAPIEncryptionInfo(nonce []byte, recipient *ecdh.PublicKey) (string, error) {
	return newEncryptionInfo(TagDCAPI, nonce, recipient)
}

func newEncryptionInfo(tag string, nonce []byte, recipient *ecdh.PublicKey) (string, error) {
	if len(nonce) == 0 {
		return "", fmt.Errorf("nonce cannot be empty")
	}
	coseKey, err := mdoc.NewCOSEKey(recipient)
	if err != nil {
		return "", err
	}
	rawKey, err := cbor.Marshal(coseKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal recipient key: %w", err)
	}
	encoded, err := cbor.Marshal(EncryptionInfo{
		Tag:    tag,
		Params: EncryptionInfoParams{Nonce: nonce, RecipientPublicKey: rawKey},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal encryption info: %w", err)
	}
	return B64.EncodeToString(encoded), nil
}
