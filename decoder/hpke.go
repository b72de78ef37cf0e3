// Package decoder opens the responses a wallet returns over the Digital
// Credentials API and OpenID4VP, and parses the request-side encryption
// info of the mdoc protocols.
package decoder

import (
	"crypto/ecdh"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/kokukuma/mdoc-presentment/encoder"
	"github.com/kokukuma/mdoc-presentment/mdoc"
	"github.com/kokukuma/mdoc-presentment/pkg/hpke"
)

func checkKeys(privateKey *ecdh.PrivateKey, sessTrans []byte) error {
	if privateKey == nil {
		return fmt.Errorf("private key must not be nil")
	}
	if len(sessTrans) == 0 {
		return fmt.Errorf("session transcript must not be empty")
	}
	return nil
}

func deviceResponse(plaintext []byte) (*mdoc.DeviceResponse, error) {
	var devResp mdoc.DeviceResponse
	if err := cbor.Unmarshal(plaintext, &devResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device response: %w", err)
	}
	return &devResp, nil
}

// Preview opens a {"token": ...} response of the preview protocol.
func Preview(
	data []byte,
	privateKey *ecdh.PrivateKey,
	sessTrans []byte,
) (*mdoc.DeviceResponse, error) {
	if err := checkKeys(privateKey, sessTrans); err != nil {
		return nil, err
	}

	var msg encoder.PreviewData
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse data as JSON: %v", encoder.ErrMalformedEnvelope, err)
	}

	decoded, err := encoder.DecodeB64(msg.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode token: %v", encoder.ErrMalformedEnvelope, err)
	}

	var claims encoder.AndroidHPKEV1
	if err := cbor.Unmarshal(decoded, &claims); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal CBOR data: %v", encoder.ErrMalformedEnvelope, err)
	}
	if claims.Version != encoder.VersionAndroidHPKEv1 {
		return nil, fmt.Errorf("%w: unsupported version %q", encoder.ErrMalformedEnvelope, claims.Version)
	}

	plaintext, err := hpke.Open(claims.CipherText, claims.EncryptionParameters.PKEM, sessTrans, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt HPKE data: %w", err)
	}
	return deviceResponse(plaintext)
}

// ARF opens an {"encryptedResponse": ...} response of
// austroads-request-forwarding-v2.
func ARF(
	data []byte,
	privateKey *ecdh.PrivateKey,
	sessTrans []byte,
) (*mdoc.DeviceResponse, error) {
	if err := checkKeys(privateKey, sessTrans); err != nil {
		return nil, err
	}

	var msg encoder.ARFData
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse data as JSON: %v", encoder.ErrMalformedEnvelope, err)
	}
	decoded, err := encoder.DecodeB64(msg.EncryptedResponse)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode encryptedResponse: %v", encoder.ErrMalformedEnvelope, err)
	}

	var resp encoder.ARFResponse
	if err := cbor.Unmarshal(decoded, &resp); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal CBOR data: %v", encoder.ErrMalformedEnvelope, err)
	}
	if resp.Tag != encoder.TagARFResponse {
		return nil, fmt.Errorf("%w: unexpected tag %q", encoder.ErrMalformedEnvelope, resp.Tag)
	}

	pkEM, err := resp.Params.PKEM.ECDH()
	if err != nil {
		return nil, fmt.Errorf("%w: invalid pkEM: %v", encoder.ErrMalformedEnvelope, err)
	}

	plaintext, err := hpke.Open(resp.Params.CipherText, pkEM.Bytes(), sessTrans, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt HPKE data: %w", err)
	}
	return deviceResponse(plaintext)
}

// DCAPI opens a {"response": ...} response of org-iso-mdoc.
func DCAPI(
	data []byte,
	privateKey *ecdh.PrivateKey,
	sessTrans []byte,
) (*mdoc.DeviceResponse, error) {
	if err := checkKeys(privateKey, sessTrans); err != nil {
		return nil, err
	}

	var msg encoder.DCAPIData
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse data as JSON: %v", encoder.ErrMalformedEnvelope, err)
	}
	decoded, err := encoder.DecodeB64(msg.Response)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", encoder.ErrMalformedEnvelope, err)
	}

	var resp encoder.DCAPIResponse
	if err := cbor.Unmarshal(decoded, &resp); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal CBOR data: %v", encoder.ErrMalformedEnvelope, err)
	}
	if resp.Tag != encoder.TagDCAPI {
		return nil, fmt.Errorf("%w: unexpected tag %q", encoder.ErrMalformedEnvelope, resp.Tag)
	}

	plaintext, err := hpke.Open(resp.Params.CipherText, resp.Params.Enc, sessTrans, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt HPKE data: %w", err)
	}
	return deviceResponse(plaintext)
}
