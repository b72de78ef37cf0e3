package mdoc

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"
	"golang.org/x/crypto/hkdf"
)

// AlgorithmHMAC256 is HMAC 256/256, the only MAC algorithm mdoc uses.
const AlgorithmHMAC256 = 5

const mac0Context = "MAC0"

// DeviceAuthenticationBytes builds #6.24(bstr .cbor DeviceAuthentication),
// ISO/IEC 18013-5 9.1.3.4.
func DeviceAuthenticationBytes(sessionTranscript []byte, docType DocType, nameSpaces DeviceNameSpacesBytes) ([]byte, error) {
	if len(sessionTranscript) == 0 {
		return nil, ErrEmptySessionTranscript{}
	}

	deviceAuthentication := []interface{}{
		"DeviceAuthentication",
		cbor.RawMessage(sessionTranscript),
		docType,
		nameSpaces,
	}

	da, err := cbor.Marshal(deviceAuthentication)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal device authentication: %w", err)
	}

	deviceAuthenticationBytes, err := marshalTag24(da)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tagged device authentication: %w", err)
	}
	return deviceAuthenticationBytes, nil
}

// SessionTranscriptBytes wraps an encoded transcript in tag 24, the form
// used as HKDF salt input.
func SessionTranscriptBytes(sessionTranscript []byte) ([]byte, error) {
	if len(sessionTranscript) == 0 {
		return nil, ErrEmptySessionTranscript{}
	}
	return marshalTag24(sessionTranscript)
}

// SignDeviceAuthentication produces a detached COSE_Sign1 over the
// DeviceAuthenticationBytes.
func SignDeviceAuthentication(rand io.Reader, signer cose.Signer, deviceAuthenticationBytes []byte) (*cose.UntaggedSign1Message, error) {
	msg := &cose.UntaggedSign1Message{
		Headers: cose.Headers{
			Protected: cose.ProtectedHeader{
				cose.HeaderLabelAlgorithm: signer.Algorithm(),
			},
			Unprotected: cose.UnprotectedHeader{},
		},
		Payload: deviceAuthenticationBytes,
	}
	if err := msg.Sign(rand, nil, signer); err != nil {
		return nil, NewWrappedCategoryError(ErrCategoryDevice, err, "failed to sign device authentication")
	}
	msg.Payload = nil
	return msg, nil
}

// Mac0 is an untagged COSE_Mac0 with a detached payload.
type Mac0 struct {
	_           struct{} `cbor:",toarray"`
	Protected   []byte
	Unprotected map[int]interface{}
	Payload     []byte
	Tag         []byte
}

type macStructure struct {
	_           struct{} `cbor:",toarray"`
	Context     string
	Protected   []byte
	ExternalAAD []byte
	Payload     []byte
}

func mac0Tag(key, protected, payload []byte) ([]byte, error) {
	toBeMaced, err := cbor.Marshal(macStructure{
		Context:     mac0Context,
		Protected:   protected,
		ExternalAAD: []byte{},
		Payload:     payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal MAC structure: %w", err)
	}
	h := hmac.New(sha256.New, key)
	h.Write(toBeMaced)
	return h.Sum(nil), nil
}

// MacDeviceAuthentication produces a detached COSE_Mac0 over the
// DeviceAuthenticationBytes with the EMacKey.
func MacDeviceAuthentication(eMacKey, deviceAuthenticationBytes []byte) (*Mac0, error) {
	if len(eMacKey) != 32 {
		return nil, NewCategoryError(ErrCategoryDevice, "EMacKey must be 32 bytes, got %d", len(eMacKey))
	}
	protected, err := cbor.Marshal(map[int]int{1: AlgorithmHMAC256})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal protected header: %w", err)
	}
	tag, err := mac0Tag(eMacKey, protected, deviceAuthenticationBytes)
	if err != nil {
		return nil, err
	}
	return &Mac0{
		Protected:   protected,
		Unprotected: map[int]interface{}{},
		Tag:         tag,
	}, nil
}

// Verify checks the tag against a detached payload.
func (m *Mac0) Verify(eMacKey, payload []byte) error {
	if m == nil {
		return NewCategoryError(ErrCategoryDevice, "device mac is nil")
	}
	var protected map[int]int
	if err := cbor.Unmarshal(m.Protected, &protected); err != nil {
		return NewWrappedCategoryError(ErrCategoryCOSE, err, "failed to parse mac protected header")
	}
	if protected[1] != AlgorithmHMAC256 {
		return NewCategoryError(ErrCategoryCOSE, "unsupported mac algorithm: %d", protected[1])
	}
	expected, err := mac0Tag(eMacKey, m.Protected, payload)
	if err != nil {
		return err
	}
	if !hmac.Equal(expected, m.Tag) {
		return NewCategoryError(ErrCategoryVerification, "device mac mismatch")
	}
	return nil
}

// DeriveEMacKey derives the device MAC key from the ECDH shared secret,
// ISO/IEC 18013-5 9.1.3.5.
func DeriveEMacKey(sharedSecret, sessionTranscript []byte) ([]byte, error) {
	return deriveSessionKey(sharedSecret, sessionTranscript, "EMacKey")
}

func deriveSessionKey(sharedSecret, sessionTranscript []byte, info string) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, NewCategoryError(ErrCategorySession, "empty shared secret")
	}
	transcriptBytes, err := SessionTranscriptBytes(sessionTranscript)
	if err != nil {
		return nil, err
	}
	salt := sha256.Sum256(transcriptBytes)

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, salt[:], []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive %s: %w", info, err)
	}
	return key, nil
}
