package mdoc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// SessionData status codes, ISO/IEC 18013-5 9.1.1.4 Table 20.
const (
	SessionStatusEncryptionError uint = 10
	SessionStatusDecodingError   uint = 11
	SessionStatusTermination     uint = 20
)

const cipherSuiteIdentifier = 1

// DeviceEngagement is the holder's engagement structure. Only the fields
// needed to bind the ephemeral device key are modelled.
type DeviceEngagement struct {
	Version  string          `cbor:"0,keyasint"`
	Security Security        `cbor:"1,keyasint"`
	Methods  cbor.RawMessage `cbor:"2,keyasint,omitempty"`
}

type Security struct {
	_               struct{} `cbor:",toarray"`
	CipherSuite     int
	EDeviceKeyBytes EDeviceKeyBytes
}

// EDeviceKeyBytes is #6.24(bstr .cbor COSE_Key).
type EDeviceKeyBytes []byte

func (e EDeviceKeyBytes) MarshalCBOR() ([]byte, error) { return marshalTag24(e) }

func (e *EDeviceKeyBytes) UnmarshalCBOR(data []byte) error {
	content, err := unmarshalTag24(data)
	if err != nil {
		return err
	}
	*e = content
	return nil
}

// EReaderKeyBytes is #6.24(bstr .cbor COSE_Key).
type EReaderKeyBytes []byte

func (e EReaderKeyBytes) MarshalCBOR() ([]byte, error) { return marshalTag24(e) }

func (e *EReaderKeyBytes) UnmarshalCBOR(data []byte) error {
	content, err := unmarshalTag24(data)
	if err != nil {
		return err
	}
	*e = content
	return nil
}

// PublicKey decodes the reader's ephemeral key.
func (e EReaderKeyBytes) PublicKey() (*ecdh.PublicKey, error) {
	var key COSEKey
	if err := cbor.Unmarshal(e, &key); err != nil {
		return nil, NewWrappedCategoryError(ErrCategorySession, err, "failed to decode EReaderKey")
	}
	return key.ECDH()
}

// NewDeviceEngagement encodes a DeviceEngagement for an ephemeral device
// key and returns its bytes.
func NewDeviceEngagement(eDeviceKey *ecdh.PublicKey) ([]byte, error) {
	coseKey, err := NewCOSEKey(eDeviceKey)
	if err != nil {
		return nil, err
	}
	keyBytes, err := cbor.Marshal(coseKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal device key: %w", err)
	}
	return cbor.Marshal(DeviceEngagement{
		Version: "1.0",
		Security: Security{
			CipherSuite:     cipherSuiteIdentifier,
			EDeviceKeyBytes: keyBytes,
		},
	})
}

// ParseDeviceEngagement returns the ephemeral device key from engagement bytes.
func ParseDeviceEngagement(data []byte) (*ecdh.PublicKey, error) {
	var de DeviceEngagement
	if err := cbor.Unmarshal(data, &de); err != nil {
		return nil, NewWrappedCategoryError(ErrCategorySession, err, "failed to decode device engagement")
	}
	if de.Security.CipherSuite != cipherSuiteIdentifier {
		return nil, NewCategoryError(ErrCategorySession, "unsupported cipher suite %d", de.Security.CipherSuite)
	}
	var key COSEKey
	if err := cbor.Unmarshal(de.Security.EDeviceKeyBytes, &key); err != nil {
		return nil, NewWrappedCategoryError(ErrCategorySession, err, "failed to decode EDeviceKey")
	}
	return key.ECDH()
}

type SessionEstablishment struct {
	EReaderKey EReaderKeyBytes `json:"eReaderKey"`
	Data       []byte          `json:"data"`
}

type SessionData struct {
	Data   []byte `json:"data,omitempty"`
	Status *uint  `json:"status,omitempty"`
}

func NewSessionStatus(status uint) SessionData {
	return SessionData{Status: &status}
}

type Role int

const (
	RoleMdoc Role = iota
	RoleReader
)

// SessionEncryption implements the AES-256-GCM session encryption of
// ISO/IEC 18013-5 9.1.1.5. Message counters start at 1 per direction.
type SessionEncryption struct {
	mu         sync.Mutex
	role       Role
	encKey     []byte
	decKey     []byte
	encCounter uint32
	decCounter uint32
}

func NewSessionEncryption(role Role, self *ecdh.PrivateKey, remote *ecdh.PublicKey, sessionTranscript []byte) (*SessionEncryption, error) {
	if self == nil || remote == nil {
		return nil, NewCategoryError(ErrCategorySession, "missing session key")
	}
	shared, err := self.ECDH(remote)
	if err != nil {
		return nil, NewWrappedCategoryError(ErrCategorySession, err, "failed to compute shared secret")
	}
	skReader, err := deriveSessionKey(shared, sessionTranscript, "SKReader")
	if err != nil {
		return nil, err
	}
	skDevice, err := deriveSessionKey(shared, sessionTranscript, "SKDevice")
	if err != nil {
		return nil, err
	}

	s := &SessionEncryption{role: role}
	if role == RoleMdoc {
		s.encKey, s.decKey = skDevice, skReader
	} else {
		s.encKey, s.decKey = skReader, skDevice
	}
	return s, nil
}

func nonce(identifier byte, counter uint32) []byte {
	n := make([]byte, 12)
	n[7] = identifier
	binary.BigEndian.PutUint32(n[8:], counter)
	return n
}

func (s *SessionEncryption) identifiers() (enc, dec byte) {
	if s.role == RoleMdoc {
		return 1, 0
	}
	return 0, 1
}

func (s *SessionEncryption) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	aead, err := newGCM(s.encKey)
	if err != nil {
		return nil, err
	}
	s.encCounter++
	id, _ := s.identifiers()
	return aead.Seal(nil, nonce(id, s.encCounter), plaintext, nil), nil
}

func (s *SessionEncryption) Decrypt(ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	aead, err := newGCM(s.decKey)
	if err != nil {
		return nil, err
	}
	_, id := s.identifiers()
	plaintext, err := aead.Open(nil, nonce(id, s.decCounter+1), ciphertext, nil)
	if err != nil {
		return nil, NewWrappedCategoryError(ErrCategorySession, err, "failed to decrypt session data")
	}
	s.decCounter++
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
