package mdoc

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/kokukuma/mdoc-presentment/pkg/hash"
	"github.com/veraison/go-cose"
)

type DocType string

type NameSpace string

type ElementIdentifier string

type ElementValue interface{}

const DeviceResponseVersion = "1.0"

// DeviceResponse status codes, ISO/IEC 18013-5 8.3.2.1.2.3.
const (
	StatusOK                  uint = 0
	StatusGeneralError        uint = 10
	StatusCBORDecodingError   uint = 11
	StatusCBORValidationError uint = 12
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:    cbor.SortCanonical,
		Time:    cbor.TimeRFC3339,
		TimeTag: cbor.EncTagRequired,
	}.EncMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v with canonical map ordering and tdate timestamps.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

type DeviceResponse struct {
	Version        string          `json:"version"`
	Documents      []Document      `json:"documents,omitempty"`
	DocumentErrors []DocumentError `json:"documentErrors,omitempty"`
	Status         uint            `json:"status"`
}

func (d DeviceResponse) GetDocument(docType DocType) (*Document, error) {
	for _, doc := range d.Documents {
		if doc.DocType == docType {
			return &doc, nil
		}
	}
	return nil, ErrDocumentNotFound{DocType: docType}
}

type Document struct {
	DocType      DocType      `json:"docType"`
	IssuerSigned IssuerSigned `json:"issuerSigned"`
	DeviceSigned DeviceSigned `json:"deviceSigned"`
	Errors       Errors       `json:"errors,omitempty"`
}

func (d *Document) GetElementValue(namespace NameSpace, elementIdentifier ElementIdentifier) (ElementValue, error) {
	if d.DocType == "" {
		return nil, ErrInvalidDocument{Reason: "empty document type"}
	}
	return d.IssuerSigned.GetElementValue(namespace, elementIdentifier)
}

type IssuerSigned struct {
	NameSpaces IssuerNameSpaces          `json:"nameSpaces,omitempty"`
	IssuerAuth cose.UntaggedSign1Message `json:"issuerAuth"`
}

func (i *IssuerSigned) GetNameSpaces() []NameSpace {
	nss := []NameSpace{}
	for ns := range i.NameSpaces {
		nss = append(nss, ns)
	}
	sort.Slice(nss, func(a, b int) bool { return nss[a] < nss[b] })
	return nss
}

func (i *IssuerSigned) GetIssuerSignedItems(ns NameSpace) ([]IssuerSignedItem, error) {
	isis := []IssuerSignedItem{}

	if len(i.NameSpaces[ns]) == 0 {
		return nil, ErrNamespaceNotFound{Namespace: ns}
	}
	for _, b := range i.NameSpaces[ns] {
		isi, err := b.IssuerSignedItem()
		if err != nil {
			return nil, fmt.Errorf("failed to parse issuerSignedItem: %w", err)
		}
		isis = append(isis, *isi)
	}
	return isis, nil
}

// FindItem returns the encoded item for an element, keeping the issuer's
// bytes so the digest in the MSO still matches.
func (i *IssuerSigned) FindItem(ns NameSpace, id ElementIdentifier) (IssuerSignedItemBytes, *IssuerSignedItem, error) {
	itemBytes, ok := i.NameSpaces[ns]
	if !ok {
		return nil, nil, ErrNamespaceNotFound{Namespace: ns}
	}
	for _, ib := range itemBytes {
		item, err := ib.IssuerSignedItem()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get issuer signed item: %w", err)
		}
		if item.ElementIdentifier == id {
			return ib, item, nil
		}
	}
	return nil, nil, ErrElementNotFound{Namespace: ns, Element: id}
}

func (i *IssuerSigned) GetElementValue(ns NameSpace, id ElementIdentifier) (ElementValue, error) {
	if i.NameSpaces == nil {
		return nil, ErrNamespaceEmpty{}
	}
	_, item, err := i.FindItem(ns, id)
	if err != nil {
		return nil, err
	}
	if tag, ok := item.ElementValue.(cbor.Tag); ok {
		return tag.Content, nil
	}
	return item.ElementValue, nil
}

func (i *IssuerSigned) Alg() (cose.Algorithm, error) {
	if i.IssuerAuth.Headers.Protected == nil {
		return 0, ErrMissingProtectedHeader{}
	}
	return i.IssuerAuth.Headers.Protected.Algorithm()
}

func (i *IssuerSigned) DocumentSigningKey() (*ecdsa.PublicKey, error) {
	certificate, err := i.DocumentSigningCertificate()
	if err != nil {
		return nil, fmt.Errorf("failed to get document signing certificate: %w", err)
	}

	documentSigningKey, ok := certificate.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, ErrInvalidKeyType{Type: fmt.Sprintf("%T", certificate.PublicKey)}
	}
	return documentSigningKey, nil
}

func (i *IssuerSigned) DocumentSigningCertificate() (*x509.Certificate, error) {
	certificates, err := i.DocumentSigningCertificateChain()
	if err != nil {
		return nil, err
	}
	return certificates[0], nil
}

func (i *IssuerSigned) DocumentSigningCertificateChain() ([]*x509.Certificate, error) {
	if i.IssuerAuth.Headers.Unprotected == nil {
		return nil, ErrMissingHeaders{}
	}

	rawX5Chain, ok := i.IssuerAuth.Headers.Unprotected[cose.HeaderLabelX5Chain]
	if !ok {
		return nil, ErrX5ChainIssue{Reason: "x5chain not found in unprotected headers"}
	}

	var rawX5ChainBytes [][]byte
	switch v := rawX5Chain.(type) {
	case [][]byte:
		rawX5ChainBytes = v
	case []byte:
		rawX5ChainBytes = [][]byte{v}
	case []interface{}:
		for _, c := range v {
			b, ok := c.([]byte)
			if !ok {
				return nil, ErrX5ChainIssue{Reason: fmt.Sprintf("unexpected x5chain element type: %T", c)}
			}
			rawX5ChainBytes = append(rawX5ChainBytes, b)
		}
	default:
		return nil, ErrX5ChainIssue{Reason: fmt.Sprintf("unexpected x5chain type: %T", rawX5Chain)}
	}

	if len(rawX5ChainBytes) == 0 {
		return nil, ErrX5ChainIssue{Reason: "empty x5chain"}
	}

	certs := make([]*x509.Certificate, 0, len(rawX5ChainBytes))
	for _, certData := range rawX5ChainBytes {
		cert, err := x509.ParseCertificate(certData)
		if err != nil {
			return nil, ErrCertificateChainIssue{Err: err}
		}
		certs = append(certs, cert)
	}

	return certs, nil
}

func (i *IssuerSigned) MobileSecurityObject() (*MobileSecurityObject, error) {
	if i.IssuerAuth.Payload == nil {
		return nil, ErrMissingPayload{}
	}

	var taggedData cbor.Tag
	if err := cbor.Unmarshal(i.IssuerAuth.Payload, &taggedData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tagged data: %w", err)
	}

	content, ok := taggedData.Content.([]byte)
	if taggedData.Number != 24 || !ok {
		return nil, ErrInvalidTaggedContent{Type: fmt.Sprintf("tag %d %T", taggedData.Number, taggedData.Content)}
	}

	var mso MobileSecurityObject
	if err := cbor.Unmarshal(content, &mso); err != nil {
		return nil, fmt.Errorf("failed to unmarshal MSO: %w", err)
	}

	return &mso, nil
}

type IssuerNameSpaces map[NameSpace][]IssuerSignedItemBytes

// IssuerSignedItemBytes holds an encoded IssuerSignedItem. It is carried on
// the wire as #6.24(bstr).
type IssuerSignedItemBytes []byte

func (i IssuerSignedItemBytes) MarshalCBOR() ([]byte, error) {
	return marshalTag24(i)
}

func (i *IssuerSignedItemBytes) UnmarshalCBOR(data []byte) error {
	content, err := unmarshalTag24(data)
	if err != nil {
		return fmt.Errorf("failed to decode issuer signed item bytes: %w", err)
	}
	*i = content
	return nil
}

func (i IssuerSignedItemBytes) IssuerSignedItem() (*IssuerSignedItem, error) {
	if len(i) == 0 {
		return nil, errors.New("empty issuer signed item bytes")
	}
	var item IssuerSignedItem
	if err := cbor.Unmarshal(i, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal issuer signed item: %w", err)
	}
	return &item, nil
}

// Digest hashes the tag-24 wrapped item, ISO/IEC 18013-5 9.1.2.5.
func (i IssuerSignedItemBytes) Digest(alg string) ([]byte, error) {
	v, err := i.MarshalCBOR()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tagged CBOR: %w", err)
	}
	return hash.Digest(v, alg)
}

type IssuerSignedItem struct {
	DigestID          DigestID          `json:"digestID"`
	Random            []byte            `json:"random"`
	ElementIdentifier ElementIdentifier `json:"elementIdentifier"`
	ElementValue      ElementValue      `json:"elementValue"`
}

type MobileSecurityObject struct {
	Version         string        `json:"version"`
	DigestAlgorithm string        `json:"digestAlgorithm"`
	ValueDigests    ValueDigests  `json:"valueDigests"`
	DeviceKeyInfo   DeviceKeyInfo `json:"deviceKeyInfo"`
	DocType         DocType       `json:"docType"`
	ValidityInfo    ValidityInfo  `json:"validityInfo"`
}

func (m *MobileSecurityObject) DeviceKey() (*ecdsa.PublicKey, error) {
	if m == nil || m.DeviceKeyInfo.DeviceKey == nil {
		return nil, ErrDeviceKeyNotAvailable{}
	}
	return m.DeviceKeyInfo.DeviceKey.ECDSA()
}

func (m *MobileSecurityObject) GetDigest(ns NameSpace, digestID DigestID) (Digest, error) {
	digests, ok := m.ValueDigests[ns]
	if !ok {
		return nil, ErrNamespaceDigestsNotFound{Namespace: ns}
	}
	digest, ok := digests[digestID]
	if !ok {
		return nil, ErrDigestNotFound{Namespace: ns, DigestID: digestID}
	}
	return digest, nil
}

func (m *MobileSecurityObject) KeyAuthorizations() (*KeyAuthorizations, error) {
	if m == nil || m.DeviceKeyInfo.KeyAuthorizations == nil {
		return nil, ErrKeyAuthorizationsNotAvailable{}
	}
	return m.DeviceKeyInfo.KeyAuthorizations, nil
}

type DeviceKeyInfo struct {
	DeviceKey         *COSEKey           `json:"deviceKey"`
	KeyAuthorizations *KeyAuthorizations `json:"keyAuthorizations,omitempty"`
	KeyInfo           KeyInfo            `json:"keyInfo,omitempty"`
}

type KeyAuthorizations struct {
	NameSpaces   []NameSpace                       `json:"nameSpaces,omitempty"`
	DataElements map[NameSpace][]ElementIdentifier `json:"dataElements,omitempty"`
}

type KeyInfo map[int]interface{}

type ValueDigests map[NameSpace]DigestIDs

type DigestIDs map[DigestID]Digest

type ValidityInfo struct {
	Signed         time.Time  `json:"signed"`
	ValidFrom      time.Time  `json:"validFrom"`
	ValidUntil     time.Time  `json:"validUntil"`
	ExpectedUpdate *time.Time `json:"expectedUpdate,omitempty"`
}

type DigestID uint32

type Digest []byte

type DeviceSigned struct {
	NameSpaces DeviceNameSpacesBytes `json:"nameSpaces"`
	DeviceAuth DeviceAuth            `json:"deviceAuth"`
}

// DeviceNameSpacesBytes holds an encoded DeviceNameSpaces map, carried as
// #6.24(bstr).
type DeviceNameSpacesBytes []byte

func (d DeviceNameSpacesBytes) MarshalCBOR() ([]byte, error) {
	return marshalTag24(d)
}

func (d *DeviceNameSpacesBytes) UnmarshalCBOR(data []byte) error {
	content, err := unmarshalTag24(data)
	if err != nil {
		return fmt.Errorf("failed to decode device name spaces bytes: %w", err)
	}
	*d = content
	return nil
}

type DeviceNameSpaces map[NameSpace]DeviceSignedItems

type DeviceSignedItems map[ElementIdentifier]ElementValue

// EmptyDeviceNameSpaces encodes an empty DeviceNameSpaces map.
func EmptyDeviceNameSpaces() DeviceNameSpacesBytes {
	b, _ := cbor.Marshal(map[NameSpace]DeviceSignedItems{})
	return b
}

func (d *DeviceSigned) DeviceNameSpaces() (DeviceNameSpaces, error) {
	if len(d.NameSpaces) == 0 {
		return nil, ErrDeviceNameSpacesNil{}
	}

	var nameSpaces DeviceNameSpaces
	if err := cbor.Unmarshal(d.NameSpaces, &nameSpaces); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device name spaces: %w", err)
	}
	return nameSpaces, nil
}

func (d *DeviceSigned) Alg() (cose.Algorithm, error) {
	if d == nil || d.DeviceAuth.DeviceSignature == nil {
		return 0, ErrDeviceSignedNil{}
	}
	if d.DeviceAuth.DeviceSignature.Headers.Protected == nil {
		return 0, ErrMissingDeviceProtectedHeaders{}
	}
	return d.DeviceAuth.DeviceSignature.Headers.Protected.Algorithm()
}

func (d *DeviceSigned) DeviceAuthenticationBytes(docType DocType, sessionTranscript []byte) ([]byte, error) {
	if d == nil {
		return nil, ErrDeviceSignedNil{}
	}
	return DeviceAuthenticationBytes(sessionTranscript, docType, d.NameSpaces)
}

type DeviceAuth struct {
	DeviceSignature *cose.UntaggedSign1Message `json:"deviceSignature,omitempty"`
	DeviceMac       *Mac0                      `json:"deviceMac,omitempty"`
}

type DocumentError map[DocType]ErrorCode

type Errors map[NameSpace]ErrorItems

type ErrorItems map[ElementIdentifier]ErrorCode

type ErrorCode int

// ErrorCodeDataNotReturned marks a requested element that was not
// returned, ISO/IEC 18013-5 8.3.2.1.2.3.
const ErrorCodeDataNotReturned ErrorCode = 0

// COSE elliptic curve identifiers, RFC 8152 Table 22.
const (
	P256          = 1
	P384          = 2
	P521          = 3
	BrainpoolP256 = 8
	BrainpoolP384 = 9
	BrainpoolP512 = 10
)

const keyTypeEC2 = 2

type COSEKey struct {
	Kty       int             `cbor:"1,keyasint,omitempty"`
	Kid       []byte          `cbor:"2,keyasint,omitempty"`
	Alg       int             `cbor:"3,keyasint,omitempty"`
	KeyOpts   int             `cbor:"4,keyasint,omitempty"`
	IV        []byte          `cbor:"5,keyasint,omitempty"`
	CrvOrNOrK cbor.RawMessage `cbor:"-1,keyasint,omitempty"` // K for symmetric keys, Crv for elliptic curve keys, N for RSA modulus
	XOrE      cbor.RawMessage `cbor:"-2,keyasint,omitempty"` // X for curve x-coordinate, E for RSA public exponent
	Y         cbor.RawMessage `cbor:"-3,keyasint,omitempty"` // Y for curve y-cooridate
	D         []byte          `cbor:"-4,keyasint,omitempty"`
}

// NewCOSEKey encodes a P-256 public key as an EC2 COSE_Key.
func NewCOSEKey(pub *ecdh.PublicKey) (*COSEKey, error) {
	if pub == nil || pub.Curve() != ecdh.P256() {
		return nil, ErrInvalidKeyType{Type: "only P-256 keys are supported"}
	}
	raw := pub.Bytes()
	crv, err := cbor.Marshal(P256)
	if err != nil {
		return nil, err
	}
	x, err := cbor.Marshal(raw[1:33])
	if err != nil {
		return nil, err
	}
	y, err := cbor.Marshal(raw[33:65])
	if err != nil {
		return nil, err
	}
	return &COSEKey{Kty: keyTypeEC2, CrvOrNOrK: crv, XOrE: x, Y: y}, nil
}

// NewCOSEKeyFromECDSA is NewCOSEKey for ECDSA keys.
func NewCOSEKeyFromECDSA(pub *ecdsa.PublicKey) (*COSEKey, error) {
	if pub == nil {
		return nil, ErrDeviceKeyNotAvailable{}
	}
	ecdhPub, err := pub.ECDH()
	if err != nil {
		return nil, fmt.Errorf("failed to convert key: %w", err)
	}
	return NewCOSEKey(ecdhPub)
}

func (k *COSEKey) ECDSA() (*ecdsa.PublicKey, error) {
	return parseECDSA(k)
}

func (k *COSEKey) ECDH() (*ecdh.PublicKey, error) {
	pub, err := parseECDSA(k)
	if err != nil {
		return nil, err
	}
	return pub.ECDH()
}

func parseECDSA(coseKey *COSEKey) (*ecdsa.PublicKey, error) {
	if coseKey == nil {
		return nil, errors.New("cose key is nil")
	}

	var crv int
	if err := cbor.Unmarshal(coseKey.CrvOrNOrK, &crv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal curve: %w", err)
	}

	var xBytes []byte
	if err := cbor.Unmarshal(coseKey.XOrE, &xBytes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal X coordinate: %w", err)
	}

	var yBytes []byte
	if err := cbor.Unmarshal(coseKey.Y, &yBytes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal Y coordinate: %w", err)
	}

	if len(xBytes) == 0 || len(yBytes) == 0 {
		return nil, errors.New("invalid coordinates")
	}

	var curve elliptic.Curve
	switch crv {
	case P256:
		curve = elliptic.P256()
	case P384:
		curve = elliptic.P384()
	case P521:
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported curve: %d", crv)
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}

func marshalTag24(content []byte) ([]byte, error) {
	return cbor.Marshal(cbor.Tag{Number: 24, Content: []byte(content)})
}

// unmarshalTag24 accepts #6.24(bstr) and, leniently, a bare bstr.
func unmarshalTag24(data []byte) ([]byte, error) {
	var tag cbor.Tag
	if err := cbor.Unmarshal(data, &tag); err == nil {
		content, ok := tag.Content.([]byte)
		if tag.Number != 24 || !ok {
			return nil, ErrInvalidTaggedContent{Type: fmt.Sprintf("tag %d %T", tag.Number, tag.Content)}
		}
		return content, nil
	}
	var content []byte
	if err := cbor.Unmarshal(data, &content); err != nil {
		return nil, err
	}
	return content, nil
}

// EncodeTag24 wraps already encoded CBOR in tag 24.
func EncodeTag24(content []byte) ([]byte, error) {
	return marshalTag24(content)
}
