package sdjwt

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/kokukuma/mdoc-presentment/claim"
	"github.com/kokukuma/mdoc-presentment/pkg/hash"
)

var b64 = base64.RawURLEncoding

// Disclosure is [salt, key, value] for object properties and [salt, value]
// for array elements.
type Disclosure struct {
	Encoded string
	Digest  string
	Salt    string
	Key     string
	Value   interface{}

	arrayElement bool
	path         claim.Path
}

func (d *Disclosure) IsArrayElement() bool { return d.arrayElement }

// Path is where the disclosure lands in the reconstructed claims.
func (d *Disclosure) Path() claim.Path { return d.path }

func DecodeDisclosure(encoded, sdAlg string) (*Disclosure, error) {
	raw, err := b64.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode disclosure: %v", ErrMalformed, err)
	}

	var array []interface{}
	if err := json.Unmarshal(raw, &array); err != nil {
		return nil, fmt.Errorf("%w: failed to parse disclosure: %v", ErrMalformed, err)
	}

	d := &Disclosure{Encoded: encoded}
	switch len(array) {
	case 3:
		key, ok := array[1].(string)
		if !ok {
			return nil, fmt.Errorf("%w: disclosure key is not a string", ErrMalformed)
		}
		if key == keySd || key == keyArrayDigest {
			return nil, fmt.Errorf("%w: reserved disclosure key %q", ErrMalformed, key)
		}
		d.Key, d.Value = key, array[2]
	case 2:
		d.arrayElement = true
		d.Value = array[1]
	default:
		return nil, fmt.Errorf("%w: disclosure array length should be 2 or 3 but is %d", ErrMalformed, len(array))
	}

	salt, ok := array[0].(string)
	if !ok {
		return nil, fmt.Errorf("%w: disclosure salt is not a string", ErrMalformed)
	}
	d.Salt = salt

	if d.Digest, err = digest(sdAlg, encoded); err != nil {
		return nil, err
	}
	return d, nil
}

func digest(sdAlg, s string) (string, error) {
	sum, err := hash.Digest([]byte(s), sdAlg)
	if err != nil {
		return "", err
	}
	return b64.EncodeToString(sum), nil
}

func newSalt(rand io.Reader) (string, error) {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand, b); err != nil {
		return "", err
	}
	return b64.EncodeToString(b), nil
}

// newDisclosure encodes a disclosure; key is empty for array elements.
func newDisclosure(rand io.Reader, sdAlg, key string, value interface{}, arrayElement bool) (*Disclosure, error) {
	salt, err := newSalt(rand)
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	array := []interface{}{salt, key, value}
	if arrayElement {
		array = []interface{}{salt, value}
	}
	raw, err := json.Marshal(array)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal disclosure: %w", err)
	}
	encoded := b64.EncodeToString(raw)
	dig, err := digest(sdAlg, encoded)
	if err != nil {
		return nil, err
	}
	return &Disclosure{
		Encoded:      encoded,
		Digest:       dig,
		Salt:         salt,
		Key:          key,
		Value:        value,
		arrayElement: arrayElement,
	}, nil
}
