// Package sdjwt parses SD-JWT VCs, selects the disclosures a presentation
// needs and binds presentations to the holder key with a KB-JWT.
//
// Serialization: <issuer JWT>~<disclosure 1>~...~<disclosure N>~[<KB-JWT>]
package sdjwt

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	jwt "github.com/form3tech-oss/jwt-go"
	"github.com/kokukuma/mdoc-presentment/claim"
	"github.com/kokukuma/mdoc-presentment/pkg/pki"
	jose "gopkg.in/square/go-jose.v2"
)

const (
	TypSdJwtVc       = "dc+sd-jwt"
	TypSdJwtVcLegacy = "vc+sd-jwt"
	TypKbJwt         = "kb+jwt"

	DefaultSdAlg = "sha-256"

	separator = "~"

	keySd          = "_sd"
	keySdAlg       = "_sd_alg"
	keyArrayDigest = "..."
	keyVct         = "vct"
	keyCnf         = "cnf"
)

var (
	ErrMalformed    = errors.New("malformed sd-jwt")
	ErrPathNotFound = errors.New("claim path not found in sd-jwt")
)

// SdJwt is a parsed SD-JWT. The issuer JWT signature is not checked by
// Parse; see VerifyIssuer.
type SdJwt struct {
	IssuerJWT   string
	Disclosures []*Disclosure
	KeyBinding  string

	Header  map[string]interface{}
	Payload map[string]interface{}

	claims claim.Value
}

func Parse(serialized string) (*SdJwt, error) {
	parts := strings.Split(serialized, separator)
	if len(parts) < 2 || parts[0] == "" {
		return nil, fmt.Errorf("%w: missing separator", ErrMalformed)
	}

	token, _, err := new(jwt.Parser).ParseUnverified(parts[0], jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse issuer jwt: %v", ErrMalformed, err)
	}
	payload, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrMalformed)
	}

	s := &SdJwt{
		IssuerJWT:  parts[0],
		KeyBinding: parts[len(parts)-1],
		Header:     token.Header,
		Payload:    payload,
	}

	alg := s.SdAlg()
	seen := map[string]bool{}
	for _, encoded := range parts[1 : len(parts)-1] {
		if encoded == "" {
			return nil, fmt.Errorf("%w: empty disclosure", ErrMalformed)
		}
		d, err := DecodeDisclosure(encoded, alg)
		if err != nil {
			return nil, err
		}
		if seen[d.Digest] {
			return nil, fmt.Errorf("%w: duplicate disclosure %s", ErrMalformed, d.Digest)
		}
		seen[d.Digest] = true
		s.Disclosures = append(s.Disclosures, d)
	}

	if err := s.reconstruct(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SdJwt) SdAlg() string {
	if alg, ok := s.Payload[keySdAlg].(string); ok && alg != "" {
		return alg
	}
	return DefaultSdAlg
}

func (s *SdJwt) Vct() string {
	vct, _ := s.Payload[keyVct].(string)
	return vct
}

// Claims is the payload with every disclosure applied and the SD-JWT
// bookkeeping claims removed.
func (s *SdJwt) Claims() claim.Value {
	return s.claims
}

// HolderKey returns the cnf.jwk key, or nil when the credential is not key
// bound.
func (s *SdJwt) HolderKey() (*ecdsa.PublicKey, error) {
	cnf, ok := s.Payload[keyCnf].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	raw, ok := cnf["jwk"]
	if !ok {
		return nil, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cnf jwk: %w", err)
	}
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(b); err != nil {
		return nil, fmt.Errorf("failed to parse cnf jwk: %w", err)
	}
	pub, ok := jwk.Key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported holder key type: %T", jwk.Key)
	}
	return pub, nil
}

func (s *SdJwt) IsKeyBound() bool {
	key, err := s.HolderKey()
	return err == nil && key != nil
}

// Serialize returns the SD-JWT, including the KB-JWT when present.
func (s *SdJwt) Serialize() string {
	return s.withoutKeyBinding() + s.KeyBinding
}

func (s *SdJwt) withoutKeyBinding() string {
	var b strings.Builder
	b.WriteString(s.IssuerJWT)
	b.WriteString(separator)
	for _, d := range s.Disclosures {
		b.WriteString(d.Encoded)
		b.WriteString(separator)
	}
	return b.String()
}

// Select returns a copy keeping only the disclosures needed to reveal the
// given paths: those on the way to a requested claim and those inside it.
// Any key binding is dropped.
func (s *SdJwt) Select(paths []claim.Path) (*SdJwt, error) {
	var concrete []claim.Path
	for _, p := range paths {
		expanded := claim.Expand(s.claims, p)
		if len(expanded) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, p)
		}
		concrete = append(concrete, expanded...)
	}

	out := &SdJwt{
		IssuerJWT: s.IssuerJWT,
		Header:    s.Header,
		Payload:   s.Payload,
	}
	for _, d := range s.Disclosures {
		for _, p := range concrete {
			if p.HasPrefix(d.path) || d.path.HasPrefix(p) {
				c := *d
				out.Disclosures = append(out.Disclosures, &c)
				break
			}
		}
	}
	if err := out.reconstruct(); err != nil {
		return nil, err
	}
	return out, nil
}

// VerifyIssuer checks the issuer JWT signature.
func (s *SdJwt) VerifyIssuer(pub *ecdsa.PublicKey) error {
	token, err := jwt.Parse(s.IssuerJWT, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return pub, nil
	})
	if err != nil {
		return fmt.Errorf("failed to verify issuer jwt: %w", err)
	}
	typ, _ := token.Header["typ"].(string)
	if typ != TypSdJwtVc && typ != TypSdJwtVcLegacy {
		return fmt.Errorf("unexpected issuer jwt typ: %q", typ)
	}
	return nil
}

// VerifyIssuerChain checks the issuer JWT against the x5c chain in its
// header, the chain being verified against roots.
func (s *SdJwt) VerifyIssuerChain(roots *x509.CertPool) error {
	header, err := s.issuerHeader()
	if err != nil {
		return err
	}
	chain, err := pki.ParseX5C(header["x5c"])
	if err != nil {
		return err
	}
	if err := pki.VerifyChain(chain, roots); err != nil {
		return err
	}
	pub, ok := chain[0].PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("unsupported issuer key type %T", chain[0].PublicKey)
	}
	return s.VerifyIssuer(pub)
}

func (s *SdJwt) issuerHeader() (map[string]interface{}, error) {
	parts := strings.Split(s.IssuerJWT, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("issuer jwt is not a compact jws")
	}
	raw, err := b64.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("failed to decode issuer jwt header: %w", err)
	}
	var header map[string]interface{}
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("failed to parse issuer jwt header: %w", err)
	}
	return header, nil
}

// reconstruct applies the disclosures to the payload, recording where each
// one lands. Every disclosure must be referenced exactly once.
func (s *SdJwt) reconstruct() error {
	byDigest := make(map[string]*Disclosure, len(s.Disclosures))
	for _, d := range s.Disclosures {
		byDigest[d.Digest] = d
		d.path = nil
	}

	r := &reconstructor{byDigest: byDigest, used: map[string]bool{}}
	payload := make(map[string]interface{}, len(s.Payload))
	for k, v := range s.Payload {
		if k == keyCnf {
			continue
		}
		payload[k] = v
	}
	tree, err := r.value(payload, nil)
	if err != nil {
		return err
	}
	for _, d := range s.Disclosures {
		if !r.used[d.Digest] {
			return fmt.Errorf("%w: disclosure %s is not referenced", ErrMalformed, d.Digest)
		}
	}
	s.claims = claim.FromJSON(tree)
	return nil
}

type reconstructor struct {
	byDigest map[string]*Disclosure
	used     map[string]bool
}

func (r *reconstructor) claim(digest string) *Disclosure {
	return r.byDigest[digest]
}

func (r *reconstructor) use(d *Disclosure) error {
	if r.used[d.Digest] {
		return fmt.Errorf("%w: disclosure %s referenced twice", ErrMalformed, d.Digest)
	}
	r.used[d.Digest] = true
	return nil
}

func (r *reconstructor) value(v interface{}, at claim.Path) (interface{}, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		return r.object(t, at)
	case []interface{}:
		return r.array(t, at)
	}
	return v, nil
}

func (r *reconstructor) object(obj map[string]interface{}, at claim.Path) (interface{}, error) {
	out := map[string]interface{}{}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if k == keySd || k == keySdAlg {
			continue
		}
		v, err := r.value(obj[k], appendPath(at, claim.Key(k)))
		if err != nil {
			return nil, err
		}
		out[k] = v
	}

	digests, _ := obj[keySd].([]interface{})
	for _, raw := range digests {
		digest, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%w: non-string digest in _sd", ErrMalformed)
		}
		d := r.claim(digest)
		if d == nil {
			continue
		}
		if d.IsArrayElement() {
			return nil, fmt.Errorf("%w: array element disclosure referenced from an object", ErrMalformed)
		}
		if _, exists := out[d.Key]; exists {
			return nil, fmt.Errorf("%w: disclosed claim %q already present", ErrMalformed, d.Key)
		}
		if err := r.use(d); err != nil {
			return nil, err
		}
		d.path = appendPath(at, claim.Key(d.Key))
		v, err := r.value(d.Value, d.path)
		if err != nil {
			return nil, err
		}
		out[d.Key] = v
	}
	return out, nil
}

func (r *reconstructor) array(arr []interface{}, at claim.Path) (interface{}, error) {
	out := []interface{}{}
	for _, elem := range arr {
		if obj, ok := elem.(map[string]interface{}); ok && len(obj) == 1 {
			if digest, ok := obj[keyArrayDigest].(string); ok {
				d := r.claim(digest)
				if d == nil {
					continue
				}
				if !d.IsArrayElement() {
					return nil, fmt.Errorf("%w: object disclosure referenced from an array", ErrMalformed)
				}
				if err := r.use(d); err != nil {
					return nil, err
				}
				d.path = appendPath(at, claim.Index(len(out)))
				v, err := r.value(d.Value, d.path)
				if err != nil {
					return nil, err
				}
				out = append(out, v)
				continue
			}
		}
		v, err := r.value(elem, appendPath(at, claim.Index(len(out))))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func appendPath(at claim.Path, seg claim.Segment) claim.Path {
	return append(append(claim.Path{}, at...), seg)
}
