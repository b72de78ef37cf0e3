package sdjwt

import (
	"crypto/ecdsa"
	"fmt"
	"io"
	"sort"
	"time"

	jwt "github.com/form3tech-oss/jwt-go"
	jose "gopkg.in/square/go-jose.v2"
)

// Issuer signs SD-JWT VCs. Every claim, at every depth, is made selectively
// disclosable.
type Issuer struct {
	Key    *ecdsa.PrivateKey
	Issuer string
	X5C    []string
}

func (i *Issuer) Issue(rand io.Reader, vct string, claims map[string]interface{}, holder *ecdsa.PublicKey, now time.Time, validity time.Duration) (string, error) {
	if i.Key == nil {
		return "", fmt.Errorf("issuer key is not set")
	}
	if vct == "" {
		return "", fmt.Errorf("vct cannot be empty")
	}

	conceal := &concealer{rand: rand, sdAlg: DefaultSdAlg}
	body, err := conceal.object(claims)
	if err != nil {
		return "", err
	}

	payload := jwt.MapClaims{
		"iss":    i.Issuer,
		"iat":    now.Unix(),
		"exp":    now.Add(validity).Unix(),
		keyVct:   vct,
		keySdAlg: DefaultSdAlg,
		keySd:    body[keySd],
	}
	if holder != nil {
		payload[keyCnf] = map[string]interface{}{
			"jwk": jose.JSONWebKey{Key: holder},
		}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, payload)
	token.Header["typ"] = TypSdJwtVc
	if len(i.X5C) > 0 {
		token.Header["x5c"] = i.X5C
	}
	signed, err := token.SignedString(i.Key)
	if err != nil {
		return "", fmt.Errorf("failed to sign issuer jwt: %w", err)
	}

	s := &SdJwt{IssuerJWT: signed, Disclosures: conceal.disclosures}
	return s.Serialize(), nil
}

type concealer struct {
	rand        io.Reader
	sdAlg       string
	disclosures []*Disclosure
}

func (c *concealer) value(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		return c.object(t)
	case []interface{}:
		return c.array(t)
	}
	return v, nil
}

func (c *concealer) object(obj map[string]interface{}) (map[string]interface{}, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	digests := make([]string, 0, len(keys))
	for _, k := range keys {
		v, err := c.value(obj[k])
		if err != nil {
			return nil, err
		}
		d, err := newDisclosure(c.rand, c.sdAlg, k, v, false)
		if err != nil {
			return nil, err
		}
		c.disclosures = append(c.disclosures, d)
		digests = append(digests, d.Digest)
	}
	sort.Strings(digests)

	sd := make([]interface{}, 0, len(digests))
	for _, d := range digests {
		sd = append(sd, d)
	}
	return map[string]interface{}{keySd: sd}, nil
}

func (c *concealer) array(arr []interface{}) ([]interface{}, error) {
	out := make([]interface{}, 0, len(arr))
	for _, elem := range arr {
		v, err := c.value(elem)
		if err != nil {
			return nil, err
		}
		d, err := newDisclosure(c.rand, c.sdAlg, "", v, true)
		if err != nil {
			return nil, err
		}
		c.disclosures = append(c.disclosures, d)
		out = append(out, map[string]interface{}{keyArrayDigest: d.Digest})
	}
	return out, nil
}
