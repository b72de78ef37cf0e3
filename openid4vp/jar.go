package openid4vp

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	jwt "github.com/form3tech-oss/jwt-go"
	"github.com/kokukuma/mdoc-presentment/pkg/pki"
	"github.com/ory/go-convenience/stringslice"
)

const (
	TypAuthzReq = "oauth-authz-req+jwt"

	ClientIDPrefixX509SanDNS = "x509_san_dns:"
)

// SignedRequest is the data of an openid4vp-v1-signed request.
type SignedRequest struct {
	Request string `json:"request"`
}

type RequestObject struct {
	AuthorizationRequest
	jwt.StandardClaims
}

// Sign produces a JWS with the signer chain in x5c.
func (c *RequestObject) Sign(sigKey *ecdsa.PrivateKey, certChain []string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, c)
	token.Header["x5c"] = certChain
	token.Header["typ"] = TypAuthzReq
	token.Header["kid"] = base64.RawURLEncoding.EncodeToString(pki.CalcKID(&sigKey.PublicKey, "sha256"))

	return token.SignedString(sigKey)
}

// ParseSignedRequest verifies a request object against roots and checks
// that an x509_san_dns client_id names the leaf certificate.
func ParseSignedRequest(data []byte, roots *x509.CertPool) (*AuthorizationRequest, error) {
	var signed SignedRequest
	if err := json.Unmarshal(data, &signed); err != nil {
		return nil, fmt.Errorf("failed to parse signed request: %w", err)
	}
	if signed.Request == "" {
		return nil, fmt.Errorf("request is missing")
	}

	var leaf *x509.Certificate
	token, err := jwt.Parse(signed.Request, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		if typ, _ := t.Header["typ"].(string); typ != TypAuthzReq {
			return nil, fmt.Errorf("unexpected typ: %q", typ)
		}
		chain, err := pki.ParseX5C(t.Header["x5c"])
		if err != nil {
			return nil, err
		}
		if err := pki.VerifyChain(chain, roots); err != nil {
			return nil, err
		}
		pub, ok := chain[0].PublicKey.(*ecdsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("unsupported request signer key type %T", chain[0].PublicKey)
		}
		leaf = chain[0]
		return pub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to verify request object: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", token.Claims)
	}
	req, err := decodeClaims(claims)
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid authorization request: %w", err)
	}
	if err := checkClientID(req.ClientID, leaf); err != nil {
		return nil, err
	}
	return req, nil
}

func checkClientID(clientID string, leaf *x509.Certificate) error {
	if !strings.HasPrefix(clientID, ClientIDPrefixX509SanDNS) {
		return fmt.Errorf("unsupported client_id: %q", clientID)
	}
	dnsName := strings.TrimPrefix(clientID, ClientIDPrefixX509SanDNS)
	if !stringslice.Has(leaf.DNSNames, dnsName) {
		return fmt.Errorf("client_id %q does not match the request signer", clientID)
	}
	return nil
}

// CheckOrigin requires origin to be one of expected_origins when the
// request names any.
func (r *AuthorizationRequest) CheckOrigin(origin string) error {
	if len(r.ExpectedOrigins) == 0 {
		return nil
	}
	if !stringslice.Has(r.ExpectedOrigins, origin) {
		return fmt.Errorf("origin %q is not in expected_origins", origin)
	}
	return nil
}
