package pki

import (
	"crypto/x509"
	"encoding/base64"
	"fmt"
)

// ParseX5C decodes a JOSE x5c header, leaf first.
func ParseX5C(header interface{}) ([]*x509.Certificate, error) {
	var values []string
	switch h := header.(type) {
	case []string:
		values = h
	case []interface{}:
		for i, v := range h {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("x5c[%d] is not a string", i)
			}
			values = append(values, s)
		}
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("x5c header is missing")
	}

	chain := make([]*x509.Certificate, 0, len(values))
	for i, s := range values {
		der, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("failed to decode x5c[%d]: %w", i, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse x5c[%d]: %w", i, err)
		}
		chain = append(chain, cert)
	}
	return chain, nil
}

// VerifyChain verifies chain[0] against roots, using the rest of the chain
// as intermediates.
func VerifyChain(chain []*x509.Certificate, roots *x509.CertPool) error {
	if len(chain) == 0 {
		return fmt.Errorf("empty certificate chain")
	}
	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}
	_, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("failed to verify x5c chain: %w", err)
	}
	return nil
}
