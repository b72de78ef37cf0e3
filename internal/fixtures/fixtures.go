// Package fixtures issues real test credentials: an IACA root, a document
// signer, mdocs and SD-JWT VCs signed under them, and reader identities for
// signed requests.
package fixtures

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kokukuma/mdoc-presentment/pkg/pki"
)

// Authority is an IACA root with one document signer.
type Authority struct {
	RootKey    *ecdsa.PrivateKey
	RootCert   *x509.Certificate
	SignerKey  *ecdsa.PrivateKey
	SignerCert *x509.Certificate
}

func NewAuthority() (*Authority, error) {
	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	rootCert, err := createRootCertificate(rootKey, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to create root certificate: %w", err)
	}
	return newAuthority(rootKey, rootCert)
}

// LoadOrCreateAuthority keeps the root key and certificate in dir so that a
// verifier can trust it across restarts. The document signer is fresh.
func LoadOrCreateAuthority(dir string) (*Authority, error) {
	keyPath := filepath.Join(dir, "rootKey.pem")
	certPath := filepath.Join(dir, "rootCert.pem")

	if fileExists(keyPath) && fileExists(certPath) {
		rootKey, err := pki.ReadECDSAPrivateKey(keyPath)
		if err != nil {
			return nil, err
		}
		rootCert, err := pki.LoadCertificate(certPath)
		if err != nil {
			return nil, err
		}
		return newAuthority(rootKey, rootCert)
	}

	a, err := NewAuthority()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	if err := pki.WriteECDSAPrivateKey(a.RootKey, keyPath); err != nil {
		return nil, err
	}
	if err := pki.WriteCertificate(a.RootCert, certPath); err != nil {
		return nil, err
	}
	return a, nil
}

func newAuthority(rootKey *ecdsa.PrivateKey, rootCert *x509.Certificate) (*Authority, error) {
	signerKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	signerCert, err := createDocumentSignerCertificate(signerKey, rootCert, rootKey, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to create document signer certificate: %w", err)
	}
	return &Authority{
		RootKey:    rootKey,
		RootCert:   rootCert,
		SignerKey:  signerKey,
		SignerCert: signerCert,
	}, nil
}

func (a *Authority) Roots() *x509.CertPool {
	roots := x509.NewCertPool()
	roots.AddCert(a.RootCert)
	return roots
}

// X5C is the signer chain as a JOSE x5c header, leaf first.
func (a *Authority) X5C() []string {
	return []string{
		base64.StdEncoding.EncodeToString(a.SignerCert.Raw),
		base64.StdEncoding.EncodeToString(a.RootCert.Raw),
	}
}

// ReaderIdentity is a verifier key with a certificate for dnsName, used to
// sign request objects.
type ReaderIdentity struct {
	Key  *ecdsa.PrivateKey
	Cert *x509.Certificate
	X5C  []string
}

func (a *Authority) NewReaderIdentity(dnsName string) (*ReaderIdentity, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	cert, err := createReaderCertificate(key, dnsName, a.RootCert, a.RootKey, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to create reader certificate: %w", err)
	}
	return &ReaderIdentity{
		Key:  key,
		Cert: cert,
		X5C: []string{
			base64.StdEncoding.EncodeToString(cert.Raw),
			base64.StdEncoding.EncodeToString(a.RootCert.Raw),
		},
	}, nil
}

func fileExists(filename string) bool {
	_, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil
}
