package fixtures

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"time"

	"github.com/kokukuma/mdoc-presentment/pkg/pki"
)

var (
	// Just specify something
	CRLPoint = "https://preprod.pki.eudiw.dev/crl/pid_CA_UT_01.crl"

	// ISO/IEC 18013-5 Annex B extended key usages.
	documentSignerOID = asn1.ObjectIdentifier{1, 0, 18013, 5, 1, 2}
	readerAuthOID     = asn1.ObjectIdentifier{1, 0, 18013, 5, 1, 6}
)

func createRootCertificate(key *ecdsa.PrivateKey, now time.Time) (*x509.Certificate, error) {
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "IACA mdoc-presentment", Country: []string{"UT"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
		SubjectKeyId:          pki.CalcKID(&key.PublicKey, "sha1"),
		CRLDistributionPoints: []string{CRLPoint},
	}
	return createCertificate(&template, &template, key, key)
}

func createDocumentSignerCertificate(key *ecdsa.PrivateKey, parent *x509.Certificate, parentKey *ecdsa.PrivateKey, now time.Time) (*x509.Certificate, error) {
	template := x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "DS mdoc-presentment", Country: []string{"UT"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		UnknownExtKeyUsage:    []asn1.ObjectIdentifier{documentSignerOID},
		SubjectKeyId:          pki.CalcKID(&key.PublicKey, "sha1"),
		AuthorityKeyId:        pki.CalcKID(&parentKey.PublicKey, "sha1"),
		CRLDistributionPoints: []string{CRLPoint},
	}
	return createCertificate(&template, parent, key, parentKey)
}

func createReaderCertificate(key *ecdsa.PrivateKey, dnsName string, parent *x509.Certificate, parentKey *ecdsa.PrivateKey, now time.Time) (*x509.Certificate, error) {
	template := x509.Certificate{
		SerialNumber:          big.NewInt(3),
		Subject:               pkix.Name{CommonName: "Reader " + dnsName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		UnknownExtKeyUsage:    []asn1.ObjectIdentifier{readerAuthOID},
		DNSNames:              []string{dnsName},
		SubjectKeyId:          pki.CalcKID(&key.PublicKey, "sha1"),
		AuthorityKeyId:        pki.CalcKID(&parentKey.PublicKey, "sha1"),
		CRLDistributionPoints: []string{CRLPoint},
	}
	return createCertificate(&template, parent, key, parentKey)
}

func createCertificate(template, parent *x509.Certificate, key, parentKey *ecdsa.PrivateKey) (*x509.Certificate, error) {
	derBytes, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, parentKey)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(derBytes)
}
