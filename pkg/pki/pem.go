package pki

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	pemTypeECPrivateKey = "EC PRIVATE KEY"
	pemTypeCertificate  = "CERTIFICATE"
)

// LoadPrivateKey reads a P-256 EC private key and returns it as an ECDH key.
func LoadPrivateKey(dataPath string) (*ecdh.PrivateKey, error) {
	ecdsaPriv, err := ReadECDSAPrivateKey(dataPath)
	if err != nil {
		return nil, err
	}
	ecdhPriv, err := ecdsaPriv.ECDH()
	if err != nil {
		return nil, fmt.Errorf("failed to convert to ECDH private key: %w", err)
	}
	return ecdhPriv, nil
}

func ReadECDSAPrivateKey(filename string) (*ecdsa.PrivateKey, error) {
	pemBytes, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseECDSAPrivateKey(pemBytes)
}

func ParseECDSAPrivateKey(pemBytes []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != pemTypeECPrivateKey {
		return nil, fmt.Errorf("failed to decode PEM block containing private key")
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

func EncodeECDSAPrivateKey(privateKey *ecdsa.PrivateKey) ([]byte, error) {
	derBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeECPrivateKey, Bytes: derBytes}), nil
}

func WriteECDSAPrivateKey(privateKey *ecdsa.PrivateKey, filename string) error {
	b, err := EncodeECDSAPrivateKey(privateKey)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, b, 0o600)
}

func EncodeCertificate(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: cert.Raw})
}

func WriteCertificate(cert *x509.Certificate, filename string) error {
	return os.WriteFile(filename, EncodeCertificate(cert), 0o644)
}

func LoadCertificate(filename string) (*x509.Certificate, error) {
	pemBytes, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != pemTypeCertificate {
		return nil, fmt.Errorf("pem block was not found")
	}
	return x509.ParseCertificate(block.Bytes)
}

func GetRootCertificate(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %s, err: %w", path, err)
	}

	roots := x509.NewCertPool()
	if ok := roots.AppendCertsFromPEM(pem); !ok {
		return nil, fmt.Errorf("failed to load pem")
	}
	return roots, nil
}

// GetRootCertificates loads every *.pem file of a directory. Unreadable
// files are logged and skipped.
func GetRootCertificates(dirPath string) (*x509.CertPool, error) {
	files, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, err
	}

	roots := x509.NewCertPool()
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".pem") {
			continue
		}
		filePath := filepath.Join(dirPath, file.Name())
		data, err := os.ReadFile(filePath)
		if err != nil {
			logrus.WithError(err).WithField("file", filePath).Warn("failed to read root certificate")
			continue
		}
		if ok := roots.AppendCertsFromPEM(data); !ok {
			logrus.WithField("file", filePath).Warn("failed to load pem")
		}
	}
	return roots, nil
}

// CalcKID hashes the uncompressed public point, the key identifier used for
// SubjectKeyId and JOSE kid values.
func CalcKID(pub *ecdsa.PublicKey, hashAlgo string) []byte {
	b := elliptic.Marshal(pub.Curve, pub.X, pub.Y)

	var h hash.Hash
	switch hashAlgo {
	case "sha1":
		h = sha1.New()
	default:
		h = sha256.New()
	}

	h.Write(b)
	return h.Sum(nil)
}
