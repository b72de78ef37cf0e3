package server

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kokukuma/mdoc-presentment/pkg/pki"
	"github.com/sirupsen/logrus"
)

// CertManager keeps the trust anchors in a directory of PEM files. The pool
// serves both issuer verification and signed request verification.
type CertManager struct {
	mu       sync.RWMutex
	dir      string
	certPool *x509.CertPool
}

type CertInfo struct {
	Filename    string `json:"filename"`
	Subject     string `json:"subject"`
	Issuer      string `json:"issuer"`
	ValidFrom   string `json:"valid_from"`
	ValidTo     string `json:"valid_to"`
	Fingerprint string `json:"fingerprint"`
}

func NewCertManager(dir string) (*CertManager, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create certificates directory: %w", err)
	}
	cm := &CertManager{dir: dir}
	if err := cm.ReloadCertificates(); err != nil {
		return nil, err
	}
	return cm, nil
}

func (cm *CertManager) CertPool() *x509.CertPool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.certPool
}

func (cm *CertManager) ReloadCertificates() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.reloadLocked()
}

func (cm *CertManager) reloadLocked() error {
	certs, err := cm.readAll()
	if err != nil {
		return err
	}
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c.cert)
	}
	cm.certPool = pool
	logrus.WithField("count", len(certs)).Debug("server: trust anchors loaded")
	return nil
}

type pemFile struct {
	name string
	data []byte
	cert *x509.Certificate
}

// readAll parses every .pem file in the directory. Unparseable files are
// logged and skipped.
func (cm *CertManager) readAll() ([]pemFile, error) {
	entries, err := os.ReadDir(cm.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificates directory: %w", err)
	}
	var out []pemFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pem") {
			continue
		}
		f, err := cm.read(e.Name())
		if err != nil {
			logrus.WithError(err).WithField("file", e.Name()).Warn("server: skipping certificate")
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (cm *CertManager) read(name string) (pemFile, error) {
	data, err := os.ReadFile(filepath.Join(cm.dir, name))
	if err != nil {
		return pemFile{}, fmt.Errorf("failed to read certificate file: %w", err)
	}
	cert, err := parseCertificate(data)
	if err != nil {
		return pemFile{}, err
	}
	return pemFile{name: name, data: data, cert: cert}, nil
}

func parseCertificate(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("invalid certificate data")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid certificate: %w", err)
	}
	return cert, nil
}

func newCertInfo(name string, cert *x509.Certificate) CertInfo {
	sum := sha256.Sum256(cert.Raw)
	return CertInfo{
		Filename:    name,
		Subject:     cert.Subject.String(),
		Issuer:      cert.Issuer.String(),
		ValidFrom:   cert.NotBefore.Format("2006-01-02"),
		ValidTo:     cert.NotAfter.Format("2006-01-02"),
		Fingerprint: fmt.Sprintf("%X", sum[:]),
	}
}

// certFilename confines name to the directory and gives it a .pem suffix.
func certFilename(name string) (string, error) {
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "", fmt.Errorf("invalid certificate filename")
	}
	if !strings.HasSuffix(name, ".pem") {
		name += ".pem"
	}
	return name, nil
}

func (cm *CertManager) ListCertificates() ([]CertInfo, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	files, err := cm.readAll()
	if err != nil {
		return nil, err
	}
	certs := make([]CertInfo, 0, len(files))
	for _, f := range files {
		certs = append(certs, newCertInfo(f.name, f.cert))
	}
	return certs, nil
}

func (cm *CertManager) GetCertificate(filename string) (*CertInfo, []byte, error) {
	name, err := certFilename(filename)
	if err != nil {
		return nil, nil, err
	}
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	f, err := cm.read(name)
	if err != nil {
		return nil, nil, err
	}
	info := newCertInfo(f.name, f.cert)
	return &info, f.data, nil
}

// AddCertificate stores a PEM certificate and reloads the pool. An empty
// filename is derived from the certificate fingerprint.
func (cm *CertManager) AddCertificate(filename string, data []byte) (*CertInfo, error) {
	cert, err := parseCertificate(data)
	if err != nil {
		return nil, err
	}
	if filename == "" {
		sum := sha256.Sum256(cert.Raw)
		filename = fmt.Sprintf("%X", sum[:8])
	}
	name, err := certFilename(filename)
	if err != nil {
		return nil, err
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	if err := os.WriteFile(filepath.Join(cm.dir, name), data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write certificate file: %w", err)
	}
	info := newCertInfo(name, cert)
	return &info, cm.reloadLocked()
}

// AddX509 stores cert unless an identical one is already trusted.
func (cm *CertManager) AddX509(filename string, cert *x509.Certificate) error {
	certs, err := cm.ListCertificates()
	if err != nil {
		return err
	}
	info := newCertInfo("", cert)
	for _, c := range certs {
		if c.Fingerprint == info.Fingerprint {
			return nil
		}
	}
	_, err = cm.AddCertificate(filename, pki.EncodeCertificate(cert))
	return err
}

func (cm *CertManager) DeleteCertificate(filename string) error {
	name, err := certFilename(filename)
	if err != nil {
		return err
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if err := os.Remove(filepath.Join(cm.dir, name)); err != nil {
		return fmt.Errorf("failed to delete certificate file: %w", err)
	}
	return cm.reloadLocked()
}
