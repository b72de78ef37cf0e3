package mdoc

import (
	"bytes"
	"crypto/ecdh"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/veraison/go-cose"
)

type VerifierOption func(*Verifier)

func AllowSelfCert() VerifierOption {
	return func(s *Verifier) {
		s.allowSelfCert = true
	}
}

func WithSignCurrentTime(date time.Time) VerifierOption {
	return func(s *Verifier) {
		s.signCurrentTime = date
	}
}

func WithCertCurrentTime(date time.Time) VerifierOption {
	return func(s *Verifier) {
		s.certCurrentTime = date
	}
}

// WithReaderKey sets the reader's ephemeral private key, needed to verify
// documents authenticated with a device MAC.
func WithReaderKey(key *ecdh.PrivateKey) VerifierOption {
	return func(s *Verifier) {
		s.readerKey = key
	}
}

func SkipVerifyCertificate() VerifierOption {
	return func(s *Verifier) {
		s.skipVerifyCertificate = true
	}
}

func SkipVerifyDeviceSigned() VerifierOption {
	return func(s *Verifier) {
		s.skipVerifyDeviceSigned = true
	}
}

func SkipVerifyIssuerAuth() VerifierOption {
	return func(s *Verifier) {
		s.skipVerifyIssuerAuth = true
	}
}

func SkipValidateCertification() VerifierOption {
	return func(s *Verifier) {
		s.skipValidateCertification = true
	}
}

func SkipSignedDateValidation() VerifierOption {
	return func(s *Verifier) {
		s.skipSignedDateValidation = true
	}
}

type Verifier struct {
	roots                     *x509.CertPool
	readerKey                 *ecdh.PrivateKey
	allowSelfCert             bool
	skipVerifyDeviceSigned    bool
	skipVerifyCertificate     bool
	skipVerifyIssuerAuth      bool
	skipValidateCertification bool
	skipSignedDateValidation  bool
	signCurrentTime           time.Time
	certCurrentTime           time.Time
}

func NewVerifier(roots *x509.CertPool, opts ...VerifierOption) *Verifier {
	if roots == nil {
		roots = x509.NewCertPool()
	}
	server := &Verifier{
		roots:           roots,
		signCurrentTime: time.Now(),
		certCurrentTime: time.Now(),
	}

	for _, opt := range opts {
		opt(server)
	}
	return server
}

func (v *Verifier) Verify(doc Document, sessTrans []byte) error {
	mso, err := doc.IssuerSigned.MobileSecurityObject()
	if err != nil {
		return fmt.Errorf("failed to get MobileSecurityObject: %w", err)
	}

	// 9.1.3 mdoc authentication
	if err := v.verifyDeviceSigned(mso, doc, sessTrans); err != nil {
		return fmt.Errorf("failed to verifyDeviceSigned: %w", err)
	}

	// 9.3.1 Inspection procedure for issuer data authentication
	// 1. Validate the certificate included in the MSO header according to 9.3.3.
	if err := v.verifyCertificate(doc.IssuerSigned); err != nil {
		return fmt.Errorf("failed to verifyCertificate: %w", err)
	}

	// 2. Verify the digital signature of the IssuerAuth structure (see 9.1.2.4) using the working_public_
	//    key, working_public_key_parameters, and working_public_key_algorithm from the certificate
	//    validation procedure of step 1.
	if err := v.verifyIssuerAuth(doc.IssuerSigned); err != nil {
		return fmt.Errorf("failed to verifyIssuerAuth: %w", err)
	}

	// 3. Calculate the digest value for every IssuerSignedItem returned in the DeviceResponse structure
	//    according to 9.1.2.5 and verify that these calculated digests equal the corresponding digest values
	//    in the MSO.
	if err := verifyDigests(doc.IssuerSigned, mso); err != nil {
		return fmt.Errorf("failed to verifyDigests: %w", err)
	}

	// 4. Verify that the DocType in the MSO matches the relevant DocType in the Documents structure.
	if doc.DocType != mso.DocType {
		return ErrInvalidDocument{Reason: fmt.Sprintf("docType unmatched: %s != %s", doc.DocType, mso.DocType)}
	}

	// 5. Validate the elements in the ValidityInfo structure, i.e. verify that:
	// - the 'signed' date is within the validity period of the certificate in the MSO header,
	// - the current timestamp shall be equal or later than the ‘validFrom’ element,
	// - the 'validUntil' element shall be equal or later than the current timestamp.
	if err := v.validateCertification(mso, doc); err != nil {
		return fmt.Errorf("failed to validate certificate: %w", err)
	}
	return nil
}

func (v *Verifier) verifyDeviceSigned(mso *MobileSecurityObject, doc Document, sessionTranscript []byte) error {
	if v.skipVerifyDeviceSigned {
		return nil
	}
	deviceAuthenticationBytes, err := doc.DeviceSigned.DeviceAuthenticationBytes(doc.DocType, sessionTranscript)
	if err != nil {
		return fmt.Errorf("failed to build device authentication: %w", err)
	}

	pubKey, err := mso.DeviceKey()
	if err != nil {
		return fmt.Errorf("failed to get deviceKey: %w", err)
	}

	if mac := doc.DeviceSigned.DeviceAuth.DeviceMac; mac != nil {
		if v.readerKey == nil {
			return NewCategoryError(ErrCategoryVerification, "device mac requires the reader key")
		}
		devicePub, err := pubKey.ECDH()
		if err != nil {
			return fmt.Errorf("failed to convert device key: %w", err)
		}
		shared, err := v.readerKey.ECDH(devicePub)
		if err != nil {
			return fmt.Errorf("failed to compute shared secret: %w", err)
		}
		eMacKey, err := DeriveEMacKey(shared, sessionTranscript)
		if err != nil {
			return err
		}
		return mac.Verify(eMacKey, deviceAuthenticationBytes)
	}

	alg, err := doc.DeviceSigned.Alg()
	if err != nil {
		return fmt.Errorf("failed to get alg: %w", err)
	}

	verifier, err := cose.NewVerifier(alg, pubKey)
	if err != nil {
		return fmt.Errorf("failed to create NewVerifier: %w", err)
	}

	signature := *doc.DeviceSigned.DeviceAuth.DeviceSignature
	signature.Payload = deviceAuthenticationBytes
	return signature.Verify(nil, verifier)
}

func verifyDigests(issuerSigned IssuerSigned, mso *MobileSecurityObject) error {
	for ns, itembytes := range issuerSigned.NameSpaces {
		if _, ok := mso.ValueDigests[ns]; !ok {
			return ErrNamespaceDigestsNotFound{Namespace: ns}
		}

		for _, itemByte := range itembytes {
			item, err := itemByte.IssuerSignedItem()
			if err != nil {
				return fmt.Errorf("failed to get IssuerSignedItem: %w", err)
			}

			digest, err := mso.GetDigest(ns, item.DigestID)
			if err != nil {
				return err
			}

			calc, err := itemByte.Digest(mso.DigestAlgorithm)
			if err != nil {
				return err
			}

			if !bytes.Equal(digest, calc) {
				return NewCategoryError(ErrCategoryDigest, "digest unmatched digestID:%v", item.DigestID)
			}
		}
	}
	return nil
}

func (v *Verifier) verifyIssuerAuth(issuerSigned IssuerSigned) error {
	if v.skipVerifyIssuerAuth {
		return nil
	}
	alg, err := issuerSigned.Alg()
	if err != nil {
		return fmt.Errorf("failed to get alg: %w", err)
	}

	documentSigningKey, err := issuerSigned.DocumentSigningKey()
	if err != nil {
		return fmt.Errorf("failed to get document signing key: %w", err)
	}

	verifier, err := cose.NewVerifier(alg, documentSigningKey)
	if err != nil {
		return fmt.Errorf("failed to create NewVerifier: %w", err)
	}

	return issuerSigned.IssuerAuth.Verify(nil, verifier)
}

func (v *Verifier) verifyCertificate(issuerSigned IssuerSigned) error {
	if v.skipVerifyCertificate {
		return nil
	}

	certs, err := issuerSigned.DocumentSigningCertificateChain()
	if err != nil {
		return err
	}

	roots := v.roots
	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}
	if v.allowSelfCert {
		roots = roots.Clone()
		for _, cert := range certs {
			roots.AddCert(cert)
		}
	}

	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		CurrentTime:   v.certCurrentTime,
	}

	if _, err := certs[0].Verify(opts); err != nil {
		return NewWrappedCategoryError(ErrCategoryCertificate, err, "failed to verify dsCert chain")
	}
	return nil
}

func (v *Verifier) validateCertification(mso *MobileSecurityObject, doc Document) error {
	if v.skipValidateCertification {
		return nil
	}
	certificate, err := doc.IssuerSigned.DocumentSigningCertificate()
	if err != nil {
		return fmt.Errorf("failed to get certificate: %w", err)
	}
	if !v.skipSignedDateValidation {
		if mso.ValidityInfo.Signed.Before(certificate.NotBefore) || mso.ValidityInfo.Signed.After(certificate.NotAfter) {
			return NewCategoryError(ErrCategoryVerification, "failed to verify signed date: %v: NotBefore=%v: NotAfter=%v", mso.ValidityInfo.Signed, certificate.NotBefore, certificate.NotAfter)
		}
	}
	if v.signCurrentTime.Before(mso.ValidityInfo.ValidFrom) || v.signCurrentTime.After(mso.ValidityInfo.ValidUntil) {
		return NewCategoryError(ErrCategoryVerification, "failed to check validity: %v - %v", mso.ValidityInfo.ValidFrom, mso.ValidityInfo.ValidUntil)
	}
	return nil
}
