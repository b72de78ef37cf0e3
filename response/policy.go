package response

import (
	"crypto/ecdh"
	"errors"

	"github.com/kokukuma/mdoc-presentment/credential"
)

var (
	// ErrSignatureRequired is returned when the request only accepts a
	// device signature and the credential's key can only do key agreement.
	// It fails the whole request.
	ErrSignatureRequired = errors.New("device signature required but credential key cannot sign")

	// ErrInternalConsistency means a claim the evaluator reported as matched
	// could not be found while building the response.
	ErrInternalConsistency = errors.New("internal consistency error")
)

// KeyAgreementPolicy decides between a device signature and a device MAC.
type KeyAgreementPolicy struct {
	// SignatureRequired is set by protocols whose reader cannot verify a
	// MAC, such as the Digital Credentials API ones.
	SignatureRequired bool

	// PreferKeyAgreement uses a MAC whenever one is possible, even if the
	// key can sign.
	PreferKeyAgreement bool

	// ZkRequested is set when the reader asks for a zero-knowledge proof in
	// the requestInfo of a DocRequest. It disables key agreement.
	// TODO: revisit once zero-knowledge mdoc proofs define their own device auth.
	ZkRequested bool

	// ReaderKey is the reader's ephemeral key. Without it no MAC is possible.
	ReaderKey *ecdh.PublicKey
}

type deviceAuthMode int

const (
	authSignature deviceAuthMode = iota
	authMac
)

func (m deviceAuthMode) String() string {
	if m == authMac {
		return "mac"
	}
	return "signature"
}

func (p KeyAgreementPolicy) mode(key credential.DeviceKey) (deviceAuthMode, error) {
	macPossible := key.CanAgree() && p.ReaderKey != nil && !p.ZkRequested && !p.SignatureRequired

	if macPossible && (p.PreferKeyAgreement || !key.CanSign()) {
		return authMac, nil
	}
	if key.CanSign() {
		return authSignature, nil
	}
	return 0, ErrSignatureRequired
}
