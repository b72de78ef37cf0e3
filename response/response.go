// Package response builds the documents a holder returns: filtered mdoc
// documents with device authentication and SD-JWT presentations.
package response

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kokukuma/mdoc-presentment/claim"
	"github.com/kokukuma/mdoc-presentment/credential"
	"github.com/kokukuma/mdoc-presentment/mdoc"
	"github.com/kokukuma/mdoc-presentment/sdjwt"
	"github.com/sirupsen/logrus"
	"github.com/veraison/go-cose"
)

type Option func(*Assembler)

// WithRand sets the randomness source for signatures.
func WithRand(r io.Reader) Option {
	return func(a *Assembler) {
		a.rand = r
	}
}

// Assembler builds the documents for one request. Usage counters are left
// to the caller, which increments them once the response has been sent.
type Assembler struct {
	policy KeyAgreementPolicy
	rand   io.Reader
}

func NewAssembler(policy KeyAgreementPolicy, opts ...Option) *Assembler {
	a := &Assembler{
		policy: policy,
		rand:   rand.Reader,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Mdoc returns a Document that discloses exactly the given [namespace,
// element] claims, authenticated over transcript. Issuer signed items keep
// their original encoding so the MSO digests still verify.
func (a *Assembler) Mdoc(ctx context.Context, cred *credential.Credential, claims []claim.Path, transcript []byte) (*mdoc.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cred.Format != credential.FormatMdoc || cred.Mdoc == nil {
		return nil, fmt.Errorf("credential %s is not an mdoc", cred.ID)
	}

	nameSpaces, err := filterNameSpaces(cred.Mdoc.IssuerSigned, claims)
	if err != nil {
		return nil, fmt.Errorf("credential %s: %w", cred.ID, err)
	}

	deviceAuth, err := a.deviceAuth(cred, transcript)
	if err != nil {
		return nil, err
	}

	return &mdoc.Document{
		DocType: cred.Mdoc.DocType,
		IssuerSigned: mdoc.IssuerSigned{
			NameSpaces: nameSpaces,
			IssuerAuth: cred.Mdoc.IssuerSigned.IssuerAuth,
		},
		DeviceSigned: mdoc.DeviceSigned{
			NameSpaces: mdoc.EmptyDeviceNameSpaces(),
			DeviceAuth: *deviceAuth,
		},
	}, nil
}

func filterNameSpaces(issuerSigned mdoc.IssuerSigned, claims []claim.Path) (mdoc.IssuerNameSpaces, error) {
	out := mdoc.IssuerNameSpaces{}
	seen := map[string]bool{}
	for _, p := range claims {
		keys, ok := p.Keys()
		if !ok || len(keys) != 2 {
			return nil, fmt.Errorf("%w: %s is not an mdoc element path", ErrInternalConsistency, p)
		}
		if seen[p.String()] {
			continue
		}
		seen[p.String()] = true

		ns := mdoc.NameSpace(keys[0])
		itemBytes, _, err := issuerSigned.FindItem(ns, mdoc.ElementIdentifier(keys[1]))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInternalConsistency, err)
		}
		out[ns] = append(out[ns], itemBytes)
	}
	return out, nil
}

func (a *Assembler) deviceAuth(cred *credential.Credential, transcript []byte) (*mdoc.DeviceAuth, error) {
	mode, err := a.policy.mode(cred.DeviceKey)
	if err != nil {
		return nil, fmt.Errorf("credential %s: %w", cred.ID, err)
	}

	deviceAuthenticationBytes, err := mdoc.DeviceAuthenticationBytes(transcript, cred.Mdoc.DocType, mdoc.EmptyDeviceNameSpaces())
	if err != nil {
		return nil, fmt.Errorf("failed to build device authentication: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"credential": cred.ID,
		"auth":       mode,
	}).Debug("response: authenticating mdoc")

	switch mode {
	case authMac:
		shared, err := cred.DeviceKey.KeyAgreement.ECDH(a.policy.ReaderKey)
		if err != nil {
			return nil, fmt.Errorf("failed to compute shared secret: %w", err)
		}
		eMacKey, err := mdoc.DeriveEMacKey(shared, transcript)
		if err != nil {
			return nil, err
		}
		mac, err := mdoc.MacDeviceAuthentication(eMacKey, deviceAuthenticationBytes)
		if err != nil {
			return nil, err
		}
		return &mdoc.DeviceAuth{DeviceMac: mac}, nil
	default:
		signer, err := cose.NewSigner(cose.AlgorithmES256, cred.DeviceKey.Signer)
		if err != nil {
			return nil, fmt.Errorf("failed to create device signer: %w", err)
		}
		sig, err := mdoc.SignDeviceAuthentication(a.rand, signer, deviceAuthenticationBytes)
		if err != nil {
			return nil, err
		}
		return &mdoc.DeviceAuth{DeviceSignature: sig}, nil
	}
}

// DeviceResponse encodes docs as a successful DeviceResponse.
func DeviceResponse(docs ...mdoc.Document) ([]byte, error) {
	b, err := mdoc.Marshal(mdoc.DeviceResponse{
		Version:   mdoc.DeviceResponseVersion,
		Documents: docs,
		Status:    mdoc.StatusOK,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal device response: %w", err)
	}
	return b, nil
}

// SdJwt returns a presentation revealing exactly the disclosures needed for
// claims. Key bound credentials get a KB-JWT over nonce and audience.
func (a *Assembler) SdJwt(ctx context.Context, cred *credential.Credential, claims []claim.Path, nonce, audience string, now time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if cred.Format != credential.FormatSdJwt || cred.SdJwt == nil {
		return "", fmt.Errorf("credential %s is not an sd-jwt", cred.ID)
	}

	selected, err := cred.SdJwt.Parsed.Select(claims)
	if errors.Is(err, sdjwt.ErrPathNotFound) {
		return "", fmt.Errorf("credential %s: %w: %v", cred.ID, ErrInternalConsistency, err)
	}
	if err != nil {
		return "", fmt.Errorf("failed to select disclosures: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"credential":  cred.ID,
		"disclosures": len(selected.Disclosures),
		"key_bound":   selected.IsKeyBound(),
	}).Debug("response: presenting sd-jwt")

	if !selected.IsKeyBound() {
		return selected.Serialize(), nil
	}
	if !cred.DeviceKey.CanSign() {
		return "", fmt.Errorf("credential %s: %w", cred.ID, ErrSignatureRequired)
	}
	return selected.Present(a.rand, cred.DeviceKey.Signer, nonce, audience, now)
}
