package fixtures

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/kokukuma/mdoc-presentment/mdoc"
	"github.com/kokukuma/mdoc-presentment/sdjwt"
	"github.com/veraison/go-cose"
)

const digestAlgorithm = "SHA-256"

// Element is one issued data element.
type Element struct {
	Name  mdoc.ElementIdentifier
	Value interface{}
}

// NameSpaceElements keeps the issuing order of a namespace's elements.
type NameSpaceElements struct {
	NameSpace mdoc.NameSpace
	Elements  []Element
}

// IssueMdoc signs an MSO over the given elements, bound to deviceKey, valid
// from now for a year.
func (a *Authority) IssueMdoc(docType mdoc.DocType, namespaces []NameSpaceElements, deviceKey *ecdsa.PublicKey, now time.Time) (mdoc.IssuerSigned, error) {
	now = now.UTC().Truncate(time.Second)

	nameSpaces := mdoc.IssuerNameSpaces{}
	valueDigests := mdoc.ValueDigests{}
	var digestID mdoc.DigestID
	for _, ns := range namespaces {
		digests := mdoc.DigestIDs{}
		for _, e := range ns.Elements {
			random := make([]byte, 16)
			if _, err := rand.Read(random); err != nil {
				return mdoc.IssuerSigned{}, err
			}
			encoded, err := mdoc.Marshal(mdoc.IssuerSignedItem{
				DigestID:          digestID,
				Random:            random,
				ElementIdentifier: e.Name,
				ElementValue:      e.Value,
			})
			if err != nil {
				return mdoc.IssuerSigned{}, fmt.Errorf("failed to marshal %s: %w", e.Name, err)
			}
			itemBytes := mdoc.IssuerSignedItemBytes(encoded)
			digest, err := itemBytes.Digest(digestAlgorithm)
			if err != nil {
				return mdoc.IssuerSigned{}, err
			}
			nameSpaces[ns.NameSpace] = append(nameSpaces[ns.NameSpace], itemBytes)
			digests[digestID] = digest
			digestID++
		}
		valueDigests[ns.NameSpace] = digests
	}

	coseKey, err := mdoc.NewCOSEKeyFromECDSA(deviceKey)
	if err != nil {
		return mdoc.IssuerSigned{}, err
	}
	mso, err := mdoc.Marshal(mdoc.MobileSecurityObject{
		Version:         "1.0",
		DigestAlgorithm: digestAlgorithm,
		ValueDigests:    valueDigests,
		DeviceKeyInfo:   mdoc.DeviceKeyInfo{DeviceKey: coseKey},
		DocType:         docType,
		ValidityInfo: mdoc.ValidityInfo{
			Signed:     now,
			ValidFrom:  now,
			ValidUntil: now.AddDate(1, 0, 0),
		},
	})
	if err != nil {
		return mdoc.IssuerSigned{}, fmt.Errorf("failed to marshal MSO: %w", err)
	}
	payload, err := mdoc.EncodeTag24(mso)
	if err != nil {
		return mdoc.IssuerSigned{}, err
	}

	signer, err := cose.NewSigner(cose.AlgorithmES256, a.SignerKey)
	if err != nil {
		return mdoc.IssuerSigned{}, fmt.Errorf("failed to create signer: %w", err)
	}
	issuerAuth := cose.UntaggedSign1Message{
		Headers: cose.Headers{
			Protected: cose.ProtectedHeader{
				cose.HeaderLabelAlgorithm: cose.AlgorithmES256,
			},
			Unprotected: cose.UnprotectedHeader{
				cose.HeaderLabelX5Chain: a.SignerCert.Raw,
			},
		},
		Payload: payload,
	}
	if err := issuerAuth.Sign(rand.Reader, nil, signer); err != nil {
		return mdoc.IssuerSigned{}, fmt.Errorf("failed to sign MSO: %w", err)
	}

	return mdoc.IssuerSigned{NameSpaces: nameSpaces, IssuerAuth: issuerAuth}, nil
}

// IssueSdJwt issues an SD-JWT VC with every claim disclosable. A nil holder
// key issues an unbound credential.
func (a *Authority) IssueSdJwt(vct string, claims map[string]interface{}, holder *ecdsa.PublicKey, now time.Time) (string, error) {
	issuer := &sdjwt.Issuer{
		Key:    a.SignerKey,
		Issuer: "https://issuer.mdoc-presentment.example",
		X5C:    a.X5C(),
	}
	return issuer.Issue(rand.Reader, vct, claims, holder, now, 365*24*time.Hour)
}
