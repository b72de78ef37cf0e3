package mdoc_test

import (
	"crypto/ecdh"
	"crypto/rand"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/kokukuma/mdoc-presentment/credential"
	"github.com/kokukuma/mdoc-presentment/internal/fixtures"
	"github.com/kokukuma/mdoc-presentment/mdoc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veraison/go-cose"
)

var testTranscript = []byte{0x83, 0xf6, 0xf6, 0x82, 0x65, 'd', 'c', 'a', 'p', 'i', 0x41, 0x01}

func signedDocument(t *testing.T, c *credential.Credential, transcript []byte) mdoc.Document {
	t.Helper()
	da, err := mdoc.DeviceAuthenticationBytes(transcript, c.Mdoc.DocType, mdoc.EmptyDeviceNameSpaces())
	require.NoError(t, err)
	signer, err := cose.NewSigner(cose.AlgorithmES256, c.DeviceKey.Signer)
	require.NoError(t, err)
	sig, err := mdoc.SignDeviceAuthentication(rand.Reader, signer, da)
	require.NoError(t, err)

	return mdoc.Document{
		DocType:      c.Mdoc.DocType,
		IssuerSigned: c.Mdoc.IssuerSigned,
		DeviceSigned: mdoc.DeviceSigned{
			NameSpaces: mdoc.EmptyDeviceNameSpaces(),
			DeviceAuth: mdoc.DeviceAuth{DeviceSignature: sig},
		},
	}
}

func macDocument(t *testing.T, c *credential.Credential, readerKey *ecdh.PublicKey, transcript []byte) mdoc.Document {
	t.Helper()
	shared, err := c.DeviceKey.KeyAgreement.ECDH(readerKey)
	require.NoError(t, err)
	eMacKey, err := mdoc.DeriveEMacKey(shared, transcript)
	require.NoError(t, err)
	da, err := mdoc.DeviceAuthenticationBytes(transcript, c.Mdoc.DocType, mdoc.EmptyDeviceNameSpaces())
	require.NoError(t, err)
	mac, err := mdoc.MacDeviceAuthentication(eMacKey, da)
	require.NoError(t, err)

	return mdoc.Document{
		DocType:      c.Mdoc.DocType,
		IssuerSigned: c.Mdoc.IssuerSigned,
		DeviceSigned: mdoc.DeviceSigned{
			NameSpaces: mdoc.EmptyDeviceNameSpaces(),
			DeviceAuth: mdoc.DeviceAuth{DeviceMac: mac},
		},
	}
}

// wire encodes and decodes doc as a DeviceResponse.
func wire(t *testing.T, doc mdoc.Document) mdoc.Document {
	t.Helper()
	b, err := mdoc.Marshal(mdoc.DeviceResponse{
		Version:   mdoc.DeviceResponseVersion,
		Documents: []mdoc.Document{doc},
		Status:    mdoc.StatusOK,
	})
	require.NoError(t, err)

	var resp mdoc.DeviceResponse
	require.NoError(t, cbor.Unmarshal(b, &resp))
	got, err := resp.GetDocument(doc.DocType)
	require.NoError(t, err)
	return *got
}

func TestVerify(t *testing.T) {
	authority, err := fixtures.NewAuthority()
	require.NoError(t, err)
	other, err := fixtures.NewAuthority()
	require.NoError(t, err)

	erika, err := authority.MDL(fixtures.ErikaMDLID, fixtures.Erika)
	require.NoError(t, err)

	tamperedItems := func() mdoc.Document {
		doc := signedDocument(t, erika, testTranscript)
		items := doc.IssuerSigned.NameSpaces[mdoc.NameSpaceMDL]
		item, err := items[0].IssuerSignedItem()
		require.NoError(t, err)
		item.ElementValue = "Musterfrau"
		encoded, err := mdoc.Marshal(item)
		require.NoError(t, err)

		copied := append([]mdoc.IssuerSignedItemBytes{}, items...)
		copied[0] = encoded
		doc.IssuerSigned.NameSpaces = mdoc.IssuerNameSpaces{mdoc.NameSpaceMDL: copied}
		return doc
	}

	tests := []struct {
		name                string
		doc                 mdoc.Document
		transcript          []byte
		opts                []mdoc.VerifierOption
		roots               *fixtures.Authority
		wantErr             bool
		expectedErrContains string
	}{
		{
			name:       "valid device signature",
			doc:        wire(t, signedDocument(t, erika, testTranscript)),
			transcript: testTranscript,
			roots:      authority,
		},
		{
			name:                "different transcript",
			doc:                 wire(t, signedDocument(t, erika, testTranscript)),
			transcript:          []byte{0x83, 0xf6, 0xf6, 0xf6},
			roots:               authority,
			wantErr:             true,
			expectedErrContains: "failed to verifyDeviceSigned",
		},
		{
			name:                "untrusted issuer",
			doc:                 wire(t, signedDocument(t, erika, testTranscript)),
			transcript:          testTranscript,
			roots:               other,
			wantErr:             true,
			expectedErrContains: "failed to verify dsCert chain",
		},
		{
			name:       "untrusted issuer allowed as self cert",
			doc:        wire(t, signedDocument(t, erika, testTranscript)),
			transcript: testTranscript,
			roots:      other,
			opts:       []mdoc.VerifierOption{mdoc.AllowSelfCert()},
		},
		{
			name:                "tampered element value",
			doc:                 wire(t, tamperedItems()),
			transcript:          testTranscript,
			roots:               authority,
			wantErr:             true,
			expectedErrContains: "digest unmatched",
		},
		{
			name:                "expired mso",
			doc:                 wire(t, signedDocument(t, erika, testTranscript)),
			transcript:          testTranscript,
			roots:               authority,
			opts:                []mdoc.VerifierOption{mdoc.WithSignCurrentTime(time.Now().AddDate(2, 0, 0))},
			wantErr:             true,
			expectedErrContains: "failed to check validity",
		},
		{
			name:                "expired certificate",
			doc:                 wire(t, signedDocument(t, erika, testTranscript)),
			transcript:          testTranscript,
			roots:               authority,
			opts:                []mdoc.VerifierOption{mdoc.WithCertCurrentTime(time.Now().AddDate(20, 0, 0))},
			wantErr:             true,
			expectedErrContains: "certificate has expired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verifier := mdoc.NewVerifier(tt.roots.Roots(), tt.opts...)
			err := verifier.Verify(tt.doc, tt.transcript)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectedErrContains)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestVerifyDocTypeMismatch(t *testing.T) {
	authority, err := fixtures.NewAuthority()
	require.NoError(t, err)
	erika, err := authority.MDL(fixtures.ErikaMDLID, fixtures.Erika)
	require.NoError(t, err)

	doc := signedDocument(t, erika, testTranscript)
	doc.DocType = mdoc.DocTypePID

	err = mdoc.NewVerifier(authority.Roots(), mdoc.SkipVerifyDeviceSigned()).Verify(doc, testTranscript)
	require.Error(t, err)
	assert.True(t, mdoc.IsDocumentError(err))
}

func TestVerifyDeviceMac(t *testing.T) {
	authority, err := fixtures.NewAuthority()
	require.NoError(t, err)
	c, err := authority.MacOnlyMDL("mac-only", fixtures.Erika)
	require.NoError(t, err)

	readerKey, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherReader, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	doc := wire(t, macDocument(t, c, readerKey.PublicKey(), testTranscript))

	require.NoError(t, mdoc.NewVerifier(authority.Roots(), mdoc.WithReaderKey(readerKey)).Verify(doc, testTranscript))

	err = mdoc.NewVerifier(authority.Roots()).Verify(doc, testTranscript)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device mac requires the reader key")

	err = mdoc.NewVerifier(authority.Roots(), mdoc.WithReaderKey(otherReader)).Verify(doc, testTranscript)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device mac mismatch")
}

func TestIssuerSignedElements(t *testing.T) {
	authority, err := fixtures.NewAuthority()
	require.NoError(t, err)
	erika, err := authority.MDL(fixtures.ErikaMDLID, fixtures.Erika)
	require.NoError(t, err)

	doc := wire(t, signedDocument(t, erika, testTranscript))

	v, err := doc.GetElementValue(mdoc.GivenName.Namespace, mdoc.GivenName.Name)
	require.NoError(t, err)
	assert.Equal(t, "Erika", v)

	_, err = doc.GetElementValue(mdoc.Portrait.Namespace, mdoc.Portrait.Name)
	require.Error(t, err)
	assert.True(t, mdoc.IsElementError(err))

	_, err = doc.GetElementValue(mdoc.EUGivenName.Namespace, mdoc.EUGivenName.Name)
	require.Error(t, err)
	assert.True(t, mdoc.IsNamespaceError(err))

	mso, err := doc.IssuerSigned.MobileSecurityObject()
	require.NoError(t, err)
	assert.Equal(t, mdoc.DocTypeMDL, mso.DocType)
	assert.Equal(t, "SHA-256", mso.DigestAlgorithm)
	deviceKey, err := mso.DeviceKey()
	require.NoError(t, err)
	priv, ok := credential.LocalPrivateKey(erika.DeviceKey)
	require.True(t, ok)
	assert.True(t, deviceKey.Equal(&priv.PublicKey))
}
