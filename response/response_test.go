package response_test

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/kokukuma/mdoc-presentment/claim"
	"github.com/kokukuma/mdoc-presentment/credential"
	"github.com/kokukuma/mdoc-presentment/internal/fixtures"
	"github.com/kokukuma/mdoc-presentment/mdoc"
	"github.com/kokukuma/mdoc-presentment/response"
	"github.com/kokukuma/mdoc-presentment/sdjwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var transcript = []byte{0x83, 0xf6, 0xf6, 0x82, 0x65, 'd', 'c', 'a', 'p', 'i', 0x41, 0x02}

var namePaths = []claim.Path{
	claim.NewPath("org.iso.18013.5.1", "given_name"),
	claim.NewPath("org.iso.18013.5.1", "family_name"),
}

func decodeDocument(t *testing.T, b []byte) mdoc.Document {
	t.Helper()
	var resp mdoc.DeviceResponse
	require.NoError(t, cbor.Unmarshal(b, &resp))
	require.Len(t, resp.Documents, 1)
	assert.Equal(t, mdoc.StatusOK, resp.Status)
	return resp.Documents[0]
}

func TestMdocSigned(t *testing.T) {
	authority, err := fixtures.NewAuthority()
	require.NoError(t, err)
	erika, err := authority.MDL(fixtures.ErikaMDLID, fixtures.Erika)
	require.NoError(t, err)

	doc, err := response.NewAssembler(response.KeyAgreementPolicy{}).Mdoc(context.Background(), erika, namePaths, transcript)
	require.NoError(t, err)
	assert.NotNil(t, doc.DeviceSigned.DeviceAuth.DeviceSignature)
	assert.Nil(t, doc.DeviceSigned.DeviceAuth.DeviceMac)

	b, err := response.DeviceResponse(*doc)
	require.NoError(t, err)
	got := decodeDocument(t, b)

	require.NoError(t, mdoc.NewVerifier(authority.Roots()).Verify(got, transcript))

	items, err := got.IssuerSigned.GetIssuerSignedItems(mdoc.NameSpaceMDL)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, mdoc.GivenName.Name, items[0].ElementIdentifier)
	assert.Equal(t, mdoc.FamilyName.Name, items[1].ElementIdentifier)

	_, err = got.GetElementValue(mdoc.BirthDate.Namespace, mdoc.BirthDate.Name)
	assert.True(t, mdoc.IsElementError(err))

	// the response is bound to the transcript
	err = mdoc.NewVerifier(authority.Roots()).Verify(got, []byte{0x83, 0xf6, 0xf6, 0xf6})
	require.Error(t, err)
}

func TestMdocKeyAgreementPolicy(t *testing.T) {
	authority, err := fixtures.NewAuthority()
	require.NoError(t, err)
	erika, err := authority.MDL(fixtures.ErikaMDLID, fixtures.Erika)
	require.NoError(t, err)
	macOnly, err := authority.MacOnlyMDL("mac-only", fixtures.Erika)
	require.NoError(t, err)

	readerKey, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	tests := []struct {
		name    string
		cred    *credential.Credential
		policy  response.KeyAgreementPolicy
		wantMac bool
		wantErr error
	}{
		{
			name:   "default prefers signature",
			cred:   erika,
			policy: response.KeyAgreementPolicy{ReaderKey: readerKey.PublicKey()},
		},
		{
			name:    "prefer key agreement",
			cred:    erika,
			policy:  response.KeyAgreementPolicy{PreferKeyAgreement: true, ReaderKey: readerKey.PublicKey()},
			wantMac: true,
		},
		{
			name:   "prefer key agreement without reader key",
			cred:   erika,
			policy: response.KeyAgreementPolicy{PreferKeyAgreement: true},
		},
		{
			name:   "zk disables key agreement",
			cred:   erika,
			policy: response.KeyAgreementPolicy{PreferKeyAgreement: true, ZkRequested: true, ReaderKey: readerKey.PublicKey()},
		},
		{
			name:    "mac only key",
			cred:    macOnly,
			policy:  response.KeyAgreementPolicy{ReaderKey: readerKey.PublicKey()},
			wantMac: true,
		},
		{
			name:    "mac only key with signature required",
			cred:    macOnly,
			policy:  response.KeyAgreementPolicy{SignatureRequired: true, ReaderKey: readerKey.PublicKey()},
			wantErr: response.ErrSignatureRequired,
		},
		{
			name:    "mac only key without reader key",
			cred:    macOnly,
			policy:  response.KeyAgreementPolicy{},
			wantErr: response.ErrSignatureRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := response.NewAssembler(tt.policy).Mdoc(context.Background(), tt.cred, namePaths, transcript)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			b, err := response.DeviceResponse(*doc)
			require.NoError(t, err)
			got := decodeDocument(t, b)

			if tt.wantMac {
				assert.NotNil(t, got.DeviceSigned.DeviceAuth.DeviceMac)
				assert.Nil(t, got.DeviceSigned.DeviceAuth.DeviceSignature)
			} else {
				assert.NotNil(t, got.DeviceSigned.DeviceAuth.DeviceSignature)
				assert.Nil(t, got.DeviceSigned.DeviceAuth.DeviceMac)
			}
			require.NoError(t, mdoc.NewVerifier(authority.Roots(), mdoc.WithReaderKey(readerKey)).Verify(got, transcript))
		})
	}
}

func TestMdocInternalConsistency(t *testing.T) {
	authority, err := fixtures.NewAuthority()
	require.NoError(t, err)
	erika, err := authority.MDL(fixtures.ErikaMDLID, fixtures.Erika)
	require.NoError(t, err)

	a := response.NewAssembler(response.KeyAgreementPolicy{})

	_, err = a.Mdoc(context.Background(), erika, []claim.Path{claim.NewPath("org.iso.18013.5.1", "portrait")}, transcript)
	require.ErrorIs(t, err, response.ErrInternalConsistency)

	_, err = a.Mdoc(context.Background(), erika, []claim.Path{claim.NewPath("org.iso.18013.5.1")}, transcript)
	require.ErrorIs(t, err, response.ErrInternalConsistency)
}

func TestMdocCancelled(t *testing.T) {
	authority, err := fixtures.NewAuthority()
	require.NoError(t, err)
	erika, err := authority.MDL(fixtures.ErikaMDLID, fixtures.Erika)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = response.NewAssembler(response.KeyAgreementPolicy{}).Mdoc(ctx, erika, namePaths, transcript)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSdJwt(t *testing.T) {
	authority, err := fixtures.NewAuthority()
	require.NoError(t, err)
	pid, err := authority.PIDSdJwt(fixtures.ErikaPIDSdJwtID, fixtures.Erika)
	require.NoError(t, err)

	now := time.Now()
	a := response.NewAssembler(response.KeyAgreementPolicy{})
	presentation, err := a.SdJwt(context.Background(), pid,
		[]claim.Path{claim.NewPath("given_name"), claim.NewPath("address", "locality")},
		"nonce-1", "https://verifier.example", now)
	require.NoError(t, err)

	verified, err := sdjwt.VerifyKeyBinding(presentation, "nonce-1", "https://verifier.example")
	require.NoError(t, err)

	claims := verified.Claims()
	v, ok := claims.Get("given_name")
	require.True(t, ok)
	assert.Equal(t, "Erika", v.AsString())

	locality, ok := claim.Resolve(claims, claim.NewPath("address", "locality"))
	require.True(t, ok)
	assert.Equal(t, "Koeln", locality.AsString())

	for _, hidden := range []claim.Path{
		claim.NewPath("family_name"),
		claim.NewPath("birthdate"),
		claim.NewPath("address", "street_address"),
		claim.NewPath("degrees"),
	} {
		_, ok := claim.Resolve(claims, hidden)
		assert.False(t, ok, "%s should not be disclosed", hidden)
	}

	_, err = sdjwt.VerifyKeyBinding(presentation, "nonce-2", "https://verifier.example")
	require.Error(t, err)
	_, err = sdjwt.VerifyKeyBinding(presentation, "nonce-1", "https://other.example")
	require.Error(t, err)
}

func TestSdJwtArrayElements(t *testing.T) {
	authority, err := fixtures.NewAuthority()
	require.NoError(t, err)
	pid, err := authority.PIDSdJwt(fixtures.ErikaPIDSdJwtID, fixtures.Erika)
	require.NoError(t, err)

	presentation, err := response.NewAssembler(response.KeyAgreementPolicy{}).SdJwt(context.Background(), pid,
		[]claim.Path{claim.NewPath("degrees", "type")}, "n", "aud", time.Now())
	require.NoError(t, err)

	verified, err := sdjwt.VerifyKeyBinding(presentation, "n", "aud")
	require.NoError(t, err)
	types, ok := claim.Resolve(verified.Claims(), claim.NewPath("degrees", "type"))
	require.True(t, ok)
	assert.Equal(t, claim.Seq(claim.String("Bachelor of Science"), claim.String("Master of Science")), types)

	_, ok = claim.Resolve(verified.Claims(), claim.NewPath("degrees", "university"))
	assert.False(t, ok)
}

func TestSdJwtInternalConsistency(t *testing.T) {
	authority, err := fixtures.NewAuthority()
	require.NoError(t, err)
	pid, err := authority.PIDSdJwt(fixtures.ErikaPIDSdJwtID, fixtures.Erika)
	require.NoError(t, err)

	_, err = response.NewAssembler(response.KeyAgreementPolicy{}).SdJwt(context.Background(), pid,
		[]claim.Path{claim.NewPath("portrait")}, "n", "aud", time.Now())
	require.ErrorIs(t, err, response.ErrInternalConsistency)
}

func TestWrongFormat(t *testing.T) {
	authority, err := fixtures.NewAuthority()
	require.NoError(t, err)
	erika, err := authority.MDL(fixtures.ErikaMDLID, fixtures.Erika)
	require.NoError(t, err)
	pid, err := authority.PIDSdJwt(fixtures.ErikaPIDSdJwtID, fixtures.Erika)
	require.NoError(t, err)

	a := response.NewAssembler(response.KeyAgreementPolicy{})
	_, err = a.Mdoc(context.Background(), pid, namePaths, transcript)
	require.Error(t, err)
	_, err = a.SdJwt(context.Background(), erika, namePaths, "n", "aud", time.Now())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "is not an sd-jwt"))
}
