package sdjwt

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/kokukuma/mdoc-presentment/claim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCredential struct {
	issuerKey *ecdsa.PrivateKey
	holderKey *ecdsa.PrivateKey
	raw       string
}

func issue(t *testing.T, bound bool) testCredential {
	t.Helper()
	issuerKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	holderKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	var holder *ecdsa.PublicKey
	if bound {
		holder = &holderKey.PublicKey
	}

	issuer := &Issuer{Key: issuerKey, Issuer: "https://issuer.example"}
	raw, err := issuer.Issue(rand.Reader, "urn:eudi:pid:1", map[string]interface{}{
		"given_name":  "Erika",
		"family_name": "Mustermann",
		"address": map[string]interface{}{
			"street_address": "Heidestrasse 17",
			"locality":       "Koeln",
		},
		"degrees": []interface{}{
			map[string]interface{}{"type": "Bachelor of Science"},
			map[string]interface{}{"type": "Master of Science"},
		},
	}, holder, time.Now(), 24*time.Hour)
	require.NoError(t, err)

	return testCredential{issuerKey: issuerKey, holderKey: holderKey, raw: raw}
}

func TestParseReconstructsClaims(t *testing.T) {
	cred := issue(t, true)

	s, err := Parse(cred.raw)
	require.NoError(t, err)
	require.NoError(t, s.VerifyIssuer(&cred.issuerKey.PublicKey))
	assert.Equal(t, "urn:eudi:pid:1", s.Vct())
	assert.True(t, s.IsKeyBound())
	assert.Empty(t, s.KeyBinding)

	v, ok := claim.Resolve(s.Claims(), claim.NewPath("address", "locality"))
	require.True(t, ok)
	assert.Equal(t, claim.String("Koeln"), v)

	v, ok = claim.Resolve(s.Claims(), claim.NewPath("degrees", "type"))
	require.True(t, ok)
	assert.Equal(t, claim.Seq(claim.String("Bachelor of Science"), claim.String("Master of Science")), v)

	_, ok = s.Claims().Get("_sd")
	assert.False(t, ok)
	_, ok = s.Claims().Get("cnf")
	assert.False(t, ok)
}

func TestSelect(t *testing.T) {
	cred := issue(t, false)
	s, err := Parse(cred.raw)
	require.NoError(t, err)

	tests := []struct {
		name    string
		paths   []claim.Path
		present []claim.Path
		absent  []claim.Path
	}{
		{
			name:    "top level claim only",
			paths:   []claim.Path{claim.NewPath("given_name")},
			present: []claim.Path{claim.NewPath("given_name")},
			absent:  []claim.Path{claim.NewPath("family_name"), claim.NewPath("address")},
		},
		{
			name:    "nested claim keeps parent but not siblings",
			paths:   []claim.Path{claim.NewPath("address", "locality")},
			present: []claim.Path{claim.NewPath("address", "locality")},
			absent:  []claim.Path{claim.NewPath("address", "street_address"), claim.NewPath("given_name")},
		},
		{
			name:    "whole object keeps its children",
			paths:   []claim.Path{claim.NewPath("address")},
			present: []claim.Path{claim.NewPath("address", "locality"), claim.NewPath("address", "street_address")},
		},
		{
			name:    "projection over array elements",
			paths:   []claim.Path{claim.NewPath("degrees", "type")},
			present: []claim.Path{{claim.Key("degrees"), claim.Index(1), claim.Key("type")}},
			absent:  []claim.Path{claim.NewPath("given_name")},
		},
		{
			name:    "single array element",
			paths:   []claim.Path{{claim.Key("degrees"), claim.Index(1)}},
			present: []claim.Path{{claim.Key("degrees"), claim.Index(0), claim.Key("type")}},
			absent:  []claim.Path{{claim.Key("degrees"), claim.Index(1)}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			selected, err := s.Select(tt.paths)
			require.NoError(t, err)

			reparsed, err := Parse(selected.Serialize())
			require.NoError(t, err)

			for _, p := range tt.present {
				_, ok := claim.Resolve(reparsed.Claims(), p)
				assert.True(t, ok, "expected %s to be disclosed", p)
			}
			for _, p := range tt.absent {
				_, ok := claim.Resolve(reparsed.Claims(), p)
				assert.False(t, ok, "expected %s to stay hidden", p)
			}
		})
	}

	// the source credential is untouched by selection
	assert.Len(t, s.Disclosures, len(strings.Split(cred.raw, "~"))-2)
}

func TestSelectUnknownPath(t *testing.T) {
	cred := issue(t, false)
	s, err := Parse(cred.raw)
	require.NoError(t, err)

	_, err = s.Select([]claim.Path{claim.NewPath("nationality")})
	require.ErrorIs(t, err, ErrPathNotFound)
}

func TestKeyBinding(t *testing.T) {
	cred := issue(t, true)
	s, err := Parse(cred.raw)
	require.NoError(t, err)

	selected, err := s.Select([]claim.Path{claim.NewPath("given_name")})
	require.NoError(t, err)

	presentation, err := selected.Present(rand.Reader, cred.holderKey, "nonce-1", "https://verifier.example", time.Now())
	require.NoError(t, err)

	verified, err := VerifyKeyBinding(presentation, "nonce-1", "https://verifier.example")
	require.NoError(t, err)
	require.NoError(t, verified.VerifyIssuer(&cred.issuerKey.PublicKey))
	v, ok := verified.Claims().Get("given_name")
	require.True(t, ok)
	assert.Equal(t, "Erika", v.AsString())

	_, err = VerifyKeyBinding(presentation, "nonce-2", "https://verifier.example")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonce mismatch")

	_, err = VerifyKeyBinding(presentation, "nonce-1", "https://other.example")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audience mismatch")

	// swapping disclosures breaks sd_hash
	full, err := s.Present(rand.Reader, cred.holderKey, "nonce-1", "https://verifier.example", time.Now())
	require.NoError(t, err)
	kb := full[strings.LastIndex(full, "~")+1:]
	_, err = VerifyKeyBinding(selected.Serialize()+kb, "nonce-1", "https://verifier.example")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sd_hash mismatch")
}

func TestPresentWithWrongHolderKey(t *testing.T) {
	cred := issue(t, true)
	s, err := Parse(cred.raw)
	require.NoError(t, err)

	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	_, err = s.Present(rand.Reader, other, "n", "aud", time.Now())
	require.Error(t, err)
}

func TestParseRejectsMalformed(t *testing.T) {
	cred := issue(t, false)
	parts := strings.Split(cred.raw, "~")

	tests := []struct {
		name  string
		input string
	}{
		{"no separator", parts[0]},
		{"garbage jwt", "abc~"},
		{"bad disclosure encoding", parts[0] + "~!!!~"},
		{"duplicate disclosure", parts[0] + "~" + parts[1] + "~" + parts[1] + "~"},
		{"unreferenced disclosure", parts[0] + "~" + "WyJzYWx0IiwgIm5hbWUiLCAidmFsdWUiXQ" + "~"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestVerifyIssuerChainWithoutX5C(t *testing.T) {
	c := issue(t, false)
	s, err := Parse(c.raw)
	require.NoError(t, err)

	require.NoError(t, s.VerifyIssuer(&c.issuerKey.PublicKey))
	err = s.VerifyIssuerChain(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "x5c header is missing")
}
