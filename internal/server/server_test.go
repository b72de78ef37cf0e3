package server_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kokukuma/mdoc-presentment/credential"
	"github.com/kokukuma/mdoc-presentment/internal/fixtures"
	"github.com/kokukuma/mdoc-presentment/internal/server"
	"github.com/kokukuma/mdoc-presentment/pkg/pki"
	"github.com/kokukuma/mdoc-presentment/presentment"
	"github.com/kokukuma/mdoc-presentment/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const origin = "https://verifier.example"

const mdlQuery = `{
  "credentials": [{
    "id": "mdl",
    "format": "mso_mdoc",
    "meta": {"doctype_value": "org.iso.18013.5.1.mDL"},
    "claims": [
      {"path": ["org.iso.18013.5.1", "given_name"]},
      {"path": ["org.iso.18013.5.1", "family_name"]}
    ]
  }]
}`

const pidQuery = `{
  "credentials": [{
    "id": "pid",
    "format": "dc+sd-jwt",
    "meta": {"vct_values": ["urn:eudi:pid:1"]},
    "claims": [{"path": ["given_name"]}]
  }]
}`

type testEnv struct {
	t         *testing.T
	authority *fixtures.Authority
	store     *credential.MemoryStore
	certs     *server.CertManager
	url       string
}

func newTestEnv(t *testing.T, opts ...func(*fixtures.Authority) server.Option) *testEnv {
	t.Helper()
	authority, err := fixtures.NewAuthority()
	require.NoError(t, err)
	creds, err := authority.Wallet()
	require.NoError(t, err)

	certs, err := server.NewCertManager(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, certs.AddX509("iaca", authority.RootCert))

	serverOpts := []server.Option{
		server.WithPresentmentOptions(presentment.WithTeardownDelay(10 * time.Millisecond)),
	}
	for _, opt := range opts {
		serverOpts = append(serverOpts, opt(authority))
	}
	store := credential.NewMemoryStore(creds...)
	srv := server.NewServer(store, certs, serverOpts...)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)

	return &testEnv{t: t, authority: authority, store: store, certs: certs, url: ts.URL}
}

func (e *testEnv) do(method, path string, body, out interface{}) int {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.url+path, &buf)
	require.NoError(e.t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type status struct {
	ID       string          `json:"id"`
	State    string          `json:"state"`
	Error    string          `json:"error"`
	Consent  *consent        `json:"consent"`
	Response json.RawMessage `json:"response"`
}

type consent struct {
	Protocol       string `json:"protocol"`
	Origin         string `json:"origin"`
	CredentialSets []struct {
		Options []struct {
			Members []struct {
				QueryID string `json:"query_id"`
				Matches []struct {
					CredentialID string `json:"credential_id"`
				} `json:"matches"`
			} `json:"members"`
		} `json:"options"`
	} `json:"credential_sets"`
}

type verified struct {
	Presentations []struct {
		QueryID  string `json:"query_id"`
		Format   string `json:"format"`
		Type     string `json:"type"`
		Elements []struct {
			Path  []interface{} `json:"path"`
			Value interface{}   `json:"value"`
		} `json:"elements"`
	} `json:"presentations"`
}

// element finds the value disclosed at path in the only presentation.
func (v verified) element(t *testing.T, path ...interface{}) (interface{}, bool) {
	t.Helper()
	require.Len(t, v.Presentations, 1)
	for _, el := range v.Presentations[0].Elements {
		if assert.ObjectsAreEqual(path, el.Path) {
			return el.Value, true
		}
	}
	return nil, false
}

func (e *testEnv) begin(req map[string]interface{}) server.GetResponse {
	e.t.Helper()
	var resp server.GetResponse
	require.Equal(e.t, http.StatusOK, e.do("POST", "/getIdentityRequest", req, &resp))
	require.NotEmpty(e.t, resp.SessionID)
	return resp
}

func (e *testEnv) create(protocolID string, data json.RawMessage) status {
	e.t.Helper()
	var st status
	code := e.do("POST", "/wallet/presentments", map[string]interface{}{
		"protocol": protocolID,
		"origin":   origin,
		"data":     data,
	}, &st)
	require.Equal(e.t, http.StatusCreated, code)
	require.NotEmpty(e.t, st.ID)
	return st
}

// waitFor polls the presentment until cond holds.
func (e *testEnv) waitFor(id string, cond func(status) bool) status {
	e.t.Helper()
	var st status
	require.Eventually(e.t, func() bool {
		st = status{}
		if e.do("GET", "/wallet/presentments/"+id, nil, &st) != http.StatusOK {
			return false
		}
		return cond(st)
	}, 5*time.Second, 10*time.Millisecond)
	return st
}

func waitingForConsent(st status) bool {
	return st.State == presentment.WaitingForConsent.String() && st.Consent != nil
}

func completed(st status) bool {
	return st.State == presentment.Completed.String()
}

func (e *testEnv) usage(id string) int64 {
	e.t.Helper()
	var creds []server.CredentialView
	require.Equal(e.t, http.StatusOK, e.do("GET", "/wallet/credentials", nil, &creds))
	for _, c := range creds {
		if c.ID == id {
			return c.Usage
		}
	}
	e.t.Fatalf("credential %s not listed", id)
	return 0
}

func TestIdentityRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		protocol  string
		encrypted bool
	}{
		{name: "org.iso.mdoc", protocol: protocol.ISOMdoc},
		{name: "preview", protocol: protocol.Preview},
		{name: "arf", protocol: protocol.ARF},
		{name: "openid4vp", protocol: protocol.OpenID4VP},
		{name: "openid4vp encrypted", protocol: protocol.OpenID4VPV1Unsigned, encrypted: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			req := e.begin(map[string]interface{}{
				"protocol":  tt.protocol,
				"query":     json.RawMessage(mdlQuery),
				"encrypted": tt.encrypted,
			})

			st := e.create(tt.protocol, req.Data)
			st = e.waitFor(st.ID, waitingForConsent)
			assert.Equal(t, origin, st.Consent.Origin)
			require.Len(t, st.Consent.CredentialSets, 1)
			matches := st.Consent.CredentialSets[0].Options[0].Members[0].Matches
			require.Len(t, matches, 2)
			assert.Equal(t, fixtures.ErikaMDLID, matches[0].CredentialID)
			assert.Equal(t, fixtures.MaxMDLID, matches[1].CredentialID)

			require.Equal(t, http.StatusOK, e.do("POST", "/wallet/presentments/"+st.ID+"/consent", map[string]interface{}{"approve": true}, nil))
			st = e.waitFor(st.ID, func(st status) bool { return completed(st) && len(st.Response) > 0 })
			assert.Empty(t, st.Error)

			var v verified
			code := e.do("POST", "/verifyIdentityResponse", map[string]interface{}{
				"session_id": req.SessionID,
				"data":       st.Response,
				"origin":     origin,
			}, &v)
			require.Equal(t, http.StatusOK, code)
			given, ok := v.element(t, "org.iso.18013.5.1", "given_name")
			require.True(t, ok)
			assert.Equal(t, "Erika", given)
			assert.Equal(t, "mdl", v.Presentations[0].QueryID)

			assert.EqualValues(t, 1, e.usage(fixtures.ErikaMDLID))
			assert.EqualValues(t, 0, e.usage(fixtures.MaxMDLID))

			// a session answers once
			code = e.do("POST", "/verifyIdentityResponse", map[string]interface{}{
				"session_id": req.SessionID,
				"data":       st.Response,
				"origin":     origin,
			}, nil)
			assert.Equal(t, http.StatusNotFound, code)
		})
	}
}

func TestIdentityRoundTripSdJwt(t *testing.T) {
	e := newTestEnv(t)
	req := e.begin(map[string]interface{}{
		"protocol": protocol.OpenID4VPV1Unsigned,
		"query":    json.RawMessage(pidQuery),
	})

	st := e.create(protocol.OpenID4VPV1Unsigned, req.Data)
	st = e.waitFor(st.ID, waitingForConsent)
	require.Equal(t, http.StatusOK, e.do("POST", "/wallet/presentments/"+st.ID+"/consent", map[string]interface{}{"approve": true}, nil))
	st = e.waitFor(st.ID, func(st status) bool { return completed(st) && len(st.Response) > 0 })

	var v verified
	require.Equal(t, http.StatusOK, e.do("POST", "/verifyIdentityResponse", map[string]interface{}{
		"session_id": req.SessionID,
		"data":       st.Response,
		"origin":     origin,
	}, &v))
	assert.Equal(t, "dc+sd-jwt", v.Presentations[0].Format)
	assert.Equal(t, fixtures.VctPID, v.Presentations[0].Type)
	given, ok := v.element(t, "given_name")
	require.True(t, ok)
	assert.Equal(t, "Erika", given)
	_, ok = v.element(t, "birthdate")
	assert.False(t, ok)
}

func TestSignedIdentityRequest(t *testing.T) {
	withSigner := func(a *fixtures.Authority) server.Option {
		reader, err := a.NewReaderIdentity("verifier.example")
		require.NoError(t, err)
		return server.WithRequestSigner(reader.Key, reader.X5C, "x509_san_dns:verifier.example")
	}

	t.Run("ok", func(t *testing.T) {
		e := newTestEnv(t, withSigner)
		req := e.begin(map[string]interface{}{
			"protocol":         protocol.OpenID4VPV1Signed,
			"query":            json.RawMessage(mdlQuery),
			"expected_origins": []string{origin},
		})
		st := e.create(protocol.OpenID4VPV1Signed, req.Data)
		st = e.waitFor(st.ID, waitingForConsent)
		require.Equal(t, http.StatusOK, e.do("POST", "/wallet/presentments/"+st.ID+"/consent", map[string]interface{}{"approve": true}, nil))
		st = e.waitFor(st.ID, func(st status) bool { return completed(st) && len(st.Response) > 0 })

		var v verified
		require.Equal(t, http.StatusOK, e.do("POST", "/verifyIdentityResponse", map[string]interface{}{
			"session_id": req.SessionID,
			"data":       st.Response,
			"origin":     origin,
		}, &v))
		require.Len(t, v.Presentations, 1)
	})

	t.Run("origin not expected", func(t *testing.T) {
		e := newTestEnv(t, withSigner)
		req := e.begin(map[string]interface{}{
			"protocol":         protocol.OpenID4VPV1Signed,
			"query":            json.RawMessage(mdlQuery),
			"expected_origins": []string{"https://elsewhere.example"},
		})
		st := e.create(protocol.OpenID4VPV1Signed, req.Data)
		st = e.waitFor(st.ID, completed)
		assert.Contains(t, st.Error, "expected_origins")
		assert.Nil(t, st.Consent)
		assert.EqualValues(t, 0, e.usage(fixtures.ErikaMDLID))
	})

	t.Run("not configured", func(t *testing.T) {
		e := newTestEnv(t)
		code := e.do("POST", "/getIdentityRequest", map[string]interface{}{
			"protocol": protocol.OpenID4VPV1Signed,
			"query":    json.RawMessage(mdlQuery),
		}, nil)
		assert.Equal(t, http.StatusBadRequest, code)
	})
}

func TestGetIdentityRequestInvalid(t *testing.T) {
	e := newTestEnv(t)
	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{name: "no query", body: map[string]interface{}{"protocol": protocol.ISOMdoc}},
		{name: "malformed query", body: map[string]interface{}{"protocol": protocol.ISOMdoc, "query": json.RawMessage(`{"credentials": []}`)}},
		{name: "unknown protocol", body: map[string]interface{}{"protocol": "unknown", "query": json.RawMessage(mdlQuery)}},
		{name: "sd-jwt over mdoc protocol", body: map[string]interface{}{"protocol": protocol.ISOMdoc, "query": json.RawMessage(pidQuery)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, e.do("POST", "/getIdentityRequest", tt.body, nil))
		})
	}

	code := e.do("POST", "/verifyIdentityResponse", map[string]interface{}{"session_id": "missing", "data": "{}"}, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestConsentSelection(t *testing.T) {
	e := newTestEnv(t)
	req := e.begin(map[string]interface{}{"protocol": protocol.ISOMdoc, "query": json.RawMessage(mdlQuery)})
	st := e.create(protocol.ISOMdoc, req.Data)
	st = e.waitFor(st.ID, waitingForConsent)

	path := "/wallet/presentments/" + st.ID + "/consent"
	bad := map[string]interface{}{
		"approve":   true,
		"selection": map[string]interface{}{"sets": []interface{}{map[string]interface{}{"option": 0, "matches": []int{5}}}},
	}
	assert.Equal(t, http.StatusBadRequest, e.do("POST", path, bad, nil))

	pickMax := map[string]interface{}{
		"approve":   true,
		"selection": map[string]interface{}{"sets": []interface{}{map[string]interface{}{"option": 0, "matches": []int{1}}}},
	}
	require.Equal(t, http.StatusOK, e.do("POST", path, pickMax, nil))
	st = e.waitFor(st.ID, func(st status) bool { return completed(st) && len(st.Response) > 0 })

	var v verified
	require.Equal(t, http.StatusOK, e.do("POST", "/verifyIdentityResponse", map[string]interface{}{
		"session_id": req.SessionID,
		"data":       string(st.Response),
		"origin":     origin,
	}, &v))
	given, ok := v.element(t, "org.iso.18013.5.1", "given_name")
	require.True(t, ok)
	assert.Equal(t, "Max", given)
	assert.EqualValues(t, 1, e.usage(fixtures.MaxMDLID))

	assert.Equal(t, http.StatusConflict, e.do("POST", path, map[string]interface{}{"approve": true}, nil))
}

func TestConsentDeclined(t *testing.T) {
	e := newTestEnv(t)
	req := e.begin(map[string]interface{}{"protocol": protocol.ISOMdoc, "query": json.RawMessage(mdlQuery)})
	st := e.create(protocol.ISOMdoc, req.Data)
	st = e.waitFor(st.ID, waitingForConsent)

	require.Equal(t, http.StatusOK, e.do("POST", "/wallet/presentments/"+st.ID+"/consent", map[string]interface{}{"approve": false}, nil))
	st = e.waitFor(st.ID, completed)
	assert.Contains(t, st.Error, presentment.ErrConsentDeclined.Error())
	assert.Empty(t, st.Response)
	assert.EqualValues(t, 0, e.usage(fixtures.ErikaMDLID))
}

func TestDismissPresentment(t *testing.T) {
	e := newTestEnv(t)
	req := e.begin(map[string]interface{}{"protocol": protocol.ISOMdoc, "query": json.RawMessage(mdlQuery)})
	st := e.create(protocol.ISOMdoc, req.Data)
	st = e.waitFor(st.ID, waitingForConsent)

	path := "/wallet/presentments/" + st.ID + "/dismiss"
	assert.Equal(t, http.StatusBadRequest, e.do("POST", path, map[string]string{"style": "shrug"}, nil))

	require.Equal(t, http.StatusOK, e.do("POST", path, map[string]string{"style": "silent"}, &st))
	assert.Equal(t, presentment.Completed.String(), st.State)
	assert.Contains(t, st.Error, "dismissed")
	assert.Nil(t, st.Consent)

	assert.Equal(t, http.StatusConflict, e.do("POST", path, nil, nil))
}

func TestMalformedPresentment(t *testing.T) {
	e := newTestEnv(t)
	st := e.create("unknown", json.RawMessage(`{}`))
	st = e.waitFor(st.ID, completed)
	assert.Contains(t, st.Error, protocol.ErrProtocolNotSupported.Error())

	st = e.create(protocol.ISOMdoc, json.RawMessage(`{"deviceRequest": "!!"}`))
	st = e.waitFor(st.ID, completed)
	assert.NotEmpty(t, st.Error)
}

func TestDeletePresentment(t *testing.T) {
	e := newTestEnv(t)
	req := e.begin(map[string]interface{}{"protocol": protocol.ISOMdoc, "query": json.RawMessage(mdlQuery)})
	st := e.create(protocol.ISOMdoc, req.Data)

	assert.Equal(t, http.StatusNoContent, e.do("DELETE", "/wallet/presentments/"+st.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, e.do("GET", "/wallet/presentments/"+st.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, e.do("DELETE", "/wallet/presentments/"+st.ID, nil, nil))
}

func TestCertificates(t *testing.T) {
	e := newTestEnv(t)

	var certs []server.CertInfo
	require.Equal(t, http.StatusOK, e.do("GET", "/api/certificates", nil, &certs))
	require.Len(t, certs, 1)
	assert.Equal(t, "iaca.pem", certs[0].Filename)
	assert.Equal(t, e.authority.RootCert.Subject.String(), certs[0].Subject)

	reader, err := e.authority.NewReaderIdentity("verifier.example")
	require.NoError(t, err)
	var added server.CertInfo
	require.Equal(t, http.StatusCreated, e.do("POST", "/api/certificates/json", map[string]string{
		"filename": "../reader",
		"pem_data": string(pki.EncodeCertificate(reader.Cert)),
	}, &added))
	assert.Equal(t, "reader.pem", added.Filename)

	assert.Equal(t, http.StatusBadRequest, e.do("POST", "/api/certificates/json", map[string]string{
		"filename": "junk",
		"pem_data": "not a certificate",
	}, nil))

	var got struct {
		Info    server.CertInfo `json:"info"`
		PEMData string          `json:"pem_data"`
	}
	require.Equal(t, http.StatusOK, e.do("GET", "/api/certificates/reader", nil, &got))
	assert.Equal(t, added.Fingerprint, got.Info.Fingerprint)
	assert.Equal(t, string(pki.EncodeCertificate(reader.Cert)), got.PEMData)

	require.Equal(t, http.StatusNoContent, e.do("DELETE", "/api/certificates/reader.pem", nil, nil))
	assert.Equal(t, http.StatusNotFound, e.do("GET", "/api/certificates/reader.pem", nil, nil))

	require.Equal(t, http.StatusOK, e.do("POST", "/api/certificates/reload", nil, &certs))
	assert.Len(t, certs, 1)
}

func TestTrustAnchorsGateVerification(t *testing.T) {
	e := newTestEnv(t)
	req := e.begin(map[string]interface{}{"protocol": protocol.ISOMdoc, "query": json.RawMessage(mdlQuery)})
	st := e.create(protocol.ISOMdoc, req.Data)
	st = e.waitFor(st.ID, waitingForConsent)
	require.Equal(t, http.StatusOK, e.do("POST", "/wallet/presentments/"+st.ID+"/consent", map[string]interface{}{"approve": true}, nil))
	st = e.waitFor(st.ID, func(st status) bool { return completed(st) && len(st.Response) > 0 })

	require.NoError(t, e.certs.DeleteCertificate("iaca"))
	code := e.do("POST", "/verifyIdentityResponse", map[string]interface{}{
		"session_id": req.SessionID,
		"data":       st.Response,
		"origin":     origin,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}
