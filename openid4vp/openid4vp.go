// Package openid4vp models OpenID4VP authorization requests and responses
// as they travel over the Digital Credentials API.
//
//	https://openid.net/specs/openid-4-verifiable-presentations-1_0.html
package openid4vp

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/json"
	"fmt"

	"github.com/kokukuma/mdoc-presentment/dcql"
	"github.com/kokukuma/mdoc-presentment/pkg/jwe"
	"github.com/ory/go-convenience/stringslice"
	jose "gopkg.in/square/go-jose.v2"
)

const (
	ResponseTypeVPToken = "vp_token"

	ResponseModeDCAPI    = "dc_api"
	ResponseModeDCAPIJWT = "dc_api.jwt"
)

var responseModes = []string{ResponseModeDCAPI, ResponseModeDCAPIJWT}

type AuthorizationRequest struct {
	ClientID        string          `json:"client_id,omitempty" mapstructure:"client_id"`
	ResponseType    string          `json:"response_type" mapstructure:"response_type"`
	ResponseMode    string          `json:"response_mode,omitempty" mapstructure:"response_mode"`
	Nonce           string          `json:"nonce" mapstructure:"nonce"`
	DCQLQuery       *dcql.Query     `json:"dcql_query" mapstructure:"-"`
	ClientMetadata  *ClientMetadata `json:"client_metadata,omitempty" mapstructure:"-"`
	ExpectedOrigins []string        `json:"expected_origins,omitempty" mapstructure:"expected_origins"`
	State           string          `json:"state,omitempty" mapstructure:"state"`
}

type ClientMetadata struct {
	JWKS *jose.JSONWebKeySet `json:"jwks,omitempty"`

	// OpenID4VP 1.0
	EncryptedResponseEncValuesSupported []string `json:"encrypted_response_enc_values_supported,omitempty"`

	// drafts
	AuthorizationEncryptedResponseAlg string `json:"authorization_encrypted_response_alg,omitempty"`
	AuthorizationEncryptedResponseEnc string `json:"authorization_encrypted_response_enc,omitempty"`

	VpFormatsSupported map[string]interface{} `json:"vp_formats_supported,omitempty"`
}

// EncryptionKey returns the first P-256 key of the JWKS usable for
// encryption.
func (c *ClientMetadata) EncryptionKey() (*jose.JSONWebKey, error) {
	if c == nil || c.JWKS == nil {
		return nil, fmt.Errorf("client_metadata has no jwks")
	}
	for i := range c.JWKS.Keys {
		key := &c.JWKS.Keys[i]
		if key.Use != "" && key.Use != "enc" {
			continue
		}
		pub, ok := key.Key.(*ecdsa.PublicKey)
		if !ok || pub.Curve != elliptic.P256() {
			continue
		}
		return key, nil
	}
	return nil, fmt.Errorf("client_metadata has no P-256 encryption key")
}

// EncValues lists the content encryptions the verifier accepts.
func (c *ClientMetadata) EncValues() []string {
	if c == nil {
		return nil
	}
	if len(c.EncryptedResponseEncValuesSupported) > 0 {
		return c.EncryptedResponseEncValuesSupported
	}
	if c.AuthorizationEncryptedResponseEnc != "" {
		return []string{c.AuthorizationEncryptedResponseEnc}
	}
	return nil
}

func (r *AuthorizationRequest) Encrypted() bool {
	return r.ResponseMode == ResponseModeDCAPIJWT
}

func (r *AuthorizationRequest) Validate() error {
	if r.ResponseType != ResponseTypeVPToken {
		return fmt.Errorf("unsupported response_type: %q", r.ResponseType)
	}
	if r.Nonce == "" {
		return fmt.Errorf("nonce is missing")
	}
	if r.DCQLQuery == nil {
		return fmt.Errorf("dcql_query is missing")
	}
	if r.ResponseMode != "" && !stringslice.Has(responseModes, r.ResponseMode) {
		return fmt.Errorf("unsupported response_mode: %q", r.ResponseMode)
	}
	if r.Encrypted() {
		if _, err := r.ClientMetadata.EncryptionKey(); err != nil {
			return err
		}
		if _, err := jwe.NegotiateEnc(r.ClientMetadata.EncValues()); err != nil {
			return err
		}
	}
	return nil
}

// EncryptionThumbprint is the SHA-256 JWK thumbprint of the response
// encryption key, or nil when the response is not encrypted.
func (r *AuthorizationRequest) EncryptionThumbprint() ([]byte, error) {
	if !r.Encrypted() {
		return nil, nil
	}
	key, err := r.ClientMetadata.EncryptionKey()
	if err != nil {
		return nil, err
	}
	return key.Thumbprint(crypto.SHA256)
}

type RequestOption func(*AuthorizationRequest)

// WithEncryption asks for a dc_api.jwt response encrypted to pub.
func WithEncryption(pub *ecdsa.PublicKey, kid string, encValues ...string) RequestOption {
	return func(r *AuthorizationRequest) {
		r.ResponseMode = ResponseModeDCAPIJWT
		if r.ClientMetadata == nil {
			r.ClientMetadata = &ClientMetadata{}
		}
		r.ClientMetadata.JWKS = &jose.JSONWebKeySet{
			Keys: []jose.JSONWebKey{{
				Key:       pub,
				KeyID:     kid,
				Use:       "enc",
				Algorithm: jwe.AlgECDHES,
			}},
		}
		r.ClientMetadata.EncryptedResponseEncValuesSupported = encValues
	}
}

func WithClientID(clientID string) RequestOption {
	return func(r *AuthorizationRequest) {
		r.ClientID = clientID
	}
}

func WithExpectedOrigins(origins ...string) RequestOption {
	return func(r *AuthorizationRequest) {
		r.ExpectedOrigins = origins
	}
}

func WithResponseMode(mode string) RequestOption {
	return func(r *AuthorizationRequest) {
		r.ResponseMode = mode
	}
}

func WithState(state string) RequestOption {
	return func(r *AuthorizationRequest) {
		r.State = state
	}
}

func NewDCQLRequest(query *dcql.Query, nonce string, opts ...RequestOption) *AuthorizationRequest {
	r := &AuthorizationRequest{
		ResponseType: ResponseTypeVPToken,
		ResponseMode: ResponseModeDCAPI,
		Nonce:        nonce,
		DCQLQuery:    query,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// VPToken maps credential query ids to presentations. The drafts carried a
// single string per id; OpenID4VP 1.0 carries an array.
type VPToken map[string][]string

func (v *VPToken) UnmarshalJSON(data []byte) error {
	var multi map[string][]string
	if err := json.Unmarshal(data, &multi); err == nil {
		*v = multi
		return nil
	}
	var single map[string]string
	if err := json.Unmarshal(data, &single); err == nil {
		out := VPToken{}
		for id, p := range single {
			out[id] = []string{p}
		}
		*v = out
		return nil
	}
	// ISO 18013-7 direct_post responses carry one bare DeviceResponse.
	var bare string
	if err := json.Unmarshal(data, &bare); err != nil {
		return fmt.Errorf("unsupported vp_token: %w", err)
	}
	*v = VPToken{"": {bare}}
	return nil
}

// First returns the first presentation for id.
func (v VPToken) First(id string) (string, bool) {
	ps := v[id]
	if len(ps) == 0 {
		return "", false
	}
	return ps[0], true
}

type AuthorizationResponse struct {
	VPToken VPToken `json:"vp_token"`
	State   string  `json:"state,omitempty"`

	// https://datatracker.ietf.org/doc/html/rfc7518#section-4.6.1.2
	// Set from the JWE header of encrypted responses.
	APU []byte `json:"-"`
	APV []byte `json:"-"`
}

// EncryptedResponse is the body of a dc_api.jwt response.
type EncryptedResponse struct {
	Response string `json:"response"`
}
