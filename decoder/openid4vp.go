package decoder

import (
	"crypto/ecdsa"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/kokukuma/mdoc-presentment/encoder"
	"github.com/kokukuma/mdoc-presentment/mdoc"
	"github.com/kokukuma/mdoc-presentment/openid4vp"
	"github.com/kokukuma/mdoc-presentment/pkg/jwe"
)

const (
	formContentType = "application/x-www-form-urlencoded"
)

// DeviceResponse decodes an mdoc presentation from a vp_token.
func DeviceResponse(presentation string) (*mdoc.DeviceResponse, error) {
	decoded, err := encoder.DecodeB64(presentation)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 token: %w", err)
	}

	var claims mdoc.DeviceResponse
	if err := cbor.Unmarshal(decoded, &claims); err != nil {
		return nil, fmt.Errorf("failed to unmarshal CBOR data: %w", err)
	}
	return &claims, nil
}

// OpenID4VP parses the data of an openid4vp response, decrypting it with
// encKey when it is a dc_api.jwt response. encKey may be nil for dc_api.
func OpenID4VP(data []byte, encKey *ecdsa.PrivateKey) (*openid4vp.AuthorizationResponse, error) {
	var encrypted openid4vp.EncryptedResponse
	if err := json.Unmarshal(data, &encrypted); err != nil {
		return nil, fmt.Errorf("%w: failed to parse data as JSON: %v", encoder.ErrMalformedEnvelope, err)
	}
	if encrypted.Response == "" {
		return parseAuthorizationResponse(data)
	}
	if encKey == nil {
		return nil, fmt.Errorf("nil encryption key")
	}

	decrypted, header, err := jwe.Decrypt(encrypted.Response, encKey)
	if err != nil {
		return nil, err
	}
	msg, err := parseAuthorizationResponse(decrypted)
	if err != nil {
		return nil, err
	}
	msg.APU = header.APU
	msg.APV = header.APV
	return msg, nil
}

func parseAuthorizationResponse(data []byte) (*openid4vp.AuthorizationResponse, error) {
	var msg openid4vp.AuthorizationResponse
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse authorization response: %w", err)
	}
	if len(msg.VPToken) == 0 {
		return nil, fmt.Errorf("%w: vp_token is missing", encoder.ErrMalformedEnvelope)
	}
	return &msg, nil
}

// ParseDirectPostJWT reads a direct_post.jwt form post of the redirect flow.
func ParseDirectPostJWT(r *http.Request, encKey *ecdsa.PrivateKey) (*openid4vp.AuthorizationResponse, error) {
	if encKey == nil {
		return nil, fmt.Errorf("nil encryption key")
	}

	response, state, err := extractResponseAndState(r)
	if err != nil {
		return nil, fmt.Errorf("failed to extract response and state: %w", err)
	}

	decrypted, header, err := jwe.Decrypt(response, encKey)
	if err != nil {
		return nil, err
	}

	msg, err := parseAuthorizationResponse(decrypted)
	if err != nil {
		return nil, err
	}
	if !secureCompare(msg.State, state) {
		return nil, fmt.Errorf("state mismatch")
	}

	// https://github.com/eu-digital-identity-wallet/eudi-lib-jvm-siop-openid4vp-kt/issues/177
	msg.APU = header.APU
	msg.APV = header.APV

	return msg, nil
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func extractResponseAndState(r *http.Request) (response, state string, err error) {
	if r == nil {
		return "", "", fmt.Errorf("nil request")
	}

	contentType := strings.ToLower(r.Header.Get("Content-Type"))
	if contentType != strings.ToLower(formContentType) {
		return "", "", fmt.Errorf("invalid content type: %s", contentType)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", "", fmt.Errorf("failed to read request body: %v", err)
	}
	defer r.Body.Close()

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return "", "", fmt.Errorf("failed to parse query: %w", err)
	}

	response = values.Get("response")
	if response == "" {
		return "", "", fmt.Errorf("response parameter is missing")
	}

	state = values.Get("state")
	if state == "" {
		return "", "", fmt.Errorf("state parameter is missing")
	}

	return response, state, nil
}
