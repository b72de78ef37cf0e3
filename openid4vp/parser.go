package openid4vp

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"

	"github.com/kokukuma/mdoc-presentment/dcql"
	"github.com/kokukuma/mdoc-presentment/pkg/jwe"
	"github.com/mitchellh/mapstructure"
)

// ParseRequest decodes and validates an unsigned request object.
func ParseRequest(data []byte) (*AuthorizationRequest, error) {
	var req AuthorizationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse authorization request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid authorization request: %w", err)
	}
	return &req, nil
}

// decodeClaims builds a request from the claims of a signed request object.
func decodeClaims(claims map[string]interface{}) (*AuthorizationRequest, error) {
	var req AuthorizationRequest
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  &req,
		TagName: "mapstructure",
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(claims); err != nil {
		return nil, fmt.Errorf("failed to decode request claims: %w", err)
	}

	if raw, ok := claims["dcql_query"]; ok {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to encode dcql_query: %w", err)
		}
		query, err := dcql.Parse(b)
		if err != nil {
			return nil, err
		}
		req.DCQLQuery = query
	}
	if raw, ok := claims["client_metadata"]; ok {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to encode client_metadata: %w", err)
		}
		var metadata ClientMetadata
		if err := json.Unmarshal(b, &metadata); err != nil {
			return nil, fmt.Errorf("failed to parse client_metadata: %w", err)
		}
		req.ClientMetadata = &metadata
	}
	return &req, nil
}

// EncodeResponse builds the response for req. dc_api.jwt responses are
// encrypted to the verifier's key with apu set to walletNonce and apv to the
// request nonce. draft selects the single-string vp_token shape.
func EncodeResponse(rand io.Reader, req *AuthorizationRequest, tokens VPToken, draft bool, walletNonce []byte) ([]byte, error) {
	var vpToken interface{} = tokens
	if draft {
		single := map[string]string{}
		for id, ps := range tokens {
			if len(ps) != 1 {
				return nil, fmt.Errorf("credential query %s has %d presentations", id, len(ps))
			}
			single[id] = ps[0]
		}
		vpToken = single
	}

	payload, err := json.Marshal(map[string]interface{}{
		"vp_token": vpToken,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal vp_token: %w", err)
	}
	if !req.Encrypted() {
		return payload, nil
	}

	key, err := req.ClientMetadata.EncryptionKey()
	if err != nil {
		return nil, err
	}
	enc, err := jwe.NegotiateEnc(req.ClientMetadata.EncValues())
	if err != nil {
		return nil, err
	}
	compact, err := jwe.Encrypt(rand, key.Key.(*ecdsa.PublicKey), payload, jwe.Options{
		Enc: enc,
		APU: walletNonce,
		APV: []byte(req.Nonce),
		Kid: key.KeyID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt response: %w", err)
	}
	return json.Marshal(EncryptedResponse{Response: compact})
}
