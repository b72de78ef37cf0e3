package session_transcript

import (
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// OID4VPHandover is the redirect flow handover of ISO/IEC 18013-7 Annex B.
// apu carries the mdocGeneratedNonce, base64url without padding.
func OID4VPHandover(nonce []byte, clientID, responseURI, apu string) ([]byte, error) {
	if len(nonce) == 0 {
		return nil, fmt.Errorf("nonce cannot be empty")
	}
	if clientID == "" {
		return nil, fmt.Errorf("clientID cannot be empty")
	}
	if responseURI == "" {
		return nil, fmt.Errorf("responseURI cannot be empty")
	}
	if apu == "" {
		return nil, fmt.Errorf("apu cannot be empty")
	}

	// nonce and mdocGeneratedNonce must be treated as tstr
	nonceStr := string(nonce)

	mdocGeneratedNonce, err := base64.RawURLEncoding.DecodeString(apu)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mdocGeneratedNonce: %w", err)
	}
	mdocGeneratedNonceStr := string(mdocGeneratedNonce)

	clientIdToHash, err := cbor.Marshal([]interface{}{clientID, mdocGeneratedNonceStr})
	if err != nil {
		return nil, fmt.Errorf("failed to encode clientID for hashing: %w", err)
	}

	responseUriToHash, err := cbor.Marshal([]interface{}{responseURI, mdocGeneratedNonceStr})
	if err != nil {
		return nil, fmt.Errorf("failed to encode responseURI for hashing: %w", err)
	}

	return encode(nil, nil, []interface{}{ // OID4VPHandover
		sha256Sum(clientIdToHash),
		sha256Sum(responseUriToHash),
		nonceStr,
	})
}
