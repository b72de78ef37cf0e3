package session_transcript

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const (
	ARF_HANDOVER_V2          = "ARFHandoverv2"
	DCAPI_HANDOVER           = "dcapi"
	OPENID4VP_DCAPI_HANDOVER = "OpenID4VPDCAPIHandover"
)

// ARFHandoverV2 is used by austroads-request-forwarding-v2.
func ARFHandoverV2(encryptionInfo, origin string) ([]byte, error) {
	if encryptionInfo == "" {
		return nil, fmt.Errorf("encryptionInfo cannot be empty")
	}
	if origin == "" {
		return nil, fmt.Errorf("origin cannot be empty")
	}
	return encode(nil, nil, []interface{}{ // ARFHandover
		ARF_HANDOVER_V2,
		encryptionInfo,
		origin,
	})
}

// DCAPIHandover is used by org-iso-mdoc over the Digital Credentials API.
func DCAPIHandover(encryptionInfo, origin string) ([]byte, error) {
	if encryptionInfo == "" {
		return nil, fmt.Errorf("encryptionInfo cannot be empty")
	}
	if origin == "" {
		return nil, fmt.Errorf("origin cannot be empty")
	}
	dcapiInfo, err := cbor.Marshal([]interface{}{encryptionInfo, origin})
	if err != nil {
		return nil, fmt.Errorf("failed to encode dcapi info: %w", err)
	}
	return encode(nil, nil, []interface{}{ // DCAPIHandover
		DCAPI_HANDOVER,
		sha256Sum(dcapiInfo),
	})
}

// OpenID4VPDCAPIHandover is the handover of the OpenID4VP drafts over the DC
// API: the info array is [origin, clientId, nonce].
func OpenID4VPDCAPIHandover(origin, clientID, nonce string) ([]byte, error) {
	if origin == "" {
		return nil, fmt.Errorf("origin cannot be empty")
	}
	if clientID == "" {
		return nil, fmt.Errorf("clientID cannot be empty")
	}
	if nonce == "" {
		return nil, fmt.Errorf("nonce cannot be empty")
	}
	return openID4VPDCAPIHandover([]interface{}{origin, clientID, nonce})
}

// OpenID4VPDCAPIHandoverV1 is the OpenID4VP 1.0 handover: the info array is
// [origin, nonce, jwkThumbprint|null], the thumbprint being the one of the
// verifier's encryption key when the response is encrypted.
func OpenID4VPDCAPIHandoverV1(origin, nonce string, jwkThumbprint []byte) ([]byte, error) {
	if origin == "" {
		return nil, fmt.Errorf("origin cannot be empty")
	}
	if nonce == "" {
		return nil, fmt.Errorf("nonce cannot be empty")
	}
	var thumbprint interface{}
	if len(jwkThumbprint) > 0 {
		thumbprint = jwkThumbprint
	}
	return openID4VPDCAPIHandover([]interface{}{origin, nonce, thumbprint})
}

func openID4VPDCAPIHandover(info []interface{}) ([]byte, error) {
	handoverInfo, err := cbor.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to encode handover info: %w", err)
	}
	return encode(nil, nil, []interface{}{ // OpenID4VPDCAPIHandover
		OPENID4VP_DCAPI_HANDOVER,
		sha256Sum(handoverInfo),
	})
}
