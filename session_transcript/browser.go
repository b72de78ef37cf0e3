package session_transcript

import (
	"fmt"
)

const BROWSER_HANDOVER_V1 = "BrowserHandoverv1"

// BrowserHandoverV1 binds the calling web origin, carried as its UTF-8 bytes.
func BrowserHandoverV1(nonce []byte, origin string, requesterIdHash []byte) ([]byte, error) {
	if len(nonce) == 0 {
		return nil, fmt.Errorf("nonce cannot be empty")
	}
	if origin == "" {
		return nil, fmt.Errorf("origin cannot be empty")
	}
	if len(requesterIdHash) == 0 {
		return nil, fmt.Errorf("requesterIdHash cannot be empty")
	}

	return encode(nil, nil, []interface{}{ // BrowserHandover
		BROWSER_HANDOVER_V1,
		nonce,
		[]byte(origin),
		requesterIdHash,
	})
}
