// Package session_transcript builds the SessionTranscript structures that
// bind a presentment to its engagement and handover, ISO/IEC 18013-5 9.1.5.1
// and the DC API / OpenID4VP profiles of it.
package session_transcript

import (
	"crypto/sha256"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/kokukuma/mdoc-presentment/mdoc"
)

func sha256Sum(b []byte) []byte {
	hash := sha256.Sum256(b)
	return hash[:]
}

// encode builds [DeviceEngagementBytes, EReaderKeyBytes, Handover].
func encode(deviceEngagement, eReaderKey interface{}, handover interface{}) ([]byte, error) {
	sessionTranscript := []interface{}{
		deviceEngagement,
		eReaderKey,
		handover,
	}

	transcript, err := cbor.Marshal(sessionTranscript)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session transcript: %w", err)
	}
	return transcript, nil
}

// Proximity builds the transcript of a proximity presentment. The handover
// is whatever the transport negotiated and is passed through as is.
func Proximity(deviceEngagement, eReaderKey []byte, handover cbor.RawMessage) ([]byte, error) {
	if len(deviceEngagement) == 0 {
		return nil, fmt.Errorf("deviceEngagement cannot be empty")
	}
	if len(eReaderKey) == 0 {
		return nil, fmt.Errorf("eReaderKey cannot be empty")
	}
	if len(handover) == 0 {
		handover = QRHandover()
	}
	return encode(
		cbor.Tag{Number: 24, Content: deviceEngagement},
		cbor.Tag{Number: 24, Content: eReaderKey},
		handover,
	)
}

// QRHandover is the null handover of QR code engagement.
func QRHandover() cbor.RawMessage {
	return cbor.RawMessage{0xf6}
}

// NFCHandover is [HandoverSelect, HandoverRequest|null].
func NFCHandover(handoverSelect, handoverRequest []byte) (cbor.RawMessage, error) {
	if len(handoverSelect) == 0 {
		return nil, fmt.Errorf("handoverSelect cannot be empty")
	}
	var hr interface{}
	if len(handoverRequest) > 0 {
		hr = handoverRequest
	}
	return cbor.Marshal([]interface{}{handoverSelect, hr})
}

// Tagged returns #6.24(bstr .cbor SessionTranscript), the form hashed into
// session key derivation.
func Tagged(transcript []byte) ([]byte, error) {
	return mdoc.SessionTranscriptBytes(transcript)
}
