package session_transcript

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeTranscript(t *testing.T, b []byte) []interface{} {
	t.Helper()
	var st []interface{}
	require.NoError(t, cbor.Unmarshal(b, &st))
	require.Len(t, st, 3)
	return st
}

func TestTranscriptsAreStable(t *testing.T) {
	readerKeyHash := RequesterIdHash([]byte{0x04, 0x01, 0x02})

	builders := []struct {
		name  string
		build func() ([]byte, error)
	}{
		{"android", func() ([]byte, error) { return AndroidHandoverV1([]byte("nonce"), "com.example.verifier", readerKeyHash) }},
		{"browser", func() ([]byte, error) { return BrowserHandoverV1([]byte("nonce"), "https://verifier.example", readerKeyHash) }},
		{"arf", func() ([]byte, error) { return ARFHandoverV2("ZW5jSW5mbw", "https://verifier.example") }},
		{"dcapi", func() ([]byte, error) { return DCAPIHandover("ZW5jSW5mbw", "https://verifier.example") }},
		{"openid4vp", func() ([]byte, error) {
			return OpenID4VPDCAPIHandover("https://verifier.example", "web-origin:https://verifier.example", "n-0S6_WzA2Mj")
		}},
		{"openid4vp v1", func() ([]byte, error) {
			return OpenID4VPDCAPIHandoverV1("https://verifier.example", "n-0S6_WzA2Mj", []byte{1, 2, 3})
		}},
		{"oid4vp", func() ([]byte, error) {
			return OID4VPHandover([]byte("nonce"), "client", "https://verifier.example/cb", base64.RawURLEncoding.EncodeToString([]byte("mdoc-nonce")))
		}},
		{"proximity", func() ([]byte, error) { return Proximity([]byte{0xa0}, []byte{0xa1, 0x01, 0x02}, nil) }},
	}

	for _, tt := range builders {
		t.Run(tt.name, func(t *testing.T) {
			first, err := tt.build()
			require.NoError(t, err)
			second, err := tt.build()
			require.NoError(t, err)
			assert.Equal(t, first, second)
			decodeTranscript(t, first)
		})
	}
}

func TestTranscriptChangesWithInputs(t *testing.T) {
	base, err := DCAPIHandover("ZW5jSW5mbw", "https://verifier.example")
	require.NoError(t, err)

	otherOrigin, err := DCAPIHandover("ZW5jSW5mbw", "https://evil.example")
	require.NoError(t, err)
	assert.NotEqual(t, base, otherOrigin)

	otherInfo, err := DCAPIHandover("b3RoZXI", "https://verifier.example")
	require.NoError(t, err)
	assert.NotEqual(t, base, otherInfo)

	arf, err := ARFHandoverV2("ZW5jSW5mbw", "https://verifier.example")
	require.NoError(t, err)
	assert.NotEqual(t, base, arf)

	n1, err := OpenID4VPDCAPIHandover("https://verifier.example", "client", "nonce-1")
	require.NoError(t, err)
	n2, err := OpenID4VPDCAPIHandover("https://verifier.example", "client", "nonce-2")
	require.NoError(t, err)
	assert.NotEqual(t, n1, n2)

	withThumbprint, err := OpenID4VPDCAPIHandoverV1("https://verifier.example", "nonce-1", []byte{1})
	require.NoError(t, err)
	withoutThumbprint, err := OpenID4VPDCAPIHandoverV1("https://verifier.example", "nonce-1", nil)
	require.NoError(t, err)
	assert.NotEqual(t, withThumbprint, withoutThumbprint)
}

func TestDCAPIHandoverStructure(t *testing.T) {
	transcript, err := DCAPIHandover("ZW5jSW5mbw", "https://verifier.example")
	require.NoError(t, err)

	st := decodeTranscript(t, transcript)
	assert.Nil(t, st[0])
	assert.Nil(t, st[1])

	handover, ok := st[2].([]interface{})
	require.True(t, ok)
	require.Len(t, handover, 2)
	assert.Equal(t, "dcapi", handover[0])

	info, err := cbor.Marshal([]interface{}{"ZW5jSW5mbw", "https://verifier.example"})
	require.NoError(t, err)
	want := sha256.Sum256(info)
	assert.Equal(t, want[:], handover[1])
}

func TestOpenID4VPDCAPIHandoverV1NullThumbprint(t *testing.T) {
	transcript, err := OpenID4VPDCAPIHandoverV1("https://verifier.example", "nonce", nil)
	require.NoError(t, err)

	info, err := cbor.Marshal([]interface{}{"https://verifier.example", "nonce", nil})
	require.NoError(t, err)
	want := sha256.Sum256(info)

	handover := decodeTranscript(t, transcript)[2].([]interface{})
	assert.Equal(t, "OpenID4VPDCAPIHandover", handover[0])
	assert.Equal(t, want[:], handover[1])
}

func TestBrowserHandoverV1(t *testing.T) {
	hash := RequesterIdHash([]byte("reader"))
	transcript, err := BrowserHandoverV1([]byte("nonce"), "https://verifier.example", hash)
	require.NoError(t, err)

	handover := decodeTranscript(t, transcript)[2].([]interface{})
	assert.Equal(t, []interface{}{
		"BrowserHandoverv1",
		[]byte("nonce"),
		[]byte("https://verifier.example"),
		hash,
	}, handover)
}

func TestProximityWrapsEngagement(t *testing.T) {
	transcript, err := Proximity([]byte{0xa0}, []byte{0xa0}, QRHandover())
	require.NoError(t, err)

	st := decodeTranscript(t, transcript)
	tag, ok := st[0].(cbor.Tag)
	require.True(t, ok)
	assert.Equal(t, uint64(24), tag.Number)
	assert.Nil(t, st[2])

	tagged, err := Tagged(transcript)
	require.NoError(t, err)
	assert.NotEqual(t, transcript, tagged)
}

func TestTranscriptInputValidation(t *testing.T) {
	tests := []struct {
		name      string
		build     func() ([]byte, error)
		errSubstr string
	}{
		{"android nonce", func() ([]byte, error) { return AndroidHandoverV1(nil, "pkg", []byte{1}) }, "nonce cannot be empty"},
		{"browser origin", func() ([]byte, error) { return BrowserHandoverV1([]byte{1}, "", []byte{1}) }, "origin cannot be empty"},
		{"arf info", func() ([]byte, error) { return ARFHandoverV2("", "https://a") }, "encryptionInfo cannot be empty"},
		{"openid4vp client", func() ([]byte, error) { return OpenID4VPDCAPIHandover("https://a", "", "n") }, "clientID cannot be empty"},
		{"oid4vp apu", func() ([]byte, error) { return OID4VPHandover([]byte("n"), "c", "r", "") }, "apu cannot be empty"},
		{"proximity engagement", func() ([]byte, error) { return Proximity(nil, []byte{1}, nil) }, "deviceEngagement cannot be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
		})
	}
}
