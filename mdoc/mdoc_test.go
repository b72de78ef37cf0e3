package mdoc

import (
	"crypto/ecdh"
	"crypto/rand"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var transcript = []byte{0x83, 0xf6, 0xf6, 0xf6}

func TestSessionEncryption(t *testing.T) {
	deviceKey, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	readerKey, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	holder, err := NewSessionEncryption(RoleMdoc, deviceKey, readerKey.PublicKey(), transcript)
	require.NoError(t, err)
	reader, err := NewSessionEncryption(RoleReader, readerKey, deviceKey.PublicKey(), transcript)
	require.NoError(t, err)

	for _, msg := range []string{"request 1", "request 2"} {
		ct, err := reader.Encrypt([]byte(msg))
		require.NoError(t, err)
		pt, err := holder.Decrypt(ct)
		require.NoError(t, err)
		assert.Equal(t, msg, string(pt))

		resp, err := holder.Encrypt([]byte("response to " + msg))
		require.NoError(t, err)
		pt, err = reader.Decrypt(resp)
		require.NoError(t, err)
		assert.Equal(t, "response to "+msg, string(pt))
	}

	// replaying a message fails because the counter moved on
	ct, err := reader.Encrypt([]byte("once"))
	require.NoError(t, err)
	_, err = holder.Decrypt(ct)
	require.NoError(t, err)
	_, err = holder.Decrypt(ct)
	require.Error(t, err)

	// a message from the holder cannot be decrypted by the holder itself
	own, err := holder.Encrypt([]byte("own"))
	require.NoError(t, err)
	_, err = holder.Decrypt(own)
	require.Error(t, err)
}

func TestSessionEncryptionTranscriptBinding(t *testing.T) {
	deviceKey, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	readerKey, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	holder, err := NewSessionEncryption(RoleMdoc, deviceKey, readerKey.PublicKey(), transcript)
	require.NoError(t, err)
	reader, err := NewSessionEncryption(RoleReader, readerKey, deviceKey.PublicKey(), []byte{0x83, 0xf6, 0xf6, 0x80})
	require.NoError(t, err)

	ct, err := reader.Encrypt([]byte("hello"))
	require.NoError(t, err)
	_, err = holder.Decrypt(ct)
	require.Error(t, err)

	_, err = NewSessionEncryption(RoleMdoc, nil, readerKey.PublicKey(), transcript)
	require.Error(t, err)
}

func TestDeviceEngagement(t *testing.T) {
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	de, err := NewDeviceEngagement(key.PublicKey())
	require.NoError(t, err)

	got, err := ParseDeviceEngagement(de)
	require.NoError(t, err)
	assert.True(t, got.Equal(key.PublicKey()))

	bad, err := cbor.Marshal(DeviceEngagement{Version: "1.0", Security: Security{CipherSuite: 2, EDeviceKeyBytes: []byte{0xa0}}})
	require.NoError(t, err)
	_, err = ParseDeviceEngagement(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported cipher suite")
}

func TestDeviceRequest(t *testing.T) {
	req, err := NewDeviceRequest(ItemsRequest{
		DocType: DocTypeMDL,
		NameSpaces: map[NameSpace]DataElements{
			NameSpaceMDL: {
				GivenName.Name:  false,
				FamilyName.Name: true,
			},
		},
	})
	require.NoError(t, err)

	b, err := Marshal(req)
	require.NoError(t, err)

	parsed, err := ParseDeviceRequest(b)
	require.NoError(t, err)
	require.Len(t, parsed.DocRequests, 1)

	items, err := parsed.DocRequests[0].ItemsRequest.ItemsRequest()
	require.NoError(t, err)
	assert.Equal(t, DocTypeMDL, items.DocType)
	assert.Equal(t, []RequestedElement{
		{NameSpace: NameSpaceMDL, Element: FamilyName.Name, IntentToRetain: true},
		{NameSpace: NameSpaceMDL, Element: GivenName.Name, IntentToRetain: false},
	}, items.Elements())

	tests := []struct {
		name string
		data interface{}
	}{
		{"missing version", DeviceRequest{DocRequests: req.DocRequests}},
		{"no doc requests", DeviceRequest{Version: DeviceRequestVersion}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Marshal(tt.data)
			require.NoError(t, err)
			_, err = ParseDeviceRequest(b)
			require.Error(t, err)
			assert.True(t, IsDocumentError(err))
		})
	}
}

func TestDeviceMac(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	da, err := DeviceAuthenticationBytes(transcript, DocTypeMDL, EmptyDeviceNameSpaces())
	require.NoError(t, err)

	mac, err := MacDeviceAuthentication(key, da)
	require.NoError(t, err)
	assert.Nil(t, mac.Payload)
	require.NoError(t, mac.Verify(key, da))

	other, err := DeviceAuthenticationBytes(transcript, DocTypePID, EmptyDeviceNameSpaces())
	require.NoError(t, err)
	require.Error(t, mac.Verify(key, other))

	_, err = MacDeviceAuthentication(key[:16], da)
	require.Error(t, err)

	_, err = DeviceAuthenticationBytes(nil, DocTypeMDL, EmptyDeviceNameSpaces())
	require.ErrorIs(t, err, ErrEmptySessionTranscript{})
}

func TestDeviceAuthenticationStructure(t *testing.T) {
	da, err := DeviceAuthenticationBytes(transcript, DocTypeMDL, EmptyDeviceNameSpaces())
	require.NoError(t, err)

	var tagged cbor.Tag
	require.NoError(t, cbor.Unmarshal(da, &tagged))
	assert.Equal(t, uint64(24), tagged.Number)

	var inner []interface{}
	require.NoError(t, cbor.Unmarshal(tagged.Content.([]byte), &inner))
	require.Len(t, inner, 4)
	assert.Equal(t, "DeviceAuthentication", inner[0])
	assert.Equal(t, []interface{}{nil, nil, nil}, inner[1])
	assert.Equal(t, string(DocTypeMDL), inner[2])
	nameSpaces, ok := inner[3].(cbor.Tag)
	require.True(t, ok)
	assert.Equal(t, uint64(24), nameSpaces.Number)
}

func TestAgeOver(t *testing.T) {
	tests := []struct {
		age     int
		want    ElementIdentifier
		wantErr bool
	}{
		{age: 18, want: "age_over_18"},
		{age: 0, want: "age_over_0"},
		{age: 99, want: "age_over_99"},
		{age: 100, wantErr: true},
		{age: -1, wantErr: true},
	}
	for _, tt := range tests {
		e, err := AgeOver(tt.age)
		if tt.wantErr {
			require.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, e.Name)
		assert.Equal(t, NameSpaceMDL, e.Namespace)
	}
}

func TestDeviceRequestZkRequested(t *testing.T) {
	plain := ItemsRequest{
		DocType:    DocTypeMDL,
		NameSpaces: map[NameSpace]DataElements{NameSpaceMDL: {"age_over_18": false}},
	}
	zk := plain
	zk.RequestInfo = map[string]interface{}{
		RequestInfoZkRequest: map[string]interface{}{"zkRequired": true},
	}

	tests := []struct {
		name  string
		items []ItemsRequest
		want  bool
	}{
		{name: "plain", items: []ItemsRequest{plain}, want: false},
		{name: "zk", items: []ItemsRequest{zk}, want: true},
		{name: "one of two", items: []ItemsRequest{plain, zk}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := NewDeviceRequest(tt.items...)
			require.NoError(t, err)
			raw, err := Marshal(req)
			require.NoError(t, err)
			parsed, err := ParseDeviceRequest(raw)
			require.NoError(t, err)

			got, err := parsed.ZkRequested()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
