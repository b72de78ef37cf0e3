package protocol

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"fmt"

	"github.com/kokukuma/mdoc-presentment/credential"
	"github.com/kokukuma/mdoc-presentment/dcql"
	"github.com/kokukuma/mdoc-presentment/decoder"
	"github.com/kokukuma/mdoc-presentment/encoder"
	"github.com/kokukuma/mdoc-presentment/mdoc"
	"github.com/kokukuma/mdoc-presentment/openid4vp"
	"github.com/kokukuma/mdoc-presentment/pkg/jwe"
	"github.com/kokukuma/mdoc-presentment/sdjwt"
	"github.com/kokukuma/mdoc-presentment/session_transcript"
	"github.com/sirupsen/logrus"
)

// SessionData is what a verifier keeps between sending a request and
// reading the response.
type SessionData struct {
	Protocol string      `json:"protocol"`
	Nonce    Nonce       `json:"challenge"`
	Query    *dcql.Query `json:"query"`

	// HPKE protocols
	PrivateKey     *ecdh.PrivateKey `json:"-"`
	EncryptionInfo string           `json:"encryption_info,omitempty"`

	// OpenID4VP
	EncryptionKey *ecdsa.PrivateKey               `json:"-"`
	Request       *openid4vp.AuthorizationRequest `json:"request,omitempty"`
}

type requestOptions struct {
	encrypt         bool
	signer          *ecdsa.PrivateKey
	x5c             []string
	clientID        string
	expectedOrigins []string
}

type RequestOption func(*requestOptions)

// WithEncryptedResponse asks OpenID4VP wallets for a dc_api.jwt response.
func WithEncryptedResponse() RequestOption {
	return func(o *requestOptions) {
		o.encrypt = true
	}
}

// WithRequestSigner signs openid4vp-v1-signed request objects. clientID
// should be an x509_san_dns client identifier matching the certificate.
func WithRequestSigner(key *ecdsa.PrivateKey, x5c []string, clientID string) RequestOption {
	return func(o *requestOptions) {
		o.signer = key
		o.x5c = x5c
		o.clientID = clientID
	}
}

func WithExpectedOrigins(origins ...string) RequestOption {
	return func(o *requestOptions) {
		o.expectedOrigins = origins
	}
}

// BeginRequest builds the request data a verifier passes to
// navigator.credentials.get for protocolID.
func BeginRequest(protocolID string, query *dcql.Query, opts ...RequestOption) (json.RawMessage, *SessionData, error) {
	o := &requestOptions{}
	for _, opt := range opts {
		opt(o)
	}

	nonce, err := CreateNonce()
	if err != nil {
		return nil, nil, err
	}
	session := &SessionData{Protocol: protocolID, Nonce: nonce, Query: query}

	var data interface{}
	switch protocolID {
	case Preview, ARF, ISOMdoc, ISOMdocDash:
		data, err = beginMdocRequest(session)
	case OpenID4VP, OpenID4VPV1Unsigned, OpenID4VPV1Signed:
		data, err = beginOpenID4VPRequest(session, o)
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrProtocolNotSupported, protocolID)
	}
	if err != nil {
		return nil, nil, err
	}

	b, err := json.Marshal(data)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return b, session, nil
}

func itemsRequests(query *dcql.Query) ([]mdoc.ItemsRequest, error) {
	var out []mdoc.ItemsRequest
	for _, cq := range query.Credentials {
		if cq.Format != credential.FormatMdoc {
			return nil, fmt.Errorf("credential query %s: only mso_mdoc can be requested with this protocol", cq.ID)
		}
		items := mdoc.ItemsRequest{
			DocType:    mdoc.DocType(cq.Meta.DoctypeValue),
			NameSpaces: map[mdoc.NameSpace]mdoc.DataElements{},
		}
		for _, c := range cq.Claims {
			keys, ok := c.Path.Keys()
			if !ok || len(keys) != 2 {
				return nil, fmt.Errorf("credential query %s: %s is not an mdoc element path", cq.ID, c.Path)
			}
			ns := mdoc.NameSpace(keys[0])
			if items.NameSpaces[ns] == nil {
				items.NameSpaces[ns] = mdoc.DataElements{}
			}
			items.NameSpaces[ns][mdoc.ElementIdentifier(keys[1])] = c.IntentToRetain
		}
		out = append(out, items)
	}
	return out, nil
}

func beginMdocRequest(session *SessionData) (interface{}, error) {
	items, err := itemsRequests(session.Query)
	if err != nil {
		return nil, err
	}
	privKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generateKey: %v", err)
	}
	session.PrivateKey = privKey

	if session.Protocol == Preview {
		if len(items) != 1 {
			return nil, fmt.Errorf("preview requests carry exactly one document, got %d", len(items))
		}
		return &PreviewRequest{
			Selector:        newSelector(&items[0]),
			Nonce:           session.Nonce.String(),
			ReaderPublicKey: encoder.B64Padded.EncodeToString(privKey.PublicKey().Bytes()),
		}, nil
	}

	deviceRequest, err := mdoc.NewDeviceRequest(items...)
	if err != nil {
		return nil, err
	}
	raw, err := mdoc.Marshal(deviceRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal device request: %w", err)
	}

	newInfo := encoder.NewDCAPIEncryptionInfo
	if session.Protocol == ARF {
		newInfo = encoder.NewARFEncryptionInfo
	}
	info, err := newInfo(session.Nonce, privKey.PublicKey())
	if err != nil {
		return nil, err
	}
	session.EncryptionInfo = info

	return &MdocRequest{
		DeviceRequest:  encoder.B64.EncodeToString(raw),
		EncryptionInfo: info,
	}, nil
}

func beginOpenID4VPRequest(session *SessionData, o *requestOptions) (interface{}, error) {
	var reqOpts []openid4vp.RequestOption
	if o.encrypt {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generateKey: %v", err)
		}
		session.EncryptionKey = key
		reqOpts = append(reqOpts, openid4vp.WithEncryption(&key.PublicKey, "1", jwe.SupportedEnc...))
	}
	if len(o.expectedOrigins) > 0 {
		reqOpts = append(reqOpts, openid4vp.WithExpectedOrigins(o.expectedOrigins...))
	}

	if session.Protocol != OpenID4VPV1Signed {
		req := openid4vp.NewDCQLRequest(session.Query, session.Nonce.String(), reqOpts...)
		session.Request = req
		return req, nil
	}

	if o.signer == nil {
		return nil, fmt.Errorf("signed requests need a request signer")
	}
	reqOpts = append(reqOpts, openid4vp.WithClientID(o.clientID))
	req := openid4vp.NewDCQLRequest(session.Query, session.Nonce.String(), reqOpts...)
	session.Request = req

	jws, err := (&openid4vp.RequestObject{AuthorizationRequest: *req}).Sign(o.signer, o.x5c)
	if err != nil {
		return nil, fmt.Errorf("failed to sign request object: %w", err)
	}
	return &openid4vp.SignedRequest{Request: jws}, nil
}

// Presentation is one verified credential of a response.
type Presentation struct {
	QueryID  string
	Format   credential.Format
	Document *mdoc.Document
	SdJwt    *sdjwt.SdJwt
}

// Transcript recomputes the session transcript the wallet used for origin.
func (s *SessionData) Transcript(origin string) ([]byte, error) {
	switch s.Protocol {
	case Preview:
		return session_transcript.BrowserHandoverV1(s.Nonce, origin, session_transcript.RequesterIdHash(s.PrivateKey.PublicKey().Bytes()))
	case ARF:
		return session_transcript.ARFHandoverV2(s.EncryptionInfo, origin)
	case ISOMdoc, ISOMdocDash:
		return session_transcript.DCAPIHandover(s.EncryptionInfo, origin)
	case OpenID4VP, OpenID4VPV1Unsigned, OpenID4VPV1Signed:
		return openID4VPTranscript(s.Protocol, origin, s.Request)
	}
	return nil, fmt.Errorf("%w: %q", ErrProtocolNotSupported, s.Protocol)
}

// ReadResponse decrypts and verifies the wallet's response. mdoc documents
// are verified against roots with opts; SD-JWT presentations against the
// issuer chain in roots and the key binding of this session.
func (s *SessionData) ReadResponse(origin string, data []byte, roots *x509.CertPool, opts ...mdoc.VerifierOption) ([]Presentation, error) {
	transcript, err := s.Transcript(origin)
	if err != nil {
		return nil, err
	}
	verifier := mdoc.NewVerifier(roots, opts...)

	switch s.Protocol {
	case OpenID4VP, OpenID4VPV1Unsigned, OpenID4VPV1Signed:
		return s.readOpenID4VP(origin, data, roots, transcript, verifier)
	}

	var devResp *mdoc.DeviceResponse
	switch s.Protocol {
	case Preview:
		devResp, err = decoder.Preview(data, s.PrivateKey, transcript)
	case ARF:
		devResp, err = decoder.ARF(data, s.PrivateKey, transcript)
	default:
		devResp, err = decoder.DCAPI(data, s.PrivateKey, transcript)
	}
	if err != nil {
		return nil, err
	}

	var out []Presentation
	for i := range devResp.Documents {
		doc := &devResp.Documents[i]
		if err := verifier.Verify(*doc, transcript); err != nil {
			return nil, fmt.Errorf("failed to verify %s: %w", doc.DocType, err)
		}
		out = append(out, Presentation{
			QueryID:  s.queryIDForDocType(doc.DocType),
			Format:   credential.FormatMdoc,
			Document: doc,
		})
	}
	return out, nil
}

func (s *SessionData) queryIDForDocType(docType mdoc.DocType) string {
	for _, cq := range s.Query.Credentials {
		if cq.Format == credential.FormatMdoc && cq.Meta.DoctypeValue == string(docType) {
			return cq.ID
		}
	}
	return ""
}

func (s *SessionData) readOpenID4VP(origin string, data []byte, roots *x509.CertPool, transcript []byte, verifier *mdoc.Verifier) ([]Presentation, error) {
	resp, err := decoder.OpenID4VP(data, s.EncryptionKey)
	if err != nil {
		return nil, err
	}
	if s.Request.Encrypted() && string(resp.APV) != s.Request.Nonce {
		return nil, fmt.Errorf("apv does not match the request nonce")
	}

	audience := openID4VPAudience(s.Protocol, origin, s.Request.ClientID)
	var out []Presentation
	for _, cq := range s.Query.Credentials {
		for _, p := range resp.VPToken[cq.ID] {
			switch cq.Format {
			case credential.FormatMdoc:
				devResp, err := decoder.DeviceResponse(p)
				if err != nil {
					return nil, err
				}
				for i := range devResp.Documents {
					doc := &devResp.Documents[i]
					if err := verifier.Verify(*doc, transcript); err != nil {
						return nil, fmt.Errorf("failed to verify %s: %w", cq.ID, err)
					}
					out = append(out, Presentation{QueryID: cq.ID, Format: cq.Format, Document: doc})
				}
			case credential.FormatSdJwt:
				presentation, err := sdjwt.VerifyKeyBinding(p, s.Request.Nonce, audience)
				if err != nil {
					return nil, fmt.Errorf("failed to verify %s: %w", cq.ID, err)
				}
				if err := presentation.VerifyIssuerChain(roots); err != nil {
					return nil, fmt.Errorf("failed to verify %s: %w", cq.ID, err)
				}
				out = append(out, Presentation{QueryID: cq.ID, Format: cq.Format, SdJwt: presentation})
			}
		}
	}

	logrus.WithFields(logrus.Fields{
		"protocol":      s.Protocol,
		"presentations": len(out),
	}).Debug("protocol: verified response")
	return out, nil
}
