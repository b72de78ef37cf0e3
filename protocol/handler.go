package protocol

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/kokukuma/mdoc-presentment/claim"
	"github.com/kokukuma/mdoc-presentment/credential"
	"github.com/kokukuma/mdoc-presentment/dcql"
	"github.com/kokukuma/mdoc-presentment/decoder"
	"github.com/kokukuma/mdoc-presentment/encoder"
	"github.com/kokukuma/mdoc-presentment/mdoc"
	"github.com/kokukuma/mdoc-presentment/openid4vp"
	"github.com/kokukuma/mdoc-presentment/response"
	"github.com/kokukuma/mdoc-presentment/session_transcript"
	"github.com/ory/go-convenience/stringslice"
	"github.com/sirupsen/logrus"
)

// MdocRequest is the data of austroads-request-forwarding-v2 and
// org-iso-mdoc requests.
type MdocRequest struct {
	DeviceRequest  string `json:"deviceRequest"`
	EncryptionInfo string `json:"encryptionInfo"`
}

type HandlerOption func(*Handler)

// WithRoots sets the trust anchors for signed request objects.
func WithRoots(roots *x509.CertPool) HandlerOption {
	return func(h *Handler) {
		h.roots = roots
	}
}

func WithRand(r io.Reader) HandlerOption {
	return func(h *Handler) {
		h.rand = r
	}
}

// Handler turns Digital Credentials API requests into Requests.
type Handler struct {
	roots *x509.CertPool
	rand  io.Reader
}

func NewHandler(opts ...HandlerOption) *Handler {
	h := &Handler{rand: rand.Reader}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type sealFunc func(io.Reader, *ecdh.PublicKey, []byte, []byte) ([]byte, error)

// Request is a parsed request, bound to its session transcript.
type Request struct {
	Protocol   string
	Origin     string
	Query      *dcql.Query
	Transcript []byte
	Policy     response.KeyAgreementPolicy

	// Key binding parameters of SD-JWT presentations.
	Nonce    string
	Audience string

	rand io.Reader

	// HPKE protocols
	recipient *ecdh.PublicKey
	seal      sealFunc

	// OpenID4VP
	authzRequest *openid4vp.AuthorizationRequest
}

// Parse validates the request envelope of protocolID and computes the
// transcript. Nothing is disclosed before Respond.
func (h *Handler) Parse(protocolID, origin string, data []byte) (*Request, error) {
	if origin == "" {
		return nil, fmt.Errorf("origin cannot be empty")
	}

	var (
		req *Request
		err error
	)
	switch protocolID {
	case Preview:
		req, err = h.parsePreview(origin, data)
	case ARF:
		req, err = h.parseMdocRequest(origin, data, decoder.ParseARFEncryptionInfo, session_transcript.ARFHandoverV2, encoder.ARF)
	case ISOMdoc, ISOMdocDash:
		req, err = h.parseMdocRequest(origin, data, decoder.ParseDCAPIEncryptionInfo, session_transcript.DCAPIHandover, encoder.DCAPI)
	case OpenID4VP, OpenID4VPV1Unsigned, OpenID4VPV1Signed:
		req, err = h.parseOpenID4VP(protocolID, origin, data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrProtocolNotSupported, protocolID)
	}
	if err != nil {
		return nil, err
	}

	req.Protocol = protocolID
	req.Origin = origin
	req.rand = h.rand
	// Responses over the DC API are not bound to a reader key.
	req.Policy.SignatureRequired = true

	logrus.WithFields(logrus.Fields{
		"protocol":    protocolID,
		"origin":      origin,
		"credentials": len(req.Query.Credentials),
	}).Debug("protocol: parsed request")
	return req, nil
}

func (h *Handler) parsePreview(origin string, data []byte) (*Request, error) {
	var pr PreviewRequest
	if err := json.Unmarshal(data, &pr); err != nil {
		return nil, fmt.Errorf("%w: failed to parse preview request: %v", encoder.ErrMalformedEnvelope, err)
	}
	if !stringslice.Has(pr.Selector.Format, "mdoc") {
		return nil, fmt.Errorf("%w: unsupported selector format %v", encoder.ErrMalformedEnvelope, pr.Selector.Format)
	}
	nonce, err := encoder.DecodeB64(pr.Nonce)
	if err != nil || len(nonce) == 0 {
		return nil, fmt.Errorf("%w: invalid nonce", encoder.ErrMalformedEnvelope)
	}
	rawKey, err := encoder.DecodeB64(pr.ReaderPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid readerPublicKey: %v", encoder.ErrMalformedEnvelope, err)
	}
	readerKey, err := ecdh.P256().NewPublicKey(rawKey)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid readerPublicKey: %v", encoder.ErrMalformedEnvelope, err)
	}
	items, err := pr.Selector.ItemsRequest()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", encoder.ErrMalformedEnvelope, err)
	}

	transcript, err := session_transcript.BrowserHandoverV1(nonce, origin, session_transcript.RequesterIdHash(rawKey))
	if err != nil {
		return nil, err
	}
	return &Request{
		Query:      dcql.FromItemsRequest("0", items),
		Transcript: transcript,
		recipient:  readerKey,
		seal:       encoder.Preview,
	}, nil
}

func (h *Handler) parseMdocRequest(
	origin string,
	data []byte,
	parseInfo func(string) (*decoder.RequestEncryption, error),
	handover func(string, string) ([]byte, error),
	seal sealFunc,
) (*Request, error) {
	var mr MdocRequest
	if err := json.Unmarshal(data, &mr); err != nil {
		return nil, fmt.Errorf("%w: failed to parse request: %v", encoder.ErrMalformedEnvelope, err)
	}
	info, err := parseInfo(mr.EncryptionInfo)
	if err != nil {
		return nil, err
	}

	raw, err := encoder.DecodeB64(mr.DeviceRequest)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode deviceRequest: %v", encoder.ErrMalformedEnvelope, err)
	}
	deviceRequest, err := mdoc.ParseDeviceRequest(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", encoder.ErrMalformedEnvelope, err)
	}
	query, err := dcql.FromDeviceRequest(deviceRequest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", encoder.ErrMalformedEnvelope, err)
	}
	zk, err := deviceRequest.ZkRequested()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", encoder.ErrMalformedEnvelope, err)
	}

	transcript, err := handover(mr.EncryptionInfo, origin)
	if err != nil {
		return nil, err
	}
	return &Request{
		Query:      query,
		Transcript: transcript,
		Policy:     response.KeyAgreementPolicy{ZkRequested: zk},
		recipient:  info.RecipientKey,
		seal:       seal,
	}, nil
}

func (h *Handler) parseOpenID4VP(protocolID, origin string, data []byte) (*Request, error) {
	var (
		ar  *openid4vp.AuthorizationRequest
		err error
	)
	if protocolID == OpenID4VPV1Signed {
		if h.roots == nil {
			return nil, fmt.Errorf("no trust anchors for signed requests")
		}
		ar, err = openid4vp.ParseSignedRequest(data, h.roots)
		if err == nil && len(ar.ExpectedOrigins) == 0 {
			err = fmt.Errorf("expected_origins is missing")
		}
	} else {
		ar, err = openid4vp.ParseRequest(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", encoder.ErrMalformedEnvelope, err)
	}
	if err := ar.CheckOrigin(origin); err != nil {
		return nil, err
	}

	transcript, err := openID4VPTranscript(protocolID, origin, ar)
	if err != nil {
		return nil, err
	}
	return &Request{
		Query:        ar.DCQLQuery,
		Transcript:   transcript,
		Nonce:        ar.Nonce,
		Audience:     openID4VPAudience(protocolID, origin, ar.ClientID),
		authzRequest: ar,
	}, nil
}

// openID4VPAudience is the client identifier the wallet binds to: the
// verifier's client_id when signed, the origin otherwise.
func openID4VPAudience(protocolID, origin, clientID string) string {
	switch protocolID {
	case OpenID4VPV1Signed:
		return clientID
	case OpenID4VPV1Unsigned:
		return "origin:" + origin
	}
	if clientID != "" {
		return clientID
	}
	return "web-origin:" + origin
}

func openID4VPTranscript(protocolID, origin string, ar *openid4vp.AuthorizationRequest) ([]byte, error) {
	if protocolID == OpenID4VP {
		return session_transcript.OpenID4VPDCAPIHandover(origin, openID4VPAudience(protocolID, origin, ar.ClientID), ar.Nonce)
	}
	thumbprint, err := ar.EncryptionThumbprint()
	if err != nil {
		return nil, err
	}
	return session_transcript.OpenID4VPDCAPIHandoverV1(origin, ar.Nonce, thumbprint)
}

// Credentials lists the selected credentials.
func Credentials(selected []dcql.Selected) []*credential.Credential {
	out := make([]*credential.Credential, 0, len(selected))
	for _, s := range selected {
		out = append(out, s.Match.Credential)
	}
	return out
}

// Respond assembles and encodes the response for the selected credentials.
// It does not record usage; that is up to the caller once the response
// has been sent.
func (r *Request) Respond(ctx context.Context, selected []dcql.Selected, now time.Time) ([]byte, error) {
	if len(selected) == 0 {
		return nil, fmt.Errorf("nothing selected")
	}
	a := response.NewAssembler(r.Policy, response.WithRand(r.rand))
	if r.authzRequest != nil {
		return r.respondOpenID4VP(ctx, a, selected, now)
	}

	deviceResponse, err := r.deviceResponse(ctx, a, selected)
	if err != nil {
		return nil, err
	}
	return r.seal(r.rand, r.recipient, r.Transcript, deviceResponse)
}

func (r *Request) deviceResponse(ctx context.Context, a *response.Assembler, selected []dcql.Selected) ([]byte, error) {
	docs := make([]mdoc.Document, 0, len(selected))
	for _, s := range selected {
		if s.Match.Credential.Format != credential.FormatMdoc {
			return nil, fmt.Errorf("%s cannot be presented in a DeviceResponse", s.Match.Credential)
		}
		doc, err := a.Mdoc(ctx, s.Match.Credential, s.Match.Paths(), r.Transcript)
		if err != nil {
			return nil, err
		}
		doc.Errors = notReturned(s.Match.Missing)
		docs = append(docs, *doc)
	}
	return response.DeviceResponse(docs...)
}

func (r *Request) respondOpenID4VP(ctx context.Context, a *response.Assembler, selected []dcql.Selected, now time.Time) ([]byte, error) {
	tokens := openid4vp.VPToken{}
	for _, s := range selected {
		cred := s.Match.Credential
		switch cred.Format {
		case credential.FormatMdoc:
			doc, err := a.Mdoc(ctx, cred, s.Match.Paths(), r.Transcript)
			if err != nil {
				return nil, err
			}
			deviceResponse, err := response.DeviceResponse(*doc)
			if err != nil {
				return nil, err
			}
			tokens[s.QueryID] = append(tokens[s.QueryID], encoder.B64.EncodeToString(deviceResponse))
		case credential.FormatSdJwt:
			presentation, err := a.SdJwt(ctx, cred, s.Match.Paths(), r.Nonce, r.Audience, now)
			if err != nil {
				return nil, err
			}
			tokens[s.QueryID] = append(tokens[s.QueryID], presentation)
		default:
			return nil, fmt.Errorf("unsupported credential format %q", cred.Format)
		}
	}

	walletNonce := make([]byte, 16)
	if _, err := io.ReadFull(r.rand, walletNonce); err != nil {
		return nil, fmt.Errorf("failed to create wallet nonce: %w", err)
	}
	return openid4vp.EncodeResponse(r.rand, r.authzRequest, tokens, r.Protocol == OpenID4VP, walletNonce)
}

// notReturned lists the requested elements a document leaves out.
func notReturned(missing []claim.Path) mdoc.Errors {
	if len(missing) == 0 {
		return nil
	}
	errs := mdoc.Errors{}
	for _, p := range missing {
		keys, ok := p.Keys()
		if !ok || len(keys) != 2 {
			continue
		}
		ns := mdoc.NameSpace(keys[0])
		if errs[ns] == nil {
			errs[ns] = mdoc.ErrorItems{}
		}
		errs[ns][mdoc.ElementIdentifier(keys[1])] = mdoc.ErrorCodeDataNotReturned
	}
	return errs
}
