package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kokukuma/mdoc-presentment/claim"
	"github.com/kokukuma/mdoc-presentment/credential"
	"github.com/kokukuma/mdoc-presentment/dcql"
	"github.com/kokukuma/mdoc-presentment/mdoc"
	"github.com/kokukuma/mdoc-presentment/protocol"
	"github.com/sirupsen/logrus"
)

type GetRequest struct {
	Protocol        string          `json:"protocol"`
	Query           json.RawMessage `json:"query"`
	Encrypted       bool            `json:"encrypted,omitempty"`
	ExpectedOrigins []string        `json:"expected_origins,omitempty"`
}

type GetResponse struct {
	SessionID string          `json:"session_id"`
	Protocol  string          `json:"protocol"`
	Data      json.RawMessage `json:"data"`
}

type VerifyRequest struct {
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
}

type VerifyResponse struct {
	Presentations []PresentationResult `json:"presentations"`
}

type PresentationResult struct {
	QueryID  string            `json:"query_id"`
	Format   credential.Format `json:"format"`
	Type     string            `json:"type"`
	Elements []Element         `json:"elements"`
}

// Element is a disclosed claim. mdoc elements have the path
// [namespace, identifier].
type Element struct {
	Path  claim.Path  `json:"path"`
	Value claim.Value `json:"value"`
}

func (s *Server) GetIdentityRequest(w http.ResponseWriter, r *http.Request) {
	req := GetRequest{}
	if err := parseJSON(r, &req); err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to parse request: %w", err), http.StatusBadRequest)
		return
	}
	if len(req.Query) == 0 {
		jsonErrorResponse(w, errors.New("query is required"), http.StatusBadRequest)
		return
	}
	query, err := dcql.Parse(req.Query)
	if err != nil {
		jsonErrorResponse(w, err, http.StatusBadRequest)
		return
	}

	var opts []protocol.RequestOption
	if req.Encrypted {
		opts = append(opts, protocol.WithEncryptedResponse())
	}
	if req.Protocol == protocol.OpenID4VPV1Signed {
		if s.signer == nil {
			jsonErrorResponse(w, errors.New("signed requests are not configured"), http.StatusBadRequest)
			return
		}
		opts = append(opts,
			protocol.WithRequestSigner(s.signer.key, s.signer.x5c, s.signer.clientID),
			protocol.WithExpectedOrigins(req.ExpectedOrigins...),
		)
	}

	data, session, err := protocol.BeginRequest(req.Protocol, query, opts...)
	if err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to begin request: %w", err), http.StatusBadRequest)
		return
	}
	id := s.sessions.NewSession(session)
	logrus.WithFields(logrus.Fields{"session": id, "protocol": req.Protocol}).Info("server: identity request created")

	jsonResponse(w, GetResponse{
		SessionID: id,
		Protocol:  req.Protocol,
		Data:      data,
	}, http.StatusOK)
}

func (s *Server) VerifyIdentityResponse(w http.ResponseWriter, r *http.Request) {
	req := VerifyRequest{}
	if err := parseJSON(r, &req); err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to parse request: %w", err), http.StatusBadRequest)
		return
	}

	session, err := s.sessions.GetSession(req.SessionID)
	if err != nil {
		jsonErrorResponse(w, err, http.StatusNotFound)
		return
	}
	data, err := rawData(req.Data)
	if err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to read data: %w", err), http.StatusBadRequest)
		return
	}

	presentations, err := session.ReadResponse(req.Origin, data, s.certs.CertPool())
	if err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to verify response: %w", err), http.StatusBadRequest)
		return
	}
	s.sessions.Finish(req.SessionID)

	resp := VerifyResponse{Presentations: make([]PresentationResult, 0, len(presentations))}
	for _, p := range presentations {
		resp.Presentations = append(resp.Presentations, presentationResult(p))
	}
	logrus.WithFields(logrus.Fields{"session": req.SessionID, "presentations": len(resp.Presentations)}).Info("server: identity response verified")
	jsonResponse(w, resp, http.StatusOK)
}

func presentationResult(p protocol.Presentation) PresentationResult {
	out := PresentationResult{QueryID: p.QueryID, Format: p.Format}
	switch {
	case p.Document != nil:
		out.Type = string(p.Document.DocType)
		out.Elements = mdocElements(p.Document)
	case p.SdJwt != nil:
		out.Type = p.SdJwt.Vct()
		claims := p.SdJwt.Claims()
		for _, key := range claims.Keys() {
			v, _ := claims.Get(key)
			out.Elements = append(out.Elements, Element{Path: claim.NewPath(key), Value: v})
		}
	}
	return out
}

func mdocElements(doc *mdoc.Document) []Element {
	var out []Element
	for _, ns := range doc.IssuerSigned.GetNameSpaces() {
		items, err := doc.IssuerSigned.GetIssuerSignedItems(ns)
		if err != nil {
			continue
		}
		for _, item := range items {
			out = append(out, Element{
				Path:  claim.NewPath(string(ns), string(item.ElementIdentifier)),
				Value: claim.FromCBOR(item.ElementValue),
			})
		}
	}
	return out
}
