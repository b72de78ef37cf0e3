package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/kokukuma/mdoc-presentment/claim"
	"github.com/kokukuma/mdoc-presentment/credential"
	"github.com/kokukuma/mdoc-presentment/dcql"
	"github.com/kokukuma/mdoc-presentment/presentment"
	"github.com/kokukuma/mdoc-presentment/protocol"
	"github.com/sirupsen/logrus"
)

type CredentialView struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"display_name"`
	Format      credential.Format `json:"format"`
	Type        string            `json:"type"`
	Usage       int64             `json:"usage"`
}

type CreatePresentmentRequest struct {
	Protocol string          `json:"protocol"`
	Origin   string          `json:"origin"`
	Data     json.RawMessage `json:"data"`
}

type PresentmentStatus struct {
	ID       string            `json:"id"`
	State    presentment.State `json:"state"`
	Error    string            `json:"error,omitempty"`
	Consent  *ConsentView      `json:"consent,omitempty"`
	Response json.RawMessage   `json:"response,omitempty"`
}

// ConsentView mirrors dcql.Response; a selection indexes into it.
type ConsentView struct {
	Protocol       string    `json:"protocol"`
	Origin         string    `json:"origin"`
	CredentialSets []SetView `json:"credential_sets"`
}

type SetView struct {
	Optional bool         `json:"optional"`
	Options  []OptionView `json:"options"`
}

type OptionView struct {
	Members []MemberView `json:"members"`
}

type MemberView struct {
	QueryID string      `json:"query_id"`
	Matches []MatchView `json:"matches"`
}

type MatchView struct {
	CredentialID string      `json:"credential_id"`
	DisplayName  string      `json:"display_name"`
	Claims       []ClaimView `json:"claims"`
}

type ClaimView struct {
	Path           claim.Path  `json:"path"`
	Value          claim.Value `json:"value"`
	IntentToRetain bool        `json:"intent_to_retain,omitempty"`
}

// ConsentDecision approves with Selection, or with the default selection
// when it is absent.
type ConsentDecision struct {
	Approve   bool            `json:"approve"`
	Selection *dcql.Selection `json:"selection,omitempty"`
}

// consentHandoff bounds how long a consent decision waits for a request the
// presentment is about to hand over.
const consentHandoff = 2 * time.Second

type DismissRequest struct {
	Style string `json:"style"`
}

func (s *Server) ListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.store.Credentials()
	if err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to list credentials: %w", err), http.StatusInternalServerError)
		return
	}
	out := make([]CredentialView, 0, len(creds))
	for _, c := range creds {
		usage, err := s.store.UsageCount(c.ID)
		if err != nil {
			jsonErrorResponse(w, fmt.Errorf("failed to read usage of %s: %w", c.ID, err), http.StatusInternalServerError)
			return
		}
		out = append(out, CredentialView{
			ID:          c.ID,
			DisplayName: c.DisplayName,
			Format:      c.Format,
			Type:        c.Type(),
			Usage:       usage,
		})
	}
	jsonResponse(w, out, http.StatusOK)
}

// CreatePresentment starts answering a Digital Credentials API request on
// the holder's behalf. The request is validated while the presentment runs;
// failures show up in its status.
func (s *Server) CreatePresentment(w http.ResponseWriter, r *http.Request) {
	req := CreatePresentmentRequest{}
	if err := parseJSON(r, &req); err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to parse request: %w", err), http.StatusBadRequest)
		return
	}
	data, err := rawData(req.Data)
	if err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to read data: %w", err), http.StatusBadRequest)
		return
	}

	m := presentment.New(s.presentmentOpts...)
	wallet, reader := protocol.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	p := &walletPresentment{model: m, reader: reader, cancel: cancel}

	mech := &protocol.DCAPI{
		Handler:   protocol.NewHandler(protocol.WithRoots(s.certs.CertPool())),
		Protocol:  req.Protocol,
		Origin:    req.Origin,
		Data:      data,
		Transport: wallet,
	}
	p.watch(ctx)
	if err := start(m, mech, s.store); err != nil {
		cancel()
		jsonErrorResponse(w, err, http.StatusInternalServerError)
		return
	}
	s.presentments.add(p)

	logrus.WithFields(logrus.Fields{"session": m.ID(), "protocol": req.Protocol, "origin": req.Origin}).Info("server: presentment started")
	jsonResponse(w, s.status(p), http.StatusCreated)
}

func start(m *presentment.Model, mech protocol.Mechanism, src credential.Source) error {
	if err := m.SetConnecting(context.Background()); err != nil {
		return err
	}
	if err := m.SetMechanism(mech); err != nil {
		return err
	}
	return m.SetSource(src)
}

func (s *Server) status(p *walletPresentment) PresentmentStatus {
	cr, resp := p.snapshot()
	st := PresentmentStatus{
		ID:       p.model.ID(),
		State:    p.model.State(),
		Response: resp,
	}
	if st.State == presentment.Completed {
		if err := p.model.Err(); err != nil {
			st.Error = err.Error()
		}
	}
	if cr != nil {
		st.Consent = consentView(cr)
	}
	return st
}

func consentView(cr *presentment.ConsentRequest) *ConsentView {
	v := &ConsentView{Protocol: cr.Protocol, Origin: cr.Origin}
	for _, set := range cr.Response.CredentialSets {
		sv := SetView{Optional: set.Optional}
		for _, opt := range set.Options {
			var ov OptionView
			for _, member := range opt.Members {
				mv := MemberView{QueryID: member.Query.ID}
				for _, match := range member.Matches {
					mt := MatchView{
						CredentialID: match.Credential.ID,
						DisplayName:  match.Credential.DisplayName,
					}
					for _, c := range match.Claims {
						mt.Claims = append(mt.Claims, ClaimView{Path: c.Path, Value: c.Value, IntentToRetain: c.IntentToRetain})
					}
					mv.Matches = append(mv.Matches, mt)
				}
				ov.Members = append(ov.Members, mv)
			}
			sv.Options = append(sv.Options, ov)
		}
		v.CredentialSets = append(v.CredentialSets, sv)
	}
	return v
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*walletPresentment, bool) {
	p, err := s.presentments.get(mux.Vars(r)["id"])
	if err != nil {
		jsonErrorResponse(w, err, http.StatusNotFound)
		return nil, false
	}
	return p, true
}

func (s *Server) GetPresentment(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookup(w, r)
	if !ok {
		return
	}
	jsonResponse(w, s.status(p), http.StatusOK)
}

func (s *Server) ConsentPresentment(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookup(w, r)
	if !ok {
		return
	}
	req := ConsentDecision{}
	if err := parseJSON(r, &req); err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to parse request: %w", err), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), consentHandoff)
	defer cancel()
	cr := p.takeConsent(ctx)
	if cr == nil {
		jsonErrorResponse(w, errors.New("presentment is not waiting for consent"), http.StatusConflict)
		return
	}
	switch {
	case !req.Approve:
		cr.Decline()
	case req.Selection == nil:
		cr.ApproveDefault()
	default:
		if _, err := cr.Response.Resolve(*req.Selection); err != nil {
			p.mu.Lock()
			p.pending = cr
			p.mu.Unlock()
			jsonErrorResponse(w, fmt.Errorf("invalid selection: %w", err), http.StatusBadRequest)
			return
		}
		cr.Approve(*req.Selection)
	}
	jsonResponse(w, s.status(p), http.StatusOK)
}

func (s *Server) DismissPresentment(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookup(w, r)
	if !ok {
		return
	}
	req := DismissRequest{Style: presentment.DismissSessionTermination.String()}
	if err := parseJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		jsonErrorResponse(w, fmt.Errorf("failed to parse request: %w", err), http.StatusBadRequest)
		return
	}
	style, err := presentment.ParseDismissStyle(req.Style)
	if err != nil {
		jsonErrorResponse(w, err, http.StatusBadRequest)
		return
	}
	if err := p.model.Dismiss(style); err != nil {
		if errors.Is(err, presentment.ErrInvalidTransition) {
			jsonErrorResponse(w, err, http.StatusConflict)
			return
		}
		logrus.WithError(err).WithField("session", p.model.ID()).Warn("server: dismiss did not reach the reader")
	}
	jsonResponse(w, s.status(p), http.StatusOK)
}

func (s *Server) DeletePresentment(w http.ResponseWriter, r *http.Request) {
	if err := s.presentments.remove(mux.Vars(r)["id"]); err != nil {
		jsonErrorResponse(w, err, http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
