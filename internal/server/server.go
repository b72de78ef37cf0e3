// Package server exposes the verifier and the holder wallet over HTTP: a
// verifier builds Digital Credentials API requests and reads responses,
// and the wallet bridge runs presentments against the credential store.
package server

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/davecgh/go-spew/spew"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/kokukuma/mdoc-presentment/credential"
	"github.com/kokukuma/mdoc-presentment/presentment"
	"github.com/sirupsen/logrus"
)

type Option func(*Server)

// WithAllowedOrigins sets the CORS origins. The default allows any.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithPresentmentOptions applies opts to every wallet presentment.
func WithPresentmentOptions(opts ...presentment.Option) Option {
	return func(s *Server) {
		s.presentmentOpts = append(s.presentmentOpts, opts...)
	}
}

// WithRequestSigner lets the verifier send openid4vp-v1-signed requests.
// clientID must be an x509_san_dns client id naming the leaf certificate.
func WithRequestSigner(key *ecdsa.PrivateKey, x5c []string, clientID string) Option {
	return func(s *Server) {
		s.signer = &requestSigner{key: key, x5c: x5c, clientID: clientID}
	}
}

type requestSigner struct {
	key      *ecdsa.PrivateKey
	x5c      []string
	clientID string
}

type Server struct {
	store           credential.Store
	certs           *CertManager
	sessions        *Sessions
	presentments    *Presentments
	presentmentOpts []presentment.Option
	allowedOrigins  []string
	signer          *requestSigner
}

func NewServer(store credential.Store, certs *CertManager, opts ...Option) *Server {
	s := &Server{
		store:          store,
		certs:          certs,
		sessions:       NewSessions(),
		presentments:   NewPresentments(),
		allowedOrigins: []string{"*"},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(handlers.CORS(
		handlers.AllowedMethods([]string{"POST", "GET", "DELETE"}),
		handlers.AllowedHeaders([]string{"content-type"}),
		handlers.AllowedOrigins(s.allowedOrigins),
		handlers.AllowCredentials(),
	))

	// verifier
	r.HandleFunc("/getIdentityRequest", s.GetIdentityRequest).Methods("POST", "OPTIONS")
	r.HandleFunc("/verifyIdentityResponse", s.VerifyIdentityResponse).Methods("POST", "OPTIONS")

	// wallet
	wallet := r.PathPrefix("/wallet").Subrouter()
	wallet.HandleFunc("/credentials", s.ListCredentials).Methods("GET", "OPTIONS")
	wallet.HandleFunc("/presentments", s.CreatePresentment).Methods("POST", "OPTIONS")
	wallet.HandleFunc("/presentments/{id}", s.GetPresentment).Methods("GET", "OPTIONS")
	wallet.HandleFunc("/presentments/{id}", s.DeletePresentment).Methods("DELETE", "OPTIONS")
	wallet.HandleFunc("/presentments/{id}/consent", s.ConsentPresentment).Methods("POST", "OPTIONS")
	wallet.HandleFunc("/presentments/{id}/dismiss", s.DismissPresentment).Methods("POST", "OPTIONS")

	// trust anchors
	certRouter := r.PathPrefix("/api/certificates").Subrouter()
	certRouter.HandleFunc("", s.ListCertificatesHandler).Methods("GET", "OPTIONS")
	certRouter.HandleFunc("", s.AddCertificateHandler).Methods("POST", "OPTIONS")
	certRouter.HandleFunc("/json", s.AddCertificateJSONHandler).Methods("POST", "OPTIONS")
	certRouter.HandleFunc("/reload", s.ReloadCertificatesHandler).Methods("POST", "OPTIONS")
	certRouter.HandleFunc("/{filename}", s.GetCertificateHandler).Methods("GET", "OPTIONS")
	certRouter.HandleFunc("/{filename}", s.DeleteCertificateHandler).Methods("DELETE", "OPTIONS")

	return r
}

// Close resets every running presentment.
func (s *Server) Close() {
	s.presentments.closeAll()
}

type errorResponse struct {
	Error string `json:"error"`
}

func parseJSON(r *http.Request, v interface{}) error {
	if r == nil || r.Body == nil {
		return errors.New("no request given")
	}

	defer r.Body.Close()
	defer io.Copy(io.Discard, r.Body)

	return json.NewDecoder(r.Body).Decode(v)
}

// rawData accepts a JSON value or a string holding one, as browsers hand
// the Digital Credentials API data over either way.
func rawData(data json.RawMessage) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("data is required")
	}
	if data[0] != '"' {
		return data, nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func jsonResponse(w http.ResponseWriter, d interface{}, c int) {
	dj, err := json.Marshal(d)
	if err != nil {
		http.Error(w, "Error creating JSON response", http.StatusInternalServerError)
		return
	}
	if logrus.IsLevelEnabled(logrus.TraceLevel) {
		logrus.Trace(spew.Sdump(d))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(c)
	fmt.Fprintf(w, "%s", dj)
}

func jsonErrorResponse(w http.ResponseWriter, e error, c int) {
	logrus.WithError(e).WithField("status", c).Info("server: request failed")
	jsonResponse(w, errorResponse{Error: e.Error()}, c)
}
