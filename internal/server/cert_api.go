package server

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
)

func (s *Server) ListCertificatesHandler(w http.ResponseWriter, r *http.Request) {
	certs, err := s.certs.ListCertificates()
	if err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to list certificates: %w", err), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, certs, http.StatusOK)
}

func (s *Server) GetCertificateHandler(w http.ResponseWriter, r *http.Request) {
	info, pemData, err := s.certs.GetCertificate(mux.Vars(r)["filename"])
	if err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to get certificate: %w", err), http.StatusNotFound)
		return
	}
	jsonResponse(w, struct {
		Info    *CertInfo `json:"info"`
		PEMData string    `json:"pem_data"`
	}{
		Info:    info,
		PEMData: string(pemData),
	}, http.StatusOK)
}

// AddCertificateHandler takes a multipart upload in the "certificate" field.
func (s *Server) AddCertificateHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to parse form: %w", err), http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("certificate")
	if err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to get certificate file: %w", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to read certificate data: %w", err), http.StatusInternalServerError)
		return
	}
	s.addCertificate(w, header.Filename, data)
}

func (s *Server) AddCertificateJSONHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filename string `json:"filename"`
		PEMData  string `json:"pem_data"`
	}
	if err := parseJSON(r, &req); err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to parse request: %w", err), http.StatusBadRequest)
		return
	}
	if req.PEMData == "" {
		jsonErrorResponse(w, fmt.Errorf("certificate data is required"), http.StatusBadRequest)
		return
	}
	s.addCertificate(w, req.Filename, []byte(req.PEMData))
}

func (s *Server) addCertificate(w http.ResponseWriter, filename string, data []byte) {
	info, err := s.certs.AddCertificate(filename, data)
	if err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to add certificate: %w", err), http.StatusBadRequest)
		return
	}
	jsonResponse(w, info, http.StatusCreated)
}

func (s *Server) DeleteCertificateHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.certs.DeleteCertificate(mux.Vars(r)["filename"]); err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to delete certificate: %w", err), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ReloadCertificatesHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.certs.ReloadCertificates(); err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to reload certificates: %w", err), http.StatusInternalServerError)
		return
	}
	s.ListCertificatesHandler(w, r)
}
