package api

import (
	"net/http"

	"github.com/treykane/sshgate/internal/service"
)

// Connect endpoints always answer 200 with a ConnectionResult; failures are
// part of the result.

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	var req service.ConnectRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Connect(r.Context(), req.Alias))
}

func (s *Server) connectWithPassword(w http.ResponseWriter, r *http.Request) {
	var req service.ConnectRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.ConnectWithPassword(r.Context(), req.Alias, req.Password, req.SavePassword))
}

func (s *Server) connectAndTrust(w http.ResponseWriter, r *http.Request) {
	var req service.ConnectRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.ConnectAndTrustHost(r.Context(), req.Alias, req.Password, req.SavePassword, req.Fingerprint))
}
