package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/treykane/sshgate/internal/model"
	"github.com/treykane/sshgate/internal/service"
)

// startResponse answers every operation that may stop at an auth or
// host-key decision. Tunnel or Session is set on success.
type startResponse struct {
	Tunnel     *model.ActiveTunnelInfo    `json:"tunnel,omitempty"`
	Session    *model.TerminalSessionInfo `json:"session,omitempty"`
	Connection model.ConnectionResult     `json:"connection"`
}

// writeStart writes a successful start, or the decision carried by err. Other
// errors go through writeError.
func (s *Server) writeStart(w http.ResponseWriter, r *http.Request, resp startResponse, err error) {
	if err != nil {
		if res, ok := service.Decision(err); ok {
			writeJSON(w, http.StatusOK, startResponse{Connection: res})
			return
		}
		s.writeError(w, r, err)
		return
	}
	resp.Connection = model.ConnectionResult{Success: true}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listTunnels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.ListActiveTunnels())
}

func (s *Server) startLocal(w http.ResponseWriter, r *http.Request) {
	var req service.ForwardRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	info, err := s.svc.StartLocalForward(r.Context(), req)
	s.writeStart(w, r, startResponse{Tunnel: &info}, err)
}

func (s *Server) startDynamic(w http.ResponseWriter, r *http.Request) {
	var req service.ForwardRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	info, err := s.svc.StartDynamicForward(r.Context(), req)
	s.writeStart(w, r, startResponse{Tunnel: &info}, err)
}

func (s *Server) stopTunnel(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.StopTunnel(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) restartTunnel(w http.ResponseWriter, r *http.Request) {
	var req passwordBody
	if err := decodeOptional(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	info, err := s.svc.RestartTunnel(r.Context(), chi.URLParam(r, "id"), req.Password)
	s.writeStart(w, r, startResponse{Tunnel: &info}, err)
}

func (s *Server) listSaved(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ListSavedTunnels()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getSaved(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.svc.GetSavedTunnel(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) saveSaved(w http.ResponseWriter, r *http.Request) {
	var cfg model.SavedTunnelConfig
	if err := decode(r, &cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	saved, err := s.svc.SaveTunnelConfig(cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) reorderSaved(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.ReorderSavedTunnels(req.IDs); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteSaved(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteTunnelConfig(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) duplicateSaved(w http.ResponseWriter, r *http.Request) {
	dup, err := s.svc.DuplicateTunnelConfig(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dup)
}

func (s *Server) startSaved(w http.ResponseWriter, r *http.Request) {
	var opts service.StartFromConfigOptions
	if err := decodeOptional(r, &opts); err != nil {
		s.writeError(w, r, err)
		return
	}
	info, err := s.svc.StartTunnelFromConfig(r.Context(), chi.URLParam(r, "id"), opts)
	s.writeStart(w, r, startResponse{Tunnel: &info}, err)
}
