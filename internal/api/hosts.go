package api

import (
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"

	"github.com/treykane/sshgate/internal/bundle"
	"github.com/treykane/sshgate/internal/model"
	"github.com/treykane/sshgate/internal/sshclient"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Version     string               `json:"version"`
	Tunnels     int                  `json:"tunnels"`
	Sessions    int                  `json:"sessions"`
	Connections []sshclient.ConnStat `json:"connections"`
	Subscribers int                  `json:"subscribers"`
	Warnings    []string             `json:"warnings,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	version := "dev"
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" {
		version = bi.Main.Version
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Version:     version,
		Tunnels:     len(s.svc.ListActiveTunnels()),
		Sessions:    len(s.svc.ListSessions()),
		Connections: s.svc.PoolStats(),
		Subscribers: s.svc.Bus().Subscribers(),
		Warnings:    s.svc.HostWarnings(),
	})
}

func (s *Server) listHosts(w http.ResponseWriter, r *http.Request) {
	var (
		hosts []model.Host
		err   error
	)
	if r.URL.Query().Get("sort") == "recent" {
		hosts, err = s.svc.RecentHosts()
	} else {
		hosts, err = s.svc.ListHosts()
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hosts)
}

type saveHostRequest struct {
	Host          model.Host `json:"host"`
	OriginalAlias string     `json:"originalAlias,omitempty"`
}

func (s *Server) saveHost(w http.ResponseWriter, r *http.Request) {
	var req saveHostRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	host, err := s.svc.SaveHost(req.Host, req.OriginalAlias)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, host)
}

func (s *Server) deleteHost(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteHost(chi.URLParam(r, "alias")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type orderRequest struct {
	Aliases []string `json:"aliases,omitempty"`
	IDs     []string `json:"ids,omitempty"`
}

func (s *Server) reorderHosts(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.ReorderHosts(req.Aliases); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rawBody struct {
	Content string `json:"content"`
	Path    string `json:"path,omitempty"`
}

func (s *Server) readHostsRaw(w http.ResponseWriter, r *http.Request) {
	content, err := s.svc.ReadHostsFileRaw()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rawBody{Content: content, Path: s.svc.Registry().Path()})
}

func (s *Server) writeHostsRaw(w http.ResponseWriter, r *http.Request) {
	var req rawBody
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.WriteHostsFileRaw(req.Content); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type passwordBody struct {
	Password string `json:"password"`
}

func (s *Server) hasPassword(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"exists": s.svc.HasPassword(chi.URLParam(r, "key"))})
}

func (s *Server) savePassword(w http.ResponseWriter, r *http.Request) {
	var req passwordBody
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.SavePassword(chi.URLParam(r, "key"), req.Password); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deletePassword(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeletePassword(chi.URLParam(r, "key")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listBundles(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ListBundles()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) saveBundle(w http.ResponseWriter, r *http.Request) {
	var def bundle.Definition
	if err := decode(r, &def); err != nil {
		s.writeError(w, r, err)
		return
	}
	saved, err := s.svc.SaveBundle(def)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) deleteBundle(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteBundle(chi.URLParam(r, "name")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startBundle(w http.ResponseWriter, r *http.Request) {
	results, err := s.svc.StartBundle(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}
