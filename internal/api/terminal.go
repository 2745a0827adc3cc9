package api

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/treykane/sshgate/internal/model"
	"github.com/treykane/sshgate/internal/service"
)

// Close codes sent when a stream cannot be attached.
const (
	closeNotFound websocket.StatusCode = 4404
	closeConflict websocket.StatusCode = 4409
)

func (s *Server) acceptOptions() *websocket.AcceptOptions {
	return &websocket.AcceptOptions{OriginPatterns: s.opts.OriginPatterns}
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.ListSessions())
}

func (s *Server) startRemoteSession(w http.ResponseWriter, r *http.Request) {
	var req service.SessionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	info, err := s.svc.StartRemoteSession(r.Context(), req)
	s.writeStart(w, r, startResponse{Session: &info}, err)
}

func (s *Server) startLocalSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.StartLocalSession(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.CloseSession(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// terminalStream binds a WebSocket to a started session. Unknown sessions
// are rejected before the upgrade; a second attachment is closed with 4409.
func (s *Server) terminalStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	terms := s.svc.Terminals()
	if _, err := terms.Done(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	ws, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		slog.Warn("terminal websocket accept failed", "session", id, "error", err)
		return
	}
	defer ws.CloseNow()

	err = terms.Attach(r.Context(), id, ws)
	switch model.KindOf(err) {
	case "":
	case model.KindValidation:
		ws.Close(closeConflict, closeReason(s.svc.UserMessage(err)))
	case model.KindNotFound:
		ws.Close(closeNotFound, closeReason(s.svc.UserMessage(err)))
	default:
		slog.Debug("terminal stream ended", "session", id, "error", err)
	}
}

// closeReason trims msg to the 123 bytes a close frame can carry.
func closeReason(msg string) string {
	if len(msg) > 123 {
		return msg[:123]
	}
	return msg
}
