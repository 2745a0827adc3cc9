package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/treykane/sshgate/internal/events"
	"github.com/treykane/sshgate/internal/model"
)

const eventWriteTimeout = 10 * time.Second

func parseTopics(raw string) []events.Topic {
	var out []events.Topic
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, events.Topic(t))
		}
	}
	return out
}

// eventStream pushes bus events as JSON text frames. ?topics=a,b limits the
// subscription, which exists before the upgrade completes.
func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	sub := s.svc.Bus().Subscribe(parseTopics(r.URL.Query().Get("topics"))...)
	defer func() {
		if n := sub.Dropped(); n > 0 {
			slog.Warn("event subscriber fell behind", "dropped", n, "remote", r.RemoteAddr)
		}
		sub.Close()
	}()
	ws, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		return
	}
	defer ws.CloseNow()

	ctx := ws.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			ws.Close(websocket.StatusNormalClosure, "")
			return
		case evt, ok := <-sub.C():
			if !ok {
				ws.Close(websocket.StatusGoingAway, "")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(wctx, ws, evt)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) eventHistory(w http.ResponseWriter, r *http.Request) {
	j := s.svc.Journal()
	if j == nil {
		writeJSON(w, http.StatusOK, []events.Record{})
		return
	}
	q := r.URL.Query()
	query := events.Query{
		HostAlias: q.Get("alias"),
		TunnelID:  q.Get("tunnel"),
		EventType: q.Get("type"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, r, model.Validation("event history", "since must be RFC3339"))
			return
		}
		query.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, model.Validation("event history", "limit must be a non-negative integer"))
			return
		}
		query.Limit = n
	}
	records, err := j.Read(query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []events.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}
