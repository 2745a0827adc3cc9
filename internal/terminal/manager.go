// Package terminal runs interactive shells, remote over SSH or local on a
// PTY, and relays them over websocket streams.
package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/treykane/sshgate/internal/events"
	"github.com/treykane/sshgate/internal/model"
	"github.com/treykane/sshgate/internal/sshclient"
	"github.com/treykane/sshgate/internal/util"
)

const (
	StatusStarted  = "started"
	StatusAttached = "attached"
	StatusEnded    = "ended"
)

// Connector hands out shared SSH connections.
type Connector interface {
	Acquire(ctx context.Context, host model.Host, auth sshclient.AuthOptions) (*sshclient.Conn, error)
	Release(c *sshclient.Conn)
}

type Publisher interface {
	Publish(topic events.Topic, data any) events.Event
}

type Options struct {
	// BaseURL prefixes session stream URLs, e.g. ws://127.0.0.1:7522.
	BaseURL string
	// Shell overrides $SHELL for local sessions.
	Shell string
	// AttachTimeout ends sessions nobody attached to. Zero disables it.
	AttachTimeout time.Duration
}

type Manager struct {
	opts  Options
	conns Connector
	bus   Publisher

	mu       sync.Mutex
	sessions map[string]*session
}

func NewManager(conns Connector, bus Publisher, opts Options) *Manager {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Manager{opts: opts, conns: conns, bus: bus, sessions: map[string]*session{}}
}

type session struct {
	info model.TerminalSessionInfo
	be   backend
	conn *sshclient.Conn

	mu         sync.Mutex
	attached   bool
	cols, rows int
	timer      *time.Timer

	done       chan struct{}
	outputDone chan struct{}
	endOnce    sync.Once
}

// StreamPath is the route serving a session's stream.
func StreamPath(id string) string {
	return "/api/v1/terminal/" + id + "/ws"
}

// StartRemote opens a login shell on host with an xterm-256color PTY.
func (m *Manager) StartRemote(ctx context.Context, host model.Host, auth sshclient.AuthOptions) (model.TerminalSessionInfo, error) {
	conn, err := m.conns.Acquire(ctx, host, auth)
	if err != nil {
		return model.TerminalSessionInfo{}, err
	}
	sh, err := startRemoteShell(conn.Client())
	if err != nil {
		m.conns.Release(conn)
		return model.TerminalSessionInfo{}, model.Wrap(model.KindConnection, "start terminal "+host.Alias, err)
	}
	return m.register(host.Alias, sh, conn), nil
}

// StartLocal spawns the user's shell on a local PTY.
func (m *Manager) StartLocal(ctx context.Context) (model.TerminalSessionInfo, error) {
	sh, err := startLocalShell(defaultShell(m.opts.Shell))
	if err != nil {
		return model.TerminalSessionInfo{}, model.Wrap(model.KindSystem, "start local terminal", err)
	}
	return m.register(model.LocalAlias, sh, nil), nil
}

func (m *Manager) register(alias string, be backend, conn *sshclient.Conn) model.TerminalSessionInfo {
	id := uuid.NewString()
	s := &session{
		info: model.TerminalSessionInfo{
			ID:        id,
			Alias:     alias,
			URL:       m.opts.BaseURL + StreamPath(id),
			CreatedAt: time.Now(),
		},
		be:         be,
		conn:       conn,
		cols:       util.DefaultTerminalCols,
		rows:       util.DefaultTerminalRows,
		done:       make(chan struct{}),
		outputDone: make(chan struct{}),
	}
	if m.opts.AttachTimeout > 0 {
		s.timer = time.AfterFunc(m.opts.AttachTimeout, func() {
			s.mu.Lock()
			attached := s.attached
			s.mu.Unlock()
			if !attached {
				m.end(s, "attach timeout")
			}
		})
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.publish(s, StatusStarted, "")
	m.mu.Unlock()
	slog.Info("terminal session started", "id", id, "alias", alias)

	go m.waitExit(s)
	return s.info
}

// waitExit ends the session when the shell exits, after giving an attached
// stream a moment to flush the last output.
func (m *Manager) waitExit(s *session) {
	err := s.be.Wait()
	s.mu.Lock()
	attached := s.attached
	s.mu.Unlock()
	if attached {
		select {
		case <-s.outputDone:
		case <-time.After(time.Second):
		}
	}
	reason := "shell exited"
	if err != nil {
		reason = "shell exited: " + err.Error()
	}
	m.end(s, reason)
}

func (m *Manager) end(s *session, reason string) {
	s.endOnce.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}
		close(s.done)
		s.be.Close()
		if s.conn != nil {
			m.conns.Release(s.conn)
		}
		m.mu.Lock()
		delete(m.sessions, s.info.ID)
		m.publish(s, StatusEnded, reason)
		m.mu.Unlock()
		slog.Info("terminal session ended", "id", s.info.ID, "alias", s.info.Alias, "reason", reason)
	})
}

func (m *Manager) publish(s *session, status, msg string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.TopicTerminalStatus, events.TerminalStatus{
		SessionID: s.info.ID,
		Alias:     s.info.Alias,
		Status:    status,
		Message:   msg,
	})
}

func (m *Manager) get(op, id string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, model.NotFound(op, "terminal session %s not found", id)
	}
	return s, nil
}

// Close ends a session. The stream, if attached, is closed.
func (m *Manager) Close(id string) error {
	s, err := m.get("close terminal", id)
	if err != nil {
		return err
	}
	m.end(s, "closed")
	return nil
}

func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		m.end(s, "shutdown")
	}
}

func (m *Manager) List() []model.TerminalSessionInfo {
	m.mu.Lock()
	out := make([]model.TerminalSessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Done is closed when the session ends.
func (m *Manager) Done(id string) (<-chan struct{}, error) {
	s, err := m.get("terminal done", id)
	if err != nil {
		return nil, err
	}
	return s.done, nil
}

// Resize sets the PTY size, clamped to 500x500. Zero dimensions are ignored.
func (m *Manager) Resize(id string, cols, rows int) error {
	s, err := m.get("resize terminal", id)
	if err != nil {
		return err
	}
	return s.resize(cols, rows)
}

func (m *Manager) Size(id string) (cols, rows int, err error) {
	s, err := m.get("terminal size", id)
	if err != nil {
		return 0, 0, err
	}
	if sz, ok := s.be.(sizer); ok {
		cols, rows, err := sz.Size()
		if err != nil {
			return 0, 0, model.Wrap(model.KindSystem, "terminal size", err)
		}
		return cols, rows, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows, nil
}

func (s *session) resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return nil
	}
	cols = util.Clamp(cols, 1, util.MaxTerminalCols)
	rows = util.Clamp(rows, 1, util.MaxTerminalRows)
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
	if err := s.be.Resize(cols, rows); err != nil {
		return model.Wrap(model.KindSystem, "resize terminal", err)
	}
	return nil
}

type resizeMsg struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

var errShellClosed = errors.New("shell output closed")

// Attach relays the session over ws until either side closes. Binary frames
// carry input; text frames are resize commands when they decode as one and
// input otherwise. A session accepts a single attachment and ends when it
// detaches.
func (m *Manager) Attach(ctx context.Context, id string, ws *websocket.Conn) error {
	s, err := m.get("attach terminal", id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.attached {
		s.mu.Unlock()
		return model.Validation("attach terminal", "terminal session %s is already attached", id)
	}
	s.attached = true
	s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	m.mu.Lock()
	m.publish(s, StatusAttached, "")
	m.mu.Unlock()

	ws.SetReadLimit(1 << 20)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.pumpOutput(gctx, ws)
		close(s.outputDone)
		if errors.Is(err, errShellClosed) {
			// Let the exit watcher record why the shell went away.
			select {
			case <-s.done:
			case <-time.After(2 * time.Second):
			}
		}
		return err
	})
	g.Go(func() error { return s.pumpInput(gctx, ws) })
	go func() {
		select {
		case <-gctx.Done():
			m.end(s, "stream closed")
		case <-s.done:
		}
	}()

	err = g.Wait()
	m.end(s, "stream closed")
	if errors.Is(err, errShellClosed) {
		ws.Close(websocket.StatusNormalClosure, "session ended")
	} else {
		ws.Close(websocket.StatusNormalClosure, "")
	}
	return nil
}

func (s *session) pumpOutput(ctx context.Context, ws *websocket.Conn) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.be.Read(buf)
		if n > 0 {
			if werr := ws.Write(ctx, websocket.MessageBinary, buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return errShellClosed
		}
	}
}

func (s *session) pumpInput(ctx context.Context, ws *websocket.Conn) error {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		if len(data) > util.MaxStreamMessageSize {
			slog.Warn("terminal input frame too large", "id", s.info.ID, "size", len(data))
			continue
		}
		if typ == websocket.MessageText {
			var msg resizeMsg
			if json.Unmarshal(data, &msg) == nil && msg.Type == "resize" {
				if err := s.resize(msg.Cols, msg.Rows); err != nil {
					slog.Debug("terminal resize failed", "id", s.info.ID, "error", err)
				}
				continue
			}
		}
		if _, err := s.be.Write(data); err != nil {
			return err
		}
	}
}
