// Package tunnel runs local and SOCKS5 dynamic port forwards over pooled SSH
// connections and publishes every state transition.
package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/treykane/sshgate/internal/appconfig"
	"github.com/treykane/sshgate/internal/events"
	"github.com/treykane/sshgate/internal/model"
	"github.com/treykane/sshgate/internal/sshclient"
	"github.com/treykane/sshgate/internal/util"
)

// Connector hands out shared SSH connections.
type Connector interface {
	Acquire(ctx context.Context, host model.Host, auth sshclient.AuthOptions) (*sshclient.Conn, error)
	Release(c *sshclient.Conn)
}

type Publisher interface {
	Publish(topic events.Topic, data any) events.Event
}

// Request describes one tunnel to start.
type Request struct {
	// ConfigID links the tunnel to a saved configuration, if any.
	ConfigID     string
	Host         model.Host
	Type         model.TunnelType
	LocalPort    int
	RemoteHost   string
	RemotePort   int
	GatewayPorts bool
	Auth         sshclient.AuthOptions
}

type Options struct {
	BindPolicy   appconfig.BindPolicy
	DrainTimeout time.Duration
	// Listen defaults to net.Listen.
	Listen func(network, addr string) (net.Listener, error)
}

// Engine owns the running tunnels. A tunnel is active until it is stopped,
// or disconnected when its SSH connection ends. Disconnected tunnels stay
// listed until restarted or stopped.
type Engine struct {
	opts  Options
	conns Connector
	bus   Publisher

	mu       sync.Mutex
	tunnels  map[string]*tunnel
	reserved map[int]string
}

func NewEngine(conns Connector, bus Publisher, opts Options) *Engine {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = util.DefaultDrainTimeout
	}
	if opts.Listen == nil {
		opts.Listen = net.Listen
	}
	return &Engine{
		opts:     opts,
		conns:    conns,
		bus:      bus,
		tunnels:  map[string]*tunnel{},
		reserved: map[int]string{},
	}
}

type tunnel struct {
	info model.ActiveTunnelInfo
	req  Request

	listener net.Listener
	conn     *sshclient.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	handler  func(net.Conn)

	// guarded by Engine.mu
	stopping bool
	released bool
	removed  chan struct{}

	connMu sync.Mutex
	open   map[net.Conn]struct{}
	wg     sync.WaitGroup
}

// track registers c for force close. It fails once the tunnel is shutting
// down.
func (t *tunnel) track(c net.Conn) bool {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.open == nil {
		return false
	}
	t.open[c] = struct{}{}
	return true
}

func (t *tunnel) untrack(c net.Conn) {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.open != nil {
		delete(t.open, c)
	}
}

// spawn runs fn for an accepted connection. The WaitGroup is incremented
// under connMu so it never races with closeAll.
func (t *tunnel) spawn(c net.Conn, fn func(net.Conn)) bool {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.open == nil {
		return false
	}
	t.open[c] = struct{}{}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.untrack(c)
		fn(c)
	}()
	return true
}

func (t *tunnel) closeAll() {
	t.connMu.Lock()
	open := t.open
	t.open = nil
	t.connMu.Unlock()
	for c := range open {
		c.Close()
	}
}

func (t *tunnel) openCount() int {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return len(t.open)
}

func validate(req Request) error {
	const op = "start tunnel"
	if strings.TrimSpace(req.Host.Alias) == "" && strings.TrimSpace(req.Host.HostName) == "" {
		return model.Validation(op, "host is required")
	}
	if err := util.ValidatePort(req.LocalPort); err != nil {
		return model.Validation(op, "local port: %v", err)
	}
	switch req.Type {
	case model.TunnelLocal:
		if strings.TrimSpace(req.RemoteHost) == "" {
			return model.Validation(op, "remote host is required for local forwards")
		}
		if err := util.ValidatePort(req.RemotePort); err != nil {
			return model.Validation(op, "remote port: %v", err)
		}
	case model.TunnelDynamic:
	default:
		return model.Validation(op, "unknown tunnel type %q", req.Type)
	}
	return nil
}

// Check validates req against the request rules and the bind policy without
// touching the network.
func (e *Engine) Check(req Request) error {
	if err := validate(req); err != nil {
		return err
	}
	if req.GatewayPorts && e.opts.BindPolicy == appconfig.BindPolicyLoopbackOnly {
		return model.Validation("start tunnel", "binding to all interfaces is disabled by security.bind_policy")
	}
	return nil
}

// Start opens the listener, acquires the SSH connection and begins
// forwarding. A request carrying a ConfigID returns the running instance of
// that configuration when one is active, and replaces a disconnected one.
func (e *Engine) Start(ctx context.Context, req Request) (model.ActiveTunnelInfo, error) {
	if err := e.Check(req); err != nil {
		return model.ActiveTunnelInfo{}, err
	}
	if req.ConfigID != "" {
		if info, ok := e.runningConfig(req.ConfigID); ok {
			return info, nil
		}
	}
	return e.start(ctx, req, nil)
}

func (e *Engine) runningConfig(configID string) (model.ActiveTunnelInfo, bool) {
	e.mu.Lock()
	var stale *tunnel
	for _, t := range e.tunnels {
		if t.info.ConfigID != configID || t.stopping {
			continue
		}
		if t.info.Status == model.TunnelActive {
			info := t.info
			e.mu.Unlock()
			return info, true
		}
		stale = t
	}
	e.mu.Unlock()
	if stale != nil {
		_ = e.Stop(stale.info.ID)
	}
	return model.ActiveTunnelInfo{}, false
}

// start brings up a tunnel. With prev set it replaces that disconnected
// instance under the same id, unless prev was stopped in the meantime.
func (e *Engine) start(ctx context.Context, req Request, prev *tunnel) (model.ActiveTunnelInfo, error) {
	const op = "start tunnel"
	id := ""
	if prev != nil {
		id = prev.info.ID
	}
	bind := util.JoinHostPort(util.BindHost(req.GatewayPorts), req.LocalPort)

	e.mu.Lock()
	if owner, ok := e.reserved[req.LocalPort]; ok && owner != id {
		e.mu.Unlock()
		return model.ActiveTunnelInfo{}, model.Errorf(model.KindPortInUse, op, "port %d is used by tunnel %s", req.LocalPort, owner)
	}
	if id == "" {
		id = uuid.NewString()
	}
	e.reserved[req.LocalPort] = id
	e.mu.Unlock()
	unreserve := func() {
		e.mu.Lock()
		if e.reserved[req.LocalPort] == id {
			delete(e.reserved, req.LocalPort)
		}
		e.mu.Unlock()
	}

	l, err := e.opts.Listen("tcp", bind)
	if err != nil {
		unreserve()
		if isAddrInUse(err) {
			return model.ActiveTunnelInfo{}, model.Errorf(model.KindPortInUse, op, "%s is already in use", bind)
		}
		return model.ActiveTunnelInfo{}, model.Wrap(model.KindSystem, op, err)
	}

	conn, err := e.conns.Acquire(ctx, req.Host, req.Auth)
	if err != nil {
		l.Close()
		unreserve()
		return model.ActiveTunnelInfo{}, err
	}
	if pw := conn.AcceptedPassword(); pw != "" {
		req.Auth.Password = pw
	}
	req.Auth.TrustHostKey = false
	req.Auth.ExpectedFingerprint = ""

	tctx, cancel := context.WithCancel(context.Background())
	t := &tunnel{
		req:      req,
		listener: l,
		conn:     conn,
		ctx:      tctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		removed:  make(chan struct{}),
		open:     map[net.Conn]struct{}{},
		info: model.ActiveTunnelInfo{
			ID:        id,
			ConfigID:  req.ConfigID,
			Alias:     req.Host.Alias,
			Type:      req.Type,
			LocalAddr: l.Addr().String(),
			Status:    model.TunnelActive,
			StartedAt: time.Now(),
		},
	}
	switch req.Type {
	case model.TunnelLocal:
		t.info.RemoteAddr = util.JoinHostPort(req.RemoteHost, req.RemotePort)
		t.handler = func(c net.Conn) { forwardLocal(t, c) }
	case model.TunnelDynamic:
		h, err := newSOCKSHandler(t)
		if err != nil {
			cancel()
			l.Close()
			e.conns.Release(conn)
			unreserve()
			return model.ActiveTunnelInfo{}, model.Wrap(model.KindSystem, op, err)
		}
		t.handler = h
	}

	e.mu.Lock()
	if prev != nil && (prev.stopping || e.tunnels[id] != prev) {
		e.mu.Unlock()
		cancel()
		l.Close()
		e.conns.Release(conn)
		unreserve()
		return model.ActiveTunnelInfo{}, model.NotFound(op, "tunnel %s was stopped", id)
	}
	e.tunnels[id] = t
	e.publishLocked(t.info)
	e.mu.Unlock()

	slog.Info("tunnel started", "id", id, "alias", t.info.Alias, "type", req.Type, "local", t.info.LocalAddr, "remote", t.info.RemoteAddr)
	go e.serve(t)
	go e.watch(t)
	return t.info, nil
}

func (e *Engine) serve(t *tunnel) {
	defer close(t.loopDone)
	for {
		c, err := t.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Warn("tunnel accept failed", "id", t.info.ID, "error", err)
			}
			return
		}
		if !t.spawn(c, t.handler) {
			c.Close()
		}
	}
}

// watch marks the tunnel disconnected when its SSH connection ends. The
// tunnel is not restarted.
func (e *Engine) watch(t *tunnel) {
	select {
	case <-t.conn.Done():
	case <-t.ctx.Done():
		return
	}
	e.mu.Lock()
	if t.stopping || e.tunnels[t.info.ID] != t {
		e.mu.Unlock()
		return
	}
	t.info.Status = model.TunnelDisconnected
	t.info.StatusMsg = "ssh connection lost"
	if err := t.conn.Err(); err != nil {
		t.info.StatusMsg = "ssh connection lost: " + err.Error()
	}
	if e.reserved[t.req.LocalPort] == t.info.ID {
		delete(e.reserved, t.req.LocalPort)
	}
	t.released = true
	e.publishLocked(t.info)
	e.mu.Unlock()

	slog.Warn("tunnel disconnected", "id", t.info.ID, "alias", t.info.Alias, "reason", t.info.StatusMsg)
	t.listener.Close()
	t.closeAll()
	t.cancel()
	e.conns.Release(t.conn)
}

// Stop closes the listener, lets open connections drain for the configured
// timeout, force closes the rest and removes the tunnel.
func (e *Engine) Stop(id string) error {
	e.mu.Lock()
	t, ok := e.tunnels[id]
	if !ok {
		e.mu.Unlock()
		return model.NotFound("stop tunnel", "tunnel %s not found", id)
	}
	if t.stopping {
		e.mu.Unlock()
		<-t.removed
		return nil
	}
	t.stopping = true
	t.info.Status = model.TunnelStopping
	t.info.StatusMsg = ""
	e.publishLocked(t.info)
	released := t.released
	t.released = true
	e.mu.Unlock()

	t.listener.Close()
	<-t.loopDone
	if !waitTimeout(&t.wg, e.opts.DrainTimeout) {
		slog.Info("tunnel drain timed out, closing connections", "id", id, "open", t.openCount())
	}
	t.closeAll()
	t.cancel()
	t.wg.Wait()
	if !released {
		e.conns.Release(t.conn)
	}

	e.mu.Lock()
	info := t.info
	info.Status = model.TunnelStopped
	// A restart may have installed a new instance under this id.
	if e.tunnels[id] == t {
		delete(e.tunnels, id)
		if e.reserved[t.req.LocalPort] == id {
			delete(e.reserved, t.req.LocalPort)
		}
		e.publishLocked(info)
	}
	e.mu.Unlock()
	close(t.removed)
	slog.Info("tunnel stopped", "id", id, "alias", info.Alias)
	return nil
}

// Restart reconnects a disconnected tunnel with its original request. A
// non-empty auth password or trust decision replaces the remembered one.
func (e *Engine) Restart(ctx context.Context, id string, auth sshclient.AuthOptions) (model.ActiveTunnelInfo, error) {
	const op = "restart tunnel"
	e.mu.Lock()
	t, ok := e.tunnels[id]
	if !ok {
		e.mu.Unlock()
		return model.ActiveTunnelInfo{}, model.NotFound(op, "tunnel %s not found", id)
	}
	if t.stopping || t.info.Status != model.TunnelDisconnected {
		status := t.info.Status
		e.mu.Unlock()
		return model.ActiveTunnelInfo{}, model.Validation(op, "tunnel %s is %s", id, status)
	}
	req := t.req
	e.mu.Unlock()

	if auth.Password != "" {
		req.Auth.Password = auth.Password
	}
	if auth.CredentialKey != "" {
		req.Auth.CredentialKey = auth.CredentialKey
	}
	req.Auth.TrustHostKey = auth.TrustHostKey
	req.Auth.ExpectedFingerprint = auth.ExpectedFingerprint

	info, err := e.start(ctx, req, t)
	if err != nil {
		e.mu.Lock()
		if cur, ok := e.tunnels[id]; ok && cur == t {
			t.info.StatusMsg = "restart failed: " + err.Error()
			e.publishLocked(t.info)
		}
		e.mu.Unlock()
		return model.ActiveTunnelInfo{}, err
	}
	return info, nil
}

// StopAll stops every tunnel concurrently.
func (e *Engine) StopAll() error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.tunnels))
	for id := range e.tunnels {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if err := e.Stop(id); err != nil && !model.IsKind(err, model.KindNotFound) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// List returns tunnels ordered by start time.
func (e *Engine) List() []model.ActiveTunnelInfo {
	e.mu.Lock()
	out := make([]model.ActiveTunnelInfo, 0, len(e.tunnels))
	for _, t := range e.tunnels {
		out = append(out, t.info)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (e *Engine) Get(id string) (model.ActiveTunnelInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tunnels[id]
	if !ok {
		return model.ActiveTunnelInfo{}, model.NotFound("get tunnel", "tunnel %s not found", id)
	}
	return t.info, nil
}

func (e *Engine) publishLocked(info model.ActiveTunnelInfo) {
	if e.bus != nil {
		e.bus.Publish(events.TopicTunnelsChanged, info)
	}
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "address already in use") || strings.Contains(msg, "Only one usage of each socket address")
}
