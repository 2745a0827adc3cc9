// Package sshclient dials SSH servers with host-key verification and
// password fallback, and shares one client per host between tunnels and
// terminals.
package sshclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	"github.com/treykane/sshgate/internal/appconfig"
	"github.com/treykane/sshgate/internal/credential"
	"github.com/treykane/sshgate/internal/hostkeys"
	"github.com/treykane/sshgate/internal/model"
	"github.com/treykane/sshgate/internal/util"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("connection pool closed")

type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type Options struct {
	HostKeys      *hostkeys.Store
	Credentials   credential.Store
	HostKeyPolicy appconfig.HostKeyPolicy

	DialTimeout       time.Duration
	KeepaliveInterval time.Duration
	// IdleLinger keeps an unreferenced client open for reuse.
	IdleLinger time.Duration
	UseAgent   bool

	// Resolve looks up ProxyJump hops by alias. Jumps are not supported
	// when nil.
	Resolve func(alias string) (model.Host, error)
	Dial    DialFunc
}

// AuthOptions carries per-attempt credentials and trust decisions.
type AuthOptions struct {
	Password string
	// CredentialKey selects the stored password; defaults to the alias.
	CredentialKey string
	TrustHostKey  bool
	// ExpectedFingerprint limits TrustHostKey to the key the user saw.
	ExpectedFingerprint string
}

func (a AuthOptions) flightKey() string {
	sum := sha256.Sum256([]byte(a.Password + "\x00" + a.CredentialKey + "\x00" + strconv.FormatBool(a.TrustHostKey) + "\x00" + a.ExpectedFingerprint))
	return hex.EncodeToString(sum[:8])
}

// Pool shares authenticated clients. Each Acquire must be paired with a
// Release.
type Pool struct {
	opts  Options
	group singleflight.Group

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
}

func NewPool(opts Options) *Pool {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = util.DefaultDialTimeout
	}
	if opts.HostKeyPolicy == "" {
		opts.HostKeyPolicy = appconfig.HostKeyPolicyStrict
	}
	if opts.Dial == nil {
		d := &net.Dialer{Timeout: opts.DialTimeout}
		opts.Dial = d.DialContext
	}
	return &Pool{opts: opts, conns: map[string]*Conn{}}
}

// Conn is a pooled SSH client.
type Conn struct {
	key      string
	alias    string
	addr     string
	client   *ssh.Client
	password string
	jump     *Conn

	// guarded by pool.mu
	refs   int
	linger *time.Timer

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func (c *Conn) Client() *ssh.Client { return c.client }

func (c *Conn) Alias() string { return c.alias }

// Addr is the host:port dialed.
func (c *Conn) Addr() string { return c.addr }

// Done is closed when the connection ends for any reason.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended, nil while it is alive or after a
// normal close.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// AcceptedPassword is the password the server accepted, empty when another
// method authenticated.
func (c *Conn) AcceptedPassword() string { return c.password }

func (c *Conn) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *Conn) finish(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		c.client.Close()
		close(c.done)
	})
}

type ConnStat struct {
	Key   string
	Alias string
	Refs  int
}

// Stats lists live pooled clients.
func (p *Pool) Stats() []ConnStat {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnStat, 0, len(p.conns))
	for k, c := range p.conns {
		out = append(out, ConnStat{Key: k, Alias: c.alias, Refs: c.refs})
	}
	return out
}

func poolKey(host model.Host) string {
	return fmt.Sprintf("%s|%s@%s|%s", host.Alias, userFor(host), hostAddr(host), host.IdentityFile)
}

func userFor(host model.Host) string {
	return util.DefaultString(host.User, currentUser())
}

func hostAddr(host model.Host) string {
	return util.JoinHostPort(util.DefaultString(host.HostName, host.Alias), host.PortOrDefault())
}

// Acquire returns a live client for host, dialing when none is pooled.
// Concurrent dials of the same host with the same credentials share one
// handshake.
func (p *Pool) Acquire(ctx context.Context, host model.Host, auth AuthOptions) (*Conn, error) {
	key := poolKey(host)
	if c, err := p.retain(key); c != nil || err != nil {
		return c, err
	}
	v, err, _ := p.group.Do(key+"|"+auth.flightKey(), func() (any, error) {
		if c := p.peek(key); c != nil {
			return c, nil
		}
		c, err := p.dial(ctx, host, auth, key)
		if err != nil {
			return nil, err
		}
		return p.register(c), nil
	})
	if err != nil {
		return nil, err
	}
	c := v.(*Conn)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !c.alive() {
		return nil, model.Wrap(model.KindConnection, "connect "+host.Alias, errors.New("connection closed"))
	}
	c.retainLocked()
	return c, nil
}

func (p *Pool) retain(key string) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	c, ok := p.conns[key]
	if !ok || !c.alive() {
		return nil, nil
	}
	c.retainLocked()
	return c, nil
}

func (p *Pool) peek(key string) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[key]; ok && c.alive() {
		return c
	}
	return nil
}

func (c *Conn) retainLocked() {
	c.refs++
	if c.linger != nil {
		c.linger.Stop()
		c.linger = nil
	}
}

// register pools c, preferring a client another caller registered first.
func (p *Pool) register(c *Conn) *Conn {
	p.mu.Lock()
	if existing, ok := p.conns[c.key]; ok && existing.alive() {
		p.mu.Unlock()
		c.finish(nil)
		if c.jump != nil {
			p.Release(c.jump)
		}
		return existing
	}
	p.conns[c.key] = c
	p.mu.Unlock()
	go p.monitor(c)
	if p.opts.KeepaliveInterval > 0 {
		go p.keepalive(c)
	}
	return c
}

// Release drops one reference. The last release closes the client, after
// IdleLinger when set.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}
	p.mu.Lock()
	if c.refs > 0 {
		c.refs--
	}
	if c.refs > 0 {
		p.mu.Unlock()
		return
	}
	if p.opts.IdleLinger > 0 && c.alive() && !p.closed {
		if c.linger == nil {
			c.linger = time.AfterFunc(p.opts.IdleLinger, func() { p.expire(c) })
		}
		p.mu.Unlock()
		return
	}
	p.forgetLocked(c)
	p.mu.Unlock()
	c.finish(nil)
}

func (p *Pool) expire(c *Conn) {
	p.mu.Lock()
	if c.refs > 0 || c.linger == nil {
		p.mu.Unlock()
		return
	}
	c.linger = nil
	p.forgetLocked(c)
	p.mu.Unlock()
	slog.Debug("closing idle ssh connection", "alias", c.alias)
	c.finish(nil)
}

func (p *Pool) forgetLocked(c *Conn) {
	if p.conns[c.key] == c {
		delete(p.conns, c.key)
	}
}

// Close ends every pooled client. Later Acquire calls fail.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		if c.linger != nil {
			c.linger.Stop()
		}
		conns = append(conns, c)
	}
	p.conns = map[string]*Conn{}
	p.mu.Unlock()
	for _, c := range conns {
		c.finish(nil)
	}
}

func (p *Pool) monitor(c *Conn) {
	err := c.client.Wait()
	if err != nil && errors.Is(err, net.ErrClosed) {
		err = nil
	}
	if c.alive() {
		slog.Info("ssh connection ended", "alias", c.alias, "error", err)
		if err == nil {
			err = errors.New("connection closed by remote")
		}
	}
	c.finish(err)
	p.mu.Lock()
	p.forgetLocked(c)
	p.mu.Unlock()
	if c.jump != nil {
		p.Release(c.jump)
	}
}

func (p *Pool) keepalive(c *Conn) {
	t := time.NewTicker(p.opts.KeepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
		}
		reply := make(chan error, 1)
		go func() {
			_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
			reply <- err
		}()
		select {
		case err := <-reply:
			if err != nil {
				slog.Warn("ssh keepalive failed", "alias", c.alias, "error", err)
				c.finish(fmt.Errorf("keepalive: %w", err))
				return
			}
		case <-time.After(p.opts.KeepaliveInterval):
			slog.Warn("ssh keepalive timed out", "alias", c.alias)
			c.finish(errors.New("keepalive timed out"))
			return
		case <-c.done:
			return
		}
	}
}

func (p *Pool) dial(ctx context.Context, host model.Host, auth AuthOptions, key string) (*Conn, error) {
	op := "connect " + host.Alias
	addr := hostAddr(host)

	var jump *Conn
	dial := p.opts.Dial
	if hop := strings.TrimSpace(host.ProxyJump); hop != "" && !strings.EqualFold(hop, "none") {
		j, err := p.acquireJump(ctx, host, hop)
		if err != nil {
			return nil, err
		}
		jump = j
		dial = j.client.DialContext
	}
	fail := func(err error) (*Conn, error) {
		if jump != nil {
			p.Release(jump)
		}
		return nil, err
	}

	pw := &passwordAuth{candidates: passwordCandidates(p.opts.Credentials, util.DefaultString(auth.CredentialKey, host.Alias), auth.Password)}
	var methods []ssh.AuthMethod
	signers := identitySigners(host)
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	if p.opts.UseAgent {
		if ag, agentConn := dialAgent(); ag != nil {
			defer agentConn.Close()
			methods = append(methods, ssh.PublicKeysCallback(ag.Signers))
		}
	}
	methods = append(methods, pw.methods()...)

	var hostKeyErr *HostKeyVerificationRequiredError
	cfg := &ssh.ClientConfig{
		User:            userFor(host),
		Auth:            methods,
		HostKeyCallback: p.hostKeyCallback(host.Alias, auth, &hostKeyErr),
		Timeout:         p.opts.DialTimeout,
	}

	nc, err := dial(ctx, "tcp", addr)
	if err != nil {
		return fail(model.Wrap(model.KindConnection, op, err))
	}
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	_ = nc.SetDeadline(time.Now().Add(p.opts.DialTimeout))
	sc, chans, reqs, err := ssh.NewClientConn(nc, addr, cfg)
	stop()
	if err != nil {
		nc.Close()
		switch {
		case hostKeyErr != nil:
			return fail(hostKeyErr)
		case ctx.Err() != nil:
			return fail(model.Wrap(model.KindConnection, op, ctx.Err()))
		case isAuthFailure(err):
			_, attempted := pw.result()
			return fail(newPasswordRequired(host.Alias, attempted))
		}
		return fail(model.Wrap(model.KindConnection, op, err))
	}
	_ = nc.SetDeadline(time.Time{})

	c := &Conn{
		key:    key,
		alias:  host.Alias,
		addr:   addr,
		client: ssh.NewClient(sc, chans, reqs),
		jump:   jump,
		done:   make(chan struct{}),
	}
	if last, attempted := pw.result(); attempted {
		c.password = last
	}
	slog.Info("ssh connected", "alias", host.Alias, "addr", addr, "user", cfg.User)
	return c, nil
}

func (p *Pool) acquireJump(ctx context.Context, host model.Host, hop string) (*Conn, error) {
	op := "connect " + host.Alias
	if p.opts.Resolve == nil {
		return nil, model.Errorf(model.KindConnection, op, "ProxyJump %s is not supported here", hop)
	}
	if i := strings.IndexByte(hop, ','); i >= 0 {
		hop = hop[:i]
	}
	jh, err := p.opts.Resolve(hop)
	if err != nil {
		jh = parseJumpSpec(hop)
	}
	if jh.Alias == host.Alias {
		return nil, model.Errorf(model.KindConnection, op, "ProxyJump loops back to %s", host.Alias)
	}
	return p.Acquire(ctx, jh, AuthOptions{})
}

// parseJumpSpec reads a literal [user@]host[:port] hop.
func parseJumpSpec(spec string) model.Host {
	h := model.Host{Alias: spec}
	rest := spec
	if i := strings.LastIndexByte(rest, '@'); i >= 0 {
		h.User = rest[:i]
		rest = rest[i+1:]
	}
	if hostPart, portPart, err := net.SplitHostPort(rest); err == nil {
		if port, err := strconv.Atoi(portPart); err == nil {
			h.Port = port
			rest = hostPart
		}
	}
	h.HostName = rest
	return h
}

func (p *Pool) hostKeyCallback(alias string, auth AuthOptions, out **HostKeyVerificationRequiredError) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if p.opts.HostKeyPolicy == appconfig.HostKeyPolicyInsecure || p.opts.HostKeys == nil {
			return nil
		}
		status, err := p.opts.HostKeys.Check(hostname, remote, key)
		if err != nil {
			return err
		}
		fp := hostkeys.Fingerprint(key)
		matches := auth.ExpectedFingerprint == "" || auth.ExpectedFingerprint == fp
		trust := false
		switch status {
		case hostkeys.StatusKnown:
			return nil
		case hostkeys.StatusUnknown:
			trust = (auth.TrustHostKey && matches) || p.opts.HostKeyPolicy == appconfig.HostKeyPolicyAcceptNew
		case hostkeys.StatusChanged:
			trust = auth.TrustHostKey && matches
		}
		if trust {
			if err := p.opts.HostKeys.Trust(hostname, remote, key); err != nil {
				return fmt.Errorf("record host key: %w", err)
			}
			slog.Info("host key trusted", "alias", alias, "host", hostname, "fingerprint", fp, "replaced", status == hostkeys.StatusChanged)
			return nil
		}
		*out = &HostKeyVerificationRequiredError{
			Alias:       alias,
			Fingerprint: fp,
			HostAddress: hostname,
			Changed:     status == hostkeys.StatusChanged,
		}
		return *out
	}
}
