package tunnel

import (
	"context"
	"io"
	"log/slog"
	"net"

	"github.com/armon/go-socks5"
)

// forwardLocal dials the fixed remote target through the SSH connection and
// pumps both directions until either side closes.
func forwardLocal(t *tunnel, local net.Conn) {
	remote, err := t.conn.Client().DialContext(t.ctx, "tcp", t.info.RemoteAddr)
	if err != nil {
		slog.Warn("tunnel forward dial failed", "id", t.info.ID, "remote", t.info.RemoteAddr, "error", err)
		local.Close()
		return
	}
	if !t.track(remote) {
		remote.Close()
		local.Close()
		return
	}
	defer t.untrack(remote)
	bidirectionalCopy(t.ctx, local, remote)
}

// bidirectionalCopy pumps both directions. EOF on one side half-closes the
// other so request/response protocols still get their reply. Both conns are
// closed once both directions finish or ctx ends.
func bidirectionalCopy(ctx context.Context, a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		defer func() { done <- struct{}{} }()
		io.Copy(dst, src)
		closeWrite(dst)
	}
	go cp(a, b)
	go cp(b, a)

	for pending := 2; pending > 0; {
		select {
		case <-done:
			pending--
		case <-ctx.Done():
			a.Close()
			b.Close()
			for ; pending > 0; pending-- {
				<-done
			}
		}
	}
	a.Close()
	b.Close()
}

type halfCloser interface {
	CloseWrite() error
}

func closeWrite(c net.Conn) {
	if hc, ok := c.(halfCloser); ok {
		hc.CloseWrite()
		return
	}
	c.Close()
}

// remoteResolver leaves names unresolved so the SOCKS server dials by name
// and the SSH server performs the lookup.
type remoteResolver struct{}

func (remoteResolver) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	return ctx, nil, nil
}

// newSOCKSHandler serves SOCKS5 on each accepted connection, dialing every
// CONNECT through the tunnel's SSH client.
func newSOCKSHandler(t *tunnel) (func(net.Conn), error) {
	srv, err := socks5.New(&socks5.Config{
		Resolver: remoteResolver{},
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			// go-socks5 dials with a background context; stopping the tunnel
			// must still abort a channel open the server never answers.
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			stop := context.AfterFunc(t.ctx, cancel)
			defer stop()

			c, err := t.conn.Client().DialContext(ctx, network, addr)
			if err != nil {
				slog.Debug("socks dial failed", "id", t.info.ID, "target", addr, "error", err)
				return nil, err
			}
			if !t.track(c) {
				c.Close()
				return nil, net.ErrClosed
			}
			return &trackedConn{Conn: c, t: t}, nil
		},
		Logger: slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug),
	})
	if err != nil {
		return nil, err
	}
	return func(c net.Conn) {
		if err := srv.ServeConn(c); err != nil {
			slog.Debug("socks session ended", "id", t.info.ID, "error", err)
		}
	}, nil
}

// trackedConn drops itself from the tunnel's open set when closed.
type trackedConn struct {
	net.Conn
	t *tunnel
}

func (c *trackedConn) Close() error {
	c.t.untrack(c.Conn)
	return c.Conn.Close()
}
