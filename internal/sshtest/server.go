// Package sshtest runs an in-process SSH server for tests. It supports
// password and public-key auth, direct-tcpip forwarding and PTY shell
// sessions that echo input back.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/ssh"
)

type Options struct {
	// Password enables password and keyboard-interactive auth when set.
	Password string
	// AuthorizedKey enables public-key auth for that key when set.
	AuthorizedKey ssh.PublicKey
	// HostSigner is generated when nil.
	HostSigner ssh.Signer
}

type Server struct {
	HostSigner ssh.Signer

	listener net.Listener
	config   *ssh.ServerConfig
	wg       sync.WaitGroup

	mu       sync.Mutex
	conns    map[*ssh.ServerConn]struct{}
	password string
	hold     chan struct{}

	handshakes       atomic.Int32
	passwordAttempts atomic.Int32
	forwards         atomic.Int32
}

// Start listens on 127.0.0.1 and serves until the test ends.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()
	signer := opts.HostSigner
	if signer == nil {
		signer = NewSigner(t)
	}
	s := &Server{HostSigner: signer, conns: map[*ssh.ServerConn]struct{}{}, password: opts.Password}
	cfg := &ssh.ServerConfig{}
	if opts.Password != "" {
		cfg.PasswordCallback = func(_ ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			s.passwordAttempts.Add(1)
			if string(pw) == s.currentPassword() {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected")
		}
		cfg.KeyboardInteractiveCallback = func(_ ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := challenge("", "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			s.passwordAttempts.Add(1)
			if len(answers) == 1 && answers[0] == s.currentPassword() {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected")
		}
	}
	if opts.AuthorizedKey != nil {
		want := ssh.FingerprintSHA256(opts.AuthorizedKey)
		cfg.PublicKeyCallback = func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if ssh.FingerprintSHA256(key) == want {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		}
	}
	cfg.AddHostKey(signer)
	s.config = cfg

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = l
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Addr() string { return s.listener.Addr().String() }

func (s *Server) Port() int { return s.listener.Addr().(*net.TCPAddr).Port }

// Handshakes counts completed SSH handshakes.
func (s *Server) Handshakes() int { return int(s.handshakes.Load()) }

func (s *Server) PasswordAttempts() int { return int(s.passwordAttempts.Load()) }

// Forwards counts accepted direct-tcpip channels.
func (s *Server) Forwards() int { return int(s.forwards.Load()) }

// SetPassword changes the accepted password for new handshakes.
func (s *Server) SetPassword(pw string) {
	s.mu.Lock()
	s.password = pw
	s.mu.Unlock()
}

func (s *Server) currentPassword() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.password
}

// HoldForwards makes direct-tcpip channel opens wait without a reply until
// the returned release func is called or the server closes.
func (s *Server) HoldForwards() (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.hold = ch
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.hold == ch {
				s.hold = nil
			}
			s.mu.Unlock()
			close(ch)
		})
	}
}

// DropConnections closes every established connection, simulating a
// network drop. The listener keeps accepting.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

func (s *Server) Close() {
	s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(nc)
		}()
	}
}

func (s *Server) handle(nc net.Conn) {
	sc, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		nc.Close()
		return
	}
	s.handshakes.Add(1)
	s.mu.Lock()
	s.conns[sc] = struct{}{}
	s.mu.Unlock()
	done := make(chan struct{})
	defer func() {
		close(done)
		s.mu.Lock()
		delete(s.conns, sc)
		s.mu.Unlock()
		sc.Close()
	}()

	go ssh.DiscardRequests(reqs)
	for nch := range chans {
		switch nch.ChannelType() {
		case "session":
			ch, requests, err := nch.Accept()
			if err != nil {
				continue
			}
			go handleSession(ch, requests)
		case "direct-tcpip":
			go s.handleDirect(nch, done)
		default:
			nch.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

type directPayload struct {
	DestAddr string
	DestPort uint32
	OrigAddr string
	OrigPort uint32
}

func (s *Server) handleDirect(nch ssh.NewChannel, done <-chan struct{}) {
	s.mu.Lock()
	hold := s.hold
	s.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-done:
			return
		}
	}
	var p directPayload
	if err := ssh.Unmarshal(nch.ExtraData(), &p); err != nil {
		nch.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}
	target, err := net.Dial("tcp", net.JoinHostPort(p.DestAddr, strconv.Itoa(int(p.DestPort))))
	if err != nil {
		nch.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := nch.Accept()
	if err != nil {
		target.Close()
		return
	}
	s.forwards.Add(1)
	go ssh.DiscardRequests(reqs)
	copied := make(chan struct{})
	go func() {
		io.Copy(target, ch)
		if tc, ok := target.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		close(copied)
	}()
	io.Copy(ch, target)
	ch.CloseWrite()
	select {
	case <-copied:
	case <-done:
	}
	ch.Close()
	target.Close()
}

// handleSession answers pty-req, reports window-change as "resize:CxR\n",
// and on shell echoes input prefixed with "echo:". Input containing "exit"
// ends the session with status 0.
func handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	var hasPTY bool
	for req := range requests {
		switch req.Type {
		case "pty-req":
			hasPTY = true
			req.Reply(true, nil)
		case "window-change":
			if len(req.Payload) >= 8 {
				cols := binary.BigEndian.Uint32(req.Payload[0:4])
				rows := binary.BigEndian.Uint32(req.Payload[4:8])
				fmt.Fprintf(ch, "resize:%dx%d\n", cols, rows)
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "shell":
			req.Reply(true, nil)
			fmt.Fprintf(ch, "PTY:%t\n", hasPTY)
			go echo(ch)
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func echo(ch ssh.Channel) {
	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			ch.Write([]byte("echo:"))
			ch.Write(buf[:n])
			if strings.Contains(string(buf[:n]), "exit") {
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
				ch.Close()
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// NewSigner generates an ed25519 signer.
func NewSigner(t testing.TB) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer
}

// WriteKeyFile writes a new unencrypted OpenSSH private key into dir and
// returns its path and public key.
func WriteKeyFile(t testing.TB, dir string) (string, ssh.PublicKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	path := filepath.Join(dir, "id_test")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return path, signer.PublicKey()
}

// StartEcho runs a TCP server that echoes whatever it reads.
func StartEcho(t testing.TB) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	t.Cleanup(func() { l.Close() })
	return l.Addr().String()
}

// FreePort returns a loopback port that was free a moment ago.
func FreePort(t testing.TB) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
