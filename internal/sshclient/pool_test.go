package sshclient

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/treykane/sshgate/internal/appconfig"
	"github.com/treykane/sshgate/internal/credential"
	"github.com/treykane/sshgate/internal/hostkeys"
	"github.com/treykane/sshgate/internal/model"
	"github.com/treykane/sshgate/internal/sshtest"
)

type memCreds struct {
	mu sync.Mutex
	m  map[string]string
}

func (s *memCreds) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	if !ok {
		return "", credential.ErrNotFound
	}
	return v, nil
}

func (s *memCreds) Set(key, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = secret
	return nil
}

func (s *memCreds) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

func (s *memCreds) Has(key string) bool {
	_, err := s.Get(key)
	return err == nil
}

func testHost(srv *sshtest.Server) model.Host {
	return model.Host{Alias: "test", HostName: "127.0.0.1", Port: srv.Port(), User: "tester"}
}

func newTestPool(t *testing.T, policy appconfig.HostKeyPolicy, creds credential.Store) (*Pool, *hostkeys.Store) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	hk := hostkeys.NewStore(filepath.Join(t.TempDir(), "known_hosts"))
	p := NewPool(Options{
		HostKeys:      hk,
		Credentials:   creds,
		HostKeyPolicy: policy,
		DialTimeout:   5 * time.Second,
	})
	t.Cleanup(p.Close)
	return p, hk
}

func TestAcquirePasswordFlow(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Password: "s3cret"})
	p, _ := newTestPool(t, appconfig.HostKeyPolicyInsecure, &memCreds{m: map[string]string{}})
	ctx := context.Background()

	_, err := p.Acquire(ctx, testHost(srv), AuthOptions{})
	var pr *PasswordRequiredError
	if !errors.As(err, &pr) {
		t.Fatalf("expected PasswordRequiredError, got %v", err)
	}
	if pr.Retry {
		t.Fatalf("expected Retry=false without a password")
	}
	if model.KindOf(err) != model.KindAuth {
		t.Fatalf("expected auth kind, got %s", model.KindOf(err))
	}

	_, err = p.Acquire(ctx, testHost(srv), AuthOptions{Password: "wrong"})
	if !errors.As(err, &pr) || !pr.Retry {
		t.Fatalf("expected retry PasswordRequiredError, got %v", err)
	}

	c, err := p.Acquire(ctx, testHost(srv), AuthOptions{Password: "s3cret"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer p.Release(c)
	if c.AcceptedPassword() != "s3cret" {
		t.Fatalf("expected accepted password, got %q", c.AcceptedPassword())
	}
}

func TestAcquireUsesStoredCredentialFirst(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Password: "stored"})
	creds := &memCreds{m: map[string]string{"test": "stored"}}
	p, _ := newTestPool(t, appconfig.HostKeyPolicyInsecure, creds)

	c, err := p.Acquire(context.Background(), testHost(srv), AuthOptions{Password: "explicit"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer p.Release(c)
	if c.AcceptedPassword() != "stored" {
		t.Fatalf("expected stored password to win, got %q", c.AcceptedPassword())
	}
	if srv.PasswordAttempts() != 1 {
		t.Fatalf("expected one password attempt, got %d", srv.PasswordAttempts())
	}
}

func TestAcquireFallsBackToExplicitPassword(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Password: "explicit"})
	creds := &memCreds{m: map[string]string{"saved-id": "stale"}}
	p, _ := newTestPool(t, appconfig.HostKeyPolicyInsecure, creds)

	c, err := p.Acquire(context.Background(), testHost(srv), AuthOptions{Password: "explicit", CredentialKey: "saved-id"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer p.Release(c)
	if c.AcceptedPassword() != "explicit" {
		t.Fatalf("expected explicit password, got %q", c.AcceptedPassword())
	}
}

func TestAcquireIdentityFile(t *testing.T) {
	keyPath, pub := sshtest.WriteKeyFile(t, t.TempDir())
	srv := sshtest.Start(t, sshtest.Options{AuthorizedKey: pub})
	p, _ := newTestPool(t, appconfig.HostKeyPolicyInsecure, nil)

	h := testHost(srv)
	h.IdentityFile = keyPath
	c, err := p.Acquire(context.Background(), h, AuthOptions{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer p.Release(c)
	if c.AcceptedPassword() != "" {
		t.Fatalf("expected key auth, got password %q", c.AcceptedPassword())
	}
}

func TestHostKeyUnknownThenTrusted(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Password: "pw"})
	p, _ := newTestPool(t, appconfig.HostKeyPolicyStrict, nil)
	ctx := context.Background()
	want := ssh.FingerprintSHA256(srv.HostSigner.PublicKey())

	_, err := p.Acquire(ctx, testHost(srv), AuthOptions{Password: "pw"})
	var hk *HostKeyVerificationRequiredError
	if !errors.As(err, &hk) {
		t.Fatalf("expected host key error, got %v", err)
	}
	if hk.Fingerprint != want || hk.Changed {
		t.Fatalf("unexpected verification: %+v", hk)
	}
	if model.KindOf(err) != model.KindHostKey {
		t.Fatalf("expected host_key kind, got %s", model.KindOf(err))
	}

	_, err = p.Acquire(ctx, testHost(srv), AuthOptions{Password: "pw", TrustHostKey: true, ExpectedFingerprint: "SHA256:other"})
	if !errors.As(err, &hk) {
		t.Fatalf("expected mismatched fingerprint to be refused, got %v", err)
	}

	c, err := p.Acquire(ctx, testHost(srv), AuthOptions{Password: "pw", TrustHostKey: true, ExpectedFingerprint: want})
	if err != nil {
		t.Fatalf("acquire with trust: %v", err)
	}
	p.Release(c)

	c, err = p.Acquire(ctx, testHost(srv), AuthOptions{Password: "pw"})
	if err != nil {
		t.Fatalf("expected trusted key to be known, got %v", err)
	}
	p.Release(c)
}

func TestHostKeyChanged(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Password: "pw"})
	p, store := newTestPool(t, appconfig.HostKeyPolicyAcceptNew, nil)
	remote := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: srv.Port()}
	old := sshtest.NewSigner(t).PublicKey()
	if err := store.Trust(srv.Addr(), remote, old); err != nil {
		t.Fatalf("seed known_hosts: %v", err)
	}

	_, err := p.Acquire(context.Background(), testHost(srv), AuthOptions{Password: "pw"})
	var hk *HostKeyVerificationRequiredError
	if !errors.As(err, &hk) || !hk.Changed {
		t.Fatalf("expected changed host key error, got %v", err)
	}

	c, err := p.Acquire(context.Background(), testHost(srv), AuthOptions{Password: "pw", TrustHostKey: true})
	if err != nil {
		t.Fatalf("acquire with trust: %v", err)
	}
	p.Release(c)
	status, err := store.Check(srv.Addr(), remote, srv.HostSigner.PublicKey())
	if err != nil || status != hostkeys.StatusKnown {
		t.Fatalf("expected new key known, got %v %v", status, err)
	}
}

func TestAcceptNewTrustsUnknownKey(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Password: "pw"})
	p, _ := newTestPool(t, appconfig.HostKeyPolicyAcceptNew, nil)
	c, err := p.Acquire(context.Background(), testHost(srv), AuthOptions{Password: "pw"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(c)
}

func TestPoolSharesAndReleases(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Password: "pw"})
	p, _ := newTestPool(t, appconfig.HostKeyPolicyInsecure, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	conns := make([]*Conn, 4)
	errs := make([]error, 4)
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i], errs[i] = p.Acquire(ctx, testHost(srv), AuthOptions{Password: "pw"})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if conns[i] != conns[0] {
			t.Fatalf("expected shared connection")
		}
	}
	if srv.Handshakes() != 1 {
		t.Fatalf("expected 1 handshake, got %d", srv.Handshakes())
	}
	if stats := p.Stats(); len(stats) != 1 || stats[0].Refs != 4 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	for _, c := range conns[1:] {
		p.Release(c)
	}
	select {
	case <-conns[0].Done():
		t.Fatalf("connection closed while still referenced")
	default:
	}
	p.Release(conns[0])
	select {
	case <-conns[0].Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected last release to close the connection")
	}
	if len(p.Stats()) != 0 {
		t.Fatalf("expected empty pool")
	}
}

func TestIdleLingerReuses(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Password: "pw"})
	p, _ := newTestPool(t, appconfig.HostKeyPolicyInsecure, nil)
	p.opts.IdleLinger = time.Minute
	ctx := context.Background()

	c1, err := p.Acquire(ctx, testHost(srv), AuthOptions{Password: "pw"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(c1)
	c2, err := p.Acquire(ctx, testHost(srv), AuthOptions{})
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	defer p.Release(c2)
	if c1 != c2 || srv.Handshakes() != 1 {
		t.Fatalf("expected lingering connection to be reused")
	}
}

func TestConnectionDropClosesDone(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Password: "pw"})
	p, _ := newTestPool(t, appconfig.HostKeyPolicyInsecure, nil)
	ctx := context.Background()

	c, err := p.Acquire(ctx, testHost(srv), AuthOptions{Password: "pw"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	srv.DropConnections()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("expected Done after drop")
	}
	if c.Err() == nil {
		t.Fatalf("expected an error after drop")
	}
	p.Release(c)

	c2, err := p.Acquire(ctx, testHost(srv), AuthOptions{Password: "pw"})
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	defer p.Release(c2)
	if c2 == c || srv.Handshakes() != 2 {
		t.Fatalf("expected a fresh connection after drop")
	}
}

func TestAcquireConnectionRefused(t *testing.T) {
	p, _ := newTestPool(t, appconfig.HostKeyPolicyInsecure, nil)
	h := model.Host{Alias: "gone", HostName: "127.0.0.1", Port: sshtest.FreePort(t)}
	_, err := p.Acquire(context.Background(), h, AuthOptions{})
	if model.KindOf(err) != model.KindConnection {
		t.Fatalf("expected connection error, got %v", err)
	}
}

func TestAcquireAfterClose(t *testing.T) {
	p, _ := newTestPool(t, appconfig.HostKeyPolicyInsecure, nil)
	p.Close()
	if _, err := p.Acquire(context.Background(), model.Host{Alias: "x", HostName: "127.0.0.1"}, AuthOptions{}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestProxyJump(t *testing.T) {
	target := sshtest.Start(t, sshtest.Options{Password: "target"})
	bastion := sshtest.Start(t, sshtest.Options{Password: "bastion"})
	creds := &memCreds{m: map[string]string{"bastion": "bastion"}}
	p, _ := newTestPool(t, appconfig.HostKeyPolicyInsecure, creds)
	bastionHost := model.Host{Alias: "bastion", HostName: "127.0.0.1", Port: bastion.Port(), User: "tester"}
	p.opts.Resolve = func(alias string) (model.Host, error) {
		if alias == "bastion" {
			return bastionHost, nil
		}
		return model.Host{}, model.NotFound("resolve", "no %s", alias)
	}

	h := testHost(target)
	h.ProxyJump = "bastion"
	c, err := p.Acquire(context.Background(), h, AuthOptions{Password: "target"})
	if err != nil {
		t.Fatalf("acquire via jump: %v", err)
	}
	if bastion.Forwards() != 1 {
		t.Fatalf("expected one forwarded channel through bastion, got %d", bastion.Forwards())
	}
	if len(p.Stats()) != 2 {
		t.Fatalf("expected target and bastion pooled, got %+v", p.Stats())
	}
	p.Release(c)
	deadline := time.Now().Add(5 * time.Second)
	for len(p.Stats()) != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(p.Stats()) != 0 {
		t.Fatalf("expected bastion released with target, got %+v", p.Stats())
	}
}

func TestParseJumpSpec(t *testing.T) {
	h := parseJumpSpec("ops@jump.example.com:2222")
	if h.User != "ops" || h.HostName != "jump.example.com" || h.Port != 2222 {
		t.Fatalf("unexpected host: %+v", h)
	}
	h = parseJumpSpec("jump")
	if h.HostName != "jump" || h.Port != 0 {
		t.Fatalf("unexpected host: %+v", h)
	}
}

func TestPasswordCandidatesDedupe(t *testing.T) {
	creds := &memCreds{m: map[string]string{"a": "same"}}
	got := passwordCandidates(creds, "a", "same")
	if len(got) != 1 || got[0] != "same" {
		t.Fatalf("expected one candidate, got %v", got)
	}
	got = passwordCandidates(nil, "a", "")
	if len(got) != 0 {
		t.Fatalf("expected none, got %v", got)
	}
}
