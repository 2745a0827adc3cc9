package terminal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/treykane/sshgate/internal/appconfig"
	"github.com/treykane/sshgate/internal/events"
	"github.com/treykane/sshgate/internal/model"
	"github.com/treykane/sshgate/internal/sshclient"
	"github.com/treykane/sshgate/internal/sshtest"
)

type fixture struct {
	mgr  *Manager
	pool *sshclient.Pool
	sub  *events.Subscription
	host model.Host
	http *httptest.Server
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	srv := sshtest.Start(t, sshtest.Options{Password: "pw"})
	pool := sshclient.NewPool(sshclient.Options{HostKeyPolicy: appconfig.HostKeyPolicyInsecure, DialTimeout: 5 * time.Second})
	t.Cleanup(pool.Close)
	bus := events.NewBus(64)
	sub := bus.Subscribe(events.TopicTerminalStatus)
	t.Cleanup(sub.Close)

	f := &fixture{pool: pool, sub: sub, host: model.Host{Alias: "box", HostName: "127.0.0.1", Port: srv.Port(), User: "tester"}}
	f.http = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/v1/terminal/"), "/ws")
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		if err := f.mgr.Attach(r.Context(), id, ws); err != nil {
			ws.Close(4409, err.Error())
		}
	}))
	t.Cleanup(f.http.Close)
	if opts.BaseURL == "" {
		opts.BaseURL = "ws" + strings.TrimPrefix(f.http.URL, "http")
	}
	f.mgr = NewManager(pool, bus, opts)
	t.Cleanup(f.mgr.CloseAll)
	return f
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.CloseNow() })
	return ws
}

func readUntil(t *testing.T, ws *websocket.Conn, want string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got strings.Builder
	for !strings.Contains(got.String(), want) {
		_, data, err := ws.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %q, got %q: %v", want, got.String(), err)
		}
		got.Write(data)
	}
	return got.String()
}

func send(t *testing.T, ws *websocket.Conn, typ websocket.MessageType, data string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.Write(ctx, typ, []byte(data)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitStatus(t *testing.T, sub *events.Subscription, status string) events.TerminalStatus {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case evt := <-sub.C():
			ts := evt.Data.(events.TerminalStatus)
			if ts.Status == status {
				return ts
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", status)
		}
	}
}

func TestRemoteSessionRelay(t *testing.T) {
	f := newFixture(t, Options{})
	info, err := f.mgr.StartRemote(context.Background(), f.host, sshclient.AuthOptions{Password: "pw"})
	if err != nil {
		t.Fatalf("start remote: %v", err)
	}
	if info.Alias != "box" || !strings.HasSuffix(info.URL, "/api/v1/terminal/"+info.ID+"/ws") {
		t.Fatalf("unexpected info: %+v", info)
	}
	waitStatus(t, f.sub, StatusStarted)

	ws := dial(t, info.URL)
	readUntil(t, ws, "PTY:true")

	send(t, ws, websocket.MessageBinary, "hello\n")
	readUntil(t, ws, "echo:hello")

	send(t, ws, websocket.MessageText, `{"type":"resize","cols":120,"rows":40}`)
	readUntil(t, ws, "resize:120x40")
	if cols, rows, _ := f.mgr.Size(info.ID); cols != 120 || rows != 40 {
		t.Fatalf("expected 120x40, got %dx%d", cols, rows)
	}

	send(t, ws, websocket.MessageText, `{"type":"resize","cols":0,"rows":10}`)
	send(t, ws, websocket.MessageText, `{"type":"resize","cols":9999,"rows":9999}`)
	readUntil(t, ws, "resize:500x500")

	send(t, ws, websocket.MessageText, "plain text\n")
	readUntil(t, ws, "echo:plain text")

	send(t, ws, websocket.MessageBinary, "exit\n")
	ended := waitStatus(t, f.sub, StatusEnded)
	if ended.SessionID != info.ID || !strings.Contains(ended.Message, "exited") {
		t.Fatalf("unexpected end event: %+v", ended)
	}
	if len(f.mgr.List()) != 0 {
		t.Fatalf("expected session removed")
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(f.pool.Stats()) != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(f.pool.Stats()) != 0 {
		t.Fatalf("expected ssh connection released, got %+v", f.pool.Stats())
	}
}

func TestSecondAttachRejected(t *testing.T) {
	f := newFixture(t, Options{})
	info, err := f.mgr.StartRemote(context.Background(), f.host, sshclient.AuthOptions{Password: "pw"})
	if err != nil {
		t.Fatalf("start remote: %v", err)
	}
	first := dial(t, info.URL)
	readUntil(t, first, "PTY:true")

	second := dial(t, info.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = second.Read(ctx)
	if websocket.CloseStatus(err) != 4409 {
		t.Fatalf("expected 4409 close, got %v", err)
	}

	send(t, first, websocket.MessageBinary, "still here\n")
	readUntil(t, first, "echo:still here")
}

func TestCloseEndsAttachedStream(t *testing.T) {
	f := newFixture(t, Options{})
	info, err := f.mgr.StartRemote(context.Background(), f.host, sshclient.AuthOptions{Password: "pw"})
	if err != nil {
		t.Fatalf("start remote: %v", err)
	}
	ws := dial(t, info.URL)
	readUntil(t, ws, "PTY:true")

	if err := f.mgr.Close(info.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if _, _, err := ws.Read(ctx); err != nil {
			if ctx.Err() != nil {
				t.Fatalf("stream not closed after Close")
			}
			break
		}
	}
	if err := f.mgr.Close(info.ID); !model.IsKind(err, model.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAttachTimeout(t *testing.T) {
	f := newFixture(t, Options{AttachTimeout: 100 * time.Millisecond})
	info, err := f.mgr.StartRemote(context.Background(), f.host, sshclient.AuthOptions{Password: "pw"})
	if err != nil {
		t.Fatalf("start remote: %v", err)
	}
	ended := waitStatus(t, f.sub, StatusEnded)
	if ended.SessionID != info.ID || ended.Message != "attach timeout" {
		t.Fatalf("unexpected end event: %+v", ended)
	}
}

func TestStartRemoteAuthError(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.mgr.StartRemote(context.Background(), f.host, sshclient.AuthOptions{})
	if !model.IsKind(err, model.KindAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if len(f.mgr.List()) != 0 {
		t.Fatalf("expected no sessions")
	}
}

func TestLocalSession(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("pty not supported")
	}
	f := newFixture(t, Options{Shell: "/bin/sh"})
	info, err := f.mgr.StartLocal(context.Background())
	if err != nil {
		t.Fatalf("start local: %v", err)
	}
	if info.Alias != model.LocalAlias {
		t.Fatalf("expected local alias, got %s", info.Alias)
	}
	ws := dial(t, info.URL)
	send(t, ws, websocket.MessageBinary, "echo hi-$((40+2))\n")
	readUntil(t, ws, "hi-42")

	if err := f.mgr.Resize(info.ID, 100, 30); err != nil {
		t.Fatalf("resize: %v", err)
	}
	if cols, rows, err := f.mgr.Size(info.ID); err != nil || cols != 100 || rows != 30 {
		t.Fatalf("expected 100x30, got %dx%d (%v)", cols, rows, err)
	}
	send(t, ws, websocket.MessageBinary, "stty size\n")
	readUntil(t, ws, "30 100")
	send(t, ws, websocket.MessageBinary, "exit\n")
	waitStatus(t, f.sub, StatusEnded)
}

func TestUnknownSession(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.mgr.Resize("nope", 10, 10); !model.IsKind(err, model.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, _, err := f.mgr.Size("nope"); !model.IsKind(err, model.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
