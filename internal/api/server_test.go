package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/treykane/sshgate/internal/appconfig"
	"github.com/treykane/sshgate/internal/bundle"
	"github.com/treykane/sshgate/internal/config"
	"github.com/treykane/sshgate/internal/credential"
	"github.com/treykane/sshgate/internal/events"
	"github.com/treykane/sshgate/internal/hostkeys"
	"github.com/treykane/sshgate/internal/model"
	"github.com/treykane/sshgate/internal/savedtunnel"
	"github.com/treykane/sshgate/internal/service"
	"github.com/treykane/sshgate/internal/sshclient"
	"github.com/treykane/sshgate/internal/sshtest"
	"github.com/treykane/sshgate/internal/terminal"
	"github.com/treykane/sshgate/internal/tunnel"
)

type fixture struct {
	http *httptest.Server
	srv  *sshtest.Server
	echo string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))

	srv := sshtest.Start(t, sshtest.Options{Password: "pw"})
	hostsPath := filepath.Join(dir, "hosts")
	body := fmt.Sprintf("Host db1\n  HostName 127.0.0.1\n  Port %d\n  User tester\n", srv.Port())
	if err := os.WriteFile(hostsPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write hosts: %v", err)
	}
	creds, err := credential.NewFileStore(filepath.Join(dir, "creds.enc"), filepath.Join(dir, "creds.key"))
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	saved, err := savedtunnel.Open(filepath.Join(dir, "saved.db"))
	if err != nil {
		t.Fatalf("saved: %v", err)
	}
	registry := config.NewRegistry(hostsPath)
	bus := events.NewBus(64)
	pool := sshclient.NewPool(sshclient.Options{
		HostKeys:      hostkeys.NewStore(filepath.Join(dir, "known_hosts")),
		Credentials:   creds,
		HostKeyPolicy: appconfig.HostKeyPolicyInsecure,
		DialTimeout:   5 * time.Second,
	})
	svc := service.New(service.Deps{
		Registry:    registry,
		Credentials: creds,
		Pool:        pool,
		Tunnels:     tunnel.NewEngine(pool, bus, tunnel.Options{DrainTimeout: 200 * time.Millisecond}),
		Terminals:   terminal.NewManager(pool, bus, terminal.Options{BaseURL: "ws://127.0.0.1:7522", AttachTimeout: time.Minute}),
		Saved:       saved,
		Bundles:     bundle.NewStore(filepath.Join(dir, "bundles.yaml")),
		Bus:         bus,
		Journal:     events.NewJournal(filepath.Join(dir, "events.jsonl")),
	})
	ts := httptest.NewServer(New(svc, Options{}))
	t.Cleanup(func() {
		ts.Close()
		svc.Close()
	})
	return &fixture{http: ts, srv: srv, echo: sshtest.StartEcho(t)}
}

func (f *fixture) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.http.URL+path, rd)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (f *fixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.http.URL, "http") + path
}

func (f *fixture) echoTarget(t *testing.T) (string, int) {
	t.Helper()
	host, port, err := net.SplitHostPort(f.echo)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	p, _ := strconv.Atoi(port)
	return host, p
}

func TestHostEndpoints(t *testing.T) {
	f := newFixture(t)

	var hosts []model.Host
	if code := f.do(t, http.MethodGet, "/api/v1/hosts", nil, &hosts); code != http.StatusOK {
		t.Fatalf("list: status %d", code)
	}
	if len(hosts) != 1 || hosts[0].Alias != "db1" {
		t.Fatalf("unexpected hosts %+v", hosts)
	}

	var saved model.Host
	code := f.do(t, http.MethodPut, "/api/v1/hosts", saveHostRequest{Host: model.Host{Alias: "web", HostName: "web.example", User: "deploy"}}, &saved)
	if code != http.StatusOK || saved.Alias != "web" {
		t.Fatalf("save: status %d, host %+v", code, saved)
	}

	var errBody errorBody
	code = f.do(t, http.MethodPut, "/api/v1/hosts", saveHostRequest{Host: model.Host{Alias: "web", HostName: "x"}}, &errBody)
	if code != http.StatusBadRequest || errBody.Kind != model.KindValidation {
		t.Fatalf("duplicate: status %d, body %+v", code, errBody)
	}

	if code := f.do(t, http.MethodPut, "/api/v1/hosts/order", orderRequest{Aliases: []string{"web", "db1"}}, nil); code != http.StatusNoContent {
		t.Fatalf("reorder: status %d", code)
	}
	var raw rawBody
	f.do(t, http.MethodGet, "/api/v1/hosts/raw", nil, &raw)
	if strings.Index(raw.Content, "Host web") > strings.Index(raw.Content, "Host db1") {
		t.Fatalf("expected web before db1:\n%s", raw.Content)
	}

	if code := f.do(t, http.MethodDelete, "/api/v1/hosts/web", nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete: status %d", code)
	}
	code = f.do(t, http.MethodDelete, "/api/v1/hosts/web", nil, &errBody)
	if code != http.StatusNotFound || errBody.Kind != model.KindNotFound {
		t.Fatalf("delete missing: status %d, body %+v", code, errBody)
	}
}

func TestInvalidBody(t *testing.T) {
	f := newFixture(t)
	req, _ := http.NewRequest(http.MethodPut, f.http.URL+"/api/v1/hosts", strings.NewReader("{not json"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestConnectEndpoints(t *testing.T) {
	f := newFixture(t)

	var res model.ConnectionResult
	if code := f.do(t, http.MethodPost, "/api/v1/connect", service.ConnectRequest{Alias: "db1"}, &res); code != http.StatusOK {
		t.Fatalf("connect: status %d", code)
	}
	if res.Success || res.PasswordRequired == nil {
		t.Fatalf("expected password prompt, got %+v", res)
	}

	res = model.ConnectionResult{}
	f.do(t, http.MethodPost, "/api/v1/connect/password", service.ConnectRequest{Alias: "db1", Password: "pw", SavePassword: true}, &res)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	var exists map[string]bool
	f.do(t, http.MethodGet, "/api/v1/credentials/db1", nil, &exists)
	if !exists["exists"] {
		t.Fatalf("expected stored credential")
	}

	res = model.ConnectionResult{}
	f.do(t, http.MethodPost, "/api/v1/connect/trust", service.ConnectRequest{Alias: "db1"}, &res)
	if !res.Success {
		t.Fatalf("expected trust connect success, got %+v", res)
	}

	if code := f.do(t, http.MethodDelete, "/api/v1/credentials/db1", nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete credential: status %d", code)
	}
	f.do(t, http.MethodGet, "/api/v1/credentials/db1", nil, &exists)
	if exists["exists"] {
		t.Fatalf("expected credential removed")
	}
}

func TestTunnelEndpoints(t *testing.T) {
	f := newFixture(t)
	host, port := f.echoTarget(t)
	req := service.ForwardRequest{Alias: "db1", LocalPort: sshtest.FreePort(t), RemoteHost: host, RemotePort: port}

	var resp startResponse
	if code := f.do(t, http.MethodPost, "/api/v1/tunnels/local", req, &resp); code != http.StatusOK {
		t.Fatalf("start: status %d", code)
	}
	if resp.Tunnel != nil || resp.Connection.PasswordRequired == nil {
		t.Fatalf("expected password decision, got %+v", resp)
	}

	req.Password = "pw"
	resp = startResponse{}
	f.do(t, http.MethodPost, "/api/v1/tunnels/local", req, &resp)
	if !resp.Connection.Success || resp.Tunnel == nil || resp.Tunnel.Status != model.TunnelActive {
		t.Fatalf("expected active tunnel, got %+v", resp)
	}
	id := resp.Tunnel.ID

	var list []model.ActiveTunnelInfo
	f.do(t, http.MethodGet, "/api/v1/tunnels", nil, &list)
	if len(list) != 1 || list[0].ID != id {
		t.Fatalf("unexpected list %+v", list)
	}

	var errBody errorBody
	code := f.do(t, http.MethodPost, "/api/v1/tunnels/local", req, &errBody)
	if code != http.StatusConflict || errBody.Kind != model.KindPortInUse {
		t.Fatalf("expected port_in_use, got %d %+v", code, errBody)
	}

	code = f.do(t, http.MethodPost, "/api/v1/tunnels/"+id+"/restart", nil, &errBody)
	if code != http.StatusBadRequest {
		t.Fatalf("restart of active tunnel: expected 400, got %d", code)
	}

	if code := f.do(t, http.MethodDelete, "/api/v1/tunnels/"+id, nil, nil); code != http.StatusNoContent {
		t.Fatalf("stop: status %d", code)
	}
	if code := f.do(t, http.MethodDelete, "/api/v1/tunnels/"+id, nil, nil); code != http.StatusNotFound {
		t.Fatalf("second stop: expected 404, got %d", code)
	}

	var dyn startResponse
	f.do(t, http.MethodPost, "/api/v1/tunnels/dynamic", service.ForwardRequest{Alias: "db1", LocalPort: sshtest.FreePort(t), Password: "pw"}, &dyn)
	if dyn.Tunnel == nil || dyn.Tunnel.Type != model.TunnelDynamic {
		t.Fatalf("expected dynamic tunnel, got %+v", dyn)
	}
}

func TestSavedTunnelEndpoints(t *testing.T) {
	f := newFixture(t)
	host, port := f.echoTarget(t)

	var cfg model.SavedTunnelConfig
	code := f.do(t, http.MethodPut, "/api/v1/saved-tunnels", model.SavedTunnelConfig{
		Name: "db", TunnelType: model.TunnelLocal, LocalPort: sshtest.FreePort(t),
		RemoteHost: host, RemotePort: port, HostSource: model.HostSourceSSHConfig, HostAlias: "db1",
	}, &cfg)
	if code != http.StatusOK || cfg.ID == "" {
		t.Fatalf("save: status %d, cfg %+v", code, cfg)
	}

	var errBody errorBody
	code = f.do(t, http.MethodPut, "/api/v1/saved-tunnels", model.SavedTunnelConfig{Name: "bad", TunnelType: model.TunnelLocal, LocalPort: 1, HostSource: model.HostSourceSSHConfig, HostAlias: "db1"}, &errBody)
	if code != http.StatusBadRequest {
		t.Fatalf("expected validation failure, got %d", code)
	}

	var dup model.SavedTunnelConfig
	f.do(t, http.MethodPost, "/api/v1/saved-tunnels/"+cfg.ID+"/duplicate", nil, &dup)
	if dup.ID == "" || dup.ID == cfg.ID || dup.RemotePort != cfg.RemotePort {
		t.Fatalf("unexpected duplicate %+v", dup)
	}
	if code := f.do(t, http.MethodPut, "/api/v1/saved-tunnels/order", orderRequest{IDs: []string{dup.ID, cfg.ID}}, nil); code != http.StatusNoContent {
		t.Fatalf("reorder: status %d", code)
	}
	var list []model.SavedTunnelConfig
	f.do(t, http.MethodGet, "/api/v1/saved-tunnels", nil, &list)
	if len(list) != 2 || list[0].ID != dup.ID {
		t.Fatalf("unexpected order %+v", list)
	}

	var resp startResponse
	f.do(t, http.MethodPost, "/api/v1/saved-tunnels/"+cfg.ID+"/start", service.StartFromConfigOptions{Password: "pw"}, &resp)
	if resp.Tunnel == nil || resp.Tunnel.ConfigID != cfg.ID {
		t.Fatalf("expected started tunnel, got %+v", resp)
	}
	c, err := net.DialTimeout("tcp", resp.Tunnel.LocalAddr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial tunnel: %v", err)
	}
	c.Close()

	if code := f.do(t, http.MethodDelete, "/api/v1/saved-tunnels/"+dup.ID, nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete: status %d", code)
	}
	var gone errorBody
	if code := f.do(t, http.MethodGet, "/api/v1/saved-tunnels/"+dup.ID, nil, &gone); code != http.StatusNotFound || gone.Kind != model.KindNotFound {
		t.Fatalf("expected 404 for deleted config, got %d %+v", code, gone)
	}

	var bdef bundle.Definition
	if code := f.do(t, http.MethodPut, "/api/v1/bundles", bundle.Definition{Name: "dev", Tunnels: []string{"db"}}, &bdef); code != http.StatusOK {
		t.Fatalf("save bundle: status %d", code)
	}
	var results []service.BundleResult
	f.do(t, http.MethodPost, "/api/v1/bundles/dev/start", nil, &results)
	if len(results) != 1 || results[0].Tunnel == nil || results[0].Tunnel.ID != resp.Tunnel.ID {
		t.Fatalf("expected running instance reused, got %+v", results)
	}
}

func TestTerminalStream(t *testing.T) {
	f := newFixture(t)
	var resp startResponse
	f.do(t, http.MethodPost, "/api/v1/terminal/remote", service.SessionRequest{Alias: "db1", Password: "pw"}, &resp)
	if resp.Session == nil {
		t.Fatalf("expected session, got %+v", resp)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, f.wsURL(terminal.StreamPath(resp.Session.ID)), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.CloseNow()
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "PTY:true") {
		t.Fatalf("expected pty banner, got %q", data)
	}

	second, _, err := websocket.Dial(ctx, f.wsURL(terminal.StreamPath(resp.Session.ID)), nil)
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	_, _, err = second.Read(ctx)
	if websocket.CloseStatus(err) != closeConflict {
		t.Fatalf("expected close 4409, got %v", err)
	}

	_, res, err := websocket.Dial(ctx, f.wsURL(terminal.StreamPath("missing")), nil)
	if err == nil {
		t.Fatalf("expected dial to unknown session to fail")
	}
	if res == nil || res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 response, got %+v", res)
	}

	var sessions []model.TerminalSessionInfo
	f.do(t, http.MethodGet, "/api/v1/terminal", nil, &sessions)
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if code := f.do(t, http.MethodDelete, "/api/v1/terminal/"+resp.Session.ID, nil, nil); code != http.StatusNoContent {
		t.Fatalf("close: status %d", code)
	}
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, f.wsURL("/api/v1/events?topics="+string(events.TopicSavedTunnelsChanged)), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.CloseNow()

	f.do(t, http.MethodPut, "/api/v1/saved-tunnels", model.SavedTunnelConfig{
		Name: "socks", TunnelType: model.TunnelDynamic, LocalPort: 1080,
		HostSource: model.HostSourceSSHConfig, HostAlias: "db1",
	}, nil)

	var evt struct {
		Seq   uint64                    `json:"seq"`
		Topic events.Topic              `json:"topic"`
		Data  []model.SavedTunnelConfig `json:"data"`
	}
	if err := wsjson.Read(ctx, ws, &evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.Topic != events.TopicSavedTunnelsChanged || len(evt.Data) != 1 || evt.Data[0].Name != "socks" {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestEventHistory(t *testing.T) {
	f := newFixture(t)
	var resp startResponse
	f.do(t, http.MethodPost, "/api/v1/tunnels/dynamic", service.ForwardRequest{Alias: "db1", LocalPort: sshtest.FreePort(t), Password: "pw"}, &resp)
	if resp.Tunnel == nil {
		t.Fatalf("expected tunnel, got %+v", resp)
	}
	f.do(t, http.MethodDelete, "/api/v1/tunnels/"+resp.Tunnel.ID, nil, nil)

	deadline := time.Now().Add(5 * time.Second)
	for {
		var records []events.Record
		f.do(t, http.MethodGet, "/api/v1/events/history?tunnel="+resp.Tunnel.ID, nil, &records)
		if len(records) >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected active, stopping and stopped records, got %+v", records)
		}
		time.Sleep(20 * time.Millisecond)
	}

	var errBody errorBody
	if code := f.do(t, http.MethodGet, "/api/v1/events/history?limit=x", nil, &errBody); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", code)
	}
}
