package ui

import (
	"context"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/treykane/sshgate/internal/appconfig"
	"github.com/treykane/sshgate/internal/events"
	"github.com/treykane/sshgate/internal/model"
	"github.com/treykane/sshgate/internal/service"
	"github.com/treykane/sshgate/internal/sshclient"
)

type fakeBackend struct {
	bus     *events.Bus
	hosts   []model.Host
	recent  []model.Host
	added   []model.Host
	tunnels []model.ActiveTunnelInfo
	starts  []service.ForwardRequest
	stopped []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		bus: events.NewBus(8),
		hosts: []model.Host{
			{Alias: "api", HostName: "10.0.0.5", Forwards: []model.ForwardSpec{{LocalPort: 9501, RemoteAddr: "localhost", RemotePort: 80}}},
			{Alias: "db", HostName: "db.internal"},
			{Alias: "cache", HostName: "10.0.0.9"},
		},
	}
}

func (f *fakeBackend) ListHosts() ([]model.Host, error)   { return f.hosts, nil }
func (f *fakeBackend) RecentHosts() ([]model.Host, error) { return f.recent, nil }
func (f *fakeBackend) HostWarnings() []string             { return nil }
func (f *fakeBackend) SaveHost(h model.Host, _ string) (model.Host, error) {
	f.added = append(f.added, h)
	return h, nil
}
func (f *fakeBackend) ListActiveTunnels() []model.ActiveTunnelInfo { return f.tunnels }
func (f *fakeBackend) StopTunnel(id string) error {
	f.stopped = append(f.stopped, id)
	return nil
}
func (f *fakeBackend) ListSavedTunnels() ([]model.SavedTunnelConfig, error) { return nil, nil }
func (f *fakeBackend) StartTunnelFromConfig(context.Context, string, service.StartFromConfigOptions) (model.ActiveTunnelInfo, error) {
	return model.ActiveTunnelInfo{}, model.NotFound("start", "no saved tunnels")
}
func (f *fakeBackend) UserMessage(err error) string { return err.Error() }
func (f *fakeBackend) Bus() *events.Bus            { return f.bus }

// StartLocalForward wants the host key trusted and then password "pw".
func (f *fakeBackend) StartLocalForward(_ context.Context, req service.ForwardRequest) (model.ActiveTunnelInfo, error) {
	f.starts = append(f.starts, req)
	if !req.TrustHostKey {
		return model.ActiveTunnelInfo{}, &sshclient.HostKeyVerificationRequiredError{Alias: req.Alias, Fingerprint: "SHA256:abc", HostAddress: "10.0.0.5:22"}
	}
	if req.Password != "pw" {
		return model.ActiveTunnelInfo{}, &sshclient.PasswordRequiredError{Alias: req.Alias, Retry: req.Password != "", Message: "password required"}
	}
	info := model.ActiveTunnelInfo{ID: "t1", Alias: req.Alias, Type: model.TunnelLocal, LocalAddr: "127.0.0.1:9501", RemoteAddr: "localhost:80", Status: model.TunnelActive}
	f.tunnels = append(f.tunnels, info)
	return info, nil
}

func runes(s string) tea.KeyMsg { return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)} }

// press feeds msg to m and runs any returned command once, feeding its
// result back.
func press(t *testing.T, m dashboardModel, msg tea.Msg) dashboardModel {
	t.Helper()
	next, cmd := m.Update(msg)
	m = next.(dashboardModel)
	if cmd == nil {
		return m
	}
	if out := cmd(); out != nil {
		if _, ok := out.(actionMsg); ok {
			next, _ = m.Update(out)
			m = next.(dashboardModel)
		}
	}
	return m
}

// typeText feeds text to the focused input without running the cursor
// blink command it returns.
func typeText(m dashboardModel, s string) dashboardModel {
	next, _ := m.Update(runes(s))
	return next.(dashboardModel)
}

func TestApplyFilterMatchesAliasAndHostName(t *testing.T) {
	m := newDashboard(appconfig.Default(), newFakeBackend())
	defer m.sub.Close()

	m.filter = "internal"
	m.applyFilter()
	if len(m.filtered) != 1 || m.filtered[0].Alias != "db" {
		t.Fatalf("unexpected filtered hosts: %+v", m.filtered)
	}
	m.filter = "API"
	m.applyFilter()
	if len(m.filtered) != 1 || m.filtered[0].Alias != "api" {
		t.Fatalf("filter should be case-insensitive: %+v", m.filtered)
	}
}

func TestRecentFirstToggle(t *testing.T) {
	b := newFakeBackend()
	b.recent = []model.Host{b.hosts[2], b.hosts[0], b.hosts[1]}
	m := newDashboard(appconfig.Default(), b)
	defer m.sub.Close()

	m = press(t, m, runes("o"))
	if !m.recentFirst || m.filtered[0].Alias != "cache" {
		t.Fatalf("expected most recent host first, got %+v", m.filtered)
	}
	m = press(t, m, runes("o"))
	if m.filtered[0].Alias != "api" {
		t.Fatalf("expected config order restored, got %+v", m.filtered)
	}
}

func TestTunnelToggleWithPrompts(t *testing.T) {
	b := newFakeBackend()
	m := newDashboard(appconfig.Default(), b)
	defer m.sub.Close()

	m = press(t, m, runes("t"))
	if m.prompt == nil || m.prompt.result.HostKeyVerificationRequired == nil {
		t.Fatalf("expected host key prompt, status=%q", m.status)
	}

	m = press(t, m, runes("y"))
	if m.prompt == nil || m.prompt.result.PasswordRequired == nil {
		t.Fatalf("expected password prompt, status=%q", m.status)
	}
	if m.prompt.result.PasswordRequired.Retry {
		t.Fatal("first password prompt should not be a retry")
	}

	m = typeText(m, "pw")
	m = press(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if m.prompt != nil {
		t.Fatal("prompt should be dismissed after a successful start")
	}
	if len(m.tunnels) != 1 {
		t.Fatalf("expected active tunnel, got %+v (status %q)", m.tunnels, m.status)
	}
	last := b.starts[len(b.starts)-1]
	if !last.TrustHostKey || last.Fingerprint != "SHA256:abc" || last.Password != "pw" {
		t.Fatalf("answers not carried into retry: %+v", last)
	}
	if last.LocalPort != 9501 || last.RemoteHost != "localhost" || last.RemotePort != 80 {
		t.Fatalf("unexpected forward request: %+v", last)
	}

	// Second toggle stops the tunnel it started.
	m = press(t, m, runes("t"))
	if len(b.stopped) != 1 || b.stopped[0] != "t1" {
		t.Fatalf("expected t1 stopped, got %v", b.stopped)
	}
}

func TestPromptEscCancels(t *testing.T) {
	b := newFakeBackend()
	m := newDashboard(appconfig.Default(), b)
	defer m.sub.Close()

	m = press(t, m, runes("t"))
	m = press(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	if m.prompt != nil || m.status != "Cancelled" {
		t.Fatalf("expected cancelled prompt, status=%q", m.status)
	}
	if len(b.starts) != 1 {
		t.Fatalf("cancel must not retry: %d starts", len(b.starts))
	}
}

func TestHostWithoutForwards(t *testing.T) {
	m := newDashboard(appconfig.Default(), newFakeBackend())
	defer m.sub.Close()
	m = press(t, m, runes("j"))
	next, cmd := m.Update(runes("t"))
	m = next.(dashboardModel)
	if cmd == nil {
		t.Fatal("expected status command")
	}
	next, _ = m.Update(cmd())
	m = next.(dashboardModel)
	if m.status != "No LocalForward entries for host db" {
		t.Fatalf("unexpected status %q", m.status)
	}
}

func TestHostConfigEventReloads(t *testing.T) {
	b := newFakeBackend()
	m := newDashboard(appconfig.Default(), b)
	defer m.sub.Close()

	b.hosts = append(b.hosts, model.Host{Alias: "new", HostName: "10.0.0.10"})
	next, cmd := m.Update(eventMsg(events.Event{Topic: events.TopicHostConfigUpdated}))
	m = next.(dashboardModel)
	if len(m.hosts) != 4 {
		t.Fatalf("expected reload to pick up new host, got %d", len(m.hosts))
	}
	if cmd == nil {
		t.Fatal("expected the dashboard to keep waiting for events")
	}
}

func TestViewRendersPanels(t *testing.T) {
	m := newDashboard(appconfig.Default(), newFakeBackend())
	defer m.sub.Close()
	out := m.View()
	for _, want := range []string{"Hosts", "Details", "Active Tunnels", "api"} {
		if !strings.Contains(out, want) {
			t.Fatalf("view missing %q", want)
		}
	}
	m.pane = paneSaved
	if !strings.Contains(m.View(), "Saved Tunnels") {
		t.Fatal("saved pane not rendered")
	}
}

