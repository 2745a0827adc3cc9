package doctor

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/treykane/sshgate/internal/appconfig"
	"github.com/treykane/sshgate/internal/model"
)

type fakeSource struct {
	hosts    []model.Host
	hostsErr error
	warnings []string
	saved    []model.SavedTunnelConfig
	active   []model.ActiveTunnelInfo
}

func (f fakeSource) ListHosts() ([]model.Host, error) { return f.hosts, f.hostsErr }
func (f fakeSource) HostWarnings() []string           { return f.warnings }
func (f fakeSource) ListSavedTunnels() ([]model.SavedTunnelConfig, error) {
	return f.saved, nil
}
func (f fakeSource) ListActiveTunnels() []model.ActiveTunnelInfo { return f.active }

func testConfig(t *testing.T) appconfig.Config {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg := appconfig.Default()
	cfg.HostsFile = filepath.Join(home, ".ssh", "config")
	cfg.Credentials.Backend = appconfig.CredentialBackendFile
	return cfg
}

func hasCheck(r Report, check, target string) bool {
	for _, issue := range r.Issues {
		if issue.Check == check && (target == "" || issue.Target == target) {
			return true
		}
	}
	return false
}

func TestRunIncludesDuplicateBindIssue(t *testing.T) {
	cfg := testConfig(t)
	src := fakeSource{
		hosts: []model.Host{
			{Alias: "api", HostName: "127.0.0.1", Forwards: []model.ForwardSpec{{LocalAddr: "127.0.0.1", LocalPort: 9601, RemotePort: 80}}},
			{Alias: "db", HostName: "127.0.0.1"},
		},
		saved: []model.SavedTunnelConfig{
			{Name: "pg", TunnelType: model.TunnelLocal, LocalPort: 9601, HostSource: model.HostSourceSSHConfig, HostAlias: "db"},
		},
	}
	report, err := Run(cfg, src)
	if err != nil {
		t.Fatal(err)
	}
	if !hasCheck(report, "duplicate-local-bind", "127.0.0.1:9601") {
		t.Fatalf("expected duplicate-local-bind issue, got %+v", report.Issues)
	}
	if report.Issues[0].Severity != SeverityHigh {
		t.Fatalf("issues not sorted by severity: %+v", report.Issues)
	}
}

func TestRunFlagsDanglingAliasAndDisconnectedTunnel(t *testing.T) {
	cfg := testConfig(t)
	src := fakeSource{
		hosts:    []model.Host{{Alias: "api", IdentityFile: filepath.Join(t.TempDir(), "missing_key")}},
		warnings: []string{"line 4: unsupported directive"},
		saved: []model.SavedTunnelConfig{
			{Name: "old", TunnelType: model.TunnelDynamic, LocalPort: 1080, HostSource: model.HostSourceSSHConfig, HostAlias: "gone"},
		},
		active: []model.ActiveTunnelInfo{
			{ID: "t1", Alias: "api", LocalAddr: "127.0.0.1:9000", Status: model.TunnelDisconnected, StatusMsg: "connection lost"},
			{ID: "t2", Alias: "api", LocalAddr: "127.0.0.1:9001", Status: model.TunnelActive},
		},
	}
	report, err := Run(cfg, src)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []struct{ check, target string }{
		{"saved-tunnel-host", "old"},
		{"tunnel-disconnected", "t1"},
		{"identity-file", "api"},
		{"config-warning", ""},
		{"known-hosts", ""},
	} {
		if !hasCheck(report, want.check, want.target) {
			t.Errorf("missing %s issue for %q in %+v", want.check, want.target, report.Issues)
		}
	}
	if hasCheck(report, "tunnel-disconnected", "t2") {
		t.Fatal("active tunnel reported as disconnected")
	}
}

func TestRunHostsFileError(t *testing.T) {
	cfg := testConfig(t)
	report, err := Run(cfg, fakeSource{hostsErr: errors.New("permission denied")})
	if err != nil {
		t.Fatal(err)
	}
	if !hasCheck(report, "hosts-file", "") {
		t.Fatalf("expected hosts-file issue, got %+v", report.Issues)
	}
}

func TestRunJSONShapeDeterministic(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.HostKeyPolicy = appconfig.HostKeyPolicyAcceptNew
	first, err := Run(cfg, fakeSource{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := Run(cfg, fakeSource{})
	if err != nil {
		t.Fatal(err)
	}
	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Fatalf("report not deterministic:\n%s\n%s", a, b)
	}
	var decoded map[string]any
	if err := json.Unmarshal(a, &decoded); err != nil {
		t.Fatal(err)
	}
	if _, ok := decoded["issues"]; !ok {
		t.Fatalf("expected issues key in json output: %s", a)
	}
}
