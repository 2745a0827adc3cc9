// Package doctor runs local diagnostics over the hosts file, saved tunnels,
// running tunnels and the security posture of the installation.
package doctor

import (
	"fmt"
	"os"
	"sort"

	"github.com/treykane/sshgate/internal/appconfig"
	"github.com/treykane/sshgate/internal/credential"
	"github.com/treykane/sshgate/internal/model"
	"github.com/treykane/sshgate/internal/security"
	"github.com/treykane/sshgate/internal/util"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type Report struct {
	Issues []Issue `json:"issues"`
}

// Source is the state doctor inspects. *service.Service implements it.
type Source interface {
	ListHosts() ([]model.Host, error)
	HostWarnings() []string
	ListSavedTunnels() ([]model.SavedTunnelConfig, error)
	ListActiveTunnels() []model.ActiveTunnelInfo
}

// Run executes local diagnostics for sshgate operations.
func Run(cfg appconfig.Config, src Source) (Report, error) {
	issues := []Issue{}

	hostsFile, _ := cfg.HostsFilePath()
	hosts, err := src.ListHosts()
	if err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "hosts-file",
			Target:         hostsFile,
			Message:        err.Error(),
			Recommendation: "make the ssh config file readable or set hosts_file in config.yaml",
		})
	}
	for _, w := range src.HostWarnings() {
		issues = append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "config-warning",
			Target:         hostsFile,
			Message:        w,
			Recommendation: "fix malformed/unsupported SSH config directives",
		})
	}
	issues = append(issues, identityIssues(hosts)...)

	saved, err := src.ListSavedTunnels()
	if err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "saved-tunnels",
			Target:         "database",
			Message:        err.Error(),
			Recommendation: "check database_path in config.yaml and the file's permissions",
		})
	}
	issues = append(issues, duplicateBindIssues(hosts, saved)...)
	issues = append(issues, danglingAliasIssues(hosts, saved)...)

	for _, t := range src.ListActiveTunnels() {
		if t.Status != model.TunnelDisconnected {
			continue
		}
		issues = append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "tunnel-disconnected",
			Target:         t.ID,
			Message:        fmt.Sprintf("tunnel %s via %s is disconnected: %s", t.LocalAddr, t.Alias, util.EmptyDash(t.StatusMsg)),
			Recommendation: "restart the tunnel or stop it to release the local port",
		})
	}

	if cfg.Security.HostKeyPolicy == appconfig.HostKeyPolicyStrict {
		if kh, err := cfg.KnownHostsPath(); err == nil {
			if _, err := os.Stat(kh); os.IsNotExist(err) {
				issues = append(issues, Issue{
					Severity:       SeverityLow,
					Check:          "known-hosts",
					Target:         kh,
					Message:        "no host keys trusted yet",
					Recommendation: "first connections will ask to confirm each host key fingerprint",
				})
			}
		}
	}

	if cfg.Credentials.Backend == appconfig.CredentialBackendKeyring {
		if err := credential.NewKeyringStore(credential.ServiceName).Probe(); err != nil {
			issues = append(issues, Issue{
				Severity:       SeverityLow,
				Check:          "credential-backend",
				Target:         "keyring",
				Message:        "os keyring unavailable; passwords are kept in the encrypted file store",
				Recommendation: "start a secret service or set credentials.backend to file",
			})
		}
	}

	if audit, err := security.RunLocalAudit(cfg); err == nil {
		for _, f := range audit.Findings {
			issues = append(issues, Issue{
				Severity:       Severity(f.Severity),
				Check:          "security-audit",
				Target:         f.Target,
				Message:        f.Message,
				Recommendation: f.Recommendation,
			})
		}
	}

	sort.Slice(issues, func(i, j int) bool {
		ri := severityRank(issues[i].Severity)
		rj := severityRank(issues[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if issues[i].Check != issues[j].Check {
			return issues[i].Check < issues[j].Check
		}
		if issues[i].Target != issues[j].Target {
			return issues[i].Target < issues[j].Target
		}
		return issues[i].Message < issues[j].Message
	})
	return Report{Issues: issues}, nil
}

// duplicateBindIssues reports local endpoints claimed by more than one
// LocalForward or saved tunnel.
func duplicateBindIssues(hosts []model.Host, saved []model.SavedTunnelConfig) []Issue {
	seen := map[string][]string{}
	for _, h := range hosts {
		for _, fwd := range h.Forwards {
			key := util.JoinHostPort(util.NormalizeAddr(fwd.LocalAddr, util.LoopbackHost), fwd.LocalPort)
			seen[key] = append(seen[key], "host "+h.Alias)
		}
	}
	for _, c := range saved {
		key := util.JoinHostPort(util.BindHost(c.GatewayPorts), c.LocalPort)
		seen[key] = append(seen[key], "saved tunnel "+c.Name)
	}
	var issues []Issue
	for bind, refs := range seen {
		if len(refs) < 2 {
			continue
		}
		sort.Strings(refs)
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "duplicate-local-bind",
			Target:         bind,
			Message:        fmt.Sprintf("local bind is configured %d times (%v)", len(refs), refs),
			Recommendation: "use unique local ports per forward to avoid tunnel startup conflicts",
		})
	}
	return issues
}

func danglingAliasIssues(hosts []model.Host, saved []model.SavedTunnelConfig) []Issue {
	known := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		known[h.Alias] = true
	}
	var issues []Issue
	for _, c := range saved {
		if c.HostSource != model.HostSourceSSHConfig || known[c.HostAlias] {
			continue
		}
		issues = append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "saved-tunnel-host",
			Target:         c.Name,
			Message:        fmt.Sprintf("saved tunnel references unknown host %q", c.HostAlias),
			Recommendation: "re-create the host block or point the saved tunnel at another host",
		})
	}
	return issues
}

func identityIssues(hosts []model.Host) []Issue {
	var issues []Issue
	for _, h := range hosts {
		if h.IdentityFile == "" {
			continue
		}
		if _, err := os.Stat(h.IdentityFile); os.IsNotExist(err) {
			issues = append(issues, Issue{
				Severity:       SeverityMedium,
				Check:          "identity-file",
				Target:         h.Alias,
				Message:        fmt.Sprintf("identity file %s does not exist", h.IdentityFile),
				Recommendation: "fix IdentityFile or remove it to fall back to the agent and default keys",
			})
		}
	}
	return issues
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}
