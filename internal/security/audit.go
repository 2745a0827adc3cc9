package security

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/treykane/sshgate/internal/appconfig"
	"github.com/treykane/sshgate/internal/config"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Finding struct {
	Severity       Severity `json:"severity"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type AuditReport struct {
	Findings []Finding `json:"findings"`
}

func (r AuditReport) HasHigh() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// pathRule is the broadest permission a file or directory may carry.
type pathRule struct {
	path string
	max  os.FileMode
	file bool
}

// RunLocalAudit inspects the policy settings in cfg and the permissions of
// the files sshgate reads secrets and trust decisions from.
func RunLocalAudit(cfg appconfig.Config) (AuditReport, error) {
	findings := policyFindings(cfg.Security, cfg.Credentials.Backend)

	rules, err := pathRules(cfg)
	if err != nil {
		return AuditReport{}, err
	}
	for _, r := range rules {
		checkPathPerm(&findings, r.path, r.max, r.file)
	}

	sort.Slice(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Severity != b.Severity {
			return severityRank(a.Severity) > severityRank(b.Severity)
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.Message < b.Message
	})
	return AuditReport{Findings: findings}, nil
}

func policyFindings(sec appconfig.SecurityConfig, backend appconfig.CredentialBackend) []Finding {
	var out []Finding
	add := func(sev Severity, msg, rec string) {
		out = append(out, Finding{Severity: sev, Target: "config.yaml", Message: msg, Recommendation: rec})
	}
	if sec.BindPolicy == appconfig.BindPolicyAllowPublic {
		add(SeverityLow, "tunnels with gateway ports enabled bind on all interfaces",
			"set security.bind_policy to loopback-only if forwards should stay local")
	}
	switch sec.HostKeyPolicy {
	case appconfig.HostKeyPolicyInsecure:
		add(SeverityHigh, "host key policy is insecure",
			"set security.host_key_policy to strict or accept-new")
	case appconfig.HostKeyPolicyAcceptNew:
		add(SeverityLow, "unknown host keys are trusted without confirmation",
			"set security.host_key_policy to strict")
	}
	if !sec.RedactErrors {
		add(SeverityLow, "error messages may include local paths and addresses",
			"set security.redact_errors to true")
	}
	if backend == appconfig.CredentialBackendFile {
		add(SeverityMedium, "passwords are stored in a file next to its encryption key",
			"use credentials.backend keyring where an OS keychain is available")
	}
	return out
}

// pathRules lists the hosts file and its directory, sshgate's own state
// files, and every distinct IdentityFile the hosts file names.
func pathRules(cfg appconfig.Config) ([]pathRule, error) {
	hostsFile, err := cfg.HostsFilePath()
	if err != nil {
		return nil, err
	}
	rules := []pathRule{
		{filepath.Dir(hostsFile), 0o700, false},
		{hostsFile, 0o600, true},
	}
	if dir, err := appconfig.ConfigDir(); err == nil {
		rules = append(rules,
			pathRule{dir, 0o700, false},
			pathRule{filepath.Join(dir, "config.yaml"), 0o600, true},
			pathRule{filepath.Join(dir, "credentials.key"), 0o600, true},
			pathRule{filepath.Join(dir, "credentials.enc"), 0o600, true},
		)
	}
	if kh, err := cfg.KnownHostsPath(); err == nil {
		rules = append(rules, pathRule{kh, 0o644, true})
	}
	if db, err := cfg.DatabaseFilePath(); err == nil {
		rules = append(rules, pathRule{db, 0o600, true})
	}
	if res, err := config.ParseFile(hostsFile); err == nil {
		seen := map[string]bool{}
		for _, h := range res.Hosts {
			id := strings.TrimSpace(h.IdentityFile)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			rules = append(rules, pathRule{id, 0o600, true})
		}
	}
	return rules, nil
}

func checkPathPerm(findings *[]Finding, path string, max os.FileMode, isFile bool) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityLow,
			Target:         path,
			Message:        fmt.Sprintf("unable to inspect permissions: %v", err),
			Recommendation: "verify path and permissions manually",
		})
		return
	}
	mode := st.Mode().Perm()
	if mode&^max != 0 {
		kind := "directory"
		if isFile {
			kind = "file"
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityMedium,
			Target:         path,
			Message:        fmt.Sprintf("%s permissions are too broad (%#o)", kind, mode),
			Recommendation: fmt.Sprintf("restrict permissions to %#o or tighter", max),
		})
	}
}
