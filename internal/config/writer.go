package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/treykane/sshgate/internal/model"
	"github.com/treykane/sshgate/internal/util"
)

// managedKeys are the directives rewritten from model.Host on save. Any other
// directive inside an edited block is preserved as written.
var managedKeys = map[string]bool{
	"hostname":     true,
	"user":         true,
	"port":         true,
	"identityfile": true,
	"proxyjump":    true,
	"localforward": true,
}

// FormatHostBlock produces an SSH config Host block from the given host.
// Only non-empty, non-default fields are included.
func FormatHostBlock(entry model.Host) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Host %s\n", entry.Alias))
	for _, line := range directiveLines(entry) {
		b.WriteString(line + "\n")
	}
	return b.String()
}

func directiveLines(entry model.Host) []string {
	var out []string
	if entry.HostName != "" && entry.HostName != entry.Alias {
		out = append(out, "  HostName "+entry.HostName)
	}
	if entry.User != "" {
		out = append(out, "  User "+entry.User)
	}
	if entry.Port != 0 && entry.Port != 22 {
		out = append(out, fmt.Sprintf("  Port %d", entry.Port))
	}
	if entry.IdentityFile != "" {
		out = append(out, "  IdentityFile "+collapseHome(entry.IdentityFile))
	}
	if entry.ProxyJump != "" {
		out = append(out, "  ProxyJump "+entry.ProxyJump)
	}
	for _, fwd := range entry.Forwards {
		local := util.JoinHostPort(util.NormalizeAddr(fwd.LocalAddr, util.LoopbackHost), fwd.LocalPort)
		remote := util.JoinHostPort(fwd.RemoteString(), fwd.RemotePort)
		out = append(out, fmt.Sprintf("  LocalForward %s %s", local, remote))
	}
	return out
}

// ValidateAlias checks the syntax of a proposed alias. Uniqueness is checked
// by the Registry at write time.
func ValidateAlias(alias string) error {
	if strings.TrimSpace(alias) == "" {
		return fmt.Errorf("alias cannot be empty")
	}
	if strings.ContainsAny(alias, " \t*?!#\"") {
		return fmt.Errorf("alias cannot contain spaces or wildcard characters")
	}
	return nil
}

// atomicWriteFile replaces path with data through a temp file in the same
// directory, keeping the previous file intact on any failure.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	perm := os.FileMode(0o600)
	if st, err := os.Stat(path); err == nil {
		perm = st.Mode().Perm()
	}
	tmp, err := os.CreateTemp(dir, ".sshgate-config-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func collapseHome(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if strings.HasPrefix(path, home+string(filepath.Separator)) {
		return "~" + path[len(home):]
	}
	return path
}
