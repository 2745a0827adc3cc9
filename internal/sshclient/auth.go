package sshclient

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/treykane/sshgate/internal/credential"
	"github.com/treykane/sshgate/internal/model"
)

var defaultIdentityFiles = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// identitySigners loads the host's IdentityFile, or the default keys under
// ~/.ssh when none is configured. Passphrase-protected keys are skipped;
// those are served through the agent.
func identitySigners(host model.Host) []ssh.Signer {
	var paths []string
	if host.IdentityFile != "" {
		paths = []string{expandHome(host.IdentityFile)}
	} else if home, err := os.UserHomeDir(); err == nil {
		for _, name := range defaultIdentityFiles {
			paths = append(paths, filepath.Join(home, ".ssh", name))
		}
	}
	var signers []ssh.Signer
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			if host.IdentityFile != "" {
				slog.Warn("identity file unreadable", "alias", host.Alias, "path", p, "error", err)
			}
			continue
		}
		s, err := ssh.ParsePrivateKey(b)
		if err != nil {
			var pm *ssh.PassphraseMissingError
			if errors.As(err, &pm) {
				slog.Debug("skipping passphrase-protected key", "path", p)
			} else {
				slog.Warn("identity file invalid", "alias", host.Alias, "path", p, "error", err)
			}
			continue
		}
		signers = append(signers, s)
	}
	return signers
}

// dialAgent connects to SSH_AUTH_SOCK. The returned conn must stay open for
// the duration of the handshake.
func dialAgent() (agent.ExtendedAgent, net.Conn) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, nil
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		slog.Debug("ssh agent unavailable", "error", err)
		return nil, nil
	}
	return agent.NewClient(conn), conn
}

// passwordCandidates orders the stored credential before the explicit
// password and drops empties and repeats.
func passwordCandidates(store credential.Store, key, explicit string) []string {
	var out []string
	if store != nil && key != "" {
		if pw, err := store.Get(key); err == nil && pw != "" {
			out = append(out, pw)
		} else if err != nil && !errors.Is(err, credential.ErrNotFound) {
			slog.Warn("credential lookup failed", "key", key, "error", err)
		}
	}
	if explicit != "" && (len(out) == 0 || out[0] != explicit) {
		out = append(out, explicit)
	}
	return out
}

// passwordAuth hands out candidates in order to the password and
// keyboard-interactive methods, each with its own cursor, and remembers the
// last one offered.
type passwordAuth struct {
	mu         sync.Mutex
	candidates []string
	last       string
	attempted  bool
}

func (a *passwordAuth) offer(cursor *int) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := *cursor
	if i >= len(a.candidates) {
		i = len(a.candidates) - 1
	}
	*cursor++
	a.last = a.candidates[i]
	a.attempted = true
	return a.last
}

func (a *passwordAuth) methods() []ssh.AuthMethod {
	if len(a.candidates) == 0 {
		return nil
	}
	var pwCursor, kbCursor int
	n := len(a.candidates)
	return []ssh.AuthMethod{
		ssh.RetryableAuthMethod(ssh.PasswordCallback(func() (string, error) {
			return a.offer(&pwCursor), nil
		}), n),
		ssh.RetryableAuthMethod(ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			if len(questions) == 0 {
				return nil, nil
			}
			pw := a.offer(&kbCursor)
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = pw
			}
			return answers, nil
		}), n),
	}
}

func (a *passwordAuth) result() (last string, attempted bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last, a.attempted
}

func isAuthFailure(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
