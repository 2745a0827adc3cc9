package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/treykane/sshgate/internal/model"
	"github.com/treykane/sshgate/internal/security"
	"github.com/treykane/sshgate/internal/sshclient"
)

// ConnectRequest is one connect attempt. Password and TrustHostKey are
// normally only set when re-invoking after a ConnectionResult asked for them.
type ConnectRequest struct {
	Alias        string `json:"alias"`
	Password     string `json:"password,omitempty"`
	SavePassword bool   `json:"savePassword,omitempty"`
	TrustHostKey bool   `json:"trustHostKey,omitempty"`
	// Fingerprint is the host key fingerprint the user accepted.
	Fingerprint string `json:"fingerprint,omitempty"`
}

func (r ConnectRequest) auth() sshclient.AuthOptions {
	return sshclient.AuthOptions{
		Password:            r.Password,
		TrustHostKey:        r.TrustHostKey,
		ExpectedFingerprint: r.Fingerprint,
	}
}

// Decision reports whether err is an auth or host-key decision point and
// returns it as a ConnectionResult.
func Decision(err error) (model.ConnectionResult, bool) {
	var pw *sshclient.PasswordRequiredError
	if errors.As(err, &pw) {
		info := pw.Info()
		return model.ConnectionResult{PasswordRequired: &info}, true
	}
	var hk *sshclient.HostKeyVerificationRequiredError
	if errors.As(err, &hk) {
		info := hk.Info()
		return model.ConnectionResult{HostKeyVerificationRequired: &info}, true
	}
	return model.ConnectionResult{}, false
}

// Result folds err into a ConnectionResult.
func (s *Service) Result(err error) model.ConnectionResult {
	if err == nil {
		return model.ConnectionResult{Success: true}
	}
	if r, ok := Decision(err); ok {
		return r
	}
	return model.ConnectionResult{ErrorMessage: s.UserMessage(err)}
}

// UserMessage renders err for display, redacted when configured.
func (s *Service) UserMessage(err error) string {
	return security.UserMessage(err, s.redact)
}

// Connect verifies that alias can be reached and authenticated with the
// stored credentials. The connection stays pooled for the configured idle
// linger so a following tunnel or terminal start reuses it.
func (s *Service) Connect(ctx context.Context, alias string) model.ConnectionResult {
	return s.ConnectWith(ctx, ConnectRequest{Alias: alias})
}

// ConnectWithPassword retries with password, storing it once the server
// accepts it when savePassword is set.
func (s *Service) ConnectWithPassword(ctx context.Context, alias, password string, savePassword bool) model.ConnectionResult {
	return s.ConnectWith(ctx, ConnectRequest{Alias: alias, Password: password, SavePassword: savePassword})
}

// ConnectAndTrustHost records the presented host key and connects. A
// non-empty fingerprint restricts trust to that key.
func (s *Service) ConnectAndTrustHost(ctx context.Context, alias, password string, savePassword bool, fingerprint string) model.ConnectionResult {
	return s.ConnectWith(ctx, ConnectRequest{
		Alias:        alias,
		Password:     password,
		SavePassword: savePassword,
		TrustHostKey: true,
		Fingerprint:  fingerprint,
	})
}

func (s *Service) ConnectWith(ctx context.Context, req ConnectRequest) model.ConnectionResult {
	host, err := s.registry.Get(req.Alias)
	if err != nil {
		return s.Result(err)
	}
	conn, err := s.acquire(ctx, host, req.auth(), req.Alias, req.SavePassword)
	if err != nil {
		slog.Debug("connect failed", "alias", req.Alias, "kind", model.KindOf(err), "error", err)
		return s.Result(err)
	}
	s.pool.Release(conn)
	return model.ConnectionResult{Success: true}
}

// acquire dials or reuses a connection. On success the password the server
// accepted is stored under credKey when save is set, and history is
// recorded for registry hosts.
func (s *Service) acquire(ctx context.Context, host model.Host, auth sshclient.AuthOptions, credKey string, save bool) (*sshclient.Conn, error) {
	if auth.CredentialKey == "" {
		auth.CredentialKey = credKey
	}
	conn, err := s.pool.Acquire(ctx, host, auth)
	if err != nil {
		return nil, err
	}
	if pw := conn.AcceptedPassword(); save && pw != "" {
		if err := s.creds.Set(credKey, pw); err != nil {
			slog.Warn("failed to save password", "key", credKey, "error", err)
		} else {
			s.credentialChanged(credKey)
		}
	}
	if credKey == host.Alias {
		s.touchHistory(host.Alias)
	}
	return conn, nil
}

func (s *Service) touchHistory(alias string) {
	if s.history == nil {
		return
	}
	if err := s.history.Touch(alias); err != nil {
		slog.Debug("failed to update history", "alias", alias, "error", err)
	}
}
