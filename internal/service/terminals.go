package service

import (
	"context"

	"github.com/treykane/sshgate/internal/model"
	"github.com/treykane/sshgate/internal/sshclient"
)

// SessionRequest opens a remote shell on a registry host.
type SessionRequest struct {
	Alias        string `json:"alias"`
	Password     string `json:"password,omitempty"`
	SavePassword bool   `json:"savePassword,omitempty"`
	TrustHostKey bool   `json:"trustHostKey,omitempty"`
	Fingerprint  string `json:"fingerprint,omitempty"`
}

func (s *Service) StartRemoteSession(ctx context.Context, req SessionRequest) (model.TerminalSessionInfo, error) {
	host, err := s.registry.Get(req.Alias)
	if err != nil {
		return model.TerminalSessionInfo{}, err
	}
	auth := sshclient.AuthOptions{
		Password:            req.Password,
		TrustHostKey:        req.TrustHostKey,
		ExpectedFingerprint: req.Fingerprint,
	}
	conn, err := s.acquire(ctx, host, auth, req.Alias, req.SavePassword)
	if err != nil {
		return model.TerminalSessionInfo{}, err
	}
	defer s.pool.Release(conn)
	if pw := conn.AcceptedPassword(); pw != "" {
		auth.Password = pw
	}
	auth.CredentialKey = req.Alias
	return s.terminals.StartRemote(ctx, host, auth)
}

func (s *Service) StartLocalSession(ctx context.Context) (model.TerminalSessionInfo, error) {
	return s.terminals.StartLocal(ctx)
}

func (s *Service) ListSessions() []model.TerminalSessionInfo {
	return s.terminals.List()
}

func (s *Service) CloseSession(id string) error {
	return s.terminals.Close(id)
}
