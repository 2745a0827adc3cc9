package service

import (
	"context"
	"log/slog"

	"github.com/treykane/sshgate/internal/events"
	"github.com/treykane/sshgate/internal/model"
	"github.com/treykane/sshgate/internal/sshclient"
	"github.com/treykane/sshgate/internal/tunnel"
)

// ForwardRequest starts an ad-hoc tunnel on a registry host. RemoteHost and
// RemotePort are ignored for dynamic forwards.
type ForwardRequest struct {
	Alias        string `json:"alias"`
	LocalPort    int    `json:"localPort"`
	RemoteHost   string `json:"remoteHost,omitempty"`
	RemotePort   int    `json:"remotePort,omitempty"`
	Password     string `json:"password,omitempty"`
	SavePassword bool   `json:"savePassword,omitempty"`
	GatewayPorts bool   `json:"gatewayPorts"`
	TrustHostKey bool   `json:"trustHostKey,omitempty"`
	Fingerprint  string `json:"fingerprint,omitempty"`
}

func (r ForwardRequest) auth() sshclient.AuthOptions {
	return sshclient.AuthOptions{
		Password:            r.Password,
		TrustHostKey:        r.TrustHostKey,
		ExpectedFingerprint: r.Fingerprint,
	}
}

func (s *Service) ListActiveTunnels() []model.ActiveTunnelInfo {
	return s.tunnels.List()
}

func (s *Service) StartLocalForward(ctx context.Context, req ForwardRequest) (model.ActiveTunnelInfo, error) {
	return s.startForward(ctx, model.TunnelLocal, req)
}

func (s *Service) StartDynamicForward(ctx context.Context, req ForwardRequest) (model.ActiveTunnelInfo, error) {
	req.RemoteHost, req.RemotePort = "", 0
	return s.startForward(ctx, model.TunnelDynamic, req)
}

func (s *Service) startForward(ctx context.Context, typ model.TunnelType, req ForwardRequest) (model.ActiveTunnelInfo, error) {
	host, err := s.registry.Get(req.Alias)
	if err != nil {
		return model.ActiveTunnelInfo{}, err
	}
	return s.startTunnel(ctx, tunnel.Request{
		Host:         host,
		Type:         typ,
		LocalPort:    req.LocalPort,
		RemoteHost:   req.RemoteHost,
		RemotePort:   req.RemotePort,
		GatewayPorts: req.GatewayPorts,
		Auth:         req.auth(),
	}, req.Alias, req.SavePassword)
}

// startTunnel validates before dialing, then holds a connection reference
// across the engine start so the password accepted during the dial can be
// stored.
func (s *Service) startTunnel(ctx context.Context, req tunnel.Request, credKey string, save bool) (model.ActiveTunnelInfo, error) {
	if err := s.tunnels.Check(req); err != nil {
		return model.ActiveTunnelInfo{}, err
	}
	conn, err := s.acquire(ctx, req.Host, req.Auth, credKey, save)
	if err != nil {
		return model.ActiveTunnelInfo{}, err
	}
	defer s.pool.Release(conn)
	if pw := conn.AcceptedPassword(); pw != "" {
		req.Auth.Password = pw
	}
	req.Auth.CredentialKey = credKey
	return s.tunnels.Start(ctx, req)
}

func (s *Service) StopTunnel(id string) error {
	return s.tunnels.Stop(id)
}

// RestartTunnel reconnects a disconnected tunnel. An empty password keeps
// the one remembered from the original start.
func (s *Service) RestartTunnel(ctx context.Context, id, password string) (model.ActiveTunnelInfo, error) {
	return s.tunnels.Restart(ctx, id, sshclient.AuthOptions{Password: password})
}

func (s *Service) ListSavedTunnels() ([]model.SavedTunnelConfig, error) {
	return s.saved.List()
}

func (s *Service) GetSavedTunnel(id string) (model.SavedTunnelConfig, error) {
	return s.saved.Get(id)
}

func (s *Service) SaveTunnelConfig(cfg model.SavedTunnelConfig) (model.SavedTunnelConfig, error) {
	saved, err := s.saved.Save(cfg)
	if err != nil {
		return model.SavedTunnelConfig{}, err
	}
	s.savedChanged()
	return saved, nil
}

// DeleteTunnelConfig removes the config and the password stored under its
// id. Running instances keep running.
func (s *Service) DeleteTunnelConfig(id string) error {
	if err := s.saved.Delete(id); err != nil {
		return err
	}
	if err := s.creds.Delete(id); err != nil {
		slog.Warn("failed to delete stored password", "config", id, "error", err)
	}
	s.savedChanged()
	return nil
}

// DuplicateTunnelConfig copies a config under a new id. A manual config's
// stored password is copied with it.
func (s *Service) DuplicateTunnelConfig(id string) (model.SavedTunnelConfig, error) {
	dup, err := s.saved.Duplicate(id)
	if err != nil {
		return model.SavedTunnelConfig{}, err
	}
	if dup.HostSource == model.HostSourceManual {
		if secret, err := s.creds.Get(id); err == nil {
			if err := s.creds.Set(dup.ID, secret); err != nil {
				slog.Warn("failed to copy stored password", "config", dup.ID, "error", err)
			}
		}
	}
	s.savedChanged()
	return dup, nil
}

func (s *Service) ReorderSavedTunnels(ids []string) error {
	if err := s.saved.Reorder(ids); err != nil {
		return err
	}
	s.savedChanged()
	return nil
}

// StartFromConfigOptions carries the optional arguments of
// StartTunnelFromConfig.
type StartFromConfigOptions struct {
	Password     string `json:"password,omitempty"`
	SavePassword bool   `json:"savePassword,omitempty"`
	TrustHostKey bool   `json:"trustHostKey,omitempty"`
	Fingerprint  string `json:"fingerprint,omitempty"`
}

// StartTunnelFromConfig starts the saved config id. If an instance of it is
// already active that instance is returned.
func (s *Service) StartTunnelFromConfig(ctx context.Context, id string, opts StartFromConfigOptions) (model.ActiveTunnelInfo, error) {
	cfg, err := s.saved.Get(id)
	if err != nil {
		return model.ActiveTunnelInfo{}, err
	}
	host, err := s.hostFor(cfg)
	if err != nil {
		return model.ActiveTunnelInfo{}, err
	}
	for _, t := range s.tunnels.List() {
		if t.ConfigID == cfg.ID && t.Status == model.TunnelActive {
			return t, nil
		}
	}
	req := tunnel.Request{
		ConfigID:     cfg.ID,
		Host:         host,
		Type:         cfg.TunnelType,
		LocalPort:    cfg.LocalPort,
		RemoteHost:   cfg.RemoteHost,
		RemotePort:   cfg.RemotePort,
		GatewayPorts: cfg.GatewayPorts,
		Auth: sshclient.AuthOptions{
			Password:            opts.Password,
			TrustHostKey:        opts.TrustHostKey,
			ExpectedFingerprint: opts.Fingerprint,
		},
	}
	return s.startTunnel(ctx, req, cfg.CredentialKey(), opts.SavePassword)
}

// hostFor resolves the SSH endpoint of a saved config. Manual hosts are named
// after the config.
func (s *Service) hostFor(cfg model.SavedTunnelConfig) (model.Host, error) {
	if cfg.HostSource == model.HostSourceSSHConfig {
		return s.registry.Get(cfg.HostAlias)
	}
	m := cfg.ManualHost
	return model.Host{
		Alias:        cfg.Name,
		HostName:     m.HostName,
		Port:         m.Port,
		User:         m.User,
		IdentityFile: m.IdentityFile,
	}, nil
}

func (s *Service) savedChanged() {
	list, err := s.saved.List()
	if err != nil {
		slog.Warn("failed to list saved tunnels after change", "error", err)
		s.bus.Publish(events.TopicSavedTunnelsChanged, nil)
		return
	}
	s.bus.Publish(events.TopicSavedTunnelsChanged, list)
}
