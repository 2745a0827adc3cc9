// Package service is the operation surface shared by the HTTP API, the CLI
// and the dashboard. It composes the registry, credential store, connection
// pool, tunnel engine, terminal manager and saved stores and publishes the
// change notifications UI subscribers depend on.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/treykane/sshgate/internal/appconfig"
	"github.com/treykane/sshgate/internal/bundle"
	"github.com/treykane/sshgate/internal/config"
	"github.com/treykane/sshgate/internal/credential"
	"github.com/treykane/sshgate/internal/events"
	"github.com/treykane/sshgate/internal/history"
	"github.com/treykane/sshgate/internal/hostkeys"
	"github.com/treykane/sshgate/internal/model"
	"github.com/treykane/sshgate/internal/savedtunnel"
	"github.com/treykane/sshgate/internal/sshclient"
	"github.com/treykane/sshgate/internal/terminal"
	"github.com/treykane/sshgate/internal/tunnel"
)

// Deps are the components a Service is built from. Bundles, History and
// Journal are optional.
type Deps struct {
	Registry    *config.Registry
	Credentials credential.Store
	Pool        *sshclient.Pool
	Tunnels     *tunnel.Engine
	Terminals   *terminal.Manager
	Saved       *savedtunnel.Store
	Bundles     *bundle.Store
	History     *history.Store
	Bus         *events.Bus
	Journal     *events.Journal

	RedactErrors bool
	Restart      RestartPolicy
}

type Service struct {
	registry  *config.Registry
	creds     credential.Store
	pool      *sshclient.Pool
	tunnels   *tunnel.Engine
	terminals *terminal.Manager
	saved     *savedtunnel.Store
	bundles   *bundle.Store
	history   *history.Store
	bus       *events.Bus
	journal   *events.Journal
	redact    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// New wires d into a Service and starts the background journal writer and
// restart supervisor when configured.
func New(d Deps) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		registry:  d.Registry,
		creds:     d.Credentials,
		pool:      d.Pool,
		tunnels:   d.Tunnels,
		terminals: d.Terminals,
		saved:     d.Saved,
		bundles:   d.Bundles,
		history:   d.History,
		bus:       d.Bus,
		journal:   d.Journal,
		redact:    d.RedactErrors,
		ctx:       ctx,
		cancel:    cancel,
	}
	if s.journal != nil {
		sub := s.bus.Subscribe(events.TopicTunnelsChanged, events.TopicTerminalStatus)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer sub.Close()
			s.journal.Run(ctx, sub)
		}()
	}
	if d.Restart.Enabled {
		r := newRestarter(s.tunnels, d.Restart)
		sub := s.bus.Subscribe(events.TopicTunnelsChanged)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer sub.Close()
			r.run(ctx, sub)
		}()
	}
	return s
}

// Open builds every component from cfg.
func Open(cfg appconfig.Config) (*Service, error) {
	hostsPath, err := cfg.HostsFilePath()
	if err != nil {
		return nil, err
	}
	knownHosts, err := cfg.KnownHostsPath()
	if err != nil {
		return nil, err
	}
	dbPath, err := cfg.DatabaseFilePath()
	if err != nil {
		return nil, err
	}
	creds, err := credential.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	saved, err := savedtunnel.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open saved tunnels: %w", err)
	}

	registry := config.NewRegistry(hostsPath)
	bus := events.NewBus(cfg.Events.BufferSize)
	pool := sshclient.NewPool(sshclient.Options{
		HostKeys:          hostkeys.NewStore(knownHosts),
		Credentials:       creds,
		HostKeyPolicy:     cfg.Security.HostKeyPolicy,
		DialTimeout:       cfg.DialTimeout(),
		KeepaliveInterval: cfg.KeepaliveInterval(),
		IdleLinger:        cfg.IdleLinger(),
		UseAgent:          cfg.SSH.UseAgent,
		Resolve:           registry.Get,
	})
	d := Deps{
		Registry:    registry,
		Credentials: creds,
		Pool:        pool,
		Tunnels: tunnel.NewEngine(pool, bus, tunnel.Options{
			BindPolicy:   cfg.Security.BindPolicy,
			DrainTimeout: cfg.DrainTimeout(),
		}),
		Terminals: terminal.NewManager(pool, bus, terminal.Options{
			BaseURL:       cfg.StreamBaseURL(),
			Shell:         cfg.Terminal.Shell,
			AttachTimeout: cfg.AttachTimeout(),
		}),
		Saved:        saved,
		Bus:          bus,
		RedactErrors: cfg.Security.RedactErrors,
		Restart:      PolicyFromConfig(cfg.Tunnel),
	}
	if p, err := bundle.DefaultPath(); err == nil {
		d.Bundles = bundle.NewStore(p)
	}
	if p, err := history.DefaultPath(); err == nil {
		d.History = history.NewStore(p)
	}
	if cfg.Events.Journal {
		if p, err := events.DefaultJournalPath(); err == nil {
			d.Journal = events.NewJournal(p)
		}
	}
	return New(d), nil
}

func (s *Service) Bus() *events.Bus { return s.bus }

// Journal returns the lifecycle journal, or nil when disabled.
func (s *Service) Journal() *events.Journal { return s.journal }

func (s *Service) Registry() *config.Registry { return s.registry }

// Terminals exposes the manager for stream attachment.
func (s *Service) Terminals() *terminal.Manager { return s.terminals }

func (s *Service) PoolStats() []sshclient.ConnStat { return s.pool.Stats() }

// Close stops every tunnel and terminal session, then closes the pool and
// the saved store.
func (s *Service) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		if err := s.tunnels.StopAll(); err != nil {
			errs = append(errs, err)
		}
		s.terminals.CloseAll()
		s.pool.Close()
		if err := s.saved.Close(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

// ListHosts returns the registry hosts with HasPassword filled from the
// credential store.
func (s *Service) ListHosts() ([]model.Host, error) {
	hosts, err := s.registry.List()
	if err != nil {
		return nil, err
	}
	for i := range hosts {
		hosts[i].HasPassword = s.creds.Has(hosts[i].Alias)
	}
	return hosts, nil
}

// RecentHosts is ListHosts ordered by last successful connect.
func (s *Service) RecentHosts() ([]model.Host, error) {
	hosts, err := s.ListHosts()
	if err != nil || s.history == nil {
		return hosts, err
	}
	return history.SortHostsRecent(hosts, s.history.LastUsed()), nil
}

func (s *Service) GetHost(alias string) (model.Host, error) {
	h, err := s.registry.Get(alias)
	if err != nil {
		return model.Host{}, err
	}
	h.HasPassword = s.creds.Has(h.Alias)
	return h, nil
}

// SaveHost creates or updates a host. Renaming a host moves its stored
// password to the new alias.
func (s *Service) SaveHost(host model.Host, originalAlias string) (model.Host, error) {
	saved, err := s.registry.Save(host, originalAlias)
	if err != nil {
		return model.Host{}, err
	}
	if originalAlias != "" && originalAlias != saved.Alias {
		s.moveCredential(originalAlias, saved.Alias)
		s.forgetHistory(originalAlias)
	}
	saved.HasPassword = s.creds.Has(saved.Alias)
	s.hostsChanged()
	return saved, nil
}

// DeleteHost removes the host and its stored password.
func (s *Service) DeleteHost(alias string) error {
	if err := s.registry.Delete(alias); err != nil {
		return err
	}
	if err := s.creds.Delete(alias); err != nil {
		slog.Warn("failed to delete stored password", "alias", alias, "error", err)
	}
	s.forgetHistory(alias)
	s.hostsChanged()
	return nil
}

func (s *Service) ReorderHosts(aliases []string) error {
	if err := s.registry.Reorder(aliases); err != nil {
		return err
	}
	s.hostsChanged()
	return nil
}

func (s *Service) ReadHostsFileRaw() (string, error) {
	return s.registry.ReadRaw()
}

func (s *Service) WriteHostsFileRaw(content string) error {
	if err := s.registry.WriteRaw(content); err != nil {
		return err
	}
	s.hostsChanged()
	return nil
}

// HostWarnings returns parse warnings of the hosts file.
func (s *Service) HostWarnings() []string {
	return s.registry.Warnings()
}

func (s *Service) hostsChanged() {
	hosts, err := s.ListHosts()
	if err != nil {
		slog.Warn("failed to list hosts after change", "error", err)
		s.bus.Publish(events.TopicHostConfigUpdated, nil)
		return
	}
	s.bus.Publish(events.TopicHostConfigUpdated, hosts)
}

func (s *Service) moveCredential(from, to string) {
	secret, err := s.creds.Get(from)
	if err != nil {
		return
	}
	if err := s.creds.Set(to, secret); err != nil {
		slog.Warn("failed to move stored password", "from", from, "to", to, "error", err)
		return
	}
	if err := s.creds.Delete(from); err != nil {
		slog.Warn("failed to delete stored password", "alias", from, "error", err)
	}
}

func (s *Service) forgetHistory(alias string) {
	if s.history == nil {
		return
	}
	if err := s.history.Forget(alias); err != nil {
		slog.Debug("failed to update history", "alias", alias, "error", err)
	}
}

// SavePassword stores a password for a host alias or saved tunnel id.
func (s *Service) SavePassword(key, password string) error {
	const op = "save password"
	key = strings.TrimSpace(key)
	if key == "" {
		return model.Validation(op, "key is required")
	}
	if password == "" {
		return model.Validation(op, "password is required")
	}
	if err := s.creds.Set(key, password); err != nil {
		return model.Wrap(model.KindSystem, op, err)
	}
	s.credentialChanged(key)
	return nil
}

// DeletePassword removes a stored password. Deleting a missing one is not
// an error.
func (s *Service) DeletePassword(key string) error {
	const op = "delete password"
	key = strings.TrimSpace(key)
	if key == "" {
		return model.Validation(op, "key is required")
	}
	if err := s.creds.Delete(key); err != nil {
		return model.Wrap(model.KindSystem, op, err)
	}
	s.credentialChanged(key)
	return nil
}

func (s *Service) HasPassword(key string) bool {
	return s.creds.Has(strings.TrimSpace(key))
}

func (s *Service) credentialChanged(key string) {
	if _, err := s.registry.Get(key); err == nil {
		s.hostsChanged()
	}
}
