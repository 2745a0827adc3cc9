// Package appconfig manages application configuration and on-disk paths.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/treykane/sshgate/internal/util"
)

const (
	appName   = "sshgate"
	envPrefix = "SSHGATE"
)

type BindPolicy string

const (
	BindPolicyLoopbackOnly BindPolicy = "loopback-only"
	BindPolicyAllowPublic  BindPolicy = "allow-public"
)

type HostKeyPolicy string

const (
	HostKeyPolicyStrict    HostKeyPolicy = "strict"
	HostKeyPolicyAcceptNew HostKeyPolicy = "accept-new"
	HostKeyPolicyInsecure  HostKeyPolicy = "insecure"
)

type CredentialBackend string

const (
	CredentialBackendKeyring CredentialBackend = "keyring"
	CredentialBackendFile    CredentialBackend = "file"
)

type SecurityConfig struct {
	BindPolicy    BindPolicy    `yaml:"bind_policy" split_words:"true"`
	HostKeyPolicy HostKeyPolicy `yaml:"host_key_policy" split_words:"true"`
	RedactErrors  bool          `yaml:"redact_errors" split_words:"true"`
}

type SSHConfig struct {
	DialTimeoutSeconds       int  `yaml:"dial_timeout_seconds" split_words:"true"`
	KeepaliveIntervalSeconds int  `yaml:"keepalive_interval_seconds" split_words:"true"`
	IdleLingerSeconds        int  `yaml:"idle_linger_seconds" split_words:"true"`
	UseAgent                 bool `yaml:"use_agent" split_words:"true"`
}

// TunnelConfig holds engine limits and the optional reconnect policy applied
// by the service layer on top of the engine.
type TunnelConfig struct {
	DrainTimeoutSeconds        int  `yaml:"drain_timeout_seconds" split_words:"true"`
	AutoRestart                bool `yaml:"auto_restart" split_words:"true"`
	RestartMaxAttempts         int  `yaml:"restart_max_attempts" split_words:"true"`
	RestartBackoffSeconds      int  `yaml:"restart_backoff_seconds" split_words:"true"`
	RestartStableWindowSeconds int  `yaml:"restart_stable_window_seconds" split_words:"true"`
}

type TerminalConfig struct {
	Shell                string `yaml:"shell" split_words:"true"`
	AttachTimeoutSeconds int    `yaml:"attach_timeout_seconds" split_words:"true"`
}

type EventsConfig struct {
	BufferSize int  `yaml:"buffer_size" split_words:"true"`
	Journal    bool `yaml:"journal" split_words:"true"`
}

type CredentialsConfig struct {
	Backend CredentialBackend `yaml:"backend" split_words:"true"`
}

type LogConfig struct {
	Level  string `yaml:"level" split_words:"true"`
	Format string `yaml:"format" split_words:"true"`
}

// UIConfig contains TUI display settings.
type UIConfig struct {
	RefreshSeconds int `yaml:"refresh_seconds" split_words:"true"`
}

// Config holds application-level configuration. Values come from config.yaml
// and are then overridden by SSHGATE_* environment variables named after the
// field path, e.g. SSHGATE_SECURITY_BIND_POLICY.
type Config struct {
	ListenAddr     string            `yaml:"listen_addr" split_words:"true"`
	BaseURL        string            `yaml:"base_url" split_words:"true"`
	HostsFile      string            `yaml:"hosts_file" split_words:"true"`
	KnownHostsFile string            `yaml:"known_hosts_file" split_words:"true"`
	DatabasePath   string            `yaml:"database_path" split_words:"true"`
	Security       SecurityConfig    `yaml:"security" split_words:"true"`
	SSH            SSHConfig         `yaml:"ssh" split_words:"true"`
	Tunnel         TunnelConfig      `yaml:"tunnel" split_words:"true"`
	Terminal       TerminalConfig    `yaml:"terminal" split_words:"true"`
	Events         EventsConfig      `yaml:"events" split_words:"true"`
	Credentials    CredentialsConfig `yaml:"credentials" split_words:"true"`
	Log            LogConfig         `yaml:"log" split_words:"true"`
	UI             UIConfig          `yaml:"ui" split_words:"true"`
}

// Default returns the default configuration. Empty path fields are resolved
// by the *Path helpers at use time.
func Default() Config {
	return Config{
		ListenAddr: "127.0.0.1:7522",
		Security: SecurityConfig{
			BindPolicy:    BindPolicyAllowPublic,
			HostKeyPolicy: HostKeyPolicyStrict,
			RedactErrors:  true,
		},
		SSH: SSHConfig{
			DialTimeoutSeconds:       int(util.DefaultDialTimeout / time.Second),
			KeepaliveIntervalSeconds: int(util.DefaultKeepaliveInterval / time.Second),
			IdleLingerSeconds:        60,
			UseAgent:                 true,
		},
		Tunnel: TunnelConfig{
			DrainTimeoutSeconds:        int(util.DefaultDrainTimeout / time.Second),
			RestartMaxAttempts:         3,
			RestartBackoffSeconds:      2,
			RestartStableWindowSeconds: 30,
		},
		Terminal:    TerminalConfig{AttachTimeoutSeconds: 30},
		Events:      EventsConfig{BufferSize: util.DefaultEventBuffer, Journal: true},
		Credentials: CredentialsConfig{Backend: CredentialBackendKeyring},
		Log:         LogConfig{Level: "info", Format: "text"},
		UI:          UIConfig{RefreshSeconds: util.DefaultRefreshSeconds},
	}
}

// ConfigDir returns the application config directory path.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config/sshgate.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", appName), nil
}

func dirFile(name string) (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, name), nil
}

// HostsFilePath resolves the ssh_config-format hosts file.
func (c Config) HostsFilePath() (string, error) {
	if c.HostsFile != "" {
		return expandHome(c.HostsFile), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".ssh", "config"), nil
}

// KnownHostsPath resolves the app-local known_hosts file.
func (c Config) KnownHostsPath() (string, error) {
	if c.KnownHostsFile != "" {
		return expandHome(c.KnownHostsFile), nil
	}
	return dirFile("known_hosts")
}

func (c Config) DatabaseFilePath() (string, error) {
	if c.DatabasePath != "" {
		return expandHome(c.DatabasePath), nil
	}
	return dirFile("sshgate.db")
}

// StreamBaseURL is the websocket base used in terminal session URLs.
func (c Config) StreamBaseURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return "ws://" + c.ListenAddr
}

func (c Config) DialTimeout() time.Duration {
	return time.Duration(c.SSH.DialTimeoutSeconds) * time.Second
}

func (c Config) KeepaliveInterval() time.Duration {
	return time.Duration(c.SSH.KeepaliveIntervalSeconds) * time.Second
}

func (c Config) IdleLinger() time.Duration {
	return time.Duration(c.SSH.IdleLingerSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.Tunnel.DrainTimeoutSeconds) * time.Second
}

func (c Config) AttachTimeout() time.Duration {
	return time.Duration(c.Terminal.AttachTimeoutSeconds) * time.Second
}

// Load reads config.yaml from the config directory, applies environment
// overrides and normalizes the result. If the file doesn't exist, it is
// created with defaults.
func Load() (Config, error) {
	d, err := ConfigDir()
	if err != nil {
		return Config{}, err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return Config{}, err
	}
	path := filepath.Join(d, "config.yaml")
	cfg := Default()
	b, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if err := Save(cfg); err != nil {
			return cfg, err
		}
	case err != nil:
		return Config{}, err
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("environment overrides: %w", err)
	}
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	def := Default()
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	switch cfg.Security.BindPolicy {
	case BindPolicyLoopbackOnly, BindPolicyAllowPublic:
	default:
		cfg.Security.BindPolicy = BindPolicyLoopbackOnly
	}
	switch cfg.Security.HostKeyPolicy {
	case HostKeyPolicyStrict, HostKeyPolicyAcceptNew, HostKeyPolicyInsecure:
	default:
		cfg.Security.HostKeyPolicy = HostKeyPolicyStrict
	}
	switch cfg.Credentials.Backend {
	case CredentialBackendKeyring, CredentialBackendFile:
	default:
		cfg.Credentials.Backend = def.Credentials.Backend
	}
	if cfg.SSH.DialTimeoutSeconds <= 0 {
		cfg.SSH.DialTimeoutSeconds = def.SSH.DialTimeoutSeconds
	}
	if cfg.SSH.KeepaliveIntervalSeconds < 0 {
		cfg.SSH.KeepaliveIntervalSeconds = 0
	}
	if cfg.SSH.IdleLingerSeconds < 0 {
		cfg.SSH.IdleLingerSeconds = 0
	}
	if cfg.Tunnel.DrainTimeoutSeconds <= 0 {
		cfg.Tunnel.DrainTimeoutSeconds = def.Tunnel.DrainTimeoutSeconds
	}
	if cfg.Tunnel.RestartMaxAttempts < 0 {
		cfg.Tunnel.RestartMaxAttempts = 0
	}
	if cfg.Tunnel.RestartBackoffSeconds <= 0 {
		cfg.Tunnel.RestartBackoffSeconds = def.Tunnel.RestartBackoffSeconds
	}
	if cfg.Tunnel.RestartStableWindowSeconds <= 0 {
		cfg.Tunnel.RestartStableWindowSeconds = def.Tunnel.RestartStableWindowSeconds
	}
	if cfg.Terminal.AttachTimeoutSeconds < 0 {
		cfg.Terminal.AttachTimeoutSeconds = 0
	}
	if cfg.Events.BufferSize <= 0 {
		cfg.Events.BufferSize = def.Events.BufferSize
	}
	if cfg.UI.RefreshSeconds <= 0 {
		cfg.UI.RefreshSeconds = util.DefaultRefreshSeconds
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Format != "json" {
		cfg.Log.Format = "text"
	}
}

// Save writes config to config.yaml.
func Save(cfg Config) error {
	d, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
