package model

import "time"

// ForwardSpec is one LocalForward directive declared on a host block.
type ForwardSpec struct {
	LocalAddr  string `json:"localAddr,omitempty"`
	LocalPort  int    `json:"localPort"`
	RemoteAddr string `json:"remoteAddr,omitempty"`
	RemotePort int    `json:"remotePort"`
}

func (f ForwardSpec) RemoteString() string {
	if f.RemoteAddr == "" {
		return "localhost"
	}
	return f.RemoteAddr
}

// Host is a concrete entry of the host registry.
type Host struct {
	Alias        string        `json:"alias"`
	HostName     string        `json:"hostName"`
	User         string        `json:"user,omitempty"`
	Port         int           `json:"port,omitempty"`
	IdentityFile string        `json:"identityFile,omitempty"`
	ProxyJump    string        `json:"proxyJump,omitempty"`
	Forwards     []ForwardSpec `json:"forwards,omitempty"`
	HasPassword  bool          `json:"hasPassword"`
	// SourceFile is set for hosts pulled in through Include; those are read-only.
	SourceFile string `json:"sourceFile,omitempty"`
}

func (h Host) DisplayTarget() string {
	if h.HostName != "" {
		return h.HostName
	}
	return h.Alias
}

func (h Host) PortOrDefault() int {
	if h.Port <= 0 {
		return 22
	}
	return h.Port
}

type TunnelType string

const (
	TunnelLocal   TunnelType = "local"
	TunnelDynamic TunnelType = "dynamic"
)

type HostSource string

const (
	HostSourceSSHConfig HostSource = "ssh_config"
	HostSourceManual    HostSource = "manual"
)

// ManualHost holds connection details for a saved tunnel that does not
// reference a registry alias.
type ManualHost struct {
	HostName     string `json:"hostName"`
	Port         int    `json:"port,omitempty"`
	User         string `json:"user"`
	IdentityFile string `json:"identityFile,omitempty"`
}

// SavedTunnelConfig is a persisted tunnel recipe.
type SavedTunnelConfig struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	TunnelType   TunnelType `json:"tunnelType"`
	LocalPort    int        `json:"localPort"`
	RemoteHost   string     `json:"remoteHost,omitempty"`
	RemotePort   int        `json:"remotePort,omitempty"`
	HostSource   HostSource `json:"hostSource"`
	HostAlias    string     `json:"hostAlias,omitempty"`
	ManualHost   ManualHost `json:"manualHost"`
	GatewayPorts bool       `json:"gatewayPorts"`
	SortOrder    int        `json:"sortOrder"`
}

// CredentialKey is the credential-store key used for the tunnel's password.
func (c SavedTunnelConfig) CredentialKey() string {
	if c.HostSource == HostSourceSSHConfig {
		return c.HostAlias
	}
	return c.ID
}

type TunnelStatus string

const (
	TunnelActive       TunnelStatus = "active"
	TunnelDisconnected TunnelStatus = "disconnected"
	TunnelStopping     TunnelStatus = "stopping"
	// TunnelStopped only appears on the event announcing removal.
	TunnelStopped TunnelStatus = "stopped"
)

// ActiveTunnelInfo describes a running tunnel instance.
type ActiveTunnelInfo struct {
	ID         string       `json:"id"`
	ConfigID   string       `json:"configId,omitempty"`
	Alias      string       `json:"alias"`
	Type       TunnelType   `json:"type"`
	LocalAddr  string       `json:"localAddr"`
	RemoteAddr string       `json:"remoteAddr,omitempty"`
	Status     TunnelStatus `json:"status"`
	StatusMsg  string       `json:"statusMsg,omitempty"`
	StartedAt  time.Time    `json:"startedAt"`
}

// TerminalSessionInfo describes an interactive shell bound to a duplex stream.
type TerminalSessionInfo struct {
	ID        string    `json:"id"`
	Alias     string    `json:"alias"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
}

// LocalAlias is the alias reported for local shell sessions.
const LocalAlias = "local"

type PasswordRequired struct {
	Alias   string `json:"alias"`
	Retry   bool   `json:"retry"`
	Message string `json:"message,omitempty"`
}

type HostKeyVerification struct {
	Alias       string `json:"alias"`
	Fingerprint string `json:"fingerprint"`
	HostAddress string `json:"hostAddress"`
	Changed     bool   `json:"changed,omitempty"`
}

// ConnectionResult reports the outcome of a connect attempt. Exactly one of
// the fields is meaningful.
type ConnectionResult struct {
	Success                     bool                 `json:"success"`
	PasswordRequired            *PasswordRequired    `json:"passwordRequired,omitempty"`
	HostKeyVerificationRequired *HostKeyVerification `json:"hostKeyVerificationRequired,omitempty"`
	ErrorMessage                string               `json:"errorMessage,omitempty"`
}
