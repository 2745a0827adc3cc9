// Package util holds small helpers shared across sshgate packages. It does not
// import any other internal package.
package util

import "time"

const (
	// MaxIncludeDepth bounds nested Include directives in the hosts file.
	// Cycle detection handles the common case; the depth limit catches
	// symlinked cycles resolving to different absolute paths.
	MaxIncludeDepth = 16

	// DefaultRefreshSeconds is the dashboard refresh interval used when the
	// config value is missing or invalid.
	DefaultRefreshSeconds = 3

	// DefaultDrainTimeout bounds how long a stopping tunnel waits for
	// in-flight forwarded connections before closing them.
	DefaultDrainTimeout = 5 * time.Second

	// DefaultDialTimeout applies to the TCP connect and SSH handshake.
	DefaultDialTimeout = 15 * time.Second

	DefaultKeepaliveInterval = 30 * time.Second

	// MaxTerminalCols and MaxTerminalRows clamp resize requests.
	MaxTerminalCols = 500
	MaxTerminalRows = 500

	DefaultTerminalCols = 80
	DefaultTerminalRows = 24

	// MaxStreamMessageSize caps a single inbound terminal stream frame.
	MaxStreamMessageSize = 64 * 1024

	DefaultEventBuffer = 64
)
