// Package main is the entry point for the sshgate binary.
//
// sshgate manages SSH tunnels and interactive terminal sessions for the hosts
// declared in ~/.ssh/config. It runs as a local HTTP/WebSocket service for a
// UI to drive, as a Bubble Tea dashboard, and as a set of Cobra commands.
//
// Usage:
//
//	sshgate                 # launch the dashboard
//	sshgate serve           # run the local API and event stream
//	sshgate hosts           # list hosts from ~/.ssh/config
//	sshgate tunnel up db    # forward the LocalForward entries of host db
//	sshgate connect db      # open an interactive shell on db
package main

import (
	"fmt"
	"os"

	"github.com/treykane/sshgate/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()

	// Errors from RunE handlers are printed once here; usage output is
	// silenced on the root command.
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
