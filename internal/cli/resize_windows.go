//go:build windows

package cli

import "os"

// Windows consoles have no resize signal; the initial size is sent once.
func notifyResize(chan<- os.Signal) {}
