// Package cli provides the command-line interface for sshgate.
package cli

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/treykane/sshgate/internal/appconfig"
	"github.com/treykane/sshgate/internal/events"
	"github.com/treykane/sshgate/internal/service"
	"github.com/treykane/sshgate/internal/ui"
)

// NewRootCommand creates the root cobra command. Without a subcommand it
// opens the dashboard.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "sshgate",
		Short:         "SSH tunnel and terminal session manager",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(cfg appconfig.Config, svc *service.Service) error {
				return ui.Run(cfg, svc)
			})
		},
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newHostsCmd())
	root.AddCommand(newConnectCmd())
	root.AddCommand(newTunnelCmd())
	root.AddCommand(newSavedCmd())
	root.AddCommand(newBundleCmd())
	root.AddCommand(newPasswordCmd())
	root.AddCommand(newDoctorCmd())
	root.AddCommand(newAuditCmd())
	return root
}

// withService loads the configuration, opens the service and routes logging
// through its bus for the duration of fn.
func withService(fn func(cfg appconfig.Config, svc *service.Service) error) error {
	cfg, err := appconfig.Load()
	if err != nil {
		return err
	}
	return runService(cfg, fn)
}

func runService(cfg appconfig.Config, fn func(cfg appconfig.Config, svc *service.Service) error) error {
	svc, err := service.Open(cfg)
	if err != nil {
		return err
	}
	prev := slog.Default()
	slog.SetDefault(newLogger(cfg.Log, svc.Bus(), os.Stderr))
	defer slog.SetDefault(prev)
	defer func() {
		if err := svc.Close(); err != nil {
			slog.Warn("shutdown incomplete", "error", err)
		}
	}()
	return fn(cfg, svc)
}

// newLogger builds the process logger from the log settings. Warnings and
// above are also published on bus when it is non-nil.
func newLogger(cfg appconfig.LogConfig, bus *events.Bus, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	if bus != nil {
		h = events.NewLogHandler(h, bus, slog.LevelWarn)
	}
	return slog.New(h)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
