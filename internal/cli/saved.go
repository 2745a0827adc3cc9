package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/treykane/sshgate/internal/appconfig"
	"github.com/treykane/sshgate/internal/config"
	"github.com/treykane/sshgate/internal/events"
	"github.com/treykane/sshgate/internal/model"
	"github.com/treykane/sshgate/internal/service"
	"github.com/treykane/sshgate/internal/tunnel"
	"github.com/treykane/sshgate/internal/util"
)

func newSavedCmd() *cobra.Command {
	root := &cobra.Command{Use: "saved", Short: "Manage saved tunnel configurations"}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List saved tunnel configurations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(_ appconfig.Config, svc *service.Service) error {
				saved, err := svc.ListSavedTunnels()
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(saved)
				}
				fmt.Printf("%-36s %-20s %-8s %-22s %-24s %s\n", "ID", "NAME", "TYPE", "LOCAL", "REMOTE", "HOST")
				for _, c := range saved {
					fmt.Printf("%-36s %-20s %-8s %-22s %-24s %s\n", c.ID, c.Name, c.TunnelType, savedLocal(c), savedRemote(c), savedHost(c))
				}
				return nil
			})
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	var hostAlias, manual, forwardArg, dynamicArg string
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Save a tunnel configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildSavedConfig(args[0], hostAlias, manual, forwardArg, dynamicArg)
			if err != nil {
				return err
			}
			return withService(func(_ appconfig.Config, svc *service.Service) error {
				saved, err := svc.SaveTunnelConfig(cfg)
				if err != nil {
					return err
				}
				fmt.Printf("saved %s (%s)\n", saved.Name, saved.ID)
				return nil
			})
		},
	}
	add.Flags().StringVar(&hostAlias, "host", "", "ssh config host alias")
	add.Flags().StringVar(&manual, "manual", "", "manual destination user@hostname[:port]")
	add.Flags().StringVar(&forwardArg, "forward", "", "local forward [bind:]localPort:remoteHost:remotePort")
	add.Flags().StringVar(&dynamicArg, "dynamic", "", "SOCKS5 forward on [bind:]port")

	del := &cobra.Command{
		Use:   "delete <id|name>",
		Short: "Delete a saved configuration and its stored password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(_ appconfig.Config, svc *service.Service) error {
				cfg, err := findSaved(svc, args[0])
				if err != nil {
					return err
				}
				if err := svc.DeleteTunnelConfig(cfg.ID); err != nil {
					return err
				}
				fmt.Printf("deleted %s (%s)\n", cfg.Name, cfg.ID)
				return nil
			})
		},
	}

	dup := &cobra.Command{
		Use:   "duplicate <id|name>",
		Short: "Copy a saved configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(_ appconfig.Config, svc *service.Service) error {
				cfg, err := findSaved(svc, args[0])
				if err != nil {
					return err
				}
				copied, err := svc.DuplicateTunnelConfig(cfg.ID)
				if err != nil {
					return err
				}
				fmt.Printf("created %s (%s)\n", copied.Name, copied.ID)
				return nil
			})
		},
	}

	var savePassword bool
	start := &cobra.Command{
		Use:   "start <id|name>...",
		Short: "Start saved tunnels and keep them up until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(_ appconfig.Config, svc *service.Service) error {
				var configs []model.SavedTunnelConfig
				for _, ref := range args {
					cfg, err := findSaved(svc, ref)
					if err != nil {
						return err
					}
					configs = append(configs, cfg)
				}

				ctx, stop := signalContext()
				defer stop()
				sub := svc.Bus().Subscribe(events.TopicTunnelsChanged)
				defer sub.Close()

				p := newPrompter(os.Stdin, os.Stderr)
				ids := map[string]bool{}
				for _, cfg := range configs {
					var info model.ActiveTunnelInfo
					err := p.resolve(savePassword, func(a attempt) error {
						var err error
						info, err = svc.StartTunnelFromConfig(ctx, cfg.ID, service.StartFromConfigOptions{
							Password:     a.Password,
							SavePassword: a.SavePassword,
							TrustHostKey: a.TrustHostKey,
							Fingerprint:  a.Fingerprint,
						})
						return err
					})
					if err != nil {
						return fmt.Errorf("%s: %w", cfg.Name, err)
					}
					ids[info.ID] = true
					printStarted(info)
				}
				fmt.Println("press Ctrl+C to stop")
				watchTunnels(ctx, sub, ids)
				return nil
			})
		},
	}
	start.Flags().BoolVar(&savePassword, "save-password", false, "store an entered password once accepted")

	root.AddCommand(list, add, del, dup, start)
	return root
}

func buildSavedConfig(name, hostAlias, manual, forwardArg, dynamicArg string) (model.SavedTunnelConfig, error) {
	const op = "save tunnel config"
	cfg := model.SavedTunnelConfig{Name: name}
	switch {
	case hostAlias != "" && manual != "":
		return cfg, model.Validation(op, "use either --host or --manual")
	case hostAlias != "":
		cfg.HostSource = model.HostSourceSSHConfig
		cfg.HostAlias = hostAlias
	case manual != "":
		h, err := config.ParseDestination(manual)
		if err != nil {
			return cfg, model.Wrap(model.KindValidation, op, err)
		}
		cfg.HostSource = model.HostSourceManual
		cfg.ManualHost = model.ManualHost{HostName: h.HostName, Port: h.Port, User: h.User}
	default:
		return cfg, model.Validation(op, "one of --host or --manual is required")
	}
	switch {
	case forwardArg != "" && dynamicArg != "":
		return cfg, model.Validation(op, "use either --forward or --dynamic")
	case forwardArg != "":
		spec, err := tunnel.ParseForwardArg(forwardArg)
		if err != nil {
			return cfg, model.Wrap(model.KindValidation, op, err)
		}
		cfg.TunnelType = model.TunnelLocal
		cfg.LocalPort, cfg.RemoteHost, cfg.RemotePort = spec.LocalPort, spec.RemoteAddr, spec.RemotePort
		cfg.GatewayPorts = tunnel.GatewayPorts(spec)
	case dynamicArg != "":
		spec, err := tunnel.ParseDynamicArg(dynamicArg)
		if err != nil {
			return cfg, model.Wrap(model.KindValidation, op, err)
		}
		cfg.TunnelType = model.TunnelDynamic
		cfg.LocalPort = spec.LocalPort
		cfg.GatewayPorts = tunnel.GatewayPorts(spec)
	default:
		return cfg, model.Validation(op, "one of --forward or --dynamic is required")
	}
	return cfg, nil
}

// findSaved matches ref against ids first, then names.
func findSaved(svc *service.Service, ref string) (model.SavedTunnelConfig, error) {
	saved, err := svc.ListSavedTunnels()
	if err != nil {
		return model.SavedTunnelConfig{}, err
	}
	for _, c := range saved {
		if c.ID == ref {
			return c, nil
		}
	}
	for _, c := range saved {
		if strings.EqualFold(c.Name, ref) {
			return c, nil
		}
	}
	return model.SavedTunnelConfig{}, model.NotFound("find tunnel config", "no saved tunnel %q", ref)
}

func savedLocal(c model.SavedTunnelConfig) string {
	return util.JoinHostPort(util.BindHost(c.GatewayPorts), c.LocalPort)
}

func savedRemote(c model.SavedTunnelConfig) string {
	if c.TunnelType == model.TunnelDynamic {
		return "socks5"
	}
	return util.JoinHostPort(c.RemoteHost, c.RemotePort)
}

func savedHost(c model.SavedTunnelConfig) string {
	if c.HostSource == model.HostSourceSSHConfig {
		return c.HostAlias
	}
	m := c.ManualHost
	port := m.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s@%s (manual)", m.User, util.JoinHostPort(m.HostName, port))
}
