package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/treykane/sshgate/internal/appconfig"
	"github.com/treykane/sshgate/internal/bundle"
	"github.com/treykane/sshgate/internal/events"
	"github.com/treykane/sshgate/internal/service"
)

func newBundleCmd() *cobra.Command {
	root := &cobra.Command{Use: "bundle", Short: "Manage named groups of saved tunnels"}

	create := &cobra.Command{
		Use:   "create <name> <saved-id|name>...",
		Short: "Create or replace a bundle",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(_ appconfig.Config, svc *service.Service) error {
				def, err := svc.SaveBundle(bundle.Definition{Name: args[0], Tunnels: args[1:]})
				if err != nil {
					return err
				}
				fmt.Printf("saved bundle %s (%d tunnels)\n", def.Name, len(def.Tunnels))
				return nil
			})
		},
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List bundles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(_ appconfig.Config, svc *service.Service) error {
				defs, err := svc.ListBundles()
				if err != nil {
					return err
				}
				if asJSON {
					if defs == nil {
						defs = []bundle.Definition{}
					}
					return printJSON(defs)
				}
				fmt.Printf("%-24s %s\n", "NAME", "TUNNELS")
				for _, d := range defs {
					fmt.Printf("%-24s %s\n", d.Name, strings.Join(d.Tunnels, ", "))
				}
				return nil
			})
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(_ appconfig.Config, svc *service.Service) error {
				if err := svc.DeleteBundle(args[0]); err != nil {
					return err
				}
				fmt.Printf("deleted bundle %s\n", args[0])
				return nil
			})
		},
	}

	run := &cobra.Command{
		Use:   "run <name>",
		Short: "Start every tunnel of a bundle with stored credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(_ appconfig.Config, svc *service.Service) error {
				ctx, stop := signalContext()
				defer stop()
				sub := svc.Bus().Subscribe(events.TopicTunnelsChanged)
				defer sub.Close()

				results, err := svc.StartBundle(ctx, args[0])
				if err != nil {
					return err
				}
				ids := map[string]bool{}
				failed := 0
				for _, r := range results {
					switch {
					case r.Tunnel != nil:
						ids[r.Tunnel.ID] = true
						printStarted(*r.Tunnel)
					case r.Connection != nil && r.Connection.PasswordRequired != nil:
						failed++
						fmt.Printf("[FAIL] %s: password required; run `sshgate saved start %s`\n", r.Name, r.ConfigID)
					case r.Connection != nil && r.Connection.HostKeyVerificationRequired != nil:
						failed++
						fmt.Printf("[FAIL] %s: host key not trusted (%s); run `sshgate saved start %s`\n", r.Name, r.Connection.HostKeyVerificationRequired.Fingerprint, r.ConfigID)
					default:
						failed++
						fmt.Printf("[FAIL] %s: %s\n", r.Name, r.Error)
					}
				}
				if len(ids) == 0 {
					return fmt.Errorf("bundle %s: no tunnel started", args[0])
				}
				if failed > 0 {
					fmt.Printf("%d of %d tunnels failed to start\n", failed, len(results))
				}
				fmt.Println("press Ctrl+C to stop")
				watchTunnels(ctx, sub, ids)
				return nil
			})
		},
	}

	root.AddCommand(create, list, del, run)
	return root
}
