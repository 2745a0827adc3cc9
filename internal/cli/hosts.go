package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/treykane/sshgate/internal/appconfig"
	"github.com/treykane/sshgate/internal/model"
	"github.com/treykane/sshgate/internal/service"
	"github.com/treykane/sshgate/internal/util"
)

func newHostsCmd() *cobra.Command {
	var recent, asJSON bool
	cmd := &cobra.Command{
		Use:     "hosts",
		Aliases: []string{"list"},
		Short:   "List hosts from the ssh config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(_ appconfig.Config, svc *service.Service) error {
				var hosts []model.Host
				var err error
				if recent {
					hosts, err = svc.RecentHosts()
				} else {
					hosts, err = svc.ListHosts()
				}
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(hosts)
				}
				fmt.Printf("%-24s %-24s %-8s %-16s %-9s %s\n", "ALIAS", "HOSTNAME", "PORT", "USER", "PASSWORD", "FORWARDS")
				for _, h := range hosts {
					saved := "-"
					if h.HasPassword {
						saved = "saved"
					}
					fmt.Printf("%-24s %-24s %-8d %-16s %-9s %d\n", h.Alias, h.DisplayTarget(), h.PortOrDefault(), util.EmptyDash(h.User), saved, len(h.Forwards))
				}
				printWarnings(svc.HostWarnings())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&recent, "recent", false, "sort by most recently connected")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <alias>",
		Short: "Show one host and its forwards",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(_ appconfig.Config, svc *service.Service) error {
				h, err := svc.GetHost(args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Alias:        %s\n", h.Alias)
				fmt.Printf("HostName:     %s\n", h.DisplayTarget())
				fmt.Printf("User:         %s\n", util.EmptyDash(h.User))
				fmt.Printf("Port:         %d\n", h.PortOrDefault())
				fmt.Printf("IdentityFile: %s\n", util.EmptyDash(h.IdentityFile))
				fmt.Printf("ProxyJump:    %s\n", util.EmptyDash(h.ProxyJump))
				if h.SourceFile != "" {
					fmt.Printf("Source:       %s (read-only)\n", h.SourceFile)
				}
				fmt.Println("Forwards:")
				if len(h.Forwards) == 0 {
					fmt.Println("  (none)")
				}
				for i, f := range h.Forwards {
					fmt.Printf("  [%d] %s:%d -> %s:%d\n", i, util.NormalizeAddr(f.LocalAddr, util.LoopbackHost), f.LocalPort, f.RemoteString(), f.RemotePort)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <alias>",
		Short: "Remove a host block and its saved password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(_ appconfig.Config, svc *service.Service) error {
				if err := svc.DeleteHost(args[0]); err != nil {
					return err
				}
				fmt.Printf("deleted host %s\n", args[0])
				return nil
			})
		},
	})
	return cmd
}

func printWarnings(warnings []string) {
	if len(warnings) == 0 {
		return
	}
	fmt.Fprintln(os.Stderr, "warnings:")
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "  - %s\n", w)
	}
}
