package cli

import (
	"net"

	"github.com/spf13/cobra"

	"github.com/treykane/sshgate/internal/api"
	"github.com/treykane/sshgate/internal/appconfig"
	"github.com/treykane/sshgate/internal/service"
)

func newServeCmd() *cobra.Command {
	var listen string
	var origins []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local JSON/WebSocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ListenAddr = listen
			}
			l, err := net.Listen("tcp", cfg.ListenAddr)
			if err != nil {
				return err
			}
			defer l.Close()
			// Session URLs must carry the bound port when :0 was requested.
			cfg.ListenAddr = l.Addr().String()
			return runService(cfg, func(cfg appconfig.Config, svc *service.Service) error {
				ctx, stop := signalContext()
				defer stop()
				return api.New(svc, api.Options{OriginPatterns: origins}).Serve(ctx, l)
			})
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config, 127.0.0.1:7522)")
	cmd.Flags().StringSliceVar(&origins, "allow-origin", nil, "extra browser origin patterns allowed to open streams")
	return cmd
}
