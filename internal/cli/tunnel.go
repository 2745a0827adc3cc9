package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/treykane/sshgate/internal/appconfig"
	"github.com/treykane/sshgate/internal/events"
	"github.com/treykane/sshgate/internal/model"
	"github.com/treykane/sshgate/internal/service"
	"github.com/treykane/sshgate/internal/tunnel"
)

func newTunnelCmd() *cobra.Command {
	root := &cobra.Command{Use: "tunnel", Short: "Run SSH tunnels in the foreground"}

	var forwardArg, dynamicArg string
	var savePassword bool
	up := &cobra.Command{
		Use:   "up <host>",
		Short: "Start tunnel(s) for host and keep them up until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(_ appconfig.Config, svc *service.Service) error {
				host, err := svc.GetHost(args[0])
				if err != nil {
					return err
				}
				var reqs []service.ForwardRequest
				var dynamic bool
				if dynamicArg != "" {
					spec, err := tunnel.ParseDynamicArg(dynamicArg)
					if err != nil {
						return model.Wrap(model.KindValidation, "parse dynamic forward", err)
					}
					reqs = append(reqs, forwardRequest(host.Alias, spec))
					dynamic = true
				} else {
					forwards, err := resolveForwards(host, forwardArg)
					if err != nil {
						return err
					}
					for _, f := range forwards {
						reqs = append(reqs, forwardRequest(host.Alias, f))
					}
				}

				ctx, stop := signalContext()
				defer stop()
				sub := svc.Bus().Subscribe(events.TopicTunnelsChanged)
				defer sub.Close()

				p := newPrompter(os.Stdin, os.Stderr)
				ids := map[string]bool{}
				for _, req := range reqs {
					var info model.ActiveTunnelInfo
					err := p.resolve(savePassword, func(a attempt) error {
						r := req
						r.Password, r.SavePassword = a.Password, a.SavePassword
						r.TrustHostKey, r.Fingerprint = a.TrustHostKey, a.Fingerprint
						var err error
						if dynamic {
							info, err = svc.StartDynamicForward(ctx, r)
						} else {
							info, err = svc.StartLocalForward(ctx, r)
						}
						return err
					})
					if err != nil {
						return err
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
	up.Flags().StringVar(&forwardArg, "forward", "", "forward index (0-based) or explicit spec [bind:]localPort:remoteHost:remotePort")
	up.Flags().StringVar(&dynamicArg, "dynamic", "", "start a SOCKS5 forward on [bind:]port instead")
	up.Flags().BoolVar(&savePassword, "save-password", false, "store an entered password once accepted")

	var hostFilter, tunnelFilter, typeFilter, since string
	var limit int
	var asJSON bool
	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Show tunnel and session lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := events.Query{HostAlias: hostFilter, TunnelID: tunnelFilter, EventType: typeFilter, Limit: limit}
			if since != "" {
				d, err := time.ParseDuration(since)
				if err != nil {
					return model.Validation("tunnel events", "since must be a duration like 1h or 30m")
				}
				q.Since = time.Now().Add(-d)
			}
			path, err := events.DefaultJournalPath()
			if err != nil {
				return err
			}
			records, err := events.NewJournal(path).Read(q)
			if err != nil {
				return err
			}
			if asJSON {
				if records == nil {
					records = []events.Record{}
				}
				return printJSON(records)
			}
			fmt.Printf("%-20s %-18s %-16s %-38s %-13s %s\n", "TIME", "EVENT", "HOST", "ID", "STATUS", "MESSAGE")
			for _, r := range records {
				id := r.TunnelID
				if id == "" {
					id = r.SessionID
				}
				fmt.Printf("%-20s %-18s %-16s %-38s %-13s %s\n", r.Timestamp.Local().Format("2006-01-02 15:04:05"), r.EventType, r.HostAlias, id, r.Status, r.Message)
			}
			return nil
		},
	}
	eventsCmd.Flags().StringVar(&hostFilter, "host", "", "filter by host alias")
	eventsCmd.Flags().StringVar(&tunnelFilter, "tunnel", "", "filter by tunnel id")
	eventsCmd.Flags().StringVar(&typeFilter, "type", "", "filter by event type")
	eventsCmd.Flags().StringVar(&since, "since", "", "only events newer than this duration")
	eventsCmd.Flags().IntVar(&limit, "limit", 50, "maximum events to print (0 for all)")
	eventsCmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	root.AddCommand(up, eventsCmd)
	return root
}

func forwardRequest(alias string, f model.ForwardSpec) service.ForwardRequest {
	return service.ForwardRequest{
		Alias:        alias,
		LocalPort:    f.LocalPort,
		RemoteHost:   f.RemoteString(),
		RemotePort:   f.RemotePort,
		GatewayPorts: tunnel.GatewayPorts(f),
	}
}

// resolveForwards picks the forwards to start: every LocalForward of the host
// when arg is empty, one by index, or an explicit spec.
func resolveForwards(host model.Host, arg string) ([]model.ForwardSpec, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		if len(host.Forwards) == 0 {
			return nil, model.Validation("tunnel up", "host %s has no LocalForward entries; pass --forward", host.Alias)
		}
		return host.Forwards, nil
	}
	if idx, err := strconv.Atoi(arg); err == nil {
		if idx < 0 || idx >= len(host.Forwards) {
			return nil, model.Validation("tunnel up", "forward index %d out of range (host %s has %d)", idx, host.Alias, len(host.Forwards))
		}
		return []model.ForwardSpec{host.Forwards[idx]}, nil
	}
	spec, err := tunnel.ParseForwardArg(arg)
	if err != nil {
		return nil, model.Wrap(model.KindValidation, "parse forward", err)
	}
	return []model.ForwardSpec{spec}, nil
}

func printStarted(info model.ActiveTunnelInfo) {
	if info.Type == model.TunnelDynamic {
		fmt.Printf("started %s socks5 on %s via %s\n", info.ID, info.LocalAddr, info.Alias)
		return
	}
	fmt.Printf("started %s %s -> %s via %s\n", info.ID, info.LocalAddr, info.RemoteAddr, info.Alias)
}

// watchTunnels prints status changes for ids until ctx ends or all of them
// are stopped.
func watchTunnels(ctx context.Context, sub *events.Subscription, ids map[string]bool) {
	for len(ids) > 0 {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			info, ok := evt.Data.(model.ActiveTunnelInfo)
			if !ok || !ids[info.ID] {
				continue
			}
			line := fmt.Sprintf("%s %s %s", evt.Time.Local().Format(time.TimeOnly), info.ID, info.Status)
			if info.StatusMsg != "" {
				line += ": " + info.StatusMsg
			}
			fmt.Println(line)
			if info.Status == model.TunnelStopped {
				delete(ids, info.ID)
			}
		}
	}
}
