package cli

import (
	"context"
	"net"
	"os"
	"os/signal"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/treykane/sshgate/internal/api"
	"github.com/treykane/sshgate/internal/appconfig"
	"github.com/treykane/sshgate/internal/model"
	"github.com/treykane/sshgate/internal/service"
)

func newConnectCmd() *cobra.Command {
	var local, savePassword bool
	cmd := &cobra.Command{
		Use:   "connect [host]",
		Short: "Open an interactive shell on host, or a local shell with --local",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !local && len(args) != 1 {
				return model.Validation("connect", "host alias is required unless --local is set")
			}
			cfg, err := appconfig.Load()
			if err != nil {
				return err
			}
			// The session stream is served on a private loopback listener
			// for the lifetime of this command.
			l, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				return err
			}
			defer l.Close()
			cfg.ListenAddr = l.Addr().String()
			cfg.BaseURL = ""

			return runService(cfg, func(cfg appconfig.Config, svc *service.Service) error {
				ctx, stop := signalContext()
				defer stop()
				go func() { _ = api.New(svc, api.Options{}).Serve(ctx, l) }()

				var info model.TerminalSessionInfo
				var err error
				if local {
					info, err = svc.StartLocalSession(ctx)
				} else {
					p := newPrompter(os.Stdin, os.Stderr)
					err = p.resolve(savePassword, func(a attempt) error {
						var err error
						info, err = svc.StartRemoteSession(ctx, service.SessionRequest{
							Alias:        args[0],
							Password:     a.Password,
							SavePassword: a.SavePassword,
							TrustHostKey: a.TrustHostKey,
							Fingerprint:  a.Fingerprint,
						})
						return err
					})
				}
				if err != nil {
					return err
				}
				return attachTerminal(ctx, info.URL)
			})
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "open a shell on this machine")
	cmd.Flags().BoolVar(&savePassword, "save-password", false, "store an entered password once accepted")
	return cmd
}

type resizeFrame struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// attachTerminal relays the process terminal to a session stream, in raw mode
// when stdin is a terminal, until the session ends.
func attachTerminal(ctx context.Context, url string) error {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return model.Wrap(model.KindConnection, "attach terminal", err)
	}
	defer ws.CloseNow()
	ws.SetReadLimit(1 << 20)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return err
		}
		defer term.Restore(fd, state)

		sendSize(ctx, ws, fd)
		winch := make(chan os.Signal, 1)
		notifyResize(winch)
		defer signal.Stop(winch)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-winch:
					sendSize(ctx, ws, fd)
				}
			}
		}()
	}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := ws.Write(ctx, websocket.MessageBinary, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				ws.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return model.Wrap(model.KindConnection, "terminal stream", err)
		}
		if _, err := os.Stdout.Write(data); err != nil {
			return err
		}
	}
}

func sendSize(ctx context.Context, ws *websocket.Conn, fd int) {
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return
	}
	_ = wsjson.Write(ctx, ws, resizeFrame{Type: "resize", Cols: cols, Rows: rows})
}
