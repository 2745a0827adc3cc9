package terminal

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"
	"golang.org/x/crypto/ssh"

	"github.com/treykane/sshgate/internal/util"
)

// backend is a running shell behind a PTY.
type backend interface {
	io.Reader
	io.Writer
	Resize(cols, rows int) error
	// Wait blocks until the shell exits.
	Wait() error
	Close() error
}

// sizer is a backend that can report its PTY size. Remote PTYs cannot be
// queried, so their last requested size is used instead.
type sizer interface {
	Size() (cols, rows int, err error)
}

type remoteShell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func startRemoteShell(client *ssh.Client) (*remoteShell, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", util.DefaultTerminalRows, util.DefaultTerminalCols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}
	return &remoteShell{session: session, stdin: stdin, stdout: stdout}, nil
}

func (r *remoteShell) Read(p []byte) (int, error)  { return r.stdout.Read(p) }
func (r *remoteShell) Write(p []byte) (int, error) { return r.stdin.Write(p) }

func (r *remoteShell) Resize(cols, rows int) error {
	return r.session.WindowChange(rows, cols)
}

func (r *remoteShell) Wait() error  { return r.session.Wait() }
func (r *remoteShell) Close() error { return r.session.Close() }

type localShell struct {
	cmd *exec.Cmd
	pty *os.File
}

func startLocalShell(shell string) (*localShell, error) {
	cmd := exec.Command(shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	f, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(util.DefaultTerminalRows),
		Cols: uint16(util.DefaultTerminalCols),
	})
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", shell, err)
	}
	return &localShell{cmd: cmd, pty: f}, nil
}

func (l *localShell) Read(p []byte) (int, error)  { return l.pty.Read(p) }
func (l *localShell) Write(p []byte) (int, error) { return l.pty.Write(p) }

func (l *localShell) Resize(cols, rows int) error {
	return pty.Setsize(l.pty, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// Size reads the dimensions back from the PTY.
func (l *localShell) Size() (cols, rows int, err error) {
	ws, err := pty.GetsizeFull(l.pty)
	if err != nil {
		return 0, 0, err
	}
	return int(ws.Cols), int(ws.Rows), nil
}

func (l *localShell) Wait() error { return l.cmd.Wait() }

func (l *localShell) Close() error {
	if l.cmd.Process != nil {
		_ = l.cmd.Process.Kill()
	}
	return l.pty.Close()
}

// defaultShell picks the configured shell, then $SHELL, then /bin/sh.
func defaultShell(configured string) string {
	if configured != "" {
		return configured
	}
	return util.DefaultString(os.Getenv("SHELL"), "/bin/sh")
}
