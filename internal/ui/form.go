package ui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/sshgate/internal/config"
	"github.com/treykane/sshgate/internal/model"
	"github.com/treykane/sshgate/internal/tunnel"
	"github.com/treykane/sshgate/internal/util"
)

type formStep int

const (
	stepChoose formStep = iota
	stepQuick
	stepFull
)

const (
	fieldAlias = iota
	fieldHostname
	fieldUser
	fieldPort
	fieldIdentityFile
	fieldProxyJump
	fieldForward
	fieldCount
)

type fieldDef struct {
	label       string
	placeholder string
	limit       int
}

var hostFields = [fieldCount]fieldDef{
	fieldAlias:        {"Alias:", "my-server (required)", 64},
	fieldHostname:     {"Hostname:", "192.168.1.1 or example.com (required)", 256},
	fieldUser:         {"User:", "deploy (optional)", 64},
	fieldPort:         {"Port:", "22 (default)", 5},
	fieldIdentityFile: {"IdentityFile:", "~/.ssh/id_ed25519 (optional)", 256},
	fieldProxyJump:    {"ProxyJump:", "bastion (optional)", 256},
	fieldForward:      {"LocalForward:", "8080:localhost:80 (optional)", 128},
}

var errStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

// formResult is what a submitted form produces. The dashboard adds host to
// the ssh config unless the alias already exists.
type formResult struct {
	host    model.Host
	connect bool
}

// newConnForm is the add-host overlay: a destination line for quick connect,
// or one input per ssh_config directive.
type newConnForm struct {
	step   formStep
	choice int

	quickInput textinput.Model
	fields     [fieldCount]textinput.Model
	focus      int

	connectAfter bool
	errMsg       string
}

func newForm() *newConnForm {
	f := &newConnForm{step: stepChoose, connectAfter: true}
	f.quickInput = textinput.New()
	f.quickInput.Placeholder = "user@hostname:port or just hostname"
	f.quickInput.CharLimit = 256
	f.quickInput.Width = 50
	for i, def := range hostFields {
		ti := textinput.New()
		ti.Placeholder = def.placeholder
		ti.CharLimit = def.limit
		ti.Width = 40
		f.fields[i] = ti
	}
	return f
}

func (f *newConnForm) update(msg tea.KeyMsg) (*formResult, tea.Cmd) {
	switch f.step {
	case stepChoose:
		return nil, f.updateChoose(msg)
	case stepQuick:
		return f.updateQuick(msg)
	default:
		return f.updateFull(msg)
	}
}

func (f *newConnForm) updateChoose(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "j", "down":
		f.choice = 1
	case "k", "up":
		f.choice = 0
	case "enter":
		if f.choice == 0 {
			f.step = stepQuick
			f.quickInput.Focus()
			return f.quickInput.Cursor.BlinkCmd()
		}
		f.step = stepFull
		return f.focusField(0)
	}
	return nil
}

func (f *newConnForm) updateQuick(msg tea.KeyMsg) (*formResult, tea.Cmd) {
	if msg.String() != "enter" {
		var cmd tea.Cmd
		f.quickInput, cmd = f.quickInput.Update(msg)
		f.errMsg = ""
		return nil, cmd
	}
	host, err := config.ParseDestination(f.quickInput.Value())
	if err != nil {
		f.errMsg = err.Error()
		return nil, nil
	}
	return &formResult{host: host, connect: true}, nil
}

func (f *newConnForm) updateFull(msg tea.KeyMsg) (*formResult, tea.Cmd) {
	switch msg.String() {
	case "tab":
		return nil, f.focusField((f.focus + 1) % fieldCount)
	case "shift+tab":
		return nil, f.focusField((f.focus + fieldCount - 1) % fieldCount)
	case "ctrl+o":
		f.connectAfter = !f.connectAfter
		return nil, nil
	case "enter":
		host, err := f.buildHost()
		if err != nil {
			f.errMsg = err.Error()
			return nil, nil
		}
		return &formResult{host: host, connect: f.connectAfter}, nil
	}
	var cmd tea.Cmd
	f.fields[f.focus], cmd = f.fields[f.focus].Update(msg)
	f.errMsg = ""
	return nil, cmd
}

func (f *newConnForm) focusField(i int) tea.Cmd {
	f.fields[f.focus].Blur()
	f.focus = i
	f.fields[i].Focus()
	return f.fields[i].Cursor.BlinkCmd()
}

func (f *newConnForm) value(i int) string {
	return strings.TrimSpace(f.fields[i].Value())
}

func (f *newConnForm) buildHost() (model.Host, error) {
	h := model.Host{
		Alias:        f.value(fieldAlias),
		HostName:     f.value(fieldHostname),
		User:         f.value(fieldUser),
		Port:         22,
		IdentityFile: f.value(fieldIdentityFile),
		ProxyJump:    f.value(fieldProxyJump),
	}
	switch {
	case h.Alias == "":
		return model.Host{}, errors.New("alias is required")
	case strings.ContainsAny(h.Alias, " \t*?!"):
		return model.Host{}, errors.New("alias cannot contain spaces or patterns")
	case h.HostName == "":
		return model.Host{}, errors.New("hostname is required")
	}
	if s := f.value(fieldPort); s != "" {
		p, err := util.ParsePort(s)
		if err != nil {
			return model.Host{}, err
		}
		h.Port = p
	}
	if s := f.value(fieldForward); s != "" {
		fwd, err := tunnel.ParseForwardArg(s)
		if err != nil {
			return model.Host{}, fmt.Errorf("local forward: %w", err)
		}
		h.Forwards = []model.ForwardSpec{fwd}
	}
	return h, nil
}

func (f *newConnForm) view(renderPanel func(string, string, int, lipgloss.Color) string, width int) string {
	accent := lipgloss.Color("214")
	switch f.step {
	case stepChoose:
		return renderPanel("New Connection", f.chooseView(), width, accent)
	case stepQuick:
		return renderPanel("Quick Connect", f.quickView(), width, accent)
	default:
		return renderPanel("New Connection - Full Config", f.fullView(), width, accent)
	}
}

func (f *newConnForm) chooseView() string {
	options := [2][2]string{
		{"Quick Connect", "add user@host:port to ssh config and connect"},
		{"Full Config", "write a host block with every option"},
	}
	var b strings.Builder
	b.WriteString("Choose connection type:\n\n")
	for i, opt := range options {
		cursor := "  "
		if i == f.choice {
			cursor = "> "
		}
		fmt.Fprintf(&b, "%s[%s]  %s\n", cursor, opt[0], opt[1])
	}
	b.WriteString("\nj/k to select, Enter to confirm, Esc to cancel")
	return b.String()
}

func (f *newConnForm) quickView() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Destination:\n\n  %s\n\n", f.quickInput.View())
	b.WriteString("Formats: hostname | user@hostname | hostname:port | user@host:port\n")
	f.writeErr(&b)
	b.WriteString("\nEnter to connect, Esc to cancel")
	return b.String()
}

func (f *newConnForm) fullView() string {
	var b strings.Builder
	for i, def := range hostFields {
		cursor := "  "
		if i == f.focus {
			cursor = "> "
		}
		fmt.Fprintf(&b, "%s%-14s %s\n", cursor, def.label, f.fields[i].View())
	}
	mark := " "
	if f.connectAfter {
		mark = "x"
	}
	fmt.Fprintf(&b, "\n  [%s] Connect after saving\n", mark)
	f.writeErr(&b)
	b.WriteString("\nTab/Shift-Tab move | Ctrl+O toggle connect | Enter save | Esc cancel")
	return b.String()
}

func (f *newConnForm) writeErr(b *strings.Builder) {
	if f.errMsg != "" {
		b.WriteString("\n" + errStyle.Render("Error: "+f.errMsg) + "\n")
	}
}
