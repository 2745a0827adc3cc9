// Package ui is the Bubble Tea dashboard over the service: hosts, saved
// tunnels and running tunnels, with password and host-key prompts.
package ui

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/sshgate/internal/appconfig"
	"github.com/treykane/sshgate/internal/events"
	"github.com/treykane/sshgate/internal/model"
	"github.com/treykane/sshgate/internal/service"
	"github.com/treykane/sshgate/internal/tunnel"
	"github.com/treykane/sshgate/internal/util"
)

// Backend is the service surface the dashboard drives.
type Backend interface {
	ListHosts() ([]model.Host, error)
	RecentHosts() ([]model.Host, error)
	HostWarnings() []string
	SaveHost(host model.Host, originalAlias string) (model.Host, error)
	ListActiveTunnels() []model.ActiveTunnelInfo
	StartLocalForward(ctx context.Context, req service.ForwardRequest) (model.ActiveTunnelInfo, error)
	StopTunnel(id string) error
	ListSavedTunnels() ([]model.SavedTunnelConfig, error)
	StartTunnelFromConfig(ctx context.Context, id string, opts service.StartFromConfigOptions) (model.ActiveTunnelInfo, error)
	UserMessage(err error) string
	Bus() *events.Bus
}

type tickMsg time.Time

type statusMsg string

type eventMsg events.Event

// answer is what the user replied to decision prompts so far.
type answer struct {
	Password     string
	TrustHostKey bool
	Fingerprint  string
}

// actionMsg reports a finished tunnel action. When the action stopped at an
// auth or host-key decision, retry runs it again with the updated answer.
type actionMsg struct {
	status   string
	decision *model.ConnectionResult
	answer   answer
	retry    func(answer) tea.Cmd
}

type decisionPrompt struct {
	result model.ConnectionResult
	answer answer
	retry  func(answer) tea.Cmd
	input  textinput.Model
}

type pane int

const (
	paneHosts pane = iota
	paneSaved
)

type dashboardModel struct {
	backend Backend
	cfg     appconfig.Config
	sub     *events.Subscription

	hosts    []model.Host
	filtered []model.Host
	saved    []model.SavedTunnelConfig
	tunnels  []model.ActiveTunnelInfo
	warnings []string

	pane        pane
	sel         int
	savedSel    int
	filter      string
	filterMode  bool
	showHelp    bool
	recentFirst bool
	status      string
	width       int
	height      int

	form   *newConnForm
	prompt *decisionPrompt
}

func newDashboard(cfg appconfig.Config, backend Backend) dashboardModel {
	m := dashboardModel{backend: backend, cfg: cfg}
	m.sub = backend.Bus().Subscribe(
		events.TopicTunnelsChanged,
		events.TopicSavedTunnelsChanged,
		events.TopicHostConfigUpdated,
		events.TopicLog,
	)
	m.reload()
	m.status = "Ready. Enter connects, t toggles the first LocalForward, tab switches to saved tunnels."
	return m
}

// Run opens the dashboard until the user quits.
func Run(cfg appconfig.Config, backend Backend) error {
	m := newDashboard(cfg, backend)
	defer m.sub.Close()
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

func (m *dashboardModel) reload() {
	var hosts []model.Host
	var err error
	if m.recentFirst {
		hosts, err = m.backend.RecentHosts()
	} else {
		hosts, err = m.backend.ListHosts()
	}
	if err != nil {
		m.status = "config parse error: " + m.backend.UserMessage(err)
	} else {
		m.hosts = hosts
	}
	m.warnings = m.backend.HostWarnings()
	if saved, err := m.backend.ListSavedTunnels(); err == nil {
		m.saved = saved
	}
	m.tunnels = m.backend.ListActiveTunnels()
	m.applyFilter()
}

func (m *dashboardModel) applyFilter() {
	f := strings.ToLower(strings.TrimSpace(m.filter))
	m.filtered = nil
	for _, h := range m.hosts {
		if f == "" || strings.Contains(strings.ToLower(h.Alias), f) || strings.Contains(strings.ToLower(h.DisplayTarget()), f) {
			m.filtered = append(m.filtered, h)
		}
	}
	m.sel = util.Clamp(m.sel, 0, max(len(m.filtered)-1, 0))
	m.savedSel = util.Clamp(m.savedSel, 0, max(len(m.saved)-1, 0))
}

func tickCmd(seconds int) tea.Cmd {
	return tea.Tick(time.Duration(clampRefresh(seconds))*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func waitForEvent(sub *events.Subscription) tea.Cmd {
	if sub == nil {
		return nil
	}
	return func() tea.Msg {
		evt, ok := <-sub.C()
		if !ok {
			return nil
		}
		return eventMsg(evt)
	}
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(tickCmd(m.cfg.UI.RefreshSeconds), waitForEvent(m.sub))
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.tunnels = m.backend.ListActiveTunnels()
		return m, tickCmd(m.cfg.UI.RefreshSeconds)
	case eventMsg:
		m.handleEvent(events.Event(msg))
		return m, waitForEvent(m.sub)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case actionMsg:
		m.tunnels = m.backend.ListActiveTunnels()
		if msg.decision != nil {
			m.prompt = newDecisionPrompt(*msg.decision, msg.answer, msg.retry)
			m.status = "Waiting for input"
			if m.prompt.result.PasswordRequired != nil {
				return m, textinput.Blink
			}
			return m, nil
		}
		m.status = msg.status
		return m, nil
	case statusMsg:
		m.status = string(msg)
		return m, nil
	case tea.KeyMsg:
		if m.prompt != nil {
			return m.updatePrompt(msg)
		}
		if m.form != nil {
			return m.updateForm(msg)
		}
		if m.filterMode {
			return m.updateFilter(msg), nil
		}
		return m.updateKeys(msg)
	}
	return m, nil
}

func (m *dashboardModel) handleEvent(evt events.Event) {
	switch evt.Topic {
	case events.TopicTunnelsChanged:
		m.tunnels = m.backend.ListActiveTunnels()
		if info, ok := evt.Data.(model.ActiveTunnelInfo); ok && info.Status == model.TunnelDisconnected {
			m.status = fmt.Sprintf("Tunnel %s disconnected: %s", info.LocalAddr, util.EmptyDash(info.StatusMsg))
		}
	case events.TopicSavedTunnelsChanged, events.TopicHostConfigUpdated:
		m.reload()
	case events.TopicLog:
		if line, ok := evt.Data.(events.LogLine); ok {
			m.status = line.Level + ": " + line.Message
		}
	}
}

func (m dashboardModel) updateFilter(msg tea.KeyMsg) dashboardModel {
	switch msg.String() {
	case "enter", "esc":
		m.filterMode = false
	case "backspace":
		if len(m.filter) > 0 {
			m.filter = m.filter[:len(m.filter)-1]
		}
	default:
		if len(msg.String()) == 1 {
			m.filter += msg.String()
		}
	}
	m.applyFilter()
	return m
}

func (m dashboardModel) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "tab":
		if m.pane == paneHosts {
			m.pane = paneSaved
		} else {
			m.pane = paneHosts
		}
	case "j", "down":
		if m.pane == paneHosts && m.sel < len(m.filtered)-1 {
			m.sel++
		}
		if m.pane == paneSaved && m.savedSel < len(m.saved)-1 {
			m.savedSel++
		}
	case "k", "up":
		if m.pane == paneHosts && m.sel > 0 {
			m.sel--
		}
		if m.pane == paneSaved && m.savedSel > 0 {
			m.savedSel--
		}
	case "/":
		m.filterMode = true
		m.status = "Filter mode: type and press Enter"
	case "?":
		m.showHelp = !m.showHelp
	case "o":
		m.recentFirst = !m.recentFirst
		m.reload()
		if m.recentFirst {
			m.status = "Sorted by most recently connected"
		} else {
			m.status = "Sorted by config order"
		}
	case "r":
		m.reload()
		m.status = "Refreshed hosts, saved tunnels and tunnel status"
	case "n":
		m.form = newForm()
	case "enter":
		if m.pane == paneSaved {
			return m, m.toggleSaved()
		}
		if len(m.filtered) == 0 {
			break
		}
		return m, connectCmd(m.filtered[m.sel].Alias)
	case "t":
		if m.pane == paneSaved {
			return m, m.toggleSaved()
		}
		return m, m.toggleHostTunnel()
	}
	return m, nil
}

func (m dashboardModel) updateForm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "esc" {
		m.form = nil
		m.status = "Cancelled new connection"
		return m, nil
	}
	res, cmd := m.form.update(msg)
	if res == nil {
		return m, cmd
	}
	m.form = nil
	host := res.host
	if _, exists := m.findHost(host.Alias); !exists {
		saved, err := m.backend.SaveHost(host, "")
		if err != nil {
			m.status = "Save failed: " + m.backend.UserMessage(err)
			return m, nil
		}
		host = saved
		m.status = "Added host " + host.Alias
	}
	if res.connect {
		return m, connectCmd(host.Alias)
	}
	return m, nil
}

func (m dashboardModel) updatePrompt(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	p := m.prompt
	if msg.String() == "esc" || msg.String() == "ctrl+c" {
		m.prompt = nil
		m.status = "Cancelled"
		return m, nil
	}
	if hk := p.result.HostKeyVerificationRequired; hk != nil {
		switch strings.ToLower(msg.String()) {
		case "y":
			a := p.answer
			a.TrustHostKey = true
			a.Fingerprint = hk.Fingerprint
			m.prompt = nil
			m.status = "Trusting host key and connecting..."
			return m, p.retry(a)
		case "n":
			m.prompt = nil
			m.status = "Host key for " + hk.Alias + " not trusted"
		}
		return m, nil
	}
	if msg.String() == "enter" {
		a := p.answer
		a.Password = p.input.Value()
		m.prompt = nil
		if a.Password == "" {
			m.status = "No password entered"
			return m, nil
		}
		m.status = "Connecting..."
		return m, p.retry(a)
	}
	var cmd tea.Cmd
	p.input, cmd = p.input.Update(msg)
	return m, cmd
}

func newDecisionPrompt(res model.ConnectionResult, a answer, retry func(answer) tea.Cmd) *decisionPrompt {
	p := &decisionPrompt{result: res, answer: a, retry: retry}
	if res.PasswordRequired != nil {
		ti := textinput.New()
		ti.EchoMode = textinput.EchoPassword
		ti.EchoCharacter = '*'
		ti.CharLimit = 256
		ti.Width = 40
		ti.Focus()
		p.input = ti
	}
	return p
}

// runAction wraps start so that auth and host-key decisions come back as a
// prompt that retries start with the answer.
func (m dashboardModel) runAction(a answer, start func(answer) (string, error)) tea.Cmd {
	var retry func(answer) tea.Cmd
	retry = func(a answer) tea.Cmd {
		return func() tea.Msg {
			status, err := start(a)
			if err == nil {
				return actionMsg{status: status}
			}
			if res, ok := service.Decision(err); ok {
				return actionMsg{decision: &res, answer: a, retry: retry}
			}
			return actionMsg{status: "Tunnel start failed: " + m.backend.UserMessage(err)}
		}
	}
	return retry(a)
}

func (m dashboardModel) toggleHostTunnel() tea.Cmd {
	if len(m.filtered) == 0 {
		return nil
	}
	h := m.filtered[m.sel]
	if len(h.Forwards) == 0 {
		return statusCmd("No LocalForward entries for host " + h.Alias)
	}
	fwd := h.Forwards[0]
	if rt, ok := m.tunnelForForward(h.Alias, fwd); ok {
		return m.stopCmd(rt)
	}
	backend := m.backend
	return m.runAction(answer{}, func(a answer) (string, error) {
		info, err := backend.StartLocalForward(context.Background(), service.ForwardRequest{
			Alias:        h.Alias,
			LocalPort:    fwd.LocalPort,
			RemoteHost:   fwd.RemoteString(),
			RemotePort:   fwd.RemotePort,
			GatewayPorts: tunnel.GatewayPorts(fwd),
			Password:     a.Password,
			TrustHostKey: a.TrustHostKey,
			Fingerprint:  a.Fingerprint,
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Tunnel started: %s -> %s", info.LocalAddr, info.RemoteAddr), nil
	})
}

func (m dashboardModel) toggleSaved() tea.Cmd {
	if len(m.saved) == 0 {
		return statusCmd("No saved tunnels")
	}
	cfg := m.saved[m.savedSel]
	for _, rt := range m.tunnels {
		if rt.ConfigID == cfg.ID {
			return m.stopCmd(rt)
		}
	}
	backend := m.backend
	return m.runAction(answer{}, func(a answer) (string, error) {
		info, err := backend.StartTunnelFromConfig(context.Background(), cfg.ID, service.StartFromConfigOptions{
			Password:     a.Password,
			TrustHostKey: a.TrustHostKey,
			Fingerprint:  a.Fingerprint,
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Started %s on %s", cfg.Name, info.LocalAddr), nil
	})
}

func (m dashboardModel) stopCmd(rt model.ActiveTunnelInfo) tea.Cmd {
	backend := m.backend
	return func() tea.Msg {
		if err := backend.StopTunnel(rt.ID); err != nil {
			return actionMsg{status: "Stop failed: " + backend.UserMessage(err)}
		}
		return actionMsg{status: "Tunnel stopped: " + rt.LocalAddr}
	}
}

// connectCmd hands the terminal to `sshgate connect alias` and resumes the
// dashboard when the session ends.
func connectCmd(alias string) tea.Cmd {
	exe, err := os.Executable()
	if err != nil {
		return statusCmd("cannot locate sshgate binary: " + err.Error())
	}
	return tea.ExecProcess(exec.Command(exe, "connect", alias), func(err error) tea.Msg {
		if err != nil {
			return statusMsg("session exited: " + err.Error())
		}
		return statusMsg("session closed")
	})
}

func statusCmd(s string) tea.Cmd {
	return func() tea.Msg { return statusMsg(s) }
}

func (m dashboardModel) findHost(alias string) (model.Host, bool) {
	for _, h := range m.hosts {
		if h.Alias == alias {
			return h, true
		}
	}
	return model.Host{}, false
}

// tunnelForForward finds the ad-hoc tunnel started for fwd on alias.
func (m dashboardModel) tunnelForForward(alias string, fwd model.ForwardSpec) (model.ActiveTunnelInfo, bool) {
	for _, rt := range m.tunnels {
		if rt.Alias != alias || rt.ConfigID != "" || rt.Type != model.TunnelLocal {
			continue
		}
		if _, port, err := net.SplitHostPort(rt.LocalAddr); err == nil && port == strconv.Itoa(fwd.LocalPort) {
			return rt, true
		}
	}
	return model.ActiveTunnelInfo{}, false
}

func (m dashboardModel) hostHasActiveTunnel(alias string) bool {
	for _, rt := range m.tunnels {
		if rt.Alias == alias && rt.Status == model.TunnelActive {
			return true
		}
	}
	return false
}

func (m dashboardModel) savedRunning(id string) (model.ActiveTunnelInfo, bool) {
	for _, rt := range m.tunnels {
		if rt.ConfigID == id {
			return rt, true
		}
	}
	return model.ActiveTunnelInfo{}, false
}

func (m dashboardModel) View() string {
	head := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Render("sshgate")
	subhead := fmt.Sprintf("hosts=%d shown=%d saved=%d tunnels=%d refresh=%ds", len(m.hosts), len(m.filtered), len(m.saved), len(m.tunnels), clampRefresh(m.cfg.UI.RefreshSeconds))
	filterLine := fmt.Sprintf("Filter: %s", m.filter)
	if m.filterMode {
		filterLine += " (typing...)"
	}
	if m.recentFirst {
		filterLine += "  [recent first]"
	}
	quickHelp := "Keys: Enter connect/toggle | t tunnel | tab hosts/saved | n new | / filter | o sort | ? help | q quit"

	var main string
	if m.pane == paneSaved {
		main = m.renderMainPanels("Saved Tunnels", m.savedList(), m.savedDetail())
	} else {
		main = m.renderMainPanels("Hosts", m.hostList(), m.hostDetail())
	}

	tunnels := m.renderPanel("Active Tunnels", m.tunnelTable(), m.effectiveWidth(), lipgloss.Color("63"))
	status := m.renderPanel("Status", m.status, m.effectiveWidth(), lipgloss.Color("205"))
	overlay := ""
	switch {
	case m.prompt != nil:
		overlay = m.renderPanel("Authentication", m.promptView(), m.effectiveWidth(), lipgloss.Color("214"))
	case m.form != nil:
		overlay = m.form.view(m.renderPanel, m.effectiveWidth())
	case m.showHelp:
		overlay = m.renderPanel("Help", m.helpBlock(), m.effectiveWidth(), lipgloss.Color("244"))
	}
	warn := ""
	if len(m.warnings) > 0 {
		warn = "Warnings: " + strings.Join(m.warnings, " | ")
	}
	return lipgloss.JoinVertical(lipgloss.Left, head, subhead, filterLine, quickHelp, main, tunnels, overlay, warn, status)
}

func (m dashboardModel) hostList() string {
	var b strings.Builder
	b.WriteString("j/k to navigate; [T] means active tunnel, [*] saved password.\n")
	for i, h := range m.filtered {
		cursor := " "
		if i == m.sel {
			cursor = ">"
		}
		mark := " "
		if m.hostHasActiveTunnel(h.Alias) {
			mark = "T"
		}
		pw := " "
		if h.HasPassword {
			pw = "*"
		}
		b.WriteString(fmt.Sprintf("%s[%s%s] %-22s %-22s\n", cursor, mark, pw, h.Alias, h.DisplayTarget()))
	}
	if len(m.filtered) == 0 {
		b.WriteString("  (no hosts matched)\n")
	}
	return b.String()
}

func (m dashboardModel) hostDetail() string {
	if len(m.filtered) == 0 {
		return "Pick a host to view connection and tunnel options.\n"
	}
	h := m.filtered[m.sel]
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Alias: %s\nHost: %s\nUser: %s\nPort: %d\nProxyJump: %s\n", h.Alias, h.DisplayTarget(), util.EmptyDash(h.User), h.PortOrDefault(), util.EmptyDash(h.ProxyJump)))
	if h.SourceFile != "" {
		b.WriteString(fmt.Sprintf("Source: %s (read-only)\n", h.SourceFile))
	}
	b.WriteString("Forwards:\n")
	if len(h.Forwards) == 0 {
		b.WriteString("  (none)\n")
	}
	for i, fwd := range h.Forwards {
		b.WriteString(fmt.Sprintf("  [%d] %s:%d -> %s:%d\n", i, util.NormalizeAddr(fwd.LocalAddr, util.LoopbackHost), fwd.LocalPort, fwd.RemoteString(), fwd.RemotePort))
	}
	b.WriteString("\nNext steps:\n")
	b.WriteString(m.guidanceForHost(h))
	return b.String()
}

func (m dashboardModel) guidanceForHost(h model.Host) string {
	lines := []string{"  - Press Enter to open an interactive session."}
	if len(h.Forwards) == 0 {
		lines = append(lines, "  - No LocalForward configured. Add one in ssh config or save a tunnel to enable tunnel controls.")
		return strings.Join(lines, "\n") + "\n"
	}
	if rt, ok := m.tunnelForForward(h.Alias, h.Forwards[0]); ok {
		lines = append(lines, "  - Press t to stop the first LocalForward tunnel.")
		lines = append(lines, fmt.Sprintf("  - Current tunnel state: %s.", rt.Status))
	} else {
		lines = append(lines, "  - Press t to start the first LocalForward tunnel.")
	}
	if len(h.Forwards) > 1 {
		lines = append(lines, fmt.Sprintf("  - This host has %d forwards; the CLI can start a specific one:", len(h.Forwards)))
		lines = append(lines, fmt.Sprintf("    sshgate tunnel up %s --forward 1", h.Alias))
	}
	return strings.Join(lines, "\n") + "\n"
}

func (m dashboardModel) savedList() string {
	var b strings.Builder
	b.WriteString("Enter or t starts/stops the selected tunnel.\n")
	for i, c := range m.saved {
		cursor := " "
		if i == m.savedSel {
			cursor = ">"
		}
		mark := " "
		if _, ok := m.savedRunning(c.ID); ok {
			mark = "T"
		}
		b.WriteString(fmt.Sprintf("%s[%s] %-22s %-8s %d\n", cursor, mark, c.Name, c.TunnelType, c.LocalPort))
	}
	if len(m.saved) == 0 {
		b.WriteString("  (no saved tunnels; add one with `sshgate saved add`)\n")
	}
	return b.String()
}

func (m dashboardModel) savedDetail() string {
	if len(m.saved) == 0 {
		return "Saved tunnels appear here.\n"
	}
	c := m.saved[m.savedSel]
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Name: %s\nType: %s\nLocal: %s\n", c.Name, c.TunnelType, util.JoinHostPort(util.BindHost(c.GatewayPorts), c.LocalPort)))
	if c.TunnelType == model.TunnelLocal {
		b.WriteString(fmt.Sprintf("Remote: %s\n", util.JoinHostPort(c.RemoteHost, c.RemotePort)))
	}
	if c.HostSource == model.HostSourceSSHConfig {
		b.WriteString(fmt.Sprintf("Host: %s\n", c.HostAlias))
	} else {
		b.WriteString(fmt.Sprintf("Host: %s@%s (manual)\n", c.ManualHost.User, c.ManualHost.HostName))
	}
	if rt, ok := m.savedRunning(c.ID); ok {
		b.WriteString(fmt.Sprintf("State: %s since %s\n", rt.Status, rt.StartedAt.Local().Format(time.TimeOnly)))
	} else {
		b.WriteString("State: stopped\n")
	}
	return b.String()
}

func (m dashboardModel) tunnelTable() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%-16s %-8s %-22s %-24s %-13s %s\n", "HOST", "TYPE", "LOCAL", "REMOTE", "STATE", "SINCE"))
	for _, rt := range m.tunnels {
		remote := rt.RemoteAddr
		if rt.Type == model.TunnelDynamic {
			remote = "socks5"
		}
		b.WriteString(fmt.Sprintf("%-16s %-8s %-22s %-24s %-13s %s\n", rt.Alias, rt.Type, rt.LocalAddr, remote, rt.Status, rt.StartedAt.Local().Format(time.TimeOnly)))
	}
	if len(m.tunnels) == 0 {
		b.WriteString("(none)\n")
	}
	return b.String()
}

func (m dashboardModel) promptView() string {
	p := m.prompt
	if hk := p.result.HostKeyVerificationRequired; hk != nil {
		var b strings.Builder
		if hk.Changed {
			b.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render("WARNING: the host key has changed.") + "\n")
		}
		b.WriteString(fmt.Sprintf("Host %s (%s)\nFingerprint: %s\n\nTrust this host key? y/n, Esc cancels", hk.Alias, hk.HostAddress, hk.Fingerprint))
		return b.String()
	}
	pr := p.result.PasswordRequired
	var b strings.Builder
	if pr.Retry {
		b.WriteString("Permission denied, please try again.\n")
	}
	b.WriteString(fmt.Sprintf("Password for %s:\n\n  %s\n\nEnter submits, Esc cancels", pr.Alias, p.input.View()))
	return b.String()
}

func (m dashboardModel) renderMainPanels(listTitle, listPanel, detailsPanel string) string {
	width := m.effectiveWidth()
	if width < 96 {
		return lipgloss.JoinVertical(
			lipgloss.Left,
			m.renderPanel(listTitle, listPanel, width, lipgloss.Color("39")),
			m.renderPanel("Details", detailsPanel, width, lipgloss.Color("69")),
		)
	}
	leftWidth := width / 2
	rightWidth := width - leftWidth
	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderPanel(listTitle, listPanel, leftWidth, lipgloss.Color("39")),
		m.renderPanel("Details", detailsPanel, rightWidth, lipgloss.Color("69")),
	)
}

func (m dashboardModel) helpBlock() string {
	return strings.Join([]string{
		"  Navigation: j/k or arrow keys move selection; tab switches hosts and saved tunnels.",
		"  Filtering: press /, type alias/host text, then Enter. o toggles recent-first order.",
		"  Connect: press Enter on a host for an interactive session.",
		"  Tunnel: t toggles the first LocalForward of a host, or the selected saved tunnel.",
		"  New: n opens the new connection form.",
		"  Refresh: r reloads hosts, saved tunnels and tunnel status.",
		"  Quit: press q (or Ctrl+C) and all tunnels are stopped.",
	}, "\n")
}

func (m dashboardModel) effectiveWidth() int {
	if m.width <= 0 {
		return 100
	}
	return m.width
}

func (m dashboardModel) renderPanel(title, body string, width int, accent lipgloss.Color) string {
	if width < 24 {
		width = 24
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title)
	content := strings.TrimSuffix(body, "\n")
	panel := strings.TrimSpace(header + "\n" + content)
	return lipgloss.NewStyle().
		Width(width).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Padding(0, 1).
		Render(panel)
}

func clampRefresh(seconds int) int {
	if seconds <= 0 {
		return util.DefaultRefreshSeconds
	}
	return seconds
}
