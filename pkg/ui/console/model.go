package console

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type mode int

const (
	modeInteractive mode = iota
	modeOneShot
)

const (
	roleUser   = "user"
	roleBot    = "bot"
	roleSilent = "silent"
	roleError  = "error"
)

const mouseWheelLines = 3

type entry struct {
	role    string
	handler string
	content string
}

type dispatchResultMsg struct {
	result Result
	err    error
}

type bootTickMsg struct{}

type model struct {
	ctx          context.Context
	session      Session
	mode         mode
	oneShotInput string

	theme     theme
	spinner   spinner.Model
	input     textinput.Model
	viewport  viewport.Model
	entries   []entry
	width     int
	height    int
	isReady   bool
	isLoading bool
	lastErr   string
	booting   bool
	bootStep  int
	followLog bool
	replies   int
}

func newModel(ctx context.Context, session Session, runMode mode, text string) *model {
	spin := spinner.New()
	spin.Spinner = spinner.MiniDot
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))

	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = "/帮助"
	in.Focus()
	in.CharLimit = 0

	return &model{
		ctx:          ctx,
		session:      session,
		mode:         runMode,
		oneShotInput: strings.TrimSpace(text),
		theme:        defaultTheme(),
		spinner:      spin,
		input:        in,
		viewport:     viewport.New(80, 12),
		width:        100,
		height:       28,
		booting:      runMode == modeInteractive,
		followLog:    true,
	}
}

func (m *model) Init() tea.Cmd {
	if m.mode == modeOneShot && m.oneShotInput != "" {
		return m.submit(m.oneShotInput)
	}

	return bootTickCmd()
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case bootTickMsg:
		if !m.booting {
			return m, nil
		}

		m.bootStep++
		if m.bootStep < len(m.bootScript())+1 {
			return m, bootTickCmd()
		}

		m.booting = false
		return m, textinput.Blink
	case tea.MouseMsg:
		if m.mode == modeInteractive && !m.booting {
			m.handleViewportMouse(typed)
		}
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		}

		if m.booting || m.mode == modeOneShot {
			return m, nil
		}
		if m.handleViewportKey(typed) {
			return m, nil
		}

		if typed.String() == "enter" {
			if m.isLoading {
				return m, nil
			}

			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			if isExitCommand(text) {
				return m, tea.Quit
			}

			m.input.SetValue("")
			m.followLog = true
			return m, m.submit(text)
		}
	}

	if m.mode == modeInteractive {
		m.input, cmd = m.input.Update(msg)
	}

	switch typed := msg.(type) {
	case spinner.TickMsg:
		if !m.isLoading {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	case dispatchResultMsg:
		m.isLoading = false
		switch {
		case typed.err != nil:
			m.lastErr = typed.err.Error()
			m.entries = append(m.entries, entry{role: roleError, content: typed.err.Error()})
		case typed.result.Handler == "":
			m.lastErr = ""
			m.entries = append(m.entries, entry{role: roleSilent, content: "no handler replied"})
		default:
			m.lastErr = ""
			m.replies++
			m.entries = append(m.entries, entry{role: roleBot, handler: typed.result.Handler, content: typed.result.Reply})
		}
		m.refreshViewport(false)
		if m.mode == modeOneShot {
			return m, tea.Quit
		}
	}

	return m, cmd
}

func (m *model) submit(text string) tea.Cmd {
	m.lastErr = ""
	m.entries = append(m.entries, entry{role: roleUser, content: text})
	m.isLoading = true
	m.refreshViewport(true)
	return tea.Batch(m.spinner.Tick, dispatchCmd(m.ctx, m.session, text))
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}
	if m.mode == modeOneShot {
		return m.oneShotView()
	}
	if m.booting {
		return m.bootView()
	}

	header := m.theme.header.Width(m.width - 2).Render("📟 QQBot Console")
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"handlers:%s · sent:%d · replies:%d",
		handlerList(m.session),
		sentCount(m.entries),
		m.replies,
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	status := m.theme.status.Render("💡 Enter send  ·  PgUp/PgDn or wheel scroll  ·  End jump latest  ·  🛑 Ctrl+C/Esc quit")
	if m.isLoading {
		status = m.theme.statusBusy.Render(fmt.Sprintf("%s dispatching...", m.spinner.View()))
	}
	if m.lastErr != "" {
		status = m.theme.statusErr.Render("🚨 last dispatch failed")
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		meta,
		line,
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		status,
		m.theme.inputLabel.Render("⌨️  Message")+" "+m.theme.hint.Render("(type /exit, quit, or :q)"),
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)
}

func (m *model) resizeComponents() {
	w := max(50, m.width-6)
	h := m.height - 10
	if m.mode == modeOneShot {
		h = m.height - 6
	}

	m.viewport.Width = w
	m.viewport.Height = max(8, h)
	m.input.Width = w - 2
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset

	sections := make([]string, 0, len(m.entries))
	for _, item := range m.entries {
		sections = append(sections, m.renderEntry(item, m.viewport.Width))
	}

	m.viewport.SetContent(strings.Join(sections, "\n\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := max(0, m.viewport.TotalLineCount()-m.viewport.Height)
	m.viewport.SetYOffset(min(previousOffset, maxOffset))
}

func (m *model) renderEntry(item entry, width int) string {
	body := strings.TrimSpace(item.content)
	switch item.role {
	case roleUser:
		return renderCard(m.theme.userTitle.Render("▸ you"), m.theme.userBox.Width(width).Render(body))
	case roleBot:
		return renderCard(m.theme.botTitle.Render("◂ "+item.handler), m.theme.botBox.Width(width).Render(body))
	case roleSilent:
		return renderCard(m.theme.quietTitle.Render("· silent"), m.theme.quietBox.Width(width).Render(body))
	default:
		return renderCard(m.theme.errorTitle.Render("✖ error"), m.theme.errorBox.Width(width).Render(body))
	}
}

func renderCard(title string, body string) string {
	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

func (m *model) oneShotView() string {
	width := max(40, m.width-6)
	parts := []string{m.renderEntry(entry{role: roleUser, content: m.oneShotInput}, width)}

	if m.isLoading {
		parts = append(parts, m.theme.statusBusy.Render(fmt.Sprintf("%s dispatching...", m.spinner.View())))
		return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n"
	}
	if len(m.entries) > 1 {
		parts = append(parts, m.renderEntry(m.entries[len(m.entries)-1], width))
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n\n"
}

func (m *model) bootView() string {
	header := m.theme.header.Width(m.width - 2).Render("📟 QQBot Console")
	meta := m.theme.headerMeta.Render("starting")
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	script := m.bootScript()
	count := min(m.bootStep, len(script))
	visible := make([]string, 0, count+1)
	for _, text := range script[:count] {
		visible = append(visible, m.theme.bootLine.Render(text))
	}
	if m.bootStep > len(script) {
		visible = append(visible, m.theme.bootDone.Render("✅ console ready"))
	}

	body := m.theme.viewport.Width(m.width - 2).Render(strings.Join(visible, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, header, meta, line, body)
}

func (m *model) bootScript() []string {
	lines := []string{"[BOOT] handler directory scanned"}
	for _, name := range m.handlerNames() {
		lines = append(lines, "[BOOT] unit "+name+" active")
	}
	return append(lines, "[BOOT] replies stay local, nothing is sent to QQ")
}

func (m *model) handlerNames() []string {
	if m.session == nil {
		return nil
	}
	return m.session.Handlers()
}

func bootTickCmd() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(_ time.Time) tea.Msg {
		return bootTickMsg{}
	})
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		m.followLog = m.viewport.AtBottom()
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}

	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.ScrollUp(mouseWheelLines)
		m.followLog = false
		return true
	case tea.MouseButtonWheelDown:
		m.viewport.ScrollDown(mouseWheelLines)
		m.followLog = m.viewport.AtBottom()
		return true
	default:
		return false
	}
}

func dispatchCmd(ctx context.Context, session Session, text string) tea.Cmd {
	return func() tea.Msg {
		result, err := session.Dispatch(ctx, text)
		return dispatchResultMsg{result: result, err: err}
	}
}

func handlerList(session Session) string {
	if session == nil {
		return "n/a"
	}
	names := session.Handlers()
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

func sentCount(entries []entry) int {
	count := 0
	for _, item := range entries {
		if item.role == roleUser {
			count++
		}
	}

	return count
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}
