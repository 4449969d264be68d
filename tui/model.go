package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/askcontinue/askcontinue-core/dialog"
	"github.com/askcontinue/askcontinue-core/registry"
)

const draftHeight = 6

type openMsg struct {
	gen     uint64
	content dialog.Content
	emit    func(dialog.Event)
}

type updateMsg struct {
	gen     uint64
	content dialog.Content
}

type closeMsg struct {
	gen uint64
}

type statusMsg string

type theme struct {
	header  lipgloss.Style
	badge   lipgloss.Style
	panel   lipgloss.Style
	title   lipgloss.Style
	help    lipgloss.Style
	status  lipgloss.Style
	errText lipgloss.Style
	idle    lipgloss.Style
}

func newTheme() theme {
	accent := lipgloss.Color("#01cdfe")
	warn := lipgloss.Color("#ffd166")
	muted := lipgloss.Color("#9ca3d8")
	return theme{
		header: lipgloss.NewStyle().Bold(true).Foreground(accent),
		badge:  lipgloss.NewStyle().Foreground(warn),
		panel: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(muted).
			Padding(0, 1),
		title:   lipgloss.NewStyle().Bold(true),
		help:    lipgloss.NewStyle().Foreground(muted),
		status:  lipgloss.NewStyle().Foreground(accent),
		errText: lipgloss.NewStyle().Foreground(lipgloss.Color("#ff71ce")).Bold(true),
		idle:    lipgloss.NewStyle().Foreground(muted).Padding(1, 2),
	}
}

type model struct {
	open    bool
	gen     uint64
	content dialog.Content
	emit    func(dialog.Event)

	draft   textarea.Model
	summary viewport.Model
	width   int
	height  int

	status    string
	statusErr bool
	actions   Actions
	theme     theme
}

func newModel(actions Actions) model {
	draft := textarea.New()
	draft.Placeholder = "Feedback for the next round (\"@image <path>\" on its own line attaches an image)"
	draft.ShowLineNumbers = false
	draft.SetHeight(draftHeight)
	draft.CharLimit = 0

	return model{
		draft:   draft,
		summary: viewport.New(0, 0),
		actions: actions,
		theme:   newTheme(),
	}
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		return m, nil

	case openMsg:
		m.gen = msg.gen
		m.emit = msg.emit
		m.draft.Reset()
		return m.show(msg.content)

	case updateMsg:
		if msg.gen != m.gen {
			return m, nil
		}
		return m.show(msg.content)

	case closeMsg:
		if msg.gen == m.gen {
			m.hide()
		}
		return m, nil

	case statusMsg:
		m.status, m.statusErr = string(msg), true
		return m, nil

	case tea.KeyMsg:
		if m.open {
			return m.handleDialogKey(msg)
		}
		return m.handleIdleKey(msg)
	}

	if m.open {
		var cmd tea.Cmd
		m.draft, cmd = m.draft.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m model) show(c dialog.Content) (tea.Model, tea.Cmd) {
	m.open = true
	m.content = c
	m.status, m.statusErr = "", false
	m.renderSummary()
	cmd := m.draft.Focus()
	return m, cmd
}

func (m *model) hide() {
	m.open = false
	m.draft.Blur()
	m.draft.Reset()
}

func (m model) handleDialogKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+s":
		feedback, attachments, err := parseDraft(m.draft.Value())
		if err != nil {
			m.status, m.statusErr = err.Error(), true
			return m, nil
		}
		return m.decide(registry.Decision{Action: registry.ActionContinue, Feedback: feedback, Attachments: attachments})
	case "ctrl+e":
		return m.decide(registry.Decision{Action: registry.ActionEnd})
	case "ctrl+c":
		return m.decide(registry.Decision{Action: registry.ActionCancel})
	case "ctrl+r":
		return m, m.run(m.actions.ForceRetry)
	case "esc":
		ev := dialog.Event{Kind: dialog.EventClosed, RequestID: m.content.RequestID}
		emit := m.emit
		m.hide()
		return m, emitCmd(emit, ev)
	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.summary, cmd = m.summary.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.draft, cmd = m.draft.Update(msg)
	return m, cmd
}

// decide hides the dialog and hands d to the reconciler, which will either
// show the next request or close this surface.
func (m model) decide(d registry.Decision) (tea.Model, tea.Cmd) {
	ev := dialog.Event{Kind: dialog.EventDecision, RequestID: m.content.RequestID, Decision: d}
	emit := m.emit
	m.hide()
	m.status, m.statusErr = fmt.Sprintf("sent %s", d.Action), false
	return m, emitCmd(emit, ev)
}

func (m model) handleIdleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "r":
		return m, m.run(m.actions.Reopen)
	case "f":
		return m, m.run(m.actions.ForceOpen)
	case "e":
		return m, m.run(m.actions.ForceEnd)
	case "t":
		return m, m.run(m.actions.ForceRetry)
	}
	return m, nil
}

func (m model) run(f func()) tea.Cmd {
	if f == nil {
		return nil
	}
	return func() tea.Msg {
		f()
		return nil
	}
}

func emitCmd(emit func(dialog.Event), ev dialog.Event) tea.Cmd {
	if emit == nil {
		return nil
	}
	return func() tea.Msg {
		emit(ev)
		return nil
	}
}

func (m *model) layout() {
	w := max(m.width-4, 20)
	m.draft.SetWidth(w)
	m.summary.Width = w
	m.summary.Height = max(m.height-draftHeight-10, 3)
	m.renderSummary()
}

func (m *model) renderSummary() {
	text := m.content.Summary
	if strings.TrimSpace(text) == "" {
		text = "(no summary)"
	}
	if m.summary.Width > 0 {
		text = lipgloss.NewStyle().Width(m.summary.Width).Render(text)
	}
	m.summary.SetContent(text)
	m.summary.GotoTop()
}

func (m model) View() string {
	var b strings.Builder
	if !m.open {
		b.WriteString(m.theme.idle.Render("No request in focus.\n\nr reopen · f force open · e force end · t force retry · q quit"))
	} else {
		header := "Ask Continue"
		if m.content.Round > 0 {
			header += fmt.Sprintf(" · round %d", m.content.Round)
		}
		b.WriteString(m.theme.header.Render(header))
		if m.content.Synthetic {
			b.WriteString(m.theme.badge.Render("  (opened manually, nothing will be sent)"))
		}
		if m.content.Waiting > 0 {
			b.WriteString(m.theme.badge.Render(fmt.Sprintf("  %d more waiting", m.content.Waiting)))
		}
		b.WriteString("\n")
		b.WriteString(m.theme.panel.Render(m.theme.title.Render("Summary") + "\n" + m.summary.View()))
		b.WriteString("\n")
		b.WriteString(m.theme.panel.Render(m.draft.View()))
		b.WriteString("\n")
		b.WriteString(m.theme.help.Render("ctrl+s continue · ctrl+e end · ctrl+c cancel · esc close · ctrl+r force retry · pgup/pgdown scroll"))
	}
	if m.status != "" {
		b.WriteString("\n")
		if m.statusErr {
			b.WriteString(m.theme.errText.Render(m.status))
		} else {
			b.WriteString(m.theme.status.Render(m.status))
		}
	}
	return b.String()
}
