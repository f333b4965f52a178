package ui

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"

	"github.com/jddlt/arboris-novel/internal/conn"
	"github.com/jddlt/arboris-novel/internal/session"
)

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.WindowWidth = msg.Width
		m.WindowHeight = msg.Height
		m.layout()
		m.refreshViewport()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.Spinner, cmd = m.Spinner.Update(msg)
		cmds = append(cmds, cmd)

	case SessionEventMsg:
		switch msg.Kind {
		case session.EventConfirmNeeded:
			m.ConfirmOpen = true
			m.ConfirmIdx = 0
		case session.EventRoundError:
			m.Err = msg.Err
			if !msg.Recoverable {
				m.ConfirmOpen = false
			}
		case session.EventRoundDone:
			m.Err = ""
		}
		if !m.Controller.Ledger().HasConfirmation() {
			m.ConfirmOpen = false
		}
		m.refreshViewport()
		m.Viewport.GotoBottom()

	case ConnStatusMsg:
		m.ConnStatus = msg.Status
		m.ConnErr = msg.Err
		if msg.Status == conn.StatusExhausted {
			m.Err = "connection lost; press ctrl+r to reconnect"
		}
		if msg.Status == conn.StatusConnected {
			m.Err = ""
		}
		m.refreshViewport()

	case SubmitResultMsg:
		if msg.Err != nil {
			m.Err = msg.Err.Error()
		} else {
			m.ConfirmOpen = false
		}
		m.refreshViewport()

	case ErrMsg:
		m.Err = msg.Error()

	case tea.KeyMsg:
		if cmd, handled := m.handleKey(msg); handled {
			return m, cmd
		}
		var cmd tea.Cmd
		m.TextInput, cmd = m.TextInput.Update(msg)
		cmds = append(cmds, cmd)

	default:
		var cmd tea.Cmd
		m.TextInput, cmd = m.TextInput.Update(msg)
		cmds = append(cmds, cmd)
	}

	var vpCmd tea.Cmd
	m.Viewport, vpCmd = m.Viewport.Update(msg)
	cmds = append(cmds, vpCmd)

	return m, tea.Batch(cmds...)
}

// handleKey owns the chrome-level keys; everything else falls through to the
// textarea. Returns handled=false only for keys the input should see.
func (m *Model) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch msg.String() {
	case "ctrl+c":
		m.Conn.Disconnect("quit")
		return tea.Quit, true

	case "ctrl+r":
		m.Err = ""
		return m.connectCmd(), true
	}

	if m.ConfirmOpen {
		return m.handleConfirmKey(msg), true
	}

	switch msg.String() {
	case "esc":
		if m.Controller.Streaming() {
			m.Controller.Cancel()
		}
		m.Err = ""
		return nil, true

	case "enter":
		text := strings.TrimSpace(m.TextInput.Value())
		if text == "" {
			return nil, true
		}
		if m.Controller.Streaming() {
			m.Err = "wait for the current round to finish (esc cancels)"
			return nil, true
		}
		if err := m.Controller.SendUserMessage(text); err != nil {
			if errors.Is(err, conn.ErrNotConnected) {
				m.Err = "not connected; press ctrl+r to reconnect"
			} else {
				m.Err = err.Error()
			}
			return nil, true
		}
		m.TextInput.Reset()
		m.Err = ""
		m.refreshViewport()
		m.Viewport.GotoBottom()
		return nil, true
	}

	return nil, false
}

func (m *Model) handleConfirmKey(msg tea.KeyMsg) tea.Cmd {
	req := m.Controller.Ledger().Confirmation()
	if req == nil {
		m.ConfirmOpen = false
		return nil
	}

	switch msg.String() {
	case "up", "k":
		if m.ConfirmIdx > 0 {
			m.ConfirmIdx--
		}
	case "down", "j":
		if m.ConfirmIdx < len(req.Tools)-1 {
			m.ConfirmIdx++
		}
	case "a", "y":
		m.Controller.Approve(req.Tools[m.ConfirmIdx].ID)
	case "r", "n":
		m.Controller.Reject(req.Tools[m.ConfirmIdx].ID)
	case "A":
		m.Controller.ApproveAll()
	case "R":
		m.Controller.RejectAll()
	case "enter":
		return m.submitDecisionsCmd()
	}
	return nil
}

func (m *Model) submitDecisionsCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return SubmitResultMsg{Err: m.Controller.SubmitDecisions(ctx)}
	}
}

func (m *Model) layout() {
	width := m.WindowWidth
	if width > MaxChatWidth {
		width = MaxChatWidth
	}
	m.TextInput.SetWidth(width - 6)

	vpHeight := m.WindowHeight - m.TextInput.Height() - 7
	if vpHeight < 5 {
		vpHeight = 5
	}
	m.Viewport.Width = width
	m.Viewport.Height = vpHeight

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width-4),
	)
	if err == nil {
		m.Renderer = renderer
	}
}
