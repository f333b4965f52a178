package ui

import (
	"context"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jddlt/arboris-novel/internal/client"
	"github.com/jddlt/arboris-novel/internal/conn"
	"github.com/jddlt/arboris-novel/internal/protocol"
	"github.com/jddlt/arboris-novel/internal/session"
	"github.com/jddlt/arboris-novel/internal/styles"
)

type Options struct {
	ServerURL string
	ProjectID string
}

func InitialModel(opts Options) *Model {
	styles.InitTheme()

	ti := textarea.New()
	ti.Placeholder = "Tell the GM what should happen next..."
	ti.Prompt = "❯ "
	ti.ShowLineNumbers = false
	ti.CharLimit = 0
	ti.MaxHeight = 6
	ti.SetHeight(2)
	ti.SetWidth(80)
	ti.FocusedStyle.Prompt = lipgloss.NewStyle().Foreground(lipgloss.Color("#B39DDB")).Bold(true)
	ti.BlurredStyle.Prompt = lipgloss.NewStyle().Foreground(lipgloss.Color("#B39DDB")).Bold(true)
	ti.FocusedStyle.Placeholder = lipgloss.NewStyle().Foreground(lipgloss.Color("#545454"))
	ti.BlurredStyle.Placeholder = lipgloss.NewStyle().Foreground(lipgloss.Color("#545454"))
	ti.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ti.BlurredStyle.CursorLine = lipgloss.NewStyle()
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#B39DDB"))

	api := client.New(opts.ServerURL, opts.ProjectID)

	m := &Model{
		Viewport:   viewport.New(60, 15),
		TextInput:  ti,
		Spinner:    sp,
		API:        api,
		ProjectID:  opts.ProjectID,
		ConnStatus: conn.StatusIdle,
	}

	var mgr *conn.Manager
	ctrl := session.New(session.Config{
		Send: func(f *protocol.ClientFrame) error {
			return mgr.Send(context.Background(), f)
		},
		API: api,
		Notify: func(e session.Event) {
			if m.Program != nil {
				m.Program.Send(SessionEventMsg(e))
			}
		},
	})
	mgr = conn.NewManager(conn.Config{
		URL:     api.WebsocketURL(),
		OnFrame: ctrl.HandleFrame,
		OnStatus: func(s conn.Status, err error) {
			if m.Program != nil {
				m.Program.Send(ConnStatusMsg{Status: s, Err: err})
			}
		},
		OnDisconnect: ctrl.HandleDisconnect,
	})

	m.Controller = ctrl
	m.Conn = mgr
	return m
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.TextInput.Cursor.BlinkCmd(),
		m.Spinner.Tick,
		m.connectCmd(),
	)
}

func (m *Model) connectCmd() tea.Cmd {
	return func() tea.Msg {
		_ = m.Conn.Connect(context.Background())
		return nil
	}
}

func NewProgram(opts Options) *tea.Program {
	m := InitialModel(opts)
	p := tea.NewProgram(m, tea.WithAltScreen())
	m.Program = p
	return p
}
