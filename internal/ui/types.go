package ui

import (
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"

	"github.com/jddlt/arboris-novel/internal/client"
	"github.com/jddlt/arboris-novel/internal/conn"
	"github.com/jddlt/arboris-novel/internal/session"
)

const (
	MaxChatWidth      = 100
	ConfirmModalWidth = 64
)

type ErrMsg error

// SessionEventMsg forwards a session state change into the bubbletea loop.
type SessionEventMsg session.Event

// ConnStatusMsg reports a connection lifecycle transition.
type ConnStatusMsg struct {
	Status conn.Status
	Err    error
}

// SubmitResultMsg reports the outcome of submitting confirmation decisions.
type SubmitResultMsg struct{ Err error }

type Model struct {
	Viewport  viewport.Model
	TextInput textarea.Model
	Spinner   spinner.Model
	Renderer  *glamour.TermRenderer

	Controller *session.Controller
	Conn       *conn.Manager
	API        *client.Client
	Program    *tea.Program

	ProjectID    string
	WindowWidth  int
	WindowHeight int

	ConnStatus conn.Status
	ConnErr    error
	Err        string

	// Confirmation dialog state. ConfirmIdx indexes into the active
	// request's action list.
	ConfirmOpen bool
	ConfirmIdx  int
}
