package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jddlt/arboris-novel/internal/conn"
	"github.com/jddlt/arboris-novel/internal/styles"
)

func (m *Model) View() string {
	if m.WindowWidth == 0 {
		return "loading..."
	}

	header := lipgloss.JoinHorizontal(lipgloss.Center,
		styles.TitleStyle.Render("ARBORIS GM"),
		styles.StatusBarStyle.Render(" "+m.ProjectID+"  "),
		m.connBadge(),
	)

	statusLine := m.statusLine()
	input := styles.InputBoxStyle.Width(m.Viewport.Width - 2).Render(m.TextInput.View())
	hint := lipgloss.NewStyle().Foreground(styles.HintColor).
		Render("enter: send • esc: cancel round • ctrl+r: reconnect • ctrl+c: quit")

	body := lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.Viewport.View(),
		statusLine,
		input,
		hint,
	)

	if m.ConfirmOpen {
		modal := m.renderConfirmModal()
		return lipgloss.Place(m.WindowWidth, m.WindowHeight, lipgloss.Center, lipgloss.Center, modal)
	}
	return body
}

func (m *Model) connBadge() string {
	switch m.ConnStatus {
	case conn.StatusConnected:
		return styles.ConnOKStyle.Render("● connected")
	case conn.StatusConnecting:
		return styles.ConnWarnStyle.Render("● connecting")
	case conn.StatusBackingOff:
		return styles.ConnWarnStyle.Render("● reconnecting")
	case conn.StatusExhausted:
		return styles.ConnDownStyle.Render("● offline")
	default:
		return styles.StatusMutedStyle.Render("● idle")
	}
}

func (m *Model) statusLine() string {
	if m.Err != "" {
		return styles.ErrorStyle.Render("⚠ " + m.Err)
	}
	stats := m.Controller.Stats()
	if stats.Succeeded+stats.Failed+stats.Rejected > 0 {
		return styles.StatusBarStyle.Render(fmt.Sprintf(
			"last round: %d applied, %d failed, %d rejected",
			stats.Succeeded, stats.Failed, stats.Rejected,
		))
	}
	return ""
}

// renderConfirmModal shows the active confirmation request with per-action
// decisions and the batch shortcuts.
func (m *Model) renderConfirmModal() string {
	req := m.Controller.Ledger().Confirmation()
	if req == nil {
		return ""
	}

	title := styles.ModalTitleStyle.Render(
		fmt.Sprintf("The GM proposes %d change(s)", len(req.Tools)))

	var items []string
	for i, t := range req.Tools {
		line := fmt.Sprintf("%s %s %s",
			StatusIcon(t.Status),
			styles.ToolNameStyle.Render(t.ToolName),
			TruncateRunes(t.Preview, ConfirmModalWidth-20),
		)
		if t.IsDangerous {
			line += " " + styles.DangerBadgeStyle.Render("DANGER")
		}
		if i == m.ConfirmIdx {
			items = append(items, styles.ModalSelectedStyle.Render(line))
		} else {
			items = append(items, styles.ModalItemStyle.Render(line))
		}
	}

	var pathway string
	if req.AwaitingContinuation {
		pathway = "the GM is waiting; undecided changes are rejected on submit"
	} else {
		pathway = "the round is over; decisions apply through the project API"
	}

	hint := lipgloss.NewStyle().
		Foreground(styles.HintColor).
		PaddingTop(1).
		Render("↑/↓: navigate • a: approve • r: reject • A/R: all • enter: submit\n" + pathway)

	content := lipgloss.JoinVertical(lipgloss.Left,
		title,
		strings.Join(items, "\n"),
		hint,
	)
	return styles.ModalStyle.Width(ConfirmModalWidth).Render(content)
}
