package ui

import (
	"fmt"
	"strings"

	"github.com/jddlt/arboris-novel/internal/models"
	"github.com/jddlt/arboris-novel/internal/styles"
)

// refreshViewport rebuilds the chat transcript from the ledger plus the live
// round's ephemeral state.
func (m *Model) refreshViewport() {
	var blocks []string

	for i, msg := range m.Controller.Ledger().Messages() {
		switch msg.Role {
		case models.RoleUser:
			blocks = append(blocks, FormatUserMessage(msg.Content, m.Viewport.Width, i == 0))
		case models.RoleAssistant:
			blocks = append(blocks, m.formatGMMessage(msg))
		}
	}

	if m.Controller.Streaming() || len(m.Controller.Ledger().RoundTools()) > 0 {
		blocks = append(blocks, m.formatLiveRound())
	}

	m.Viewport.SetContent(strings.Join(blocks, "\n\n"))
}

func FormatUserMessage(content string, width int, isFirst bool) string {
	label := styles.UserLabelStyle.Render("YOU")
	msg := styles.UserMsgStyle.Width(width - 4).Render(content)
	if isFirst {
		return fmt.Sprintf("\n%s\n%s", label, msg)
	}
	return fmt.Sprintf("%s\n%s", label, msg)
}

func (m *Model) formatGMMessage(msg *models.Message) string {
	label := styles.GMLabelStyle.Render("GM")
	parts := []string{label}
	if lines := FormatToolLines(msg.Tools); lines != "" {
		parts = append(parts, lines)
	}
	if msg.Content != "" {
		parts = append(parts, styles.GMMsgStyle.Render(m.renderMarkdown(msg.Content)))
	}
	return strings.Join(parts, "\n")
}

// formatLiveRound renders the in-flight round: tool progress plus whatever
// text has arrived so far.
func (m *Model) formatLiveRound() string {
	label := styles.GMLabelStyle.Render("GM")
	parts := []string{label}
	if lines := FormatToolLines(m.Controller.Ledger().RoundTools()); lines != "" {
		parts = append(parts, lines)
	}
	if buf := m.Controller.StreamBuffer(); buf != "" {
		parts = append(parts, styles.GMMsgStyle.Render(m.renderMarkdown(buf)))
	}
	if m.Controller.Streaming() {
		parts = append(parts, styles.StatusMutedStyle.Render(m.Spinner.View()+" thinking..."))
	}
	return strings.Join(parts, "\n")
}

func (m *Model) renderMarkdown(content string) string {
	if m.Renderer == nil {
		return content
	}
	out, err := m.Renderer.Render(content)
	if err != nil {
		return content
	}
	return strings.TrimRight(out, "\n")
}

func FormatToolLines(tools []*models.ToolExecution) string {
	var lines []string
	for _, t := range tools {
		lines = append(lines, FormatToolLine(t))
	}
	return strings.Join(lines, "\n")
}

// FormatToolLine renders one tool entry: status glyph, name, and either the
// preview (confirmables) or the result message.
func FormatToolLine(t *models.ToolExecution) string {
	icon := StatusIcon(t.Status)
	name := styles.ToolNameStyle.Render(t.ToolName)

	detail := t.Preview
	if t.Message != "" {
		detail = t.Message
	}
	detail = TruncateRunes(detail, 70)

	line := fmt.Sprintf("%s %s", icon, name)
	if detail != "" {
		line += " " + styles.StatusMutedStyle.Render(detail)
	}
	if t.IsDangerous && !t.Status.Terminal() {
		line += " " + styles.DangerBadgeStyle.Render("!")
	}
	return styles.ToolLineStyle.Render(line)
}

// StatusIcon maps a tool status to its transcript glyph.
func StatusIcon(s models.ToolStatus) string {
	switch s {
	case models.StatusApplied, models.StatusSuccess:
		return styles.StatusSuccessStyle.Render("✓")
	case models.StatusFailed:
		return styles.StatusFailStyle.Render("✗")
	case models.StatusRejected:
		return styles.StatusMutedStyle.Render("⊘")
	case models.StatusApproved:
		return styles.StatusSuccessStyle.Render("●")
	case models.StatusExecuting:
		return styles.StatusPendingStyle.Render("…")
	default:
		return styles.StatusPendingStyle.Render("?")
	}
}

func TruncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 1 {
		return "…"
	}
	return string(r[:max-1]) + "…"
}
