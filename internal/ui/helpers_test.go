package ui

import (
	"strings"
	"testing"

	"github.com/jddlt/arboris-novel/internal/models"
)

func TestTruncateRunes(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly-ten", 11, "exactly-ten"},
		{"this is too long", 8, "this is…"},
		{"héllo wörld", 6, "héllo…"},
		{"anything", 0, ""},
		{"anything", 1, "…"},
	}
	for _, c := range cases {
		if got := TruncateRunes(c.in, c.max); got != c.want {
			t.Errorf("TruncateRunes(%q, %d) = %q, want %q", c.in, c.max, got, c.want)
		}
	}
}

func TestFormatToolLinePrefersResultMessage(t *testing.T) {
	line := FormatToolLine(&models.ToolExecution{
		ToolName: "add_character",
		Preview:  "Add character Mira",
		Message:  "character added",
		Status:   models.StatusApplied,
	})
	if !strings.Contains(line, "character added") {
		t.Fatalf("line = %q, want result message", line)
	}
	if strings.Contains(line, "Add character Mira") {
		t.Fatalf("line = %q, preview shown despite result", line)
	}
}

func TestFormatToolLineFallsBackToPreview(t *testing.T) {
	line := FormatToolLine(&models.ToolExecution{
		ToolName: "update_outline",
		Preview:  "Rewrite chapter 2",
		Status:   models.StatusPending,
	})
	if !strings.Contains(line, "Rewrite chapter 2") {
		t.Fatalf("line = %q, want preview", line)
	}
}

func TestStatusIconsAreDistinctPerOutcome(t *testing.T) {
	statuses := []models.ToolStatus{
		models.StatusPending,
		models.StatusExecuting,
		models.StatusApplied,
		models.StatusFailed,
		models.StatusRejected,
	}
	seen := map[string]models.ToolStatus{}
	for _, s := range statuses {
		icon := StatusIcon(s)
		if icon == "" {
			t.Fatalf("no icon for %s", s)
		}
		if prev, dup := seen[icon]; dup {
			t.Fatalf("statuses %s and %s share icon %q", prev, s, icon)
		}
		seen[icon] = s
	}
}
