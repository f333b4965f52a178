package ledger

import (
	"testing"

	"github.com/jddlt/arboris-novel/internal/models"
)

func pendingAction(id, name, preview string) *models.ToolExecution {
	return &models.ToolExecution{
		ID:                   id,
		ToolName:             name,
		RequiresConfirmation: true,
		Status:               models.StatusPending,
		Preview:              preview,
	}
}

func TestUpdateStatusTouchesAllViews(t *testing.T) {
	l := New()

	// Same id referenced from history (a prior round's finalized message)
	// and from a fresh confirmation request.
	l.AppendMessage(&models.Message{
		Role: models.RoleAssistant,
		Tools: []*models.ToolExecution{
			pendingAction("a1", "add_character", "Add Mira"),
		},
	})
	l.OpenConfirmation([]*models.ToolExecution{
		pendingAction("a1", "add_character", "Add Mira"),
	}, true, 0)

	if !l.UpdateStatus("a1", models.StatusApplied, "created") {
		t.Fatal("update reported id not found")
	}

	for _, tool := range l.RoundTools() {
		if tool.ID == "a1" && tool.Status != models.StatusApplied {
			t.Fatalf("round view status = %s", tool.Status)
		}
	}
	if got := l.Confirmation().Find("a1").Status; got != models.StatusApplied {
		t.Fatalf("confirmation view status = %s", got)
	}
	hist := l.Messages()[0].Tools[0]
	if hist.Status != models.StatusApplied || hist.Message != "created" {
		t.Fatalf("history view = %s / %q", hist.Status, hist.Message)
	}
}

func TestUpdateStatusIdempotent(t *testing.T) {
	l := New()
	l.OpenConfirmation([]*models.ToolExecution{pendingAction("a1", "add_character", "")}, true, 0)

	l.UpdateStatus("a1", models.StatusApplied, "done")
	l.UpdateStatus("a1", models.StatusApplied, "done")

	tools := l.RoundTools()
	if len(tools) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(tools))
	}
	if tools[0].Status != models.StatusApplied || tools[0].Message != "done" {
		t.Fatalf("entry = %+v", tools[0])
	}
}

func TestUpdateStatusUnknownIDIsNoOp(t *testing.T) {
	l := New()
	l.RecordCall("call-1", "get_characters", nil)

	if l.UpdateStatus("no-such-id", models.StatusFailed, "boom") {
		t.Fatal("unknown id reported as found")
	}
	if got := len(l.RoundTools()); got != 1 {
		t.Fatalf("entry count changed: %d", got)
	}
}

func TestUpdateStatusKeepsMessageWhenEmpty(t *testing.T) {
	l := New()
	l.OpenConfirmation([]*models.ToolExecution{pendingAction("a1", "add_character", "")}, true, 0)

	l.UpdateStatus("a1", models.StatusFailed, "validation error")
	l.UpdateStatus("a1", models.StatusFailed, "")

	if got := l.RoundTools()[0].Message; got != "validation error" {
		t.Fatalf("message = %q", got)
	}
}

func TestResolveResultPrefersCallID(t *testing.T) {
	l := New()
	l.RecordCall("call-1", "search_content", nil)
	l.RecordCall("call-2", "search_content", nil)

	if !l.ResolveResult("call-1", "search_content", true, "3 hits") {
		t.Fatal("result not matched")
	}

	tools := l.RoundTools()
	if tools[0].Status != models.StatusSuccess {
		t.Fatalf("call-1 status = %s", tools[0].Status)
	}
	if tools[1].Status != models.StatusExecuting {
		t.Fatalf("call-2 status = %s", tools[1].Status)
	}
}

func TestResolveResultNameFallbackTakesMostRecentExecuting(t *testing.T) {
	l := New()
	l.RecordCall("", "search_content", nil)
	l.RecordCall("", "search_content", nil)

	if !l.ResolveResult("", "search_content", false, "timeout") {
		t.Fatal("result not matched")
	}

	tools := l.RoundTools()
	if tools[1].Status != models.StatusFailed {
		t.Fatalf("most recent entry status = %s", tools[1].Status)
	}
	if tools[0].Status != models.StatusExecuting {
		t.Fatalf("older entry status = %s", tools[0].Status)
	}
}

func TestResolveResultNameFallbackSkipsSettledEntries(t *testing.T) {
	l := New()
	l.RecordCall("", "get_outlines", nil)
	l.ResolveResult("", "get_outlines", true, "ok")

	// No executing entry left with that name, so a stray result is dropped.
	if l.ResolveResult("", "get_outlines", false, "late duplicate") {
		t.Fatal("settled entry matched again")
	}
	if got := l.RoundTools()[0].Status; got != models.StatusSuccess {
		t.Fatalf("status overwritten to %s", got)
	}
}

func TestRecordCallDedupesByID(t *testing.T) {
	l := New()
	l.RecordCall("call-1", "get_characters", nil)
	l.RecordCall("call-1", "get_characters", nil)

	if got := len(l.RoundTools()); got != 1 {
		t.Fatalf("expected 1 entry, got %d", got)
	}
}

func TestOpenConfirmationReusesAnnouncedCall(t *testing.T) {
	l := New()
	l.RecordCall("a1", "update_outline", map[string]any{"chapter": 3})
	l.OpenConfirmation([]*models.ToolExecution{pendingAction("a1", "update_outline", "Rewrite chapter 3 outline")}, true, 0)

	tools := l.RoundTools()
	if len(tools) != 1 {
		t.Fatalf("id duplicated in round list: %d entries", len(tools))
	}
	entry := tools[0]
	if !entry.RequiresConfirmation || entry.Status != models.StatusPending {
		t.Fatalf("entry = %+v", entry)
	}
	if entry.Preview != "Rewrite chapter 3 outline" {
		t.Fatalf("preview = %q", entry.Preview)
	}
}

func TestUpdateStatusesAppliesBothLists(t *testing.T) {
	l := New()
	l.OpenConfirmation([]*models.ToolExecution{
		pendingAction("a1", "add_character", ""),
		pendingAction("a2", "add_character", ""),
		pendingAction("a3", "delete_character", ""),
	}, true, 0)

	l.UpdateStatuses([]string{"a1", "a2"}, []string{"a3"}, models.StatusApproved, models.StatusRejected)

	want := map[string]models.ToolStatus{
		"a1": models.StatusApproved,
		"a2": models.StatusApproved,
		"a3": models.StatusRejected,
	}
	for _, tool := range l.RoundTools() {
		if tool.Status != want[tool.ID] {
			t.Fatalf("%s status = %s, want %s", tool.ID, tool.Status, want[tool.ID])
		}
	}
}

func TestFinalizeRoundDeepCopiesState(t *testing.T) {
	l := New()
	l.RecordCall("call-1", "get_characters", map[string]any{"limit": 3})
	l.ResolveResult("call-1", "get_characters", true, "3 characters")

	msg := l.FinalizeRound("here they are")
	if msg == nil || msg.Role != models.RoleAssistant {
		t.Fatalf("finalized message = %+v", msg)
	}
	if len(l.RoundTools()) != 0 {
		t.Fatal("round not cleared")
	}

	// A new round with a colliding id must not reach back into history.
	l.RecordCall("call-1", "get_characters", nil)
	l.ResetRound()

	hist := l.Messages()[0]
	if len(hist.Tools) != 1 || hist.Tools[0].Status != models.StatusSuccess {
		t.Fatalf("history mutated: %+v", hist.Tools)
	}
}

func TestFinalizeRoundKeepsOutOfBandConfirmation(t *testing.T) {
	l := New()
	l.OpenConfirmation([]*models.ToolExecution{
		pendingAction("a1", "add_character", "Add Mira"),
	}, false, 0)

	if l.FinalizeRound("proposed one change") == nil {
		t.Fatal("round with pending action finalized to nothing")
	}
	req := l.Confirmation()
	if req == nil || req.Find("a1") == nil {
		t.Fatalf("out-of-band confirmation dropped at finalize: %+v", req)
	}

	// The surviving request and the history entry are the same record.
	l.UpdateStatus("a1", models.StatusApplied, "character added")
	if got := l.Confirmation().Find("a1").Status; got != models.StatusApplied {
		t.Fatalf("confirmation view = %s", got)
	}
	if got := l.Messages()[0].Tools[0].Status; got != models.StatusApplied {
		t.Fatalf("history view = %s", got)
	}
}

func TestFinalizeRoundDropsInBandConfirmation(t *testing.T) {
	l := New()
	l.OpenConfirmation([]*models.ToolExecution{
		pendingAction("a1", "add_character", ""),
	}, true, 0)

	l.FinalizeRound("done")
	if l.HasConfirmation() {
		t.Fatal("in-band confirmation survived finalize")
	}
}

func TestFinalizeRoundEmptyProducesNothing(t *testing.T) {
	l := New()
	if msg := l.FinalizeRound(""); msg != nil {
		t.Fatalf("expected nil message, got %+v", msg)
	}
	if l.MessageCount() != 0 {
		t.Fatal("empty round appended to history")
	}
}

func TestTruncateKeepsPrefixAndToolState(t *testing.T) {
	l := New()
	for i := 0; i < 7; i++ {
		role := models.RoleUser
		tools := []*models.ToolExecution(nil)
		if i%2 == 1 {
			role = models.RoleAssistant
			tools = []*models.ToolExecution{{
				ID:       "a" + string(rune('0'+i)),
				ToolName: "update_outline",
				Status:   models.StatusApplied,
			}}
		}
		l.AppendMessage(&models.Message{Role: role, Content: "m", Tools: tools})
	}

	l.Truncate(4)

	msgs := l.Messages()
	if len(msgs) != 4 {
		t.Fatalf("message count = %d", len(msgs))
	}
	if len(msgs[1].Tools) != 1 || msgs[1].Tools[0].Status != models.StatusApplied {
		t.Fatalf("retained message lost tool state: %+v", msgs[1].Tools)
	}
}

func TestLoadHistoryReplacesEverything(t *testing.T) {
	l := New()
	l.AdoptConversationID("old")
	l.RecordCall("call-1", "get_characters", nil)
	l.OpenConfirmation([]*models.ToolExecution{pendingAction("a1", "add_character", "")}, true, 0)

	l.LoadHistory("new-conv", []*models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "hello", Tools: []*models.ToolExecution{
			pendingAction("b1", "add_character", "Add Bo"),
		}},
	})

	if l.ConversationID() != "new-conv" {
		t.Fatalf("conversation id = %q", l.ConversationID())
	}
	if l.HasConfirmation() || len(l.RoundTools()) != 0 {
		t.Fatal("round state survived history load")
	}
	msgs := l.Messages()
	if len(msgs) != 2 || len(msgs[1].PendingTools()) != 1 {
		t.Fatalf("loaded history wrong: %+v", msgs)
	}
}
