package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jddlt/arboris-novel/internal/db"
	"github.com/jddlt/arboris-novel/internal/protocol"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	dbh, err := db.Open(filepath.Join(t.TempDir(), "gm.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { dbh.Close() })

	s := New(Config{DB: dbh})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

// seedRound writes a conversation with one assistant message carrying the
// given pending actions, returning the conversation id.
func seedRound(t *testing.T, s *Server, actions ...db.ActionRow) string {
	t.Helper()
	const convID = "conv-test"
	if err := db.CreateConversation(s.db, convID, "proj", "test", 100); err != nil {
		t.Fatal(err)
	}
	if _, err := db.InsertMessage(s.db, convID, "user", "make changes", 100); err != nil {
		t.Fatal(err)
	}
	msgID, err := db.InsertMessage(s.db, convID, "assistant", "proposed", 101)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range actions {
		a.MessageID = msgID
		a.Status = "pending"
		if err := db.InsertAction(s.db, a, convID, "proj", 101); err != nil {
			t.Fatal(err)
		}
	}
	return convID
}

func postJSON(t *testing.T, url string, body, out any) int {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestApplyExecutesPendingActions(t *testing.T) {
	s, ts := newTestServer(t)
	seedRound(t, s,
		db.ActionRow{ID: "a1", ToolName: "add_character", Params: `{"name":"Mira","description":"A wary scout"}`, Preview: `Add character "Mira"`},
		db.ActionRow{ID: "a2", ToolName: "delete_character", Params: `{"name":"Nobody"}`, Preview: `Delete character "Nobody"`, IsDangerous: true},
	)

	var resp protocol.ApplyResponse
	status := postJSON(t, ts.URL+"/api/projects/proj/gm/apply", protocol.ApplyRequest{ActionIDs: []string{"a1", "a2", "ghost"}}, &resp)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}

	if len(resp.Applied) != 1 || resp.Applied[0] != "a1" {
		t.Fatalf("applied = %v", resp.Applied)
	}
	if len(resp.Results) != 3 {
		t.Fatalf("results = %+v", resp.Results)
	}
	byID := map[string]protocol.ActionResult{}
	for _, r := range resp.Results {
		byID[r.ActionID] = r
	}
	if !byID["a1"].Success {
		t.Fatalf("a1 = %+v", byID["a1"])
	}
	if byID["a2"].Success {
		t.Fatal("deleting a missing character reported success")
	}
	if byID["ghost"].Success || byID["ghost"].Message != "unknown action" {
		t.Fatalf("ghost = %+v", byID["ghost"])
	}

	// The apply took effect on the story state and the action record.
	if _, err := db.GetCharacter(s.db, "proj", "Mira"); err != nil {
		t.Fatalf("character not created: %v", err)
	}
	a1, _ := db.GetAction(s.db, "a1")
	a2, _ := db.GetAction(s.db, "a2")
	if a1.Status != "applied" || a2.Status != "failed" {
		t.Fatalf("statuses = %s, %s", a1.Status, a2.Status)
	}

	// The settlement is on the record for the next turn.
	msgs, err := db.GetMessages(s.db, "conv-test")
	if err != nil {
		t.Fatal(err)
	}
	last := msgs[len(msgs)-1]
	if last.Role != "tool" {
		t.Fatalf("last message role = %s, want tool settlement note", last.Role)
	}
	if !strings.Contains(last.Content, `applied add_character: added character "Mira"`) {
		t.Fatalf("settlement note = %q", last.Content)
	}
}

func TestApplyIsNotRepeatable(t *testing.T) {
	s, ts := newTestServer(t)
	seedRound(t, s, db.ActionRow{ID: "a1", ToolName: "add_character", Params: `{"name":"Mira","description":"scout"}`})

	url := ts.URL + "/api/projects/proj/gm/apply"
	var first protocol.ApplyResponse
	postJSON(t, url, protocol.ApplyRequest{ActionIDs: []string{"a1"}}, &first)

	var second protocol.ApplyResponse
	postJSON(t, url, protocol.ApplyRequest{ActionIDs: []string{"a1"}}, &second)
	if len(second.Applied) != 0 {
		t.Fatalf("second apply re-executed: %v", second.Applied)
	}
	if second.Results[0].Message != "action is not pending" {
		t.Fatalf("result = %+v", second.Results[0])
	}
}

func TestApplyIsScopedToProject(t *testing.T) {
	s, ts := newTestServer(t)
	seedRound(t, s, db.ActionRow{ID: "a1", ToolName: "add_character", Params: `{"name":"Mira","description":"scout"}`})

	var resp protocol.ApplyResponse
	postJSON(t, ts.URL+"/api/projects/other/gm/apply", protocol.ApplyRequest{ActionIDs: []string{"a1"}}, &resp)
	if len(resp.Applied) != 0 || resp.Results[0].Message != "unknown action" {
		t.Fatalf("cross-project apply = %+v", resp)
	}
	a1, _ := db.GetAction(s.db, "a1")
	if a1.Status != "pending" {
		t.Fatalf("status = %s, want pending", a1.Status)
	}

	var discard protocol.DiscardResponse
	postJSON(t, ts.URL+"/api/projects/other/gm/discard", protocol.DiscardRequest{ActionIDs: []string{"a1"}}, &discard)
	if discard.DiscardedCount != 0 {
		t.Fatalf("cross-project discard = %d", discard.DiscardedCount)
	}
}

func TestDiscardRejectsPendingOnly(t *testing.T) {
	s, ts := newTestServer(t)
	seedRound(t, s,
		db.ActionRow{ID: "a1", ToolName: "update_outline", Params: `{"chapter":1,"summary":"new"}`},
		db.ActionRow{ID: "a2", ToolName: "add_character", Params: `{"name":"X","description":"y"}`},
	)
	if err := db.UpdateActionStatus(s.db, "a2", "applied", "done"); err != nil {
		t.Fatal(err)
	}

	var resp protocol.DiscardResponse
	postJSON(t, ts.URL+"/api/projects/proj/gm/discard", protocol.DiscardRequest{ActionIDs: []string{"a1", "a2", "ghost"}}, &resp)
	if resp.DiscardedCount != 1 {
		t.Fatalf("discarded = %d", resp.DiscardedCount)
	}

	a1, _ := db.GetAction(s.db, "a1")
	a2, _ := db.GetAction(s.db, "a2")
	if a1.Status != "rejected" || a2.Status != "applied" {
		t.Fatalf("statuses = %s, %s", a1.Status, a2.Status)
	}
}

func TestConversationDetailCarriesActions(t *testing.T) {
	s, ts := newTestServer(t)
	convID := seedRound(t, s,
		db.ActionRow{ID: "a1", ToolName: "add_character", Params: `{"name":"Mira","description":"scout"}`, Preview: `Add character "Mira"`},
	)

	var list []protocol.ConversationSummary
	if status := getJSON(t, ts.URL+"/api/projects/proj/gm/conversations", &list); status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	if len(list) != 1 || list[0].ID != convID || list[0].MessageCount != 2 {
		t.Fatalf("list = %+v", list)
	}

	var detail protocol.ConversationDetail
	getJSON(t, ts.URL+"/api/projects/proj/gm/conversations/"+convID, &detail)
	if len(detail.Messages) != 2 {
		t.Fatalf("messages = %d", len(detail.Messages))
	}
	actions := detail.Messages[1].Actions
	if len(actions) != 1 || actions[0].ActionID != "a1" || actions[0].Status != "pending" {
		t.Fatalf("actions = %+v", actions)
	}
	if actions[0].Params["name"] != "Mira" {
		t.Fatalf("params = %v", actions[0].Params)
	}

	if status := getJSON(t, ts.URL+"/api/projects/proj/gm/conversations/nope", nil); status != http.StatusNotFound {
		t.Fatalf("missing conversation status = %d", status)
	}
}

func TestTruncateDropsTrailingMessages(t *testing.T) {
	s, ts := newTestServer(t)
	convID := seedRound(t, s, db.ActionRow{ID: "a1", ToolName: "add_character", Params: `{"name":"Mira","description":"scout"}`})

	var resp protocol.TruncateResponse
	postJSON(t, ts.URL+"/api/projects/proj/gm/conversations/"+convID+"/truncate", protocol.TruncateRequest{KeepCount: 1}, &resp)
	if resp.MessageCount != 1 {
		t.Fatalf("message count = %d", resp.MessageCount)
	}

	// The assistant message went, and its action record cascaded with it.
	if _, err := db.GetAction(s.db, "a1"); err == nil {
		t.Fatal("action survived truncation of its message")
	}
}
