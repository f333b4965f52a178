// Package server hosts the GM agent: the websocket frame stream that runs
// confirmation-gated tool rounds, and the HTTP surface for the out-of-band
// confirmation calls and conversation management.
package server

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"

	"github.com/jddlt/arboris-novel/internal/db"
	"github.com/jddlt/arboris-novel/internal/protocol"
)

const defaultConfirmTimeout = 5 * time.Minute

type Config struct {
	DB    *sql.DB
	AI    openai.Client
	Model string

	// ConfirmTimeout bounds how long a round stays paused on an in-band
	// confirmation before its actions are left pending for the out-of-band
	// calls. Zero means the default.
	ConfirmTimeout time.Duration

	// InlineConfirm selects the in-band pathway: the agent loop pauses on
	// mutating tools and resumes on the decision frame. When false, proposed
	// actions are left pending and the round finishes immediately.
	InlineConfirm bool

	Logger *slog.Logger
}

type Server struct {
	db             *sql.DB
	ai             openai.Client
	model          string
	confirmTimeout time.Duration
	inlineConfirm  bool
	log            *slog.Logger
}

func New(cfg Config) *Server {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		db:             cfg.DB,
		ai:             cfg.AI,
		model:          cfg.Model,
		confirmTimeout: cfg.ConfirmTimeout,
		inlineConfirm:  cfg.InlineConfirm,
		log:            log,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/projects/{project}/gm/ws", s.handleWS)
	mux.HandleFunc("POST /api/projects/{project}/gm/apply", s.handleApply)
	mux.HandleFunc("POST /api/projects/{project}/gm/discard", s.handleDiscard)
	mux.HandleFunc("GET /api/projects/{project}/gm/conversations", s.handleConversations)
	mux.HandleFunc("GET /api/projects/{project}/gm/conversations/{id}", s.handleConversation)
	mux.HandleFunc("POST /api/projects/{project}/gm/conversations/{id}/truncate", s.handleTruncate)
	return mux
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	var req protocol.ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp := protocol.ApplyResponse{Applied: []string{}, Results: []protocol.ActionResult{}}
	now := time.Now().Unix()
	notes := map[string][]string{}
	for _, id := range req.ActionIDs {
		action, err := db.GetAction(s.db, id)
		// Actions are scoped to their project; ids under another project's
		// URL are treated as nonexistent.
		if err != nil || action.ProjectID != project {
			resp.Results = append(resp.Results, protocol.ActionResult{ActionID: id, Success: false, Message: "unknown action"})
			continue
		}
		if action.Status != "pending" {
			resp.Results = append(resp.Results, protocol.ActionResult{ActionID: id, Success: false, Message: "action is not pending"})
			continue
		}

		message, err := ApplyAction(s.db, project, action.ToolName, action.Params, now)
		if err != nil {
			message = err.Error()
			if uerr := db.UpdateActionStatus(s.db, id, "failed", message); uerr != nil {
				s.log.Error("gm: persist action status", "action_id", id, "error", uerr)
			}
			resp.Results = append(resp.Results, protocol.ActionResult{ActionID: id, Success: false, Message: message})
			notes[action.ConversationID] = append(notes[action.ConversationID],
				fmt.Sprintf("failed %s: %s", action.ToolName, message))
			continue
		}
		if uerr := db.UpdateActionStatus(s.db, id, "applied", message); uerr != nil {
			s.log.Error("gm: persist action status", "action_id", id, "error", uerr)
		}
		resp.Applied = append(resp.Applied, id)
		resp.Results = append(resp.Results, protocol.ActionResult{ActionID: id, Success: true, Message: message})
		notes[action.ConversationID] = append(notes[action.ConversationID],
			fmt.Sprintf("applied %s: %s", action.ToolName, message))
	}
	s.recordSettlements(notes, now)

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	var req protocol.DiscardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	discarded := 0
	notes := map[string][]string{}
	for _, id := range req.ActionIDs {
		action, err := db.GetAction(s.db, id)
		if err != nil || action.ProjectID != project || action.Status != "pending" {
			continue
		}
		if err := db.UpdateActionStatus(s.db, id, "rejected", "discarded by user"); err != nil {
			s.log.Error("gm: persist action status", "action_id", id, "error", err)
			continue
		}
		discarded++
		notes[action.ConversationID] = append(notes[action.ConversationID],
			fmt.Sprintf("rejected %s: discarded by user", action.ToolName))
	}
	s.recordSettlements(notes, time.Now().Unix())

	writeJSON(w, http.StatusOK, protocol.DiscardResponse{DiscardedCount: discarded})
}

// recordSettlements appends out-of-band decision results to their
// conversations as tool-role messages, so the model sees what happened
// between turns when the history is rebuilt.
func (s *Server) recordSettlements(notes map[string][]string, nowUnix int64) {
	for convID, lines := range notes {
		if _, err := db.InsertMessage(s.db, convID, "tool", strings.Join(lines, "\n"), nowUnix); err != nil {
			s.log.Error("gm: persist settlement note", "conversation_id", convID, "error", err)
			continue
		}
		if err := db.TouchConversation(s.db, convID, nowUnix); err != nil {
			s.log.Warn("gm: touch conversation", "conversation_id", convID, "error", err)
		}
	}
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	rows, err := db.ListConversations(s.db, project)
	if err != nil {
		s.log.Error("gm: list conversations", "project", project, "error", err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	out := make([]protocol.ConversationSummary, 0, len(rows))
	for _, c := range rows {
		out = append(out, protocol.ConversationSummary{
			ID:           c.ID,
			Title:        c.Title,
			MessageCount: c.MessageCount,
			CreatedAt:    c.CreatedAt,
			UpdatedAt:    c.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := db.GetConversation(s.db, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	msgs, err := db.GetMessages(s.db, id)
	if err != nil {
		s.log.Error("gm: load messages", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	detail := protocol.ConversationDetail{
		ID:        conv.ID,
		ProjectID: conv.ProjectID,
		Title:     conv.Title,
		Messages:  []protocol.MessageRecord{},
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
	}
	for _, m := range msgs {
		rec := protocol.MessageRecord{Role: m.Role, Content: m.Content}
		actions, err := db.GetActionsForMessage(s.db, m.ID)
		if err != nil {
			s.log.Error("gm: load actions", "message_id", m.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "storage error")
			return
		}
		for _, a := range actions {
			var params map[string]any
			json.Unmarshal([]byte(a.Params), &params)
			rec.Actions = append(rec.Actions, protocol.ActionRecord{
				ActionID:    a.ID,
				ToolName:    a.ToolName,
				Params:      params,
				Preview:     a.Preview,
				Status:      a.Status,
				IsDangerous: a.IsDangerous,
				Message:     a.Message,
			})
		}
		detail.Messages = append(detail.Messages, rec)
	}

	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleTruncate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req protocol.TruncateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	count, err := db.TruncateMessages(s.db, id, req.KeepCount)
	if err != nil {
		s.log.Error("gm: truncate", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, http.StatusOK, protocol.TruncateResponse{MessageCount: count})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
