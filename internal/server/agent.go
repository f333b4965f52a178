package server

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go/v3"

	"github.com/jddlt/arboris-novel/internal/db"
	"github.com/jddlt/arboris-novel/internal/protocol"
)

const maxToolIterations = 12

const systemPrompt = `You are the game master for a novel-writing project. You manage the
story's characters and chapter outline through your tools. Use the read
tools to ground yourself in the current state before proposing changes.
Every mutating tool call is shown to the author for confirmation before it
takes effect; a rejected call must not be retried in the same turn. Keep
answers grounded in the project state, not invented.`

// roundAction is one mutating tool call proposed during a round, tracked
// until it is persisted with the assistant message.
type roundAction struct {
	id         string
	callID     string
	toolName   string
	paramsJSON string
	preview    string
	dangerous  bool
	status     string
	message    string
}

func (sess *wsSession) runRound(ctx context.Context, frame *protocol.ClientFrame) {
	defer sess.roundActive.Store(false)
	s := sess.srv
	now := time.Now().Unix()

	convID := frame.ConversationID
	if convID == "" {
		convID = sess.conversationID
	}
	if convID == "" {
		convID = uuid.NewString()
		if err := db.CreateConversation(s.db, convID, sess.projectID, titleFromPrompt(frame.Message), now); err != nil {
			sess.sendError(ctx, "could not create conversation", "storage_error", false)
			return
		}
	} else if _, err := db.GetConversation(s.db, convID); err != nil {
		// Unknown id from the client, adopt it rather than failing the turn.
		if err := db.CreateConversation(s.db, convID, sess.projectID, titleFromPrompt(frame.Message), now); err != nil {
			sess.sendError(ctx, "could not create conversation", "storage_error", false)
			return
		}
	}
	sess.conversationID = convID

	if _, err := db.InsertMessage(s.db, convID, "user", frame.Message, now); err != nil {
		sess.sendError(ctx, "could not persist message", "storage_error", false)
		return
	}

	sess.round++
	sess.send(ctx, &protocol.ServerFrame{Type: protocol.FrameRoundStart, Round: sess.round, ConversationID: convID})

	stored, err := db.GetMessages(s.db, convID)
	if err != nil {
		sess.sendError(ctx, "could not load history", "storage_error", false)
		return
	}
	history := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(systemPrompt)}
	for _, m := range stored {
		switch m.Role {
		case "user":
			history = append(history, openai.UserMessage(m.Content))
		case "assistant":
			history = append(history, openai.AssistantMessage(m.Content))
		case "tool":
			// Actions settled over HTTP between turns.
			history = append(history, openai.UserMessage("[action results]\n"+m.Content))
		}
	}

	var actions []roundAction
	var finalContent string

	iteration := 0
	for {
		iteration++
		if sess.cancelled.Load() {
			finalContent = "*[cancelled]*"
			break
		}

		resp, err := s.ai.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model:    s.model,
			Messages: history,
			Tools:    Definitions,
		})
		if err != nil {
			s.log.Error("gm: completion failed", "conversation_id", convID, "error", err)
			// Already-settled actions must survive for the out-of-band calls.
			if len(actions) > 0 {
				sess.persistRound(convID, "", actions)
			}
			sess.sendError(ctx, "model request failed", "upstream_error", false)
			return
		}
		if len(resp.Choices) == 0 {
			sess.sendError(ctx, "empty response from model", "upstream_error", false)
			return
		}

		choice := resp.Choices[0]
		assistantMsg := choice.Message
		if len(assistantMsg.ToolCalls) > 0 {
			// Speculative content alongside tool calls anchors the model into
			// stale answers; drop it.
			assistantMsg.Content = ""
		} else {
			finalContent = choice.Message.Content
		}
		history = append(history, assistantMsg.ToParam())

		if len(choice.Message.ToolCalls) == 0 {
			break
		}
		if iteration >= maxToolIterations {
			finalContent = "*[stopped: too many tool iterations]*"
			break
		}

		var proposals []roundAction
		for _, tc := range choice.Message.ToolCalls {
			name := tc.Function.Name
			argsJSON := tc.Function.Arguments

			if IsMutating(name) {
				proposals = append(proposals, roundAction{
					id:         uuid.NewString(),
					callID:     tc.ID,
					toolName:   name,
					paramsJSON: argsJSON,
					preview:    ActionPreview(name, argsJSON),
					dangerous:  IsDangerous(name),
					status:     "pending",
				})
				continue
			}

			params := parseParams(argsJSON)
			sess.send(ctx, &protocol.ServerFrame{Type: protocol.FrameToolCall, CallID: tc.ID, ToolName: name, Params: params})
			sess.send(ctx, &protocol.ServerFrame{Type: protocol.FrameToolExecuting, CallID: tc.ID, ToolName: name})

			result, err := ExecuteReadTool(s.db, sess.projectID, name, argsJSON)
			success := err == nil
			if err != nil {
				result = "error: " + err.Error()
			}
			sess.send(ctx, &protocol.ServerFrame{Type: protocol.FrameToolResult, CallID: tc.ID, ToolName: name, Success: success, Message: result})
			history = append(history, openai.ToolMessage(tc.ID, result))
		}

		if len(proposals) == 0 {
			continue
		}

		confirm := &protocol.ServerFrame{
			Type:                 protocol.FrameConfirmAction,
			AwaitingContinuation: s.inlineConfirm,
			TimeoutMS:            int(s.confirmTimeout.Milliseconds()),
		}
		for _, a := range proposals {
			confirm.Actions = append(confirm.Actions, protocol.Action{
				ActionID:    a.id,
				ToolName:    a.toolName,
				Params:      parseParams(a.paramsJSON),
				Preview:     a.preview,
				IsDangerous: a.dangerous,
			})
		}
		if s.inlineConfirm {
			// A decision that raced a previous timeout may still sit in the
			// buffer; it must not answer this confirmation.
			select {
			case <-sess.decisions:
			default:
			}
			sess.awaitingDecision.Store(true)
		}
		sess.send(ctx, confirm)

		if !s.inlineConfirm {
			// Out-of-band mode: the round ends here; the actions settle later
			// through the apply and discard endpoints.
			actions = append(actions, proposals...)
			break
		}

		var dec decision
		decided := true
		select {
		case dec = <-sess.decisions:
		case <-time.After(s.confirmTimeout):
			decided = false
		case <-ctx.Done():
			sess.awaitingDecision.Store(false)
			sess.persistRound(convID, "", append(actions, proposals...))
			return
		}
		sess.awaitingDecision.Store(false)

		if !decided || sess.cancelled.Load() {
			for _, a := range proposals {
				history = append(history, openai.ToolMessage(a.callID, "left pending for later confirmation"))
			}
			actions = append(actions, proposals...)
			break
		}

		approved := make(map[string]bool, len(dec.approved))
		for _, id := range dec.approved {
			approved[id] = true
		}
		for i := range proposals {
			a := &proposals[i]
			if !approved[a.id] {
				a.status, a.message = "rejected", "rejected by user"
				history = append(history, openai.ToolMessage(a.callID, "the user rejected this action; do not retry it"))
				continue
			}
			msg, err := ApplyAction(s.db, sess.projectID, a.toolName, a.paramsJSON, time.Now().Unix())
			if err != nil {
				a.status, a.message = "failed", err.Error()
			} else {
				a.status, a.message = "applied", msg
			}
			sess.send(ctx, &protocol.ServerFrame{
				Type:     protocol.FrameToolExecuted,
				ActionID: a.id,
				Success:  a.status == "applied",
				Message:  a.message,
			})
			history = append(history, openai.ToolMessage(a.callID, a.message))
		}
		actions = append(actions, proposals...)
	}

	if !sess.persistRound(convID, finalContent, actions) {
		sess.sendError(ctx, "could not persist round", "storage_error", false)
		return
	}

	if finalContent != "" {
		sess.send(ctx, &protocol.ServerFrame{Type: protocol.FrameContent, Content: finalContent})
	}
	done := &protocol.ServerFrame{Type: protocol.FrameDone, ConversationID: convID}
	if len(actions) > 0 {
		summary := make(map[string]int, 4)
		for _, a := range actions {
			summary[a.status]++
		}
		done.ExecutionSummary = summary
	}
	sess.send(ctx, done)
}

// persistRound writes the assistant message and its action records.
func (sess *wsSession) persistRound(convID, content string, actions []roundAction) bool {
	s := sess.srv
	now := time.Now().Unix()

	msgID, err := db.InsertMessage(s.db, convID, "assistant", content, now)
	if err != nil {
		s.log.Error("gm: persist assistant message", "conversation_id", convID, "error", err)
		return false
	}
	for _, a := range actions {
		row := db.ActionRow{
			ID:          a.id,
			MessageID:   msgID,
			ToolName:    a.toolName,
			Params:      a.paramsJSON,
			Preview:     a.preview,
			Status:      a.status,
			IsDangerous: a.dangerous,
			Message:     a.message,
		}
		if err := db.InsertAction(s.db, row, convID, sess.projectID, now); err != nil {
			s.log.Error("gm: persist action", "action_id", a.id, "error", err)
			return false
		}
	}
	if err := db.TouchConversation(s.db, convID, now); err != nil {
		s.log.Warn("gm: touch conversation", "conversation_id", convID, "error", err)
	}
	return true
}

func (sess *wsSession) sendError(ctx context.Context, msg, code string, recoverable bool) {
	rec := recoverable
	sess.send(ctx, &protocol.ServerFrame{Type: protocol.FrameError, Error: msg, Code: code, Recoverable: &rec})
}

func parseParams(argsJSON string) map[string]any {
	var params map[string]any
	json.Unmarshal([]byte(argsJSON), &params)
	return params
}

func titleFromPrompt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > 60 {
		return string(r[:59]) + "…"
	}
	return s
}
