// Package session sequences one user turn end to end: it sends the
// user-turn frame, feeds every decoded server frame into the tool ledger
// and confirmation gate, and folds finished rounds into message history.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jddlt/arboris-novel/internal/gate"
	"github.com/jddlt/arboris-novel/internal/ledger"
	"github.com/jddlt/arboris-novel/internal/models"
	"github.com/jddlt/arboris-novel/internal/protocol"
)

var ErrRoundOpen = errors.New("session: a round is already open")

// EventKind tells the UI what just changed.
type EventKind int

const (
	EventStateChanged EventKind = iota // re-render: ledger or stream buffer moved
	EventRoundDone                     // round finalized into history
	EventRoundError                    // error frame arrived
	EventConfirmNeeded                 // confirmation request opened
)

// Event is pushed to the UI observer after each state transition.
type Event struct {
	Kind        EventKind
	Message     *models.Message // finalized assistant message, EventRoundDone only
	Stats       models.RoundStats
	Err         string
	Recoverable bool
}

// API is the out-of-band surface the controller needs: confirmation calls
// plus history truncation.
type API interface {
	gate.Applier
	Truncate(ctx context.Context, conversationID string, keep int) (int, error)
}

// Config wires a Controller. Send delivers one client frame over the live
// connection; Notify, when set, observes state changes.
type Config struct {
	Send   func(*protocol.ClientFrame) error
	API    API
	Notify func(Event)
	Logger *slog.Logger
}

// Controller owns the per-conversation session state. All frame and user
// input handling is serialized by its mutex; handlers never mutate tool
// status directly, only through the ledger and gate.
type Controller struct {
	cfg Config
	log *slog.Logger

	ledger *ledger.Ledger
	gate   *gate.Gate

	mu        sync.Mutex
	buffer    strings.Builder
	streaming bool
	stats     models.RoundStats
}

func New(cfg Config) *Controller {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	l := ledger.New()
	return &Controller{
		cfg:    cfg,
		log:    log,
		ledger: l,
		gate:   gate.New(l),
	}
}

// Ledger exposes the conversation store for read-side consumers.
func (c *Controller) Ledger() *ledger.Ledger { return c.ledger }

// ConversationID returns the server-assigned conversation id, empty until
// the first round completes or history is loaded.
func (c *Controller) ConversationID() string { return c.ledger.ConversationID() }

// Streaming reports whether a round is open and frames are expected.
func (c *Controller) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// StreamBuffer returns the text accumulated so far in the open round.
func (c *Controller) StreamBuffer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffer.String()
}

// Stats returns the most recently completed round's tool outcome tally.
func (c *Controller) Stats() models.RoundStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// SendUserMessage starts a round: the user message is appended to history
// immediately, ephemeral round state is reset, and the user-turn frame goes
// out. Starting a turn while a round is open is not a legal client action.
func (c *Controller) SendUserMessage(text string) error {
	c.mu.Lock()
	if c.streaming {
		c.mu.Unlock()
		return ErrRoundOpen
	}
	c.buffer.Reset()
	c.stats = models.RoundStats{}
	c.streaming = true
	c.mu.Unlock()

	c.gate.Invalidate()
	c.ledger.ResetRound()
	c.ledger.AppendMessage(&models.Message{Role: models.RoleUser, Content: text})

	frame := protocol.UserMessage(text, c.ledger.ConversationID())
	if err := c.cfg.Send(frame); err != nil {
		c.mu.Lock()
		c.streaming = false
		c.mu.Unlock()
		return fmt.Errorf("session: send user message: %w", err)
	}
	c.emit(Event{Kind: EventStateChanged})
	return nil
}

// Cancel sends the advisory abort frame and stops waiting locally. The
// round keeps whatever partial state it has; the server may still have run
// tools to completion.
func (c *Controller) Cancel() {
	if err := c.cfg.Send(protocol.Cancel()); err != nil {
		c.log.Warn("session: cancel frame not sent", "error", err)
	}
	c.mu.Lock()
	c.streaming = false
	c.mu.Unlock()
	c.emit(Event{Kind: EventStateChanged})
}

// HandleFrame routes one decoded server frame. Safe to call from the
// connection's read goroutine.
func (c *Controller) HandleFrame(f *protocol.ServerFrame) {
	switch f.Type {
	case protocol.FrameConnected:
		c.ledger.AdoptConversationID(f.ConversationID)

	case protocol.FrameRoundStart, protocol.FramePong:
		return

	case protocol.FrameContent:
		c.mu.Lock()
		c.buffer.WriteString(f.Content)
		c.mu.Unlock()

	case protocol.FrameToolCall:
		c.ledger.RecordCall(f.CallID, f.ToolName, f.Params)

	case protocol.FrameToolExecuting:
		c.ledger.MarkExecuting(f.CallID, f.ToolName, f.Params, f.Preview)

	case protocol.FrameToolResult:
		if !c.ledger.ResolveResult(f.CallID, f.ToolName, f.Success, f.Message) {
			c.log.Warn("session: tool result matched no entry", "tool", f.ToolName, "call_id", f.CallID)
		}

	case protocol.FrameConfirmAction:
		actions := make([]*models.ToolExecution, 0, len(f.Actions))
		for _, a := range f.Actions {
			actions = append(actions, &models.ToolExecution{
				ID:                   a.ActionID,
				ToolName:             a.ToolName,
				Params:               a.Params,
				Preview:              a.Preview,
				IsDangerous:          a.IsDangerous,
				RequiresConfirmation: true,
				Status:               models.StatusPending,
			})
		}
		c.gate.Open(actions, f.AwaitingContinuation, f.TimeoutMS)
		c.emit(Event{Kind: EventConfirmNeeded})
		return

	case protocol.FrameToolExecuted:
		status := models.StatusFailed
		if f.Success {
			status = models.StatusApplied
		}
		if !c.ledger.UpdateStatus(f.ActionID, status, f.Message) {
			c.log.Warn("session: executed action unknown", "action_id", f.ActionID)
		}

	case protocol.FrameDone:
		c.finishRound(f)
		return

	case protocol.FrameError:
		c.handleError(f)
		return
	}

	c.emit(Event{Kind: EventStateChanged})
}

func (c *Controller) finishRound(f *protocol.ServerFrame) {
	c.ledger.AdoptConversationID(f.ConversationID)

	stats := c.ledger.Stats()

	c.mu.Lock()
	content := c.buffer.String()
	c.buffer.Reset()
	c.streaming = false
	c.stats = stats
	c.mu.Unlock()

	msg := c.ledger.FinalizeRound(content)
	c.emit(Event{Kind: EventRoundDone, Message: msg, Stats: stats})
}

func (c *Controller) handleError(f *protocol.ServerFrame) {
	recoverable := f.IsRecoverable()
	if !recoverable {
		// The round is over, but partial content and recorded tools stay
		// visible; nothing is rolled back.
		c.mu.Lock()
		c.streaming = false
		c.mu.Unlock()
	}
	c.log.Warn("session: round error", "error", f.Error, "code", f.Code, "recoverable", recoverable)
	c.emit(Event{Kind: EventRoundError, Err: f.Error, Recoverable: recoverable})
}

// HandleDisconnect reacts to connection loss. The open confirmation request
// is no longer trustworthy (its in-band continuation died with the
// connection), and a round that never reached done is discarded wholesale.
func (c *Controller) HandleDisconnect() {
	c.gate.Invalidate()
	c.mu.Lock()
	wasStreaming := c.streaming
	c.streaming = false
	c.buffer.Reset()
	c.mu.Unlock()
	if wasStreaming {
		c.ledger.ResetRound()
		c.log.Warn("session: open round discarded on disconnect")
	}
	c.emit(Event{Kind: EventStateChanged})
}

// Approve, Reject, ApproveAll and RejectAll record local decisions on the
// active confirmation request.
func (c *Controller) Approve(id string) { c.gate.Approve(id); c.emit(Event{Kind: EventStateChanged}) }
func (c *Controller) Reject(id string)  { c.gate.Reject(id); c.emit(Event{Kind: EventStateChanged}) }
func (c *Controller) ApproveAll()       { c.gate.ApproveAll(); c.emit(Event{Kind: EventStateChanged}) }
func (c *Controller) RejectAll()        { c.gate.RejectAll(); c.emit(Event{Kind: EventStateChanged}) }

// SubmitDecisions dispatches the human's decision along whichever pathway
// the confirmation request prescribes: the in-band decision frame when the
// agent loop is paused, the out-of-band apply/discard calls otherwise.
func (c *Controller) SubmitDecisions(ctx context.Context) error {
	if c.ledger.AwaitingContinuation() {
		_, _, err := c.gate.SubmitInBand(c.cfg.Send)
		if err != nil {
			return err
		}
		// The agent loop resumes; more frames for this round are coming.
		c.mu.Lock()
		c.streaming = true
		c.mu.Unlock()
		c.emit(Event{Kind: EventStateChanged})
		return nil
	}

	if c.cfg.API == nil {
		return errors.New("session: out-of-band confirmation unavailable")
	}
	if err := c.gate.SubmitOutOfBand(ctx, c.cfg.API); err != nil {
		return err
	}
	c.emit(Event{Kind: EventStateChanged})
	return nil
}

// ApplyActions runs the out-of-band apply call for actions that live in
// finalized history (for example after a reload) and reconciles the results
// into the ledger. Ids that match nothing locally are ignored.
func (c *Controller) ApplyActions(ctx context.Context, ids []string) error {
	if c.cfg.API == nil {
		return errors.New("session: out-of-band confirmation unavailable")
	}
	resp, err := c.cfg.API.Apply(ctx, ids)
	if err != nil {
		return err
	}
	for _, r := range resp.Results {
		status := models.StatusFailed
		if r.Success {
			status = models.StatusApplied
		}
		c.ledger.UpdateStatus(r.ActionID, status, r.Message)
	}
	c.emit(Event{Kind: EventStateChanged})
	return nil
}

// DiscardActions runs the out-of-band discard call and marks the ids
// rejected locally.
func (c *Controller) DiscardActions(ctx context.Context, ids []string) error {
	if c.cfg.API == nil {
		return errors.New("session: out-of-band confirmation unavailable")
	}
	if _, err := c.cfg.API.Discard(ctx, ids); err != nil {
		return err
	}
	c.ledger.UpdateStatuses(nil, ids, models.StatusApproved, models.StatusRejected)
	c.emit(Event{Kind: EventStateChanged})
	return nil
}

// Truncate rolls the conversation back to its first keep messages on the
// server, then trims local history to match.
func (c *Controller) Truncate(ctx context.Context, keep int) error {
	if c.cfg.API == nil {
		return errors.New("session: truncation unavailable")
	}
	id := c.ledger.ConversationID()
	if id == "" {
		return errors.New("session: no conversation to truncate")
	}
	if _, err := c.cfg.API.Truncate(ctx, id, keep); err != nil {
		return err
	}
	c.ledger.Truncate(keep)
	c.emit(Event{Kind: EventStateChanged})
	return nil
}

// LoadConversation replaces the session's conversation wholesale from a
// persisted detail record, reconstructing tool entries with their
// confirmation flags and statuses.
func (c *Controller) LoadConversation(detail *protocol.ConversationDetail) {
	msgs := make([]*models.Message, 0, len(detail.Messages))
	for _, rec := range detail.Messages {
		m := &models.Message{Role: rec.Role, Content: rec.Content}
		for _, a := range rec.Actions {
			m.Tools = append(m.Tools, &models.ToolExecution{
				ID:                   a.ActionID,
				ToolName:             a.ToolName,
				Params:               a.Params,
				Preview:              a.Preview,
				IsDangerous:          a.IsDangerous,
				Message:              a.Message,
				RequiresConfirmation: true,
				Status:               recordStatus(a.Status),
			})
		}
		msgs = append(msgs, m)
	}

	c.gate.Invalidate()
	c.mu.Lock()
	c.buffer.Reset()
	c.streaming = false
	c.stats = models.RoundStats{}
	c.mu.Unlock()

	c.ledger.LoadHistory(detail.ID, msgs)
	c.emit(Event{Kind: EventStateChanged})
}

// recordStatus maps persisted status strings, including historical shapes,
// onto the in-memory lifecycle.
func recordStatus(s string) models.ToolStatus {
	switch s {
	case "discarded", string(models.StatusRejected):
		return models.StatusRejected
	case string(models.StatusApplied):
		return models.StatusApplied
	case string(models.StatusFailed):
		return models.StatusFailed
	case string(models.StatusSuccess):
		return models.StatusSuccess
	case string(models.StatusExecuting):
		return models.StatusExecuting
	default:
		return models.StatusPending
	}
}

func (c *Controller) emit(e Event) {
	if c.cfg.Notify != nil {
		c.cfg.Notify(e)
	}
}
