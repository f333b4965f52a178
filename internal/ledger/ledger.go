// Package ledger holds the authoritative record of every tool invocation in
// a conversation: the live round's entries, the active confirmation request,
// and the tool entries embedded in finalized history. All status mutation
// funnels through UpdateStatus / UpdateStatuses so the three views can never
// drift apart.
package ledger

import (
	"sync"

	"github.com/jddlt/arboris-novel/internal/models"
)

// Ledger is the conversation-scoped store shared by the frame handlers, the
// confirmation gate and the history loader. Construct one per session and
// pass it by reference; there is no package-level state.
type Ledger struct {
	mu             sync.Mutex
	conversationID string
	messages       []*models.Message
	round          []*models.ToolExecution
	confirmation   *models.ConfirmationRequest
}

func New() *Ledger {
	return &Ledger{}
}

// ConversationID returns the current conversation identifier, empty until
// the server assigns one.
func (l *Ledger) ConversationID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conversationID
}

// AdoptConversationID records the server-assigned identifier. The server's
// id is authoritative; an empty id is ignored.
func (l *Ledger) AdoptConversationID(id string) {
	if id == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conversationID = id
}

// AppendMessage adds a finalized message to history.
func (l *Ledger) AppendMessage(m *models.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, m)
}

// Messages returns a deep copy of the history for rendering.
func (l *Ledger) Messages() []*models.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*models.Message, len(l.messages))
	for i, m := range l.messages {
		out[i] = m.Clone()
	}
	return out
}

// MessageCount returns the number of finalized messages.
func (l *Ledger) MessageCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

// RoundTools returns a deep copy of the live round's tool entries.
func (l *Ledger) RoundTools() []*models.ToolExecution {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*models.ToolExecution, len(l.round))
	for i, t := range l.round {
		out[i] = t.Clone()
	}
	return out
}

// Confirmation returns a deep copy of the active confirmation request, or
// nil when none is open.
func (l *Ledger) Confirmation() *models.ConfirmationRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.confirmation == nil {
		return nil
	}
	c := &models.ConfirmationRequest{
		AwaitingContinuation: l.confirmation.AwaitingContinuation,
		TimeoutMS:            l.confirmation.TimeoutMS,
	}
	for _, t := range l.confirmation.Tools {
		c.Tools = append(c.Tools, t.Clone())
	}
	return c
}

// HasConfirmation reports whether a confirmation request is open.
func (l *Ledger) HasConfirmation() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.confirmation != nil
}

// RecordCall registers a tool invocation announced by the server. Calls
// that arrive again with the same id are ignored rather than duplicated.
func (l *Ledger) RecordCall(callID, toolName string, params map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if callID != "" && l.findRoundLocked(callID) != nil {
		return
	}
	l.round = append(l.round, &models.ToolExecution{
		ID:       callID,
		ToolName: toolName,
		Params:   params,
		Status:   models.StatusExecuting,
	})
}

// MarkExecuting augments a previously announced call with execution detail,
// or registers it if the announcement frame was never seen.
func (l *Ledger) MarkExecuting(callID, toolName string, params map[string]any, preview string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.matchLocked(callID, toolName)
	if t == nil {
		t = &models.ToolExecution{ID: callID, ToolName: toolName, Params: params}
		l.round = append(l.round, t)
	}
	t.Status = models.StatusExecuting
	if preview != "" {
		t.Preview = preview
	}
	if t.Params == nil {
		t.Params = params
	}
}

// ResolveResult settles a read-only tool's terminal result against the
// matching ledger entry. Returns false when no entry matched, in which case
// the result is dropped.
func (l *Ledger) ResolveResult(callID, toolName string, success bool, message string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.matchLocked(callID, toolName)
	if t == nil {
		return false
	}
	status := models.StatusFailed
	if success {
		status = models.StatusSuccess
	}
	l.updateStatusLocked(t.ID, t, status, message)
	return true
}

// OpenConfirmation installs a confirmation request for the given actions.
// Each action also becomes a pending entry in the round list; an action id
// already present in the round is reused so the id never appears twice.
func (l *Ledger) OpenConfirmation(actions []*models.ToolExecution, awaitingContinuation bool, timeoutMS int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	req := &models.ConfirmationRequest{
		AwaitingContinuation: awaitingContinuation,
		TimeoutMS:            timeoutMS,
	}
	for _, a := range actions {
		t := l.findRoundLocked(a.ID)
		if t == nil {
			t = a.Clone()
			l.round = append(l.round, t)
		}
		t.RequiresConfirmation = true
		t.Status = models.StatusPending
		if a.Preview != "" {
			t.Preview = a.Preview
		}
		t.IsDangerous = a.IsDangerous
		req.Tools = append(req.Tools, t)
	}
	l.confirmation = req
}

// ClearConfirmation drops the active confirmation request. The underlying
// tool entries keep whatever status they have; clearing is a safety measure
// (for example on disconnect), not a decision about the tools.
func (l *Ledger) ClearConfirmation() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.confirmation = nil
}

// AwaitingContinuation reports whether the open confirmation request pauses
// a live agent turn.
func (l *Ledger) AwaitingContinuation() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.confirmation != nil && l.confirmation.AwaitingContinuation
}

// UpdateStatus moves the entry with the given id to a new status in one
// step across every view that holds it: the live round, the active
// confirmation request, and any finalized history message. An empty message
// leaves the existing result text in place. Returns false when the id is
// unknown everywhere, which callers treat as a no-op.
func (l *Ledger) UpdateStatus(id string, status models.ToolStatus, message string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.updateStatusLocked(id, nil, status, message)
}

// UpdateStatuses applies UpdateStatus per id for a batch decision, approved
// ids first, preserving list order. Use this instead of looping UpdateStatus
// by hand wherever several ids change together.
func (l *Ledger) UpdateStatuses(approved, rejected []string, approvedStatus, rejectedStatus models.ToolStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range approved {
		l.updateStatusLocked(id, nil, approvedStatus, "")
	}
	for _, id := range rejected {
		l.updateStatusLocked(id, nil, rejectedStatus, "")
	}
}

// StatusOf looks the id up in round order first, then in history.
func (l *Ledger) StatusOf(id string) (models.ToolStatus, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t := l.findRoundLocked(id); t != nil {
		return t.Status, true
	}
	for i := len(l.messages) - 1; i >= 0; i-- {
		for _, t := range l.messages[i].Tools {
			if t.ID == id {
				return t.Status, true
			}
		}
	}
	return "", false
}

// ResetRound discards the live round's tool entries and any open
// confirmation request. History is untouched.
func (l *Ledger) ResetRound() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.round = nil
	l.confirmation = nil
}

// FinalizeRound folds the round's accumulated content and tool entries into
// a new assistant message, appends it to history, and clears the round. The
// message holds deep copies so later round resets cannot reach back into
// history. A confirmation request that does not pause the agent loop
// outlives the round: its actions settle later through the out-of-band
// calls, so it is re-pointed at the history entries instead of dropped.
// Returns nil when the round produced nothing.
func (l *Ledger) FinalizeRound(content string) *models.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	if content == "" && len(l.round) == 0 {
		l.round = nil
		l.confirmation = nil
		return nil
	}
	msg := &models.Message{Role: models.RoleAssistant, Content: content}
	byID := make(map[string]*models.ToolExecution, len(l.round))
	for _, t := range l.round {
		c := t.Clone()
		msg.Tools = append(msg.Tools, c)
		byID[c.ID] = c
	}
	l.messages = append(l.messages, msg)
	l.round = nil

	if l.confirmation != nil && !l.confirmation.AwaitingContinuation {
		kept := &models.ConfirmationRequest{TimeoutMS: l.confirmation.TimeoutMS}
		for _, t := range l.confirmation.Tools {
			if h, ok := byID[t.ID]; ok {
				kept.Tools = append(kept.Tools, h)
			}
		}
		l.confirmation = nil
		if len(kept.Tools) > 0 {
			l.confirmation = kept
		}
	} else {
		l.confirmation = nil
	}
	return msg.Clone()
}

// LoadHistory replaces the conversation wholesale: id, messages, and any
// live round state are all superseded by the loaded snapshot.
func (l *Ledger) LoadHistory(conversationID string, messages []*models.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conversationID = conversationID
	l.messages = messages
	l.round = nil
	l.confirmation = nil
}

// Truncate keeps only the first keep messages, mirroring a server-side
// rollback. Retained messages keep their tool entries untouched.
func (l *Ledger) Truncate(keep int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if keep < 0 {
		keep = 0
	}
	if keep < len(l.messages) {
		l.messages = l.messages[:keep]
	}
}

// Stats tallies terminal outcomes across the live round.
func (l *Ledger) Stats() models.RoundStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	var s models.RoundStats
	for _, t := range l.round {
		switch t.Status {
		case models.StatusApplied, models.StatusSuccess:
			s.Succeeded++
		case models.StatusFailed:
			s.Failed++
		case models.StatusRejected:
			s.Rejected++
		}
	}
	return s
}

func (l *Ledger) findRoundLocked(id string) *models.ToolExecution {
	if id == "" {
		return nil
	}
	for _, t := range l.round {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// matchLocked resolves a server event to a round entry. An explicit call id
// wins; without one, the most recent entry with the same tool name that is
// still executing is taken. The name fallback can misattribute results when
// two identically-named calls are in flight, so servers should always send
// call ids.
func (l *Ledger) matchLocked(callID, toolName string) *models.ToolExecution {
	if t := l.findRoundLocked(callID); t != nil {
		return t
	}
	if callID != "" {
		return nil
	}
	for i := len(l.round) - 1; i >= 0; i-- {
		t := l.round[i]
		if t.ToolName == toolName && t.Status == models.StatusExecuting {
			return t
		}
	}
	return nil
}

// updateStatusLocked is the single mutation point. When hint is non-nil it
// is the already-matched round entry for the id. The write touches the
// round list, the confirmation request and history in the same step.
func (l *Ledger) updateStatusLocked(id string, hint *models.ToolExecution, status models.ToolStatus, message string) bool {
	found := false
	apply := func(t *models.ToolExecution) {
		t.Status = status
		if message != "" {
			t.Message = message
		}
		found = true
	}

	if hint != nil {
		apply(hint)
	}
	if t := l.findRoundLocked(id); t != nil && t != hint {
		apply(t)
	}
	if l.confirmation != nil {
		if t := l.confirmation.Find(id); t != nil && t != hint {
			apply(t)
		}
	}
	for _, m := range l.messages {
		for _, t := range m.Tools {
			if t.ID == id {
				apply(t)
			}
		}
	}
	return found
}
