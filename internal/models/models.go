package models

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolStatus is the lifecycle state of a single tool invocation.
type ToolStatus string

const (
	StatusPending   ToolStatus = "pending"   // mutating tool waiting for a human decision
	StatusApproved  ToolStatus = "approved"  // locally approved, not yet submitted
	StatusRejected  ToolStatus = "rejected"  // declined; no call is made for this id
	StatusExecuting ToolStatus = "executing" // read-only tool running server-side
	StatusApplied   ToolStatus = "applied"   // mutating tool executed successfully
	StatusSuccess   ToolStatus = "success"   // read-only tool finished successfully
	StatusFailed    ToolStatus = "failed"
)

// Terminal reports whether no further status change is expected.
func (s ToolStatus) Terminal() bool {
	switch s {
	case StatusApplied, StatusSuccess, StatusFailed, StatusRejected:
		return true
	}
	return false
}

// ToolExecution is one tool invocation proposed or performed by the agent.
// The id comes from the server-assigned call identifier whenever one was
// supplied; entries without one can only be matched by tool name.
type ToolExecution struct {
	ID                   string
	ToolName             string
	Params               map[string]any
	RequiresConfirmation bool
	Status               ToolStatus
	Preview              string
	Message              string
	IsDangerous          bool
}

// Clone returns a deep copy, including the params map.
func (t *ToolExecution) Clone() *ToolExecution {
	if t == nil {
		return nil
	}
	c := *t
	if t.Params != nil {
		c.Params = make(map[string]any, len(t.Params))
		for k, v := range t.Params {
			c.Params[k] = v
		}
	}
	return &c
}

// Message is one finalized conversation entry. Once appended to history it
// only ever changes through tool status updates; everything else stays as
// written.
type Message struct {
	Role    string
	Content string
	Tools   []*ToolExecution
}

// Clone deep-copies the message and its tool entries.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := &Message{Role: m.Role, Content: m.Content}
	if len(m.Tools) > 0 {
		c.Tools = make([]*ToolExecution, len(m.Tools))
		for i, t := range m.Tools {
			c.Tools[i] = t.Clone()
		}
	}
	return c
}

// PendingTools returns the subset of tool entries still awaiting a decision.
func (m *Message) PendingTools() []*ToolExecution {
	var out []*ToolExecution
	for _, t := range m.Tools {
		if t.RequiresConfirmation && t.Status == StatusPending {
			out = append(out, t)
		}
	}
	return out
}

// ConfirmationRequest is the set of mutating tool calls the current round
// has put in front of the human. AwaitingContinuation distinguishes the
// in-band pathway (agent loop paused, resumes on a decision frame) from the
// out-of-band one (round already finished; decisions go through separate
// apply/discard calls).
type ConfirmationRequest struct {
	Tools                []*ToolExecution
	AwaitingContinuation bool
	TimeoutMS            int
}

// Find returns the entry with the given id, or nil.
func (c *ConfirmationRequest) Find(id string) *ToolExecution {
	if c == nil {
		return nil
	}
	for _, t := range c.Tools {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// PendingIDs lists ids still undecided.
func (c *ConfirmationRequest) PendingIDs() []string {
	if c == nil {
		return nil
	}
	var ids []string
	for _, t := range c.Tools {
		if t.Status == StatusPending {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// RoundStats summarizes tool outcomes for a finished round.
type RoundStats struct {
	Succeeded int
	Failed    int
	Rejected  int
}
