package protocol

// Request and response bodies for the confirmation and conversation
// endpoints that live outside the frame stream. Apply and discard are the
// out-of-band confirmation pathway; truncate rolls a conversation back to
// its first keep_count messages.

type ApplyRequest struct {
	ActionIDs []string `json:"action_ids"`
}

// ActionResult is the per-id outcome of an apply call.
type ActionResult struct {
	ActionID string `json:"action_id"`
	Success  bool   `json:"success"`
	Message  string `json:"message"`
}

type ApplyResponse struct {
	Applied []string       `json:"applied"`
	Results []ActionResult `json:"results"`
}

type DiscardRequest struct {
	ActionIDs []string `json:"action_ids"`
}

type DiscardResponse struct {
	DiscardedCount int `json:"discarded_count"`
}

type TruncateRequest struct {
	KeepCount int `json:"keep_count"`
}

type TruncateResponse struct {
	MessageCount int `json:"message_count"`
}

type ConversationSummary struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	MessageCount int    `json:"message_count"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// ActionRecord is the persisted form of a confirmable tool call, attached
// to the message that proposed it.
type ActionRecord struct {
	ActionID    string         `json:"action_id"`
	ToolName    string         `json:"tool_name"`
	Params      map[string]any `json:"params,omitempty"`
	Preview     string         `json:"preview,omitempty"`
	Status      string         `json:"status"`
	IsDangerous bool           `json:"is_dangerous,omitempty"`
	Message     string         `json:"message,omitempty"`
}

// MessageRecord is one persisted conversation entry as served by the
// conversation detail endpoint.
type MessageRecord struct {
	Role    string         `json:"role"`
	Content string         `json:"content"`
	Actions []ActionRecord `json:"actions,omitempty"`
}

type ConversationDetail struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	Title     string          `json:"title"`
	Messages  []MessageRecord `json:"messages"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
}
