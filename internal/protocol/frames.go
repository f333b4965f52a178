// Package protocol defines the typed frames exchanged between the GM client
// and server, and the codec between those frames and their JSON wire form.
// It carries no business logic.
package protocol

// FrameType discriminates every frame on the wire.
type FrameType string

// Client -> server frame types.
const (
	FrameUserMessage     FrameType = "user_message"
	FrameConfirmResponse FrameType = "confirm_response"
	FrameCancel          FrameType = "cancel"
	FramePing            FrameType = "ping"
)

// Server -> client frame types.
const (
	FrameConnected     FrameType = "connected"
	FrameRoundStart    FrameType = "round_start"
	FrameContent       FrameType = "content"
	FrameToolCall      FrameType = "tool_call"
	FrameToolExecuting FrameType = "tool_executing"
	FrameToolResult    FrameType = "tool_result"
	FrameConfirmAction FrameType = "confirm_actions"
	FrameToolExecuted  FrameType = "tool_executed"
	FrameDone          FrameType = "done"
	FrameError         FrameType = "error"
	FramePong          FrameType = "pong"
)

// Image is an inline attachment on a user message.
type Image struct {
	Base64   string `json:"base64"`
	MimeType string `json:"mime_type"`
}

// Action is one mutating tool call offered for confirmation.
type Action struct {
	ActionID    string         `json:"action_id"`
	ToolName    string         `json:"tool_name"`
	Params      map[string]any `json:"params,omitempty"`
	Preview     string         `json:"preview"`
	IsDangerous bool           `json:"is_dangerous,omitempty"`
}

// ClientFrame is any client-to-server frame. Fields beyond Type are
// populated per frame type; unused ones stay at their zero value and are
// omitted from the wire form.
type ClientFrame struct {
	Type           FrameType `json:"type"`
	Message        string    `json:"message,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Images         []Image   `json:"images,omitempty"`
	WebSearch      bool      `json:"web_search,omitempty"`
	Approved       []string  `json:"approved,omitempty"`
	Rejected       []string  `json:"rejected,omitempty"`
}

// ServerFrame is any server-to-client frame, flattened the same way the
// server writes it: a type tag plus the payload fields at top level.
type ServerFrame struct {
	Type FrameType `json:"type"`

	ProjectID      string `json:"project_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Round          int    `json:"round,omitempty"`
	Content        string `json:"content,omitempty"`

	ToolName string         `json:"tool_name,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	Preview  string         `json:"preview,omitempty"`
	CallID   string         `json:"call_id,omitempty"`
	ActionID string         `json:"action_id,omitempty"`
	Success  bool           `json:"success,omitempty"`
	Message  string         `json:"message,omitempty"`

	Actions              []Action `json:"actions,omitempty"`
	AwaitingContinuation bool     `json:"awaiting_continuation,omitempty"`
	TimeoutMS            int      `json:"timeout_ms,omitempty"`

	ExecutionSummary map[string]int `json:"execution_summary,omitempty"`

	Error       string `json:"error,omitempty"`
	Code        string `json:"code,omitempty"`
	Recoverable *bool  `json:"recoverable,omitempty"`
}

// IsRecoverable reports whether an error frame leaves the round open.
// Absent means recoverable, matching the server's default.
func (f *ServerFrame) IsRecoverable() bool {
	return f.Recoverable == nil || *f.Recoverable
}

// UserMessage builds the frame that starts a round. An empty conversation id
// asks the server to create a new conversation.
func UserMessage(message, conversationID string) *ClientFrame {
	return &ClientFrame{
		Type:           FrameUserMessage,
		Message:        message,
		ConversationID: conversationID,
	}
}

// ConfirmResponse builds the in-band decision frame.
func ConfirmResponse(approved, rejected []string) *ClientFrame {
	return &ClientFrame{
		Type:     FrameConfirmResponse,
		Approved: approved,
		Rejected: rejected,
	}
}

// Cancel builds the advisory abort frame.
func Cancel() *ClientFrame {
	return &ClientFrame{Type: FrameCancel}
}

// Ping builds the liveness frame.
func Ping() *ClientFrame {
	return &ClientFrame{Type: FramePing}
}
