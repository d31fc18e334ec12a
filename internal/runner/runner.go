// Package runner abstracts the external coding agent. The executor drives a
// Runner without knowing whether it talks to an agent server over HTTP or to
// a CLI subprocess.
package runner

import "context"

// Status of an agent session as reported by the runner.
type Status string

const (
	StatusIdle Status = "idle"
	StatusBusy Status = "busy"
)

// PartKind identifies the content type of a message part.
// Additional kinds reported by an agent are ignored.
type PartKind string

const (
	PartText       PartKind = "text"
	PartReasoning  PartKind = "reasoning"
	PartToolUse    PartKind = "tool_use"
	PartToolResult PartKind = "tool_result"
)

// Part is one piece of a message.
type Part struct {
	Kind PartKind `json:"kind"`
	// Text carries content for text and reasoning parts.
	Text string `json:"text,omitempty"`
	// Tool is the tool name for tool_use parts.
	Tool string `json:"tool,omitempty"`
	// ToolUseID links tool_use and tool_result parts.
	ToolUseID string `json:"tool_use_id,omitempty"`
	// Content carries the payload of tool_result parts.
	Content string `json:"content,omitempty"`
}

// Message is one entry in a session transcript.
type Message struct {
	Role  string `json:"role"` // user, assistant, tool
	Parts []Part `json:"parts"`
}

// Todo is one item on the agent's todo list.
type Todo struct {
	Content string `json:"content,omitempty"`
	Status  string `json:"status"` // todo, in_progress, completed, cancelled
}

// Done reports whether the todo no longer needs work.
func (t Todo) Done() bool {
	return t.Status == "completed" || t.Status == "cancelled"
}

// Runner is the contract between the executor and an external agent.
type Runner interface {
	// CreateSession starts a new conversation and returns its session id.
	CreateSession(ctx context.Context, workDir, title string) (string, error)

	// SendPrompt submits text to the session. The agent works asynchronously;
	// callers poll GetStatus to observe progress.
	SendPrompt(ctx context.Context, sessionID, workDir, agent, text string) error

	// GetStatus reports whether the session is idle or busy.
	GetStatus(ctx context.Context, sessionID, workDir string) (Status, error)

	// GetMessages returns the ordered session transcript.
	GetMessages(ctx context.Context, sessionID, workDir string) ([]Message, error)

	// GetTodos returns the agent's current todo list.
	GetTodos(ctx context.Context, sessionID string) ([]Todo, error)

	// InjectToolResults supplies placeholder results for dangling tool_use
	// blocks so a wedged session can continue.
	InjectToolResults(ctx context.Context, sessionID, workDir string, pendingToolIDs []string) error
}
