// Package models defines the task entity and its enumerations.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a task
type Status string

const (
	// StatusPending - task is queued and waiting to be picked up
	StatusPending Status = "pending"
	// StatusRunning - task is being executed; at most one task at a time
	StatusRunning Status = "running"
	// StatusDone - task finished with a result
	StatusDone Status = "done"
	// StatusFailed - task failed permanently
	StatusFailed Status = "failed"
	// StatusCancelled - task was cancelled while still pending
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether the status is a known value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusDone, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Priority represents the scheduling priority of a task
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns the ordering key for the priority; lower runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 3
	}
}

// Valid reports whether the priority is a known value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// ErrorType classifies a task failure for retry policy decisions
type ErrorType string

const (
	ErrorTypeRateLimit         ErrorType = "rate_limit"
	ErrorTypeContextExceeded   ErrorType = "context_exceeded"
	ErrorTypeAgentNotFound     ErrorType = "agent_not_found"
	ErrorTypeToolResultMissing ErrorType = "tool_result_missing"
	ErrorTypeThinkingBlock     ErrorType = "thinking_block_error"
	ErrorTypeTimeout           ErrorType = "timeout"
	ErrorTypeDependencyFailed  ErrorType = "dependency_failed"
	ErrorTypeUnknown           ErrorType = "unknown"
)

// IsPermanent reports whether failures of this type should never be retried.
func (e ErrorType) IsPermanent() bool {
	return e == ErrorTypeContextExceeded || e == ErrorTypeAgentNotFound
}

const (
	// MaxPromptLength is the longest accepted prompt in characters.
	MaxPromptLength = 10000
	// MaxProgressMessageLength caps the persisted progress_last_message column.
	MaxProgressMessageLength = 1000
	// DefaultMaxIterations caps continuation rounds per task.
	DefaultMaxIterations = 10
	// DefaultMaxRetries caps retries per task.
	DefaultMaxRetries = 3
)

// Task represents one user request tracked end-to-end
type Task struct {
	ID            int64     `db:"id" json:"id"`
	Prompt        string    `db:"prompt" json:"prompt"`
	ProjectPath   string    `db:"project_path" json:"project_path,omitempty"`
	Status        Status    `db:"status" json:"status"`
	Priority      Priority  `db:"priority" json:"priority"`
	Result        string    `db:"result" json:"result,omitempty"`
	Error         string    `db:"error" json:"error,omitempty"`
	ErrorType     ErrorType `db:"error_type" json:"error_type,omitempty"`
	SessionID     string    `db:"session_id" json:"session_id,omitempty"`
	Iteration     int       `db:"iteration" json:"iteration"`
	MaxIterations int       `db:"max_iterations" json:"max_iterations"`
	RetryCount    int       `db:"retry_count" json:"retry_count"`
	MaxRetries    int       `db:"max_retries" json:"max_retries"`

	RetryAfter  *time.Time `db:"retry_after" json:"retry_after,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`

	CreatedBy string `db:"created_by" json:"created_by,omitempty"`
	Source    string `db:"source" json:"source,omitempty"`

	// DependsOn references a parent task that must be done first.
	DependsOn *int64 `db:"depends_on" json:"depends_on,omitempty"`

	// Observational progress columns, updated while the agent works.
	ProgressToolCalls   int        `db:"progress_tool_calls" json:"progress_tool_calls"`
	ProgressLastTool    string     `db:"progress_last_tool" json:"progress_last_tool,omitempty"`
	ProgressLastMessage string     `db:"progress_last_message" json:"progress_last_message,omitempty"`
	ProgressUpdatedAt   *time.Time `db:"progress_updated_at" json:"progress_updated_at,omitempty"`
}

// ValidatePrompt checks the prompt against length and blankness rules.
func ValidatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("prompt must not be blank")
	}
	if len(prompt) > MaxPromptLength {
		return fmt.Errorf("prompt exceeds %d characters", MaxPromptLength)
	}
	return nil
}
