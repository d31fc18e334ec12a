package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/taskloop/taskloop/internal/common/logger"
)

// Subprocess drives an agent CLI binary, invoking it once per call with
// JSON output. Used when no agent server is running on the host.
type Subprocess struct {
	binaryPath string
	logger     *logger.Logger
}

// NewSubprocess creates a subprocess runner. An empty binaryPath falls back
// to a PATH lookup for "agent".
func NewSubprocess(binaryPath string, log *logger.Logger) *Subprocess {
	if binaryPath == "" {
		binaryPath = "agent"
		if path, err := exec.LookPath("agent"); err == nil {
			binaryPath = path
		}
	}
	return &Subprocess{
		binaryPath: binaryPath,
		logger:     log.WithFields(zap.String("component", "runner-subprocess")),
	}
}

// CreateSession starts a new conversation via the CLI.
func (s *Subprocess) CreateSession(ctx context.Context, workDir, title string) (string, error) {
	var resp createSessionResponse
	err := s.run(ctx, workDir, &resp, "session", "create", "--title", title, "--json")
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("agent cli returned empty session id")
	}
	return resp.SessionID, nil
}

// SendPrompt submits a prompt via the CLI. The CLI queues the prompt and
// returns; the agent works in the background.
func (s *Subprocess) SendPrompt(ctx context.Context, sessionID, workDir, agent, text string) error {
	err := s.run(ctx, workDir, nil, "session", "prompt", sessionID, "--agent", agent, "--text", text)
	if err != nil {
		return fmt.Errorf("failed to send prompt: %w", err)
	}
	return nil
}

// GetStatus reports whether the session is idle or busy.
func (s *Subprocess) GetStatus(ctx context.Context, sessionID, workDir string) (Status, error) {
	var resp statusResponse
	err := s.run(ctx, workDir, &resp, "session", "status", sessionID, "--json")
	if err != nil {
		return "", fmt.Errorf("failed to get session status: %w", err)
	}
	if resp.Status == string(StatusIdle) {
		return StatusIdle, nil
	}
	return StatusBusy, nil
}

// GetMessages returns the ordered session transcript.
func (s *Subprocess) GetMessages(ctx context.Context, sessionID, workDir string) ([]Message, error) {
	var resp messagesResponse
	err := s.run(ctx, workDir, &resp, "session", "messages", sessionID, "--json")
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return resp.Messages, nil
}

// GetTodos returns the agent's current todo list.
func (s *Subprocess) GetTodos(ctx context.Context, sessionID string) ([]Todo, error) {
	var resp todosResponse
	err := s.run(ctx, "", &resp, "session", "todos", sessionID, "--json")
	if err != nil {
		return nil, fmt.Errorf("failed to get todos: %w", err)
	}
	return resp.Todos, nil
}

// InjectToolResults supplies placeholder results for dangling tool_use blocks.
func (s *Subprocess) InjectToolResults(ctx context.Context, sessionID, workDir string, pendingToolIDs []string) error {
	args := []string{"session", "recover", sessionID}
	for _, id := range pendingToolIDs {
		args = append(args, "--tool-use-id", id)
	}
	if err := s.run(ctx, workDir, nil, args...); err != nil {
		return fmt.Errorf("failed to inject tool results: %w", err)
	}
	return nil
}

// run executes the agent binary and decodes its stdout into out when non-nil.
// Stderr text is surfaced in the returned error so the classifier can match
// on the agent's own message.
func (s *Subprocess) run(ctx context.Context, workDir string, out any, args ...string) error {
	cmd := exec.CommandContext(ctx, s.binaryPath, args...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	// Own process group so a force shutdown can kill the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.logger.Debug("Running agent command", zap.Strings("args", args))

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg != "" {
			return fmt.Errorf("agent command failed: %s: %w", msg, err)
		}
		return fmt.Errorf("agent command failed: %w", err)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(stdout.Bytes(), out); err != nil {
		return fmt.Errorf("failed to decode agent output: %w", err)
	}
	return nil
}
