// Package executor drives a single task through an external agent session,
// iterating with continuation prompts until the agent genuinely finishes.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/taskloop/taskloop/internal/common/logger"
	"github.com/taskloop/taskloop/internal/common/tracing"
	"github.com/taskloop/taskloop/internal/runner"
	"github.com/taskloop/taskloop/internal/task/models"
	"github.com/taskloop/taskloop/internal/task/store"
)

// noOutputSentinel is returned when a session finished without any
// assistant text.
const noOutputSentinel = "Task completed (no output captured)"

// Config holds the executor's timing and agent parameters. Zero values are
// replaced by the defaults below.
type Config struct {
	// Agent is the logical agent name passed on every prompt.
	Agent string
	// Specialists are advertised in the initial prompt when non-empty.
	Specialists []string
	// WorkspaceRoot is the working directory for tasks without a project path.
	WorkspaceRoot string

	// IterationTimeout bounds one prompt/response round (default 10m).
	IterationTimeout time.Duration
	// PollInterval is the sleep between status polls (default 2s).
	PollInterval time.Duration
	// CreateGrace ignores idle reports right after session creation (default 5s).
	CreateGrace time.Duration
	// StabilityWindow is the minimum session age before the stability
	// heuristic may fire (default 10s).
	StabilityWindow time.Duration
	// StabilityPolls is the number of consecutive identical message counts
	// that count as implicit idle (default 3).
	StabilityPolls int
}

func (c *Config) applyDefaults() {
	if c.IterationTimeout <= 0 {
		c.IterationTimeout = 10 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.CreateGrace <= 0 {
		c.CreateGrace = 5 * time.Second
	}
	if c.StabilityWindow <= 0 {
		c.StabilityWindow = 10 * time.Second
	}
	if c.StabilityPolls <= 0 {
		c.StabilityPolls = 3
	}
}

// Executor runs one task at a time against a Runner.
type Executor struct {
	store  *store.Store
	runner runner.Runner
	cfg    Config
	logger *logger.Logger
}

// New creates an executor.
func New(s *store.Store, r runner.Runner, cfg Config, log *logger.Logger) *Executor {
	cfg.applyDefaults()
	return &Executor{
		store:  s,
		runner: r,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "executor")),
	}
}

// iterationResult is the outcome of one prompt/response round.
type iterationResult struct {
	output            string
	sessionID         string
	isComplete        bool
	needsContinuation bool
}

// Execute drives the task to completion. It marks the task running, then
// loops iterations sharing one session until the agent completes, no
// continuation is warranted, or max_iterations is reached. Runner failures
// propagate to the scheduler for classification.
func (e *Executor) Execute(ctx context.Context, task *models.Task) (string, error) {
	if err := e.store.SetRunning(ctx, task.ID, fmt.Sprintf("loop-%d", time.Now().Unix())); err != nil {
		return "", err
	}

	log := e.logger.WithTaskID(task.ID)
	sessionID := ""
	lastOutput := ""

	for {
		n, err := e.store.IncrementIteration(ctx, task.ID)
		if err != nil {
			return "", err
		}
		if n > task.MaxIterations {
			log.Warn("Max iterations reached", zap.Int("iterations", task.MaxIterations))
			return "Max iterations reached. Last output:\n" + lastOutput, nil
		}

		prompt := continuationPrompt
		if n == 1 {
			prompt = initialPrompt(task.Prompt, e.cfg.Specialists)
		}

		log.Info("Starting iteration", zap.Int("iteration", n))
		result, err := e.runIteration(ctx, task, prompt, sessionID)
		if err != nil {
			return "", err
		}

		lastOutput = result.output
		if result.sessionID != sessionID {
			sessionID = result.sessionID
			if err := e.store.UpdateSessionID(ctx, task.ID, sessionID); err != nil {
				return "", err
			}
		}

		if result.isComplete {
			log.Info("Task complete", zap.Int("iterations", n))
			return result.output, nil
		}
		if !result.needsContinuation {
			log.Info("No continuation needed", zap.Int("iterations", n))
			return result.output, nil
		}

		if err := e.sleep(ctx, e.cfg.PollInterval); err != nil {
			return "", err
		}
	}
}

// runIteration sends one prompt and polls the session until it settles.
func (e *Executor) runIteration(ctx context.Context, task *models.Task, prompt, sessionID string) (*iterationResult, error) {
	ctx, span := tracing.Tracer("executor").Start(ctx, "executor.iteration")
	defer span.End()

	log := e.logger.WithTaskID(task.ID)
	workDir := task.ProjectPath
	if workDir == "" {
		workDir = e.cfg.WorkspaceRoot
	}

	if sessionID == "" {
		created, err := e.runner.CreateSession(ctx, workDir, fmt.Sprintf("Task #%d", task.ID))
		if err != nil {
			return nil, err
		}
		sessionID = created
		if err := e.store.UpdateSessionID(ctx, task.ID, sessionID); err != nil {
			return nil, err
		}
		log.Info("Session created", zap.String("session_id", sessionID))
	}
	sessionStart := time.Now()

	if err := e.runner.SendPrompt(ctx, sessionID, workDir, e.cfg.Agent, prompt); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(e.cfg.IterationTimeout)
	stablePolls := 0
	prevMessageCount := -1

	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("iteration timeout after %s", e.cfg.IterationTimeout)
		}
		if err := e.sleep(ctx, e.cfg.PollInterval); err != nil {
			return nil, err
		}

		status, err := e.runner.GetStatus(ctx, sessionID, workDir)
		if err != nil {
			return nil, err
		}

		if status == runner.StatusIdle {
			// Sessions can report idle before the agent has started.
			if time.Since(sessionStart) < e.cfg.CreateGrace {
				continue
			}
			messages, err := e.runner.GetMessages(ctx, sessionID, workDir)
			if err != nil {
				return nil, err
			}
			if !hasRealOutput(messages) {
				continue
			}
			return e.settle(ctx, task, sessionID, messages)
		}

		// Busy: capture progress, then apply the stability heuristic for
		// runners that never report idle.
		messages, err := e.runner.GetMessages(ctx, sessionID, workDir)
		if err != nil {
			log.Warn("Failed to fetch messages while busy", zap.Error(err))
			continue
		}
		if err := e.store.UpdateProgress(ctx, task.ID, progressFrom(messages)); err != nil {
			log.Warn("Failed to persist progress", zap.Error(err))
		}

		if time.Since(sessionStart) >= e.cfg.StabilityWindow && len(messages) == prevMessageCount {
			stablePolls++
		} else {
			stablePolls = 0
		}
		prevMessageCount = len(messages)

		if stablePolls >= e.cfg.StabilityPolls {
			log.Info("Session stable while busy, treating as idle",
				zap.Int("message_count", len(messages)))
			return e.settle(ctx, task, sessionID, messages)
		}
	}
}

// settle runs the end-of-iteration checks shared by the idle branch and the
// stability heuristic: unfinished todos force a continuation, otherwise the
// textual signals decide.
func (e *Executor) settle(ctx context.Context, task *models.Task, sessionID string, messages []runner.Message) (*iterationResult, error) {
	output := extractOutput(messages)

	todos, err := e.runner.GetTodos(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, todo := range todos {
		if !todo.Done() {
			return &iterationResult{
				output:            output,
				sessionID:         sessionID,
				needsContinuation: true,
			}, nil
		}
	}

	return &iterationResult{
		output:            output,
		sessionID:         sessionID,
		isComplete:        isComplete(output),
		needsContinuation: needsContinuation(output, messages),
	}, nil
}

// sleep waits for d or until the context is cancelled.
func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// hasRealOutput reports whether the agent produced anything beyond the echo
// of the prompt: a non-empty text or reasoning part on an assistant or tool
// message, or any tool activity.
func hasRealOutput(messages []runner.Message) bool {
	for _, msg := range messages {
		if msg.Role != "assistant" && msg.Role != "tool" {
			continue
		}
		for _, part := range msg.Parts {
			switch part.Kind {
			case runner.PartText, runner.PartReasoning:
				if strings.TrimSpace(part.Text) != "" {
					return true
				}
			case runner.PartToolUse, runner.PartToolResult:
				return true
			}
		}
	}
	return false
}

// extractOutput concatenates the text parts of assistant messages in order.
func extractOutput(messages []runner.Message) string {
	var parts []string
	for _, msg := range messages {
		if msg.Role != "assistant" {
			continue
		}
		for _, part := range msg.Parts {
			if part.Kind == runner.PartText && strings.TrimSpace(part.Text) != "" {
				parts = append(parts, part.Text)
			}
		}
	}
	if len(parts) == 0 {
		return noOutputSentinel
	}
	return strings.Join(parts, "\n\n")
}

// progressFrom summarizes the transcript for the progress columns.
func progressFrom(messages []runner.Message) store.ProgressUpdate {
	var p store.ProgressUpdate
	for _, msg := range messages {
		if msg.Role != "assistant" {
			continue
		}
		for _, part := range msg.Parts {
			switch part.Kind {
			case runner.PartToolUse:
				p.ToolCalls++
				if part.Tool != "" {
					p.LastTool = part.Tool
				}
			case runner.PartText:
				if strings.TrimSpace(part.Text) != "" {
					p.LastMessage = part.Text
				}
			}
		}
	}
	return p
}

// RecoverToolResults injects placeholder results for dangling tool_use
// blocks so a wedged session can continue. Used once per failure by the
// scheduler before retry accounting.
func (e *Executor) RecoverToolResults(ctx context.Context, task *models.Task) error {
	workDir := task.ProjectPath
	if workDir == "" {
		workDir = e.cfg.WorkspaceRoot
	}

	messages, err := e.runner.GetMessages(ctx, task.SessionID, workDir)
	if err != nil {
		return err
	}
	pending := pendingToolUseIDs(messages)
	if len(pending) == 0 {
		return fmt.Errorf("no dangling tool_use blocks found in session %s", task.SessionID)
	}
	return e.runner.InjectToolResults(ctx, task.SessionID, workDir, pending)
}

// pendingToolUseIDs returns tool_use ids with no matching tool_result.
func pendingToolUseIDs(messages []runner.Message) []string {
	resolved := make(map[string]bool)
	var order []string
	for _, msg := range messages {
		for _, part := range msg.Parts {
			switch part.Kind {
			case runner.PartToolUse:
				if part.ToolUseID != "" && !resolved[part.ToolUseID] {
					order = append(order, part.ToolUseID)
				}
			case runner.PartToolResult:
				resolved[part.ToolUseID] = true
			}
		}
	}
	var pending []string
	for _, id := range order {
		if !resolved[id] {
			pending = append(pending, id)
		}
	}
	return pending
}
