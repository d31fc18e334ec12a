package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskloop/taskloop/internal/common/logger"
	"github.com/taskloop/taskloop/internal/runner"
	"github.com/taskloop/taskloop/internal/task/models"
	"github.com/taskloop/taskloop/internal/task/store"
)

func testConfig() Config {
	return Config{
		Agent:            "build",
		WorkspaceRoot:    "/tmp/work",
		IterationTimeout: 2 * time.Second,
		PollInterval:     5 * time.Millisecond,
		CreateGrace:      time.Millisecond,
		StabilityWindow:  10 * time.Millisecond,
		StabilityPolls:   3,
	}
}

func newExecutorTest(t *testing.T, fake *runner.Fake, cfg Config) (*Executor, *store.Store) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	s, err := store.New(filepath.Join(t.TempDir(), "tasks.db"), log)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return New(s, fake, cfg, log), s
}

func createTask(t *testing.T, s *store.Store, req store.CreateTaskRequest) *models.Task {
	t.Helper()
	task, err := s.Create(context.Background(), req)
	require.NoError(t, err)
	return task
}

func TestExecuteCompletesOnStrongSignal(t *testing.T) {
	fake := &runner.Fake{
		SessionID: "sess-1",
		Statuses:  []runner.Status{runner.StatusIdle},
		Messages:  []runner.Message{runner.AssistantText("[TASK_COMPLETE] Refactored the parser.")},
	}
	e, s := newExecutorTest(t, fake, testConfig())
	ctx := context.Background()

	task := createTask(t, s, store.CreateTaskRequest{Prompt: "refactor the parser"})
	output, err := e.Execute(ctx, task)
	require.NoError(t, err)
	assert.Contains(t, output, "[TASK_COMPLETE]")

	assert.Equal(t, 1, fake.CreateCalls)
	assert.Equal(t, 1, fake.SendCalls)
	require.Len(t, fake.Prompts, 1)
	assert.Contains(t, fake.Prompts[0], "refactor the parser")
	assert.Contains(t, fake.Prompts[0], "[TASK_COMPLETE]")

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, 1, got.Iteration)
}

func TestExecuteContinuationThenComplete(t *testing.T) {
	// First settle: incomplete with work phrase; second settle: complete.
	outputs := []string{
		"Next, I need to update the imports.",
		"[TASK_COMPLETE] All imports updated.",
	}
	fake := &runner.Fake{SessionID: "sess-2", Statuses: []runner.Status{runner.StatusIdle}}
	fake.MessagesFunc = func(call int) ([]runner.Message, error) {
		idx := call
		if idx >= len(outputs) {
			idx = len(outputs) - 1
		}
		return []runner.Message{runner.AssistantText(outputs[idx])}, nil
	}

	e, s := newExecutorTest(t, fake, testConfig())
	ctx := context.Background()

	task := createTask(t, s, store.CreateTaskRequest{Prompt: "update imports"})
	output, err := e.Execute(ctx, task)
	require.NoError(t, err)
	assert.Contains(t, output, "[TASK_COMPLETE]")

	// Two prompts: initial then continuation, sharing one session.
	require.Equal(t, 2, fake.SendCalls)
	assert.Equal(t, 1, fake.CreateCalls)
	assert.Contains(t, fake.Prompts[1], "pending todos")

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Iteration)
}

func TestExecuteMaxIterationsSentinel(t *testing.T) {
	fake := &runner.Fake{
		SessionID: "sess-3",
		Statuses:  []runner.Status{runner.StatusIdle},
		Messages:  []runner.Message{runner.AssistantText("Working on it. Next, I need to fix tests.")},
	}
	e, s := newExecutorTest(t, fake, testConfig())
	ctx := context.Background()

	task := createTask(t, s, store.CreateTaskRequest{Prompt: "endless", MaxIterations: 1})
	output, err := e.Execute(ctx, task)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(output, "Max iterations reached. Last output:\n"))
	assert.Contains(t, output, "Working on it.")
	assert.Equal(t, 1, fake.SendCalls)
}

func TestExecuteTodoGatingForcesContinuation(t *testing.T) {
	fake := &runner.Fake{
		SessionID: "sess-4",
		Statuses:  []runner.Status{runner.StatusIdle},
		Messages:  []runner.Message{runner.AssistantText("[TASK_COMPLETE] done early")},
		Todos: []runner.Todo{
			{Content: "write tests", Status: "in_progress"},
		},
	}
	e, s := newExecutorTest(t, fake, testConfig())
	ctx := context.Background()

	// Completion marker present, but an unfinished todo keeps the loop going
	// until max_iterations.
	task := createTask(t, s, store.CreateTaskRequest{Prompt: "with todos", MaxIterations: 2})
	output, err := e.Execute(ctx, task)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(output, "Max iterations reached."))
	assert.Equal(t, 2, fake.SendCalls)
}

func TestExecuteIterationTimeout(t *testing.T) {
	fake := &runner.Fake{SessionID: "sess-5"}
	fake.StatusFunc = func(call int) (runner.Status, error) {
		return runner.StatusBusy, nil
	}
	// Growing transcript defeats the stability heuristic.
	fake.MessagesFunc = func(call int) ([]runner.Message, error) {
		msgs := make([]runner.Message, 0, call+1)
		for i := 0; i <= call; i++ {
			msgs = append(msgs, runner.AssistantText(fmt.Sprintf("message %d", i)))
		}
		return msgs, nil
	}

	cfg := testConfig()
	cfg.IterationTimeout = 50 * time.Millisecond
	e, s := newExecutorTest(t, fake, cfg)
	ctx := context.Background()

	task := createTask(t, s, store.CreateTaskRequest{Prompt: "slow"})
	_, err := e.Execute(ctx, task)
	require.Error(t, err)
	assert.Equal(t, models.ErrorTypeTimeout, Classify(err))
}

func TestExecuteStabilityHeuristic(t *testing.T) {
	// Runner never reports idle, but the transcript stops growing; after
	// three stable polls the executor settles on the output.
	fake := &runner.Fake{
		SessionID: "sess-6",
		Messages:  []runner.Message{runner.AssistantText("[TASK_COMPLETE] Stable and done.")},
	}
	fake.StatusFunc = func(call int) (runner.Status, error) {
		return runner.StatusBusy, nil
	}

	e, s := newExecutorTest(t, fake, testConfig())
	ctx := context.Background()

	task := createTask(t, s, store.CreateTaskRequest{Prompt: "silent finisher"})
	output, err := e.Execute(ctx, task)
	require.NoError(t, err)
	assert.Contains(t, output, "Stable and done.")
}

func TestExecuteBusyPollsPersistProgress(t *testing.T) {
	fake := &runner.Fake{
		SessionID: "sess-7",
		Statuses: []runner.Status{
			runner.StatusBusy,
			runner.StatusBusy,
			runner.StatusIdle,
		},
		Messages: []runner.Message{
			{Role: "assistant", Parts: []runner.Part{
				{Kind: runner.PartToolUse, ToolUseID: "t1", Tool: "bash"},
				{Kind: runner.PartText, Text: "[TASK_COMPLETE] Ran the build."},
			}},
		},
	}
	e, s := newExecutorTest(t, fake, testConfig())
	ctx := context.Background()

	task := createTask(t, s, store.CreateTaskRequest{Prompt: "build it"})
	_, err := e.Execute(ctx, task)
	require.NoError(t, err)

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ProgressToolCalls)
	assert.Equal(t, "bash", got.ProgressLastTool)
	assert.Equal(t, "[TASK_COMPLETE] Ran the build.", got.ProgressLastMessage)
}

func TestExecuteSendPromptErrorPropagates(t *testing.T) {
	fake := &runner.Fake{
		SessionID: "sess-8",
		SendErr:   fmt.Errorf("agent server returned 500: context length exceeded"),
	}
	e, s := newExecutorTest(t, fake, testConfig())
	ctx := context.Background()

	task := createTask(t, s, store.CreateTaskRequest{Prompt: "too big"})
	_, err := e.Execute(ctx, task)
	require.Error(t, err)
	assert.Equal(t, models.ErrorTypeContextExceeded, Classify(err))
}

func TestRecoverToolResults(t *testing.T) {
	fake := &runner.Fake{
		SessionID: "sess-9",
		Messages: []runner.Message{
			{Role: "assistant", Parts: []runner.Part{{Kind: runner.PartToolUse, ToolUseID: "abc", Tool: "bash"}}},
		},
	}
	e, s := newExecutorTest(t, fake, testConfig())
	ctx := context.Background()

	task := createTask(t, s, store.CreateTaskRequest{Prompt: "recover me"})
	task.SessionID = "sess-9"

	require.NoError(t, e.RecoverToolResults(ctx, task))
	require.Equal(t, 1, fake.InjectCalls)
	assert.Equal(t, []string{"abc"}, fake.InjectedIDs[0])

	// Nothing dangling: recovery reports failure instead of a silent no-op.
	fake.Messages = []runner.Message{
		{Role: "assistant", Parts: []runner.Part{
			{Kind: runner.PartToolUse, ToolUseID: "abc"},
			{Kind: runner.PartToolResult, ToolUseID: "abc", Content: "ok"},
		}},
	}
	assert.Error(t, e.RecoverToolResults(ctx, task))
}
