package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskloop/taskloop/internal/common/logger"
	"github.com/taskloop/taskloop/internal/common/pathguard"
	"github.com/taskloop/taskloop/internal/task/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	s, err := New(filepath.Join(t.TempDir(), "tasks.db"), log)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func mustCreate(t *testing.T, s *Store, req CreateTaskRequest) *models.Task {
	t.Helper()
	task, err := s.Create(context.Background(), req)
	require.NoError(t, err)
	return task
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, s, CreateTaskRequest{Prompt: "fix the build", Source: "cli"})
	assert.Equal(t, models.StatusPending, task.Status)
	assert.Equal(t, models.PriorityMedium, task.Priority)
	assert.Equal(t, models.DefaultMaxIterations, task.MaxIterations)
	assert.Equal(t, models.DefaultMaxRetries, task.MaxRetries)
	assert.False(t, task.CreatedAt.IsZero())

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "fix the build", got.Prompt)
	assert.Equal(t, "cli", got.Source)
}

func TestCreateValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, CreateTaskRequest{Prompt: "   "})
	assert.Error(t, err)

	_, err = s.Create(ctx, CreateTaskRequest{Prompt: strings.Repeat("a", models.MaxPromptLength)})
	assert.NoError(t, err)

	_, err = s.Create(ctx, CreateTaskRequest{Prompt: strings.Repeat("a", models.MaxPromptLength+1)})
	assert.Error(t, err)

	_, err = s.Create(ctx, CreateTaskRequest{Prompt: "ok", ProjectPath: "../etc/passwd"})
	assert.ErrorIs(t, err, pathguard.ErrForbiddenPath)

	_, err = s.Create(ctx, CreateTaskRequest{Prompt: "ok", ProjectPath: "/root/projects/foo"})
	assert.NoError(t, err)

	_, err = s.Create(ctx, CreateTaskRequest{Prompt: "ok", ProjectPath: "/root/other"})
	assert.ErrorIs(t, err, pathguard.ErrForbiddenPath)

	_, err = s.Create(ctx, CreateTaskRequest{Prompt: "ok", Priority: "whenever"})
	assert.Error(t, err)

	missing := int64(9999)
	_, err = s.Create(ctx, CreateTaskRequest{Prompt: "ok", DependsOn: &missing})
	assert.Error(t, err)
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPriorityOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, CreateTaskRequest{Prompt: "Low", Priority: models.PriorityLow})
	mustCreate(t, s, CreateTaskRequest{Prompt: "Urgent", Priority: models.PriorityUrgent})
	mustCreate(t, s, CreateTaskRequest{Prompt: "High", Priority: models.PriorityHigh})

	next, err := s.GetNextRetryable(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "Urgent", next.Prompt)
}

func TestFIFOWithinPriority(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := mustCreate(t, s, CreateTaskRequest{Prompt: "first", Priority: models.PriorityHigh})
	mustCreate(t, s, CreateTaskRequest{Prompt: "second", Priority: models.PriorityHigh})

	next, err := s.GetNextRetryable(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, first.ID, next.ID)
}

func TestRetryAfterGating(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, s, CreateTaskRequest{Prompt: "deferred"})
	require.NoError(t, s.SetRunning(ctx, task.ID, "s1"))
	ok, err := s.ScheduleRetry(ctx, task.ID, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	next, err := s.GetNextRetryable(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestDependencyGatingAndCascade(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent := mustCreate(t, s, CreateTaskRequest{Prompt: "parent"})
	child := mustCreate(t, s, CreateTaskRequest{Prompt: "child", DependsOn: &parent.ID})

	// Parent is picked first; child is gated.
	next, err := s.GetNextRetryable(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, parent.ID, next.ID)

	require.NoError(t, s.SetRunning(ctx, parent.ID, "s1"))
	next, err = s.GetNextRetryable(ctx)
	require.NoError(t, err)
	assert.Nil(t, next, "child must stay gated while parent is running")

	require.NoError(t, s.SetDone(ctx, parent.ID, "ok"))
	next, err = s.GetNextRetryable(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, child.ID, next.ID)
}

func TestFailDependentTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent := mustCreate(t, s, CreateTaskRequest{Prompt: "parent"})
	child := mustCreate(t, s, CreateTaskRequest{Prompt: "child", DependsOn: &parent.ID})

	require.NoError(t, s.SetRunning(ctx, parent.ID, "s1"))
	require.NoError(t, s.SetFailed(ctx, parent.ID, "boom", models.ErrorTypeContextExceeded))

	n, err := s.FailDependentTasks(ctx, parent.ID, "parent failed")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Get(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, models.ErrorTypeDependencyFailed, got.ErrorType)
	assert.Equal(t, "parent failed", got.Error)
}

func TestCancelOnlyPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, s, CreateTaskRequest{Prompt: "cancel me"})
	ok, err := s.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Idempotence: second cancel is a no-op.
	ok, err = s.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	running := mustCreate(t, s, CreateTaskRequest{Prompt: "busy"})
	require.NoError(t, s.SetRunning(ctx, running.ID, "s1"))
	ok, err = s.Cancel(ctx, running.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
}

func TestScheduleRetryAllowedWithDefaultBudget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, s, CreateTaskRequest{Prompt: "flaky"})
	require.Equal(t, models.DefaultMaxRetries, task.MaxRetries)

	require.NoError(t, s.SetRunning(ctx, task.ID, "s1"))
	ok, err := s.ScheduleRetry(ctx, task.ID, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "a task created without max_retries must still get the default retry budget")
}

func TestScheduleRetryExhaustion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, s, CreateTaskRequest{Prompt: "flaky", MaxRetries: 3})

	for i := 0; i < 3; i++ {
		require.NoError(t, s.SetRunning(ctx, task.ID, "s1"))
		// Clear retry_after so the next SetRunning sees a pending row.
		ok, err := s.ScheduleRetry(ctx, task.ID, 0)
		require.NoError(t, err)
		assert.True(t, ok, "retry %d should be allowed", i+1)

		got, err := s.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, i+1, got.RetryCount)
		assert.Equal(t, models.StatusPending, got.Status)
		assert.Equal(t, 0, got.Iteration)
		assert.Empty(t, got.SessionID)
	}

	require.NoError(t, s.SetRunning(ctx, task.ID, "s1"))
	ok, err := s.ScheduleRetry(ctx, task.ID, 0)
	require.NoError(t, err)
	assert.False(t, ok, "fourth retry must be refused")

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.RetryCount)
}

func TestSetRunningRequiresPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, s, CreateTaskRequest{Prompt: "one"})
	require.NoError(t, s.SetRunning(ctx, task.ID, "s1"))
	assert.Error(t, s.SetRunning(ctx, task.ID, "s2"))

	running, err := s.GetRunning(ctx)
	require.NoError(t, err)
	require.NotNil(t, running)
	assert.Equal(t, task.ID, running.ID)
	assert.Equal(t, "s1", running.SessionID)
	require.NotNil(t, running.StartedAt)
}

func TestTerminalStateGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, s, CreateTaskRequest{Prompt: "once"})
	require.NoError(t, s.SetRunning(ctx, task.ID, "s1"))
	require.NoError(t, s.SetDone(ctx, task.ID, "first result"))

	// Second terminal write is ignored.
	require.NoError(t, s.SetFailed(ctx, task.ID, "late failure", models.ErrorTypeUnknown))

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, got.Status)
	assert.Equal(t, "first result", got.Result)
}

func TestResetToPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, s, CreateTaskRequest{Prompt: "orphan"})
	require.NoError(t, s.SetRunning(ctx, task.ID, "s1"))
	_, err := s.IncrementIteration(ctx, task.ID)
	require.NoError(t, err)

	require.NoError(t, s.ResetToPending(ctx, task.ID))

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Empty(t, got.SessionID)
	assert.Nil(t, got.StartedAt)
	assert.Equal(t, 0, got.Iteration)
}

func TestIncrementIteration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, s, CreateTaskRequest{Prompt: "loop"})
	n, err := s.IncrementIteration(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.IncrementIteration(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestUpdateProgressTruncation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, s, CreateTaskRequest{Prompt: "progress"})
	long := strings.Repeat("m", models.MaxProgressMessageLength+500)
	require.NoError(t, s.UpdateProgress(ctx, task.ID, ProgressUpdate{
		ToolCalls:   4,
		LastTool:    "bash",
		LastMessage: long,
	}))

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.ProgressToolCalls)
	assert.Equal(t, "bash", got.ProgressLastTool)
	assert.Len(t, got.ProgressLastMessage, models.MaxProgressMessageLength)
	require.NotNil(t, got.ProgressUpdatedAt)

	// A multi-byte rune straddling the limit must not be split.
	multi := strings.Repeat("é", models.MaxProgressMessageLength)
	require.NoError(t, s.UpdateProgress(ctx, task.ID, ProgressUpdate{LastMessage: multi}))

	got, err = s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(got.ProgressLastMessage), models.MaxProgressMessageLength)
	assert.True(t, utf8.ValidString(got.ProgressLastMessage))
}

func TestListAndStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, CreateTaskRequest{Prompt: "a", Priority: models.PriorityHigh})
	b := mustCreate(t, s, CreateTaskRequest{Prompt: "b"})
	require.NoError(t, s.SetRunning(ctx, b.ID, "s1"))
	require.NoError(t, s.SetDone(ctx, b.ID, "ok"))

	all, err := s.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	pending, err := s.List(ctx, models.StatusPending, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ByStatus["pending"])
	assert.Equal(t, 1, stats.ByStatus["done"])
	assert.Equal(t, 1, stats.ByPriority["high"])
	assert.NotEmpty(t, stats.OldestPendingAge)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "tasks.db")
	ctx := context.Background()

	s, err := New(path, log)
	require.NoError(t, err)
	task, err := s.Create(ctx, CreateTaskRequest{Prompt: "survive restart"})
	require.NoError(t, err)
	s.Close()

	s2, err := New(path, log)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "survive restart", got.Prompt)
}
