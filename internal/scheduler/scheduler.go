// Package scheduler runs the single worker loop that picks eligible tasks
// and drives them through the executor.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskloop/taskloop/internal/common/logger"
	"github.com/taskloop/taskloop/internal/executor"
	"github.com/taskloop/taskloop/internal/sink"
	"github.com/taskloop/taskloop/internal/task/models"
	"github.com/taskloop/taskloop/internal/task/store"
)

// Scheduler polls the queue and executes one task at a time.
type Scheduler struct {
	store        *store.Store
	executor     *executor.Executor
	sink         *sink.Sink
	pollInterval time.Duration
	taskTimeout  time.Duration
	logger       *logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler. taskTimeout bounds one full task execution across
// all its iterations.
func New(s *store.Store, e *executor.Executor, snk *sink.Sink, pollInterval, taskTimeout time.Duration, log *logger.Logger) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if taskTimeout <= 0 {
		taskTimeout = 30 * time.Minute
	}
	return &Scheduler{
		store:        s,
		executor:     e,
		sink:         snk,
		pollInterval: pollInterval,
		taskTimeout:  taskTimeout,
		logger:       log.WithFields(zap.String("component", "scheduler")),
	}
}

// Start recovers orphaned tasks and launches the worker loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if err := s.recoverOrphans(ctx); err != nil {
		return err
	}

	s.running = true
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.processLoop(ctx)

	s.logger.Info("Scheduler started", zap.Duration("poll_interval", s.pollInterval))
	return nil
}

// Stop signals the loop to exit and waits for the in-flight task to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// recoverOrphans resets any task left running by a previous process.
func (s *Scheduler) recoverOrphans(ctx context.Context) error {
	orphan, err := s.store.GetRunning(ctx)
	if err != nil {
		return err
	}
	if orphan == nil {
		return nil
	}
	s.logger.Warn("Resetting orphaned running task", zap.Int64("task_id", orphan.ID))
	return s.store.ResetToPending(ctx, orphan.ID)
}

func (s *Scheduler) processLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if !s.processNext(ctx) {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(s.pollInterval):
			}
		}
	}
}

// processNext executes one eligible task. Returns false when the queue is
// empty or blocked so the loop sleeps before the next poll.
func (s *Scheduler) processNext(ctx context.Context) bool {
	running, err := s.store.GetRunning(ctx)
	if err != nil {
		s.logger.Error("Failed to check for running task", zap.Error(err))
		return false
	}
	if running != nil {
		// Should not happen with a single worker; skip rather than double-run.
		s.logger.Warn("Task already running, skipping poll", zap.Int64("task_id", running.ID))
		return false
	}

	task, err := s.store.GetNextRetryable(ctx)
	if err != nil {
		s.logger.Error("Failed to pick next task", zap.Error(err))
		return false
	}
	if task == nil {
		return false
	}

	s.runTask(ctx, task)
	return true
}

func (s *Scheduler) runTask(ctx context.Context, task *models.Task) {
	log := s.logger.WithTaskID(task.ID)
	log.Info("Executing task",
		zap.String("priority", string(task.Priority)),
		zap.Int("retry_count", task.RetryCount))

	s.sink.Emit(ctx, sink.Event{Kind: sink.EventStarted, Task: task})

	execCtx, cancel := context.WithTimeout(ctx, s.taskTimeout)
	output, err := s.executor.Execute(execCtx, task)
	cancel()
	if err != nil {
		// Surface deadline expiry under the timeout class, not as a
		// context-length failure.
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("task timed out after %s", s.taskTimeout)
		}
		s.handleFailure(ctx, task, err)
		return
	}

	if err := s.store.SetDone(ctx, task.ID, output); err != nil {
		log.Error("Failed to persist task result", zap.Error(err))
		return
	}
	log.Info("Task completed")

	snapshot := s.snapshot(ctx, task)
	s.sink.Emit(ctx, sink.Event{Kind: sink.EventCompleted, Task: snapshot, Result: output})
}

// handleFailure classifies the error and routes it: one-shot tool-result
// recovery, retry with backoff, or permanent failure with dependency cascade.
func (s *Scheduler) handleFailure(ctx context.Context, task *models.Task, execErr error) {
	log := s.logger.WithTaskID(task.ID)
	errType := executor.Classify(execErr)
	log.Error("Task execution failed",
		zap.String("error_type", string(errType)),
		zap.Error(execErr))

	if errType == models.ErrorTypeToolResultMissing {
		if s.recoverToolResults(ctx, task) {
			return
		}
	}

	if errType.IsPermanent() {
		s.failPermanently(ctx, task, execErr.Error(), errType)
		return
	}

	delay := executor.RetryDelay(execErr, task.RetryCount)
	retried, err := s.store.ScheduleRetry(ctx, task.ID, delay)
	if err != nil {
		log.Error("Failed to schedule retry", zap.Error(err))
		return
	}
	if !retried {
		log.Warn("Retries exhausted", zap.Int("max_retries", task.MaxRetries))
		s.failPermanently(ctx, task, execErr.Error(), errType)
		return
	}

	snapshot := s.snapshot(ctx, task)
	s.sink.Emit(ctx, sink.Event{
		Kind:      sink.EventFailed,
		Task:      snapshot,
		Error:     execErr.Error(),
		ErrorType: errType,
	})
}

// recoverToolResults tries the one-shot in-place recovery for a session
// wedged on dangling tool_use blocks. On success the task returns to pending
// without consuming a retry.
func (s *Scheduler) recoverToolResults(ctx context.Context, task *models.Task) bool {
	log := s.logger.WithTaskID(task.ID)

	fresh, err := s.store.Get(ctx, task.ID)
	if err != nil {
		log.Error("Failed to reload task for recovery", zap.Error(err))
		return false
	}

	if err := s.executor.RecoverToolResults(ctx, fresh); err != nil {
		log.Warn("Tool result recovery failed", zap.Error(err))
		return false
	}
	if err := s.store.ResetToPending(ctx, task.ID); err != nil {
		log.Error("Failed to reset task after recovery", zap.Error(err))
		return false
	}

	log.Info("Recovered session with injected tool results")
	return true
}

func (s *Scheduler) failPermanently(ctx context.Context, task *models.Task, errMsg string, errType models.ErrorType) {
	log := s.logger.WithTaskID(task.ID)

	if err := s.store.SetFailed(ctx, task.ID, errMsg, errType); err != nil {
		log.Error("Failed to persist task failure", zap.Error(err))
	}
	if _, err := s.store.FailDependentTasks(ctx, task.ID, "parent task failed"); err != nil {
		log.Error("Failed to cascade failure to dependents", zap.Error(err))
	}

	snapshot := s.snapshot(ctx, task)
	s.sink.Emit(ctx, sink.Event{
		Kind:      sink.EventFailed,
		Task:      snapshot,
		Error:     errMsg,
		ErrorType: errType,
	})
}

// snapshot reloads the task for event payloads, falling back to the stale
// copy if the read fails.
func (s *Scheduler) snapshot(ctx context.Context, task *models.Task) *models.Task {
	fresh, err := s.store.Get(ctx, task.ID)
	if err != nil {
		return task
	}
	return fresh
}
