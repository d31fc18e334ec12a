// Package sink fans task lifecycle events out to registered observers and
// the event bus. A broken observer never blocks the others or the scheduler.
package sink

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskloop/taskloop/internal/common/logger"
	"github.com/taskloop/taskloop/internal/events/bus"
	"github.com/taskloop/taskloop/internal/task/models"
)

// EventKind identifies the lifecycle moment an event describes.
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event is one task lifecycle notification.
type Event struct {
	Kind      EventKind
	Task      *models.Task
	Result    string
	Error     string
	ErrorType models.ErrorType
	Timestamp time.Time
}

// Observer receives lifecycle events. Errors are collected and logged by the
// sink, never propagated.
type Observer func(ctx context.Context, ev Event) error

// defaultObserverTimeout bounds a single observer invocation when the
// caller registers without an explicit timeout.
const defaultObserverTimeout = 10 * time.Second

type observerEntry struct {
	name    string
	timeout time.Duration
	fn      Observer
}

// Sink delivers events to observers concurrently and mirrors each event
// onto the event bus for external consumers.
type Sink struct {
	mu        sync.RWMutex
	observers []observerEntry
	bus       bus.EventBus
	logger    *logger.Logger
}

// New creates a sink publishing to the given event bus.
func New(eventBus bus.EventBus, log *logger.Logger) *Sink {
	return &Sink{
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "sink")),
	}
}

// Register adds an observer. A non-positive timeout uses the default.
func (s *Sink) Register(name string, timeout time.Duration, fn Observer) {
	if timeout <= 0 {
		timeout = defaultObserverTimeout
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, observerEntry{name: name, timeout: timeout, fn: fn})
	s.logger.Debug("Observer registered", zap.String("observer", name))
}

// Emit delivers the event to every observer concurrently, each bounded by
// its own timeout, then publishes the event on the bus. Observer errors are
// logged and never returned.
func (s *Sink) Emit(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	s.mu.RLock()
	observers := make([]observerEntry, len(s.observers))
	copy(observers, s.observers)
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, entry := range observers {
		wg.Add(1)
		go func(entry observerEntry) {
			defer wg.Done()
			obsCtx, cancel := context.WithTimeout(ctx, entry.timeout)
			defer cancel()
			if err := entry.fn(obsCtx, ev); err != nil {
				s.logger.Error("Observer failed",
					zap.String("observer", entry.name),
					zap.String("kind", string(ev.Kind)),
					zap.Int64("task_id", ev.Task.ID),
					zap.Error(err))
			}
		}(entry)
	}
	wg.Wait()

	s.publish(ctx, ev)
}

// publish mirrors the event onto the bus so NATS-connected consumers see it.
func (s *Sink) publish(ctx context.Context, ev Event) {
	if s.bus == nil {
		return
	}

	subject := bus.SubjectTaskStarted
	switch ev.Kind {
	case EventCompleted:
		subject = bus.SubjectTaskCompleted
	case EventFailed:
		subject = bus.SubjectTaskFailed
	}

	data := map[string]any{
		"task_id":  ev.Task.ID,
		"status":   string(ev.Task.Status),
		"priority": string(ev.Task.Priority),
	}
	if ev.Result != "" {
		data["result"] = ev.Result
	}
	if ev.Error != "" {
		data["error"] = ev.Error
		data["error_type"] = string(ev.ErrorType)
	}

	if err := s.bus.Publish(ctx, subject, bus.NewEvent(subject, "taskloopd", data)); err != nil {
		s.logger.Warn("Failed to publish lifecycle event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
