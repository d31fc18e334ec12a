package runner

import (
	"context"
	"sync"
)

// Fake is an in-memory Runner used by executor and scheduler tests.
// Behavior is scripted through its fields; the optional Func hooks override
// the scripted values when set.
type Fake struct {
	mu sync.Mutex

	// Scripted responses.
	SessionID string
	Statuses  []Status // consumed one per GetStatus call; the last repeats
	Messages  []Message
	Todos     []Todo

	// Scripted errors.
	CreateErr error
	SendErr   error
	StatusErr error
	InjectErr error

	// Hooks.
	StatusFunc   func(call int) (Status, error)
	MessagesFunc func(call int) ([]Message, error)

	// Recorded calls.
	CreateCalls  int
	SendCalls    int
	StatusCalls  int
	MessageCalls int
	InjectCalls  int
	Prompts      []string
	InjectedIDs  [][]string
}

var _ Runner = (*Fake)(nil)

func (f *Fake) CreateSession(ctx context.Context, workDir, title string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateCalls++
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	if f.SessionID == "" {
		f.SessionID = "fake-session"
	}
	return f.SessionID, nil
}

func (f *Fake) SendPrompt(ctx context.Context, sessionID, workDir, agent, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SendCalls++
	f.Prompts = append(f.Prompts, text)
	return f.SendErr
}

func (f *Fake) GetStatus(ctx context.Context, sessionID, workDir string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.StatusCalls
	f.StatusCalls++
	if f.StatusFunc != nil {
		return f.StatusFunc(call)
	}
	if f.StatusErr != nil {
		return "", f.StatusErr
	}
	if len(f.Statuses) == 0 {
		return StatusIdle, nil
	}
	if call >= len(f.Statuses) {
		return f.Statuses[len(f.Statuses)-1], nil
	}
	return f.Statuses[call], nil
}

func (f *Fake) GetMessages(ctx context.Context, sessionID, workDir string) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.MessageCalls
	f.MessageCalls++
	if f.MessagesFunc != nil {
		return f.MessagesFunc(call)
	}
	return f.Messages, nil
}

func (f *Fake) GetTodos(ctx context.Context, sessionID string) ([]Todo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Todos, nil
}

func (f *Fake) InjectToolResults(ctx context.Context, sessionID, workDir string, pendingToolIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.InjectCalls++
	f.InjectedIDs = append(f.InjectedIDs, pendingToolIDs)
	return f.InjectErr
}

// InjectCallCount returns the number of InjectToolResults calls so far.
func (f *Fake) InjectCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.InjectCalls
}

// AssistantText builds an assistant message with a single text part.
func AssistantText(text string) Message {
	return Message{Role: "assistant", Parts: []Part{{Kind: PartText, Text: text}}}
}
