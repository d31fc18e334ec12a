package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/taskloop/taskloop/internal/common/logger"
)

// Client talks to an agent server over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates an HTTP runner against the given base URL.
func NewClient(baseURL string, log *logger.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: log.WithFields(zap.String("component", "runner-client")),
	}
}

type createSessionRequest struct {
	WorkDir string `json:"work_dir"`
	Title   string `json:"title"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

// CreateSession starts a new conversation on the agent server.
func (c *Client) CreateSession(ctx context.Context, workDir, title string) (string, error) {
	var resp createSessionResponse
	err := c.doJSON(ctx, "POST", "/api/v1/sessions",
		createSessionRequest{WorkDir: workDir, Title: title}, &resp)
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("agent server returned empty session id")
	}
	return resp.SessionID, nil
}

type sendPromptRequest struct {
	WorkDir string `json:"work_dir"`
	Agent   string `json:"agent"`
	Text    string `json:"text"`
}

// SendPrompt submits a prompt; the server processes it asynchronously.
func (c *Client) SendPrompt(ctx context.Context, sessionID, workDir, agent, text string) error {
	path := fmt.Sprintf("/api/v1/sessions/%s/prompt", sessionID)
	if err := c.doJSON(ctx, "POST", path, sendPromptRequest{WorkDir: workDir, Agent: agent, Text: text}, nil); err != nil {
		return fmt.Errorf("failed to send prompt: %w", err)
	}
	return nil
}

type statusResponse struct {
	Status string `json:"status"`
}

// GetStatus reports whether the session is idle or busy.
func (c *Client) GetStatus(ctx context.Context, sessionID, workDir string) (Status, error) {
	var resp statusResponse
	path := fmt.Sprintf("/api/v1/sessions/%s/status?work_dir=%s", sessionID, workDir)
	if err := c.doJSON(ctx, "GET", path, nil, &resp); err != nil {
		return "", fmt.Errorf("failed to get session status: %w", err)
	}
	if resp.Status == string(StatusIdle) {
		return StatusIdle, nil
	}
	return StatusBusy, nil
}

type messagesResponse struct {
	Messages []Message `json:"messages"`
}

// GetMessages returns the ordered session transcript.
func (c *Client) GetMessages(ctx context.Context, sessionID, workDir string) ([]Message, error) {
	var resp messagesResponse
	path := fmt.Sprintf("/api/v1/sessions/%s/messages?work_dir=%s", sessionID, workDir)
	if err := c.doJSON(ctx, "GET", path, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return resp.Messages, nil
}

type todosResponse struct {
	Todos []Todo `json:"todos"`
}

// GetTodos returns the agent's current todo list.
func (c *Client) GetTodos(ctx context.Context, sessionID string) ([]Todo, error) {
	var resp todosResponse
	path := fmt.Sprintf("/api/v1/sessions/%s/todos", sessionID)
	if err := c.doJSON(ctx, "GET", path, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get todos: %w", err)
	}
	return resp.Todos, nil
}

type injectToolResultsRequest struct {
	WorkDir        string   `json:"work_dir"`
	PendingToolIDs []string `json:"pending_tool_ids"`
}

// InjectToolResults asks the server to fill in dangling tool_use blocks.
func (c *Client) InjectToolResults(ctx context.Context, sessionID, workDir string, pendingToolIDs []string) error {
	path := fmt.Sprintf("/api/v1/sessions/%s/tool-results", sessionID)
	err := c.doJSON(ctx, "POST", path,
		injectToolResultsRequest{WorkDir: workDir, PendingToolIDs: pendingToolIDs}, nil)
	if err != nil {
		return fmt.Errorf("failed to inject tool results: %w", err)
	}
	return nil
}

// doJSON performs an HTTP round-trip with JSON request and response bodies.
// Non-2xx responses become errors carrying the server's message so the
// classifier can inspect it.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := extractErrorMessage(data)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("agent server returned %d: %s", resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// extractErrorMessage pulls a human-readable message out of an error body.
// Servers answer with {"error": ...} or {"message": ...}; fall back to the
// raw body for plain-text responses.
func extractErrorMessage(data []byte) string {
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil {
		if envelope.Error != "" {
			return envelope.Error
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	return string(bytes.TrimSpace(data))
}
