package executor

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/taskloop/taskloop/internal/task/models"
)

const (
	backoffBase = 30 * time.Second
	backoffMax  = 600 * time.Second
)

// Classify maps a runner failure onto the error taxonomy using first-match
// substring rules over the normalized lowercase message.
func Classify(err error) models.ErrorType {
	msg := normalizeErrorMessage(err)

	switch {
	case strings.Contains(msg, "rate") && strings.Contains(msg, "limit"):
		return models.ErrorTypeRateLimit
	case strings.Contains(msg, "context") &&
		(strings.Contains(msg, "length") || strings.Contains(msg, "window") || strings.Contains(msg, "exceeded")):
		return models.ErrorTypeContextExceeded
	case strings.Contains(msg, "agent") &&
		(strings.Contains(msg, "not found") || strings.Contains(msg, "undefined")):
		return models.ErrorTypeAgentNotFound
	case strings.Contains(msg, "tool_use") && strings.Contains(msg, "tool_result"):
		return models.ErrorTypeToolResultMissing
	case strings.Contains(msg, "thinking") &&
		(strings.Contains(msg, "block") || strings.Contains(msg, "disabled")):
		return models.ErrorTypeThinkingBlock
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return models.ErrorTypeTimeout
	default:
		return models.ErrorTypeUnknown
	}
}

// normalizeErrorMessage folds any JSON payload embedded in the error text
// into the string to be matched. Agent servers answer with plain strings,
// {"message": ...}, {"error": ...}, or nested combinations of those.
func normalizeErrorMessage(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, "{"); i >= 0 {
		var payload map[string]any
		if json.Unmarshal([]byte(msg[i:]), &payload) == nil {
			msg += " " + flattenErrorPayload(payload)
		}
	}
	return strings.ToLower(msg)
}

func flattenErrorPayload(m map[string]any) string {
	var parts []string
	for _, key := range []string{"message", "error", "data"} {
		switch v := m[key].(type) {
		case string:
			parts = append(parts, v)
		case map[string]any:
			parts = append(parts, flattenErrorPayload(v))
		}
	}
	return strings.Join(parts, " ")
}

// Backoff returns the retry delay for the given retry count:
// 30s, 60s, 120s, 240s, 480s, then capped at 600s.
func Backoff(retryCount int) time.Duration {
	delay := backoffBase
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= backoffMax {
			return backoffMax
		}
	}
	if delay > backoffMax {
		return backoffMax
	}
	return delay
}

// retryAfterProvider is implemented by errors that carry a server-supplied
// Retry-After hint (rate limiting).
type retryAfterProvider interface {
	RetryAfter() time.Duration
}

// RetryDelay prefers a server-provided Retry-After over the backoff formula.
func RetryDelay(err error, retryCount int) time.Duration {
	var provider retryAfterProvider
	if errors.As(err, &provider) {
		if after := provider.RetryAfter(); after > 0 {
			return after
		}
	}
	return Backoff(retryCount)
}
