package executor

import (
	"strings"

	"github.com/taskloop/taskloop/internal/runner"
)

// Phrase tables for completion and continuation detection. Matching is
// case-insensitive; keep each list as one tunable table.
var (
	// strongCompletionSignals deterministically indicate completion.
	strongCompletionSignals = []string{
		"[task_complete]",
		"todos completed:",
		"all todos completed",
	}

	// weakCompletionSignals suggest completion but are overridden when the
	// agent keeps planning after claiming to be done.
	weakCompletionSignals = []string{
		"task complete",
		"task completed",
		"successfully completed",
		"all done",
		"finished successfully",
		"completed successfully",
		"nothing left to do",
		"all steps completed",
	}

	// planningPhrases after the last "complete" mean the agent moved on to
	// more work instead of stopping.
	planningPhrases = []string{
		"i will",
		"i'll",
		"let me",
		"next i",
		"then i",
	}

	// stoppingPhrases mean the agent is blocked on the user; continuation
	// would just loop.
	stoppingPhrases = []string{
		"waiting for",
		"need more information",
		"please provide",
		"could you clarify",
		"what would you like",
		"should i proceed",
	}

	// workPhrases indicate unfinished work worth another iteration.
	workPhrases = []string{
		"i will",
		"i'll",
		"let me",
		"first,",
		"next,",
		"then,",
		"step 1",
		"step 2",
		"here's my plan",
		"i need to",
		"working on",
		"processing",
		"executing",
		"creating",
		"todo",
		"in_progress",
		"pending",
	}
)

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// isComplete decides whether the agent's output announces genuine completion.
// Strong signals win outright. A weak signal counts only when no planning
// phrase follows the last occurrence of "complete", which distinguishes
// "done" from "claimed done, then kept going".
func isComplete(output string) bool {
	lower := strings.ToLower(output)

	if containsAny(lower, strongCompletionSignals) {
		return true
	}
	if !containsAny(lower, weakCompletionSignals) {
		return false
	}

	if idx := strings.LastIndex(lower, "complete"); idx >= 0 {
		tail := lower[idx+len("complete"):]
		if containsAny(tail, planningPhrases) {
			return false
		}
	}
	return true
}

// needsContinuation decides whether to send the continuation prompt.
// A blocked agent (stopping phrase) is treated as finished-with-output;
// tool activity or work phrases mean there is more to do.
func needsContinuation(output string, messages []runner.Message) bool {
	if isComplete(output) {
		return false
	}

	lower := strings.ToLower(output)
	if containsAny(lower, stoppingPhrases) {
		return false
	}

	if hasToolActivity(messages) {
		return true
	}
	return containsAny(lower, workPhrases)
}

// hasToolActivity reports whether any tool was used in the transcript.
func hasToolActivity(messages []runner.Message) bool {
	for _, msg := range messages {
		if msg.Role == "tool" {
			return true
		}
		for _, part := range msg.Parts {
			if part.Kind == runner.PartToolUse || part.Kind == runner.PartToolResult {
				return true
			}
		}
	}
	return false
}
