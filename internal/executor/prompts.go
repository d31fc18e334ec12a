package executor

import (
	"fmt"
	"strings"
)

// initialPrompt wraps the user request with the working agreement for the
// first iteration: track work in a todo list, never wait for permission, and
// mark genuine completion with the literal [TASK_COMPLETE] marker.
func initialPrompt(userPrompt string, specialists []string) string {
	var b strings.Builder

	b.WriteString("You are working on the following task:\n\n")
	b.WriteString(userPrompt)
	b.WriteString("\n\n")
	b.WriteString("Guidelines:\n")
	b.WriteString("- Break the task into a todo list and keep it updated as you work.\n")
	b.WriteString("- Do not ask for permission or confirmation; proceed with the work.\n")
	b.WriteString("- When every objective is met, output the literal marker [TASK_COMPLETE] followed by a short summary of what was done.\n")

	if len(specialists) > 0 {
		b.WriteString(fmt.Sprintf("- Specialist agents available for delegation: %s.\n",
			strings.Join(specialists, ", ")))
	}

	return b.String()
}

// continuationPrompt nudges the agent to resume unfinished todos on
// iterations after the first.
const continuationPrompt = "Continue working on your pending todos. " +
	"Do not ask for permission or confirmation; resume where you left off. " +
	"When all todos are completed, output [TASK_COMPLETE] followed by a short summary."
