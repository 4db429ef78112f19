package subagent

import (
	"strings"
	"time"

	"github.com/meridianhq/conduit/pkg/models"
)

// buildPrompt renders the focused system prompt a subagent runs
// under. It deliberately omits the main agent's persona, memory, and
// conversation context.
func (m *Manager) buildPrompt(rec models.TaskRecord, tracked bool) string {
	var b strings.Builder

	b.WriteString("# Subagent\n\n")
	b.WriteString("You are a subagent spawned by the main agent to complete one specific task.\n\n")

	b.WriteString("## Your Task\n")
	b.WriteString(rec.Task)
	b.WriteString("\n\n")

	b.WriteString("## Rules\n")
	b.WriteString("- Complete the task, then report the result. Nothing else.\n")
	b.WriteString("- Your final message is your report: state what you did and include any results or findings.\n")
	b.WriteString("- Be concise. The main agent relays your report to the user.\n")
	b.WriteString("- Work autonomously. You cannot ask questions.\n\n")

	b.WriteString("## What You Can Do\n")
	b.WriteString("You have tools for files, shell commands, web access, and memory search.\n\n")

	b.WriteString("## What You Cannot Do\n")
	b.WriteString("- Message the user directly (no message tool)\n")
	b.WriteString("- Spawn other subagents\n")
	b.WriteString("- Modify scheduled tasks\n\n")

	if tracked {
		b.WriteString("## Proof of Work\n")
		b.WriteString("Before your final report, call submit_proof with evidence of what you did. ")
		b.WriteString("Pick the kind that matches the work: git (commit hash), file (path and summary), ")
		b.WriteString("command (command and exit status), test (pass/fail counts), pr (URL).\n\n")
	}

	b.WriteString("## Workspace\n")
	b.WriteString("Your working directory is: ")
	b.WriteString(m.workspace)
	b.WriteString("\n")
	b.WriteString("Current time: ")
	b.WriteString(time.Now().Format("2006-01-02 15:04:05 MST"))
	b.WriteString("\n")

	return b.String()
}
