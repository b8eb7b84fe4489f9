package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentoverseer/overseer/internal/store"
)

// Finding keys written by the loop.
const (
	keyResumed       = "system:resumed"
	keyStepLimit     = "system:step_limit"
	keyStopRequest   = "system:user_stop_request"
	keyLoopDetected  = "system:loop_detected"
	keyHumanDecision = "human_decision"
	keyHesitation    = "perception:hesitation"
	keyDeviation     = "perception:deviation"
	keyPreferences   = "perception:user_preferences"
	keyMetaStagnant  = "meta_perception"
)

const stagnationHint = "System: self-reflection indicates lack of progress. " +
	"Change your approach: use different tools, reframe the problem, or ask the user for clarification."

const reflectionSystemPrompt = "You review the progress of an autonomous task. " +
	"Answer with a ```decision block whose \"reflection\" field states in one or two sentences " +
	"whether the last steps made real progress toward the goal, and what is blocking it if not. " +
	"Set tool_calls to [] and task_complete to false."

func stepLimitText(maxSteps int) string {
	return fmt.Sprintf("[URGENT: step limit reached (%d)] You have used all %d steps. This is your final step. You must:\n"+
		"1. Summarize all work completed so far.\n"+
		"2. List everything left undone.\n"+
		"3. Set task_complete: true in your decision.\n"+
		"4. Not start any new work or tool calls.", maxSteps, maxSteps)
}

func resumeText(reason string, step int, decision string) string {
	if decision != "" {
		return fmt.Sprintf("System: execution resumed after %s. The user answered the pending request: %s "+
			"Continue based on that answer.", reason, decision)
	}
	return fmt.Sprintf("System: execution resumed after %s. Continue from where you left off at step %d. "+
		"Do NOT repeat work already done; review the findings above and pick the next logical action.", reason, step)
}

func hesitationText(elapsed time.Duration, subject, decision string) string {
	return fmt.Sprintf("System: the user took %.0fs to respond to %s (decision: %s). "+
		"They may be uncertain about this direction; explain your intent more clearly next time.",
		elapsed.Seconds(), subject, decision)
}

func avoidanceText(tool string) string {
	return fmt.Sprintf("System: the user has rejected tool '%s' several times in a row. "+
		"STOP using this tool. Find another approach or ask for guidance.", tool)
}

func reflectionPrompt(task *store.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Goal\n%s\n\n## Recent Findings\n", task.Goal)
	findings := task.Context.Findings
	if len(findings) > 10 {
		findings = findings[len(findings)-10:]
	}
	for _, f := range findings {
		fmt.Fprintf(&b, "- Step %d: [%s] %s\n", f.Step, f.Key, clip(f.Value, 300))
	}
	b.WriteString("\nHas the task been making progress?")
	return b.String()
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
