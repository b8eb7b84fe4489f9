package firewall

import (
	"fmt"
	"strings"

	"github.com/agentoverseer/overseer/internal/perception"
	"github.com/agentoverseer/overseer/internal/tool"
)

// maxConstraints caps the hint list to keep prompts small.
const maxConstraints = 10

// Finding keys the constraint builder recognises.
const (
	FindingToolPrefix    = "tool:"
	FindingToolAvoidance = "perception:tool_avoidance"
	SameResultMarker     = "[SAME as previous call"
	ErrorValuePrefix     = "[error]"
)

// Finding is one accumulated key/value observation from earlier steps.
type Finding struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ConstraintInput is the slice of task context constraints are derived from.
type ConstraintInput struct {
	FailedApproaches []string
	Findings         []Finding
}

// BuildConstraints derives pre-emptive warnings from earlier failures: failed
// approaches, tool errors, avoidance signals and identical-result repeats.
func BuildConstraints(in ConstraintInput) []string {
	hints := append([]string(nil), in.FailedApproaches...)
	seen := make(map[string]bool)

	for _, f := range in.Findings {
		toolName := strings.TrimPrefix(f.Key, FindingToolPrefix)
		isTool := strings.HasPrefix(f.Key, FindingToolPrefix)

		if isTool && strings.HasPrefix(f.Value, ErrorValuePrefix) {
			sig := toolName + ":" + clip(f.Value, 60)
			if !seen[sig] {
				seen[sig] = true
				msg := strings.TrimSpace(strings.TrimPrefix(f.Value, ErrorValuePrefix))
				hints = append(hints, fmt.Sprintf("Tool '%s' previously failed: %s...", toolName, clip(msg, 72)))
			}
		}
		if f.Key == FindingToolAvoidance {
			hints = append(hints, f.Value)
		}
		if strings.Contains(f.Value, SameResultMarker) {
			hints = append(hints, fmt.Sprintf(
				"Calling '%s' with the same args returned identical results. Try different parameters.", toolName))
		}
	}

	if len(hints) > maxConstraints {
		hints = hints[:maxConstraints]
	}
	return hints
}

// CheckDeviation compares the stated intent with the step's results and
// returns a warning when they diverge, or "".
func CheckDeviation(intent string, results []tool.Result) string {
	if intent == "" || len(results) == 0 {
		return ""
	}

	var failed []string
	empty := 0
	for _, r := range results {
		switch perception.Classify(r) {
		case perception.ClassError:
			failed = append(failed, r.Tool)
		case perception.ClassEmpty:
			empty++
		}
	}

	switch {
	case len(failed) == len(results):
		return fmt.Sprintf("Intent was '%s', but all tool calls failed. The current approach is not working.", intent)
	case empty == len(results):
		return fmt.Sprintf("Intent was '%s', but all tools returned empty results. The data or resource may not exist.", intent)
	case len(failed) > 0:
		return fmt.Sprintf("Intent was '%s', but %d/%d tool calls failed (%s). Review partial results.",
			intent, len(failed), len(results), strings.Join(failed, ", "))
	}
	return ""
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
