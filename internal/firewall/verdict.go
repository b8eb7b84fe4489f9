package firewall

import (
	"strings"
)

// Kind is the outcome of an evaluation.
type Kind string

const (
	KindAllow      Kind = "allow"
	KindNeedsHuman Kind = "needs_human"
	KindBlocked    Kind = "blocked"
)

// Stage names the pipeline stage that produced a Reason.
type Stage string

const (
	StageArguments  Stage = "arguments"
	StageLoop       Stage = "loop"
	StagePermission Stage = "permission"
	StageSandbox    Stage = "sandbox"
	StageBreaker    Stage = "breaker"
)

// Reason codes.
const (
	CodeArgsDropped       = "args_dropped"
	CodeArgsInvalid       = "args_invalid"
	CodeUnknownTool       = "unknown_tool"
	CodeLoopDetected      = "loop_detected"
	CodePermissionNotify  = "permission_notify"
	CodePermissionConfirm = "permission_confirm"
	CodePermissionApprove = "permission_approve"
	CodePathEscape        = "path_escape"
	CodeLowConfidence     = "low_confidence"
	CodeHumanRequired     = "human_required"
	CodeHelpRequest       = "help_request"
	CodeStagnation        = "stagnation"
	CodeParseFailure      = "parse_failure"
)

// Reason is one structured finding attached to a verdict.
type Reason struct {
	Stage   Stage          `json:"stage"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Tool    string         `json:"tool,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	// Escalates is true when this reason forced the verdict above ALLOW.
	Escalates bool `json:"escalates"`
}

// Verdict is the engine's ruling on one decision.
type Verdict struct {
	Kind    Kind     `json:"kind"`
	Reasons []Reason `json:"reasons"`
	// Decision is the evaluated decision with arguments filtered and paths
	// confined. Calls listed in Escaped kept their original arguments; they
	// are re-rooted if a human approves them.
	Decision Decision `json:"decision"`
	// Notes are corrective messages to surface to the reasoner next turn.
	Notes []string `json:"notes,omitempty"`
	// Notify lists calls allowed at NOTIFY level.
	Notify []ToolCall `json:"notify,omitempty"`
	// Preview is set when an APPROVE-level call should be shown in full.
	Preview     bool     `json:"preview"`
	Escaped     []int    `json:"escaped,omitempty"`
	HumanReason string   `json:"human_reason,omitempty"`
	Options     []string `json:"options,omitempty"`
}

// Has reports whether any reason carries the code.
func (v Verdict) Has(code string) bool {
	for _, r := range v.Reasons {
		if r.Code == code {
			return true
		}
	}
	return false
}

// Escalating returns the reasons that forced the verdict above ALLOW.
func (v Verdict) Escalating() []Reason {
	var out []Reason
	for _, r := range v.Reasons {
		if r.Escalates {
			out = append(out, r)
		}
	}
	return out
}

// IsEscaped reports whether the call at index i failed confinement.
func (v Verdict) IsEscaped(i int) bool {
	for _, idx := range v.Escaped {
		if idx == i {
			return true
		}
	}
	return false
}

// Summary is a one-line explanation for logs and the human prompt.
func (v Verdict) Summary() string {
	reasons := v.Escalating()
	if len(reasons) == 0 {
		return string(v.Kind)
	}
	msgs := make([]string, len(reasons))
	for i, r := range reasons {
		msgs[i] = r.Message
	}
	return string(v.Kind) + ": " + strings.Join(msgs, "; ")
}
