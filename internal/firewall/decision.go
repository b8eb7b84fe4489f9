package firewall

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/agentoverseer/overseer/internal/tool"
)

// ToolCall is one proposed tool invocation inside a Decision.
type ToolCall = tool.Call

// NextAction is the reasoner's short description of what it is about to do.
type NextAction struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// HelpRequest is a structured request for human help.
type HelpRequest struct {
	MissingInformation    []string `json:"missing_information,omitempty"`
	AttemptedApproaches   []string `json:"attempted_approaches,omitempty"`
	SpecificQuestion      string   `json:"specific_question,omitempty"`
	SuggestedHumanActions []string `json:"suggested_human_actions,omitempty"`
}

// Decision is the structured block a reasoner must produce every step.
type Decision struct {
	NextAction    *NextAction  `json:"next_action,omitempty"`
	ToolCalls     []ToolCall   `json:"tool_calls"`
	HumanRequired bool         `json:"human_required"`
	HumanReason   *string      `json:"human_reason"`
	Options       []string     `json:"options"`
	TaskComplete  bool         `json:"task_complete"`
	Confidence    float64      `json:"confidence"`
	Reflection    *string      `json:"reflection"`
	HelpRequest   *HelpRequest `json:"help_request,omitempty"`

	// ParseError is set when the decision was synthesized because the raw
	// output could not be parsed.
	ParseError string `json:"-"`
}

// Title returns the next-action title or "".
func (d Decision) Title() string {
	if d.NextAction == nil {
		return ""
	}
	return d.NextAction.Title
}

// Intent returns the next-action description, falling back to the title.
func (d Decision) Intent() string {
	if d.NextAction == nil {
		return ""
	}
	if d.NextAction.Description != "" {
		return d.NextAction.Description
	}
	return d.NextAction.Title
}

// ReasonText returns HumanReason or "".
func (d Decision) ReasonText() string {
	if d.HumanReason == nil {
		return ""
	}
	return *d.HumanReason
}

// ReflectionText returns Reflection or "".
func (d Decision) ReflectionText() string {
	if d.Reflection == nil {
		return ""
	}
	return *d.Reflection
}

// Clone returns a copy that shares no slices or argument maps with d.
func (d Decision) Clone() Decision {
	out := d
	out.ToolCalls = make([]ToolCall, len(d.ToolCalls))
	for i, c := range d.ToolCalls {
		out.ToolCalls[i] = c.Clone()
	}
	out.Options = append([]string(nil), d.Options...)
	return out
}

// UnparseableReason is the human reason attached to a synthesized decision.
const UnparseableReason = "unparseable output"

// defaultConfidence applies when a parsed decision omits confidence.
const defaultConfidence = 0.5

// maxScanStarts bounds the lenient JSON scan on adversarial input.
const maxScanStarts = 256

var fencedDecision = regexp.MustCompile("(?s)```decision[ \\t]*\\r?\\n?(.*?)```")

// decisionKeys are the fields that make a JSON object look like a decision.
var decisionKeys = []string{"task_complete", "tool_calls", "human_required", "next_action"}

// FailSafeDecision is the decision used whenever raw output cannot be parsed.
func FailSafeDecision(cause string) Decision {
	reason := UnparseableReason
	return Decision{
		ToolCalls:     []ToolCall{},
		HumanRequired: true,
		HumanReason:   &reason,
		Options:       []string{"Continue", "Abort"},
		Confidence:    0,
		ParseError:    cause,
	}
}

// ParseDecision extracts a Decision from raw reasoner output. It tries a
// ```decision fenced block, then the first well-formed JSON object that looks
// like a decision, then falls back to FailSafeDecision. It never panics.
func ParseDecision(raw string) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			d = FailSafeDecision(fmt.Sprintf("panic during parse: %v", r))
		}
	}()

	var errs []error
	if m := fencedDecision.FindStringSubmatch(raw); m != nil {
		dec, err := decodeDecision(m[1])
		if err == nil {
			return dec
		}
		errs = append(errs, fmt.Errorf("decision block: %w", err))
	}

	if obj, ok := firstDecisionObject(raw); ok {
		dec, err := decodeDecision(obj)
		if err == nil {
			return dec
		}
		errs = append(errs, fmt.Errorf("embedded json: %w", err))
	}

	if len(errs) == 0 {
		errs = append(errs, errors.New("no decision found"))
	}
	return FailSafeDecision(errors.Join(errs...).Error())
}

type rawDecision struct {
	NextAction    *NextAction       `json:"next_action"`
	ToolCalls     []json.RawMessage `json:"tool_calls"`
	HumanRequired bool              `json:"human_required"`
	HumanReason   *string           `json:"human_reason"`
	Options       []string          `json:"options"`
	TaskComplete  bool              `json:"task_complete"`
	Confidence    *float64          `json:"confidence"`
	Reflection    *string           `json:"reflection"`
	HelpRequest   *HelpRequest      `json:"help_request"`
}

// rawToolCall accepts both tool/args and name/parameters shapes.
type rawToolCall struct {
	Tool       string         `json:"tool"`
	Name       string         `json:"name"`
	Args       map[string]any `json:"args"`
	Parameters map[string]any `json:"parameters"`
}

func decodeDecision(text string) (Decision, error) {
	text = strings.TrimSpace(text)
	var rd rawDecision
	if err := json.Unmarshal([]byte(text), &rd); err != nil {
		return Decision{}, err
	}

	d := Decision{
		NextAction:    rd.NextAction,
		ToolCalls:     make([]ToolCall, 0, len(rd.ToolCalls)),
		HumanRequired: rd.HumanRequired,
		HumanReason:   rd.HumanReason,
		Options:       rd.Options,
		TaskComplete:  rd.TaskComplete,
		Confidence:    defaultConfidence,
		Reflection:    rd.Reflection,
		HelpRequest:   rd.HelpRequest,
	}
	if rd.Confidence != nil {
		d.Confidence = clampConfidence(*rd.Confidence)
	}

	for i, item := range rd.ToolCalls {
		var tc rawToolCall
		if err := json.Unmarshal(item, &tc); err != nil {
			return Decision{}, fmt.Errorf("tool_calls[%d]: %w", i, err)
		}
		name := tc.Tool
		if name == "" {
			name = tc.Name
		}
		if name == "" {
			return Decision{}, fmt.Errorf("tool_calls[%d]: missing tool name", i)
		}
		args := tc.Args
		if args == nil {
			args = tc.Parameters
		}
		if args == nil {
			args = map[string]any{}
		}
		d.ToolCalls = append(d.ToolCalls, ToolCall{Tool: name, Args: args})
	}
	return d, nil
}

func clampConfidence(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// firstDecisionObject returns the first balanced JSON object in text that
// parses and carries at least one decision key.
func firstDecisionObject(text string) (string, bool) {
	starts := 0
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		if starts++; starts > maxScanStarts {
			return "", false
		}
		end, ok := matchBrace(text, i)
		if !ok {
			continue
		}
		candidate := text[i : end+1]
		var obj map[string]json.RawMessage
		if json.Unmarshal([]byte(candidate), &obj) != nil {
			continue
		}
		for _, k := range decisionKeys {
			if _, has := obj[k]; has {
				return candidate, true
			}
		}
	}
	return "", false
}

// matchBrace returns the index of the '}' closing the '{' at start, skipping
// braces inside JSON strings.
func matchBrace(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
