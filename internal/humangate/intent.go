package humangate

import (
	"strings"
	"unicode"

	"github.com/agentoverseer/overseer/internal/config"
)

// IntentKind is the parsed meaning of a human response.
type IntentKind string

const (
	IntentApprove  IntentKind = "approve"
	IntentReject   IntentKind = "reject"
	IntentAbort    IntentKind = "abort"
	IntentFreetext IntentKind = "freetext"
)

// Intent is a parsed human response.
type Intent struct {
	Kind IntentKind `json:"kind"`
	// Text is the response as typed, trimmed.
	Text string `json:"text"`
	// ConfirmComplete is set when an approval confirms a completion report.
	ConfirmComplete bool `json:"confirm_complete,omitempty"`
	// ImplicitStop is set when free text carries a stop cue.
	ImplicitStop bool `json:"implicit_stop,omitempty"`
}

// Parser maps raw responses to intents using configured keyword sets.
type Parser struct {
	approve map[string]bool
	reject  map[string]bool
	abort   map[string]bool
	confirm map[string]bool
	cues    []string
}

// NewParser builds a Parser from the human section of the config.
func NewParser(cfg config.HumanConfig) *Parser {
	return &Parser{
		approve: keywordSet(cfg.ApproveKeywords),
		reject:  keywordSet(cfg.RejectKeywords),
		abort:   keywordSet(cfg.AbortKeywords),
		confirm: keywordSet(cfg.ConfirmKeywords),
		cues:    normalizeAll(cfg.AbortKeywords),
	}
}

func keywordSet(words []string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range normalizeAll(words) {
		set[w] = true
	}
	return set
}

func normalizeAll(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if n := normalize(w); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// normalize lowercases, trims surrounding whitespace and punctuation, and
// collapses inner whitespace, so "  Approve! " and "approve" compare equal.
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
	return strings.Join(strings.Fields(s), " ")
}

// Parse classifies raw. Abort keywords win over everything; confirm keywords
// map to an approval flagged ConfirmComplete; approve and reject keywords
// must match the whole response. Anything else is free text.
func (p *Parser) Parse(raw string) Intent {
	text := strings.TrimSpace(raw)
	n := normalize(raw)
	in := Intent{Kind: IntentFreetext, Text: text}

	switch {
	case n == "":
		in.Kind = IntentFreetext
	case p.abort[n]:
		in.Kind = IntentAbort
	case p.confirm[n]:
		in.Kind = IntentApprove
		in.ConfirmComplete = true
	case p.approve[n]:
		in.Kind = IntentApprove
	case p.reject[n]:
		in.Kind = IntentReject
	default:
		in.ImplicitStop = p.hasStopCue(n)
	}
	return in
}

// hasStopCue reports whether free text contains an abort keyword. ASCII
// keywords must match whole words; others match as substrings.
func (p *Parser) hasStopCue(n string) bool {
	var words map[string]bool
	for _, cue := range p.cues {
		if isASCII(cue) {
			if words == nil {
				words = make(map[string]bool)
				for _, w := range strings.FieldsFunc(n, func(r rune) bool {
					return !unicode.IsLetter(r) && !unicode.IsDigit(r)
				}) {
					words[w] = true
				}
			}
			if words[cue] {
				return true
			}
			continue
		}
		if strings.Contains(n, cue) {
			return true
		}
	}
	return false
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// Context-injection signals appended to a human response.
const (
	ConfirmCompleteSignal = "[System: the user reviewed the summary report and confirmed task completion. " +
		"You MUST set task_complete: true in your next decision. Do NOT ask for confirmation again.]"
	ImplicitStopSignal = "[System: the user's feedback contains a stop intent. " +
		"Respect it: wrap up immediately or set task_complete: true.]"
	SoftStopInstruction = "[URGENT: the user wants to STOP] The user has asked to end this task. " +
		"In your NEXT response you MUST:\n" +
		"1. Summarize what has been accomplished so far.\n" +
		"2. Set task_complete: true in your decision.\n" +
		"3. Not start any new work or tool calls.\n" +
		"4. Not ask for confirmation."
)

// DecisionText renders a response for merging into task context.
func DecisionText(r Response) string {
	var text string
	switch {
	case r.TimedOut:
		text = "No human response before the timeout."
	case r.Cancelled:
		text = "The human request was cancelled."
	default:
		text = "Human: " + r.Intent.Text
		if r.Intent.Kind != IntentFreetext {
			text = string(r.Intent.Kind) + ": " + r.Intent.Text
		}
	}
	if r.Intent.ConfirmComplete {
		text += "\n" + ConfirmCompleteSignal
	}
	if r.Intent.ImplicitStop {
		text += "\n" + ImplicitStopSignal
	}
	return text
}
