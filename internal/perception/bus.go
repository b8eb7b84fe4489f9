// Package perception records what happened during a task: approvals,
// confidence values, stagnation signals and tool outcomes. It computes
// statistics but never decides anything.
package perception

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentoverseer/overseer/internal/tool"
)

// Class is the semantic category of a tool result.
type Class string

const (
	ClassSuccess Class = "success"
	ClassError   Class = "error"
	ClassEmpty   Class = "empty"
	ClassPartial Class = "partial"
)

// RepeatNote says how a tool's output compares to its previous output for
// the same arguments.
type RepeatNote int

const (
	RepeatNone RepeatNote = iota
	RepeatSame
	RepeatChanged
)

// Annotation is the text appended to a merged result.
func (n RepeatNote) Annotation() string {
	switch n {
	case RepeatSame:
		return " [SAME as previous call, no new information]"
	case RepeatChanged:
		return " [CHANGED from previous call]"
	}
	return ""
}

// DefaultWindowSize is the confidence window length when none is configured.
const DefaultWindowSize = 10

// Stats is a point-in-time copy of everything the bus has recorded.
type Stats struct {
	Approvals                map[string]int             `json:"approvals"`
	Rejections               map[string]int             `json:"rejections"`
	ConsecutiveRejects       map[string]int             `json:"consecutive_rejects"`
	ApprovalsSinceEscalation map[string]int             `json:"approvals_since_escalation"`
	Hesitation               map[string][]time.Duration `json:"hesitation"`
	ConfidenceWindow         []float64                  `json:"confidence_window"`
	StagnationCount          int                        `json:"stagnation_count"`
}

func newStats() Stats {
	return Stats{
		Approvals:                map[string]int{},
		Rejections:               map[string]int{},
		ConsecutiveRejects:       map[string]int{},
		ApprovalsSinceEscalation: map[string]int{},
		Hesitation:               map[string][]time.Duration{},
	}
}

// Clone returns a deep copy.
func (s Stats) Clone() Stats {
	out := newStats()
	for k, v := range s.Approvals {
		out.Approvals[k] = v
	}
	for k, v := range s.Rejections {
		out.Rejections[k] = v
	}
	for k, v := range s.ConsecutiveRejects {
		out.ConsecutiveRejects[k] = v
	}
	for k, v := range s.ApprovalsSinceEscalation {
		out.ApprovalsSinceEscalation[k] = v
	}
	for k, v := range s.Hesitation {
		out.Hesitation[k] = append([]time.Duration(nil), v...)
	}
	out.ConfidenceWindow = append([]float64(nil), s.ConfidenceWindow...)
	out.StagnationCount = s.StagnationCount
	return out
}

// ApprovalRate is approvals/(approvals+rejections), or 1 with no history.
func (s Stats) ApprovalRate(tool string) float64 {
	total := s.Approvals[tool] + s.Rejections[tool]
	if total == 0 {
		return 1.0
	}
	return float64(s.Approvals[tool]) / float64(total)
}

// AvgHesitation is the mean human response time for the tool.
func (s Stats) AvgHesitation(tool string) time.Duration {
	samples := s.Hesitation[tool]
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	return sum / time.Duration(len(samples))
}

// ConfidenceAverage returns the mean of the window and false if it is empty.
func (s Stats) ConfidenceAverage() (float64, bool) {
	return mean(s.ConfidenceWindow)
}

func mean(xs []float64) (float64, bool) {
	if len(xs) == 0 {
		return 0, false
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs)), true
}

// Tools returns every tool with approval history, sorted.
func (s Stats) Tools() []string {
	seen := map[string]bool{}
	for t := range s.Approvals {
		seen[t] = true
	}
	for t := range s.Rejections {
		seen[t] = true
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Snapshot is the checkpointable state of a Bus.
type Snapshot struct {
	Stats       Stats             `json:"stats"`
	LastOutputs map[string]string `json:"last_outputs"`
}

// Bus is the per-task signal recorder. Safe for concurrent use.
type Bus struct {
	mu          sync.Mutex
	stats       Stats
	lastOutputs map[string]string
	windowSize  int
	logger      *slog.Logger
}

// NewBus creates a Bus with a confidence window of windowSize values.
func NewBus(windowSize int, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Bus{
		stats:       newStats(),
		lastOutputs: map[string]string{},
		windowSize:  windowSize,
		logger:      logger.With("component", "perception.Bus"),
	}
}

// RecordApproval records a human approve/reject for a tool and how long the
// human took.
func (b *Bus) RecordApproval(tool string, approved bool, elapsed time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if approved {
		b.stats.Approvals[tool]++
		b.stats.ConsecutiveRejects[tool] = 0
		b.stats.ApprovalsSinceEscalation[tool]++
	} else {
		b.stats.Rejections[tool]++
		b.stats.ConsecutiveRejects[tool]++
		b.stats.ApprovalsSinceEscalation[tool] = 0
	}
	b.stats.Hesitation[tool] = append(b.stats.Hesitation[tool], elapsed)
	b.logger.Debug("approval recorded",
		"tool", tool,
		"approved", approved,
		"elapsed", elapsed,
		"consecutive_rejects", b.stats.ConsecutiveRejects[tool],
	)
}

// MarkEscalated restarts the post-escalation approval counter and the
// rejection streak for a tool.
func (b *Bus) MarkEscalated(tool string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.ApprovalsSinceEscalation[tool] = 0
	b.stats.ConsecutiveRejects[tool] = 0
}

// RecordConfidence appends v, clamped to [0,1], to the FIFO window.
func (b *Bus) RecordConfidence(v float64) {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.ConfidenceWindow = append(b.stats.ConfidenceWindow, v)
	if n := len(b.stats.ConfidenceWindow); n > b.windowSize {
		b.stats.ConfidenceWindow = append([]float64(nil), b.stats.ConfidenceWindow[n-b.windowSize:]...)
	}
}

// RecordStagnation counts a "no progress" signal.
func (b *Bus) RecordStagnation(reflection string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.StagnationCount++
	b.logger.Debug("stagnation recorded", "total", b.stats.StagnationCount, "reflection", truncate(reflection, 80))
}

// ResetStagnation clears the stagnation count, typically after a human has
// weighed in.
func (b *Bus) ResetStagnation() {
	b.mu.Lock()
	b.stats.StagnationCount = 0
	b.mu.Unlock()
}

// ClassifyResult classifies a tool result for the named tool.
func (b *Bus) ClassifyResult(_ string, r tool.Result) Class {
	return Classify(r)
}

// Classify puts a result in one of four classes: empty payload is empty, an
// error field or recognised error marker is error, a result the backend
// tagged incomplete is partial, anything else is success.
func Classify(r tool.Result) Class {
	if r.Failed() {
		return ClassError
	}
	payload := strings.TrimSpace(r.Payload)
	if payload == "" {
		return ClassEmpty
	}
	if hasErrorMarker(payload) {
		return ClassError
	}
	if r.Incomplete {
		return ClassPartial
	}
	return ClassSuccess
}

func hasErrorMarker(payload string) bool {
	lower := strings.ToLower(payload)
	if strings.HasPrefix(lower, "error:") || strings.HasPrefix(lower, "[error]") {
		return true
	}
	if !strings.HasPrefix(payload, "{") {
		return false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(payload), &obj); err != nil {
		return false
	}
	if s, ok := obj["status"].(string); ok && strings.EqualFold(s, "error") {
		return true
	}
	switch v := obj["error"].(type) {
	case string:
		return v != ""
	case map[string]any:
		return true
	case bool:
		return v
	}
	return false
}

// DetectRepeat compares payload with the last payload seen for the same tool
// and arguments, then remembers it.
func (b *Bus) DetectRepeat(tool string, args map[string]any, payload string) RepeatNote {
	key := repeatKey(tool, args)
	b.mu.Lock()
	defer b.mu.Unlock()
	prev, seen := b.lastOutputs[key]
	b.lastOutputs[key] = payload
	switch {
	case !seen:
		return RepeatNone
	case prev == payload:
		return RepeatSame
	default:
		return RepeatChanged
	}
}

func repeatKey(tool string, args map[string]any) string {
	if len(args) == 0 {
		return tool
	}
	// encoding/json sorts map keys.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%s:%v", tool, args)
	}
	return tool + ":" + string(raw)
}

// Stats returns a deep copy of the current statistics.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats.Clone()
}

// ApprovalSummary renders per-tool approval rates for prompt context. It is
// empty when no approvals have been recorded.
func (b *Bus) ApprovalSummary() string {
	st := b.Stats()
	tools := st.Tools()
	if len(tools) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("User approval patterns:")
	for _, t := range tools {
		approved := st.Approvals[t]
		total := approved + st.Rejections[t]
		fmt.Fprintf(&sb, "\n  %s: %d/%d approved (%.0f%%)", t, approved, total, st.ApprovalRate(t)*100)
	}
	return sb.String()
}

// Snapshot returns the checkpointable state.
func (b *Bus) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	outs := make(map[string]string, len(b.lastOutputs))
	for k, v := range b.lastOutputs {
		outs[k] = v
	}
	return Snapshot{Stats: b.stats.Clone(), LastOutputs: outs}
}

// Restore replaces all state with a snapshot.
func (b *Bus) Restore(s Snapshot) {
	st := s.Stats.Clone()
	if n := len(st.ConfidenceWindow); n > b.windowSize {
		st.ConfidenceWindow = st.ConfidenceWindow[n-b.windowSize:]
	}
	outs := make(map[string]string, len(s.LastOutputs))
	for k, v := range s.LastOutputs {
		outs[k] = v
	}
	b.mu.Lock()
	b.stats = st
	b.lastOutputs = outs
	b.mu.Unlock()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
