package detection

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gowebpki/jcs"

	"github.com/agentoverseer/overseer/internal/config"
	"github.com/agentoverseer/overseer/internal/tool"
)

// Loop kinds reported in Event.Details["kind"].
const (
	LoopExactArgs = "exact_args"
	LoopSameTool  = "same_tool"
)

// minLoopThreshold is the floor for tightened thresholds. Counts include the
// current call, so a threshold of 1 would block every call.
const minLoopThreshold = 2

// LoopState is the per-task detector state, persisted in checkpoints.
type LoopState struct {
	LastSignature string `json:"last_signature"`
	Repeat        int    `json:"repeat"`
	LastNames     string `json:"last_names"`
	NameRepeat    int    `json:"name_repeat"`
}

// LoopDetector counts consecutive identical tool-call sets per task. Counts
// include the current call, so with threshold K the K-th identical call in a
// row is the first to trigger.
type LoopDetector struct {
	mu     sync.Mutex
	config config.LoopConfig
	// taskID → state
	tasks map[string]*LoopState
}

// NewLoopDetector creates a new loop detector.
func NewLoopDetector(cfg config.LoopConfig) *LoopDetector {
	return &LoopDetector{
		config: cfg,
		tasks:  make(map[string]*LoopState),
	}
}

// SetConfig replaces the thresholds. Counters are kept.
func (d *LoopDetector) SetConfig(cfg config.LoopConfig) {
	d.mu.Lock()
	d.config = cfg
	d.mu.Unlock()
}

// Thresholds returns the exact-args and same-tool thresholds for the given
// confidence average. Low confidence lowers both by one, never below 2.
func (d *LoopDetector) Thresholds(confidenceAvg float64, haveConfidence bool) (exact, name int) {
	d.mu.Lock()
	cfg := d.config
	d.mu.Unlock()
	return thresholds(cfg, confidenceAvg, haveConfidence)
}

func thresholds(cfg config.LoopConfig, confidenceAvg float64, haveConfidence bool) (exact, name int) {
	exact, name = cfg.ExactThreshold, cfg.NameThreshold
	if haveConfidence && confidenceAvg < cfg.LowConfidence {
		exact, name = exact-1, name-1
	}
	if exact < minLoopThreshold {
		exact = minLoopThreshold
	}
	if name < minLoopThreshold {
		name = minLoopThreshold
	}
	return exact, name
}

// Check records the tool calls of one decision and returns an event if they
// complete a loop. A decision without tool calls leaves the state untouched.
func (d *LoopDetector) Check(taskID string, calls []tool.Call, confidenceAvg float64, haveConfidence bool) *Event {
	if len(calls) == 0 {
		return nil
	}
	sig := Signature(calls)
	names := nameSet(calls)

	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.tasks[taskID]
	if !ok {
		st = &LoopState{}
		d.tasks[taskID] = st
	}

	if sig == st.LastSignature {
		st.Repeat++
	} else {
		st.LastSignature = sig
		st.Repeat = 1
	}
	if names == st.LastNames {
		st.NameRepeat++
	} else {
		st.LastNames = names
		st.NameRepeat = 1
	}

	exact, name := thresholds(d.config, confidenceAvg, haveConfidence)
	var kind string
	var count, threshold int
	switch {
	case st.Repeat >= exact:
		kind, count, threshold = LoopExactArgs, st.Repeat, exact
	case st.NameRepeat >= name:
		kind, count, threshold = LoopSameTool, st.NameRepeat, name
	default:
		return nil
	}

	return &Event{
		Type:   "loop",
		TaskID: taskID,
		Message: fmt.Sprintf("Loop detected (%s): %s repeated %d times in a row (threshold: %d)",
			strings.ReplaceAll(kind, "_", " "), names, count, threshold),
		Details: map[string]interface{}{
			"kind":      kind,
			"tools":     names,
			"count":     count,
			"threshold": threshold,
		},
	}
}

// State returns a copy of the task's state.
func (d *LoopDetector) State(taskID string) LoopState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.tasks[taskID]; ok {
		return *st
	}
	return LoopState{}
}

// Restore replaces the task's state, e.g. from a checkpoint.
func (d *LoopDetector) Restore(taskID string, st LoopState) {
	d.mu.Lock()
	d.tasks[taskID] = &st
	d.mu.Unlock()
}

// ResetTask clears state for a task.
func (d *LoopDetector) ResetTask(taskID string) {
	d.mu.Lock()
	delete(d.tasks, taskID)
	d.mu.Unlock()
}

// Signature is the canonical (RFC 8785) JSON of the ordered tool calls. Two
// call lists have equal signatures iff every tool name and argument matches.
func Signature(calls []tool.Call) string {
	type entry struct {
		T string         `json:"t"`
		A map[string]any `json:"a"`
	}
	entries := make([]entry, len(calls))
	for i, c := range calls {
		entries[i] = entry{T: c.Tool, A: c.Args}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Sprintf("%v", calls)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return string(raw)
	}
	return string(canonical)
}

func nameSet(calls []tool.Call) string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Tool
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
