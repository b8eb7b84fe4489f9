// Package firewall is the kernel's sole decision authority. It parses raw
// reasoner output into a Decision and runs every decision through a staged
// evaluation pipeline before any tool call may execute.
package firewall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentoverseer/overseer/internal/audit"
	"github.com/agentoverseer/overseer/internal/config"
	"github.com/agentoverseer/overseer/internal/detection"
	"github.com/agentoverseer/overseer/internal/perception"
	"github.com/agentoverseer/overseer/internal/policy"
	"github.com/agentoverseer/overseer/internal/sandbox"
	"github.com/agentoverseer/overseer/internal/telemetry"
	"github.com/agentoverseer/overseer/internal/tool"
)

// compiledTool is a declared tool with its argument schema.
type compiledTool struct {
	spec       tool.Spec
	schema     *jsonschema.Schema
	properties map[string]bool
}

// Engine evaluates decisions. Its only mutable state is the per-task loop
// detector; permissions come from the policy store and statistics are passed
// in by the caller.
type Engine struct {
	mu    sync.RWMutex
	cfg   *config.Config
	tools map[string]compiledTool

	policy  *policy.Store
	sandbox *sandbox.Sandbox
	loops   *detection.LoopDetector
	sink    audit.Sink
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewEngine creates an Engine. sink and logger may be nil.
func NewEngine(cfg *config.Config, store *policy.Store, sb *sandbox.Sandbox, sink audit.Sink, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.Discard
	}
	return &Engine{
		cfg:     cfg,
		tools:   make(map[string]compiledTool),
		policy:  store,
		sandbox: sb,
		loops:   detection.NewLoopDetector(cfg.Loop),
		sink:    sink,
		logger:  logger.With("component", "firewall.Engine"),
	}
}

// SetMetrics attaches metric instruments.
func (e *Engine) SetMetrics(m *telemetry.Metrics) {
	e.mu.Lock()
	e.metrics = m
	e.mu.Unlock()
}

// ApplyConfig swaps in reloaded thresholds. Loop counters are kept.
func (e *Engine) ApplyConfig(cfg *config.Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	e.loops.SetConfig(cfg.Loop)
}

// Policy returns the policy store the engine consults.
func (e *Engine) Policy() *policy.Store { return e.policy }

// RegisterTools compiles the argument schema of each declared tool. A tool
// without a schema is accepted and its arguments pass unfiltered.
func (e *Engine) RegisterTools(specs []tool.Spec) error {
	compiled := make(map[string]compiledTool, len(specs))
	for _, spec := range specs {
		ct := compiledTool{spec: spec}
		if len(spec.Schema) > 0 {
			sch, err := compileSchema(spec)
			if err != nil {
				return fmt.Errorf("tool %s: %w", spec.Name, err)
			}
			ct.schema = sch
			ct.properties = make(map[string]bool, len(sch.Properties))
			for name := range sch.Properties {
				ct.properties[name] = true
			}
		}
		compiled[spec.Name] = ct
	}

	e.mu.Lock()
	e.tools = compiled
	e.mu.Unlock()
	e.logger.Info("tool schemas registered", "count", len(compiled))
	return nil
}

func compileSchema(spec tool.Spec) (*jsonschema.Schema, error) {
	url := "mem://tools/" + spec.Name + ".json"
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(string(spec.Schema))); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return sch, nil
}

// Tools returns the registered tool specs sorted by name.
func (e *Engine) Tools() []tool.Spec {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]tool.Spec, 0, len(e.tools))
	for _, ct := range e.tools {
		out = append(out, ct.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Evaluate runs the decision through the pipeline: argument filter, loop
// detection, permission ruling, path sandboxing, meta-cognitive breaker. A
// loop short-circuits with BLOCKED; every other stage contributes reasons and
// any escalating reason yields NEEDS_HUMAN. The verdict is emitted to the
// audit sink.
func (e *Engine) Evaluate(ctx context.Context, taskID string, d Decision, stats perception.Stats) Verdict {
	e.mu.RLock()
	cfg := e.cfg
	tools := e.tools
	metrics := e.metrics
	e.mu.RUnlock()

	v := Verdict{Kind: KindAllow, Decision: d.Clone()}

	// 1. Argument filter.
	for i := range v.Decision.ToolCalls {
		e.filterArgs(tools, &v, i)
	}

	// 2. Loop detection.
	avg, haveConf := stats.ConfidenceAverage()
	if ev := e.loops.Check(taskID, v.Decision.ToolCalls, avg, haveConf); ev != nil {
		v.Kind = KindBlocked
		v.Reasons = append(v.Reasons, Reason{
			Stage:     StageLoop,
			Code:      CodeLoopDetected,
			Message:   "loop detected",
			Details:   ev.Details,
			Escalates: true,
		})
		v.Notes = append(v.Notes, fmt.Sprintf(
			"WARNING: %s. The repeated calls were not executed. Change parameters, use a different tool, or ask the human for help.",
			ev.Message))
		v.Decision.ToolCalls = []ToolCall{}
		v.HumanReason = ev.Message
		v.Options = []string{"Continue with a different approach", "Abort"}
		e.logger.Warn("loop detected", "task_id", taskID, "detail", ev.Message)
		e.finish(ctx, taskID, &v, metrics)
		return v
	}

	// 3. Permission ruling.
	for _, call := range v.Decision.ToolCalls {
		lvl, matches := e.policy.EffectiveFor(call.Tool, call.Args)
		details := map[string]any{"level": lvl.String()}
		if len(matches) > 0 {
			details["rules"] = matches
		}
		switch lvl {
		case policy.Approve:
			v.Preview = true
			v.Reasons = append(v.Reasons, Reason{
				Stage: StagePermission, Code: CodePermissionApprove, Tool: call.Tool,
				Message: fmt.Sprintf("%s requires approval", call.Tool), Details: details, Escalates: true,
			})
		case policy.Confirm:
			v.Reasons = append(v.Reasons, Reason{
				Stage: StagePermission, Code: CodePermissionConfirm, Tool: call.Tool,
				Message: fmt.Sprintf("%s requires confirmation", call.Tool), Details: details, Escalates: true,
			})
		case policy.Notify:
			v.Notify = append(v.Notify, call)
			v.Reasons = append(v.Reasons, Reason{
				Stage: StagePermission, Code: CodePermissionNotify, Tool: call.Tool,
				Message: fmt.Sprintf("%s allowed with notification", call.Tool), Details: details,
			})
		}
	}

	// 4. Path sandboxing.
	for i, call := range v.Decision.ToolCalls {
		confined, err := e.sandbox.Confine(call)
		if err != nil {
			var pe *sandbox.PathEscapeError
			details := map[string]any{}
			if errors.As(err, &pe) {
				details["key"] = pe.Key
				details["path"] = pe.Path
			}
			v.Escaped = append(v.Escaped, i)
			v.Reasons = append(v.Reasons, Reason{
				Stage: StageSandbox, Code: CodePathEscape, Tool: call.Tool,
				Message: err.Error(), Details: details, Escalates: true,
			})
			continue
		}
		v.Decision.ToolCalls[i] = confined
	}

	// 5. Meta-cognitive breaker.
	e.breaker(cfg, &v, stats)

	if len(v.Escalating()) > 0 {
		v.Kind = KindNeedsHuman
		e.humanPrompt(&v)
	}
	e.finish(ctx, taskID, &v, metrics)
	return v
}

func (e *Engine) filterArgs(tools map[string]compiledTool, v *Verdict, i int) {
	call := &v.Decision.ToolCalls[i]
	if len(tools) == 0 {
		return
	}
	ct, known := tools[call.Tool]
	if !known {
		v.Reasons = append(v.Reasons, Reason{
			Stage: StageArguments, Code: CodeUnknownTool, Tool: call.Tool,
			Message: fmt.Sprintf("tool %q is not declared", call.Tool),
		})
		v.Notes = append(v.Notes, fmt.Sprintf("Tool %q does not exist. Use only tools from the Available Tools list.", call.Tool))
		return
	}
	if ct.schema == nil {
		return
	}

	if len(ct.properties) > 0 {
		var dropped []string
		for k := range call.Args {
			if !ct.properties[k] {
				dropped = append(dropped, k)
				delete(call.Args, k)
			}
		}
		if len(dropped) > 0 {
			sort.Strings(dropped)
			v.Reasons = append(v.Reasons, Reason{
				Stage: StageArguments, Code: CodeArgsDropped, Tool: call.Tool,
				Message: fmt.Sprintf("dropped undeclared arguments %v", dropped),
				Details: map[string]any{"dropped": dropped},
			})
			v.Notes = append(v.Notes, fmt.Sprintf(
				"Tool %q does not accept arguments %s; they were removed. Use only declared parameters.",
				call.Tool, strings.Join(dropped, ", ")))
		}
	}

	if err := validateArgs(ct.schema, call.Args); err != nil {
		v.Reasons = append(v.Reasons, Reason{
			Stage: StageArguments, Code: CodeArgsInvalid, Tool: call.Tool,
			Message: fmt.Sprintf("arguments do not match schema: %v", err),
		})
		v.Notes = append(v.Notes, fmt.Sprintf("Arguments for %q do not match its schema: %v", call.Tool, err))
	}
}

func validateArgs(sch *jsonschema.Schema, args map[string]any) error {
	// Round-trip so numbers and nested values have the shapes the validator expects.
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return sch.Validate(doc)
}

func (e *Engine) breaker(cfg *config.Config, v *Verdict, stats perception.Stats) {
	d := v.Decision

	if d.ParseError != "" {
		v.Reasons = append(v.Reasons, Reason{
			Stage: StageBreaker, Code: CodeParseFailure,
			Message: "reasoner output could not be parsed", Details: map[string]any{"error": d.ParseError},
			Escalates: true,
		})
	}

	if tripped, avg := LowConfidenceTripped(stats.ConfidenceWindow, cfg.Confidence); tripped {
		v.Reasons = append(v.Reasons, Reason{
			Stage: StageBreaker, Code: CodeLowConfidence,
			Message: fmt.Sprintf("confidence below %.2f for %d consecutive steps (avg %.2f)",
				cfg.Confidence.Threshold, cfg.Confidence.ConsecutiveSteps, avg),
			Details:   map[string]any{"average": avg, "window": stats.ConfidenceWindow},
			Escalates: true,
		})
	}

	if d.HelpRequest != nil {
		v.Reasons = append(v.Reasons, Reason{
			Stage: StageBreaker, Code: CodeHelpRequest,
			Message: helpRequestText(d.HelpRequest), Escalates: true,
		})
	} else if d.HumanRequired && d.ParseError == "" {
		msg := d.ReasonText()
		if msg == "" {
			msg = "reasoner requested human input"
		}
		v.Reasons = append(v.Reasons, Reason{
			Stage: StageBreaker, Code: CodeHumanRequired, Message: msg, Escalates: true,
		})
	}

	if stats.StagnationCount > cfg.Stagnation.Threshold {
		v.Reasons = append(v.Reasons, Reason{
			Stage: StageBreaker, Code: CodeStagnation,
			Message: fmt.Sprintf("no progress reported %d times", stats.StagnationCount),
			Details: map[string]any{"count": stats.StagnationCount, "threshold": cfg.Stagnation.Threshold},
			Escalates: true,
		})
	}
}

// LowConfidenceTripped reports whether the last M values of the window are all
// below the threshold, and their mean.
func LowConfidenceTripped(window []float64, cfg config.ConfidenceConfig) (bool, float64) {
	m := cfg.ConsecutiveSteps
	if m <= 0 || len(window) < m {
		return false, 0
	}
	tail := window[len(window)-m:]
	var sum float64
	for _, c := range tail {
		if c >= cfg.Threshold {
			return false, 0
		}
		sum += c
	}
	return true, sum / float64(m)
}

func helpRequestText(h *HelpRequest) string {
	var parts []string
	if h.SpecificQuestion != "" {
		parts = append(parts, "Question: "+h.SpecificQuestion)
	}
	if len(h.AttemptedApproaches) > 0 {
		parts = append(parts, "Tried: "+strings.Join(h.AttemptedApproaches, ", "))
	}
	if len(h.MissingInformation) > 0 {
		parts = append(parts, "Missing: "+strings.Join(h.MissingInformation, ", "))
	}
	if len(parts) == 0 {
		return "The agent needs help to continue."
	}
	return strings.Join(parts, "\n")
}

// humanPrompt fills HumanReason and Options for a NEEDS_HUMAN verdict.
func (e *Engine) humanPrompt(v *Verdict) {
	d := v.Decision
	if v.HumanReason == "" {
		if d.HumanRequired && d.ReasonText() != "" {
			v.HumanReason = d.ReasonText()
		} else {
			var msgs []string
			for _, r := range v.Escalating() {
				msgs = append(msgs, r.Message)
			}
			v.HumanReason = strings.Join(msgs, "\n")
		}
	}

	switch {
	case d.HelpRequest != nil:
		v.Options = append(append([]string(nil), d.HelpRequest.SuggestedHumanActions...), "Skip this step", "Abort")
	case len(d.Options) > 0:
		v.Options = append([]string(nil), d.Options...)
	case len(d.ToolCalls) > 0:
		v.Options = []string{"Approve", "Reject", "Abort"}
	default:
		v.Options = []string{"Continue", "Provide more information", "Abort"}
	}
}

func (e *Engine) finish(ctx context.Context, taskID string, v *Verdict, metrics *telemetry.Metrics) {
	metrics.RecordVerdict(ctx, string(v.Kind))

	reasons := make([]map[string]any, 0, len(v.Reasons))
	for _, r := range v.Reasons {
		reasons = append(reasons, map[string]any{
			"stage":     string(r.Stage),
			"code":      r.Code,
			"message":   r.Message,
			"tool":      r.Tool,
			"escalates": r.Escalates,
		})
	}
	tools := make([]string, 0, len(v.Decision.ToolCalls))
	for _, c := range v.Decision.ToolCalls {
		tools = append(tools, c.Tool)
	}
	err := e.sink.Emit(ctx, audit.Event{
		Type:      audit.TypeVerdict,
		TaskID:    taskID,
		Component: "firewall.Engine",
		Payload: map[string]any{
			"kind":       string(v.Kind),
			"reasons":    reasons,
			"tools":      tools,
			"confidence": v.Decision.Confidence,
			"notes":      len(v.Notes),
		},
	})
	if err != nil {
		e.logger.Error("failed to emit verdict", "task_id", taskID, "error", err)
	}
	e.logger.Debug("decision evaluated", "task_id", taskID, "kind", v.Kind, "reasons", len(v.Reasons))
}

// ShouldEscalatePermission proposes APPROVE for a tool whose consecutive
// rejection streak has reached the configured limit.
func (e *Engine) ShouldEscalatePermission(toolName string, stats perception.Stats) (policy.Level, bool) {
	e.mu.RLock()
	limit := e.cfg.Policy.EscalateAfter
	e.mu.RUnlock()
	if limit <= 0 {
		return policy.Auto, false
	}
	if stats.ConsecutiveRejects[toolName] >= limit {
		return policy.Approve, true
	}
	return policy.Auto, false
}

// LoopState returns the task's loop-detector state for checkpointing.
func (e *Engine) LoopState(taskID string) detection.LoopState {
	return e.loops.State(taskID)
}

// RestoreLoopState reloads loop-detector state from a checkpoint.
func (e *Engine) RestoreLoopState(taskID string, st detection.LoopState) {
	e.loops.Restore(taskID, st)
}

// ResetLoop clears the task's loop-detector state.
func (e *Engine) ResetLoop(taskID string) {
	e.loops.ResetTask(taskID)
}
