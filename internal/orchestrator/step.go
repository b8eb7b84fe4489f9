package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/codes"

	"github.com/agentoverseer/overseer/internal/alert"
	"github.com/agentoverseer/overseer/internal/audit"
	"github.com/agentoverseer/overseer/internal/config"
	"github.com/agentoverseer/overseer/internal/firewall"
	"github.com/agentoverseer/overseer/internal/humangate"
	"github.com/agentoverseer/overseer/internal/plugin"
	"github.com/agentoverseer/overseer/internal/policy"
	"github.com/agentoverseer/overseer/internal/store"
	"github.com/agentoverseer/overseer/internal/telemetry"
	"github.com/agentoverseer/overseer/internal/tool"
)

// runStep executes step n. It returns stop=true with the task's outcome when
// the loop must end.
func (r *Runner) runStep(ctx context.Context, rn *run, n int) (Outcome, bool) {
	cfg := r.config()
	task := rn.task
	ctx, span := telemetry.StartStepSpan(ctx, task.ID, n)
	defer span.End()

	step := &store.Step{TaskID: task.ID, Sequence: n, Status: store.StepPending}
	if err := r.store.InsertStep(ctx, step); err != nil {
		return r.fail(ctx, rn, fmt.Sprintf("persist step %d: %v", n, err), FaultInternal), true
	}
	task.StepCount = n

	constraints := firewall.BuildConstraints(constraintInput(task))
	prompt, err := r.plugins.Context.Build(task, plugin.BuildInput{
		Step:        n,
		MaxSteps:    rn.limit,
		Elapsed:     rn.elapsed(),
		Tools:       rn.tools,
		Memories:    rn.memories,
		Constraints: constraints,
		Notes:       rn.notes,
		WrapUp:      rn.wrapUp,
	})
	if err != nil {
		r.failStep(ctx, step, err)
		return r.fail(ctx, rn, fmt.Sprintf("build prompt: %v", err), FaultInternal), true
	}
	rn.notes = nil
	step.Prompt = prompt
	step.Status = store.StepRunningReasoner
	r.updateStep(ctx, rn, step)

	raw, err := r.callReasoner(ctx, rn, cfg, r.firewall.SystemPrompt(), prompt)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		r.failStep(ctx, step, err)
		if ctx.Err() != nil {
			return r.pause(ctx, rn, ReasonInterrupted, "", nil), true
		}
		fault := &Fault{Kind: FaultReasonerTransport, TaskID: task.ID, Step: n, Err: err}
		rn.logger.Error("reasoner unavailable", "step", n, "error", fault)
		return r.fail(ctx, rn, fmt.Sprintf("reasoner transport error: %v", err), FaultReasonerTransport), true
	}
	step.RawResponse = raw

	d := firewall.ParseDecision(raw)
	if d.ParseError != "" {
		rn.logger.Warn("decision unparseable", "step", n, "fault", FaultParse, "error", d.ParseError)
	}
	title := d.Title()
	if title == "" {
		title = fmt.Sprintf("Step %d", n)
	}
	step.Title = title
	rn.bus.RecordConfidence(d.Confidence)

	v := r.firewall.Evaluate(ctx, task.ID, d, rn.bus.Stats())
	if encoded, err := json.Marshal(v.Decision); err == nil {
		step.Decision = encoded
	}
	step.ToolCalls = v.Decision.ToolCalls
	rn.notes = append(rn.notes, v.Notes...)
	for _, reason := range v.Reasons {
		if reason.Code == firewall.CodePathEscape {
			rn.logger.Warn("path escape intercepted", "step", n, "fault", FaultPathEscape, "tool", reason.Tool)
		}
	}

	approved := false
	switch v.Kind {
	case firewall.KindBlocked:
		rn.logger.Warn("step blocked", "step", n, "fault", FaultLoop, "summary", v.Summary())
		task.Context.AddFinding(n, keyLoopDetected, v.HumanReason)
	case firewall.KindNeedsHuman:
		out, stop, ok := r.consultHuman(ctx, rn, step, v)
		if stop {
			return out, true
		}
		approved = ok
	default:
		r.executeCalls(ctx, rn, step, v, v.Decision.ToolCalls)
	}

	if len(v.Decision.ToolCalls) == 0 && v.Kind != firewall.KindBlocked {
		task.Context.AddFinding(n, title, clip(raw, 300))
	}
	task.Context.AddHistory(fmt.Sprintf("Step %d: %s (%s)", n, title, v.Kind))

	r.reflect(ctx, rn, cfg, n, v.Decision)

	r.completeStep(ctx, rn, step)
	r.emit(ctx, audit.Event{
		Type:      audit.TypeStepFinished,
		TaskID:    task.ID,
		Component: "orchestrator",
		Payload:   map[string]any{"step": n, "title": title, "verdict": string(v.Kind)},
	})

	if d.TaskComplete && (v.Kind == firewall.KindAllow || approved) {
		return r.finish(ctx, rn, store.TaskCompleted, "task complete", ""), true
	}
	if rn.softStopStep > 0 && n > rn.softStopStep {
		return r.finish(ctx, rn, store.TaskAborted, "stopped by user after wrap-up", ""), true
	}
	r.checkpoint(ctx, rn, "process interrupted", "", nil)
	return Outcome{}, false
}

func constraintInput(task *store.Task) firewall.ConstraintInput {
	in := firewall.ConstraintInput{FailedApproaches: task.Context.FailedApproaches}
	for _, f := range task.Context.Findings {
		in.Findings = append(in.Findings, firewall.Finding{Key: f.Key, Value: f.Value})
	}
	return in
}

// callReasoner retries transport failures with exponential backoff. A
// cancelled context is not retried.
func (r *Runner) callReasoner(ctx context.Context, rn *run, cfg *config.Config, system, user string) (string, error) {
	b := backoff.NewExponentialBackOff()
	if cfg.Execution.RetryBase > 0 {
		b.InitialInterval = cfg.Execution.RetryBase
	}
	if cfg.Execution.RetryMax > 0 {
		b.MaxInterval = cfg.Execution.RetryMax
	}

	attempt := 0
	op := func() (string, error) {
		attempt++
		cctx, span := telemetry.StartReasonerSpan(ctx, rn.task.ID, attempt)
		defer span.End()
		out, err := r.plugins.Reasoner.Call(cctx, system, user)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			if ctx.Err() != nil {
				return "", backoff.Permanent(ctx.Err())
			}
			return "", err
		}
		return out, nil
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(cfg.Execution.ReasonerRetries+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.metrics.RecordReasonerRetry(ctx)
			rn.logger.Warn("reasoner call failed, retrying", "attempt", attempt, "wait", wait, "error", err)
		}),
	)
}

// consultHuman suspends the step on the gate and applies the answer. ok is
// true when the human approved the gated calls.
func (r *Runner) consultHuman(ctx context.Context, rn *run, step *store.Step, v firewall.Verdict) (out Outcome, stop bool, ok bool) {
	cfg := r.config()
	task := rn.task
	n := step.Sequence
	step.Status = store.StepAwaitingHuman
	r.updateStep(ctx, rn, step)

	h := r.gate.Request(ctx, humangate.Request{
		TaskID:  task.ID,
		Step:    n,
		Reason:  v.HumanReason,
		Options: v.Options,
		Calls:   v.Decision.ToolCalls,
		Preview: v.Preview,
	})
	req := h.Request()
	r.checkpoint(ctx, rn, ReasonAwaitHuman, "", &req)

	resp := r.gate.Wait(ctx, h, cfg.Human.Timeout)
	if resp.Cancelled {
		r.failStep(ctx, step, errors.New("cancelled while awaiting human"))
		return r.pause(ctx, rn, ReasonHumanPending, "", &req), true, false
	}

	decision := string(resp.Intent.Kind)
	if resp.TimedOut {
		decision = "timeout"
	}
	step.HumanDecision = decision
	step.HumanInput = resp.Intent.Text
	tools := gatedTools(v)

	if !resp.TimedOut {
		rn.bus.ResetStagnation()
		if th := cfg.Human.HesitationThreshold; th > 0 && resp.Elapsed >= th {
			task.Context.AddFinding(n, keyHesitation, hesitationText(resp.Elapsed, step.Title, decision))
		}
	}

	switch r.applyAbort(rn, resp, n) {
	case humangate.AbortForce:
		step.Status = store.StepRejected
		r.completeStep(ctx, rn, step)
		return r.finish(ctx, rn, store.TaskAborted, abortReason(resp), timeoutFault(resp)), true, false
	case humangate.AbortSoft:
		step.Status = store.StepRejected
		step.ToolResults = rejectedResults(v.Decision.ToolCalls, "stop requested")
		r.updateStep(ctx, rn, step)
		task.Context.AddFinding(n, keyStopRequest, humangate.SoftStopInstruction)
		return Outcome{}, false, false
	}

	switch resp.Intent.Kind {
	case humangate.IntentApprove:
		for _, t := range tools {
			rn.bus.RecordApproval(t, true, resp.Elapsed)
			if entry, err := r.firewall.Policy().MaybeDeescalateUser(t, rn.bus.Stats().ApprovalsSinceEscalation[t]); err != nil {
				rn.logger.Error("de-escalate permission", "tool", t, "error", err)
			} else if entry != nil {
				task.Context.AddFinding(n, "system:permission", fmt.Sprintf("System: %s returned to %s after repeated approvals.", t, entry.After))
			}
		}
		step.Status = store.StepApproved
		r.updateStep(ctx, rn, step)
		task.Context.AddFinding(n, keyHumanDecision, humangate.DecisionText(resp))
		r.executeCalls(ctx, rn, step, v, v.Decision.ToolCalls)
		return Outcome{}, false, true

	case humangate.IntentReject:
		for _, t := range tools {
			rn.bus.RecordApproval(t, false, resp.Elapsed)
			r.maybeEscalate(ctx, rn, t, n)
		}
		step.Status = store.StepRejected
		task.Context.AddFinding(n, keyHumanDecision, humangate.DecisionText(resp))
		task.Context.FailedApproaches = append(task.Context.FailedApproaches, step.Title+" (rejected by human)")
		step.ToolResults = rejectedResults(v.Decision.ToolCalls, "rejected by human")
		r.updateStep(ctx, rn, step)

	default:
		// Free text is guidance, not consent: the gated calls do not run.
		step.ToolResults = rejectedResults(v.Decision.ToolCalls, "skipped: human replied with guidance")
		task.Context.AddFinding(n, keyHumanDecision, humangate.DecisionText(resp))
	}
	return Outcome{}, false, false
}

// gatedTools returns the tools that pushed the verdict to a human, falling
// back to every proposed tool when the escalation was not tool-specific.
func gatedTools(v firewall.Verdict) []string {
	var out []string
	for _, reason := range v.Escalating() {
		if reason.Tool != "" && !slices.Contains(out, reason.Tool) {
			out = append(out, reason.Tool)
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, c := range v.Decision.ToolCalls {
		if !slices.Contains(out, c.Tool) {
			out = append(out, c.Tool)
		}
	}
	return out
}

func rejectedResults(calls []tool.Call, why string) []tool.Result {
	out := make([]tool.Result, 0, len(calls))
	for _, c := range calls {
		out = append(out, tool.Result{Tool: c.Tool, Args: c.Args, Error: why})
	}
	return out
}

// maybeEscalate raises a repeatedly rejected tool to APPROVE and tells the
// reasoner to stop using it.
func (r *Runner) maybeEscalate(ctx context.Context, rn *run, toolName string, n int) {
	level, ok := r.firewall.ShouldEscalatePermission(toolName, rn.bus.Stats())
	if !ok {
		return
	}
	reason := fmt.Sprintf("%d consecutive rejections", rn.bus.Stats().ConsecutiveRejects[toolName])
	entry, err := r.firewall.Policy().EscalateUser(toolName, level, reason)
	switch {
	case err == nil:
		rn.logger.Warn("permission escalated", "tool", toolName, "before", entry.Before, "after", entry.After)
		r.alerts.Send(alert.PermissionEscalated(rn.task.ID, toolName, entry.Before.String(), entry.After.String(), reason))
		r.metrics.RecordEscalation(ctx, toolName)
	case errors.Is(err, policy.ErrNotEscalation):
		rn.logger.Debug("permission already at or above target", "tool", toolName, "level", level)
	default:
		rn.logger.Error("escalate permission", "tool", toolName, "error", err)
		return
	}
	rn.bus.MarkEscalated(toolName)
	rn.task.Context.AddFinding(n, firewall.FindingToolAvoidance, avoidanceText(toolName))
}

// executeCalls runs the approved calls in order. Backend failures become
// error-classified results; the step still completes.
func (r *Runner) executeCalls(ctx context.Context, rn *run, step *store.Step, v firewall.Verdict, calls []tool.Call) {
	if len(calls) == 0 {
		return
	}
	cfg := r.config()
	task := rn.task
	n := step.Sequence
	step.Status = store.StepRunningTool
	r.updateStep(ctx, rn, step)

	for _, call := range v.Notify {
		r.alerts.Send(alert.ToolNotification(task.ID, call))
		r.emit(ctx, audit.Event{
			Type:      audit.TypeNotify,
			TaskID:    task.ID,
			Component: "orchestrator",
			Payload:   map[string]any{"step": n, "tool": call.Tool, "args": call.Args},
		})
	}

	results := make([]tool.Result, 0, len(calls))
	for _, call := range calls {
		call = r.confine(rn, n, call)
		res := r.execute(ctx, rn, cfg, call)
		class := rn.bus.ClassifyResult(call.Tool, res)
		note := rn.bus.DetectRepeat(call.Tool, call.Args, res.Payload)
		r.metrics.RecordToolCall(ctx, call.Tool, string(class))

		summary := clip(res.Payload, 1500)
		if res.Failed() {
			summary = clip(res.Error, 1500)
		} else if hit := r.screener().Scan(res.Payload); hit.Detected() {
			summary = hit.Warning() + "\n" + summary
			r.emit(ctx, audit.Event{
				Type:      audit.TypeOutputFlagged,
				TaskID:    task.ID,
				Component: "orchestrator",
				Payload:   map[string]any{"step": n, "tool": call.Tool, "flags": hit.Flags, "severity": hit.Severity.String()},
			})
			rn.logger.Warn("tool output flagged as untrusted", "tool", call.Tool, "flags", hit.Flags)
		}
		task.Context.AddFinding(n, firewall.FindingToolPrefix+call.Tool,
			fmt.Sprintf("[%s]%s %s", class, note.Annotation(), summary))
		if !res.Failed() {
			r.recordArtifacts(ctx, rn, cfg, n, call)
		}
		results = append(results, res)
	}
	step.ToolResults = results

	if msg := firewall.CheckDeviation(v.Decision.Intent(), results); msg != "" {
		task.Context.AddFinding(n, keyDeviation, msg)
	}
}

// confine re-applies the sandbox right before execution. A call that still
// escapes (one a human approved anyway) is re-rooted to base names under the
// output root.
func (r *Runner) confine(rn *run, n int, call tool.Call) tool.Call {
	confined, err := r.sandbox.Confine(call)
	if err == nil {
		return confined
	}
	rerooted := r.sandbox.Reroot(call)
	rn.logger.Warn("re-rooted escaping path arguments", "step", n, "tool", call.Tool, "error", err)
	rn.task.Context.AddFinding(n, "system:sandbox",
		fmt.Sprintf("System: %s path arguments were outside the output directory and were rewritten under it.", call.Tool))
	return rerooted
}

func (r *Runner) execute(ctx context.Context, rn *run, cfg *config.Config, call tool.Call) tool.Result {
	timeout := cfg.Execution.ToolTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	// A started call is never abandoned mid-flight by a pause.
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	tctx, span := telemetry.StartToolSpan(tctx, rn.task.ID, call.Tool)
	defer span.End()

	start := time.Now()
	res, err := r.plugins.Tools.Execute(tctx, call)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		fault := &Fault{Kind: FaultToolExecution, TaskID: rn.task.ID, Step: rn.task.StepCount, Err: err}
		rn.logger.Warn("tool execution failed", "tool", call.Tool, "error", fault)
		res = tool.Result{Error: err.Error()}
	}
	res.Tool = call.Tool
	if res.Args == nil {
		res.Args = call.Args
	}
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	return res
}

// recordArtifacts records every sandboxed path a non-read tool wrote.
func (r *Runner) recordArtifacts(ctx context.Context, rn *run, cfg *config.Config, n int, call tool.Call) {
	if slices.Contains(cfg.Sandbox.ReadTools, call.Tool) {
		return
	}
	for key, val := range call.Args {
		path, ok := val.(string)
		if !ok || path == "" || !r.sandbox.IsPathKey(key) {
			continue
		}
		var size int64
		if fi, err := os.Stat(path); err == nil {
			if fi.IsDir() {
				continue
			}
			size = fi.Size()
		}
		if !slices.Contains(rn.task.Context.Artifacts, path) {
			rn.task.Context.Artifacts = append(rn.task.Context.Artifacts, path)
		}
		err := r.plugins.Artifacts.Record(ctx, store.Artifact{
			TaskID: rn.task.ID, Step: n, Tool: call.Tool, Path: path, Size: size,
		})
		if err != nil {
			rn.logger.Warn("record artifact", "path", path, "error", err)
		}
	}
}

// reflect stores the step's reflection, asking the reasoner for one on
// reflection-interval steps that lack it, and feeds stagnation detection.
func (r *Runner) reflect(ctx context.Context, rn *run, cfg *config.Config, n int, d firewall.Decision) {
	text := d.ReflectionText()
	interval := cfg.Execution.ReflectionInterval
	onInterval := interval > 0 && n%interval == 0

	if text == "" && onInterval && ctx.Err() == nil {
		raw, err := r.callReasoner(ctx, rn, cfg, reflectionSystemPrompt, reflectionPrompt(rn.task))
		if err != nil {
			rn.logger.Warn("reflection call failed", "step", n, "error", err)
		} else {
			text = firewall.ParseDecision(raw).ReflectionText()
			if text == "" {
				text = clip(raw, 200)
			}
		}
	}

	if text != "" {
		rn.task.Context.AddReflection(fmt.Sprintf("Step %d: %s", n, text))
		if ev := r.stagnationDetector().Check(rn.task.ID, text); ev != nil {
			rn.bus.RecordStagnation(text)
			rn.task.Context.AddFinding(n, keyMetaStagnant, stagnationHint)
			rn.logger.Warn("stagnation detected", "step", n, "type", ev.Type, "detail", ev.Message)
		}
	}
	if onInterval {
		if summary := rn.bus.ApprovalSummary(); summary != "" {
			rn.task.Context.AddFinding(n, keyPreferences, summary)
		}
	}
}

func (r *Runner) updateStep(ctx context.Context, rn *run, step *store.Step) {
	if err := r.store.UpdateStep(context.WithoutCancel(ctx), step); err != nil {
		rn.logger.Error("persist step", "step", step.Sequence, "status", step.Status, "error", err)
	}
}

func (r *Runner) completeStep(ctx context.Context, rn *run, step *store.Step) {
	step.Status = store.StepCompleted
	now := time.Now().UTC()
	step.FinishedAt = &now
	r.updateStep(ctx, rn, step)
	r.metrics.RecordStep(ctx, string(step.Status))
}

func (r *Runner) failStep(ctx context.Context, step *store.Step, err error) {
	step.Status = store.StepFailed
	step.Error = err.Error()
	now := time.Now().UTC()
	step.FinishedAt = &now
	if uerr := r.store.UpdateStep(context.WithoutCancel(ctx), step); uerr != nil {
		r.logger.Error("persist failed step", "task_id", step.TaskID, "step", step.Sequence, "error", uerr)
	}
	r.metrics.RecordStep(ctx, string(step.Status))
}
