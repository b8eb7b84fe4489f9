package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/agentoverseer/overseer/internal/alert"
	"github.com/agentoverseer/overseer/internal/audit"
	"github.com/agentoverseer/overseer/internal/humangate"
	"github.com/agentoverseer/overseer/internal/store"
)

// Implicit preference thresholds.
const (
	prefMinSamples     = 3
	prefAvoidRate      = 0.7
	prefTrustRate      = 0.1
	prefTrustMinSample = 5
	prefTag            = "implicit_preference"
)

// checkpoint persists the task with enough state to resume it between
// steps. Persistence outlives a cancelled ctx.
func (r *Runner) checkpoint(ctx context.Context, rn *run, reason string, fault FaultKind, pending *humangate.Request) {
	task := rn.task
	task.Context.Checkpoint = &store.Checkpoint{
		Step:           task.StepCount,
		Reason:         reason,
		Loop:           r.firewall.LoopState(task.ID),
		Perception:     rn.bus.Snapshot(),
		AbortStage:     rn.abort.Stage(),
		WrapUp:         rn.wrapUp,
		CeilingReached: rn.ceilingReached,
		PendingHuman:   pending,
		Fault:          string(fault),
		Notes:          slices.Clone(rn.notes),
		Elapsed:        rn.elapsed(),
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.store.UpdateTask(context.WithoutCancel(ctx), task); err != nil {
		rn.logger.Error("persist checkpoint", "reason", reason, "error", err)
	}
}

// pause stops the run resumably.
func (r *Runner) pause(ctx context.Context, rn *run, reason string, fault FaultKind, pending *humangate.Request) Outcome {
	r.checkpoint(ctx, rn, reason, fault, pending)
	return r.settle(ctx, rn, store.TaskPaused, reason, fault)
}

// fail stops the run on an unrecoverable fault. The checkpoint is kept so
// the task can be resumed once the cause is fixed.
func (r *Runner) fail(ctx context.Context, rn *run, reason string, fault FaultKind) Outcome {
	rn.logger.Error("task failed", "reason", reason, "fault", fault)
	r.checkpoint(ctx, rn, reason, fault, nil)
	return r.settle(ctx, rn, store.TaskFailed, reason, fault)
}

// finish ends the task for good: completed or aborted.
func (r *Runner) finish(ctx context.Context, rn *run, status store.TaskStatus, reason string, fault FaultKind) Outcome {
	rn.task.Context.Checkpoint = nil
	r.firewall.ResetLoop(rn.task.ID)
	r.stagnationDetector().ResetTask(rn.task.ID)
	return r.settle(ctx, rn, status, reason, fault)
}

func (r *Runner) settle(ctx context.Context, rn *run, status store.TaskStatus, reason string, fault FaultKind) Outcome {
	ctx = context.WithoutCancel(ctx)
	task := rn.task
	task.Status = status
	task.PauseReason = ""
	if status == store.TaskPaused || status == store.TaskFailed {
		task.PauseReason = reason
	}
	if err := r.store.UpdateTask(ctx, task); err != nil {
		rn.logger.Error("persist task status", "status", status, "error", err)
	}
	r.emitStatus(ctx, task, reason)
	r.persistPreferences(ctx, rn)
	r.alerts.Send(alert.TaskFinished(task.ID, string(status), reason))
	rn.logger.Info("task stopped", "status", status, "reason", reason, "steps", task.StepCount)
	return Outcome{TaskID: task.ID, Status: status, Reason: reason, Fault: fault, Steps: task.StepCount}
}

// persistPreferences turns strong approval patterns into memories so later
// tasks see them.
func (r *Runner) persistPreferences(ctx context.Context, rn *run) {
	stats := rn.bus.Stats()
	for _, name := range stats.Tools() {
		approved, rejected := stats.Approvals[name], stats.Rejections[name]
		total := approved + rejected
		if total < prefMinSamples {
			continue
		}
		rate := float64(rejected) / float64(total)
		var content string
		switch {
		case rate >= prefAvoidRate:
			content = fmt.Sprintf("User tends to reject '%s' (%d/%d rejected). Avoid it or explain why it is needed.", name, rejected, total)
		case rate <= prefTrustRate && total >= prefTrustMinSample:
			content = fmt.Sprintf("User approves '%s' readily (%d/%d approved).", name, approved, total)
		default:
			continue
		}
		if r.hasPreference(ctx, name) {
			continue
		}
		err := r.plugins.Memory.Save(ctx, store.Memory{
			Category:     store.MemoryPreference,
			Content:      content,
			Tags:         []string{prefTag, name},
			SourceTaskID: rn.task.ID,
		})
		if err != nil {
			rn.logger.Warn("save preference", "tool", name, "error", err)
			continue
		}
		rn.logger.Info("preference saved", "tool", name, "reject_rate", rate)
	}
}

func (r *Runner) hasPreference(ctx context.Context, toolName string) bool {
	if r.plugins.Recall == nil {
		return false
	}
	mems, err := r.plugins.Recall.ListMemories(ctx, store.MemoryPreference, 100)
	if err != nil {
		return false
	}
	for _, m := range mems {
		if slices.Contains(m.Tags, prefTag) && slices.Contains(m.Tags, toolName) {
			return true
		}
	}
	return false
}

func (r *Runner) emitStatus(ctx context.Context, t *store.Task, reason string) {
	payload := map[string]any{"status": string(t.Status), "step": t.StepCount}
	if reason != "" {
		payload["reason"] = reason
	}
	r.emit(ctx, audit.Event{Type: audit.TypeTaskStatus, TaskID: t.ID, Component: "orchestrator", Payload: payload})
}

func (r *Runner) emit(ctx context.Context, ev audit.Event) {
	if err := r.audit.Emit(context.WithoutCancel(ctx), ev); err != nil {
		r.logger.Error("emit audit event", "type", ev.Type, "task_id", ev.TaskID, "error", err)
	}
}
