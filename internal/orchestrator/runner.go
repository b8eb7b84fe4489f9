// Package orchestrator drives tasks through the step loop: prompt, reason,
// evaluate, consult a human when the firewall says so, act, record, and
// decide whether to continue, pause or finish.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentoverseer/overseer/internal/alert"
	"github.com/agentoverseer/overseer/internal/audit"
	"github.com/agentoverseer/overseer/internal/config"
	"github.com/agentoverseer/overseer/internal/detection"
	"github.com/agentoverseer/overseer/internal/firewall"
	"github.com/agentoverseer/overseer/internal/humangate"
	"github.com/agentoverseer/overseer/internal/killswitch"
	"github.com/agentoverseer/overseer/internal/perception"
	"github.com/agentoverseer/overseer/internal/plugin"
	"github.com/agentoverseer/overseer/internal/sandbox"
	"github.com/agentoverseer/overseer/internal/sanitize"
	"github.com/agentoverseer/overseer/internal/store"
	"github.com/agentoverseer/overseer/internal/telemetry"
	"github.com/agentoverseer/overseer/internal/tool"
)

// Pause and failure reasons recorded on the task.
const (
	ReasonStepCeiling  = "step ceiling reached"
	ReasonInterrupted  = "interrupted"
	ReasonAwaitHuman   = "awaiting human"
	ReasonHumanPending = "interrupted while awaiting human"
)

// TaskStore is the persistence the loop needs.
type TaskStore interface {
	CreateTask(ctx context.Context, t *store.Task) error
	GetTask(ctx context.Context, id string) (*store.Task, error)
	UpdateTask(ctx context.Context, t *store.Task) error
	InsertStep(ctx context.Context, st *store.Step) error
	UpdateStep(ctx context.Context, st *store.Step) error
}

// Deps are the Runner's collaborators. Pauses, Alerts, Audit and Metrics may
// be nil.
type Deps struct {
	Config   *config.Config
	Store    TaskStore
	Plugins  plugin.Set
	Firewall *firewall.Engine
	Sandbox  *sandbox.Sandbox
	Gate     *humangate.Gate
	Pauses   *killswitch.KillSwitch
	Alerts   *alert.Manager
	Audit    audit.Sink
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

// Outcome is how a Run ended.
type Outcome struct {
	TaskID string           `json:"task_id"`
	Status store.TaskStatus `json:"status"`
	Reason string           `json:"reason,omitempty"`
	Fault  FaultKind        `json:"fault,omitempty"`
	Steps  int              `json:"steps"`
}

// Runner executes tasks. One Runner serves many concurrent tasks; per-task
// state lives in the run value owned by each Run call.
type Runner struct {
	mu  sync.RWMutex
	cfg *config.Config

	store      TaskStore
	plugins    plugin.Set
	firewall   *firewall.Engine
	sandbox    *sandbox.Sandbox
	gate       *humangate.Gate
	pauses     *killswitch.KillSwitch
	alerts     *alert.Manager
	audit      audit.Sink
	metrics    *telemetry.Metrics
	stagnation *detection.StagnationDetector
	screen     *sanitize.Scanner
	logger     *slog.Logger
}

// New validates deps and creates a Runner.
func New(d Deps) (*Runner, error) {
	var missing []error
	if d.Config == nil {
		missing = append(missing, errors.New("config"))
	}
	if d.Store == nil {
		missing = append(missing, errors.New("store"))
	}
	if d.Firewall == nil {
		missing = append(missing, errors.New("firewall"))
	}
	if d.Sandbox == nil {
		missing = append(missing, errors.New("sandbox"))
	}
	if d.Gate == nil {
		missing = append(missing, errors.New("human gate"))
	}
	if d.Plugins.Reasoner == nil || d.Plugins.Tools == nil || d.Plugins.Context == nil ||
		d.Plugins.Memory == nil || d.Plugins.Artifacts == nil {
		missing = append(missing, plugin.ErrMissingCapability)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("orchestrator: missing dependencies: %w", errors.Join(missing...))
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := d.Audit
	if sink == nil {
		sink = audit.Discard
	}
	return &Runner{
		cfg:        d.Config,
		store:      d.Store,
		plugins:    d.Plugins,
		firewall:   d.Firewall,
		sandbox:    d.Sandbox,
		gate:       d.Gate,
		pauses:     d.Pauses,
		alerts:     d.Alerts,
		audit:      sink,
		metrics:    d.Metrics,
		stagnation: detection.NewStagnationDetector(d.Config.Stagnation),
		screen:     sanitize.New(d.Config.Screening, logger),
		logger:     logger.With("component", "orchestrator.Runner"),
	}, nil
}

// ApplyConfig swaps the configuration used by subsequent steps.
func (r *Runner) ApplyConfig(cfg *config.Config) {
	r.mu.Lock()
	r.cfg = cfg
	r.stagnation = detection.NewStagnationDetector(cfg.Stagnation)
	r.screen = sanitize.New(cfg.Screening, r.logger)
	r.mu.Unlock()
}

func (r *Runner) config() *config.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

func (r *Runner) stagnationDetector() *detection.StagnationDetector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stagnation
}

func (r *Runner) screener() *sanitize.Scanner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.screen
}

// Create persists a new task in the created state.
func (r *Runner) Create(ctx context.Context, goal string) (*store.Task, error) {
	if goal == "" {
		return nil, errors.New("create task: empty goal")
	}
	t := &store.Task{Goal: goal, Status: store.TaskCreated}
	if err := r.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	r.emitStatus(ctx, t, "")
	r.logger.Info("task created", "task_id", t.ID)
	return t, nil
}

// run is the per-task state of one Run call.
type run struct {
	task     *store.Task
	bus      *perception.Bus
	abort    *humangate.AbortTracker
	tools    []tool.Spec
	memories []string
	notes    []string

	// limit is the last step before the ceiling wrap-up step.
	limit          int
	wrapUp         bool
	ceilingReached bool
	// softStopStep is the step in which a soft stop was requested.
	softStopStep int

	started       time.Time
	elapsedOffset time.Duration
	logger        *slog.Logger
}

func (rn *run) elapsed() time.Duration {
	return rn.elapsedOffset + time.Since(rn.started)
}

// Run drives a task until it completes, aborts, pauses or fails. A task with
// a checkpoint is resumed from it. The returned error is non-nil only when
// the task could not be started at all.
func (r *Runner) Run(ctx context.Context, taskID string) (Outcome, error) {
	cfg := r.config()
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if task.Status.Terminal() {
		return Outcome{}, fmt.Errorf("run task %s (%s): %w", taskID, task.Status, ErrTaskFinished)
	}

	logger := r.logger.With("task_id", task.ID)
	rn := &run{
		task:    task,
		bus:     perception.NewBus(cfg.Confidence.WindowSize, logger),
		abort:   humangate.NewAbortTracker(),
		limit:   task.StepCount + cfg.Execution.MaxSteps,
		started: time.Now(),
		logger:  logger,
	}
	if r.pauses != nil {
		r.pauses.ResetTask(task.ID)
	}

	tools, err := r.plugins.Tools.ListTools(ctx)
	if err == nil {
		err = r.firewall.RegisterTools(tools)
	}
	if err != nil {
		return r.fail(ctx, rn, fmt.Sprintf("tool discovery failed: %v", err), FaultInternal), nil
	}
	rn.tools = tools
	rn.memories = r.recallMemories(ctx, rn)

	cp := task.Context.Checkpoint
	var pending *humangate.Request
	if cp != nil {
		rn.bus.Restore(cp.Perception)
		r.firewall.RestoreLoopState(task.ID, cp.Loop)
		rn.abort.Restore(cp.AbortStage)
		rn.notes = cp.Notes
		rn.elapsedOffset = cp.Elapsed
		if cp.AbortStage == humangate.AbortSoft && cp.WrapUp {
			rn.wrapUp = true
			rn.softStopStep = task.StepCount
		}
		pending = cp.PendingHuman
	}

	task.Status = store.TaskRunning
	task.PauseReason = ""
	if err := r.store.UpdateTask(ctx, task); err != nil {
		return Outcome{}, fmt.Errorf("mark task %s running: %w", task.ID, err)
	}
	r.emitStatus(ctx, task, "")
	logger.Info("task running", "step_count", task.StepCount, "resumed", cp != nil)

	if cp != nil {
		var answer string
		if pending != nil {
			out, stop, text := r.awaitRestored(ctx, rn, *pending)
			if stop {
				return out, nil
			}
			answer = text
		}
		reason := cp.Reason
		if reason == "" {
			reason = ReasonInterrupted
		}
		task.Context.AddFinding(task.StepCount, keyResumed, resumeText(reason, task.StepCount, answer))
	}

	for {
		if out, stop := r.boundary(ctx, rn); stop {
			return out, nil
		}
		if out, stop := r.runStep(ctx, rn, rn.task.StepCount+1); stop {
			return out, nil
		}
	}
}

// boundary applies pause requests and the step ceiling before a step.
func (r *Runner) boundary(ctx context.Context, rn *run) (Outcome, bool) {
	if r.pauses != nil {
		if paused, why := r.pauses.PauseRequested(rn.task.ID); paused {
			return r.pause(ctx, rn, why, "", nil), true
		}
	}
	if ctx.Err() != nil {
		return r.pause(ctx, rn, ReasonInterrupted, "", nil), true
	}

	maxSteps := r.config().Execution.MaxSteps
	if maxSteps <= 0 {
		return Outcome{}, false
	}
	next := rn.task.StepCount + 1
	switch {
	case rn.ceilingReached && next > rn.limit+1:
		rn.logger.Warn("wrap-up step did not complete the task, pausing", "limit", rn.limit)
		return r.pause(ctx, rn, ReasonStepCeiling, FaultStepCeiling, nil), true
	case !rn.ceilingReached && next > rn.limit:
		rn.ceilingReached = true
		rn.wrapUp = true
		rn.task.Context.AddFinding(rn.task.StepCount, keyStepLimit, stepLimitText(maxSteps))
		rn.logger.Warn("step ceiling reached, wrap-up instruction merged", "max_steps", maxSteps)
	}
	return Outcome{}, false
}

// awaitRestored re-registers a human request saved in a checkpoint and
// waits for it. It returns the decision text to merge, or stops the run.
func (r *Runner) awaitRestored(ctx context.Context, rn *run, req humangate.Request) (Outcome, bool, string) {
	h := r.gate.Request(ctx, req)
	resp := r.gate.Wait(ctx, h, r.config().Human.Timeout)
	if resp.Cancelled {
		return r.pause(ctx, rn, ReasonHumanPending, "", &req), true, ""
	}
	switch r.applyAbort(rn, resp, rn.task.StepCount) {
	case humangate.AbortForce:
		return r.finish(ctx, rn, store.TaskAborted, abortReason(resp), timeoutFault(resp)), true, ""
	case humangate.AbortSoft:
		rn.task.Context.AddFinding(rn.task.StepCount, keyStopRequest, humangate.SoftStopInstruction)
	}
	return Outcome{}, false, humangate.DecisionText(resp)
}

// applyAbort feeds a response to the abort tracker and updates the wrap-up
// state. A non-abort answer cancels a pending soft stop.
func (r *Runner) applyAbort(rn *run, resp humangate.Response, step int) humangate.AbortStage {
	stage := rn.abort.Observe(resp)
	switch stage {
	case humangate.AbortSoft:
		rn.wrapUp = true
		rn.softStopStep = step
	case humangate.AbortNone:
		if rn.softStopStep > 0 {
			rn.softStopStep = 0
			rn.wrapUp = rn.ceilingReached
		}
	}
	if resp.TimedOut {
		rn.logger.Warn("human response timed out", "fault", FaultHumanTimeout, "stage", stage.String())
	}
	return stage
}

func abortReason(resp humangate.Response) string {
	if resp.TimedOut {
		return "human response timed out while a stop was pending"
	}
	return "aborted by user"
}

func timeoutFault(resp humangate.Response) FaultKind {
	if resp.TimedOut {
		return FaultHumanTimeout
	}
	return ""
}

func (r *Runner) recallMemories(ctx context.Context, rn *run) []string {
	if r.plugins.Recall == nil {
		return nil
	}
	mems, err := r.plugins.Recall.ListMemories(ctx, "", 5)
	if err != nil {
		rn.logger.Warn("recall memories", "error", err)
		return nil
	}
	out := make([]string, 0, len(mems))
	for _, m := range mems {
		out = append(out, fmt.Sprintf("[%s] %s", m.Category, m.Content))
	}
	return out
}
