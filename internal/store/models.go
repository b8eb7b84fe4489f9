package store

import (
	"encoding/json"
	"time"

	"github.com/agentoverseer/overseer/internal/detection"
	"github.com/agentoverseer/overseer/internal/humangate"
	"github.com/agentoverseer/overseer/internal/perception"
	"github.com/agentoverseer/overseer/internal/tool"
)

// TaskStatus is the lifecycle of a task.
type TaskStatus string

const (
	TaskCreated   TaskStatus = "created"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskAborted   TaskStatus = "aborted"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether the task can no longer run.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskAborted
}

// Resumable reports whether Resume may pick the task up again.
func (s TaskStatus) Resumable() bool {
	return s == TaskPaused || s == TaskFailed || s == TaskCreated
}

// StepStatus is the lifecycle of a step.
type StepStatus string

const (
	StepPending         StepStatus = "pending"
	StepRunningReasoner StepStatus = "running_reasoner"
	StepRunningTool     StepStatus = "running_tool"
	StepAwaitingHuman   StepStatus = "awaiting_human"
	StepApproved        StepStatus = "approved"
	StepRejected        StepStatus = "rejected"
	StepCompleted       StepStatus = "completed"
	StepFailed          StepStatus = "failed"
)

// Terminal reports whether the step is immutable.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed
}

// Finding is one keyed observation merged into task context.
type Finding struct {
	Step  int    `json:"step"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

// maxFindingValue bounds a single finding's stored text.
const maxFindingValue = 4000

// TaskContext is the accumulated structured context of a task.
type TaskContext struct {
	Findings         []Finding   `json:"findings"`
	History          []string    `json:"history,omitempty"`
	Reflections      []string    `json:"reflections,omitempty"`
	FailedApproaches []string    `json:"failed_approaches,omitempty"`
	Artifacts        []string    `json:"artifacts,omitempty"`
	Checkpoint       *Checkpoint `json:"checkpoint,omitempty"`
}

// AddFinding appends a finding, truncating oversized values.
func (c *TaskContext) AddFinding(step int, key, value string) {
	if r := []rune(value); len(r) > maxFindingValue {
		value = string(r[:maxFindingValue]) + "...[truncated]"
	}
	c.Findings = append(c.Findings, Finding{Step: step, Key: key, Value: value})
}

// AddReflection appends a reflection.
func (c *TaskContext) AddReflection(text string) {
	c.Reflections = append(c.Reflections, text)
}

// AddHistory appends a one-line step summary.
func (c *TaskContext) AddHistory(line string) {
	c.History = append(c.History, line)
}

// Task is one user goal.
type Task struct {
	ID          string      `json:"id"`
	Goal        string      `json:"goal"`
	Status      TaskStatus  `json:"status"`
	Context     TaskContext `json:"context"`
	StepCount   int         `json:"step_count"`
	PauseReason string      `json:"pause_reason,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Step is one iteration of a task's loop.
type Step struct {
	ID            string          `json:"id"`
	TaskID        string          `json:"task_id"`
	Sequence      int             `json:"sequence"`
	Status        StepStatus      `json:"status"`
	Title         string          `json:"title,omitempty"`
	Prompt        string          `json:"prompt,omitempty"`
	RawResponse   string          `json:"raw_response,omitempty"`
	Decision      json.RawMessage `json:"decision,omitempty"`
	ToolCalls     []tool.Call     `json:"tool_calls,omitempty"`
	ToolResults   []tool.Result   `json:"tool_results,omitempty"`
	HumanDecision string          `json:"human_decision,omitempty"`
	HumanInput    string          `json:"human_input,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
}

// Memory is a persisted cross-task observation.
type Memory struct {
	ID           string    `json:"id"`
	Category     string    `json:"category"`
	Content      string    `json:"content"`
	Tags         []string  `json:"tags,omitempty"`
	SourceTaskID string    `json:"source_task_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Memory categories.
const (
	MemoryPreference = "preference"
	MemoryLesson     = "lesson"
)

// Artifact records a file a task produced.
type Artifact struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Step      int       `json:"step"`
	Tool      string    `json:"tool"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Checkpoint is everything needed to resume a task between steps.
type Checkpoint struct {
	Step       int                  `json:"step"`
	Reason     string               `json:"reason"`
	Loop       detection.LoopState  `json:"loop"`
	Perception perception.Snapshot  `json:"perception"`
	AbortStage humangate.AbortStage `json:"abort_stage"`
	// WrapUp is set once a wrap-up instruction has been merged.
	WrapUp bool `json:"wrap_up"`
	// CeilingReached is set once the step ceiling forced the final step.
	CeilingReached bool               `json:"ceiling_reached"`
	PendingHuman   *humangate.Request `json:"pending_human,omitempty"`
	// Fault is the kind of fault that forced the pause or failure, if any.
	Fault string `json:"fault,omitempty"`
	// Notes are corrective messages not yet shown to the reasoner.
	Notes     []string      `json:"notes,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
	CreatedAt time.Time     `json:"created_at"`
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status TaskStatus
	Limit  int
	Offset int
}

// AuditFilter narrows ListAuditEvents.
type AuditFilter struct {
	TaskID string
	Type   string
	Limit  int
}
