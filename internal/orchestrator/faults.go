package orchestrator

import (
	"errors"
	"fmt"
)

// FaultKind classifies everything that can interrupt a task. Every forced
// pause or failure carries exactly one kind.
type FaultKind string

const (
	FaultParse             FaultKind = "ParseFailure"
	FaultPathEscape        FaultKind = "PathEscapeError"
	FaultLoop              FaultKind = "LoopDetected"
	FaultToolExecution     FaultKind = "ToolExecutionError"
	FaultReasonerTransport FaultKind = "ReasonerTransportError"
	FaultHumanTimeout      FaultKind = "HumanTimeout"
	FaultStepCeiling       FaultKind = "StepCeilingReached"
	// FaultInternal covers storage and prompt-assembly failures.
	FaultInternal FaultKind = "InternalError"
)

// Fault is a classified error with the step it happened in.
type Fault struct {
	Kind   FaultKind
	TaskID string
	Step   int
	Err    error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s at step %d of task %s: %v", f.Kind, f.Step, f.TaskID, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// KindOf returns the fault kind carried by err, or "".
func KindOf(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

var (
	// ErrTaskFinished is returned when running a completed or aborted task.
	ErrTaskFinished = errors.New("task already finished")
	// ErrAlreadyRunning is returned when a task is started twice.
	ErrAlreadyRunning = errors.New("task already running")
)
