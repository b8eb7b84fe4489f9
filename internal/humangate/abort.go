package humangate

import "sync"

// AbortStage is the escalation stage of a task's stop requests.
type AbortStage int

const (
	AbortNone AbortStage = iota
	// AbortSoft asks the reasoner to wrap up within one more step.
	AbortSoft
	// AbortForce terminates the task immediately.
	AbortForce
)

func (s AbortStage) String() string {
	switch s {
	case AbortSoft:
		return "soft"
	case AbortForce:
		return "force"
	default:
		return "none"
	}
}

// AbortTracker counts consecutive stop requests for one task. The first
// ABORT is a soft stop; a second consecutive ABORT, or a timeout while a soft
// stop is pending, forces termination. Any other intent clears the streak.
type AbortTracker struct {
	mu    sync.Mutex
	stage AbortStage
}

// NewAbortTracker returns a tracker at AbortNone.
func NewAbortTracker() *AbortTracker {
	return &AbortTracker{}
}

// Observe folds a response into the tracker and returns the resulting stage.
func (t *AbortTracker) Observe(r Response) AbortStage {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r.Intent.Kind != IntentAbort {
		t.stage = AbortNone
		return t.stage
	}
	if t.stage >= AbortSoft {
		t.stage = AbortForce
	} else {
		t.stage = AbortSoft
	}
	return t.stage
}

// Stage returns the current stage.
func (t *AbortTracker) Stage() AbortStage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stage
}

// Restore sets the stage, e.g. from a checkpoint.
func (t *AbortTracker) Restore(s AbortStage) {
	t.mu.Lock()
	t.stage = s
	t.mu.Unlock()
}

// Reset returns the tracker to AbortNone.
func (t *AbortTracker) Reset() { t.Restore(AbortNone) }
