// Package killswitch carries pause requests from outside a task's loop. A
// request is honoured at the next step boundary, never mid tool call, and
// lives outside the reasoner's context so nothing the model says can undo it.
package killswitch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentoverseer/overseer/internal/audit"
)

// Scope determines what a pause request affects.
type Scope string

const (
	ScopeGlobal Scope = "global" // every running task
	ScopeTask   Scope = "task"   // one task
)

// Source values.
const (
	SourceAPI  = "api"
	SourceCLI  = "cli"
	SourceFile = "file"
)

// SentinelName is the file whose presence pauses every task.
const SentinelName = "PAUSE"

// TriggerRecord logs who asked for a pause and when.
type TriggerRecord struct {
	Scope     Scope     `json:"scope"`
	TaskID    string    `json:"task_id,omitempty"`
	Reason    string    `json:"reason"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// KillSwitch holds pending pause requests. Safe for concurrent use.
type KillSwitch struct {
	mu sync.RWMutex

	global    *TriggerRecord
	taskPause map[string]TriggerRecord
	history   []TriggerRecord

	sentinel string
	sink     audit.Sink
	watcher  *fsnotify.Watcher
	done     chan struct{}

	logger *slog.Logger
}

// New creates a KillSwitch. dataDir holds the sentinel file; empty disables
// it. sink may be nil.
func New(dataDir string, sink audit.Sink, logger *slog.Logger) *KillSwitch {
	if logger == nil {
		logger = slog.Default()
	}
	ks := &KillSwitch{
		taskPause: make(map[string]TriggerRecord),
		sink:      sink,
		logger:    logger.With("component", "killswitch.KillSwitch"),
	}
	if dataDir != "" {
		ks.sentinel = filepath.Join(dataDir, SentinelName)
	}
	return ks
}

// SentinelPath returns the watched sentinel file, or "".
func (ks *KillSwitch) SentinelPath() string { return ks.sentinel }

// PauseRequested reports whether taskID should stop at its next step
// boundary, and why. Global requests take precedence.
func (ks *KillSwitch) PauseRequested(taskID string) (bool, string) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	if ks.global != nil {
		return true, fmt.Sprintf("global pause requested: %s", ks.global.Reason)
	}
	if rec, ok := ks.taskPause[taskID]; ok {
		return true, fmt.Sprintf("pause requested: %s", rec.Reason)
	}
	return false, ""
}

// PauseAll requests a pause of every running task.
func (ks *KillSwitch) PauseAll(reason, source string) {
	rec := TriggerRecord{Scope: ScopeGlobal, Reason: reason, Source: source, Timestamp: time.Now().UTC()}
	ks.mu.Lock()
	ks.global = &rec
	ks.history = append(ks.history, rec)
	ks.mu.Unlock()

	ks.logger.Warn("global pause requested", "reason", reason, "source", source)
	ks.emit(rec)
}

// PauseTask requests a pause of one task.
func (ks *KillSwitch) PauseTask(taskID, reason, source string) {
	rec := TriggerRecord{Scope: ScopeTask, TaskID: taskID, Reason: reason, Source: source, Timestamp: time.Now().UTC()}
	ks.mu.Lock()
	ks.taskPause[taskID] = rec
	ks.history = append(ks.history, rec)
	ks.mu.Unlock()

	ks.logger.Warn("task pause requested", "task_id", taskID, "reason", reason, "source", source)
	ks.emit(rec)
}

// ResetAll clears the global request.
func (ks *KillSwitch) ResetAll() {
	ks.mu.Lock()
	ks.global = nil
	ks.mu.Unlock()
	ks.logger.Info("global pause cleared")
}

// ResetTask clears a task's request, typically when it is resumed.
func (ks *KillSwitch) ResetTask(taskID string) {
	ks.mu.Lock()
	_, had := ks.taskPause[taskID]
	delete(ks.taskPause, taskID)
	ks.mu.Unlock()
	if had {
		ks.logger.Info("task pause cleared", "task_id", taskID)
	}
}

// Status is a point-in-time view for the API.
type Status struct {
	Global       *TriggerRecord           `json:"global,omitempty"`
	Tasks        map[string]TriggerRecord `json:"tasks"`
	HistoryCount int                      `json:"history_count"`
}

// Status returns the current requests.
func (ks *KillSwitch) Status() Status {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	st := Status{Tasks: make(map[string]TriggerRecord, len(ks.taskPause)), HistoryCount: len(ks.history)}
	if ks.global != nil {
		g := *ks.global
		st.Global = &g
	}
	for k, v := range ks.taskPause {
		st.Tasks[k] = v
	}
	return st
}

// History returns every request made, oldest first.
func (ks *KillSwitch) History() []TriggerRecord {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make([]TriggerRecord, len(ks.history))
	copy(out, ks.history)
	return out
}

// CheckSentinel applies the sentinel file: present requests a global pause,
// absent clears a global pause that the file itself requested.
func (ks *KillSwitch) CheckSentinel() {
	if ks.sentinel == "" {
		return
	}
	_, err := os.Stat(ks.sentinel)
	present := err == nil

	ks.mu.RLock()
	fromFile := ks.global != nil && ks.global.Source == SourceFile
	active := ks.global != nil
	ks.mu.RUnlock()

	switch {
	case present && !active:
		ks.PauseAll("PAUSE sentinel file detected", SourceFile)
	case !present && fromFile:
		ks.ResetAll()
	}
}

// Watch applies sentinel changes as they happen until ctx is done or
// StopWatch is called. The data directory must exist.
func (ks *KillSwitch) Watch(ctx context.Context) error {
	if ks.sentinel == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create sentinel watcher: %w", err)
	}
	dir := filepath.Dir(ks.sentinel)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	ks.mu.Lock()
	if ks.watcher != nil {
		ks.mu.Unlock()
		w.Close()
		return fmt.Errorf("sentinel watch already running")
	}
	ks.watcher = w
	ks.done = make(chan struct{})
	done := ks.done
	ks.mu.Unlock()

	ks.CheckSentinel()
	go ks.watchLoop(ctx, w, done)
	ks.logger.Info("watching pause sentinel", "path", ks.sentinel)
	return nil
}

func (ks *KillSwitch) watchLoop(ctx context.Context, w *fsnotify.Watcher, done chan struct{}) {
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == ks.sentinel {
				ks.CheckSentinel()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			ks.logger.Error("sentinel watcher error", "error", err)
		}
	}
}

// StopWatch stops a running Watch.
func (ks *KillSwitch) StopWatch() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.done != nil {
		close(ks.done)
		ks.done = nil
		ks.watcher = nil
	}
}

func (ks *KillSwitch) emit(rec TriggerRecord) {
	if ks.sink == nil {
		return
	}
	ev := audit.Event{
		Type:      audit.TypePauseRequested,
		TaskID:    rec.TaskID,
		Component: "killswitch",
		Payload: map[string]any{
			"scope":  string(rec.Scope),
			"reason": rec.Reason,
			"source": rec.Source,
		},
	}
	if err := ks.sink.Emit(context.Background(), ev); err != nil {
		ks.logger.Error("emit pause audit event", "error", err)
	}
}
