package killswitch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentoverseer/overseer/internal/audit"
)

func TestKillSwitch_GlobalPause(t *testing.T) {
	ks := New("", nil, nil)

	if paused, _ := ks.PauseRequested("task-1"); paused {
		t.Fatal("expected no pause initially")
	}

	ks.PauseAll("maintenance", SourceAPI)

	paused, msg := ks.PauseRequested("task-1")
	if !paused {
		t.Fatal("expected pause after global request")
	}
	if msg != "global pause requested: maintenance" {
		t.Errorf("message = %q", msg)
	}
	if paused, _ := ks.PauseRequested("task-99"); !paused {
		t.Fatal("expected every task paused after global request")
	}

	ks.ResetAll()
	if paused, _ := ks.PauseRequested("task-1"); paused {
		t.Fatal("expected no pause after reset")
	}
}

func TestKillSwitch_TaskPause(t *testing.T) {
	ks := New("", nil, nil)
	ks.PauseTask("task-1", "operator break", SourceCLI)

	paused, msg := ks.PauseRequested("task-1")
	if !paused {
		t.Fatal("expected task-1 paused")
	}
	if msg != "pause requested: operator break" {
		t.Errorf("message = %q", msg)
	}
	if paused, _ := ks.PauseRequested("task-2"); paused {
		t.Fatal("expected task-2 unaffected")
	}

	ks.ResetTask("task-1")
	if paused, _ := ks.PauseRequested("task-1"); paused {
		t.Fatal("expected task-1 cleared")
	}
}

func TestKillSwitch_GlobalTakesPrecedence(t *testing.T) {
	ks := New("", nil, nil)
	ks.PauseTask("task-1", "task reason", SourceAPI)
	ks.PauseAll("global reason", SourceAPI)

	_, msg := ks.PauseRequested("task-1")
	if msg != "global pause requested: global reason" {
		t.Errorf("expected global message, got %q", msg)
	}
}

func TestKillSwitch_HistoryStatusAndAudit(t *testing.T) {
	mem := &audit.MemorySink{}
	ks := New("", mem, nil)
	ks.PauseTask("task-1", "a", SourceAPI)
	ks.PauseAll("b", SourceCLI)

	if got := len(ks.History()); got != 2 {
		t.Fatalf("history = %d, want 2", got)
	}
	st := ks.Status()
	if st.Global == nil || st.Global.Reason != "b" {
		t.Errorf("status global = %+v", st.Global)
	}
	if _, ok := st.Tasks["task-1"]; !ok {
		t.Error("status missing task-1")
	}
	events := mem.OfType(audit.TypePauseRequested)
	if len(events) != 2 {
		t.Fatalf("audit events = %d, want 2", len(events))
	}
	if events[0].TaskID != "task-1" || events[0].Payload["scope"] != "task" {
		t.Errorf("first event = %+v", events[0])
	}
}

func TestKillSwitch_SentinelFile(t *testing.T) {
	dir := t.TempDir()
	ks := New(dir, nil, nil)

	ks.CheckSentinel()
	if paused, _ := ks.PauseRequested("t"); paused {
		t.Fatal("expected no pause without sentinel")
	}

	if err := os.WriteFile(filepath.Join(dir, SentinelName), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	ks.CheckSentinel()
	if paused, _ := ks.PauseRequested("t"); !paused {
		t.Fatal("expected pause with sentinel present")
	}

	if err := os.Remove(filepath.Join(dir, SentinelName)); err != nil {
		t.Fatal(err)
	}
	ks.CheckSentinel()
	if paused, _ := ks.PauseRequested("t"); paused {
		t.Fatal("expected file-sourced pause cleared when sentinel removed")
	}
}

func TestKillSwitch_SentinelRemovalKeepsAPIPause(t *testing.T) {
	ks := New(t.TempDir(), nil, nil)
	ks.PauseAll("manual", SourceAPI)
	ks.CheckSentinel()
	if paused, _ := ks.PauseRequested("t"); !paused {
		t.Fatal("missing sentinel must not clear a pause requested through the API")
	}
}

func TestKillSwitch_WatchSentinel(t *testing.T) {
	dir := t.TempDir()
	ks := New(dir, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ks.Watch(ctx); err != nil {
		t.Fatal(err)
	}
	defer ks.StopWatch()

	if err := os.WriteFile(filepath.Join(dir, SentinelName), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if paused, _ := ks.PauseRequested("t"); paused {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("sentinel write was not picked up")
}
