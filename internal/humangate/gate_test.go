package humangate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoverseer/overseer/internal/audit"
	"github.com/agentoverseer/overseer/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestGate(t *testing.T) (*Gate, *audit.MemorySink) {
	t.Helper()
	mem := &audit.MemorySink{}
	return NewGate(config.DefaultConfig().Human, mem, nil, testLogger()), mem
}

func TestGate_ResolveReleasesWaiter(t *testing.T) {
	g, mem := newTestGate(t)
	ctx := context.Background()
	h := g.Request(ctx, Request{TaskID: "t1", Reason: "approve file_write", Options: []string{"Approve", "Reject"}})
	assert.Equal(t, StateWaiting, h.State())
	require.Len(t, g.Pending(), 1)

	var got Response
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		got = g.Wait(ctx, h, time.Second)
	}()

	_, err := g.Resolve(ctx, h.ID(), "  Approve! ")
	require.NoError(t, err)
	wg.Wait()

	assert.Equal(t, IntentApprove, got.Intent.Kind)
	assert.True(t, got.Approved())
	assert.False(t, got.TimedOut)
	assert.Equal(t, StateResolved, h.State())
	assert.Empty(t, g.Pending())
	assert.Len(t, mem.OfType(audit.TypeGateRequested), 1)
	assert.Len(t, mem.OfType(audit.TypeGateResolved), 1)
}

func TestGate_ResolveBeforeWait(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()
	h := g.Request(ctx, Request{TaskID: "t"})
	_, err := g.Resolve(ctx, h.ID(), "no")
	require.NoError(t, err)

	resp := g.Wait(ctx, h, time.Second)
	assert.Equal(t, IntentReject, resp.Intent.Kind)
}

func TestGate_TimeoutYieldsAbort(t *testing.T) {
	g, mem := newTestGate(t)
	ctx := context.Background()
	h := g.Request(ctx, Request{TaskID: "t"})

	resp := g.Wait(ctx, h, 20*time.Millisecond)
	assert.Equal(t, IntentAbort, resp.Intent.Kind)
	assert.True(t, resp.TimedOut)
	assert.Equal(t, StateTimedOut, h.State())
	assert.Empty(t, g.Pending())
	assert.Len(t, mem.OfType(audit.TypeGateTimedOut), 1)

	_, err := g.Resolve(ctx, h.ID(), "approve")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestGate_CancelledContextYieldsAbort(t *testing.T) {
	g, _ := newTestGate(t)
	ctx, cancel := context.WithCancel(context.Background())
	h := g.Request(ctx, Request{TaskID: "t"})
	cancel()

	resp := g.Wait(ctx, h, time.Minute)
	assert.Equal(t, IntentAbort, resp.Intent.Kind)
	assert.True(t, resp.Cancelled)
	assert.False(t, resp.TimedOut)
}

func TestGate_ResolveUnknown(t *testing.T) {
	g, _ := newTestGate(t)
	_, err := g.Resolve(context.Background(), "nope", "approve")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestGate_WaitBlocksOnlyOwner(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()
	slow := g.Request(ctx, Request{TaskID: "slow"})
	fast := g.Request(ctx, Request{TaskID: "fast"})

	done := make(chan Response, 1)
	go func() { done <- g.Wait(ctx, fast, time.Second) }()
	go g.Wait(ctx, slow, 200*time.Millisecond)

	_, err := g.Resolve(ctx, fast.ID(), "yes")
	require.NoError(t, err)
	select {
	case resp := <-done:
		assert.True(t, resp.Approved())
	case <-time.After(time.Second):
		t.Fatal("fast task stayed blocked behind slow task")
	}
}

func TestGate_Subscribe(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()
	ch, cancel := g.Subscribe(4)
	defer cancel()

	h := g.Request(ctx, Request{TaskID: "t", Reason: "why"})
	_, err := g.Resolve(ctx, h.ID(), "abort")
	require.NoError(t, err)

	n := <-ch
	assert.Equal(t, NoticeRequested, n.Type)
	assert.Equal(t, "why", n.Request.Reason)
	n = <-ch
	assert.Equal(t, NoticeResolved, n.Type)
	require.NotNil(t, n.Response)
	assert.Equal(t, IntentAbort, n.Response.Intent.Kind)

	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestGate_RequestKeepsRestoredID(t *testing.T) {
	g, _ := newTestGate(t)
	h := g.Request(context.Background(), Request{ID: "REQ1", TaskID: "t"})
	assert.Equal(t, "REQ1", h.ID())
	got, ok := g.Get("REQ1")
	require.True(t, ok)
	assert.Equal(t, "t", got.TaskID)
}
