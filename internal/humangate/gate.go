// Package humangate is the suspend/resume channel to a human operator. A
// task's goroutine issues a request, blocks on its handle until a response
// arrives or the timeout fires, and gets back a parsed intent.
package humangate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentoverseer/overseer/internal/alert"
	"github.com/agentoverseer/overseer/internal/audit"
	"github.com/agentoverseer/overseer/internal/config"
	"github.com/agentoverseer/overseer/internal/telemetry"
	"github.com/agentoverseer/overseer/internal/tool"
)

var (
	// ErrNotFound is returned when resolving an unknown request.
	ErrNotFound = errors.New("human request not found")
	// ErrAlreadyResolved is returned when a request is no longer waiting.
	ErrAlreadyResolved = errors.New("human request already resolved")
)

// State is the lifecycle of a single request.
type State string

const (
	StateIdle     State = "idle"
	StateWaiting  State = "waiting"
	StateResolved State = "resolved"
	StateTimedOut State = "timed_out"
)

// Request describes what the human is being asked.
type Request struct {
	ID      string      `json:"id"`
	TaskID  string      `json:"task_id"`
	Step    int         `json:"step"`
	Reason  string      `json:"reason"`
	Options []string    `json:"options,omitempty"`
	Calls   []tool.Call `json:"calls,omitempty"`
	// Preview asks the client to show the full calls before approval.
	Preview   bool      `json:"preview"`
	CreatedAt time.Time `json:"created_at"`
}

// Response is the outcome of a request.
type Response struct {
	RequestID string        `json:"request_id"`
	Intent    Intent        `json:"intent"`
	Elapsed   time.Duration `json:"elapsed"`
	TimedOut  bool          `json:"timed_out,omitempty"`
	Cancelled bool          `json:"cancelled,omitempty"`
}

// Approved reports whether the response lets the pending calls run.
func (r Response) Approved() bool { return r.Intent.Kind == IntentApprove }

// Handle is a pending request owned by one waiting goroutine.
type Handle struct {
	req  Request
	done chan struct{}

	mu    sync.Mutex
	state State
	resp  Response
}

// Request returns the request this handle tracks.
func (h *Handle) Request() Request { return h.req }

// ID returns the request ID.
func (h *Handle) ID() string { return h.req.ID }

// State returns the current state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// settle moves a waiting handle to a terminal state exactly once.
func (h *Handle) settle(state State, resp Response) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateWaiting {
		return false
	}
	h.state = state
	h.resp = resp
	close(h.done)
	return true
}

// NoticeType labels a gate notification.
type NoticeType string

const (
	NoticeRequested NoticeType = "requested"
	NoticeResolved  NoticeType = "resolved"
	NoticeTimedOut  NoticeType = "timed_out"
)

// Notice is broadcast to subscribers on every state change.
type Notice struct {
	Type     NoticeType `json:"type"`
	Request  Request    `json:"request"`
	Response *Response  `json:"response,omitempty"`
}

// Gate manages pending human requests across all tasks.
type Gate struct {
	mu      sync.RWMutex
	pending map[string]*Handle // requestID → handle
	parser  *Parser
	timeout time.Duration

	subMu  sync.Mutex
	subs   map[int]chan Notice
	nextID int

	sink    audit.Sink
	alerts  *alert.Manager
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewGate creates a Gate. sink, alerts and logger may be nil.
func NewGate(cfg config.HumanConfig, sink audit.Sink, alerts *alert.Manager, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.Discard
	}
	return &Gate{
		pending: make(map[string]*Handle),
		parser:  NewParser(cfg),
		timeout: cfg.Timeout,
		subs:    make(map[int]chan Notice),
		sink:    sink,
		alerts:  alerts,
		logger:  logger.With("component", "humangate.Gate"),
	}
}

// SetMetrics attaches metric instruments.
func (g *Gate) SetMetrics(m *telemetry.Metrics) {
	g.mu.Lock()
	g.metrics = m
	g.mu.Unlock()
}

// ApplyConfig swaps keyword sets and the default timeout.
func (g *Gate) ApplyConfig(cfg config.HumanConfig) {
	g.mu.Lock()
	g.parser = NewParser(cfg)
	g.timeout = cfg.Timeout
	g.mu.Unlock()
}

// DefaultTimeout returns the configured wait timeout.
func (g *Gate) DefaultTimeout() time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.timeout
}

// ParseIntent classifies a raw response with the current keyword sets.
func (g *Gate) ParseIntent(raw string) Intent {
	g.mu.RLock()
	p := g.parser
	g.mu.RUnlock()
	return p.Parse(raw)
}

// Request registers a new request in WAITING state and returns immediately.
// A request with an empty ID gets a fresh ULID; a non-empty ID re-registers a
// request restored from a checkpoint.
func (g *Gate) Request(ctx context.Context, req Request) *Handle {
	if req.ID == "" {
		req.ID = ulid.Make().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	h := &Handle{req: req, done: make(chan struct{}), state: StateWaiting}

	g.mu.Lock()
	g.pending[req.ID] = h
	g.mu.Unlock()

	g.logger.Info("human request submitted",
		"request_id", req.ID,
		"task_id", req.TaskID,
		"step", req.Step,
		"preview", req.Preview,
	)
	g.emit(ctx, audit.TypeGateRequested, req, nil)
	g.alerts.Send(alert.HumanRequired(req.TaskID, req.ID, req.Reason))
	g.broadcast(Notice{Type: NoticeRequested, Request: req})
	return h
}

// Resolve supplies a raw response and releases the waiting goroutine.
func (g *Gate) Resolve(ctx context.Context, requestID, raw string) (Response, error) {
	g.mu.Lock()
	h, ok := g.pending[requestID]
	if ok {
		delete(g.pending, requestID)
	}
	p := g.parser
	g.mu.Unlock()

	if !ok {
		return Response{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}

	resp := Response{
		RequestID: requestID,
		Intent:    p.Parse(raw),
		Elapsed:   time.Since(h.req.CreatedAt),
	}
	if !h.settle(StateResolved, resp) {
		return Response{}, fmt.Errorf("%w: %s", ErrAlreadyResolved, requestID)
	}

	g.logger.Info("human request resolved",
		"request_id", requestID,
		"task_id", h.req.TaskID,
		"intent", resp.Intent.Kind,
		"elapsed", resp.Elapsed,
	)
	g.emit(ctx, audit.TypeGateResolved, h.req, &resp)
	g.broadcast(Notice{Type: NoticeResolved, Request: h.req, Response: &resp})
	return resp, nil
}

// Wait blocks until the handle is resolved, the timeout fires, or ctx is
// done. Timeout and cancellation both yield a synthesized ABORT intent. A
// non-positive timeout uses the configured default.
func (g *Gate) Wait(ctx context.Context, h *Handle, timeout time.Duration) Response {
	if timeout <= 0 {
		timeout = g.DefaultTimeout()
	}
	ctx, span := telemetry.StartHumanWaitSpan(ctx, h.req.TaskID, h.req.ID)
	defer span.End()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var resp Response
	select {
	case <-h.done:
		h.mu.Lock()
		resp = h.resp
		h.mu.Unlock()
	case <-timer.C:
		resp = g.expire(ctx, h, true)
	case <-ctx.Done():
		resp = g.expire(context.WithoutCancel(ctx), h, false)
	}

	g.mu.RLock()
	metrics := g.metrics
	g.mu.RUnlock()
	metrics.RecordHumanWait(ctx, resp.Elapsed, string(resp.Intent.Kind))
	return resp
}

// expire settles a handle that was not answered in time. If a Resolve won
// the race, its response is returned instead.
func (g *Gate) expire(ctx context.Context, h *Handle, timedOut bool) Response {
	resp := Response{
		RequestID: h.req.ID,
		Intent:    Intent{Kind: IntentAbort},
		Elapsed:   time.Since(h.req.CreatedAt),
		TimedOut:  timedOut,
		Cancelled: !timedOut,
	}
	if !h.settle(StateTimedOut, resp) {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.resp
	}

	g.mu.Lock()
	delete(g.pending, h.req.ID)
	g.mu.Unlock()

	g.logger.Warn("human request expired",
		"request_id", h.req.ID,
		"task_id", h.req.TaskID,
		"timed_out", timedOut,
		"elapsed", resp.Elapsed,
	)
	g.emit(ctx, audit.TypeGateTimedOut, h.req, &resp)
	g.broadcast(Notice{Type: NoticeTimedOut, Request: h.req, Response: &resp})
	return resp
}

// Pending returns all waiting requests, oldest first.
func (g *Gate) Pending() []Request {
	g.mu.RLock()
	defer g.mu.RUnlock()

	requests := make([]Request, 0, len(g.pending))
	for _, h := range g.pending {
		requests = append(requests, h.req)
	}
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].CreatedAt.Before(requests[j].CreatedAt)
	})
	return requests
}

// Get returns a waiting request by ID.
func (g *Gate) Get(requestID string) (Request, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	h, ok := g.pending[requestID]
	if !ok {
		return Request{}, false
	}
	return h.req, true
}

// Subscribe returns a channel of notices and a cancel func. Slow subscribers
// drop notices rather than block the gate.
func (g *Gate) Subscribe(buffer int) (<-chan Notice, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Notice, buffer)

	g.subMu.Lock()
	id := g.nextID
	g.nextID++
	g.subs[id] = ch
	g.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			g.subMu.Lock()
			delete(g.subs, id)
			g.subMu.Unlock()
			close(ch)
		})
	}
}

func (g *Gate) broadcast(n Notice) {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	for _, ch := range g.subs {
		select {
		case ch <- n:
		default:
			g.logger.Warn("subscriber lagging, notice dropped", "type", n.Type, "request_id", n.Request.ID)
		}
	}
}

func (g *Gate) emit(ctx context.Context, typ string, req Request, resp *Response) {
	payload := map[string]any{
		"request_id": req.ID,
		"step":       req.Step,
		"reason":     req.Reason,
		"options":    req.Options,
		"preview":    req.Preview,
	}
	if resp != nil {
		payload["intent"] = string(resp.Intent.Kind)
		payload["text"] = resp.Intent.Text
		payload["elapsed_ms"] = resp.Elapsed.Milliseconds()
		payload["confirm_complete"] = resp.Intent.ConfirmComplete
	}
	err := g.sink.Emit(ctx, audit.Event{
		Type:      typ,
		TaskID:    req.TaskID,
		Component: "humangate.Gate",
		Payload:   payload,
	})
	if err != nil {
		g.logger.Error("failed to emit gate event", "request_id", req.ID, "error", err)
	}
}
