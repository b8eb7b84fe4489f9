package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Manager runs tasks concurrently on one Runner, bounded by a weighted
// semaphore. Each task is owned by exactly one goroutine at a time.
type Manager struct {
	runner *Runner
	sem    *semaphore.Weighted

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup

	logger *slog.Logger
}

// NewManager creates a Manager that runs at most limit tasks at once.
func NewManager(runner *Runner, limit int, logger *slog.Logger) *Manager {
	if limit < 1 {
		limit = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		runner:  runner,
		sem:     semaphore.NewWeighted(int64(limit)),
		running: make(map[string]context.CancelFunc),
		logger:  logger.With("component", "orchestrator.Manager"),
	}
}

// Start runs a task in the background. The channel receives the outcome
// once and is then closed. Starting a task that is already running returns
// ErrAlreadyRunning.
func (m *Manager) Start(ctx context.Context, taskID string) (<-chan Outcome, error) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if _, ok := m.running[taskID]; ok {
		m.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("start %s: %w", taskID, ErrAlreadyRunning)
	}
	m.running[taskID] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	out := make(chan Outcome, 1)
	go func() {
		defer m.wg.Done()
		defer close(out)
		defer m.release(taskID)

		o, err := m.run(ctx, taskID)
		if err != nil {
			m.logger.Error("task did not start", "task_id", taskID, "error", err)
			o = Outcome{TaskID: taskID, Reason: err.Error()}
		}
		out <- o
	}()
	return out, nil
}

func (m *Manager) run(ctx context.Context, taskID string) (Outcome, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return Outcome{}, fmt.Errorf("wait for slot: %w", err)
	}
	defer m.sem.Release(1)
	return m.runner.Run(ctx, taskID)
}

func (m *Manager) release(taskID string) {
	m.mu.Lock()
	if cancel, ok := m.running[taskID]; ok {
		cancel()
		delete(m.running, taskID)
	}
	m.mu.Unlock()
}

// Cancel interrupts a running task. It pauses at the next step boundary, or
// immediately when waiting on a human. Reports whether the task was running.
func (m *Manager) Cancel(taskID string) bool {
	m.mu.Lock()
	cancel, ok := m.running[taskID]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running returns the IDs of tasks currently owned by the Manager.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until every started task has returned.
func (m *Manager) Wait() { m.wg.Wait() }

// RunAll runs the tasks concurrently and returns their outcomes in input
// order. A task that could not start fails the group.
func (m *Manager) RunAll(ctx context.Context, ids []string) ([]Outcome, error) {
	outcomes := make([]Outcome, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			ch, err := m.Start(gctx, id)
			if err != nil {
				return err
			}
			o := <-ch
			if o.Status == "" {
				return fmt.Errorf("task %s: %s", id, o.Reason)
			}
			outcomes[i] = o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}
