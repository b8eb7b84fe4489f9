package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Recorder stamps events with an ID, sequence number and chained hash, then
// fans them out to its sinks in order. The first sink is the primary store of
// the chain: an event it rejects is not chained. Recorder itself satisfies Sink.
type Recorder struct {
	mu       sync.Mutex
	seq      uint64
	lastHash string
	sinks    []Sink
	logger   *slog.Logger
}

// NewRecorder creates a Recorder writing to the given sinks.
func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		lastHash: GenesisHash,
		sinks:    sinks,
		logger:   logger.With("component", "audit.Recorder"),
	}
}

// Resume continues an existing chain, typically the tail loaded from storage.
func (r *Recorder) Resume(seq uint64, lastHash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq = seq
	if lastHash != "" {
		r.lastHash = lastHash
	}
}

// AddSink appends a sink. Events already emitted are not replayed.
func (r *Recorder) AddSink(s Sink) {
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// Emit seals the event into the chain and delivers it to every sink. If the
// primary sink fails the event is dropped and the chain does not advance, so
// the stored chain never has a gap. Later sink failures are logged and joined
// into the returned error; the event stays in the chain.
func (r *Recorder) Emit(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev.Seq = r.seq + 1
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	} else {
		ev.Timestamp = ev.Timestamp.UTC()
	}
	ev.PrevHash = r.lastHash

	hash, err := ComputeHash(ev)
	if err != nil {
		r.logger.Error("failed to seal audit event", "type", ev.Type, "error", err)
		return err
	}
	ev.Hash = hash

	if len(r.sinks) > 0 {
		if err := r.sinks[0].Emit(ctx, ev); err != nil {
			r.logger.Error("audit store rejected event, chain not advanced", "type", ev.Type, "seq", ev.Seq, "error", err)
			return fmt.Errorf("store audit event %d: %w", ev.Seq, err)
		}
	}
	r.seq = ev.Seq
	r.lastHash = hash

	var errs []error
	for _, s := range r.sinks[min(1, len(r.sinks)):] {
		if err := s.Emit(ctx, ev); err != nil {
			r.logger.Error("audit sink failed", "type", ev.Type, "seq", ev.Seq, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "audit.LogSink")}
}

func (s *LogSink) Emit(_ context.Context, ev Event) error {
	s.logger.Info("audit",
		"type", ev.Type,
		"seq", ev.Seq,
		"task_id", ev.TaskID,
		"source", ev.Component,
		"hash", ev.Hash,
	)
	return nil
}

// MemorySink keeps events in memory. Useful for tests and the CLI.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *MemorySink) Emit(_ context.Context, ev Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// OfType returns recorded events with the given type.
func (s *MemorySink) OfType(typ string) []Event {
	var out []Event
	for _, ev := range s.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
