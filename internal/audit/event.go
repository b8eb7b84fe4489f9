// Package audit records every kernel decision as an immutable, hash-chained
// event and fans it out to the configured sinks.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// Event types emitted by the kernel.
const (
	TypePolicyEscalated   = "policy.escalated"
	TypePolicyDeescalated = "policy.deescalated"
	TypePolicyAdminSet    = "policy.admin_set"
	TypeVerdict           = "firewall.verdict"
	TypeGateRequested     = "humangate.requested"
	TypeGateResolved      = "humangate.resolved"
	TypeGateTimedOut      = "humangate.timed_out"
	TypeTaskStatus        = "task.status"
	TypeNotify            = "tool.notify"
	TypePauseRequested    = "task.pause_requested"
	TypeStepFinished      = "step.finished"
	TypeOutputFlagged     = "tool.output_flagged"
)

// GenesisHash is the prev_hash of the first event in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Event is a single structured, timestamped audit record. Once Hash is set the
// event must not be modified.
type Event struct {
	ID        string         `json:"id"`
	Seq       uint64         `json:"seq"`
	Type      string         `json:"type"`
	TaskID    string         `json:"task_id,omitempty"`
	Component string         `json:"component"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// Sink receives audit events.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Discard is a Sink that drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })

// ComputeHash returns the SHA-256 of the canonical (RFC 8785) JSON form of the
// event with its Hash field cleared.
func ComputeHash(ev Event) (string, error) {
	ev.Hash = ""
	raw, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal audit event: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize audit event: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChain walks events in sequence order and checks hash integrity and
// linkage. It returns (true, -1) when the chain is intact, otherwise false and
// the index of the first broken event.
func VerifyChain(events []Event) (bool, int) {
	for i, ev := range events {
		expected, err := ComputeHash(ev)
		if err != nil || ev.Hash != expected {
			return false, i
		}
		if i == 0 {
			continue
		}
		if ev.PrevHash != events[i-1].Hash {
			return false, i
		}
	}
	return true, -1
}
