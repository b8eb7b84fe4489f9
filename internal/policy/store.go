package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentoverseer/overseer/internal/audit"
	"github.com/agentoverseer/overseer/internal/config"
)

// ErrNotEscalation is returned when a requested user level would not raise the
// tool's effective level.
var ErrNotEscalation = errors.New("requested level does not tighten effective level")

// Audit entry kinds.
const (
	KindEscalate   = "escalate"
	KindDeescalate = "deescalate"
)

// AuditEntry records one change to the user layer.
type AuditEntry struct {
	Seq       int       `json:"seq"`
	Kind      string    `json:"kind"`
	Tool      string    `json:"tool"`
	Before    Level     `json:"before"`
	After     Level     `json:"after"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// UserState is the persistable part of the store: the user layer, the levels
// it had before each active escalation, and the audit log.
type UserState struct {
	User          map[string]Level `json:"user"`
	PreEscalation map[string]Level `json:"pre_escalation"`
	Audit         []AuditEntry     `json:"audit"`
}

// Snapshot is a read-only view of every table.
type Snapshot struct {
	Default Level            `json:"default"`
	Admin   map[string]Level `json:"admin"`
	UserState
}

// Store resolves effective permission levels from an admin floor and an
// adaptive user layer. Writes to a single tool are serialized by a per-tool
// mutex; reads take the table lock only.
type Store struct {
	mu              sync.RWMutex
	defaultLevel    Level
	admin           map[string]Level
	user            map[string]Level
	preEscalation   map[string]Level
	auditLog        []AuditEntry
	rules           *RuleSet
	deescalateAfter int

	lockMu    sync.Mutex
	toolLocks map[string]*sync.Mutex

	onChange func(UserState)
	sink     audit.Sink
	logger   *slog.Logger
}

// NewStore builds a Store from the admin permissions config. Unknown level
// strings fail closed to Confirm and are logged.
func NewStore(perms config.PermissionsConfig, pol config.PolicyConfig, sink audit.Sink, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.Discard
	}
	s := &Store{
		user:            make(map[string]Level),
		preEscalation:   make(map[string]Level),
		toolLocks:       make(map[string]*sync.Mutex),
		deescalateAfter: pol.DeescalateAfter,
		sink:            sink,
		logger:          logger.With("component", "policy.Store"),
	}
	if err := s.ApplyAdmin(perms); err != nil {
		return nil, err
	}
	return s, nil
}

// ApplyAdmin replaces the admin layer and conditional rules from config. It is
// an operator action, used at startup and on config reload. On reload every
// tool whose admin level changed, and a changed default, is audited as an
// admin set; a tool dropped from config is audited at the default level.
func (s *Store) ApplyAdmin(perms config.PermissionsConfig) error {
	rules, err := NewRuleSet(perms.Rules, s.logger)
	if err != nil {
		return err
	}

	def, err := ParseLevel(perms.Default)
	if err != nil {
		s.logger.Warn("invalid default permission level, using confirm", "value", perms.Default)
	}
	admin := make(map[string]Level, len(perms.Tools))
	for tool, raw := range perms.Tools {
		lvl, err := ParseLevel(raw)
		if err != nil {
			s.logger.Warn("invalid permission level, using confirm", "tool", tool, "value", raw)
		}
		admin[tool] = lvl
	}

	s.mu.Lock()
	initial := s.admin == nil
	prevDefault, prev := s.defaultLevel, s.admin
	s.defaultLevel = def
	s.admin = admin
	s.rules = rules
	s.mu.Unlock()

	if !initial {
		if prevDefault != def {
			s.emitAdminSet(DefaultTool, def)
		}
		tools := make([]string, 0, len(admin)+len(prev))
		for tool := range admin {
			tools = append(tools, tool)
		}
		for tool := range prev {
			if _, kept := admin[tool]; !kept {
				tools = append(tools, tool)
			}
		}
		sort.Strings(tools)
		for _, tool := range tools {
			before, had := prev[tool]
			after, has := admin[tool]
			switch {
			case has && (!had || before != after):
				s.emitAdminSet(tool, after)
			case !has && had:
				s.emitAdminSet(tool, def)
			}
		}
	}

	s.logger.Info("admin permissions applied", "tools", len(admin), "rules", rules.Len(), "default", def)
	return nil
}

// OnUserChange registers a callback invoked with the new user state after
// every escalation or de-escalation.
func (s *Store) OnUserChange(fn func(UserState)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// SetDeescalateAfter changes the consecutive-approval count required to
// de-escalate. Zero disables de-escalation.
func (s *Store) SetDeescalateAfter(n int) {
	s.mu.Lock()
	s.deescalateAfter = n
	s.mu.Unlock()
}

func (s *Store) toolLock(tool string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	m, ok := s.toolLocks[tool]
	if !ok {
		m = &sync.Mutex{}
		s.toolLocks[tool] = m
	}
	return m
}

// Effective returns max(admin, user) for the tool. Tools without an admin
// entry use the configured default as their floor.
func (s *Store) Effective(tool string) Level {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.effectiveLocked(tool)
}

func (s *Store) effectiveLocked(tool string) Level {
	return Max(s.adminLocked(tool), s.user[tool])
}

func (s *Store) adminLocked(tool string) Level {
	if lvl, ok := s.admin[tool]; ok {
		return lvl
	}
	return s.defaultLevel
}

// Admin returns the admin floor for the tool.
func (s *Store) Admin(tool string) Level {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.adminLocked(tool)
}

// EffectiveFor is Effective raised by any conditional rules matching this
// particular call.
func (s *Store) EffectiveFor(tool string, args map[string]any) (Level, []RuleMatch) {
	s.mu.RLock()
	base := s.effectiveLocked(tool)
	rules := s.rules
	s.mu.RUnlock()

	floor, matches := rules.Evaluate(tool, args)
	return Max(base, floor), matches
}

// SetAdmin sets the operator floor for a tool. Idempotent.
func (s *Store) SetAdmin(tool string, level Level) {
	s.mu.Lock()
	prev, had := s.admin[tool]
	s.admin[tool] = level
	s.mu.Unlock()

	if had && prev == level {
		return
	}
	s.emitAdminSet(tool, level)
}

// DefaultTool names the default level in admin-set audit events.
const DefaultTool = "*"

func (s *Store) emitAdminSet(tool string, level Level) {
	s.logger.Info("admin permission set", "tool", tool, "level", level)
	if err := s.sink.Emit(context.Background(), audit.Event{
		Type:      audit.TypePolicyAdminSet,
		Component: "policy.Store",
		Payload:   map[string]any{"tool": tool, "level": level.String()},
	}); err != nil {
		s.logger.Error("emit admin permission audit", "tool", tool, "error", err)
	}
}

// EscalateUser raises the tool's user level. A level that would not raise the
// effective level returns ErrNotEscalation and leaves no audit entry; this is
// also what a concurrent second writer observes.
func (s *Store) EscalateUser(tool string, level Level, reason string) (AuditEntry, error) {
	if !level.Valid() {
		return AuditEntry{}, fmt.Errorf("escalate %s: invalid level %d", tool, int(level))
	}
	lock := s.toolLock(tool)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	before := s.effectiveLocked(tool)
	if level <= before {
		s.mu.Unlock()
		return AuditEntry{}, fmt.Errorf("escalate %s to %s (effective %s): %w", tool, level, before, ErrNotEscalation)
	}
	if _, escalated := s.preEscalation[tool]; !escalated {
		s.preEscalation[tool] = s.user[tool]
	}
	s.user[tool] = level
	entry := s.appendAuditLocked(KindEscalate, tool, before, s.effectiveLocked(tool), reason)
	state, onChange := s.userStateLocked(), s.onChange
	s.mu.Unlock()

	s.logger.Warn("tool permission escalated",
		"tool", tool,
		"before", before,
		"after", entry.After,
		"reason", reason,
	)
	s.emit(audit.TypePolicyEscalated, entry)
	if onChange != nil {
		onChange(state)
	}
	return entry, nil
}

// MaybeDeescalateUser restores the pre-escalation user level once the tool has
// seen enough consecutive approvals since it was escalated. It returns nil
// when nothing changed. The admin floor still applies afterwards.
func (s *Store) MaybeDeescalateUser(tool string, consecutiveApprovals int) (*AuditEntry, error) {
	lock := s.toolLock(tool)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	pre, escalated := s.preEscalation[tool]
	if s.deescalateAfter <= 0 || !escalated || consecutiveApprovals < s.deescalateAfter {
		s.mu.Unlock()
		return nil, nil
	}
	before := s.effectiveLocked(tool)
	if pre == Auto {
		delete(s.user, tool)
	} else {
		s.user[tool] = pre
	}
	delete(s.preEscalation, tool)
	reason := fmt.Sprintf("%d consecutive approvals since escalation", consecutiveApprovals)
	entry := s.appendAuditLocked(KindDeescalate, tool, before, s.effectiveLocked(tool), reason)
	state, onChange := s.userStateLocked(), s.onChange
	s.mu.Unlock()

	s.logger.Info("tool permission de-escalated", "tool", tool, "before", before, "after", entry.After)
	s.emit(audit.TypePolicyDeescalated, entry)
	if onChange != nil {
		onChange(state)
	}
	return &entry, nil
}

// IsEscalated reports whether the tool has an active user-layer escalation.
func (s *Store) IsEscalated(tool string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.preEscalation[tool]
	return ok
}

func (s *Store) appendAuditLocked(kind, tool string, before, after Level, reason string) AuditEntry {
	entry := AuditEntry{
		Seq:       len(s.auditLog) + 1,
		Kind:      kind,
		Tool:      tool,
		Before:    before,
		After:     after,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	s.auditLog = append(s.auditLog, entry)
	return entry
}

func (s *Store) emit(typ string, e AuditEntry) {
	err := s.sink.Emit(context.Background(), audit.Event{
		Type:      typ,
		Component: "policy.Store",
		Payload: map[string]any{
			"seq":    e.Seq,
			"tool":   e.Tool,
			"before": e.Before.String(),
			"after":  e.After.String(),
			"reason": e.Reason,
		},
	})
	if err != nil {
		s.logger.Error("failed to emit policy audit event", "tool", e.Tool, "error", err)
	}
}

// AuditLog returns a copy of the user-layer audit log in change order.
func (s *Store) AuditLog() []AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AuditEntry, len(s.auditLog))
	copy(out, s.auditLog)
	return out
}

func (s *Store) userStateLocked() UserState {
	st := UserState{
		User:          make(map[string]Level, len(s.user)),
		PreEscalation: make(map[string]Level, len(s.preEscalation)),
		Audit:         make([]AuditEntry, len(s.auditLog)),
	}
	for k, v := range s.user {
		st.User[k] = v
	}
	for k, v := range s.preEscalation {
		st.PreEscalation[k] = v
	}
	copy(st.Audit, s.auditLog)
	return st
}

// Snapshot returns a deep copy of every table.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Default:   s.defaultLevel,
		Admin:     make(map[string]Level, len(s.admin)),
		UserState: s.userStateLocked(),
	}
	for k, v := range s.admin {
		snap.Admin[k] = v
	}
	return snap
}

// RestoreUser replaces the user layer with previously persisted state. Invalid
// levels are skipped.
func (s *Store) RestoreUser(st UserState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = make(map[string]Level, len(st.User))
	for k, v := range st.User {
		if v.Valid() {
			s.user[k] = v
		}
	}
	s.preEscalation = make(map[string]Level, len(st.PreEscalation))
	for k, v := range st.PreEscalation {
		if v.Valid() {
			s.preEscalation[k] = v
		}
	}
	s.auditLog = make([]AuditEntry, len(st.Audit))
	copy(s.auditLog, st.Audit)
	s.logger.Info("user permission layer restored", "tools", len(s.user), "audit_entries", len(s.auditLog))
}
