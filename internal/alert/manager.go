// Package alert delivers fire-and-forget notifications to operators: calls
// allowed at NOTIFY level, pending human requests and permission changes.
package alert

import (
	"log/slog"
	"sync"
	"time"

	"github.com/agentoverseer/overseer/internal/config"
)

// Alert types.
const (
	TypeToolNotify          = "tool_notify"
	TypeHumanRequired       = "human_required"
	TypePermissionEscalated = "permission_escalated"
	TypeTaskFinished        = "task_finished"
)

// Alert represents a notification to be sent.
type Alert struct {
	Type      string                 `json:"type"`
	Severity  string                 `json:"severity"` // info, warning, critical
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	TaskID    string                 `json:"task_id,omitempty"`
	Tool      string                 `json:"tool,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Manager orchestrates alert delivery with deduplication. Delivery is
// asynchronous and never blocks the caller.
type Manager struct {
	mu       sync.Mutex
	senders  []Sender
	dedup    map[string]time.Time // dedupKey → lastSent
	dedupTTL time.Duration
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// Sender is an interface for alert delivery channels.
type Sender interface {
	Send(alert Alert) error
	Name() string
}

// NewManager creates a new alert manager.
func NewManager(cfg config.AlertsConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		senders:  make([]Sender, 0),
		dedup:    make(map[string]time.Time),
		dedupTTL: cfg.DedupWindow,
		logger:   logger.With("component", "alert.Manager"),
	}

	// Register configured senders
	if cfg.Slack.WebhookURL != "" {
		m.senders = append(m.senders, NewSlackSender(cfg.Slack))
	}
	if cfg.Webhook.URL != "" {
		m.senders = append(m.senders, NewWebhookSender(cfg.Webhook))
	}

	return m
}

// AddSender registers an additional delivery channel.
func (m *Manager) AddSender(s Sender) {
	m.mu.Lock()
	m.senders = append(m.senders, s)
	m.mu.Unlock()
}

// Send dispatches an alert to all configured channels with deduplication.
// Safe to call on a nil Manager.
func (m *Manager) Send(alert Alert) {
	if m == nil {
		return
	}
	alert.Timestamp = time.Now().UTC()

	dedupKey := alert.Type + "|" + alert.TaskID + "|" + alert.Tool + "|" + alert.Title
	m.mu.Lock()
	if m.dedupTTL > 0 {
		if lastSent, ok := m.dedup[dedupKey]; ok && time.Since(lastSent) < m.dedupTTL {
			m.mu.Unlock()
			m.logger.Debug("alert deduplicated", "type", alert.Type, "key", dedupKey)
			return
		}
		m.dedup[dedupKey] = time.Now()
	}
	senders := append([]Sender(nil), m.senders...)
	m.mu.Unlock()

	for _, sender := range senders {
		m.wg.Add(1)
		go func(s Sender) {
			defer m.wg.Done()
			if err := s.Send(alert); err != nil {
				m.logger.Error("failed to send alert",
					"sender", s.Name(),
					"type", alert.Type,
					"task_id", alert.TaskID,
					"error", err,
				)
			}
		}(sender)
	}
}

// Flush waits for in-flight deliveries. Used at shutdown and in tests.
func (m *Manager) Flush() {
	if m == nil {
		return
	}
	m.wg.Wait()
}

// PruneDedup removes old dedup entries. Call periodically.
func (m *Manager) PruneDedup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for key, ts := range m.dedup {
		if now.Sub(ts) > m.dedupTTL*2 {
			delete(m.dedup, key)
		}
	}
}

// HasSenders returns true if any alert channels are configured.
func (m *Manager) HasSenders() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.senders) > 0
}
