package alert

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoverseer/overseer/internal/config"
	"github.com/agentoverseer/overseer/internal/tool"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockSender records alerts it is asked to send.
type mockSender struct {
	name     string
	sendFunc func(Alert) error
	mu       sync.Mutex
	sent     []Alert
}

func (m *mockSender) Name() string { return m.name }

func (m *mockSender) Send(alert Alert) error {
	m.mu.Lock()
	m.sent = append(m.sent, alert)
	m.mu.Unlock()
	if m.sendFunc != nil {
		return m.sendFunc(alert)
	}
	return nil
}

func (m *mockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func TestNewManager(t *testing.T) {
	tests := []struct {
		name     string
		config   config.AlertsConfig
		expected int
	}{
		{"no senders configured", config.AlertsConfig{}, 0},
		{"only slack configured", config.AlertsConfig{Slack: config.SlackAlertConfig{WebhookURL: "https://hooks.slack.com/test"}}, 1},
		{"only webhook configured", config.AlertsConfig{Webhook: config.WebhookAlertConfig{URL: "https://example.com/hook"}}, 1},
		{"both configured", config.AlertsConfig{
			Slack:   config.SlackAlertConfig{WebhookURL: "https://hooks.slack.com/test"},
			Webhook: config.WebhookAlertConfig{URL: "https://example.com/hook"},
		}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(tt.config, testLogger())
			assert.Len(t, m.senders, tt.expected)
			assert.Equal(t, tt.expected > 0, m.HasSenders())
		})
	}
}

func TestManager_SendFansOut(t *testing.T) {
	m := NewManager(config.AlertsConfig{}, testLogger())
	a, b := &mockSender{name: "a"}, &mockSender{name: "b"}
	m.AddSender(a)
	m.AddSender(b)

	m.Send(ToolNotification("task-1", tool.Call{Tool: "send_email", Args: map[string]any{"to": "x@example.com"}}))
	m.Flush()

	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
	assert.False(t, a.sent[0].Timestamp.IsZero())
	assert.Equal(t, "send_email", a.sent[0].Tool)
}

func TestManager_Deduplicates(t *testing.T) {
	m := NewManager(config.AlertsConfig{DedupWindow: time.Minute}, testLogger())
	s := &mockSender{name: "s"}
	m.AddSender(s)

	al := HumanRequired("t1", "req-1", "approve shell_exec")
	m.Send(al)
	m.Send(al)
	m.Send(HumanRequired("t2", "req-2", "approve shell_exec"))
	m.Flush()

	assert.Equal(t, 2, s.count())
}

func TestManager_NoDedupWhenWindowZero(t *testing.T) {
	m := NewManager(config.AlertsConfig{}, testLogger())
	s := &mockSender{name: "s"}
	m.AddSender(s)
	al := HumanRequired("t1", "req-1", "x")
	m.Send(al)
	m.Send(al)
	m.Flush()
	assert.Equal(t, 2, s.count())
}

func TestManager_SenderErrorDoesNotPropagate(t *testing.T) {
	m := NewManager(config.AlertsConfig{}, testLogger())
	s := &mockSender{name: "bad", sendFunc: func(Alert) error { return errors.New("down") }}
	m.AddSender(s)
	m.Send(HumanRequired("t", "r", "x"))
	m.Flush()
	assert.Equal(t, 1, s.count())
}

func TestManager_NilIsNoop(t *testing.T) {
	var m *Manager
	m.Send(Alert{Type: TypeToolNotify})
	m.Flush()
	assert.False(t, m.HasSenders())
}

func TestWebhookSender_SignsEnvelope(t *testing.T) {
	var gotSig string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ts := time.Unix(1700000000, 0)
	w := NewWebhookSender(config.WebhookAlertConfig{URL: srv.URL, Secret: "s3cret"})
	w.now = func() time.Time { return ts }
	require.NoError(t, w.Send(Alert{Type: TypeToolNotify, Title: "hello", TaskID: "t1"}))

	var env webhookEnvelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, 1, env.Version)
	assert.Equal(t, TypeToolNotify, env.Event)
	assert.Equal(t, "t1", env.Alert.TaskID)
	assert.Equal(t, Sign("s3cret", ts, body), gotSig)
	assert.Contains(t, gotSig, "t=1700000000,v1=")
}

func TestWebhookSender_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	w := NewWebhookSender(config.WebhookAlertConfig{URL: srv.URL})
	err := w.Send(Alert{Type: TypeToolNotify})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookSender_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhookSender(config.WebhookAlertConfig{URL: srv.URL})
	require.NoError(t, w.Send(Alert{Type: TypeToolNotify}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestSlackMessage_HumanRequestCarriesAnswerHint(t *testing.T) {
	msg := slackMessage("#ops", HumanRequired("t1", "req-9", "confirm shell_exec"))
	assert.Equal(t, "#ops", msg.Channel)
	require.NotEmpty(t, msg.Blocks)
	assert.Contains(t, msg.Blocks[0].Text.Text, "Human input needed")

	last := msg.Blocks[len(msg.Blocks)-1]
	require.Equal(t, "context", last.Type)
	assert.Contains(t, last.Elements[0].Text, "overseer respond req-9")
}

func TestSlackMessage_EscalationFields(t *testing.T) {
	msg := slackMessage("", PermissionEscalated("t1", "shell_exec", "auto", "confirm", "rejected 3 times"))
	var fields []slackText
	for _, b := range msg.Blocks {
		fields = append(fields, b.Fields...)
	}
	require.Len(t, fields, 3)
	assert.Contains(t, fields[2].Text, "auto → confirm")
	assert.Equal(t, ":large_yellow_circle:", severityMarker("warning"))
}

func TestToolNotification_TruncatesArgs(t *testing.T) {
	big := make([]byte, 2000)
	for i := range big {
		big[i] = 'a'
	}
	al := ToolNotification("t", tool.Call{Tool: "file_write", Args: map[string]any{"content": string(big)}})
	assert.LessOrEqual(t, len(al.Message), maxArgsPreview+3)
}
