package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoverseer/overseer/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestReasoner(t *testing.T, h http.HandlerFunc) *Reasoner {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	t.Setenv("OVERSEER_TEST_KEY", "sk-test")
	return New(config.ReasonerConfig{BaseURL: srv.URL + "/", Model: "m1", APIKeyEnv: "OVERSEER_TEST_KEY"}, testLogger())
}

func TestReasoner_Call(t *testing.T) {
	var got chatRequest
	r := newTestReasoner(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/chat/completions", req.URL.Path)
		assert.Equal(t, "Bearer sk-test", req.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}]}`)
	})

	out, err := r.Call(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.Equal(t, "m1", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Content)
}

func TestReasoner_StatusError(t *testing.T) {
	r := newTestReasoner(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})
	_, err := r.Call(context.Background(), "s", "u")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.Code)
	assert.True(t, se.Retryable())
}

func TestReasoner_ErrorBodyAndNoChoices(t *testing.T) {
	r := newTestReasoner(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"error":{"type":"invalid_request","message":"bad model"}}`)
	})
	_, err := r.Call(context.Background(), "s", "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad model")

	r = newTestReasoner(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[]}`)
	})
	_, err = r.Call(context.Background(), "s", "u")
	assert.Error(t, err)
}

func TestReasoner_NoKey(t *testing.T) {
	t.Setenv("OVERSEER_UNSET_KEY_FOR_TEST", "")
	r := New(config.ReasonerConfig{BaseURL: "http://127.0.0.1:1", APIKeyEnv: "OVERSEER_UNSET_KEY_FOR_TEST"}, nil)
	_, err := r.Call(context.Background(), "s", "u")
	assert.True(t, errors.Is(err, ErrNoAPIKey))
}
