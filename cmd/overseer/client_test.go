package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIClient_DecodesAndReportsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/human/abc/respond":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			_ = json.NewEncoder(w).Encode(map[string]any{"request_id": "abc", "intent": map[string]string{"kind": body["response"]}})
		default:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "human request not found"})
		}
	}))
	defer srv.Close()

	c := newAPIClient(srv.URL)
	var out struct {
		RequestID string `json:"request_id"`
		Intent    struct {
			Kind string `json:"kind"`
		} `json:"intent"`
	}
	require.NoError(t, c.do(http.MethodPost, "/api/human/abc/respond", map[string]string{"response": "approve"}, &out))
	assert.Equal(t, "abc", out.RequestID)
	assert.Equal(t, "approve", out.Intent.Kind)

	err := c.do(http.MethodPost, "/api/human/zzz/respond", map[string]string{"response": "approve"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "human request not found")
}

func TestNewAPIClient_AddsScheme(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:6790", newAPIClient("127.0.0.1:6790").base)
	assert.Equal(t, "https://example.com", newAPIClient("https://example.com/").base)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
