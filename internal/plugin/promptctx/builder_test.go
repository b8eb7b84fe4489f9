package promptctx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoverseer/overseer/internal/plugin"
	"github.com/agentoverseer/overseer/internal/plugin/builtin"
	"github.com/agentoverseer/overseer/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBuilder_RendersSections(t *testing.T) {
	tools, err := builtin.New(nil).ListTools(context.Background())
	require.NoError(t, err)

	task := &store.Task{ID: "t1", Goal: "write a summary", StepCount: 46}
	task.Context.AddFinding(1, "tool:file_read", "[success] readme contents")
	task.Context.AddReflection("making steady progress")
	task.Context.Artifacts = []string{"/out/summary.md"}

	out, err := New(0, testLogger()).Build(task, plugin.BuildInput{
		MaxSteps:    50,
		Elapsed:     90 * time.Second,
		Tools:       tools,
		Memories:    []string{"prefers markdown"},
		Constraints: []string{"file not found: use file_list first"},
		Notes:       []string{"dropped unknown argument \"mode\" from file_read"},
		WrapUp:      true,
	})
	require.NoError(t, err)

	for _, want := range []string{
		"## Goal\nwrite a summary",
		"Steps remaining: 4 (limit: 50)",
		"WARNING: approaching step limit",
		"Elapsed time: 1.5 min",
		"**file_write**",
		"`content` (string, required)",
		"Step 1: [tool:file_read] [success] readme contents",
		"file not found: use file_list first",
		"## Firewall Notes",
		"/out/summary.md",
		"making steady progress",
		"prefers markdown",
		"## Wrap Up",
	} {
		assert.Contains(t, out, want)
	}
}

func TestBuilder_OmitsEmptySections(t *testing.T) {
	out, err := New(0, testLogger()).Build(&store.Task{Goal: "g"}, plugin.BuildInput{})
	require.NoError(t, err)
	assert.NotContains(t, out, "## Available Tools")
	assert.NotContains(t, out, "## Wrap Up")
	assert.NotContains(t, out, "Steps remaining")

	_, err = New(0, nil).Build(nil, plugin.BuildInput{})
	assert.Error(t, err)
}

func TestCompact_KeepsPriorityAndRecent(t *testing.T) {
	var findings []store.Finding
	findings = append(findings, store.Finding{Step: 1, Key: "human_decision", Value: "approve"})
	for i := 2; i <= 10; i++ {
		findings = append(findings, store.Finding{Step: i, Key: "tool:file_read", Value: strings.Repeat("x", 400)})
	}

	kept, omitted := Compact(findings, 400)
	assert.Greater(t, omitted, 0)
	assert.Equal(t, "human_decision", kept[0].Key)
	last := kept[len(kept)-keepRecent:]
	for i, f := range last {
		assert.Equal(t, 8+i, f.Step, fmt.Sprintf("recent finding %d kept", i))
	}

	same, n := Compact(findings[:2], 1)
	assert.Zero(t, n)
	assert.Len(t, same, 2)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("你好世"))
}
