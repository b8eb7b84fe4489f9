package firewall

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoverseer/overseer/internal/tool"
)

func TestParseDecision_FencedBlock(t *testing.T) {
	raw := "Analysis: read the config first.\n\n```decision\n" + `{
  "next_action": {"title": "Read config", "description": "open settings"},
  "tool_calls": [{"tool": "file_read", "args": {"path": "config.yaml"}}],
  "human_required": false,
  "human_reason": null,
  "options": [],
  "task_complete": false,
  "confidence": 0.8,
  "reflection": "on track"
}` + "\n```\n"

	d := ParseDecision(raw)
	assert.Empty(t, d.ParseError)
	assert.Equal(t, "Read config", d.Title())
	assert.Equal(t, "open settings", d.Intent())
	require.Len(t, d.ToolCalls, 1)
	assert.Equal(t, "file_read", d.ToolCalls[0].Tool)
	assert.Equal(t, "config.yaml", d.ToolCalls[0].Args["path"])
	assert.InDelta(t, 0.8, d.Confidence, 1e-9)
	assert.Equal(t, "on track", d.ReflectionText())
}

func TestParseDecision_EmbeddedObject(t *testing.T) {
	raw := `I think {"note": "not a decision"} and then {"tool_calls": [{"name": "web_search", "parameters": {"q": "go {braces}"}}], "task_complete": false} trailing`
	d := ParseDecision(raw)
	assert.Empty(t, d.ParseError)
	require.Len(t, d.ToolCalls, 1)
	assert.Equal(t, "web_search", d.ToolCalls[0].Tool)
	assert.Equal(t, "go {braces}", d.ToolCalls[0].Args["q"])
	assert.InDelta(t, 0.5, d.Confidence, 1e-9, "missing confidence defaults to 0.5")
}

func TestParseDecision_BrokenFenceFallsBackToEmbedded(t *testing.T) {
	raw := "```decision\n{\"tool_calls\": [\n```\nretry: {\"task_complete\": true, \"confidence\": 1.7}"
	d := ParseDecision(raw)
	assert.Empty(t, d.ParseError)
	assert.True(t, d.TaskComplete)
	assert.Equal(t, 1.0, d.Confidence)
}

func TestParseDecision_NoJSONIsFailSafe(t *testing.T) {
	d := ParseDecision("no json here")
	assert.True(t, d.HumanRequired)
	assert.Equal(t, UnparseableReason, d.ReasonText())
	assert.Equal(t, 0.0, d.Confidence)
	assert.Empty(t, d.ToolCalls)
	assert.NotNil(t, d.ToolCalls)
	assert.False(t, d.TaskComplete)
	assert.NotEmpty(t, d.ParseError)
}

func TestParseDecision_ToolCallWithoutName(t *testing.T) {
	d := ParseDecision(`{"tool_calls": [{"args": {}}]}`)
	assert.True(t, d.HumanRequired)
	assert.Contains(t, d.ParseError, "missing tool name")
}

func TestParseDecision_ManyBracesBounded(t *testing.T) {
	raw := strings.Repeat("{", 10000) + `{"task_complete": true}`
	d := ParseDecision(raw)
	assert.True(t, d.HumanRequired)
}

func TestDecision_CloneIsDeep(t *testing.T) {
	d := Decision{ToolCalls: []ToolCall{{Tool: "a", Args: map[string]any{"k": "v"}}}, Options: []string{"x"}}
	c := d.Clone()
	c.ToolCalls[0].Args["k"] = "changed"
	c.Options[0] = "y"
	assert.Equal(t, "v", d.ToolCalls[0].Args["k"])
	assert.Equal(t, "x", d.Options[0])
}

func TestParseDecision_NeverPanicsAndFailsSafe(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	fragment := gen.OneGenOf(
		gen.AlphaString(),
		gen.Const("{"), gen.Const("}"), gen.Const(`"`), gen.Const("\\"),
		gen.Const("```decision\n"), gen.Const("```"),
		gen.Const(`"tool_calls": [`), gen.Const(`"confidence": `), gen.Const(`]`),
	)

	properties.Property("unparseable text always yields a human-required decision", prop.ForAll(
		func(parts []string) bool {
			raw := strings.Join(parts, "")
			d := ParseDecision(raw)
			if d.ParseError == "" {
				return d.Confidence >= 0 && d.Confidence <= 1
			}
			return d.HumanRequired && d.Confidence == 0 && len(d.ToolCalls) == 0 && !d.TaskComplete
		},
		gen.SliceOf(fragment),
	))

	properties.TestingRun(t)
}

func TestBuildConstraints(t *testing.T) {
	in := ConstraintInput{
		FailedApproaches: []string{"Scraping the site directly was blocked"},
		Findings: []Finding{
			{Key: "tool:web_fetch", Value: "[error] 403 forbidden from upstream"},
			{Key: "tool:web_fetch", Value: "[error] 403 forbidden from upstream"},
			{Key: FindingToolAvoidance, Value: "User rejects shell_exec often"},
			{Key: "tool:file_read", Value: "contents [SAME as previous call]"},
			{Key: "tool:file_list", Value: "a.txt b.txt"},
		},
	}
	hints := BuildConstraints(in)
	require.Len(t, hints, 4)
	assert.Equal(t, "Scraping the site directly was blocked", hints[0])
	assert.Contains(t, hints[1], "Tool 'web_fetch' previously failed: 403 forbidden")
	assert.Equal(t, "User rejects shell_exec often", hints[2])
	assert.Contains(t, hints[3], "'file_read'")

	var many ConstraintInput
	for i := 0; i < 20; i++ {
		many.FailedApproaches = append(many.FailedApproaches, "attempt")
	}
	assert.Len(t, BuildConstraints(many), maxConstraints)
}

func TestCheckDeviation(t *testing.T) {
	ok := tool.Result{Tool: "a", Payload: "fine"}
	failed := tool.Result{Tool: "b", Error: "boom"}
	empty := tool.Result{Tool: "c", Payload: "  "}

	assert.Empty(t, CheckDeviation("", []tool.Result{failed}))
	assert.Empty(t, CheckDeviation("read", nil))
	assert.Contains(t, CheckDeviation("read", []tool.Result{failed, failed}), "all tool calls failed")
	assert.Contains(t, CheckDeviation("read", []tool.Result{empty}), "empty results")
	assert.Contains(t, CheckDeviation("read", []tool.Result{ok, failed}), "1/2 tool calls failed (b)")
	assert.Empty(t, CheckDeviation("read", []tool.Result{ok, empty}))
}
