package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoverseer/overseer/internal/config"
)

func mustRuleSet(t *testing.T, rules ...config.RuleConfig) *RuleSet {
	t.Helper()
	rs, err := NewRuleSet(rules, testLogger())
	require.NoError(t, err)
	return rs
}

func TestRuleSet_MatchRaisesFloor(t *testing.T) {
	rs := mustRuleSet(t, config.RuleConfig{
		Name:      "no-rm",
		Condition: `tool == "shell_exec" && args.command.contains("rm ")`,
		Level:     "approve",
		Message:   "destructive shell command",
	})

	tests := []struct {
		name  string
		tool  string
		args  map[string]any
		want  Level
		match bool
	}{
		{"rm command", "shell_exec", map[string]any{"command": "rm -rf build"}, Approve, true},
		{"safe command", "shell_exec", map[string]any{"command": "ls -la"}, Auto, false},
		{"other tool short-circuits", "file_write", map[string]any{"path": "a.txt"}, Auto, false},
		{"nil args other tool", "file_read", nil, Auto, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, matches := rs.Evaluate(tt.tool, tt.args)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.match, len(matches) > 0)
		})
	}
}

func TestRuleSet_EvalErrorFailsClosed(t *testing.T) {
	rs := mustRuleSet(t, config.RuleConfig{
		Name:      "needs-command",
		Condition: `args.command.contains("sudo")`,
		Level:     "confirm",
	})

	// args has no "command" key, so evaluation errors.
	got, matches := rs.Evaluate("shell_exec", map[string]any{"cmd": "sudo ls"})
	assert.Equal(t, Approve, got)
	require.Len(t, matches, 1)
	assert.NotEmpty(t, matches[0].Error)
}

func TestRuleSet_StrictestWins(t *testing.T) {
	rs := mustRuleSet(t,
		config.RuleConfig{Name: "notify-writes", Condition: `tool == "file_write"`, Level: "notify"},
		config.RuleConfig{Name: "confirm-env", Condition: `has(args.path) && string(args.path).endsWith(".env")`, Level: "confirm"},
	)

	got, matches := rs.Evaluate("file_write", map[string]any{"path": "prod.env"})
	assert.Equal(t, Confirm, got)
	assert.Len(t, matches, 2)
}

func TestNewRuleSet_CompileErrors(t *testing.T) {
	tests := []struct {
		name string
		rule config.RuleConfig
	}{
		{"syntax error", config.RuleConfig{Name: "bad", Condition: `tool ==`, Level: "approve"}},
		{"non-bool", config.RuleConfig{Name: "str", Condition: `tool`, Level: "approve"}},
		{"unknown variable", config.RuleConfig{Name: "var", Condition: `session.id == "x"`, Level: "approve"}},
		{"bad level", config.RuleConfig{Name: "lvl", Condition: `true`, Level: "block"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRuleSet([]config.RuleConfig{tt.rule}, testLogger())
			assert.Error(t, err)
		})
	}
}

func TestRuleSet_NilIsEmpty(t *testing.T) {
	var rs *RuleSet
	got, matches := rs.Evaluate("anything", nil)
	assert.Equal(t, Auto, got)
	assert.Nil(t, matches)
	assert.Equal(t, 0, rs.Len())
}
