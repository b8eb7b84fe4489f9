package policy

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"

	"github.com/agentoverseer/overseer/internal/config"
)

// Rule is a compiled conditional admin rule. When its condition matches a
// tool call, the call's floor is raised to Level.
type Rule struct {
	Name       string
	Expression string
	Level      Level
	Message    string
	program    cel.Program
}

// RuleMatch describes a rule that fired, or failed to evaluate.
type RuleMatch struct {
	Rule    string `json:"rule"`
	Level   Level  `json:"level"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RuleSet evaluates operator-defined CEL conditions over `tool` (string) and
// `args` (map). Rules are compiled once; evaluation is safe for concurrent use.
type RuleSet struct {
	env    *cel.Env
	rules  []Rule
	logger *slog.Logger
}

// NewRuleSet compiles the configured rules. A rule that fails to compile is a
// startup error.
func NewRuleSet(cfgs []config.RuleConfig, logger *slog.Logger) (*RuleSet, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	rs := &RuleSet{
		env:    env,
		logger: logger.With("component", "policy.RuleSet"),
	}
	for i, rc := range cfgs {
		rule, err := rs.compile(rc)
		if err != nil {
			return nil, fmt.Errorf("permissions.rules[%d] %q: %w", i, rc.Name, err)
		}
		rs.rules = append(rs.rules, rule)
	}
	return rs, nil
}

func (rs *RuleSet) compile(rc config.RuleConfig) (Rule, error) {
	level, err := ParseLevel(rc.Level)
	if err != nil {
		return Rule{}, err
	}

	ast, issues := rs.env.Compile(rc.Condition)
	if issues != nil && issues.Err() != nil {
		return Rule{}, fmt.Errorf("CEL compile error in %q: %w", rc.Condition, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return Rule{}, fmt.Errorf("CEL expression %q must evaluate to bool, got %s", rc.Condition, ast.OutputType())
	}
	prg, err := rs.env.Program(ast)
	if err != nil {
		return Rule{}, fmt.Errorf("CEL program creation failed for %q: %w", rc.Condition, err)
	}

	rs.logger.Debug("compiled permission rule", "rule", rc.Name, "expression", rc.Condition)
	return Rule{
		Name:       rc.Name,
		Expression: rc.Condition,
		Level:      level,
		Message:    rc.Message,
		program:    prg,
	}, nil
}

// Len returns the number of compiled rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Evaluate returns the strictest level demanded by matching rules, and the
// matches themselves. A rule that errors at evaluation fails closed to
// Approve. With no matches the result is Auto.
func (rs *RuleSet) Evaluate(tool string, args map[string]any) (Level, []RuleMatch) {
	if rs == nil || len(rs.rules) == 0 {
		return Auto, nil
	}
	if args == nil {
		args = map[string]any{}
	}
	vars := map[string]any{"tool": tool, "args": args}

	floor := Auto
	var matches []RuleMatch
	for _, r := range rs.rules {
		out, _, err := r.program.Eval(vars)
		if err != nil {
			rs.logger.Error("permission rule evaluation error, failing closed",
				"rule", r.Name,
				"tool", tool,
				"error", err,
			)
			matches = append(matches, RuleMatch{Rule: r.Name, Level: Approve, Error: err.Error()})
			floor = Approve
			continue
		}
		matched, ok := out.Value().(bool)
		if !ok {
			matches = append(matches, RuleMatch{Rule: r.Name, Level: Approve, Error: fmt.Sprintf("non-bool result %T", out.Value())})
			floor = Approve
			continue
		}
		if matched {
			matches = append(matches, RuleMatch{Rule: r.Name, Level: r.Level, Message: r.Message})
			floor = Max(floor, r.Level)
		}
	}
	return floor, matches
}
