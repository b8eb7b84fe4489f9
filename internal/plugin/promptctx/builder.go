// Package promptctx is the default ContextBuilder. It renders a task's goal,
// findings and guidance into the per-step user prompt.
package promptctx

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"text/template"
	"unicode"

	"github.com/agentoverseer/overseer/internal/plugin"
	"github.com/agentoverseer/overseer/internal/store"
	"github.com/agentoverseer/overseer/internal/tool"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var stepTemplate = template.Must(template.ParseFS(templateFS, "templates/step.tmpl"))

// DefaultMaxTokens is the findings budget used when none is configured.
const DefaultMaxTokens = 8000

// keepRecent findings always survive compaction.
const keepRecent = 3

// priorityPrefixes mark findings that survive compaction regardless of age.
var priorityPrefixes = []string{"human", "perception:", "system:"}

type param struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

type toolView struct {
	Name        string
	Description string
	Params      []param
}

type promptData struct {
	Goal           string
	StepsDone      int
	MaxSteps       int
	Remaining      int
	ElapsedMinutes float64
	Tools          []toolView
	Findings       []store.Finding
	Omitted        int
	Constraints    []string
	Notes          []string
	Artifacts      []string
	Reflection     string
	Memories       []string
	WrapUp         bool
}

// Builder renders step prompts.
type Builder struct {
	maxTokens int
	logger    *slog.Logger
}

var _ plugin.ContextBuilder = (*Builder)(nil)

// New creates a Builder. maxTokens bounds the estimated size of the findings
// section; 0 means DefaultMaxTokens.
func New(maxTokens int, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Builder{maxTokens: maxTokens, logger: logger.With("component", "promptctx.Builder")}
}

// Build renders the prompt for the next step of task.
func (b *Builder) Build(task *store.Task, in plugin.BuildInput) (string, error) {
	if task == nil {
		return "", fmt.Errorf("build prompt: nil task")
	}
	findings, omitted := Compact(task.Context.Findings, b.maxTokens)
	if omitted > 0 {
		b.logger.Debug("findings compacted", "task_id", task.ID, "omitted", omitted, "kept", len(findings))
	}

	data := promptData{
		Goal:           task.Goal,
		StepsDone:      task.StepCount,
		MaxSteps:       in.MaxSteps,
		ElapsedMinutes: in.Elapsed.Minutes(),
		Tools:          toolViews(in.Tools),
		Findings:       findings,
		Omitted:        omitted,
		Constraints:    in.Constraints,
		Notes:          in.Notes,
		Artifacts:      task.Context.Artifacts,
		Memories:       in.Memories,
		WrapUp:         in.WrapUp,
	}
	if in.MaxSteps > 0 {
		data.Remaining = max(0, in.MaxSteps-task.StepCount)
	}
	if n := len(task.Context.Reflections); n > 0 {
		data.Reflection = task.Context.Reflections[n-1]
	}

	var buf bytes.Buffer
	if err := stepTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}

// EstimateTokens is a rough count for mixed Chinese and English text: about
// 1.5 Han characters or 4 other characters per token.
func EstimateTokens(text string) int {
	var han, other int
	for _, r := range text {
		if unicode.Is(unicode.Han, r) {
			han++
		} else {
			other++
		}
	}
	return int(float64(han)/1.5 + float64(other)/4)
}

// Compact drops the oldest ordinary findings until the rest fit maxTokens.
// Priority findings and the last few findings are always kept. It returns the
// kept findings in their original order and how many were dropped.
func Compact(findings []store.Finding, maxTokens int) ([]store.Finding, int) {
	total := 0
	for _, f := range findings {
		total += findingTokens(f)
	}
	if total <= maxTokens || len(findings) <= keepRecent {
		return findings, 0
	}

	drop := make(map[int]bool)
	for i := 0; i < len(findings)-keepRecent && total > maxTokens; i++ {
		if isPriority(findings[i].Key) {
			continue
		}
		drop[i] = true
		total -= findingTokens(findings[i])
	}
	out := make([]store.Finding, 0, len(findings)-len(drop))
	for i, f := range findings {
		if !drop[i] {
			out = append(out, f)
		}
	}
	return out, len(drop)
}

func findingTokens(f store.Finding) int {
	return EstimateTokens(f.Key) + EstimateTokens(f.Value) + 4
}

func isPriority(key string) bool {
	for _, p := range priorityPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

type schemaDoc struct {
	Properties map[string]struct {
		Type        any    `json:"type"`
		Description string `json:"description"`
	} `json:"properties"`
	Required []string `json:"required"`
}

func toolViews(specs []tool.Spec) []toolView {
	out := make([]toolView, 0, len(specs))
	for _, s := range specs {
		v := toolView{Name: s.Name, Description: s.Description}
		var doc schemaDoc
		if len(s.Schema) > 0 && json.Unmarshal(s.Schema, &doc) == nil {
			required := make(map[string]bool, len(doc.Required))
			for _, r := range doc.Required {
				required[r] = true
			}
			for name, p := range doc.Properties {
				typ := "string"
				if t, ok := p.Type.(string); ok && t != "" {
					typ = t
				}
				v.Params = append(v.Params, param{Name: name, Type: typ, Description: p.Description, Required: required[name]})
			}
			sort.Slice(v.Params, func(i, j int) bool { return v.Params[i].Name < v.Params[j].Name })
		}
		out = append(out, v)
	}
	return out
}
