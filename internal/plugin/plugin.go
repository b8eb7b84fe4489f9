// Package plugin defines the capabilities the kernel consumes from outside:
// reasoning, tool execution, prompt assembly, and the memory and artifact
// sinks. Implementations carry no security logic; permissions, sandboxing
// and approval belong to the firewall.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentoverseer/overseer/internal/store"
	"github.com/agentoverseer/overseer/internal/tool"
)

// Reasoner returns raw text for a prompt. Transport failures are returned as
// errors; the output itself carries no structural contract.
type Reasoner interface {
	Call(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// ToolBackend discovers and executes tools. Execute errors are converted by
// the caller into error-classified results.
type ToolBackend interface {
	ListTools(ctx context.Context) ([]tool.Spec, error)
	Execute(ctx context.Context, call tool.Call) (tool.Result, error)
}

// BuildInput is everything besides the task that goes into a step prompt.
type BuildInput struct {
	Step        int
	MaxSteps    int
	Elapsed     time.Duration
	Tools       []tool.Spec
	Memories    []string
	Constraints []string
	// Notes are corrective messages from the previous verdict.
	Notes []string
	// WrapUp asks the reasoner to finish within this step.
	WrapUp bool
}

// ContextBuilder assembles the user prompt for one step.
type ContextBuilder interface {
	Build(task *store.Task, in BuildInput) (string, error)
}

// MemorySink persists cross-task observations.
type MemorySink interface {
	Save(ctx context.Context, m store.Memory) error
}

// MemoryRecaller reads memories back for prompt assembly. Optional.
type MemoryRecaller interface {
	ListMemories(ctx context.Context, category string, limit int) ([]store.Memory, error)
}

// ArtifactSink records files produced by tasks.
type ArtifactSink interface {
	Record(ctx context.Context, a store.Artifact) error
}

// Capability names.
const (
	CapReasoner  = "reasoner"
	CapTools     = "tools"
	CapContext   = "context"
	CapMemory    = "memory"
	CapArtifacts = "artifacts"
	CapRecall    = "recall"
)

// ErrMissingCapability is returned by Resolve when a required capability has
// no registered implementation.
var ErrMissingCapability = errors.New("missing capability")

// Set is the resolved collection handed to the orchestrator.
type Set struct {
	Reasoner  Reasoner
	Tools     ToolBackend
	Context   ContextBuilder
	Memory    MemorySink
	Artifacts ArtifactSink
	Recall    MemoryRecaller // may be nil
}

// Registry collects named implementations and resolves them once at
// startup. Each capability is registered under a name; Select picks which
// name is used when more than one is available.
type Registry struct {
	mu        sync.Mutex
	reasoners map[string]Reasoner
	tools     map[string]ToolBackend
	contexts  map[string]ContextBuilder
	memory    map[string]MemorySink
	artifacts map[string]ArtifactSink
	recall    map[string]MemoryRecaller
	selected  map[string]string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		reasoners: map[string]Reasoner{},
		tools:     map[string]ToolBackend{},
		contexts:  map[string]ContextBuilder{},
		memory:    map[string]MemorySink{},
		artifacts: map[string]ArtifactSink{},
		recall:    map[string]MemoryRecaller{},
		selected:  map[string]string{},
	}
}

func (r *Registry) RegisterReasoner(name string, impl Reasoner) {
	r.mu.Lock()
	r.reasoners[name] = impl
	r.mu.Unlock()
}

func (r *Registry) RegisterTools(name string, impl ToolBackend) {
	r.mu.Lock()
	r.tools[name] = impl
	r.mu.Unlock()
}

func (r *Registry) RegisterContext(name string, impl ContextBuilder) {
	r.mu.Lock()
	r.contexts[name] = impl
	r.mu.Unlock()
}

func (r *Registry) RegisterMemory(name string, impl MemorySink) {
	r.mu.Lock()
	r.memory[name] = impl
	r.mu.Unlock()
}

func (r *Registry) RegisterArtifacts(name string, impl ArtifactSink) {
	r.mu.Lock()
	r.artifacts[name] = impl
	r.mu.Unlock()
}

func (r *Registry) RegisterRecall(name string, impl MemoryRecaller) {
	r.mu.Lock()
	r.recall[name] = impl
	r.mu.Unlock()
}

// Select chooses the implementation name used for a capability.
func (r *Registry) Select(capability, name string) {
	r.mu.Lock()
	r.selected[capability] = name
	r.mu.Unlock()
}

// Resolve picks one implementation per capability. Every capability except
// recall is required; all missing ones are reported together.
func (r *Registry) Resolve() (Set, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	var set Set
	var err error
	if set.Reasoner, err = pick(CapReasoner, r.reasoners, r.selected[CapReasoner]); err != nil {
		errs = append(errs, err)
	}
	if set.Tools, err = pick(CapTools, r.tools, r.selected[CapTools]); err != nil {
		errs = append(errs, err)
	}
	if set.Context, err = pick(CapContext, r.contexts, r.selected[CapContext]); err != nil {
		errs = append(errs, err)
	}
	if set.Memory, err = pick(CapMemory, r.memory, r.selected[CapMemory]); err != nil {
		errs = append(errs, err)
	}
	if set.Artifacts, err = pick(CapArtifacts, r.artifacts, r.selected[CapArtifacts]); err != nil {
		errs = append(errs, err)
	}
	if len(r.recall) > 0 {
		if set.Recall, err = pick(CapRecall, r.recall, r.selected[CapRecall]); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return Set{}, errors.Join(errs...)
	}
	return set, nil
}

// pick returns the selected implementation, or the only one registered.
func pick[T any](capability string, impls map[string]T, selected string) (T, error) {
	var zero T
	if selected != "" {
		impl, ok := impls[selected]
		if !ok {
			return zero, fmt.Errorf("%w: %s %q not registered", ErrMissingCapability, capability, selected)
		}
		return impl, nil
	}
	switch len(impls) {
	case 0:
		return zero, fmt.Errorf("%w: %s", ErrMissingCapability, capability)
	case 1:
		for _, impl := range impls {
			return impl, nil
		}
	}
	names := make([]string, 0, len(impls))
	for n := range impls {
		names = append(names, n)
	}
	sort.Strings(names)
	return zero, fmt.Errorf("%s: %d implementations registered (%v), select one", capability, len(impls), names)
}
