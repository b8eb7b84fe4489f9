package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoverseer/overseer/internal/store"
	"github.com/agentoverseer/overseer/internal/tool"
)

type stubReasoner struct{ name string }

func (s stubReasoner) Call(context.Context, string, string) (string, error) { return s.name, nil }

type stubTools struct{}

func (stubTools) ListTools(context.Context) ([]tool.Spec, error) { return nil, nil }
func (stubTools) Execute(context.Context, tool.Call) (tool.Result, error) {
	return tool.Result{}, nil
}

type stubContext struct{}

func (stubContext) Build(*store.Task, BuildInput) (string, error) { return "", nil }

type stubSink struct{}

func (stubSink) Save(context.Context, store.Memory) error     { return nil }
func (stubSink) Record(context.Context, store.Artifact) error { return nil }

func fullRegistry() *Registry {
	r := NewRegistry()
	r.RegisterReasoner("a", stubReasoner{"a"})
	r.RegisterTools("builtin", stubTools{})
	r.RegisterContext("default", stubContext{})
	r.RegisterMemory("sqlite", stubSink{})
	r.RegisterArtifacts("sqlite", stubSink{})
	return r
}

func TestRegistry_Resolve(t *testing.T) {
	set, err := fullRegistry().Resolve()
	require.NoError(t, err)
	assert.NotNil(t, set.Reasoner)
	assert.Nil(t, set.Recall)
}

func TestRegistry_MissingCapabilities(t *testing.T) {
	r := NewRegistry()
	r.RegisterReasoner("a", stubReasoner{"a"})
	_, err := r.Resolve()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingCapability))
	for _, capName := range []string{CapTools, CapContext, CapMemory, CapArtifacts} {
		assert.Contains(t, err.Error(), capName)
	}
}

func TestRegistry_SelectAmongSeveral(t *testing.T) {
	r := fullRegistry()
	r.RegisterReasoner("b", stubReasoner{"b"})
	_, err := r.Resolve()
	require.Error(t, err, "ambiguous without a selection")

	r.Select(CapReasoner, "b")
	set, err := r.Resolve()
	require.NoError(t, err)
	out, _ := set.Reasoner.Call(context.Background(), "", "")
	assert.Equal(t, "b", out)

	r.Select(CapReasoner, "zzz")
	_, err = r.Resolve()
	assert.True(t, errors.Is(err, ErrMissingCapability))
}
