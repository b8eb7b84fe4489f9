package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoverseer/overseer/internal/store"
)

func TestManager_RunAll(t *testing.T) {
	h := newHarness(t, func(int, string) (string, error) { return decision("Done", true), nil }, nil)
	ids := []string{h.create(t, "first"), h.create(t, "second"), h.create(t, "third")}

	m := NewManager(h.runner, 2, testLogger())
	outcomes, err := m.RunAll(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	for i, o := range outcomes {
		assert.Equal(t, ids[i], o.TaskID)
		assert.Equal(t, store.TaskCompleted, o.Status)
	}
	assert.Empty(t, m.Running())
}

func TestManager_StartTwiceAndCancel(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h := newHarness(t, func(n int, _ string) (string, error) {
		entered <- struct{}{}
		<-release
		return decision("Wait", false), nil
	}, nil)
	id := h.create(t, "long running")

	m := NewManager(h.runner, 1, testLogger())
	ch, err := m.Start(context.Background(), id)
	require.NoError(t, err)

	_, err = m.Start(context.Background(), id)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, []string{id}, m.Running())

	<-entered
	assert.True(t, m.Cancel(id))
	close(release)

	out := <-ch
	assert.Equal(t, store.TaskPaused, out.Status)
	m.Wait()
	assert.Empty(t, m.Running())
	assert.False(t, m.Cancel(id))
}
