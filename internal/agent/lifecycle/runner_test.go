//go:build !windows

package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overseer/overseer/internal/events/bus"
)

func TestRunnerStartAndStop(t *testing.T) {
	r := NewRunner(RunnerConfig{
		AgentID: 1,
		Command: "sleep 30",
	}, nil, nil)

	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	assert.True(t, r.Alive())
	assert.NotZero(t, r.PID())

	require.NoError(t, r.Stop(ctx))
	assert.False(t, r.Alive())
	assert.Zero(t, r.PID())
}

func TestRunnerCapturesOutput(t *testing.T) {
	r := NewRunner(RunnerConfig{
		AgentID: 2,
		Command: "echo terminal-check",
	}, nil, nil)

	ctx := context.Background()
	require.NoError(t, r.Start(ctx))

	require.Eventually(t, func() bool {
		for _, c := range r.Output() {
			if len(c.Data) > 0 {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
	_ = r.Stop(ctx)
}

func TestRunnerPublishesSpawnEvent(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(nil)
	t.Cleanup(func() { eventBus.Close() })

	received := make(chan *bus.Event, 4)
	_, err := eventBus.Subscribe(bus.SubjectAgentHealth, func(ctx context.Context, e *bus.Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	r := NewRunner(RunnerConfig{AgentID: 3, Command: "sleep 30"}, eventBus, nil)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop(context.Background()) })

	select {
	case e := <-received:
		assert.Equal(t, EventSpawn, e.Data["event"])
		assert.Equal(t, int64(3), e.Data["agent_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("no health event received")
	}
}

func TestRunnerDoubleStartFails(t *testing.T) {
	r := NewRunner(RunnerConfig{AgentID: 4, Command: "sleep 30"}, nil, nil)
	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() { _ = r.Stop(ctx) })

	assert.Error(t, r.Start(ctx))
}
