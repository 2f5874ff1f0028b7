package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overseer/overseer/internal/common/logger"
)

func testBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	b := NewMemoryEventBus(logger.Default())
	t.Cleanup(b.Close)
	return b
}

func waitForCount(t *testing.T, c *atomic.Int64, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Load() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, want, c.Load())
}

func TestSubscriptionReportsBoundSubject(t *testing.T) {
	b := testBus(t)

	sub, err := b.Subscribe(SubjectMissionCheckpoint, func(ctx context.Context, e *Event) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, SubjectMissionCheckpoint, sub.Subject())
	assert.True(t, sub.IsValid())

	qsub, err := b.QueueSubscribe(SubjectMissionAssignPrefix+"7", "agents", func(ctx context.Context, e *Event) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, SubjectMissionAssignPrefix+"7", qsub.Subject())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := testBus(t)

	var delivered atomic.Int64
	sub, err := b.Subscribe(SubjectAgentHealth, func(ctx context.Context, e *Event) error {
		delivered.Add(1)
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, SubjectAgentHealth, NewEvent("agent.busy", "registry", nil)))
	waitForCount(t, &delivered, 1)

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(ctx, SubjectAgentHealth, NewEvent("agent.idle", "registry", nil)))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), delivered.Load())
}

func TestQueueGroupDeliversToOneMember(t *testing.T) {
	b := testBus(t)

	var first, second atomic.Int64
	_, err := b.QueueSubscribe(SubjectMissionAssignPrefix+"*", "agents", func(ctx context.Context, e *Event) error {
		first.Add(1)
		return nil
	})
	require.NoError(t, err)
	_, err = b.QueueSubscribe(SubjectMissionAssignPrefix+"*", "agents", func(ctx context.Context, e *Event) error {
		second.Add(1)
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(ctx, SubjectMissionAssignPrefix+"3", NewEvent("mission.assigned", "dispatcher", nil)))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if first.Load()+second.Load() == 4 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Round-robin across the group: each member sees half, never all.
	assert.Equal(t, int64(2), first.Load())
	assert.Equal(t, int64(2), second.Load())
}

func TestWildcardSubjectMatching(t *testing.T) {
	b := testBus(t)

	var hits atomic.Int64
	_, err := b.Subscribe("mission.>", func(ctx context.Context, e *Event) error {
		hits.Add(1)
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, SubjectMissionCheckpoint, NewEvent("checkpoint", "agent", nil)))
	require.NoError(t, b.Publish(ctx, SubjectMissionAssignPrefix+"1", NewEvent("assigned", "dispatcher", nil)))
	require.NoError(t, b.Publish(ctx, SubjectAgentHealth, NewEvent("agent.busy", "registry", nil)))

	waitForCount(t, &hits, 2)
}
