//go:build !windows

package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overseer/overseer/internal/agent"
	"github.com/overseer/overseer/internal/store/sqlite"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	g, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	r := New(Config{Command: "sleep 60"}, g, nil, nil)
	t.Cleanup(func() {
		r.Shutdown(context.Background())
		_ = g.Close()
	})
	return r
}

func TestSpawnAgentBecomesIdle(t *testing.T) {
	r := newTestRegistry(t)

	a, err := r.SpawnAgent(context.Background(), agent.SpawnConfig{
		Role:  agent.RoleCoder,
		Model: agent.TierSonnet,
	})
	require.NoError(t, err)
	assert.Equal(t, agent.StatusIdle, a.Status)
	assert.Equal(t, agent.RoleCoder, a.Role)
	assert.NotZero(t, a.PID)
	assert.NotEmpty(t, a.Name)

	report, err := r.HealthCheck(a.ID)
	require.NoError(t, err)
	assert.True(t, report.Alive)
}

func TestSpawnPool(t *testing.T) {
	r := newTestRegistry(t)

	agents, err := r.SpawnPool(context.Background(), 3, agent.SpawnConfig{Role: agent.RoleGeneralist})
	require.NoError(t, err)
	assert.Len(t, agents, 3)
	assert.Equal(t, 3, r.IdleCount())
}

func TestGetAvailableAgentPrefersExactRole(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.SpawnAgent(ctx, agent.SpawnConfig{Role: agent.RoleGeneralist})
	require.NoError(t, err)
	tester, err := r.SpawnAgent(ctx, agent.SpawnConfig{Role: agent.RoleTester})
	require.NoError(t, err)

	got, err := r.GetAvailableAgent(agent.RoleTester)
	require.NoError(t, err)
	assert.Equal(t, tester.ID, got.ID)
}

func TestGetAvailableAgentFallsBackToGeneralist(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	generalist, err := r.SpawnAgent(ctx, agent.SpawnConfig{Role: agent.RoleGeneralist})
	require.NoError(t, err)
	_, err = r.SpawnAgent(ctx, agent.SpawnConfig{Role: agent.RoleScribe})
	require.NoError(t, err)

	got, err := r.GetAvailableAgent(agent.RoleDebugger)
	require.NoError(t, err)
	assert.Equal(t, generalist.ID, got.ID)
}

func TestOracleAgentNeverDispatched(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.SpawnAgent(ctx, agent.SpawnConfig{Role: agent.RoleOracle})
	require.NoError(t, err)

	_, err = r.GetAvailableAgent(agent.RoleOracle)
	assert.ErrorIs(t, err, ErrNoAvailableAgent)
	_, err = r.GetLeastBusyAgent()
	assert.ErrorIs(t, err, ErrNoAvailableAgent)
}

func TestBusyAgentIsNotAvailable(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.SpawnAgent(ctx, agent.SpawnConfig{Role: agent.RoleCoder})
	require.NoError(t, err)
	require.NoError(t, r.MarkBusy(ctx, a.ID, "m-1"))

	_, err = r.GetAvailableAgent(agent.RoleCoder)
	assert.ErrorIs(t, err, ErrNoAvailableAgent)
}

func TestCompleteTaskUpdatesCounters(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.SpawnAgent(ctx, agent.SpawnConfig{Role: agent.RoleCoder})
	require.NoError(t, err)
	require.NoError(t, r.MarkBusy(ctx, a.ID, "m-1"))
	require.NoError(t, r.CompleteTask(ctx, "m-1", true, 1500))

	got, err := r.GetAgent(a.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusIdle, got.Status)
	assert.Equal(t, int64(1), got.TasksCompleted)
	assert.Equal(t, int64(1500), got.TotalDurationMs)
	assert.Empty(t, got.CurrentMissionID)
	assert.Equal(t, 1.0, got.SuccessRate())

	require.NoError(t, r.MarkBusy(ctx, a.ID, "m-2"))
	require.NoError(t, r.CompleteTask(ctx, "m-2", false, 500))
	got, err = r.GetAgent(a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.TasksFailed)
	assert.Equal(t, 0.5, got.SuccessRate())
}

func TestAssignRoleAndSpecialists(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.SpawnAgent(ctx, agent.SpawnConfig{Role: agent.RoleGeneralist})
	require.NoError(t, err)
	require.NoError(t, r.AssignRole(ctx, a.ID, agent.RoleReviewer))

	specialists := r.GetSpecialists(agent.RoleReviewer)
	require.Len(t, specialists, 1)
	assert.Equal(t, a.ID, specialists[0].ID)
}

func TestGetAgentsByModel(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.SpawnAgent(ctx, agent.SpawnConfig{Role: agent.RoleCoder, Model: agent.TierOpus})
	require.NoError(t, err)
	_, err = r.SpawnAgent(ctx, agent.SpawnConfig{Role: agent.RoleCoder, Model: agent.TierHaiku})
	require.NoError(t, err)

	assert.Len(t, r.GetAgentsByModel(agent.TierOpus), 1)
	assert.Len(t, r.GetAgentsByModel(agent.TierHaiku), 1)
	assert.Empty(t, r.GetAgentsByModel(agent.TierSonnet))
}

func TestKillAgent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.SpawnAgent(ctx, agent.SpawnConfig{Role: agent.RoleCoder})
	require.NoError(t, err)
	require.NoError(t, r.Kill(ctx, a.ID))

	got, err := r.GetAgent(a.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusStopped, got.Status)
	assert.Zero(t, got.PID)

	_, err = r.GetAvailableAgent("")
	assert.ErrorIs(t, err, ErrNoAvailableAgent)
}

func TestRestartAgent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.SpawnAgent(ctx, agent.SpawnConfig{Role: agent.RoleCoder})
	require.NoError(t, err)
	oldPID := a.PID

	require.NoError(t, r.Restart(ctx, a.ID))
	got, err := r.GetAgent(a.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusIdle, got.Status)
	assert.NotZero(t, got.PID)
	assert.NotEqual(t, oldPID, got.PID)
}

// Exercises concurrent status transitions against readers. Run with -race:
// every mutation must happen under the registry lock, with readers only
// observing the agent before or after a whole transition.
func TestConcurrentTransitionsAndReaders(t *testing.T) {
	g, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	ctx := context.Background()

	seeded := &agent.Agent{Name: "worker", Role: agent.RoleCoder, Model: agent.TierSonnet, Status: agent.StatusIdle}
	id, err := g.SaveAgent(ctx, seeded)
	require.NoError(t, err)

	r := New(Config{}, g, nil, nil)
	require.NoError(t, r.LoadFromDb(ctx))

	const iterations = 500
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			_ = r.MarkBusy(ctx, id, "m-race")
			_ = r.CompleteTask(ctx, "m-race", i%2 == 0, 10)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			for _, a := range r.ListAgents() {
				_ = a.Status
				_ = a.CurrentMissionID
			}
			_, _ = r.GetAvailableAgent(agent.RoleCoder)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			if a, err := r.GetAgent(id); err == nil {
				_ = a.TasksCompleted
			}
			_ = r.AssignRole(ctx, id, agent.RoleCoder)
		}
	}()
	wg.Wait()

	got, err := r.GetAgent(id)
	require.NoError(t, err)
	assert.Equal(t, int64(iterations), got.TasksCompleted+got.TasksFailed)
	assert.Equal(t, agent.StatusIdle, got.Status)
	assert.Empty(t, got.CurrentMissionID)
}

func TestLoadFromDbDowngradesLiveStatuses(t *testing.T) {
	g, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	ctx := context.Background()

	stale := &agent.Agent{Name: "survivor", Role: agent.RoleCoder, Model: agent.TierSonnet, Status: agent.StatusBusy, PID: 12345}
	_, err = g.SaveAgent(ctx, stale)
	require.NoError(t, err)

	r := New(Config{Command: "sleep 60"}, g, nil, nil)
	require.NoError(t, r.LoadFromDb(ctx))

	got, err := r.GetAgent(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusStopped, got.Status)
	assert.Zero(t, got.PID)
}
