package oracle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overseer/overseer/internal/agent"
	"github.com/overseer/overseer/internal/mission/models"
)

type fakeQueue struct {
	mu       sync.Mutex
	missions map[string]*models.Mission
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{missions: make(map[string]*models.Mission)}
}

func (f *fakeQueue) add(m *models.Mission) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	f.missions[m.ID] = m
}

func (f *fakeQueue) GetByStatus(status models.Status) []*models.Mission {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Mission
	for _, m := range f.missions {
		if m.Status == status {
			out = append(out, m.Clone())
		}
	}
	return out
}

func (f *fakeQueue) QueuedCount() int {
	return len(f.GetByStatus(models.StatusQueued))
}

func (f *fakeQueue) SetPriority(_ context.Context, id string, p models.Priority) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.missions[id]
	if !ok {
		return fmt.Errorf("mission %s not found", id)
	}
	m.Priority = p
	return nil
}

func (f *fakeQueue) GetMission(id string) *models.Mission {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.missions[id]; ok {
		return m.Clone()
	}
	return nil
}

type fakePool struct {
	mu       sync.Mutex
	agents   []*agent.Agent
	spawned  []agent.SpawnConfig
	assigned map[int64]agent.Role
	killed   []int64
	nextID   int64
}

func newFakePool(agents ...*agent.Agent) *fakePool {
	p := &fakePool{agents: agents, assigned: make(map[int64]agent.Role), nextID: 100}
	return p
}

func (p *fakePool) ListAgents() []*agent.Agent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*agent.Agent, 0, len(p.agents))
	for _, a := range p.agents {
		out = append(out, a.Clone())
	}
	return out
}

func (p *fakePool) SpawnAgent(_ context.Context, cfg agent.SpawnConfig) (*agent.Agent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.spawned = append(p.spawned, cfg)
	a := &agent.Agent{ID: p.nextID, Role: cfg.Role, Model: cfg.Model, Status: agent.StatusIdle}
	p.agents = append(p.agents, a)
	return a.Clone(), nil
}

func (p *fakePool) AssignRole(_ context.Context, id int64, role agent.Role) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.agents {
		if a.ID == id {
			a.Role = role
			p.assigned[id] = role
			return nil
		}
	}
	return fmt.Errorf("agent %d not found", id)
}

func (p *fakePool) Kill(_ context.Context, id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.agents {
		if a.ID == id {
			a.Status = agent.StatusStopped
			p.killed = append(p.killed, id)
			return nil
		}
	}
	return fmt.Errorf("agent %d not found", id)
}

func newTestController(q *fakeQueue, p *fakePool) *Controller {
	return New(q, p, nil, DefaultConfig(), nil)
}

func queuedMission(id string, t models.MissionType, prompt string) *models.Mission {
	return &models.Mission{
		ID:       id,
		Prompt:   prompt,
		Type:     t,
		Priority: models.PriorityNormal,
		Status:   models.StatusQueued,
	}
}

func TestAnalyzeWorkloadEmptyState(t *testing.T) {
	c := newTestController(newFakeQueue(), newFakePool())

	a := c.AnalyzeWorkload()
	assert.Empty(t, a.Agents)
	assert.Zero(t, a.QueueDepth)
	assert.Zero(t, a.MeanSuccessRate)
	assert.Empty(t, a.BottleneckRoles)
}

func TestAnalyzeWorkloadUtilizationAndBottlenecks(t *testing.T) {
	q := newFakeQueue()
	q.add(queuedMission("m1", models.TypeAnalysis, "inspect the logs"))

	pool := newFakePool(
		&agent.Agent{ID: 1, Role: agent.RoleGeneralist, Model: agent.TierSonnet, Status: agent.StatusBusy, TasksCompleted: 9, TasksFailed: 1},
		&agent.Agent{ID: 2, Role: agent.RoleGeneralist, Model: agent.TierSonnet, Status: agent.StatusIdle, TasksCompleted: 1},
	)
	c := newTestController(q, pool)

	a := c.AnalyzeWorkload()
	require.Len(t, a.Agents, 2)
	assert.Equal(t, 1, a.OverloadedCount, "busy agent at max utilization")
	assert.Equal(t, 1, a.UnderutilizedCount, "idle agent far below the pool maximum")
	assert.Equal(t, 1, a.QueuedByRole[agent.RoleAnalyst])
	assert.Contains(t, a.BottleneckRoles, agent.RoleAnalyst, "queued analysis work with no idle analyst")
	assert.InDelta(t, (0.9+1.0)/2, a.MeanSuccessRate, 1e-9)
}

func TestQueueGrowthRate(t *testing.T) {
	q := newFakeQueue()
	c := newTestController(q, newFakePool())

	base := time.Now().UTC()
	c.now = func() time.Time { return base }
	c.RecordQueueSnapshot()

	for i := 0; i < 6; i++ {
		q.add(queuedMission(fmt.Sprintf("g%d", i), models.TypeGeneral, "task"))
	}
	c.now = func() time.Time { return base.Add(time.Minute) }
	c.RecordQueueSnapshot()

	assert.InDelta(t, 6.0, c.QueueGrowthRate(), 1e-9)
}

func TestEvaluateSpawningOnQueueGrowth(t *testing.T) {
	q := newFakeQueue()
	pool := newFakePool(&agent.Agent{ID: 1, Role: agent.RoleGeneralist, Status: agent.StatusBusy})
	c := newTestController(q, pool)

	base := time.Now().UTC()
	c.now = func() time.Time { return base }
	c.RecordQueueSnapshot()
	for i := 0; i < 6; i++ {
		q.add(queuedMission(fmt.Sprintf("g%d", i), models.TypeGeneral, "routine task"))
	}
	c.now = func() time.Time { return base.Add(time.Minute) }
	c.RecordQueueSnapshot()

	decisions := c.EvaluateProactiveSpawning()
	require.NotEmpty(t, decisions)
	assert.Equal(t, agent.RoleGeneralist, decisions[0].Role)
	assert.Equal(t, UrgencyImmediate, decisions[0].Urgency)
}

func TestEvaluateSpawningOnRoleBacklog(t *testing.T) {
	q := newFakeQueue()
	for i := 0; i < 6; i++ {
		q.add(queuedMission(fmt.Sprintf("a%d", i), models.TypeAnalysis, "inspect data"))
	}
	// An idle generalist exists, so the growth trigger stays quiet.
	pool := newFakePool(&agent.Agent{ID: 1, Role: agent.RoleGeneralist, Status: agent.StatusIdle})
	c := newTestController(q, pool)

	decisions := c.EvaluateProactiveSpawning()
	require.Len(t, decisions, 1)
	assert.Equal(t, agent.RoleAnalyst, decisions[0].Role)
	assert.Equal(t, UrgencySoon, decisions[0].Urgency)
}

func TestSpawnsOpusForComplexBacklog(t *testing.T) {
	q := newFakeQueue()
	q.add(queuedMission("c1", models.TypeGeneral, "design the system architecture for the billing service"))
	q.add(queuedMission("c2", models.TypeGeneral, "threat model and security audit of the gateway"))

	pool := newFakePool(&agent.Agent{ID: 1, Role: agent.RoleGeneralist, Model: agent.TierOpus, Status: agent.StatusBusy})

	cfg := DefaultConfig()
	cfg.Triggers.TaskComplexityBacklog = 2
	c := New(q, pool, nil, cfg, nil)

	spawned := c.ExecuteProactiveSpawning(context.Background())
	require.Len(t, spawned, 1)
	assert.Equal(t, agent.TierOpus, spawned[0].Model)

	require.Len(t, pool.spawned, 1)
	assert.Equal(t, agent.TierOpus, pool.spawned[0].Model)
}

func TestExecuteSpawningSkipsOptionalAndHonorsCap(t *testing.T) {
	q := newFakeQueue()
	// Backlogs in three roles, each past the immediate threshold.
	for i := 0; i < 11; i++ {
		q.add(queuedMission(fmt.Sprintf("a%d", i), models.TypeAnalysis, "inspect data"))
		q.add(queuedMission(fmt.Sprintf("r%d", i), models.TypeReview, "look at the change"))
		q.add(queuedMission(fmt.Sprintf("e%d", i), models.TypeExtraction, "collect sources"))
	}
	pool := newFakePool(&agent.Agent{ID: 1, Role: agent.RoleScribe, Status: agent.StatusBusy})

	cfg := DefaultConfig()
	cfg.MaxSpawnsPerTick = 2
	c := New(q, pool, nil, cfg, nil)

	spawned := c.ExecuteProactiveSpawning(context.Background())
	assert.Len(t, spawned, 2)
	for _, cfg := range pool.spawned {
		assert.NotEqual(t, agent.RoleScribe, cfg.Role, "optional idle-floor decisions are not executed")
	}
}

func TestOptimizeEscalatesAgedMissions(t *testing.T) {
	q := newFakeQueue()
	now := time.Now().UTC()

	aged := queuedMission("aged-low", models.TypeGeneral, "waiting work")
	aged.Priority = models.PriorityLow
	aged.CreatedAt = now.Add(-40 * time.Minute)
	q.add(aged)

	stale := queuedMission("aged-normal", models.TypeGeneral, "older work")
	stale.CreatedAt = now.Add(-70 * time.Minute)
	q.add(stale)

	fresh := queuedMission("fresh", models.TypeGeneral, "new work")
	q.add(fresh)

	c := newTestController(q, newFakePool())
	applied := c.OptimizeMissionQueue(context.Background())
	require.Len(t, applied, 2)

	assert.Equal(t, models.PriorityNormal, q.GetMission("aged-low").Priority)
	assert.Equal(t, models.PriorityHigh, q.GetMission("aged-normal").Priority)
	assert.Equal(t, models.PriorityNormal, q.GetMission("fresh").Priority)
}

func TestOptimizeEscalatesBlockingMissions(t *testing.T) {
	q := newFakeQueue()
	q.add(queuedMission("root", models.TypeGeneral, "everything waits on this"))
	for i := 0; i < 3; i++ {
		m := queuedMission(fmt.Sprintf("dep%d", i), models.TypeGeneral, "downstream")
		m.Status = models.StatusBlocked
		m.DependsOn = []string{"root"}
		q.add(m)
	}

	c := newTestController(q, newFakePool())
	c.OptimizeMissionQueue(context.Background())
	assert.Equal(t, models.PriorityCritical, q.GetMission("root").Priority)
}

func TestOptimizeQuarantinesRetriedMissions(t *testing.T) {
	q := newFakeQueue()
	m := queuedMission("flaky", models.TypeGeneral, "keeps failing")
	m.Priority = models.PriorityHigh
	m.RetryCount = 2
	q.add(m)

	c := newTestController(q, newFakePool())
	c.OptimizeMissionQueue(context.Background())
	assert.Equal(t, models.PriorityLow, q.GetMission("flaky").Priority)
}

func TestOptimizeIsIdempotent(t *testing.T) {
	q := newFakeQueue()
	now := time.Now().UTC()

	aged := queuedMission("aged", models.TypeGeneral, "very old work")
	aged.Priority = models.PriorityLow
	aged.CreatedAt = now.Add(-90 * time.Minute)
	q.add(aged)

	flaky := queuedMission("flaky", models.TypeGeneral, "keeps failing")
	flaky.RetryCount = 3
	q.add(flaky)

	c := newTestController(q, newFakePool())
	first := c.OptimizeMissionQueue(context.Background())
	require.Len(t, first, 2)
	assert.Equal(t, models.PriorityHigh, q.GetMission("aged").Priority)

	second := c.OptimizeMissionQueue(context.Background())
	assert.Empty(t, second, "a second pass proposes nothing new")
}

func TestIdentifyBottlenecksEmptyState(t *testing.T) {
	c := newTestController(newFakeQueue(), newFakePool())
	assert.Empty(t, c.IdentifyBottlenecks())
}

func TestIdentifyBottlenecksQueueBackup(t *testing.T) {
	q := newFakeQueue()
	for i := 0; i < 12; i++ {
		q.add(queuedMission(fmt.Sprintf("m%d", i), models.TypeGeneral, "work"))
	}
	pool := newFakePool(&agent.Agent{ID: 1, Role: agent.RoleGeneralist, Status: agent.StatusIdle})
	c := newTestController(q, pool)

	found := c.IdentifyBottlenecks()
	require.Len(t, found, 1)
	assert.Equal(t, BottleneckQueueBackup, found[0].Type)
	assert.Equal(t, 12, found[0].Count)
}

func TestIdentifyBottlenecksFailureSpike(t *testing.T) {
	q := newFakeQueue()
	now := time.Now().UTC()
	for i := 0; i < 4; i++ {
		m := queuedMission(fmt.Sprintf("f%d", i), models.TypeGeneral, "failed work")
		m.Status = models.StatusFailed
		done := now.Add(-time.Minute)
		m.CompletedAt = &done
		q.add(m)
	}
	ok := queuedMission("ok", models.TypeGeneral, "finished work")
	ok.Status = models.StatusCompleted
	done := now.Add(-time.Minute)
	ok.CompletedAt = &done
	q.add(ok)

	c := newTestController(q, newFakePool())
	found := c.IdentifyBottlenecks()
	require.Len(t, found, 1)
	assert.Equal(t, BottleneckFailureSpike, found[0].Type)
	assert.Equal(t, SeverityHigh, found[0].Severity)
}

func TestIdentifyBottlenecksDeepChain(t *testing.T) {
	q := newFakeQueue()
	q.add(queuedMission("m0", models.TypeGeneral, "base"))
	for i := 1; i < 5; i++ {
		m := queuedMission(fmt.Sprintf("m%d", i), models.TypeGeneral, "link")
		m.Status = models.StatusBlocked
		m.DependsOn = []string{fmt.Sprintf("m%d", i-1)}
		q.add(m)
	}
	pool := newFakePool(&agent.Agent{ID: 1, Role: agent.RoleGeneralist, Status: agent.StatusIdle})
	c := newTestController(q, pool)

	var chains []Bottleneck
	for _, b := range c.IdentifyBottlenecks() {
		if b.Type == BottleneckDependencyChain {
			chains = append(chains, b)
		}
	}
	require.NotEmpty(t, chains)
	assert.Equal(t, "m4", chains[len(chains)-1].MissionID)
	assert.Equal(t, 5, chains[len(chains)-1].Count)
}

func TestRebalanceReassignsIdleGeneralist(t *testing.T) {
	q := newFakeQueue()
	for i := 0; i < 12; i++ {
		q.add(queuedMission(fmt.Sprintf("a%d", i), models.TypeAnalysis, "inspect data"))
	}
	pool := newFakePool(
		&agent.Agent{ID: 1, Role: agent.RoleGeneralist, Status: agent.StatusIdle},
		&agent.Agent{ID: 2, Role: agent.RoleAnalyst, Status: agent.StatusBusy},
	)
	c := newTestController(q, pool)

	actions := c.executeRebalance(context.Background(), c.IdentifyBottlenecks())
	require.NotEmpty(t, actions)
	assert.Equal(t, RebalanceReassign, actions[0].Type)
	assert.True(t, actions[0].Executed)
	assert.Equal(t, agent.RoleAnalyst, pool.assigned[1])
}

func TestRebalanceRetiresSurplusIdleAgents(t *testing.T) {
	q := newFakeQueue()
	pool := newFakePool(
		&agent.Agent{ID: 1, Role: agent.RoleReviewer, Status: agent.StatusIdle},
		&agent.Agent{ID: 2, Role: agent.RoleReviewer, Status: agent.StatusIdle},
		&agent.Agent{ID: 3, Role: agent.RoleReviewer, Status: agent.StatusIdle},
		&agent.Agent{ID: 4, Role: agent.RoleReviewer, Status: agent.StatusIdle},
	)
	c := newTestController(q, pool)

	actions := c.executeRebalance(context.Background(), nil)
	require.Len(t, actions, 2)
	assert.Equal(t, []int64{4, 3}, pool.killed)
}

func TestAutoOptimizeRunsFullPass(t *testing.T) {
	q := newFakeQueue()
	now := time.Now().UTC()
	aged := queuedMission("aged", models.TypeGeneral, "waiting work")
	aged.Priority = models.PriorityLow
	aged.CreatedAt = now.Add(-40 * time.Minute)
	q.add(aged)

	pool := newFakePool(&agent.Agent{ID: 1, Role: agent.RoleGeneralist, Status: agent.StatusIdle})
	c := newTestController(q, pool)

	summary := c.AutoOptimize(context.Background())
	require.NotNil(t, summary)
	require.Len(t, summary.PriorityAdjustments, 1)
	assert.Equal(t, models.PriorityNormal, summary.PriorityAdjustments[0].To)
}

func TestStartStopLoop(t *testing.T) {
	q := newFakeQueue()
	pool := newFakePool()
	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	c := New(q, pool, nil, cfg, nil)

	c.Start(context.Background())
	time.Sleep(35 * time.Millisecond)
	c.Stop()

	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	assert.NotEmpty(t, c.snapshots, "the loop records queue snapshots each tick")
}
