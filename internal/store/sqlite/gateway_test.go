package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overseer/overseer/internal/agent"
	learnmodels "github.com/overseer/overseer/internal/learning/models"
	"github.com/overseer/overseer/internal/mission/models"
	"github.com/overseer/overseer/internal/store"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	g, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func newTestMission(id string) *models.Mission {
	return &models.Mission{
		ID:         id,
		Prompt:     "summarize the quarterly report",
		Priority:   models.PriorityNormal,
		Type:       models.TypeGeneral,
		Status:     models.StatusQueued,
		TimeoutMs:  300000,
		MaxRetries: 3,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestSaveAndGetMission(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	m := newTestMission("m-1")
	m.DependsOn = []string{"m-0"}
	require.NoError(t, g.SaveMission(ctx, m))

	got, err := g.GetMission(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, "m-1", got.ID)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Equal(t, []string{"m-0"}, got.DependsOn)
	assert.Nil(t, got.AssignedTo)
	assert.Empty(t, got.ExecutionID)
}

func TestGetMissionNotFound(t *testing.T) {
	g := newTestGateway(t)

	_, err := g.GetMission(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))
}

func TestAtomicClaim(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, g.SaveMission(ctx, newTestMission("m-1")))

	res, err := g.AtomicClaim(ctx, "m-1", 7, "exec-1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "exec-1", res.ExecutionID)

	got, err := g.GetMission(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	require.NotNil(t, got.AssignedTo)
	assert.Equal(t, int64(7), *got.AssignedTo)
	assert.Equal(t, "exec-1", got.ExecutionID)
	require.NotNil(t, got.StartedAt)
}

func TestAtomicClaimLosesSecondAttempt(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, g.SaveMission(ctx, newTestMission("m-1")))

	first, err := g.AtomicClaim(ctx, "m-1", 1, "exec-1")
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := g.AtomicClaim(ctx, "m-1", 2, "exec-2")
	require.NoError(t, err)
	assert.False(t, second.Success)

	// First claimer's binding is untouched.
	got, err := g.GetMission(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.Equal(t, int64(1), *got.AssignedTo)
}

func TestAtomicClaimRequiresQueuedStatus(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	m := newTestMission("m-1")
	m.Status = models.StatusPending
	require.NoError(t, g.SaveMission(ctx, m))

	res, err := g.AtomicClaim(ctx, "m-1", 1, "exec-1")
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestUpdateMissionStatusClearsExecution(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, g.SaveMission(ctx, newTestMission("m-1")))
	res, err := g.AtomicClaim(ctx, "m-1", 1, "exec-1")
	require.NoError(t, err)
	require.True(t, res.Success)

	// Crash recovery: back to queued with the binding cleared, so the
	// mission is claimable again.
	err = g.UpdateMissionStatus(ctx, "m-1", models.StatusQueued, store.MissionUpdate{
		ClearExecution:  true,
		ClearAssignment: true,
		ClearStartedAt:  true,
	})
	require.NoError(t, err)

	got, err := g.GetMission(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Empty(t, got.ExecutionID)
	assert.Nil(t, got.AssignedTo)
	assert.Nil(t, got.StartedAt)

	reclaim, err := g.AtomicClaim(ctx, "m-1", 2, "exec-2")
	require.NoError(t, err)
	assert.True(t, reclaim.Success)
}

func TestUpdateMissionStatusWithResult(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, g.SaveMission(ctx, newTestMission("m-1")))

	now := time.Now().UTC()
	err := g.UpdateMissionStatus(ctx, "m-1", models.StatusCompleted, store.MissionUpdate{
		CompletedAt: &now,
		Result: &models.MissionResult{
			Output:     "done",
			DurationMs: 1200,
			Tokens:     models.TokenUsage{InputTokens: 10, OutputTokens: 20},
		},
	})
	require.NoError(t, err)

	got, err := g.GetMission(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "done", got.Result.Output)
	assert.Equal(t, 20, got.Result.Tokens.OutputTokens)
}

func TestUpdateMissionStatusNotFound(t *testing.T) {
	g := newTestGateway(t)

	err := g.UpdateMissionStatus(context.Background(), "missing", models.StatusFailed, store.MissionUpdate{})
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))
}

func TestLoadPendingMissions(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	queued := newTestMission("m-queued")
	running := newTestMission("m-running")
	running.Status = models.StatusRunning
	running.ExecutionID = "exec-stale"
	done := newTestMission("m-done")
	done.Status = models.StatusCompleted

	require.NoError(t, g.SaveMission(ctx, queued))
	require.NoError(t, g.SaveMission(ctx, running))
	require.NoError(t, g.SaveMission(ctx, done))

	missions, err := g.LoadPendingMissions(ctx)
	require.NoError(t, err)
	require.Len(t, missions, 2)

	ids := map[string]bool{}
	for _, m := range missions {
		ids[m.ID] = true
	}
	assert.True(t, ids["m-queued"])
	assert.True(t, ids["m-running"])
	assert.False(t, ids["m-done"])
}

func TestAgentLifecycleRoundTrip(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	a := &agent.Agent{
		Name:   "agent-1",
		Role:   agent.RoleCoder,
		Model:  agent.TierSonnet,
		Status: agent.StatusStarting,
		PID:    4242,
	}
	id, err := g.SaveAgent(ctx, a)
	require.NoError(t, err)
	require.NotZero(t, id)

	a.Status = agent.StatusIdle
	a.TasksCompleted = 3
	require.NoError(t, g.UpdateAgent(ctx, a))

	got, err := g.GetAgent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusIdle, got.Status)
	assert.Equal(t, agent.RoleCoder, got.Role)
	assert.Equal(t, int64(3), got.TasksCompleted)
	assert.Equal(t, 4242, got.PID)

	agents, err := g.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestInboxEntryRoundTrip(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	e := &store.InboxEntry{
		AgentID:     5,
		MissionID:   "m-1",
		ExecutionID: "exec-1",
		Prompt:      "run the analysis",
		Priority:    models.PriorityHigh,
		Status:      models.StatusQueued,
	}
	require.NoError(t, g.SaveInboxEntry(ctx, e))
	require.NotEmpty(t, e.ID)

	now := time.Now().UTC()
	e.Status = models.StatusCompleted
	e.Result = "analysis complete"
	e.InputTokens = 100
	e.OutputTokens = 250
	e.CompletedAt = &now
	require.NoError(t, g.UpdateInboxEntry(ctx, e))

	got, err := g.GetInboxEntryByMission(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.Equal(t, 250, got.OutputTokens)

	entries, err := g.ListInboxEntries(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRequirementLifecycle(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	r := &models.BusinessRequirement{
		Title:    "ship the search index",
		Domain:   models.DomainProject,
		Status:   models.RequirementOpen,
		Priority: models.PriorityHigh,
	}
	id, err := g.CreateRequirement(ctx, r)
	require.NoError(t, err)
	require.NotZero(t, id)

	require.NoError(t, g.UpdateBusinessRequirementStatus(ctx, id, models.RequirementInProgress))

	got, err := g.GetRequirement(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.RequirementInProgress, got.Status)
	assert.Equal(t, models.DomainProject, got.Domain)
}

func TestLearningValidationSteps(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	l := &learnmodels.Learning{
		Category:        learnmodels.CategoryDebugging,
		Title:           "retry after transient socket errors",
		SourceMissionID: "m-1",
	}
	id, err := g.CreateLearning(ctx, l)
	require.NoError(t, err)

	require.NoError(t, g.ValidateLearning(ctx, id))
	require.NoError(t, g.ValidateLearning(ctx, id))

	got, err := g.GetLearningByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ValidationCount)
	assert.Equal(t, learnmodels.ConfidenceHigh, got.Confidence)

	byMission, err := g.GetLearningsByMission(ctx, "m-1")
	require.NoError(t, err)
	assert.Len(t, byMission, 1)
}

func TestTaskLineageAggregates(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	reqID, err := g.CreateRequirement(ctx, &models.BusinessRequirement{
		Title:    "index the knowledge base",
		Domain:   models.DomainProject,
		Status:   models.RequirementOpen,
		Priority: models.PriorityNormal,
	})
	require.NoError(t, err)

	ok := &store.InboxEntry{
		AgentID: 1, MissionID: "m-1", ExecutionID: "e-1",
		Prompt: "part one", Priority: models.PriorityNormal,
		Status: models.StatusCompleted, RequirementID: reqID,
		InputTokens: 50, OutputTokens: 100,
	}
	bad := &store.InboxEntry{
		AgentID: 2, MissionID: "m-2", ExecutionID: "e-2",
		Prompt: "part two", Priority: models.PriorityNormal,
		Status: models.StatusFailed, RequirementID: reqID,
		InputTokens: 30,
	}
	require.NoError(t, g.SaveInboxEntry(ctx, ok))
	require.NoError(t, g.SaveInboxEntry(ctx, bad))

	_, err = g.CreateLearning(ctx, &learnmodels.Learning{
		Category:     learnmodels.CategoryProcess,
		Title:        "split indexing into batches",
		SourceTaskID: reqID,
	})
	require.NoError(t, err)

	lineage, err := g.GetTaskLineage(ctx, reqID)
	require.NoError(t, err)
	assert.Equal(t, 1, lineage.Completed)
	assert.Equal(t, 1, lineage.Failed)
	assert.Equal(t, 180, lineage.TotalTokens)
	assert.Len(t, lineage.Executions, 2)
	assert.Len(t, lineage.Learnings, 1)
}

func TestSearchFeedbackRoundTrip(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	f := &learnmodels.SearchFeedback{
		Query:          "connection pool exhaustion",
		SearchType:     learnmodels.SearchHybrid,
		ResultsShown:   []string{"doc-1", "doc-2"},
		ResultSelected: "doc-2",
		PositionShown:  2,
		LatencyMs:      14,
		Feedback:       learnmodels.FeedbackRelevant,
	}
	require.NoError(t, g.SaveSearchFeedback(ctx, f))

	list, err := g.ListSearchFeedback(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, learnmodels.SearchHybrid, list[0].SearchType)
	assert.Equal(t, []string{"doc-1", "doc-2"}, list[0].ResultsShown)
	assert.Equal(t, learnmodels.FeedbackRelevant, list[0].Feedback)
}

func TestSchemaInitIsIdempotent(t *testing.T) {
	g := newTestGateway(t)
	require.NoError(t, g.initSchema())
}
