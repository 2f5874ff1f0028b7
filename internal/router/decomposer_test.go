package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overseer/overseer/internal/agent"
)

func TestDecomposeSimpleTaskIsSinglePlan(t *testing.T) {
	d := NewDecomposer(nil, 0, nil)

	plan := d.Decompose(context.Background(), "summarize the release notes", "")
	require.Len(t, plan.Subtasks, 1)
	assert.Equal(t, "subtask-1", plan.Subtasks[0].ID)
	assert.Equal(t, agent.RoleGeneralist, plan.Subtasks[0].RecommendedRole)
	assert.Equal(t, OrderSequential, plan.ExecutionOrder)
	assert.Equal(t, TierSimple, plan.TotalEstimatedComplexity)
}

func TestDecomposeHeuristicBuildsPhaseChain(t *testing.T) {
	d := NewDecomposer(nil, 0, nil)

	plan := d.Decompose(context.Background(),
		"analyze the schema, implement the migration, test it, and document the rollout", "")

	require.Len(t, plan.Subtasks, 4)
	assert.Equal(t, agent.RoleAnalyst, plan.Subtasks[0].RecommendedRole)
	assert.Equal(t, agent.RoleCoder, plan.Subtasks[1].RecommendedRole)
	assert.Equal(t, agent.RoleTester, plan.Subtasks[2].RecommendedRole)
	assert.Equal(t, agent.RoleScribe, plan.Subtasks[3].RecommendedRole)

	// Each phase depends on the one before it.
	assert.Empty(t, plan.Subtasks[0].DependsOn)
	for i := 1; i < len(plan.Subtasks); i++ {
		assert.Equal(t, []string{plan.Subtasks[i-1].ID}, plan.Subtasks[i].DependsOn)
	}
	assert.Equal(t, OrderSequential, plan.ExecutionOrder)
}

func TestDecomposeHonorsMaxSubtasks(t *testing.T) {
	d := NewDecomposer(nil, 2, nil)

	plan := d.Decompose(context.Background(),
		"analyze the schema, implement the migration, test it, document it, and review the result", "")
	assert.Len(t, plan.Subtasks, 2)
}

func TestDecomposeUsesValidLLMPlan(t *testing.T) {
	stub := &stubLLM{text: `{"subtasks":[
{"id":"subtask-1","prompt":"draft the schema","role":"architect","model":"opus","depends_on":[]},
{"id":"subtask-2","prompt":"implement it","role":"coder","model":"sonnet","depends_on":["subtask-1"]},
{"id":"subtask-3","prompt":"benchmark it","role":"analyst","model":"sonnet","depends_on":[]}]}`}
	d := NewDecomposer(stub, 0, nil)

	plan := d.Decompose(context.Background(), "implement the new storage engine feature", "")
	require.Equal(t, 1, stub.calls)
	require.Len(t, plan.Subtasks, 3)
	assert.Equal(t, agent.RoleArchitect, plan.Subtasks[0].RecommendedRole)
	assert.Equal(t, []string{"subtask-1"}, plan.Dependencies["subtask-2"])
	assert.Equal(t, OrderMixed, plan.ExecutionOrder)
}

func TestDecomposeRejectsCyclicLLMPlan(t *testing.T) {
	stub := &stubLLM{text: `{"subtasks":[
{"id":"subtask-1","prompt":"a","role":"coder","model":"sonnet","depends_on":["subtask-2"]},
{"id":"subtask-2","prompt":"b","role":"coder","model":"sonnet","depends_on":["subtask-1"]}]}`}
	d := NewDecomposer(stub, 0, nil)

	plan := d.Decompose(context.Background(), "implement the importer feature and test it", "")
	require.Equal(t, 1, stub.calls)

	// The cyclic plan is discarded in favor of the heuristic chain.
	for _, st := range plan.Subtasks {
		if len(st.DependsOn) > 0 {
			assert.NotEqual(t, st.ID, st.DependsOn[0])
		}
	}
	assert.Equal(t, OrderSequential, plan.ExecutionOrder)
}

func TestDecomposeRejectsUnknownDependency(t *testing.T) {
	stub := &stubLLM{text: `{"subtasks":[
{"id":"subtask-1","prompt":"a","role":"coder","model":"sonnet","depends_on":["subtask-9"]}]}`}
	d := NewDecomposer(stub, 0, nil)

	plan := d.Decompose(context.Background(), "implement the importer feature", "")
	require.NotNil(t, plan)
	assert.NotEmpty(t, plan.Subtasks)
	for _, st := range plan.Subtasks {
		assert.NotContains(t, st.DependsOn, "subtask-9")
	}
}

func TestDeriveExecutionOrder(t *testing.T) {
	seq := []Subtask{{ID: "a"}, {ID: "b", DependsOn: []string{"a"}}}
	par := []Subtask{{ID: "a"}, {ID: "b"}}
	mixed := []Subtask{{ID: "a"}, {ID: "b", DependsOn: []string{"a"}}, {ID: "c"}}

	assert.Equal(t, OrderSequential, deriveExecutionOrder(seq))
	assert.Equal(t, OrderParallel, deriveExecutionOrder(par))
	assert.Equal(t, OrderMixed, deriveExecutionOrder(mixed))
}

func TestHasCycle(t *testing.T) {
	assert.False(t, hasCycle(map[string][]string{"b": {"a"}, "c": {"b"}}))
	assert.True(t, hasCycle(map[string][]string{"a": {"b"}, "b": {"a"}}))
	assert.True(t, hasCycle(map[string][]string{"a": {"a"}}))
}
