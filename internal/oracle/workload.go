package oracle

import (
	"github.com/overseer/overseer/internal/agent"
	"github.com/overseer/overseer/internal/mission/models"
	"github.com/overseer/overseer/internal/router"
)

const (
	// overloadedUtilization marks a busy agent as overloaded.
	overloadedUtilization = 0.8
	// underutilizedUtilization marks an idle agent as underutilized.
	underutilizedUtilization = 0.2
)

// AgentMetrics is one agent's slice of the workload analysis.
type AgentMetrics struct {
	AgentID          int64           `json:"agent_id"`
	Name             string          `json:"name"`
	Role             agent.Role      `json:"role"`
	Model            agent.ModelTier `json:"model"`
	Status           agent.Status    `json:"status"`
	TasksCompleted   int64           `json:"tasks_completed"`
	TasksFailed      int64           `json:"tasks_failed"`
	SuccessRate      float64         `json:"success_rate"`
	UtilizationScore float64         `json:"utilization_score"`
	Overloaded       bool            `json:"overloaded"`
	Underutilized    bool            `json:"underutilized"`
}

// WorkloadAnalysis is a point-in-time picture of pool health against queue load.
type WorkloadAnalysis struct {
	Agents             []AgentMetrics          `json:"agents"`
	RoleDistribution   map[agent.Role]int      `json:"role_distribution"`
	ModelDistribution  map[agent.ModelTier]int `json:"model_distribution"`
	QueuedByRole       map[agent.Role]int      `json:"queued_by_role"`
	QueueDepth         int                     `json:"queue_depth"`
	QueueGrowthRate    float64                 `json:"queue_growth_rate"`
	OverloadedCount    int                     `json:"overloaded_count"`
	UnderutilizedCount int                     `json:"underutilized_count"`
	BottleneckRoles    []agent.Role            `json:"bottleneck_roles,omitempty"`
	MeanSuccessRate    float64                 `json:"mean_success_rate"`
}

// dispatchRole maps a mission type to the role that would actually run it.
// Roles that never receive dispatched work fall back to generalist.
func dispatchRole(t models.MissionType) agent.Role {
	r := router.RoleForMissionType(t)
	if !r.Dispatchable() {
		return agent.RoleGeneralist
	}
	return r
}

// AnalyzeWorkload computes per-agent utilization relative to the pool's
// busiest agent, role and model distributions, queued demand per role, and
// the roles with queued work but no idle agent to take it.
func (c *Controller) AnalyzeWorkload() *WorkloadAnalysis {
	agents := c.pool.ListAgents()
	queued := c.queue.GetByStatus(models.StatusQueued)

	a := &WorkloadAnalysis{
		Agents:            make([]AgentMetrics, 0, len(agents)),
		RoleDistribution:  make(map[agent.Role]int),
		ModelDistribution: make(map[agent.ModelTier]int),
		QueuedByRole:      make(map[agent.Role]int),
		QueueDepth:        len(queued),
		QueueGrowthRate:   c.QueueGrowthRate(),
	}

	var maxFinished int64 = 0
	for _, ag := range agents {
		if n := ag.TasksCompleted + ag.TasksFailed; n > maxFinished {
			maxFinished = n
		}
	}

	var successSum float64
	var successCount int
	idleByRole := make(map[agent.Role]int)
	for _, ag := range agents {
		m := AgentMetrics{
			AgentID:        ag.ID,
			Name:           ag.Name,
			Role:           ag.Role,
			Model:          ag.Model,
			Status:         ag.Status,
			TasksCompleted: ag.TasksCompleted,
			TasksFailed:    ag.TasksFailed,
			SuccessRate:    ag.SuccessRate(),
		}
		if maxFinished > 0 {
			m.UtilizationScore = float64(ag.TasksCompleted+ag.TasksFailed) / float64(maxFinished)
		}
		m.Overloaded = ag.Status == agent.StatusBusy && m.UtilizationScore > overloadedUtilization
		m.Underutilized = ag.Status == agent.StatusIdle && m.UtilizationScore < underutilizedUtilization

		a.Agents = append(a.Agents, m)
		a.RoleDistribution[ag.Role]++
		a.ModelDistribution[ag.Model]++
		if m.Overloaded {
			a.OverloadedCount++
		}
		if m.Underutilized {
			a.UnderutilizedCount++
		}
		if ag.Status.Available() {
			idleByRole[ag.Role]++
		}
		if ag.TasksCompleted+ag.TasksFailed > 0 {
			successSum += m.SuccessRate
			successCount++
		}
	}
	if successCount > 0 {
		a.MeanSuccessRate = successSum / float64(successCount)
	}

	for _, m := range queued {
		a.QueuedByRole[dispatchRole(m.Type)]++
	}
	for role, demand := range a.QueuedByRole {
		if demand > 0 && idleByRole[role] == 0 {
			a.BottleneckRoles = append(a.BottleneckRoles, role)
		}
	}
	return a
}
