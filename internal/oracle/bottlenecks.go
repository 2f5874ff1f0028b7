package oracle

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/overseer/overseer/internal/agent"
	"github.com/overseer/overseer/internal/mission/models"
)

// BottleneckType classifies where throughput is stalling.
type BottleneckType string

const (
	BottleneckRoleShortage    BottleneckType = "role_shortage"
	BottleneckQueueBackup     BottleneckType = "queue_backup"
	BottleneckFailureSpike    BottleneckType = "failure_spike"
	BottleneckDependencyChain BottleneckType = "dependency_chain"
)

// Severity grades a bottleneck.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

const (
	// queueBackupThreshold flags total queued depth as a backup.
	queueBackupThreshold = 10
	// failureSpikeWindow bounds the recent-failure scan.
	failureSpikeWindow = 5 * time.Minute
	// failureSpikeRate is the failure fraction that counts as a spike.
	failureSpikeRate = 0.3
	// failureSpikeMinimum avoids flagging spikes off tiny samples.
	failureSpikeMinimum = 3
	// chainDepthThreshold flags dependency chains deeper than this.
	chainDepthThreshold = 3
)

// Bottleneck is one detected throughput problem.
type Bottleneck struct {
	Type        BottleneckType `json:"type"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	Role        agent.Role     `json:"role,omitempty"`
	MissionID   string         `json:"mission_id,omitempty"`
	Count       int            `json:"count,omitempty"`
}

// IdentifyBottlenecks scans the queue and pool for the four bottleneck
// classes: roles with demand but no idle agent, overall queue backup, a
// recent spike in failures, and deep dependency chains.
func (c *Controller) IdentifyBottlenecks() []Bottleneck {
	var out []Bottleneck
	out = append(out, c.roleShortages()...)
	out = append(out, c.queueBackup()...)
	out = append(out, c.failureSpike()...)
	out = append(out, c.deepChains()...)
	return out
}

func (c *Controller) roleShortages() []Bottleneck {
	queued := c.queue.GetByStatus(models.StatusQueued)
	idleByRole := make(map[agent.Role]int)
	for _, ag := range c.pool.ListAgents() {
		if ag.Status.Available() {
			idleByRole[ag.Role]++
		}
	}

	demand := make(map[agent.Role]int)
	for _, m := range queued {
		demand[dispatchRole(m.Type)]++
	}
	roles := make([]agent.Role, 0, len(demand))
	for role := range demand {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })

	var out []Bottleneck
	for _, role := range roles {
		n := demand[role]
		if idleByRole[role] > 0 {
			continue
		}
		severity := SeverityLow
		switch {
		case n > 10:
			severity = SeverityHigh
		case n > 5:
			severity = SeverityMedium
		}
		out = append(out, Bottleneck{
			Type:        BottleneckRoleShortage,
			Severity:    severity,
			Role:        role,
			Count:       n,
			Description: fmt.Sprintf("%d queued %s missions and no idle %s agent", n, role, role),
		})
	}
	return out
}

func (c *Controller) queueBackup() []Bottleneck {
	depth := c.queue.QueuedCount()
	if depth <= queueBackupThreshold {
		return nil
	}
	severity := SeverityMedium
	if depth > 2*queueBackupThreshold {
		severity = SeverityHigh
	}
	return []Bottleneck{{
		Type:        BottleneckQueueBackup,
		Severity:    severity,
		Count:       depth,
		Description: fmt.Sprintf("queue depth %d exceeds the backup threshold of %d", depth, queueBackupThreshold),
	}}
}

func (c *Controller) failureSpike() []Bottleneck {
	cutoff := c.now().Add(-failureSpikeWindow)

	recentOf := func(status models.Status) int {
		n := 0
		for _, m := range c.queue.GetByStatus(status) {
			if m.CompletedAt != nil && m.CompletedAt.After(cutoff) {
				n++
			}
		}
		return n
	}

	failures := recentOf(models.StatusFailed)
	completions := recentOf(models.StatusCompleted)
	total := failures + completions
	if failures < failureSpikeMinimum || total == 0 {
		return nil
	}
	rate := float64(failures) / float64(total)
	if rate <= failureSpikeRate {
		return nil
	}
	severity := SeverityMedium
	if rate > 0.5 {
		severity = SeverityHigh
	}
	return []Bottleneck{{
		Type:        BottleneckFailureSpike,
		Severity:    severity,
		Count:       failures,
		Description: fmt.Sprintf("%d of %d missions failed in the last %s", failures, total, failureSpikeWindow),
	}}
}

// deepChains walks the dependency graph of waiting missions and flags chains
// deeper than the threshold. Depth is memoized per mission so shared subtrees
// are walked once.
func (c *Controller) deepChains() []Bottleneck {
	var waiting []*models.Mission
	waiting = append(waiting, c.queue.GetByStatus(models.StatusQueued)...)
	waiting = append(waiting, c.queue.GetByStatus(models.StatusBlocked)...)

	byID := make(map[string]*models.Mission, len(waiting))
	for _, m := range waiting {
		byID[m.ID] = m
	}

	depth := make(map[string]int)
	var walk func(id string, onPath map[string]bool) int
	walk = func(id string, onPath map[string]bool) int {
		if d, ok := depth[id]; ok {
			return d
		}
		if onPath[id] {
			// Defensive: the queue rejects cycles at admission.
			return 0
		}
		m, ok := byID[id]
		if !ok {
			return 0
		}
		onPath[id] = true
		best := 0
		for _, dep := range m.DependsOn {
			if d := walk(dep, onPath); d > best {
				best = d
			}
		}
		delete(onPath, id)
		depth[id] = best + 1
		return best + 1
	}

	var out []Bottleneck
	sorted := make([]*models.Mission, len(waiting))
	copy(sorted, waiting)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, m := range sorted {
		d := walk(m.ID, map[string]bool{})
		if d > chainDepthThreshold {
			out = append(out, Bottleneck{
				Type:        BottleneckDependencyChain,
				Severity:    SeverityMedium,
				MissionID:   m.ID,
				Count:       d,
				Description: fmt.Sprintf("mission %s sits atop a dependency chain %d deep", m.ID, d),
			})
		}
	}
	return out
}

// RebalanceActionType names a pool adjustment.
type RebalanceActionType string

const (
	RebalanceReassign RebalanceActionType = "reassign"
	RebalanceRetire   RebalanceActionType = "retire"
)

// RebalanceAction is one pool adjustment taken or proposed during a pass.
type RebalanceAction struct {
	Type     RebalanceActionType `json:"type"`
	AgentID  int64               `json:"agent_id"`
	Role     agent.Role          `json:"role,omitempty"`
	Reason   string              `json:"reason"`
	Executed bool                `json:"executed"`
}

// executeRebalance reacts to high-severity role shortages by reassigning an
// idle generalist to the starved role, and retires surplus idle agents when
// more than two of a role sit idle with nothing queued for them.
func (c *Controller) executeRebalance(ctx context.Context, bottlenecks []Bottleneck) []RebalanceAction {
	agents := c.pool.ListAgents()

	var actions []RebalanceAction
	reassigned := make(map[int64]bool)

	for _, b := range bottlenecks {
		if b.Type != BottleneckRoleShortage || b.Severity != SeverityHigh {
			continue
		}
		for _, ag := range agents {
			if !ag.Status.Available() || ag.Role != agent.RoleGeneralist || reassigned[ag.ID] || b.Role == agent.RoleGeneralist {
				continue
			}
			action := RebalanceAction{
				Type:    RebalanceReassign,
				AgentID: ag.ID,
				Role:    b.Role,
				Reason:  fmt.Sprintf("idle generalist covers %s shortage", b.Role),
			}
			if err := c.pool.AssignRole(ctx, ag.ID, b.Role); err != nil {
				c.log.Error("rebalance reassign failed", zap.Int64("agent_id", ag.ID), zap.Error(err))
			} else {
				action.Executed = true
				reassigned[ag.ID] = true
			}
			actions = append(actions, action)
			break
		}
	}

	actions = append(actions, c.retireSurplus(ctx, agents, reassigned)...)
	return actions
}

// surplusIdleFloor is how many idle agents of a role are kept before the
// rest are retired.
const surplusIdleFloor = 2

func (c *Controller) retireSurplus(ctx context.Context, agents []*agent.Agent, reassigned map[int64]bool) []RebalanceAction {
	demand := make(map[agent.Role]int)
	for _, m := range c.queue.GetByStatus(models.StatusQueued) {
		demand[dispatchRole(m.Type)]++
	}

	idleByRole := make(map[agent.Role][]*agent.Agent)
	for _, ag := range agents {
		if ag.Status.Available() && !reassigned[ag.ID] {
			idleByRole[ag.Role] = append(idleByRole[ag.Role], ag)
		}
	}

	roles := make([]agent.Role, 0, len(idleByRole))
	for role := range idleByRole {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })

	var actions []RebalanceAction
	for _, role := range roles {
		idle := idleByRole[role]
		if demand[role] > 0 || len(idle) <= surplusIdleFloor {
			continue
		}
		sort.Slice(idle, func(i, j int) bool { return idle[i].ID > idle[j].ID })
		for _, ag := range idle[:len(idle)-surplusIdleFloor] {
			action := RebalanceAction{
				Type:    RebalanceRetire,
				AgentID: ag.ID,
				Role:    role,
				Reason:  fmt.Sprintf("surplus idle %s agent with empty %s backlog", role, role),
			}
			if err := c.pool.Kill(ctx, ag.ID); err != nil {
				c.log.Error("rebalance retire failed", zap.Int64("agent_id", ag.ID), zap.Error(err))
			} else {
				action.Executed = true
			}
			actions = append(actions, action)
		}
	}
	return actions
}
