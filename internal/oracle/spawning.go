package oracle

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/overseer/overseer/internal/agent"
	"github.com/overseer/overseer/internal/mission/models"
	"github.com/overseer/overseer/internal/router"
)

// Urgency orders spawn decisions. Immediate decisions execute first; optional
// ones are recorded but never executed automatically.
type Urgency string

const (
	UrgencyImmediate Urgency = "immediate"
	UrgencySoon      Urgency = "soon"
	UrgencyOptional  Urgency = "optional"
)

func (u Urgency) rank() int {
	switch u {
	case UrgencyImmediate:
		return 0
	case UrgencySoon:
		return 1
	default:
		return 2
	}
}

// SpawnDecision is one proactive spawn the evaluator proposes.
type SpawnDecision struct {
	Role    agent.Role      `json:"role"`
	Model   agent.ModelTier `json:"model"`
	Urgency Urgency         `json:"urgency"`
	Reason  string          `json:"reason"`
}

// EvaluateProactiveSpawning inspects queue pressure and pool shape and
// proposes spawns before demand turns into backlog. Four triggers fire
// independently: sustained queue growth with no idle capacity, a per-role
// backlog with no idle specialist, a backlog of high-complexity work with no
// idle opus agent, and busy roles dipping below the idle floor.
func (c *Controller) EvaluateProactiveSpawning() []SpawnDecision {
	triggers := c.cfg.Triggers
	agents := c.pool.ListAgents()
	queued := c.queue.GetByStatus(models.StatusQueued)

	idleTotal := 0
	idleByRole := make(map[agent.Role]int)
	idleByModel := make(map[agent.ModelTier]int)
	busyByRole := make(map[agent.Role]int)
	for _, ag := range agents {
		if ag.Status.Available() {
			idleTotal++
			idleByRole[ag.Role]++
			idleByModel[ag.Model]++
		}
		if ag.Status == agent.StatusBusy {
			busyByRole[ag.Role]++
		}
	}

	var decisions []SpawnDecision
	proposed := make(map[agent.Role]bool)

	// Trigger 1: the queue is growing faster than the pool drains it.
	if growth := c.QueueGrowthRate(); growth > triggers.QueueGrowthRate && idleTotal == 0 {
		decisions = append(decisions, SpawnDecision{
			Role:    agent.RoleGeneralist,
			Model:   agent.TierSonnet,
			Urgency: UrgencyImmediate,
			Reason:  fmt.Sprintf("queue growing at %.1f missions/min with no idle agents", growth),
		})
		proposed[agent.RoleGeneralist] = true
	}

	// Trigger 2: per-role backlog with nobody idle to drain it.
	backlogByRole := make(map[agent.Role]int)
	complexByRole := make(map[agent.Role]int)
	for _, m := range queued {
		role := dispatchRole(m.Type)
		backlogByRole[role]++
		if router.AnalyzeTaskComplexity(m.Prompt, m.Context).Tier == router.TierComplex {
			complexByRole[role]++
		}
	}
	roles := make([]agent.Role, 0, len(backlogByRole))
	for role := range backlogByRole {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	for _, role := range roles {
		depth := backlogByRole[role]
		if depth < triggers.QueueDepthThreshold || idleByRole[role] > 0 || proposed[role] {
			continue
		}
		urgency := UrgencySoon
		if depth > 2*triggers.QueueDepthThreshold {
			urgency = UrgencyImmediate
		}
		decisions = append(decisions, SpawnDecision{
			Role:    role,
			Model:   agent.TierSonnet,
			Urgency: urgency,
			Reason:  fmt.Sprintf("%d queued %s missions with no idle specialist", depth, role),
		})
		proposed[role] = true
	}

	// Trigger 3: complex work is piling up and no opus agent is free.
	totalComplex := 0
	var complexRole agent.Role = agent.RoleGeneralist
	bestComplex := 0
	for _, role := range roles {
		n := complexByRole[role]
		totalComplex += n
		if n > bestComplex {
			bestComplex = n
			complexRole = role
		}
	}
	if totalComplex >= triggers.TaskComplexityBacklog && idleByModel[agent.TierOpus] == 0 {
		decisions = append(decisions, SpawnDecision{
			Role:    complexRole,
			Model:   agent.TierOpus,
			Urgency: UrgencyImmediate,
			Reason:  fmt.Sprintf("%d high-complexity missions queued with no idle opus agent", totalComplex),
		})
	}

	// Trigger 4: fully-committed roles keep a spare below the idle floor.
	busyRoles := make([]agent.Role, 0, len(busyByRole))
	for role := range busyByRole {
		busyRoles = append(busyRoles, role)
	}
	sort.Slice(busyRoles, func(i, j int) bool { return busyRoles[i] < busyRoles[j] })
	for _, role := range busyRoles {
		if idleByRole[role] >= triggers.IdleAgentMinimum || proposed[role] {
			continue
		}
		decisions = append(decisions, SpawnDecision{
			Role:    role,
			Model:   agent.TierSonnet,
			Urgency: UrgencyOptional,
			Reason:  fmt.Sprintf("all %s agents busy, idle count below floor of %d", role, triggers.IdleAgentMinimum),
		})
	}

	return decisions
}

// ExecuteProactiveSpawning evaluates and acts: immediate and soon decisions
// spawn in urgency order, capped per tick. Optional decisions are logged only.
func (c *Controller) ExecuteProactiveSpawning(ctx context.Context) []*agent.Agent {
	decisions := c.EvaluateProactiveSpawning()
	sort.SliceStable(decisions, func(i, j int) bool {
		return decisions[i].Urgency.rank() < decisions[j].Urgency.rank()
	})

	var spawned []*agent.Agent
	for _, d := range decisions {
		if d.Urgency == UrgencyOptional {
			c.log.Debug("optional spawn suggested", zap.String("role", string(d.Role)), zap.String("reason", d.Reason))
			continue
		}
		if len(spawned) >= c.cfg.MaxSpawnsPerTick {
			c.log.Info("spawn cap reached, deferring remaining decisions",
				zap.Int("cap", c.cfg.MaxSpawnsPerTick))
			break
		}
		ag, err := c.pool.SpawnAgent(ctx, agent.SpawnConfig{Role: d.Role, Model: d.Model})
		if err != nil {
			c.log.Error("proactive spawn failed",
				zap.String("role", string(d.Role)),
				zap.String("model", string(d.Model)),
				zap.Error(err))
			continue
		}
		c.log.Info("proactively spawned agent",
			zap.Int64("agent_id", ag.ID),
			zap.String("role", string(d.Role)),
			zap.String("model", string(d.Model)),
			zap.String("urgency", string(d.Urgency)),
			zap.String("reason", d.Reason))
		spawned = append(spawned, ag)
	}
	return spawned
}
