package oracle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/overseer/overseer/internal/mission/models"
)

const (
	// ageEscalateNormal promotes a low mission that has waited this long.
	ageEscalateNormal = 30 * time.Minute
	// ageEscalateHigh promotes a normal (or escalated low) mission waiting this long.
	ageEscalateHigh = 60 * time.Minute
	// dependentEscalation promotes missions blocking this many others to critical.
	dependentEscalation = 3
	// retryQuarantine demotes missions that keep failing.
	retryQuarantine = 2
)

// PriorityAdjustment is one proposed or applied priority change.
type PriorityAdjustment struct {
	MissionID string          `json:"mission_id"`
	From      models.Priority `json:"from"`
	To        models.Priority `json:"to"`
	Reason    string          `json:"reason"`
}

// ComputePriorityAdjustments scans waiting missions and derives a target
// priority per mission. Quarantine wins over dependency escalation, which
// wins over age escalation. The computation is a fixpoint: re-running it on
// already-adjusted missions proposes nothing new.
func (c *Controller) ComputePriorityAdjustments() []PriorityAdjustment {
	now := c.now()
	var waiting []*models.Mission
	waiting = append(waiting, c.queue.GetByStatus(models.StatusQueued)...)
	waiting = append(waiting, c.queue.GetByStatus(models.StatusBlocked)...)

	dependents := c.countDependents(waiting)

	var out []PriorityAdjustment
	for _, m := range waiting {
		target, reason := targetPriority(m, dependents[m.ID], now)
		if target == m.Priority {
			continue
		}
		out = append(out, PriorityAdjustment{
			MissionID: m.ID,
			From:      m.Priority,
			To:        target,
			Reason:    reason,
		})
	}
	return out
}

// targetPriority applies the adjustment rules in precedence order.
func targetPriority(m *models.Mission, dependents int, now time.Time) (models.Priority, string) {
	if m.RetryCount >= retryQuarantine {
		return models.PriorityLow, "repeated retries, quarantined to low"
	}
	if dependents >= dependentEscalation {
		return models.PriorityCritical, "blocking three or more missions"
	}

	age := now.Sub(m.CreatedAt)
	switch m.Priority {
	case models.PriorityLow:
		if age > ageEscalateHigh {
			return models.PriorityHigh, "waited past the high escalation window"
		}
		if age > ageEscalateNormal {
			return models.PriorityNormal, "waited past the normal escalation window"
		}
	case models.PriorityNormal:
		if age > ageEscalateHigh {
			return models.PriorityHigh, "waited past the high escalation window"
		}
	}
	return m.Priority, ""
}

// countDependents counts, per mission, how many waiting missions depend on it.
func (c *Controller) countDependents(waiting []*models.Mission) map[string]int {
	counts := make(map[string]int)
	for _, m := range waiting {
		for _, dep := range m.DependsOn {
			counts[dep]++
		}
	}
	return counts
}

// ApplyPriorityAdjustments pushes the adjustments into the queue, returning
// the ones that stuck.
func (c *Controller) ApplyPriorityAdjustments(ctx context.Context, adjustments []PriorityAdjustment) []PriorityAdjustment {
	applied := adjustments[:0]
	for _, adj := range adjustments {
		if err := c.queue.SetPriority(ctx, adj.MissionID, adj.To); err != nil {
			c.log.Error("priority adjustment failed",
				zap.String("mission_id", adj.MissionID),
				zap.Error(err))
			continue
		}
		c.log.Info("mission priority adjusted",
			zap.String("mission_id", adj.MissionID),
			zap.String("from", string(adj.From)),
			zap.String("to", string(adj.To)),
			zap.String("reason", adj.Reason))
		applied = append(applied, adj)
	}
	return applied
}

// OptimizeMissionQueue computes and applies priority adjustments in one call.
func (c *Controller) OptimizeMissionQueue(ctx context.Context) []PriorityAdjustment {
	return c.ApplyPriorityAdjustments(ctx, c.ComputePriorityAdjustments())
}
