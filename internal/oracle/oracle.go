// Package oracle implements the optimization controller: workload analysis,
// bottleneck detection, proactive spawning, priority escalation, and the
// periodic auto-optimize loop that rebalances the agent pool against the
// mission queue.
package oracle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/overseer/overseer/internal/agent"
	"github.com/overseer/overseer/internal/common/logger"
	learnmodels "github.com/overseer/overseer/internal/learning/models"
	"github.com/overseer/overseer/internal/mission/models"
)

// MissionSource is the slice of the queue the oracle reads and adjusts.
type MissionSource interface {
	GetByStatus(status models.Status) []*models.Mission
	QueuedCount() int
	SetPriority(ctx context.Context, id string, p models.Priority) error
	GetMission(id string) *models.Mission
}

// AgentPool is the slice of the registry the oracle reads and rebalances.
type AgentPool interface {
	ListAgents() []*agent.Agent
	SpawnAgent(ctx context.Context, cfg agent.SpawnConfig) (*agent.Agent, error)
	AssignRole(ctx context.Context, id int64, role agent.Role) error
	Kill(ctx context.Context, id int64) error
}

// InsightSource surfaces outcome patterns from the learning loop.
type InsightSource interface {
	DetectPatterns(recent []*models.Mission, windowSize int) []*learnmodels.Pattern
}

// SpawnTriggers are the thresholds for proactive spawning.
type SpawnTriggers struct {
	QueueGrowthRate       float64
	QueueDepthThreshold   int
	IdleAgentMinimum      int
	TaskComplexityBacklog int
}

// DefaultSpawnTriggers returns the standard thresholds.
func DefaultSpawnTriggers() SpawnTriggers {
	return SpawnTriggers{
		QueueGrowthRate:       5,
		QueueDepthThreshold:   5,
		IdleAgentMinimum:      1,
		TaskComplexityBacklog: 3,
	}
}

// Config holds the controller's tunables.
type Config struct {
	Triggers SpawnTriggers

	// TickInterval spaces auto-optimize passes.
	TickInterval time.Duration

	// MaxSpawnsPerTick caps proactive spawns in one pass.
	MaxSpawnsPerTick int
}

// DefaultConfig returns the standard controller configuration.
func DefaultConfig() Config {
	return Config{
		Triggers:         DefaultSpawnTriggers(),
		TickInterval:     60 * time.Second,
		MaxSpawnsPerTick: 3,
	}
}

// growthWindow is how much queue-depth history feeds the growth rate.
const growthWindow = 2 * time.Minute

type depthSnapshot struct {
	at    time.Time
	depth int
}

// Controller runs the optimization loop.
type Controller struct {
	queue    MissionSource
	pool     AgentPool
	insights InsightSource
	cfg      Config
	log      *logger.Logger

	snapMu    sync.Mutex
	snapshots []depthSnapshot

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	now func() time.Time
}

// New creates a controller. insights may be nil.
func New(queue MissionSource, pool AgentPool, insights InsightSource, cfg Config, log *logger.Logger) *Controller {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.MaxSpawnsPerTick <= 0 {
		cfg.MaxSpawnsPerTick = DefaultConfig().MaxSpawnsPerTick
	}
	if cfg.Triggers == (SpawnTriggers{}) {
		cfg.Triggers = DefaultSpawnTriggers()
	}
	if log == nil {
		log = logger.Default()
	}
	return &Controller{
		queue:    queue,
		pool:     pool,
		insights: insights,
		cfg:      cfg,
		log:      log.Component("oracle"),
		now:      time.Now,
	}
}

// Start launches the periodic auto-optimize loop.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	stop := c.stopCh
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				c.RecordQueueSnapshot()
				summary := c.AutoOptimize(ctx)
				c.log.Info("auto-optimize pass complete",
					zap.Int("spawned", len(summary.Spawned)),
					zap.Int("bottlenecks", len(summary.Bottlenecks)),
					zap.Int("priority_adjustments", len(summary.PriorityAdjustments)),
					zap.Int("rebalance_actions", len(summary.RebalanceActions)))
			}
		}
	}()
	c.log.Info("oracle loop started", zap.Duration("tick_interval", c.cfg.TickInterval))
}

// Stop halts the loop.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()
	c.wg.Wait()
	c.log.Info("oracle loop stopped")
}

// RecordQueueSnapshot appends the current queue depth to the growth window.
func (c *Controller) RecordQueueSnapshot() {
	now := c.now()
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	c.snapshots = append(c.snapshots, depthSnapshot{at: now, depth: c.queue.QueuedCount()})
	cutoff := now.Add(-growthWindow)
	trimmed := c.snapshots[:0]
	for _, s := range c.snapshots {
		if !s.at.Before(cutoff) {
			trimmed = append(trimmed, s)
		}
	}
	c.snapshots = trimmed
}

// QueueGrowthRate reports missions-per-minute growth over the window.
func (c *Controller) QueueGrowthRate() float64 {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	if len(c.snapshots) < 2 {
		return 0
	}
	oldest := c.snapshots[0]
	latest := c.snapshots[len(c.snapshots)-1]
	minutes := latest.at.Sub(oldest.at).Minutes()
	if minutes <= 0 {
		return 0
	}
	return float64(latest.depth-oldest.depth) / minutes
}

// OptimizeSummary reports one auto-optimize pass.
type OptimizeSummary struct {
	Spawned             []*agent.Agent       `json:"spawned,omitempty"`
	Bottlenecks         []Bottleneck         `json:"bottlenecks,omitempty"`
	PriorityAdjustments []PriorityAdjustment `json:"priority_adjustments,omitempty"`
	RebalanceActions    []RebalanceAction    `json:"rebalance_actions,omitempty"`
	Insights            []string             `json:"insights,omitempty"`
}

// AutoOptimize runs one full optimization pass: proactive spawning,
// bottleneck identification, priority adjustment, pool rebalance, and
// pattern-derived insights.
func (c *Controller) AutoOptimize(ctx context.Context) *OptimizeSummary {
	summary := &OptimizeSummary{}

	summary.Spawned = c.ExecuteProactiveSpawning(ctx)
	summary.Bottlenecks = c.IdentifyBottlenecks()

	adjustments := c.ComputePriorityAdjustments()
	summary.PriorityAdjustments = c.ApplyPriorityAdjustments(ctx, adjustments)

	summary.RebalanceActions = c.executeRebalance(ctx, summary.Bottlenecks)
	summary.Insights = c.gatherInsights()
	return summary
}

// gatherInsights converts learning-loop patterns into actionable notes.
func (c *Controller) gatherInsights() []string {
	if c.insights == nil {
		return nil
	}
	var recent []*models.Mission
	recent = append(recent, c.queue.GetByStatus(models.StatusCompleted)...)
	recent = append(recent, c.queue.GetByStatus(models.StatusFailed)...)

	var notes []string
	for _, p := range c.insights.DetectPatterns(recent, 20) {
		if p.SuggestedAction != "" {
			notes = append(notes, p.Description+": "+p.SuggestedAction)
		}
	}
	return notes
}
