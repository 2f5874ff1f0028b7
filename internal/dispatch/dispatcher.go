// Package dispatch moves claimed missions from the queue onto idle agents.
//
// Delivery is two-channel: the claimed mission is published on the bus for
// the live agent session, and a durable inbox row is written so the task
// survives a dropped stream. The queue's atomic claim keeps delivery
// at-most-once; redelivery only ever re-offers work that was claimed but
// never finished.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/overseer/overseer/internal/agent"
	"github.com/overseer/overseer/internal/common/logger"
	"github.com/overseer/overseer/internal/events/bus"
	"github.com/overseer/overseer/internal/learning"
	"github.com/overseer/overseer/internal/mission/models"
	"github.com/overseer/overseer/internal/router"
	"github.com/overseer/overseer/internal/store"
)

// DefaultDispatchInterval spaces dispatch passes.
const DefaultDispatchInterval = time.Second

// MissionQueue is the slice of the queue the dispatcher drives.
type MissionQueue interface {
	Peek() *models.Mission
	Dequeue(ctx context.Context, agentID int64) (*models.Mission, error)
	Complete(ctx context.Context, id string, result *models.MissionResult) error
	Fail(ctx context.Context, id string, missionErr *models.MissionError) error
	Cancel(ctx context.Context, id string) (*models.Mission, error)
	RecordCheckpoint(id string)
	GetMission(id string) *models.Mission
	QueuedCount() int
}

// AgentSource is the slice of the registry the dispatcher assigns through.
type AgentSource interface {
	GetAvailableAgent(role agent.Role) (*agent.Agent, error)
	MarkBusy(ctx context.Context, id int64, missionID string) error
	CompleteTask(ctx context.Context, missionID string, success bool, durationMs int64) error
	ListAgents() []*agent.Agent
	IdleCount() int
}

// Dispatcher binds ready missions to idle agents and closes the loop on
// their outcomes.
type Dispatcher struct {
	queue    MissionQueue
	agents   AgentSource
	router   *router.Router
	gateway  store.Gateway
	bus      bus.EventBus
	learning *learning.Loop
	log      *logger.Logger

	interval time.Duration

	mu            sync.Mutex
	running       bool
	stopCh        chan struct{}
	wg            sync.WaitGroup
	checkpointSub bus.Subscription
}

// New creates a dispatcher. learn may be nil when the learning loop is
// disabled; interval <= 0 selects the default.
func New(q MissionQueue, agents AgentSource, rt *router.Router, gateway store.Gateway,
	eventBus bus.EventBus, learn *learning.Loop, interval time.Duration, log *logger.Logger) *Dispatcher {
	if interval <= 0 {
		interval = DefaultDispatchInterval
	}
	if log == nil {
		log = logger.Default()
	}
	return &Dispatcher{
		queue:    q,
		agents:   agents,
		router:   rt,
		gateway:  gateway,
		bus:      eventBus,
		learning: learn,
		log:      log.Component("dispatcher"),
		interval: interval,
	}
}

// Start launches the dispatch loop and the checkpoint listener.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.stopCh = make(chan struct{})
	stop := d.stopCh
	d.mu.Unlock()

	sub, err := d.bus.Subscribe(bus.SubjectMissionCheckpoint, d.handleCheckpoint)
	if err != nil {
		return fmt.Errorf("subscribing to checkpoints: %w", err)
	}
	d.mu.Lock()
	d.checkpointSub = sub
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if _, err := d.DispatchOnce(ctx); err != nil {
					d.log.Error("dispatch pass failed", zap.Error(err))
				}
			}
		}
	}()
	d.log.Info("dispatcher started", zap.Duration("interval", d.interval))
	return nil
}

// Stop halts the loop and the checkpoint listener.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	sub := d.checkpointSub
	d.checkpointSub = nil
	d.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			d.log.Warn("checkpoint unsubscribe failed",
				zap.String("subject", sub.Subject()), zap.Error(err))
		}
	}
	d.wg.Wait()
	d.log.Info("dispatcher stopped")
}

// DispatchOnce runs one pass: while a mission is ready and an agent is free,
// route, claim, and deliver. Returns the number of missions dispatched.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	dispatched := 0
	for {
		next := d.queue.Peek()
		if next == nil {
			break
		}

		role := d.routeRole(ctx, next)
		worker, err := d.agents.GetAvailableAgent(role)
		if err != nil {
			// Nothing idle; the next tick retries.
			break
		}

		claimed, err := d.queue.Dequeue(ctx, worker.ID)
		if err != nil {
			return dispatched, fmt.Errorf("claiming mission: %w", err)
		}
		if claimed == nil {
			break
		}

		if err := d.deliver(ctx, worker, claimed); err != nil {
			d.log.Error("delivery failed, failing mission for retry",
				zap.String("mission_id", claimed.ID),
				zap.Error(err))
			// Free the agent if it was already marked busy.
			_ = d.agents.CompleteTask(ctx, claimed.ID, false, 0)
			failErr := models.NewMissionError(models.FailureResource, err.Error())
			if ferr := d.queue.Fail(ctx, claimed.ID, failErr); ferr != nil {
				d.log.Error("could not fail undelivered mission",
					zap.String("mission_id", claimed.ID), zap.Error(ferr))
			}
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

// routeRole picks the role the mission should land on. A valid role hint
// from a decomposition plan wins outright; otherwise the router's verdict
// does. Non-dispatchable roles fall back to the generalist pool.
func (d *Dispatcher) routeRole(ctx context.Context, m *models.Mission) agent.Role {
	if m.RecommendedRole != "" {
		if hinted, err := agent.ParseRole(m.RecommendedRole); err == nil && hinted.Dispatchable() {
			return hinted
		}
	}

	idleByRole := make(map[agent.Role]int)
	for _, a := range d.agents.ListAgents() {
		if a.Status.Available() {
			idleByRole[a.Role]++
		}
	}

	role := router.RoleForMissionType(m.Type)
	if d.router != nil {
		decision := d.router.Route(ctx, router.RouteRequest{
			Task:         m.Prompt,
			Context:      m.Context,
			HintType:     m.Type,
			HintPriority: m.Priority,
			IdleByRole:   idleByRole,
			QueueDepth:   d.queue.QueuedCount(),
		})
		role = decision.RecommendedRole
	}
	if !role.Dispatchable() {
		role = agent.RoleGeneralist
	}
	return role
}

// deliver marks the agent busy, writes the durable inbox row, and streams the
// assignment. A failed inbox write aborts delivery; a failed stream publish
// does not, the inbox alone is enough for the agent to pick the task up.
func (d *Dispatcher) deliver(ctx context.Context, worker *agent.Agent, m *models.Mission) error {
	log := d.log.ForMission(m.ID).ForAgent(worker.ID)
	if err := d.agents.MarkBusy(ctx, worker.ID, m.ID); err != nil {
		return fmt.Errorf("marking agent busy: %w", err)
	}

	entry := &store.InboxEntry{
		ID:            uuid.New().String(),
		AgentID:       worker.ID,
		MissionID:     m.ID,
		ExecutionID:   m.ExecutionID,
		Prompt:        m.Prompt,
		Context:       m.Context,
		Priority:      m.Priority,
		Status:        models.StatusRunning,
		RequirementID: m.RequirementID,
		CreatedAt:     time.Now().UTC(),
	}
	if err := d.gateway.SaveInboxEntry(ctx, entry); err != nil {
		return fmt.Errorf("writing inbox entry: %w", err)
	}

	if err := d.publishAssignment(ctx, worker.ID, m); err != nil {
		log.Warn("stream publish failed, agent will find the task in its inbox", zap.Error(err))
	}

	log.Info("mission dispatched", zap.String("priority", string(m.Priority)))
	return nil
}

func (d *Dispatcher) publishAssignment(ctx context.Context, agentID int64, m *models.Mission) error {
	event := bus.NewEvent("mission.assigned", "dispatcher", map[string]any{
		"mission_id":   m.ID,
		"execution_id": m.ExecutionID,
		"prompt":       m.Prompt,
		"context":      m.Context,
		"priority":     string(m.Priority),
		"type":         string(m.Type),
		"timeout_ms":   m.TimeoutMs,
	})
	return d.bus.Publish(ctx, fmt.Sprintf("%s%d", bus.SubjectMissionAssignPrefix, agentID), event)
}

// Complete closes a mission successfully: queue transition, agent counters,
// inbox row, and the learning harvest.
func (d *Dispatcher) Complete(ctx context.Context, missionID string, result *models.MissionResult) error {
	if err := d.queue.Complete(ctx, missionID, result); err != nil {
		return err
	}

	var durationMs int64
	if result != nil {
		durationMs = result.DurationMs
	}
	if err := d.agents.CompleteTask(ctx, missionID, true, durationMs); err != nil {
		d.log.Warn("no busy agent recorded for completed mission",
			zap.String("mission_id", missionID), zap.Error(err))
	}
	d.finishInbox(ctx, missionID, models.StatusCompleted, result, nil)

	if d.learning != nil {
		m := d.queue.GetMission(missionID)
		if m != nil {
			if _, err := d.learning.HarvestFromMission(ctx, m); err != nil {
				d.log.Warn("learning harvest failed", zap.String("mission_id", missionID), zap.Error(err))
			}
			d.learning.RecordMissionOutcome(ctx, m)
		}
	}
	return nil
}

// Fail records a mission failure. The queue decides between retry and
// terminal failure; the agent is freed either way.
func (d *Dispatcher) Fail(ctx context.Context, missionID string, kind models.FailureKind, message string) error {
	missionErr := models.NewMissionError(kind, message)
	if err := d.queue.Fail(ctx, missionID, missionErr); err != nil {
		return err
	}

	if err := d.agents.CompleteTask(ctx, missionID, false, 0); err != nil {
		d.log.Warn("no busy agent recorded for failed mission",
			zap.String("mission_id", missionID), zap.Error(err))
	}

	m := d.queue.GetMission(missionID)
	if m != nil && m.Status == models.StatusFailed {
		d.finishInbox(ctx, missionID, models.StatusFailed, nil, missionErr)
		if d.learning != nil {
			if _, err := d.learning.AnalyzeFailure(ctx, m); err != nil {
				d.log.Warn("failure analysis failed", zap.String("mission_id", missionID), zap.Error(err))
			}
			d.learning.RecordMissionOutcome(ctx, m)
		}
	}
	return nil
}

// Cancel stops a mission and signals the assigned agent over the bus.
func (d *Dispatcher) Cancel(ctx context.Context, missionID string) error {
	snapshot, err := d.queue.Cancel(ctx, missionID)
	if err != nil {
		return err
	}
	d.finishInbox(ctx, missionID, models.StatusCancelled, nil, nil)

	if snapshot.AssignedTo != nil {
		event := bus.NewEvent("mission.cancelled", "dispatcher", map[string]any{
			"mission_id": missionID,
			"agent_id":   *snapshot.AssignedTo,
		})
		if err := d.bus.Publish(ctx, bus.SubjectMissionCancel, event); err != nil {
			d.log.Warn("cancel signal publish failed", zap.String("mission_id", missionID), zap.Error(err))
		}
	}
	return nil
}

// RedeliverPending re-offers inbox rows that were claimed but never finished.
// The execution binding is preserved, so a redelivered task cannot start a
// second execution of an already-finished mission.
func (d *Dispatcher) RedeliverPending(ctx context.Context) (int, error) {
	redelivered := 0
	for _, worker := range d.agents.ListAgents() {
		entries, err := d.gateway.ListInboxEntries(ctx, worker.ID)
		if err != nil {
			return redelivered, fmt.Errorf("listing inbox for agent %d: %w", worker.ID, err)
		}
		for _, e := range entries {
			if e.Status.IsTerminal() {
				continue
			}
			m := d.queue.GetMission(e.MissionID)
			if m == nil || m.Status.IsTerminal() {
				continue
			}
			if err := d.publishAssignment(ctx, worker.ID, m); err != nil {
				d.log.Warn("redelivery publish failed",
					zap.String("mission_id", e.MissionID),
					zap.Int64("agent_id", worker.ID),
					zap.Error(err))
				continue
			}
			redelivered++
		}
	}
	if redelivered > 0 {
		d.log.Info("redelivered pending inbox entries", zap.Int("count", redelivered))
	}
	return redelivered, nil
}

// handleCheckpoint records heartbeat progress for the timeout enforcer.
func (d *Dispatcher) handleCheckpoint(_ context.Context, event *bus.Event) error {
	missionID, _ := event.Data["mission_id"].(string)
	if missionID == "" {
		return fmt.Errorf("checkpoint event without mission_id")
	}
	d.queue.RecordCheckpoint(missionID)
	return nil
}

// finishInbox closes the durable inbox row for a finished mission.
func (d *Dispatcher) finishInbox(ctx context.Context, missionID string, status models.Status,
	result *models.MissionResult, missionErr *models.MissionError) {
	entry, err := d.gateway.GetInboxEntryByMission(ctx, missionID)
	if err != nil || entry == nil {
		return
	}
	now := time.Now().UTC()
	entry.Status = status
	entry.CompletedAt = &now
	if result != nil {
		entry.Result = result.Output
		entry.DurationMs = result.DurationMs
		entry.InputTokens = result.Tokens.InputTokens
		entry.OutputTokens = result.Tokens.OutputTokens
	}
	if missionErr != nil {
		entry.Error = missionErr.Message
	}
	if err := d.gateway.UpdateInboxEntry(ctx, entry); err != nil {
		d.log.Warn("inbox update failed", zap.String("mission_id", missionID), zap.Error(err))
	}
}
