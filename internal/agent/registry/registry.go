// Package registry tracks the worker agent pool: spawning, killing,
// restarting, health checks, and agent selection for dispatch.
package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/overseer/overseer/internal/agent"
	"github.com/overseer/overseer/internal/agent/lifecycle"
	"github.com/overseer/overseer/internal/common/logger"
	"github.com/overseer/overseer/internal/events/bus"
	"github.com/overseer/overseer/internal/store"
)

var (
	// ErrAgentNotFound reports an unknown agent id.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrNoAvailableAgent reports that no idle dispatchable agent exists.
	ErrNoAvailableAgent = errors.New("no available agent")
)

// Config carries the worker defaults the registry spawns with.
type Config struct {
	// Command launches a worker session when SpawnConfig omits one.
	Command string
	// WorkDir is the default working directory for workers.
	WorkDir string
	// WorktreeRoot hosts per-agent isolated worktrees when isolation is on.
	WorktreeRoot string
	// AutoRestart restarts crashed workers unless overridden per spawn.
	AutoRestart bool
}

// HealthReport is the outcome of a health check on one agent.
type HealthReport struct {
	AgentID  int64        `json:"agent_id"`
	Alive    bool         `json:"alive"`
	Status   agent.Status `json:"status"`
	PID      int          `json:"pid,omitempty"`
	Restarts int          `json:"restarts"`
}

// Registry owns the agent pool. Agent rows are durable; runners are
// process-local and rebuilt on restart.
type Registry struct {
	mu      sync.Mutex
	agents  map[int64]*agent.Agent
	runners map[int64]*lifecycle.Runner

	cfg     Config
	gateway store.Gateway
	bus     bus.EventBus
	log     *logger.Logger
}

// New creates a registry over the given store and bus.
func New(cfg Config, gateway store.Gateway, eventBus bus.EventBus, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		agents:  make(map[int64]*agent.Agent),
		runners: make(map[int64]*lifecycle.Runner),
		cfg:     cfg,
		gateway: gateway,
		bus:     eventBus,
		log:     log.Component("agent-registry"),
	}
}

// SpawnAgent creates a durable agent row and launches its worker process.
func (r *Registry) SpawnAgent(ctx context.Context, cfg agent.SpawnConfig) (*agent.Agent, error) {
	if cfg.Role == "" {
		cfg.Role = agent.RoleGeneralist
	} else if _, err := agent.ParseRole(string(cfg.Role)); err != nil {
		return nil, err
	}
	if cfg.Model == "" {
		cfg.Model = agent.TierSonnet
	} else if _, err := agent.ParseModelTier(string(cfg.Model)); err != nil {
		return nil, err
	}

	a := &agent.Agent{
		Name:   cfg.Name,
		Role:   cfg.Role,
		Model:  cfg.Model,
		Status: agent.StatusStarting,
	}
	id, err := r.gateway.SaveAgent(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("failed to persist agent: %w", err)
	}
	if a.Name == "" {
		a.Name = fmt.Sprintf("%s-%d", cfg.Role, id)
	}

	command := cfg.Command
	if command == "" {
		command = r.cfg.Command
	}
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = r.cfg.WorkDir
	}
	if cfg.Worktree && r.cfg.WorktreeRoot != "" {
		workDir = filepath.Join(r.cfg.WorktreeRoot, fmt.Sprintf("agent-%d", id))
		a.WorktreePath = workDir
	}
	autoRestart := r.cfg.AutoRestart || cfg.AutoRestart

	env := map[string]string{
		"OVERSEER_AGENT_ID":    fmt.Sprintf("%d", id),
		"OVERSEER_AGENT_ROLE":  string(cfg.Role),
		"OVERSEER_AGENT_MODEL": string(cfg.Model),
	}
	for k, v := range cfg.Env {
		env[k] = v
	}

	runner := lifecycle.NewRunner(lifecycle.RunnerConfig{
		AgentID:     id,
		Command:     command,
		WorkDir:     workDir,
		Env:         env,
		AutoRestart: autoRestart,
	}, r.bus, r.log)

	if err := runner.Start(ctx); err != nil {
		a.Status = agent.StatusError
		_ = r.gateway.UpdateAgent(ctx, a)
		return nil, fmt.Errorf("failed to start worker for agent %d: %w", id, err)
	}

	a.PID = runner.PID()
	a.Status = agent.StatusIdle
	if err := r.gateway.UpdateAgent(ctx, a); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.agents[id] = a
	r.runners[id] = runner
	snapshot := a.Clone()
	r.mu.Unlock()

	r.log.Info("agent spawned",
		zap.Int64("agent_id", id),
		zap.String("role", string(snapshot.Role)),
		zap.String("model", string(snapshot.Model)),
		zap.Int("pid", snapshot.PID))
	return snapshot, nil
}

// SpawnPool launches n agents with the same configuration. Returns the
// agents spawned; stops at the first failure.
func (r *Registry) SpawnPool(ctx context.Context, n int, cfg agent.SpawnConfig) ([]*agent.Agent, error) {
	var spawned []*agent.Agent
	for i := 0; i < n; i++ {
		a, err := r.SpawnAgent(ctx, cfg)
		if err != nil {
			return spawned, fmt.Errorf("spawn %d/%d failed: %w", i+1, n, err)
		}
		spawned = append(spawned, a)
	}
	return spawned, nil
}

// Kill stops an agent's worker and marks the row stopped.
func (r *Registry) Kill(ctx context.Context, id int64) error {
	snapshot, runner, err := r.transition(id, func(a *agent.Agent) {
		a.Status = agent.StatusStopping
	})
	if err != nil {
		return err
	}
	_ = r.gateway.UpdateAgent(ctx, snapshot)

	if runner != nil {
		if err := runner.Stop(ctx); err != nil {
			r.log.Warn("worker stop error", zap.Int64("agent_id", id), zap.Error(err))
		}
	}

	snapshot, _, err = r.transition(id, func(a *agent.Agent) {
		a.Status = agent.StatusStopped
		a.PID = 0
		a.CurrentMissionID = ""
	})
	if err != nil {
		return err
	}
	if err := r.gateway.UpdateAgent(ctx, snapshot); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.runners, id)
	r.mu.Unlock()
	r.log.Info("agent killed", zap.Int64("agent_id", id))
	return nil
}

// Restart stops and relaunches an agent's worker, keeping its identity.
func (r *Registry) Restart(ctx context.Context, id int64) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	runner := r.runners[id]
	var worktreePath string
	if ok {
		worktreePath = a.WorktreePath
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrAgentNotFound, id)
	}

	if runner != nil {
		_ = runner.Stop(ctx)
	}

	command := r.cfg.Command
	workDir := r.cfg.WorkDir
	if worktreePath != "" {
		workDir = worktreePath
	}
	fresh := lifecycle.NewRunner(lifecycle.RunnerConfig{
		AgentID:     id,
		Command:     command,
		WorkDir:     workDir,
		AutoRestart: r.cfg.AutoRestart,
	}, r.bus, r.log)
	if err := fresh.Start(ctx); err != nil {
		if snapshot, _, terr := r.transition(id, func(a *agent.Agent) {
			a.Status = agent.StatusError
		}); terr == nil {
			_ = r.gateway.UpdateAgent(ctx, snapshot)
		}
		return fmt.Errorf("failed to restart agent %d: %w", id, err)
	}

	snapshot, _, err := r.transition(id, func(a *agent.Agent) {
		a.Status = agent.StatusIdle
		a.PID = fresh.PID()
		a.CurrentMissionID = ""
	})
	if err != nil {
		return err
	}
	if err := r.gateway.UpdateAgent(ctx, snapshot); err != nil {
		return err
	}

	r.mu.Lock()
	r.runners[id] = fresh
	r.mu.Unlock()
	r.log.Info("agent restarted", zap.Int64("agent_id", id), zap.Int("pid", snapshot.PID))
	return nil
}

// HealthCheck reports on one agent.
func (r *Registry) HealthCheck(id int64) (*HealthReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrAgentNotFound, id)
	}
	report := &HealthReport{AgentID: id, Status: a.Status}
	if runner, ok := r.runners[id]; ok {
		report.Alive = runner.Alive()
		report.PID = runner.PID()
		report.Restarts = runner.Restarts()
	}
	return report, nil
}

// HealthCheckAll reports on the whole pool.
func (r *Registry) HealthCheckAll() []*HealthReport {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	reports := make([]*HealthReport, 0, len(ids))
	for _, id := range ids {
		if report, err := r.HealthCheck(id); err == nil {
			reports = append(reports, report)
		}
	}
	return reports
}

// GetAvailableAgent selects an idle agent for dispatch. Preference order:
// an idle agent with the requested role, then an idle generalist, then any
// idle dispatchable agent. Oracle agents are never returned.
func (r *Registry) GetAvailableAgent(role agent.Role) (*agent.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var exact, generalist, any *agent.Agent
	for _, a := range r.agents {
		if !a.Status.Available() || !a.Role.Dispatchable() {
			continue
		}
		switch {
		case role != "" && a.Role == role && exact == nil:
			exact = a
		case a.Role == agent.RoleGeneralist && generalist == nil:
			generalist = a
		case any == nil:
			any = a
		}
	}
	for _, candidate := range []*agent.Agent{exact, generalist, any} {
		if candidate != nil {
			return candidate.Clone(), nil
		}
	}
	return nil, ErrNoAvailableAgent
}

// GetLeastBusyAgent returns the dispatchable agent with the fewest finished
// tasks, preferring idle agents.
func (r *Registry) GetLeastBusyAgent() (*agent.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *agent.Agent
	for _, a := range r.agents {
		if !a.Role.Dispatchable() {
			continue
		}
		switch a.Status {
		case agent.StatusIdle, agent.StatusBusy, agent.StatusWorking:
		default:
			continue
		}
		if best == nil {
			best = a
			continue
		}
		if a.Status.Available() != best.Status.Available() {
			if a.Status.Available() {
				best = a
			}
			continue
		}
		if a.TasksCompleted+a.TasksFailed < best.TasksCompleted+best.TasksFailed {
			best = a
		}
	}
	if best == nil {
		return nil, ErrNoAvailableAgent
	}
	return best.Clone(), nil
}

// AssignRole changes an agent's specialization.
func (r *Registry) AssignRole(ctx context.Context, id int64, role agent.Role) error {
	if _, err := agent.ParseRole(string(role)); err != nil {
		return err
	}
	snapshot, _, err := r.transition(id, func(a *agent.Agent) {
		a.Role = role
	})
	if err != nil {
		return err
	}
	return r.gateway.UpdateAgent(ctx, snapshot)
}

// GetSpecialists returns all agents with the given role.
func (r *Registry) GetSpecialists(role agent.Role) []*agent.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*agent.Agent
	for _, a := range r.agents {
		if a.Role == role {
			out = append(out, a.Clone())
		}
	}
	return out
}

// GetAgentsByModel returns all agents on the given model tier.
func (r *Registry) GetAgentsByModel(tier agent.ModelTier) []*agent.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*agent.Agent
	for _, a := range r.agents {
		if a.Model == tier {
			out = append(out, a.Clone())
		}
	}
	return out
}

// GetAgent returns a clone of one agent.
func (r *Registry) GetAgent(id int64) (*agent.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[id]; ok {
		return a.Clone(), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrAgentNotFound, id)
}

// ListAgents returns clones of all known agents.
func (r *Registry) ListAgents() []*agent.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*agent.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Clone())
	}
	return out
}

// MarkBusy transitions an agent to busy on the given mission.
func (r *Registry) MarkBusy(ctx context.Context, id int64, missionID string) error {
	snapshot, _, err := r.transition(id, func(a *agent.Agent) {
		a.Status = agent.StatusBusy
		a.CurrentMissionID = missionID
	})
	if err != nil {
		return err
	}
	r.publishHealth(id, lifecycle.EventBusy)
	return r.gateway.UpdateAgent(ctx, snapshot)
}

// CompleteTask records a finished mission on its agent: counters, duration,
// and a return to idle.
func (r *Registry) CompleteTask(ctx context.Context, missionID string, success bool, durationMs int64) error {
	r.mu.Lock()
	var snapshot *agent.Agent
	for _, a := range r.agents {
		if a.CurrentMissionID != missionID {
			continue
		}
		if success {
			a.TasksCompleted++
		} else {
			a.TasksFailed++
		}
		a.TotalDurationMs += durationMs
		a.CurrentMissionID = ""
		a.Status = agent.StatusIdle
		snapshot = a.Clone()
		break
	}
	r.mu.Unlock()
	if snapshot == nil {
		return fmt.Errorf("%w: no agent working on mission %s", ErrAgentNotFound, missionID)
	}

	r.publishHealth(snapshot.ID, lifecycle.EventIdle)
	return r.gateway.UpdateAgent(ctx, snapshot)
}

// LoadFromDb restores agent rows at startup. Workers do not survive a
// restart: rows that claim a live status are downgraded to stopped and may
// be respawned by the oracle.
func (r *Registry) LoadFromDb(ctx context.Context) error {
	agents, err := r.gateway.ListAgents(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range agents {
		switch a.Status {
		case agent.StatusStopped, agent.StatusCrashed, agent.StatusError:
		default:
			a.Status = agent.StatusStopped
			a.PID = 0
			a.CurrentMissionID = ""
			if err := r.gateway.UpdateAgent(ctx, a); err != nil {
				return err
			}
		}
		r.agents[a.ID] = a
	}
	r.log.Info("registry recovered from store", zap.Int("agents", len(agents)))
	return nil
}

// Shutdown stops every running worker.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.runners))
	for id := range r.runners {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := r.Kill(ctx, id); err != nil {
				r.log.Warn("failed to kill agent during shutdown", zap.Int64("agent_id", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// IdleCount returns how many dispatchable agents are idle.
func (r *Registry) IdleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.agents {
		if a.Status.Available() && a.Role.Dispatchable() {
			n++
		}
	}
	return n
}

// transition mutates an agent under the registry lock and returns a clone
// for persistence, together with the agent's runner if one exists. Readers
// only ever see the agent before or after the whole mutation.
func (r *Registry) transition(id int64, mutate func(a *agent.Agent)) (*agent.Agent, *lifecycle.Runner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", ErrAgentNotFound, id)
	}
	mutate(a)
	return a.Clone(), r.runners[id], nil
}

func (r *Registry) publishHealth(id int64, event string) {
	if r.bus == nil {
		return
	}
	evt := bus.NewEvent(bus.SubjectAgentHealth, "agent-registry", map[string]any{
		"agent_id": id,
		"event":    event,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.bus.Publish(ctx, bus.SubjectAgentHealth, evt); err != nil {
		r.log.Debug("failed to publish health event", zap.Error(err))
	}
}
