// Package agent defines the worker agent domain types shared by the
// registry, lifecycle manager, dispatcher, and oracle.
package agent

import (
	"fmt"
	"time"
)

// Role is a specialization tag for an agent.
type Role string

const (
	RoleCoder      Role = "coder"
	RoleTester     Role = "tester"
	RoleAnalyst    Role = "analyst"
	RoleReviewer   Role = "reviewer"
	RoleGeneralist Role = "generalist"
	RoleOracle     Role = "oracle"
	RoleArchitect  Role = "architect"
	RoleDebugger   Role = "debugger"
	RoleResearcher Role = "researcher"
	RoleScribe     Role = "scribe"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleCoder, RoleTester, RoleAnalyst, RoleReviewer, RoleGeneralist,
		RoleOracle, RoleArchitect, RoleDebugger, RoleResearcher, RoleScribe:
		return Role(s), nil
	}
	return "", fmt.Errorf("invalid agent role %q", s)
}

// Dispatchable reports whether missions may be assigned to agents of this
// role. The oracle role stays in the vocabulary for routing output but never
// receives dispatched missions.
func (r Role) Dispatchable() bool {
	return r != RoleOracle
}

// ModelTier is the capability/cost band of the LLM behind an agent.
type ModelTier string

const (
	TierHaiku  ModelTier = "haiku"
	TierSonnet ModelTier = "sonnet"
	TierOpus   ModelTier = "opus"
)

// ParseModelTier validates a model tier string.
func ParseModelTier(s string) (ModelTier, error) {
	switch ModelTier(s) {
	case TierHaiku, TierSonnet, TierOpus:
		return ModelTier(s), nil
	}
	return "", fmt.Errorf("invalid model tier %q", s)
}

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusStarting Status = "starting"
	StatusIdle     Status = "idle"
	StatusBusy     Status = "busy"
	StatusWorking  Status = "working"
	StatusError    Status = "error"
	StatusCrashed  Status = "crashed"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

// Available reports whether the agent can accept a mission.
func (s Status) Available() bool {
	return s == StatusIdle
}

// Agent is a long-lived worker with a stable identity.
type Agent struct {
	ID     int64     `json:"id"`
	Name   string    `json:"name"`
	Role   Role      `json:"role"`
	Model  ModelTier `json:"model"`
	Status Status    `json:"status"`

	// CurrentMissionID is set while the agent is busy with a mission.
	CurrentMissionID string `json:"current_mission_id,omitempty"`

	TasksCompleted  int64 `json:"tasks_completed"`
	TasksFailed     int64 `json:"tasks_failed"`
	TotalDurationMs int64 `json:"total_duration_ms"`

	PID int `json:"pid,omitempty"`

	// WorktreePath is the isolated working directory, when isolation is enabled.
	WorktreePath string `json:"worktree_path,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SuccessRate returns tasksCompleted/(tasksCompleted+tasksFailed),
// or 0 when the agent has no finished tasks.
func (a *Agent) SuccessRate() float64 {
	total := a.TasksCompleted + a.TasksFailed
	if total == 0 {
		return 0
	}
	return float64(a.TasksCompleted) / float64(total)
}

// Clone returns a copy safe to hand outside the registry's lock.
func (a *Agent) Clone() *Agent {
	c := *a
	return &c
}

// SpawnConfig describes a new agent to launch.
type SpawnConfig struct {
	Name  string    `json:"name,omitempty"`
	Role  Role      `json:"role"`
	Model ModelTier `json:"model"`

	// Command overrides the configured worker command, when set.
	Command string `json:"command,omitempty"`

	WorkDir     string            `json:"work_dir,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Worktree    bool              `json:"worktree,omitempty"`
	AutoRestart bool              `json:"auto_restart,omitempty"`
}
