// Package store defines the persistence gateway: typed accessors over the
// durable row store, including the atomic claim primitive the delivery
// substrate relies on. The gateway is the only path to the store; other
// components must not issue raw queries that bypass its invariants.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/overseer/overseer/internal/agent"
	learnmodels "github.com/overseer/overseer/internal/learning/models"
	"github.com/overseer/overseer/internal/mission/models"
)

// ErrorKind is the closed taxonomy of storage errors.
type ErrorKind string

const (
	// ErrIO covers transient I/O failures; callers may retry.
	ErrIO ErrorKind = "io"
	// ErrConstraint covers constraint violations; never retriable.
	ErrConstraint ErrorKind = "constraint"
	// ErrNotFound covers missing rows; callers map it to a no-op with a warning.
	ErrNotFound ErrorKind = "notfound"
)

// StorageError wraps a storage failure with its kind.
type StorageError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store: %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError builds a StorageError for the given operation.
func NewStorageError(kind ErrorKind, op string, err error) *StorageError {
	return &StorageError{Kind: kind, Op: op, Err: err}
}

// IsNotFound reports whether err is a not-found storage error.
func IsNotFound(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == ErrNotFound
}

// ClaimResult is the outcome of an atomic claim attempt.
type ClaimResult struct {
	Success     bool   `json:"success"`
	ExecutionID string `json:"execution_id,omitempty"`
}

// MissionUpdate carries the optional fields a status transition may touch.
// Pointer fields distinguish "set to zero value" from "leave unchanged";
// ClearExecution/ClearAssignment write SQL NULL, which the claim predicate
// treats as unset.
type MissionUpdate struct {
	AssignedTo      *int64
	ExecutionID     *string
	StartedAt       *time.Time
	CompletedAt     *time.Time
	RetryCount      *int
	Error           *models.MissionError
	Result          *models.MissionResult
	Priority        *models.Priority
	ClearExecution  bool
	ClearAssignment bool
	ClearStartedAt  bool
}

// InboxEntry is a durable delivery record for a claimed mission. If the
// streaming channel drops before the agent acknowledges, the inbox still
// carries the task; redelivery re-runs the claim predicate so a mission is
// never executed twice.
type InboxEntry struct {
	ID              string                `json:"id"`
	AgentID         int64                 `json:"agent_id"`
	MissionID       string                `json:"parent_mission_id"`
	ExecutionID     string                `json:"execution_id"`
	Prompt          string                `json:"prompt"`
	Context         string                `json:"context,omitempty"`
	Priority        models.Priority       `json:"priority"`
	Status          models.Status         `json:"status"`
	Result          string                `json:"result,omitempty"`
	Error           string                `json:"error,omitempty"`
	InputTokens     int                   `json:"input_tokens,omitempty"`
	OutputTokens    int                   `json:"output_tokens,omitempty"`
	DurationMs      int64                 `json:"duration_ms,omitempty"`
	SessionID       string                `json:"session_id,omitempty"`
	RequirementID   int64                 `json:"unified_task_id,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	StartedAt       *time.Time            `json:"started_at,omitempty"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
}

// TaskLineage aggregates everything recorded under one business requirement.
type TaskLineage struct {
	Requirement *models.BusinessRequirement `json:"requirement"`
	Executions  []*InboxEntry               `json:"executions"`
	Learnings   []*learnmodels.Learning     `json:"learnings"`
	Completed   int                         `json:"completed"`
	Failed      int                         `json:"failed"`
	TotalTokens int                         `json:"total_tokens"`
}

// Gateway is the typed persistence surface for the orchestrator core.
type Gateway interface {
	// Missions
	SaveMission(ctx context.Context, m *models.Mission) error
	UpdateMissionStatus(ctx context.Context, id string, status models.Status, update MissionUpdate) error
	GetMission(ctx context.Context, id string) (*models.Mission, error)

	// AtomicClaim sets status running, assigned_to, and execution_id in one
	// conditional update that succeeds only while the mission is queued with
	// no execution bound. The at-most-once guarantee rests on this predicate.
	AtomicClaim(ctx context.Context, missionID string, agentID int64, executionID string) (ClaimResult, error)

	// LoadPendingMissions returns all rows whose status is pending, queued,
	// blocked, retrying, or running. Running rows are interrupted work to be
	// recovered by the queue.
	LoadPendingMissions(ctx context.Context) ([]*models.Mission, error)

	// Agents
	SaveAgent(ctx context.Context, a *agent.Agent) (int64, error)
	UpdateAgent(ctx context.Context, a *agent.Agent) error
	GetAgent(ctx context.Context, id int64) (*agent.Agent, error)
	ListAgents(ctx context.Context) ([]*agent.Agent, error)

	// Delivery inbox
	SaveInboxEntry(ctx context.Context, e *InboxEntry) error
	UpdateInboxEntry(ctx context.Context, e *InboxEntry) error
	ListInboxEntries(ctx context.Context, agentID int64) ([]*InboxEntry, error)
	GetInboxEntryByMission(ctx context.Context, missionID string) (*InboxEntry, error)

	// Business requirements
	CreateRequirement(ctx context.Context, r *models.BusinessRequirement) (int64, error)
	GetRequirement(ctx context.Context, id int64) (*models.BusinessRequirement, error)
	UpdateBusinessRequirementStatus(ctx context.Context, id int64, status models.RequirementStatus) error

	// Learnings
	CreateLearning(ctx context.Context, l *learnmodels.Learning) (string, error)
	GetLearningByID(ctx context.Context, id string) (*learnmodels.Learning, error)
	UpdateLearning(ctx context.Context, l *learnmodels.Learning) error
	ValidateLearning(ctx context.Context, id string) error
	GetLearningsByTask(ctx context.Context, requirementID int64) ([]*learnmodels.Learning, error)
	GetLearningsByMission(ctx context.Context, missionID string) ([]*learnmodels.Learning, error)
	ListLearnings(ctx context.Context, limit int) ([]*learnmodels.Learning, error)
	GetTaskLineage(ctx context.Context, requirementID int64) (*TaskLineage, error)

	// Search feedback
	SaveSearchFeedback(ctx context.Context, f *learnmodels.SearchFeedback) error
	ListSearchFeedback(ctx context.Context, limit int) ([]*learnmodels.SearchFeedback, error)

	Close() error
}
