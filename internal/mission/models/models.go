// Package models defines the mission domain types shared across the
// queue, dispatcher, oracle, and persistence layers.
package models

import (
	"fmt"
	"time"
)

// Priority is the scheduling band of a mission.
// Critical missions dequeue before high, high before normal, normal before low.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Rank returns the band order used by the queue: lower ranks dequeue first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// ParsePriority validates a priority string.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(s), nil
	}
	return "", fmt.Errorf("invalid priority %q", s)
}

// MissionType classifies the kind of work a mission carries.
type MissionType string

const (
	TypeExtraction MissionType = "extraction"
	TypeAnalysis   MissionType = "analysis"
	TypeSynthesis  MissionType = "synthesis"
	TypeReview     MissionType = "review"
	TypeGeneral    MissionType = "general"
)

// ParseMissionType validates a mission type string.
func ParseMissionType(s string) (MissionType, error) {
	switch MissionType(s) {
	case TypeExtraction, TypeAnalysis, TypeSynthesis, TypeReview, TypeGeneral:
		return MissionType(s), nil
	}
	return "", fmt.Errorf("invalid mission type %q", s)
}

// Status is the lifecycle state of a mission.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
	StatusBlocked   Status = "blocked"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status ends the mission lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusQueued, StatusRunning, StatusCompleted,
		StatusFailed, StatusRetrying, StatusBlocked, StatusCancelled:
		return Status(s), nil
	}
	return "", fmt.Errorf("invalid mission status %q", s)
}

// FailureKind is the closed taxonomy of mission failure causes.
type FailureKind string

const (
	FailureTimeout    FailureKind = "timeout"
	FailureCrash      FailureKind = "crash"
	FailureValidation FailureKind = "validation"
	FailureResource   FailureKind = "resource"
	FailureAuth       FailureKind = "auth"
	FailureRateLimit  FailureKind = "rate_limit"
	FailureUnknown    FailureKind = "unknown"
)

// Recoverable reports whether a failure of this kind may succeed on retry.
// Recoverable kinds route through retry-with-backoff; the rest are terminal.
func (k FailureKind) Recoverable() bool {
	switch k {
	case FailureTimeout, FailureRateLimit, FailureResource:
		return true
	}
	return false
}

// ParseFailureKind validates a failure kind, mapping unknown values to
// FailureUnknown rather than rejecting them.
func ParseFailureKind(s string) FailureKind {
	switch FailureKind(s) {
	case FailureTimeout, FailureCrash, FailureValidation, FailureResource,
		FailureAuth, FailureRateLimit:
		return FailureKind(s)
	}
	return FailureUnknown
}

// MissionError records why a mission attempt failed.
type MissionError struct {
	Kind        FailureKind `json:"kind"`
	Message     string      `json:"message"`
	Recoverable bool        `json:"recoverable"`
	Timestamp   time.Time   `json:"timestamp"`
}

// NewMissionError builds an error record with recoverability derived from the kind.
func NewMissionError(kind FailureKind, message string) *MissionError {
	return &MissionError{
		Kind:        kind,
		Message:     message,
		Recoverable: kind.Recoverable(),
		Timestamp:   time.Now().UTC(),
	}
}

// TokenUsage records LLM token consumption for one execution.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// MissionResult records the outcome of a successful execution.
type MissionResult struct {
	Output     string     `json:"output"`
	DurationMs int64      `json:"duration_ms"`
	Tokens     TokenUsage `json:"tokens"`
}

// Mission is the unit of scheduled work. The queue owns the in-memory
// instance; the store owns its persistent projection.
type Mission struct {
	ID       string      `json:"id"`
	Prompt   string      `json:"prompt"`
	Context  string      `json:"context,omitempty"`
	Priority Priority    `json:"priority"`
	Type     MissionType `json:"type"`
	Status   Status      `json:"status"`

	TimeoutMs    int64 `json:"timeout_ms"`
	MaxRetries   int   `json:"max_retries"`
	RetryCount   int   `json:"retry_count"`
	RetryDelayMs int64 `json:"retry_delay_ms,omitempty"`

	DependsOn  []string `json:"depends_on,omitempty"`
	AssignedTo *int64   `json:"assigned_to,omitempty"`

	// RecommendedRole and RecommendedModel carry routing hints from a
	// decomposition plan; dispatch prefers them over fresh routing.
	RecommendedRole  string `json:"recommended_role,omitempty"`
	RecommendedModel string `json:"recommended_model,omitempty"`

	Error  *MissionError  `json:"error,omitempty"`
	Result *MissionResult `json:"result,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ExecutionID is the opaque token binding the current attempt; set only
	// while the mission is running and cleared on crash recovery.
	ExecutionID string `json:"execution_id,omitempty"`

	ParentMissionID string `json:"parent_mission_id,omitempty"`

	// RequirementID links the mission to its business requirement, if any.
	RequirementID int64 `json:"unified_task_id,omitempty"`
}

// Clone returns a deep copy safe to hand to callers outside the queue's lock.
func (m *Mission) Clone() *Mission {
	c := *m
	if m.DependsOn != nil {
		c.DependsOn = append([]string(nil), m.DependsOn...)
	}
	if m.AssignedTo != nil {
		v := *m.AssignedTo
		c.AssignedTo = &v
	}
	if m.Error != nil {
		e := *m.Error
		c.Error = &e
	}
	if m.Result != nil {
		r := *m.Result
		c.Result = &r
	}
	if m.StartedAt != nil {
		t := *m.StartedAt
		c.StartedAt = &t
	}
	if m.CompletedAt != nil {
		t := *m.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Execution is one attempt at running a mission on an agent.
type Execution struct {
	ID        string         `json:"id"`
	MissionID string         `json:"mission_id"`
	AgentID   int64          `json:"agent_id"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Result    *MissionResult `json:"result,omitempty"`
	Error     *MissionError  `json:"error,omitempty"`
}

// RequirementStatus is the lifecycle state of a business requirement.
type RequirementStatus string

const (
	RequirementOpen       RequirementStatus = "open"
	RequirementInProgress RequirementStatus = "in_progress"
	RequirementDone       RequirementStatus = "done"
	RequirementBlocked    RequirementStatus = "blocked"
	RequirementWontFix    RequirementStatus = "wont_fix"
)

// RequirementDomain scopes a business requirement.
type RequirementDomain string

const (
	DomainSystem  RequirementDomain = "system"
	DomainProject RequirementDomain = "project"
	DomainSession RequirementDomain = "session"
)

// BusinessRequirement is a durable objective spanning multiple missions.
type BusinessRequirement struct {
	ID          int64             `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Domain      RequirementDomain `json:"domain"`
	Status      RequirementStatus `json:"status"`
	Priority    Priority          `json:"priority"`
	Component   string            `json:"component,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}
