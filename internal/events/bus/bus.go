// Package bus provides event bus abstractions for Overseer.
//
// The bus is the streaming channel of the delivery substrate: claimed
// missions, agent health events, and heartbeat checkpoints all travel over
// it. An in-memory implementation backs single-process deployments and
// tests; NATS backs multi-process setups.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects used by the orchestrator.
const (
	// SubjectMissionAssign carries a claimed mission to one agent.
	// The agent id token replaces the wildcard: mission.assign.<agentID>.
	SubjectMissionAssignPrefix = "mission.assign."

	// SubjectMissionCheckpoint carries progress heartbeats from running agents.
	SubjectMissionCheckpoint = "mission.checkpoint"

	// SubjectMissionCancel signals cancellation to the assigned agent.
	SubjectMissionCancel = "mission.cancel"

	// SubjectAgentHealth carries agent lifecycle events
	// (spawn, crash, restart, idle, busy, task_start, task_complete, task_fail).
	SubjectAgentHealth = "agent.health"
)

// Event represents a message on the event bus
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"` // Component that produced the event
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription
type Subscription interface {
	// Subject returns the subject pattern the subscription is bound to.
	Subject() string
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription for load balancing
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
