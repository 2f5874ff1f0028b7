// Package websocket provides the observer gateway: a broadcast hub that
// mirrors orchestrator events (mission lifecycle, agent health, checkpoints)
// to connected WebSocket observers.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/overseer/overseer/internal/common/logger"
	"github.com/overseer/overseer/internal/events/bus"
)

// DefaultOverflowLimit is how many frames a slow consumer may drop before
// it is disconnected.
const DefaultOverflowLimit = 64

// Frame is one observer-facing event.
type Frame struct {
	Type      string         `json:"type"`
	Subject   string         `json:"subject,omitempty"`
	MissionID string         `json:"mission_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Hub manages observer connections. Broadcasts never block: a consumer that
// cannot keep up accumulates dropped-frame counts and is disconnected once it
// crosses the overflow limit.
type Hub struct {
	clients map[*Client]bool

	// Clients watching specific missions.
	missionSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Frame

	overflowLimit int64

	mu  sync.RWMutex
	log *logger.Logger
}

// NewHub creates an observer hub. overflowLimit <= 0 selects the default.
func NewHub(overflowLimit int64, log *logger.Logger) *Hub {
	if overflowLimit <= 0 {
		overflowLimit = DefaultOverflowLimit
	}
	if log == nil {
		log = logger.Default()
	}
	return &Hub{
		clients:            make(map[*Client]bool),
		missionSubscribers: make(map[string]map[*Client]bool),
		register:           make(chan *Client),
		unregister:         make(chan *Client),
		broadcast:          make(chan *Frame, 256),
		overflowLimit:      overflowLimit,
		log:                log.Component("ws_hub"),
	}
}

// Run starts the hub's processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("observer hub started")
	defer h.log.Info("observer hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug("observer registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case frame := <-h.broadcast:
			h.deliver(frame)
		}
	}
}

// Register adds an observer to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes an observer from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast queues a frame for every connected observer.
func (h *Hub) Broadcast(frame *Frame) {
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now().UTC()
	}
	select {
	case h.broadcast <- frame:
	default:
		h.log.Warn("broadcast queue full, dropping frame", zap.String("type", frame.Type))
	}
}

// deliver fans a frame out. Mission-scoped frames go to that mission's
// watchers plus everyone unscoped; others go to all clients. Consumers whose
// buffers are full record a drop; past the overflow limit they are cut.
func (h *Hub) deliver(frame *Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.log.Error("failed to marshal frame", zap.Error(err))
		return
	}

	var slow []*Client
	h.mu.RLock()
	for client := range h.clients {
		if frame.MissionID != "" && len(client.watching) > 0 && !client.watching[frame.MissionID] {
			continue
		}
		select {
		case client.send <- data:
		default:
			if client.recordDrop() >= h.overflowLimit {
				slow = append(slow, client)
			}
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.log.Warn("disconnecting slow observer",
			zap.String("client_id", client.ID),
			zap.Int64("dropped_frames", client.Dropped()))
		h.removeClient(client)
	}
}

// WatchMission scopes a client to one mission's frames. A client with no
// watches receives everything.
func (h *Hub) WatchMission(client *Client, missionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.missionSubscribers[missionID]; !ok {
		h.missionSubscribers[missionID] = make(map[*Client]bool)
	}
	h.missionSubscribers[missionID][client] = true
	client.watching[missionID] = true

	h.log.Debug("observer watching mission",
		zap.String("client_id", client.ID),
		zap.String("mission_id", missionID))
}

// UnwatchMission removes a mission scope from a client.
func (h *Hub) UnwatchMission(client *Client, missionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.watching, missionID)
	if clients, ok := h.missionSubscribers[missionID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.missionSubscribers, missionID)
		}
	}
}

// AttachBus mirrors orchestrator bus traffic into the hub. The returned
// subscriptions stay live until unsubscribed or the bus closes.
func (h *Hub) AttachBus(eventBus bus.EventBus) ([]bus.Subscription, error) {
	subjects := []string{
		bus.SubjectAgentHealth,
		bus.SubjectMissionCheckpoint,
		bus.SubjectMissionCancel,
		bus.SubjectMissionAssignPrefix + "*",
	}

	var subs []bus.Subscription
	for _, subject := range subjects {
		subject := subject
		sub, err := eventBus.Subscribe(subject, func(_ context.Context, event *bus.Event) error {
			frame := &Frame{
				Type:      event.Type,
				Subject:   subject,
				Data:      event.Data,
				Timestamp: event.Timestamp,
			}
			if id, ok := event.Data["mission_id"].(string); ok {
				frame.MissionID = id
			}
			h.Broadcast(frame)
			return nil
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.missionSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	for missionID := range client.watching {
		if clients, ok := h.missionSubscribers[missionID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.missionSubscribers, missionID)
			}
		}
	}
	h.log.Debug("observer unregistered", zap.String("client_id", client.ID))
}
