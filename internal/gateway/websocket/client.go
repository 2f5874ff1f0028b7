package websocket

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/overseer/overseer/internal/common/logger"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to the peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from the peer.
	maxMessageSize = 64 * 1024
)

// command is the inbound observer protocol: watch or unwatch one mission.
type command struct {
	Action    string `json:"action"`
	MissionID string `json:"mission_id"`
}

const (
	actionWatch   = "watch"
	actionUnwatch = "unwatch"
)

// Client is a single observer connection.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	// watching holds the mission ids this observer is scoped to. Empty means
	// the firehose: every frame.
	watching map[string]bool

	// dropped counts frames lost to a full send buffer.
	dropped atomic.Int64

	log *logger.Logger
}

// NewClient creates an observer client around an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		ID:       id,
		conn:     conn,
		hub:      hub,
		send:     make(chan []byte, 256),
		watching: make(map[string]bool),
		log:      log.WithFields(zap.String("client_id", id)),
	}
}

// Dropped returns the number of frames this consumer has lost.
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

func (c *Client) recordDrop() int64 {
	return c.dropped.Add(1)
}

// ReadPump consumes watch/unwatch commands until the connection drops.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var cmd command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.log.Debug("ignoring malformed observer command", zap.Error(err))
			continue
		}
		switch cmd.Action {
		case actionWatch:
			if cmd.MissionID != "" {
				c.hub.WatchMission(c, cmd.MissionID)
			}
		case actionUnwatch:
			if cmd.MissionID != "" {
				c.hub.UnwatchMission(c, cmd.MissionID)
			}
		default:
			c.log.Debug("unknown observer action", zap.String("action", cmd.Action))
		}
	}
}

// WritePump streams frames from the hub to the connection, batching queued
// frames and keeping the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(frame)

			// Batch additional queued frames.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
