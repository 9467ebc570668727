package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rgov/foxglove-studio/internal/pipeline"
	"github.com/rgov/foxglove-studio/internal/player"
	"github.com/rgov/foxglove-studio/internal/timeutil"
)

const (
	clientSendBuffer = 16
	writeTimeout     = 10 * time.Second
	// slowClientGrace bounds how long one slow client may hold a paused frame
	// before its snapshot is dropped.
	slowClientGrace = 2 * time.Second
)

// controlMessage is one inbound command from a connected viewer.
type controlMessage struct {
	Op            string                `json:"op"`
	Time          timeutil.Time         `json:"time,omitempty"`
	Speed         float64               `json:"speed,omitempty"`
	Subscriptions []player.Subscription `json:"subscriptions,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Hub bridges the pipeline to websocket viewers: every state snapshot is
// serialized once and fanned out, and inbound control messages drive the
// player. A client that cannot keep up pauses the frame rather than losing
// it, up to a grace period.
type Hub struct {
	pl       *player.Player
	ctrl     *pipeline.Controller
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]bool
}

func newHub(pl *player.Player, ctrl *pipeline.Controller) *Hub {
	return &Hub{
		pl:   pl,
		ctrl: ctrl,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: map[*wsClient]bool{},
	}
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	client := &wsClient{
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	slog.Info("viewer connected", slog.String("remote", conn.RemoteAddr().String()))

	go client.writePump()
	go h.readPump(client)

	// Prime the new viewer with the latest data at the cursor.
	h.pl.RequestBackfill()
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// ViewerCount returns the number of connected viewers.
func (h *Hub) ViewerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// closeAll disconnects every viewer, used at shutdown.
func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = map[*wsClient]bool{}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) readPump(c *wsClient) {
	defer h.remove(c)
	for {
		var msg controlMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("viewer read failed", slog.Any("error", err))
			}
			return
		}
		switch msg.Op {
		case "play":
			h.pl.StartPlayback()
		case "pause":
			h.pl.PausePlayback()
		case "seek":
			h.pl.SeekPlayback(msg.Time)
		case "setSpeed":
			h.pl.SetPlaybackSpeed(msg.Speed)
		case "subscribe":
			h.pl.SetSubscriptions(msg.Subscriptions)
		case "backfill":
			h.pl.RequestBackfill()
		default:
			slog.Warn("unknown control op", slog.String("op", msg.Op))
		}
	}
}

func (c *wsClient) writePump() {
	defer c.close()
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Handler is the pipeline consumer: it serializes the snapshot once and fans
// it out. A client with a full send buffer pauses the frame and is given a
// grace period to drain before the snapshot is dropped for it.
func (h *Hub) Handler(state player.State) {
	data, err := json.Marshal(state)
	if err != nil {
		slog.Error("could not serialize state", slog.Any("error", err))
		return
	}

	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		case <-c.done:
		default:
			resume := h.ctrl.PauseFrame("websocket")
			go func(c *wsClient) {
				defer resume()
				select {
				case c.send <- data:
				case <-c.done:
				case <-time.After(slowClientGrace):
					slog.Warn("dropping snapshot for slow viewer")
				}
			}(c)
		}
	}
}
