package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/andresmejia3/facecam/internal/ledger"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	eventBuffer  = 16
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the landing page may be served from another host
	},
}

// CaptureEvent is pushed to websocket listeners after each saved face.
type CaptureEvent struct {
	Type string `json:"type"`
	ledger.Record
}

type eventClient struct {
	conn *websocket.Conn
	send chan []byte
}

// EventHub fans capture events out to websocket clients. Slow clients lose events.
type EventHub struct {
	mu      sync.Mutex
	clients map[*eventClient]struct{}
	closed  bool
}

func NewEventHub() *EventHub {
	return &EventHub{clients: make(map[*eventClient]struct{})}
}

// Publish queues r for every connected client. It is a ledger.Observer.
func (h *EventHub) Publish(r ledger.Record) {
	msg, err := json.Marshal(CaptureEvent{Type: "capture", Record: r})
	if err != nil {
		logrus.WithError(err).Warn("failed to encode capture event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			logrus.WithField("client", c.conn.RemoteAddr().String()).Debug("event dropped for slow client")
		}
	}
}

// Clients returns the number of connected listeners.
func (h *EventHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the client leaves.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("websocket upgrade failed")
		return
	}
	c := &eventClient{conn: conn, send: make(chan []byte, eventBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	logrus.WithField("client", r.RemoteAddr).Info("event listener connected")

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop only watches for the close; clients have nothing to say.
func (h *EventHub) readLoop(c *eventClient) {
	defer h.remove(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithError(err).Debug("event listener closed unexpectedly")
			}
			return
		}
	}
}

func (h *EventHub) writeLoop(c *eventClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *EventHub) remove(c *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Close disconnects every listener.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
