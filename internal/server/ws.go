package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neboloop/nebochat/internal/agent/runner"
	"github.com/neboloop/nebochat/internal/events"
	"github.com/neboloop/nebochat/internal/httputil"
	"github.com/neboloop/nebochat/internal/logging"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 32768
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     sameOriginOrLocal,
}

// clientFrame is what the browser sends
type clientFrame struct {
	Type string `json:"type"` // "send" or "ping"
	Text string `json:"text,omitempty"`
}

// wsClient is one WebSocket connection watching one conversation
type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := httputil.PathVar(r, "id")
	if _, err := s.hub.Open(r.Context(), id); err != nil {
		s.storeError(w, err, "open conversation")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Errorf("WebSocket upgrade error: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsClient{
		conn:   conn,
		send:   make(chan []byte, 256),
		ctx:    ctx,
		cancel: cancel,
	}

	sub := events.Subscribe(s.subject, events.ConversationTopic(id), func(_ context.Context, env events.Envelope) error {
		return c.push(env)
	})

	go c.writePump()
	c.readPump(func(f clientFrame) {
		switch f.Type {
		case "send":
			go s.wsSend(c, id, f.Text)
		case "ping":
			c.push(events.Envelope{Type: "pong", ConversationID: id, Time: time.Now().UTC()})
		default:
			c.push(events.Envelope{Type: events.FrameError, ConversationID: id, Time: time.Now().UTC(),
				Data: map[string]string{"message": "unknown frame type " + f.Type}})
		}
	})

	sub.Unsubscribe()
	c.close()
}

// wsSend runs one exchange. The runner is looked up per frame so a
// conversation deleted while the socket is open stays deleted. Message and
// state frames reach every watcher through the hub; rejections go only to
// the sender.
func (s *Server) wsSend(c *wsClient, convID, text string) {
	env := events.Envelope{Type: events.FrameError, ConversationID: convID, Time: time.Now().UTC()}

	rn, err := s.hub.Open(c.ctx, convID)
	if err != nil {
		if isNotFound(err) {
			env.Data = map[string]string{"message": "conversation not found"}
		} else {
			logging.Errorf("[server] open conversation %s: %v", convID, err)
			env.Data = map[string]string{"message": "storage error"}
		}
		c.push(env)
		return
	}

	reply, err := rn.Send(c.ctx, text)
	if reply == nil {
		var unavailable *runner.UnavailableError
		switch {
		case errors.As(err, &unavailable):
			env.Type = "unavailable"
			env.Data = unavailable.Availability
		case errors.Is(err, runner.ErrClosed):
			env.Data = map[string]string{"message": "conversation not found"}
		case err != nil:
			env.Data = map[string]string{"message": err.Error()}
		}
		c.push(env)
		return
	}

	done := map[string]any{"message": reply.Clone()}
	if err != nil {
		done["error"] = err.Error()
	}
	s.hub.publish(convID, events.FrameDone, done)
}

// push queues a frame without blocking the event loop
func (c *wsClient) push(env events.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-c.ctx.Done():
		return context.Canceled
	case c.send <- payload:
		return nil
	default:
		return errors.New("client send buffer full")
	}
}

func (c *wsClient) readPump(handle func(clientFrame)) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Errorf("WebSocket read error: %v", err)
			}
			return
		}

		var f clientFrame
		if err := json.Unmarshal(msg, &f); err != nil {
			logging.Warnf("WebSocket: bad frame: %v", err)
			continue
		}
		handle(f)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close()
	})
}

// sameOriginOrLocal accepts non-browser clients, same-origin pages and localhost
func sameOriginOrLocal(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == r.Host {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
