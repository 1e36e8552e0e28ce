package transport

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bobmcallan/dlmgr/internal/eventbus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// controlMessage is what a client sends to join or leave a job's room.
type controlMessage struct {
	Action string `json:"action"` // "join-job" | "leave-job"
	JobID  string `json:"jobId"`
}

// jobClient is one WebSocket connection's live state: which rooms it has
// joined, and the goroutines forwarding each room's Subscription into the
// connection's single write pump.
type jobClient struct {
	conn *websocket.Conn
	bus  *eventbus.Bus
	send chan []byte

	mu   sync.Mutex
	subs map[string]*eventbus.Subscription
	done chan struct{}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("transport: websocket upgrade failed")
		return
	}

	c := &jobClient{
		conn: conn,
		bus:  s.bus,
		send: make(chan []byte, eventbus.DefaultBufferSize),
		subs: make(map[string]*eventbus.Subscription),
		done: make(chan struct{}),
	}

	go c.writePump()
	c.readPump()
}

func (c *jobClient) readPump() {
	defer func() {
		close(c.done)
		c.mu.Lock()
		for room, sub := range c.subs {
			c.bus.Unsubscribe(sub)
			delete(c.subs, room)
		}
		c.mu.Unlock()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Action {
		case "join-job":
			c.join(msg.JobID)
		case "leave-job":
			c.leave(msg.JobID)
		}
	}
}

func (c *jobClient) join(jobID string) {
	room := "job:" + jobID
	c.mu.Lock()
	if _, ok := c.subs[room]; ok {
		c.mu.Unlock()
		return
	}
	sub := c.bus.Subscribe(room)
	c.subs[room] = sub
	c.mu.Unlock()

	go c.pumpRoom(room, sub)

	ack, _ := json.Marshal(map[string]any{"ok": true, "room": room})
	c.enqueue(ack)
}

func (c *jobClient) leave(jobID string) {
	room := "job:" + jobID
	c.mu.Lock()
	sub, ok := c.subs[room]
	if ok {
		delete(c.subs, room)
	}
	c.mu.Unlock()
	if ok {
		c.bus.Unsubscribe(sub)
	}
}

// pumpRoom forwards one room's Subscription into the connection's shared
// send channel until the subscription is closed or the connection ends.
func (c *jobClient) pumpRoom(room string, sub *eventbus.Subscription) {
	for {
		select {
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(map[string]any{
				"room":    room,
				"type":    env.Type,
				"jobId":   env.JobID,
				"payload": env.Payload,
			})
			if err != nil {
				continue
			}
			c.enqueue(data)
		case <-c.done:
			return
		}
	}
}

func (c *jobClient) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		// Connection's write side is saturated; drop rather than block the
		// room pump. Unlike the EventBus, which evicts its oldest entry,
		// the message being enqueued is the one dropped here.
	}
}

func (c *jobClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
