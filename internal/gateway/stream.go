// File: internal/gateway/stream.go
package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/countygis/agentcore/api/schemas"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Clients only send control frames; anything larger is a protocol error.
	maxMessageSize = 4096
)

// eventStream fans lifecycle events out to WebSocket subscribers.
type eventStream struct {
	core       Orchestrator
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	bufferSize int

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
}

// streamClient is one WebSocket subscriber. The bus handler never blocks on it:
// when send is full the event is counted as dropped.
type streamClient struct {
	stream  *eventStream
	conn    *websocket.Conn
	send    chan StreamMessage
	done    chan struct{}
	once    sync.Once
	types   map[schemas.EventType]bool
	dropped atomic.Int64
}

func newEventStream(core Orchestrator, logger *zap.Logger, allowedOrigins []string, bufferSize int) *eventStream {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &eventStream{
		core:       core,
		logger:     logger.Named("event_stream"),
		bufferSize: bufferSize,
		clients:    make(map[*streamClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// originChecker allows requests without an Origin header (non-browser clients)
// and browsers whose origin is listed. "*" allows everything.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// parseTypes reads ?types=A,B into a filter; nil means every type.
func parseTypes(raw string) map[schemas.EventType]bool {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	types := make(map[schemas.EventType]bool)
	for _, part := range strings.Split(raw, ",") {
		if t := strings.ToUpper(strings.TrimSpace(part)); t != "" {
			types[schemas.EventType(t)] = true
		}
	}
	return types
}

// ServeHTTP upgrades the connection and streams events until either side closes.
func (s *eventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error response.
		s.logger.Warn("Failed to upgrade connection to WebSocket", zap.Error(err))
		return
	}

	client := &streamClient{
		stream: s,
		conn:   conn,
		send:   make(chan StreamMessage, s.bufferSize),
		done:   make(chan struct{}),
		types:  parseTypes(r.URL.Query().Get("types")),
	}
	unsubscribe := s.core.RegisterEventHandler("", client.handleEvent)
	if !s.add(client) {
		unsubscribe()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	s.logger.Debug("Event stream client connected.", zap.String("remote_addr", r.RemoteAddr))

	go client.writePump()
	client.readPump()

	unsubscribe()
	client.stop()
	s.remove(client)
	s.logger.Debug("Event stream client disconnected.", zap.String("remote_addr", r.RemoteAddr))
}

func (s *eventStream) add(c *streamClient) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

func (s *eventStream) remove(c *streamClient) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

// Len reports the number of connected clients.
func (s *eventStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// closeAll stops every client and refuses new ones. Hijacked connections are
// not covered by http.Server.Shutdown, so this runs alongside it.
func (s *eventStream) closeAll() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*streamClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.stop()
	}
}

// handleEvent is the bus handler. It runs on the publisher's goroutine.
func (c *streamClient) handleEvent(ctx context.Context, evt schemas.Event) error {
	if c.types != nil && !c.types[evt.Type] {
		return nil
	}
	c.enqueue(StreamMessage{Type: StreamEvent, Event: &evt})
	return nil
}

func (c *streamClient) enqueue(msg StreamMessage) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		c.dropped.Add(1)
	}
}

func (c *streamClient) stop() {
	c.once.Do(func() { close(c.done) })
}

// readPump discards client frames and keeps the read deadline fresh. It returns
// when the connection fails or closes.
func (c *streamClient) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.stream.logger.Debug("Event stream closed unexpectedly", zap.Error(err))
			}
			return
		}
	}
}

// writePump owns all writes to the connection.
func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return

		case msg := <-c.send:
			msg.Dropped = c.dropped.Swap(0)
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.stream.logger.Debug("Error writing to event stream", zap.Error(err))
				c.stop()
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.stop()
				return
			}
		}
	}
}
