package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"stock_research_backend/logger"
)

const (
	MaxStreamClients   = 100
	streamWriteTimeout = 10 * time.Second
	streamPongTimeout  = 60 * time.Second
	streamPingInterval = (streamPongTimeout * 9) / 10
)

// StreamMessage is one frame pushed to status stream clients
type StreamMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	Time time.Time   `json:"time"`
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

// StatusStream pushes monitor snapshots to websocket clients every
// monitoring.refreshInterval milliseconds.
type StatusStream struct {
	svc      *Service
	upgrader websocket.Upgrader
	log      *logger.Logger

	mu      sync.Mutex
	clients map[*streamClient]bool
	closed  bool
}

// NewStatusStream creates a stream over the action service's monitor snapshot
func NewStatusStream(svc *Service) *StatusStream {
	return &StatusStream{
		svc: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log:     logger.Category("stream"),
		clients: make(map[*streamClient]bool),
	}
}

// Run broadcasts until ctx is done, then disconnects every client
func (s *StatusStream) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(s.refreshInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			s.closeAll()
			return
		case <-timer.C:
		}
		if s.ClientCount() > 0 {
			s.broadcast(s.snapshotFrame())
		}
	}
}

func (s *StatusStream) refreshInterval() time.Duration {
	ms := s.svc.sched.GetConfigManager().GetConfig().Monitoring.RefreshInterval
	if ms <= 0 {
		ms = 5000
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *StatusStream) snapshotFrame() []byte {
	data, err := json.Marshal(StreamMessage{Type: "monitor", Data: s.svc.Snapshot(), Time: time.Now()})
	if err != nil {
		s.log.WithError(err).Error("Failed to encode monitor snapshot")
		return nil
	}
	return data
}

func (s *StatusStream) broadcast(frame []byte) {
	if frame == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		select {
		case client.send <- frame:
		default:
			// slow consumer
			delete(s.clients, client)
			close(client.send)
		}
	}
}

// ClientCount returns the number of connected clients
func (s *StatusStream) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *StatusStream) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for client := range s.clients {
		delete(s.clients, client)
		close(client.send)
	}
}

// HandleWebSocket upgrades the request and sends a snapshot immediately
// GET /api/v1/collection/stream
func (s *StatusStream) HandleWebSocket(c *gin.Context) {
	s.mu.Lock()
	refused := s.closed || len(s.clients) >= MaxStreamClients
	s.mu.Unlock()
	if refused {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "Stream at capacity"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := &streamClient{conn: conn, send: make(chan []byte, 16)}
	if frame := s.snapshotFrame(); frame != nil {
		client.send <- frame
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[client] = true
	count := len(s.clients)
	s.mu.Unlock()
	s.log.Debugf("Stream client connected. Total clients: %d", count)

	go client.writePump()
	go s.readPump(client)
}

func (s *StatusStream) unregister(client *streamClient) {
	s.mu.Lock()
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		close(client.send)
	}
	count := len(s.clients)
	s.mu.Unlock()
	s.log.Debugf("Stream client disconnected. Total clients: %d", count)
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(streamPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only handles control frames; client messages are ignored
func (s *StatusStream) readPump(c *streamClient) {
	defer func() {
		s.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.WithError(err).Debug("Stream read error")
			}
			return
		}
	}
}
