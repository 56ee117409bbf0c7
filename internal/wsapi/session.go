// Package wsapi exposes the Update Bus over a single /ws endpoint. Each
// connection gets its own bus subscription and an independent filter over
// which device IDs it wants to hear about, rather than broadcasting every
// update to every connection.
package wsapi

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/modbridge/modbridge/internal/bus"
	"github.com/modbridge/modbridge/internal/metrics"
)

// FrameType identifies the kind of message on the wire, in both directions.
type FrameType string

const (
	FrameConnected   FrameType = "connected"
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FramePing        FrameType = "ping"
	FramePong        FrameType = "pong"
	FrameUpdate      FrameType = "update"
	FrameError       FrameType = "error"
)

// Frame is the single envelope shape used for every message either
// direction sends.
type Frame struct {
	Type      FrameType   `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Devices   []string    `json:"devices,omitempty"`
	Update    *bus.Update `json:"update,omitempty"`
	Error     string      `json:"error,omitempty"`
}

const writeWait = 10 * time.Second
const pingInterval = 30 * time.Second

// Session wraps one client connection: its own bus subscription and its
// own set of device IDs it cares about (a nil set means "all", an empty
// non-nil set means "none").
type Session struct {
	id     string
	conn   *websocket.Conn
	sub    *bus.Subscription
	log    *zap.Logger
	mu     sync.Mutex
	filter map[string]struct{}
}

// Handle runs for the lifetime of one WebSocket connection. It is meant to
// be passed to a gofiber/websocket/v2 route as the handler.
func Handle(b *bus.Bus) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		s := &Session{
			id:   uuid.NewString(),
			conn: c,
			sub:  b.Subscribe(),
			log:  zap.L().Named("wsapi").With(zap.String("session", "")),
		}
		s.log = zap.L().Named("wsapi").With(zap.String("session", s.id))

		metrics.SetWebSocketConnections(incWS(1))
		defer func() {
			metrics.SetWebSocketConnections(incWS(-1))
			s.sub.Close()
		}()

		s.writeFrame(Frame{Type: FrameConnected, SessionID: s.id})

		done := make(chan struct{})
		go s.readLoop(done)
		s.writeLoop(done)
	}
}

var (
	wsCountMu sync.Mutex
	wsCount   int
)

func incWS(delta int) int {
	wsCountMu.Lock()
	defer wsCountMu.Unlock()
	wsCount += delta
	return wsCount
}

func (s *Session) readLoop(done chan<- struct{}) {
	defer close(done)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.writeFrame(Frame{Type: FrameError, Error: "invalid frame"})
			continue
		}

		switch frame.Type {
		case FrameSubscribe:
			s.setFilter(frame.Devices)
		case FrameUnsubscribe:
			s.clearFilter(frame.Devices)
		case FramePing:
			s.writeFrame(Frame{Type: FramePong})
		default:
			s.writeFrame(Frame{Type: FrameError, Error: "unknown frame type"})
		}
	}
}

func (s *Session) writeLoop(done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case update, ok := <-s.sub.Updates:
			if !ok {
				return
			}
			if s.wants(update.DeviceID) {
				s.writeFrame(Frame{Type: FrameUpdate, Update: &update})
			}
		case n, ok := <-s.sub.Lagged:
			if !ok {
				continue
			}
			s.log.Warn("dropped updates, subscriber too slow", zap.Int("dropped", n))
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wants reports whether the session cares about updates from deviceID. A
// nil filter means no subscribe/unsubscribe has happened yet and every
// device is wanted; a non-nil, empty filter means the session explicitly
// unsubscribed from everything and wants nothing.
func (s *Session) wants(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filter == nil {
		return true
	}
	_, ok := s.filter[deviceID]
	return ok
}

// setFilter replaces the session's device filter with exactly devices.
func (s *Session) setFilter(devices []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	filter := make(map[string]struct{}, len(devices))
	for _, d := range devices {
		filter[d] = struct{}{}
	}
	s.filter = filter
}

// clearFilter removes devices from the session's filter. An empty/nil
// devices list unsubscribes from everything, leaving an empty (non-nil)
// filter so wants() returns false for every device.
func (s *Session) clearFilter(devices []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(devices) == 0 {
		s.filter = make(map[string]struct{})
		return
	}
	if s.filter == nil {
		s.filter = make(map[string]struct{})
	}
	for _, d := range devices {
		delete(s.filter, d)
	}
}

func (s *Session) writeFrame(f Frame) {
	body, err := json.Marshal(f)
	if err != nil {
		return
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.conn.WriteMessage(websocket.TextMessage, body)
}
