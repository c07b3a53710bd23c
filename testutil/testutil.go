package testutil

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Event mirrors the realtime wire envelope.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RealtimeServer is an in-process stand-in for the realtime backend. It
// records every event a client emits and can push events back, which is
// enough to exercise connect, ack correlation, reconnect replay and the
// broadcast handlers.
type RealtimeServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	// AutoAckJoins echoes join-room-success / leave-room-success for every
	// join-room / leave-room received. Disable it to simulate a server
	// that never acks.
	AutoAckJoins bool

	mu       sync.Mutex
	conns    map[*websocket.Conn]bool
	received []Event
}

func NewRealtimeServer() *RealtimeServer {
	gin.SetMode(gin.TestMode)

	s := &RealtimeServer{
		AutoAckJoins: true,
		conns:        make(map[*websocket.Conn]bool),
	}

	router := gin.New()
	router.GET("/ws", s.handleWS)
	s.Server = httptest.NewServer(router)
	return s
}

// WSURL is the websocket endpoint of the fake server.
func (s *RealtimeServer) WSURL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http") + "/ws"
}

func (s *RealtimeServer) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conns[conn] = true
	s.mu.Unlock()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		s.received = append(s.received, ev)
		autoAck := s.AutoAckJoins
		s.mu.Unlock()

		if autoAck {
			switch ev.Type {
			case "join-room":
				s.send(conn, Event{Type: "join-room-success", Payload: ev.Payload})
			case "leave-room":
				s.send(conn, Event{Type: "leave-room-success", Payload: ev.Payload})
			}
		}
	}
}

func (s *RealtimeServer) send(conn *websocket.Conn, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = conn.WriteJSON(ev)
}

// Push broadcasts an event to every connected client.
func (s *RealtimeServer) Push(t *testing.T, eventType string, payload any) {
	t.Helper()

	ev := Event{Type: eventType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal push payload: %v", err)
		}
		ev.Payload = data
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.WriteJSON(ev)
	}
}

// Received returns a snapshot of every event emitted by clients so far.
func (s *RealtimeServer) Received() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.received))
	copy(out, s.received)
	return out
}

// CountReceived counts emitted events of one type.
func (s *RealtimeServer) CountReceived(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.received {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

// WaitForReceived blocks until at least n events of the given type were
// emitted by clients, or fails the test after the timeout.
func (s *RealtimeServer) WaitForReceived(t *testing.T, eventType string, n int, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.CountReceived(eventType) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %q events, got %d", n, eventType, s.CountReceived(eventType))
}

// ConnCount reports the number of live client connections.
func (s *RealtimeServer) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// WaitForConns blocks until n clients are connected.
func (s *RealtimeServer) WaitForConns(t *testing.T, n int, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.ConnCount() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d connections, got %d", n, s.ConnCount())
}

// DropConnections closes every live connection, simulating a network cut so
// clients go through their reconnect path.
func (s *RealtimeServer) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}

// Eventually polls cond until it holds or the timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
