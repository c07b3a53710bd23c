package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ConnState is the lifecycle phase of the single realtime connection.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateFailed       ConnState = "failed"
)

// Channel is the surface the controllers depend on. Only the ChannelManager
// may initiate connect/disconnect; controllers add and remove listeners.
type Channel interface {
	Connect(ctx context.Context, credential string) error
	Disconnect()
	State() ConnState
	Emit(event string, payload any) error
	On(event string, fn Handler) int
	Once(event string, fn Handler) int
	Off(event string, ids ...int)
	JoinRoom(ctx context.Context, code string) error
	LeaveRoom(ctx context.Context, code string) error
	ForgetRoom(code string)
	SubscribeRoomList() error
	UnsubscribeRoomList() error
}

// ChannelManager owns the persistent bidirectional connection. Rooms joined
// through JoinRoom are tracked so they can be replayed after a reconnect, as
// is an active room-list subscription.
type ChannelManager struct {
	rawURL   string
	clientID string
	dialer   *websocket.Dialer
	logger   *slog.Logger
	registry *handlerRegistry

	// AckTimeout bounds the wait for a join/leave ack. MaxAttempts bounds
	// connect retries. Both are fields so tests can run on short clocks.
	AckTimeout  time.Duration
	MaxAttempts uint64

	mu         sync.Mutex
	state      ConnState
	conn       *websocket.Conn
	credential string
	attempts   int
	inflight   chan struct{} // closed when the current connect attempt resolves
	connectErr error
	joined     map[string]struct{}
	listSubbed bool

	writeMu sync.Mutex
}

func NewChannelManager(rawURL string, logger *slog.Logger) *ChannelManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelManager{
		rawURL:      rawURL,
		clientID:    uuid.NewString(),
		dialer:      websocket.DefaultDialer,
		logger:      logger.With("component", "channel"),
		registry:    newHandlerRegistry(),
		AckTimeout:  10 * time.Second,
		MaxAttempts: 5,
		state:       StateDisconnected,
		joined:      make(map[string]struct{}),
	}
}

// Connect is idempotent: it returns immediately when already connected, and a
// call made while an attempt is in flight waits for that same attempt instead
// of starting a second one.
func (cm *ChannelManager) Connect(ctx context.Context, credential string) error {
	if credential == "" {
		return ErrAuthMissing
	}

	cm.mu.Lock()
	switch cm.state {
	case StateConnected:
		cm.mu.Unlock()
		return nil
	case StateConnecting, StateReconnecting:
		wait := cm.inflight
		cm.mu.Unlock()
		select {
		case <-wait:
			cm.mu.Lock()
			err := cm.connectErr
			cm.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	cm.credential = credential
	cm.state = StateConnecting
	done := make(chan struct{})
	cm.inflight = done
	cm.mu.Unlock()

	err := cm.dial(ctx)

	cm.mu.Lock()
	cm.connectErr = err
	close(done)
	cm.mu.Unlock()
	return err
}

// dial retries with exponential backoff up to MaxAttempts, then gives up for
// good so an outage is surfaced instead of masked by an endless retry loop.
func (cm *ChannelManager) dial(ctx context.Context) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), cm.MaxAttempts), ctx)

	var conn *websocket.Conn
	op := func() error {
		cm.mu.Lock()
		cm.attempts++
		attempt := cm.attempts
		cm.mu.Unlock()

		c, _, err := cm.dialer.Dial(cm.wsURL(), nil)
		if err != nil {
			cm.logger.Warn("dial failed", "attempt", attempt, "error", err)
			return err
		}
		conn = c
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		cm.mu.Lock()
		cm.state = StateFailed
		cm.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	cm.mu.Lock()
	cm.conn = conn
	cm.state = StateConnected
	cm.attempts = 0
	rooms := make([]string, 0, len(cm.joined))
	for code := range cm.joined {
		rooms = append(rooms, code)
	}
	resubscribe := cm.listSubbed
	cm.mu.Unlock()

	go cm.readPump(conn)

	// Replay membership established before the connection dropped.
	for _, code := range rooms {
		if err := cm.Emit(EventJoinRoom, roomRef{Code: code}); err != nil {
			cm.logger.Warn("rejoin replay failed", "room", code, "error", err)
		}
	}
	if resubscribe {
		if err := cm.Emit(EventSubscribeRoomList, nil); err != nil {
			cm.logger.Warn("room-list resubscribe failed", "error", err)
		}
	}

	cm.logger.Info("connected", "rejoined_rooms", len(rooms), "resubscribed", resubscribe)
	return nil
}

func (cm *ChannelManager) wsURL() string {
	return cm.rawURL + "?token=" + url.QueryEscape(cm.credential) + "&client_id=" + cm.clientID
}

func (cm *ChannelManager) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			cm.handleReadError(conn, err)
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			cm.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		cm.registry.dispatch(normalizeEvent(msg.Type), msg.Payload)
	}
}

func (cm *ChannelManager) handleReadError(conn *websocket.Conn, err error) {
	cm.mu.Lock()
	if cm.conn != conn {
		// A Disconnect or a newer connection already superseded this one.
		cm.mu.Unlock()
		return
	}
	cm.conn = nil
	cm.state = StateReconnecting
	done := make(chan struct{})
	cm.inflight = done
	cm.mu.Unlock()

	cm.logger.Warn("connection lost, reconnecting", "error", err)

	dialErr := cm.dial(context.Background())

	cm.mu.Lock()
	cm.connectErr = dialErr
	close(done)
	cm.mu.Unlock()

	if dialErr != nil {
		cm.logger.Error("reconnect gave up", "error", dialErr)
	}
}

// Emit is a silent no-op while disconnected. It never panics on the caller's
// goroutine; request-level timeouts surface the failure where it matters.
func (cm *ChannelManager) Emit(event string, payload any) error {
	cm.mu.Lock()
	conn := cm.conn
	connected := cm.state == StateConnected && conn != nil
	cm.mu.Unlock()

	if !connected {
		cm.logger.Debug("emit while disconnected", "event", event)
		return ErrNotConnected
	}

	msg := Message{Type: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("realtime: encode %s: %w", event, err)
		}
		msg.Payload = data
	}

	cm.writeMu.Lock()
	defer cm.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		cm.logger.Debug("write failed", "event", event, "error", err)
		return fmt.Errorf("realtime: write %s: %w", event, err)
	}
	return nil
}

func (cm *ChannelManager) On(event string, fn Handler) int {
	return cm.registry.add(event, fn, false)
}

func (cm *ChannelManager) Once(event string, fn Handler) int {
	return cm.registry.add(event, fn, true)
}

func (cm *ChannelManager) Off(event string, ids ...int) {
	cm.registry.remove(event, ids...)
}

// JoinRoom correlates the request with exactly one matching success or error
// event. A request that times out is not added to the replay set, so a join
// that never completed is never replayed.
func (cm *ChannelManager) JoinRoom(ctx context.Context, code string) error {
	if err := cm.roomRequest(ctx, EventJoinRoom, EventJoinRoomSuccess, EventJoinRoomError, code); err != nil {
		return err
	}
	cm.mu.Lock()
	cm.joined[code] = struct{}{}
	cm.mu.Unlock()
	cm.logger.Info("joined room", "room", code)
	return nil
}

func (cm *ChannelManager) LeaveRoom(ctx context.Context, code string) error {
	if err := cm.roomRequest(ctx, EventLeaveRoom, EventLeaveRoomSuccess, EventLeaveRoomError, code); err != nil {
		return err
	}
	cm.mu.Lock()
	delete(cm.joined, code)
	cm.mu.Unlock()
	cm.logger.Info("left room", "room", code)
	return nil
}

// ForgetRoom drops a room from the reconnect replay set without emitting a
// leave. Used when membership already ended server-side: a kicked user or a
// deleted room must not be rejoined on the next reconnect.
func (cm *ChannelManager) ForgetRoom(code string) {
	cm.mu.Lock()
	delete(cm.joined, code)
	cm.mu.Unlock()
}

func (cm *ChannelManager) roomRequest(ctx context.Context, reqEvent, okEvent, errEvent, code string) error {
	result := make(chan error, 1)
	resolve := func(err error) {
		select {
		case result <- err:
		default:
		}
	}

	okID := cm.registry.add(okEvent, func(payload json.RawMessage) {
		var ack roomAck
		_ = json.Unmarshal(payload, &ack)
		if ack.Code != "" && ack.Code != code {
			return
		}
		resolve(nil)
	}, false)
	errID := cm.registry.add(errEvent, func(payload json.RawMessage) {
		var ack roomAck
		_ = json.Unmarshal(payload, &ack)
		if ack.Code != "" && ack.Code != code {
			return
		}
		resolve(fmt.Errorf("realtime: %s rejected for %s: %s", reqEvent, code, ack.Error))
	}, false)
	defer cm.registry.remove(okEvent, okID)
	defer cm.registry.remove(errEvent, errID)

	if err := cm.Emit(reqEvent, roomRef{Code: code}); err != nil {
		return err
	}

	timer := time.NewTimer(cm.AckTimeout)
	defer timer.Stop()
	select {
	case err := <-result:
		return err
	case <-timer.C:
		cm.logger.Warn("ack timeout", "event", reqEvent, "room", code)
		return ErrAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscribeRoomList opts in to discovery broadcasts. The flag outlives the
// socket so the subscription is restored after a reconnect.
func (cm *ChannelManager) SubscribeRoomList() error {
	cm.mu.Lock()
	cm.listSubbed = true
	cm.mu.Unlock()
	return cm.Emit(EventSubscribeRoomList, nil)
}

func (cm *ChannelManager) UnsubscribeRoomList() error {
	cm.mu.Lock()
	cm.listSubbed = false
	cm.mu.Unlock()
	return cm.Emit(EventUnsubscribeRoomList, nil)
}

// Disconnect leaves every tracked room, clears the handler registry and tears
// the socket down.
func (cm *ChannelManager) Disconnect() {
	cm.mu.Lock()
	rooms := make([]string, 0, len(cm.joined))
	for code := range cm.joined {
		rooms = append(rooms, code)
	}
	cm.mu.Unlock()

	for _, code := range rooms {
		_ = cm.Emit(EventLeaveRoom, roomRef{Code: code})
	}
	cm.registry.removeAll()

	cm.mu.Lock()
	if cm.conn != nil {
		_ = cm.conn.Close()
		cm.conn = nil
	}
	cm.joined = make(map[string]struct{})
	cm.listSubbed = false
	cm.state = StateDisconnected
	cm.mu.Unlock()

	cm.logger.Info("disconnected")
}

func (cm *ChannelManager) State() ConnState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}
