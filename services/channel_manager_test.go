package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"quizrealtime/testutil"
)

func newTestChannel(t *testing.T, server *testutil.RealtimeServer) *ChannelManager {
	t.Helper()
	cm := NewChannelManager(server.WSURL(), quietLogger())
	cm.AckTimeout = time.Second
	t.Cleanup(cm.Disconnect)
	return cm
}

func TestConnectRequiresCredential(t *testing.T) {
	cm := NewChannelManager("ws://localhost:0/ws", quietLogger())
	if err := cm.Connect(context.Background(), ""); !errors.Is(err, ErrAuthMissing) {
		t.Fatalf("Connect with empty credential = %v, want ErrAuthMissing", err)
	}
	if got := cm.State(); got != StateDisconnected {
		t.Fatalf("state after rejected connect = %s, want %s", got, StateDisconnected)
	}
}

func TestConnectIdempotent(t *testing.T) {
	server := testutil.NewRealtimeServer()
	defer server.Close()
	cm := newTestChannel(t, server)

	ctx := context.Background()
	if err := cm.Connect(ctx, "token-1"); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	if err := cm.Connect(ctx, "token-1"); err != nil {
		t.Fatalf("second Connect: %v", err)
	}

	server.WaitForConns(t, 1, time.Second)
	if got := server.ConnCount(); got != 1 {
		t.Fatalf("connection count = %d, want 1", got)
	}
	if got := cm.State(); got != StateConnected {
		t.Fatalf("state = %s, want %s", got, StateConnected)
	}
}

func TestConnectGivesUpAfterRetries(t *testing.T) {
	// Port 1 is never listening, so every dial attempt fails fast.
	cm := NewChannelManager("ws://127.0.0.1:1/ws", quietLogger())
	cm.MaxAttempts = 1

	err := cm.Connect(context.Background(), "token-1")
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Connect = %v, want ErrConnectionFailed", err)
	}
	if got := cm.State(); got != StateFailed {
		t.Fatalf("state = %s, want %s", got, StateFailed)
	}
}

func TestJoinRoomTracksAndReplaysOnReconnect(t *testing.T) {
	server := testutil.NewRealtimeServer()
	defer server.Close()
	cm := newTestChannel(t, server)

	ctx := context.Background()
	if err := cm.Connect(ctx, "token-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := cm.JoinRoom(ctx, "abc123"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if err := cm.SubscribeRoomList(); err != nil {
		t.Fatalf("SubscribeRoomList: %v", err)
	}
	// Subscribe is fire-and-forget; make sure the frame landed before the
	// connection is cut, or the drop can discard it unread.
	server.WaitForReceived(t, EventSubscribeRoomList, 1, time.Second)

	server.DropConnections()
	server.WaitForConns(t, 1, 5*time.Second)

	// Membership and the list subscription are each replayed exactly once.
	server.WaitForReceived(t, EventJoinRoom, 2, 2*time.Second)
	server.WaitForReceived(t, EventSubscribeRoomList, 2, 2*time.Second)
	time.Sleep(50 * time.Millisecond)
	if got := server.CountReceived(EventJoinRoom); got != 2 {
		t.Fatalf("join-room emitted %d times, want 2", got)
	}
	if got := server.CountReceived(EventSubscribeRoomList); got != 2 {
		t.Fatalf("subscribe-room-list emitted %d times, want 2", got)
	}
}

func TestJoinRoomAckTimeoutNotReplayed(t *testing.T) {
	server := testutil.NewRealtimeServer()
	defer server.Close()
	server.AutoAckJoins = false

	cm := newTestChannel(t, server)
	cm.AckTimeout = 50 * time.Millisecond

	ctx := context.Background()
	if err := cm.Connect(ctx, "token-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := cm.JoinRoom(ctx, "abc123"); !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("JoinRoom = %v, want ErrAckTimeout", err)
	}

	// A join that never completed must not be replayed after a reconnect.
	server.DropConnections()
	server.WaitForConns(t, 1, 5*time.Second)
	time.Sleep(50 * time.Millisecond)
	if got := server.CountReceived(EventJoinRoom); got != 1 {
		t.Fatalf("join-room emitted %d times, want 1", got)
	}
}

func TestJoinRoomRejectedByServer(t *testing.T) {
	server := testutil.NewRealtimeServer()
	defer server.Close()
	server.AutoAckJoins = false

	cm := newTestChannel(t, server)
	ctx := context.Background()
	if err := cm.Connect(ctx, "token-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	go func() {
		server.WaitForReceived(t, EventJoinRoom, 1, time.Second)
		server.Push(t, EventJoinRoomError, map[string]string{"code": "abc123", "error": "room is full"})
	}()

	err := cm.JoinRoom(ctx, "abc123")
	if err == nil || errors.Is(err, ErrAckTimeout) {
		t.Fatalf("JoinRoom = %v, want server rejection", err)
	}
}

func TestOnceHandlerFiresOnce(t *testing.T) {
	server := testutil.NewRealtimeServer()
	defer server.Close()
	cm := newTestChannel(t, server)

	if err := cm.Connect(context.Background(), "token-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var calls atomic.Int32
	cm.Once(EventGameStarted, func(json.RawMessage) { calls.Add(1) })

	server.Push(t, EventGameStarted, nil)
	server.Push(t, EventGameStarted, nil)

	testutil.Eventually(t, time.Second, func() bool { return calls.Load() >= 1 }, "once handler never fired")
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("once handler fired %d times, want 1", got)
	}
}

func TestOffRemovesHandler(t *testing.T) {
	server := testutil.NewRealtimeServer()
	defer server.Close()
	cm := newTestChannel(t, server)

	if err := cm.Connect(context.Background(), "token-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var removed, kept atomic.Int32
	id := cm.On(EventGameStarted, func(json.RawMessage) { removed.Add(1) })
	cm.On(EventGameStarted, func(json.RawMessage) { kept.Add(1) })
	cm.Off(EventGameStarted, id)

	server.Push(t, EventGameStarted, nil)
	testutil.Eventually(t, time.Second, func() bool { return kept.Load() == 1 }, "kept handler never fired")
	if got := removed.Load(); got != 0 {
		t.Fatalf("removed handler fired %d times, want 0", got)
	}
}

func TestLegacyEventNamesNormalized(t *testing.T) {
	server := testutil.NewRealtimeServer()
	defer server.Close()
	cm := newTestChannel(t, server)

	if err := cm.Connect(context.Background(), "token-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var calls atomic.Int32
	cm.On(EventRoomCreated, func(json.RawMessage) { calls.Add(1) })

	server.Push(t, "roomCreated", map[string]string{"id": "r1", "code": "abc123"})
	testutil.Eventually(t, time.Second, func() bool { return calls.Load() == 1 },
		"camelCase broadcast did not reach the kebab-case handler")
}

func TestEmitWhileDisconnected(t *testing.T) {
	cm := NewChannelManager("ws://localhost:0/ws", quietLogger())
	if err := cm.Emit(EventStartGame, roomRef{Code: "abc123"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Emit while disconnected = %v, want ErrNotConnected", err)
	}
}

func TestDisconnectLeavesTrackedRooms(t *testing.T) {
	server := testutil.NewRealtimeServer()
	defer server.Close()
	cm := newTestChannel(t, server)

	ctx := context.Background()
	if err := cm.Connect(ctx, "token-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := cm.JoinRoom(ctx, "abc123"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	cm.Disconnect()

	if got := cm.State(); got != StateDisconnected {
		t.Fatalf("state = %s, want %s", got, StateDisconnected)
	}
	server.WaitForReceived(t, EventLeaveRoom, 1, time.Second)
}
