package services

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"quizrealtime/models"

	"github.com/golang-jwt/jwt/v5"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testToken(t *testing.T, userID, name string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  userID,
		"name": name,
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign test token: %v", err)
	}
	return token
}

// fakeChannel satisfies Channel without a socket: emits are recorded and
// inbound events are injected straight into a real handler registry.
type fakeChannel struct {
	registry *handlerRegistry

	mu             sync.Mutex
	connected      bool
	connectCalls   int
	emitted        []Message
	joined         []string
	left           []string
	forgotten      []string
	subscribeCalls int
	joinErr        error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{registry: newHandlerRegistry(), connected: true}
}

func (f *fakeChannel) Connect(ctx context.Context, credential string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	f.connected = true
	return nil
}

func (f *fakeChannel) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeChannel) State() ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		return StateConnected
	}
	return StateDisconnected
}

func (f *fakeChannel) Emit(event string, payload any) error {
	msg := Message{Type: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		msg.Payload = data
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	f.emitted = append(f.emitted, msg)
	return nil
}

func (f *fakeChannel) On(event string, fn Handler) int   { return f.registry.add(event, fn, false) }
func (f *fakeChannel) Once(event string, fn Handler) int { return f.registry.add(event, fn, true) }
func (f *fakeChannel) Off(event string, ids ...int)      { f.registry.remove(event, ids...) }

func (f *fakeChannel) JoinRoom(ctx context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joined = append(f.joined, code)
	return nil
}

func (f *fakeChannel) LeaveRoom(ctx context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, code)
	return nil
}

func (f *fakeChannel) ForgetRoom(code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, code)
}

func (f *fakeChannel) SubscribeRoomList() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeCalls++
	return nil
}

func (f *fakeChannel) UnsubscribeRoomList() error { return nil }

// push injects an inbound event as if the read pump had received it.
func (f *fakeChannel) push(t *testing.T, event string, payload any) {
	t.Helper()
	var data json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal push payload: %v", err)
		}
		data = encoded
	}
	f.registry.dispatch(normalizeEvent(event), data)
}

func (f *fakeChannel) countEmitted(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, msg := range f.emitted {
		if msg.Type == event {
			n++
		}
	}
	return n
}

func (f *fakeChannel) joinedRooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.joined))
	copy(out, f.joined)
	return out
}

func (f *fakeChannel) leftRooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.left))
	copy(out, f.left)
	return out
}

func (f *fakeChannel) forgottenRooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.forgotten))
	copy(out, f.forgotten)
	return out
}

// fakeRoomAPI is an in-memory stand-in for the external room-resource API.
type fakeRoomAPI struct {
	mu          sync.Mutex
	room        models.Room
	rooms       []models.Room
	players     []models.Player
	playerCalls int
	leaveCalls  int
	listCalls   int
}

func (f *fakeRoomAPI) CreateRoom(ctx context.Context, cfg models.RoomConfig) (*models.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room := f.room
	return &room, nil
}

func (f *fakeRoomAPI) JoinRoomByCode(ctx context.Context, code string) (*models.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room := f.room
	return &room, nil
}

func (f *fakeRoomAPI) LeaveRoom(ctx context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaveCalls++
	return nil
}

func (f *fakeRoomAPI) ListRooms(ctx context.Context) ([]models.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	rooms := make([]models.Room, len(f.rooms))
	copy(rooms, f.rooms)
	return rooms, nil
}

func (f *fakeRoomAPI) GetRoomPlayers(ctx context.Context, code string) ([]models.Player, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playerCalls++
	players := make([]models.Player, len(f.players))
	copy(players, f.players)
	return players, nil
}

func (f *fakeRoomAPI) countPlayerCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playerCalls
}

func (f *fakeRoomAPI) countLeaveCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leaveCalls
}

type fakeResultsAPI struct {
	mu    sync.Mutex
	posts []models.GameResult
}

func (f *fakeResultsAPI) PostResult(ctx context.Context, result models.GameResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, result)
	return nil
}

func (f *fakeResultsAPI) countPosts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
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
