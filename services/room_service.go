package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"quizrealtime/api"
	"quizrealtime/auth"
	"quizrealtime/models"
)

// RoomState is the connection-to-room lifecycle, distinct from the game
// phase machine.
type RoomState string

const (
	RoomStateNone    RoomState = "not-in-room"
	RoomStateJoining RoomState = "joining"
	RoomStateInRoom  RoomState = "in-room"
	RoomStateLeaving RoomState = "leaving"
)

type handlerRef struct {
	event string
	id    int
}

// rosterEvent covers player-joined, player-left, player-kicked and
// room-players. When the server embeds the authoritative roster it is applied
// directly; otherwise a debounced re-fetch is scheduled.
type rosterEvent struct {
	Code    string          `json:"code"`
	UserID  string          `json:"user_id"`
	Name    string          `json:"name"`
	Players []models.Player `json:"players,omitempty"`
}

type hostChangedEvent struct {
	Code   string `json:"code"`
	HostID string `json:"host_id"`
}

type roomDeletedEvent struct {
	ID   string `json:"id"`
	Code string `json:"code"`
}

// RoomService manages everything between browsing rooms and being a tracked
// member of one room: discovery broadcasts, create/join/leave workflows and
// roster reconciliation.
type RoomService struct {
	channel  Channel
	api      api.RoomAPI
	creds    auth.TokenProvider
	identity auth.Identity
	logger   *slog.Logger

	// DebounceDelay coalesces a burst of roster-changing events into one
	// re-fetch. Injectable so tests run on a short clock.
	DebounceDelay time.Duration

	mu           sync.RWMutex
	state        RoomState
	room         *models.Room
	players      []models.Player
	roomList     map[string]models.Room
	listSubbed   bool
	listRefs     []handlerRef
	roomRefs     []handlerRef
	refetch      *time.Timer
	onForcedExit func(reason string)
	lastErr      error
}

func NewRoomService(channel Channel, roomAPI api.RoomAPI, creds auth.TokenProvider, logger *slog.Logger) (*RoomService, error) {
	identity, err := auth.IdentityFromToken(creds.Token())
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomService{
		channel:       channel,
		api:           roomAPI,
		creds:         creds,
		identity:      identity,
		logger:        logger.With("component", "rooms"),
		DebounceDelay: 300 * time.Millisecond,
		state:         RoomStateNone,
		roomList:      make(map[string]models.Room),
	}, nil
}

func (rs *RoomService) Identity() auth.Identity { return rs.identity }

// OnForcedExit registers the navigation seam invoked when the local user is
// kicked or the active room is deleted remotely. Forced exits bypass the
// dismissable error field.
func (rs *RoomService) OnForcedExit(fn func(reason string)) {
	rs.mu.Lock()
	rs.onForcedExit = fn
	rs.mu.Unlock()
}

// CreateRoom creates the room through the resource API and then performs the
// realtime join with the returned code, connecting the channel first if
// needed.
func (rs *RoomService) CreateRoom(ctx context.Context, cfg models.RoomConfig) (*models.Room, error) {
	if err := rs.beginJoin(); err != nil {
		return nil, err
	}
	room, err := rs.api.CreateRoom(ctx, cfg)
	if err != nil {
		rs.failJoin(err)
		return nil, err
	}
	if err := rs.enterRealtime(ctx, room); err != nil {
		rs.failJoin(err)
		return nil, err
	}
	return room, nil
}

// JoinRoomByCode joins through the resource API and performs the realtime
// join using the code the server returned, not the one supplied, so that
// server-side normalization is tolerated.
func (rs *RoomService) JoinRoomByCode(ctx context.Context, code string) (*models.Room, error) {
	if err := rs.beginJoin(); err != nil {
		return nil, err
	}
	room, err := rs.api.JoinRoomByCode(ctx, code)
	if err != nil {
		rs.failJoin(err)
		return nil, err
	}
	if err := rs.enterRealtime(ctx, room); err != nil {
		rs.failJoin(err)
		return nil, err
	}
	return room, nil
}

func (rs *RoomService) beginJoin() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.state != RoomStateNone {
		return ErrAlreadyInRoom
	}
	rs.state = RoomStateJoining
	return nil
}

func (rs *RoomService) failJoin(err error) {
	rs.logger.Warn("room join failed", "error", err)
	rs.mu.Lock()
	rs.state = RoomStateNone
	rs.lastErr = err
	rs.mu.Unlock()
}

func (rs *RoomService) enterRealtime(ctx context.Context, room *models.Room) error {
	if err := rs.channel.Connect(ctx, rs.creds.Token()); err != nil {
		return err
	}
	if err := rs.channel.JoinRoom(ctx, room.Code); err != nil {
		return err
	}

	rs.mu.Lock()
	rs.room = room
	rs.players = nil
	rs.state = RoomStateInRoom
	rs.mu.Unlock()

	rs.attachRoomHandlers()

	// Initial roster; later events keep it reconciled.
	if players, err := rs.api.GetRoomPlayers(ctx, room.Code); err == nil {
		rs.mu.Lock()
		rs.players = players
		rs.mu.Unlock()
	} else {
		rs.logger.Warn("initial roster fetch failed", "room", room.Code, "error", err)
	}

	rs.logger.Info("entered room", "room", room.Code, "host", room.HostID)
	return nil
}

// LeaveRoom is the explicit exit: it destroys membership server-side and then
// leaves the realtime room. Navigating away or reloading must instead use
// Detach, which keeps membership intact.
func (rs *RoomService) LeaveRoom(ctx context.Context) error {
	rs.mu.Lock()
	room := rs.room
	if room == nil {
		rs.mu.Unlock()
		return ErrNotInRoom
	}
	rs.state = RoomStateLeaving
	rs.mu.Unlock()

	if err := rs.api.LeaveRoom(ctx, room.Code); err != nil {
		rs.logger.Warn("leave API call failed", "room", room.Code, "error", err)
	}
	if err := rs.channel.LeaveRoom(ctx, room.Code); err != nil {
		rs.logger.Warn("realtime leave failed", "room", room.Code, "error", err)
	}

	rs.teardownRoom()
	rs.logger.Info("left room", "room", room.Code)
	return nil
}

// Detach removes this controller's listeners without touching server-side
// membership. A page reload must not destroy the seat.
func (rs *RoomService) Detach() {
	rs.mu.Lock()
	refs := rs.roomRefs
	rs.roomRefs = nil
	if rs.refetch != nil {
		rs.refetch.Stop()
		rs.refetch = nil
	}
	rs.mu.Unlock()

	for _, ref := range refs {
		rs.channel.Off(ref.event, ref.id)
	}
}

func (rs *RoomService) teardownRoom() {
	rs.Detach()
	rs.mu.Lock()
	code := ""
	if rs.room != nil {
		code = rs.room.Code
	}
	rs.room = nil
	rs.players = nil
	rs.state = RoomStateNone
	rs.mu.Unlock()

	// Clear the replay entry even when no leave was emitted (forced exits,
	// failed realtime leave); a dead membership must not be rejoined on
	// reconnect.
	if code != "" {
		rs.channel.ForgetRoom(code)
	}
}

func (rs *RoomService) attachRoomHandlers() {
	refs := []handlerRef{
		{EventPlayerJoined, rs.channel.On(EventPlayerJoined, rs.handleRosterEvent)},
		{EventPlayerLeft, rs.channel.On(EventPlayerLeft, rs.handleRosterEvent)},
		{EventRoomPlayers, rs.channel.On(EventRoomPlayers, rs.handleRoomPlayers)},
		{EventPlayerKicked, rs.channel.On(EventPlayerKicked, rs.handlePlayerKicked)},
		{EventHostChanged, rs.channel.On(EventHostChanged, rs.handleHostChanged)},
		{EventRoomDeleted, rs.channel.On(EventRoomDeleted, rs.handleActiveRoomDeleted)},
	}
	rs.mu.Lock()
	rs.roomRefs = append(rs.roomRefs, refs...)
	rs.mu.Unlock()
}

func (rs *RoomService) currentCode() string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if rs.room == nil {
		return ""
	}
	return rs.room.Code
}

func (rs *RoomService) handleRosterEvent(payload json.RawMessage) {
	var ev rosterEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		rs.logger.Warn("bad roster event", "error", err)
		return
	}
	code := rs.currentCode()
	if code == "" || (ev.Code != "" && ev.Code != code) {
		return
	}

	if len(ev.Players) > 0 {
		// Authoritative roster embedded in the event: apply directly,
		// no round trip needed.
		rs.mu.Lock()
		rs.players = ev.Players
		rs.mu.Unlock()
		return
	}
	rs.scheduleRosterRefresh()
}

func (rs *RoomService) handleRoomPlayers(payload json.RawMessage) {
	var ev rosterEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		rs.logger.Warn("bad room-players event", "error", err)
		return
	}
	code := rs.currentCode()
	if code == "" || (ev.Code != "" && ev.Code != code) {
		return
	}
	rs.mu.Lock()
	rs.players = ev.Players
	rs.mu.Unlock()
}

func (rs *RoomService) handlePlayerKicked(payload json.RawMessage) {
	var ev rosterEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		rs.logger.Warn("bad kick event", "error", err)
		return
	}
	if ev.UserID == rs.identity.UserID {
		rs.forceExit("kicked")
		return
	}
	rs.scheduleRosterRefresh()
}

func (rs *RoomService) handleHostChanged(payload json.RawMessage) {
	var ev hostChangedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		rs.logger.Warn("bad host-changed event", "error", err)
		return
	}
	rs.mu.Lock()
	if rs.room == nil || (ev.Code != "" && ev.Code != rs.room.Code) {
		rs.mu.Unlock()
		return
	}
	// Update in place; an active game session keeps running under the
	// new host.
	rs.room.HostID = ev.HostID
	rs.mu.Unlock()

	rs.logger.Info("host changed", "host", ev.HostID)
	rs.scheduleRosterRefresh()
}

func (rs *RoomService) handleActiveRoomDeleted(payload json.RawMessage) {
	var ev roomDeletedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		rs.logger.Warn("bad room-deleted event", "error", err)
		return
	}
	rs.mu.RLock()
	match := rs.room != nil && (ev.Code == rs.room.Code || ev.ID == rs.room.ID)
	rs.mu.RUnlock()
	if match {
		rs.forceExit("room-deleted")
	}
}

func (rs *RoomService) forceExit(reason string) {
	rs.logger.Info("forced out of room", "reason", reason)
	rs.mu.Lock()
	cb := rs.onForcedExit
	rs.mu.Unlock()

	rs.teardownRoom()
	if cb != nil {
		cb(reason)
	}
}

// scheduleRosterRefresh debounces roster re-fetches: a new trigger within the
// window cancels and reschedules the pending fetch, so a burst of join/leave
// events collapses into a single request.
func (rs *RoomService) scheduleRosterRefresh() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.room == nil {
		return
	}
	code := rs.room.Code
	if rs.refetch != nil {
		rs.refetch.Stop()
	}
	rs.refetch = time.AfterFunc(rs.DebounceDelay, func() {
		rs.refreshRoster(code)
	})
}

func (rs *RoomService) refreshRoster(code string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	players, err := rs.api.GetRoomPlayers(ctx, code)
	if err != nil {
		rs.logger.Warn("roster refresh failed", "room", code, "error", err)
		return
	}
	rs.mu.Lock()
	if rs.room != nil && rs.room.Code == code {
		rs.players = players
	}
	rs.mu.Unlock()
}

// UpdatePlayerScore mirrors a server-pushed score change into the roster.
func (rs *RoomService) UpdatePlayerScore(userID string, totalScore int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for i := range rs.players {
		if rs.players[i].UserID == userID {
			rs.players[i].Score = totalScore
			return
		}
	}
}

// SubscribeRoomList opts in to discovery broadcasts and seeds the collection
// with a one-off REST fetch. Idempotent: a second call while subscribed is a
// no-op.
func (rs *RoomService) SubscribeRoomList() error {
	rs.mu.Lock()
	if rs.listSubbed {
		rs.mu.Unlock()
		return nil
	}
	rs.listSubbed = true
	rs.mu.Unlock()

	refs := []handlerRef{
		{EventRoomCreated, rs.channel.On(EventRoomCreated, rs.handleRoomUpsert)},
		{EventRoomUpdated, rs.channel.On(EventRoomUpdated, rs.handleRoomUpsert)},
		{EventRoomDeleted, rs.channel.On(EventRoomDeleted, rs.handleRoomRemoved)},
	}
	rs.mu.Lock()
	rs.listRefs = refs
	rs.mu.Unlock()

	go rs.seedRoomList()
	return rs.channel.SubscribeRoomList()
}

// seedRoomList backfills the discovery collection from the resource API.
// Broadcasts win: rooms already present are left alone, so an update that
// raced ahead of the fetch is never rolled back.
func (rs *RoomService) seedRoomList() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rooms, err := rs.api.ListRooms(ctx)
	if err != nil {
		rs.logger.Warn("room list fetch failed", "error", err)
		return
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if !rs.listSubbed {
		return
	}
	for _, room := range rooms {
		if room.ID == "" {
			continue
		}
		if _, ok := rs.roomList[room.ID]; !ok {
			rs.roomList[room.ID] = room
		}
	}
}

func (rs *RoomService) UnsubscribeRoomList() error {
	rs.mu.Lock()
	if !rs.listSubbed {
		rs.mu.Unlock()
		return nil
	}
	rs.listSubbed = false
	refs := rs.listRefs
	rs.listRefs = nil
	rs.mu.Unlock()

	for _, ref := range refs {
		rs.channel.Off(ref.event, ref.id)
	}
	return rs.channel.UnsubscribeRoomList()
}

func (rs *RoomService) handleRoomUpsert(payload json.RawMessage) {
	var room models.Room
	if err := json.Unmarshal(payload, &room); err != nil || room.ID == "" {
		rs.logger.Warn("bad room broadcast", "error", err)
		return
	}
	rs.mu.Lock()
	rs.roomList[room.ID] = room // dedupe by id
	rs.mu.Unlock()
}

func (rs *RoomService) handleRoomRemoved(payload json.RawMessage) {
	var ev roomDeletedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}
	rs.mu.Lock()
	if ev.ID != "" {
		delete(rs.roomList, ev.ID)
	} else {
		for id, room := range rs.roomList {
			if room.Code == ev.Code {
				delete(rs.roomList, id)
				break
			}
		}
	}
	rs.mu.Unlock()
}

// RoomList returns the discovery collection ordered by code for a stable
// presentation.
func (rs *RoomService) RoomList() []models.Room {
	rs.mu.RLock()
	rooms := make([]models.Room, 0, len(rs.roomList))
	for _, room := range rs.roomList {
		rooms = append(rooms, room)
	}
	rs.mu.RUnlock()

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Code < rooms[j].Code })
	return rooms
}

func (rs *RoomService) Room() *models.Room {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if rs.room == nil {
		return nil
	}
	room := *rs.room
	return &room
}

func (rs *RoomService) Players() []models.Player {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	players := make([]models.Player, len(rs.players))
	copy(players, rs.players)
	return players
}

func (rs *RoomService) State() RoomState {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.state
}

// Err exposes the single dismissable error field surfaced to the UI.
func (rs *RoomService) Err() error {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.lastErr
}

func (rs *RoomService) ClearErr() {
	rs.mu.Lock()
	rs.lastErr = nil
	rs.mu.Unlock()
}
