package services

import "encoding/json"

// Message is the wire envelope for every realtime event.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound events.
const (
	EventJoinRoom            = "join-room"
	EventLeaveRoom           = "leave-room"
	EventStartGame           = "start-game"
	EventNextQuestion        = "next-question"
	EventSubmitAnswer        = "submit-answer"
	EventSubscribeRoomList   = "subscribe-room-list"
	EventUnsubscribeRoomList = "unsubscribe-room-list"
)

// Inbound events.
const (
	EventJoinRoomSuccess  = "join-room-success"
	EventJoinRoomError    = "join-room-error"
	EventLeaveRoomSuccess = "leave-room-success"
	EventLeaveRoomError   = "leave-room-error"

	EventPlayerJoined = "player-joined"
	EventPlayerLeft   = "player-left"
	EventPlayerKicked = "player-kicked"
	EventRoomPlayers  = "room-players"
	EventHostChanged  = "host-changed"

	EventRoomCreated = "room-created"
	EventRoomUpdated = "room-updated"
	EventRoomDeleted = "room-deleted"

	EventGameStarted     = "game-started"
	EventAnswerSubmitted = "answer-submitted"
	EventGameEnded       = "game-ended"
	EventServerError     = "error"
)

// wireAliases maps the legacy camelCase broadcast names onto the canonical
// kebab-case names, so controllers only ever see one spelling.
var wireAliases = map[string]string{
	"roomCreated": EventRoomCreated,
	"roomUpdated": EventRoomUpdated,
	"roomDeleted": EventRoomDeleted,
}

func normalizeEvent(name string) string {
	if canonical, ok := wireAliases[name]; ok {
		return canonical
	}
	return name
}

// roomRef identifies a room on the wire by its code.
type roomRef struct {
	Code string `json:"code"`
}

// roomAck is the payload of the correlated join/leave success and error
// events.
type roomAck struct {
	Code  string `json:"code"`
	Error string `json:"error,omitempty"`
}
