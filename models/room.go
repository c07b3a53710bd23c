package models

type RoomVisibility string

const (
	RoomPublic  RoomVisibility = "public"
	RoomPrivate RoomVisibility = "private"
)

type RoomStatus string

const (
	RoomWaiting  RoomStatus = "waiting"
	RoomPlaying  RoomStatus = "playing"
	RoomFinished RoomStatus = "finished"
)

// Room mirrors the server-side room resource. The code is unique and
// immutable after creation; there is exactly one host at any time.
type Room struct {
	ID         string         `json:"id"`
	Code       string         `json:"code"`
	Name       string         `json:"name"`
	Visibility RoomVisibility `json:"visibility"`
	Mode       string         `json:"mode"`
	MaxPlayers int            `json:"max_players"`
	Status     RoomStatus     `json:"status"`
	HostID     string         `json:"host_id"`
}

// RoomConfig is the creation request sent to the room-resource API.
type RoomConfig struct {
	Name       string         `json:"name"`
	Visibility RoomVisibility `json:"visibility"`
	Mode       string         `json:"mode"`
	MaxPlayers int            `json:"max_players"`
}
