package models

import "time"

// GameResult is the final standings report posted to the external
// game-completion API once a session finishes.
type GameResult struct {
	RoomCode   string             `json:"room_code"`
	Standings  []LeaderboardEntry `json:"standings"`
	FinishedAt time.Time          `json:"finished_at"`
}
