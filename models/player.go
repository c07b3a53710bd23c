package models

type ConnectionRole string

const (
	RoleHost  ConnectionRole = "host"
	RoleGuest ConnectionRole = "guest"
)

// Player is one roster entry. UserID is unique within a room's roster.
type Player struct {
	UserID string         `json:"user_id"`
	Name   string         `json:"name"`
	Role   ConnectionRole `json:"role"`
	Score  int            `json:"score"`
}

// LeaderboardEntry is a derived view over the roster, never mutated
// independently.
type LeaderboardEntry struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Score  int    `json:"score"`
	Rank   int    `json:"rank"`
}
