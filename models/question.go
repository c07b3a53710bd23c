package models

// Question is one timed question pushed by the server. Sequence is strictly
// increasing within a game session.
type Question struct {
	ID        string   `json:"id"`
	Sequence  int      `json:"sequence"`
	Total     int      `json:"total"`
	Text      string   `json:"text"`
	Options   []Option `json:"options"`
	TimeLimit int      `json:"time_limit"` // seconds, 0 means untimed
}

type Option struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	// Correctness is never sent while the question is active.
}
