package models

// AnswerSubmission is sent once per (player, question).
type AnswerSubmission struct {
	QuestionID string `json:"question_id"`
	OptionID   string `json:"option_id"`
	ElapsedMs  int64  `json:"elapsed_ms"`
}

// AnswerResult is the server's verdict for one submission. Scoring happens
// server-side; the client only mirrors it.
type AnswerResult struct {
	QuestionID      string `json:"question_id"`
	CorrectOptionID string `json:"correct_option_id"`
	IsCorrect       bool   `json:"is_correct"`
	Points          int    `json:"points"`
	TotalScore      int    `json:"total_score"`
}
