package models

// GamePhase is a state of the per-question game machine. Transitions are
// strictly sequential; see services.GameService.
type GamePhase string

const (
	PhaseIdle            GamePhase = "idle"
	PhaseStarting        GamePhase = "starting"
	PhaseQuestionActive  GamePhase = "question_active"
	PhaseAnsweredWaiting GamePhase = "answered_waiting"
	PhaseResultShown     GamePhase = "result_shown"
	PhaseFinished        GamePhase = "finished"
)
