package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"quizrealtime/api"
	"quizrealtime/models"
)

type questionEvent struct {
	Code     string          `json:"code"`
	Question models.Question `json:"question"`
}

type answerResultEvent struct {
	Code            string `json:"code"`
	UserID          string `json:"user_id"`
	QuestionID      string `json:"question_id"`
	CorrectOptionID string `json:"correct_option_id"`
	IsCorrect       bool   `json:"is_correct"`
	Points          int    `json:"points"`
	TotalScore      int    `json:"total_score"`
}

type gameEndedEvent struct {
	Code      string                    `json:"code"`
	Standings []models.LeaderboardEntry `json:"standings,omitempty"`
}

type serverErrorEvent struct {
	Message string `json:"message"`
}

type submitAnswerPayload struct {
	Code       string `json:"code"`
	QuestionID string `json:"question_id"`
	OptionID   string `json:"option_id"`
	ElapsedMs  int64  `json:"elapsed_ms"`
}

// GameService drives the per-question phase machine for one live game:
// start, timed question window, single answer submission, result display,
// advance, finish. Scoring is server-side; this controller mirrors it.
type GameService struct {
	channel Channel
	rooms   *RoomService
	results api.ResultsAPI // optional
	logger  *slog.Logger

	// TickInterval and AdvanceGrace default to 1s and 3s; injectable so
	// tests run on a short clock.
	TickInterval time.Duration
	AdvanceGrace time.Duration

	mu             sync.Mutex
	phase          models.GamePhase
	question       *models.Question
	questionStart  time.Time
	timeLeft       int
	hasAnswered    bool
	selectedOption string
	answerResult   *models.AnswerResult
	leaderboard    []models.LeaderboardEntry
	timerStop      chan struct{}
	advance        *time.Timer
	refs           []handlerRef
	lastErr        error
}

func NewGameService(channel Channel, rooms *RoomService, results api.ResultsAPI, logger *slog.Logger) *GameService {
	if logger == nil {
		logger = slog.Default()
	}
	return &GameService{
		channel:      channel,
		rooms:        rooms,
		results:      results,
		logger:       logger.With("component", "game"),
		TickInterval: time.Second,
		AdvanceGrace: 3 * time.Second,
		phase:        models.PhaseIdle,
	}
}

// Attach registers the game event handlers. Call after entering a room;
// Reset detaches them again.
func (gs *GameService) Attach() {
	refs := []handlerRef{
		{EventGameStarted, gs.channel.On(EventGameStarted, gs.onGameStarted)},
		{EventNextQuestion, gs.channel.On(EventNextQuestion, gs.onNextQuestion)},
		{EventAnswerSubmitted, gs.channel.On(EventAnswerSubmitted, gs.onAnswerResult)},
		{EventGameEnded, gs.channel.On(EventGameEnded, gs.onGameEnded)},
		{EventServerError, gs.channel.On(EventServerError, gs.onServerError)},
	}
	gs.mu.Lock()
	gs.refs = append(gs.refs, refs...)
	gs.mu.Unlock()
}

func (gs *GameService) isHost() bool {
	room := gs.rooms.Room()
	return room != nil && room.HostID == gs.rooms.Identity().UserID
}

// StartGame emits the start request. Non-hosts are rejected locally with
// ErrNotHost and no network call, saving a guaranteed-to-fail round trip.
func (gs *GameService) StartGame() error {
	room := gs.rooms.Room()
	if room == nil {
		return ErrNotInRoom
	}
	if !gs.isHost() {
		return ErrNotHost
	}

	gs.mu.Lock()
	if gs.phase != models.PhaseIdle {
		phase := gs.phase
		gs.mu.Unlock()
		return fmt.Errorf("game: cannot start from phase %s", phase)
	}
	gs.phase = models.PhaseStarting
	gs.mu.Unlock()

	if err := gs.channel.Emit(EventStartGame, roomRef{Code: room.Code}); err != nil {
		gs.mu.Lock()
		gs.phase = models.PhaseIdle
		gs.lastErr = err
		gs.mu.Unlock()
		return err
	}
	gs.logger.Info("start requested", "room", room.Code)
	return nil
}

func (gs *GameService) onGameStarted(payload json.RawMessage) {
	var ev questionEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		gs.logger.Warn("bad game-started event", "error", err)
		return
	}

	gs.mu.Lock()
	// Hosts arrive here from Starting, guests straight from Idle.
	if gs.phase != models.PhaseStarting && gs.phase != models.PhaseIdle {
		gs.logger.Debug("ignoring game-started", "phase", gs.phase)
		gs.mu.Unlock()
		return
	}
	gs.mu.Unlock()

	gs.loadQuestion(ev.Question)
}

func (gs *GameService) onNextQuestion(payload json.RawMessage) {
	var ev questionEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		gs.logger.Warn("bad next-question event", "error", err)
		return
	}

	gs.mu.Lock()
	switch gs.phase {
	case models.PhaseQuestionActive, models.PhaseAnsweredWaiting, models.PhaseResultShown:
	default:
		// A stray advance outside a running game never crashes the
		// machine; it is only logged.
		gs.logger.Debug("ignoring next-question", "phase", gs.phase)
		gs.mu.Unlock()
		return
	}
	gs.mu.Unlock()

	gs.loadQuestion(ev.Question)
}

// loadQuestion stops any running countdown before mutating question state, so
// a stale timer callback can never fire against the wrong question, then
// resets the per-question flags and starts a fresh countdown.
func (gs *GameService) loadQuestion(q models.Question) {
	gs.mu.Lock()
	if gs.question != nil && q.Sequence <= gs.question.Sequence {
		gs.logger.Debug("ignoring stale question", "sequence", q.Sequence)
		gs.mu.Unlock()
		return
	}
	gs.stopTimerLocked()
	gs.stopAdvanceLocked()
	gs.question = &q
	gs.hasAnswered = false
	gs.selectedOption = ""
	gs.answerResult = nil
	gs.timeLeft = q.TimeLimit
	gs.questionStart = time.Now()
	gs.phase = models.PhaseQuestionActive

	var stop chan struct{}
	if q.TimeLimit > 0 {
		stop = make(chan struct{})
		gs.timerStop = stop
	}
	gs.mu.Unlock()

	gs.logger.Info("question loaded", "sequence", q.Sequence, "time_limit", q.TimeLimit)
	if stop != nil {
		go gs.runCountdown(stop)
	}
}

func (gs *GameService) runCountdown(stop chan struct{}) {
	ticker := time.NewTicker(gs.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if gs.tick(stop) {
				return
			}
		}
	}
}

// tick decrements the countdown. At zero the timer stops itself, the
// auto-forfeit fires exactly once, and the host schedules the advance after
// the grace period so every player gets to see the result screen.
//
// The generation check guards against the select racing a stop: when both
// channels are ready the ticker arm can win after the question was swapped
// or the game reset, and that stale tick must not touch the new state.
func (gs *GameService) tick(stop chan struct{}) bool {
	gs.mu.Lock()
	if gs.timerStop != stop || gs.question == nil {
		gs.mu.Unlock()
		return true
	}
	if gs.timeLeft > 0 {
		gs.timeLeft--
	}
	if gs.timeLeft > 0 {
		gs.mu.Unlock()
		return false
	}

	gs.timerStop = nil
	if !gs.hasAnswered {
		gs.hasAnswered = true
		gs.selectedOption = ""
		gs.logger.Info("time up, answer forfeited", "question", gs.question.ID)
	}
	if gs.phase == models.PhaseQuestionActive {
		gs.phase = models.PhaseAnsweredWaiting
	}
	gs.mu.Unlock()

	if gs.isHost() {
		gs.mu.Lock()
		if gs.phase == models.PhaseAnsweredWaiting || gs.phase == models.PhaseResultShown {
			gs.advance = time.AfterFunc(gs.AdvanceGrace, func() {
				if err := gs.NextQuestion(); err != nil {
					gs.logger.Warn("auto-advance failed", "error", err)
				}
			})
		}
		gs.mu.Unlock()
	}
	return true
}

// SubmitAnswer is a no-op once an answer exists for the current question.
// The local flag flips before the network round trip completes, which gives
// instant feedback and closes the double-submit race.
func (gs *GameService) SubmitAnswer(optionID string) error {
	room := gs.rooms.Room()

	gs.mu.Lock()
	if gs.question == nil {
		gs.mu.Unlock()
		return ErrNoActiveQuestion
	}
	// The answered check comes before the phase check: the first submit
	// already moved the phase on, and a repeat must stay a silent no-op.
	if gs.hasAnswered {
		gs.mu.Unlock()
		return nil
	}
	if gs.phase != models.PhaseQuestionActive {
		gs.mu.Unlock()
		return ErrNoActiveQuestion
	}
	gs.hasAnswered = true
	gs.selectedOption = optionID
	gs.phase = models.PhaseAnsweredWaiting
	sub := submitAnswerPayload{
		QuestionID: gs.question.ID,
		OptionID:   optionID,
		ElapsedMs:  time.Since(gs.questionStart).Milliseconds(),
	}
	if room != nil {
		sub.Code = room.Code
	}
	gs.mu.Unlock()

	if err := gs.channel.Emit(EventSubmitAnswer, sub); err != nil {
		// The local flag stays flipped: the server never saw the answer,
		// but re-submitting the same question is not allowed either way.
		gs.logger.Warn("answer submission failed", "question", sub.QuestionID, "error", err)
		gs.setErr(err)
	}
	return nil
}

func (gs *GameService) onAnswerResult(payload json.RawMessage) {
	var ev answerResultEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		gs.logger.Warn("bad answer result", "error", err)
		return
	}

	gs.rooms.UpdatePlayerScore(ev.UserID, ev.TotalScore)
	gs.recomputeLeaderboard()

	if ev.UserID != gs.rooms.Identity().UserID {
		return
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.phase != models.PhaseAnsweredWaiting {
		gs.logger.Debug("ignoring answer result", "phase", gs.phase)
		return
	}
	if gs.question == nil || gs.question.ID != ev.QuestionID {
		gs.logger.Debug("ignoring result for other question", "question", ev.QuestionID)
		return
	}
	gs.answerResult = &models.AnswerResult{
		QuestionID:      ev.QuestionID,
		CorrectOptionID: ev.CorrectOptionID,
		IsCorrect:       ev.IsCorrect,
		Points:          ev.Points,
		TotalScore:      ev.TotalScore,
	}
	gs.phase = models.PhaseResultShown
}

// NextQuestion emits the advance request. Host-only, rejected locally.
func (gs *GameService) NextQuestion() error {
	room := gs.rooms.Room()
	if room == nil {
		return ErrNotInRoom
	}
	if !gs.isHost() {
		return ErrNotHost
	}

	if err := gs.channel.Emit(EventNextQuestion, roomRef{Code: room.Code}); err != nil {
		gs.setErr(err)
		return err
	}

	gs.mu.Lock()
	gs.selectedOption = ""
	gs.answerResult = nil
	gs.mu.Unlock()
	return nil
}

// recomputeLeaderboard derives the standings from the roster: total score
// descending, ties broken by ascending user id so the order is deterministic
// rather than an accident of the sort implementation.
func (gs *GameService) recomputeLeaderboard() {
	players := gs.rooms.Players()
	sort.Slice(players, func(i, j int) bool {
		if players[i].Score != players[j].Score {
			return players[i].Score > players[j].Score
		}
		return players[i].UserID < players[j].UserID
	})

	entries := make([]models.LeaderboardEntry, len(players))
	for i, p := range players {
		entries[i] = models.LeaderboardEntry{
			UserID: p.UserID,
			Name:   p.Name,
			Score:  p.Score,
			Rank:   i + 1,
		}
	}

	gs.mu.Lock()
	gs.leaderboard = entries
	gs.mu.Unlock()
}

func (gs *GameService) onGameEnded(payload json.RawMessage) {
	var ev gameEndedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		gs.logger.Warn("bad game-ended event", "error", err)
		return
	}

	gs.mu.Lock()
	if gs.phase == models.PhaseIdle || gs.phase == models.PhaseFinished {
		gs.logger.Debug("ignoring game-ended", "phase", gs.phase)
		gs.mu.Unlock()
		return
	}
	gs.stopTimerLocked()
	gs.stopAdvanceLocked()
	gs.phase = models.PhaseFinished
	if len(ev.Standings) > 0 {
		gs.leaderboard = ev.Standings
	}
	standings := make([]models.LeaderboardEntry, len(gs.leaderboard))
	copy(standings, gs.leaderboard)
	gs.mu.Unlock()

	gs.logger.Info("game finished", "players", len(standings))

	// The host reports the final standings once; persistence itself stays
	// with the results API.
	if gs.results != nil && gs.isHost() {
		room := gs.rooms.Room()
		if room != nil {
			go gs.reportResult(models.GameResult{
				RoomCode:   room.Code,
				Standings:  standings,
				FinishedAt: time.Now(),
			})
		}
	}
}

func (gs *GameService) reportResult(result models.GameResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gs.results.PostResult(ctx, result); err != nil {
		gs.logger.Warn("result report failed", "room", result.RoomCode, "error", err)
	}
}

func (gs *GameService) onServerError(payload json.RawMessage) {
	var ev serverErrorEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}
	gs.logger.Warn("server error event", "message", ev.Message)
	gs.setErr(errors.New(ev.Message))
}

// Reset stops the timer, detaches every game handler and returns all fields
// to their initial values. Required before a new session so a finished game
// cannot leak state into the next one.
func (gs *GameService) Reset() {
	gs.mu.Lock()
	gs.stopTimerLocked()
	gs.stopAdvanceLocked()
	refs := gs.refs
	gs.refs = nil
	gs.phase = models.PhaseIdle
	gs.question = nil
	gs.timeLeft = 0
	gs.hasAnswered = false
	gs.selectedOption = ""
	gs.answerResult = nil
	gs.leaderboard = nil
	gs.lastErr = nil
	gs.mu.Unlock()

	for _, ref := range refs {
		gs.channel.Off(ref.event, ref.id)
	}
}

// EndGame is the explicit teardown used when the user leaves mid-game.
func (gs *GameService) EndGame() {
	gs.logger.Info("ending game session")
	gs.Reset()
}

func (gs *GameService) stopTimerLocked() {
	if gs.timerStop != nil {
		close(gs.timerStop)
		gs.timerStop = nil
	}
}

func (gs *GameService) stopAdvanceLocked() {
	if gs.advance != nil {
		gs.advance.Stop()
		gs.advance = nil
	}
}

func (gs *GameService) setErr(err error) {
	gs.mu.Lock()
	gs.lastErr = err
	gs.mu.Unlock()
}

func (gs *GameService) Phase() models.GamePhase {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.phase
}

func (gs *GameService) Question() *models.Question {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.question == nil {
		return nil
	}
	q := *gs.question
	return &q
}

func (gs *GameService) TimeLeft() int {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.timeLeft
}

func (gs *GameService) HasAnswered() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.hasAnswered
}

func (gs *GameService) SelectedOption() string {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.selectedOption
}

func (gs *GameService) AnswerResult() *models.AnswerResult {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.answerResult == nil {
		return nil
	}
	result := *gs.answerResult
	return &result
}

func (gs *GameService) Leaderboard() []models.LeaderboardEntry {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	entries := make([]models.LeaderboardEntry, len(gs.leaderboard))
	copy(entries, gs.leaderboard)
	return entries
}

// Err exposes the single dismissable error field surfaced to the UI.
func (gs *GameService) Err() error {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.lastErr
}

func (gs *GameService) ClearErr() {
	gs.mu.Lock()
	gs.lastErr = nil
	gs.mu.Unlock()
}
