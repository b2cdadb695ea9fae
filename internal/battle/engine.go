package battle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/daewon-lab/lingobattle-server/internal/msgcat"
	"github.com/daewon-lab/lingobattle-server/internal/obslog"
	"github.com/daewon-lab/lingobattle-server/internal/questions"
	"github.com/daewon-lab/lingobattle-server/internal/rating"
	"github.com/daewon-lab/lingobattle-server/internal/room"
	"github.com/daewon-lab/lingobattle-server/pkg/battledto"
)

// Notifier pushes an event to one user's channel. Implementations must not
// block; the gateway buffers per connection.
type Notifier interface {
	Push(userID string, ev battledto.Envelope)
}

// Presence answers the liveness question at round boundaries.
type Presence interface {
	IsOnline(userID string) bool
}

// RoomFinisher closes the lobby once its match reaches a terminal outcome.
type RoomFinisher interface {
	Finish(ctx context.Context, roomID string, terminal room.State) error
}

// Engine drives every live match. Matches proceed fully in parallel; the only
// shared state is the two registry maps under e.mu.
type Engine struct {
	mu      sync.RWMutex
	matches map[string]*Match
	byUser  map[string]string

	source   questions.Source
	notifier Notifier
	presence Presence
	ratings  *rating.Engine
	rooms    RoomFinisher
	cat      *msgcat.Catalog

	now func() time.Time
}

func NewEngine(source questions.Source, notifier Notifier, presence Presence, ratings *rating.Engine, cat *msgcat.Catalog) *Engine {
	return &Engine{
		matches:  make(map[string]*Match),
		byUser:   make(map[string]string),
		source:   source,
		notifier: notifier,
		presence: presence,
		ratings:  ratings,
		cat:      cat,
		now:      time.Now,
	}
}

// AttachRooms wires the room manager after construction; the room manager
// needs the engine as its MatchStarter, so one side attaches late.
func (e *Engine) AttachRooms(f RoomFinisher) { e.rooms = f }

type outEvent struct {
	userID string
	ev     battledto.Envelope
}

// StartMatch implements room.MatchStarter: it creates the in-memory match for
// a room that transitioned to PLAYING and publishes round 1.
func (e *Engine) StartMatch(ctx context.Context, matchID string, r *room.Room) error {
	if r == nil || r.GuestID == "" {
		return fmt.Errorf("room is not pairable")
	}
	qs, err := e.source.Fetch(ctx, r.Config.Language, r.Config.Format, r.Config.MaxRounds)
	if err != nil {
		return fmt.Errorf("fetch questions: %w", err)
	}
	if len(qs) < r.Config.MaxRounds {
		return fmt.Errorf("question source returned %d of %d questions", len(qs), r.Config.MaxRounds)
	}

	m := &Match{
		id:           matchID,
		roomID:       r.ID,
		playerA:      r.HostID,
		playerB:      r.GuestID,
		names:        map[string]string{r.HostID: r.HostName, r.GuestID: r.GuestName},
		state:        StateStarting,
		wins:         map[string]int{r.HostID: 0, r.GuestID: 0},
		questions:    qs,
		limit:        time.Duration(r.Config.RoundLimitMS) * time.Millisecond,
		winThreshold: r.Config.RoundsToWin,
		maxRounds:    r.Config.MaxRounds,
		startedAt:    e.now(),
	}

	e.mu.Lock()
	if _, exists := e.matches[matchID]; exists {
		e.mu.Unlock()
		return nil // duplicate start is a no-op
	}
	e.matches[matchID] = m
	e.byUser[m.playerA] = matchID
	e.byUser[m.playerB] = matchID
	e.mu.Unlock()

	obslog.L().Info("battle_start",
		zap.String("match_id", matchID),
		zap.String("room_id", r.ID),
		zap.String("player_a", m.playerA),
		zap.String("player_b", m.playerB),
		zap.Int("win_threshold", m.winThreshold),
		zap.Int("max_rounds", m.maxRounds),
	)

	m.mu.Lock()
	evs := e.publishRoundLocked(m)
	ended := m.state == StateEnded
	m.mu.Unlock()

	e.flush(evs)
	if ended {
		e.finishMatch(m)
	}
	return nil
}

// Submit records one participant's answer for the given round index. A second
// submission in the same round, a wrong round index, or a resolved round are
// rejected without mutating state.
func (e *Engine) Submit(_ context.Context, userID string, roundIdx int, answer string) error {
	m := e.matchOf(userID)
	if m == nil {
		return ErrNoActiveMatch
	}

	m.mu.Lock()
	if m.state == StateEnded {
		m.mu.Unlock()
		return ErrMatchEnded
	}
	if m.state != StateRoundActive {
		m.mu.Unlock()
		return ErrRoundResolved
	}
	r := m.rounds[m.current]
	if roundIdx != r.index+1 {
		m.mu.Unlock()
		return ErrWrongRound
	}
	if r.resolved {
		m.mu.Unlock()
		return ErrRoundResolved
	}
	s := r.sub(userID)
	if s.answered {
		m.mu.Unlock()
		return ErrAlreadyAnswered
	}
	s.answered = true
	s.answer = answer
	s.latency = e.now().Sub(r.publishedAt)
	s.correct = answerMatches(answer, r.question.Answer)

	obslog.L().Debug("battle_answer",
		zap.String("match_id", m.id),
		zap.String("user_id", userID),
		zap.Int("round", r.index+1),
		zap.Bool("correct", s.correct),
		zap.Int64("latency_ms", s.latency.Milliseconds()),
	)

	var evs []outEvent
	if r.subs[m.playerA] != nil && r.subs[m.playerA].answered &&
		r.subs[m.playerB] != nil && r.subs[m.playerB].answered {
		evs = e.resolveRoundLocked(m, false)
	}
	ended := m.state == StateEnded
	m.mu.Unlock()

	e.flush(evs)
	if ended {
		e.finishMatch(m)
	}
	return nil
}

// Surrender ends the match immediately with the requester as loser.
func (e *Engine) Surrender(_ context.Context, userID string) error {
	m := e.matchOf(userID)
	if m == nil {
		return ErrNoActiveMatch
	}
	m.mu.Lock()
	if m.state == StateEnded {
		m.mu.Unlock()
		return ErrMatchEnded
	}
	evs := e.endLocked(m, rating.ReasonSurrender, m.opponent(userID))
	m.mu.Unlock()

	e.flush(evs)
	e.finishMatch(m)
	return nil
}

// HandleDisconnect is the transport/presence signal that a participant is
// considered offline. Ends the match in favor of the remaining player. A later
// heartbeat from the disconnected user cannot resurrect the match.
func (e *Engine) HandleDisconnect(userID string) {
	m := e.matchOf(userID)
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.state == StateEnded {
		m.mu.Unlock()
		return
	}
	obslog.L().Info("battle_disconnect", zap.String("match_id", m.id), zap.String("user_id", userID))
	evs := e.endLocked(m, rating.ReasonDisconnect, m.opponent(userID))
	m.mu.Unlock()

	e.flush(evs)
	e.finishMatch(m)
}

// publishRoundLocked appends the next round, pushes it to both players and
// arms the round timer. Consults presence first: a participant that went
// offline between rounds loses by disconnect.
func (e *Engine) publishRoundLocked(m *Match) []outEvent {
	if e.presence != nil {
		for _, p := range []string{m.playerA, m.playerB} {
			if !e.presence.IsOnline(p) {
				return e.endLocked(m, rating.ReasonDisconnect, m.opponent(p))
			}
		}
	}

	idx := len(m.rounds)
	r := &round{
		index:       idx,
		question:    m.questions[idx],
		publishedAt: e.now(),
		subs:        make(map[string]*submission),
	}
	m.rounds = append(m.rounds, r)
	m.current = idx
	m.state = StateRoundActive

	m.disarmTimer()
	matchID := m.id
	m.timer = time.AfterFunc(m.limit, func() { e.onRoundTimer(matchID, idx) })

	payload := battledto.RoundPublished{
		MatchID:    m.id,
		Round:      idx + 1,
		QuestionID: r.question.ID,
		Prompt:     r.question.Prompt,
		Choices:    r.question.Choices,
		LimitMS:    m.limit.Milliseconds(),
	}
	text := e.render("battle.round_start", map[string]any{"Round": idx + 1, "Limit": int(m.limit.Seconds())})
	ev := battledto.Envelope{Type: battledto.EventRoundPublished, Text: text, Payload: payload, SentAt: e.now()}

	obslog.L().Info("battle_round_publish", zap.String("match_id", m.id), zap.Int("round", idx+1), zap.String("question_id", r.question.ID))
	return []outEvent{{m.playerA, ev}, {m.playerB, ev}}
}

// onRoundTimer fires when the round limit elapses. Guarded by the round's
// resolution flag so a timer racing a last-moment answer is a no-op; a timer
// surviving match teardown finds no current work either.
func (e *Engine) onRoundTimer(matchID string, idx int) {
	e.mu.RLock()
	m := e.matches[matchID]
	e.mu.RUnlock()
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.state == StateEnded || m.current != idx || m.rounds[idx].resolved {
		m.mu.Unlock()
		return
	}
	evs := e.resolveRoundLocked(m, true)
	ended := m.state == StateEnded
	m.mu.Unlock()

	e.flush(evs)
	if ended {
		e.finishMatch(m)
	}
}

// resolveRoundLocked scores the current round exactly once, then either ends
// the match or publishes the next round.
func (e *Engine) resolveRoundLocked(m *Match, byTimer bool) []outEvent {
	r := m.rounds[m.current]
	if r.resolved {
		return nil
	}
	r.resolved = true
	m.state = StateRoundResolving
	m.disarmTimer()

	sa, sb := r.sub(m.playerA), r.sub(m.playerB)
	switch {
	case sa.correct && sb.correct:
		// 둘 다 정답이면 더 빠른 쪽이 이긴다
		if sa.latency < sb.latency {
			r.winnerID = m.playerA
		} else if sb.latency < sa.latency {
			r.winnerID = m.playerB
		} else {
			r.noContest = true
		}
	case sa.correct:
		r.winnerID = m.playerA
	case sb.correct:
		r.winnerID = m.playerB
	default:
		r.noContest = true
	}
	r.timedOut = byTimer && !sa.answered && !sb.answered
	if r.winnerID != "" {
		m.wins[r.winnerID]++
	}

	obslog.L().Info("battle_round_resolve",
		zap.String("match_id", m.id),
		zap.Int("round", r.index+1),
		zap.String("winner", r.winnerID),
		zap.Bool("no_contest", r.noContest),
		zap.Bool("timed_out", r.timedOut),
	)

	payload := battledto.RoundResult{
		MatchID:   m.id,
		Round:     r.index + 1,
		WinnerID:  r.winnerID,
		NoContest: r.noContest,
		TimedOut:  r.timedOut,
		Answers: []battledto.AnswerDetail{
			{UserID: m.playerA, Answer: sa.answer, Answered: sa.answered, Correct: sa.correct, LatencyMS: sa.latency.Milliseconds()},
			{UserID: m.playerB, Answer: sb.answer, Answered: sb.answered, Correct: sb.correct, LatencyMS: sb.latency.Milliseconds()},
		},
		Score: m.scoreMap(),
	}
	var text string
	if r.winnerID != "" {
		text = e.render("battle.round_win", map[string]any{
			"Round": r.index + 1, "Winner": m.names[r.winnerID],
			"ScoreA": m.wins[m.playerA], "ScoreB": m.wins[m.playerB],
		})
	} else {
		text = e.render("battle.round_draw", map[string]any{"Round": r.index + 1})
	}
	ev := battledto.Envelope{Type: battledto.EventRoundResult, Text: text, Payload: payload, SentAt: e.now()}
	evs := []outEvent{{m.playerA, ev}, {m.playerB, ev}}

	// win condition: first to threshold ends immediately, further rounds are
	// never published; exhausted budget falls back to score comparison
	switch {
	case m.wins[m.playerA] >= m.winThreshold:
		return append(evs, e.endLocked(m, rating.ReasonNormal, m.playerA)...)
	case m.wins[m.playerB] >= m.winThreshold:
		return append(evs, e.endLocked(m, rating.ReasonNormal, m.playerB)...)
	case len(m.rounds) >= m.maxRounds:
		winner := ""
		if m.wins[m.playerA] > m.wins[m.playerB] {
			winner = m.playerA
		} else if m.wins[m.playerB] > m.wins[m.playerA] {
			winner = m.playerB
		}
		return append(evs, e.endLocked(m, rating.ReasonNormal, winner)...)
	}
	return append(evs, e.publishRoundLocked(m)...)
}

// endLocked moves the match to MATCH_ENDED, disarms the timer and freezes the
// durable record. Idempotent via the state check in every caller.
func (e *Engine) endLocked(m *Match, reason rating.Reason, winnerID string) []outEvent {
	m.state = StateEnded
	m.reason = reason
	m.winnerID = winnerID
	m.endedAt = e.now()
	m.disarmTimer()
	m.record = m.buildRecord()

	obslog.L().Info("battle_end",
		zap.String("match_id", m.id),
		zap.String("winner", winnerID),
		zap.String("reason", string(reason)),
		zap.Int("score_a", m.wins[m.playerA]),
		zap.Int("score_b", m.wins[m.playerB]),
	)

	// the surviving player gets a distinguishing notification instead of the
	// normal result payload path
	if reason == rating.ReasonDisconnect && winnerID != "" {
		ev := battledto.Envelope{
			Type:   battledto.EventOpponentDisconnected,
			Text:   e.render("battle.opponent_disconnected", nil),
			SentAt: e.now(),
		}
		return []outEvent{{winnerID, ev}}
	}
	return nil
}

// finishMatch runs after the match lock is released: detaches users, resolves
// rating deltas, pushes the terminal result, closes the room and persists the
// record with retry. The match stays registered until the write is acked.
func (e *Engine) finishMatch(m *Match) {
	e.mu.Lock()
	if e.byUser[m.playerA] == m.id {
		delete(e.byUser, m.playerA)
	}
	if e.byUser[m.playerB] == m.id {
		delete(e.byUser, m.playerB)
	}
	e.mu.Unlock()

	m.mu.Lock()
	rec := m.record
	m.mu.Unlock()
	if rec == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	deltas := map[string]int{}
	if _, _, err := e.ratings.Resolve(ctx, rec); err != nil {
		obslog.L().Error("battle_rating_resolve_error", zap.String("match_id", m.id), zap.Error(err))
	} else {
		deltas = map[string]int{rec.PlayerA: rec.DeltaA, rec.PlayerB: rec.DeltaB}
	}
	cancel()

	payload := battledto.MatchResult{
		MatchID:  rec.MatchID,
		RoomID:   rec.RoomID,
		WinnerID: rec.WinnerID,
		Reason:   string(rec.Reason),
		Score:    map[string]int{rec.PlayerA: rec.ScoreA, rec.PlayerB: rec.ScoreB},
		Deltas:   deltas,
		Rounds:   len(rec.Rounds),
	}
	ev := battledto.Envelope{Type: battledto.EventMatchResult, Text: e.matchEndText(m, rec), Payload: payload, SentAt: e.now()}
	e.flush([]outEvent{{rec.PlayerA, ev}, {rec.PlayerB, ev}})

	if e.rooms != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.rooms.Finish(ctx, m.roomID, room.StateFinished); err != nil {
			obslog.L().Warn("battle_room_finish_error", zap.String("room_id", m.roomID), zap.Error(err))
		}
		cancel()
	}

	go e.persistRecord(m, rec)
}

// persistRecord writes the Match Result, retrying with backoff. In-memory
// match state is only dropped once the write is durably acknowledged.
func (e *Engine) persistRecord(m *Match, rec *rating.MatchRecord) {
	backoff := time.Second
	for attempt := 1; attempt <= 5; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := e.ratings.Record(ctx, rec)
		cancel()
		if err == nil {
			e.mu.Lock()
			delete(e.matches, m.id)
			e.mu.Unlock()
			return
		}
		obslog.L().Error("battle_result_persist_error",
			zap.String("match_id", m.id),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		time.Sleep(backoff)
		backoff *= 2
	}
	// give up for now; the match stays registered so an operator retry keeps
	// the full round history
	obslog.L().Error("battle_result_persist_gaveup", zap.String("match_id", m.id))
}

func (e *Engine) matchEndText(m *Match, rec *rating.MatchRecord) string {
	data := map[string]any{
		"ScoreA": rec.ScoreA, "ScoreB": rec.ScoreB,
		"Winner": m.names[rec.WinnerID],
	}
	switch {
	case rec.Reason == rating.ReasonSurrender:
		data["Loser"] = m.names[m.opponent(rec.WinnerID)]
		return e.render("battle.surrender", data)
	case rec.WinnerID == "":
		return e.render("battle.match_draw", data)
	default:
		delta := rec.DeltaA
		if rec.WinnerID == rec.PlayerB {
			delta = rec.DeltaB
		}
		data["Delta"] = fmt.Sprintf("%+d", delta)
		return e.render("battle.match_win", data)
	}
}

func (e *Engine) matchOf(userID string) *Match {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if id, ok := e.byUser[userID]; ok {
		return e.matches[id]
	}
	return nil
}

// MatchState reports the state of a match, if it is still registered.
func (e *Engine) MatchState(matchID string) (MatchState, bool) {
	e.mu.RLock()
	m := e.matches[matchID]
	e.mu.RUnlock()
	if m == nil {
		return "", false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, true
}

// HasActiveMatch reports whether the user is currently bound to a live match.
func (e *Engine) HasActiveMatch(userID string) bool {
	return e.matchOf(userID) != nil
}

func (e *Engine) render(key string, data map[string]any) string {
	if e.cat == nil {
		return ""
	}
	s, err := e.cat.Render(key, data)
	if err != nil {
		return ""
	}
	return s
}

func (e *Engine) flush(evs []outEvent) {
	if e.notifier == nil {
		return
	}
	for _, oe := range evs {
		e.notifier.Push(oe.userID, oe.ev)
	}
}
