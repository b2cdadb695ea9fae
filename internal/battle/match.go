package battle

import (
	"strings"
	"sync"
	"time"

	"github.com/daewon-lab/lingobattle-server/internal/questions"
	"github.com/daewon-lab/lingobattle-server/internal/rating"
)

// Match is the live state of one battle. Owned exclusively by the engine;
// every mutation happens under mu, so the two participants' submissions and
// the round timer are totally ordered per match. Matches never share locks.
type Match struct {
	mu sync.Mutex

	id     string
	roomID string

	playerA string
	playerB string
	names   map[string]string

	state   MatchState
	rounds  []*round
	current int
	wins    map[string]int

	questions    []questions.Question
	limit        time.Duration
	winThreshold int
	maxRounds    int

	timer *time.Timer

	winnerID  string
	reason    rating.Reason
	startedAt time.Time
	endedAt   time.Time

	record *rating.MatchRecord
}

func (m *Match) opponent(userID string) string {
	switch userID {
	case m.playerA:
		return m.playerB
	case m.playerB:
		return m.playerA
	}
	return ""
}

// disarmTimer stops a pending round timer. The resolved flag on the round is
// the real guard; stopping here just avoids a useless wakeup.
func (m *Match) disarmTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Match) scoreMap() map[string]int {
	return map[string]int{m.playerA: m.wins[m.playerA], m.playerB: m.wins[m.playerB]}
}

// buildRecord freezes the durable result. Called once, under mu, at match end.
func (m *Match) buildRecord() *rating.MatchRecord {
	rec := &rating.MatchRecord{
		MatchID:   m.id,
		RoomID:    m.roomID,
		PlayerA:   m.playerA,
		PlayerB:   m.playerB,
		ScoreA:    m.wins[m.playerA],
		ScoreB:    m.wins[m.playerB],
		WinnerID:  m.winnerID,
		Reason:    m.reason,
		StartedAt: m.startedAt,
		EndedAt:   m.endedAt,
	}
	for _, r := range m.rounds {
		if !r.resolved {
			continue
		}
		sa, sb := r.subs[m.playerA], r.subs[m.playerB]
		d := rating.RoundDetail{
			Round:      r.index + 1,
			QuestionID: r.question.ID,
			WinnerID:   r.winnerID,
			NoContest:  r.noContest,
			TimedOut:   r.timedOut,
		}
		if sa != nil {
			d.AnswerA, d.CorrectA, d.LatencyA = sa.answer, sa.correct, sa.latency.Milliseconds()
		}
		if sb != nil {
			d.AnswerB, d.CorrectB, d.LatencyB = sb.answer, sb.correct, sb.latency.Milliseconds()
		}
		rec.Rounds = append(rec.Rounds, d)
	}
	return rec
}

// answerMatches compares a submission against the canonical answer. Quiz
// answers are free text in the target language; comparison is case- and
// whitespace-insensitive.
func answerMatches(got, canonical string) bool {
	return strings.EqualFold(strings.TrimSpace(got), strings.TrimSpace(canonical))
}
