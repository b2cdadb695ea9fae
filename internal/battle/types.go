package battle

import (
	"time"

	"github.com/daewon-lab/lingobattle-server/internal/questions"
)

// MatchState is the per-match state machine.
type MatchState string

const (
	StateStarting       MatchState = "STARTING"
	StateRoundActive    MatchState = "ROUND_ACTIVE"
	StateRoundResolving MatchState = "ROUND_RESOLVING"
	StateEnded          MatchState = "MATCH_ENDED"
)

// submission is one participant's answer within a round.
type submission struct {
	answered bool
	answer   string
	correct  bool
	latency  time.Duration
}

// round exposes one question to both participants. resolved guards
// exactly-once scoring: answer or timer events after resolution are no-ops.
type round struct {
	index       int
	question    questions.Question
	publishedAt time.Time
	subs        map[string]*submission
	resolved    bool
	winnerID    string // empty on no-contest
	noContest   bool
	timedOut    bool
}

func (r *round) sub(userID string) *submission {
	s, ok := r.subs[userID]
	if !ok {
		s = &submission{}
		r.subs[userID] = s
	}
	return s
}

// Errors surfaced to the transport as reason codes.
var (
	ErrNoActiveMatch   = errf("no active match for user")
	ErrMatchEnded      = errf("match already ended")
	ErrWrongRound      = errf("answer for a round that is not current")
	ErrAlreadyAnswered = errf("participant already answered this round")
	ErrRoundResolved   = errf("round already resolved")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }
