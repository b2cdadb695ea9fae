package rating

import (
	"errors"
	"time"
)

// Reason classifies how a match ended.
type Reason string

// A drawn match carries ReasonNormal with an empty winner id.
const (
	ReasonNormal     Reason = "normal"
	ReasonSurrender  Reason = "surrender"
	ReasonDisconnect Reason = "disconnect"
)

// RoundDetail is the per-round record embedded in the durable match result.
type RoundDetail struct {
	Round      int    `json:"round"`
	QuestionID string `json:"question_id"`
	WinnerID   string `json:"winner_id,omitempty"`
	NoContest  bool   `json:"no_contest"`
	TimedOut   bool   `json:"timed_out"`

	AnswerA  string `json:"answer_a,omitempty"`
	AnswerB  string `json:"answer_b,omitempty"`
	CorrectA bool   `json:"correct_a"`
	CorrectB bool   `json:"correct_b"`
	LatencyA int64  `json:"latency_a_ms"`
	LatencyB int64  `json:"latency_b_ms"`
}

// MatchRecord is the write-once durable result of a finished match.
type MatchRecord struct {
	MatchID   string
	RoomID    string
	Season    string
	PlayerA   string
	PlayerB   string
	ScoreA    int
	ScoreB    int
	WinnerID  string // empty on draw
	Reason    Reason
	Rounds    []RoundDetail
	StartedAt time.Time
	EndedAt   time.Time

	// filled by the engine before persisting
	DeltaA int
	DeltaB int
}

// SeasonRating is one (user, season) row.
type SeasonRating struct {
	UserID    string
	Season    string
	Rating    int
	Wins      int
	Losses    int
	Draws     int
	UpdatedAt time.Time
}

// ErrDuplicateResult signals that a result row already exists for the match id.
var ErrDuplicateResult = errors.New("match result already recorded")
