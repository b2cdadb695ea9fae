package battledto

import "time"

// EventType identifies an outbound push event on a user channel.
type EventType string

const (
	EventRoomState            EventType = "room_state_changed"
	EventRoundPublished       EventType = "round_published"
	EventRoundResult          EventType = "round_result"
	EventMatchResult          EventType = "match_result"
	EventOpponentDisconnected EventType = "opponent_disconnected"
)

// Envelope is the wire frame for every push event.
type Envelope struct {
	Type    EventType `json:"type"`
	Text    string    `json:"text,omitempty"`
	Payload any       `json:"payload,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// RoomState mirrors the lobby after any transition.
type RoomState struct {
	RoomID   string          `json:"room_id"`
	State    string          `json:"state"`
	HostID   string          `json:"host_id"`
	GuestID  string          `json:"guest_id,omitempty"`
	Ready    map[string]bool `json:"ready"`
	MatchID  string          `json:"match_id,omitempty"`
	Language string          `json:"language"`
	Format   string          `json:"format"`
}

// RoundPublished carries one question to both participants.
type RoundPublished struct {
	MatchID    string   `json:"match_id"`
	Round      int      `json:"round"`
	QuestionID string   `json:"question_id"`
	Prompt     string   `json:"prompt"`
	Choices    []string `json:"choices,omitempty"`
	LimitMS    int64    `json:"limit_ms"`
}

// AnswerDetail is one participant's outcome within a resolved round.
type AnswerDetail struct {
	UserID    string `json:"user_id"`
	Answer    string `json:"answer,omitempty"`
	Answered  bool   `json:"answered"`
	Correct   bool   `json:"correct"`
	LatencyMS int64  `json:"latency_ms"`
}

// RoundResult is pushed after each round resolves.
type RoundResult struct {
	MatchID   string         `json:"match_id"`
	Round     int            `json:"round"`
	WinnerID  string         `json:"winner_id,omitempty"` // empty on no-contest
	NoContest bool           `json:"no_contest"`
	TimedOut  bool           `json:"timed_out"`
	Answers   []AnswerDetail `json:"answers"`
	Score     map[string]int `json:"score"`
}

// MatchResult is the terminal event for a match.
type MatchResult struct {
	MatchID  string         `json:"match_id"`
	RoomID   string         `json:"room_id"`
	WinnerID string         `json:"winner_id,omitempty"` // empty on draw
	Reason   string         `json:"reason"`
	Score    map[string]int `json:"score"`
	Deltas   map[string]int `json:"rating_deltas,omitempty"`
	Rounds   int            `json:"rounds"`
}
