package room

import "time"

// State is the lobby lifecycle. FINISHED and CANCELED are terminal.
type State string

const (
	StateWaiting  State = "WAITING"
	StateReady    State = "READY"
	StatePlaying  State = "PLAYING"
	StateFinished State = "FINISHED"
	StateCanceled State = "CANCELED"
)

func (s State) Terminal() bool { return s == StateFinished || s == StateCanceled }

// Config is the match configuration chosen by the host.
type Config struct {
	Language     string `json:"language"`
	Format       string `json:"format"`
	RoundsToWin  int    `json:"rounds_to_win"`
	MaxRounds    int    `json:"max_rounds"`
	RoundLimitMS int64  `json:"round_limit_ms"`
}

// Room is stored as JSON in Redis under battle:room:<id>.
type Room struct {
	ID        string          `json:"id"`
	State     State           `json:"state"`
	HostID    string          `json:"host_id"`
	HostName  string          `json:"host_name"`
	GuestID   string          `json:"guest_id,omitempty"`
	GuestName string          `json:"guest_name,omitempty"`
	Ready     map[string]bool `json:"ready"`
	Config    Config          `json:"config"`
	MatchID   string          `json:"match_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Participants returns host and guest ids, skipping an empty guest slot.
func (r *Room) Participants() []string {
	out := []string{r.HostID}
	if r.GuestID != "" {
		out = append(out, r.GuestID)
	}
	return out
}

func (r *Room) bothReady() bool {
	return r.GuestID != "" && r.Ready[r.HostID] && r.Ready[r.GuestID]
}

// Errors
var (
	ErrInvalidArgs   = errf("invalid arguments")
	ErrRoomGone      = errf("room not found or expired")
	ErrRoomNotOpen   = errf("room is not accepting a guest")
	ErrRoomFull      = errf("room already has a guest")
	ErrAlreadyInRoom = errf("user already participates in a room")
	ErrNotInRoom     = errf("user is not a participant of this room")
	ErrNotReady      = errf("both participants must be ready")
	ErrRoomPlaying   = errf("room already playing")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }
