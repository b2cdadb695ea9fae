package battledto

// Command is an inbound frame from a connected client.
type Command struct {
	Op     string `json:"op"`
	RoomID string `json:"room_id,omitempty"`
	Round  int    `json:"round,omitempty"`
	Answer string `json:"answer,omitempty"`

	// room creation options
	Language    string `json:"language,omitempty"`
	Format      string `json:"format,omitempty"`
	RoundsToWin int    `json:"rounds_to_win,omitempty"`
}

// Inbound operation names.
const (
	OpHeartbeat   = "heartbeat"
	OpCreateRoom  = "create_room"
	OpJoinRoom    = "join_room"
	OpReady       = "ready"
	OpStart       = "start"
	OpLeave       = "leave"
	OpAnswer      = "answer"
	OpSurrender   = "surrender"
	OpQueueJoin   = "queue_join"
	OpQueueCancel = "queue_cancel"
)

// Ack is the synchronous reply to an inbound command.
type Ack struct {
	Op      string `json:"op"`
	OK      bool   `json:"ok"`
	Reason  string `json:"reason,omitempty"`
	RoomID  string `json:"room_id,omitempty"`
	MatchID string `json:"match_id,omitempty"`
}
