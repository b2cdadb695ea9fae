package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/daewon-lab/lingobattle-server/internal/battle"
	"github.com/daewon-lab/lingobattle-server/internal/matchq"
	"github.com/daewon-lab/lingobattle-server/internal/obslog"
	"github.com/daewon-lab/lingobattle-server/internal/presence"
	"github.com/daewon-lab/lingobattle-server/internal/room"
	"github.com/daewon-lab/lingobattle-server/pkg/battledto"
)

// Gateway owns every client websocket and fans pushed events out to them. It
// is the Notifier for both the room manager and the battle engine.
type Gateway struct {
	reg      *registry
	presence *presence.Tracker
	rooms    *room.Manager
	battles  *battle.Engine
	queue    *matchq.Queue
}

// New builds a gateway bound to the presence tracker only. The command
// targets arrive through AttachCore: the room manager and battle engine both
// need the gateway as their notifier, so one side has to wire up late.
func New(tracker *presence.Tracker) *Gateway {
	return &Gateway{reg: newRegistry(), presence: tracker}
}

func (g *Gateway) AttachCore(rooms *room.Manager, battles *battle.Engine, queue *matchq.Queue) {
	g.rooms = rooms
	g.battles = battles
	g.queue = queue
}

// Push delivers ev to the user's live session, dropping the frame when the
// user is offline or their buffer is full.
func (g *Gateway) Push(userID string, ev battledto.Envelope) {
	s := g.reg.get(userID)
	if s == nil {
		return
	}
	if !s.send(ev) {
		obslog.L().Warn("gateway_push_dropped",
			zap.String("user_id", userID),
			zap.String("type", string(ev.Type)),
		)
	}
}

// Handler upgrades the request and serves the connection until it dies.
// Identity comes from query parameters; a reverse proxy in front terminates
// auth and injects them.
func (g *Gateway) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		name := r.URL.Query().Get("name")
		if userID == "" {
			userID = r.Header.Get("X-User-Id")
			name = r.Header.Get("X-User-Name")
		}
		if userID == "" {
			http.Error(w, "user_id required", http.StatusBadRequest)
			return
		}
		if name == "" {
			name = userID
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			CompressionMode: websocket.CompressionNoContextTakeover,
		})
		if err != nil {
			obslog.L().Warn("gateway_accept_error", zap.Error(err))
			return
		}
		g.serve(r.Context(), newSession(uuid.NewString(), userID, name, conn))
	}
}

func (g *Gateway) serve(ctx context.Context, s *session) {
	if prev := g.reg.bind(s.userID, s); prev != nil {
		prev.close(websocket.StatusPolicyViolation, "superseded by a newer connection")
	}
	g.presence.Touch(s.userID, s.id)
	obslog.L().Info("gateway_connect", zap.String("user_id", s.userID), zap.String("session_id", s.id))

	go s.writeLoop(ctx)
	defer g.teardown(s)

	for {
		var cmd battledto.Command
		if err := wsjson.Read(ctx, s.conn, &cmd); err != nil {
			return
		}
		// any inbound frame proves liveness
		g.presence.Touch(s.userID, s.id)
		s.send(g.dispatch(ctx, s, cmd))
	}
}

// teardown runs when the read loop exits. Only the user's current session
// marks them offline; an evicted session must not kill its successor's state.
func (g *Gateway) teardown(s *session) {
	s.close(websocket.StatusNormalClosure, "bye")
	if !g.reg.unbind(s.userID, s) {
		return
	}
	obslog.L().Info("gateway_disconnect", zap.String("user_id", s.userID), zap.String("session_id", s.id))
	if g.queue != nil {
		g.queue.Drop(context.Background(), s.userID)
	}
	// Drop fires the presence expiry hook, which forfeits any live match
	g.presence.Drop(s.userID)
}

func (g *Gateway) dispatch(ctx context.Context, s *session, cmd battledto.Command) battledto.Ack {
	ack := battledto.Ack{Op: cmd.Op, OK: true}
	fail := func(err error) battledto.Ack {
		ack.OK = false
		ack.Reason = err.Error()
		return ack
	}

	switch cmd.Op {
	case battledto.OpHeartbeat:
		return ack

	case battledto.OpCreateRoom:
		r, err := g.rooms.Create(ctx, s.userID, s.name, room.Config{
			Language:    cmd.Language,
			Format:      cmd.Format,
			RoundsToWin: cmd.RoundsToWin,
		})
		if err != nil {
			return fail(err)
		}
		ack.RoomID = r.ID
		return ack

	case battledto.OpJoinRoom:
		r, err := g.rooms.Join(ctx, cmd.RoomID, s.userID, s.name)
		if err != nil {
			return fail(err)
		}
		ack.RoomID = r.ID
		return ack

	case battledto.OpReady:
		if _, err := g.rooms.SetReady(ctx, cmd.RoomID, s.userID); err != nil {
			return fail(err)
		}
		ack.RoomID = cmd.RoomID
		return ack

	case battledto.OpStart:
		matchID, err := g.rooms.Start(ctx, cmd.RoomID, s.userID)
		if err != nil {
			return fail(err)
		}
		ack.RoomID = cmd.RoomID
		ack.MatchID = matchID
		return ack

	case battledto.OpLeave:
		if _, err := g.rooms.Leave(ctx, cmd.RoomID, s.userID); err != nil {
			return fail(err)
		}
		return ack

	case battledto.OpAnswer:
		if err := g.battles.Submit(ctx, s.userID, cmd.Round, cmd.Answer); err != nil {
			return fail(err)
		}
		return ack

	case battledto.OpSurrender:
		if err := g.battles.Surrender(ctx, s.userID); err != nil {
			return fail(err)
		}
		return ack

	case battledto.OpQueueJoin:
		if g.queue == nil {
			return fail(errors.New("ranked queue disabled"))
		}
		if _, err := g.queue.Enqueue(ctx, s.userID, s.name, cmd.Language, cmd.Format); err != nil {
			return fail(err)
		}
		return ack

	case battledto.OpQueueCancel:
		if g.queue == nil {
			return fail(errors.New("ranked queue disabled"))
		}
		if err := g.queue.Cancel(ctx, s.userID, cmd.Language, cmd.Format); err != nil {
			return fail(err)
		}
		return ack

	default:
		return fail(errors.New("unknown op: " + cmd.Op))
	}
}
