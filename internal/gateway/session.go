package gateway

import (
	"context"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const outboundBuffer = 64

// session is one live websocket connection. Outbound frames go through a
// buffered channel drained by a single writer goroutine; wsjson.Write is not
// safe for concurrent use.
type session struct {
	id     string
	userID string
	name   string
	conn   *websocket.Conn

	out       chan any
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id, userID, name string, conn *websocket.Conn) *session {
	return &session{
		id:     id,
		userID: userID,
		name:   name,
		conn:   conn,
		out:    make(chan any, outboundBuffer),
		done:   make(chan struct{}),
	}
}

// send queues v for delivery. Returns false when the buffer is full or the
// session is closing; callers never block on a slow client.
func (s *session) send(v any) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- v:
		return true
	default:
		return false
	}
}

// writeLoop drains the outbound channel until close.
func (s *session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case v := <-s.out:
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(wctx, s.conn, v)
			cancel()
			if err != nil {
				s.close(websocket.StatusAbnormalClosure, "write failure")
				return
			}
		}
	}
}

func (s *session) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close(code, reason)
	})
}
