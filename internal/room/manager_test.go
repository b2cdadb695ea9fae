package room

import (
	"context"
	"errors"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/daewon-lab/lingobattle-server/pkg/battledto"
)

type fakeNotifier struct {
	mu     sync.Mutex
	pushed map[string][]battledto.Envelope
}

func (f *fakeNotifier) Push(userID string, ev battledto.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushed == nil {
		f.pushed = make(map[string][]battledto.Envelope)
	}
	f.pushed[userID] = append(f.pushed[userID], ev)
}

type fakeStarter struct {
	mu      sync.Mutex
	started []string
	fail    error
}

func (f *fakeStarter) StartMatch(_ context.Context, matchID string, _ *Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.started = append(f.started, matchID)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeStarter, *fakeNotifier) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := &fakeStarter{}
	nt := &fakeNotifier{}
	defaults := Config{Language: "en", Format: "choice", RoundsToWin: 3, MaxRounds: 5, RoundLimitMS: 15000}
	return NewManager(NewStore(rdb), nt, st, nil, defaults), st, nt
}

func TestLobbyLifecycleToStart(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	r, err := m.Create(ctx, "host", "Host", Config{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.State != StateWaiting {
		t.Fatalf("expected WAITING, got %s", r.State)
	}
	if _, err := m.Join(ctx, r.ID, "guest", "Guest"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := m.SetReady(ctx, r.ID, "host"); err != nil {
		t.Fatalf("SetReady host: %v", err)
	}
	cur, err := m.SetReady(ctx, r.ID, "guest")
	if err != nil {
		t.Fatalf("SetReady guest: %v", err)
	}
	if cur.State != StateReady {
		t.Fatalf("expected READY after both ready, got %s", cur.State)
	}

	matchID, err := m.Start(ctx, r.ID, "host")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if matchID == "" {
		t.Fatalf("expected match id")
	}
	cur, _ = m.Get(ctx, r.ID)
	if cur.State != StatePlaying || cur.MatchID != matchID {
		t.Fatalf("expected PLAYING with match %s, got %s/%s", matchID, cur.State, cur.MatchID)
	}
	if len(st.started) != 1 || st.started[0] != matchID {
		t.Fatalf("engine should have been started exactly once: %v", st.started)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()
	r := mustReadyRoom(t, m)

	first, err := m.Start(ctx, r.ID, "host")
	if err != nil {
		t.Fatalf("Start#1: %v", err)
	}
	second, err := m.Start(ctx, r.ID, "guest")
	if err != nil {
		t.Fatalf("Start#2: %v", err)
	}
	if first != second {
		t.Fatalf("duplicate start must return the same match id: %q vs %q", first, second)
	}
	if len(st.started) != 1 {
		t.Fatalf("engine must be started once, got %d", len(st.started))
	}
}

func TestStartBeforeReadyRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	r, _ := m.Create(ctx, "host", "Host", Config{})
	if _, err := m.Join(ctx, r.ID, "guest", "Guest"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := m.Start(ctx, r.ID, "host"); err != ErrNotReady {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestJoinRejectsFullAndUnknownRoom(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	r, _ := m.Create(ctx, "host", "Host", Config{})
	if _, err := m.Join(ctx, r.ID, "guest", "Guest"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := m.Join(ctx, r.ID, "third", "Third"); err != ErrRoomFull {
		t.Fatalf("expected ErrRoomFull, got %v", err)
	}
	if _, err := m.Join(ctx, "missing", "someone", ""); err != ErrRoomGone {
		t.Fatalf("expected ErrRoomGone, got %v", err)
	}
}

func TestSingleRoomInvariant(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Create(ctx, "host", "Host", Config{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Create(ctx, "host", "Host", Config{}); err != ErrAlreadyInRoom {
		t.Fatalf("expected ErrAlreadyInRoom on second room, got %v", err)
	}
	// a guest of one room cannot create another
	r2, err := m.Create(ctx, "other", "Other", Config{})
	if err != nil {
		t.Fatalf("Create other: %v", err)
	}
	if _, err := m.Join(ctx, r2.ID, "host", "Host"); err != ErrAlreadyInRoom {
		t.Fatalf("expected ErrAlreadyInRoom on join, got %v", err)
	}
}

func TestGuestLeaveRevertsToWaiting(t *testing.T) {
	m, _, nt := newTestManager(t)
	ctx := context.Background()
	r, _ := m.Create(ctx, "host", "Host", Config{})
	if _, err := m.Join(ctx, r.ID, "guest", "Guest"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	cur, err := m.Leave(ctx, r.ID, "guest")
	if err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if cur.State != StateWaiting || cur.GuestID != "" {
		t.Fatalf("expected WAITING with empty guest, got %s/%q", cur.State, cur.GuestID)
	}
	// guest may join another room now
	r2, err := m.Create(ctx, "h2", "H2", Config{})
	if err != nil {
		t.Fatalf("Create second: %v", err)
	}
	if _, err := m.Join(ctx, r2.ID, "guest", "Guest"); err != nil {
		t.Fatalf("guest should be free to join again: %v", err)
	}
	nt.mu.Lock()
	defer nt.mu.Unlock()
	if len(nt.pushed["host"]) == 0 {
		t.Fatalf("host should have been notified about the guest leaving")
	}
}

func TestHostLeaveCancelsRoom(t *testing.T) {
	m, _, nt := newTestManager(t)
	ctx := context.Background()
	r, _ := m.Create(ctx, "host", "Host", Config{})
	if _, err := m.Join(ctx, r.ID, "guest", "Guest"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	cur, err := m.Leave(ctx, r.ID, "host")
	if err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if cur.State != StateCanceled {
		t.Fatalf("expected CANCELED, got %s", cur.State)
	}
	nt.mu.Lock()
	notified := len(nt.pushed["guest"]) > 0
	nt.mu.Unlock()
	if !notified {
		t.Fatalf("guest should have been notified about cancellation")
	}
	// both users are free again
	if _, err := m.Create(ctx, "host", "Host", Config{}); err != nil {
		t.Fatalf("host should be free after cancel: %v", err)
	}
	if _, err := m.Create(ctx, "guest", "Guest", Config{}); err != nil {
		t.Fatalf("guest should be free after cancel: %v", err)
	}
}

func TestLeaveWhilePlayingRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	r := mustReadyRoom(t, m)
	if _, err := m.Start(ctx, r.ID, "host"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := m.Leave(ctx, r.ID, "guest"); err != ErrRoomPlaying {
		t.Fatalf("expected ErrRoomPlaying, got %v", err)
	}
}

func TestFinishReleasesClaims(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	r := mustReadyRoom(t, m)
	if _, err := m.Start(ctx, r.ID, "host"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Finish(ctx, r.ID, StateFinished); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	cur, _ := m.Get(ctx, r.ID)
	if cur.State != StateFinished {
		t.Fatalf("expected FINISHED, got %s", cur.State)
	}
	if _, err := m.Create(ctx, "host", "Host", Config{}); err != nil {
		t.Fatalf("host should be free after finish: %v", err)
	}
}

func TestStartEngineFailureCancelsAndNotifies(t *testing.T) {
	m, st, nt := newTestManager(t)
	ctx := context.Background()
	r := mustReadyRoom(t, m)

	st.fail = errors.New("question bank unavailable")
	if _, err := m.Start(ctx, r.ID, "host"); err == nil {
		t.Fatalf("Start must surface the engine failure")
	}

	cur, _ := m.Get(ctx, r.ID)
	if cur.State != StateCanceled {
		t.Fatalf("expected CANCELED after engine failure, got %s", cur.State)
	}

	// both participants must observe the cancellation, not a dangling PLAYING
	nt.mu.Lock()
	for _, uid := range []string{"host", "guest"} {
		evs := nt.pushed[uid]
		if len(evs) == 0 {
			t.Fatalf("no events pushed to %s", uid)
		}
		last := evs[len(evs)-1].Payload.(battledto.RoomState)
		if last.State != string(StateCanceled) {
			t.Fatalf("%s last saw state %s, want CANCELED", uid, last.State)
		}
	}
	nt.mu.Unlock()

	// claims are released; both can move on
	if _, err := m.Create(ctx, "host", "Host", Config{}); err != nil {
		t.Fatalf("host should be free after the canceled start: %v", err)
	}
}

func mustReadyRoom(t *testing.T, m *Manager) *Room {
	t.Helper()
	ctx := context.Background()
	r, err := m.Create(ctx, "host", "Host", Config{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Join(ctx, r.ID, "guest", "Guest"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := m.SetReady(ctx, r.ID, "host"); err != nil {
		t.Fatalf("SetReady host: %v", err)
	}
	if _, err := m.SetReady(ctx, r.ID, "guest"); err != nil {
		t.Fatalf("SetReady guest: %v", err)
	}
	return r
}
