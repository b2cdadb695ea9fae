package battle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/daewon-lab/lingobattle-server/internal/presence"
	"github.com/daewon-lab/lingobattle-server/internal/questions"
	"github.com/daewon-lab/lingobattle-server/internal/rating"
	"github.com/daewon-lab/lingobattle-server/internal/room"
	"github.com/daewon-lab/lingobattle-server/pkg/battledto"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeNotifier struct {
	mu     sync.Mutex
	byUser map[string][]battledto.Envelope
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{byUser: make(map[string][]battledto.Envelope)}
}

func (n *fakeNotifier) Push(userID string, ev battledto.Envelope) {
	n.mu.Lock()
	n.byUser[userID] = append(n.byUser[userID], ev)
	n.mu.Unlock()
}

func (n *fakeNotifier) count(userID string, t battledto.EventType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, ev := range n.byUser[userID] {
		if ev.Type == t {
			c++
		}
	}
	return c
}

func (n *fakeNotifier) last(userID string, t battledto.EventType) (battledto.Envelope, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.byUser[userID]) - 1; i >= 0; i-- {
		if n.byUser[userID][i].Type == t {
			return n.byUser[userID][i], true
		}
	}
	return battledto.Envelope{}, false
}

type fakePresence struct {
	mu      sync.Mutex
	offline map[string]bool
}

func (p *fakePresence) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.offline[userID]
}

func (p *fakePresence) setOffline(userID string) {
	p.mu.Lock()
	p.offline[userID] = true
	p.mu.Unlock()
}

type fakeFinisher struct {
	mu     sync.Mutex
	closed map[string]room.State
}

func (f *fakeFinisher) Finish(_ context.Context, roomID string, terminal room.State) error {
	f.mu.Lock()
	f.closed[roomID] = terminal
	f.mu.Unlock()
	return nil
}

type resultStore interface {
	Result(matchID string) *rating.MatchRecord
}

type testRig struct {
	engine   *Engine
	notifier *fakeNotifier
	presence *fakePresence
	finisher *fakeFinisher
	repo     resultStore
	clock    *fakeClock
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	pool := []questions.Question{
		{ID: "q1", Prompt: "사과", Answer: "apple"},
		{ID: "q2", Prompt: "바다", Answer: "sea"},
		{ID: "q3", Prompt: "학교", Answer: "school"},
		{ID: "q4", Prompt: "시간", Answer: "time"},
		{ID: "q5", Prompt: "친구", Answer: "friend"},
	}
	repo := rating.NewMemoryRepository()
	store, ok := repo.(resultStore)
	if !ok {
		t.Fatalf("memory repository does not expose Result")
	}
	notifier := newFakeNotifier()
	presence := &fakePresence{offline: make(map[string]bool)}
	finisher := &fakeFinisher{closed: make(map[string]room.State)}
	clock := &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}

	e := NewEngine(questions.NewStaticSource(pool), notifier, presence, rating.NewEngine(repo), nil)
	e.now = clock.now
	e.AttachRooms(finisher)
	return &testRig{engine: e, notifier: notifier, presence: presence, finisher: finisher, repo: store, clock: clock}
}

func (rig *testRig) startMatch(t *testing.T, matchID string, toWin, maxRounds int) {
	t.Helper()
	r := &room.Room{
		ID:        "room-" + matchID,
		State:     room.StatePlaying,
		HostID:    "alice",
		HostName:  "Alice",
		GuestID:   "bob",
		GuestName: "Bob",
		MatchID:   matchID,
		Config: room.Config{
			Language:     "en",
			Format:       "word",
			RoundsToWin:  toWin,
			MaxRounds:    maxRounds,
			RoundLimitMS: 60_000, // long enough that timers never fire on their own
		},
	}
	if err := rig.engine.StartMatch(context.Background(), matchID, r); err != nil {
		t.Fatalf("StartMatch: %v", err)
	}
}

// playRound submits both answers for the current round. The question for
// round n (1-based) is pool[n-1], so the correct answer is known up front.
func (rig *testRig) playRound(t *testing.T, round int, aliceAnswer, bobAnswer string) {
	t.Helper()
	if err := rig.engine.Submit(context.Background(), "alice", round, aliceAnswer); err != nil {
		t.Fatalf("alice submit round %d: %v", round, err)
	}
	rig.clock.advance(time.Second)
	if err := rig.engine.Submit(context.Background(), "bob", round, bobAnswer); err != nil {
		t.Fatalf("bob submit round %d: %v", round, err)
	}
}

func (rig *testRig) waitPersisted(t *testing.T, matchID string) *rating.MatchRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec := rig.repo.Result(matchID); rec != nil {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("result for match %s never persisted", matchID)
	return nil
}

func TestFirstToThresholdEndsMatchEarly(t *testing.T) {
	rig := newTestRig(t)
	rig.startMatch(t, "m1", 2, 5)

	rig.playRound(t, 1, "apple", "wrong")
	rig.playRound(t, 2, "sea", "wrong")

	rec := rig.waitPersisted(t, "m1")
	if rec.WinnerID != "alice" || rec.Reason != rating.ReasonNormal {
		t.Fatalf("want alice/normal, got %s/%s", rec.WinnerID, rec.Reason)
	}
	if rec.ScoreA != 2 || rec.ScoreB != 0 {
		t.Fatalf("want score 2:0, got %d:%d", rec.ScoreA, rec.ScoreB)
	}
	if len(rec.Rounds) != 2 {
		t.Fatalf("want 2 round details, got %d", len(rec.Rounds))
	}
	if rec.DeltaA != 16 || rec.DeltaB != -16 {
		t.Fatalf("want deltas +16/-16, got %d/%d", rec.DeltaA, rec.DeltaB)
	}

	// round 3 must never have been published
	if got := rig.notifier.count("alice", battledto.EventRoundPublished); got != 2 {
		t.Fatalf("want 2 published rounds, got %d", got)
	}
	if got := rig.notifier.count("alice", battledto.EventMatchResult); got != 1 {
		t.Fatalf("want exactly one match result, got %d", got)
	}
	if rig.engine.HasActiveMatch("alice") || rig.engine.HasActiveMatch("bob") {
		t.Fatalf("players still bound to an ended match")
	}
	rig.finisher.mu.Lock()
	defer rig.finisher.mu.Unlock()
	if rig.finisher.closed["room-m1"] != room.StateFinished {
		t.Fatalf("room not finished, got %q", rig.finisher.closed["room-m1"])
	}
}

func TestBothCorrectFasterAnswerWins(t *testing.T) {
	rig := newTestRig(t)
	rig.startMatch(t, "m2", 1, 3)

	// bob answers one second earlier
	rig.clock.advance(time.Second)
	if err := rig.engine.Submit(context.Background(), "bob", 1, "APPLE "); err != nil {
		t.Fatalf("bob submit: %v", err)
	}
	rig.clock.advance(time.Second)
	if err := rig.engine.Submit(context.Background(), "alice", 1, "apple"); err != nil {
		t.Fatalf("alice submit: %v", err)
	}

	rec := rig.waitPersisted(t, "m2")
	if rec.WinnerID != "bob" {
		t.Fatalf("want bob by latency, got %q", rec.WinnerID)
	}
	if !rec.Rounds[0].CorrectA || !rec.Rounds[0].CorrectB {
		t.Fatalf("both answers should be correct: %+v", rec.Rounds[0])
	}
}

func TestEqualLatencyBothCorrectIsNoContest(t *testing.T) {
	rig := newTestRig(t)
	rig.startMatch(t, "m3", 1, 2)

	// identical submission instants
	rig.clock.advance(time.Second)
	if err := rig.engine.Submit(context.Background(), "alice", 1, "apple"); err != nil {
		t.Fatalf("alice submit: %v", err)
	}
	if err := rig.engine.Submit(context.Background(), "bob", 1, "apple"); err != nil {
		t.Fatalf("bob submit: %v", err)
	}

	ev, ok := rig.notifier.last("alice", battledto.EventRoundResult)
	if !ok {
		t.Fatalf("no round result pushed")
	}
	rr := ev.Payload.(battledto.RoundResult)
	if !rr.NoContest || rr.WinnerID != "" {
		t.Fatalf("want no-contest, got %+v", rr)
	}
	if rr.Score["alice"] != 0 || rr.Score["bob"] != 0 {
		t.Fatalf("no-contest must not move the score: %+v", rr.Score)
	}
	// the slot is consumed: round 2 is published next
	if got := rig.notifier.count("alice", battledto.EventRoundPublished); got != 2 {
		t.Fatalf("want round 2 published after no-contest, got %d events", got)
	}
}

func TestRoundTimerResolvesUnanswered(t *testing.T) {
	rig := newTestRig(t)
	rig.startMatch(t, "m4", 2, 3)

	rig.engine.onRoundTimer("m4", 0)

	ev, ok := rig.notifier.last("bob", battledto.EventRoundResult)
	if !ok {
		t.Fatalf("no round result pushed")
	}
	rr := ev.Payload.(battledto.RoundResult)
	if !rr.NoContest || !rr.TimedOut {
		t.Fatalf("want timed-out no-contest, got %+v", rr)
	}
	before := rig.notifier.count("bob", battledto.EventRoundResult)

	// duplicate timer fire for the same round is a no-op
	rig.engine.onRoundTimer("m4", 0)
	if got := rig.notifier.count("bob", battledto.EventRoundResult); got != before {
		t.Fatalf("duplicate timer produced extra results: %d != %d", got, before)
	}
}

func TestTimerAnswerRaceResolvesOnce(t *testing.T) {
	rig := newTestRig(t)
	rig.startMatch(t, "m5", 2, 3)

	if err := rig.engine.Submit(context.Background(), "alice", 1, "apple"); err != nil {
		t.Fatalf("alice submit: %v", err)
	}
	rig.engine.onRoundTimer("m5", 0)

	ev, _ := rig.notifier.last("alice", battledto.EventRoundResult)
	rr := ev.Payload.(battledto.RoundResult)
	if rr.WinnerID != "alice" {
		t.Fatalf("want alice on timer resolution, got %+v", rr)
	}
	if rr.TimedOut {
		t.Fatalf("round with a submission must not count as timed out")
	}

	// bob's late answer targets round 1, which is gone
	if err := rig.engine.Submit(context.Background(), "bob", 1, "apple"); err != ErrWrongRound {
		t.Fatalf("want ErrWrongRound for a late answer, got %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	rig := newTestRig(t)
	rig.startMatch(t, "m6", 2, 3)

	if err := rig.engine.Submit(context.Background(), "carol", 1, "apple"); err != ErrNoActiveMatch {
		t.Fatalf("want ErrNoActiveMatch for a stranger, got %v", err)
	}
	if err := rig.engine.Submit(context.Background(), "alice", 2, "apple"); err != ErrWrongRound {
		t.Fatalf("want ErrWrongRound, got %v", err)
	}
	if err := rig.engine.Submit(context.Background(), "alice", 1, "apple"); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := rig.engine.Submit(context.Background(), "alice", 1, "pear"); err != ErrAlreadyAnswered {
		t.Fatalf("want ErrAlreadyAnswered, got %v", err)
	}
}

func TestSurrenderScoredAsLoss(t *testing.T) {
	rig := newTestRig(t)
	rig.startMatch(t, "m7", 3, 5)

	if err := rig.engine.Surrender(context.Background(), "bob"); err != nil {
		t.Fatalf("surrender: %v", err)
	}

	rec := rig.waitPersisted(t, "m7")
	if rec.WinnerID != "alice" || rec.Reason != rating.ReasonSurrender {
		t.Fatalf("want alice/surrender, got %s/%s", rec.WinnerID, rec.Reason)
	}
	if rec.DeltaA != 16 || rec.DeltaB != -16 {
		t.Fatalf("surrender must rate as a plain loss: %d/%d", rec.DeltaA, rec.DeltaB)
	}
	if err := rig.engine.Surrender(context.Background(), "alice"); err != ErrNoActiveMatch {
		t.Fatalf("want ErrNoActiveMatch after end, got %v", err)
	}
}

func TestDisconnectEndsMatchForOpponent(t *testing.T) {
	rig := newTestRig(t)
	rig.startMatch(t, "m8", 3, 5)

	rig.engine.HandleDisconnect("bob")

	rec := rig.waitPersisted(t, "m8")
	if rec.WinnerID != "alice" || rec.Reason != rating.ReasonDisconnect {
		t.Fatalf("want alice/disconnect, got %s/%s", rec.WinnerID, rec.Reason)
	}
	if got := rig.notifier.count("alice", battledto.EventOpponentDisconnected); got != 1 {
		t.Fatalf("want one disconnect notice for the winner, got %d", got)
	}
	// late heartbeat cannot resurrect the match
	if rig.engine.HasActiveMatch("bob") {
		t.Fatalf("disconnected player still bound to match")
	}
	rig.engine.HandleDisconnect("bob") // second signal is a no-op
	if got := rig.notifier.count("alice", battledto.EventMatchResult); got != 1 {
		t.Fatalf("want exactly one match result, got %d", got)
	}
}

func TestOfflineAtRoundBoundaryLosesByDisconnect(t *testing.T) {
	rig := newTestRig(t)
	rig.startMatch(t, "m9", 3, 5)

	if err := rig.engine.Submit(context.Background(), "alice", 1, "apple"); err != nil {
		t.Fatalf("alice submit: %v", err)
	}
	rig.presence.setOffline("bob")
	if err := rig.engine.Submit(context.Background(), "bob", 1, "wrong"); err != nil {
		t.Fatalf("bob submit: %v", err)
	}

	rec := rig.waitPersisted(t, "m9")
	if rec.WinnerID != "alice" || rec.Reason != rating.ReasonDisconnect {
		t.Fatalf("want alice/disconnect at boundary, got %s/%s", rec.WinnerID, rec.Reason)
	}
	// round 2 never went out
	if got := rig.notifier.count("alice", battledto.EventRoundPublished); got != 1 {
		t.Fatalf("want 1 published round, got %d", got)
	}
}

func TestMaxRoundsExhaustedDraw(t *testing.T) {
	rig := newTestRig(t)
	rig.startMatch(t, "m10", 3, 2)

	rig.playRound(t, 1, "wrong", "wrong")
	rig.playRound(t, 2, "wrong", "wrong")

	rec := rig.waitPersisted(t, "m10")
	if rec.WinnerID != "" || rec.Reason != rating.ReasonNormal {
		t.Fatalf("want draw, got %q/%s", rec.WinnerID, rec.Reason)
	}
	if rec.DeltaA != 0 || rec.DeltaB != 0 {
		t.Fatalf("draw at equal ratings must not move ratings: %d/%d", rec.DeltaA, rec.DeltaB)
	}
}

func TestMaxRoundsExhaustedHigherScoreWins(t *testing.T) {
	rig := newTestRig(t)
	rig.startMatch(t, "m11", 3, 2)

	rig.playRound(t, 1, "apple", "wrong")
	rig.playRound(t, 2, "wrong", "wrong")

	rec := rig.waitPersisted(t, "m11")
	if rec.WinnerID != "alice" || rec.ScoreA != 1 || rec.ScoreB != 0 {
		t.Fatalf("want alice 1:0 on exhaustion, got %s %d:%d", rec.WinnerID, rec.ScoreA, rec.ScoreB)
	}
}

// Round resolution consults the live tracker while holding the match lock,
// and lazy eviction re-enters HandleDisconnect. The round-completing submit
// must still return and the match must end instead of hanging.
func TestStaleTrackerAtRoundBoundaryEndsMatch(t *testing.T) {
	pool := []questions.Question{
		{ID: "q1", Prompt: "사과", Answer: "apple"},
		{ID: "q2", Prompt: "바다", Answer: "sea"},
	}
	repo := rating.NewMemoryRepository()
	store := repo.(resultStore)
	notifier := newFakeNotifier()
	finisher := &fakeFinisher{closed: make(map[string]room.State)}
	tracker := presence.NewTracker(50*time.Millisecond, time.Hour)

	e := NewEngine(questions.NewStaticSource(pool), notifier, tracker, rating.NewEngine(repo), nil)
	tracker.OnExpire(e.HandleDisconnect)
	e.AttachRooms(finisher)

	tracker.Touch("alice", "s1")
	tracker.Touch("bob", "s2")
	r := &room.Room{
		ID:      "room-m13",
		State:   room.StatePlaying,
		HostID:  "alice",
		GuestID: "bob",
		MatchID: "m13",
		Config:  room.Config{Language: "en", Format: "word", RoundsToWin: 2, MaxRounds: 2, RoundLimitMS: 60_000},
	}
	if err := e.StartMatch(context.Background(), "m13", r); err != nil {
		t.Fatalf("StartMatch: %v", err)
	}

	// both records go stale mid-round
	time.Sleep(80 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Submit(context.Background(), "alice", 1, "apple")
		_ = e.Submit(context.Background(), "bob", 1, "wrong")
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("round resolution never returned with a stale tracker")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec := store.Result("m13"); rec != nil {
			if rec.Reason != rating.ReasonDisconnect {
				t.Fatalf("want disconnect outcome, got %s", rec.Reason)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("match never ended after stale tracker eviction")
}

func TestStartMatchIsIdempotent(t *testing.T) {
	rig := newTestRig(t)
	rig.startMatch(t, "m12", 2, 3)
	rig.startMatch(t, "m12", 2, 3)

	if got := rig.notifier.count("alice", battledto.EventRoundPublished); got != 1 {
		t.Fatalf("duplicate start republished round 1: %d events", got)
	}
}
