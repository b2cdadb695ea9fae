package presence

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/daewon-lab/lingobattle-server/internal/obslog"
)

// record is one user's liveness state. Not persisted.
type record struct {
	lastSeen  time.Time
	channelID string
}

// ExpireFunc is invoked on its own goroutine when a user's record is evicted,
// either by the sweep or lazily on read.
type ExpireFunc func(userID string)

// Tracker infers online/offline from heartbeat recency. The transport may not
// deliver a reliable close event, so "no heartbeat within TTL" is the
// operational definition of disconnection.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*record

	ttl      time.Duration
	interval time.Duration

	hookMu   sync.RWMutex
	onExpire ExpireFunc

	now func() time.Time // test seam
}

func NewTracker(ttl, sweepInterval time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	return &Tracker{
		records:  make(map[string]*record),
		ttl:      ttl,
		interval: sweepInterval,
		now:      time.Now,
	}
}

// OnExpire registers the offline hook. A single consumer is enough here; the
// battle engine fans the signal out to affected matches itself.
func (t *Tracker) OnExpire(fn ExpireFunc) {
	t.hookMu.Lock()
	t.onExpire = fn
	t.hookMu.Unlock()
}

// Touch marks the user seen now. channelID may be empty when the activity is
// not tied to a connection (e.g. an HTTP ping).
func (t *Tracker) Touch(userID, channelID string) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return
	}
	t.mu.Lock()
	r, ok := t.records[userID]
	if !ok {
		r = &record{}
		t.records[userID] = r
	}
	r.lastSeen = t.now()
	if channelID != "" {
		r.channelID = channelID
	}
	t.mu.Unlock()
}

// IsOnline reports liveness and lazily evicts an expired record so that the
// expiry is observable even between sweeps.
func (t *Tracker) IsOnline(userID string) bool {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false
	}
	t.mu.RLock()
	r, ok := t.records[userID]
	fresh := ok && t.now().Sub(r.lastSeen) < t.ttl
	t.mu.RUnlock()
	if ok && !fresh {
		t.evict(userID)
	}
	return fresh
}

// ChannelID returns the session identifier recorded with the last heartbeat.
func (t *Tracker) ChannelID(userID string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r, ok := t.records[strings.TrimSpace(userID)]; ok {
		return r.channelID
	}
	return ""
}

// Drop removes the record immediately (explicit disconnect from transport).
// The expire hook fires the same as for TTL eviction.
func (t *Tracker) Drop(userID string) {
	t.evict(strings.TrimSpace(userID))
}

// Run sweeps expired records until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

// Sweep evicts every record older than the TTL. Safe to race with Touch:
// a record refreshed between collect and evict survives.
func (t *Tracker) Sweep() int {
	cutoff := t.now().Add(-t.ttl)
	var stale []string
	t.mu.RLock()
	for id, r := range t.records {
		if r.lastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	t.mu.RUnlock()

	evicted := 0
	for _, id := range stale {
		if t.evictIfStale(id, cutoff) {
			evicted++
		}
	}
	if evicted > 0 {
		obslog.L().Debug("presence_sweep", zap.Int("evicted", evicted))
	}
	return evicted
}

func (t *Tracker) evictIfStale(userID string, cutoff time.Time) bool {
	t.mu.Lock()
	r, ok := t.records[userID]
	if !ok || !r.lastSeen.Before(cutoff) {
		t.mu.Unlock()
		return false
	}
	delete(t.records, userID)
	t.mu.Unlock()
	t.fireExpire(userID)
	return true
}

func (t *Tracker) evict(userID string) {
	if userID == "" {
		return
	}
	t.mu.Lock()
	_, ok := t.records[userID]
	if ok {
		delete(t.records, userID)
	}
	t.mu.Unlock()
	if ok {
		t.fireExpire(userID)
	}
}

// fireExpire runs the hook on its own goroutine. Evictions happen on read
// paths (IsOnline) whose callers may hold their own locks, and the hook
// re-enters those callers.
func (t *Tracker) fireExpire(userID string) {
	t.hookMu.RLock()
	fn := t.onExpire
	t.hookMu.RUnlock()
	if fn != nil {
		go fn(userID)
	}
}
