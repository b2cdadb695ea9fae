package rating

import (
	"context"
	"strings"
	"sync"
)

// memrepo is an in-memory Repository used in tests and when no database is
// configured.
type memrepo struct {
	mu      sync.RWMutex
	results map[string]*MatchRecord
	ratings map[string]*SeasonRating // userID|season
}

func NewMemoryRepository() Repository {
	return &memrepo{
		results: make(map[string]*MatchRecord),
		ratings: make(map[string]*SeasonRating),
	}
}

func (m *memrepo) Close() error { return nil }

func (m *memrepo) GetRating(_ context.Context, userID, season string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sr, ok := m.ratings[m.key(userID, season)]; ok {
		return sr.Rating, nil
	}
	return DefaultRating, nil
}

func (m *memrepo) SaveResult(_ context.Context, rec *MatchRecord, updated []SeasonRating) error {
	if rec == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.results[rec.MatchID]; exists {
		return ErrDuplicateResult
	}
	cp := *rec
	m.results[rec.MatchID] = &cp
	for _, sr := range updated {
		key := m.key(sr.UserID, sr.Season)
		cur, ok := m.ratings[key]
		if !ok {
			srCopy := sr
			m.ratings[key] = &srCopy
			continue
		}
		cur.Rating = sr.Rating
		cur.Wins += sr.Wins
		cur.Losses += sr.Losses
		cur.Draws += sr.Draws
		cur.UpdatedAt = sr.UpdatedAt
	}
	return nil
}

// Result returns the stored record for assertions in tests.
func (m *memrepo) Result(matchID string) *MatchRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.results[matchID]
}

func (m *memrepo) key(userID, season string) string {
	return strings.TrimSpace(userID) + "|" + strings.TrimSpace(season)
}
