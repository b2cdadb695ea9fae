package questions

import (
	"context"
	"fmt"
	"sync"
)

// StaticSource serves a fixed pool of questions round-robin. Used in tests and
// when running without a question-bank endpoint.
type StaticSource struct {
	mu   sync.Mutex
	pool []Question
	next int
}

func NewStaticSource(pool []Question) *StaticSource {
	return &StaticSource{pool: pool}
}

func (s *StaticSource) Fetch(_ context.Context, lang, format string, n int) ([]Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pool) == 0 {
		return nil, fmt.Errorf("static source is empty")
	}
	out := make([]Question, 0, n)
	for i := 0; i < n; i++ {
		q := s.pool[s.next%len(s.pool)]
		s.next++
		if q.Lang == "" {
			q.Lang = lang
		}
		if q.Format == "" {
			q.Format = format
		}
		out = append(out, q)
	}
	return out, nil
}
