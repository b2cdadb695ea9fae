package rating

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/daewon-lab/lingobattle-server/internal/obslog"
)

// Engine computes rating deltas for a finished match and persists the result
// together with the updated season ratings. Invoked exactly once per match.
type Engine struct {
	repo   Repository
	season func(time.Time) string
}

func NewEngine(repo Repository) *Engine {
	return &Engine{repo: repo, season: QuarterSeason}
}

// QuarterSeason buckets ratings by calendar quarter, e.g. "2026-Q3".
func QuarterSeason(t time.Time) string {
	return fmt.Sprintf("%d-Q%d", t.Year(), (int(t.Month())-1)/3+1)
}

// CurrentRating returns the user's rating for the running season, defaulting
// for users without a row yet.
func (e *Engine) CurrentRating(ctx context.Context, userID string) (int, error) {
	return e.repo.GetRating(ctx, userID, e.season(time.Now()))
}

// Resolve loads both season ratings and fills rec.DeltaA/DeltaB without
// persisting anything. It returns the pre-match ratings. Deterministic until
// Record commits, so callers may push the deltas to clients first.
func (e *Engine) Resolve(ctx context.Context, rec *MatchRecord) (ra, rb int, err error) {
	if rec == nil || rec.PlayerA == "" || rec.PlayerB == "" {
		return 0, 0, fmt.Errorf("invalid match record")
	}
	if rec.Season == "" {
		rec.Season = e.season(rec.EndedAt)
	}
	ra, err = e.repo.GetRating(ctx, rec.PlayerA, rec.Season)
	if err != nil {
		return 0, 0, fmt.Errorf("load rating %s: %w", rec.PlayerA, err)
	}
	rb, err = e.repo.GetRating(ctx, rec.PlayerB, rec.Season)
	if err != nil {
		return 0, 0, fmt.Errorf("load rating %s: %w", rec.PlayerB, err)
	}

	// surrender/disconnect count as a plain loss for the offender
	scoreA := ScoreDraw
	switch rec.WinnerID {
	case rec.PlayerA:
		scoreA = ScoreWin
	case rec.PlayerB:
		scoreA = ScoreLoss
	}
	rec.DeltaA = Delta(ra, rb, scoreA)
	rec.DeltaB = Delta(rb, ra, 1-scoreA)
	return ra, rb, nil
}

// Record resolves deltas for rec and persists everything atomically. A
// duplicate match id is reported as already-recorded: the caller treats it
// as success.
func (e *Engine) Record(ctx context.Context, rec *MatchRecord) (map[string]int, error) {
	ra, rb, err := e.Resolve(ctx, rec)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	updated := []SeasonRating{
		{UserID: rec.PlayerA, Season: rec.Season, Rating: ra + rec.DeltaA, UpdatedAt: now},
		{UserID: rec.PlayerB, Season: rec.Season, Rating: rb + rec.DeltaB, UpdatedAt: now},
	}
	switch {
	case rec.WinnerID == rec.PlayerA:
		updated[0].Wins, updated[1].Losses = 1, 1
	case rec.WinnerID == rec.PlayerB:
		updated[1].Wins, updated[0].Losses = 1, 1
	default:
		updated[0].Draws, updated[1].Draws = 1, 1
	}

	if err := e.repo.SaveResult(ctx, rec, updated); err != nil {
		if errors.Is(err, ErrDuplicateResult) {
			obslog.L().Warn("rating_duplicate_result", zap.String("match_id", rec.MatchID))
			return map[string]int{rec.PlayerA: rec.DeltaA, rec.PlayerB: rec.DeltaB}, nil
		}
		return nil, err
	}
	obslog.L().Info("rating_record",
		zap.String("match_id", rec.MatchID),
		zap.String("season", rec.Season),
		zap.String("winner", rec.WinnerID),
		zap.String("reason", string(rec.Reason)),
		zap.Int("delta_a", rec.DeltaA),
		zap.Int("delta_b", rec.DeltaB),
	)
	return map[string]int{rec.PlayerA: rec.DeltaA, rec.PlayerB: rec.DeltaB}, nil
}
