package rating

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Repository persists match results and season ratings. Both writes for one
// match happen in a single transaction.
type Repository interface {
	GetRating(ctx context.Context, userID, season string) (int, error)
	SaveResult(ctx context.Context, rec *MatchRecord, updated []SeasonRating) error
	Close() error
}

type repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &repository{db: db}, nil
}

func (r *repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *repository) GetRating(ctx context.Context, userID, season string) (int, error) {
	const query = `SELECT rating FROM season_ratings WHERE user_id = $1 AND season = $2`
	var rating int
	err := r.db.QueryRowContext(ctx, query, userID, season).Scan(&rating)
	if err == sql.ErrNoRows {
		return DefaultRating, nil
	}
	if err != nil {
		return 0, fmt.Errorf("select season rating: %w", err)
	}
	return rating, nil
}

// SaveResult inserts the match result and upserts both season ratings in one
// transaction. A duplicate match id returns ErrDuplicateResult with no writes.
func (r *repository) SaveResult(ctx context.Context, rec *MatchRecord, updated []SeasonRating) error {
	if rec == nil {
		return fmt.Errorf("nil match record")
	}
	roundsRaw, err := json.Marshal(rec.Rounds)
	if err != nil {
		return fmt.Errorf("marshal rounds: %w", err)
	}
	duration := rec.EndedAt.Sub(rec.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const insertResult = `
		INSERT INTO match_results (
			match_id, room_id, season,
			player_a, player_b, score_a, score_b,
			winner_id, reason, delta_a, delta_b,
			rounds, started_at, ended_at, duration_ms
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12::jsonb,$13,$14,$15)
		ON CONFLICT (match_id) DO NOTHING
		RETURNING match_id`

	var inserted sql.NullString
	err = tx.QueryRowContext(ctx, insertResult,
		rec.MatchID, rec.RoomID, rec.Season,
		rec.PlayerA, rec.PlayerB, rec.ScoreA, rec.ScoreB,
		nullable(rec.WinnerID), string(rec.Reason), rec.DeltaA, rec.DeltaB,
		roundsRaw, rec.StartedAt, rec.EndedAt, duration,
	).Scan(&inserted)
	if err == sql.ErrNoRows || (err == nil && !inserted.Valid) {
		return ErrDuplicateResult
	}
	if err != nil {
		return fmt.Errorf("insert match result: %w", err)
	}

	// Wins/Losses/Draws carry this match's increment (0 or 1); the update arm
	// adds them onto the existing counters.
	const upsertRating = `
		INSERT INTO season_ratings (user_id, season, rating, wins, losses, draws, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id, season) DO UPDATE SET
			rating = EXCLUDED.rating,
			wins = season_ratings.wins + EXCLUDED.wins,
			losses = season_ratings.losses + EXCLUDED.losses,
			draws = season_ratings.draws + EXCLUDED.draws,
			updated_at = NOW()`

	for _, sr := range updated {
		if _, err := tx.ExecContext(ctx, upsertRating,
			sr.UserID, sr.Season, sr.Rating, sr.Wins, sr.Losses, sr.Draws,
		); err != nil {
			return fmt.Errorf("upsert season rating: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit match result: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
