package matchq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/daewon-lab/lingobattle-server/internal/obslog"
	"github.com/daewon-lab/lingobattle-server/internal/room"
)

const (
	keyBuckets      = "battle:queue:buckets"
	keyQueuePrefix  = "battle:queue:z:"
	keyTicketPrefix = "battle:queue:ticket:"
)

func bucketOf(lang, format string) string { return lang + ":" + format }
func keyQueue(bucket string) string       { return keyQueuePrefix + bucket }
func keyTickets(bucket string) string     { return keyTicketPrefix + bucket }

// Ticket is one user waiting in the ranked queue.
type Ticket struct {
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	Language   string    `json:"language"`
	Format     string    `json:"format"`
	Rating     int       `json:"rating"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// RatingSource supplies the season rating used as the queue score.
type RatingSource interface {
	CurrentRating(ctx context.Context, userID string) (int, error)
}

// Pairer turns a matched pair into a running match. Implemented by the room
// manager's ranked path.
type Pairer interface {
	CreateRanked(ctx context.Context, hostID, hostName, guestID, guestName string, cfg room.Config) (string, error)
}

var (
	ErrAlreadyQueued = errf("user already waiting in queue")
	ErrNotQueued     = errf("user is not in the queue")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }

// Queue is the ranked matchmaking queue. Entries live in a sorted set per
// (language, format) bucket, scored by season rating, so the closest-rated
// pair is always adjacent.
type Queue struct {
	rdb      *redis.Client
	ratings  RatingSource
	pairer   Pairer
	window   int
	interval time.Duration
}

func New(rdb *redis.Client, ratings RatingSource, pairer Pairer, window int, interval time.Duration) *Queue {
	if window <= 0 {
		window = 200
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Queue{rdb: rdb, ratings: ratings, pairer: pairer, window: window, interval: interval}
}

// Enqueue places the user in the bucket for their language/format choice.
func (q *Queue) Enqueue(ctx context.Context, userID, name, lang, format string) (*Ticket, error) {
	if userID == "" || lang == "" || format == "" {
		return nil, fmt.Errorf("invalid queue request")
	}
	bucket := bucketOf(lang, format)

	if err := q.rdb.ZScore(ctx, keyQueue(bucket), userID).Err(); err == nil {
		return nil, ErrAlreadyQueued
	} else if err != redis.Nil {
		return nil, fmt.Errorf("queue lookup: %w", err)
	}

	r, err := q.ratings.CurrentRating(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load rating: %w", err)
	}
	t := &Ticket{UserID: userID, Name: name, Language: lang, Format: format, Rating: r, EnqueuedAt: time.Now()}
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, keyQueue(bucket), redis.Z{Score: float64(r), Member: userID})
	pipe.HSet(ctx, keyTickets(bucket), userID, raw)
	pipe.SAdd(ctx, keyBuckets, bucket)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	obslog.L().Info("queue_enqueue", zap.String("user_id", userID), zap.String("bucket", bucket), zap.Int("rating", r))
	return t, nil
}

// Cancel removes the user from the bucket.
func (q *Queue) Cancel(ctx context.Context, userID, lang, format string) error {
	bucket := bucketOf(lang, format)
	removed, err := q.rdb.ZRem(ctx, keyQueue(bucket), userID).Result()
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	q.rdb.HDel(ctx, keyTickets(bucket), userID)
	if removed == 0 {
		return ErrNotQueued
	}
	obslog.L().Info("queue_cancel", zap.String("user_id", userID), zap.String("bucket", bucket))
	return nil
}

// Drop removes the user from every bucket. Used when a connection dies while
// its user is waiting.
func (q *Queue) Drop(ctx context.Context, userID string) {
	buckets, err := q.rdb.SMembers(ctx, keyBuckets).Result()
	if err != nil {
		return
	}
	for _, b := range buckets {
		if n, _ := q.rdb.ZRem(ctx, keyQueue(b), userID).Result(); n > 0 {
			q.rdb.HDel(ctx, keyTickets(b), userID)
		}
	}
}

// Run sweeps buckets on a fixed cadence until ctx is canceled. The sweep is
// the single pair-forming consumer; Enqueue and Cancel may race it and are
// reconciled through the ZRem counts in pairBucket.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Sweep(ctx)
		}
	}
}

// Sweep tries to pair every bucket once.
func (q *Queue) Sweep(ctx context.Context) {
	buckets, err := q.rdb.SMembers(ctx, keyBuckets).Result()
	if err != nil {
		obslog.L().Warn("queue_sweep_error", zap.Error(err))
		return
	}
	for _, b := range buckets {
		q.pairBucket(ctx, b)
	}
}

// pairBucket greedily pairs adjacent entries whose rating gap fits the
// window. The sorted set keeps entries ordered by rating, so the best
// candidate for any entry is one of its neighbors.
func (q *Queue) pairBucket(ctx context.Context, bucket string) {
	entries, err := q.rdb.ZRangeWithScores(ctx, keyQueue(bucket), 0, -1).Result()
	if err != nil {
		obslog.L().Warn("queue_range_error", zap.String("bucket", bucket), zap.Error(err))
		return
	}
	for i := 0; i+1 < len(entries); {
		a, b := entries[i], entries[i+1]
		if int(b.Score-a.Score) > q.window {
			i++
			continue
		}
		q.formPair(ctx, bucket, a.Member.(string), b.Member.(string))
		i += 2
	}
}

func (q *Queue) formPair(ctx context.Context, bucket, aID, bID string) {
	// claim both entries before anything else; a raced Cancel shows up as a
	// short removal count and aborts the pair
	removed, err := q.rdb.ZRem(ctx, keyQueue(bucket), aID, bID).Result()
	if err != nil || removed != 2 {
		return
	}
	ta, okA := q.takeTicket(ctx, bucket, aID)
	tb, okB := q.takeTicket(ctx, bucket, bID)
	if !okA || !okB {
		q.requeueSurvivors(ctx, bucket, ta, tb)
		return
	}

	lang, format, _ := strings.Cut(bucket, ":")
	cfg := room.Config{Language: lang, Format: format}
	matchID, err := q.pairer.CreateRanked(ctx, ta.UserID, ta.Name, tb.UserID, tb.Name, cfg)
	if err != nil {
		obslog.L().Warn("queue_pair_error",
			zap.String("bucket", bucket),
			zap.String("user_a", aID),
			zap.String("user_b", bID),
			zap.Error(err),
		)
		if errors.Is(err, room.ErrAlreadyInRoom) {
			// one of the pair sits in a room already; requeueing would just
			// fail again next sweep, so both re-enter by hand
			return
		}
		q.requeueSurvivors(ctx, bucket, ta, tb)
		return
	}
	obslog.L().Info("queue_paired",
		zap.String("bucket", bucket),
		zap.String("match_id", matchID),
		zap.String("user_a", aID),
		zap.String("user_b", bID),
		zap.Int("rating_a", ta.Rating),
		zap.Int("rating_b", tb.Rating),
	)
}

func (q *Queue) takeTicket(ctx context.Context, bucket, userID string) (*Ticket, bool) {
	raw, err := q.rdb.HGet(ctx, keyTickets(bucket), userID).Result()
	if err != nil {
		return nil, false
	}
	q.rdb.HDel(ctx, keyTickets(bucket), userID)
	var t Ticket
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, false
	}
	return &t, true
}

func (q *Queue) requeueSurvivors(ctx context.Context, bucket string, tickets ...*Ticket) {
	for _, t := range tickets {
		if t == nil {
			continue
		}
		raw, err := json.Marshal(t)
		if err != nil {
			continue
		}
		q.rdb.ZAdd(ctx, keyQueue(bucket), redis.Z{Score: float64(t.Rating), Member: t.UserID})
		q.rdb.HSet(ctx, keyTickets(bucket), t.UserID, raw)
	}
}
