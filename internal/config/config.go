package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	ListenAddr string

	RedisURL    string
	DatabaseURL string

	QuestionAPIURL string

	// gameplay defaults; rooms may narrow them per match
	RoundTimeLimit time.Duration
	RoundsToWin    int
	MaxRounds      int

	PresenceTTL   time.Duration
	SweepInterval time.Duration

	// ranked queue
	QueueRatingWindow int
	QueuePairInterval time.Duration

	MsgOverrideDir string
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:        ":8080",
		RoundTimeLimit:    15 * time.Second,
		RoundsToWin:       3,
		MaxRounds:         5,
		PresenceTTL:       90 * time.Second,
		SweepInterval:     30 * time.Second,
		QueueRatingWindow: 200,
		QueuePairInterval: 2 * time.Second,
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.QuestionAPIURL = strings.TrimSpace(os.Getenv("QUESTION_API_URL"))
	cfg.MsgOverrideDir = strings.TrimSpace(os.Getenv("MSG_OVERRIDE_DIR"))

	if d, ok := envDuration("ROUND_TIME_LIMIT"); ok {
		cfg.RoundTimeLimit = d
	}
	if n, ok := envInt("ROUNDS_TO_WIN"); ok {
		cfg.RoundsToWin = n
	}
	if n, ok := envInt("MAX_ROUNDS"); ok {
		cfg.MaxRounds = n
	}
	if d, ok := envDuration("PRESENCE_TTL"); ok {
		cfg.PresenceTTL = d
	}
	if d, ok := envDuration("PRESENCE_SWEEP_INTERVAL"); ok {
		cfg.SweepInterval = d
	}
	if n, ok := envInt("QUEUE_RATING_WINDOW"); ok {
		cfg.QueueRatingWindow = n
	}
	if d, ok := envDuration("QUEUE_PAIR_INTERVAL"); ok {
		cfg.QueuePairInterval = d
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.QuestionAPIURL == "" {
		return nil, errors.New("QUESTION_API_URL is required")
	}
	if cfg.RoundsToWin < 1 || cfg.MaxRounds < cfg.RoundsToWin {
		return nil, errors.New("invalid round configuration: MAX_ROUNDS must be >= ROUNDS_TO_WIN >= 1")
	}

	return cfg, nil
}

// envDuration accepts Go duration strings ("45s") or bare seconds ("45").
func envDuration(key string) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d, true
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second, true
	}
	return 0, false
}

func envInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return n, true
	}
	return 0, false
}
