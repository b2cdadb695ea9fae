package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/daewon-lab/lingobattle-server/internal/battle"
	appcfg "github.com/daewon-lab/lingobattle-server/internal/config"
	"github.com/daewon-lab/lingobattle-server/internal/gateway"
	"github.com/daewon-lab/lingobattle-server/internal/matchq"
	"github.com/daewon-lab/lingobattle-server/internal/msgcat"
	"github.com/daewon-lab/lingobattle-server/internal/obslog"
	"github.com/daewon-lab/lingobattle-server/internal/presence"
	"github.com/daewon-lab/lingobattle-server/internal/questions"
	"github.com/daewon-lab/lingobattle-server/internal/rating"
	"github.com/daewon-lab/lingobattle-server/internal/room"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis url error: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("redis connect error: %v", err)
	}
	cancel()

	var repo rating.Repository
	if cfg.DatabaseURL != "" {
		repo, err = rating.NewRepository(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("rating repo init error: %v", err)
		}
	} else {
		obslog.L().Warn("no DATABASE_URL configured, ratings are in-memory only")
		repo = rating.NewMemoryRepository()
	}

	cat, err := msgcat.New(cfg.MsgOverrideDir)
	if err != nil {
		log.Fatalf("message catalog error: %v", err)
	}

	tracker := presence.NewTracker(cfg.PresenceTTL, cfg.SweepInterval)
	source := questions.NewClient(cfg.QuestionAPIURL,
		questions.WithTimeout(5*time.Second),
		questions.WithRetry(2),
	)

	gw := gateway.New(tracker)
	ratings := rating.NewEngine(repo)
	engine := battle.NewEngine(source, gw, tracker, ratings, cat)
	tracker.OnExpire(engine.HandleDisconnect)

	defaults := room.Config{
		Language:     "en",
		Format:       "word",
		RoundsToWin:  cfg.RoundsToWin,
		MaxRounds:    cfg.MaxRounds,
		RoundLimitMS: cfg.RoundTimeLimit.Milliseconds(),
	}
	rooms := room.NewManager(room.NewStore(rdb), gw, engine, cat, defaults)
	engine.AttachRooms(rooms)

	queue := matchq.New(rdb, ratings, rooms, cfg.QueueRatingWindow, cfg.QueuePairInterval)
	gw.AttachCore(rooms, engine, queue)

	bgCtx, stopBg := context.WithCancel(context.Background())
	go tracker.Run(bgCtx)
	go queue.Run(bgCtx)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	r.Get("/ws", gw.Handler())
	r.Get("/v1/rooms/{roomID}", func(w http.ResponseWriter, req *http.Request) {
		snap, err := rooms.Get(req.Context(), chi.URLParam(req, "roomID"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		obslog.L().Info("server_listen", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	obslog.L().Info("server_shutdown")

	shutCtx, cancelShut := context.WithTimeout(context.Background(), 10*time.Second)
	_ = srv.Shutdown(shutCtx)
	cancelShut()
	stopBg()
	_ = rdb.Close()
	_ = repo.Close()
}
