package room

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/daewon-lab/lingobattle-server/internal/msgcat"
	"github.com/daewon-lab/lingobattle-server/internal/obslog"
	"github.com/daewon-lab/lingobattle-server/pkg/battledto"
)

// Notifier pushes an event to one user's channel. Implemented by the gateway.
type Notifier interface {
	Push(userID string, ev battledto.Envelope)
}

// MatchStarter creates the live match once a room transitions to PLAYING.
// Implemented by the battle engine.
type MatchStarter interface {
	StartMatch(ctx context.Context, matchID string, r *Room) error
}

type Manager struct {
	store    *Store
	notifier Notifier
	starter  MatchStarter
	cat      *msgcat.Catalog
	defaults Config
}

func NewManager(store *Store, notifier Notifier, starter MatchStarter, cat *msgcat.Catalog, defaults Config) *Manager {
	return &Manager{store: store, notifier: notifier, starter: starter, cat: cat, defaults: defaults}
}

// Create opens a WAITING room owned by hostID. Fails when the host already
// participates in a non-terminal room.
func (m *Manager) Create(ctx context.Context, hostID, hostName string, cfg Config) (*Room, error) {
	if hostID == "" {
		return nil, ErrInvalidArgs
	}
	cfg = m.applyDefaults(cfg)

	id := uuid.NewString()
	ok, err := m.store.ClaimUser(ctx, hostID, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlreadyInRoom
	}

	r := &Room{
		ID:        id,
		State:     StateWaiting,
		HostID:    hostID,
		HostName:  hostName,
		Ready:     map[string]bool{hostID: false},
		Config:    cfg,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := m.store.Save(ctx, r); err != nil {
		_ = m.store.ReleaseUser(ctx, hostID, id)
		return nil, err
	}
	obslog.L().Info("room_create", zap.String("room_id", id), zap.String("host_id", hostID), zap.String("language", cfg.Language))
	m.pushState(r, "")
	return r, nil
}

// CreateRanked seats a matched pair into a fresh room, marks both ready and
// issues a system start. Used by the ranked queue; either claim failing aborts
// the pairing so the queue can retry with other candidates.
func (m *Manager) CreateRanked(ctx context.Context, hostID, hostName, guestID, guestName string, cfg Config) (string, error) {
	if hostID == "" || guestID == "" || hostID == guestID {
		return "", ErrInvalidArgs
	}
	cfg = m.applyDefaults(cfg)

	id := uuid.NewString()
	ok, err := m.store.ClaimUser(ctx, hostID, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrAlreadyInRoom
	}
	ok, err = m.store.ClaimUser(ctx, guestID, id)
	if err != nil || !ok {
		_ = m.store.ReleaseUser(ctx, hostID, id)
		if err != nil {
			return "", err
		}
		return "", ErrAlreadyInRoom
	}

	r := &Room{
		ID:        id,
		State:     StateReady,
		HostID:    hostID,
		HostName:  hostName,
		GuestID:   guestID,
		GuestName: guestName,
		Ready:     map[string]bool{hostID: true, guestID: true},
		Config:    cfg,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := m.store.Save(ctx, r); err != nil {
		_ = m.store.ReleaseUser(ctx, hostID, id)
		_ = m.store.ReleaseUser(ctx, guestID, id)
		return "", err
	}
	obslog.L().Info("room_create_ranked", zap.String("room_id", id), zap.String("host_id", hostID), zap.String("guest_id", guestID))

	matchID, err := m.Start(ctx, id, "")
	if err != nil {
		return "", err
	}
	return matchID, nil
}

// Join seats guestID into a WAITING room. The guest slot is protected by a
// WATCH on the room key; the single-room invariant by the user index claim.
func (m *Manager) Join(ctx context.Context, roomID, guestID, guestName string) (*Room, error) {
	if roomID == "" || guestID == "" {
		return nil, ErrInvalidArgs
	}
	ok, err := m.store.ClaimUser(ctx, guestID, roomID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlreadyInRoom
	}

	var r *Room
	err = m.store.Watch(ctx, roomID, func(tx *redis.Tx) error {
		cur, err := m.store.LoadTx(ctx, tx, roomID)
		if err != nil {
			return err
		}
		if cur == nil {
			return ErrRoomGone
		}
		if cur.State != StateWaiting {
			return ErrRoomNotOpen
		}
		if cur.GuestID != "" {
			return ErrRoomFull
		}
		if cur.HostID == guestID {
			return ErrInvalidArgs
		}
		cur.GuestID = guestID
		cur.GuestName = guestName
		cur.Ready[guestID] = false
		cur.UpdatedAt = time.Now()
		if err := m.store.SaveTx(ctx, tx, cur); err != nil {
			return err
		}
		r = cur
		return nil
	})
	if err != nil {
		_ = m.store.ReleaseUser(ctx, guestID, roomID)
		if errors.Is(err, redis.TxFailedErr) {
			return nil, ErrRoomFull
		}
		return nil, err
	}
	obslog.L().Info("room_join", zap.String("room_id", roomID), zap.String("guest_id", guestID))
	m.pushState(r, m.render("room.guest_joined", map[string]any{"Guest": guestName}))
	return r, nil
}

// SetReady records readiness; when both participants are ready the room
// becomes eligible to start.
func (m *Manager) SetReady(ctx context.Context, roomID, userID string) (*Room, error) {
	if roomID == "" || userID == "" {
		return nil, ErrInvalidArgs
	}
	var r *Room
	err := m.store.Watch(ctx, roomID, func(tx *redis.Tx) error {
		cur, err := m.store.LoadTx(ctx, tx, roomID)
		if err != nil {
			return err
		}
		if cur == nil {
			return ErrRoomGone
		}
		if cur.State != StateWaiting && cur.State != StateReady {
			return ErrRoomNotOpen
		}
		if userID != cur.HostID && userID != cur.GuestID {
			return ErrNotInRoom
		}
		cur.Ready[userID] = true
		if cur.bothReady() {
			cur.State = StateReady
		}
		cur.UpdatedAt = time.Now()
		if err := m.store.SaveTx(ctx, tx, cur); err != nil {
			return err
		}
		r = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	text := ""
	if r.State == StateReady {
		text = m.render("room.ready", nil)
	}
	m.pushState(r, text)
	return r, nil
}

// Start transitions READY → PLAYING and creates the match. Duplicate start
// requests are a no-op returning the existing match id.
func (m *Manager) Start(ctx context.Context, roomID, userID string) (string, error) {
	if roomID == "" {
		return "", ErrInvalidArgs
	}
	matchID := uuid.NewString()
	var r *Room
	started := false
	err := m.store.Watch(ctx, roomID, func(tx *redis.Tx) error {
		cur, err := m.store.LoadTx(ctx, tx, roomID)
		if err != nil {
			return err
		}
		if cur == nil {
			return ErrRoomGone
		}
		if cur.MatchID != "" {
			matchID = cur.MatchID
			r = cur
			return nil
		}
		// userID == "" is a system start (ranked queue)
		if userID != "" && userID != cur.HostID && userID != cur.GuestID {
			return ErrNotInRoom
		}
		if cur.State != StateReady {
			return ErrNotReady
		}
		cur.State = StatePlaying
		cur.MatchID = matchID
		cur.UpdatedAt = time.Now()
		if err := m.store.SaveTx(ctx, tx, cur); err != nil {
			return err
		}
		r = cur
		started = true
		return nil
	})
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			// lost the race to a concurrent start; surface the winner's match
			if cur, lerr := m.store.Load(ctx, roomID); lerr == nil && cur != nil && cur.MatchID != "" {
				return cur.MatchID, nil
			}
		}
		return "", err
	}
	if !started {
		return matchID, nil
	}

	obslog.L().Info("room_start", zap.String("room_id", roomID), zap.String("match_id", matchID))
	m.pushState(r, "")
	if err := m.starter.StartMatch(ctx, matchID, r); err != nil {
		obslog.L().Error("room_start_engine_error", zap.String("room_id", roomID), zap.String("match_id", matchID), zap.Error(err))
		_ = m.Finish(ctx, roomID, StateCanceled)
		// participants already saw PLAYING; tell them the room is gone
		canceled := *r
		canceled.State = StateCanceled
		canceled.MatchID = ""
		m.pushState(&canceled, m.render("room.start_failed", nil))
		return "", err
	}
	return matchID, nil
}

// Leave handles abandonment before PLAYING. Leaving during PLAYING is the
// battle engine's disconnect path, not a room operation.
func (m *Manager) Leave(ctx context.Context, roomID, userID string) (*Room, error) {
	if roomID == "" || userID == "" {
		return nil, ErrInvalidArgs
	}
	var r *Room
	var wasGuest bool
	var guestName string
	err := m.store.Watch(ctx, roomID, func(tx *redis.Tx) error {
		cur, err := m.store.LoadTx(ctx, tx, roomID)
		if err != nil {
			return err
		}
		if cur == nil {
			return ErrRoomGone
		}
		if cur.State.Terminal() {
			return ErrRoomGone
		}
		if cur.State == StatePlaying {
			return ErrRoomPlaying
		}
		switch userID {
		case cur.HostID:
			cur.State = StateCanceled
		case cur.GuestID:
			wasGuest = true
			guestName = cur.GuestName
			cur.GuestID = ""
			cur.GuestName = ""
			cur.Ready = map[string]bool{cur.HostID: false}
			cur.State = StateWaiting
		default:
			return ErrNotInRoom
		}
		cur.UpdatedAt = time.Now()
		if err := m.store.SaveTx(ctx, tx, cur); err != nil {
			return err
		}
		r = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	_ = m.store.ReleaseUser(ctx, userID, roomID)
	if r.State == StateCanceled {
		// host left; free the guest claim as well
		if r.GuestID != "" {
			_ = m.store.ReleaseUser(ctx, r.GuestID, roomID)
		}
		obslog.L().Info("room_cancel", zap.String("room_id", roomID), zap.String("host_id", userID))
		m.pushState(r, m.render("room.canceled", nil))
		return r, nil
	}
	obslog.L().Info("room_guest_leave", zap.String("room_id", roomID), zap.String("guest_id", userID))
	if wasGuest {
		m.pushState(r, m.render("room.guest_left", map[string]any{"Guest": guestName}))
	}
	return r, nil
}

// Finish marks the room terminal once its match ends and releases both user
// claims. Idempotent.
func (m *Manager) Finish(ctx context.Context, roomID string, terminal State) error {
	if !terminal.Terminal() {
		return ErrInvalidArgs
	}
	var r *Room
	err := m.store.Watch(ctx, roomID, func(tx *redis.Tx) error {
		cur, err := m.store.LoadTx(ctx, tx, roomID)
		if err != nil {
			return err
		}
		if cur == nil || cur.State.Terminal() {
			return nil
		}
		cur.State = terminal
		cur.UpdatedAt = time.Now()
		if err := m.store.SaveTx(ctx, tx, cur); err != nil {
			return err
		}
		r = cur
		return nil
	})
	if err != nil || r == nil {
		return err
	}
	for _, uid := range r.Participants() {
		_ = m.store.ReleaseUser(ctx, uid, roomID)
	}
	return nil
}

// Get loads a room snapshot.
func (m *Manager) Get(ctx context.Context, roomID string) (*Room, error) {
	r, err := m.store.Load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrRoomGone
	}
	return r, nil
}

func (m *Manager) applyDefaults(cfg Config) Config {
	d := m.defaults
	if cfg.Language == "" {
		cfg.Language = d.Language
	}
	if cfg.Format == "" {
		cfg.Format = d.Format
	}
	if cfg.RoundsToWin <= 0 {
		cfg.RoundsToWin = d.RoundsToWin
	}
	if cfg.MaxRounds < cfg.RoundsToWin {
		cfg.MaxRounds = cfg.RoundsToWin*2 - 1
	}
	if cfg.RoundLimitMS <= 0 {
		cfg.RoundLimitMS = d.RoundLimitMS
	}
	return cfg
}

func (m *Manager) render(key string, data map[string]any) string {
	if m.cat == nil {
		return ""
	}
	s, err := m.cat.Render(key, data)
	if err != nil {
		return ""
	}
	return s
}

func (m *Manager) pushState(r *Room, text string) {
	if m.notifier == nil || r == nil {
		return
	}
	payload := battledto.RoomState{
		RoomID:   r.ID,
		State:    string(r.State),
		HostID:   r.HostID,
		GuestID:  r.GuestID,
		Ready:    r.Ready,
		MatchID:  r.MatchID,
		Language: r.Config.Language,
		Format:   r.Config.Format,
	}
	ev := battledto.Envelope{Type: battledto.EventRoomState, Text: text, Payload: payload, SentAt: time.Now()}
	for _, uid := range r.Participants() {
		m.notifier.Push(uid, ev)
	}
}
