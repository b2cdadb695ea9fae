package room

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const ttlRoom = 24 * time.Hour

// Store wraps the Redis representation of lobby state.
type Store struct{ rdb *redis.Client }

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func (s *Store) keyRoom(id string) string     { return "battle:room:" + strings.TrimSpace(id) }
func (s *Store) keyUserIdx(uid string) string { return "battle:room:index:user:" + strings.TrimSpace(uid) }

func (s *Store) Save(ctx context.Context, r *Room) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.keyRoom(r.ID), raw, ttlRoom).Err()
}

func (s *Store) Load(ctx context.Context, id string) (*Room, error) {
	raw, err := s.rdb.Get(ctx, s.keyRoom(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r Room
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ClaimUser atomically records that the user participates in roomID. Returns
// false when the user already holds a non-terminal room — the single-room
// invariant lives on this key.
func (s *Store) ClaimUser(ctx context.Context, userID, roomID string) (bool, error) {
	return s.rdb.SetNX(ctx, s.keyUserIdx(userID), roomID, ttlRoom).Result()
}

// ReleaseUser clears the user's room claim, but only if it still points at
// roomID; a stale release must not break a newer claim.
func (s *Store) ReleaseUser(ctx context.Context, userID, roomID string) error {
	cur, err := s.rdb.Get(ctx, s.keyUserIdx(userID)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if cur != roomID {
		return nil
	}
	return s.rdb.Del(ctx, s.keyUserIdx(userID)).Err()
}

// RoomOfUser returns the room the user currently claims, if any.
func (s *Store) RoomOfUser(ctx context.Context, userID string) (string, error) {
	id, err := s.rdb.Get(ctx, s.keyUserIdx(userID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return id, err
}

// Watch runs fn inside a WATCH on the room key for optimistic concurrency.
func (s *Store) Watch(ctx context.Context, roomID string, fn func(tx *redis.Tx) error) error {
	return s.rdb.Watch(ctx, fn, s.keyRoom(roomID))
}

// SaveTx writes the room inside an open transaction.
func (s *Store) SaveTx(ctx context.Context, tx *redis.Tx, r *Room) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	pipe := tx.TxPipeline()
	pipe.Set(ctx, s.keyRoom(r.ID), raw, ttlRoom)
	_, err = pipe.Exec(ctx)
	return err
}

// LoadTx reads the room under the transaction's WATCH.
func (s *Store) LoadTx(ctx context.Context, tx *redis.Tx, id string) (*Room, error) {
	raw, err := tx.Get(ctx, s.keyRoom(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r Room
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
