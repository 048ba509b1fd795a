package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "smm:session:"
	userKeyPrefix    = "smm:user:"
	deadlineZSetKey  = "smm:session_deadlines"

	redisCASAttempts = 5
)

// RedisStore keeps sessions in Redis: one JSON blob per session with a TTL
// safety net, a per-user index key, and a deadline-scored sorted set feeding
// the lifecycle sweep. Per-session atomicity uses optimistic WATCH
// transactions.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a store whose keys expire after ttl. The caller
// passes maxDuration + grace so abandoned records age out even if the sweep
// never removes them.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func sessionKey(sessionID string) string { return sessionKeyPrefix + sessionID }
func userKey(userID string) string       { return userKeyPrefix + userID }

func (r *RedisStore) Put(ctx context.Context, session Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return err
	}

	txn := func(tx *redis.Tx) error {
		existingID, err := tx.Get(ctx, userKey(session.UserID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if existingID != "" {
			existing, err := r.getByKey(ctx, tx, sessionKey(existingID))
			if err == nil && !existing.Terminal() {
				return ErrUserHasSession
			}
			if err != nil && !errors.Is(err, ErrSessionNotFound) {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sessionKey(session.ID), raw, r.ttl)
			pipe.Set(ctx, userKey(session.UserID), session.ID, r.ttl)
			pipe.ZAdd(ctx, deadlineZSetKey, redis.Z{Score: float64(session.Deadline.UnixMilli()), Member: session.ID})
			return nil
		})
		return err
	}

	return r.watch(ctx, txn, userKey(session.UserID))
}

func (r *RedisStore) Get(ctx context.Context, sessionID string) (Session, error) {
	return r.getByKey(ctx, r.client, sessionKey(sessionID))
}

func (r *RedisStore) GetByUser(ctx context.Context, userID string) (Session, error) {
	sessionID, err := r.client.Get(ctx, userKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	return r.Get(ctx, sessionID)
}

func (r *RedisStore) Remove(ctx context.Context, sessionID string) error {
	key := sessionKey(sessionID)
	txn := func(tx *redis.Tx) error {
		session, err := r.getByKey(ctx, tx, key)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, deadlineZSetKey, sessionID)
			return nil
		})
		if err != nil {
			return err
		}
		// Drop the user index only if it still points at this session.
		current, err := r.client.Get(ctx, userKey(session.UserID)).Result()
		if err == nil && current == sessionID {
			return r.client.Del(ctx, userKey(session.UserID)).Err()
		}
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		return nil
	}
	return r.watch(ctx, txn, key)
}

func (r *RedisStore) Transition(ctx context.Context, sessionID string, from []Status, to Status, deadline time.Time) (Session, bool, error) {
	key := sessionKey(sessionID)
	var out Session
	var changed bool

	txn := func(tx *redis.Tx) error {
		session, err := r.getByKey(ctx, tx, key)
		if err != nil {
			return err
		}
		if !statusIn(session.Status, from) {
			out, changed = session, false
			return nil
		}
		session.Status = to
		session.Deadline = deadline
		raw, err := json.Marshal(session)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, redis.KeepTTL)
			pipe.ZAdd(ctx, deadlineZSetKey, redis.Z{Score: float64(deadline.UnixMilli()), Member: sessionID})
			return nil
		})
		if err != nil {
			return err
		}
		out, changed = session, true
		return nil
	}

	if err := r.watch(ctx, txn, key); err != nil {
		return Session{}, false, err
	}
	return out, changed, nil
}

func (r *RedisStore) Touch(ctx context.Context, sessionID string, at, deadline time.Time) error {
	key := sessionKey(sessionID)
	txn := func(tx *redis.Tx) error {
		session, err := r.getByKey(ctx, tx, key)
		if err != nil {
			return err
		}
		if session.Status != StatusActive {
			return nil
		}
		session.LastActivity = at
		session.Deadline = deadline
		raw, err := json.Marshal(session)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, redis.KeepTTL)
			pipe.ZAdd(ctx, deadlineZSetKey, redis.Z{Score: float64(deadline.UnixMilli()), Member: sessionID})
			return nil
		})
		return err
	}
	return r.watch(ctx, txn, key)
}

func (r *RedisStore) ListExpiringBefore(ctx context.Context, ts time.Time) ([]Session, error) {
	ids, err := r.client.ZRangeByScore(ctx, deadlineZSetKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(ts.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	return r.fetch(ctx, ids)
}

func (r *RedisStore) List(ctx context.Context) ([]Session, error) {
	ids, err := r.client.ZRange(ctx, deadlineZSetKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return r.fetch(ctx, ids)
}

func (r *RedisStore) fetch(ctx context.Context, sessionIDs []string) ([]Session, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}
	keys := make([]string, len(sessionIDs))
	for i, id := range sessionIDs {
		keys[i] = sessionKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	sessions := make([]Session, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			// Blob aged out via TTL; drop the stale index entry.
			_ = r.client.ZRem(ctx, deadlineZSetKey, sessionIDs[i]).Err()
			continue
		}
		var session Session
		if err := json.Unmarshal([]byte(raw), &session); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", sessionIDs[i], err)
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisStore) getByKey(ctx context.Context, client redisGetter, key string) (Session, error) {
	raw, err := client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	return session, nil
}

func (r *RedisStore) watch(ctx context.Context, txn func(*redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < redisCASAttempts; attempt++ {
		err := r.client.Watch(ctx, txn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("session update contention on %v: %w", keys, redis.TxFailedErr)
}
