package auth

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Grace period a refresh record outlives its expiry so Refresh can still
// report ErrRefreshExpired rather than ErrRefreshNotFound.
const refreshGrace = time.Hour

// RedisTokenStore keeps refresh records in Redis so several API replicas
// share rotation state.
type RedisTokenStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisTokenStore(client redis.UniversalClient, prefix string) *RedisTokenStore {
	if prefix == "" {
		prefix = "tradeguard:"
	}
	return &RedisTokenStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisTokenStore) recordKey(key string) string { return s.prefix + "refresh:" + key }
func (s *RedisTokenStore) indexKey(id string) string   { return s.prefix + "refresh:user:" + id }

func (s *RedisTokenStore) Save(ctx context.Context, rec RefreshRecord) error {
	if rec.Key == "" {
		return ErrInvalidInput
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ttl := rec.ExpiresAt.Sub(s.now()) + refreshGrace
	if ttl <= 0 {
		ttl = refreshGrace
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(rec.Key), payload, ttl)
		pipe.SAdd(ctx, s.indexKey(rec.PrincipalID), rec.Key)
		pipe.Expire(ctx, s.indexKey(rec.PrincipalID), ttl)
		return nil
	})
	return err
}

func (s *RedisTokenStore) Get(ctx context.Context, key string) (RefreshRecord, error) {
	raw, err := s.client.Get(ctx, s.recordKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return RefreshRecord{}, ErrNotFound
		}
		return RefreshRecord{}, err
	}
	var rec RefreshRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return RefreshRecord{}, err
	}
	return rec, nil
}

// Delete relies on DEL returning the number of removed keys, which is
// atomic in Redis, so only one concurrent caller sees true.
func (s *RedisTokenStore) Delete(ctx context.Context, key string) (bool, error) {
	rec, err := s.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	n, err := s.client.Del(ctx, s.recordKey(key)).Result()
	if err != nil {
		return false, err
	}
	if rec.PrincipalID != "" {
		s.client.SRem(ctx, s.indexKey(rec.PrincipalID), key)
	}
	return n == 1, nil
}

func (s *RedisTokenStore) DeleteByPrincipal(ctx context.Context, principalID string) (int, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey(principalID)).Result()
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	full := make([]string, 0, len(keys))
	for _, k := range keys {
		full = append(full, s.recordKey(k))
	}
	n, err := s.client.Del(ctx, full...).Result()
	if err != nil {
		return 0, err
	}
	if err := s.client.Del(ctx, s.indexKey(principalID)).Err(); err != nil {
		return int(n), err
	}
	return int(n), nil
}

// RedisLockoutStore keeps failure counters as hashes that expire with the
// lockout window.
type RedisLockoutStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLockoutStore(client redis.UniversalClient, prefix string) *RedisLockoutStore {
	if prefix == "" {
		prefix = "tradeguard:"
	}
	return &RedisLockoutStore{client: client, prefix: prefix}
}

func (s *RedisLockoutStore) key(id string) string { return s.prefix + "lockout:" + id }

func (s *RedisLockoutStore) Get(ctx context.Context, identifier string) (LockoutRecord, bool, error) {
	vals, err := s.client.HGetAll(ctx, s.key(identifier)).Result()
	if err != nil {
		return LockoutRecord{}, false, err
	}
	if len(vals) == 0 {
		return LockoutRecord{}, false, nil
	}
	rec, err := decodeLockout(identifier, vals)
	if err != nil {
		return LockoutRecord{}, false, err
	}
	return rec, true, nil
}

func (s *RedisLockoutStore) Increment(ctx context.Context, identifier string, at time.Time, window time.Duration) (LockoutRecord, error) {
	key := s.key(identifier)
	prev, ok, err := s.Get(ctx, identifier)
	if err != nil {
		return LockoutRecord{}, err
	}
	stale := ok && at.Sub(prev.LastAttemptAt) >= window
	var count *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if stale {
			pipe.Del(ctx, key)
		}
		count = pipe.HIncrBy(ctx, key, "count", 1)
		pipe.HSet(ctx, key, "last", at.UnixNano())
		pipe.PExpire(ctx, key, window)
		return nil
	})
	if err != nil {
		return LockoutRecord{}, err
	}
	return LockoutRecord{Identifier: identifier, FailedCount: int(count.Val()), LastAttemptAt: at}, nil
}

func (s *RedisLockoutStore) Delete(ctx context.Context, identifier string) error {
	return s.client.Del(ctx, s.key(identifier)).Err()
}

func decodeLockout(identifier string, vals map[string]string) (LockoutRecord, error) {
	count, err := strconv.Atoi(vals["count"])
	if err != nil {
		return LockoutRecord{}, err
	}
	last, err := strconv.ParseInt(vals["last"], 10, 64)
	if err != nil {
		return LockoutRecord{}, err
	}
	return LockoutRecord{Identifier: identifier, FailedCount: count, LastAttemptAt: time.Unix(0, last)}, nil
}
