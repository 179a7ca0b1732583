// Package idempotency binds client-supplied idempotency keys to the batch
// they first admitted, so replayed submissions schedule nothing new.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "harborpost:idem:"

// Store reserves a key for a batch whose items hash to fingerprint. When the
// key was reserved before it returns the batch and fingerprint already
// holding it and false.
type Store interface {
	Reserve(ctx context.Context, key, batchID, fingerprint string) (string, string, bool, error)
}

// Stored values are "<batch id>|<fingerprint>".
const valueSep = "|"

func encodeValue(batchID, fingerprint string) string {
	return batchID + valueSep + fingerprint
}

func decodeValue(v string) (batchID, fingerprint string) {
	batchID, fingerprint, _ = strings.Cut(v, valueSep)
	return batchID, fingerprint
}

// RedisStore keeps reservations in Redis with a TTL.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Dial connects to addr and pings it.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return c, nil
}

func (s *RedisStore) Reserve(ctx context.Context, key, batchID, fingerprint string) (string, string, bool, error) {
	k := keyPrefix + key
	// A reservation can expire between SetNX and Get; one retry covers it.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.client.SetNX(ctx, k, encodeValue(batchID, fingerprint), s.ttl).Result()
		if err != nil {
			return "", "", false, fmt.Errorf("redis setnx: %w", err)
		}
		if ok {
			return batchID, fingerprint, true, nil
		}
		existing, err := s.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", "", false, fmt.Errorf("redis get: %w", err)
		}
		b, fp := decodeValue(existing)
		return b, fp, false, nil
	}
	return "", "", false, fmt.Errorf("idempotency key %q flapped during reservation", key)
}

// MemoryStore is the single-process fallback used when no Redis is
// configured.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	batchID     string
	fingerprint string
	expires     time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, now: time.Now, entries: make(map[string]memEntry)}
}

func (s *MemoryStore) Reserve(_ context.Context, key, batchID, fingerprint string) (string, string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expires) {
		return e.batchID, e.fingerprint, false, nil
	}
	s.entries[key] = memEntry{batchID: batchID, fingerprint: fingerprint, expires: now.Add(s.ttl)}
	s.sweep(now)
	return batchID, fingerprint, true, nil
}

func (s *MemoryStore) sweep(now time.Time) {
	for k, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, k)
		}
	}
}
