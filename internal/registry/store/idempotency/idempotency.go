// Package idempotency remembers which member a create request produced, keyed
// by the caller's Idempotency-Key, so a retried request returns the original
// record instead of a duplicate.
//
// Keys are claimed after the create succeeds. Two requests with the same key
// that are in flight at the same time can both create a record; only the
// first is remembered.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"teamclock/pkg/domain"
	"teamclock/pkg/platform/sentinel"
)

const keyPrefix = "teamclock:idem:"

// MaxKeyLength bounds caller-supplied keys.
const MaxKeyLength = 128

// ScopedKey namespaces a caller key by principal so one caller cannot replay
// another caller's key. Anonymous callers share the "anon" scope.
func ScopedKey(userID domain.UserID, key string) string {
	scope := "anon"
	if !userID.IsNil() {
		scope = userID.String()
	}
	return scope + ":" + strings.TrimSpace(key)
}

// InMemory is a TTL map for single-instance runs and tests.
type InMemory struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	entries map[string]entry
}

type entry struct {
	memberID  domain.MemberID
	expiresAt time.Time
}

// NewInMemory builds an in-memory store. A nil clock uses wall time.
func NewInMemory(clock clockwork.Clock) *InMemory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &InMemory{
		clock:   clock,
		entries: make(map[string]entry),
	}
}

// Lookup returns the member remembered for key, if any.
func (s *InMemory) Lookup(_ context.Context, key string) (domain.MemberID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return domain.MemberID{}, false, nil
	}
	if !s.clock.Now().Before(e.expiresAt) {
		delete(s.entries, key)
		return domain.MemberID{}, false, nil
	}
	return e.memberID, true, nil
}

// Remember claims key for memberID unless it is already claimed, and returns
// whichever member owns the key afterwards.
func (s *InMemory) Remember(_ context.Context, key string, memberID domain.MemberID, ttl time.Duration) (domain.MemberID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		return e.memberID, nil
	}
	s.entries[key] = entry{memberID: memberID, expiresAt: now.Add(ttl)}
	return memberID, nil
}

// Forget drops key. Used when the remembered member is deleted.
func (s *InMemory) Forget(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// RedisStore keeps keys in Redis with SET NX and a TTL so every instance
// sees the same claims.
type RedisStore struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Lookup(ctx context.Context, key string) (domain.MemberID, bool, error) {
	raw, err := s.client.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return domain.MemberID{}, false, nil
	}
	if err != nil {
		return domain.MemberID{}, false, fmt.Errorf("lookup idempotency key: %v: %w", err, sentinel.ErrUnavailable)
	}
	memberID, err := domain.ParseMemberID(raw)
	if err != nil {
		return domain.MemberID{}, false, fmt.Errorf("corrupt idempotency entry: %w", err)
	}
	return memberID, true, nil
}

func (s *RedisStore) Remember(ctx context.Context, key string, memberID domain.MemberID, ttl time.Duration) (domain.MemberID, error) {
	claimed, err := s.client.SetNX(ctx, keyPrefix+key, memberID.String(), ttl).Result()
	if err != nil {
		return domain.MemberID{}, fmt.Errorf("remember idempotency key: %v: %w", err, sentinel.ErrUnavailable)
	}
	if claimed {
		return memberID, nil
	}
	existing, ok, err := s.Lookup(ctx, key)
	if err != nil {
		return domain.MemberID{}, err
	}
	if !ok {
		// Expired between SETNX and GET; our record stands unremembered.
		return memberID, nil
	}
	return existing, nil
}

func (s *RedisStore) Forget(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("forget idempotency key: %v: %w", err, sentinel.ErrUnavailable)
	}
	return nil
}
