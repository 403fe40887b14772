package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/fcastrocs/steamidler/internal/domain"
)

const verificationKeyPrefix = "verification:"

// VerificationStore keeps pending second-factor verifications in redis.
// Expiry is enforced by Sweep against CreatedAt rather than a redis TTL:
// each entry holds a proxy slot, so the key must outlive its deadline and
// surface in a sweep, even across a process restart. Until then the entry
// stays retryable and its hold transfers on success.
type VerificationStore struct {
	rdb   *goredis.Client
	ttl   time.Duration
	clock clockwork.Clock
}

func NewVerificationStore(rdb *goredis.Client, ttl time.Duration, clock clockwork.Clock) *VerificationStore {
	return &VerificationStore{rdb: rdb, ttl: ttl, clock: clock}
}

var _ domain.VerificationStore = (*VerificationStore)(nil)

func verificationKey(key domain.AccountKey) string {
	return verificationKeyPrefix + key.String()
}

func (s *VerificationStore) expired(v domain.PendingVerification) bool {
	return s.clock.Since(v.CreatedAt) >= s.ttl
}

func (s *VerificationStore) Put(ctx context.Context, key domain.AccountKey, v domain.PendingVerification) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal verification: %w", err)
	}
	if err := s.rdb.Set(ctx, verificationKey(key), payload, 0).Err(); err != nil {
		return fmt.Errorf("failed to store verification: %w", err)
	}
	return nil
}

func (s *VerificationStore) Get(ctx context.Context, key domain.AccountKey) (*domain.PendingVerification, error) {
	payload, err := s.rdb.Get(ctx, verificationKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, domain.Ef(domain.KindNotFound, "no pending verification for %s", key.AccountName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read verification: %w", err)
	}

	var v domain.PendingVerification
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal verification: %w", err)
	}
	return &v, nil
}

func (s *VerificationStore) Delete(ctx context.Context, key domain.AccountKey) error {
	if err := s.rdb.Del(ctx, verificationKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete verification: %w", err)
	}
	return nil
}

func (s *VerificationStore) Sweep(ctx context.Context) ([]domain.PendingVerification, error) {
	var swept []domain.PendingVerification

	iter := s.rdb.Scan(ctx, 0, verificationKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		redisKey := iter.Val()
		payload, err := s.rdb.Get(ctx, redisKey).Bytes()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return swept, fmt.Errorf("failed to read verification: %w", err)
		}

		var v domain.PendingVerification
		if err := json.Unmarshal(payload, &v); err != nil {
			return swept, fmt.Errorf("failed to unmarshal verification: %w", err)
		}
		if !s.expired(v) {
			continue
		}
		if err := s.rdb.Del(ctx, redisKey).Err(); err != nil {
			return swept, fmt.Errorf("failed to delete verification: %w", err)
		}
		swept = append(swept, v)
	}
	if err := iter.Err(); err != nil {
		return swept, fmt.Errorf("failed to scan verifications: %w", err)
	}
	return swept, nil
}
