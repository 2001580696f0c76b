package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseLeaseScript deletes the lease key only when it still holds our
// token, so an expired lease re-acquired by another replica is never released
// by the original holder.
var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLeaseStore implements Locker as a distributed lock with a short TTL
// and automatic expiry, for deployments running more than one replica of the
// engine. The TTL bounds how long a crashed holder can block a reference.
type RedisLeaseStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	wait   time.Duration
}

// NewRedisLeaseStore creates a Redis-backed lease store.
func NewRedisLeaseStore(client redis.UniversalClient, prefix string, ttl, maxWait time.Duration) *RedisLeaseStore {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "billing:lease"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisLeaseStore{
		client: client,
		prefix: trimmedPrefix,
		ttl:    ttl,
		wait:   maxWait,
	}
}

// Acquire takes the distributed lease for a reference, polling until the
// bounded wait elapses.
func (s *RedisLeaseStore) Acquire(ctx context.Context, reference string) (func(), error) {
	key := s.prefix + ":" + strings.TrimSpace(reference)
	token := uuid.NewString()
	deadline := time.Now().Add(s.wait)

	for {
		ok, err := s.client.SetNX(ctx, key, token, s.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			var once sync.Once
			release := func() {
				once.Do(func() {
					releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					_ = releaseLeaseScript.Run(releaseCtx, s.client, []string{key}, token).Err()
				})
			}
			return release, nil
		}

		if time.Now().After(deadline) {
			return nil, ErrLeaseBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}
