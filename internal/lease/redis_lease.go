// Package lease keeps replicas from running two enrichment refreshes of the
// same record at once.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned by Acquire when another holder owns the lease.
var ErrHeld = errors.New("lease held")

// releaseScript deletes the key only if it still carries our token, so an
// expired lease taken over by another replica is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease implements per-record leases with SET NX PX.
type RedisLease struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLease connects to redisURL and checks the connection.
func NewRedisLease(redisURL string, ttl time.Duration) (*RedisLease, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisLeaseWithClient(client, ttl), nil
}

func NewRedisLeaseWithClient(client *redis.Client, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLease{
		client: client,
		prefix: "raid:enrich:",
		ttl:    ttl,
	}
}

func (l *RedisLease) key(recordID string) string {
	return l.prefix + recordID
}

// Acquire takes the lease for recordID. The returned release func is safe
// to call after the lease expired.
func (l *RedisLease) Acquire(ctx context.Context, recordID string) (release func(context.Context) error, err error) {
	token := uuid.NewString()
	key := l.key(recordID)
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire enrichment lease: %w", err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("release enrichment lease: %w", err)
		}
		return nil
	}, nil
}

// Held reports whether any replica currently holds the lease for recordID.
func (l *RedisLease) Held(ctx context.Context, recordID string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(recordID)).Result()
	if err != nil {
		return false, fmt.Errorf("check enrichment lease: %w", err)
	}
	return n > 0, nil
}

func (l *RedisLease) Close() error {
	return l.client.Close()
}

func (l *RedisLease) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
