package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/dentaldesk/syncd/internal/errors"
)

// Dedupe records which actions already produced a notification.
type Dedupe interface {
	// Claim returns true the first time key is claimed within the TTL.
	Claim(ctx context.Context, key string) (bool, error)
	// Release gives up a claim so a later delivery may retry.
	Release(ctx context.Context, key string) error
}

// RedisDedupe keeps claims in Redis so they survive restarts.
type RedisDedupe struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDedupe connects to redisURL and checks the connection.
func NewRedisDedupe(redisURL string, ttl time.Duration) (*RedisDedupe, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "parse redis url", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, apperrors.Wrap(apperrors.ErrTransientNetwork, "connect to redis", err)
	}

	return NewRedisDedupeWithClient(client, ttl), nil
}

// NewRedisDedupeWithClient creates a dedupe from an existing Redis client
func NewRedisDedupeWithClient(client *redis.Client, ttl time.Duration) *RedisDedupe {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisDedupe{
		client: client,
		prefix: "sms:",
		ttl:    ttl,
	}
}

func (d *RedisDedupe) key(key string) string {
	return d.prefix + key
}

// Claim sets the key with SETNX.
func (d *RedisDedupe) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.key(key), time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrTransientNetwork, fmt.Sprintf("claim %s", key), err)
	}
	return ok, nil
}

// Release deletes the key.
func (d *RedisDedupe) Release(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, d.key(key)).Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrTransientNetwork, fmt.Sprintf("release %s", key), err)
	}
	return nil
}

// Close closes the Redis connection
func (d *RedisDedupe) Close() error {
	return d.client.Close()
}

// MemoryDedupe keeps claims in process memory. Used when no Redis is
// configured; claims are lost on restart.
type MemoryDedupe struct {
	mu     sync.Mutex
	claims map[string]time.Time
	ttl    time.Duration
	now    func() time.Time
}

// NewMemoryDedupe creates an in-process dedupe.
func NewMemoryDedupe(ttl time.Duration) *MemoryDedupe {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &MemoryDedupe{
		claims: make(map[string]time.Time),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (d *MemoryDedupe) Claim(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, expires := range d.claims {
		if !now.Before(expires) {
			delete(d.claims, k)
		}
	}
	if _, ok := d.claims[key]; ok {
		return false, nil
	}
	d.claims[key] = now.Add(d.ttl)
	return true, nil
}

func (d *MemoryDedupe) Release(ctx context.Context, key string) error {
	d.mu.Lock()
	delete(d.claims, key)
	d.mu.Unlock()
	return nil
}
