package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultLockTTL bounds how long a crashed holder can block others.
	DefaultLockTTL = 2 * time.Minute

	lockRetryInterval = 100 * time.Millisecond
)

const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

const renewScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
	else
		return 0
	end
`

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(addr string, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// RedisLocker provides mutual exclusion across processes sharing one Redis.
type RedisLocker struct {
	client  *redis.Client
	ownerID string
	ttl     time.Duration
}

// NewRedisLocker creates a locker. A zero ttl selects DefaultLockTTL.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &RedisLocker{client: client, ownerID: uuid.New().String(), ttl: ttl}
}

// AcquireLock attempts to take key once. It uses SET key value NX PX ttl.
func (l *RedisLocker) AcquireLock(ctx context.Context, key string) (bool, error) {
	return l.client.SetNX(ctx, key, l.ownerID, l.ttl).Result()
}

// RenewLock extends the TTL if the lock is still held by this locker.
func (l *RedisLocker) RenewLock(ctx context.Context, key string) (bool, error) {
	res, err := l.client.Eval(ctx, renewScript, []string{key}, l.ownerID, int64(l.ttl/time.Millisecond)).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// ReleaseLock releases key if it is held by this locker.
func (l *RedisLocker) ReleaseLock(ctx context.Context, key string) error {
	return l.client.Eval(ctx, releaseScript, []string{key}, l.ownerID).Err()
}

// Lock blocks until the lock for name is held or ctx is done. The returned
// function releases it and stops the renewal loop.
func (l *RedisLocker) Lock(ctx context.Context, name string) (func(), error) {
	key := Key(ResourceProviderSync, name)
	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.AcquireLock(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	go func() {
		renew := time.NewTicker(l.ttl / 3)
		defer renew.Stop()
		for {
			select {
			case <-stop:
				return
			case <-renew.C:
				_, _ = l.RenewLock(context.Background(), key)
			}
		}
	}()

	return func() {
		close(stop)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.ReleaseLock(ctx, key)
	}, nil
}
