package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token, so an
// expired lease taken over by another replica is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// renewScript extends the lease only while the key still holds our token.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Locker shared by every replica talking to the same Redis.
// Each lock is a lease renewed every ttl/3 while held; if the holder
// dies, the key expires after ttl.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	timeout time.Duration
	poll    time.Duration
	logger  *slog.Logger
}

// NewRedis creates a distributed locker.
func NewRedis(client redis.UniversalClient, ttl, timeout time.Duration, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Redis{
		client:  client,
		prefix:  "quill:lock:",
		ttl:     ttl,
		timeout: timeout,
		poll:    50 * time.Millisecond,
		logger:  logger,
	}
}

// NewRedisClient opens a client from connection settings.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 10 * time.Second,
	})
}

// Lock implements Locker.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	k := r.prefix + key

	waitCtx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(waitCtx, k, token, r.ttl).Result()
		if err != nil && waitCtx.Err() == nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return r.hold(k, token), nil
		}
		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			return nil, waitError(ctx)
		}
	}
}

// hold starts renewing the lease and returns its release function.
// Release stops the renewal before deleting the key.
func (r *Redis) hold(k, token string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go r.renew(k, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{k}, token).Err(); err != nil {
				r.logger.Warn("lock release failed", "key", k, "error", err)
			}
		})
	}
}

func (r *Redis) renew(k, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := r.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		n, err := renewScript.Run(ctx, r.client, []string{k}, token, r.ttl.Milliseconds()).Int()
		cancel()
		switch {
		case err != nil:
			r.logger.Warn("lock renewal failed", "key", k, "error", err)
		case n == 0:
			r.logger.Error("lock lease lost", "key", k)
			return
		}
	}
}
