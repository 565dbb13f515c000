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

// releaseScript deletes the key only if we still own it.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// refreshScript extends the lease only if we still own it.
var refreshScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return 0
`)

// Redis is a Locker backed by a Redis key holding a random owner token.
// The lease expires after ttl unless the holder keeps refreshing it, so a
// crashed replica cannot block cycles forever.
type Redis struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

var _ Locker = (*Redis)(nil)

// NewRedis connects to redisURL and checks the server answers.
func NewRedis(ctx context.Context, redisURL, key string, ttl time.Duration, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisWithClient(client, key, ttl, logger), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, key string, ttl time.Duration, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, key: key, ttl: ttl, logger: logger}
}

func (r *Redis) TryLock(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", r.key, err)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(token, stop, done)

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			close(stop)
			<-done
			// Release with a fresh context: the caller's may already be cancelled.
			relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(relCtx, r.client, []string{r.key}, token).Err(); err != nil {
				r.logger.Warn("failed to release cycle lock", "key", r.key, "error", err)
			}
		})
	}
	return unlock, true, nil
}

func (r *Redis) keepAlive(token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
			n, err := refreshScript.Run(ctx, r.client, []string{r.key}, token, r.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				r.logger.Warn("failed to refresh cycle lock", "key", r.key, "error", err)
				continue
			}
			if n == 0 {
				r.logger.Error("cycle lock lost", "key", r.key)
				return
			}
		}
	}
}

// Ping checks Redis is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
