package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
	"github.com/anthropics/feishu-relay/internal/biz/repo"
	"github.com/anthropics/feishu-relay/internal/infra/metrics"
)

// releaseScript deletes the key only while it still carries the caller's token
var releaseScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v and string.find(v, '"token":"' .. ARGV[1] .. '"', 1, true) then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLock is a lock shared by daemons on different hosts.
// The key expires after MaxHold, which reclaims locks left by crashed holders.
type RedisLock struct {
	client *redis.Client
	key    string
	opts   Options
	log    zerolog.Logger
}

var _ repo.Locker = (*RedisLock)(nil)

// NewRedisLock connects to redisURL and guards key
func NewRedisLock(ctx context.Context, redisURL, key string, opts Options, log zerolog.Logger) (*RedisLock, error) {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisLockWithClient(client, key, opts, log), nil
}

// NewRedisLockWithClient wraps an existing client
func NewRedisLockWithClient(client *redis.Client, key string, opts Options, log zerolog.Logger) *RedisLock {
	return &RedisLock{client: client, key: key, opts: opts.withDefaults(), log: log}
}

// Acquire waits for the key to be free and sets it with our token
func (l *RedisLock) Acquire(ctx context.Context, owner string) (*domain.LockInfo, error) {
	start := time.Now()
	deadline := time.NewTimer(l.opts.WaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	for {
		lease := newLease(owner, time.Now())
		data, err := json.Marshal(lease)
		if err != nil {
			return nil, fmt.Errorf("failed to encode lock: %w", err)
		}
		ok, err := l.client.SetNX(ctx, l.key, data, l.opts.MaxHold).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to set lock: %w", err)
		}
		if ok {
			metrics.LockWaitSeconds.Observe(time.Since(start).Seconds())
			return lease, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			metrics.LockTimeouts.Inc()
			return nil, fmt.Errorf("%w after %v", domain.ErrLockTimeout, l.opts.WaitTimeout)
		case <-ticker.C:
		}
	}
}

// Release deletes the key if lease still owns it
func (l *RedisLock) Release(ctx context.Context, lease *domain.LockInfo) error {
	if lease == nil {
		return nil
	}
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, lease.Token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if n == 0 {
		l.log.Warn().Str("owner", lease.Owner).Msg("lock expired or was reclaimed before release")
	}
	return nil
}

// Inspect returns the current holder, or nil when free
func (l *RedisLock) Inspect(ctx context.Context) (*domain.LockInfo, error) {
	data, err := l.client.Get(ctx, l.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock: %w", err)
	}
	var info domain.LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return &domain.LockInfo{Owner: "unreadable"}, nil
	}
	return &info, nil
}

// ForceRelease deletes the key if expected's token still owns it
func (l *RedisLock) ForceRelease(ctx context.Context, expected *domain.LockInfo) (bool, error) {
	if expected == nil {
		return false, nil
	}
	if expected.Token == "" {
		// unreadable value: delete it only if it has not changed since inspection
		return l.deleteUnreadable(ctx)
	}
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, expected.Token).Int()
	if err != nil {
		return false, fmt.Errorf("failed to force release lock: %w", err)
	}
	return n > 0, nil
}

func (l *RedisLock) deleteUnreadable(ctx context.Context) (bool, error) {
	released := false
	err := l.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, l.key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var info domain.LockInfo
		if json.Unmarshal(data, &info) == nil && info.Token != "" {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, l.key)
			return nil
		})
		if err == nil {
			released = true
		}
		return err
	}, l.key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to force release lock: %w", err)
	}
	return released, nil
}

// Close closes the underlying client
func (l *RedisLock) Close() error {
	return l.client.Close()
}
