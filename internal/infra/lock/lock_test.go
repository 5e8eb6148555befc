package lock

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
)

func fastOptions() Options {
	return Options{
		MaxHold:      time.Minute,
		WaitTimeout:  150 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}
}

func newTestFileLock(t *testing.T) *FileLock {
	t.Helper()
	l, err := NewFileLock(filepath.Join(t.TempDir(), "platform.lock"), fastOptions(), zerolog.Nop())
	require.NoError(t, err)
	return l
}

func TestFileLockExclusive(t *testing.T) {
	l := newTestFileLock(t)
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "sender")
	require.NoError(t, err)
	assert.NotEmpty(t, lease.Token)
	assert.Equal(t, os.Getpid(), lease.PID)

	_, err = l.Acquire(ctx, "fetcher")
	assert.ErrorIs(t, err, domain.ErrLockTimeout)

	held, err := l.Inspect(ctx)
	require.NoError(t, err)
	require.NotNil(t, held)
	assert.Equal(t, lease.Token, held.Token)

	require.NoError(t, l.Release(ctx, lease))
	held, err = l.Inspect(ctx)
	require.NoError(t, err)
	assert.Nil(t, held)

	second, err := l.Acquire(ctx, "fetcher")
	require.NoError(t, err)
	assert.NotEqual(t, lease.Token, second.Token)
}

func TestFileLockReclaimsAfterMaxHold(t *testing.T) {
	l := newTestFileLock(t)
	ctx := context.Background()

	old, err := l.Acquire(ctx, "crashed")
	require.NoError(t, err)

	l.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	fresh, err := l.Acquire(ctx, "sender")
	require.NoError(t, err)
	assert.Equal(t, "sender", fresh.Owner)

	// the reclaimed holder's release must not free the new holder's lock
	require.NoError(t, l.Release(ctx, old))
	held, err := l.Inspect(ctx)
	require.NoError(t, err)
	require.NotNil(t, held)
	assert.Equal(t, fresh.Token, held.Token)
}

func TestFileLockReclaimsDeadHolder(t *testing.T) {
	l := newTestFileLock(t)
	host, _ := os.Hostname()

	dead := domain.LockInfo{Token: "dead", Owner: "sender", PID: 1 << 22, Host: host, AcquiredAt: time.Now()}
	data, err := json.Marshal(dead)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(l.path, data, 0644))

	lease, err := l.Acquire(context.Background(), "fetcher")
	require.NoError(t, err)
	assert.Equal(t, "fetcher", lease.Owner)
}

func TestFileLockForceRelease(t *testing.T) {
	l := newTestFileLock(t)
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "sender")
	require.NoError(t, err)
	held, err := l.Inspect(ctx)
	require.NoError(t, err)

	released, err := l.ForceRelease(ctx, held)
	require.NoError(t, err)
	assert.True(t, released)

	_, err = l.Acquire(ctx, "sender")
	assert.NoError(t, err)

	// the old view of the lock no longer matches the current holder
	released, err = l.ForceRelease(ctx, lease)
	require.NoError(t, err)
	assert.False(t, released)
}

func TestFileLockForceReleaseKeepsReclaimedLock(t *testing.T) {
	l := newTestFileLock(t)
	ctx := context.Background()

	_, err := l.Acquire(ctx, "crashed")
	require.NoError(t, err)
	l.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	stale, err := l.Inspect(ctx)
	require.NoError(t, err)

	fresh, err := l.Acquire(ctx, "sender")
	require.NoError(t, err)

	released, err := l.ForceRelease(ctx, stale)
	require.NoError(t, err)
	assert.False(t, released)

	held, err := l.Inspect(ctx)
	require.NoError(t, err)
	require.NotNil(t, held)
	assert.Equal(t, fresh.Token, held.Token)
	_, err = l.Acquire(ctx, "third")
	assert.ErrorIs(t, err, domain.ErrLockTimeout)
}

func TestFileLockForceReleaseUnreadable(t *testing.T) {
	l := newTestFileLock(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(l.path, []byte("{"), 0644))

	held, err := l.Inspect(ctx)
	require.NoError(t, err)
	require.NotNil(t, held)
	assert.Equal(t, "unreadable", held.Owner)

	released, err := l.ForceRelease(ctx, held)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestFileLockContextCancel(t *testing.T) {
	l := newTestFileLock(t)
	l.opts.WaitTimeout = time.Minute

	_, err := l.Acquire(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func newTestRedisLock(t *testing.T) (*RedisLock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLockWithClient(client, "relay:lock", fastOptions(), zerolog.Nop()), mr
}

func TestRedisLockExclusive(t *testing.T) {
	l, _ := newTestRedisLock(t)
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "sender")
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "fetcher")
	assert.ErrorIs(t, err, domain.ErrLockTimeout)

	// a foreign token cannot release it
	require.NoError(t, l.Release(ctx, &domain.LockInfo{Token: "someone-else"}))
	held, err := l.Inspect(ctx)
	require.NoError(t, err)
	require.NotNil(t, held)
	assert.Equal(t, lease.Token, held.Token)

	require.NoError(t, l.Release(ctx, lease))
	held, err = l.Inspect(ctx)
	require.NoError(t, err)
	assert.Nil(t, held)
}

func TestRedisLockExpiresAfterMaxHold(t *testing.T) {
	l, mr := newTestRedisLock(t)
	ctx := context.Background()

	_, err := l.Acquire(ctx, "crashed")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	lease, err := l.Acquire(ctx, "sender")
	require.NoError(t, err)
	assert.Equal(t, "sender", lease.Owner)

	released, err := l.ForceRelease(ctx, &domain.LockInfo{Token: "crashed-token"})
	require.NoError(t, err)
	assert.False(t, released)

	released, err = l.ForceRelease(ctx, lease)
	require.NoError(t, err)
	assert.True(t, released)
	held, err := l.Inspect(ctx)
	require.NoError(t, err)
	assert.Nil(t, held)
}

func TestRedisLockForceReleaseUnreadable(t *testing.T) {
	l, mr := newTestRedisLock(t)
	ctx := context.Background()
	require.NoError(t, mr.Set("relay:lock", "garbage"))

	held, err := l.Inspect(ctx)
	require.NoError(t, err)
	require.NotNil(t, held)

	released, err := l.ForceRelease(ctx, held)
	require.NoError(t, err)
	assert.True(t, released)
	assert.False(t, mr.Exists("relay:lock"))
}
