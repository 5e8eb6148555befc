package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
	"github.com/anthropics/feishu-relay/internal/biz/repo"
	"github.com/anthropics/feishu-relay/internal/infra/metrics"
	"github.com/anthropics/feishu-relay/internal/infra/pidfile"
)

// FileLock is a cross-process lock backed by a JSON lock file.
// Inspecting, creating and reclaiming the file happen under flock on a sidecar guard file.
type FileLock struct {
	path  string
	guard string
	opts  Options
	now   func() time.Time
	log   zerolog.Logger
}

var _ repo.Locker = (*FileLock)(nil)

// NewFileLock creates a lock at path
func NewFileLock(path string, opts Options, log zerolog.Logger) (*FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FileLock{
		path:  path,
		guard: path + ".guard",
		opts:  opts.withDefaults(),
		now:   time.Now,
		log:   log,
	}, nil
}

// Acquire waits for the lock, reclaiming it if the holder is stale
func (l *FileLock) Acquire(ctx context.Context, owner string) (*domain.LockInfo, error) {
	start := time.Now()
	deadline := time.NewTimer(l.opts.WaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	for {
		lease, err := l.tryAcquire(owner)
		if err != nil {
			return nil, err
		}
		if lease != nil {
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

func (l *FileLock) tryAcquire(owner string) (*domain.LockInfo, error) {
	var lease *domain.LockInfo
	err := l.withGuard(func() error {
		held, err := l.read()
		if err != nil {
			return err
		}
		if held != nil {
			if !l.stale(held) {
				return nil
			}
			l.log.Warn().
				Str("owner", held.Owner).
				Int("pid", held.PID).
				Dur("age", held.Age(l.now())).
				Msg("reclaiming stale lock")
			if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove stale lock: %w", err)
			}
		}

		candidate := newLease(owner, l.now())
		if err := l.write(candidate); err != nil {
			return err
		}
		lease = candidate
		return nil
	})
	return lease, err
}

// Release frees the lock if it is still held under lease's token
func (l *FileLock) Release(ctx context.Context, lease *domain.LockInfo) error {
	if lease == nil {
		return nil
	}
	return l.withGuard(func() error {
		held, err := l.read()
		if err != nil {
			return err
		}
		if held == nil || held.Token != lease.Token {
			l.log.Warn().Str("owner", lease.Owner).Msg("lock was reclaimed before release")
			return nil
		}
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to release lock: %w", err)
		}
		return nil
	})
}

// Inspect returns the current holder, or nil when free.
// It reads under the guard so a lock being written is never seen half-created.
func (l *FileLock) Inspect(ctx context.Context) (*domain.LockInfo, error) {
	var held *domain.LockInfo
	err := l.withGuard(func() error {
		var err error
		held, err = l.read()
		return err
	})
	return held, err
}

// ForceRelease removes the lock if expected's holder still has it.
// A holder that reclaimed the lock since expected was inspected keeps it.
func (l *FileLock) ForceRelease(ctx context.Context, expected *domain.LockInfo) (bool, error) {
	if expected == nil {
		return false, nil
	}
	released := false
	err := l.withGuard(func() error {
		held, err := l.read()
		if err != nil {
			return err
		}
		if held == nil || held.Token != expected.Token {
			return nil
		}
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to force release lock: %w", err)
		}
		released = true
		return nil
	})
	return released, err
}

// stale reports whether held exceeded MaxHold or belongs to a dead local process
func (l *FileLock) stale(held *domain.LockInfo) bool {
	if held.Age(l.now()) > l.opts.MaxHold {
		return true
	}
	host, _ := os.Hostname()
	return held.Host == host && !pidfile.Alive(held.PID)
}

func (l *FileLock) read() (*domain.LockInfo, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock: %w", err)
	}
	var info domain.LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		// a torn write leaves an unreadable file; report it as an ancient holder
		return &domain.LockInfo{Owner: "unreadable"}, nil
	}
	return &info, nil
}

func (l *FileLock) write(info *domain.LockInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode lock: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create lock: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(l.path)
		return fmt.Errorf("failed to write lock: %w", err)
	}
	return f.Sync()
}

func (l *FileLock) withGuard(fn func() error) error {
	f, err := os.OpenFile(l.guard, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open lock guard: %w", err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("acquire lock guard: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	return fn()
}
