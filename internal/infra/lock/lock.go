package lock

import (
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
)

// Options bounds how long the lock is waited for and held
type Options struct {
	// MaxHold is the ceiling after which a held lock counts as stale and may be reclaimed
	MaxHold time.Duration
	// WaitTimeout bounds Acquire before it fails with domain.ErrLockTimeout
	WaitTimeout time.Duration
	// PollInterval is the retry period while waiting
	PollInterval time.Duration
}

// DefaultOptions returns conservative lock bounds
func DefaultOptions() Options {
	return Options{
		MaxHold:      10 * time.Minute,
		WaitTimeout:  30 * time.Second,
		PollInterval: 250 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxHold <= 0 {
		o.MaxHold = d.MaxHold
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = d.WaitTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	return o
}

func newLease(owner string, now time.Time) *domain.LockInfo {
	host, _ := os.Hostname()
	return &domain.LockInfo{
		Token:      uuid.NewString(),
		Owner:      owner,
		PID:        os.Getpid(),
		Host:       host,
		AcquiredAt: now,
	}
}
