package repo

import (
	"context"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
)

// Locker is the cross-process mutual-exclusion lock guarding the platform API
type Locker interface {
	// Acquire waits up to the configured ceiling, then fails with domain.ErrLockTimeout.
	// A lock held longer than its max hold is reclaimed.
	Acquire(ctx context.Context, owner string) (*domain.LockInfo, error)

	// Release frees the lock if it is still held under lease's token
	Release(ctx context.Context, lease *domain.LockInfo) error

	// Inspect returns the current holder, or nil when the lock is free
	Inspect(ctx context.Context) (*domain.LockInfo, error)

	// ForceRelease clears a lock its holder never released, typically one Inspect reported.
	// It removes the lock only while expected's token still holds it and reports whether it did.
	ForceRelease(ctx context.Context, expected *domain.LockInfo) (bool, error)
}

// StopFlag is the emergency-stop switch
type StopFlag interface {
	Active() bool
}
