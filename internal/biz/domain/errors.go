package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateKey is returned when an item with the same identifier is already queued
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrNotFound is returned when a row does not exist or is not in the expected state
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned for status writes the lifecycle forbids
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTimeout marks a generation call that exceeded its deadline
	ErrTimeout = errors.New("generation timed out")

	// ErrRateLimited marks a platform call rejected by rate limiting
	ErrRateLimited = errors.New("rate limited")

	// ErrLockTimeout is returned when the mutual-exclusion lock could not be acquired in time
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrLoopDetected marks a message or response dropped by loop prevention
	ErrLoopDetected = errors.New("loop detected")
)

// FetchError wraps a platform failure for a single channel
type FetchError struct {
	Channel string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Channel, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// GenerationError wraps a generation backend failure
type GenerationError struct {
	Backend string
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate via %s: %v", e.Backend, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// SendError wraps a platform failure while posting a response
type SendError struct {
	Channel string
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.Channel, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a generation timeout
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsRateLimited reports whether err is a transient rate-limit rejection
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
