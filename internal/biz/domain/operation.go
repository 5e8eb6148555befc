package domain

import "time"

// Role is the kind of work a registered operation performs
type Role string

const (
	RoleFetch      Role = "fetch"
	RoleGeneration Role = "generation"
	RoleSend       Role = "send"
)

// Operation is a registered long-running unit of work
type Operation struct {
	ID        int64
	Role      Role
	PID       int
	Host      string
	StartedAt time.Time
	EndedAt   *time.Time
}

// Age returns how long the operation has been running
func (o *Operation) Age(now time.Time) time.Duration {
	return now.Sub(o.StartedAt)
}

// LockInfo describes the current holder of the mutual-exclusion lock
type LockInfo struct {
	Token      string    `json:"token"`
	Owner      string    `json:"owner"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Age returns how long the lock has been held
func (l *LockInfo) Age(now time.Time) time.Duration {
	return now.Sub(l.AcquiredAt)
}
