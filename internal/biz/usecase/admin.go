package usecase

import (
	"context"
	"fmt"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
	"github.com/anthropics/feishu-relay/internal/biz/repo"
	"github.com/anthropics/feishu-relay/internal/infra/cache"
	"github.com/anthropics/feishu-relay/internal/infra/estop"
)

// Status is the operator view of a relay deployment
type Status struct {
	Queue         *domain.QueueStats  `json:"queue"`
	Operations    []*domain.Operation `json:"operations"`
	Lock          *domain.LockInfo    `json:"lock,omitempty"`
	EmergencyStop estop.Status        `json:"emergency_stop"`
	Guard         *GuardStats         `json:"guard,omitempty"`
	Cache         *cache.Stats        `json:"cache,omitempty"`
}

// AdminUsecase backs the status, emergency-stop and retry surfaces
type AdminUsecase struct {
	store  repo.Store
	locker repo.Locker
	flag   *estop.Flag
	guard  *Guard
	cache  *cache.Cache
}

// NewAdminUsecase creates the admin usecase. guard and cache are only meaningful
// inside a daemon and may be nil.
func NewAdminUsecase(store repo.Store, locker repo.Locker, flag *estop.Flag, guard *Guard, c *cache.Cache) *AdminUsecase {
	return &AdminUsecase{store: store, locker: locker, flag: flag, guard: guard, cache: c}
}

// Status collects queue, operation, lock and stop state
func (uc *AdminUsecase) Status(ctx context.Context) (*Status, error) {
	stats, err := uc.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}
	ops, err := uc.store.ListActiveOperations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}

	st := &Status{Queue: stats, Operations: ops}
	if uc.locker != nil {
		if st.Lock, err = uc.locker.Inspect(ctx); err != nil {
			return nil, fmt.Errorf("failed to inspect lock: %w", err)
		}
	}
	if uc.flag != nil {
		st.EmergencyStop = uc.flag.Status()
	}
	if uc.guard != nil {
		gs := uc.guard.Stats()
		st.Guard = &gs
	}
	if uc.cache != nil {
		cs := uc.cache.Stats()
		st.Cache = &cs
	}
	return st, nil
}

// EmergencyStop reports the marker state
func (uc *AdminUsecase) EmergencyStop() estop.Status {
	if uc.flag == nil {
		return estop.Status{}
	}
	return uc.flag.Status()
}

// SetEmergencyStop engages or clears the stop for every process sharing the state directory
func (uc *AdminUsecase) SetEmergencyStop(active bool, reason string) (estop.Status, error) {
	if uc.flag == nil {
		return estop.Status{}, fmt.Errorf("emergency stop is not configured")
	}
	var err error
	if active {
		err = uc.flag.Set(reason)
	} else {
		err = uc.flag.Clear()
	}
	if err != nil {
		return estop.Status{}, err
	}
	return uc.flag.Status(), nil
}

// RetryInbound moves an errored inbound item back to pending
func (uc *AdminUsecase) RetryInbound(ctx context.Context, id string) error {
	if err := uc.store.ResetInbound(ctx, id); err != nil {
		return fmt.Errorf("failed to retry inbound %s: %w", id, err)
	}
	if uc.guard != nil {
		uc.guard.Release(id)
	}
	return nil
}

// RetryOutbound moves an errored outbound item back to pending
func (uc *AdminUsecase) RetryOutbound(ctx context.Context, id string) error {
	if err := uc.store.ResetOutbound(ctx, id); err != nil {
		return fmt.Errorf("failed to retry outbound %s: %w", id, err)
	}
	return nil
}

// ListInbound lists inbound items in a status
func (uc *AdminUsecase) ListInbound(ctx context.Context, status domain.InboundStatus, limit int) ([]*domain.InboundItem, error) {
	return uc.store.ListInbound(ctx, status, clampLimit(limit))
}

// ListOutbound lists outbound items in a status
func (uc *AdminUsecase) ListOutbound(ctx context.Context, status domain.OutboundStatus, limit int) ([]*domain.OutboundItem, error) {
	return uc.store.ListOutbound(ctx, status, clampLimit(limit))
}

// ListThreads lists watched threads, most recently checked first
func (uc *AdminUsecase) ListThreads(ctx context.Context, limit int) ([]*domain.ThreadWatch, error) {
	return uc.store.ListThreadWatches(ctx, clampLimit(limit))
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return 50
	case n > 500:
		return 500
	}
	return n
}
