package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
	"github.com/anthropics/feishu-relay/internal/biz/repo"
	"github.com/anthropics/feishu-relay/internal/infra/metrics"
	"github.com/anthropics/feishu-relay/internal/infra/pidfile"
)

// remoteOrphanFactor times the role ceiling is how long an operation on another host may stay registered
const remoteOrphanFactor = 3

// MonitorConfig holds the ceilings the monitor enforces
type MonitorConfig struct {
	// Ceilings bound each role's operation runtime
	Ceilings map[domain.Role]time.Duration
	// KillGrace is the wait between SIGTERM and SIGKILL
	KillGrace time.Duration
	// LockMaxHold is the age after which a held lock counts as orphaned
	LockMaxHold time.Duration
	// StaleInbound and StaleOutbound bound how long a row may stay claimed
	StaleInbound  time.Duration
	StaleOutbound time.Duration
}

// MonitorUsecase finds operations that outlived their ceiling and cleans up after them
type MonitorUsecase struct {
	store   repo.Store
	locker  repo.Locker
	tracker *Tracker
	cfg     MonitorConfig
	log     zerolog.Logger

	now       func() time.Time
	alive     func(pid int) bool
	terminate func(pid int, grace time.Duration) (bool, error)
}

// NewMonitorUsecase creates the monitor
func NewMonitorUsecase(store repo.Store, locker repo.Locker, tracker *Tracker, cfg MonitorConfig, log zerolog.Logger) *MonitorUsecase {
	return &MonitorUsecase{
		store:     store,
		locker:    locker,
		tracker:   tracker,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		alive:     pidfile.Alive,
		terminate: pidfile.Terminate,
	}
}

// Sweep runs one cleanup pass and reports whether anything was cleaned
func (uc *MonitorUsecase) Sweep(ctx context.Context) (bool, error) {
	ops, err := uc.store.ListActiveOperations(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list operations: %w", err)
	}

	cleaned := false
	lockInUse := false
	now := uc.now()

	for _, op := range ops {
		local := op.Host == uc.tracker.Host()
		own := local && op.PID == uc.tracker.PID()
		log := uc.log.With().
			Int64("op", op.ID).
			Str("role", string(op.Role)).
			Int("pid", op.PID).
			Str("host", op.Host).
			Dur("age", op.Age(now)).
			Logger()

		if local && !own && !uc.alive(op.PID) {
			log.Info().Msg("ending operation of dead process")
			uc.endOperation(ctx, op.ID)
			metrics.MonitorCleanups.WithLabelValues("dead").Inc()
			cleaned = true
			continue
		}

		ceiling := uc.cfg.Ceilings[op.Role]
		if ceiling <= 0 || op.Age(now) <= ceiling {
			if op.Role == domain.RoleFetch || op.Role == domain.RoleSend {
				lockInUse = true
			}
			continue
		}

		switch {
		case own:
			log.Warn().Msg("cancelling stuck operation")
			if !uc.tracker.Cancel(op.ID) {
				uc.endOperation(ctx, op.ID)
			}
			metrics.MonitorCleanups.WithLabelValues("cancel").Inc()
			cleaned = true
		case local:
			log.Warn().Msg("terminating stuck process")
			killed, err := uc.terminate(op.PID, uc.cfg.KillGrace)
			if err != nil {
				log.Error().Err(err).Msg("failed to terminate process")
				continue
			}
			if killed {
				log.Warn().Msg("process needed SIGKILL")
			}
			uc.endOperation(ctx, op.ID)
			metrics.MonitorCleanups.WithLabelValues("kill").Inc()
			cleaned = true
		case op.Age(now) > ceiling*remoteOrphanFactor:
			// the remote PID cannot be signalled or checked from here
			log.Warn().Msg("ending abandoned operation on another host")
			uc.endOperation(ctx, op.ID)
			metrics.MonitorCleanups.WithLabelValues("remote").Inc()
			cleaned = true
		default:
			log.Warn().Msg("stuck operation on another host")
			if op.Role == domain.RoleFetch || op.Role == domain.RoleSend {
				lockInUse = true
			}
		}
	}

	n, err := uc.store.RequeueStale(ctx, now.Add(-uc.cfg.StaleInbound), now.Add(-uc.cfg.StaleOutbound))
	if err != nil {
		return cleaned, fmt.Errorf("failed to requeue stale items: %w", err)
	}
	if n > 0 {
		uc.log.Info().Int64("rows", n).Msg("requeued stale items")
		metrics.MonitorCleanups.WithLabelValues("requeue").Add(float64(n))
		cleaned = true
	}

	released, err := uc.reclaimLock(ctx, lockInUse, now)
	if err != nil {
		return cleaned, err
	}
	return cleaned || released, nil
}

// reclaimLock force-releases a lock no live fetch or send operation could be holding
func (uc *MonitorUsecase) reclaimLock(ctx context.Context, inUse bool, now time.Time) (bool, error) {
	held, err := uc.locker.Inspect(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to inspect lock: %w", err)
	}
	if held == nil {
		return false, nil
	}

	deadHolder := held.Host == uc.tracker.Host() && !uc.alive(held.PID)
	expired := uc.cfg.LockMaxHold > 0 && held.Age(now) > uc.cfg.LockMaxHold
	if inUse && !expired && !deadHolder {
		return false, nil
	}

	uc.log.Warn().
		Str("owner", held.Owner).
		Int("pid", held.PID).
		Str("host", held.Host).
		Dur("age", held.Age(now)).
		Bool("expired", expired).
		Bool("dead_holder", deadHolder).
		Msg("force releasing orphaned lock")
	released, err := uc.locker.ForceRelease(ctx, held)
	if err != nil {
		return false, fmt.Errorf("failed to force release lock: %w", err)
	}
	if !released {
		uc.log.Info().Str("owner", held.Owner).Msg("lock changed hands before release, leaving it")
		return false, nil
	}
	metrics.MonitorCleanups.WithLabelValues("lock").Inc()
	return true, nil
}

func (uc *MonitorUsecase) endOperation(ctx context.Context, id int64) {
	if err := uc.store.EndOperation(ctx, id); err != nil {
		uc.log.Error().Err(err).Int64("op", id).Msg("failed to end operation")
	}
}
