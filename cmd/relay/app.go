package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
	"github.com/anthropics/feishu-relay/internal/biz/repo"
	"github.com/anthropics/feishu-relay/internal/biz/usecase"
	"github.com/anthropics/feishu-relay/internal/conf"
	"github.com/anthropics/feishu-relay/internal/data"
	"github.com/anthropics/feishu-relay/internal/infra/cache"
	"github.com/anthropics/feishu-relay/internal/infra/estop"
	"github.com/anthropics/feishu-relay/internal/infra/logging"
	"github.com/anthropics/feishu-relay/internal/service"
)

// app holds the shared handles every command builds on
type app struct {
	cfg     *conf.Config
	log     zerolog.Logger
	store   repo.Store
	locker  repo.Locker
	flag    *estop.Flag
	cache   *cache.Cache
	guard   *usecase.Guard
	tracker *usecase.Tracker

	closers []io.Closer
}

// openApp loads configuration and opens the store, lock and stop flag.
// role selects the log file; an empty role logs to stderr only.
func openApp(ctx context.Context, role string) (*app, error) {
	cfg, err := conf.LoadFromEnv()
	if err != nil {
		return nil, err
	}

	logDir := ""
	if role != "" {
		logDir = cfg.LogDir()
	}
	log, logCloser, err := logging.New(logging.Options{Debug: cfg.Debug, Role: role, Dir: logDir})
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, closers: []io.Closer{logCloser}}

	if a.store, err = data.NewStore(ctx, cfg, logging.Component(log, "Store")); err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.store)

	if a.locker, err = data.NewLocker(ctx, cfg, logging.Component(log, "Lock")); err != nil {
		a.Close()
		return nil, err
	}
	if c, ok := a.locker.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	if a.flag, err = estop.New(cfg.StateDir, logging.Component(log, "EmergencyStop")); err != nil {
		a.Close()
		return nil, err
	}

	a.cache = cache.New()
	a.guard = usecase.NewGuard(a.store, a.cache, a.flag, usecase.GuardConfig{
		RateLimit:        cfg.Guard.RateLimit,
		RateWindow:       cfg.Guard.RateWindow,
		SeenTTL:          cfg.Guard.SeenTTL,
		SelfLookback:     cfg.Guard.SelfLookback,
		SignatureMarkers: cfg.Prompts.Responses.SignatureMarkers,
	}, logging.Component(log, "Guard"))
	a.tracker = usecase.NewTracker(a.store, a.timeouts(), logging.Component(log, "Tracker"))
	return a, nil
}

func (a *app) timeouts() map[domain.Role]time.Duration {
	return map[domain.Role]time.Duration{
		domain.RoleFetch:      a.cfg.Timeouts.Fetch,
		domain.RoleGeneration: a.cfg.Timeouts.Generation,
		domain.RoleSend:       a.cfg.Timeouts.Send,
	}
}

// Close releases everything openApp opened, in reverse order
func (a *app) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

func (a *app) admin() *usecase.AdminUsecase {
	return usecase.NewAdminUsecase(a.store, a.locker, a.flag, a.guard, a.cache)
}

func (a *app) platform() (repo.PlatformRepo, error) {
	return data.NewPlatform(a.cfg, logging.Component(a.log, "Platform"))
}

func (a *app) processor(platform repo.PlatformRepo) (*usecase.ProcessUsecase, error) {
	generator, err := data.NewGenerator(a.cfg)
	if err != nil {
		return nil, err
	}
	p := a.cfg.Prompts
	return usecase.NewProcessUsecase(a.store, platform, generator, a.guard, a.tracker,
		p, p.Responses.TimeoutMessage, logging.Component(a.log, "Processor")), nil
}

// daemon wires the scheduler, monitor and maintenance jobs for one role
func (a *app) daemon(role service.Role) (*service.Daemon, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg := a.cfg

	platform, err := a.platform()
	if err != nil {
		return nil, err
	}
	processor, err := a.processor(platform)
	if err != nil {
		return nil, err
	}

	fetcher := usecase.NewFetchUsecase(platform, a.store, a.locker, a.guard, a.tracker, a.cache,
		usecase.TriggerConfig{
			Keywords:      cfg.Trigger.Keywords,
			Mode:          cfg.Mode(),
			MentionTokens: cfg.Trigger.MentionTokens,
		}, logging.Component(a.log, "Fetcher"))

	sender := usecase.NewSendUsecase(platform, a.store, a.locker, a.guard, a.tracker,
		cfg.Sender.MaxRetries, cfg.Prompts.Responses.Signature, logging.Component(a.log, "Sender"))

	monitor := usecase.NewMonitorUsecase(a.store, a.locker, a.tracker, usecase.MonitorConfig{
		Ceilings:    a.timeouts(),
		KillGrace:   cfg.Timeouts.KillGrace,
		LockMaxHold: cfg.Lock.MaxHold,
		// a batch generates items one after another
		StaleInbound:  cfg.Timeouts.Generation*time.Duration(cfg.Scheduler.ProcessBatch) + cfg.Timeouts.Generation,
		StaleOutbound: cfg.Timeouts.Send,
	}, logging.Component(a.log, "Monitor"))

	scheduler := service.NewScheduler(service.SchedulerConfig{
		Role:                 role,
		Tick:                 cfg.Scheduler.Tick,
		FetchCooldown:        cfg.Scheduler.FetchCooldown,
		FetchWindow:          cfg.Scheduler.FetchWindow,
		Channels:             cfg.Trigger.Channels,
		SendBatch:            cfg.Scheduler.SendBatch,
		ProcessBatch:         cfg.Scheduler.ProcessBatch,
		MaxConsecutiveErrors: cfg.Scheduler.MaxConsecutiveErrors,
		MonitorEvery:         cfg.Scheduler.MonitorEvery,
	}, a.store, sender, fetcher, processor, monitor, logging.Component(a.log, "Scheduler"))

	maintenance, err := service.NewMaintenance(a.store, a.cache, service.MaintenanceConfig{
		Keep:              cfg.Retention.Keep,
		RetentionSchedule: cfg.Retention.Schedule,
		PruneSchedule:     cfg.Retention.PruneSchedule,
	}, logging.Component(a.log, "Maintenance"))
	if err != nil {
		return nil, err
	}

	return service.NewDaemon(role, cfg.StateDir, scheduler, maintenance, a.flag, a.locker, a.log), nil
}
