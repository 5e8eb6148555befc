package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/anthropics/feishu-relay/internal/biz/repo"
	"github.com/anthropics/feishu-relay/internal/infra/cache"
)

// MaintenanceConfig schedules housekeeping. Schedules use the six-field cron format with seconds.
type MaintenanceConfig struct {
	// Keep is how long terminal rows and ledgers are retained
	Keep              time.Duration
	RetentionSchedule string
	PruneSchedule     string
}

// Maintenance runs retention cleanup and cache pruning on cron schedules
type Maintenance struct {
	store repo.QueueRepo
	cache *cache.Cache
	cfg   MaintenanceConfig
	cron  *cron.Cron
	log   zerolog.Logger
	now   func() time.Time
}

// NewMaintenance validates the schedules and registers both jobs
func NewMaintenance(store repo.QueueRepo, c *cache.Cache, cfg MaintenanceConfig, log zerolog.Logger) (*Maintenance, error) {
	logger := cron.PrintfLogger(&log)
	m := &Maintenance{
		store: store,
		cache: c,
		cfg:   cfg,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		log: log,
		now: time.Now,
	}

	if cfg.RetentionSchedule != "" {
		if _, err := m.cron.AddFunc(cfg.RetentionSchedule, m.retentionJob); err != nil {
			return nil, fmt.Errorf("invalid retention schedule %q: %w", cfg.RetentionSchedule, err)
		}
	}
	if cfg.PruneSchedule != "" && c != nil {
		if _, err := m.cron.AddFunc(cfg.PruneSchedule, m.pruneJob); err != nil {
			return nil, fmt.Errorf("invalid prune schedule %q: %w", cfg.PruneSchedule, err)
		}
	}
	return m, nil
}

// Run starts the cron loop and blocks until ctx is done, then waits for running jobs
func (m *Maintenance) Run(ctx context.Context) error {
	m.cron.Start()
	m.log.Info().Int("jobs", len(m.cron.Entries())).Msg("maintenance started")
	<-ctx.Done()
	<-m.cron.Stop().Done()
	return nil
}

// Cleanup deletes rows older than the retention window
func (m *Maintenance) Cleanup(ctx context.Context) (int64, error) {
	if m.cfg.Keep <= 0 {
		return 0, nil
	}
	n, err := m.store.Cleanup(ctx, m.now().Add(-m.cfg.Keep))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up: %w", err)
	}
	return n, nil
}

func (m *Maintenance) retentionJob() {
	n, err := m.Cleanup(context.Background())
	if err != nil {
		m.log.Error().Err(err).Msg("retention cleanup failed")
		return
	}
	if n > 0 {
		m.log.Info().Int64("rows", n).Dur("keep", m.cfg.Keep).Msg("retention cleanup")
	}
}

func (m *Maintenance) pruneJob() {
	if n := m.cache.Prune(); n > 0 {
		m.log.Debug().Int("entries", n).Msg("pruned cache")
	}
}
