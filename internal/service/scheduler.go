package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
	"github.com/anthropics/feishu-relay/internal/biz/usecase"
	"github.com/anthropics/feishu-relay/internal/infra/metrics"
)

// ErrFatal is returned by Run once consecutive failures reach the configured maximum
var ErrFatal = errors.New("too many consecutive errors")

// State is the scheduler's lifecycle state
type State string

const (
	StateIdle            State = "idle"
	StateSending         State = "sending"
	StateFetching        State = "fetching"
	StateProcessing      State = "processing"
	StateShuttingDown    State = "shutting-down"
	StateTerminated      State = "terminated"
	StateTerminatedFatal State = "terminated-fatal"
)

// Role selects which phases a daemon runs
type Role string

const (
	RoleAdaptive Role = "adaptive"
	RoleFetch    Role = "fetch"
	RoleSend     Role = "send"
	RoleProcess  Role = "process"
)

// ParseRole validates a role name
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleAdaptive, RoleFetch, RoleSend, RoleProcess:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q (want adaptive, fetch, send or process)", s)
}

// Sender drains the outbound queue
type Sender interface {
	SendBatch(ctx context.Context, limit int) (*usecase.SendResult, error)
}

// Fetcher fills the inbound queue
type Fetcher interface {
	FetchNew(ctx context.Context, channels []string, window time.Duration) ([]*domain.InboundItem, error)
}

// Processor turns inbound items into responses
type Processor interface {
	ProcessBatch(ctx context.Context, limit int) (*usecase.ProcessResult, error)
}

// Sweeper cleans up after stuck operations
type Sweeper interface {
	Sweep(ctx context.Context) (bool, error)
}

// PendingCounter reports queue depth
type PendingCounter interface {
	PendingCounts(ctx context.Context) (inbound, outbound int, err error)
}

// SchedulerConfig tunes the loop
type SchedulerConfig struct {
	Role                 Role
	Tick                 time.Duration
	FetchCooldown        time.Duration
	FetchWindow          time.Duration
	Channels             []string
	SendBatch            int
	ProcessBatch         int
	MaxConsecutiveErrors int
	// MonitorEvery runs the monitor sweep on every Nth tick
	MonitorEvery int
}

// Scheduler is the daemon loop. It prefers draining responses over fetching new work.
type Scheduler struct {
	cfg       SchedulerConfig
	sender    Sender
	fetcher   Fetcher
	processor Processor
	monitor   Sweeper
	queue     PendingCounter
	log       zerolog.Logger
	now       func() time.Time

	mu        sync.RWMutex
	state     State
	errors    int
	ticks     int
	lastFetch time.Time
}

// NewScheduler creates a scheduler
func NewScheduler(
	cfg SchedulerConfig,
	queue PendingCounter,
	sender Sender,
	fetcher Fetcher,
	processor Processor,
	monitor Sweeper,
	log zerolog.Logger,
) *Scheduler {
	if cfg.Role == "" {
		cfg.Role = RoleAdaptive
	}
	if cfg.MonitorEvery <= 0 {
		cfg.MonitorEvery = 5
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 10
	}
	return &Scheduler{
		cfg:       cfg,
		sender:    sender,
		fetcher:   fetcher,
		processor: processor,
		monitor:   monitor,
		queue:     queue,
		log:       log,
		now:       time.Now,
		state:     StateIdle,
	}
}

// State returns the current state
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ConsecutiveErrors returns the current failure streak
func (s *Scheduler) ConsecutiveErrors() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errors
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	if st != StateIdle {
		s.log.Debug().Str("state", string(st)).Msg("state")
	}
}

// Run ticks until ctx is cancelled or the failure threshold is reached.
// A phase already running when ctx is cancelled completes; no new phase starts.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().
		Str("role", string(s.cfg.Role)).
		Dur("tick", s.cfg.Tick).
		Dur("fetch_cooldown", s.cfg.FetchCooldown).
		Int("max_errors", s.cfg.MaxConsecutiveErrors).
		Msg("scheduler started")

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return s.shutdown()
		}
		if s.tick(ctx) {
			s.setState(StateTerminatedFatal)
			s.log.Error().Int("errors", s.ConsecutiveErrors()).Msg("scheduler stopping after repeated failures")
			return fmt.Errorf("%w: %d in a row", ErrFatal, s.ConsecutiveErrors())
		}
		s.setState(StateIdle)

		select {
		case <-ctx.Done():
			return s.shutdown()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) shutdown() error {
	s.setState(StateShuttingDown)
	s.log.Info().Msg("scheduler shutting down")
	s.setState(StateTerminated)
	return nil
}

// tick runs one pass and reports whether the failure threshold was reached
func (s *Scheduler) tick(ctx context.Context) bool {
	s.mu.Lock()
	s.ticks++
	n := s.ticks
	s.mu.Unlock()

	var fatal bool
	switch s.cfg.Role {
	case RoleSend:
		fatal = s.runSend(ctx)
	case RoleProcess:
		fatal = s.runProcess(ctx)
	case RoleFetch:
		if s.fetchDue() {
			fatal = s.runFetch(ctx, true)
		}
	default:
		fatal = s.adaptive(ctx)
	}
	if fatal {
		return true
	}

	if n%s.cfg.MonitorEvery == 0 && ctx.Err() == nil && s.monitor != nil {
		metrics.SchedulerTicks.WithLabelValues("monitor").Inc()
		if cleaned, err := s.monitor.Sweep(ctx); err != nil {
			s.log.Error().Err(err).Msg("monitor sweep failed")
		} else if cleaned {
			s.log.Info().Msg("monitor cleaned up stuck work")
		}
	}
	return false
}

func (s *Scheduler) adaptive(ctx context.Context) bool {
	inbound, outbound, err := s.queue.PendingCounts(ctx)
	if err != nil {
		return s.record("queue", err)
	}

	if outbound > 0 {
		return s.runSend(ctx)
	}
	if s.fetchDue() {
		return s.runFetch(ctx, inbound > 0)
	}
	if inbound > 0 {
		return s.runProcess(ctx)
	}
	metrics.SchedulerTicks.WithLabelValues("idle").Inc()
	return false
}

func (s *Scheduler) fetchDue() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastFetch.IsZero() || s.now().Sub(s.lastFetch) >= s.cfg.FetchCooldown
}

func (s *Scheduler) runSend(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	s.setState(StateSending)
	metrics.SchedulerTicks.WithLabelValues("send").Inc()
	_, err := s.sender.SendBatch(ctx, s.cfg.SendBatch)
	return s.record("send", err)
}

// runFetch fetches, then processes when new items arrived or process is already set
func (s *Scheduler) runFetch(ctx context.Context, process bool) bool {
	if ctx.Err() != nil {
		return false
	}
	s.setState(StateFetching)
	metrics.SchedulerTicks.WithLabelValues("fetch").Inc()
	items, err := s.fetcher.FetchNew(ctx, s.cfg.Channels, s.cfg.FetchWindow)
	if !errors.Is(err, domain.ErrLockTimeout) {
		s.mu.Lock()
		s.lastFetch = s.now()
		s.mu.Unlock()
	}
	if s.record("fetch", err) {
		return true
	}
	if err != nil || (len(items) == 0 && !process) {
		return false
	}
	return s.runProcess(ctx)
}

func (s *Scheduler) runProcess(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	s.setState(StateProcessing)
	metrics.SchedulerTicks.WithLabelValues("process").Inc()
	_, err := s.processor.ProcessBatch(ctx, s.cfg.ProcessBatch)
	return s.record("process", err)
}

// record updates the failure streak and reports whether it reached the maximum.
// Lock timeouts skip the tick without counting.
func (s *Scheduler) record(phase string, err error) bool {
	if errors.Is(err, domain.ErrLockTimeout) {
		s.log.Info().Str("phase", phase).Msg("lock busy, skipping tick")
		return false
	}

	s.mu.Lock()
	if err == nil {
		s.errors = 0
	} else {
		s.errors++
	}
	n := s.errors
	s.mu.Unlock()
	metrics.ConsecutiveErrors.Set(float64(n))

	if err != nil {
		s.log.Error().Err(err).Str("phase", phase).Int("consecutive", n).Msg("phase failed")
	}
	return n >= s.cfg.MaxConsecutiveErrors
}
