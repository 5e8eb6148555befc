package service

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/anthropics/feishu-relay/internal/biz/repo"
	"github.com/anthropics/feishu-relay/internal/infra/estop"
	"github.com/anthropics/feishu-relay/internal/infra/pidfile"
)

// Runner is a component that runs until its context is done
type Runner interface {
	Run(ctx context.Context) error
}

// Daemon wraps a scheduler with the process lifecycle: PID file, signals,
// emergency-stop watch, maintenance and lock cleanup on exit.
type Daemon struct {
	role        Role
	stateDir    string
	scheduler   Runner
	maintenance Runner
	flag        *estop.Flag
	locker      repo.Locker
	log         zerolog.Logger

	signals chan os.Signal
	exit    func(code int)
}

// NewDaemon creates a daemon. maintenance and flag may be nil.
func NewDaemon(role Role, stateDir string, scheduler, maintenance Runner, flag *estop.Flag, locker repo.Locker, log zerolog.Logger) *Daemon {
	return &Daemon{
		role:        role,
		stateDir:    stateDir,
		scheduler:   scheduler,
		maintenance: maintenance,
		flag:        flag,
		locker:      locker,
		log:         log,
		signals:     make(chan os.Signal, 2),
		exit:        os.Exit,
	}
}

// Run blocks until the scheduler stops. The first SIGINT/SIGTERM starts a graceful
// shutdown; a second one exits immediately.
func (d *Daemon) Run(ctx context.Context) error {
	path := pidfile.Path(d.stateDir, string(d.role))
	if err := pidfile.Write(path); err != nil {
		return err
	}
	defer func() {
		if err := pidfile.Remove(path); err != nil {
			d.log.Error().Err(err).Msg("failed to remove pid file")
		}
	}()
	defer d.releaseOwnLock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	signal.Notify(d.signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(d.signals)
	stopped := make(chan struct{})
	defer close(stopped)
	go d.handleSignals(stopped, cancel)

	d.log.Info().Str("role", string(d.role)).Int("pid", os.Getpid()).Msg("daemon started")

	g, gctx := errgroup.WithContext(ctx)
	if d.flag != nil {
		g.Go(func() error { return d.flag.Watch(gctx) })
	}
	if d.maintenance != nil {
		g.Go(func() error { return d.maintenance.Run(gctx) })
	}
	g.Go(func() error {
		defer cancel()
		return d.scheduler.Run(gctx)
	})

	err := g.Wait()
	if err != nil {
		d.log.Error().Err(err).Msg("daemon stopped")
	} else {
		d.log.Info().Msg("daemon stopped")
	}
	return err
}

func (d *Daemon) handleSignals(stopped <-chan struct{}, cancel context.CancelFunc) {
	shuttingDown := false
	for {
		select {
		case <-stopped:
			return
		case sig := <-d.signals:
			if shuttingDown {
				d.log.Warn().Str("signal", sig.String()).Msg("forced exit")
				d.exit(1)
				return
			}
			shuttingDown = true
			d.log.Info().Str("signal", sig.String()).Msg("shutting down, signal again to force")
			cancel()
		}
	}
}

// releaseOwnLock clears the platform lock if this process still holds it
func (d *Daemon) releaseOwnLock() {
	if d.locker == nil {
		return
	}
	ctx := context.Background()
	held, err := d.locker.Inspect(ctx)
	if err != nil || held == nil {
		return
	}
	host, _ := os.Hostname()
	if held.PID != os.Getpid() || held.Host != host {
		return
	}
	d.log.Warn().Str("owner", held.Owner).Msg("releasing lock held at exit")
	if _, err := d.locker.ForceRelease(ctx, held); err != nil {
		d.log.Error().Err(err).Msg("failed to release lock")
	}
}
