package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
	"github.com/anthropics/feishu-relay/internal/biz/usecase"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeQueue struct {
	mu                sync.Mutex
	inbound, outbound int
}

func (q *fakeQueue) PendingCounts(context.Context) (int, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inbound, q.outbound, nil
}

func (q *fakeQueue) set(in, out int) {
	q.mu.Lock()
	q.inbound, q.outbound = in, out
	q.mu.Unlock()
}

type fakeSender struct {
	calls atomic.Int32
	err   func(n int32) error
}

func (f *fakeSender) SendBatch(context.Context, int) (*usecase.SendResult, error) {
	n := f.calls.Add(1)
	if f.err != nil {
		return &usecase.SendResult{}, f.err(n)
	}
	return &usecase.SendResult{}, nil
}

type fakeFetcher struct {
	calls atomic.Int32
	items []*domain.InboundItem
}

func (f *fakeFetcher) FetchNew(context.Context, []string, time.Duration) ([]*domain.InboundItem, error) {
	f.calls.Add(1)
	return f.items, nil
}

type fakeProcessor struct{ calls atomic.Int32 }

func (f *fakeProcessor) ProcessBatch(context.Context, int) (*usecase.ProcessResult, error) {
	f.calls.Add(1)
	return &usecase.ProcessResult{}, nil
}

type fakeSweeper struct{ calls atomic.Int32 }

func (f *fakeSweeper) Sweep(context.Context) (bool, error) {
	f.calls.Add(1)
	return false, nil
}

type fixture struct {
	queue     *fakeQueue
	sender    *fakeSender
	fetcher   *fakeFetcher
	processor *fakeProcessor
	monitor   *fakeSweeper
}

func newFixture() *fixture {
	return &fixture{
		queue:     &fakeQueue{},
		sender:    &fakeSender{},
		fetcher:   &fakeFetcher{},
		processor: &fakeProcessor{},
		monitor:   &fakeSweeper{},
	}
}

func (f *fixture) scheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Tick == 0 {
		cfg.Tick = time.Millisecond
	}
	return NewScheduler(cfg, f.queue, f.sender, f.fetcher, f.processor, f.monitor, zerolog.Nop())
}

func TestSchedulerFatalThreshold(t *testing.T) {
	f := newFixture()
	f.queue.set(0, 3)
	f.sender.err = func(int32) error { return errors.New("platform down") }
	s := f.scheduler(SchedulerConfig{MaxConsecutiveErrors: 10, FetchCooldown: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Run(ctx)

	require.ErrorIs(t, err, ErrFatal)
	assert.Equal(t, StateTerminatedFatal, s.State())
	assert.Equal(t, int32(10), f.sender.calls.Load(), "no claims after the fatal state")
	assert.Equal(t, 10, s.ConsecutiveErrors())
}

func TestSchedulerSuccessResetsStreak(t *testing.T) {
	f := newFixture()
	f.queue.set(0, 1)
	// every third call succeeds, so the streak never reaches 3
	f.sender.err = func(n int32) error {
		if n%3 == 0 {
			return nil
		}
		return errors.New("flaky")
	}
	s := f.scheduler(SchedulerConfig{MaxConsecutiveErrors: 3, FetchCooldown: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for f.sender.calls.Load() < 12 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	require.NoError(t, s.Run(ctx))
	assert.Equal(t, StateTerminated, s.State())
}

func TestSchedulerLockTimeoutNotCounted(t *testing.T) {
	f := newFixture()
	f.queue.set(0, 1)
	f.sender.err = func(int32) error { return domain.ErrLockTimeout }
	s := f.scheduler(SchedulerConfig{MaxConsecutiveErrors: 2, FetchCooldown: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for f.sender.calls.Load() < 5 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	require.NoError(t, s.Run(ctx))
	assert.Zero(t, s.ConsecutiveErrors())
}

func TestSchedulerAdaptivePhases(t *testing.T) {
	f := newFixture()
	f.fetcher.items = []*domain.InboundItem{{ID: "m1"}}
	s := f.scheduler(SchedulerConfig{FetchCooldown: time.Hour, MonitorEvery: 2})

	ctx := context.Background()
	// first tick: nothing pending, so fetch runs and new items are processed
	require.False(t, s.tick(ctx))
	assert.Equal(t, int32(1), f.fetcher.calls.Load())
	assert.Equal(t, int32(1), f.processor.calls.Load())
	assert.Zero(t, f.sender.calls.Load())

	// second tick: outbound pending takes priority; monitor runs on the second tick
	f.queue.set(0, 1)
	require.False(t, s.tick(ctx))
	assert.Equal(t, int32(1), f.sender.calls.Load())
	assert.Equal(t, int32(1), f.fetcher.calls.Load())
	assert.Equal(t, int32(1), f.monitor.calls.Load())

	// third tick: cooldown not elapsed, pending inbound is processed without fetching
	f.queue.set(2, 0)
	require.False(t, s.tick(ctx))
	assert.Equal(t, int32(1), f.fetcher.calls.Load())
	assert.Equal(t, int32(2), f.processor.calls.Load())

	// cooldown elapsed
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	f.queue.set(0, 0)
	f.fetcher.items = nil
	require.False(t, s.tick(ctx))
	assert.Equal(t, int32(2), f.fetcher.calls.Load())
	assert.Equal(t, int32(2), f.processor.calls.Load(), "nothing new, nothing pending")
}

func TestSchedulerSendRole(t *testing.T) {
	f := newFixture()
	s := f.scheduler(SchedulerConfig{Role: RoleSend})

	require.False(t, s.tick(context.Background()))
	require.False(t, s.tick(context.Background()))
	assert.Equal(t, int32(2), f.sender.calls.Load())
	assert.Zero(t, f.fetcher.calls.Load())
	assert.Zero(t, f.processor.calls.Load())
}

func TestSchedulerNoClaimsAfterCancel(t *testing.T) {
	f := newFixture()
	f.queue.set(1, 1)
	s := f.scheduler(SchedulerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx))
	assert.Equal(t, StateTerminated, s.State())
	assert.Zero(t, f.sender.calls.Load())
	assert.Zero(t, f.processor.calls.Load())
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("send")
	require.NoError(t, err)
	assert.Equal(t, RoleSend, r)

	_, err = ParseRole("everything")
	assert.Error(t, err)
}
