package usecase

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
	"github.com/anthropics/feishu-relay/internal/biz/repo"
)

// Tracker registers in-flight operations so the monitor can find and stop them.
// Operations run on a context detached from the caller's cancellation: shutdown lets
// them finish, while their own timeout and Cancel still end them.
type Tracker struct {
	store    repo.OperationRepo
	timeouts map[domain.Role]time.Duration
	pid      int
	host     string
	log      zerolog.Logger

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
}

// NewTracker creates a tracker with a timeout per role
func NewTracker(store repo.OperationRepo, timeouts map[domain.Role]time.Duration, log zerolog.Logger) *Tracker {
	host, _ := os.Hostname()
	return &Tracker{
		store:    store,
		timeouts: timeouts,
		pid:      os.Getpid(),
		host:     host,
		log:      log,
		cancels:  make(map[int64]context.CancelFunc),
	}
}

// PID is the process id operations are registered under
func (t *Tracker) PID() int { return t.pid }

// Host is the host name operations are registered under
func (t *Tracker) Host() string { return t.host }

// Timeout returns the ceiling for role
func (t *Tracker) Timeout(role domain.Role) time.Duration {
	return t.timeouts[role]
}

// Begin registers an operation. The returned done func must be called when it finishes.
func (t *Tracker) Begin(ctx context.Context, role domain.Role) (context.Context, func(), error) {
	base := context.WithoutCancel(ctx)
	id, err := t.store.BeginOperation(base, role, t.pid, t.host)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to register %s operation: %w", role, err)
	}

	var opCtx context.Context
	var cancel context.CancelFunc
	if d := t.timeouts[role]; d > 0 {
		opCtx, cancel = context.WithTimeout(base, d)
	} else {
		opCtx, cancel = context.WithCancel(base)
	}

	t.mu.Lock()
	t.cancels[id] = cancel
	t.mu.Unlock()

	var once sync.Once
	done := func() {
		once.Do(func() {
			cancel()
			t.mu.Lock()
			delete(t.cancels, id)
			t.mu.Unlock()
			if err := t.store.EndOperation(base, id); err != nil {
				t.log.Error().Err(err).Int64("op", id).Msg("failed to end operation")
			}
		})
	}
	return opCtx, done, nil
}

// Cancel stops an operation running in this process. It reports false if the id is unknown.
func (t *Tracker) Cancel(id int64) bool {
	t.mu.Lock()
	cancel, ok := t.cancels[id]
	t.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active returns the number of operations running in this process
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cancels)
}
