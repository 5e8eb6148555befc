package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
	"github.com/anthropics/feishu-relay/internal/biz/repo"
	"github.com/anthropics/feishu-relay/internal/infra/cache"
)

// memStore is an in-memory repo.Store
type memStore struct {
	mu        sync.Mutex
	inbound   map[string]*domain.InboundItem
	inOrder   []string
	outbound  map[string]*domain.OutboundItem
	outOrder  []string
	responded map[string]*domain.RespondedRecord
	watches   map[string]*domain.ThreadWatch
	selfs     []*domain.SelfResponseRecord
	ops       map[int64]*domain.Operation
	nextOp    int64
	now       func() time.Time
}

func newMemStore() *memStore {
	return &memStore{
		inbound:   make(map[string]*domain.InboundItem),
		outbound:  make(map[string]*domain.OutboundItem),
		responded: make(map[string]*domain.RespondedRecord),
		watches:   make(map[string]*domain.ThreadWatch),
		ops:       make(map[int64]*domain.Operation),
		now:       time.Now,
	}
}

var _ repo.Store = (*memStore)(nil)

func (s *memStore) EnqueueInbound(_ context.Context, item *domain.InboundItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[item.ID]; ok {
		return domain.ErrDuplicateKey
	}
	cp := *item
	cp.Status = domain.InboundPending
	s.inbound[item.ID] = &cp
	s.inOrder = append(s.inOrder, item.ID)
	return nil
}

func (s *memStore) ClaimInbound(_ context.Context, limit int) ([]*domain.InboundItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.InboundItem
	for _, id := range s.inOrder {
		if len(out) >= limit {
			break
		}
		item := s.inbound[id]
		if item.Status != domain.InboundPending {
			continue
		}
		now := s.now()
		item.Status = domain.InboundProcessing
		item.ClaimedAt = &now
		cp := *item
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) CompleteInbound(_ context.Context, id string, status domain.InboundStatus, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.inbound[id]
	if !ok {
		return domain.ErrNotFound
	}
	if err := domain.ValidateInboundTransition(item.Status, status); err != nil {
		return err
	}
	item.Status = status
	item.ErrorDetail = detail
	if status == domain.InboundPending {
		item.ClaimedAt = nil
	}
	return nil
}

func (s *memStore) ResetInbound(ctx context.Context, id string) error {
	return s.CompleteInbound(ctx, id, domain.InboundPending, "")
}

func (s *memStore) EnqueueOutbound(_ context.Context, item *domain.OutboundItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outbound[item.ID]; ok {
		return domain.ErrDuplicateKey
	}
	cp := *item
	cp.Status = domain.OutboundPending
	s.outbound[item.ID] = &cp
	s.outOrder = append(s.outOrder, item.ID)
	return nil
}

func (s *memStore) ClaimOutbound(_ context.Context, limit int) ([]*domain.OutboundItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.OutboundItem
	for _, id := range s.outOrder {
		if len(out) >= limit {
			break
		}
		item := s.outbound[id]
		if item.Status != domain.OutboundPending {
			continue
		}
		now := s.now()
		item.Status = domain.OutboundSending
		item.ClaimedAt = &now
		cp := *item
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) CompleteOutbound(_ context.Context, id string, status domain.OutboundStatus, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.outbound[id]
	if !ok {
		return domain.ErrNotFound
	}
	if err := domain.ValidateOutboundTransition(item.Status, status); err != nil {
		return err
	}
	item.Status = status
	item.ErrorDetail = detail
	if status == domain.OutboundPending {
		item.ClaimedAt = nil
	}
	return nil
}

func (s *memStore) RetryOutbound(_ context.Context, id, detail string, maxRetries int) (*domain.OutboundItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.outbound[id]
	if !ok || item.Status != domain.OutboundSending {
		return nil, domain.ErrNotFound
	}
	item.Retries++
	item.ErrorDetail = detail
	item.ClaimedAt = nil
	if item.Retries >= maxRetries {
		item.Status = domain.OutboundError
	} else {
		item.Status = domain.OutboundPending
	}
	cp := *item
	return &cp, nil
}

func (s *memStore) ResetOutbound(ctx context.Context, id string) error {
	return s.CompleteOutbound(ctx, id, domain.OutboundPending, "")
}

func (s *memStore) HasResponded(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.responded[id]
	return ok, nil
}

func (s *memStore) RecordResponded(_ context.Context, rec *domain.RespondedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responded[rec.ID] = rec
	return nil
}

func (s *memStore) UpsertThreadWatch(_ context.Context, channelID, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := channelID + "/" + threadID
	now := s.now()
	if w, ok := s.watches[key]; ok {
		w.LastCheckedAt = now
		return nil
	}
	s.watches[key] = &domain.ThreadWatch{ChannelID: channelID, ThreadID: threadID, LastCheckedAt: now, CreatedAt: now}
	return nil
}

func (s *memStore) RecordSelfResponse(_ context.Context, rec *domain.SelfResponseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.ID = int64(len(s.selfs) + 1)
	s.selfs = append(s.selfs, &cp)
	return nil
}

func (s *memStore) IsSelfResponse(_ context.Context, channelID, threadID, text string, lookback time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-lookback)
	for _, r := range s.selfs {
		if r.ChannelID == channelID && r.ThreadID == threadID && r.PostedAt.After(cutoff) &&
			domain.NormalizeText(r.Text) == domain.NormalizeText(text) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) CountSelfResponses(_ context.Context, channelID, threadID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.selfs {
		if r.ChannelID == channelID && r.ThreadID == threadID && !r.PostedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *memStore) CountQueuedResponses(_ context.Context, channelID, threadID, excludeID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.outbound {
		if o.ID == excludeID || o.ChannelID != channelID || o.ThreadID != threadID || o.CreatedAt.Before(since) {
			continue
		}
		if o.Status == domain.OutboundPending || o.Status == domain.OutboundSending {
			n++
		}
	}
	return n, nil
}

func (s *memStore) PendingCounts(_ context.Context) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, out := 0, 0
	for _, item := range s.inbound {
		if item.Status == domain.InboundPending {
			in++
		}
	}
	for _, item := range s.outbound {
		if item.Status == domain.OutboundPending {
			out++
		}
	}
	return in, out, nil
}

func (s *memStore) Stats(_ context.Context) (*domain.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &domain.QueueStats{
		QueueCounts: domain.QueueCounts{
			Inbound:  make(map[domain.InboundStatus]int),
			Outbound: make(map[domain.OutboundStatus]int),
		},
		Responded:     len(s.responded),
		ThreadWatches: len(s.watches),
		SelfResponses: len(s.selfs),
	}
	for _, item := range s.inbound {
		st.Inbound[item.Status]++
	}
	for _, item := range s.outbound {
		st.Outbound[item.Status]++
	}
	return st, nil
}

func (s *memStore) ListInbound(_ context.Context, status domain.InboundStatus, limit int) ([]*domain.InboundItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.InboundItem
	for _, id := range s.inOrder {
		if item := s.inbound[id]; item.Status == status && len(out) < limit {
			cp := *item
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) ListOutbound(_ context.Context, status domain.OutboundStatus, limit int) ([]*domain.OutboundItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.OutboundItem
	for _, id := range s.outOrder {
		if item := s.outbound[id]; item.Status == status && len(out) < limit {
			cp := *item
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) ListThreadWatches(_ context.Context, limit int) ([]*domain.ThreadWatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ThreadWatch
	for _, w := range s.watches {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ThreadID < out[j].ThreadID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) RequeueStale(_ context.Context, inboundBefore, outboundBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, item := range s.inbound {
		if item.Status == domain.InboundProcessing && item.ClaimedAt != nil && item.ClaimedAt.Before(inboundBefore) {
			item.Status = domain.InboundPending
			item.ClaimedAt = nil
			n++
		}
	}
	for _, item := range s.outbound {
		if item.Status == domain.OutboundSending && item.ClaimedAt != nil && item.ClaimedAt.Before(outboundBefore) {
			item.Status = domain.OutboundPending
			item.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *memStore) Cleanup(_ context.Context, _ time.Time) (int64, error) { return 0, nil }

func (s *memStore) Close() error { return nil }

func (s *memStore) BeginOperation(_ context.Context, role domain.Role, pid int, host string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextOp++
	s.ops[s.nextOp] = &domain.Operation{ID: s.nextOp, Role: role, PID: pid, Host: host, StartedAt: s.now()}
	return s.nextOp, nil
}

func (s *memStore) EndOperation(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := s.now()
	op.EndedAt = &now
	return nil
}

func (s *memStore) ListActiveOperations(_ context.Context) ([]*domain.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Operation
	for id := int64(1); id <= s.nextOp; id++ {
		if op := s.ops[id]; op != nil && op.EndedAt == nil {
			cp := *op
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) inboundItem(id string) domain.InboundItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.inbound[id]
}

func (s *memStore) outboundItem(id string) domain.OutboundItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.outbound[id]
}

// fakePlatform serves canned history and records posts
type fakePlatform struct {
	mu       sync.Mutex
	botID    string
	channels []domain.Channel
	history  map[string][]domain.Message
	posts    []post
	// postErrs are returned by successive Post calls before succeeding
	postErrs  []error
	listCalls atomic.Int32
}

type post struct {
	Channel, Thread, Text string
}

func (p *fakePlatform) Name() string { return "fake" }

func (p *fakePlatform) BotID(context.Context) (string, error) { return p.botID, nil }

func (p *fakePlatform) ListChannels(context.Context) ([]domain.Channel, error) {
	p.listCalls.Add(1)
	return p.channels, nil
}

func (p *fakePlatform) History(_ context.Context, channelID string, since time.Time) ([]domain.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs, ok := p.history[channelID]
	if !ok {
		return nil, fmt.Errorf("channel %s not found", channelID)
	}
	var out []domain.Message
	for _, m := range msgs {
		if m.IsAfter(since) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (p *fakePlatform) Post(_ context.Context, channelID, threadID, text string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.postErrs) > 0 {
		err := p.postErrs[0]
		p.postErrs = p.postErrs[1:]
		return "", err
	}
	p.posts = append(p.posts, post{channelID, threadID, text})
	return fmt.Sprintf("posted-%d", len(p.posts)), nil
}

func (p *fakePlatform) ResolveAttachment(_ context.Context, messageID, ref string) (*domain.Attachment, error) {
	return &domain.Attachment{Ref: ref, Path: "/tmp/" + ref, MimeType: "image/png"}, nil
}

func (p *fakePlatform) sent() []post {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]post(nil), p.posts...)
}

// fakeGenerator answers with fn
type fakeGenerator struct {
	fn    func(ctx context.Context, prompt string, atts []domain.Attachment) (string, error)
	calls atomic.Int32
}

func (g *fakeGenerator) Name() string { return "fake" }

func (g *fakeGenerator) Generate(ctx context.Context, prompt string, atts []domain.Attachment) (string, error) {
	g.calls.Add(1)
	return g.fn(ctx, prompt, atts)
}

// memLocker is a single-holder in-memory lock
type memLocker struct {
	mu     sync.Mutex
	held   *domain.LockInfo
	forced int
	busy   bool
}

func (l *memLocker) Acquire(_ context.Context, owner string) (*domain.LockInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy || l.held != nil {
		return nil, domain.ErrLockTimeout
	}
	l.held = &domain.LockInfo{Token: owner + "-token", Owner: owner, AcquiredAt: time.Now()}
	return l.held, nil
}

func (l *memLocker) Release(_ context.Context, lease *domain.LockInfo) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held != nil && lease != nil && l.held.Token == lease.Token {
		l.held = nil
	}
	return nil
}

func (l *memLocker) Inspect(context.Context) (*domain.LockInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held, nil
}

func (l *memLocker) ForceRelease(_ context.Context, expected *domain.LockInfo) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil || expected == nil || l.held.Token != expected.Token {
		return false, nil
	}
	l.held = nil
	l.forced++
	return true, nil
}

type stopFlag struct{ active atomic.Bool }

func (f *stopFlag) Active() bool { return f.active.Load() }

type promptFunc func(channel, author, text string) string

func (f promptFunc) FormatPrompt(channel, author, text string) string { return f(channel, author, text) }

var plainPrompt = promptFunc(func(_, _, text string) string { return text })

// harness wires the usecases around shared fakes
type harness struct {
	store    *memStore
	platform *fakePlatform
	locker   *memLocker
	stop     *stopFlag
	cache    *cache.Cache
	guard    *Guard
	tracker  *Tracker
}

func newHarness(guardCfg GuardConfig) *harness {
	h := &harness{
		store:    newMemStore(),
		platform: &fakePlatform{botID: "bot", history: make(map[string][]domain.Message)},
		locker:   &memLocker{},
		stop:     &stopFlag{},
		cache:    cache.New(),
	}
	log := zerolog.Nop()
	h.guard = NewGuard(h.store, h.cache, h.stop, guardCfg, log)
	h.tracker = NewTracker(h.store, map[domain.Role]time.Duration{
		domain.RoleFetch:      time.Minute,
		domain.RoleGeneration: time.Minute,
		domain.RoleSend:       time.Minute,
	}, log)
	return h
}

func (h *harness) fetcher(trigger TriggerConfig) *FetchUsecase {
	return NewFetchUsecase(h.platform, h.store, h.locker, h.guard, h.tracker, h.cache, trigger, zerolog.Nop())
}

func (h *harness) processor(gen *fakeGenerator, timeoutMessage string) *ProcessUsecase {
	return NewProcessUsecase(h.store, h.platform, gen, h.guard, h.tracker, plainPrompt, timeoutMessage, zerolog.Nop())
}

func (h *harness) sender(maxRetries int, signature string) *SendUsecase {
	return NewSendUsecase(h.platform, h.store, h.locker, h.guard, h.tracker, maxRetries, signature, zerolog.Nop())
}
