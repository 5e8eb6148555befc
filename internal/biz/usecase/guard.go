package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
	"github.com/anthropics/feishu-relay/internal/biz/repo"
	"github.com/anthropics/feishu-relay/internal/infra/cache"
	"github.com/anthropics/feishu-relay/internal/infra/metrics"
)

// GuardConfig is the loop-prevention policy
type GuardConfig struct {
	// RateLimit is the most responses allowed per thread within RateWindow
	RateLimit  int
	RateWindow time.Duration
	// SeenTTL bounds how long a provisional claim on a message lives
	SeenTTL time.Duration
	// SelfLookback bounds the self-response search
	SelfLookback time.Duration
	// SignatureMarkers identify our own output inside message text
	SignatureMarkers []string
}

// DefaultGuardConfig returns the conservative defaults
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		RateLimit:    5,
		RateWindow:   10 * time.Minute,
		SeenTTL:      time.Hour,
		SelfLookback: 24 * time.Hour,
	}
}

// GuardStats is a snapshot of decision counters
type GuardStats struct {
	Decisions     map[domain.Decision]int64 `json:"decisions"`
	EmergencyStop bool                      `json:"emergency_stop"`
}

// Guard decides whether a message may be processed and whether a response may be sent.
// It is shared by the fetcher, processor and sender of one process.
type Guard struct {
	store repo.QueueRepo
	cache *cache.Cache
	stop  repo.StopFlag
	cfg   GuardConfig
	now   func() time.Time
	log   zerolog.Logger

	mu     sync.Mutex
	counts map[domain.Decision]int64
}

// NewGuard creates a guard
func NewGuard(store repo.QueueRepo, c *cache.Cache, stop repo.StopFlag, cfg GuardConfig, log zerolog.Logger) *Guard {
	defaults := DefaultGuardConfig()
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaults.RateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = defaults.RateWindow
	}
	if cfg.SeenTTL <= 0 {
		cfg.SeenTTL = defaults.SeenTTL
	}
	if cfg.SelfLookback <= 0 {
		cfg.SelfLookback = defaults.SelfLookback
	}
	return &Guard{
		store:  store,
		cache:  c,
		stop:   stop,
		cfg:    cfg,
		now:    time.Now,
		log:    log,
		counts: make(map[domain.Decision]int64),
	}
}

func seenKey(id string) string { return "seen:" + id }

// CheckAndRecordMessage decides whether an inbound candidate may be queued.
// An allowed message is provisionally claimed so a concurrent check in this process blocks it.
func (g *Guard) CheckAndRecordMessage(ctx context.Context, item *domain.InboundItem) (domain.Decision, error) {
	self, err := g.IsSelfMessage(ctx, item.ChannelID, item.ThreadID, item.Text)
	if err != nil {
		return "", err
	}
	if self {
		return g.record("message", domain.DecisionBlockedSelf), nil
	}

	g.mu.Lock()
	_, seen := g.cache.Get(seenKey(item.ID))
	if !seen {
		g.cache.Set(seenKey(item.ID), true, g.cfg.SeenTTL)
	}
	g.mu.Unlock()
	if seen {
		return g.record("message", domain.DecisionBlockedDuplicate), nil
	}

	answered, err := g.store.HasResponded(ctx, item.ID)
	if err != nil {
		g.Release(item.ID)
		return "", fmt.Errorf("failed to check responded: %w", err)
	}
	if answered {
		return g.record("message", domain.DecisionBlockedDuplicate), nil
	}
	return g.record("message", domain.DecisionAllowed), nil
}

// Release drops the provisional claim on a message
func (g *Guard) Release(id string) {
	g.cache.Delete(seenKey(id))
}

// IsSelfMessage reports whether text in a thread is the system's own output.
// It matches recent self responses exactly and also flags text carrying a signature marker.
func (g *Guard) IsSelfMessage(ctx context.Context, channelID, threadID, text string) (bool, error) {
	if g.hasMarker(text) {
		return true, nil
	}
	self, err := g.store.IsSelfResponse(ctx, channelID, threadID, text, g.cfg.SelfLookback)
	if err != nil {
		return false, fmt.Errorf("failed to check self response: %w", err)
	}
	return self, nil
}

func (g *Guard) hasMarker(text string) bool {
	for _, m := range g.cfg.SignatureMarkers {
		if m != "" && strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// ShouldAllowResponse decides whether a response may be queued or posted now
func (g *Guard) ShouldAllowResponse(ctx context.Context, out *domain.OutboundItem) (domain.Decision, error) {
	if g.stop != nil && g.stop.Active() {
		return g.record("response", domain.DecisionBlockedEmergencyStop), nil
	}

	answered, err := g.store.HasResponded(ctx, out.ID)
	if err != nil {
		return "", fmt.Errorf("failed to check responded: %w", err)
	}
	if answered {
		return g.record("response", domain.DecisionBlockedDuplicate), nil
	}

	since := g.now().Add(-g.cfg.RateWindow)
	posted, err := g.store.CountSelfResponses(ctx, out.ChannelID, out.ThreadID, since)
	if err != nil {
		return "", fmt.Errorf("failed to count self responses: %w", err)
	}
	// responses already queued for the thread count against the window too
	queued, err := g.store.CountQueuedResponses(ctx, out.ChannelID, out.ThreadID, out.ID, since)
	if err != nil {
		return "", fmt.Errorf("failed to count queued responses: %w", err)
	}
	if posted+queued >= g.cfg.RateLimit {
		g.log.Warn().
			Str("channel", out.ChannelID).
			Str("thread", out.ThreadID).
			Int("posted", posted).
			Int("queued", queued).
			Msg("response rate exceeded, possible loop")
		return g.record("response", domain.DecisionBlockedRate), nil
	}
	return g.record("response", domain.DecisionAllowed), nil
}

// ValidateResponseContent strips signature markers so quoted output does not compound across turns
func (g *Guard) ValidateResponseContent(text string) (bool, string) {
	cleaned := text
	for _, m := range g.cfg.SignatureMarkers {
		if m != "" {
			cleaned = strings.ReplaceAll(cleaned, m, "")
		}
	}
	cleaned = strings.TrimSpace(cleaned)
	return cleaned != strings.TrimSpace(text), cleaned
}

// EmergencyStopActive reports the stop flag
func (g *Guard) EmergencyStopActive() bool {
	return g.stop != nil && g.stop.Active()
}

// Stats returns per-decision counters
func (g *Guard) Stats() GuardStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	decisions := make(map[domain.Decision]int64, len(g.counts))
	for _, d := range domain.AllDecisions() {
		decisions[d] = g.counts[d]
	}
	return GuardStats{Decisions: decisions, EmergencyStop: g.EmergencyStopActive()}
}

func (g *Guard) record(check string, d domain.Decision) domain.Decision {
	g.mu.Lock()
	g.counts[d]++
	g.mu.Unlock()
	metrics.GuardDecisions.WithLabelValues(check, string(d)).Inc()
	if !d.Allowed() {
		g.log.Debug().Str("check", check).Str("decision", string(d)).Msg("blocked")
	}
	return d
}
