package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
	"github.com/anthropics/feishu-relay/internal/biz/repo"
	"github.com/anthropics/feishu-relay/internal/infra/cache"
	"github.com/anthropics/feishu-relay/internal/infra/metrics"
)

const channelCacheTTL = time.Hour

// TriggerConfig decides which messages are worth answering
type TriggerConfig struct {
	// Keywords match case-insensitively; an empty list matches every message
	Keywords []string
	Mode     domain.ResponseMode
	// MentionTokens count as a mention in text, for platforms that render mentions inline
	MentionTokens []string
}

// Matches reports whether a message passes the trigger
func (t TriggerConfig) Matches(msg *domain.Message) bool {
	if t.Mode == domain.ModeMentions && !msg.MentionsBot && !containsAny(msg.Text, t.MentionTokens) {
		return false
	}
	if len(t.Keywords) == 0 {
		return true
	}
	return containsAny(msg.Text, t.Keywords)
}

func containsAny(text string, needles []string) bool {
	lower := strings.ToLower(text)
	for _, n := range needles {
		if n = strings.TrimSpace(n); n != "" && strings.Contains(lower, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

// fetchStats summarizes one fetch pass
type fetchStats struct {
	Items    []*domain.InboundItem
	Channels int
	Scanned  int
	Enqueued int
	Blocked  int
	Failed   int
}

// FetchUsecase reads platform history and enqueues messages worth answering
type FetchUsecase struct {
	platform repo.PlatformRepo
	store    repo.QueueRepo
	locker   repo.Locker
	guard    *Guard
	tracker  *Tracker
	cache    *cache.Cache
	trigger  TriggerConfig
	log      zerolog.Logger

	group singleflight.Group
	botID string
	now   func() time.Time
}

// NewFetchUsecase creates the fetcher
func NewFetchUsecase(
	platform repo.PlatformRepo,
	store repo.QueueRepo,
	locker repo.Locker,
	guard *Guard,
	tracker *Tracker,
	c *cache.Cache,
	trigger TriggerConfig,
	log zerolog.Logger,
) *FetchUsecase {
	return &FetchUsecase{
		platform: platform,
		store:    store,
		locker:   locker,
		guard:    guard,
		tracker:  tracker,
		cache:    c,
		trigger:  trigger,
		log:      log,
		now:      time.Now,
	}
}

// FetchNew scans channels for messages newer than window and enqueues the ones that match.
// An empty channel list means every channel the bot can see. Platform access happens under the lock.
func (uc *FetchUsecase) FetchNew(ctx context.Context, channels []string, window time.Duration) ([]*domain.InboundItem, error) {
	opCtx, done, err := uc.tracker.Begin(ctx, domain.RoleFetch)
	if err != nil {
		return nil, err
	}
	defer done()

	lease, err := uc.locker.Acquire(ctx, string(domain.RoleFetch))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := uc.locker.Release(context.WithoutCancel(ctx), lease); err != nil {
			uc.log.Error().Err(err).Msg("failed to release lock")
		}
	}()

	botID, err := uc.resolveBotID(opCtx)
	if err != nil {
		return nil, &domain.FetchError{Channel: "*", Err: err}
	}

	targets, err := uc.resolveChannels(opCtx, channels)
	if err != nil {
		return nil, &domain.FetchError{Channel: "*", Err: err}
	}

	result := &fetchStats{Channels: len(targets)}
	since := uc.now().Add(-window)
	var errs []error

	for _, ch := range targets {
		if opCtx.Err() != nil {
			errs = append(errs, &domain.FetchError{Channel: ch.ID, Err: opCtx.Err()})
			result.Failed++
			continue
		}
		if err := uc.fetchChannel(opCtx, ch, botID, since, result); err != nil {
			metrics.FetchErrors.WithLabelValues(ch.ID).Inc()
			uc.log.Warn().Err(err).Str("channel", ch.ID).Msg("fetch failed")
			errs = append(errs, &domain.FetchError{Channel: ch.ID, Err: err})
			result.Failed++
		}
	}

	uc.log.Info().
		Int("channels", result.Channels).
		Int("scanned", result.Scanned).
		Int("enqueued", result.Enqueued).
		Int("blocked", result.Blocked).
		Int("failed", result.Failed).
		Msg("fetch complete")

	// partial failure is logged, not returned
	if len(targets) > 0 && result.Failed == len(targets) {
		return nil, errors.Join(errs...)
	}
	return result.Items, nil
}

func (uc *FetchUsecase) fetchChannel(ctx context.Context, ch domain.Channel, botID string, since time.Time, result *fetchStats) error {
	messages, err := uc.platform.History(ctx, ch.ID, since)
	if err != nil {
		return err
	}

	for i := range messages {
		msg := &messages[i]
		result.Scanned++
		if msg.IsFromBot(botID) || msg.IsBot {
			continue
		}
		if !uc.trigger.Matches(msg) {
			continue
		}

		item := &domain.InboundItem{
			ID:          msg.ID,
			ChannelID:   ch.ID,
			ChannelName: ch.Name,
			ThreadID:    msg.ThreadID,
			AuthorID:    msg.AuthorID,
			Text:        msg.Text,
			Attachments: msg.Attachments,
			FetchedAt:   uc.now(),
			Status:      domain.InboundPending,
		}

		decision, err := uc.guard.CheckAndRecordMessage(ctx, item)
		if err != nil {
			return err
		}
		if !decision.Allowed() {
			result.Blocked++
			continue
		}

		if err := uc.store.EnqueueInbound(context.WithoutCancel(ctx), item); err != nil {
			if errors.Is(err, domain.ErrDuplicateKey) {
				continue
			}
			uc.guard.Release(item.ID)
			return fmt.Errorf("failed to enqueue %s: %w", item.ID, err)
		}
		result.Enqueued++
		result.Items = append(result.Items, item)
		metrics.InboundEnqueued.Inc()
		uc.log.Debug().Str("id", item.ID).Str("channel", ch.ID).Msg("enqueued")
	}
	return nil
}

func (uc *FetchUsecase) resolveBotID(ctx context.Context) (string, error) {
	if uc.botID != "" {
		return uc.botID, nil
	}
	id, err := uc.platform.BotID(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get bot id: %w", err)
	}
	uc.botID = id
	return id, nil
}

func channelKey(ref string) string { return "channel:" + ref }

// resolveChannels maps configured names or ids to channels, listing the platform only on a cache miss
func (uc *FetchUsecase) resolveChannels(ctx context.Context, refs []string) ([]domain.Channel, error) {
	if len(refs) == 0 {
		return uc.listChannels(ctx)
	}

	out := make([]domain.Channel, 0, len(refs))
	var missing []string
	for _, ref := range refs {
		if v, ok := uc.cache.Get(channelKey(ref)); ok {
			uc.cache.RecordSaved()
			out = append(out, v.(domain.Channel))
			continue
		}
		missing = append(missing, ref)
	}
	if len(missing) == 0 {
		return out, nil
	}

	all, err := uc.listChannels(ctx)
	if err != nil {
		return nil, err
	}
	for _, ref := range missing {
		found := false
		for _, ch := range all {
			if ch.ID == ref || ch.Name == ref {
				out = append(out, ch)
				found = true
				break
			}
		}
		if !found {
			uc.log.Warn().Str("channel", ref).Msg("configured channel not visible to bot")
		}
	}
	return out, nil
}

func (uc *FetchUsecase) listChannels(ctx context.Context) ([]domain.Channel, error) {
	v, err, _ := uc.group.Do("channels", func() (any, error) {
		chs, err := uc.platform.ListChannels(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list channels: %w", err)
		}
		for _, ch := range chs {
			uc.cache.Set(channelKey(ch.ID), ch, channelCacheTTL)
			if ch.Name != "" {
				uc.cache.Set(channelKey(ch.Name), ch, channelCacheTTL)
			}
		}
		return chs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.Channel), nil
}
