package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
	"github.com/anthropics/feishu-relay/internal/biz/repo"
	"github.com/anthropics/feishu-relay/internal/infra/metrics"
)

// SendResult summarizes one send pass
type SendResult struct {
	Claimed  int
	Sent     int
	Retried  int
	Failed   int
	Blocked  int
	Released int
}

// SendUsecase posts queued responses to the platform
type SendUsecase struct {
	platform   repo.PlatformRepo
	store      repo.QueueRepo
	locker     repo.Locker
	guard      *Guard
	tracker    *Tracker
	maxRetries int
	signature  string
	log        zerolog.Logger
	now        func() time.Time
}

// NewSendUsecase creates the sender. signature is appended to every post when set.
func NewSendUsecase(
	platform repo.PlatformRepo,
	store repo.QueueRepo,
	locker repo.Locker,
	guard *Guard,
	tracker *Tracker,
	maxRetries int,
	signature string,
	log zerolog.Logger,
) *SendUsecase {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &SendUsecase{
		platform:   platform,
		store:      store,
		locker:     locker,
		guard:      guard,
		tracker:    tracker,
		maxRetries: maxRetries,
		signature:  strings.TrimSpace(signature),
		log:        log,
		now:        time.Now,
	}
}

// SendBatch posts up to limit pending responses under the lock.
// A rate-limited post ends the batch; the rest go back to pending untouched.
func (uc *SendUsecase) SendBatch(ctx context.Context, limit int) (*SendResult, error) {
	result := &SendResult{}

	opCtx, done, err := uc.tracker.Begin(ctx, domain.RoleSend)
	if err != nil {
		return result, err
	}
	defer done()

	lease, err := uc.locker.Acquire(ctx, string(domain.RoleSend))
	if err != nil {
		return result, err
	}
	defer func() {
		if err := uc.locker.Release(context.WithoutCancel(ctx), lease); err != nil {
			uc.log.Error().Err(err).Msg("failed to release lock")
		}
	}()

	store := context.WithoutCancel(ctx)
	items, err := uc.store.ClaimOutbound(store, limit)
	if err != nil {
		return result, fmt.Errorf("failed to claim outbound: %w", err)
	}
	result.Claimed = len(items)

	for i, item := range items {
		if opCtx.Err() != nil {
			result.Released += uc.releaseOutbound(items[i:])
			break
		}
		if stop := uc.sendOne(opCtx, item, result); stop {
			result.Released += uc.releaseOutbound(items[i+1:])
			break
		}
	}

	if result.Claimed > 0 {
		uc.log.Info().
			Int("claimed", result.Claimed).
			Int("sent", result.Sent).
			Int("retried", result.Retried).
			Int("failed", result.Failed).
			Int("blocked", result.Blocked).
			Int("released", result.Released).
			Msg("send batch complete")
	}
	return result, nil
}

// sendOne posts a single item and reports whether the batch should stop
func (uc *SendUsecase) sendOne(ctx context.Context, item *domain.OutboundItem, result *SendResult) bool {
	log := uc.log.With().Str("id", item.ID).Str("channel", item.ChannelID).Logger()
	store := context.WithoutCancel(ctx)

	decision, err := uc.guard.ShouldAllowResponse(store, item)
	if err != nil {
		log.Error().Err(err).Msg("guard check failed")
		result.Released += uc.releaseOutbound([]*domain.OutboundItem{item})
		return true
	}
	switch decision {
	case domain.DecisionAllowed:
	case domain.DecisionBlockedEmergencyStop:
		log.Warn().Msg("emergency stop active, holding responses")
		result.Released += uc.releaseOutbound([]*domain.OutboundItem{item})
		metrics.Sent.WithLabelValues("blocked").Inc()
		return true
	default:
		result.Blocked++
		metrics.Sent.WithLabelValues("blocked").Inc()
		uc.completeOutbound(store, item, domain.OutboundError, fmt.Sprintf("%v: %s", domain.ErrLoopDetected, decision))
		return false
	}

	text := uc.withSignature(item.Text)
	postedID, err := uc.platform.Post(ctx, item.ChannelID, item.ThreadID, text)
	if err != nil {
		sendErr := &domain.SendError{Channel: item.ChannelID, Err: err}
		if domain.IsRateLimited(err) {
			updated, rerr := uc.store.RetryOutbound(store, item.ID, sendErr.Error(), uc.maxRetries)
			if rerr != nil {
				log.Error().Err(rerr).Msg("failed to record retry")
			} else if updated.Status == domain.OutboundError {
				log.Error().Int("retries", updated.Retries).Msg("giving up after rate limiting")
				result.Failed++
				metrics.Sent.WithLabelValues("error").Inc()
			} else {
				log.Warn().Int("retries", updated.Retries).Msg("rate limited, will retry")
				result.Retried++
				metrics.Sent.WithLabelValues("retry").Inc()
			}
			return true
		}
		log.Error().Err(err).Msg("send failed")
		result.Failed++
		metrics.Sent.WithLabelValues("error").Inc()
		uc.completeOutbound(store, item, domain.OutboundError, sendErr.Error())
		return false
	}

	uc.completeOutbound(store, item, domain.OutboundSent, "")
	result.Sent++
	metrics.Sent.WithLabelValues("sent").Inc()
	uc.recordSent(store, item, text, log)
	log.Info().Str("posted", postedID).Msg("response sent")
	return false
}

func (uc *SendUsecase) recordSent(ctx context.Context, item *domain.OutboundItem, text string, log zerolog.Logger) {
	now := uc.now()
	if err := uc.store.RecordResponded(ctx, &domain.RespondedRecord{
		ID:          item.ID,
		ChannelID:   item.ChannelID,
		ThreadID:    item.ThreadID,
		Text:        item.Text,
		RespondedAt: now,
	}); err != nil {
		log.Error().Err(err).Msg("failed to record responded")
	}
	if err := uc.store.UpsertThreadWatch(ctx, item.ChannelID, item.ThreadID); err != nil {
		log.Error().Err(err).Msg("failed to watch thread")
	}
	if err := uc.store.RecordSelfResponse(ctx, &domain.SelfResponseRecord{
		ChannelID: item.ChannelID,
		ThreadID:  item.ThreadID,
		Text:      text,
		PostedAt:  now,
	}); err != nil {
		log.Error().Err(err).Msg("failed to record self response")
	}
}

func (uc *SendUsecase) withSignature(text string) string {
	if uc.signature == "" || strings.Contains(text, uc.signature) {
		return text
	}
	return text + "\n\n" + uc.signature
}

func (uc *SendUsecase) completeOutbound(ctx context.Context, item *domain.OutboundItem, status domain.OutboundStatus, detail string) {
	if err := uc.store.CompleteOutbound(ctx, item.ID, status, detail); err != nil {
		uc.log.Error().Err(err).Str("id", item.ID).Str("status", string(status)).Msg("failed to complete outbound")
	}
}

func (uc *SendUsecase) releaseOutbound(items []*domain.OutboundItem) int {
	n := 0
	for _, item := range items {
		if err := uc.store.CompleteOutbound(context.Background(), item.ID, domain.OutboundPending, ""); err != nil {
			uc.log.Error().Err(err).Str("id", item.ID).Msg("failed to release outbound")
			continue
		}
		n++
	}
	return n
}
