package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
	"github.com/anthropics/feishu-relay/internal/biz/repo"
	"github.com/anthropics/feishu-relay/internal/infra/metrics"
)

// PromptFormatter renders the text handed to the generator for one message
type PromptFormatter interface {
	FormatPrompt(channel, author, text string) string
}

// ProcessResult summarizes one processing pass
type ProcessResult struct {
	Claimed   int
	Processed int
	Failed    int
	TimedOut  int
	Blocked   int
	Released  int
}

// ProcessUsecase turns claimed inbound items into queued responses
type ProcessUsecase struct {
	store          repo.QueueRepo
	platform       repo.PlatformRepo
	generator      repo.GeneratorRepo
	guard          *Guard
	tracker        *Tracker
	prompts        PromptFormatter
	timeoutMessage string
	log            zerolog.Logger
	now            func() time.Time
}

// NewProcessUsecase creates the processor. timeoutMessage is the user-facing explanation for a generation timeout.
func NewProcessUsecase(
	store repo.QueueRepo,
	platform repo.PlatformRepo,
	generator repo.GeneratorRepo,
	guard *Guard,
	tracker *Tracker,
	prompts PromptFormatter,
	timeoutMessage string,
	log zerolog.Logger,
) *ProcessUsecase {
	return &ProcessUsecase{
		store:          store,
		platform:       platform,
		generator:      generator,
		guard:          guard,
		tracker:        tracker,
		prompts:        prompts,
		timeoutMessage: timeoutMessage,
		log:            log,
		now:            time.Now,
	}
}

// ProcessBatch claims up to limit pending items and generates a response for each.
// Items not started before ctx is cancelled go back to pending.
func (uc *ProcessUsecase) ProcessBatch(ctx context.Context, limit int) (*ProcessResult, error) {
	result := &ProcessResult{}
	if ctx.Err() != nil {
		return result, nil
	}

	items, err := uc.store.ClaimInbound(ctx, limit)
	if err != nil {
		return result, fmt.Errorf("failed to claim inbound: %w", err)
	}
	result.Claimed = len(items)

	for i, item := range items {
		if ctx.Err() != nil {
			result.Released += uc.releaseInbound(items[i:])
			break
		}
		uc.processOne(ctx, item, result)
	}

	if result.Claimed > 0 {
		uc.log.Info().
			Int("claimed", result.Claimed).
			Int("processed", result.Processed).
			Int("failed", result.Failed).
			Int("timed_out", result.TimedOut).
			Int("blocked", result.Blocked).
			Int("released", result.Released).
			Msg("process batch complete")
	}
	return result, nil
}

func (uc *ProcessUsecase) processOne(ctx context.Context, item *domain.InboundItem, result *ProcessResult) {
	log := uc.log.With().Str("id", item.ID).Str("channel", item.ChannelID).Logger()
	store := context.WithoutCancel(ctx)

	opCtx, done, err := uc.tracker.Begin(ctx, domain.RoleGeneration)
	if err != nil {
		log.Error().Err(err).Msg("failed to register generation")
		uc.complete(store, item, domain.InboundError, err.Error(), result)
		return
	}
	defer done()

	attachments := uc.resolveAttachments(opCtx, item, log)
	prompt := uc.prompts.FormatPrompt(channelLabel(item), item.AuthorID, item.Text)

	start := time.Now()
	text, err := uc.generator.Generate(opCtx, prompt, attachments)
	metrics.GenerationDuration.WithLabelValues(uc.generator.Name()).Observe(time.Since(start).Seconds())

	if err != nil {
		outcome, detail := "error", err.Error()
		if domain.IsTimeout(err) {
			outcome = "timeout"
			result.TimedOut++
			if uc.timeoutMessage != "" {
				detail = uc.timeoutMessage
			}
			log.Warn().Err(err).Msg("generation timed out")
		} else {
			log.Error().Err(err).Msg("generation failed")
		}
		metrics.Processed.WithLabelValues(outcome).Inc()
		uc.complete(store, item, domain.InboundError, detail, result)
		return
	}

	_, text = uc.guard.ValidateResponseContent(text)
	if text == "" {
		uc.complete(store, item, domain.InboundError, "empty response", result)
		return
	}

	out := &domain.OutboundItem{
		ID:        item.ID,
		ChannelID: item.ChannelID,
		ThreadID:  item.ReplyThread(),
		Text:      text,
		CreatedAt: uc.now(),
		Status:    domain.OutboundPending,
	}

	decision, err := uc.guard.ShouldAllowResponse(store, out)
	if err != nil {
		uc.complete(store, item, domain.InboundError, err.Error(), result)
		return
	}
	if !decision.Allowed() {
		result.Blocked++
		metrics.Processed.WithLabelValues("blocked").Inc()
		detail := fmt.Sprintf("%v: %s", domain.ErrLoopDetected, decision)
		log.Warn().Str("decision", string(decision)).Msg("response blocked")
		uc.completeQuiet(store, item, domain.InboundError, detail)
		return
	}

	if err := uc.store.EnqueueOutbound(store, out); err != nil && !errors.Is(err, domain.ErrDuplicateKey) {
		uc.complete(store, item, domain.InboundError, err.Error(), result)
		return
	}

	uc.complete(store, item, domain.InboundProcessed, "", result)
	metrics.Processed.WithLabelValues("ok").Inc()
}

func (uc *ProcessUsecase) complete(ctx context.Context, item *domain.InboundItem, status domain.InboundStatus, detail string, result *ProcessResult) {
	if status == domain.InboundProcessed {
		result.Processed++
	} else {
		result.Failed++
	}
	uc.completeQuiet(ctx, item, status, detail)
}

func (uc *ProcessUsecase) completeQuiet(ctx context.Context, item *domain.InboundItem, status domain.InboundStatus, detail string) {
	if err := uc.store.CompleteInbound(ctx, item.ID, status, detail); err != nil {
		uc.log.Error().Err(err).Str("id", item.ID).Str("status", string(status)).Msg("failed to complete inbound")
	}
}

func (uc *ProcessUsecase) releaseInbound(items []*domain.InboundItem) int {
	n := 0
	for _, item := range items {
		if err := uc.store.CompleteInbound(context.Background(), item.ID, domain.InboundPending, ""); err != nil {
			uc.log.Error().Err(err).Str("id", item.ID).Msg("failed to release inbound")
			continue
		}
		n++
	}
	return n
}

func (uc *ProcessUsecase) resolveAttachments(ctx context.Context, item *domain.InboundItem, log zerolog.Logger) []domain.Attachment {
	var out []domain.Attachment
	for _, ref := range item.Attachments {
		att, err := uc.platform.ResolveAttachment(ctx, item.ID, ref)
		if err != nil {
			log.Warn().Err(err).Str("ref", ref).Msg("failed to resolve attachment")
			continue
		}
		out = append(out, *att)
	}
	return out
}

// Respond runs the generation step outside the queue, for the ask command
func (uc *ProcessUsecase) Respond(ctx context.Context, text string, attachments []domain.Attachment) (string, error) {
	opCtx, done, err := uc.tracker.Begin(ctx, domain.RoleGeneration)
	if err != nil {
		return "", err
	}
	defer done()

	reply, err := uc.generator.Generate(opCtx, uc.prompts.FormatPrompt("direct", "", text), attachments)
	if err != nil {
		if domain.IsTimeout(err) && uc.timeoutMessage != "" {
			return uc.timeoutMessage, nil
		}
		return "", err
	}
	_, reply = uc.guard.ValidateResponseContent(reply)
	return reply, nil
}

func channelLabel(item *domain.InboundItem) string {
	if item.ChannelName != "" {
		return item.ChannelName
	}
	return item.ChannelID
}
