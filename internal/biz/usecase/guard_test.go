package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
)

func TestGuardCheckDedupe(t *testing.T) {
	h := newHarness(DefaultGuardConfig())
	ctx := context.Background()
	item := &domain.InboundItem{ID: "m1", ChannelID: "c1", Text: "what is AI?"}

	d, err := h.guard.CheckAndRecordMessage(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAllowed, d)

	d, err = h.guard.CheckAndRecordMessage(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionBlockedDuplicate, d, "provisional claim blocks a second check")

	h.guard.Release("m1")
	d, err = h.guard.CheckAndRecordMessage(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAllowed, d)

	h.guard.Release("m1")
	require.NoError(t, h.store.RecordResponded(ctx, &domain.RespondedRecord{ID: "m1", ChannelID: "c1"}))
	d, err = h.guard.CheckAndRecordMessage(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionBlockedDuplicate, d, "answered ids stay blocked")
}

func TestGuardSeenClaimExpires(t *testing.T) {
	cfg := DefaultGuardConfig()
	cfg.SeenTTL = 20 * time.Millisecond
	h := newHarness(cfg)
	ctx := context.Background()
	item := &domain.InboundItem{ID: "m1", ChannelID: "c1", Text: "hi"}

	d, err := h.guard.CheckAndRecordMessage(ctx, item)
	require.NoError(t, err)
	require.True(t, d.Allowed())

	time.Sleep(40 * time.Millisecond)
	d, err = h.guard.CheckAndRecordMessage(ctx, item)
	require.NoError(t, err)
	assert.True(t, d.Allowed())
}

func TestGuardSelfDetection(t *testing.T) {
	cfg := DefaultGuardConfig()
	cfg.SignatureMarkers = []string{"[relay]"}
	h := newHarness(cfg)
	ctx := context.Background()

	require.NoError(t, h.store.RecordSelfResponse(ctx, &domain.SelfResponseRecord{
		ChannelID: "c1", ThreadID: "t1", Text: "AI is a field of study.", PostedAt: time.Now(),
	}))

	d, err := h.guard.CheckAndRecordMessage(ctx, &domain.InboundItem{
		ID: "m2", ChannelID: "c1", ThreadID: "t1", Text: "  AI is a field of study.\n",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionBlockedSelf, d)

	d, err = h.guard.CheckAndRecordMessage(ctx, &domain.InboundItem{
		ID: "m3", ChannelID: "c1", ThreadID: "t9", Text: "quoted: sure thing [relay]",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionBlockedSelf, d, "signature marker counts as self")

	d, err = h.guard.CheckAndRecordMessage(ctx, &domain.InboundItem{
		ID: "m4", ChannelID: "c1", ThreadID: "t2", Text: "AI is a field of study.",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAllowed, d, "same text in another thread is not ours")
}

func TestGuardResponseRate(t *testing.T) {
	cfg := DefaultGuardConfig()
	cfg.RateLimit = 2
	h := newHarness(cfg)
	ctx := context.Background()
	out := &domain.OutboundItem{ID: "m1", ChannelID: "c1", ThreadID: "t1"}

	for i := 0; i < 2; i++ {
		d, err := h.guard.ShouldAllowResponse(ctx, out)
		require.NoError(t, err)
		require.Equal(t, domain.DecisionAllowed, d)
		require.NoError(t, h.store.RecordSelfResponse(ctx, &domain.SelfResponseRecord{
			ChannelID: "c1", ThreadID: "t1", Text: "reply", PostedAt: time.Now(),
		}))
	}

	d, err := h.guard.ShouldAllowResponse(ctx, out)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionBlockedRate, d)

	d, err = h.guard.ShouldAllowResponse(ctx, &domain.OutboundItem{ID: "m2", ChannelID: "c1", ThreadID: "t2"})
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAllowed, d)
}

func TestGuardResponseRateCountsQueued(t *testing.T) {
	cfg := DefaultGuardConfig()
	cfg.RateLimit = 2
	h := newHarness(cfg)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2"} {
		require.NoError(t, h.store.EnqueueOutbound(ctx, &domain.OutboundItem{
			ID: id, ChannelID: "c1", ThreadID: "t1", Text: "reply", CreatedAt: time.Now(),
		}))
	}

	d, err := h.guard.ShouldAllowResponse(ctx, &domain.OutboundItem{ID: "m3", ChannelID: "c1", ThreadID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionBlockedRate, d, "a burst waiting in the queue counts before it is posted")

	// an item already queued does not count against itself
	d, err = h.guard.ShouldAllowResponse(ctx, &domain.OutboundItem{ID: "m2", ChannelID: "c1", ThreadID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAllowed, d)
}

func TestGuardEmergencyStop(t *testing.T) {
	h := newHarness(DefaultGuardConfig())
	h.stop.active.Store(true)

	d, err := h.guard.ShouldAllowResponse(context.Background(), &domain.OutboundItem{ID: "m1", ChannelID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionBlockedEmergencyStop, d)

	stats := h.guard.Stats()
	assert.True(t, stats.EmergencyStop)
	assert.Equal(t, int64(1), stats.Decisions[domain.DecisionBlockedEmergencyStop])
	assert.Equal(t, int64(0), stats.Decisions[domain.DecisionAllowed])
}

func TestGuardValidateResponseContent(t *testing.T) {
	cfg := DefaultGuardConfig()
	cfg.SignatureMarkers = []string{"-- relay bot"}
	h := newHarness(cfg)

	modified, cleaned := h.guard.ValidateResponseContent("Sure.\n\n-- relay bot")
	assert.True(t, modified)
	assert.Equal(t, "Sure.", cleaned)

	modified, cleaned = h.guard.ValidateResponseContent("Plain answer")
	assert.False(t, modified)
	assert.Equal(t, "Plain answer", cleaned)
}
