package usecase

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
	"github.com/anthropics/feishu-relay/internal/infra/estop"
)

func TestAdminRetryAndStatus(t *testing.T) {
	h := newHarness(DefaultGuardConfig())
	ctx := context.Background()
	flag, err := estop.New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	admin := NewAdminUsecase(h.store, h.locker, flag, h.guard, h.cache)

	enqueue(t, h, &domain.InboundItem{ID: "m1", ChannelID: "c1", Text: "x"})
	_, err = h.store.ClaimInbound(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, h.store.CompleteInbound(ctx, "m1", domain.InboundError, "boom"))

	errored, err := admin.ListInbound(ctx, domain.InboundError, 0)
	require.NoError(t, err)
	require.Len(t, errored, 1)

	require.NoError(t, admin.RetryInbound(ctx, "m1"))
	assert.Equal(t, domain.InboundPending, h.store.inboundItem("m1").Status)
	assert.ErrorIs(t, admin.RetryInbound(ctx, "m1"), domain.ErrInvalidTransition)

	st, err := admin.SetEmergencyStop(true, "loop in #general")
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.Equal(t, "loop in #general", st.Reason)
	assert.True(t, flag.Active())

	status, err := admin.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Queue.Inbound[domain.InboundPending])
	assert.True(t, status.EmergencyStop.Active)
	require.NotNil(t, status.Guard)
	require.NotNil(t, status.Cache)

	st, err = admin.SetEmergencyStop(false, "")
	require.NoError(t, err)
	assert.False(t, st.Active)
}
