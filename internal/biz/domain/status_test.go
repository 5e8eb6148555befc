package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateInboundTransition(t *testing.T) {
	tests := []struct {
		from, to InboundStatus
		ok       bool
	}{
		{InboundPending, InboundProcessing, true},
		{InboundProcessing, InboundProcessed, true},
		{InboundProcessing, InboundError, true},
		{InboundProcessing, InboundPending, true},
		{InboundError, InboundPending, true},
		{InboundPending, InboundProcessed, false},
		{InboundPending, InboundError, false},
		{InboundProcessed, InboundPending, false},
		{InboundError, InboundProcessed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateInboundTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidTransition))
		})
	}
}

func TestValidateOutboundTransition(t *testing.T) {
	tests := []struct {
		from, to OutboundStatus
		ok       bool
	}{
		{OutboundPending, OutboundSending, true},
		{OutboundSending, OutboundSent, true},
		{OutboundSending, OutboundError, true},
		{OutboundSending, OutboundPending, true},
		{OutboundError, OutboundPending, true},
		{OutboundPending, OutboundSent, false},
		{OutboundSent, OutboundPending, false},
		{OutboundSent, OutboundError, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateOutboundTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	st, err := ParseInboundStatus("processing")
	require.NoError(t, err)
	assert.Equal(t, InboundProcessing, st)

	_, err = ParseInboundStatus("done")
	assert.Error(t, err)

	ost, err := ParseOutboundStatus("sent")
	require.NoError(t, err)
	assert.Equal(t, OutboundSent, ost)
}

func TestReplyThread(t *testing.T) {
	top := &InboundItem{ID: "m1"}
	assert.Equal(t, "m1", top.ReplyThread())

	reply := &InboundItem{ID: "m2", ThreadID: "t9"}
	assert.Equal(t, "t9", reply.ReplyThread())
}

func TestErrorWrapping(t *testing.T) {
	err := &SendError{Channel: "c1", Err: ErrRateLimited}
	assert.True(t, IsRateLimited(err))

	var se *SendError
	assert.True(t, errors.As(error(err), &se))
	assert.Equal(t, "c1", se.Channel)

	gen := &GenerationError{Backend: "openai", Err: ErrTimeout}
	assert.True(t, IsTimeout(gen))
	assert.False(t, IsRateLimited(gen))
}
