package health

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-gateway/internal/model"
	"payment-gateway/internal/registry"
)

func TestSubscriber_MirrorsBusUpdates(t *testing.T) {
	reg := registry.New("http://default", "http://fallback")
	channel := &fakeChannel{}

	sub := NewSubscriber(reg, channel, zerolog.Nop())
	require.NoError(t, sub.Run(context.Background()))
	require.NotNil(t, channel.handler)

	channel.handler(0, model.ProcessorState{Failing: true, MinResponseTime: 275})

	def := reg.Snapshot(model.KindDefault)
	assert.True(t, def.Failing)
	assert.Equal(t, int64(275), def.MinResponseTime)
	// The local slot keeps its own address regardless of the payload.
	assert.Equal(t, "http://default", def.Address)

	channel.handler(1, model.ProcessorState{Failing: false, MinResponseTime: 80})
	fb := reg.Snapshot(model.KindFallback)
	assert.False(t, fb.Failing)
	assert.Equal(t, int64(80), fb.MinResponseTime)
}

func TestSubscriber_FollowerSeesDefaultFailingAfterLeaderMark(t *testing.T) {
	// Health propagation at the registry level: once the leader's
	// published mark lands, this instance reads the default as failing
	// and the fallback as healthy, the state in which dispatch promotes
	// the fallback once the threshold allows.
	reg := registry.New("http://default", "http://fallback")
	channel := &fakeChannel{}
	require.NoError(t, NewSubscriber(reg, channel, zerolog.Nop()).Run(context.Background()))

	channel.handler(0, model.ProcessorState{Failing: true, MinResponseTime: 200})

	assert.True(t, reg.Snapshot(model.KindDefault).Failing)
	assert.False(t, reg.Snapshot(model.KindFallback).Failing)
}

func TestSubscriber_LaterMessagesWin(t *testing.T) {
	reg := registry.New("http://default", "http://fallback")
	channel := &fakeChannel{}
	require.NoError(t, NewSubscriber(reg, channel, zerolog.Nop()).Run(context.Background()))

	channel.handler(0, model.ProcessorState{Failing: true, MinResponseTime: 200})
	channel.handler(0, model.ProcessorState{Failing: false, MinResponseTime: 60})

	def := reg.Snapshot(model.KindDefault)
	assert.False(t, def.Failing)
	assert.Equal(t, int64(60), def.MinResponseTime)
}
