package health

import (
	"context"

	"github.com/rs/zerolog"

	"payment-gateway/internal/bus"
	"payment-gateway/internal/model"
	"payment-gateway/internal/registry"
)

// Subscriber is the follower-side mirror: every status message the
// leader publishes is written straight into the local registry.
type Subscriber struct {
	registry *registry.Registry
	channel  bus.HealthChannel
	log      zerolog.Logger
}

// NewSubscriber builds the follower subscriber.
func NewSubscriber(reg *registry.Registry, channel bus.HealthChannel, log zerolog.Logger) *Subscriber {
	return &Subscriber{registry: reg, channel: channel, log: log}
}

// Run installs the subscription. The channel drops malformed messages
// and unknown indices before they reach the registry.
func (s *Subscriber) Run(ctx context.Context) error {
	err := s.channel.Subscribe(ctx, func(index int, state model.ProcessorState) {
		s.registry.SetHealth(model.Kind(index), state.Failing, state.MinResponseDuration())
		s.log.Debug().Int("processor", index).Bool("failing", state.Failing).
			Msg("health mirrored from bus")
	})
	if err != nil {
		return err
	}
	s.log.Info().Msg("following health updates from bus")
	return nil
}
