package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"payment-gateway/internal/bus"
	"payment-gateway/internal/model"
	"payment-gateway/internal/registry"
)

// failedProbePenalty is the response time written into a slot when a
// probe fails; the next probe of that upstream backs off by this much.
const failedProbePenalty = 200 * time.Millisecond

// Prober is the leader-side health loop: one goroutine per upstream,
// each probing the service-health endpoint, updating the registry and
// fanning the fresh state out on the bus. Followers never run it.
type Prober struct {
	registry *registry.Registry
	client   Checker
	channel  bus.HealthChannel
	log      zerolog.Logger
	interval time.Duration
}

// Checker probes an upstream's health endpoint.
type Checker interface {
	CheckHealth(ctx context.Context, address string, minResponseTime time.Duration) (model.ProcessorState, error)
}

// NewProber builds the leader prober.
func NewProber(reg *registry.Registry, client Checker, channel bus.HealthChannel, interval time.Duration, log zerolog.Logger) *Prober {
	return &Prober{
		registry: reg,
		client:   client,
		channel:  channel,
		log:      log,
		interval: interval,
	}
}

// Run starts one probe loop per processor and returns immediately.
func (p *Prober) Run(ctx context.Context) {
	for kind := model.Kind(0); kind < model.NumProcessors; kind++ {
		go p.probeLoop(ctx, kind)
	}
}

func (p *Prober) probeLoop(ctx context.Context, kind model.Kind) {
	log := p.log.With().Stringer("processor", kind).Logger()
	log.Info().Str("address", p.registry.Snapshot(kind).Address).Msg("health probing started")

	for {
		current := p.registry.Snapshot(kind)

		state, err := p.client.CheckHealth(ctx, current.Address, current.MinResponseDuration())
		if err != nil {
			// Marked failing locally only; followers converge on the
			// next successful tick.
			p.registry.SetHealth(kind, true, failedProbePenalty)
			log.Warn().Err(err).Msg("health probe failed")
		} else {
			p.registry.SetHealth(kind, state.Failing, state.MinResponseDuration())
			log.Debug().Bool("failing", state.Failing).
				Int64("min_response_time", state.MinResponseTime).Msg("health updated")

			if err := p.channel.Publish(ctx, int(kind), p.registry.Snapshot(kind)); err != nil {
				log.Warn().Err(err).Msg("health publish failed")
			}
		}

		// Slow upstreams are probed less often.
		sleep := p.interval + p.registry.Snapshot(kind).MinResponseDuration()
		select {
		case <-ctx.Done():
			log.Info().Msg("health probing stopped")
			return
		case <-time.After(sleep):
		}
	}
}
