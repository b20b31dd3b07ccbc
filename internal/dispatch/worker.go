package dispatch

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"payment-gateway/internal/metrics"
	"payment-gateway/internal/model"
	"payment-gateway/internal/registry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Saver persists a payment after an upstream accepted it.
type Saver interface {
	Save(ctx context.Context, p *model.Payment) error
}

// Sender submits a payment to an upstream processor address.
type Sender interface {
	SubmitPayment(ctx context.Context, address string, p *model.Payment) error
}

// Config is the retry budget of a single payment dispatch.
type Config struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	FallbackThreshold int
}

// Dispatcher runs the per-payment selection and retry state machine.
// The same instance serves the fast path (detached goroutine per
// payment) and the worker pool draining the shard queues.
type Dispatcher struct {
	registry *registry.Registry
	store    Saver
	upstream Sender
	metrics  *metrics.Metrics
	log      zerolog.Logger
	cfg      Config
}

// New builds a dispatcher.
func New(reg *registry.Registry, store Saver, up Sender, m *metrics.Metrics, log zerolog.Logger, cfg Config) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		store:    store,
		upstream: up,
		metrics:  m,
		log:      log,
		cfg:      cfg,
	}
}

// RunWorker drains one shard queue until the context is canceled.
// Payloads that do not parse are dropped; the queued path defers
// parsing to here, so this is the only parse those payments get.
func (d *Dispatcher) RunWorker(ctx context.Context, id int, shard <-chan []byte) {
	log := d.log.With().Int("worker", id).Logger()
	log.Debug().Msg("worker started")
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("worker stopped")
			return
		case raw := <-shard:
			var p model.Payment
			if err := json.Unmarshal(raw, &p); err != nil {
				log.Debug().Err(err).Msg("dropping unparseable payload")
				continue
			}
			d.Dispatch(ctx, &p)
		}
	}
}

// Dispatch drives one payment to a terminal state: accepted by exactly
// one upstream and persisted, or dropped after the retry budget. The
// requested-at timestamp is stamped here, once, before the first
// attempt, and never moves on retry.
func (d *Dispatcher) Dispatch(ctx context.Context, p *model.Payment) {
	p.StampRequestedAt(time.Now())

	log := d.log.With().Str("correlation_id", p.CorrelationID.String()).Logger()
	delay := d.cfg.InitialDelay
	attempt := 0

	for {
		if attempt >= d.cfg.MaxAttempts {
			d.metrics.DispatchExhausted.Inc()
			log.Error().Int("attempts", attempt).Msg("retry budget exhausted, dropping payment")
			return
		}

		def := d.registry.Snapshot(model.KindDefault)
		fb := d.registry.Snapshot(model.KindFallback)
		chosen, ok := selectProcessor(def, fb, attempt, d.cfg.FallbackThreshold)
		if ok {
			d.metrics.DispatchAttempts.Inc()
			err := d.upstream.SubmitPayment(ctx, chosen.Address, p)
			if err == nil {
				p.Kind = chosen.Kind
				if err := d.store.Save(ctx, p); err != nil {
					// The upstream already accepted; the payment is not
					// re-sent, only the record is lost.
					d.metrics.StoreSaveFailures.Inc()
				}
				d.metrics.DispatchSuccess.WithLabelValues(chosen.Kind.String()).Inc()
				log.Debug().Stringer("kind", chosen.Kind).Int("attempt", attempt).Msg("payment accepted")
				return
			}
			d.registry.MarkFailing(chosen.Kind)
			log.Warn().Err(err).Stringer("kind", chosen.Kind).Int("attempt", attempt).Msg("upstream attempt failed")
		}

		select {
		case <-ctx.Done():
			log.Warn().Msg("dispatch abandoned at shutdown")
			return
		case <-time.After(delay):
		}
		delay = min(2*delay, d.cfg.MaxDelay)
		attempt++
	}
}
