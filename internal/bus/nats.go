package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"payment-gateway/internal/model"
)

const (
	connectAttempts = 5
	connectDelay    = 5 * time.Second
)

// NATSChannel is the primary HealthChannel, one NATS subject per
// processor slot. NATS preserves per-subject ordering, which is all the
// health protocol needs.
type NATSChannel struct {
	nc  *nats.Conn
	log zerolog.Logger
}

var _ HealthChannel = (*NATSChannel)(nil)

// ConnectNATS dials the bus with the boot retry policy: five attempts
// five seconds apart, then the caller gives up.
func ConnectNATS(ctx context.Context, url string, log zerolog.Logger) (*NATSChannel, error) {
	var nc *nats.Conn
	err := retry.Do(
		func() error {
			var err error
			nc, err = nats.Connect(url, nats.Timeout(connectDelay))
			return err
		},
		retry.Context(ctx),
		retry.Attempts(connectAttempts),
		retry.Delay(connectDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Uint("attempt", n+1).Err(err).Msg("bus connection failed, retrying")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to bus after %d attempts: %w", connectAttempts, err)
	}

	log.Info().Str("url", url).Msg("bus connected")
	return &NATSChannel{nc: nc, log: log}, nil
}

// Publish sends the processor state on its status subject.
func (c *NATSChannel) Publish(_ context.Context, index int, state model.ProcessorState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling processor state: %w", err)
	}
	if err := c.nc.Publish(Subject(index), payload); err != nil {
		return fmt.Errorf("publishing processor %d status: %w", index, err)
	}
	return nil
}

// Subscribe mirrors every decodable status message into fn. It returns
// once the subscription is installed; delivery happens on the NATS
// client's callback goroutine.
func (c *NATSChannel) Subscribe(_ context.Context, fn func(index int, state model.ProcessorState)) error {
	_, err := c.nc.Subscribe(subjectPattern, func(msg *nats.Msg) {
		index, err := ParseSubject(msg.Subject)
		if err != nil {
			c.log.Debug().Err(err).Msg("dropping message on unknown subject")
			return
		}
		var state model.ProcessorState
		if err := json.Unmarshal(msg.Data, &state); err != nil {
			c.log.Debug().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable status message")
			return
		}
		fn(index, state)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subjectPattern, err)
	}
	return nil
}

// Close drains and closes the connection.
func (c *NATSChannel) Close() error {
	return c.nc.Drain()
}
