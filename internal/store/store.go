package store

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"payment-gateway/internal/model"
)

const (
	// paymentKeyPrefix + correlation id holds the stored payment JSON.
	paymentKeyPrefix = "payment:"
	// timeIndexKey is the sorted set mapping payment keys to their
	// requested_at score in microseconds.
	timeIndexKey = "payments_by_date"

	saveAttempts  = 50
	saveBaseDelay = time.Millisecond
	saveMaxDelay  = 10 * time.Millisecond

	connectAttempts = 5
	connectDelay    = 5 * time.Second
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// aggregateScript runs entirely server-side: one range scan over the
// time index, then MGET in chunks of 5,000 keys to stay inside the
// unpack limit. Values that expired between the scan and the MGET come
// back nil and are skipped. Sums are returned as fixed-point strings
// because a Lua number would be truncated to an integer on the way out.
var aggregateScript = redis.NewScript(`
local keys = redis.call('ZRANGEBYSCORE', KEYS[1], ARGV[1], ARGV[2])
if #keys == 0 then
    return {0, '0.0000', 0, '0.0000'}
end

local default_reqs = 0
local default_amt = 0.0
local fallback_reqs = 0
local fallback_amt = 0.0

local chunk_size = 5000
for i = 1, #keys, chunk_size do
    local chunk = {}
    for j = i, math.min(i + chunk_size - 1, #keys) do
        table.insert(chunk, keys[j])
    end

    local values = redis.call('MGET', unpack(chunk))
    for _, raw in ipairs(values) do
        if raw then
            local data = cjson.decode(raw)
            if data.kind == 'default' then
                default_reqs = default_reqs + 1
                default_amt = default_amt + tonumber(data.amount)
            elseif data.kind == 'fallback' then
                fallback_reqs = fallback_reqs + 1
                fallback_amt = fallback_amt + tonumber(data.amount)
            end
        end
    end
end

return {default_reqs, string.format('%.4f', default_amt), fallback_reqs, string.format('%.4f', fallback_amt)}
`)

// Store persists payments into a shared Redis namespace with a bounded
// lifetime and answers time-ranged aggregation in a single round trip.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

// Connect dials Redis with the boot retry policy: five attempts five
// seconds apart, then the caller gives up. The pool is warmed with a
// ping so the first save does not pay the dial cost.
func Connect(ctx context.Context, url string, poolSize int, ttl time.Duration, log zerolog.Logger) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing store url: %w", err)
	}
	opts.PoolSize = poolSize

	rdb := redis.NewClient(opts)
	err = retry.Do(
		func() error { return rdb.Ping(ctx).Err() },
		retry.Context(ctx),
		retry.Attempts(connectAttempts),
		retry.Delay(connectDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Uint("attempt", n+1).Err(err).Msg("store connection failed, retrying")
		}),
	)
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to store after %d attempts: %w", connectAttempts, err)
	}

	log.Info().Str("url", opts.Addr).Int("pool_size", poolSize).Msg("store connected")
	return &Store{rdb: rdb, ttl: ttl, log: log}, nil
}

// Client exposes the underlying Redis client so the bus package can
// reuse the same connection pool for its pub/sub fallback.
func (s *Store) Client() *redis.Client {
	return s.rdb
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// paymentKey builds the value key for a payment.
func paymentKey(p *model.Payment) string {
	return paymentKeyPrefix + p.CorrelationID.String()
}

// Save writes the payment value with its TTL and inserts it into the
// time index, atomically, in one round trip. Transient failures are
// retried up to 50 times with exponential backoff from 1 ms, capped at
// 10 ms between attempts; the upstream POST already succeeded by the
// time Save runs, so after the budget is spent the payment is logged
// and dropped rather than re-sent.
func (s *Store) Save(ctx context.Context, p *model.Payment) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling payment %s: %w", p.CorrelationID, err)
	}

	key := paymentKey(p)
	score := float64(p.RequestedAtMicros())

	err = retry.Do(
		func() error {
			pipe := s.rdb.TxPipeline()
			pipe.Set(ctx, key, body, s.ttl)
			pipe.ZAdd(ctx, timeIndexKey, redis.Z{Score: score, Member: key})
			_, err := pipe.Exec(ctx)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(saveAttempts),
		retry.Delay(saveBaseDelay),
		retry.MaxDelay(saveMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		s.log.Error().Err(err).Str("correlation_id", p.CorrelationID.String()).
			Msg("payment not persisted after exhausting save retries")
		return fmt.Errorf("saving payment %s: %w", p.CorrelationID, err)
	}
	return nil
}

// Aggregate buckets every indexed payment with requested_at in
// [fromMicros, toMicros] by processor kind, server-side. Keys whose
// value expired mid-script are counted in neither bucket.
func (s *Store) Aggregate(ctx context.Context, fromMicros, toMicros int64) (model.PaymentSummary, error) {
	reply, err := aggregateScript.Run(ctx, s.rdb, []string{timeIndexKey}, fromMicros, toMicros).Result()
	if err != nil {
		return model.PaymentSummary{}, fmt.Errorf("running aggregation script: %w", err)
	}
	return parseAggregateReply(reply)
}

// parseAggregateReply decodes the script's 4-tuple reply:
// (default_count, default_sum, fallback_count, fallback_sum) with the
// sums as decimal strings.
func parseAggregateReply(reply interface{}) (model.PaymentSummary, error) {
	tuple, ok := reply.([]interface{})
	if !ok || len(tuple) != 4 {
		return model.PaymentSummary{}, fmt.Errorf("unexpected aggregation reply %T", reply)
	}

	defaultCount, ok := tuple[0].(int64)
	if !ok {
		return model.PaymentSummary{}, fmt.Errorf("unexpected default count %T", tuple[0])
	}
	fallbackCount, ok := tuple[2].(int64)
	if !ok {
		return model.PaymentSummary{}, fmt.Errorf("unexpected fallback count %T", tuple[2])
	}

	defaultSum, err := decimalField(tuple[1])
	if err != nil {
		return model.PaymentSummary{}, fmt.Errorf("default sum: %w", err)
	}
	fallbackSum, err := decimalField(tuple[3])
	if err != nil {
		return model.PaymentSummary{}, fmt.Errorf("fallback sum: %w", err)
	}

	return model.PaymentSummary{
		Default:  model.Summary{TotalRequests: defaultCount, TotalAmount: defaultSum},
		Fallback: model.Summary{TotalRequests: fallbackCount, TotalAmount: fallbackSum},
	}, nil
}

func decimalField(v interface{}) (decimal.Decimal, error) {
	s, ok := v.(string)
	if !ok {
		return decimal.Zero, fmt.Errorf("unexpected sum type %T", v)
	}
	return decimal.NewFromString(s)
}

// Purge erases the entire store namespace. Administrative only.
func (s *Store) Purge(ctx context.Context) error {
	if err := s.rdb.FlushDB(ctx).Err(); err != nil {
		return fmt.Errorf("purging store: %w", err)
	}
	s.log.Info().Msg("store purged")
	return nil
}
