package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func init() {
	// Amounts travel as JSON numbers on every wire surface; the summary
	// response renders its own fixed-point strings.
	decimal.MarshalJSONWithoutQuotes = true
}

// Kind identifies which upstream processor handled a payment. The two
// processors are a fixed pair; the integer value doubles as the registry
// slot index and the bus subject index.
type Kind int

const (
	KindDefault Kind = iota
	KindFallback

	// NumProcessors is the fixed number of upstream processors.
	NumProcessors = 2
)

func (k Kind) String() string {
	switch k {
	case KindDefault:
		return "default"
	case KindFallback:
		return "fallback"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalJSON serializes the kind as its lowercase name, which is what
// the store aggregation script buckets on.
func (k Kind) MarshalJSON() ([]byte, error) {
	switch k {
	case KindDefault, KindFallback:
		return []byte(`"` + k.String() + `"`), nil
	}
	return nil, fmt.Errorf("invalid processor kind %d", int(k))
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"default"`:
		*k = KindDefault
	case `"fallback"`:
		*k = KindFallback
	default:
		return fmt.Errorf("invalid processor kind %s", string(data))
	}
	return nil
}

// rfc3339Micro keeps the upstream wire timestamp at the same microsecond
// precision the store index is scored with.
const rfc3339Micro = "2006-01-02T15:04:05.000000Z"

// Payment is a payment intent. CorrelationID and Amount come from the
// client; RequestedAt is stamped exactly once before the first dispatch
// attempt and Kind is set only when an upstream accepts the payment.
type Payment struct {
	CorrelationID uuid.UUID       `json:"correlationId"`
	Amount        decimal.Decimal `json:"amount"`
	RequestedAt   time.Time       `json:"requestedAt,omitzero"`
	Kind          Kind            `json:"kind"`
}

// StampRequestedAt assigns the request timestamp if it has not been
// assigned yet. Retries must not move the timestamp.
func (p *Payment) StampRequestedAt(now time.Time) {
	if p.RequestedAt.IsZero() {
		p.RequestedAt = now.UTC().Truncate(time.Microsecond)
	}
}

// RequestedAtMicros is the store index score for this payment.
func (p *Payment) RequestedAtMicros() int64 {
	return p.RequestedAt.UnixMicro()
}

// UpstreamRequest is the body POSTed to an upstream processor.
type UpstreamRequest struct {
	CorrelationID uuid.UUID       `json:"correlationId"`
	Amount        decimal.Decimal `json:"amount"`
	RequestedAt   string          `json:"requestedAt"`
}

// ToUpstreamRequest builds the upstream wire form of the payment.
func (p *Payment) ToUpstreamRequest() UpstreamRequest {
	return UpstreamRequest{
		CorrelationID: p.CorrelationID,
		Amount:        p.Amount,
		RequestedAt:   p.RequestedAt.UTC().Format(rfc3339Micro),
	}
}

// ProcessorState is one registry slot: the last known health view of an
// upstream processor. It is also the bus payload and matches the upstream
// health endpoint body on the failing/minResponseTime fields.
type ProcessorState struct {
	Failing         bool   `json:"failing"`
	MinResponseTime int64  `json:"minResponseTime"`
	Address         string `json:"address,omitempty"`
	Kind            Kind   `json:"kind"`
}

// MinResponseDuration converts the advertised minimum response time,
// which travels as milliseconds, into a duration.
func (s ProcessorState) MinResponseDuration() time.Duration {
	return time.Duration(s.MinResponseTime) * time.Millisecond
}

// Summary is the per-processor half of the payments-summary response.
// The amount is rendered with four fractional digits so boundary values
// survive the trip through the aggregation script untouched.
type Summary struct {
	TotalRequests int64           `json:"totalRequests"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
}

func (s Summary) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`{"totalRequests":%d,"totalAmount":"%s"}`,
		s.TotalRequests, s.TotalAmount.StringFixed(4))), nil
}

// PaymentSummary is the payments-summary response body.
type PaymentSummary struct {
	Default  Summary `json:"default"`
	Fallback Summary `json:"fallback"`
}
