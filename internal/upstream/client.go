package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"payment-gateway/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrUpstreamRejected is returned when a processor answers with a
// non-2xx status. It is retriable exactly like a transport error.
var ErrUpstreamRejected = errors.New("upstream rejected payment")

const (
	connectTimeout = 500 * time.Millisecond
	requestTimeout = 2 * time.Second

	// healthTimeoutFloor bounds health probes at this much over the
	// upstream's own advertised minimum response time, so a sick
	// upstream cannot stall the prober.
	healthTimeoutFloor = 100 * time.Millisecond
)

// Options tunes the client. The zero value gives the production
// transport; tests shrink the timeouts.
type Options struct {
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// Client is the single shared HTTP client for both payment POSTs and
// health GETs against the two upstream processors.
type Client struct {
	http *http.Client
}

// New builds the pooled client: keepalive on, compression off, enough
// idle connections per host to keep the full worker pool busy without
// redialing.
func New(opts Options) *Client {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = connectTimeout
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = requestTimeout
	}
	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        500,
		MaxIdleConnsPerHost: 200,
		IdleConnTimeout:     30 * time.Second,
		DisableCompression:  true,
	}
	return &Client{
		http: &http.Client{
			Timeout:   opts.RequestTimeout,
			Transport: transport,
		},
	}
}

// SubmitPayment POSTs the payment to {address}/payments. Success is any
// 2xx; everything else, including transport errors, is a retriable
// failure for the dispatch state machine.
func (c *Client) SubmitPayment(ctx context.Context, address string, p *model.Payment) error {
	body, err := json.Marshal(p.ToUpstreamRequest())
	if err != nil {
		return fmt.Errorf("marshaling upstream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, address+"/payments", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting payment to %s: %w", address, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s answered %d", ErrUpstreamRejected, address, resp.StatusCode)
	}
	return nil
}

// CheckHealth GETs {address}/payments/service-health with a deadline of
// 100 ms plus the upstream's last advertised minimum response time.
func (c *Client) CheckHealth(ctx context.Context, address string, minResponseTime time.Duration) (model.ProcessorState, error) {
	ctx, cancel := context.WithTimeout(ctx, healthTimeoutFloor+minResponseTime)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, address+"/payments/service-health", nil)
	if err != nil {
		return model.ProcessorState{}, fmt.Errorf("building health request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return model.ProcessorState{}, fmt.Errorf("probing %s: %w", address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return model.ProcessorState{}, fmt.Errorf("health probe of %s answered %d", address, resp.StatusCode)
	}

	var state model.ProcessorState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return model.ProcessorState{}, fmt.Errorf("decoding health body from %s: %w", address, err)
	}
	return state, nil
}
