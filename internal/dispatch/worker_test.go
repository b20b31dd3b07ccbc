package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-gateway/internal/metrics"
	"payment-gateway/internal/model"
	"payment-gateway/internal/registry"
)

type sentCall struct {
	address     string
	requestedAt time.Time
	at          time.Time
}

// fakeSender scripts upstream behavior per address.
type fakeSender struct {
	mu      sync.Mutex
	respond func(address string, call int) error
	calls   []sentCall
}

func (f *fakeSender) SubmitPayment(_ context.Context, address string, p *model.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sentCall{address: address, requestedAt: p.RequestedAt, at: time.Now()})
	return f.respond(address, len(f.calls))
}

func (f *fakeSender) callList() []sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCall(nil), f.calls...)
}

// fakeStore records saved payments.
type fakeStore struct {
	mu    sync.Mutex
	saved []model.Payment
	err   error
}

func (f *fakeStore) Save(_ context.Context, p *model.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, *p)
	return nil
}

func (f *fakeStore) savedList() []model.Payment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Payment(nil), f.saved...)
}

func testPayment() *model.Payment {
	return &model.Payment{
		CorrelationID: uuid.New(),
		Amount:        decimal.RequireFromString("10.50"),
	}
}

func testDispatcher(t *testing.T, reg *registry.Registry, store *fakeStore, sender *fakeSender, cfg Config) *Dispatcher {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	return New(reg, store, sender, m, zerolog.Nop(), cfg)
}

func fastConfig() Config {
	return Config{
		MaxAttempts:       6,
		InitialDelay:      time.Millisecond,
		MaxDelay:          4 * time.Millisecond,
		FallbackThreshold: 3,
	}
}

func TestDispatch_DefaultAcceptsFirstAttempt(t *testing.T) {
	reg := registry.New("http://default", "http://fallback")
	store := &fakeStore{}
	sender := &fakeSender{respond: func(string, int) error { return nil }}
	d := testDispatcher(t, reg, store, sender, fastConfig())

	p := testPayment()
	before := time.Now()
	d.Dispatch(context.Background(), p)

	calls := sender.callList()
	require.Len(t, calls, 1)
	assert.Equal(t, "http://default", calls[0].address)

	saved := store.savedList()
	require.Len(t, saved, 1)
	assert.Equal(t, model.KindDefault, saved[0].Kind)
	assert.False(t, saved[0].RequestedAt.IsZero())
	// Stamped before the first outbound POST.
	assert.False(t, saved[0].RequestedAt.Before(before.UTC().Truncate(time.Microsecond)))
	assert.False(t, calls[0].at.Before(saved[0].RequestedAt))
}

func TestDispatch_PromotesFallbackAtThreshold(t *testing.T) {
	reg := registry.New("http://default", "http://fallback")
	reg.MarkFailing(model.KindDefault)
	store := &fakeStore{}
	sender := &fakeSender{respond: func(string, int) error { return nil }}
	d := testDispatcher(t, reg, store, sender, fastConfig())

	d.Dispatch(context.Background(), testPayment())

	// Attempts 0..2 back off with no eligible processor; attempt 3
	// promotes the fallback.
	calls := sender.callList()
	require.Len(t, calls, 1)
	assert.Equal(t, "http://fallback", calls[0].address)

	saved := store.savedList()
	require.Len(t, saved, 1)
	assert.Equal(t, model.KindFallback, saved[0].Kind)
}

func TestDispatch_MarksFailingOnUpstreamError(t *testing.T) {
	reg := registry.New("http://default", "http://fallback")
	store := &fakeStore{}
	sender := &fakeSender{respond: func(address string, _ int) error {
		if address == "http://default" {
			return errors.New("upstream answered 500")
		}
		return nil
	}}
	cfg := fastConfig()
	cfg.FallbackThreshold = 1
	d := testDispatcher(t, reg, store, sender, cfg)

	d.Dispatch(context.Background(), testPayment())

	assert.True(t, reg.Snapshot(model.KindDefault).Failing)

	calls := sender.callList()
	require.Len(t, calls, 2)
	assert.Equal(t, "http://default", calls[0].address)
	assert.Equal(t, "http://fallback", calls[1].address)
	require.Len(t, store.savedList(), 1)
	assert.Equal(t, model.KindFallback, store.savedList()[0].Kind)
}

func TestDispatch_BothDownExhaustsBudget(t *testing.T) {
	reg := registry.New("http://default", "http://fallback")
	store := &fakeStore{}
	sender := &fakeSender{respond: func(string, int) error { return errors.New("boom") }}
	cfg := fastConfig()
	cfg.FallbackThreshold = 1
	d := testDispatcher(t, reg, store, sender, cfg)

	d.Dispatch(context.Background(), testPayment())

	assert.Empty(t, store.savedList(), "an unaccepted payment must not be persisted")
	assert.True(t, reg.Snapshot(model.KindDefault).Failing)
	assert.True(t, reg.Snapshot(model.KindFallback).Failing)
	// First attempt hits the default, the second the fallback; both
	// slots then read failing and the remaining attempts back off.
	assert.Len(t, sender.callList(), 2)
}

func TestDispatch_RequestedAtStableAcrossRetries(t *testing.T) {
	reg := registry.New("http://default", "http://fallback")
	store := &fakeStore{}
	attempts := 0
	sender := &fakeSender{respond: func(_ string, _ int) error {
		attempts++
		if attempts == 2 {
			// A prober tick clears the default between retries, so the
			// third attempt goes back to it.
			reg.SetHealth(model.KindDefault, false, 100*time.Millisecond)
		}
		if attempts < 3 {
			return errors.New("flaky")
		}
		return nil
	}}
	cfg := fastConfig()
	cfg.FallbackThreshold = 0
	d := testDispatcher(t, reg, store, sender, cfg)

	d.Dispatch(context.Background(), testPayment())

	calls := sender.callList()
	require.Len(t, calls, 3)
	assert.Equal(t, calls[0].requestedAt, calls[1].requestedAt)
	assert.Equal(t, calls[0].requestedAt, calls[2].requestedAt)
}

func TestDispatch_SaveFailureDoesNotResend(t *testing.T) {
	reg := registry.New("http://default", "http://fallback")
	store := &fakeStore{err: errors.New("store down")}
	sender := &fakeSender{respond: func(string, int) error { return nil }}
	d := testDispatcher(t, reg, store, sender, fastConfig())

	d.Dispatch(context.Background(), testPayment())

	// The upstream accepted once; a persistence failure must not burn
	// more upstream attempts.
	assert.Len(t, sender.callList(), 1)
}

func TestRunWorker_ParsesAndDropsGarbage(t *testing.T) {
	reg := registry.New("http://default", "http://fallback")
	store := &fakeStore{}
	sender := &fakeSender{respond: func(string, int) error { return nil }}
	d := testDispatcher(t, reg, store, sender, fastConfig())

	shard := make(chan []byte, 4)
	shard <- []byte(`{{not json`)
	shard <- []byte(`{"correlationId":"00000000-0000-0000-0000-000000000009","amount":5.25}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.RunWorker(ctx, 0, shard)

	require.Eventually(t, func() bool {
		return len(store.savedList()) == 1
	}, time.Second, 5*time.Millisecond)

	saved := store.savedList()[0]
	assert.Equal(t, "00000000-0000-0000-0000-000000000009", saved.CorrelationID.String())
	assert.Equal(t, model.KindDefault, saved.Kind)
}
