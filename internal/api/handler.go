package api

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"payment-gateway/internal/dispatch"
	"payment-gateway/internal/metrics"
	"payment-gateway/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodySize caps ingress payloads; a payment intent is tiny.
const maxBodySize = 4 << 10

// Tower-layer admission limits per route group.
const (
	paymentsConcurrency = 800
	paymentsBacklog     = 6144
	adminConcurrency    = 16
	adminBacklog        = 16
)

// Aggregator answers time-ranged summaries and purges the namespace.
type Aggregator interface {
	Aggregate(ctx context.Context, fromMicros, toMicros int64) (model.PaymentSummary, error)
	Purge(ctx context.Context) error
}

// Handler wires the ingress admitter and the summary/purge endpoints.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	queues     *dispatch.Queues
	store      Aggregator
	permits    *semaphore.Weighted
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

// New builds the handler with a fast-path semaphore of the given size.
func New(d *dispatch.Dispatcher, q *dispatch.Queues, store Aggregator, fastPathPermits int64, m *metrics.Metrics, log zerolog.Logger) *Handler {
	return &Handler{
		dispatcher: d,
		queues:     q,
		store:      store,
		permits:    semaphore.NewWeighted(fastPathPermits),
		metrics:    m,
		log:        log,
	}
}

// RegisterRoutes installs all gateway routes with their per-group
// admission limits.
func (h *Handler) RegisterRoutes(router *mux.Router, promReg *prometheus.Registry) {
	payments := limitConcurrency(paymentsConcurrency, paymentsBacklog)
	admin := limitConcurrency(adminConcurrency, adminBacklog)

	router.Handle("/payments", payments(http.HandlerFunc(h.PostPayments))).Methods(http.MethodPost)
	router.Handle("/payments-summary", admin(http.HandlerFunc(h.GetPaymentsSummary))).Methods(http.MethodGet)
	router.Handle("/purge-payments", admin(http.HandlerFunc(h.PurgePayments))).Methods(http.MethodPost)

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

// PostPayments admits a payment on one of two paths. With a fast-path
// permit available the body is parsed inline and dispatched on a
// detached goroutine that holds the permit for its whole lifetime.
// Without one, the raw bytes go to a round-robin shard queue and the
// worker pool parses them later. Either way the client gets 200 before
// the payment reaches an upstream.
func (h *Handler) PostPayments(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.metrics.IngressRejected.WithLabelValues("read").Inc()
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	if h.permits.TryAcquire(1) {
		var p model.Payment
		if err := json.Unmarshal(raw, &p); err != nil {
			h.permits.Release(1)
			h.metrics.IngressRejected.WithLabelValues("parse").Inc()
			http.Error(w, "invalid payment", http.StatusBadRequest)
			return
		}
		go func() {
			defer h.permits.Release(1)
			// Detached: the client is long gone by the time this ends.
			h.dispatcher.Dispatch(context.Background(), &p)
		}()
		h.metrics.IngressAccepted.WithLabelValues("fast").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.queues.Enqueue(raw); err != nil {
		h.metrics.IngressRejected.WithLabelValues("queue").Inc()
		if errors.Is(err, dispatch.ErrQueueFull) || errors.Is(err, dispatch.ErrQueueClosed) {
			http.Error(w, "service overloaded", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.metrics.IngressAccepted.WithLabelValues("queued").Inc()
	w.WriteHeader(http.StatusOK)
}

// GetPaymentsSummary aggregates persisted payments over an optional
// ISO-8601 time range. Absent bounds are unbounded; an inverted range
// aggregates nothing.
func (h *Handler) GetPaymentsSummary(w http.ResponseWriter, r *http.Request) {
	fromMicros, err := parseBound(r.URL.Query().Get("from"), 0)
	if err != nil {
		http.Error(w, "invalid from timestamp", http.StatusBadRequest)
		return
	}
	toMicros, err := parseBound(r.URL.Query().Get("to"), math.MaxInt64)
	if err != nil {
		http.Error(w, "invalid to timestamp", http.StatusBadRequest)
		return
	}

	summary, err := h.store.Aggregate(r.Context(), fromMicros, toMicros)
	if err != nil {
		h.log.Error().Err(err).Msg("summary aggregation failed")
		http.Error(w, "failed to aggregate payments", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

// PurgePayments erases the whole store namespace.
func (h *Handler) PurgePayments(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Purge(r.Context()); err != nil {
		h.log.Error().Err(err).Msg("purge failed")
		http.Error(w, "failed to purge payments", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"message":"all payment data removed"}`))
}

// parseBound converts an optional ISO-8601 query value into microseconds
// since epoch, defaulting when the value is absent.
func parseBound(value string, def int64) (int64, error) {
	if value == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return 0, err
	}
	return t.UnixMicro(), nil
}
