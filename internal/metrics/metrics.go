package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the gateway's operational counters. Labels stay
// low-cardinality: path of admission, processor kind, terminal outcome.
type Metrics struct {
	IngressAccepted *prometheus.CounterVec
	IngressRejected *prometheus.CounterVec

	DispatchSuccess   *prometheus.CounterVec
	DispatchExhausted prometheus.Counter
	DispatchAttempts  prometheus.Counter

	StoreSaveFailures prometheus.Counter
}

// New registers the gateway metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		IngressAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_ingress_accepted_total",
			Help: "Payments accepted at ingress, by admission path.",
		}, []string{"path"}),
		IngressRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_ingress_rejected_total",
			Help: "Payments rejected at ingress, by reason.",
		}, []string{"reason"}),
		DispatchSuccess: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_dispatch_success_total",
			Help: "Payments accepted by an upstream, by processor kind.",
		}, []string{"kind"}),
		DispatchExhausted: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_dispatch_exhausted_total",
			Help: "Payments dropped after exhausting the retry budget.",
		}),
		DispatchAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_dispatch_attempts_total",
			Help: "Outbound payment attempts, including retries.",
		}),
		StoreSaveFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_store_save_failures_total",
			Help: "Persisted-payment writes dropped after exhausting save retries.",
		}),
	}
}
