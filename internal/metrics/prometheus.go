package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "dydx_pairs_bot"

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		counters: make(map[string]prometheus.Counter),
		gauges:   make(map[string]prometheus.Gauge),
	}
	p.Metrics = &Metrics{
		OrdersSubmitted:    p.counter("orders_submitted_total", "Orders broadcast to the node."),
		OrdersRejected:     p.counter("orders_rejected_total", "Orders rejected by the node."),
		OrdersReconciled:   p.counter("orders_reconciled_total", "Submissions bound to an indexer order."),
		OrdersUnresolved:   p.counter("orders_unresolved_total", "Submissions with no matching indexer order."),
		IndexerRetries:     p.counter("indexer_retries_total", "Indexer queries retried after a transient error."),
		CancelsCanceled:    p.counter("cancels_canceled_total", "Cancels accepted by the node."),
		CancelsAlreadyGone: p.counter("cancels_already_gone_total", "Cancels for orders already filled, canceled or unknown."),
		CancelsFailed:      p.counter("cancels_failed_total", "Cancels that failed."),
		RegistryEvictions:  p.counter("registry_evictions_total", "Registry entries evicted after a not-found read."),
		RegistrySize:       p.gauge("registry_orders", "Orders currently tracked in the registry."),
		LiquidationRuns:    p.counter("liquidation_runs_total", "Liquidation runs started."),
		LiquidationPartial: p.counter("liquidation_partial_total", "Liquidation runs that completed with failures."),
		LiquidationAborted: p.counter("liquidation_aborted_total", "Liquidation runs aborted before checkpoint."),
		PositionsClosed:    p.counter("positions_closed_total", "Closing orders placed during liquidation."),
		CloseFailures:      p.counter("close_failures_total", "Positions whose closing order failed."),
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) counter(name, help string) Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
	p.registry.MustRegister(c)
	p.counters[name] = c
	return c
}

func (p *Prometheus) gauge(name, help string) Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
	p.registry.MustRegister(g)
	p.gauges[name] = g
	return g
}
