package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.OrdersSubmitted.Inc()
	prom.Metrics.OrdersSubmitted.Inc()
	prom.Metrics.OrdersRejected.Inc()
	prom.Metrics.CancelsAlreadyGone.Inc()
	prom.Metrics.LiquidationPartial.Inc()
	prom.Metrics.RegistrySize.Set(3)

	assertCounter(t, prom, "orders_submitted_total", 2)
	assertCounter(t, prom, "orders_rejected_total", 1)
	assertCounter(t, prom, "cancels_already_gone_total", 1)
	assertCounter(t, prom, "liquidation_partial_total", 1)
	assertCounter(t, prom, "cancels_failed_total", 0)
	if got := testutil.ToFloat64(prom.gauges["registry_orders"]); got != 3 {
		t.Fatalf("expected registry gauge 3, got %v", got)
	}
}

func TestPrometheusHandlerExposesNamespace(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.PositionsClosed.Inc()
	rec := httptest.NewRecorder()
	prom.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "dydx_pairs_bot_positions_closed_total 1") {
		t.Fatalf("expected positions_closed counter in output, got %s", body)
	}
}

func TestNoopMetricsAreSafe(t *testing.T) {
	m := OrNoop(nil)
	m.OrdersSubmitted.Inc()
	m.RegistrySize.Set(1)
}

func assertCounter(t *testing.T, prom *Prometheus, name string, expected float64) {
	t.Helper()
	c, ok := prom.counters[name]
	if !ok {
		t.Fatalf("counter %s not registered", name)
	}
	if got := testutil.ToFloat64(c); got != expected {
		t.Fatalf("%s: expected %v, got %v", name, expected, got)
	}
}
