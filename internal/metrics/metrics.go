package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

type Metrics struct {
	OrdersSubmitted  Counter
	OrdersRejected   Counter
	OrdersReconciled Counter
	OrdersUnresolved Counter
	IndexerRetries   Counter

	CancelsCanceled    Counter
	CancelsAlreadyGone Counter
	CancelsFailed      Counter

	RegistryEvictions Counter
	RegistrySize      Gauge

	LiquidationRuns    Counter
	LiquidationPartial Counter
	LiquidationAborted Counter
	PositionsClosed    Counter
	CloseFailures      Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OrdersSubmitted:    n,
		OrdersRejected:     n,
		OrdersReconciled:   n,
		OrdersUnresolved:   n,
		IndexerRetries:     n,
		CancelsCanceled:    n,
		CancelsAlreadyGone: n,
		CancelsFailed:      n,
		RegistryEvictions:  n,
		RegistrySize:       noopGauge{},
		LiquidationRuns:    n,
		LiquidationPartial: n,
		LiquidationAborted: n,
		PositionsClosed:    n,
		CloseFailures:      n,
	}
}

// OrNoop lets components accept a nil *Metrics.
func OrNoop(m *Metrics) *Metrics {
	if m == nil {
		return NewNoop()
	}
	return m
}
