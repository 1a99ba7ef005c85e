package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(v float64)
}

type Metrics struct {
	CyclesStarted   Counter
	CyclesSucceeded Counter
	CyclesFailed    Counter
	OrdersPlaced    Counter
	OrdersFailed    Counter
	Remediations    Counter
	MarketFallbacks Counter
	VolumeTraded    Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		CyclesStarted:   n,
		CyclesSucceeded: n,
		CyclesFailed:    n,
		OrdersPlaced:    n,
		OrdersFailed:    n,
		Remediations:    n,
		MarketFallbacks: n,
		VolumeTraded:    noopGauge{},
	}
}
