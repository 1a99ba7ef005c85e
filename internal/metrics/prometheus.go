package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "at_trader"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	newCounter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}
	volume := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "volume_traded",
		Help:      "Cumulative traded volume across all instruments.",
	})
	registry.MustRegister(volume)

	m := &Metrics{
		CyclesStarted:   promCounter{newCounter("cycles_started_total", "Total number of hedge cycles started.")},
		CyclesSucceeded: promCounter{newCounter("cycles_succeeded_total", "Total number of hedge cycles completed successfully.")},
		CyclesFailed:    promCounter{newCounter("cycles_failed_total", "Total number of hedge cycles that failed.")},
		OrdersPlaced:    promCounter{newCounter("orders_placed_total", "Total number of orders submitted.")},
		OrdersFailed:    promCounter{newCounter("orders_failed_total", "Total number of order submissions rejected.")},
		Remediations:    promCounter{newCounter("remediations_total", "Total number of partial-fill market remediations.")},
		MarketFallbacks: promCounter{newCounter("market_fallbacks_total", "Total number of full market-only fallbacks.")},
		VolumeTraded:    promGauge{volume},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
