package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "perp_basket_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry        *prometheus.Registry
	cyclesCompleted prometheus.Counter
	cyclesFailed    prometheus.Counter
	ordersPlaced    prometheus.Counter
	ordersFailed    prometheus.Counter
	forcedExits     prometheus.Counter
	emergencyCloses prometheus.Counter
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	cyclesCompleted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "cycles_completed_total",
		Help:      "Total number of completed trading cycles.",
	})
	cyclesFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "cycles_failed_total",
		Help:      "Total number of cycles ended by an unexpected error.",
	})
	ordersPlaced := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_placed_total",
		Help:      "Total number of orders placed.",
	})
	ordersFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_failed_total",
		Help:      "Total number of order placement failures.",
	})
	forcedExits := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "forced_exits_total",
		Help:      "Total number of exits forced by liquidation risk.",
	})
	emergencyCloses := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "emergency_closes_total",
		Help:      "Total number of best-effort emergency close attempts.",
	})

	registry.MustRegister(cyclesCompleted, cyclesFailed, ordersPlaced, ordersFailed, forcedExits, emergencyCloses)

	m := &Metrics{
		CyclesCompleted: promCounter{cyclesCompleted},
		CyclesFailed:    promCounter{cyclesFailed},
		OrdersPlaced:    promCounter{ordersPlaced},
		OrdersFailed:    promCounter{ordersFailed},
		ForcedExits:     promCounter{forcedExits},
		EmergencyCloses: promCounter{emergencyCloses},
	}

	return &Prometheus{
		Metrics:         m,
		registry:        registry,
		cyclesCompleted: cyclesCompleted,
		cyclesFailed:    cyclesFailed,
		ordersPlaced:    ordersPlaced,
		ordersFailed:    ordersFailed,
		forcedExits:     forcedExits,
		emergencyCloses: emergencyCloses,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
