package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the bot server.
type Metrics struct {
	SignalsTotal   *prometheus.CounterVec // labels: action
	SignalsBad     prometheus.Counter     // rejected at the ingress boundary
	DecisionsTotal *prometheus.CounterVec // labels: decision

	OrdersSubmitted prometheus.Counter
	OrdersFilled    prometheus.Counter
	OrdersRejected  prometheus.Counter
	PollTimeouts    prometheus.Counter
	FillWaitDur     prometheus.Histogram // submit-to-terminal poll latency
	BrokerErrors    prometheus.Counter

	PnLApplied prometheus.Counter
	PnLSkipped prometheus.Counter // idempotent re-application detected

	SweepRuns      prometheus.Counter
	SweepRecovered prometheus.Counter

	BrokerBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	BrokerBreakerTrips prometheus.Counter

	WSClients prometheus.Gauge
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "botserver_signals_total",
			Help: "Webhook signals accepted at the ingress (by action)",
		}, []string{"action"}),
		SignalsBad: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botserver_signals_rejected_total",
			Help: "Webhook payloads rejected at the ingress boundary",
		}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "botserver_decisions_total",
			Help: "Decision engine outcomes (by decision kind)",
		}, []string{"decision"}),

		OrdersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botserver_orders_submitted_total",
			Help: "Orders submitted to the broker",
		}),
		OrdersFilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botserver_orders_filled_total",
			Help: "Orders reconciled to FILLED",
		}),
		OrdersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botserver_orders_rejected_total",
			Help: "Orders terminally rejected or canceled by the broker",
		}),
		PollTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botserver_order_poll_timeouts_total",
			Help: "Bounded status polls that gave up before a terminal status",
		}),
		FillWaitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "botserver_order_fill_wait_seconds",
			Help:    "Time from order submission to terminal poll result",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
		}),
		BrokerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botserver_broker_errors_total",
			Help: "Broker gateway call failures",
		}),

		PnLApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botserver_pnl_applied_total",
			Help: "Realized P&L deltas applied to bot aggregates",
		}),
		PnLSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botserver_pnl_skipped_total",
			Help: "P&L applications skipped because the trade was already booked",
		}),

		SweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botserver_sweep_runs_total",
			Help: "Reconciliation sweep passes",
		}),
		SweepRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botserver_sweep_recovered_total",
			Help: "Stalled trades driven to a terminal status by the sweep",
		}),

		BrokerBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "botserver_broker_breaker_state",
			Help: "Broker circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		BrokerBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botserver_broker_breaker_trips_total",
			Help: "Broker circuit breaker open transitions",
		}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "botserver_ws_clients",
			Help: "Connected WebSocket stream clients",
		}),
	}

	prometheus.MustRegister(
		m.SignalsTotal,
		m.SignalsBad,
		m.DecisionsTotal,
		m.OrdersSubmitted,
		m.OrdersFilled,
		m.OrdersRejected,
		m.PollTimeouts,
		m.FillWaitDur,
		m.BrokerErrors,
		m.PnLApplied,
		m.PnLSkipped,
		m.SweepRuns,
		m.SweepRecovered,
		m.BrokerBreakerState,
		m.BrokerBreakerTrips,
		m.WSClients,
	)

	return m
}
