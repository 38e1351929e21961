package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "funding_arb_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
	counters map[string]prometheus.Counter
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counters := make(map[string]prometheus.Counter)
	counter := func(name, help string) Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		counters[name] = c
		return promCounter{c}
	}

	m := &Metrics{
		BotsOpened:          counter("bots_opened_total", "Bots moved to running with both legs open."),
		OpenFailed:          counter("open_failed_total", "Open attempts that failed and will retry."),
		PositionsClosed:     counter("positions_closed_total", "Exchange legs closed."),
		CloseFailed:         counter("close_failed_total", "Close attempts that failed."),
		MarginAdjustments:   counter("margin_adjustments_total", "Collateral moves applied by the balancer."),
		TransfersExecuted:   counter("transfers_executed_total", "Cross-exchange transfers submitted."),
		TransferFailed:      counter("transfer_failed_total", "Cross-exchange transfer failures."),
		SafetyStops:         counter("safety_stops_total", "Bots flipped to stop_requested by a safety breach."),
		RebalanceTriggers:   counter("rebalance_triggers_total", "Bots sent into the rebalance transfer cycle."),
		RetryBudgetExceeded: counter("retry_budget_exceeded_total", "Bots stuck past the per-status retry budget."),
	}

	return &Prometheus{Metrics: m, registry: registry, counters: counters}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
