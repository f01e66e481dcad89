// Package metrics exposes simulation and API state as Prometheus series.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alanyoungcy/lendingsim/internal/domain"
)

const namespace = "lendingsim"

// Collector holds every series the simulator exports. A nil *Collector is a
// no-op so callers never need to check whether metrics are enabled.
type Collector struct {
	block           prometheus.Gauge
	totalSupplied   prometheus.Gauge
	totalBorrowed   prometheus.Gauge
	prices          *prometheus.GaugeVec
	badDebtUsers    prometheus.Gauge
	badDebtUSD      prometheus.Gauge
	actions         *prometheus.CounterVec
	liquidations    prometheus.Counter
	badDebtEvents   prometheus.Counter
	repaid          prometheus.Counter
	seized          prometheus.Counter
	runs            *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates a Collector and registers it with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		block: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "block",
			Help:      "Last completed simulation block.",
		}),
		totalSupplied: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_supplied",
			Help:      "Market-wide supplied collateral in supply-token units.",
		}),
		totalBorrowed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_borrowed",
			Help:      "Market-wide outstanding debt in debt-token units.",
		}),
		prices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "price_usd",
			Help:      "Current USD price per token role.",
		}, []string{"role"}),
		badDebtUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bad_debt_users",
			Help:      "Accounts marked as bad debt.",
		}),
		badDebtUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bad_debt_usd",
			Help:      "USD value of debt held by bad-debt accounts.",
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Discretionary actions by outcome.",
		}, []string{"outcome"}),
		liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Liquidation calls executed.",
		}),
		badDebtEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bad_debt_events_total",
			Help:      "Accounts that transitioned into bad debt.",
		}),
		repaid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidation_repaid_total",
			Help:      "Debt-token units repaid by liquidations.",
		}),
		seized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidation_seized_total",
			Help:      "Supply-token units seized by liquidations.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished simulation runs by status.",
		}, []string{"status"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served.",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	reg.MustRegister(
		c.block, c.totalSupplied, c.totalBorrowed, c.prices,
		c.badDebtUsers, c.badDebtUSD, c.actions,
		c.liquidations, c.badDebtEvents, c.repaid, c.seized,
		c.runs, c.requests, c.requestDuration,
	)
	return c
}

// ObserveSnapshot updates the market gauges from one block's snapshot.
func (c *Collector) ObserveSnapshot(s domain.Snapshot) {
	if c == nil {
		return
	}
	c.block.Set(float64(s.Block))
	c.totalSupplied.Set(s.TotalSupplied.InexactFloat64())
	c.totalBorrowed.Set(s.TotalBorrowed.InexactFloat64())
	c.prices.WithLabelValues("supply").Set(s.SupplyPrice.InexactFloat64())
	c.prices.WithLabelValues("debt").Set(s.DebtPrice.InexactFloat64())
	c.badDebtUsers.Set(float64(s.BadDebtUserCount))
	c.badDebtUSD.Set(s.BadDebtUSD.InexactFloat64())
	c.actions.WithLabelValues("applied").Add(float64(s.AppliedActions))
	c.actions.WithLabelValues("rejected").Add(float64(s.RejectedActions))
}

// ObserveLiquidations counts one block's liquidation events.
func (c *Collector) ObserveLiquidations(events []domain.Liquidation) {
	if c == nil {
		return
	}
	for _, ev := range events {
		if ev.BadDebt {
			c.badDebtEvents.Inc()
			continue
		}
		c.liquidations.Inc()
		c.repaid.Add(ev.Repaid.InexactFloat64())
		c.seized.Add(ev.Seized.InexactFloat64())
	}
}

// ObserveRun counts a finished run.
func (c *Collector) ObserveRun(status domain.RunStatus) {
	if c == nil {
		return
	}
	c.runs.WithLabelValues(string(status)).Inc()
}

// ObserveRequest records one served HTTP request.
func (c *Collector) ObserveRequest(route, method string, status int, d time.Duration) {
	if c == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	c.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(route, method).Observe(d.Seconds())
}
