// Package metrics exposes replay counters on a private Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Replay holds the collectors updated by the scheduler and the runner. A nil
// *Replay is valid and records nothing.
type Replay struct {
	registry *prometheus.Registry

	Bars        *prometheus.CounterVec   // symbol
	Fills       *prometheus.CounterVec   // symbol, kind
	Cancels     *prometheus.CounterVec   // symbol, reason
	Periods     prometheus.Counter
	Equity      prometheus.Gauge
	RunDuration *prometheus.HistogramVec // status
}

// NewReplay registers the replay collectors plus the Go and process collectors.
func NewReplay() *Replay {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Replay{registry: reg}
	m.Bars = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backtester_bars_total",
		Help: "Bars replayed",
	}, []string{"symbol"})
	m.Fills = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backtester_fills_total",
		Help: "Order fills",
	}, []string{"symbol", "kind"})
	m.Cancels = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backtester_cancels_total",
		Help: "Order cancellations",
	}, []string{"symbol", "reason"})
	m.Periods = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backtester_periods_total",
		Help: "Synchronized bar periods processed",
	})
	m.Equity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "backtester_end_equity",
		Help: "Account end equity after the latest period",
	})
	m.RunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backtester_run_duration_seconds",
		Help:    "Wall time of a backtest run",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	reg.MustRegister(m.Bars, m.Fills, m.Cancels, m.Periods, m.Equity, m.RunDuration)
	return m
}

func (m *Replay) Bar(symbol string) {
	if m != nil {
		m.Bars.WithLabelValues(symbol).Inc()
	}
}

func (m *Replay) Fill(symbol, kind string) {
	if m != nil {
		m.Fills.WithLabelValues(symbol, kind).Inc()
	}
}

func (m *Replay) Cancel(symbol, reason string) {
	if m != nil {
		m.Cancels.WithLabelValues(symbol, reason).Inc()
	}
}

func (m *Replay) Period(equity float64) {
	if m != nil {
		m.Periods.Inc()
		m.Equity.Set(equity)
	}
}

// Run observes the duration of a run that started at start.
func (m *Replay) Run(start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.RunDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
}

func (m *Replay) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Replay) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
