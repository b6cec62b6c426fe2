// Package metrics exposes the bot's operational counters through a
// Prometheus registry, both as a scrape endpoint on the dashboard and as
// a periodically written metrics.json artefact.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every counter the bot maintains on one registry, so
// tests can construct isolated instances instead of sharing global
// collector state.
type Metrics struct {
	registry *prometheus.Registry

	OrdersSubmitted     prometheus.Counter
	OrdersRejected      prometheus.Counter
	ExitSignalsEmitted  prometheus.Counter
	CircuitBreakerTrips prometheus.Counter
	ReconcileFailures   prometheus.Counter
	BarsProcessed       prometheus.Counter
	SignalsGenerated    prometheus.Counter
	DrawdownLevel       prometheus.Gauge
	OpenPositions       prometheus.Gauge
}

// New builds a Metrics instance on a fresh registry. mainDrops and
// exitDrops are read live from the event bus at gather time so the
// artefact always reflects the current counters.
func New(mainDrops, exitDrops func() float64) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		OrdersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventbot_orders_submitted_total",
			Help: "Broker order submissions attempted.",
		}),
		OrdersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventbot_orders_rejected_total",
			Help: "Broker order submissions that failed.",
		}),
		ExitSignalsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventbot_exit_signals_total",
			Help: "Exit signals emitted by the exit manager.",
		}),
		CircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventbot_circuit_breaker_trips_total",
			Help: "Times the persisted circuit breaker reached its threshold.",
		}),
		ReconcileFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventbot_reconciliation_failures_total",
			Help: "Runtime reconciliation cycles that failed.",
		}),
		BarsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventbot_bars_processed_total",
			Help: "Bars normalised, persisted and published.",
		}),
		SignalsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventbot_signals_generated_total",
			Help: "Entry signals produced by the strategy.",
		}),
		DrawdownLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eventbot_drawdown_level",
			Help: "Current drawdown level (0=normal 1=warning 2=halt 3=emergency).",
		}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eventbot_open_positions",
			Help: "Currently open tracked positions.",
		}),
	}
	reg.MustRegister(
		m.OrdersSubmitted, m.OrdersRejected, m.ExitSignalsEmitted,
		m.CircuitBreakerTrips, m.ReconcileFailures, m.BarsProcessed,
		m.SignalsGenerated, m.DrawdownLevel, m.OpenPositions,
	)
	if mainDrops != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "eventbot_main_channel_drops",
			Help: "Events dropped from the bounded main channel.",
		}, mainDrops))
	}
	if exitDrops != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "eventbot_exit_channel_drops",
			Help: "Events dropped from the exit channel (structurally zero).",
		}, exitDrops))
	}
	return m
}

// Handler returns the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot gathers the registry and flattens it into name -> value.
// Counters and gauges only; the bot registers no histograms.
func (m *Metrics) Snapshot() (map[string]float64, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("metrics: gather: %w", err)
	}
	out := make(map[string]float64, len(families))
	for _, fam := range families {
		for _, metric := range fam.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				out[fam.GetName()] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				out[fam.GetName()] = metric.GetGauge().GetValue()
			}
		}
	}
	return out, nil
}

// WriteJSON snapshots the registry into path atomically (write to a temp
// file in the same directory, then rename).
func (m *Metrics) WriteJSON(path string) error {
	snap, err := m.Snapshot()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("metrics: marshal: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("metrics: create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".metrics-*.json")
	if err != nil {
		return fmt.Errorf("metrics: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("metrics: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("metrics: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("metrics: rename: %w", err)
	}
	return nil
}
