// Package observability replaces the predecessor's hand-rolled telemetry
// map and text-formatted /metrics handler (internal/metrics.go:
// EnablePrometheusMetrics/StartMetricsServer/observeSelection/observeFailure)
// with a real Prometheus registry and exporter, grounded on
// internal/ebpf/metrics/prometheus.go's Metrics/NewMetrics/RegisterMetrics
// shape and internal/api/server.go's promhttp.Handler() mounting.
package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge/histogram this process exports,
// covering flow lifecycle, byte counts and the overlay dial path. No other
// package in this module records into them: they are registered and
// served, and their values stay at zero.
type Metrics struct {
	FlowsOpened  *prometheus.CounterVec
	FlowsClosed  *prometheus.CounterVec
	FlowsActive  *prometheus.GaugeVec
	BytesIn      *prometheus.CounterVec
	BytesOut     *prometheus.CounterVec
	DialFailures *prometheus.CounterVec
	DialDuration *prometheus.HistogramVec
}

// NewMetrics builds an unregistered Metrics. Call Register to attach it to
// a prometheus.Registerer (or the default registry).
func NewMetrics() *Metrics {
	return &Metrics{
		FlowsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunneler_flows_opened_total",
			Help: "Total number of flows registered, by protocol and service.",
		}, []string{"proto", "service_id"}),
		FlowsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunneler_flows_closed_total",
			Help: "Total number of flows torn down, by protocol and service.",
		}, []string{"proto", "service_id"}),
		FlowsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tunneler_flows_active",
			Help: "Number of flows currently bridged, by protocol and service.",
		}, []string{"proto", "service_id"}),
		BytesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunneler_bytes_in_total",
			Help: "Bytes delivered from the overlay into the local side, by protocol and service.",
		}, []string{"proto", "service_id"}),
		BytesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunneler_bytes_out_total",
			Help: "Bytes handed from the local side to the overlay, by protocol and service.",
		}, []string{"proto", "service_id"}),
		DialFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunneler_dial_failures_total",
			Help: "Overlay dial attempts that failed, by protocol and service.",
		}, []string{"proto", "service_id"}),
		DialDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tunneler_dial_duration_seconds",
			Help:    "Overlay dial latency, by protocol and service.",
			Buckets: prometheus.DefBuckets,
		}, []string{"proto", "service_id"}),
	}
}

// Register attaches every metric in m to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.FlowsOpened, m.FlowsClosed, m.FlowsActive,
		m.BytesIn, m.BytesOut, m.DialFailures, m.DialDuration,
	} {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("observability: registering collector: %w", err)
		}
	}
	return nil
}

// Serve starts an HTTP server exporting m (and the rest of reg) at /metrics
// until ctx is cancelled, mirroring the predecessor's StartMetricsServer
// lifecycle but backed by promhttp.HandlerFor instead of a hand-written
// text formatter.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("observability: metrics server: %w", err)
	}
	return nil
}
