// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package metrics exposes sensor pipeline counters to Prometheus. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Thermoquad/vnlink/pkg/asyncerr"
	"github.com/Thermoquad/vnlink/pkg/vnproto"
)

// DefaultNamespace prefixes every metric name
const DefaultNamespace = "vnlink"

// Metrics holds the pipeline collectors and the registry they live in
type Metrics struct {
	registry *prometheus.Registry

	packets        *prometheus.CounterVec
	skippedBytes   *prometheus.CounterVec
	asyncErrors    *prometheus.CounterVec
	bytesRead      prometheus.Counter
	overruns       prometheus.Counter
	outstanding    prometheus.Gauge
	commandLatency prometheus.Histogram
}

// New creates the collectors and registers them, with Go runtime and
// process collectors, in a fresh registry.
func New(namespace string) (*Metrics, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "framer",
			Name:      "packets_total",
			Help:      "Packets emitted by the framer, by kind",
		}, []string{"kind"}),
		skippedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "framer",
			Name:      "skipped_bytes_total",
			Help:      "Bytes not attributed to any packet, by reason",
		}, []string{"reason"}),
		asyncErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sensor",
			Name:      "async_errors_total",
			Help:      "Asynchronous errors reported, by kind",
		}, []string{"kind"}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "bytes_read_total",
			Help:      "Bytes read from the transport",
		}),
		overruns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "overruns_total",
			Help:      "Writes that discarded unread bytes",
		}),
		outstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "outstanding",
			Help:      "Commands awaiting a response",
		}),
		commandLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "response_seconds",
			Help:      "Time from command submission to response",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .2, .5, 1},
		}),
	}

	collectorsToRegister := []prometheus.Collector{
		m.packets,
		m.skippedBytes,
		m.asyncErrors,
		m.bytesRead,
		m.overruns,
		m.outstanding,
		m.commandLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range collectorsToRegister {
		if err := m.registry.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	// Zero series so dashboards see every label from the start
	for _, k := range []vnproto.Kind{vnproto.KindAscii, vnproto.KindBinary, vnproto.KindSkipped, vnproto.KindSplit} {
		m.packets.WithLabelValues(k.String())
	}
	for _, r := range vnproto.SkipReasons() {
		m.skippedBytes.WithLabelValues(r.String())
	}
	for _, k := range asyncerr.Kinds() {
		m.asyncErrors.WithLabelValues(k.String())
	}

	return m, nil
}

// Registry returns the underlying Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// ObservePacket counts one framer output
func (m *Metrics) ObservePacket(p vnproto.Packet) {
	if m == nil || p == nil {
		return
	}
	m.packets.WithLabelValues(p.Kind().String()).Inc()
	if sb, ok := p.(*vnproto.SkippedByte); ok {
		m.skippedBytes.WithLabelValues(sb.Reason().String()).Inc()
	}
}

// ObserveBytes counts bytes read from the transport
func (m *Metrics) ObserveBytes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesRead.Add(float64(n))
}

// ObserveOverrun counts one buffer overrun
func (m *Metrics) ObserveOverrun() {
	if m == nil {
		return
	}
	m.overruns.Inc()
}

// ObserveAsyncError counts one asynchronous error. It matches the
// asyncerr.WithHook signature.
func (m *Metrics) ObserveAsyncError(kind asyncerr.Kind) {
	if m == nil {
		return
	}
	m.asyncErrors.WithLabelValues(kind.String()).Inc()
}

// SetOutstanding records the number of pending commands
func (m *Metrics) SetOutstanding(n int) {
	if m == nil {
		return
	}
	m.outstanding.Set(float64(n))
}

// ObserveCommandLatency records one command round trip
func (m *Metrics) ObserveCommandLatency(d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	m.commandLatency.Observe(d.Seconds())
}

// Serve exposes /metrics and /health on addr until ctx is cancelled
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}
