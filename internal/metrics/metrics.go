// Package metrics instruments the gateway with OpenTelemetry counters
// and a histogram, exported as Prometheus text on GET /metrics.
// Grounded in original_source/sglang-server/ws_gateway_tts/server.py's
// Metrics class: the same four instruments it hand-rolls
// (active_sessions, sessions_total, errors_total by kind,
// backpressure_total) plus a time-to-first-audio distribution, but built
// on otel/metric's SDK with a Prometheus exporter instead of manually
// formatted exposition text.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics wraps the gateway's OpenTelemetry instruments. It implements
// gateway.MetricsRecorder and session.Metrics structurally — neither
// package imports this one, so there's no import cycle.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	handler  http.Handler

	activeSessions  atomic.Int64
	sessionsTotal   metric.Int64Counter
	errorsTotal     metric.Int64Counter
	backpressure    metric.Int64Counter
	ttfa            metric.Float64Histogram
	activeSessionsG metric.Int64ObservableGauge
}

// New builds a Metrics instance backed by a fresh Prometheus exporter.
// Handler() serves the resulting registry's exposition text.
func New() (*Metrics, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("metrics: new prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("ws_tts")

	m := &Metrics{provider: provider}

	m.sessionsTotal, err = meter.Int64Counter("ws_tts_sessions_total", metric.WithDescription("total sessions started or resumed"))
	if err != nil {
		return nil, err
	}
	m.errorsTotal, err = meter.Int64Counter("ws_tts_errors_total", metric.WithDescription("terminal errors by kind"))
	if err != nil {
		return nil, err
	}
	m.backpressure, err = meter.Int64Counter("ws_tts_backpressure_total", metric.WithDescription("sessions cancelled due to backpressure"))
	if err != nil {
		return nil, err
	}
	m.ttfa, err = meter.Float64Histogram("ws_tts_ttfa_ms", metric.WithDescription("time to first audio chunk, in milliseconds"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	m.activeSessionsG, err = meter.Int64ObservableGauge("ws_tts_active_sessions", metric.WithDescription("sessions currently open"))
	if err != nil {
		return nil, err
	}
	if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.activeSessionsG, m.activeSessions.Load())
		return nil
	}, m.activeSessionsG); err != nil {
		return nil, err
	}

	m.handler = promhttp.Handler()
	return m, nil
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String("kind", kind)
}

// Handler returns the http.Handler GET /metrics should mount.
func (m *Metrics) Handler() http.Handler {
	return m.handler
}

// Shutdown flushes and stops the underlying MeterProvider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

// SessionStarted records a new or resumed session opening.
func (m *Metrics) SessionStarted() {
	m.activeSessions.Add(1)
	m.sessionsTotal.Add(context.Background(), 1)
}

// SessionEnded records a session (of either kind) closing.
func (m *Metrics) SessionEnded() {
	m.activeSessions.Add(-1)
}

// FirstAudioEmitted records time-to-first-audio for one session.
func (m *Metrics) FirstAudioEmitted(sessionID string, latency time.Duration) {
	m.ttfa.Record(context.Background(), float64(latency.Microseconds())/1000.0)
}

// ErrorOccurred increments the errors_total counter for kind.
func (m *Metrics) ErrorOccurred(sessionID string, kind string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(kindAttr(kind)))
}

// BackpressureEngaged increments the backpressure counter.
func (m *Metrics) BackpressureEngaged(sessionID string) {
	m.backpressure.Add(context.Background(), 1)
}
