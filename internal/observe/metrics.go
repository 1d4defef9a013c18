// Package observe provides application-wide observability primitives for
// callbridge: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all callbridge metrics.
const meterName = "github.com/MrWong99/callbridge"

// Relay directions used with [Metrics.RecordFrame].
const (
	DirectionToAI        = "telephony_to_ai"
	DirectionToTelephony = "ai_to_telephony"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Sessions ---

	// ActiveSessions tracks the number of live bridged calls.
	ActiveSessions metric.Int64UpDownCounter

	// Sessions counts finished calls. Use with attribute:
	//   attribute.String("result", ...) // "completed", "setup_failed", "abandoned", "shutdown"
	Sessions metric.Int64Counter

	// SessionDuration tracks how long bridged calls last.
	SessionDuration metric.Float64Histogram

	// --- AI leg dials ---

	// DialDuration tracks the AI-leg handshake latency. Use with attribute:
	//   attribute.String("status", ...)
	DialDuration metric.Float64Histogram

	// DialFailures counts failed AI-leg dials. Use with attribute:
	//   attribute.String("reason", ...) // "hangup", "timeout", "circuit_open", "error"
	DialFailures metric.Int64Counter

	// BreakerTransitions counts AI endpoint circuit breaker state changes.
	// Use with attributes:
	//   attribute.String("endpoint", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- Relay traffic ---

	// Frames counts relayed audio messages. Use with attribute:
	//   attribute.String("direction", ...)
	Frames metric.Int64Counter

	// AudioBytes counts relayed audio bytes as μ-law on the telephony side,
	// so both directions are comparable. Use with attribute:
	//   attribute.String("direction", ...)
	AudioBytes metric.Int64Counter

	// Pings counts keep-alive pings answered on the AI leg.
	Pings metric.Int64Counter

	// MessageErrors counts dropped messages. Use with attributes:
	//   attribute.String("leg", ...), attribute.String("kind", ...)
	MessageErrors metric.Int64Counter

	// ConfigReloads counts config file changes. Use with attribute:
	//   attribute.String("result", ...) // "applied" or "rejected"
	ConfigReloads metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks request time, or connection lifetime for
	// upgraded WebSocket requests. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.String("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// handshake latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets defines histogram bucket boundaries (in seconds) for call
// lengths.
var callBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Sessions.
	if met.ActiveSessions, err = m.Int64UpDownCounter("callbridge.active_sessions",
		metric.WithDescription("Number of live bridged calls."),
	); err != nil {
		return nil, err
	}
	if met.Sessions, err = m.Int64Counter("callbridge.sessions",
		metric.WithDescription("Total finished calls by result."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("callbridge.session.duration",
		metric.WithDescription("Duration of bridged calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}

	// Dials.
	if met.DialDuration, err = m.Float64Histogram("callbridge.convai.dial.duration",
		metric.WithDescription("Latency of the AI-leg WebSocket handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DialFailures, err = m.Int64Counter("callbridge.convai.dial.failures",
		metric.WithDescription("Total failed AI-leg dials by reason."),
	); err != nil {
		return nil, err
	}

	// Relay traffic.
	if met.BreakerTransitions, err = m.Int64Counter("callbridge.convai.breaker.transitions",
		metric.WithDescription("Total AI endpoint breaker state changes by endpoint and new state."),
	); err != nil {
		return nil, err
	}
	if met.Frames, err = m.Int64Counter("callbridge.frames",
		metric.WithDescription("Total relayed audio messages by direction."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("callbridge.audio.bytes",
		metric.WithDescription("Total relayed audio bytes by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.Pings, err = m.Int64Counter("callbridge.convai.pings",
		metric.WithDescription("Total keep-alive pings answered."),
	); err != nil {
		return nil, err
	}
	if met.MessageErrors, err = m.Int64Counter("callbridge.message.errors",
		metric.WithDescription("Total dropped messages by leg and kind."),
	); err != nil {
		return nil, err
	}

	if met.ConfigReloads, err = m.Int64Counter("callbridge.config.reloads",
		metric.WithDescription("Total config file changes by result."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("callbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrame records one relayed audio message of n bytes.
func (m *Metrics) RecordFrame(ctx context.Context, direction string, n int) {
	attrs := metric.WithAttributes(attribute.String("direction", direction))
	m.Frames.Add(ctx, 1, attrs)
	m.AudioBytes.Add(ctx, int64(n), attrs)
}

// RecordMessageError records a dropped message.
func (m *Metrics) RecordMessageError(ctx context.Context, leg, kind string) {
	m.MessageErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("leg", leg),
			attribute.String("kind", kind),
		),
	)
}

// RecordDial records an AI-leg dial attempt. A non-empty failReason also
// increments [Metrics.DialFailures].
func (m *Metrics) RecordDial(ctx context.Context, d time.Duration, failReason string) {
	status := "ok"
	if failReason != "" {
		status = "error"
		m.DialFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", failReason)))
	}
	m.DialDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// RecordSessionStart marks a call as live.
func (m *Metrics) RecordSessionStart(ctx context.Context) {
	m.ActiveSessions.Add(ctx, 1)
}

// RecordSessionEnd marks a call as finished with the given result.
func (m *Metrics) RecordSessionEnd(ctx context.Context, d time.Duration, result string) {
	m.ActiveSessions.Add(ctx, -1)
	attrs := metric.WithAttributes(attribute.String("result", result))
	m.Sessions.Add(ctx, 1, attrs)
	m.SessionDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordConfigReload records an applied or rejected config change.
func (m *Metrics) RecordConfigReload(ctx context.Context, applied bool) {
	result := "applied"
	if !applied {
		result = "rejected"
	}
	m.ConfigReloads.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordBreakerTransition records an endpoint breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, endpoint, state string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("state", state),
	))
}
