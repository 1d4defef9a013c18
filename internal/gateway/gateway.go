// Package gateway accepts telephony WebSocket connections and bridges each
// one to a conversational-AI agent.
//
// Every accepted connection gets its own [relay.Session] and a single event
// loop that serialises messages from both legs in arrival order. The AI leg is
// dialled through a [resilience.FallbackGroup] so a failing endpoint fails new
// calls fast instead of being hammered; a failed dial ends the call and is
// never retried.
//
// Settings for the AI leg can be swapped at runtime with [Gateway.UpdateConvAI]
// and [Gateway.UpdateBreaker]. Calls already in progress keep the settings
// they started with.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/callbridge/internal/calllog"
	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/resilience"
)

// Config holds the settings a [Gateway] is created with.
type Config struct {
	Telephony config.TelephonyConfig
	ConvAI    config.ConvAIConfig
	Breaker   config.BreakerConfig
}

// Option is a functional option for [New].
type Option func(*Gateway)

// CallRecorder stores a detail record for each finished call.
type CallRecorder interface {
	Save(calllog.Record) error
}

// WithCallLog writes a [calllog.Record] for every call that got past the
// WebSocket upgrade.
func WithCallLog(r CallRecorder) Option {
	return func(g *Gateway) { g.callLog = r }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// Gateway is an [http.Handler] for the telephony route. It is safe for
// concurrent use.
type Gateway struct {
	telephony config.TelephonyConfig
	metrics   *observe.Metrics
	upgrader  websocket.Upgrader
	calls     *registry
	callLog   CallRecorder

	up atomic.Pointer[upstream]

	// mu serialises runtime updates.
	mu      sync.Mutex
	breaker config.BreakerConfig
}

// New creates a Gateway. It fails when the AI-leg settings are unusable, e.g.
// no agent ID or an unknown output format.
func New(cfg Config, opts ...Option) (*Gateway, error) {
	if cfg.Telephony.WriteTimeout <= 0 {
		cfg.Telephony.WriteTimeout = config.DefaultWriteTimeout
	}
	g := &Gateway{
		telephony: cfg.Telephony,
		breaker:   cfg.Breaker,
		calls:     newRegistry(),
		upgrader: websocket.Upgrader{
			// Telephony providers connect server-to-server without a
			// browser origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}

	up, err := newUpstream(cfg.ConvAI, cfg.Breaker, g.breakerChanged)
	if err != nil {
		return nil, err
	}
	g.up.Store(up)
	return g, nil
}

// ServeHTTP upgrades the request to a WebSocket and bridges it until either
// leg closes. The telephony provider may pass its own call identifier in the
// call_id query parameter.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("call_id")
	if id == "" {
		id = uuid.NewString()
	}
	// The call must outlive the request context once the connection is
	// hijacked; Shutdown cancels it through the registry.
	ctx, cancel := context.WithCancel(observe.WithCallID(context.WithoutCancel(r.Context()), id))
	defer cancel()
	log := observe.Logger(ctx)

	c := newCall(id, cancel)
	if err := g.calls.add(c); err != nil {
		switch {
		case errors.Is(err, errDraining):
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
		case errors.Is(err, errDuplicateCall):
			http.Error(w, "call_id already in use", http.StatusConflict)
		}
		log.Warn("telephony connection refused", "err", err)
		return
	}
	defer g.calls.remove(c)

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.Warn("telephony upgrade failed", "err", err)
		return
	}
	tel := newTelephonyLeg(conn, g.telephony.ReadLimit, g.telephony.WriteTimeout)

	ctx, span := observe.StartSpan(ctx, "callbridge.call",
		trace.WithAttributes(observe.Attr("call.id", id)),
	)
	defer span.End()
	log = observe.Logger(ctx)

	log.Info("telephony connection accepted", "remote_addr", r.RemoteAddr)
	g.metrics.RecordSessionStart(ctx)
	stats := g.runCall(ctx, c, tel, g.up.Load())
	elapsed := time.Since(c.startedAt)
	endpoint := c.info().Endpoint
	g.metrics.RecordSessionEnd(context.WithoutCancel(ctx), elapsed, stats.result)

	span.SetAttributes(
		observe.Attr("call.result", stats.result),
		observe.Attr("call.endpoint", endpoint),
	)
	if stats.result == resultSetupFailed {
		span.SetStatus(codes.Error, "ai leg setup failed")
	}
	log.Info("call ended",
		"result", stats.result,
		"duration", elapsed,
		"frames_to_ai", stats.framesToAI,
		"frames_to_telephony", stats.framesToTelephony,
	)

	if g.callLog != nil {
		err := g.callLog.Save(calllog.Record{
			SessionID:         id,
			StartedAt:         c.startedAt.UTC(),
			DurationMS:        elapsed.Milliseconds(),
			Result:            stats.result,
			Endpoint:          endpoint,
			FramesToAI:        stats.framesToAI,
			FramesToTelephony: stats.framesToTelephony,
			DroppedMessages:   stats.dropped,
		})
		if err != nil {
			log.Warn("failed to write call record", "err", err)
		}
	}
}

// UpdateConvAI replaces the AI-leg settings used by new calls. Endpoint
// breakers start closed again.
func (g *Gateway) UpdateConvAI(c config.ConvAIConfig) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	up, err := newUpstream(c, g.breaker, g.breakerChanged)
	if err != nil {
		return err
	}
	g.up.Store(up)
	return nil
}

// UpdateBreaker applies new breaker thresholds without resetting breaker
// state.
func (g *Gateway) UpdateBreaker(b config.BreakerConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.breaker = b
	g.up.Load().dialers.Reconfigure(breakerConfig(b, nil))
}

func (g *Gateway) breakerChanged(endpoint string, from, to resilience.State) {
	level := slog.LevelInfo
	if to == resilience.StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "convai endpoint breaker changed",
		"endpoint", endpoint, "from", from, "state", to)
	g.metrics.RecordBreakerTransition(context.Background(), endpoint, to.String())
}

// CheckUpstream reports whether at least one AI endpoint accepts dials. It is
// meant for readiness probes and never dials itself.
func (g *Gateway) CheckUpstream(context.Context) error {
	if !g.up.Load().dialers.Available() {
		return fmt.Errorf("gateway: every convai endpoint: %w", resilience.ErrCircuitOpen)
	}
	return nil
}

// Sessions returns the live calls, oldest first.
func (g *Gateway) Sessions() []SessionInfo {
	return g.calls.snapshot()
}

// Count returns the number of live calls.
func (g *Gateway) Count() int {
	return g.calls.count()
}

// Details summarises the gateway for health output.
func (g *Gateway) Details() map[string]any {
	states := make(map[string]string)
	for name, s := range g.up.Load().dialers.States() {
		states[name] = s.String()
	}
	return map[string]any{
		"active_sessions":  g.calls.count(),
		"draining":         g.calls.isDraining(),
		"convai_endpoints": states,
	}
}

// Shutdown refuses new calls, closes every live call with a going-away
// status and waits for them to finish or for ctx to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.calls.drain()
	select {
	case <-g.calls.wait():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway: shutdown: %d calls still open: %w", g.calls.count(), ctx.Err())
	}
}
