package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/relay"
	"github.com/MrWong99/callbridge/pkg/convai"
)

// eventBuffer is the per-call event queue depth. Both legs block on a full
// queue, which keeps per-leg ordering and applies backpressure to the socket.
const eventBuffer = 64

// Call results recorded on the sessions metric and the call span.
const (
	resultCompleted   = "completed"
	resultSetupFailed = "setup_failed"
	resultAbandoned   = "abandoned"
	resultShutdown    = "shutdown"
)

// callStats summarises a finished call.
type callStats struct {
	result            string
	framesToAI        int
	framesToTelephony int
	dropped           int
}

// call is the registry entry for one live telephony connection.
type call struct {
	id        string
	startedAt time.Time
	cancel    context.CancelFunc

	state    atomic.Value // relay.State
	endpoint atomic.Value // string
}

func newCall(id string, cancel context.CancelFunc) *call {
	c := &call{id: id, startedAt: time.Now(), cancel: cancel}
	c.state.Store(relay.StateConnecting)
	c.endpoint.Store("")
	return c
}

func (c *call) info() SessionInfo {
	return SessionInfo{
		ID:        c.id,
		State:     c.state.Load().(relay.State),
		StartedAt: c.startedAt,
		Endpoint:  c.endpoint.Load().(string),
	}
}

// item is one entry of the call's event queue. conn is set only for
// EventAIOpen.
type item struct {
	ev   relay.Event
	conn *convai.Conn
}

// callRun drives one relay.Session. Only the goroutine executing run touches
// the session and the legs' write side.
type callRun struct {
	c       *call
	up      *upstream
	tel     *telephonyLeg
	ai      *aiLeg
	metrics *observe.Metrics
	log     *slog.Logger

	writeTimeout time.Duration
	wasActive    bool
	setupFailed  bool
	stats        callStats
}

// runCall bridges tel to the AI leg until the session closes or ctx is
// cancelled by a shutdown.
func (g *Gateway) runCall(ctx context.Context, c *call, tel *telephonyLeg, up *upstream) callStats {
	r := &callRun{
		c:            c,
		up:           up,
		tel:          tel,
		metrics:      g.metrics,
		log:          observe.Logger(ctx),
		writeTimeout: g.telephony.WriteTimeout,
	}
	r.stats.result = r.run(ctx)
	return r.stats
}

func (r *callRun) run(ctx context.Context) string {
	events := make(chan item, eventBuffer)
	loopDone := make(chan struct{})
	send := func(it item) bool {
		select {
		case events <- it:
			return true
		case <-loopDone:
			return false
		}
	}
	push := func(ev relay.Event) bool { return send(item{ev: ev}) }

	// Transitions and sends must complete even after a shutdown cancels ctx.
	hctx := context.WithoutCancel(ctx)
	// The AI reader outlives ctx so that a shutdown can still run the AI
	// closing handshake.
	ioCtx, ioCancel := context.WithCancel(hctx)
	defer ioCancel()

	sess := relay.New(relay.Config{
		ID:           r.c.id,
		InputFormat:  r.up.input,
		OutputFormat: r.up.output,
		OnStateChange: func(from, to relay.State) {
			r.c.state.Store(to)
			if to == relay.StateActive {
				r.wasActive = true
			}
			r.log.Info("session state changed", "from", from, "state", to)
		},
	})

	var eg errgroup.Group
	telDone := make(chan struct{})
	eg.Go(func() error {
		defer close(telDone)
		r.tel.pump(push)
		return nil
	})
	eg.Go(func() error {
		start := time.Now()
		conn, endpoint, err := r.up.dial(ctx)
		r.metrics.RecordDial(hctx, time.Since(start), dialFailReason(err))
		if err != nil {
			push(relay.Event{Leg: relay.LegAI, Kind: relay.EventDialFailed, Err: err})
			return nil
		}
		r.c.endpoint.Store(endpoint)
		r.log.Debug("ai leg connected", "endpoint", endpoint, "elapsed", time.Since(start))
		if !send(item{ev: relay.Event{Leg: relay.LegAI, Kind: relay.EventAIOpen}, conn: conn}) {
			_ = conn.Close()
		}
		return nil
	})

	shutdown := false
loop:
	for sess.State() != relay.StateClosed {
		select {
		case <-ctx.Done():
			shutdown = true
			break loop
		case it := <-events:
			r.step(hctx, sess, it, func(ai *aiLeg) {
				eg.Go(func() error {
					ai.pump(ioCtx, push)
					return nil
				})
			})
		}
	}
	close(loopDone)

	code, reason := websocket.CloseNormalClosure, "call ended"
	switch {
	case shutdown:
		code, reason = websocket.CloseGoingAway, "server shutting down"
	case r.setupFailed:
		code, reason = websocket.CloseTryAgainLater, "ai service unavailable"
	}
	if r.ai != nil {
		if err := r.ai.close(); err != nil {
			r.log.Debug("ai leg close", "err", err)
		}
	}
	if err := r.tel.close(code, reason); err != nil {
		r.log.Debug("telephony leg close", "err", err)
	}

	// Give the caller a moment to answer the close frame before dropping
	// the connection.
	select {
	case <-telDone:
	case <-time.After(r.writeTimeout):
	}
	_ = r.tel.conn.Close()
	r.c.cancel()
	ioCancel()
	_ = eg.Wait()

	// A dial can still land in the queue while the loop is stopping.
	close(events)
	for it := range events {
		if it.conn != nil {
			_ = it.conn.Close()
		}
	}

	switch {
	case shutdown:
		return resultShutdown
	case r.setupFailed:
		return resultSetupFailed
	case !r.wasActive:
		return resultAbandoned
	default:
		return resultCompleted
	}
}

// step feeds one event to the session and executes the resulting actions.
// startAI is invoked once when the AI leg becomes live.
func (r *callRun) step(ctx context.Context, sess *relay.Session, it item, startAI func(*aiLeg)) {
	ai := r.ai
	if it.conn != nil {
		ai = newAILeg(it.conn, r.writeTimeout)
	}
	if it.ev.Kind == relay.EventClose || it.ev.Kind == relay.EventError {
		r.markClosed(it.ev.Leg)
	}

	actions, err := sess.Handle(ctx, it.ev)
	if err != nil {
		r.reportError(ctx, it.ev, err)
	}
	if it.conn != nil && r.ai == nil && sess.State() == relay.StateActive {
		r.ai = ai
		startAI(ai)
	}

	for _, a := range actions {
		r.execute(ctx, it.ev, a, ai)
	}
}

// markClosed records that the peer ended a leg so no close frame is sent
// back on top of the library's own reply.
func (r *callRun) markClosed(leg relay.Leg) {
	switch leg {
	case relay.LegTelephony:
		r.tel.closeOnce.Do(func() { r.tel.closed = true })
	case relay.LegAI:
		if r.ai != nil {
			r.ai.closeOnce.Do(func() { r.ai.closed = true })
		}
	}
}

func (r *callRun) execute(ctx context.Context, ev relay.Event, a relay.Action, ai *aiLeg) {
	switch a.Kind {
	case relay.ActionSendAI:
		if ai == nil {
			return
		}
		if err := ai.send(ctx, a.Data); err != nil {
			r.log.Debug("ai send failed", "err", err)
			return
		}
		switch {
		case ev.Leg == relay.LegTelephony:
			r.stats.framesToAI++
			r.metrics.RecordFrame(ctx, observe.DirectionToAI, len(ev.Data))
		case ev.Kind == relay.EventMessage:
			r.metrics.Pings.Add(ctx, 1)
		}

	case relay.ActionSendTelephony:
		if err := r.tel.send(a.Data); err != nil {
			r.log.Debug("telephony send failed", "err", err)
			return
		}
		r.stats.framesToTelephony++
		r.metrics.RecordFrame(ctx, observe.DirectionToTelephony, len(a.Data))

	case relay.ActionCloseAI:
		if ai == nil {
			return
		}
		if err := ai.close(); err != nil {
			r.log.Debug("ai leg close", "err", err)
		}

	case relay.ActionCloseTelephony:
		code, reason := websocket.CloseNormalClosure, "call ended"
		if r.setupFailed {
			code, reason = websocket.CloseTryAgainLater, "ai service unavailable"
		}
		if err := r.tel.close(code, reason); err != nil {
			r.log.Debug("telephony leg close", "err", err)
		}

	case relay.ActionObserve:
		r.log.Debug("ai message", "type", a.Type)
	}
}

func (r *callRun) reportError(ctx context.Context, ev relay.Event, err error) {
	var me *relay.MessageError
	switch {
	case errors.As(err, &me):
		kind := messageErrorKind(me)
		r.stats.dropped++
		r.metrics.RecordMessageError(ctx, me.Leg.String(), kind)
		if kind == "dropped" {
			r.log.Debug("message dropped", "leg", me.Leg, "err", err)
		} else {
			r.log.Warn("message discarded", "leg", me.Leg, "kind", kind, "err", err)
		}
	case errors.Is(err, relay.ErrConnectionSetup):
		r.setupFailed = true
		r.log.Warn("ai leg setup failed", "err", err)
	default:
		r.log.Error("session event failed", "leg", ev.Leg, "event", ev.Kind, "err", err)
	}
}

func messageErrorKind(err error) string {
	switch {
	case errors.Is(err, relay.ErrMalformedMessage):
		return "malformed"
	case errors.Is(err, relay.ErrCodecPrecondition):
		return "codec"
	case errors.Is(err, relay.ErrFrameDropped):
		return "dropped"
	default:
		return "other"
	}
}
