package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/callbridge/internal/relay"
	"github.com/MrWong99/callbridge/pkg/convai"
)

// pushFunc hands an event to the call loop. It reports false once the loop
// has stopped accepting events.
type pushFunc func(relay.Event) bool

// telephonyLeg adapts an accepted gorilla connection to the relay's telephony
// leg. Writes happen only from the call loop; the close frame goes through
// WriteControl, which gorilla allows concurrently with reads.
type telephonyLeg struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	closeOnce sync.Once
	closed    bool // set by the call loop only
}

func newTelephonyLeg(conn *websocket.Conn, readLimit int64, writeTimeout time.Duration) *telephonyLeg {
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}
	return &telephonyLeg{conn: conn, writeTimeout: writeTimeout}
}

// send writes one raw μ-law frame.
func (l *telephonyLeg) send(data []byte) error {
	if l.closed {
		return fmt.Errorf("%w: telephony leg closed", relay.ErrTransport)
	}
	if err := l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout)); err != nil {
		return fmt.Errorf("%w: %w", relay.ErrTransport, err)
	}
	if err := l.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("%w: telephony write: %w", relay.ErrTransport, err)
	}
	return nil
}

// close sends a close frame with code. Later calls are no-ops.
func (l *telephonyLeg) close(code int, reason string) error {
	var err error
	l.closeOnce.Do(func() {
		l.closed = true
		msg := websocket.FormatCloseMessage(code, reason)
		if werr := l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(l.writeTimeout)); werr != nil {
			err = fmt.Errorf("%w: telephony close: %w", relay.ErrTransport, werr)
		}
	})
	return err
}

// pump reads frames until the connection fails and reports each one, then a
// final close or error event.
func (l *telephonyLeg) pump(push pushFunc) {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			ev := relay.Event{Leg: relay.LegTelephony, Kind: relay.EventClose}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				ev.Kind = relay.EventError
				ev.Err = err
			}
			push(ev)
			return
		}
		if !push(relay.Event{Leg: relay.LegTelephony, Kind: relay.EventMessage, Data: data}) {
			return
		}
	}
}

// aiLeg adapts a [convai.Conn] to the relay's AI leg.
type aiLeg struct {
	conn         *convai.Conn
	writeTimeout time.Duration

	closeOnce sync.Once
	closed    bool // set by the call loop only
}

func newAILeg(conn *convai.Conn, writeTimeout time.Duration) *aiLeg {
	return &aiLeg{conn: conn, writeTimeout: writeTimeout}
}

// send writes one serialized message as a text frame.
func (l *aiLeg) send(ctx context.Context, data []byte) error {
	if l.closed {
		return fmt.Errorf("%w: ai leg closed", relay.ErrTransport)
	}
	ctx, cancel := context.WithTimeout(ctx, l.writeTimeout)
	defer cancel()
	if err := l.conn.Write(ctx, data); err != nil {
		return fmt.Errorf("%w: %w", relay.ErrTransport, err)
	}
	return nil
}

// close runs the closing handshake once.
func (l *aiLeg) close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closed = true
		if cerr := l.conn.Close(); cerr != nil {
			err = fmt.Errorf("%w: ai close: %w", relay.ErrTransport, cerr)
		}
	})
	return err
}

// pump reads messages until the connection ends. ctx must outlive the
// closing handshake so a graceful close is not cut short.
func (l *aiLeg) pump(ctx context.Context, push pushFunc) {
	for {
		data, err := l.conn.Read(ctx)
		if err != nil {
			ev := relay.Event{Leg: relay.LegAI, Kind: relay.EventClose}
			if !convai.IsNormalClose(err) {
				ev.Kind = relay.EventError
				ev.Err = err
			}
			push(ev)
			return
		}
		if !push(relay.Event{Leg: relay.LegAI, Kind: relay.EventMessage, Data: data}) {
			return
		}
	}
}
