package convai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
)

const (
	// DefaultBaseURL is the hosted conversational-AI WebSocket endpoint.
	DefaultBaseURL = "wss://api.elevenlabs.io/v1/convai/conversation"

	// defaultReadLimit bounds a single inbound frame. Agent audio chunks are
	// routinely larger than the library's 32 KiB default.
	defaultReadLimit = 1 << 20
)

// ErrMissingAgentID is returned by [NewDialer] when no agent is configured.
var ErrMissingAgentID = errors.New("convai: agent ID must not be empty")

// Option is a functional option for configuring a [Dialer].
type Option func(*Dialer)

// WithBaseURL overrides the WebSocket endpoint. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(u string) Option {
	return func(d *Dialer) { d.baseURL = u }
}

// WithReadLimit sets the maximum inbound frame size in bytes.
func WithReadLimit(n int64) Option {
	return func(d *Dialer) {
		if n > 0 {
			d.readLimit = n
		}
	}
}

// WithHTTPClient sets the HTTP client used for the opening handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) { d.httpClient = c }
}

// Dialer opens AI-leg connections for one configured agent.
type Dialer struct {
	agentID    string
	apiKey     string
	baseURL    string
	readLimit  int64
	httpClient *http.Client
}

// NewDialer creates a Dialer for agentID. apiKey may be empty for agents that
// allow unauthenticated access; when set it is sent as the xi-api-key header.
func NewDialer(agentID, apiKey string, opts ...Option) (*Dialer, error) {
	if agentID == "" {
		return nil, ErrMissingAgentID
	}
	d := &Dialer{
		agentID:   agentID,
		apiKey:    apiKey,
		baseURL:   DefaultBaseURL,
		readLimit: defaultReadLimit,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// URL returns the endpoint the Dialer connects to, including the agent query.
func (d *Dialer) URL() (string, error) {
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return "", fmt.Errorf("convai: parse base url: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", d.agentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial performs the opening handshake. ctx bounds the handshake only; the
// returned connection lives until [Conn.Close].
func (d *Dialer) Dial(ctx context.Context) (*Conn, error) {
	wsURL, err := d.URL()
	if err != nil {
		return nil, err
	}

	opts := &websocket.DialOptions{HTTPClient: d.httpClient}
	if d.apiKey != "" {
		opts.HTTPHeader = http.Header{"xi-api-key": []string{d.apiKey}}
	}

	ws, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return nil, fmt.Errorf("convai: dial: %w", err)
	}
	ws.SetReadLimit(d.readLimit)
	return &Conn{ws: ws}, nil
}

// Conn is an open AI-leg connection. Read and Write may be used from different
// goroutines; concurrent Writes are serialised by the underlying library.
type Conn struct {
	ws *websocket.Conn
}

// Read blocks until the next message arrives and returns its payload.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("convai: read: %w", err)
	}
	return data, nil
}

// Write sends a serialized protocol message as a text frame.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("convai: write: %w", err)
	}
	return nil
}

// Close performs the closing handshake with a normal status.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "call ended")
}

// IsNormalClose reports whether err ends a connection cleanly, i.e. the peer
// sent a normal or going-away close frame.
func IsNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
