package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/resilience"
	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/convai"
)

// errCallerGone marks a dial abandoned because the call ended first. It does
// not count against the endpoint's breaker.
var errCallerGone = errors.New("gateway: caller hung up during dial")

// upstream is an immutable snapshot of the AI-leg settings. A call keeps the
// snapshot it started with across hot reloads.
type upstream struct {
	dialers        *resilience.FallbackGroup[*convai.Dialer]
	input          audio.Format
	output         audio.Format
	connectTimeout time.Duration
}

// breakerWatch observes endpoint breaker transitions. The name is the
// endpoint URL.
type breakerWatch func(name string, from, to resilience.State)

func breakerConfig(b config.BreakerConfig, onChange breakerWatch) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		MaxFailures:   b.MaxFailures,
		ResetTimeout:  b.ResetTimeout,
		HalfOpenMax:   b.HalfOpenMax,
		IsFailure:     func(err error) bool { return !errors.Is(err, errCallerGone) },
		OnStateChange: onChange,
	}
}

// newUpstream builds one dialer per configured endpoint, primary first.
// onChange may be nil.
func newUpstream(c config.ConvAIConfig, b config.BreakerConfig, onChange breakerWatch) (*upstream, error) {
	up := &upstream{
		input:          audio.Format{Encoding: audio.EncodingPCM16, SampleRate: c.InputSampleRate},
		output:         audio.Format{Encoding: audio.EncodingPCM16, SampleRate: config.DefaultSampleRate},
		connectTimeout: c.ConnectTimeout,
	}
	if up.input.SampleRate <= 0 {
		up.input.SampleRate = config.DefaultSampleRate
	}
	if up.connectTimeout <= 0 {
		up.connectTimeout = config.DefaultConnectTimeout
	}
	if c.OutputFormat != "" {
		f, err := convai.ParseFormat(c.OutputFormat)
		if err != nil {
			return nil, fmt.Errorf("gateway: output format: %w", err)
		}
		up.output = f
	}

	endpoints := append([]string{c.BaseURL}, c.FallbackBaseURLs...)
	if endpoints[0] == "" {
		endpoints[0] = convai.DefaultBaseURL
	}
	for _, endpoint := range endpoints {
		d, err := convai.NewDialer(c.AgentID, c.APIKey, convai.WithBaseURL(endpoint))
		if err != nil {
			return nil, fmt.Errorf("gateway: dialer for %s: %w", endpoint, err)
		}
		if up.dialers == nil {
			up.dialers = resilience.NewFallbackGroup(endpoint, d, breakerConfig(b, onChange))
		} else {
			up.dialers.AddFallback(endpoint, d)
		}
	}
	return up, nil
}

// dial opens the AI leg, trying each endpoint in order with its own connect
// timeout. ctx is the call context; when it ends the dial is abandoned. The
// returned string names the endpoint that answered.
func (u *upstream) dial(ctx context.Context) (*convai.Conn, string, error) {
	return resilience.ExecuteWithResult(u.dialers, func(d *convai.Dialer) (*convai.Conn, error) {
		dctx, cancel := context.WithTimeout(ctx, u.connectTimeout)
		defer cancel()
		conn, err := d.Dial(dctx)
		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", errCallerGone, err)
		}
		return conn, err
	})
}

// dialFailReason maps a dial error to the metric reason label.
func dialFailReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errCallerGone):
		return "hangup"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	default:
		return "error"
	}
}
