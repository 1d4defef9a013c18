// Package relay implements the per-call state machine that pairs one telephony
// leg with one conversational-AI leg.
//
// A [Session] is a deterministic transition function: the caller feeds it one
// [Event] at a time and executes the returned [Action] values in order. The
// session never touches a socket, starts a goroutine or sleeps, so it can be
// driven by a real gateway or by a unit test with equal ease. It is not safe
// for concurrent use; the gateway delivers events for one session from a
// single goroutine.
//
// Lifecycle:
//
//	connecting ──ai_open──▶ active ──telephony_closed──▶ closing_telephony ──▶ closed
//	     │                    └─────ai_closed─────────▶ closing_ai ─────────▶ closed
//	     └──dial_failed / hangup──────────────────────────────────────────────▶ closed
package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"

	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/convai"
)

// State is a lifecycle state of a [Session].
type State string

const (
	StateConnecting       State = "connecting"
	StateActive           State = "active"
	StateClosingTelephony State = "closing_telephony"
	StateClosingAI        State = "closing_ai"
	StateClosed           State = "closed"
)

// fsm event names.
const (
	evAIOpen          = "ai_open"
	evDialFailed      = "dial_failed"
	evHangup          = "hangup"
	evTelephonyClosed = "telephony_closed"
	evAIClosed        = "ai_closed"
	evFinish          = "finish"
)

// Leg identifies one side of a bridged call.
type Leg int

const (
	LegTelephony Leg = iota
	LegAI
)

// String returns the human-readable name of the leg.
func (l Leg) String() string {
	switch l {
	case LegTelephony:
		return "telephony"
	case LegAI:
		return "ai"
	default:
		return "unknown"
	}
}

// EventKind classifies an [Event].
type EventKind int

const (
	// EventAIOpen reports that the outbound AI-leg handshake completed.
	EventAIOpen EventKind = iota

	// EventDialFailed reports that the AI leg could not be established.
	EventDialFailed

	// EventMessage carries one inbound message from either leg.
	EventMessage

	// EventClose reports that a leg was closed by its peer.
	EventClose

	// EventError reports a transport failure on a leg. It ends the leg like
	// EventClose does.
	EventError
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventAIOpen:
		return "ai_open"
	case EventDialFailed:
		return "dial_failed"
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one input to [Session.Handle].
type Event struct {
	Leg  Leg
	Kind EventKind

	// Data is the raw message payload for EventMessage.
	Data []byte

	// Err is the failure reason for EventDialFailed and EventError.
	Err error
}

// ActionKind classifies an [Action].
type ActionKind int

const (
	// ActionSendAI writes Data as a text message on the AI leg.
	ActionSendAI ActionKind = iota

	// ActionSendTelephony writes Data as a raw binary frame on the telephony leg.
	ActionSendTelephony

	// ActionCloseAI closes the AI leg.
	ActionCloseAI

	// ActionCloseTelephony closes the telephony leg.
	ActionCloseTelephony

	// ActionObserve reports an AI-leg message that is not forwarded anywhere.
	// Type holds the message type.
	ActionObserve
)

// String returns the human-readable name of the action kind.
func (k ActionKind) String() string {
	switch k {
	case ActionSendAI:
		return "send_ai"
	case ActionSendTelephony:
		return "send_telephony"
	case ActionCloseAI:
		return "close_ai"
	case ActionCloseTelephony:
		return "close_telephony"
	case ActionObserve:
		return "observe"
	default:
		return "unknown"
	}
}

// Action is one output of [Session.Handle].
type Action struct {
	Kind ActionKind
	Data []byte
	Type string
}

// Config configures a [Session].
type Config struct {
	// ID identifies the call in logs and metrics.
	ID string

	// InputFormat is the PCM format the AI leg expects for user audio until
	// it announces its own. Zero value means PCM16 at 8 kHz.
	InputFormat audio.Format

	// OutputFormat is the format assumed for agent audio until the AI leg
	// announces its own. Zero value means PCM16 at 8 kHz.
	OutputFormat audio.Format

	// OnStateChange is invoked after every lifecycle transition. May be nil.
	OnStateChange func(from, to State)
}

var defaultPCM = audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 8000}

// Session is the relay state machine for a single call.
type Session struct {
	id     string
	fsm    *fsm.FSM
	input  audio.Format
	output audio.Format

	telephonyOpen bool
	aiOpen        bool
}

// New creates a Session in [StateConnecting] with the telephony leg open and
// no AI leg yet.
func New(cfg Config) *Session {
	s := &Session{
		id:            cfg.ID,
		input:         cfg.InputFormat,
		output:        cfg.OutputFormat,
		telephonyOpen: true,
	}
	if s.input.SampleRate == 0 {
		s.input = defaultPCM
	}
	if s.output.SampleRate == 0 {
		s.output = defaultPCM
	}

	callbacks := fsm.Callbacks{}
	if cfg.OnStateChange != nil {
		notify := cfg.OnStateChange
		callbacks["enter_state"] = func(_ context.Context, e *fsm.Event) {
			notify(State(e.Src), State(e.Dst))
		}
	}

	s.fsm = fsm.NewFSM(
		string(StateConnecting),
		fsm.Events{
			{Name: evAIOpen, Src: []string{string(StateConnecting)}, Dst: string(StateActive)},
			{Name: evDialFailed, Src: []string{string(StateConnecting)}, Dst: string(StateClosed)},
			{Name: evHangup, Src: []string{string(StateConnecting)}, Dst: string(StateClosed)},
			{Name: evTelephonyClosed, Src: []string{string(StateActive)}, Dst: string(StateClosingTelephony)},
			{Name: evAIClosed, Src: []string{string(StateActive)}, Dst: string(StateClosingAI)},
			{Name: evFinish, Src: []string{string(StateClosingTelephony), string(StateClosingAI)}, Dst: string(StateClosed)},
		},
		callbacks,
	)
	return s
}

// ID returns the call identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.fsm.Current()) }

// InputFormat returns the PCM format user audio is converted to.
func (s *Session) InputFormat() audio.Format { return s.input }

// OutputFormat returns the format currently assumed for agent audio.
func (s *Session) OutputFormat() audio.Format { return s.output }

// Handle applies ev and returns the actions the caller must execute, in
// order. A non-nil error describes a per-message failure (see [MessageError])
// or a setup failure; it never leaves the session in a different state than
// the one the event legitimately produced.
func (s *Session) Handle(ctx context.Context, ev Event) ([]Action, error) {
	switch ev.Kind {
	case EventAIOpen:
		return s.handleAIOpen(ctx)
	case EventDialFailed:
		return s.handleDialFailed(ctx, ev.Err)
	case EventMessage:
		if ev.Leg == LegTelephony {
			return s.handleTelephonyMessage(ev.Data)
		}
		return s.handleAIMessage(ev.Data)
	case EventClose, EventError:
		if ev.Leg == LegTelephony {
			return s.handleTelephonyClosed(ctx)
		}
		return s.handleAIClosed(ctx)
	}
	return nil, fmt.Errorf("relay: unknown event kind %d", ev.Kind)
}

func (s *Session) handleAIOpen(ctx context.Context) ([]Action, error) {
	if s.State() != StateConnecting {
		// The caller hung up while the dial was in flight.
		return []Action{{Kind: ActionCloseAI}}, nil
	}
	s.aiOpen = true
	if err := s.fire(ctx, evAIOpen); err != nil {
		return nil, err
	}
	return []Action{{Kind: ActionSendAI, Data: convai.SetupMessage()}}, nil
}

func (s *Session) handleDialFailed(ctx context.Context, reason error) ([]Action, error) {
	if s.State() != StateConnecting {
		return nil, nil
	}
	var actions []Action
	if s.telephonyOpen {
		s.telephonyOpen = false
		actions = append(actions, Action{Kind: ActionCloseTelephony})
	}
	if err := s.fire(ctx, evDialFailed); err != nil {
		return actions, err
	}
	if reason == nil {
		reason = errors.New("unknown reason")
	}
	return actions, fmt.Errorf("%w: %w", ErrConnectionSetup, reason)
}

func (s *Session) handleTelephonyMessage(data []byte) ([]Action, error) {
	if s.State() != StateActive {
		return nil, &MessageError{Leg: LegTelephony, Err: ErrFrameDropped}
	}
	// An empty frame still produces one (empty) chunk.
	frame, err := audio.Convert(audio.AudioFrame{Data: data, Format: audio.Telephony}, s.input)
	if err != nil {
		return nil, &MessageError{Leg: LegTelephony, Err: fmt.Errorf("%w: %w", ErrCodecPrecondition, err)}
	}
	return []Action{{Kind: ActionSendAI, Data: convai.AudioChunkMessage(frame.Data)}}, nil
}

func (s *Session) handleAIMessage(data []byte) ([]Action, error) {
	if s.State() != StateActive {
		return nil, &MessageError{Leg: LegAI, Err: ErrFrameDropped}
	}
	msg, err := convai.Parse(data)
	if err != nil {
		return nil, &MessageError{Leg: LegAI, Err: fmt.Errorf("%w: %w", ErrMalformedMessage, err)}
	}

	switch msg.Kind {
	case convai.KindPing:
		return []Action{{Kind: ActionSendAI, Data: convai.PongMessage(msg.EventID)}}, nil

	case convai.KindMetadata:
		input, output, err := s.negotiate(msg.Metadata)
		if err != nil {
			return nil, &MessageError{Leg: LegAI, Err: fmt.Errorf("%w: %w", ErrMalformedMessage, err)}
		}
		s.input, s.output = input, output
		return []Action{{Kind: ActionObserve, Type: msg.Type}}, nil

	case convai.KindAudio:
		if !s.telephonyOpen {
			return nil, &MessageError{Leg: LegAI, Err: ErrFrameDropped}
		}
		if len(msg.Audio) == 0 {
			return nil, nil
		}
		frame, err := audio.Convert(audio.AudioFrame{Data: msg.Audio, Format: s.output}, audio.Telephony)
		if err != nil {
			return nil, &MessageError{Leg: LegAI, Err: fmt.Errorf("%w: %w", ErrCodecPrecondition, err)}
		}
		return []Action{{Kind: ActionSendTelephony, Data: frame.Data}}, nil
	}

	return []Action{{Kind: ActionObserve, Type: msg.Type}}, nil
}

// negotiate resolves the formats announced in md against the current ones.
// Either both apply or neither does. User audio chunks are always PCM16.
func (s *Session) negotiate(md *convai.Metadata) (input, output audio.Format, err error) {
	input, output = s.input, s.output
	if name := md.UserInputAudioFormat; name != "" {
		if input, err = convai.ParseFormat(name); err != nil {
			return s.input, s.output, err
		}
		if input.Encoding != audio.EncodingPCM16 {
			return s.input, s.output, fmt.Errorf("user input format %q: user audio must be pcm16", name)
		}
	}
	if name := md.AgentOutputAudioFormat; name != "" {
		if output, err = convai.ParseFormat(name); err != nil {
			return s.input, s.output, err
		}
	}
	return input, output, nil
}

func (s *Session) handleTelephonyClosed(ctx context.Context) ([]Action, error) {
	s.telephonyOpen = false
	switch s.State() {
	case StateConnecting:
		return nil, s.fire(ctx, evHangup)
	case StateActive:
		if err := s.fire(ctx, evTelephonyClosed); err != nil {
			return nil, err
		}
		var actions []Action
		if s.aiOpen {
			s.aiOpen = false
			actions = append(actions, Action{Kind: ActionCloseAI})
		}
		return actions, s.fire(ctx, evFinish)
	}
	return nil, nil
}

func (s *Session) handleAIClosed(ctx context.Context) ([]Action, error) {
	wasOpen := s.aiOpen
	s.aiOpen = false
	if s.State() != StateActive || !wasOpen {
		return nil, nil
	}
	if err := s.fire(ctx, evAIClosed); err != nil {
		return nil, err
	}
	var actions []Action
	if s.telephonyOpen {
		s.telephonyOpen = false
		actions = append(actions, Action{Kind: ActionCloseTelephony})
	}
	return actions, s.fire(ctx, evFinish)
}

// fire runs a lifecycle transition.
func (s *Session) fire(ctx context.Context, event string) error {
	if err := s.fsm.Event(ctx, event); err != nil {
		return fmt.Errorf("relay: session %s: transition %q from %q: %w", s.id, event, s.fsm.Current(), err)
	}
	return nil
}
