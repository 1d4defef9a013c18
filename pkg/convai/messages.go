// Package convai speaks the conversational-AI WebSocket protocol used on the
// AI leg of a bridged call.
//
// Outgoing messages are built with [SetupMessage], [AudioChunkMessage] and
// [PongMessage]. Incoming text frames are classified by [Parse] into pings,
// audio, format metadata and everything else. [Dialer] opens the outbound
// connection.
package convai

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MrWong99/callbridge/pkg/audio"
)

// Message type names on the wire.
const (
	TypeInitiationClientData = "conversation_initiation_client_data"
	TypeInitiationMetadata   = "conversation_initiation_metadata"
	TypePing                 = "ping"
	TypePong                 = "pong"
	TypeAudio                = "audio"
)

// ErrMalformed is returned by [Parse] for frames that are not valid protocol
// messages.
var ErrMalformed = errors.New("convai: malformed message")

// Kind classifies an inbound message.
type Kind int

const (
	// KindOther is any structured message the bridge does not act on
	// (transcripts, agent responses, interruptions, ...).
	KindOther Kind = iota

	// KindPing is a keep-alive that must be answered with a pong.
	KindPing

	// KindAudio carries agent speech.
	KindAudio

	// KindMetadata announces the conversation's negotiated audio formats.
	KindMetadata
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindAudio:
		return "audio"
	case KindMetadata:
		return "metadata"
	default:
		return "other"
	}
}

// Metadata is the format negotiation sent once at conversation start.
type Metadata struct {
	ConversationID         string `json:"conversation_id"`
	AgentOutputAudioFormat string `json:"agent_output_audio_format"`
	UserInputAudioFormat   string `json:"user_input_audio_format"`
}

// Message is a classified inbound frame.
type Message struct {
	Kind Kind

	// Type is the raw "type" field, possibly empty.
	Type string

	// EventID is the verbatim event identifier of a ping, echoed in the pong.
	EventID json.RawMessage

	// Audio is the base64-decoded payload of an audio message.
	Audio []byte

	// Metadata is set for KindMetadata.
	Metadata *Metadata
}

// ── Wire shapes ────────────────────────────────────────────────────────────────

type setupMessage struct {
	Type string `json:"type"`
}

type audioChunkMessage struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type pongMessage struct {
	Type    string          `json:"type"`
	EventID json.RawMessage `json:"event_id,omitempty"`
}

type pingEvent struct {
	EventID json.RawMessage `json:"event_id"`
}

type audioEvent struct {
	AudioBase64 string `json:"audio_base_64"`
}

type inboundMessage struct {
	Type string `json:"type"`

	// Flat shape: {"type":"ping","event_id":1} and {"audio":"..."}.
	EventID json.RawMessage `json:"event_id"`
	Audio   *string         `json:"audio"`

	// Nested shape used by the hosted service.
	PingEvent  *pingEvent  `json:"ping_event"`
	AudioEvent *audioEvent `json:"audio_event"`
	Metadata   *Metadata   `json:"conversation_initiation_metadata_event"`
}

// ── Builders ──────────────────────────────────────────────────────────────────

// SetupMessage returns the conversation initiation message that must precede
// any audio on a fresh connection.
func SetupMessage() []byte {
	b, _ := json.Marshal(setupMessage{Type: TypeInitiationClientData})
	return b
}

// AudioChunkMessage wraps PCM16 bytes as a user audio chunk.
func AudioChunkMessage(pcm []byte) []byte {
	b, _ := json.Marshal(audioChunkMessage{UserAudioChunk: base64.StdEncoding.EncodeToString(pcm)})
	return b
}

// PongMessage answers a ping, echoing its event identifier verbatim.
func PongMessage(eventID json.RawMessage) []byte {
	if len(eventID) == 0 || string(eventID) == "null" {
		eventID = nil
	}
	b, _ := json.Marshal(pongMessage{Type: TypePong, EventID: eventID})
	return b
}

// ── Parsing ───────────────────────────────────────────────────────────────────

// Parse decodes and classifies one inbound text frame. Pings take precedence
// over audio; a message that is neither ping, audio nor metadata is KindOther.
// Invalid JSON, a top-level value that is not an object, or undecodable base64
// audio yield an error wrapping [ErrMalformed].
func Parse(data []byte) (Message, error) {
	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw[0] != '{' {
		return Message{}, fmt.Errorf("%w: top level is not an object", ErrMalformed)
	}
	var in inboundMessage
	if err := json.Unmarshal(raw, &in); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg := Message{Type: in.Type}

	switch {
	case in.Type == TypePing:
		msg.Kind = KindPing
		msg.EventID = in.EventID
		if in.PingEvent != nil && len(in.PingEvent.EventID) > 0 {
			msg.EventID = in.PingEvent.EventID
		}
		return msg, nil

	case in.Audio != nil || in.AudioEvent != nil:
		var encoded string
		if in.Audio != nil {
			encoded = *in.Audio
		} else {
			encoded = in.AudioEvent.AudioBase64
		}
		pcm, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return Message{}, fmt.Errorf("%w: audio payload: %v", ErrMalformed, err)
		}
		msg.Kind = KindAudio
		msg.Audio = pcm
		return msg, nil

	case in.Type == TypeInitiationMetadata && in.Metadata != nil:
		msg.Kind = KindMetadata
		msg.Metadata = in.Metadata
		return msg, nil
	}

	msg.Kind = KindOther
	return msg, nil
}

// ParseFormat converts a protocol format name such as "pcm_16000" or
// "ulaw_8000" into an [audio.Format].
func ParseFormat(name string) (audio.Format, error) {
	codec, rate, ok := strings.Cut(name, "_")
	if !ok {
		return audio.Format{}, fmt.Errorf("convai: audio format %q: missing sample rate", name)
	}
	hz, err := strconv.Atoi(rate)
	if err != nil || hz <= 0 {
		return audio.Format{}, fmt.Errorf("convai: audio format %q: invalid sample rate", name)
	}
	switch codec {
	case "pcm":
		return audio.Format{Encoding: audio.EncodingPCM16, SampleRate: hz}, nil
	case "ulaw", "mulaw":
		return audio.Format{Encoding: audio.EncodingMulaw, SampleRate: hz}, nil
	}
	return audio.Format{}, fmt.Errorf("convai: audio format %q: unknown encoding %q", name, codec)
}
