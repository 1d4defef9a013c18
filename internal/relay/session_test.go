package relay_test

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"

	"github.com/MrWong99/callbridge/internal/relay"
	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/audio/g711"
)

// newActive returns a session that has completed the AI handshake.
func newActive(t *testing.T, cfg relay.Config) *relay.Session {
	t.Helper()
	s := relay.New(cfg)
	if _, err := s.Handle(context.Background(), relay.Event{Leg: relay.LegAI, Kind: relay.EventAIOpen}); err != nil {
		t.Fatalf("ai open: %v", err)
	}
	if s.State() != relay.StateActive {
		t.Fatalf("state = %s, want active", s.State())
	}
	return s
}

func handle(t *testing.T, s *relay.Session, ev relay.Event) []relay.Action {
	t.Helper()
	actions, err := s.Handle(context.Background(), ev)
	if err != nil {
		t.Fatalf("Handle(%s %s): %v", ev.Leg, ev.Kind, err)
	}
	return actions
}

func count(actions []relay.Action, kind relay.ActionKind) int {
	n := 0
	for _, a := range actions {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

func aiMessage(v any) relay.Event {
	data, _ := json.Marshal(v)
	return relay.Event{Leg: relay.LegAI, Kind: relay.EventMessage, Data: data}
}

func TestSession_SetupSentOnOpen(t *testing.T) {
	t.Parallel()
	s := relay.New(relay.Config{ID: "call-1"})
	if s.State() != relay.StateConnecting {
		t.Fatalf("initial state = %s", s.State())
	}
	actions := handle(t, s, relay.Event{Leg: relay.LegAI, Kind: relay.EventAIOpen})
	if len(actions) != 1 || actions[0].Kind != relay.ActionSendAI {
		t.Fatalf("actions = %+v, want one send_ai", actions)
	}
	var msg map[string]any
	if err := json.Unmarshal(actions[0].Data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg["type"] != "conversation_initiation_client_data" {
		t.Errorf("setup type = %v", msg["type"])
	}
}

func TestSession_TelephonySilenceForwardedAsPCM(t *testing.T) {
	t.Parallel()
	s := newActive(t, relay.Config{ID: "call-1"})

	frame := make([]byte, 320)
	for i := range frame {
		frame[i] = 0xFF
	}
	actions := handle(t, s, relay.Event{Leg: relay.LegTelephony, Kind: relay.EventMessage, Data: frame})
	if len(actions) != 1 || actions[0].Kind != relay.ActionSendAI {
		t.Fatalf("actions = %+v, want exactly one send_ai", actions)
	}

	var msg struct {
		UserAudioChunk string `json:"user_audio_chunk"`
	}
	if err := json.Unmarshal(actions[0].Data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	pcm, err := base64.StdEncoding.DecodeString(msg.UserAudioChunk)
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	if len(pcm) != 640 {
		t.Fatalf("pcm length = %d, want 640", len(pcm))
	}
	for i, b := range pcm {
		if b != 0 {
			t.Fatalf("pcm byte %d = %d, want 0", i, b)
		}
	}
}

func TestSession_TelephonyBeforeActiveIsDropped(t *testing.T) {
	t.Parallel()
	s := relay.New(relay.Config{ID: "call-1"})
	actions, err := s.Handle(context.Background(), relay.Event{Leg: relay.LegTelephony, Kind: relay.EventMessage, Data: []byte{0xFF}})
	if !errors.Is(err, relay.ErrFrameDropped) {
		t.Fatalf("err = %v, want ErrFrameDropped", err)
	}
	if len(actions) != 0 {
		t.Errorf("actions = %+v, want none", actions)
	}
	if s.State() != relay.StateConnecting {
		t.Errorf("state = %s, want connecting", s.State())
	}
}

func TestSession_PingAnsweredWithPong(t *testing.T) {
	t.Parallel()
	s := newActive(t, relay.Config{ID: "call-1"})
	actions := handle(t, s, aiMessage(map[string]any{"type": "ping", "event_id": 17}))
	if len(actions) != 1 || actions[0].Kind != relay.ActionSendAI {
		t.Fatalf("actions = %+v, want one send_ai", actions)
	}
	if got := string(actions[0].Data); got != `{"type":"pong","event_id":17}` {
		t.Errorf("pong = %s", got)
	}
}

func TestSession_AIAudioEncodedToMulaw(t *testing.T) {
	t.Parallel()
	s := newActive(t, relay.Config{ID: "call-1"})

	pcm := make([]byte, 8)
	binary.LittleEndian.PutUint16(pcm[2:], uint16(1000))
	binary.LittleEndian.PutUint16(pcm[4:], 0xFC18) // -1000
	actions := handle(t, s, aiMessage(map[string]any{"audio": base64.StdEncoding.EncodeToString(pcm)}))
	if len(actions) != 1 || actions[0].Kind != relay.ActionSendTelephony {
		t.Fatalf("actions = %+v, want one send_telephony", actions)
	}
	want := []byte{g711.Silence, g711.EncodeSample(1000), g711.EncodeSample(-1000), g711.Silence}
	if string(actions[0].Data) != string(want) {
		t.Errorf("mulaw = % X, want % X", actions[0].Data, want)
	}
}

func TestSession_OddLengthAudioRejected(t *testing.T) {
	t.Parallel()
	s := newActive(t, relay.Config{ID: "call-1"})
	_, err := s.Handle(context.Background(), aiMessage(map[string]any{"audio": base64.StdEncoding.EncodeToString([]byte{1, 2, 3})}))
	if !errors.Is(err, relay.ErrCodecPrecondition) || !errors.Is(err, g711.ErrOddLength) {
		t.Fatalf("err = %v, want codec precondition wrapping ErrOddLength", err)
	}
	var me *relay.MessageError
	if !errors.As(err, &me) || me.Leg != relay.LegAI {
		t.Errorf("expected *MessageError on ai leg, got %T", err)
	}
	if s.State() != relay.StateActive {
		t.Errorf("state = %s, want active", s.State())
	}
}

func TestSession_MalformedAIMessageKeepsSessionActive(t *testing.T) {
	t.Parallel()
	s := newActive(t, relay.Config{ID: "call-1"})

	for _, data := range []string{"{not json", "null"} {
		actions, err := s.Handle(context.Background(), relay.Event{Leg: relay.LegAI, Kind: relay.EventMessage, Data: []byte(data)})
		if !errors.Is(err, relay.ErrMalformedMessage) {
			t.Fatalf("%s: err = %v, want ErrMalformedMessage", data, err)
		}
		if len(actions) != 0 {
			t.Errorf("%s: actions = %+v, want none", data, actions)
		}
		if s.State() != relay.StateActive {
			t.Fatalf("%s: state = %s, want active", data, s.State())
		}
	}

	actions := handle(t, s, aiMessage(map[string]any{"type": "ping", "event_id": 2}))
	if count(actions, relay.ActionSendAI) != 1 {
		t.Errorf("next valid message not processed: %+v", actions)
	}
}

func TestSession_OtherMessagesObservedNotForwarded(t *testing.T) {
	t.Parallel()
	s := newActive(t, relay.Config{ID: "call-1"})
	actions := handle(t, s, aiMessage(map[string]any{"type": "agent_response", "agent_response_event": map[string]string{"agent_response": "hello"}}))
	if len(actions) != 1 || actions[0].Kind != relay.ActionObserve || actions[0].Type != "agent_response" {
		t.Errorf("actions = %+v, want one observe", actions)
	}
}

func TestSession_MetadataSelectsOutputFormat(t *testing.T) {
	t.Parallel()

	metadata := func(format string) relay.Event {
		return aiMessage(map[string]any{
			"type": "conversation_initiation_metadata",
			"conversation_initiation_metadata_event": map[string]string{
				"conversation_id":           "conv-1",
				"agent_output_audio_format": format,
			},
		})
	}

	t.Run("ulaw passthrough", func(t *testing.T) {
		s := newActive(t, relay.Config{ID: "call-1"})
		handle(t, s, metadata("ulaw_8000"))
		if s.OutputFormat() != audio.Telephony {
			t.Fatalf("output format = %v", s.OutputFormat())
		}
		payload := []byte{0x12, 0x34, 0x56}
		actions := handle(t, s, aiMessage(map[string]any{"audio": base64.StdEncoding.EncodeToString(payload)}))
		if len(actions) != 1 || string(actions[0].Data) != string(payload) {
			t.Errorf("actions = %+v, want payload passed through", actions)
		}
	})

	t.Run("pcm 16k downsampled", func(t *testing.T) {
		s := newActive(t, relay.Config{ID: "call-1"})
		handle(t, s, metadata("pcm_16000"))
		actions := handle(t, s, aiMessage(map[string]any{"audio": base64.StdEncoding.EncodeToString(make([]byte, 640))}))
		if len(actions) != 1 || len(actions[0].Data) != 160 {
			t.Errorf("actions = %+v, want 160 mulaw bytes", actions)
		}
	})

	t.Run("unknown format is malformed", func(t *testing.T) {
		s := newActive(t, relay.Config{ID: "call-1"})
		_, err := s.Handle(context.Background(), metadata("mp3_44100"))
		if !errors.Is(err, relay.ErrMalformedMessage) {
			t.Errorf("err = %v, want ErrMalformedMessage", err)
		}
		if s.OutputFormat().SampleRate != 8000 {
			t.Errorf("output format changed to %v", s.OutputFormat())
		}
	})
}

func TestSession_TelephonyCloseClosesAIOnce(t *testing.T) {
	t.Parallel()
	s := newActive(t, relay.Config{ID: "call-1"})

	actions := handle(t, s, relay.Event{Leg: relay.LegTelephony, Kind: relay.EventClose})
	if n := count(actions, relay.ActionCloseAI); n != 1 {
		t.Fatalf("close_ai count = %d, want 1", n)
	}
	if count(actions, relay.ActionCloseTelephony) != 0 {
		t.Error("telephony leg closed itself; must not be closed again")
	}
	if s.State() != relay.StateClosed {
		t.Fatalf("state = %s, want closed", s.State())
	}

	// Repeated and late events are no-ops.
	for _, ev := range []relay.Event{
		{Leg: relay.LegTelephony, Kind: relay.EventClose},
		{Leg: relay.LegTelephony, Kind: relay.EventError, Err: errors.New("reset")},
		{Leg: relay.LegAI, Kind: relay.EventClose},
	} {
		if actions := handle(t, s, ev); len(actions) != 0 {
			t.Errorf("%s %s after close produced %+v", ev.Leg, ev.Kind, actions)
		}
	}
}

func TestSession_TelephonyCloseAfterAIClosedDoesNotCloseAI(t *testing.T) {
	t.Parallel()
	s := newActive(t, relay.Config{ID: "call-1"})

	actions := handle(t, s, relay.Event{Leg: relay.LegAI, Kind: relay.EventClose})
	if count(actions, relay.ActionCloseTelephony) != 1 || count(actions, relay.ActionCloseAI) != 0 {
		t.Fatalf("actions = %+v, want one close_telephony", actions)
	}
	if s.State() != relay.StateClosed {
		t.Fatalf("state = %s, want closed", s.State())
	}

	actions = handle(t, s, relay.Event{Leg: relay.LegTelephony, Kind: relay.EventClose})
	if n := count(actions, relay.ActionCloseAI); n != 0 {
		t.Errorf("close_ai count = %d, want 0", n)
	}
}

func TestSession_AIErrorClosesTelephony(t *testing.T) {
	t.Parallel()
	s := newActive(t, relay.Config{ID: "call-1"})
	actions := handle(t, s, relay.Event{Leg: relay.LegAI, Kind: relay.EventError, Err: errors.New("boom")})
	if count(actions, relay.ActionCloseTelephony) != 1 {
		t.Fatalf("actions = %+v, want close_telephony", actions)
	}
	if s.State() != relay.StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
}

func TestSession_DialFailureClosesTelephony(t *testing.T) {
	t.Parallel()
	s := relay.New(relay.Config{ID: "call-1"})
	actions, err := s.Handle(context.Background(), relay.Event{Leg: relay.LegAI, Kind: relay.EventDialFailed, Err: errors.New("refused")})
	if !errors.Is(err, relay.ErrConnectionSetup) {
		t.Fatalf("err = %v, want ErrConnectionSetup", err)
	}
	if len(actions) != 1 || actions[0].Kind != relay.ActionCloseTelephony {
		t.Fatalf("actions = %+v, want one close_telephony", actions)
	}
	if s.State() != relay.StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
}

func TestSession_HangupDuringDialClosesLateAILeg(t *testing.T) {
	t.Parallel()
	s := relay.New(relay.Config{ID: "call-1"})
	if actions := handle(t, s, relay.Event{Leg: relay.LegTelephony, Kind: relay.EventClose}); len(actions) != 0 {
		t.Fatalf("actions = %+v, want none", actions)
	}
	if s.State() != relay.StateClosed {
		t.Fatalf("state = %s, want closed", s.State())
	}
	actions := handle(t, s, relay.Event{Leg: relay.LegAI, Kind: relay.EventAIOpen})
	if len(actions) != 1 || actions[0].Kind != relay.ActionCloseAI {
		t.Errorf("actions = %+v, want one close_ai", actions)
	}
	if count(actions, relay.ActionSendAI) != 0 {
		t.Error("setup sent on a closed session")
	}
}

func TestSession_StateChangeCallback(t *testing.T) {
	t.Parallel()
	type transition struct{ from, to relay.State }
	var got []transition
	s := relay.New(relay.Config{ID: "call-1", OnStateChange: func(from, to relay.State) {
		got = append(got, transition{from, to})
	}})
	handle(t, s, relay.Event{Leg: relay.LegAI, Kind: relay.EventAIOpen})
	handle(t, s, relay.Event{Leg: relay.LegTelephony, Kind: relay.EventClose})

	want := []transition{
		{relay.StateConnecting, relay.StateActive},
		{relay.StateActive, relay.StateClosingTelephony},
		{relay.StateClosingTelephony, relay.StateClosed},
	}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSession_InputResampledForAI(t *testing.T) {
	t.Parallel()
	s := newActive(t, relay.Config{
		ID:          "call-1",
		InputFormat: audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 16000},
	})
	actions := handle(t, s, relay.Event{Leg: relay.LegTelephony, Kind: relay.EventMessage, Data: make([]byte, 160)})
	var msg struct {
		UserAudioChunk string `json:"user_audio_chunk"`
	}
	if err := json.Unmarshal(actions[0].Data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	pcm, _ := base64.StdEncoding.DecodeString(msg.UserAudioChunk)
	if len(pcm) != 640 {
		t.Errorf("pcm length = %d, want 640", len(pcm))
	}
}

func TestSession_MetadataSelectsInputFormat(t *testing.T) {
	t.Parallel()

	metadata := func(input, output string) relay.Event {
		return aiMessage(map[string]any{
			"type": "conversation_initiation_metadata",
			"conversation_initiation_metadata_event": map[string]string{
				"conversation_id":           "conv-1",
				"user_input_audio_format":   input,
				"agent_output_audio_format": output,
			},
		})
	}
	silence := func(n int) relay.Event {
		frame := make([]byte, n)
		for i := range frame {
			frame[i] = g711.Silence
		}
		return relay.Event{Leg: relay.LegTelephony, Kind: relay.EventMessage, Data: frame}
	}

	t.Run("pcm 16k upsampled", func(t *testing.T) {
		s := newActive(t, relay.Config{ID: "call-1"})
		handle(t, s, metadata("pcm_16000", ""))
		if want := (audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 16000}); s.InputFormat() != want {
			t.Fatalf("input format = %v, want %v", s.InputFormat(), want)
		}
		actions := handle(t, s, silence(160))
		if len(actions) != 1 {
			t.Fatalf("actions = %+v, want one send_ai", actions)
		}
		if pcm := userChunk(t, actions[0]); len(pcm) != 640 {
			t.Errorf("pcm length = %d, want 640", len(pcm))
		}
	})

	tests := []struct {
		name, input, output string
	}{
		{"mulaw input rejected", "ulaw_8000", "pcm_16000"},
		{"unknown input rejected", "opus_48000", "pcm_16000"},
		{"bad output rejects both", "pcm_16000", "mp3_44100"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newActive(t, relay.Config{ID: "call-1"})
			_, err := s.Handle(context.Background(), metadata(tc.input, tc.output))
			if !errors.Is(err, relay.ErrMalformedMessage) {
				t.Fatalf("err = %v, want ErrMalformedMessage", err)
			}
			if s.InputFormat().SampleRate != 8000 || s.OutputFormat().SampleRate != 8000 {
				t.Errorf("formats changed to %v / %v", s.InputFormat(), s.OutputFormat())
			}
			if s.State() != relay.StateActive {
				t.Errorf("state = %s, want active", s.State())
			}
		})
	}
}

func TestSession_EmptyTelephonyFrameSendsEmptyChunk(t *testing.T) {
	t.Parallel()
	s := newActive(t, relay.Config{ID: "call-1"})
	actions := handle(t, s, relay.Event{Leg: relay.LegTelephony, Kind: relay.EventMessage})
	if len(actions) != 1 || actions[0].Kind != relay.ActionSendAI {
		t.Fatalf("actions = %+v, want exactly one send_ai", actions)
	}
	if got := string(actions[0].Data); got != `{"user_audio_chunk":""}` {
		t.Errorf("message = %s", got)
	}
}

// userChunk decodes the PCM payload of a user_audio_chunk action.
func userChunk(t *testing.T, a relay.Action) []byte {
	t.Helper()
	var msg struct {
		UserAudioChunk string `json:"user_audio_chunk"`
	}
	if err := json.Unmarshal(a.Data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	pcm, err := base64.StdEncoding.DecodeString(msg.UserAudioChunk)
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	return pcm
}
