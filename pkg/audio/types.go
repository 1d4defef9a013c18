package audio

import "fmt"

// Encoding identifies how samples are laid out in an [AudioFrame].
type Encoding int

const (
	// EncodingPCM16 is signed 16-bit little-endian linear PCM, two bytes per sample.
	EncodingPCM16 Encoding = iota

	// EncodingMulaw is G.711 μ-law, one byte per sample.
	EncodingMulaw
)

// String returns the short name of the encoding.
func (e Encoding) String() string {
	switch e {
	case EncodingPCM16:
		return "pcm16"
	case EncodingMulaw:
		return "mulaw"
	default:
		return "unknown"
	}
}

// BytesPerSample returns the encoded size of a single mono sample.
func (e Encoding) BytesPerSample() int {
	if e == EncodingPCM16 {
		return 2
	}
	return 1
}

// Format describes the encoding and sample rate of a mono audio stream.
type Format struct {
	Encoding   Encoding
	SampleRate int
}

// Telephony is the narrowband format spoken by the telephony leg.
var Telephony = Format{Encoding: EncodingMulaw, SampleRate: 8000}

// String renders the format as e.g. "pcm16@16000Hz".
func (f Format) String() string {
	return fmt.Sprintf("%s@%dHz", f.Encoding, f.SampleRate)
}

// AudioFrame is one inbound message worth of audio. Frames are converted and
// forwarded independently; nothing is buffered across frame boundaries.
type AudioFrame struct {
	// Data holds the encoded samples.
	Data []byte

	// Format describes Data.
	Format Format
}
