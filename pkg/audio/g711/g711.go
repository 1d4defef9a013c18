// Package g711 converts between G.711 μ-law and signed 16-bit little-endian
// linear PCM.
//
// Every μ-law byte expands to exactly one PCM16 sample (two bytes) and every
// PCM16 sample compresses to exactly one μ-law byte. The functions are pure
// and hold no state, so they are safe for concurrent use. The *Into variants
// write into caller-owned buffers and never allocate.
//
// The companding follows ITU-T G.711: bias 0x84, clip at 32635, and a
// one's-complement of the assembled byte on the wire. Decoding accepts all 256
// byte values. Encoding a decoded byte reproduces it exactly, with the single
// exception of 0x7F (negative zero), which decodes to 0 and re-encodes as 0xFF.
package g711

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// bias is added to the magnitude before the segment search so that every
	// segment starts on a power of two.
	bias = 0x84

	// clip is the largest magnitude that can be encoded without overflowing the
	// top segment once bias is added.
	clip = 32635

	// Silence is the μ-law byte for a zero sample.
	Silence byte = 0xFF
)

// ErrOddLength is returned when a PCM16 buffer does not contain a whole
// number of samples.
var ErrOddLength = errors.New("g711: pcm16 buffer has odd length")

// decodeTable maps every μ-law byte to its linear sample.
var decodeTable [256]int16

// segmentTable maps bits 7..14 of a biased magnitude to the segment (exponent)
// holding the highest set bit.
var segmentTable [256]uint8

func init() {
	for i := range decodeTable {
		decodeTable[i] = expand(byte(i))
	}
	for i := 1; i < len(segmentTable); i++ {
		seg := uint8(0)
		for v := i >> 1; v > 0; v >>= 1 {
			seg++
		}
		segmentTable[i] = seg
	}
}

// expand reconstructs the linear sample for a single μ-law byte.
func expand(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := int32(u & 0x0F)
	magnitude := ((mantissa << 3) + bias) << exponent
	if sign != 0 {
		return int16(bias - magnitude)
	}
	return int16(magnitude - bias)
}

// DecodeSample returns the linear PCM16 value of one μ-law byte.
func DecodeSample(u byte) int16 {
	return decodeTable[u]
}

// EncodeSample compresses one linear PCM16 sample to μ-law. Magnitudes above
// the encodable range saturate at the top code.
func EncodeSample(s int16) byte {
	v := int32(s)
	var sign byte
	if v < 0 {
		sign = 0x80
		v = -v
	}
	if v > clip {
		v = clip
	}
	v += bias
	exponent := segmentTable[(v>>7)&0xFF]
	mantissa := byte(v>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

// DecodedLen returns the PCM16 byte length produced by decoding n μ-law bytes.
func DecodedLen(n int) int { return n * 2 }

// EncodedLen returns the μ-law byte length produced by encoding n PCM16 bytes.
// n must be even.
func EncodedLen(n int) int { return n / 2 }

// DecodeInto expands src into dst, which must hold at least DecodedLen(len(src))
// bytes. It returns the number of bytes written.
func DecodeInto(dst, src []byte) (int, error) {
	need := DecodedLen(len(src))
	if len(dst) < need {
		return 0, fmt.Errorf("g711: decode: short buffer: have %d, need %d", len(dst), need)
	}
	for i, u := range src {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(decodeTable[u]))
	}
	return need, nil
}

// Decode expands a μ-law buffer into a newly allocated PCM16 buffer of twice
// its length.
func Decode(src []byte) []byte {
	out := make([]byte, DecodedLen(len(src)))
	for i, u := range src {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(decodeTable[u]))
	}
	return out
}

// EncodeInto compresses the PCM16 buffer src into dst, which must hold at
// least EncodedLen(len(src)) bytes. An odd-length src is rejected with
// [ErrOddLength] and nothing is written.
func EncodeInto(dst, src []byte) (int, error) {
	if len(src)%2 != 0 {
		return 0, fmt.Errorf("%w: %d bytes", ErrOddLength, len(src))
	}
	need := EncodedLen(len(src))
	if len(dst) < need {
		return 0, fmt.Errorf("g711: encode: short buffer: have %d, need %d", len(dst), need)
	}
	for i := range need {
		dst[i] = EncodeSample(int16(binary.LittleEndian.Uint16(src[i*2:])))
	}
	return need, nil
}

// Encode compresses a PCM16 buffer into a newly allocated μ-law buffer of half
// its length. An odd-length src is rejected with [ErrOddLength].
func Encode(src []byte) ([]byte, error) {
	if len(src)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrOddLength, len(src))
	}
	out := make([]byte, EncodedLen(len(src)))
	for i := range out {
		out[i] = EncodeSample(int16(binary.LittleEndian.Uint16(src[i*2:])))
	}
	return out, nil
}
