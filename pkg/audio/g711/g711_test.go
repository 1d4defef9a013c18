package g711_test

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/callbridge/pkg/audio/g711"
)

func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestDecodeSample_KnownVectors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   byte
		want int16
	}{
		{0xFF, 0},
		{0x7F, 0}, // G.711 negative zero, deliberately not -31: both zero codes decode to silence
		{0x00, -32124},
		{0x80, 32124},
		{0xFE, 8},
		{0x7E, -8},
		{0xEF, 132},
		{0x6F, -132},
	}
	for _, tc := range tests {
		if got := g711.DecodeSample(tc.in); got != tc.want {
			t.Errorf("DecodeSample(0x%02X) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestRoundTrip_AllMulawBytes(t *testing.T) {
	t.Parallel()
	for b := range 256 {
		u := byte(b)
		got := g711.EncodeSample(g711.DecodeSample(u))
		want := u
		if u == 0x7F {
			// Negative zero collapses onto positive zero.
			want = g711.Silence
		}
		if got != want {
			t.Errorf("encode(decode(0x%02X)) = 0x%02X, want 0x%02X", u, got, want)
		}
	}
}

func TestEncodeSample_QuantizationBound(t *testing.T) {
	t.Parallel()
	prev := int16(math.MinInt16)
	for s := math.MinInt16; s <= math.MaxInt16; s++ {
		code := g711.EncodeSample(int16(s))
		got := g711.DecodeSample(code)

		// Monotonic.
		if got < prev {
			t.Fatalf("decode(encode(%d)) = %d, below previous %d", s, got, prev)
		}
		prev = got

		// Sign-preserving.
		if (s > 0 && got < 0) || (s < 0 && got > 0) {
			t.Fatalf("decode(encode(%d)) = %d flips sign", s, got)
		}

		// Error is at most half a step of the segment the sample landed in.
		segment := (^code >> 4) & 0x07
		bound := 4 << segment
		mag := s
		if mag < 0 {
			mag = -mag
		}
		if mag > 32635 {
			continue // saturated
		}
		diff := int(got) - s
		if diff < 0 {
			diff = -diff
		}
		if diff > bound {
			t.Fatalf("decode(encode(%d)) = %d, error %d exceeds %d", s, got, diff, bound)
		}
	}
}

func TestEncodeSample_Saturates(t *testing.T) {
	t.Parallel()
	if got := g711.EncodeSample(math.MaxInt16); got != 0x80 {
		t.Errorf("EncodeSample(max) = 0x%02X, want 0x80", got)
	}
	if got := g711.EncodeSample(math.MinInt16); got != 0x00 {
		t.Errorf("EncodeSample(min) = 0x%02X, want 0x00", got)
	}
	if got := g711.EncodeSample(0); got != g711.Silence {
		t.Errorf("EncodeSample(0) = 0x%02X, want 0x%02X", got, g711.Silence)
	}
}

func TestDecode_Lengths(t *testing.T) {
	t.Parallel()
	for _, n := range []int{0, 1, 160, 320, 321} {
		out := g711.Decode(make([]byte, n))
		if len(out) != 2*n {
			t.Errorf("Decode(%d bytes) returned %d bytes, want %d", n, len(out), 2*n)
		}
	}
}

func TestDecode_SilenceFrame(t *testing.T) {
	t.Parallel()
	in := make([]byte, 320)
	for i := range in {
		in[i] = g711.Silence
	}
	out := g711.Decode(in)
	if len(out) != 640 {
		t.Fatalf("len = %d, want 640", len(out))
	}
	for i, b := range out {
		if b != 0 {
			t.Fatalf("byte %d = 0x%02X, want 0", i, b)
		}
	}
}

func TestEncode_Lengths(t *testing.T) {
	t.Parallel()
	for _, n := range []int{0, 2, 320, 640} {
		out, err := g711.Encode(make([]byte, n))
		if err != nil {
			t.Fatalf("Encode(%d bytes): %v", n, err)
		}
		if len(out) != n/2 {
			t.Errorf("Encode(%d bytes) returned %d bytes, want %d", n, len(out), n/2)
		}
	}
}

func TestEncode_OddLengthRejected(t *testing.T) {
	t.Parallel()
	out, err := g711.Encode([]byte{1, 2, 3})
	if !errors.Is(err, g711.ErrOddLength) {
		t.Fatalf("err = %v, want ErrOddLength", err)
	}
	if out != nil {
		t.Errorf("expected nil output, got %d bytes", len(out))
	}

	dst := []byte{0xAA, 0xAA}
	n, err := g711.EncodeInto(dst, []byte{1, 2, 3})
	if !errors.Is(err, g711.ErrOddLength) {
		t.Fatalf("EncodeInto err = %v, want ErrOddLength", err)
	}
	if n != 0 || dst[0] != 0xAA {
		t.Errorf("EncodeInto wrote output on odd input")
	}
}

func TestEncode_PreservesOrder(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{0, 1000, -1000, 32000})
	out, err := g711.Encode(pcm)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for i, s := range bytesToSamples(pcm) {
		if want := g711.EncodeSample(s); out[i] != want {
			t.Errorf("byte %d = 0x%02X, want 0x%02X", i, out[i], want)
		}
	}
}

func TestInto_ShortBuffer(t *testing.T) {
	t.Parallel()
	if _, err := g711.DecodeInto(make([]byte, 3), []byte{1, 2}); err == nil {
		t.Error("DecodeInto: expected short buffer error")
	}
	if _, err := g711.EncodeInto(make([]byte, 1), make([]byte, 4)); err == nil {
		t.Error("EncodeInto: expected short buffer error")
	}
}

func TestInto_MatchesAllocating(t *testing.T) {
	t.Parallel()
	src := make([]byte, 256)
	for i := range src {
		src[i] = byte(i)
	}

	pcm := make([]byte, g711.DecodedLen(len(src)))
	n, err := g711.DecodeInto(pcm, src)
	if err != nil {
		t.Fatalf("DecodeInto: %v", err)
	}
	if n != 512 || string(pcm) != string(g711.Decode(src)) {
		t.Fatal("DecodeInto output differs from Decode")
	}

	mu := make([]byte, g711.EncodedLen(len(pcm)))
	if _, err := g711.EncodeInto(mu, pcm); err != nil {
		t.Fatalf("EncodeInto: %v", err)
	}
	want, _ := g711.Encode(pcm)
	if string(mu) != string(want) {
		t.Fatal("EncodeInto output differs from Encode")
	}
}

func TestInto_DoesNotAllocate(t *testing.T) {
	src := make([]byte, 160)
	pcm := make([]byte, 320)
	mu := make([]byte, 160)
	allocs := testing.AllocsPerRun(100, func() {
		_, _ = g711.DecodeInto(pcm, src)
		_, _ = g711.EncodeInto(mu, pcm)
	})
	if allocs != 0 {
		t.Errorf("allocs per run = %v, want 0", allocs)
	}
}

func BenchmarkDecodeInto(b *testing.B) {
	src := make([]byte, 160)
	dst := make([]byte, 320)
	b.SetBytes(int64(len(src)))
	for b.Loop() {
		_, _ = g711.DecodeInto(dst, src)
	}
}

func BenchmarkEncodeInto(b *testing.B) {
	src := make([]byte, 320)
	dst := make([]byte, 160)
	b.SetBytes(int64(len(src)))
	for b.Loop() {
		_, _ = g711.EncodeInto(dst, src)
	}
}
