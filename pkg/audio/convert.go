// Package audio holds the frame and format types exchanged between the two
// legs of a bridged call, plus conversions between them.
//
// Conversion goes through linear PCM16: μ-law input is expanded with the
// [g711] codec, resampled when the rates differ, and compressed again if the
// target is μ-law. A frame already in the target format is returned unchanged.
package audio

import (
	"fmt"

	"github.com/MrWong99/callbridge/pkg/audio/g711"
)

// Convert returns frame re-encoded into target. If the frame already matches
// target it is returned as is (zero allocation). When only the encoding
// differs the samples are transcoded straight into a single output buffer.
// PCM16 frames with an odd byte count are rejected with an error wrapping
// [g711.ErrOddLength].
func Convert(frame AudioFrame, target Format) (AudioFrame, error) {
	src := frame.Format
	if len(frame.Data)%src.Encoding.BytesPerSample() != 0 {
		return AudioFrame{}, fmt.Errorf("audio: convert %s: %w", src, g711.ErrOddLength)
	}
	if src == target {
		return frame, nil
	}

	if src.SampleRate == target.SampleRate {
		samples := len(frame.Data) / src.Encoding.BytesPerSample()
		out := make([]byte, samples*target.Encoding.BytesPerSample())
		var err error
		if src.Encoding == EncodingMulaw {
			_, err = g711.DecodeInto(out, frame.Data)
		} else {
			_, err = g711.EncodeInto(out, frame.Data)
		}
		if err != nil {
			return AudioFrame{}, fmt.Errorf("audio: convert %s to %s: %w", src, target, err)
		}
		return AudioFrame{Data: out, Format: target}, nil
	}

	pcm := frame.Data
	if src.Encoding == EncodingMulaw {
		pcm = g711.Decode(pcm)
	}
	pcm = ResampleMono16(pcm, src.SampleRate, target.SampleRate)
	if target.Encoding == EncodingMulaw {
		var err error
		if pcm, err = g711.Encode(pcm); err != nil {
			return AudioFrame{}, fmt.Errorf("audio: convert to %s: %w", target, err)
		}
	}
	return AudioFrame{Data: pcm, Format: target}, nil
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, or either rate is not positive, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := sampleAt(pcm, srcIdx)
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = sampleAt(pcm, srcIdx+1)
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// sampleAt reads the idx-th little-endian int16 sample of pcm.
func sampleAt(pcm []byte, idx int) int16 {
	return int16(pcm[idx*2]) | int16(pcm[idx*2+1])<<8
}
