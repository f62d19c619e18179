package audio

import (
	"fmt"
	"math"
)

// Sample is the set of sample representations the pipeline accepts:
// fixed-point PCM-16 or normalized floating point in [-1, 1].
type Sample interface {
	~int16 | ~float32
}

// pcm16Scale converts between fixed-point and normalized float samples.
const pcm16Scale = 32768.0

// IsFixedPoint reports whether S is the PCM-16 representation.
func IsFixedPoint[S Sample]() bool {
	var probe S = 1
	probe /= 2
	return probe == 0
}

// ToPCM16 converts samples to PCM-16, clipping float samples to [-1, 1].
func ToPCM16[S Sample](samples []S) []int16 {
	out := make([]int16, len(samples))
	if IsFixedPoint[S]() {
		for i, s := range samples {
			out[i] = int16(s)
		}
		return out
	}

	for i, s := range samples {
		v := float64(s)
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		out[i] = int16(math.Round(v * (pcm16Scale - 1)))
	}
	return out
}

// FromPCM16 converts PCM-16 samples into S. Float targets are normalized
// by 32768.
func FromPCM16[S Sample](pcm []int16) []S {
	out := make([]S, len(pcm))
	if IsFixedPoint[S]() {
		for i, s := range pcm {
			out[i] = S(s)
		}
		return out
	}

	for i, s := range pcm {
		out[i] = S(float32(s) / pcm16Scale)
	}
	return out
}

// PCM16FromBytes decodes little-endian PCM-16 bytes into samples
func PCM16FromBytes(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("audio data length must be even (got %d bytes)", len(data))
	}

	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples, nil
}

// PCM16ToBytes encodes samples as little-endian PCM-16 bytes
func PCM16ToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[i*2] = byte(s)
		data[i*2+1] = byte(uint16(s) >> 8)
	}
	return data
}
