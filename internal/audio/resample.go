package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts a mono PCM-16 stream from one sample rate to another.
// It keeps filter state between calls, so one Resampler serves one stream.
// Not safe for concurrent use.
type Resampler struct {
	inRate  int
	outRate int
	rs      resampling.Resampler
}

// NewResampler creates a streaming resampler. When the rates match the
// resampler passes samples through untouched.
func NewResampler(inRate, outRate int) (*Resampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("sample rates must be positive, got %d -> %d", inRate, outRate)
	}

	r := &Resampler{inRate: inRate, outRate: outRate}
	if inRate == outRate {
		return r, nil
	}

	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(inRate),
		OutputRate: float64(outRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}
	r.rs = rs

	return r, nil
}

// Passthrough reports whether no conversion takes place
func (r *Resampler) Passthrough() bool {
	return r.rs == nil
}

// InputRate returns the source sample rate
func (r *Resampler) InputRate() int {
	return r.inRate
}

// OutputRate returns the target sample rate
func (r *Resampler) OutputRate() int {
	return r.outRate
}

// Process converts the next block of samples. The output may be shorter
// than the rate ratio suggests while the filter fills.
func (r *Resampler) Process(pcm []int16) ([]int16, error) {
	if r.rs == nil || len(pcm) == 0 {
		return pcm, nil
	}

	input := make([]float64, len(pcm))
	for i, s := range pcm {
		input[i] = float64(s) / pcm16Scale
	}

	output, err := r.rs.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}
	return toPCM16Clipped(output), nil
}

// Flush returns the samples still held in the filter. Call it once at the
// end of the stream.
func (r *Resampler) Flush() ([]int16, error) {
	if r.rs == nil {
		return nil, nil
	}

	output, err := r.rs.Flush()
	if err != nil {
		return nil, fmt.Errorf("resample flush error: %w", err)
	}
	return toPCM16Clipped(output), nil
}

func toPCM16Clipped(output []float64) []int16 {
	out := make([]int16, len(output))
	for i, v := range output {
		switch {
		case v >= 1:
			out[i] = 32767
		case v <= -1:
			out[i] = -32768
		default:
			out[i] = int16(v * (pcm16Scale - 1))
		}
	}
	return out
}
