package vad

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/skypro1111/ptt-transcriber/internal/audio"
)

const (
	// DefaultAmplitudeThreshold is expressed in PCM-16 units
	DefaultAmplitudeThreshold = 300.0
	DefaultMinSeconds         = 1.0
)

// Reason explains why a chunk was rejected
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonEmpty    Reason = "empty"
	ReasonTooQuiet Reason = "too_quiet"
	ReasonTooShort Reason = "too_short"
)

// Decision is the outcome of gating one chunk
type Decision struct {
	Accept        bool    `json:"accept"`
	MeanAmplitude float64 `json:"mean_amplitude"`
	Threshold     float64 `json:"threshold"`
	Samples       int     `json:"samples"`
	MinSamples    int     `json:"min_samples"`
	Reason        Reason  `json:"reason,omitempty"`
}

// GateStats represents gate statistics for monitoring
type GateStats struct {
	Checks           uint64  `json:"checks"`
	Accepted         uint64  `json:"accepted"`
	RejectedQuiet    uint64  `json:"rejected_quiet"`
	RejectedShort    uint64  `json:"rejected_short"`
	AcceptPercentage float64 `json:"accept_percentage"`
}

// Gate is a stateless amplitude and duration filter with counters.
// It is safe for concurrent use.
type Gate struct {
	threshold  float64
	minSeconds float64
	sampleRate int

	checks        atomic.Uint64
	accepted      atomic.Uint64
	rejectedQuiet atomic.Uint64
	rejectedShort atomic.Uint64
}

// NewGate creates a new gate. threshold is in PCM-16 units and is scaled
// down automatically for float samples.
func NewGate(threshold, minSeconds float64, sampleRate int) (*Gate, error) {
	if threshold < 0 {
		return nil, fmt.Errorf("amplitude threshold cannot be negative, got %f", threshold)
	}
	if minSeconds < 0 {
		return nil, fmt.Errorf("minimum duration cannot be negative, got %f", minSeconds)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	return &Gate{
		threshold:  threshold,
		minSeconds: minSeconds,
		sampleRate: sampleRate,
	}, nil
}

// MinSamples returns the shortest chunk length the gate accepts
func (g *Gate) MinSamples() int {
	return int(math.Ceil(g.minSeconds * float64(g.sampleRate)))
}

// Threshold returns the configured threshold in PCM-16 units
func (g *Gate) Threshold() float64 {
	return g.threshold
}

// MeanAbsAmplitude returns the mean of |sample| in the samples' own units
func MeanAbsAmplitude[S audio.Sample](samples []S) float64 {
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		sum += math.Abs(float64(s))
	}
	return sum / float64(len(samples))
}

// Evaluate gates a chunk and records the outcome in the gate's counters.
// Digital silence is rejected even with a zero threshold.
func Evaluate[S audio.Sample](g *Gate, samples []S) Decision {
	threshold := g.threshold
	if !audio.IsFixedPoint[S]() {
		threshold /= 32768.0
	}

	d := Decision{
		MeanAmplitude: MeanAbsAmplitude(samples),
		Threshold:     threshold,
		Samples:       len(samples),
		MinSamples:    g.MinSamples(),
	}

	g.checks.Add(1)

	switch {
	case len(samples) == 0:
		d.Reason = ReasonEmpty
		g.rejectedShort.Add(1)
	case d.MeanAmplitude == 0 || d.MeanAmplitude < threshold:
		d.Reason = ReasonTooQuiet
		g.rejectedQuiet.Add(1)
	case d.Samples < d.MinSamples:
		d.Reason = ReasonTooShort
		g.rejectedShort.Add(1)
	default:
		d.Accept = true
		g.accepted.Add(1)
	}

	return d
}

// Stats returns current gate statistics
func (g *Gate) Stats() GateStats {
	stats := GateStats{
		Checks:        g.checks.Load(),
		Accepted:      g.accepted.Load(),
		RejectedQuiet: g.rejectedQuiet.Load(),
		RejectedShort: g.rejectedShort.Load(),
	}
	if stats.Checks > 0 {
		stats.AcceptPercentage = float64(stats.Accepted) / float64(stats.Checks) * 100
	}
	return stats
}

// Reset clears the gate statistics
func (g *Gate) Reset() {
	g.checks.Store(0)
	g.accepted.Store(0)
	g.rejectedQuiet.Store(0)
	g.rejectedShort.Store(0)
}
