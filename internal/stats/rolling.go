// Package stats provides the bounded rolling statistic shared by route health
// tracking and usage frequency modelling.
package stats

import (
	"errors"
	"math"
)

var ErrInvalidRollingConfig = errors.New("invalid rolling statistic configuration")

// Rolling is an exponentially weighted moving value backed by a bounded window
// of raw samples. Each Add computes new = old*decay + sample*(1-decay).
// Rolling is not safe for concurrent use; owners guard it with their own lock.
type Rolling struct {
	decay    float64
	capacity int

	samples []float64
	head    int
	count   int

	value  float64
	seeded bool
}

// NewRolling creates a rolling statistic keeping up to capacity raw samples.
// decay is the weight given to the previous value and must be in [0, 1).
func NewRolling(capacity int, decay float64) (*Rolling, error) {
	if capacity <= 0 || decay < 0 || decay >= 1 || math.IsNaN(decay) {
		return nil, ErrInvalidRollingConfig
	}
	return &Rolling{
		decay:    decay,
		capacity: capacity,
		samples:  make([]float64, capacity),
	}, nil
}

// MustRolling is NewRolling for constant configurations.
func MustRolling(capacity int, decay float64) *Rolling {
	r, err := NewRolling(capacity, decay)
	if err != nil {
		panic(err)
	}
	return r
}

// Seed sets the starting average without recording a sample.
func (r *Rolling) Seed(v float64) {
	r.value = v
	r.seeded = true
}

// Add records a sample and returns the updated average. An unseeded
// statistic takes its first sample as the average.
func (r *Rolling) Add(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return r.value
	}

	r.samples[r.head] = v
	r.head = (r.head + 1) % r.capacity
	if r.count < r.capacity {
		r.count++
	}

	if !r.seeded {
		r.value = v
		r.seeded = true
		return r.value
	}
	r.value = r.value*r.decay + v*(1-r.decay)
	return r.value
}

// Value returns the current smoothed value.
func (r *Rolling) Value() float64 {
	return r.value
}

// Count returns the number of raw samples retained, never more than capacity.
func (r *Rolling) Count() int {
	return r.count
}

// Capacity returns the raw sample bound.
func (r *Rolling) Capacity() int {
	return r.capacity
}

// Samples returns the retained raw samples, oldest first.
func (r *Rolling) Samples() []float64 {
	out := make([]float64, 0, r.count)
	start := (r.head - r.count + r.capacity) % r.capacity
	for i := 0; i < r.count; i++ {
		out = append(out, r.samples[(start+i)%r.capacity])
	}
	return out
}

// Mean returns the arithmetic mean of the retained raw samples.
func (r *Rolling) Mean() float64 {
	if r.count == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range r.Samples() {
		sum += v
	}
	return sum / float64(r.count)
}

// Variance returns the population variance of the retained raw samples.
func (r *Rolling) Variance() float64 {
	if r.count == 0 {
		return 0
	}
	mean := r.Mean()
	sum := 0.0
	for _, v := range r.Samples() {
		d := v - mean
		sum += d * d
	}
	return sum / float64(r.count)
}

// Reset clears samples and the average.
func (r *Rolling) Reset() {
	r.head = 0
	r.count = 0
	r.value = 0
	r.seeded = false
	for i := range r.samples {
		r.samples[i] = 0
	}
}
