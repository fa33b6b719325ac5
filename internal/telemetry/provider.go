// Package telemetry supplies device performance, battery and thermal signals
// to the quality scaler.
package telemetry

import (
	"context"
	"errors"
	"sync"

	"github.com/groovelab/audioengine/internal/audio"
)

var ErrNoSignal = errors.New("telemetry signal unavailable")

// Provider reads device signals. Implementations must honour ctx deadlines.
type Provider interface {
	Sample(ctx context.Context) (audio.PerformanceSample, error)
	Battery(ctx context.Context) (audio.BatteryState, error)
	Thermal(ctx context.Context) (audio.ThermalState, error)
}

// Sink receives signals. *audio.QualityScaler satisfies it.
type Sink interface {
	UpdatePerformanceMetrics(sample audio.PerformanceSample) audio.AdaptationResult
	UpdateBatteryState(state audio.BatteryState) error
	UpdateThermalState(state audio.ThermalState) error
}

// StaticProvider reports whatever values were last set on it.
type StaticProvider struct {
	mu      sync.RWMutex
	sample  audio.PerformanceSample
	battery audio.BatteryState
	thermal audio.ThermalState
	err     error
}

// NewStaticProvider starts from the given sample, a full battery and nominal thermals
func NewStaticProvider(sample audio.PerformanceSample) *StaticProvider {
	return &StaticProvider{
		sample:  sample,
		battery: audio.DefaultBatteryState(),
		thermal: audio.ThermalNominal,
	}
}

func (p *StaticProvider) SetSample(sample audio.PerformanceSample) {
	p.mu.Lock()
	p.sample = sample
	p.mu.Unlock()
}

func (p *StaticProvider) SetBattery(state audio.BatteryState) {
	p.mu.Lock()
	p.battery = state
	p.mu.Unlock()
}

func (p *StaticProvider) SetThermal(state audio.ThermalState) {
	p.mu.Lock()
	p.thermal = state
	p.mu.Unlock()
}

// SetError makes every read fail with err until cleared with nil
func (p *StaticProvider) SetError(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *StaticProvider) Sample(ctx context.Context) (audio.PerformanceSample, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.err != nil {
		return audio.PerformanceSample{}, p.err
	}
	return p.sample, ctx.Err()
}

func (p *StaticProvider) Battery(ctx context.Context) (audio.BatteryState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.err != nil {
		return audio.BatteryState{}, p.err
	}
	return p.battery, ctx.Err()
}

func (p *StaticProvider) Thermal(ctx context.Context) (audio.ThermalState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.err != nil {
		return audio.ThermalNominal, p.err
	}
	return p.thermal, ctx.Err()
}
