package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/groovelab/audioengine/internal/audio"
)

// Thermal thresholds in degrees Celsius, used when a sensor reports no
// critical point of its own.
const (
	fairTemperature     = 70.0
	seriousTemperature  = 85.0
	criticalTemperature = 95.0
)

// HostConfig describes the playback pipeline the host is running.
type HostConfig struct {
	SampleRate int `mapstructure:"sample_rate"`
	BufferSize int `mapstructure:"buffer_size"`
	// SensorPrefix restricts thermal readings to matching sensor keys.
	SensorPrefix string `mapstructure:"sensor_prefix"`
}

// DefaultHostConfig matches a 48kHz, 512 frame pipeline
func DefaultHostConfig() HostConfig {
	return HostConfig{SampleRate: 48000, BufferSize: 512}
}

// HostProvider reads CPU, memory and temperature sensors of the local machine.
// Audio latency is the buffer latency of the configured pipeline.
type HostProvider struct {
	config HostConfig
	logger zerolog.Logger
}

func NewHostProvider(cfg HostConfig, logger zerolog.Logger) *HostProvider {
	if cfg.SampleRate <= 0 || cfg.BufferSize <= 0 {
		def := DefaultHostConfig()
		cfg.SampleRate, cfg.BufferSize = def.SampleRate, def.BufferSize
	}
	return &HostProvider{
		config: cfg,
		logger: logger.With().Str("component", "host-telemetry").Logger(),
	}
}

func (h *HostProvider) bufferLatency() time.Duration {
	return time.Duration(float64(h.config.BufferSize) / float64(h.config.SampleRate) * float64(time.Second))
}

// Sample reports CPU and memory utilisation since the previous call
func (h *HostProvider) Sample(ctx context.Context) (audio.PerformanceSample, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return audio.PerformanceSample{}, fmt.Errorf("reading cpu usage: %w", err)
	}
	if len(percents) == 0 {
		return audio.PerformanceSample{}, fmt.Errorf("%w: no cpu usage", ErrNoSignal)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return audio.PerformanceSample{}, fmt.Errorf("reading memory usage: %w", err)
	}

	latency := h.bufferLatency()
	return audio.PerformanceSample{
		Latency:        latency,
		AverageLatency: latency,
		MaxLatency:     latency,
		CPUUsage:       clampUnit(percents[0] / 100),
		MemoryUsage:    clampUnit(vm.UsedPercent / 100),
		SampleRate:     h.config.SampleRate,
		BufferSize:     h.config.BufferSize,
		Timestamp:      time.Now(),
	}, nil
}

// Battery is not exposed by the host sensors; the machine is treated as mains powered.
func (h *HostProvider) Battery(ctx context.Context) (audio.BatteryState, error) {
	return audio.DefaultBatteryState(), ctx.Err()
}

// Thermal classifies the hottest matching sensor
func (h *HostProvider) Thermal(ctx context.Context) (audio.ThermalState, error) {
	temps, err := host.SensorsTemperaturesWithContext(ctx)
	if err != nil && len(temps) == 0 {
		// no sensors is common in containers and VMs
		h.logger.Debug().Err(err).Msg("temperature sensors unavailable")
		return audio.ThermalNominal, nil
	}

	worst := audio.ThermalNominal
	for _, t := range temps {
		if h.config.SensorPrefix != "" && !strings.HasPrefix(t.SensorKey, h.config.SensorPrefix) {
			continue
		}
		if state := ClassifyTemperature(t.Temperature, t.Critical); state > worst {
			worst = state
		}
	}
	return worst, nil
}

// ClassifyTemperature maps a reading to a thermal state. A positive critical
// value from the sensor overrides the default critical threshold.
func ClassifyTemperature(celsius, sensorCritical float64) audio.ThermalState {
	critical := criticalTemperature
	if sensorCritical > 0 {
		critical = sensorCritical
	}
	switch {
	case celsius >= critical:
		return audio.ThermalCritical
	case celsius >= seriousTemperature:
		return audio.ThermalSerious
	case celsius >= fairTemperature:
		return audio.ThermalFair
	default:
		return audio.ThermalNominal
	}
}

// DetectCapabilities classifies the local machine from its core count and memory
func DetectCapabilities(ctx context.Context) (audio.DeviceCapabilities, error) {
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return audio.DeviceCapabilities{}, fmt.Errorf("counting cpus: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return audio.DeviceCapabilities{}, fmt.Errorf("reading memory: %w", err)
	}
	return audio.ClassifyDevice(cores, int(vm.Total/(1<<20))), nil
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
