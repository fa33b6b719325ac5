package audio

import (
	"fmt"
	"strings"
)

// QualityLevel is an ordered audio quality tier. Higher values mean higher
// fidelity and higher resource cost.
type QualityLevel int

const (
	QualityMinimal QualityLevel = iota
	QualityLow
	QualityMedium
	QualityHigh
	QualityUltra
)

// AllQualityLevels lists every level from lowest to highest.
var AllQualityLevels = []QualityLevel{QualityMinimal, QualityLow, QualityMedium, QualityHigh, QualityUltra}

func (q QualityLevel) String() string {
	switch q {
	case QualityMinimal:
		return "minimal"
	case QualityLow:
		return "low"
	case QualityMedium:
		return "medium"
	case QualityHigh:
		return "high"
	case QualityUltra:
		return "ultra"
	default:
		return fmt.Sprintf("unknown(%d)", int(q))
	}
}

// Valid reports whether q is one of the defined levels.
func (q QualityLevel) Valid() bool {
	return q >= QualityMinimal && q <= QualityUltra
}

// Step returns the level delta steps away from q, clamped to the valid range.
func (q QualityLevel) Step(delta int) QualityLevel {
	return clampLevel(QualityLevel(int(q) + delta))
}

// MarshalText encodes the level by name.
func (q QualityLevel) MarshalText() ([]byte, error) {
	if !q.Valid() {
		return nil, ErrInvalidQualityLevel
	}
	return []byte(q.String()), nil
}

// UnmarshalText decodes a level name.
func (q *QualityLevel) UnmarshalText(text []byte) error {
	level, err := ParseQualityLevel(string(text))
	if err != nil {
		return err
	}
	*q = level
	return nil
}

// ParseQualityLevel converts a level name into a QualityLevel.
func ParseQualityLevel(name string) (QualityLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "minimal":
		return QualityMinimal, nil
	case "low":
		return QualityLow, nil
	case "medium":
		return QualityMedium, nil
	case "high":
		return QualityHigh, nil
	case "ultra":
		return QualityUltra, nil
	default:
		return QualityMinimal, fmt.Errorf("%w: %q", ErrInvalidQualityLevel, name)
	}
}

func clampLevel(q QualityLevel) QualityLevel {
	if q < QualityMinimal {
		return QualityMinimal
	}
	if q > QualityUltra {
		return QualityUltra
	}
	return q
}

func minLevel(a, b QualityLevel) QualityLevel {
	if a < b {
		return a
	}
	return b
}

func maxLevel(a, b QualityLevel) QualityLevel {
	if a > b {
		return a
	}
	return b
}

// QualityConfiguration is the immutable playback configuration published by
// the QualityScaler. Numeric parameters never decrease as Level increases.
type QualityConfiguration struct {
	Level QualityLevel `json:"qualityLevel"`

	SampleRate int `json:"sampleRate"`
	BufferSize int `json:"bufferSize"`
	BitDepth   int `json:"bitDepth"`
	// CompressionRatio is the fraction of source fidelity retained, 1.0 means uncompressed.
	CompressionRatio float64 `json:"compressionRatio"`
	MaxPolyphony     int     `json:"maxPolyphony"`
	MemoryLimitMB    int     `json:"memoryLimit"`

	EnableEffects        bool `json:"enableEffects"`
	EnableVisualization  bool `json:"enableVisualization"`
	BackgroundProcessing bool `json:"backgroundProcessing"`
	CPUThrottling        bool `json:"cpuThrottling"`
	ThermalManagement    bool `json:"thermalManagement"`
	BatteryOptimized     bool `json:"batteryOptimized"`
	LowPowerMode         bool `json:"lowPowerMode"`

	EstimatedBatteryImpact float64 `json:"estimatedBatteryImpact"`
	EstimatedCPUUsage      float64 `json:"estimatedCpuUsage"`
}

// qualityPresets defines the base configuration for each level
var qualityPresets = map[QualityLevel]QualityConfiguration{
	QualityMinimal: {
		Level: QualityMinimal, SampleRate: 22050, BufferSize: 256, BitDepth: 16,
		CompressionRatio: 0.3, MaxPolyphony: 4, MemoryLimitMB: 32,
		CPUThrottling: true, ThermalManagement: true, BatteryOptimized: true, LowPowerMode: true,
		EstimatedBatteryImpact: 0.1, EstimatedCPUUsage: 0.1,
	},
	QualityLow: {
		Level: QualityLow, SampleRate: 22050, BufferSize: 512, BitDepth: 16,
		CompressionRatio: 0.5, MaxPolyphony: 8, MemoryLimitMB: 64,
		CPUThrottling: true, ThermalManagement: true, BatteryOptimized: true,
		EstimatedBatteryImpact: 0.25, EstimatedCPUUsage: 0.2,
	},
	QualityMedium: {
		Level: QualityMedium, SampleRate: 44100, BufferSize: 1024, BitDepth: 16,
		CompressionRatio: 0.7, MaxPolyphony: 16, MemoryLimitMB: 128,
		EnableEffects: true, BackgroundProcessing: true, ThermalManagement: true,
		EstimatedBatteryImpact: 0.45, EstimatedCPUUsage: 0.35,
	},
	QualityHigh: {
		Level: QualityHigh, SampleRate: 48000, BufferSize: 1024, BitDepth: 24,
		CompressionRatio: 0.85, MaxPolyphony: 32, MemoryLimitMB: 256,
		EnableEffects: true, EnableVisualization: true, BackgroundProcessing: true,
		EstimatedBatteryImpact: 0.7, EstimatedCPUUsage: 0.55,
	},
	QualityUltra: {
		Level: QualityUltra, SampleRate: 48000, BufferSize: 2048, BitDepth: 24,
		CompressionRatio: 1.0, MaxPolyphony: 64, MemoryLimitMB: 512,
		EnableEffects: true, EnableVisualization: true, BackgroundProcessing: true,
		EstimatedBatteryImpact: 0.9, EstimatedCPUUsage: 0.75,
	},
}

// QualityPresets returns a copy of the base configuration for every level
func QualityPresets() map[QualityLevel]QualityConfiguration {
	result := make(map[QualityLevel]QualityConfiguration, len(qualityPresets))
	for level, preset := range qualityPresets {
		result[level] = preset
	}
	return result
}

// PresetFor returns the base configuration for a level.
func PresetFor(level QualityLevel) (QualityConfiguration, error) {
	preset, ok := qualityPresets[level]
	if !ok {
		return QualityConfiguration{}, ErrInvalidQualityLevel
	}
	return preset, nil
}

// buildConfiguration derives the published configuration for a level under
// the current power and thermal conditions.
func buildConfiguration(level QualityLevel, battery BatteryState, thermal ThermalState) QualityConfiguration {
	cfg := qualityPresets[clampLevel(level)]

	if !battery.Charging && (battery.Level < 0.4 || battery.LowPowerModeEnabled) {
		cfg.BatteryOptimized = true
		cfg.BackgroundProcessing = false
	}
	if battery.LowPowerModeEnabled {
		cfg.LowPowerMode = true
		cfg.EnableVisualization = false
	}
	if thermal >= ThermalSerious {
		cfg.ThermalManagement = true
		cfg.CPUThrottling = true
	}
	return cfg
}
