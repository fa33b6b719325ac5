package audio

import (
	"strings"
	"time"
)

// PerformanceSample is a single playback telemetry reading pushed by the
// device signal provider.
type PerformanceSample struct {
	Latency         time.Duration `json:"latency"`
	AverageLatency  time.Duration `json:"averageLatency"`
	MaxLatency      time.Duration `json:"maxLatency"`
	DropoutCount    int           `json:"dropoutCount"`
	BufferUnderruns int           `json:"bufferUnderruns"`
	CPUUsage        float64       `json:"cpuUsage"`    // 0.0-1.0
	MemoryUsage     float64       `json:"memoryUsage"` // 0.0-1.0
	SampleRate      int           `json:"sampleRate"`
	BufferSize      int           `json:"bufferSize"`
	Timestamp       time.Time     `json:"timestamp"`
}

// PowerMode is the platform power profile reported alongside battery state.
type PowerMode string

const (
	PowerModeBalanced    PowerMode = "balanced"
	PowerModePerformance PowerMode = "performance"
	PowerModePowerSaver  PowerMode = "power-saver"
)

// BatteryState describes the device battery.
type BatteryState struct {
	Level                  float64   `json:"level"` // 0.0-1.0
	Charging               bool      `json:"charging"`
	DischargingTimeMinutes float64   `json:"dischargingTimeMinutes"`
	PowerMode              PowerMode `json:"powerMode"`
	LowPowerModeEnabled    bool      `json:"lowPowerModeEnabled"`
}

// DefaultBatteryState is assumed until the provider reports otherwise
func DefaultBatteryState() BatteryState {
	return BatteryState{Level: 1.0, Charging: true, PowerMode: PowerModeBalanced}
}

// ThermalState is the coarse device temperature class.
type ThermalState int

const (
	ThermalNominal ThermalState = iota
	ThermalFair
	ThermalSerious
	ThermalCritical
)

func (t ThermalState) String() string {
	switch t {
	case ThermalNominal:
		return "nominal"
	case ThermalFair:
		return "fair"
	case ThermalSerious:
		return "serious"
	case ThermalCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// DeviceClass buckets devices by raw capability.
type DeviceClass int

const (
	DeviceClassLow DeviceClass = iota
	DeviceClassMid
	DeviceClassHigh
)

func (d DeviceClass) String() string {
	switch d {
	case DeviceClassLow:
		return "low"
	case DeviceClassMid:
		return "mid"
	case DeviceClassHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParseDeviceClass converts a class name, defaulting to mid.
func ParseDeviceClass(name string) DeviceClass {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "low":
		return DeviceClassLow
	case "high":
		return DeviceClassHigh
	default:
		return DeviceClassMid
	}
}

// DeviceCapabilities describes the hardware the session runs on.
type DeviceCapabilities struct {
	CPUCores    int         `json:"cpuCores"`
	MemoryMB    int         `json:"memoryMb"`
	DeviceClass DeviceClass `json:"deviceClass"`
}

// ClassifyDevice picks a device class from core count and memory.
func ClassifyDevice(cpuCores, memoryMB int) DeviceCapabilities {
	class := DeviceClassMid
	switch {
	case cpuCores <= 2 || memoryMB < 2048:
		class = DeviceClassLow
	case cpuCores >= 8 && memoryMB >= 8192:
		class = DeviceClassHigh
	}
	return DeviceCapabilities{CPUCores: cpuCores, MemoryMB: memoryMB, DeviceClass: class}
}

// CapabilityCeiling is the highest level the device can sustain.
func (c DeviceCapabilities) CapabilityCeiling() QualityLevel {
	switch c.DeviceClass {
	case DeviceClassLow:
		return QualityMedium
	case DeviceClassHigh:
		return QualityUltra
	default:
		return QualityHigh
	}
}

// ConcurrencyLimit is the number of parallel asset fetches for this device.
func (c DeviceCapabilities) ConcurrencyLimit() int {
	switch c.DeviceClass {
	case DeviceClassLow:
		return 2
	case DeviceClassHigh:
		return 6
	default:
		return 4
	}
}

// UserPreferences bound automatic adaptation.
type UserPreferences struct {
	PreferredLevel    QualityLevel `json:"preferredLevel"`
	MinLevel          QualityLevel `json:"minLevel"`
	MaxLevel          QualityLevel `json:"maxLevel"`
	PrioritizeBattery bool         `json:"prioritizeBattery"`
	PrioritizeQuality bool         `json:"prioritizeQuality"`
}

// DefaultUserPreferences places no bounds on adaptation
func DefaultUserPreferences() UserPreferences {
	return UserPreferences{
		PreferredLevel: QualityHigh,
		MinLevel:       QualityMinimal,
		MaxLevel:       QualityUltra,
	}
}
