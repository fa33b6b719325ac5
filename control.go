package audioengine

import (
	"errors"
	"fmt"
	"time"

	"github.com/groovelab/audioengine/internal/audio"
)

var ErrUnknownMethod = errors.New("unknown control method")

// Parameter bounds for control calls
const (
	maxReportedLatencyMs = 10000
	maxReportedDropouts  = 100000
	maxReasonLength      = 256
)

// Control handlers take JSON-decoded params, so numbers arrive as float64.

// validateFloat64Param extracts and validates a float64 parameter from the params map
func validateFloat64Param(params map[string]interface{}, paramName, methodName string, min, max float64) (float64, error) {
	value, ok := params[paramName].(float64)
	if !ok {
		return 0, fmt.Errorf("%s: %s parameter must be a number, got %T", methodName, paramName, params[paramName])
	}
	if value < min || value > max {
		return 0, fmt.Errorf("%s: %s value %v out of range [%v to %v]", methodName, paramName, value, min, max)
	}
	return value, nil
}

// optionalFloat64Param is validateFloat64Param for parameters that may be absent
func optionalFloat64Param(params map[string]interface{}, paramName, methodName string, min, max, fallback float64) (float64, error) {
	if _, present := params[paramName]; !present {
		return fallback, nil
	}
	return validateFloat64Param(params, paramName, methodName, min, max)
}

// validateLevelParam extracts a quality level name
func validateLevelParam(params map[string]interface{}, paramName, methodName string) (audio.QualityLevel, error) {
	name, ok := params[paramName].(string)
	if !ok {
		return 0, fmt.Errorf("%s: %s parameter must be a level name, got %T", methodName, paramName, params[paramName])
	}
	level, err := audio.ParseQualityLevel(name)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", methodName, err)
	}
	return level, nil
}

func handleSetQuality(scaler *audio.QualityScaler, params map[string]interface{}) (interface{}, error) {
	level, err := validateLevelParam(params, "level", "setQuality")
	if err != nil {
		return nil, err
	}
	if err := scaler.SetQualityLevel(level, nil); err != nil {
		return nil, err
	}
	return scaler.CurrentConfiguration(), nil
}

func handleSetPreferences(scaler *audio.QualityScaler, params map[string]interface{}) (interface{}, error) {
	prefs := scaler.Preferences()
	for name, target := range map[string]*audio.QualityLevel{
		"preferred": &prefs.PreferredLevel,
		"min":       &prefs.MinLevel,
		"max":       &prefs.MaxLevel,
	} {
		if _, present := params[name]; !present {
			continue
		}
		level, err := validateLevelParam(params, name, "setPreferences")
		if err != nil {
			return nil, err
		}
		*target = level
	}
	for name, target := range map[string]*bool{
		"prioritizeBattery": &prefs.PrioritizeBattery,
		"prioritizeQuality": &prefs.PrioritizeQuality,
	} {
		raw, present := params[name]
		if !present {
			continue
		}
		v, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("setPreferences: %s parameter must be a boolean, got %T", name, raw)
		}
		*target = v
	}
	if err := scaler.SetUserPreferences(prefs); err != nil {
		return nil, fmt.Errorf("setPreferences: %w", err)
	}
	return scaler.Preferences(), nil
}

func handleActivateEmergency(scaler *audio.QualityScaler, params map[string]interface{}) (interface{}, error) {
	reason, ok := params["reason"].(string)
	if !ok || reason == "" {
		return nil, fmt.Errorf("activateEmergency: reason parameter must be a non-empty string, got %T", params["reason"])
	}
	if len(reason) > maxReasonLength {
		return nil, fmt.Errorf("activateEmergency: reason longer than %d bytes", maxReasonLength)
	}
	return scaler.ActivateEmergencyMode(reason), nil
}

// handleReportPerformance accepts a sample from a playback client that measures
// its own latency, for deployments where host telemetry is disabled
func handleReportPerformance(scaler *audio.QualityScaler, params map[string]interface{}) (interface{}, error) {
	latencyMs, err := validateFloat64Param(params, "latencyMs", "reportPerformance", 0, maxReportedLatencyMs)
	if err != nil {
		return nil, err
	}
	cpu, err := validateFloat64Param(params, "cpuUsage", "reportPerformance", 0, 1)
	if err != nil {
		return nil, err
	}
	mem, err := validateFloat64Param(params, "memoryUsage", "reportPerformance", 0, 1)
	if err != nil {
		return nil, err
	}
	dropouts, err := optionalFloat64Param(params, "dropoutCount", "reportPerformance", 0, maxReportedDropouts, 0)
	if err != nil {
		return nil, err
	}
	underruns, err := optionalFloat64Param(params, "bufferUnderruns", "reportPerformance", 0, maxReportedDropouts, 0)
	if err != nil {
		return nil, err
	}

	cfg := scaler.CurrentConfiguration()
	latency := time.Duration(latencyMs * float64(time.Millisecond))
	result := scaler.UpdatePerformanceMetrics(audio.PerformanceSample{
		Latency:         latency,
		AverageLatency:  latency,
		MaxLatency:      latency,
		DropoutCount:    int(dropouts),
		BufferUnderruns: int(underruns),
		CPUUsage:        cpu,
		MemoryUsage:     mem,
		SampleRate:      cfg.SampleRate,
		BufferSize:      cfg.BufferSize,
		Timestamp:       time.Now(),
	})
	if result.Err != nil {
		return nil, result.Err
	}
	return result, nil
}

// handleControlDirect routes a control method to its handler
func handleControlDirect(scaler *audio.QualityScaler, method string, params map[string]interface{}) (interface{}, error) {
	switch method {
	case "setQuality":
		return handleSetQuality(scaler, params)
	case "setPreferences":
		return handleSetPreferences(scaler, params)
	case "activateEmergency":
		return handleActivateEmergency(scaler, params)
	case "deactivateEmergency":
		return scaler.DeactivateEmergencyMode(), nil
	case "reportPerformance":
		return handleReportPerformance(scaler, params)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
}
