package audioengine

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/groovelab/audioengine/internal/audio"
	"github.com/groovelab/audioengine/internal/delivery"
	"github.com/groovelab/audioengine/internal/routing"
	"github.com/groovelab/audioengine/internal/telemetry"
	"github.com/groovelab/audioengine/internal/usage"
)

const (
	configName = ".audioengine"
	envPrefix  = "AUDIOENGINE"
)

var ErrInvalidConfig = errors.New("invalid engine configuration")

// RouteSpec is the configured form of a delivery route
type RouteSpec struct {
	ID       string `mapstructure:"id"`
	Endpoint string `mapstructure:"endpoint"`
	Priority string `mapstructure:"priority"`
}

// QualitySettings seed the scaler and its user preferences
type QualitySettings struct {
	Initial           string `mapstructure:"initial"`
	Min               string `mapstructure:"min"`
	Max               string `mapstructure:"max"`
	PrioritizeBattery bool   `mapstructure:"prioritize_battery"`
	PrioritizeQuality bool   `mapstructure:"prioritize_quality"`
}

// DeviceSettings override host detection when both values are set
type DeviceSettings struct {
	CPUCores int `mapstructure:"cpu_cores"`
	MemoryMB int `mapstructure:"memory_mb"`
}

type TelemetrySettings struct {
	Enabled  bool                 `mapstructure:"enabled"`
	Interval time.Duration        `mapstructure:"interval"`
	Host     telemetry.HostConfig `mapstructure:"host"`
}

// Config aggregates every component configuration of the engine.
type Config struct {
	Listen   string `mapstructure:"listen"`
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`

	// UsageDB is the sqlite file usage patterns persist to. Empty disables persistence.
	UsageDB string `mapstructure:"usage_db"`

	Quality   QualitySettings             `mapstructure:"quality"`
	Device    DeviceSettings              `mapstructure:"device"`
	Routes    []RouteSpec                 `mapstructure:"routes"`
	Routing   routing.RegistryConfig      `mapstructure:"routing"`
	Delivery  delivery.OrchestratorConfig `mapstructure:"delivery"`
	Fetcher   delivery.FetcherConfig      `mapstructure:"fetcher"`
	Usage     usage.AnalyzerConfig        `mapstructure:"usage"`
	Telemetry TelemetrySettings           `mapstructure:"telemetry"`
}

// DefaultConfig returns a configuration with every component at its defaults
// and no routes.
func DefaultConfig() Config {
	return Config{
		Listen:   "127.0.0.1:8640",
		LogLevel: "info",
		Quality: QualitySettings{
			Initial: audio.QualityHigh.String(),
			Min:     audio.QualityMinimal.String(),
			Max:     audio.QualityUltra.String(),
		},
		Routing:  routing.DefaultRegistryConfig(),
		Delivery: delivery.DefaultOrchestratorConfig(),
		Fetcher:  delivery.DefaultFetcherConfig(),
		Usage:    usage.DefaultAnalyzerConfig(),
		Telemetry: TelemetrySettings{
			Enabled:  true,
			Interval: time.Second,
			Host:     telemetry.DefaultHostConfig(),
		},
	}
}

// Validate checks the settings that are not covered by component constructors
func (c Config) Validate() error {
	var errs []string
	for _, name := range []string{c.Quality.Initial, c.Quality.Min, c.Quality.Max} {
		if _, err := audio.ParseQualityLevel(name); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if _, err := c.Preferences(); err != nil && len(errs) == 0 {
		errs = append(errs, err.Error())
	}
	if _, err := c.RouteConfigs(); err != nil {
		errs = append(errs, err.Error())
	}
	if (c.Device.CPUCores > 0) != (c.Device.MemoryMB > 0) {
		errs = append(errs, "device cpu_cores and memory_mb must be set together")
	}
	if c.Telemetry.Enabled && c.Telemetry.Interval <= 0 {
		errs = append(errs, "telemetry interval must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// ScalerConfig returns the default scaler tuning started at the configured level
func (c Config) ScalerConfig() (audio.ScalerConfig, error) {
	cfg := audio.DefaultScalerConfig()
	level, err := audio.ParseQualityLevel(c.Quality.Initial)
	if err != nil {
		return cfg, err
	}
	cfg.InitialLevel = level
	return cfg, nil
}

// Preferences converts the quality settings into scaler preferences
func (c Config) Preferences() (audio.UserPreferences, error) {
	prefs := audio.DefaultUserPreferences()
	minLevel, err := audio.ParseQualityLevel(c.Quality.Min)
	if err != nil {
		return prefs, err
	}
	maxLevel, err := audio.ParseQualityLevel(c.Quality.Max)
	if err != nil {
		return prefs, err
	}
	preferred, err := audio.ParseQualityLevel(c.Quality.Initial)
	if err != nil {
		return prefs, err
	}
	prefs.MinLevel = minLevel
	prefs.MaxLevel = maxLevel
	prefs.PreferredLevel = preferred
	prefs.PrioritizeBattery = c.Quality.PrioritizeBattery
	prefs.PrioritizeQuality = c.Quality.PrioritizeQuality
	if err := audio.ValidateUserPreferences(prefs); err != nil {
		return prefs, err
	}
	return prefs, nil
}

// RouteConfigs converts the configured routes. A missing priority means primary.
func (c Config) RouteConfigs() ([]routing.RouteConfig, error) {
	out := make([]routing.RouteConfig, 0, len(c.Routes))
	for _, spec := range c.Routes {
		priority := routing.PriorityPrimary
		if strings.TrimSpace(spec.Priority) != "" {
			p, err := routing.ParseRoutePriority(spec.Priority)
			if err != nil {
				return nil, fmt.Errorf("route %s: %w", spec.ID, err)
			}
			priority = p
		}
		rc := routing.RouteConfig{ID: spec.ID, Endpoint: spec.Endpoint, Priority: priority}
		if err := rc.Validate(); err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, nil
}

// LoadConfig reads the config file at path, or $HOME/.audioengine.{yaml,json}
// when path is empty, then applies AUDIOENGINE_* environment variables and any
// changed flags. A missing default file is not an error.
func LoadConfig(path string, flags *pflag.FlagSet) (Config, error) {
	cfg := DefaultConfig()
	v := viper.New()

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen", cfg.Listen)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_json", cfg.LogJSON)
	v.SetDefault("usage_db", cfg.UsageDB)
	v.SetDefault("quality.initial", cfg.Quality.Initial)
	v.SetDefault("quality.min", cfg.Quality.Min)
	v.SetDefault("quality.max", cfg.Quality.Max)
	v.SetDefault("delivery.concurrency", cfg.Delivery.Concurrency)
	v.SetDefault("delivery.route_wait", cfg.Delivery.RouteWait)
	v.SetDefault("telemetry.enabled", cfg.Telemetry.Enabled)
	v.SetDefault("telemetry.interval", cfg.Telemetry.Interval)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return cfg, fmt.Errorf("locating home directory: %w", err)
		}
		v.AddConfigPath(home)
		v.SetConfigName(configName)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	if flags != nil {
		for _, name := range []string{"listen", "log_level", "usage_db"} {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(name, f); err != nil {
					return cfg, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
		if f := flags.Lookup("quality"); f != nil {
			if err := v.BindPFlag("quality.initial", f); err != nil {
				return cfg, fmt.Errorf("binding flag quality: %w", err)
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.UsageDB != "" {
		expanded, err := homedir.Expand(cfg.UsageDB)
		if err != nil {
			return cfg, fmt.Errorf("expanding usage_db: %w", err)
		}
		cfg.UsageDB = filepath.Clean(expanded)
	}
	return cfg, cfg.Validate()
}
