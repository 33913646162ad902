// Package config loads fleetd settings from a YAML file with FLEET_-prefixed
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/amr-fleet/core"
	"github.com/signalsfoundry/amr-fleet/internal/ingest"
	"github.com/signalsfoundry/amr-fleet/internal/observability"
	"github.com/signalsfoundry/amr-fleet/internal/transport"
	"github.com/signalsfoundry/amr-fleet/kb"
)

// EnvPrefix prefixes every environment override, e.g. FLEET_HTTP_ADDR.
const EnvPrefix = "FLEET"

// Telemetry sources.
const (
	SourceSim    = "sim"
	SourceStdin  = "stdin"
	SourceSerial = "serial"
)

// Config holds fleetd configuration.
type Config struct {
	Roster    RosterConfig                `mapstructure:"roster" yaml:"roster"`
	Dispatch  DispatchConfig              `mapstructure:"dispatch" yaml:"dispatch"`
	Telemetry TelemetryConfig             `mapstructure:"telemetry" yaml:"telemetry"`
	Transport TransportConfig             `mapstructure:"transport" yaml:"transport"`
	Sim       SimConfig                   `mapstructure:"sim" yaml:"sim"`
	HTTP      HTTPConfig                  `mapstructure:"http" yaml:"http"`
	Metrics   MetricsConfig               `mapstructure:"metrics" yaml:"metrics"`
	Log       LogConfig                   `mapstructure:"log" yaml:"log"`
	Tracing   observability.TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// RosterConfig names the controllable unit and the monitored bank.
type RosterConfig struct {
	Controllable string     `mapstructure:"controllable" yaml:"controllable"`
	Monitored    []string   `mapstructure:"monitored" yaml:"monitored"`
	Home         PoseConfig `mapstructure:"home" yaml:"home"`
}

// PoseConfig is a pose in configuration form.
type PoseConfig struct {
	X     float64 `mapstructure:"x" yaml:"x"`
	Y     float64 `mapstructure:"y" yaml:"y"`
	Theta float64 `mapstructure:"theta" yaml:"theta"`
}

// DispatchConfig tunes command confirmation. An empty Tasks list accepts any
// task reference.
type DispatchConfig struct {
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout" yaml:"confirm_timeout"`
	Tasks          []string      `mapstructure:"tasks" yaml:"tasks"`
}

// TelemetryConfig selects where frames come from and how they are decoded.
type TelemetryConfig struct {
	Source string `mapstructure:"source" yaml:"source"`
	Codec  string `mapstructure:"codec" yaml:"codec"`
}

// TransportConfig selects the outbound command encoding and serial device.
type TransportConfig struct {
	Encoding string `mapstructure:"encoding" yaml:"encoding"`
	Device   string `mapstructure:"device" yaml:"device"`
	Baud     int    `mapstructure:"baud" yaml:"baud"`
}

// SimConfig shapes the in-process simulated fleet.
type SimConfig struct {
	Tick         time.Duration `mapstructure:"tick" yaml:"tick"`
	Speed        float64       `mapstructure:"speed" yaml:"speed"`
	SensorRange  float64       `mapstructure:"sensor_range" yaml:"sensor_range"`
	TaskDuration time.Duration `mapstructure:"task_duration" yaml:"task_duration"`
	Seed         int64         `mapstructure:"seed" yaml:"seed"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Default returns the configuration used when no file or override is given.
func Default() Config {
	return Config{
		Roster: RosterConfig{
			Controllable: "A1",
			Monitored:    []string{"B1", "B2", "B3", "B4"},
		},
		Dispatch: DispatchConfig{
			ConfirmTimeout: core.DefaultConfirmTimeout,
		},
		Telemetry: TelemetryConfig{
			Source: SourceSim,
			Codec:  ingest.CodecCSV,
		},
		Transport: TransportConfig{
			Encoding: "csv",
			Device:   "/dev/ttyUSB0",
			Baud:     115200,
		},
		Sim: SimConfig{
			Tick:         200 * time.Millisecond,
			Speed:        0.5,
			SensorRange:  5,
			TaskDuration: 20 * time.Second,
			Seed:         1,
		},
		HTTP:    HTTPConfig{Addr: ":8080"},
		Metrics: MetricsConfig{Addr: ":9090"},
		Log:     LogConfig{Level: "info", Format: "text"},
		Tracing: observability.TracingConfig{
			ServiceName: "fleetd",
			Exporter:    "stdout",
			SampleRatio: 1,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("roster.controllable", d.Roster.Controllable)
	v.SetDefault("roster.monitored", d.Roster.Monitored)
	v.SetDefault("roster.home.x", d.Roster.Home.X)
	v.SetDefault("roster.home.y", d.Roster.Home.Y)
	v.SetDefault("roster.home.theta", d.Roster.Home.Theta)
	v.SetDefault("dispatch.confirm_timeout", d.Dispatch.ConfirmTimeout)
	v.SetDefault("dispatch.tasks", d.Dispatch.Tasks)
	v.SetDefault("telemetry.source", d.Telemetry.Source)
	v.SetDefault("telemetry.codec", d.Telemetry.Codec)
	v.SetDefault("transport.encoding", d.Transport.Encoding)
	v.SetDefault("transport.device", d.Transport.Device)
	v.SetDefault("transport.baud", d.Transport.Baud)
	v.SetDefault("sim.tick", d.Sim.Tick)
	v.SetDefault("sim.speed", d.Sim.Speed)
	v.SetDefault("sim.sensor_range", d.Sim.SensorRange)
	v.SetDefault("sim.task_duration", d.Sim.TaskDuration)
	v.SetDefault("sim.seed", d.Sim.Seed)
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.sample_ratio", d.Tracing.SampleRatio)
}

// Load reads path, if non-empty, and applies FLEET_ environment overrides.
// Without a path, fleetd.yaml in the working directory is used when present.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("fleetd")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, nil
}

// Validate rejects configurations fleetd cannot start with.
func (c Config) Validate() error {
	if err := kb.ValidateRoster(append([]string{c.Roster.Controllable}, c.Roster.Monitored...)); err != nil {
		return err
	}
	if c.Dispatch.ConfirmTimeout <= 0 {
		return fmt.Errorf("dispatch.confirm_timeout must be positive, got %s", c.Dispatch.ConfirmTimeout)
	}
	if _, err := ingest.NewCodec(c.Telemetry.Codec); err != nil {
		return fmt.Errorf("telemetry.codec: %w", err)
	}
	switch c.Telemetry.Source {
	case SourceSim:
		if c.Sim.Tick <= 0 || c.Sim.Speed <= 0 || c.Sim.SensorRange <= 0 || c.Sim.TaskDuration <= 0 {
			return fmt.Errorf("sim tick, speed, sensor_range and task_duration must be positive")
		}
	case SourceStdin:
		if _, err := transport.NewCodec(c.Transport.Encoding); err != nil {
			return fmt.Errorf("transport.encoding: %w", err)
		}
	case SourceSerial:
		if _, err := transport.NewCodec(c.Transport.Encoding); err != nil {
			return fmt.Errorf("transport.encoding: %w", err)
		}
		if c.Transport.Device == "" || c.Transport.Baud <= 0 {
			return fmt.Errorf("serial source needs transport.device and a positive transport.baud")
		}
	default:
		return fmt.Errorf("telemetry.source %q: want %s, %s or %s", c.Telemetry.Source, SourceSim, SourceStdin, SourceSerial)
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.Tracing.Enabled {
		if err := c.Tracing.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// WriteDefault renders Default() as YAML to path. It refuses to overwrite an
// existing file.
func WriteDefault(path string) error {
	out, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir config dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create config: %w", err)
	}
	if _, err := f.Write(out); err != nil {
		f.Close()
		return fmt.Errorf("write config: %w", err)
	}
	return f.Close()
}
