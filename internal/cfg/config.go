// Package cfg defines the daemon's configuration surface and binds it to
// cobra/pflag/viper: flag > env > YAML file > default.
package cfg

import (
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the whole daemon configuration, unmarshaled from a YAML file
// (if given via --config) and overridable by flags.
type Config struct {
	Listen   ListenConfig   `yaml:"listen" mapstructure:"listen"`
	Tiers    []TierConfig   `yaml:"tiers" mapstructure:"tiers"`
	URI      URIConfig      `yaml:"uri" mapstructure:"uri"`
	DRef     DRefConfig     `yaml:"dref" mapstructure:"dref"`
	Promoter PromoterConfig `yaml:"promoter" mapstructure:"promoter"`
	Engine   EngineConfig   `yaml:"engine" mapstructure:"engine"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	Metrics  MetricsConfig  `yaml:"metrics" mapstructure:"metrics"`
}

type ListenConfig struct {
	SocketPath string `yaml:"socket-path" mapstructure:"socket-path"`
}

type TierConfig struct {
	ID            string     `yaml:"id" mapstructure:"id"`
	Name          string     `yaml:"name" mapstructure:"name"`
	MountRoot     string     `yaml:"mount-root" mapstructure:"mount-root"`
	CapacityBytes ByteSize   `yaml:"capacity-bytes" mapstructure:"capacity-bytes"`
	Policy        TierPolicy `yaml:"policy" mapstructure:"policy"`
	Weight        int        `yaml:"weight" mapstructure:"weight"`
	Roles         []TierRole `yaml:"roles" mapstructure:"roles"`
}

type URIConfig struct {
	MaxBytes int `yaml:"max-bytes" mapstructure:"max-bytes"`
}

type DRefConfig struct {
	MaxOpenDescriptors int64 `yaml:"max-open-descriptors" mapstructure:"max-open-descriptors"`
}

type PromoterConfig struct {
	TickInterval     time.Duration `yaml:"tick-interval" mapstructure:"tick-interval"`
	HalfLife         time.Duration `yaml:"half-life" mapstructure:"half-life"`
	PromoteThreshold float64       `yaml:"promote-threshold" mapstructure:"promote-threshold"`
	DemoteThreshold  float64       `yaml:"demote-threshold" mapstructure:"demote-threshold"`
	LowWaterTarget   float64       `yaml:"low-water-target" mapstructure:"low-water-target"`
	HighWaterMark    float64       `yaml:"high-water-mark" mapstructure:"high-water-mark"`
	// MigrationBytesPerSec caps promotion/demotion copy throughput; zero
	// means unlimited.
	MigrationBytesPerSec float64 `yaml:"migration-bytes-per-sec" mapstructure:"migration-bytes-per-sec"`
}

type EngineConfig struct {
	IdleTimeout      time.Duration `yaml:"idle-timeout" mapstructure:"idle-timeout"`
	MaxPipelineDepth uint16        `yaml:"max-pipeline-depth" mapstructure:"max-pipeline-depth"`
}

type LogConfig struct {
	Level      LogLevel `yaml:"level" mapstructure:"level"`
	Format     string   `yaml:"format" mapstructure:"format"` // "text" or "json"
	Path       string   `yaml:"path" mapstructure:"path"`
	MaxSizeMB  int      `yaml:"max-size-mb" mapstructure:"max-size-mb"`
	MaxBackups int      `yaml:"max-backups" mapstructure:"max-backups"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen-addr" mapstructure:"listen-addr"`
}

// Default returns the configuration used when no file or flags override it.
func Default() Config {
	return Config{
		Listen: ListenConfig{SocketPath: "/run/objmapperd/objmapperd.sock"},
		URI:    URIConfig{MaxBytes: 4096},
		DRef:   DRefConfig{MaxOpenDescriptors: 4096},
		Promoter: PromoterConfig{
			TickInterval:         time.Second,
			HalfLife:             5 * time.Minute,
			PromoteThreshold:     0.7,
			DemoteThreshold:      0.2,
			LowWaterTarget:       0.8,
			HighWaterMark:        0.95,
			MigrationBytesPerSec: 0,
		},
		Engine: EngineConfig{
			IdleTimeout:      10 * time.Minute,
			MaxPipelineDepth: 32,
		},
		Log: LogConfig{Level: LogInfo, Format: "json", MaxSizeMB: 100, MaxBackups: 5},
	}
}

// BindFlags registers the daemon's command-line flags and binds each to
// its viper key.
func BindFlags(flagSet *pflag.FlagSet) error {
	d := Default()

	flagSet.String("listen.socket-path", d.Listen.SocketPath, "Unix domain socket path to listen on.")
	if err := viper.BindPFlag("listen.socket-path", flagSet.Lookup("listen.socket-path")); err != nil {
		return err
	}

	flagSet.Int("uri.max-bytes", d.URI.MaxBytes, "Maximum accepted URI length in bytes.")
	if err := viper.BindPFlag("uri.max-bytes", flagSet.Lookup("uri.max-bytes")); err != nil {
		return err
	}

	flagSet.Int64("dref.max-open-descriptors", d.DRef.MaxOpenDescriptors, "Upper bound on concurrently open kernel descriptors.")
	if err := viper.BindPFlag("dref.max-open-descriptors", flagSet.Lookup("dref.max-open-descriptors")); err != nil {
		return err
	}

	flagSet.Duration("promoter.tick-interval", d.Promoter.TickInterval, "Promoter worker wake interval.")
	if err := viper.BindPFlag("promoter.tick-interval", flagSet.Lookup("promoter.tick-interval")); err != nil {
		return err
	}

	flagSet.Float64("promoter.migration-bytes-per-sec", d.Promoter.MigrationBytesPerSec, "Migration copy bandwidth cap in bytes/sec; 0 disables the limit.")
	if err := viper.BindPFlag("promoter.migration-bytes-per-sec", flagSet.Lookup("promoter.migration-bytes-per-sec")); err != nil {
		return err
	}

	flagSet.Duration("engine.idle-timeout", d.Engine.IdleTimeout, "Idle connection timeout.")
	if err := viper.BindPFlag("engine.idle-timeout", flagSet.Lookup("engine.idle-timeout")); err != nil {
		return err
	}

	flagSet.Uint16("engine.max-pipeline-depth", d.Engine.MaxPipelineDepth, "Maximum in-flight v2 requests per connection.")
	if err := viper.BindPFlag("engine.max-pipeline-depth", flagSet.Lookup("engine.max-pipeline-depth")); err != nil {
		return err
	}

	flagSet.String("log.level", string(d.Log.Level), "Log level: debug, info, warning, error, off.")
	if err := viper.BindPFlag("log.level", flagSet.Lookup("log.level")); err != nil {
		return err
	}

	flagSet.String("log.path", d.Log.Path, "Log file path; empty means stderr.")
	if err := viper.BindPFlag("log.path", flagSet.Lookup("log.path")); err != nil {
		return err
	}

	flagSet.String("log.format", d.Log.Format, "Log output format: text or json.")
	if err := viper.BindPFlag("log.format", flagSet.Lookup("log.format")); err != nil {
		return err
	}

	flagSet.String("metrics.listen-addr", d.Metrics.ListenAddr, "HTTP address to serve Prometheus metrics on; empty disables it.")
	return viper.BindPFlag("metrics.listen-addr", flagSet.Lookup("metrics.listen-addr"))
}

// Load unmarshals v (already populated from a config file and/or bound
// flags) into a Config, applying defaults for anything left unset and
// routing enum fields through hookFunc.
func Load(v *viper.Viper) (Config, error) {
	cfgOut := Default()
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		hookFunc(),
	)
	if err := v.Unmarshal(&cfgOut, viper.DecodeHook(decodeHook)); err != nil {
		return Config{}, err
	}
	return cfgOut, nil
}

// DumpYAML renders the effective configuration as YAML, for the
// `objmapperd --print-config` diagnostic flag: an operator can see exactly
// what flags/env/file resolved to before the daemon binds its socket.
func (c Config) DumpYAML() (string, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
