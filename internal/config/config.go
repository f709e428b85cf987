// Package config loads the settings shared by the registry, coordinator and
// worker binaries.
//
// Values come from defaults, then an optional YAML file, then environment
// variables prefixed AIRGRID with dots replaced by underscores, e.g.
// AIRGRID_WORKER_LISTEN or AIRGRID_NET_IO_TIMEOUT.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const envPrefix = "AIRGRID"

type Config struct {
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Net         NetConfig         `mapstructure:"net" yaml:"net"`
	Registry    RegistryConfig    `mapstructure:"registry" yaml:"registry"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`
	Worker      WorkerConfig      `mapstructure:"worker" yaml:"worker"`
	Admin       AdminConfig       `mapstructure:"admin" yaml:"admin"`
}

type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

type NetConfig struct {
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	IOTimeout   time.Duration `mapstructure:"io_timeout" yaml:"io_timeout"`
	MaxConns    int           `mapstructure:"max_conns" yaml:"max_conns"`
}

type RegistryConfig struct {
	Listen       string `mapstructure:"listen" yaml:"listen"`
	ElectionSeed string `mapstructure:"election_seed" yaml:"election_seed"`
}

type CoordinatorConfig struct {
	Listen         string        `mapstructure:"listen" yaml:"listen"`
	Advertise      string        `mapstructure:"advertise" yaml:"advertise"`
	Registry       string        `mapstructure:"registry" yaml:"registry"`
	Capacity       float64       `mapstructure:"capacity" yaml:"capacity"`
	JoinAttempts   int           `mapstructure:"join_attempts" yaml:"join_attempts"`
	PendingTTL     time.Duration `mapstructure:"pending_ttl" yaml:"pending_ttl"`
	HealthInterval time.Duration `mapstructure:"health_interval" yaml:"health_interval"`
}

type WorkerConfig struct {
	Listen       string  `mapstructure:"listen" yaml:"listen"`
	Advertise    string  `mapstructure:"advertise" yaml:"advertise"`
	Registry     string  `mapstructure:"registry" yaml:"registry"`
	Coordinator  string  `mapstructure:"coordinator" yaml:"coordinator"`
	Capacity     float64 `mapstructure:"capacity" yaml:"capacity"`
	JoinAttempts int     `mapstructure:"join_attempts" yaml:"join_attempts"`
}

// AdminConfig configures the HTTP surface. An empty Addr disables it.
type AdminConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("net.dial_timeout", 5*time.Second)
	v.SetDefault("net.io_timeout", 5*time.Second)
	v.SetDefault("net.max_conns", 64)

	v.SetDefault("registry.listen", ":12345")
	v.SetDefault("registry.election_seed", "192.168.1.104")

	v.SetDefault("coordinator.listen", ":12459")
	v.SetDefault("coordinator.advertise", "127.0.0.1:12459")
	v.SetDefault("coordinator.registry", "127.0.0.1:12345")
	v.SetDefault("coordinator.capacity", 0.8)
	v.SetDefault("coordinator.join_attempts", 10)
	v.SetDefault("coordinator.pending_ttl", time.Minute)
	v.SetDefault("coordinator.health_interval", 5*time.Second)

	v.SetDefault("worker.listen", ":12346")
	v.SetDefault("worker.advertise", "127.0.0.1:12346")
	v.SetDefault("worker.registry", "127.0.0.1:12345")
	v.SetDefault("worker.coordinator", "127.0.0.1:12459")
	v.SetDefault("worker.capacity", 0.7)
	v.SetDefault("worker.join_attempts", 10)

	v.SetDefault("admin.addr", "")
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment are used.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	var errs []error
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Net.DialTimeout <= 0 {
		errs = append(errs, errors.New("net.dial_timeout must be positive"))
	}
	if c.Net.IOTimeout <= 0 {
		errs = append(errs, errors.New("net.io_timeout must be positive"))
	}
	if c.Net.MaxConns <= 0 {
		errs = append(errs, errors.New("net.max_conns must be positive"))
	}
	if c.Registry.Listen == "" {
		errs = append(errs, errors.New("registry.listen is required"))
	}
	if c.Coordinator.Listen == "" || c.Coordinator.Advertise == "" || c.Coordinator.Registry == "" {
		errs = append(errs, errors.New("coordinator.listen, advertise and registry are required"))
	}
	if c.Worker.Listen == "" || c.Worker.Advertise == "" || c.Worker.Registry == "" {
		errs = append(errs, errors.New("worker.listen, advertise and registry are required"))
	}
	if !validCapacity(c.Coordinator.Capacity) {
		errs = append(errs, fmt.Errorf("coordinator.capacity %v outside [0,1]", c.Coordinator.Capacity))
	}
	if !validCapacity(c.Worker.Capacity) {
		errs = append(errs, fmt.Errorf("worker.capacity %v outside [0,1]", c.Worker.Capacity))
	}
	if c.Coordinator.PendingTTL <= 0 {
		errs = append(errs, errors.New("coordinator.pending_ttl must be positive"))
	}
	if c.Coordinator.HealthInterval <= 0 {
		errs = append(errs, errors.New("coordinator.health_interval must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func validCapacity(v float64) bool {
	return v >= 0 && v <= 1
}

// YAML renders the effective configuration, suitable as a config file.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// MarshalYAML writes durations as strings such as "5s" so the output loads back.
func (n NetConfig) MarshalYAML() (any, error) {
	return struct {
		DialTimeout string `yaml:"dial_timeout"`
		IOTimeout   string `yaml:"io_timeout"`
		MaxConns    int    `yaml:"max_conns"`
	}{n.DialTimeout.String(), n.IOTimeout.String(), n.MaxConns}, nil
}

// MarshalYAML writes durations as strings.
func (c CoordinatorConfig) MarshalYAML() (any, error) {
	return struct {
		Listen         string  `yaml:"listen"`
		Advertise      string  `yaml:"advertise"`
		Registry       string  `yaml:"registry"`
		Capacity       float64 `yaml:"capacity"`
		JoinAttempts   int     `yaml:"join_attempts"`
		PendingTTL     string  `yaml:"pending_ttl"`
		HealthInterval string  `yaml:"health_interval"`
	}{
		c.Listen, c.Advertise, c.Registry, c.Capacity, c.JoinAttempts,
		c.PendingTTL.String(), c.HealthInterval.String(),
	}, nil
}
