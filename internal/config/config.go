// Package config loads supervisor and runner configuration from defaults, an
// optional YAML file and environment variables, in increasing precedence.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Environment variable prefixes. Nested keys use underscores, so
// poll.interval is read from SUPERVISOR_POLL_INTERVAL.
const (
	SupervisorEnvPrefix = "SUPERVISOR"
	RunnerEnvPrefix     = "RUNNER"
)

// ServiceConfig holds configuration for the supervisor service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	LogLevel          slog.Level

	Poll       PollConfig
	Liveness   LivenessConfig
	Store      StoreConfig
	Dispatcher DispatcherConfig

	MinCurrentVersion string // Oldest runner version that speaks the current dialect
}

// PollConfig paces runner polling.
type PollConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	Rate     float64 // polls per second across all jobs, 0 for unlimited
	Burst    int
}

// LivenessConfig bounds how long a runner may stay silent. Zero disables a check.
type LivenessConfig struct {
	QuietCeiling       time.Duration
	MaxFailures        int
	UnreachableTimeout time.Duration
}

// StoreConfig selects the job store.
type StoreConfig struct {
	Driver    string
	Path      string
	RedisAddr string
	RedisDB   int
}

// DispatcherConfig tunes callback delivery.
type DispatcherConfig struct {
	BufferSize  int
	Workers     int
	HTTPTimeout time.Duration
	MaxRetries  int
}

// RunnerConfig holds configuration for the runner agent.
type RunnerConfig struct {
	Listen        string
	Version       string // Reported by the healthcheck
	Legacy        bool
	StatsInterval time.Duration
	StopTimeout   time.Duration
	AlwaysPull    bool
	ExtraHosts    []string
	LogLevel      slog.Level
}

// SetServiceDefaults registers supervisor defaults on v.
func SetServiceDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.metrics_port", "9090")
	v.SetDefault("server.shutdown_drain_wait", 5*time.Second)
	v.SetDefault("api.key_file", "")
	v.SetDefault("log.level", "info")

	v.SetDefault("poll.interval", 2*time.Second)
	v.SetDefault("poll.timeout", 5*time.Second)
	v.SetDefault("poll.rate", 0.0)
	v.SetDefault("poll.burst", 10)

	v.SetDefault("liveness.quiet_ceiling", 0)
	v.SetDefault("liveness.max_failures", 30)
	v.SetDefault("liveness.unreachable_timeout", 0)

	v.SetDefault("protocol.min_current_version", "0.19.0")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "jobsupervisor.db")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_db", 0)

	v.SetDefault("dispatcher.buffer_size", 10000)
	v.SetDefault("dispatcher.workers", 10)
	v.SetDefault("dispatcher.http_timeout", 10*time.Second)
	v.SetDefault("dispatcher.max_retries", 3)
}

// SetRunnerDefaults registers runner defaults on v.
func SetRunnerDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":10999")
	v.SetDefault("version", "0.19.0")
	v.SetDefault("legacy", false)
	v.SetDefault("stats_interval", 10*time.Second)
	v.SetDefault("stop_timeout", 10*time.Second)
	v.SetDefault("docker.always_pull", false)
	v.SetDefault("docker.extra_hosts", []string{})
	v.SetDefault("log.level", "info")
}

// New creates a viper instance reading env vars with prefix and, when
// configFile is set, the YAML file it names.
func New(prefix, configFile string, defaults func(*viper.Viper)) (*viper.Viper, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return v, nil
}

// LoadService reads the supervisor configuration from v.
func LoadService(v *viper.Viper) (*ServiceConfig, error) {
	level, err := ParseLevel(v.GetString("log.level"))
	if err != nil {
		return nil, err
	}

	cfg := &ServiceConfig{
		Port:              v.GetString("server.port"),
		MetricsPort:       v.GetString("server.metrics_port"),
		APIKey:            GetSecretFile(v.GetString("api.key_file")),
		ShutdownDrainWait: v.GetDuration("server.shutdown_drain_wait"),
		LogLevel:          level,
		Poll: PollConfig{
			Interval: v.GetDuration("poll.interval"),
			Timeout:  v.GetDuration("poll.timeout"),
			Rate:     v.GetFloat64("poll.rate"),
			Burst:    v.GetInt("poll.burst"),
		},
		Liveness: LivenessConfig{
			QuietCeiling:       v.GetDuration("liveness.quiet_ceiling"),
			MaxFailures:        v.GetInt("liveness.max_failures"),
			UnreachableTimeout: v.GetDuration("liveness.unreachable_timeout"),
		},
		Store: StoreConfig{
			Driver:    v.GetString("store.driver"),
			Path:      v.GetString("store.path"),
			RedisAddr: v.GetString("store.redis_addr"),
			RedisDB:   v.GetInt("store.redis_db"),
		},
		Dispatcher: DispatcherConfig{
			BufferSize:  v.GetInt("dispatcher.buffer_size"),
			Workers:     v.GetInt("dispatcher.workers"),
			HTTPTimeout: v.GetDuration("dispatcher.http_timeout"),
			MaxRetries:  v.GetInt("dispatcher.max_retries"),
		},
		MinCurrentVersion: v.GetString("protocol.min_current_version"),
	}

	if cfg.Poll.Interval <= 0 {
		return nil, fmt.Errorf("poll.interval must be positive, got %s", cfg.Poll.Interval)
	}
	if cfg.Poll.Rate < 0 {
		return nil, fmt.Errorf("poll.rate must not be negative")
	}
	if cfg.Liveness.MaxFailures < 0 {
		return nil, fmt.Errorf("liveness.max_failures must not be negative")
	}
	return cfg, nil
}

// LoadRunner reads the runner agent configuration from v.
func LoadRunner(v *viper.Viper) (*RunnerConfig, error) {
	level, err := ParseLevel(v.GetString("log.level"))
	if err != nil {
		return nil, err
	}
	return &RunnerConfig{
		Listen:        v.GetString("listen"),
		Version:       v.GetString("version"),
		Legacy:        v.GetBool("legacy"),
		StatsInterval: v.GetDuration("stats_interval"),
		StopTimeout:   v.GetDuration("stop_timeout"),
		AlwaysPull:    v.GetBool("docker.always_pull"),
		ExtraHosts:    v.GetStringSlice("docker.extra_hosts"),
		LogLevel:      level,
	}, nil
}

// ParseLevel maps debug|info|warn|error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
