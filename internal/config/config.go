// Package config loads the relay daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/vmorsell/frame-relay/internal/broadcast"
	"github.com/vmorsell/frame-relay/internal/memguard"
	"github.com/vmorsell/frame-relay/internal/ratelimit"
	"github.com/vmorsell/frame-relay/internal/relay"
	"github.com/vmorsell/frame-relay/internal/slots"
	"github.com/vmorsell/frame-relay/internal/transport"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort       = "8080"
	defaultNATSPrefix = "framerelay"
	defaultSinkQueue  = 256
	defaultSinkWait   = 5 * time.Second

	EnvPort        = "PORT"
	EnvStatusTable = "RELAY_STATUS_TABLE"
	EnvNATSURL     = "RELAY_NATS_URL"
	EnvLogLevel    = "RELAY_LOG_LEVEL"
	EnvConfig      = "RELAY_CONFIG"
)

// Duration is a time.Duration written as a string such as "10s" in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	Port        string           `yaml:"port"`
	LogLevel    string           `yaml:"log_level"`
	LogFormat   string           `yaml:"log_format"`
	Relay       RelayConfig      `yaml:"relay"`
	Producers   ProducerConfig   `yaml:"producers"`
	Subscribers SubscriberConfig `yaml:"subscribers"`
	Sinks       SinkConfig       `yaml:"sinks"`
}

type RelayConfig struct {
	Slots          int      `yaml:"slots"`
	FrameCapacity  int      `yaml:"frame_capacity"`
	ChunkSize      int      `yaml:"chunk_size"`
	ChunkYield     Duration `yaml:"chunk_yield"`
	ClientTimeout  Duration `yaml:"client_timeout"`
	SampleInterval Duration `yaml:"sample_interval"`
	SafetyMargin   uint64   `yaml:"safety_margin"`
	LowWatermark   uint64   `yaml:"low_watermark"`
	ResetThreshold int      `yaml:"reset_threshold"`
	MotionHold     Duration `yaml:"motion_hold"`
	IdleBackoff    Duration `yaml:"idle_backoff"`
	// MemoryBudget is the heap budget memory headroom is measured against.
	MemoryBudget uint64 `yaml:"memory_budget"`
}

type ProducerConfig struct {
	ReadTimeout    Duration `yaml:"read_timeout"`
	MaxMessageSize int64    `yaml:"max_message_size"`
	RateLimit      int      `yaml:"rate_limit"`
	RateWindow     Duration `yaml:"rate_window"`
}

type SubscriberConfig struct {
	QueueSize int `yaml:"queue_size"`
}

type SinkConfig struct {
	QueueSize   int      `yaml:"queue_size"`
	Timeout     Duration `yaml:"timeout"`
	StatusTable string   `yaml:"status_table"`
	NATSURL     string   `yaml:"nats_url"`
	NATSPrefix  string   `yaml:"nats_prefix"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	rc := relay.DefaultConfig()
	return Config{
		Port:      defaultPort,
		LogLevel:  "info",
		LogFormat: "json",
		Relay: RelayConfig{
			Slots:          rc.Slots.Capacity,
			FrameCapacity:  rc.Slots.FrameCapacity,
			ChunkSize:      rc.ChunkSize,
			ClientTimeout:  Duration(rc.ClientTimeout),
			SampleInterval: Duration(rc.SampleInterval),
			SafetyMargin:   rc.Slots.SafetyMargin,
			LowWatermark:   rc.LowWatermark,
			ResetThreshold: rc.ResetThreshold,
			MotionHold:     Duration(rc.MotionHold),
			IdleBackoff:    Duration(rc.IdleBackoff),
			MemoryBudget:   memguard.DefaultBudget,
		},
		Producers: ProducerConfig{
			ReadTimeout:    Duration(transport.DefaultReadTimeout),
			MaxMessageSize: transport.DefaultMaxMessageSize,
			RateLimit:      ratelimit.DefaultConnectionRateLimit,
			RateWindow:     Duration(ratelimit.DefaultWindowSize),
		},
		Subscribers: SubscriberConfig{
			QueueSize: broadcast.DefaultQueueSize,
		},
		Sinks: SinkConfig{
			QueueSize:  defaultSinkQueue,
			Timeout:    Duration(defaultSinkWait),
			NATSPrefix: defaultNATSPrefix,
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if val := getenv(EnvPort); val != "" {
		c.Port = val
	}
	if val := getenv(EnvStatusTable); val != "" {
		c.Sinks.StatusTable = val
	}
	if val := getenv(EnvNATSURL); val != "" {
		c.Sinks.NATSURL = val
	}
	if val := getenv(EnvLogLevel); val != "" {
		c.LogLevel = val
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log_format %q is not one of json, console", c.LogFormat))
	}

	r := c.Relay
	if r.Slots <= 0 {
		errs = append(errs, errors.New("relay.slots must be positive"))
	}
	if r.FrameCapacity <= 0 {
		errs = append(errs, errors.New("relay.frame_capacity must be positive"))
	}
	if r.ChunkSize <= 0 || r.ChunkSize > r.FrameCapacity {
		errs = append(errs, fmt.Errorf("relay.chunk_size must be in (0, %d]", r.FrameCapacity))
	}
	if r.ClientTimeout <= 0 {
		errs = append(errs, errors.New("relay.client_timeout must be positive"))
	}
	if r.SampleInterval <= 0 {
		errs = append(errs, errors.New("relay.sample_interval must be positive"))
	}
	if r.ResetThreshold <= 0 {
		errs = append(errs, errors.New("relay.reset_threshold must be positive"))
	}
	if r.MotionHold < 0 {
		errs = append(errs, errors.New("relay.motion_hold must not be negative"))
	}
	switch {
	case r.MemoryBudget == 0:
		errs = append(errs, errors.New("relay.memory_budget must be positive"))
	case r.MemoryBudget < uint64(r.FrameCapacity)+r.SafetyMargin:
		errs = append(errs, errors.New("relay.memory_budget is below the admission threshold"))
	}

	if c.Producers.MaxMessageSize < int64(r.FrameCapacity) {
		errs = append(errs, errors.New("producers.max_message_size must be at least relay.frame_capacity"))
	}
	if c.Producers.RateLimit <= 0 {
		errs = append(errs, errors.New("producers.rate_limit must be positive"))
	}
	if c.Subscribers.QueueSize <= 0 {
		errs = append(errs, errors.New("subscribers.queue_size must be positive"))
	}
	if c.Sinks.QueueSize <= 0 {
		errs = append(errs, errors.New("sinks.queue_size must be positive"))
	}
	return errors.Join(errs...)
}

// RelayOptions converts the relay section to relay.Config.
func (c Config) RelayOptions() relay.Config {
	r := c.Relay
	return relay.Config{
		Slots: slots.Config{
			Capacity:      r.Slots,
			FrameCapacity: r.FrameCapacity,
			SafetyMargin:  r.SafetyMargin,
		},
		ChunkSize:      r.ChunkSize,
		ChunkYield:     r.ChunkYield.Std(),
		ClientTimeout:  r.ClientTimeout.Std(),
		SampleInterval: r.SampleInterval.Std(),
		LowWatermark:   r.LowWatermark,
		ResetThreshold: r.ResetThreshold,
		MotionHold:     r.MotionHold.Std(),
		IdleBackoff:    r.IdleBackoff.Std(),
	}
}

// TransportOptions converts the producer section to transport.Options.
func (c Config) TransportOptions() transport.Options {
	return transport.Options{
		ReadTimeout:    c.Producers.ReadTimeout.Std(),
		MaxMessageSize: c.Producers.MaxMessageSize,
	}
}

// Addr is the HTTP listen address.
func (c Config) Addr() string { return ":" + c.Port }
