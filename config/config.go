package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const EnvPrefix = "IM_REALTIME"

type Config struct {
	Service ServiceConfig `mapstructure:"service"`
	Log     LogConfig     `mapstructure:"log"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	GRPC    GRPCConfig    `mapstructure:"grpc"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Session SessionConfig `mapstructure:"session"`
	Breaker BreakerConfig `mapstructure:"breaker"`
	AMQP    AMQPConfig    `mapstructure:"amqp"`
	Tracing TracingConfig `mapstructure:"tracing"`

	v *viper.Viper
}

type ServiceConfig struct {
	ID string `mapstructure:"id"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | text
	File   string `mapstructure:"file"`
	// Rotation, applies when File is set.
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
	// OTel tees records into the OpenTelemetry log bridge.
	OTel bool `mapstructure:"otel"`
}

type HTTPConfig struct {
	Address         string        `mapstructure:"address"`
	WSPath          string        `mapstructure:"ws_path"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type GRPCConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Address        string        `mapstructure:"address"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type StreamConfig struct {
	MaxLen      int64         `mapstructure:"max_len"`
	ReadCount   int64         `mapstructure:"read_count"`
	MinBlock    time.Duration `mapstructure:"min_block"`
	MaxBlock    time.Duration `mapstructure:"max_block"`
	BlockFactor float64       `mapstructure:"block_factor"`
	Codec       string        `mapstructure:"codec"` // json | cbor
	DraftTTL    time.Duration `mapstructure:"draft_ttl"`
	CacheSize   int           `mapstructure:"cache_size"`
}

type SessionConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PingTimeout    time.Duration `mapstructure:"ping_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	CheckInterval  time.Duration `mapstructure:"check_interval"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	CleanupTimeout time.Duration `mapstructure:"cleanup_timeout"`
	CleanupWorkers int           `mapstructure:"cleanup_workers"`
}

type BreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

type AMQPConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	URL         string `mapstructure:"url"`
	Exchange    string `mapstructure:"exchange"`
	QueueSuffix string `mapstructure:"queue_suffix"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	Exporter    string  `mapstructure:"exporter"` // none | stdout
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.id", "im-realtime-1")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("log.compress", true)

	v.SetDefault("http.address", ":8080")
	v.SetDefault("http.ws_path", "/ws")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("grpc.address", ":9090")
	v.SetDefault("grpc.health_interval", 5*time.Second)

	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("stream.max_len", 50)
	v.SetDefault("stream.read_count", 250)
	v.SetDefault("stream.min_block", 5*time.Millisecond)
	v.SetDefault("stream.max_block", 30*time.Second)
	v.SetDefault("stream.block_factor", 1.5)
	v.SetDefault("stream.codec", "json")
	v.SetDefault("stream.draft_ttl", time.Hour)
	v.SetDefault("stream.cache_size", 10000)

	v.SetDefault("session.ping_interval", 15*time.Second)
	v.SetDefault("session.ping_timeout", 5*time.Second)
	v.SetDefault("session.idle_timeout", 300*time.Second)
	v.SetDefault("session.check_interval", time.Second)
	v.SetDefault("session.write_timeout", 10*time.Second)
	v.SetDefault("session.max_message_size", 1<<20)
	v.SetDefault("session.cleanup_timeout", 10*time.Second)
	v.SetDefault("session.cleanup_workers", 8)

	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.consecutive_failures", 5)
	v.SetDefault("breaker.timeout", 5*time.Second)

	v.SetDefault("amqp.exchange", "im_realtime.publish")
	v.SetDefault("amqp.queue_suffix", "im-realtime")

	v.SetDefault("tracing.sample_ratio", 0.1)
	v.SetDefault("tracing.exporter", "none")
}

// LoadConfig reads defaults, the optional file at path and IM_REALTIME_*
// environment overrides, in increasing priority.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{v: v}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the transport cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Redis.URL == "" {
		errs = append(errs, errors.New("redis.url is required"))
	}
	if c.Stream.MaxLen <= 0 {
		errs = append(errs, errors.New("stream.max_len must be positive"))
	}
	if c.Stream.MinBlock <= 0 || c.Stream.MaxBlock < c.Stream.MinBlock {
		errs = append(errs, fmt.Errorf("stream block bounds invalid: min=%s max=%s", c.Stream.MinBlock, c.Stream.MaxBlock))
	}
	if c.Stream.BlockFactor <= 1 {
		errs = append(errs, errors.New("stream.block_factor must be greater than 1"))
	}
	switch c.Stream.Codec {
	case "json", "cbor":
	default:
		errs = append(errs, fmt.Errorf("stream.codec %q is not supported", c.Stream.Codec))
	}
	if c.Session.PingInterval <= 0 || c.Session.PingTimeout <= 0 || c.Session.IdleTimeout <= 0 {
		errs = append(errs, errors.New("session timeouts must be positive"))
	}
	if c.AMQP.Enabled && c.AMQP.URL == "" {
		errs = append(errs, errors.New("amqp.url is required when amqp is enabled"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be within [0,1]"))
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout":
	default:
		errs = append(errs, fmt.Errorf("tracing.exporter %q is not supported", c.Tracing.Exporter))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Watch re-reads the config file on change and hands the new log level to
// onLevel. Other settings need a restart. No-op without a config file.
func (c *Config) Watch(onLevel func(level string)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}

	c.v.OnConfigChange(func(_ fsnotify.Event) {
		onLevel(c.v.GetString("log.level"))
	})
	c.v.WatchConfig()
}
