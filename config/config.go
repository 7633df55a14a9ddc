// Package config loads service settings from the environment and an
// optional bulkload.yaml file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"bulkload/internal/stream"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	configName = "bulkload"
	configType = "yaml"
)

// Info sink kinds.
const (
	SinkNone  = "none"
	SinkLog   = "log"
	SinkRedis = "redis"
	SinkKafka = "kafka"
)

// Defaults.
const (
	DefaultServerPort         = 8080
	DefaultDBDriver           = "sqlite"
	DefaultSQLitePath         = ":memory:"
	DefaultDataSources        = "TEST,SEARCH"
	DefaultDataSourceCacheTTL = 5 * time.Minute
	DefaultEngineConcurrency  = 4
	DefaultCacheMemoryLimit   = "32MB"
	DefaultCacheSegmentSize   = "64KB"
	DefaultPipeSize           = "10MB"
	DefaultProgressPeriodMS   = 3000
	DefaultEOFSendTimeoutSec  = 3
	DefaultSinkRetryAttempts  = 3
	DefaultKafkaTopic         = "bulkload-info"
)

// Config holds every service setting. Field tags use mapstructure for viper
// unmarshalling; each key is also read from the upper-cased environment
// variable of the same name.
type Config struct {
	ServerPort int    `mapstructure:"server_port"`
	LogFormat  string `mapstructure:"log_format"`

	DBDriver   string `mapstructure:"db_driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
	RealDBHost string `mapstructure:"real_db_host"`
	RealDBPort string `mapstructure:"real_db_port"`
	RealDBUser string `mapstructure:"real_db_user"`
	RealDBPass string `mapstructure:"real_db_pass"`
	RealDBName string `mapstructure:"real_db_name"`

	DataSources        string        `mapstructure:"data_sources"`
	DataSourceCacheTTL time.Duration `mapstructure:"data_source_cache_ttl"`

	EngineConcurrency int    `mapstructure:"engine_concurrency"`
	CacheMemoryLimit  string `mapstructure:"cache_memory_limit"`
	CacheSegmentSize  string `mapstructure:"cache_segment_size"`
	CacheDir          string `mapstructure:"cache_dir"`
	PipeSize          string `mapstructure:"pipe_size"`
	ProgressPeriodMS  int    `mapstructure:"progress_period_ms"`
	EOFSendTimeoutSec int    `mapstructure:"eof_send_timeout_sec"`

	InfoSink          string `mapstructure:"info_sink"`
	RedisAddr         string `mapstructure:"redis_addr"`
	RedisKey          string `mapstructure:"redis_key"`
	KafkaBrokers      string `mapstructure:"kafka_brokers"`
	KafkaTopic        string `mapstructure:"kafka_topic"`
	SinkRetryAttempts uint   `mapstructure:"sink_retry_attempts"`
}

// Load reads configuration from file, env vars, and defaults.
// If configPath is non-empty, it is used as the explicit config file path.
// Otherwise bulkload.yaml is searched in the working directory.
// Missing config file is not an error; defaults are used.
func Load(configPath string) (*Config, error) {
	return LoadWithFlags(configPath, nil)
}

// LoadWithFlags is Load with command line flags taking precedence over every
// other source. A flag overrides the key of the same name, with dashes read
// as underscores; other flags are ignored.
func LoadWithFlags(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	applyDefaults(v)

	if flags != nil {
		known := make(map[string]bool)
		for _, key := range v.AllKeys() {
			known[key] = true
		}
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if !known[key] || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(key, f)
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	v.SetConfigType(configType)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("server_port", DefaultServerPort)
	v.SetDefault("log_format", "console")

	v.SetDefault("db_driver", DefaultDBDriver)
	v.SetDefault("sqlite_path", DefaultSQLitePath)
	v.SetDefault("real_db_host", "")
	v.SetDefault("real_db_port", "3306")
	v.SetDefault("real_db_user", "")
	v.SetDefault("real_db_pass", "")
	v.SetDefault("real_db_name", "")

	v.SetDefault("data_sources", DefaultDataSources)
	v.SetDefault("data_source_cache_ttl", DefaultDataSourceCacheTTL)

	v.SetDefault("engine_concurrency", DefaultEngineConcurrency)
	v.SetDefault("cache_memory_limit", DefaultCacheMemoryLimit)
	v.SetDefault("cache_segment_size", DefaultCacheSegmentSize)
	v.SetDefault("cache_dir", "")
	v.SetDefault("pipe_size", DefaultPipeSize)
	v.SetDefault("progress_period_ms", DefaultProgressPeriodMS)
	v.SetDefault("eof_send_timeout_sec", DefaultEOFSendTimeoutSec)

	v.SetDefault("info_sink", SinkNone)
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_key", "bulkload:info")
	v.SetDefault("kafka_brokers", "localhost:9092")
	v.SetDefault("kafka_topic", DefaultKafkaTopic)
	v.SetDefault("sink_retry_attempts", DefaultSinkRetryAttempts)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("server_port must be between 1 and 65535, got %d", c.ServerPort)
	}
	switch c.DBDriver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("db_driver must be sqlite or mysql, got %q", c.DBDriver)
	}
	if c.EngineConcurrency < 1 {
		return fmt.Errorf("engine_concurrency must be positive, got %d", c.EngineConcurrency)
	}
	if c.ProgressPeriodMS < 0 {
		return fmt.Errorf("progress_period_ms must not be negative, got %d", c.ProgressPeriodMS)
	}
	if c.EOFSendTimeoutSec < 0 {
		return fmt.Errorf("eof_send_timeout_sec must not be negative, got %d", c.EOFSendTimeoutSec)
	}
	switch c.InfoSink {
	case SinkNone, SinkLog, SinkRedis, SinkKafka:
	default:
		return fmt.Errorf("info_sink must be one of none, log, redis, kafka, got %q", c.InfoSink)
	}
	if _, err := c.StreamCacheConfig(); err != nil {
		return err
	}
	if _, err := c.PipeBytes(); err != nil {
		return err
	}
	return nil
}

// StreamCacheConfig converts the humanized cache sizes.
func (c *Config) StreamCacheConfig() (stream.CacheConfig, error) {
	cfg := stream.DefaultCacheConfig()

	limit, err := humanize.ParseBytes(c.CacheMemoryLimit)
	if err != nil {
		return cfg, fmt.Errorf("cache_memory_limit: %w", err)
	}
	segment, err := humanize.ParseBytes(c.CacheSegmentSize)
	if err != nil {
		return cfg, fmt.Errorf("cache_segment_size: %w", err)
	}
	if segment == 0 {
		return cfg, fmt.Errorf("cache_segment_size must be positive")
	}

	cfg.MemoryLimit = int64(limit)
	cfg.SegmentSize = int(segment)
	if c.CacheDir != "" {
		cfg.Dir = c.CacheDir
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// PipeBytes returns the streaming upload pipe capacity.
func (c *Config) PipeBytes() (int, error) {
	size, err := humanize.ParseBytes(c.PipeSize)
	if err != nil {
		return 0, fmt.Errorf("pipe_size: %w", err)
	}
	if size == 0 {
		return 0, fmt.Errorf("pipe_size must be positive")
	}
	return int(size), nil
}

// DataSourceCodes returns the seeded data source codes.
func (c *Config) DataSourceCodes() []string {
	return splitList(c.DataSources, true)
}

// KafkaBrokerList returns the configured Kafka brokers.
func (c *Config) KafkaBrokerList() []string {
	return splitList(c.KafkaBrokers, false)
}

// ProgressPeriod returns the default progress period.
func (c *Config) ProgressPeriod() time.Duration {
	return time.Duration(c.ProgressPeriodMS) * time.Millisecond
}

// EOFSendTimeout returns the default streaming idle window.
func (c *Config) EOFSendTimeout() time.Duration {
	return time.Duration(c.EOFSendTimeoutSec) * time.Second
}

// MySQLDSN builds the MySQL connection string.
func (c *Config) MySQLDSN() (string, error) {
	if c.RealDBHost == "" || c.RealDBPort == "" || c.RealDBUser == "" || c.RealDBPass == "" || c.RealDBName == "" {
		return "", fmt.Errorf("missing required real database environment variables")
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.RealDBUser, c.RealDBPass, c.RealDBHost, c.RealDBPort, c.RealDBName), nil
}

func splitList(s string, upper bool) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if upper {
			part = strings.ToUpper(part)
		}
		out = append(out, part)
	}
	return out
}
