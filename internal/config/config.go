package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/StreamRoom/internal/resilience"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	HTTP      HTTPConfig               `mapstructure:"http"`
	Limits    LimitsConfig             `mapstructure:"limits"`
	Rooms     RoomsConfig              `mapstructure:"rooms"`
	Room      RoomConfig               `mapstructure:"room"`
	Dedup     DedupConfig              `mapstructure:"dedup"`
	Redis     RedisConfig              `mapstructure:"redis"`
	Storage   StorageConfig            `mapstructure:"storage"`
	Database  DatabaseConfig           `mapstructure:"database"`
	Breaker   resilience.BreakerConfig `mapstructure:"breaker"`
	Retry     resilience.RetryPolicy   `mapstructure:"retry"`
	Recording RecordingConfig          `mapstructure:"recording"`
	Control   ControlConfig            `mapstructure:"control"`
	Monitor   MonitorConfig            `mapstructure:"monitor"`
}

type HTTPConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type LimitsConfig struct {
	MaxConnections  int `mapstructure:"max_connections"`
	MaxRoomSize     int `mapstructure:"max_room_size"`
	DefaultRoomSize int `mapstructure:"default_room_size"`
}

type RoomsConfig struct {
	Policy           string `mapstructure:"policy"`
	RecordingEnabled bool   `mapstructure:"recording_enabled"`
}

type RoomConfig struct {
	Buffer int `mapstructure:"buffer"`
}

type DedupConfig struct {
	TTL     time.Duration `mapstructure:"ttl"`
	Backend string        `mapstructure:"backend"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type RecordingConfig struct {
	MaxConsecutiveFailures int `mapstructure:"max_consecutive_failures"`
}

type ControlConfig struct {
	RateLimit  int           `mapstructure:"rate_limit"`
	RateWindow time.Duration `mapstructure:"rate_window"`
}

type MonitorConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	MemoryThresholdMB uint64        `mapstructure:"memory_threshold_mb"`
	CPULoadThreshold  float64       `mapstructure:"cpu_load_threshold"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("log_level", "info")

	v.SetDefault("http.request_timeout", "30s")
	v.SetDefault("limits.max_connections", 1000)
	v.SetDefault("limits.max_room_size", 100)
	v.SetDefault("limits.default_room_size", 10)
	v.SetDefault("rooms.policy", "lazy")
	v.SetDefault("rooms.recording_enabled", true)
	v.SetDefault("room.buffer", 100)
	v.SetDefault("dedup.ttl", "1h")
	v.SetDefault("dedup.backend", "memory")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("storage.path", "data/recordings")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "data/streamroom.db")
	v.SetDefault("breaker.threshold", 5)
	v.SetDefault("breaker.cooldown", "30s")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay", "100ms")
	v.SetDefault("recording.max_consecutive_failures", 5)
	v.SetDefault("control.rate_limit", 10)
	v.SetDefault("control.rate_window", "1s")
	v.SetDefault("monitor.interval", "30s")
	v.SetDefault("monitor.memory_threshold_mb", 1024)
	v.SetDefault("monitor.cpu_load_threshold", 80.0)
}

// Load reads config/config.<CONFIG_ENV>.yaml, dev by default.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFrom(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFrom reads fileName over the defaults. A missing file is not an error.
// STREAM_* variables override both, e.g. STREAM_LIMITS_MAX_CONNECTIONS.
func LoadFrom(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("stream")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("policy", cfg.Rooms.Policy).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port %d", c.Port)
	case c.Limits.MaxRoomSize <= 0:
		return errors.New("limits.max_room_size must be positive")
	case c.Limits.DefaultRoomSize <= 0 || c.Limits.DefaultRoomSize > c.Limits.MaxRoomSize:
		return fmt.Errorf("limits.default_room_size must be in 1..%d", c.Limits.MaxRoomSize)
	case c.Retry.MaxAttempts < 1:
		return errors.New("retry.max_attempts must be at least 1")
	case c.Breaker.Threshold < 1:
		return errors.New("breaker.threshold must be at least 1")
	case c.Dedup.Backend != "memory" && c.Dedup.Backend != "redis":
		return fmt.Errorf("unknown dedup.backend %q", c.Dedup.Backend)
	case c.Monitor.Interval <= 0:
		return errors.New("monitor.interval must be positive")
	case c.Monitor.CPULoadThreshold < 0:
		return errors.New("monitor.cpu_load_threshold must not be negative")
	}
	return nil
}

// MemoryThreshold is the monitor threshold in bytes.
func (c *Config) MemoryThreshold() uint64 { return c.Monitor.MemoryThresholdMB << 20 }
