package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Chart     ChartConfig     `mapstructure:"chart"`
	Selection SelectionConfig `mapstructure:"selection"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type FeedConfig struct {
	URL                 string          `mapstructure:"url"`
	HandshakeTimeout    time.Duration   `mapstructure:"handshake_timeout"`
	HeartbeatInterval   time.Duration   `mapstructure:"heartbeat_interval"`
	PongWait            time.Duration   `mapstructure:"pong_wait"`
	WriteWait           time.Duration   `mapstructure:"write_wait"`
	ReadLimit           int64           `mapstructure:"read_limit"`
	Reconnect           ReconnectConfig `mapstructure:"reconnect"`
	DirectivesPerSecond float64         `mapstructure:"directives_per_second"`
	DirectiveBurst      int             `mapstructure:"directive_burst"`
	OutboundBuffer      int             `mapstructure:"outbound_buffer"`
}

type ReconnectConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      float64       `mapstructure:"jitter"`
	MaxAttempts int           `mapstructure:"max_attempts"` // 0 retries forever
}

type EngineConfig struct {
	InboxSize int `mapstructure:"inbox_size"`
}

type ChartConfig struct {
	MaxCandles      int    `mapstructure:"max_candles"`
	DefaultInterval string `mapstructure:"default_interval"`
}

// SelectionConfig is the selection applied at startup. An empty stock
// starts the session with nothing subscribed.
type SelectionConfig struct {
	Stock     string   `mapstructure:"stock"`
	OptionKey string   `mapstructure:"option_key"`
	Intervals []string `mapstructure:"intervals"`
	Expiry    string   `mapstructure:"expiry"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/koboldx")
	}

	v.SetEnvPrefix("KOBOLDX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)

	v.SetDefault("feed.url", "ws://localhost:8000/ws")
	v.SetDefault("feed.handshake_timeout", 10*time.Second)
	v.SetDefault("feed.heartbeat_interval", 30*time.Second)
	v.SetDefault("feed.pong_wait", 60*time.Second)
	v.SetDefault("feed.write_wait", 10*time.Second)
	v.SetDefault("feed.read_limit", 1<<20)
	v.SetDefault("feed.reconnect.base_delay", time.Second)
	v.SetDefault("feed.reconnect.max_delay", 30*time.Second)
	v.SetDefault("feed.reconnect.jitter", 0.2)
	v.SetDefault("feed.reconnect.max_attempts", 0)
	v.SetDefault("feed.directives_per_second", 20.0)
	v.SetDefault("feed.directive_burst", 10)
	v.SetDefault("feed.outbound_buffer", 64)

	v.SetDefault("engine.inbox_size", 1024)

	v.SetDefault("chart.max_candles", 2000)
	v.SetDefault("chart.default_interval", "5m")

	v.SetDefault("selection.stock", "")
	v.SetDefault("selection.option_key", "")
	v.SetDefault("selection.intervals", []string{})
	v.SetDefault("selection.expiry", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
}

// overrideFromEnv handles the short variable names used by deploy scripts.
// Nested keys are already covered by viper's automatic env.
func overrideFromEnv(config *Config) {
	if url := os.Getenv("KOBOLDX_WS_URL"); url != "" {
		config.Feed.URL = url
	}
	if port := os.Getenv("KOBOLDX_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if stock := os.Getenv("KOBOLDX_STOCK"); stock != "" {
		config.Selection.Stock = stock
	}
	if level := os.Getenv("KOBOLDX_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Feed.URL == "" {
		return errors.New("feed.url is required")
	}
	if !strings.HasPrefix(c.Feed.URL, "ws://") && !strings.HasPrefix(c.Feed.URL, "wss://") {
		return fmt.Errorf("feed.url must be a ws:// or wss:// url, got %q", c.Feed.URL)
	}
	r := c.Feed.Reconnect
	if r.BaseDelay <= 0 {
		return fmt.Errorf("feed.reconnect.base_delay must be positive, got %s", r.BaseDelay)
	}
	if r.MaxDelay < r.BaseDelay {
		return fmt.Errorf("feed.reconnect.max_delay (%s) is below base_delay (%s)", r.MaxDelay, r.BaseDelay)
	}
	if r.Jitter < 0 || r.Jitter >= 1 {
		return fmt.Errorf("feed.reconnect.jitter must be in [0, 1), got %v", r.Jitter)
	}
	if r.MaxAttempts < 0 {
		return fmt.Errorf("feed.reconnect.max_attempts must not be negative, got %d", r.MaxAttempts)
	}
	if c.Feed.DirectivesPerSecond <= 0 || c.Feed.DirectiveBurst <= 0 {
		return errors.New("feed.directives_per_second and feed.directive_burst must be positive")
	}
	if c.Engine.InboxSize <= 0 {
		return fmt.Errorf("engine.inbox_size must be positive, got %d", c.Engine.InboxSize)
	}
	if c.Chart.MaxCandles < 0 {
		return fmt.Errorf("chart.max_candles must not be negative, got %d", c.Chart.MaxCandles)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	return nil
}

// StartupIntervals falls back to the default chart interval when the
// selection names none.
func (s SelectionConfig) StartupIntervals(def string) []string {
	if len(s.Intervals) > 0 {
		return s.Intervals
	}
	if def == "" {
		return nil
	}
	return []string{def}
}
