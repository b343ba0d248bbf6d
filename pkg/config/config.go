// Package config loads the bot's runtime configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	envConfigPath = "QQBOT_CONFIG"
	envPrefix     = "QQBOT"
)

const (
	DefaultTokenURL       = "https://bots.qq.com/app/getAppAccessToken"
	DefaultAPIBaseURL     = "https://api.sgroup.qq.com"
	DefaultHost           = "0.0.0.0"
	DefaultPort           = 18790
	DefaultPingInterval   = 30 * time.Second
	DefaultWorkers        = 10
	DefaultQueueSize      = 256
	DefaultHandlerTimeout = 30 * time.Second
	DefaultDrainTimeout   = 10 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultPluginsDir     = "plugins"
	DefaultDebounce       = time.Second
	DefaultTokenPrewarm   = "*/5 * * * *"
	DefaultPrewarmAhead   = 10 * time.Minute
)

var ErrValidation = errors.New("invalid configuration")

// Config is the root runtime configuration.
type Config struct {
	Bot       BotConfig       `mapstructure:"bot"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Plugins   PluginsConfig   `mapstructure:"plugins"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// BotConfig holds the bot's platform identity.
type BotConfig struct {
	AppID        string `mapstructure:"app_id"        validate:"required"`
	ClientSecret string `mapstructure:"client_secret" validate:"required"`
	TokenURL     string `mapstructure:"token_url"     validate:"required,url"`
	APIBaseURL   string `mapstructure:"api_base_url"  validate:"required,url"`
}

// GatewayConfig configures the event stream and the status server.
// Port 0 disables the status server.
type GatewayConfig struct {
	WSURL        string        `mapstructure:"ws_url"        validate:"required,url"`
	PingInterval time.Duration `mapstructure:"ping_interval" validate:"gte=0"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"          validate:"gte=0,lte=65535"`
}

type DispatchConfig struct {
	Workers        int           `mapstructure:"workers"         validate:"gte=1,lte=1024"`
	QueueSize      int           `mapstructure:"queue_size"      validate:"gte=1"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout" validate:"gte=0"`
	// DrainTimeout bounds how long queued frames are still handled after the
	// event stream closes normally. Zero stops at once.
	DrainTimeout time.Duration `mapstructure:"drain_timeout" validate:"gte=0"`
}

// DeliveryConfig limits outbound replies. Rate 0 means unlimited.
type DeliveryConfig struct {
	Rate           float64       `mapstructure:"rate"            validate:"gte=0"`
	Burst          int           `mapstructure:"burst"           validate:"gte=0"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
}

type PluginsConfig struct {
	Dir      string        `mapstructure:"dir"      validate:"required"`
	Watch    bool          `mapstructure:"watch"`
	Debounce time.Duration `mapstructure:"debounce" validate:"gt=0"`
}

// SchedulerConfig drives background jobs. An empty TokenPrewarm disables
// the prewarm job.
type SchedulerConfig struct {
	TokenPrewarm string        `mapstructure:"token_prewarm"`
	PrewarmAhead time.Duration `mapstructure:"prewarm_ahead" validate:"gte=0"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `mapstructure:"format"     validate:"omitempty,oneof=text json"`
	Level     string `mapstructure:"level"      validate:"omitempty,oneof=debug info warn warning error"`
	AddSource bool   `mapstructure:"add_source"`
	File      string `mapstructure:"file"`
}

var defaults = map[string]any{
	"bot.app_id":        "",
	"bot.client_secret": "",
	"bot.token_url":     DefaultTokenURL,
	"bot.api_base_url":  DefaultAPIBaseURL,

	"gateway.ws_url":        "",
	"gateway.ping_interval": DefaultPingInterval,
	"gateway.host":          DefaultHost,
	"gateway.port":          DefaultPort,

	"dispatch.workers":         DefaultWorkers,
	"dispatch.queue_size":      DefaultQueueSize,
	"dispatch.handler_timeout": DefaultHandlerTimeout,
	"dispatch.drain_timeout":   DefaultDrainTimeout,

	"delivery.rate":            0.0,
	"delivery.burst":           0,
	"delivery.request_timeout": DefaultRequestTimeout,

	"plugins.dir":      DefaultPluginsDir,
	"plugins.watch":    true,
	"plugins.debounce": DefaultDebounce,

	"scheduler.token_prewarm": DefaultTokenPrewarm,
	"scheduler.prewarm_ahead": DefaultPrewarmAhead,

	"logging.format":     "text",
	"logging.level":      "info",
	"logging.add_source": false,
	"logging.file":       "",
}

// LoadConfig resolves the config file, applies defaults and QQBOT_*
// environment overrides. It does not validate; callers pick Validate or
// ValidateLocal depending on whether they talk to the platform.
func LoadConfig() (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, err := findConfigPath()
	if err != nil {
		return nil, err
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return &cfg, nil
}

// Validate checks every section, including platform credentials.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// ValidateLocal checks everything except what only the platform connection
// needs.
func (c *Config) ValidateLocal() error {
	if err := validator.New().StructExcept(c, "Bot", "Gateway.WSURL"); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// findConfigPath resolves the active config file location. An empty path
// with no error means no file exists and defaults apply.
//
// Precedence is QQBOT_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	for _, dir := range []string{cwd, filepath.Join(cwd, "config")} {
		for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
			candidate := filepath.Join(dir, name)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
		}
	}

	return "", nil
}
