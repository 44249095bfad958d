// Package config loads revurb's runtime configuration via viper, grounded
// on go-server-3/internal/config's defaults-then-override pattern, and
// turns it into the apps.Application list the core consumes.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/tomnagengast/revurb/internal/apps"
)

// Config is the full external configuration record (spec §6).
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Logging LoggingConfig `mapstructure:"logging"`
	Apps    []AppConfig   `mapstructure:"apps"`

	PingScanInterval time.Duration `mapstructure:"ping_scan_interval"`
	ShutdownDrain    time.Duration `mapstructure:"shutdown_drain"`
}

// ServerConfig controls the WebSocket and HTTP control API listeners.
type ServerConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	HTTPPort   int    `mapstructure:"http_port"`
	PathPrefix string `mapstructure:"path_prefix"`
	TLSCert    string `mapstructure:"tls_cert"`
	TLSKey     string `mapstructure:"tls_key"`
}

// PubSubConfig controls cluster-mode fan-out.
type PubSubConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// LoggingConfig controls the zerolog sink.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AppConfig is one Application entry as read from config, before being
// converted into apps.Application.
type AppConfig struct {
	ID              string         `mapstructure:"id"`
	Key             string         `mapstructure:"key"`
	Secret          string         `mapstructure:"secret"`
	PingInterval    int            `mapstructure:"ping_interval"`
	ActivityTimeout int            `mapstructure:"activity_timeout"`
	AllowedOrigins  []string       `mapstructure:"allowed_origins"`
	MaxMessageSize  int64          `mapstructure:"max_message_size"`
	MaxConnections  int            `mapstructure:"max_connections"`
	Options         map[string]any `mapstructure:"options"`
}

// Load reads configuration from REVURB_-prefixed environment variables and
// an optional revurb.yaml/json/toml in the working directory or ./config.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 6001)
	v.SetDefault("server.http_port", 6002)
	v.SetDefault("server.path_prefix", "")

	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.url", "nats://127.0.0.1:4222")
	v.SetDefault("pubsub.subject", "revurb.events")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("ping_scan_interval", 60*time.Second)
	v.SetDefault("shutdown_drain", 30*time.Second)

	v.SetConfigName("revurb")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("REVURB")
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("revurb: parse config: %w", err)
	}

	if len(cfg.Apps) == 0 {
		return Config{}, fmt.Errorf("revurb: at least one application must be configured")
	}

	return cfg, nil
}

// Applications converts the loaded AppConfig entries into apps.Application
// records, applying the defaults spec §3 assumes when a tenant omits them.
func (c Config) Applications() []apps.Application {
	out := make([]apps.Application, 0, len(c.Apps))
	for _, a := range c.Apps {
		pingInterval := a.PingInterval
		if pingInterval <= 0 {
			pingInterval = 60
		}
		activityTimeout := a.ActivityTimeout
		if activityTimeout <= 0 {
			activityTimeout = 120
		}
		maxMessageSize := a.MaxMessageSize
		if maxMessageSize <= 0 {
			maxMessageSize = 10 * 1024
		}
		out = append(out, apps.Application{
			ID:              a.ID,
			Key:             a.Key,
			Secret:          a.Secret,
			PingInterval:    pingInterval,
			ActivityTimeout: activityTimeout,
			AllowedOrigins:  a.AllowedOrigins,
			MaxMessageSize:  maxMessageSize,
			MaxConnections:  a.MaxConnections,
			Options:         a.Options,
		})
	}
	return out
}
