// Package config loads server configuration from environment variables and
// an optional YAML file, and validates updates to the DB-backed market
// runtime configuration.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the process-level configuration. Risk parameters that operators
// tune at runtime live in the database instead (see Runtime).
type Config struct {
	Server     ServerConfig    `mapstructure:"server"`
	DB         DBConfig        `mapstructure:"db"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Cron       CronConfig      `mapstructure:"cron"`
	Generators GeneratorConfig `mapstructure:"generators"`
	Models     []string        `mapstructure:"models"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type CronConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	DailyRun string `mapstructure:"daily_run"`
}

// GeneratorConfig describes the external decision-generator endpoint. Each
// model's API key env var gates whether its generator is enabled.
type GeneratorConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Load reads configuration from path (optional) and MARKET_-prefixed
// environment variables, applying defaults for everything else.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MARKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("db.dsn", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", "30s")
	v.SetDefault("cron.enabled", false)
	v.SetDefault("cron.daily_run", "0 0 13 * * *") // 13:00 UTC daily
	v.SetDefault("generators.base_url", "")
	v.SetDefault("generators.timeout", "120s")
	v.SetDefault("models", []string{"claude-opus", "gpt-5.2", "grok-4", "gemini-2.5"})

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
