package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Poll    PollConfig    `mapstructure:"poll"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type ServerConfig struct {
	BindAddr        string `mapstructure:"bind_addr"`
	ShutdownSec     int    `mapstructure:"shutdown_sec"`
	ReadTimeoutSec  int    `mapstructure:"read_timeout_sec"`
	WriteTimeoutSec int    `mapstructure:"write_timeout_sec"`
}

type RedisConfig struct {
	Addr     string   `mapstructure:"addr"`
	Channels []string `mapstructure:"channels"`
}

type CacheConfig struct {
	SnapshotTTLSec int `mapstructure:"snapshot_ttl_sec"`
}

type PollConfig struct {
	WaitSec        int `mapstructure:"wait_sec"`
	MailboxSize    int `mapstructure:"mailbox_size"`
	IdleHorizonSec int `mapstructure:"idle_horizon_sec"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

func (c PollConfig) Wait() time.Duration        { return time.Duration(c.WaitSec) * time.Second }
func (c PollConfig) IdleHorizon() time.Duration { return time.Duration(c.IdleHorizonSec) * time.Second }
func (c CacheConfig) SnapshotTTL() time.Duration {
	return time.Duration(c.SnapshotTTLSec) * time.Second
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.bind_addr", ":8080")
	v.SetDefault("server.shutdown_sec", 10)
	v.SetDefault("server.read_timeout_sec", 0)
	v.SetDefault("server.write_timeout_sec", 0)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.channels", []string{})
	v.SetDefault("cache.snapshot_ttl_sec", 300)
	v.SetDefault("poll.wait_sec", 25)
	v.SetDefault("poll.mailbox_size", 256)
	v.SetDefault("poll.idle_horizon_sec", 120)
	v.SetDefault("logging.level", "info")

	// Environment variable support
	v.SetEnvPrefix("ODDSRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("default")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Redis.Channels) == 0 {
		return fmt.Errorf("at least one redis channel is required (set redis.channels or ODDSRELAY_REDIS_CHANNELS)")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if c.Poll.WaitSec < 1 {
		return fmt.Errorf("poll wait must be >= 1s")
	}
	if c.Poll.MailboxSize < 1 {
		return fmt.Errorf("poll mailbox size must be >= 1")
	}
	if c.Cache.SnapshotTTLSec < 1 {
		return fmt.Errorf("snapshot ttl must be >= 1s")
	}
	return nil
}
