package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "redis:\n  channels: [game1]\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.BindAddr != ":8080" {
		t.Errorf("bind addr default = %q", cfg.Server.BindAddr)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("redis addr default = %q", cfg.Redis.Addr)
	}
	if cfg.Poll.WaitSec != 25 || cfg.Poll.MailboxSize != 256 {
		t.Errorf("poll defaults = %+v", cfg.Poll)
	}
	if cfg.Cache.SnapshotTTLSec != 300 {
		t.Errorf("cache ttl default = %d", cfg.Cache.SnapshotTTLSec)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("log level default = %q", cfg.Logging.Level)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  bind_addr: ":9090"
redis:
  addr: "redis.internal:6379"
  channels: [game1, game2]
poll:
  wait_sec: 5
cache:
  snapshot_ttl_sec: 60
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.BindAddr != ":9090" {
		t.Errorf("bind addr = %q", cfg.Server.BindAddr)
	}
	if len(cfg.Redis.Channels) != 2 || cfg.Redis.Channels[0] != "game1" {
		t.Errorf("channels = %v", cfg.Redis.Channels)
	}
	if cfg.Poll.WaitSec != 5 || cfg.Cache.SnapshotTTLSec != 60 {
		t.Errorf("overrides not applied: poll=%+v cache=%+v", cfg.Poll, cfg.Cache)
	}
}

func TestLoadRejectsEmptyChannels(t *testing.T) {
	path := writeConfig(t, "server:\n  bind_addr: \":9090\"\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for missing channels")
	}
}

func TestValidateBounds(t *testing.T) {
	base := func() *Config {
		return &Config{
			Redis: RedisConfig{Addr: "localhost:6379", Channels: []string{"game1"}},
			Poll:  PollConfig{WaitSec: 25, MailboxSize: 256, IdleHorizonSec: 120},
			Cache: CacheConfig{SnapshotTTLSec: 300},
		}
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero poll wait", func(c *Config) { c.Poll.WaitSec = 0 }},
		{"zero mailbox", func(c *Config) { c.Poll.MailboxSize = 0 }},
		{"zero ttl", func(c *Config) { c.Cache.SnapshotTTLSec = 0 }},
		{"empty redis addr", func(c *Config) { c.Redis.Addr = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := PollConfig{WaitSec: 25, IdleHorizonSec: 120}
	if cfg.Wait().Seconds() != 25 {
		t.Errorf("Wait = %v", cfg.Wait())
	}
	if cfg.IdleHorizon().Seconds() != 120 {
		t.Errorf("IdleHorizon = %v", cfg.IdleHorizon())
	}
}
