package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
telegram:
  token: tg-token
imgur:
  client_id: cid
  client_secret: csecret
  refresh_token: rtok
irc:
  host: irc.example.net
  channel: "#pics"
`

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_DSN", "")
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Telegram.Timeout != 5 {
		t.Errorf("telegram.timeout = %d, want 5", cfg.Telegram.Timeout)
	}
	if cfg.Imgur.TimestampFormat != "2006-01-02T15:04:05" {
		t.Errorf("timestamp_format = %q", cfg.Imgur.TimestampFormat)
	}
	if cfg.IRC.Port != 6667 {
		t.Errorf("irc.port = %d, want 6667", cfg.IRC.Port)
	}
	if cfg.IRC.Nick != "TelegramBot" {
		t.Errorf("irc.nick = %q", cfg.IRC.Nick)
	}
	if cfg.IRC.Timeout != 7 || cfg.IRC.AuthTimeout != 300 {
		t.Errorf("irc timeouts = %d/%d, want 7/300", cfg.IRC.Timeout, cfg.IRC.AuthTimeout)
	}
	if cfg.Storage.UserDatabase != "users.json" {
		t.Errorf("user_database = %q", cfg.Storage.UserDatabase)
	}
	if cfg.Storage.Directory != "$temp/telegram" {
		t.Errorf("directory = %q", cfg.Storage.Directory)
	}
	if !strings.Contains(cfg.Storage.Database, "postgres://") {
		t.Errorf("database = %q, want default DSN", cfg.Storage.Database)
	}
	if cfg.Logging.Level != "warn" || cfg.Logging.Path != "errors.log" {
		t.Errorf("logging defaults = %q/%q", cfg.Logging.Level, cfg.Logging.Path)
	}

	if cfg.PollTimeout() != 5*time.Second {
		t.Errorf("PollTimeout = %v", cfg.PollTimeout())
	}
	if cfg.AuthTimeout() != 300*time.Second {
		t.Errorf("AuthTimeout = %v", cfg.AuthTimeout())
	}
	if cfg.ConnectTimeout() != 7*time.Second {
		t.Errorf("ConnectTimeout = %v", cfg.ConnectTimeout())
	}
}

func TestDSNEnvOverride(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://ci:ci@pg:5432/ci")
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Database != "postgres://ci:ci@pg:5432/ci" {
		t.Errorf("database = %q, want env override", cfg.Storage.Database)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no token", func(c *Config) { c.Telegram.Token = "" }, "no telegram token found"},
		{"no imgur id", func(c *Config) { c.Imgur.ClientID = "" }, "no imgur client info found"},
		{"no imgur secret", func(c *Config) { c.Imgur.ClientSecret = "" }, "no imgur client info found"},
		{"no refresh token", func(c *Config) { c.Imgur.RefreshToken = "" }, "no imgur refresh_token found"},
		{"no irc host", func(c *Config) { c.IRC.Host = "" }, "no sufficient irc configuration found"},
		{"no irc channel", func(c *Config) { c.IRC.Channel = "" }, "no sufficient irc configuration found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, minimalConfig))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tc.mutate(cfg)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestIsAdmin(t *testing.T) {
	cfg := &Config{}
	cfg.Telegram.Admins = []int64{1, 2}
	if !cfg.IsAdmin(1) || !cfg.IsAdmin(2) {
		t.Error("configured admins not recognized")
	}
	if cfg.IsAdmin(3) {
		t.Error("unknown id accepted as admin")
	}
}

func TestAdminKeyParsed(t *testing.T) {
	t.Setenv("DB_DSN", "")
	cfg, err := Load(writeConfig(t, `
telegram:
  token: tg-token
  admin: [41, 42]
imgur:
  client_id: cid
  client_secret: csecret
  refresh_token: rtok
irc:
  host: irc.example.net
  channel: "#pics"
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.IsAdmin(41) || !cfg.IsAdmin(42) {
		t.Errorf("telegram.admin list not parsed: %v", cfg.Telegram.Admins)
	}
}
