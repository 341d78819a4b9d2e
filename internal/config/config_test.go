package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func validConfig() *Config {
	config := DefaultConfig()
	config.Auth.TokenSecret = "test-secret"
	return config
}

// FUNCTIONAL VALIDATION TEST: Default configuration provides production-ready settings
func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Database.Path == "" {
		t.Error("Default database path should not be empty")
	}
	if config.HTTP.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", config.HTTP.Port)
	}
	if config.WebSocket.PingInterval != 30*time.Second || config.WebSocket.ReadTimeout != 60*time.Second {
		t.Errorf("Unexpected heartbeat defaults: %v / %v", config.WebSocket.PingInterval, config.WebSocket.ReadTimeout)
	}
	if config.Messaging.MaxContentLength != 4000 {
		t.Errorf("Expected max content 4000, got %d", config.Messaging.MaxContentLength)
	}
	if config.Push.Enabled() {
		t.Error("Push should be disabled without VAPID keys")
	}
	if err := config.Validate(); err == nil {
		t.Error("Defaults without a token secret should not validate")
	}
}

// FUNCTIONAL VALIDATION TEST: Configuration validation prevents invalid settings
func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"invalid port", func(c *Config) { c.HTTP.Port = -1 }},
		{"empty database path", func(c *Config) { c.Database.Path = "" }},
		{"read timeout below ping", func(c *Config) { c.WebSocket.ReadTimeout = c.WebSocket.PingInterval }},
		{"zero rate limit", func(c *Config) { c.Messaging.RateLimitPerMinute = 0 }},
		{"half push keys", func(c *Config) { c.Push.VAPIDPublicKey = "pub" }},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }},
		{"missing section", func(c *Config) { c.Channels = nil }},
	}

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Valid config should pass validation: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(config)
			if err := config.Validate(); err == nil {
				t.Error("Expected validation failure")
			}
		})
	}
}

// FUNCTIONAL VALIDATION TEST: Environment variables override defaults
func TestConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("CAMPUSCHAT_HTTP_PORT", "9090")
	t.Setenv("CAMPUSCHAT_DATABASE_PATH", "/tmp/env.db")
	t.Setenv("CAMPUSCHAT_WEBSOCKET_PING_INTERVAL", "15s")
	t.Setenv("CAMPUSCHAT_CHANNELS_DEFAULTS", "general, random ,,help")
	t.Setenv("CAMPUSCHAT_AUTH_TOKEN_SECRET", "env-secret")

	config, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}
	if config.HTTP.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", config.HTTP.Port)
	}
	if config.Database.Path != "/tmp/env.db" {
		t.Errorf("Expected env database path, got %s", config.Database.Path)
	}
	if config.WebSocket.PingInterval != 15*time.Second {
		t.Errorf("Expected ping interval 15s, got %v", config.WebSocket.PingInterval)
	}
	if !slices.Equal(config.Channels.Defaults, []string{"general", "random", "help"}) {
		t.Errorf("Unexpected default channels: %v", config.Channels.Defaults)
	}
	if config.Auth.TokenSecret != "env-secret" {
		t.Errorf("Expected env secret, got %q", config.Auth.TokenSecret)
	}
}

func TestConfig_LoadFromEnvRejectsMalformedValues(t *testing.T) {
	t.Setenv("CAMPUSCHAT_HTTP_PORT", "not-a-port")
	t.Setenv("CAMPUSCHAT_WEBSOCKET_READ_TIMEOUT", "soon")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Malformed environment values should fail")
	}
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

// FUNCTIONAL VALIDATION TEST: JSON file with duration strings
func TestConfig_LoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `{
		"database": {"path": "/data/chat.db", "timeout": "10s"},
		"http": {"port": 7000},
		"auth": {"token_secret": "file-secret"},
		"channels": {"cleanup_interval": "5m", "idle_threshold": "72h", "defaults": ["lobby"]},
		"push": {"vapid_public_key": "pub", "vapid_private_key": "priv"},
		"log": {"format": "json"}
	}`)

	config, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if config.Database.Path != "/data/chat.db" || config.Database.Timeout != 10*time.Second {
		t.Errorf("Unexpected database section: %+v", config.Database)
	}
	if config.HTTP.Port != 7000 || config.HTTP.Host != "0.0.0.0" {
		t.Errorf("File should override port and keep default host: %+v", config.HTTP)
	}
	if config.Channels.CleanupInterval != 5*time.Minute || config.Channels.IdleThreshold != 72*time.Hour {
		t.Errorf("Unexpected channel durations: %+v", config.Channels)
	}
	if !slices.Equal(config.Channels.Defaults, []string{"lobby"}) {
		t.Errorf("Unexpected defaults: %v", config.Channels.Defaults)
	}
	if !config.Push.Enabled() {
		t.Error("Push should be enabled with both keys")
	}
}

func TestConfig_LoadFromFileErrors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Missing file should fail")
	}
	if _, err := LoadFromFile(writeConfigFile(t, `{not json`)); err == nil {
		t.Error("Malformed JSON should fail")
	}
	if _, err := LoadFromFile(writeConfigFile(t, `{"auth": {"token_secret": "s"}, "websocket": {"ping_interval": "often"}}`)); err == nil {
		t.Error("Malformed duration should fail")
	}
}

// FUNCTIONAL VALIDATION TEST: Configuration precedence: file > environment > defaults
func TestConfig_LoadConfigWithPrecedence(t *testing.T) {
	t.Setenv("CAMPUSCHAT_AUTH_TOKEN_SECRET", "env-secret")
	t.Setenv("CAMPUSCHAT_HTTP_PORT", "9090")
	t.Setenv("CAMPUSCHAT_HTTP_HOST", "127.0.0.1")

	path := writeConfigFile(t, `{"http": {"port": 7000}}`)
	config, err := LoadConfigWithPrecedence(path)
	if err != nil {
		t.Fatalf("LoadConfigWithPrecedence failed: %v", err)
	}
	if config.HTTP.Port != 7000 {
		t.Errorf("File should win over environment, got port %d", config.HTTP.Port)
	}
	if config.HTTP.Host != "127.0.0.1" {
		t.Errorf("Environment should win over defaults, got host %s", config.HTTP.Host)
	}

	t.Setenv("CAMPUSCHAT_CONFIG_FILE", path)
	config, err = LoadConfigWithPrecedence("")
	if err != nil {
		t.Fatalf("LoadConfigWithPrecedence via env file failed: %v", err)
	}
	if config.HTTP.Port != 7000 {
		t.Errorf("CAMPUSCHAT_CONFIG_FILE should be honored, got port %d", config.HTTP.Port)
	}
}
