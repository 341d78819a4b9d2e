package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix namespaces every environment variable read by this package
const EnvPrefix = "CAMPUSCHAT_"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Auth      *AuthConfig      `json:"auth"`
	Channels  *ChannelsConfig  `json:"channels"`
	Messaging *MessagingConfig `json:"messaging"`
	Push      *PushConfig      `json:"push"`
	Log       *LogConfig       `json:"log"`
}

type DatabaseConfig struct {
	Path           string        `json:"path"`
	Timeout        time.Duration `json:"timeout"`
	MaxConnections int           `json:"max_connections"`
}

type HTTPConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	Host         string        `json:"host"`
}

// WebSocketConfig tunes the per-connection heartbeat and buffers
type WebSocketConfig struct {
	PingInterval    time.Duration `json:"ping_interval"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	BufferSize      int           `json:"buffer_size"`
	MaxMessageBytes int64         `json:"max_message_bytes"`
	// AllowedOrigins empty means same-origin only; "*" allows any
	AllowedOrigins []string `json:"allowed_origins"`
}

type AuthConfig struct {
	TokenSecret string        `json:"token_secret"`
	TokenTTL    time.Duration `json:"token_ttl"`
}

// ChannelsConfig drives default seeding and the idle sweep
type ChannelsConfig struct {
	CleanupInterval time.Duration `json:"cleanup_interval"`
	IdleThreshold   time.Duration `json:"idle_threshold"`
	Defaults        []string      `json:"defaults"`
}

type MessagingConfig struct {
	RateLimitPerMinute int `json:"rate_limit_per_minute"`
	MaxContentLength   int `json:"max_content_length"`
}

// PushConfig holds VAPID credentials; delivery is disabled while the keys are empty
type PushConfig struct {
	VAPIDPublicKey  string `json:"vapid_public_key"`
	VAPIDPrivateKey string `json:"vapid_private_key"`
	Subscriber      string `json:"subscriber"`
	TTL             int    `json:"ttl"`
}

// Enabled reports whether web push credentials are configured
func (p *PushConfig) Enabled() bool {
	return p != nil && p.VAPIDPublicKey != "" && p.VAPIDPrivateKey != ""
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// FUNCTIONAL DISCOVERY: Production-ready defaults for a single campus deployment
// Database on local filesystem, HTTP on standard port, WebSocket with 30s heartbeat
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:           "./campuschat.db",
			Timeout:        30 * time.Second,
			MaxConnections: 10,
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Host:         "0.0.0.0",
		},
		WebSocket: &WebSocketConfig{
			PingInterval:    30 * time.Second,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			BufferSize:      100,
			MaxMessageBytes: 64 * 1024,
		},
		Auth: &AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Channels: &ChannelsConfig{
			CleanupInterval: time.Hour,
			IdleThreshold:   30 * 24 * time.Hour,
			Defaults:        []string{"general", "announcements"},
		},
		Messaging: &MessagingConfig{
			RateLimitPerMinute: 60,
			MaxContentLength:   4000,
		},
		Push: &PushConfig{
			Subscriber: "mailto:admin@campuschat.local",
			TTL:        30,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
func (c *Config) Validate() error {
	if c.Database == nil || c.HTTP == nil || c.WebSocket == nil || c.Auth == nil ||
		c.Channels == nil || c.Messaging == nil || c.Push == nil || c.Log == nil {
		return errors.New("every configuration section is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database max connections must be positive")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageBytes <= 0 {
		return fmt.Errorf("WebSocket max message bytes must be positive")
	}

	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("auth token secret is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth token ttl must be positive")
	}

	if c.Channels.CleanupInterval <= 0 {
		return fmt.Errorf("channel cleanup interval must be positive")
	}
	if c.Channels.IdleThreshold <= 0 {
		return fmt.Errorf("channel idle threshold must be positive")
	}

	if c.Messaging.RateLimitPerMinute <= 0 {
		return fmt.Errorf("messaging rate limit must be positive")
	}
	if c.Messaging.MaxContentLength <= 0 {
		return fmt.Errorf("messaging max content length must be positive")
	}

	if (c.Push.VAPIDPublicKey == "") != (c.Push.VAPIDPrivateKey == "") {
		return fmt.Errorf("push requires both VAPID keys or neither")
	}
	if c.Push.TTL < 0 {
		return fmt.Errorf("push ttl cannot be negative")
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json")
	}

	return nil
}

// FUNCTIONAL DISCOVERY: Environment variable configuration enables deployment flexibility
// Malformed values are reported rather than silently ignored
func LoadFromEnv() (*Config, error) {
	config := DefaultConfig()
	if err := applyEnv(config); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnv(c *Config) error {
	env := envReader{}

	env.str("DATABASE_PATH", &c.Database.Path)
	env.duration("DATABASE_TIMEOUT", &c.Database.Timeout)
	env.integer("DATABASE_MAX_CONNECTIONS", &c.Database.MaxConnections)

	env.integer("HTTP_PORT", &c.HTTP.Port)
	env.str("HTTP_HOST", &c.HTTP.Host)
	env.duration("HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout)
	env.duration("HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout)

	env.duration("WEBSOCKET_PING_INTERVAL", &c.WebSocket.PingInterval)
	env.duration("WEBSOCKET_READ_TIMEOUT", &c.WebSocket.ReadTimeout)
	env.duration("WEBSOCKET_WRITE_TIMEOUT", &c.WebSocket.WriteTimeout)
	env.integer("WEBSOCKET_BUFFER_SIZE", &c.WebSocket.BufferSize)
	env.integer64("WEBSOCKET_MAX_MESSAGE_BYTES", &c.WebSocket.MaxMessageBytes)
	env.list("WEBSOCKET_ALLOWED_ORIGINS", &c.WebSocket.AllowedOrigins)

	env.str("AUTH_TOKEN_SECRET", &c.Auth.TokenSecret)
	env.duration("AUTH_TOKEN_TTL", &c.Auth.TokenTTL)

	env.duration("CHANNELS_CLEANUP_INTERVAL", &c.Channels.CleanupInterval)
	env.duration("CHANNELS_IDLE_THRESHOLD", &c.Channels.IdleThreshold)
	env.list("CHANNELS_DEFAULTS", &c.Channels.Defaults)

	env.integer("MESSAGING_RATE_LIMIT_PER_MINUTE", &c.Messaging.RateLimitPerMinute)
	env.integer("MESSAGING_MAX_CONTENT_LENGTH", &c.Messaging.MaxContentLength)

	env.str("PUSH_VAPID_PUBLIC_KEY", &c.Push.VAPIDPublicKey)
	env.str("PUSH_VAPID_PRIVATE_KEY", &c.Push.VAPIDPrivateKey)
	env.str("PUSH_SUBSCRIBER", &c.Push.Subscriber)
	env.integer("PUSH_TTL", &c.Push.TTL)

	env.str("LOG_LEVEL", &c.Log.Level)
	env.str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(env.errs...)
}

// envReader overrides fields from CAMPUSCHAT_* variables and collects parse errors
type envReader struct {
	errs []error
}

func (e *envReader) lookup(key string) (string, bool) {
	value, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

func (e *envReader) str(key string, dst *string) {
	if value, ok := e.lookup(key); ok {
		*dst = value
	}
}

func (e *envReader) integer(key string, dst *int) {
	if value, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(value)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) integer64(key string, dst *int64) {
	if value, ok := e.lookup(key); ok {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if value, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(value)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = d
	}
}

func (e *envReader) list(key string, dst *[]string) {
	if value, ok := e.lookup(key); ok {
		*dst = splitList(value)
	}
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// ConfigFile represents the JSON structure for file-based configuration
// FUNCTIONAL DISCOVERY: Separate struct for JSON parsing to handle duration strings;
// pointer fields distinguish "absent" from zero so a file can override selectively
type ConfigFile struct {
	Database  *DatabaseConfigFile  `json:"database"`
	HTTP      *HTTPConfigFile      `json:"http"`
	WebSocket *WebSocketConfigFile `json:"websocket"`
	Auth      *AuthConfigFile      `json:"auth"`
	Channels  *ChannelsConfigFile  `json:"channels"`
	Messaging *MessagingConfig     `json:"messaging"`
	Push      *PushConfig          `json:"push"`
	Log       *LogConfig           `json:"log"`
}

type DatabaseConfigFile struct {
	Path           string `json:"path"`
	Timeout        string `json:"timeout"`
	MaxConnections int    `json:"max_connections"`
}

type HTTPConfigFile struct {
	Port         int    `json:"port"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
	Host         string `json:"host"`
}

type WebSocketConfigFile struct {
	PingInterval    string   `json:"ping_interval"`
	ReadTimeout     string   `json:"read_timeout"`
	WriteTimeout    string   `json:"write_timeout"`
	BufferSize      int      `json:"buffer_size"`
	MaxMessageBytes int64    `json:"max_message_bytes"`
	AllowedOrigins  []string `json:"allowed_origins"`
}

type AuthConfigFile struct {
	TokenSecret string `json:"token_secret"`
	TokenTTL    string `json:"token_ttl"`
}

type ChannelsConfigFile struct {
	CleanupInterval string   `json:"cleanup_interval"`
	IdleThreshold   string   `json:"idle_threshold"`
	Defaults        []string `json:"defaults"`
}

// LoadFromFile reads a JSON file over the defaults and validates the result
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func applyFile(c *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	var errs []error
	duration := func(name, value string, dst *time.Duration) {
		if value == "" {
			return
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = d
	}
	str := func(value string, dst *string) {
		if value != "" {
			*dst = value
		}
	}
	positive := func(value int, dst *int) {
		if value > 0 {
			*dst = value
		}
	}

	if f := file.Database; f != nil {
		str(f.Path, &c.Database.Path)
		duration("database.timeout", f.Timeout, &c.Database.Timeout)
		positive(f.MaxConnections, &c.Database.MaxConnections)
	}
	if f := file.HTTP; f != nil {
		positive(f.Port, &c.HTTP.Port)
		str(f.Host, &c.HTTP.Host)
		duration("http.read_timeout", f.ReadTimeout, &c.HTTP.ReadTimeout)
		duration("http.write_timeout", f.WriteTimeout, &c.HTTP.WriteTimeout)
	}
	if f := file.WebSocket; f != nil {
		duration("websocket.ping_interval", f.PingInterval, &c.WebSocket.PingInterval)
		duration("websocket.read_timeout", f.ReadTimeout, &c.WebSocket.ReadTimeout)
		duration("websocket.write_timeout", f.WriteTimeout, &c.WebSocket.WriteTimeout)
		positive(f.BufferSize, &c.WebSocket.BufferSize)
		if f.MaxMessageBytes > 0 {
			c.WebSocket.MaxMessageBytes = f.MaxMessageBytes
		}
		if f.AllowedOrigins != nil {
			c.WebSocket.AllowedOrigins = f.AllowedOrigins
		}
	}
	if f := file.Auth; f != nil {
		str(f.TokenSecret, &c.Auth.TokenSecret)
		duration("auth.token_ttl", f.TokenTTL, &c.Auth.TokenTTL)
	}
	if f := file.Channels; f != nil {
		duration("channels.cleanup_interval", f.CleanupInterval, &c.Channels.CleanupInterval)
		duration("channels.idle_threshold", f.IdleThreshold, &c.Channels.IdleThreshold)
		if f.Defaults != nil {
			c.Channels.Defaults = f.Defaults
		}
	}
	if f := file.Messaging; f != nil {
		positive(f.RateLimitPerMinute, &c.Messaging.RateLimitPerMinute)
		positive(f.MaxContentLength, &c.Messaging.MaxContentLength)
	}
	if f := file.Push; f != nil {
		str(f.VAPIDPublicKey, &c.Push.VAPIDPublicKey)
		str(f.VAPIDPrivateKey, &c.Push.VAPIDPrivateKey)
		str(f.Subscriber, &c.Push.Subscriber)
		positive(f.TTL, &c.Push.TTL)
	}
	if f := file.Log; f != nil {
		str(f.Level, &c.Log.Level)
		str(f.Format, &c.Log.Format)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid values in config file %s: %w", path, errors.Join(errs...))
	}
	return nil
}

// FUNCTIONAL DISCOVERY: Configuration precedence: file > environment > .env > defaults
// A missing .env is normal in production; a named but unreadable config file is an error
func LoadConfigWithPrecedence(path string) (*Config, error) {
	_ = godotenv.Load()

	config := DefaultConfig()
	if err := applyEnv(config); err != nil {
		return nil, fmt.Errorf("invalid environment configuration: %w", err)
	}

	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG_FILE")
	}
	if path != "" {
		if err := applyFile(config, path); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
