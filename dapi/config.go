package dapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the client configuration. It is read from YAML, then DAPI_*
// environment variables override individual fields.
type Config struct {
	Token          string             `yaml:"token"`
	Intents        Intents            `yaml:"intents"`
	APIBaseURL     string             `yaml:"api_base_url"`
	GatewayURL     string             `yaml:"gateway_url"`
	Shard          Shard              `yaml:"shard"`
	Compress       bool               `yaml:"compress"`
	LargeThreshold int                `yaml:"large_threshold"`
	Properties     IdentifyProperties `yaml:"properties"`

	GlobalRateLimit GlobalRateConfig `yaml:"global_rate_limit"`
	Redis           RedisConfig      `yaml:"redis"`
	Reconnect       ReconnectConfig  `yaml:"reconnect"`
	HTTP            HTTPConfig       `yaml:"http"`

	// SessionStatePath enables a file session store so a restarted
	// process can resume.
	SessionStatePath string `yaml:"session_state_path"`
	LogLevel         string `yaml:"log_level"`

	Logger *slog.Logger `yaml:"-"`
}

// GlobalRateConfig sizes the global request window.
type GlobalRateConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// RedisConfig enables the shared global limiter when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// ReconnectConfig configures gateway reconnect backoff.
type ReconnectConfig struct {
	MinDelay        time.Duration `yaml:"min_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	Factor          float64       `yaml:"factor"`
	Jitter          float64       `yaml:"jitter"`
	StabilityPeriod time.Duration `yaml:"stability_period"`
}

// HTTPConfig configures the REST transport.
type HTTPConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	HTTP2   bool          `yaml:"http2"`
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	config := Config{}
	config.applyDefaults()
	return config
}

// LoadConfig reads path, applies environment overrides and defaults, and
// validates the result. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	config := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(config, os.Environ()); err != nil {
		return nil, err
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (config *Config) applyDefaults() {
	if config.APIBaseURL == "" {
		config.APIBaseURL = DefaultAPIBaseURL
	}
	if config.Shard.Count <= 0 {
		config.Shard.Count = 1
	}
	if config.LargeThreshold == 0 {
		config.LargeThreshold = 50
	}
	if config.Properties.OS == "" {
		config.Properties.OS = runtime.GOOS
	}
	if config.Properties.Browser == "" {
		config.Properties.Browser = "dapi"
	}
	if config.Properties.Device == "" {
		config.Properties.Device = "dapi"
	}
	if config.GlobalRateLimit.Limit <= 0 {
		config.GlobalRateLimit.Limit = DefaultGlobalLimit
	}
	if config.GlobalRateLimit.Window <= 0 {
		config.GlobalRateLimit.Window = DefaultGlobalWindow
	}
	if config.Redis.Prefix == "" {
		config.Redis.Prefix = "dapi:global"
	}
	if config.Reconnect.MinDelay <= 0 {
		config.Reconnect.MinDelay = time.Second
	}
	if config.Reconnect.MaxDelay <= 0 {
		config.Reconnect.MaxDelay = 60 * time.Second
	}
	if config.Reconnect.Factor < 1 {
		config.Reconnect.Factor = 2
	}
	if config.Reconnect.Jitter == 0 {
		config.Reconnect.Jitter = 0.5
	}
	if config.Reconnect.StabilityPeriod <= 0 {
		config.Reconnect.StabilityPeriod = DefaultStabilityPeriod
	}
	if config.HTTP.Timeout <= 0 {
		config.HTTP.Timeout = 30 * time.Second
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
}

// Validate reports the first invalid field.
func (config *Config) Validate() error {
	if config == nil {
		return errors.New("config is required")
	}
	if strings.TrimSpace(config.Token) == "" {
		return NewError(AuthenticationError, "token is required")
	}
	if config.Intents < 0 || config.Intents&^IntentsAll != 0 {
		return fmt.Errorf("intents %d contain unknown bits", config.Intents)
	}
	if err := validateAbsoluteURL("api_base_url", config.APIBaseURL, "http", "https"); err != nil {
		return err
	}
	if config.GatewayURL != "" {
		if err := validateAbsoluteURL("gateway_url", config.GatewayURL, "ws", "wss"); err != nil {
			return err
		}
	}
	if config.Shard.Count <= 0 || config.Shard.Index < 0 || config.Shard.Index >= config.Shard.Count {
		return fmt.Errorf("shard index %d out of range for count %d", config.Shard.Index, config.Shard.Count)
	}
	if config.LargeThreshold < 50 || config.LargeThreshold > 250 {
		return fmt.Errorf("large_threshold must be between 50 and 250, got %d", config.LargeThreshold)
	}
	if config.Reconnect.MaxDelay < config.Reconnect.MinDelay {
		return fmt.Errorf("reconnect max_delay %v is below min_delay %v", config.Reconnect.MaxDelay, config.Reconnect.MinDelay)
	}
	if config.Reconnect.Jitter < 0 || config.Reconnect.Jitter > 1 {
		return fmt.Errorf("reconnect jitter must be within [0, 1], got %v", config.Reconnect.Jitter)
	}
	if _, err := parseLogLevel(config.LogLevel); err != nil {
		return err
	}
	return nil
}

// SlogLevel returns LogLevel as a slog.Level.
func (config *Config) SlogLevel() slog.Level {
	level, err := parseLogLevel(config.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log_level %q", value)
	}
}

func validateAbsoluteURL(field string, value string, schemes ...string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return NewError(InvalidURIError, field+": "+err.Error())
	}
	for _, scheme := range schemes {
		if parsed.Scheme == scheme && parsed.Host != "" {
			return nil
		}
	}
	return NewError(InvalidURIError, fmt.Sprintf("%s must be an absolute %s url: %q", field, strings.Join(schemes, "/"), value))
}

func applyEnvOverrides(config *Config, environ []string) error {
	if config == nil {
		return errors.New("config is required")
	}
	values := envMap(environ)
	if value, ok := values["DAPI_TOKEN"]; ok {
		config.Token = value
	}
	if value, ok := values["DAPI_INTENTS"]; ok {
		parsed, err := parseIntEnv("DAPI_INTENTS", value)
		if err != nil {
			return err
		}
		config.Intents = Intents(parsed)
	}
	if value, ok := values["DAPI_API_BASE_URL"]; ok {
		config.APIBaseURL = value
	}
	if value, ok := values["DAPI_GATEWAY_URL"]; ok {
		config.GatewayURL = value
	}
	if value, ok := values["DAPI_SHARD_INDEX"]; ok {
		parsed, err := parseIntEnv("DAPI_SHARD_INDEX", value)
		if err != nil {
			return err
		}
		config.Shard.Index = int(parsed)
	}
	if value, ok := values["DAPI_SHARD_COUNT"]; ok {
		parsed, err := parseIntEnv("DAPI_SHARD_COUNT", value)
		if err != nil {
			return err
		}
		config.Shard.Count = int(parsed)
	}
	if value, ok := values["DAPI_COMPRESS"]; ok {
		parsed, err := parseBoolEnv("DAPI_COMPRESS", value)
		if err != nil {
			return err
		}
		config.Compress = parsed
	}
	if value, ok := values["DAPI_GLOBAL_LIMIT"]; ok {
		parsed, err := parseIntEnv("DAPI_GLOBAL_LIMIT", value)
		if err != nil {
			return err
		}
		config.GlobalRateLimit.Limit = int(parsed)
	}
	if value, ok := values["DAPI_GLOBAL_WINDOW_MS"]; ok {
		parsed, err := parseIntEnv("DAPI_GLOBAL_WINDOW_MS", value)
		if err != nil {
			return err
		}
		config.GlobalRateLimit.Window = time.Duration(parsed) * time.Millisecond
	}
	if value, ok := values["DAPI_REDIS_ADDR"]; ok {
		config.Redis.Addr = value
	}
	if value, ok := values["DAPI_REDIS_PASSWORD"]; ok {
		config.Redis.Password = value
	}
	if value, ok := values["DAPI_REDIS_DB"]; ok {
		parsed, err := parseIntEnv("DAPI_REDIS_DB", value)
		if err != nil {
			return err
		}
		config.Redis.DB = int(parsed)
	}
	if value, ok := values["DAPI_SESSION_STATE_PATH"]; ok {
		config.SessionStatePath = value
	}
	if value, ok := values["DAPI_HTTP2"]; ok {
		parsed, err := parseBoolEnv("DAPI_HTTP2", value)
		if err != nil {
			return err
		}
		config.HTTP.HTTP2 = parsed
	}
	if value, ok := values["DAPI_LOG_LEVEL"]; ok {
		config.LogLevel = value
	}
	return nil
}

func envMap(environ []string) map[string]string {
	values := make(map[string]string)
	for _, entry := range environ {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		values[key] = parts[1]
	}
	return values
}

func parseBoolEnv(name, value string) (bool, error) {
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, errors.New("invalid env value for " + name)
	}
	return parsed, nil
}

func parseIntEnv(name, value string) (int64, error) {
	parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, errors.New("invalid env value for " + name)
	}
	return parsed, nil
}
