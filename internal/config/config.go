package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the complete agent configuration
type Config struct {
	Backend       BackendConfig       `yaml:"backend"`
	Conn          ConnConfig          `yaml:"conn"`
	Router        RouterConfig        `yaml:"router"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Chat          ChatConfig          `yaml:"chat"`
	Activity      ActivityConfig      `yaml:"activity"`
	State         StateConfig         `yaml:"state"`
	Server        ServerConfig        `yaml:"server"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Logging       LoggingConfig       `yaml:"logging"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// BackendConfig identifies the DocSynth backend this agent talks to
type BackendConfig struct {
	BaseURL    string `yaml:"base_url"`
	StreamPath string `yaml:"stream_path"`
	AuthToken  string `yaml:"auth_token"`
}

// ConnConfig contains connection manager settings. The default policy
// is a fixed 5s reconnect delay; a backoff factor above 1 enables
// exponential backoff with the configured jitter and ceiling.
type ConnConfig struct {
	AutoReconnect      bool     `yaml:"auto_reconnect"`
	ReconnectDelayMs   int      `yaml:"reconnect_delay_ms"`
	BackoffFactor      float64  `yaml:"backoff_factor"`
	MaxDelayMs         int      `yaml:"max_delay_ms"`
	Jitter             float64  `yaml:"jitter"`
	MaxRetries         int      `yaml:"max_retries"`
	HandshakeTimeoutMs int      `yaml:"handshake_timeout_ms"`
	WriteTimeoutMs     int      `yaml:"write_timeout_ms"`
	Channels           []string `yaml:"channels"`
}

// RouterConfig contains frame router settings
type RouterConfig struct {
	MaxBufferSize int `yaml:"max_buffer_size"`
}

// NotificationsConfig contains notification store settings
type NotificationsConfig struct {
	Capacity       int  `yaml:"capacity"`
	HydrateOnStart bool `yaml:"hydrate_on_start"`
}

// ChatConfig contains chat session settings
type ChatConfig struct {
	PendingTimeoutSeconds int `yaml:"pending_timeout_seconds"`
	RecentSessionLimit    int `yaml:"recent_session_limit"`
}

// ActivityConfig contains activity feed settings
type ActivityConfig struct {
	Capacity            int `yaml:"capacity"`
	DedupeWindowSeconds int `yaml:"dedupe_window_seconds"`
}

// StateConfig contains client state persistence settings
type StateConfig struct {
	DataDir           string `yaml:"data_dir"`
	CacheSize         int    `yaml:"cache_size"`
	RecentSearchLimit int    `yaml:"recent_search_limit"`
}

// ServerConfig contains the local HTTP surface settings
type ServerConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Addr            string `yaml:"addr"`
	ReadTimeoutSec  int    `yaml:"read_timeout"`
	WriteTimeoutSec int    `yaml:"write_timeout"`
}

// RateLimitConfig throttles outbound WebSocket traffic
type RateLimitConfig struct {
	Enabled             bool `yaml:"enabled"`
	WSMessagesPerSecond int  `yaml:"ws_messages_per_second"`
	Burst               int  `yaml:"burst"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Endpoint      string            `yaml:"endpoint"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL:    "https://api.docsynth.dev",
			StreamPath: "/ws",
		},
		Conn: ConnConfig{
			AutoReconnect:      true,
			ReconnectDelayMs:   5000,
			BackoffFactor:      1.0,
			MaxDelayMs:         60000,
			Jitter:             0,
			MaxRetries:         0,
			HandshakeTimeoutMs: 10000,
			WriteTimeoutMs:     5000,
			Channels:           []string{},
		},
		Router: RouterConfig{
			MaxBufferSize: 100,
		},
		Notifications: NotificationsConfig{
			Capacity:       50,
			HydrateOnStart: true,
		},
		Chat: ChatConfig{
			PendingTimeoutSeconds: 30,
			RecentSessionLimit:    10,
		},
		Activity: ActivityConfig{
			Capacity:            100,
			DedupeWindowSeconds: 300,
		},
		State: StateConfig{
			DataDir:           "./data",
			CacheSize:         128,
			RecentSearchLimit: 20,
		},
		Server: ServerConfig{
			Enabled:         true,
			Addr:            "127.0.0.1:7432",
			ReadTimeoutSec:  5,
			WriteTimeoutSec: 10,
		},
		RateLimit: RateLimitConfig{
			Enabled:             true,
			WSMessagesPerSecond: 20,
			Burst:               40,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: true,
			GlobalFields:  map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "docsynth-agent",
			Endpoint:      "localhost:4317",
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file, falling back
// to defaults when the file is missing
func LoadConfigFromFile(filePath string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, environment variables, and flags.
// Flags take the highest priority, then environment, then the file.
func LoadConfig(configFile, dataDir, serverAddr, logLevel string) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	applyEnvOverrides(config)

	if dataDir != "" {
		absDataDir, err := filepath.Abs(dataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for data directory: %w", err)
		}
		config.State.DataDir = absDataDir
	}

	if serverAddr != "" {
		config.Server.Addr = serverAddr
	}

	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(config *Config) {
	if url := os.Getenv("DOCSYNTH_BACKEND_URL"); url != "" {
		config.Backend.BaseURL = url
	}
	if token := os.Getenv("DOCSYNTH_AUTH_TOKEN"); token != "" {
		config.Backend.AuthToken = token
	}
	if addr := os.Getenv("DOCSYNTH_SERVER_ADDR"); addr != "" {
		config.Server.Addr = addr
	}
	if dataDir := os.Getenv("DOCSYNTH_STATE_DATA_DIR"); dataDir != "" {
		config.State.DataDir = dataDir
	}
	if delayStr := os.Getenv("DOCSYNTH_RECONNECT_DELAY_MS"); delayStr != "" {
		if val, err := strconv.Atoi(delayStr); err == nil {
			config.Conn.ReconnectDelayMs = val
		}
	}
	if level := os.Getenv("DOCSYNTH_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("DOCSYNTH_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
}
