// Package config handles configuration loading, validation, and persistence
// for the statlink agent.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigDir      = "config"
	DefaultConfigFile     = "config.json"
	DefaultYAMLConfigFile = "config.yaml"
	DefaultAPIPort        = 5080
	DefaultMockPort       = 8080

	// EnvAccessKey overrides auth.access_key when set.
	EnvAccessKey = "STATLINK_ACCESS_KEY"
)

// Config is the root configuration structure for statlink.
type Config struct {
	mu   sync.RWMutex
	path string

	Endpoint  EndpointConfig  `json:"endpoint" yaml:"endpoint"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Transport TransportConfig `json:"transport" yaml:"transport"`
	API       APIConfig       `json:"api" yaml:"api"`
	MQTT      MQTTConfig      `json:"mqtt" yaml:"mqtt"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Timers    TimerConfig     `json:"timers" yaml:"timers"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
}

// EndpointConfig is the remote socket.io endpoint.
type EndpointConfig struct {
	Host               string `json:"host" yaml:"host"`
	Port               int    `json:"port" yaml:"port"`
	Secure             bool   `json:"secure" yaml:"secure"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// AuthConfig holds the credentials sent in the handshake and payloads.
type AuthConfig struct {
	AccessKey     string `json:"access_key" yaml:"access_key"`
	SecretKey     string `json:"secret_key" yaml:"secret_key"`
	UseSecretAuth bool   `json:"use_secret_auth" yaml:"use_secret_auth"`
	PlayerID      string `json:"player_id" yaml:"player_id"`
}

// TransportConfig tunes the connector. Durations are milliseconds.
type TransportConfig struct {
	QueueCapacity      int     `json:"queue_capacity" yaml:"queue_capacity"`
	EnqueueTimeoutMs   int     `json:"enqueue_timeout_ms" yaml:"enqueue_timeout_ms"`
	DequeueTimeoutMs   int     `json:"dequeue_timeout_ms" yaml:"dequeue_timeout_ms"`
	SendCooldownMs     int     `json:"send_cooldown_ms" yaml:"send_cooldown_ms"`
	MaxPayloadBytes    int     `json:"max_payload_bytes" yaml:"max_payload_bytes"`
	BackoffBaseMs      int     `json:"backoff_base_ms" yaml:"backoff_base_ms"`
	BackoffMaxMs       int     `json:"backoff_max_ms" yaml:"backoff_max_ms"`
	BackoffJitter      float64 `json:"backoff_jitter" yaml:"backoff_jitter"`
	MaxConnectAttempts int     `json:"max_connect_attempts" yaml:"max_connect_attempts"`
	ConnectTimeoutMs   int     `json:"connect_timeout_ms" yaml:"connect_timeout_ms"`
	WriteTimeoutMs     int     `json:"write_timeout_ms" yaml:"write_timeout_ms"`
	SettleDelayMs      int     `json:"settle_delay_ms" yaml:"settle_delay_ms"`
	CloseTimeoutMs     int     `json:"close_timeout_ms" yaml:"close_timeout_ms"`
	DrainOnClose       bool    `json:"drain_on_close" yaml:"drain_on_close"`
}

// APIConfig holds the local control API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	Host           string   `json:"host" yaml:"host"`
	Port           int      `json:"port" yaml:"port"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
	Token          string   `json:"token" yaml:"token"`
}

// MQTTConfig holds MQTT status mirror settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	BrokerURL   string `json:"broker_url" yaml:"broker_url"`
	Port        int    `json:"port" yaml:"port"`
	UseTLS      bool   `json:"use_tls" yaml:"use_tls"`
	CAFile      string `json:"ca_file" yaml:"ca_file"`
	ClientID    string `json:"client_id" yaml:"client_id"`
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`
}

// StorageConfig holds the delivery history database settings.
type StorageConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	Path           string `json:"path" yaml:"path"`
	RetentionHours int    `json:"retention_hours" yaml:"retention_hours"`
	BusyTimeoutMs  int    `json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// TimerConfig holds periodic task intervals.
type TimerConfig struct {
	StatsFlushInterval int `json:"stats_flush_interval_sec" yaml:"stats_flush_interval_sec"`
	PingInterval       int `json:"ping_interval_sec" yaml:"ping_interval_sec"`
	HeartbeatInterval  int `json:"heartbeat_interval_sec" yaml:"heartbeat_interval_sec"`
	HistoryCleanup     int `json:"history_cleanup_interval_sec" yaml:"history_cleanup_interval_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level"`
	Directory  string `json:"directory" yaml:"directory"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	Console    bool   `json:"console" yaml:"console"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			Host:   "localhost",
			Port:   443,
			Secure: true,
		},
		Auth: AuthConfig{
			UseSecretAuth: false,
		},
		Transport: TransportConfig{
			QueueCapacity:      100,
			EnqueueTimeoutMs:   50,
			DequeueTimeoutMs:   1000,
			SendCooldownMs:     1000,
			MaxPayloadBytes:    2 * 1024 * 1024,
			BackoffBaseMs:      1000,
			BackoffMaxMs:       30000,
			MaxConnectAttempts: 5,
			ConnectTimeoutMs:   10000,
			WriteTimeoutMs:     10000,
			SettleDelayMs:      200,
			CloseTimeoutMs:     3000,
			DrainOnClose:       true,
		},
		API: APIConfig{
			Enabled:        true,
			Host:           "127.0.0.1",
			Port:           DefaultAPIPort,
			AllowedOrigins: []string{"http://localhost"},
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			BrokerURL:   "localhost",
			Port:        1883,
			TopicPrefix: "statlink",
		},
		Storage: StorageConfig{
			Enabled:        true,
			Path:           filepath.Join("data", "statlink.db"),
			RetentionHours: 72,
			BusyTimeoutMs:  5000,
		},
		Timers: TimerConfig{
			StatsFlushInterval: 30,
			PingInterval:       60,
			HeartbeatInterval:  60,
			HistoryCleanup:     3600,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxSizeMB:  10,
			MaxBackups: 5,
			Console:    true,
		},
	}
}

// Load reads configuration from path. path may name a .json, .yaml or .yml
// file, or a directory holding config.json or config.yaml. A missing file is
// created with defaults.
func Load(path string) (*Config, error) {
	configPath := resolvePath(path)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if isYAML(configPath) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	cfg.applyEnv()
	log.Info().Str("path", configPath).Msg("configuration loaded")
	return cfg, nil
}

func resolvePath(path string) string {
	if path == "" {
		path = DefaultConfigDir
	}
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".json" || ext == ".yaml" || ext == ".yml" {
		return path
	}
	yamlPath := filepath.Join(path, DefaultYAMLConfigFile)
	if _, err := os.Stat(yamlPath); err == nil {
		return yamlPath
	}
	return filepath.Join(path, DefaultConfigFile)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func (c *Config) applyEnv() {
	if key := os.Getenv(EnvAccessKey); key != "" {
		c.mu.Lock()
		c.Auth.AccessKey = key
		c.mu.Unlock()
		log.Debug().Str("env", EnvAccessKey).Msg("access key taken from environment")
	}
}

// Save writes the current configuration to disk in the format implied by
// the file extension.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return fmt.Errorf("config has no file path")
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(c.path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetAuth returns a copy of the auth section.
func (c *Config) GetAuth() AuthConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Auth
}

// SetAuth updates the auth section.
func (c *Config) SetAuth(auth AuthConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Auth = auth
}

// GetEndpoint returns a copy of the endpoint section.
func (c *Config) GetEndpoint() EndpointConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Endpoint
}

// SetPath sets the file Save writes to.
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// Path returns the config file path.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// NeedsCredentials returns true if secret auth is on but no access key is set.
func (c *Config) NeedsCredentials() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Auth.UseSecretAuth && c.Auth.AccessKey == ""
}
