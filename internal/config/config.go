// Package config handles configuration loading, validation, and persistence
// for botlink.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultAPIPort    = 5080
	DefaultGamePort   = 11031
)

// Transport names accepted in SessionConfig.Transport.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// Reconnect policy names accepted in ReconnectConfig.Policy.
const (
	PolicyExponential = "exponential"
	PolicyFixed       = "fixed"
	PolicyNone        = "none"
)

// Config is the root configuration structure for botlink.
type Config struct {
	mu   sync.RWMutex
	path string

	Sessions  []SessionConfig `json:"sessions"`
	Framing   FramingConfig   `json:"framing"`
	Reconnect ReconnectConfig `json:"reconnect"`
	Keepalive KeepaliveConfig `json:"keepalive"`
	API       APIConfig       `json:"api"`
	MQTT      MQTTConfig      `json:"mqtt"`
	Metrics   MetricsConfig   `json:"metrics"`
	Journal   JournalConfig   `json:"journal"`
	Logging   LoggingConfig   `json:"logging"`
}

// SessionConfig describes one remote endpoint.
type SessionConfig struct {
	Name              string `json:"name"`
	Host              string `json:"host"`
	Port              int    `json:"port"`
	Transport         string `json:"transport"`
	WSPath            string `json:"ws_path,omitempty"`
	ConnectTimeoutSec int    `json:"connect_timeout_sec"`
	AutoConnect       bool   `json:"auto_connect"`
}

// ConnectTimeout returns the connect timeout as a duration.
func (s SessionConfig) ConnectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeoutSec) * time.Second
}

// FramingConfig is the wire layout shared by all sessions.
type FramingConfig struct {
	HeaderWidth      int    `json:"header_width"`
	ByteOrder        string `json:"byte_order"`
	MaxFrameSize     int    `json:"max_frame_size"`
	LengthAdjustment int    `json:"length_adjustment"`
	OpcodeWidth      int    `json:"opcode_width"`
}

// ReconnectConfig selects and tunes the reconnection policy.
type ReconnectConfig struct {
	Policy      string  `json:"policy"`
	MaxAttempts int     `json:"max_attempts"`
	BaseDelayMs int     `json:"base_delay_ms"`
	MaxDelayMs  int     `json:"max_delay_ms"`
	Multiplier  float64 `json:"multiplier"`
	Jitter      float64 `json:"jitter"`
}

// KeepaliveConfig holds the periodic heartbeat settings.
type KeepaliveConfig struct {
	Enabled     bool   `json:"enabled"`
	IntervalSec int    `json:"interval_sec"`
	Opcode      uint32 `json:"opcode"`
}

// APIConfig holds REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// JournalConfig holds the connection journal settings.
type JournalConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Sessions: []SessionConfig{},
		Framing: FramingConfig{
			HeaderWidth:  2,
			ByteOrder:    "little",
			MaxFrameSize: 65535,
			OpcodeWidth:  2,
		},
		Reconnect: ReconnectConfig{
			Policy:      PolicyExponential,
			MaxAttempts: 10,
			BaseDelayMs: 1000,
			MaxDelayMs:  60000,
			Multiplier:  2,
			Jitter:      0.2,
		},
		Keepalive: KeepaliveConfig{
			Enabled:     false,
			IntervalSec: 15,
		},
		API: APIConfig{
			Enabled:      true,
			Port:         DefaultAPIPort,
			RateLimitRPS: 100,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Port:        1883,
			TopicPrefix: "botlink",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "botlink",
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    filepath.Join("data", "botlink.db"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
		},
	}
}

// DefaultSession returns a session entry with defaults filled in.
func DefaultSession(name string) SessionConfig {
	return SessionConfig{
		Name:              name,
		Host:              "127.0.0.1",
		Port:              DefaultGamePort,
		Transport:         TransportTCP,
		ConnectTimeoutSec: 30,
		AutoConnect:       true,
	}
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	cfg.fillSessionDefaults()

	cfg.path = configPath
	log.Info().Str("path", configPath).Int("sessions", len(cfg.Sessions)).Msg("configuration loaded")

	// Re-save config to persist any new default fields added in code updates.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// fillSessionDefaults completes session entries that omit optional fields.
func (c *Config) fillSessionDefaults() {
	for i := range c.Sessions {
		s := &c.Sessions[i]
		if s.Transport == "" {
			s.Transport = TransportTCP
		}
		if s.ConnectTimeoutSec == 0 {
			s.ConnectTimeoutSec = 30
		}
		if s.Transport == TransportWebSocket && s.WSPath == "" {
			s.WSPath = "/"
		}
	}
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetSessions returns a copy of the session list.
func (c *Config) GetSessions() []SessionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SessionConfig, len(c.Sessions))
	copy(out, c.Sessions)
	return out
}

// AddSession appends s, or replaces the entry with the same name.
func (c *Config) AddSession(s SessionConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.Sessions {
		if c.Sessions[i].Name == s.Name {
			c.Sessions[i] = s
			return
		}
	}
	c.Sessions = append(c.Sessions, s)
}

// SetPath points the config at a file, for configs built in code.
func (c *Config) SetPath(path string) {
	c.path = path
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun returns true if no session has been configured yet.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.Sessions) == 0
}
