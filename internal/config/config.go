package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// Config represents the main streamrelay configuration
type Config struct {
	// Telegram front-end and delivery sink
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`

	// Exchange endpoints and session timings
	Exchange ExchangeConfig `json:"exchange" mapstructure:"exchange"`

	// Supervisor behaviour
	Supervisor SupervisorConfig `json:"supervisor" mapstructure:"supervisor"`

	// Admin HTTP API
	Admin AdminConfig `json:"admin" mapstructure:"admin"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory (PID file, audit log, default database location)
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Profile database path
	DatabasePath string `json:"database_path" mapstructure:"database_path"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	BotToken    string  `json:"bot_token" mapstructure:"bot_token"`
	SendRate    float64 `json:"send_rate" mapstructure:"send_rate"`   // messages per second across all chats
	SendBurst   int     `json:"send_burst" mapstructure:"send_burst"` // token bucket size

	// Per-chat budget, applied before the global one
	ChatSendRate  float64 `json:"chat_send_rate" mapstructure:"chat_send_rate"`
	ChatSendBurst int     `json:"chat_send_burst" mapstructure:"chat_send_burst"`
	PollTimeout int     `json:"poll_timeout" mapstructure:"poll_timeout"`

	// APIEndpoint overrides the Bot API URL format, e.g. for a local bot API server
	APIEndpoint string `json:"api_endpoint,omitempty" mapstructure:"api_endpoint"`
}

// ExchangeConfig describes the exchange's listen-key and stream endpoints
type ExchangeConfig struct {
	BaseURL      string `json:"base_url" mapstructure:"base_url"`
	TokenPath    string `json:"token_path" mapstructure:"token_path"`
	StreamBase   string `json:"stream_base" mapstructure:"stream_base"`
	APIKeyHeader string `json:"api_key_header" mapstructure:"api_key_header"`

	RenewalInterval    time.Duration `json:"renewal_interval" mapstructure:"renewal_interval"`
	ConnectionDeadline time.Duration `json:"connection_deadline" mapstructure:"connection_deadline"`
	RequestTimeout     time.Duration `json:"request_timeout" mapstructure:"request_timeout"`
	HandshakeTimeout   time.Duration `json:"handshake_timeout" mapstructure:"handshake_timeout"`

	// RetryTransient restarts the stream after non-deadline failures too,
	// with exponential backoff between BackoffInitial and BackoffMax.
	RetryTransient bool          `json:"retry_transient" mapstructure:"retry_transient"`
	BackoffInitial time.Duration `json:"backoff_initial" mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `json:"backoff_max" mapstructure:"backoff_max"`
}

// SupervisorConfig holds session supervisor settings
type SupervisorConfig struct {
	MaintenanceSchedule string `json:"maintenance_schedule" mapstructure:"maintenance_schedule"` // cron expression
	ReplayOnStart       bool   `json:"replay_on_start" mapstructure:"replay_on_start"`
}

// AdminConfig holds admin API server configuration
type AdminConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`

	// Per-client budget for activation requests
	ActivationsPerMinute int `json:"activations_per_minute" mapstructure:"activations_per_minute"`
	ActivationBurst      int `json:"activation_burst" mapstructure:"activation_burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{
			Enabled:       true,
			SendRate:      25,
			SendBurst:     5,
			ChatSendRate:  1,
			ChatSendBurst: 3,
			PollTimeout:   60,
		},
		Exchange: ExchangeConfig{
			BaseURL:            "https://api.binance.com",
			TokenPath:          "/api/v3/userDataStream",
			StreamBase:         "wss://stream.binance.com:9443/ws",
			APIKeyHeader:       "X-MBX-APIKEY",
			RenewalInterval:    30 * time.Minute,
			ConnectionDeadline: 24 * time.Hour,
			RequestTimeout:     10 * time.Second,
			HandshakeTimeout:   10 * time.Second,
			RetryTransient:     false,
			BackoffInitial:     time.Second,
			BackoffMax:         time.Minute,
		},
		Supervisor: SupervisorConfig{
			MaintenanceSchedule: "@every 1m",
			ReplayOnStart:       true,
		},
		Admin: AdminConfig{
			Enabled: false,
			Host:                 "127.0.0.1",
			Port:                 8090,
			ActivationsPerMinute: 30,
			ActivationBurst:      5,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.Telegram.BotToken != "" {
		masked.Telegram.BotToken = "***"
	}
	if masked.Admin.SharedSecret != "" {
		masked.Admin.SharedSecret = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is usable
func (c *Config) Validate() error {
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram bot token is required when Telegram is enabled")
	}
	if c.Telegram.SendRate <= 0 {
		return fmt.Errorf("telegram send_rate must be positive")
	}
	if c.Telegram.ChatSendRate <= 0 {
		return fmt.Errorf("telegram chat_send_rate must be positive")
	}
	if c.Telegram.ChatSendBurst < 1 {
		return fmt.Errorf("telegram chat_send_burst must be at least 1")
	}
	if c.Telegram.SendBurst < 1 {
		return fmt.Errorf("telegram send_burst must be at least 1")
	}

	if err := requireURL("exchange base_url", c.Exchange.BaseURL, "http", "https"); err != nil {
		return err
	}
	if err := requireURL("exchange stream_base", c.Exchange.StreamBase, "ws", "wss"); err != nil {
		return err
	}
	if c.Exchange.TokenPath == "" {
		return fmt.Errorf("exchange token_path is required")
	}
	if c.Exchange.APIKeyHeader == "" {
		return fmt.Errorf("exchange api_key_header is required")
	}
	if c.Exchange.RenewalInterval <= 0 {
		return fmt.Errorf("exchange renewal_interval must be positive")
	}
	if c.Exchange.ConnectionDeadline <= 0 {
		return fmt.Errorf("exchange connection_deadline must be positive")
	}
	if c.Exchange.RetryTransient {
		if c.Exchange.BackoffInitial <= 0 || c.Exchange.BackoffMax < c.Exchange.BackoffInitial {
			return fmt.Errorf("exchange backoff requires 0 < backoff_initial <= backoff_max")
		}
	}

	if c.Admin.Enabled && (c.Admin.Port <= 0 || c.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", c.Admin.Port)
	}

	return nil
}

func requireURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be an absolute %v URL, got %q", field, schemes, raw)
}
