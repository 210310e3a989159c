package gateway

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/mcdev12/tabletop/go/internal/turntimer/persist"
	"gopkg.in/yaml.v3"
)

// Store backends the gateway can run against.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config holds the gateway process configuration
type Config struct {
	Port            string        `yaml:"port" env:"GATEWAY_PORT"`
	Store           string        `yaml:"store" env:"STORE"`
	LogLevel        string        `yaml:"log_level" env:"LOG_LEVEL"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"GATEWAY_ALLOWED_ORIGINS" envSeparator:","`
	CommandTimeout  time.Duration `yaml:"command_timeout" env:"GATEWAY_COMMAND_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"GATEWAY_SHUTDOWN_TIMEOUT"`

	Connection ConnectionConfig `yaml:"connection"`
	Persist    persist.Config   `yaml:"persist"`
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WS_WRITE_TIMEOUT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"WS_READ_TIMEOUT"`
	PingInterval    time.Duration `yaml:"ping_interval" env:"WS_PING_INTERVAL"`
	MaxMessageSize  int64         `yaml:"max_message_size" env:"WS_MAX_MESSAGE_SIZE"`
	ReadBufferSize  int           `yaml:"read_buffer_size" env:"WS_READ_BUFFER_SIZE"`
	WriteBufferSize int           `yaml:"write_buffer_size" env:"WS_WRITE_BUFFER_SIZE"`
	SendBufferSize  int           `yaml:"send_buffer_size" env:"WS_SEND_BUFFER_SIZE"`

	CheckOrigin func(r *http.Request) bool `yaml:"-"`
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

func DefaultConfig() Config {
	return Config{
		Port:            "8081",
		Store:           StoreMemory,
		LogLevel:        "info",
		AllowedOrigins:  []string{"*"},
		CommandTimeout:  5 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Connection:      DefaultConnectionConfig(),
		Persist:         persist.DefaultConfig(),
	}
}

// LoadConfig starts from DefaultConfig, applies the YAML file at path if one is given and then
// environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}

	switch cfg.Store {
	case StoreMemory, StorePostgres:
	default:
		return Config{}, fmt.Errorf("unknown store %q (want %s or %s)", cfg.Store, StoreMemory, StorePostgres)
	}
	return cfg, nil
}
