// Package config loads the relay configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/whisper/notice-relay/internal/ws"
)

// Prefix is the environment variable prefix, e.g. RELAY_LISTEN_ADDR.
const Prefix = "RELAY"

var validate = validator.New()

// Config is the relay configuration.
type Config struct {
	ListenAddr     string        `envconfig:"LISTEN_ADDR" default:":4040" validate:"required,hostname_port"`
	WorkerPoolSize int           `envconfig:"WORKER_POOL_SIZE" default:"256" validate:"min=1"`
	MaxConnections int           `envconfig:"MAX_CONNECTIONS" default:"100000" validate:"min=0"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"10s" validate:"min=0"`
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s" validate:"min=0"`
	SendQueueSize  int           `envconfig:"SEND_QUEUE_SIZE" default:"256" validate:"min=1"`

	// A zero interval disables the heartbeat.
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"0s" validate:"min=0"`
	HeartbeatTimeout  time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"10s" validate:"min=0"`

	LogLevel   string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=trace debug info warn warning error disabled off"`
	LogConsole bool   `envconfig:"LOG_CONSOLE" default:"true"`

	// ServerName identifies this instance in presence entries and mDNS.
	// Defaults to the hostname.
	ServerName string `envconfig:"SERVER_NAME"`

	// Optional integrations; empty disables them.
	NATSURL     string        `envconfig:"NATS_URL" validate:"omitempty,url"`
	RedisAddr   string        `envconfig:"REDIS_ADDR" validate:"omitempty,hostname_port"`
	PresenceTTL time.Duration `envconfig:"PRESENCE_TTL" default:"10m" validate:"min=0"`
	MDNSEnabled bool          `envconfig:"MDNS_ENABLED" default:"false"`
}

// Load reads an optional .env file from the working directory and then the
// environment.
func Load() (Config, error) {
	// A missing .env is not an error; real environment variables win.
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv decodes and validates the configuration from the environment only.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.ServerName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "notice-relay"
		}
		cfg.ServerName = host
	}

	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Server returns the WebSocket server settings.
func (c Config) Server() ws.ServerConfig {
	return ws.ServerConfig{
		ListenAddr:     c.ListenAddr,
		WorkerPoolSize: c.WorkerPoolSize,
		MaxConnections: c.MaxConnections,
		ReadTimeout:    c.ReadTimeout,
		WriteTimeout:   c.WriteTimeout,
		SendQueueSize:  c.SendQueueSize,
		Heartbeat: ws.HeartbeatConfig{
			Interval: c.HeartbeatInterval,
			Timeout:  c.HeartbeatTimeout,
		},
	}
}
