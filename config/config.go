package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	EnvHost               = "HOST"
	EnvPort               = "PORT"
	EnvLogLevel           = "LOG_LEVEL"
	EnvStoreDriver        = "STORE_DRIVER"
	EnvSQLitePath         = "SQLITE_PATH"
	EnvAMQPURL            = "AMQP_URL"
	EnvAMQPExchange       = "AMQP_EXCHANGE"
	EnvMQTTBroker         = "MQTT_BROKER"
	EnvMQTTClientID       = "MQTT_CLIENT_ID"
	EnvMQTTTopicPrefix    = "MQTT_TOPIC_PREFIX"
	EnvShutdownTimeoutSec = "SHUTDOWN_TIMEOUT_SEC"

	StoreMemory = "memory"
	StoreSQLite = "sqlite"

	MinPortNumber = 1
	MaxPortNumber = 65535
)

// Config holds runtime configuration loaded from environment variables.
type Config struct {
	Host            string
	Port            int
	LogLevel        slog.Level
	StoreDriver     string
	SQLitePath      string
	AMQPURL         string
	AMQPExchange    string
	MQTTBroker      string
	MQTTClientID    string
	MQTTTopicPrefix string
	ShutdownTimeout time.Duration
}

// LoadFromEnv loads and validates configuration from environment variables.
func LoadFromEnv() (Config, error) {
	level, err := parseLevel(os.Getenv(EnvLogLevel))
	if err != nil {
		return Config{}, err
	}
	port, err := intEnvOrDefault(EnvPort, 8080)
	if err != nil {
		return Config{}, err
	}
	shutdownSec, err := intEnvOrDefault(EnvShutdownTimeoutSec, 10)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Host:            strings.TrimSpace(os.Getenv(EnvHost)),
		Port:            port,
		LogLevel:        level,
		StoreDriver:     envOrDefault(EnvStoreDriver, StoreMemory),
		SQLitePath:      envOrDefault(EnvSQLitePath, "./imbridge.db"),
		AMQPURL:         strings.TrimSpace(os.Getenv(EnvAMQPURL)),
		AMQPExchange:    envOrDefault(EnvAMQPExchange, "device.presence"),
		MQTTBroker:      strings.TrimSpace(os.Getenv(EnvMQTTBroker)),
		MQTTClientID:    envOrDefault(EnvMQTTClientID, "imbridge-server"),
		MQTTTopicPrefix: envOrDefault(EnvMQTTTopicPrefix, "imbridge/devices"),
		ShutdownTimeout: time.Duration(shutdownSec) * time.Second,
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is coherent.
func (c Config) Validate() error {
	if c.Port < MinPortNumber || c.Port > MaxPortNumber {
		return fmt.Errorf("invalid %s: must be in range %d..%d", EnvPort, MinPortNumber, MaxPortNumber)
	}
	switch c.StoreDriver {
	case StoreMemory:
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("invalid %s: required when %s=%s", EnvSQLitePath, EnvStoreDriver, StoreSQLite)
		}
	default:
		return fmt.Errorf("invalid %s: must be %q or %q", EnvStoreDriver, StoreMemory, StoreSQLite)
	}
	if c.AMQPURL != "" && c.AMQPExchange == "" {
		return fmt.Errorf("invalid %s: required when %s is set", EnvAMQPExchange, EnvAMQPURL)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid %s: must be > 0", EnvShutdownTimeoutSec)
	}
	return nil
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func parseLevel(v string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid %s: %q", EnvLogLevel, v)
	}
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func intEnvOrDefault(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q is not an integer", key, v)
	}
	return n, nil
}
