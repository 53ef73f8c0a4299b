package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds all bridge server settings, populated from environment
// variables. Constructed once in main and passed down; nothing reads the
// environment after Load returns.
type Config struct {
	BridgeListenAddr string
	HTTPAddr         string
	EventLogPath     string
	LogLevel         string
	LogFormat        string
	ShutdownTimeout  time.Duration

	// Kafka publishing of accepted strike records, feature-flagged.
	KafkaEnabled bool
	KafkaBrokers []string
	KafkaTopic   string
}

// Load reads configuration from environment variables, applying defaults
// where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := parseEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	kafkaEnabled := false
	if v := os.Getenv("KAFKA_ENABLED"); v != "" {
		kafkaEnabled = v == "true"
	}

	cfg := &Config{
		BridgeListenAddr: envOrDefault("BRIDGE_LISTEN_ADDR", ":7700"),
		HTTPAddr:         envOrDefault("HTTP_ADDR", ":8080"),
		EventLogPath:     envOrDefault("EVENT_LOG_PATH", "events.csv"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:  shutdownTimeout,

		KafkaEnabled: kafkaEnabled,
		KafkaBrokers: parseBrokers(envOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:   envOrDefault("KAFKA_TOPIC", "strike-events"),
	}

	if cfg.BridgeListenAddr == "" {
		return nil, errors.New("BRIDGE_LISTEN_ADDR is required")
	}
	if cfg.EventLogPath == "" {
		return nil, errors.New("EVENT_LOG_PATH is required")
	}
	if cfg.KafkaEnabled {
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_ENABLED is true but KAFKA_BROKERS is empty")
		}
		if cfg.KafkaTopic == "" {
			return nil, errors.New("KAFKA_ENABLED is true but KAFKA_TOPIC is empty")
		}
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseEnvDuration(key string, def time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, s)
	}
	return d, nil
}

func parseBrokers(s string) []string {
	parts := strings.Split(s, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			brokers = append(brokers, p)
		}
	}
	return brokers
}
