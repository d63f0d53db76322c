package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Env            string
	Port           int
	DBPath         string
	DashboardToken string
	WorkerCount    int
	PollInterval   time.Duration
	ShutdownGrace  time.Duration
	OTELEnabled    bool
	OTELEndpoint   string
}

func Load() Config {
	return Config{
		Env:            getEnv("APP_ENV", "dev"),
		Port:           getEnvInt("PORT", 8080),
		DBPath:         getEnv("QUEUE_DB_PATH", "queue.db"),
		DashboardToken: getEnv("DASHBOARD_TOKEN", ""),
		WorkerCount:    getEnvInt("WORKER_COUNT", 1),
		PollInterval:   getEnvDuration("POLL_INTERVAL", 2*time.Second),
		ShutdownGrace:  getEnvDuration("SHUTDOWN_GRACE", 10*time.Second),
		OTELEnabled:    getEnv("OTEL_ENABLED", "") == "true",
		OTELEndpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

func WithTimeout(duration time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), duration)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		num, err := strconv.Atoi(v)

		if err != nil {
			fmt.Fprintf(os.Stderr, "bad %s: %v\n", key, err)
			return fallback
		}

		return num
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)

		if err != nil {
			fmt.Fprintf(os.Stderr, "bad %s: %v\n", key, err)
			return fallback
		}

		return d
	}
	return fallback
}
