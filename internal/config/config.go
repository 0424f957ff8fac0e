// Package config provides configuration for the relay service.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the relay configuration.
type Config struct {
	// Server settings
	WSPort   int // Websocket relay port
	HTTPPort int // Control plane port for /rooms, /health, /metrics
	RPCPort  int // JSON-RPC port for pushing events into rooms

	// Database
	DatabaseURL string

	// Auth settings
	JWTSecret string // HS256 secret shared with the identity provider
	JWTIssuer string // Expected issuer, mismatches are logged only

	// Execution engine
	ExecutorURL     string
	ExecutorTimeout time.Duration

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	SendBufferSize int

	// Room defaults
	InitialTemplate string
	DefaultLanguage string

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		WSPort:          getEnvInt("WS_PORT", 8090),
		HTTPPort:        getEnvInt("HTTP_PORT", 8000),
		RPCPort:         getEnvInt("RPC_PORT", 8092),
		DatabaseURL:     getEnv("DATABASE_URL", "file:coderoom.db?cache=shared&mode=rwc"),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		JWTIssuer:       getEnv("JWT_ISSUER", ""),
		ExecutorURL:     getEnv("EXECUTOR_URL", "https://emkc.org/api/v2/piston"),
		ExecutorTimeout: time.Duration(getEnvInt("EXECUTOR_TIMEOUT_MS", 30000)) * time.Millisecond,
		PingInterval:    time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WriteTimeout:    time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		ReadTimeout:     time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		MaxMessageSize:  int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 1<<20)),
		SendBufferSize:  getEnvInt("SEND_BUFFER_SIZE", 256),
		InitialTemplate: getEnv("INITIAL_TEMPLATE", ""),
		DefaultLanguage: getEnv("DEFAULT_LANGUAGE", "javascript"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
