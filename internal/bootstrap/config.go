package bootstrap

import (
	"log/slog"
	"os"
	"strconv"
)

type Config struct {
	// ServerURL is the HTTP base of the backend API.
	ServerURL string
	// StreamURL is the websocket transcription endpoint.
	StreamURL string

	// DataDir holds the durable credential store. Empty keeps
	// credentials in memory only.
	DataDir string

	Language string
	Username string
	Password string

	// Devserver settings.
	ServerAddr       string
	JWTSecret        []byte
	AccessTTLSeconds int

	LogLevel string
}

func LoadConfig() *Config {
	return &Config{
		ServerURL: getEnv("SERVER_URL", "http://localhost:8080"),
		StreamURL: getEnv("STREAM_URL", "ws://localhost:8080/api/v1/transcribe"),

		DataDir: getEnv("DATA_DIR", ""),

		Language: getEnv("LANGUAGE", "en"),
		Username: getEnv("USERNAME", ""),
		Password: getEnv("PASSWORD", ""),

		ServerAddr:       getEnv("SERVER_ADDR", ":8080"),
		JWTSecret:        []byte(getEnv("JWT_SECRET", "change-me-in-production")),
		AccessTTLSeconds: getEnvInt("ACCESS_TTL_SECONDS", 900),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

func NewLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
