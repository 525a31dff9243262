package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the booth server.
type Config struct {
	BindAddr              string
	ShutdownTimeout       time.Duration
	RoomInactivityTimeout time.Duration
	MetricsNamespace      string
	PublicBaseURL         string

	AllowAnyOrigin bool

	LogLevel string
	LogFile  string
	LogJSON  bool

	DataDir      string
	ArtifactsDir string
	LayoutsFile  string

	FFmpegPath      string
	ComposeTimeout  time.Duration
	SegmentTTL      time.Duration
	MaxSegmentBytes int

	DatabaseURL string
	RedisURL    string
	NATSURL     string
}

// Load reads an optional .env file and environment variables, then applies safe defaults.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf(".env parse error: %w", err)
	}

	cfg := Config{
		BindAddr:              envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:      envOrDefault("APP_METRICS_NAMESPACE", "pairbooth"),
		PublicBaseURL:         strings.TrimRight(envOrDefault("APP_PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		AllowAnyOrigin:        false,
		LogLevel:              envOrDefault("LOG_LEVEL", "info"),
		LogFile:               stringsTrimSpace("LOG_FILE"),
		LogJSON:               false,
		DataDir:               envOrDefault("DATA_DIR", "data/segments"),
		ArtifactsDir:          envOrDefault("ARTIFACTS_DIR", "data/artifacts"),
		LayoutsFile:           stringsTrimSpace("LAYOUTS_FILE"),
		FFmpegPath:            envOrDefault("FFMPEG_PATH", "ffmpeg"),
		DatabaseURL:           stringsTrimSpace("DATABASE_URL"),
		RedisURL:              stringsTrimSpace("REDIS_URL"),
		NATSURL:               stringsTrimSpace("NATS_URL"),
		ShutdownTimeout:       15 * time.Second,
		RoomInactivityTimeout: 30 * time.Minute,
		ComposeTimeout:        2 * time.Minute,
		SegmentTTL:            24 * time.Hour,
		// 64 MiB covers a 10s 1080p segment at generous bitrates.
		MaxSegmentBytes: 64 << 20,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RoomInactivityTimeout, err = durationFromEnv("APP_ROOM_INACTIVITY_TIMEOUT", cfg.RoomInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ComposeTimeout, err = durationFromEnv("COMPOSE_TIMEOUT", cfg.ComposeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SegmentTTL, err = durationFromEnv("SEGMENT_TTL", cfg.SegmentTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSegmentBytes, err = intFromEnv("MAX_SEGMENT_BYTES", cfg.MaxSegmentBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LogJSON, err = boolFromEnv("LOG_JSON", cfg.LogJSON)
	if err != nil {
		return Config{}, err
	}

	if cfg.RoomInactivityTimeout < 30*time.Second {
		return Config{}, fmt.Errorf("APP_ROOM_INACTIVITY_TIMEOUT must be at least 30s")
	}
	if cfg.ComposeTimeout <= 0 {
		return Config{}, fmt.Errorf("COMPOSE_TIMEOUT must be positive")
	}
	if cfg.MaxSegmentBytes <= 0 {
		return Config{}, fmt.Errorf("MAX_SEGMENT_BYTES must be positive")
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("invalid LOG_LEVEL: %q (expected debug|info|warn|error)", cfg.LogLevel)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
