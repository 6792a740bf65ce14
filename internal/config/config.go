// Package config loads service settings from the environment.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the service needs at construction time.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
	MaxUploadBytes  int64
	// MaxImagePixels rejects images whose declared width*height is larger.
	MaxImagePixels  int64
	LogLevel        string

	// DatabaseRoot is the directory holding one sub-directory per identity.
	DatabaseRoot string

	Engine   EngineConfig
	Defaults MatchDefaults
	Audit    AuditConfig
	Redis    RedisConfig
	Events   EventsConfig
	Auth     AuthConfig
}

type EngineConfig struct {
	Addr        string
	DialTimeout time.Duration
	CallTimeout time.Duration
}

// MatchDefaults are applied to verify requests that omit an option.
type MatchDefaults struct {
	ModelName       string
	DetectorBackend string
	DistanceMetric  string
}

type AuditConfig struct {
	DSN          string // empty disables auditing; sqlite://<file> selects sqlite
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Addr     string // empty selects the in-process sequencer and disables caching
	Password string
	DB       int
	// ResultTTL bounds how long verification records stay cached.
	ResultTTL time.Duration
}

type EventsConfig struct {
	AMQPURL  string
	Exchange string
}

type AuthConfig struct {
	JWTSecret   string
	JWTAudience string
}

// Load reads an optional .env file and then the process environment.
func Load() *Config {
	// .env is optional
	_ = godotenv.Load()

	return &Config{
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		MaxUploadBytes:  int64(envInt("MAX_UPLOAD_BYTES", 10<<20)),
		MaxImagePixels:  int64(envInt("MAX_IMAGE_PIXELS", 89_478_485)),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		DatabaseRoot:    databaseRoot(getEnv("DATABASE_ROOT", "database")),
		Engine: EngineConfig{
			Addr:        getEnv("ENGINE_ADDR", "face-engine:50051"),
			DialTimeout: envDuration("ENGINE_DIAL_TIMEOUT", 5*time.Second),
			CallTimeout: envDuration("ENGINE_TIMEOUT", 60*time.Second),
		},
		Defaults: MatchDefaults{
			ModelName:       getEnv("DEFAULT_MODEL_NAME", "VGG-Face"),
			DetectorBackend: getEnv("DEFAULT_DETECTOR_BACKEND", "opencv"),
			DistanceMetric:  getEnv("DEFAULT_DISTANCE_METRIC", "cosine"),
		},
		Audit: AuditConfig{
			DSN:          os.Getenv("DATABASE_DSN"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 10),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Redis: RedisConfig{
			Addr:      os.Getenv("REDIS_ADDR"),
			Password:  os.Getenv("REDIS_PASSWORD"),
			DB:        envInt("REDIS_DB", 0),
			ResultTTL: envDuration("RESULT_CACHE_TTL", 5*time.Minute),
		},
		Events: EventsConfig{
			AMQPURL:  os.Getenv("AMQP_URL"),
			Exchange: getEnv("AMQP_EXCHANGE", "faces"),
		},
		Auth: AuthConfig{
			JWTSecret:   os.Getenv("JWT_SECRET"),
			JWTAudience: os.Getenv("JWT_AUDIENCE"),
		},
	}
}

func databaseRoot(dir string) string {
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return dir
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// envInt parses a non-negative integer, returning fallback when unset or invalid.
func envInt(key string, fallback int) int {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return n
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return fallback
}
