package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	GeminiAPIKey string
	DatabaseURL  string
	HTTPPort     string
	LogLevel     string

	JWTSecret       string
	JWTIssuer       string
	ProjectRef      string // expected `ref` claim of every bearer token this deployment accepts
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	RetrievalURL   string
	RequestTimeout time.Duration
	ClientTimezone string

	MemoryWorkers   int
	MemoryQueueSize int

	// EnvFileLoaded reports whether a .env file was found. Logging is not set up
	// yet when config loads, so main reports it.
	EnvFileLoaded bool
}

var AppConfig Config

func LoadConfig() error {
	loaded := godotenv.Load() == nil // Load .env file if it exists

	port := getEnv("HTTP_PORT", "8080")
	AppConfig = Config{
		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		DatabaseURL:  getEnv("DATABASE_URL", "corporate_brain.db"),
		HTTPPort:     port,
		LogLevel:     getEnv("LOG_LEVEL", "INFO"),

		JWTSecret:       getEnv("JWT_SECRET", ""),
		JWTIssuer:       getEnv("JWT_ISSUER", "corporate-brain"),
		ProjectRef:      getEnv("PROJECT_REF", "agency-portal"),
		AccessTokenTTL:  getEnvAsDuration("ACCESS_TOKEN_TTL", time.Hour),
		RefreshTokenTTL: getEnvAsDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),

		RetrievalURL:   getEnv("RETRIEVAL_URL", "http://localhost:"+port+"/api/brain"),
		RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 60*time.Second),
		ClientTimezone: getEnv("CLIENT_TIMEZONE", ""),

		MemoryWorkers:   getEnvAsInt("MEMORY_WORKERS", 2),
		MemoryQueueSize: getEnvAsInt("MEMORY_QUEUE_SIZE", 64),

		EnvFileLoaded: loaded,
	}

	if AppConfig.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}
	if AppConfig.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if AppConfig.ClientTimezone != "" {
		if _, err := time.LoadLocation(AppConfig.ClientTimezone); err != nil {
			return fmt.Errorf("invalid CLIENT_TIMEZONE %q: %w", AppConfig.ClientTimezone, err)
		}
	}
	return nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// Location is the time zone the assistant reports as the client's. An empty
// CLIENT_TIMEZONE means the server's local zone.
func (c Config) Location() *time.Location {
	if c.ClientTimezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.ClientTimezone)
	if err != nil {
		return time.Local
	}
	return loc
}
