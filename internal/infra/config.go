package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv         string
	Port           string
	PublicBaseURL  string
	AllowedOrigins []string
	DatabaseURL    string
	AuthSecret     string
	RedisURL       string

	StorageBackend string
	StoragePath    string
	StorageBaseURL string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3Bucket       string
	S3Secure       bool

	ProviderBaseURL       string
	ProviderAPIToken      string
	ProviderWebhookSecret string
	ProviderTimeout       time.Duration

	IdentityWebhookSecret string

	PaymentBaseURL string
	PaymentAPIKey  string

	OpenAIAPIKey string
	OpenAIModel  string

	GeoIPDBPath     string
	ToolCatalogPath string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int

	ReconcileInterval time.Duration
	ReconcileBatch    int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:         getEnv("APP_ENV", "development"),
		Port:           getEnv("PORT", "8080"),
		PublicBaseURL:  getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		AllowedOrigins: splitCSV(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		AuthSecret:     os.Getenv("AUTH_SECRET"),
		RedisURL:       os.Getenv("REDIS_URL"),

		StorageBackend: getEnv("STORAGE_BACKEND", "file"),
		StoragePath:    getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL: getEnv("STORAGE_BASE_URL", "http://localhost:8080/static"),
		S3Endpoint:     os.Getenv("S3_ENDPOINT"),
		S3AccessKey:    os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:    os.Getenv("S3_SECRET_KEY"),
		S3Bucket:       getEnv("S3_BUCKET", "artifacts"),
		S3Secure:       getEnvBool("S3_SECURE", true),

		ProviderBaseURL:       getEnv("PROVIDER_BASE_URL", "https://api.replicate.com/v1"),
		ProviderAPIToken:      os.Getenv("PROVIDER_API_TOKEN"),
		ProviderWebhookSecret: os.Getenv("PROVIDER_WEBHOOK_SECRET"),
		ProviderTimeout:       time.Second * time.Duration(getEnvInt("PROVIDER_TIMEOUT_SECONDS", 120)),

		IdentityWebhookSecret: os.Getenv("IDENTITY_WEBHOOK_SECRET"),

		PaymentBaseURL: getEnv("PAYMENT_BASE_URL", "https://api.payments.example.com/v1"),
		PaymentAPIKey:  os.Getenv("PAYMENT_API_KEY"),

		OpenAIAPIKey: os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:  getEnv("OPENAI_MODEL", "gpt-4o-mini"),

		GeoIPDBPath:     os.Getenv("GEOIP_DB_PATH"),
		ToolCatalogPath: os.Getenv("TOOL_CATALOG_PATH"),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 150)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),

		ReconcileInterval: time.Second * time.Duration(getEnvInt("RECONCILE_INTERVAL_SECONDS", 10)),
		ReconcileBatch:    getEnvInt("RECONCILE_BATCH", 20),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.AuthSecret == "" {
		return nil, fmt.Errorf("AUTH_SECRET is required")
	}

	return cfg, nil
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
