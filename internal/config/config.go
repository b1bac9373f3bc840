package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the API server and its collaborators.
type Config struct {
	ListenAddr         string
	LogLevel           string
	DBDriver           string
	DBDSN              string
	RedisAddr          string
	RedisPassword      string
	JWTSecret          string
	CORSAllowedOrigins []string

	ProviderAPIKey        string
	ProviderBaseURL       string
	ProviderModel         string
	ProviderMaxTextLength int
	RequestTimeout        time.Duration

	PollMaxAttempts        int
	PollInterval           time.Duration
	PollJitter             time.Duration
	MaxInflightGenerations int
	CreditsPerChar         int
	FreeCredits            int64

	PaymentKeyID    string
	PaymentSecret   string
	PaymentBaseURL  string
	PaymentCurrency string

	AdminUsername string
	AdminPassword string

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
}

// ArchiveEnabled reports whether generated audio should be mirrored into S3.
func (c Config) ArchiveEnabled() bool {
	return c.S3Bucket != ""
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	const defaultProviderBaseURL = "https://api.kie.ai"

	cfg := Config{
		ListenAddr:             getEnv("LISTEN_ADDR", ":8080"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		DBDriver:               strings.ToLower(getEnv("DB_DRIVER", "mysql")),
		DBDSN:                  os.Getenv("DB_DSN"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		JWTSecret:              os.Getenv("JWT_SECRET"),
		CORSAllowedOrigins:     splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		ProviderAPIKey:         os.Getenv("PROVIDER_API_KEY"),
		ProviderBaseURL:        normalizeBaseURL(getEnv("PROVIDER_BASE_URL", defaultProviderBaseURL), defaultProviderBaseURL),
		ProviderModel:          getEnv("PROVIDER_MODEL", "elevenlabs/text-to-speech-multilingual-v2"),
		ProviderMaxTextLength:  getInt("PROVIDER_MAX_TEXT_LENGTH", 5000),
		RequestTimeout:         time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 30)),
		PollMaxAttempts:        getInt("POLL_MAX_ATTEMPTS", 30),
		PollInterval:           getDuration("POLL_INTERVAL_MS", 2*time.Second),
		PollJitter:             getDuration("POLL_JITTER_MS", 250*time.Millisecond),
		MaxInflightGenerations: getInt("MAX_INFLIGHT_GENERATIONS", 64),
		CreditsPerChar:         getInt("CREDITS_PER_CHAR", 1),
		FreeCredits:            int64(getInt("FREE_CREDITS", 10000)),
		PaymentKeyID:           os.Getenv("PAYMENT_KEY_ID"),
		PaymentSecret:          os.Getenv("PAYMENT_SECRET"),
		PaymentBaseURL:         strings.TrimRight(getEnv("PAYMENT_BASE_URL", "https://api.razorpay.com/v1"), "/"),
		PaymentCurrency:        getEnv("PAYMENT_CURRENCY", "INR"),
		AdminUsername:          getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:          getEnv("ADMIN_PASSWORD", "change-me"),
		S3Endpoint:             os.Getenv("S3_ENDPOINT"),
		S3Region:               os.Getenv("S3_REGION"),
		S3AccessKey:            os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:            os.Getenv("S3_SECRET_KEY"),
		S3Bucket:               os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:        os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:         getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:               getEnv("S3_PREFIX", "audio"),
	}

	var missing []string
	if cfg.DBDSN == "" {
		missing = append(missing, "DB_DSN")
	}
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if cfg.ProviderAPIKey == "" {
		missing = append(missing, "PROVIDER_API_KEY")
	}
	if cfg.ArchiveEnabled() {
		if cfg.S3Region == "" {
			missing = append(missing, "S3_REGION")
		}
		if cfg.S3AccessKey == "" {
			missing = append(missing, "S3_ACCESS_KEY")
		}
		if cfg.S3SecretKey == "" {
			missing = append(missing, "S3_SECRET_KEY")
		}
		if cfg.S3PublicBaseURL == "" {
			missing = append(missing, "S3_PUBLIC_BASE_URL")
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	switch cfg.DBDriver {
	case "mysql", "sqlite", "postgres":
	default:
		return Config{}, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
	if cfg.PollMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("POLL_MAX_ATTEMPTS must be positive")
	}
	if cfg.CreditsPerChar <= 0 {
		return Config{}, fmt.Errorf("CREDITS_PER_CHAR must be positive")
	}

	return cfg, nil
}

// normalizeBaseURL makes sure the provider host always carries a scheme and
// points at the API subdomain rather than the marketing site.
func normalizeBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		parsed.Host = parsed.Path
		parsed.Path = ""
	}

	if parsed.Host == "kie.ai" {
		parsed.Host = "api.kie.ai"
	}

	return strings.TrimRight(parsed.String(), "/")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

// getDuration reads an integer number of milliseconds.
func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	// Running purely from the process environment is fine.
	return nil
}
