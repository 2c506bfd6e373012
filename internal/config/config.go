package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	AppEnv         string
	Port           string
	AllowedOrigins []string
	Backend        string

	DBHost string
	DBUser string
	DBPass string
	DBName string
	DBPort string

	RedisURL string

	MeiliSearchHost string
	MeiliMasterKey  string

	JWTSecret string
	JWTTTL    time.Duration

	RateLimitGlobal time.Duration
	RateLimitThread time.Duration
	RateLimitPost   time.Duration
	RateLimitReport time.Duration

	LogDir        string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
}

func Load() (*Config, error) {
	// Don't fail if .env doesn't exist (might be prod env vars)
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:         getEnv("APP_ENV", "development"),
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),
		Backend:        strings.ToLower(getEnv("BACKEND", BackendPostgres)),

		DBHost: getEnv("DB_HOST", "localhost"),
		DBUser: getEnv("DB_USER", "postgres"),
		DBPass: os.Getenv("DB_PASS"),
		DBName: getEnv("DB_NAME", "community_forum"),
		DBPort: getEnv("DB_PORT", "5432"),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		MeiliSearchHost: normalizeMeiliHost(getEnv("MEILISEARCH_HOST", "http://localhost:7700")),
		MeiliMasterKey:  os.Getenv("MEILI_MASTER_KEY"),

		JWTSecret: getEnv("JWT_SECRET", "change-me"),

		LogDir: getEnv("LOG_DIR", "logs"),
	}

	if cfg.Backend != BackendPostgres && cfg.Backend != BackendMemory {
		return nil, fmt.Errorf("invalid BACKEND %q: want %s or %s", cfg.Backend, BackendPostgres, BackendMemory)
	}

	var err error
	ttlMinutes, err := parseInt("JWT_TTL_MINUTES", "60")
	if err != nil {
		return nil, err
	}
	cfg.JWTTTL = time.Duration(ttlMinutes) * time.Minute

	// Parsing durations
	for _, d := range []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"RATE_LIMIT_GLOBAL", "5s", &cfg.RateLimitGlobal},
		{"RATE_LIMIT_THREAD", "5m", &cfg.RateLimitThread},
		{"RATE_LIMIT_POST", "10s", &cfg.RateLimitPost},
		{"RATE_LIMIT_REPORT", "30s", &cfg.RateLimitReport},
	} {
		*d.dst, err = parseDuration(getEnv(d.key, d.fallback))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
	}

	if cfg.LogMaxSizeMB, err = parseInt("LOG_MAX_SIZE_MB", "50"); err != nil {
		return nil, err
	}
	if cfg.LogMaxBackups, err = parseInt("LOG_MAX_BACKUPS", "5"); err != nil {
		return nil, err
	}
	if cfg.LogMaxAgeDays, err = parseInt("LOG_MAX_AGE_DAYS", "28"); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DSN is the Postgres connection string for gorm.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		c.DBHost, c.DBUser, c.DBPass, c.DBName, c.DBPort,
	)
}

func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

func parseInt(key, fallback string) (int, error) {
	n, err := strconv.Atoi(getEnv(key, fallback))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: want a non-negative integer", key)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func normalizeMeiliHost(host string) string {
	if !strings.HasPrefix(host, "http") {
		return "http://" + host + ":7700"
	}
	return host
}
