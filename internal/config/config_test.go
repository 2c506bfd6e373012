package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BACKEND", "memory")
	t.Setenv("ALLOWED_ORIGINS", "http://a.test, http://b.test,")
	t.Setenv("MEILISEARCH_HOST", "meili")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend != BackendMemory {
		t.Errorf("expected memory backend, got %s", cfg.Backend)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://b.test" {
		t.Errorf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.MeiliSearchHost != "http://meili:7700" {
		t.Errorf("unexpected meili host %s", cfg.MeiliSearchHost)
	}
	if cfg.JWTTTL != time.Hour {
		t.Errorf("expected default ttl of one hour, got %s", cfg.JWTTTL)
	}
	if cfg.RateLimitThread != 5*time.Minute {
		t.Errorf("expected default thread cooldown, got %s", cfg.RateLimitThread)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	for key, value := range map[string]string{
		"BACKEND":           "mongo",
		"RATE_LIMIT_POST":   "soon",
		"RATE_LIMIT_GLOBAL": "-1s",
		"JWT_TTL_MINUTES":   "ten",
		"LOG_MAX_BACKUPS":   "-2",
	} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected %s=%s to be rejected", key, value)
			}
		})
	}
}

func TestDSN(t *testing.T) {
	cfg := &Config{DBHost: "db", DBUser: "u", DBPass: "p", DBName: "n", DBPort: "5433"}
	want := "host=db user=u password=p dbname=n port=5433 sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
