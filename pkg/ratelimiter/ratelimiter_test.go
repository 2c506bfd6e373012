package ratelimiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"anoa.com/communityforum/pkg/apperror"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb, s
}

func TestCheckAndSetRateLimit(t *testing.T) {
	rdb, s := setupTestRedis(t)
	ctx := context.Background()
	userID := uuid.New()

	ok, err := CheckAndSetRateLimit(ctx, rdb, userID, "post", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("expected first claim to succeed, got %v %v", ok, err)
	}
	ok, err = CheckAndSetRateLimit(ctx, rdb, userID, "post", 10*time.Second)
	if err != nil || ok {
		t.Fatalf("expected second claim to be refused, got %v %v", ok, err)
	}

	s.FastForward(11 * time.Second)
	ok, _ = CheckAndSetRateLimit(ctx, rdb, userID, "post", 10*time.Second)
	if !ok {
		t.Fatal("expected claim to succeed after cooldown expired")
	}
}

func TestNilClientAllowsEverything(t *testing.T) {
	ok, err := CheckAndSetRateLimit(context.Background(), nil, uuid.New(), "post", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected nil client to allow, got %v %v", ok, err)
	}
}

func TestLimiterRedisCooldownAndRelease(t *testing.T) {
	rdb, _ := setupTestRedis(t)
	l := NewLimiter(rdb)
	ctx := context.Background()
	userID := uuid.New()
	rules := []Rule{{Action: "global", Cooldown: 5 * time.Second}, {Action: "thread", Cooldown: 30 * time.Second}}

	release, err := l.Acquire(ctx, userID, rules...)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	_, err = l.Acquire(ctx, userID, rules...)
	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rlErr.RetryAfter <= 0 {
		t.Errorf("expected positive retry-after, got %s", rlErr.RetryAfter)
	}
	if !errors.Is(err, apperror.ErrRateLimitExceeded) {
		t.Error("RateLimitError should unwrap to ErrRateLimitExceeded")
	}

	release()
	if _, err := l.Acquire(ctx, userID, rules...); err != nil {
		t.Fatalf("expected release to clear cooldowns, got %v", err)
	}
}

func TestLimiterRollsBackEarlierRules(t *testing.T) {
	rdb, _ := setupTestRedis(t)
	l := NewLimiter(rdb)
	ctx := context.Background()
	userID := uuid.New()

	if _, err := l.Acquire(ctx, userID, Rule{Action: "post", Cooldown: time.Minute}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Acquire(ctx, userID, Rule{Action: "global", Cooldown: time.Minute}, Rule{Action: "post", Cooldown: time.Minute}); err == nil {
		t.Fatal("expected post cooldown to refuse")
	}
	if _, err := l.Acquire(ctx, userID, Rule{Action: "global", Cooldown: time.Minute}); err != nil {
		t.Fatalf("global cooldown should have been rolled back, got %v", err)
	}
}

func TestLimiterLocalFallback(t *testing.T) {
	l := NewLimiter(nil)
	ctx := context.Background()
	userID := uuid.New()
	rule := Rule{Action: "post", Cooldown: time.Hour}

	release, err := l.Acquire(ctx, userID, rule)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := l.Acquire(ctx, userID, rule); !errors.Is(err, apperror.ErrRateLimitExceeded) {
		t.Fatalf("expected local limiter to refuse, got %v", err)
	}
	release()
	if _, err := l.Acquire(ctx, userID, rule); err != nil {
		t.Fatalf("expected release to reset local limiter, got %v", err)
	}
	if _, err := l.Acquire(ctx, uuid.New(), rule); err != nil {
		t.Fatalf("other users must not share a cooldown, got %v", err)
	}
}
