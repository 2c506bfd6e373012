package ratelimiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"anoa.com/communityforum/pkg/apperror"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return e.Message
}

func (e *RateLimitError) Unwrap() error {
	return apperror.ErrRateLimitExceeded
}

func key(userID uuid.UUID, action string) string {
	return fmt.Sprintf("rate_limit:user:%s:%s", userID.String(), action)
}

// CheckAndSetRateLimit claims the cooldown for action. It reports false when
// the cooldown is already held.
func CheckAndSetRateLimit(ctx context.Context, rdb *redis.Client, userID uuid.UUID, action string, limit time.Duration) (bool, error) {
	if rdb == nil {
		return true, nil
	}
	wasSet, err := rdb.SetNX(ctx, key(userID, action), "locked", limit).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check rate limit in redis: %w", err)
	}
	return wasSet, nil
}

func GetRateLimitTTL(ctx context.Context, rdb *redis.Client, userID uuid.UUID, action string) (time.Duration, error) {
	if rdb == nil {
		return 0, nil
	}
	return rdb.TTL(ctx, key(userID, action)).Result()
}

func ClearRateLimit(ctx context.Context, rdb *redis.Client, userID uuid.UUID, action string) error {
	if rdb == nil {
		return nil
	}
	return rdb.Del(ctx, key(userID, action)).Err()
}

type Rule struct {
	Action   string
	Cooldown time.Duration
}

// Limiter enforces per-user cooldowns. With a Redis client the cooldowns are
// shared by every instance; without one each instance keeps its own.
type Limiter struct {
	rdb *redis.Client

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

func NewLimiter(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb, local: make(map[string]*rate.Limiter)}
}

// Acquire claims every rule in order. If one is held, the ones already
// claimed are released and a *RateLimitError is returned. The returned
// release undoes the claim, for callers whose action then fails.
func (l *Limiter) Acquire(ctx context.Context, userID uuid.UUID, rules ...Rule) (func(), error) {
	var claimed []string
	release := func() {
		for _, action := range claimed {
			l.clear(context.WithoutCancel(ctx), userID, action)
		}
	}
	for _, r := range rules {
		if r.Cooldown <= 0 {
			continue
		}
		ok, retry, err := l.claim(ctx, userID, r)
		if err != nil {
			release()
			return nil, fmt.Errorf("failed to check rate limit: %w", err)
		}
		if !ok {
			release()
			return nil, &RateLimitError{
				Message:    fmt.Sprintf("you are doing that too fast. Please wait %.0f seconds", retry.Seconds()),
				RetryAfter: retry,
			}
		}
		claimed = append(claimed, r.Action)
	}
	return release, nil
}

func (l *Limiter) claim(ctx context.Context, userID uuid.UUID, r Rule) (bool, time.Duration, error) {
	if l.rdb != nil {
		ok, err := CheckAndSetRateLimit(ctx, l.rdb, userID, r.Action, r.Cooldown)
		if err != nil || ok {
			return ok, 0, err
		}
		ttl, _ := GetRateLimitTTL(ctx, l.rdb, userID, r.Action)
		if ttl <= 0 {
			ttl = r.Cooldown
		}
		return false, ttl, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	k := key(userID, r.Action)
	lim, ok := l.local[k]
	if !ok {
		lim = rate.NewLimiter(rate.Every(r.Cooldown), 1)
		l.local[k] = lim
	}
	res := lim.Reserve()
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return false, delay, nil
	}
	return true, 0, nil
}

func (l *Limiter) clear(ctx context.Context, userID uuid.UUID, action string) {
	if l.rdb != nil {
		_ = ClearRateLimit(ctx, l.rdb, userID, action)
		return
	}
	l.mu.Lock()
	delete(l.local, key(userID, action))
	l.mu.Unlock()
}
