package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"anoa.com/communityforum/internal/backend"
	"anoa.com/communityforum/pkg/apperror"
	"anoa.com/communityforum/pkg/changefeed"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestTokenRoundTrip(t *testing.T) {
	_, rdb := newRedis(t)
	tokens := NewTokens(rdb, "secret", time.Hour)
	userID := uuid.New()

	s, err := tokens.Issue(userID)
	if err != nil {
		t.Fatal(err)
	}
	got, err := tokens.Verify(context.Background(), s.Token)
	if err != nil || got == nil {
		t.Fatalf("expected valid session, got %+v %v", got, err)
	}
	if got.UserID != userID {
		t.Errorf("expected user %s, got %s", userID, got.UserID)
	}
}

func TestTokenRejections(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()
	tokens := NewTokens(rdb, "secret", time.Hour)
	s, _ := tokens.Issue(uuid.New())

	other := NewTokens(rdb, "other-secret", time.Hour)
	if got, _ := other.Verify(ctx, s.Token); got != nil {
		t.Error("token signed with another secret was accepted")
	}
	if got, _ := tokens.Verify(ctx, "not-a-jwt"); got != nil {
		t.Error("garbage token was accepted")
	}

	tokens.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if got, _ := tokens.Verify(ctx, s.Token); got != nil {
		t.Error("expired token was accepted")
	}
}

func TestRevokeKeepsKeyUntilExpiry(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()
	tokens := NewTokens(rdb, "secret", time.Hour)
	userID := uuid.New()
	s, _ := tokens.Issue(userID)

	owner, revoked, err := tokens.Revoke(ctx, s.Token)
	if err != nil || !revoked || owner != userID {
		t.Fatalf("unexpected revoke result %s %t %v", owner, revoked, err)
	}
	if got, _ := tokens.Verify(ctx, s.Token); got != nil {
		t.Fatal("revoked token still verifies")
	}

	keys := mr.Keys()
	if len(keys) != 1 {
		t.Fatalf("expected one revocation key, got %v", keys)
	}
	if ttl := mr.TTL(keys[0]); ttl <= 0 || ttl > time.Hour {
		t.Errorf("expected revocation TTL within token lifetime, got %s", ttl)
	}

	if _, revoked, err := tokens.Revoke(ctx, "garbage"); err != nil || revoked {
		t.Errorf("revoking garbage should be a no-op, got %t %v", revoked, err)
	}
}

func TestVerifyReportsRedisOutage(t *testing.T) {
	mr, rdb := newRedis(t)
	tokens := NewTokens(rdb, "secret", time.Hour)
	s, _ := tokens.Issue(uuid.New())
	mr.Close()

	if _, err := tokens.Verify(context.Background(), s.Token); !errors.Is(err, apperror.ErrTransientNetwork) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestWatchSessionsFansOutChanges(t *testing.T) {
	_, rdb := newRedis(t)
	b := New(nil, rdb, Options{JWTSecret: "secret", TokenTTL: time.Hour})

	changes := make(chan backend.SessionChange, 4)
	unsubscribe := b.OnSessionChange(func(c backend.SessionChange) { changes <- c })
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.WatchSessions(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// the watcher subscribes asynchronously
	waitSubscribed(t, rdb, changefeed.Channel(backend.TableProfiles))

	userID := uuid.New()
	ev, err := backend.NewEvent(backend.EventUpdate, backend.TableProfiles, userID, nil, map[string]any{"id": userID, "role": "user"})
	if err != nil {
		t.Fatal(err)
	}
	if err := changefeed.New(rdb).Publish(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	c := receive(t, changes)
	if c.Kind != backend.SessionProfileChanged || c.UserID != userID {
		t.Fatalf("unexpected change %+v", c)
	}

	s, _ := b.tokens.Issue(userID)
	if err := b.SignOut(context.Background(), s.Token); err != nil {
		t.Fatal(err)
	}
	c = receive(t, changes)
	if c.Kind != backend.SessionSignedOut || c.Token != s.Token {
		t.Fatalf("unexpected change %+v", c)
	}
	if got, _ := b.GetSession(context.Background(), s.Token); got != nil {
		t.Fatal("signed-out token still resolves")
	}
}

func waitSubscribed(t *testing.T, rdb *redis.Client, channel string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		counts, err := rdb.PubSubNumSub(context.Background(), channel).Result()
		if err == nil && counts[channel] > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no subscriber on %s", channel)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func receive(t *testing.T, ch <-chan backend.SessionChange) backend.SessionChange {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session change")
	}
	return backend.SessionChange{}
}

func TestMapError(t *testing.T) {
	cases := []struct {
		in   error
		want error
	}{
		{gorm.ErrRecordNotFound, apperror.ErrNotFound},
		{fmt.Errorf("wrapped: %w", gorm.ErrRecordNotFound), apperror.ErrNotFound},
		{gorm.ErrDuplicatedKey, apperror.ErrConflict},
		{driver.ErrBadConn, apperror.ErrTransientNetwork},
		{fmt.Errorf("thread locked: %w", apperror.ErrPermissionDenied), apperror.ErrPermissionDenied},
		{context.Canceled, context.Canceled},
	}
	for _, tc := range cases {
		if got := mapError(tc.in, "row"); !errors.Is(got, tc.want) {
			t.Errorf("mapError(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
	if mapError(nil, "row") != nil {
		t.Error("nil should stay nil")
	}
}

func TestDecodeSessionChangeDropsGarbage(t *testing.T) {
	if _, ok := decodeSessionChange(revokedChannel, "{"); ok {
		t.Error("malformed revocation accepted")
	}
	if _, ok := decodeSessionChange(changefeed.Channel(backend.TableProfiles), "nope"); ok {
		t.Error("malformed profile event accepted")
	}
}
