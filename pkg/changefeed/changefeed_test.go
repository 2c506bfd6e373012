package changefeed

import (
	"context"
	"errors"
	"testing"
	"time"

	"anoa.com/communityforum/internal/backend"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func setupTestFeed(t *testing.T) (*Redis, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb), s
}

func receive(t *testing.T, sub backend.Subscription) backend.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed before event arrived")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return backend.ChangeEvent{}
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	feed, _ := setupTestFeed(t)
	ctx := context.Background()

	sub, err := feed.Subscribe(ctx, backend.TableThreads)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	id := uuid.New()
	ev, err := backend.NewEvent(backend.EventInsert, backend.TableThreads, id, nil, map[string]any{"id": id, "title": "hello"})
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}
	if err := feed.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	got := receive(t, sub)
	if got.ID != id || got.Kind != backend.EventInsert || got.Table != backend.TableThreads {
		t.Errorf("unexpected event %+v", got)
	}
	if len(got.After) == 0 {
		t.Error("expected row payload to survive the round trip")
	}
}

func TestSubscribeFiltersKinds(t *testing.T) {
	feed, _ := setupTestFeed(t)
	ctx := context.Background()

	sub, err := feed.Subscribe(ctx, backend.TablePosts, backend.EventDelete)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	insert, _ := backend.NewEvent(backend.EventInsert, backend.TablePosts, uuid.New(), nil, map[string]any{})
	del, _ := backend.NewEvent(backend.EventDelete, backend.TablePosts, uuid.New(), nil, nil)
	if err := feed.Publish(ctx, insert); err != nil {
		t.Fatal(err)
	}
	if err := feed.Publish(ctx, del); err != nil {
		t.Fatal(err)
	}

	got := receive(t, sub)
	if got.ID != del.ID {
		t.Errorf("expected only the delete event, got %s %s", got.Kind, got.ID)
	}
}

func TestCloseEndsWithoutError(t *testing.T) {
	feed, _ := setupTestFeed(t)
	sub, err := feed.Subscribe(context.Background(), backend.TableProfiles)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	sub.Close()

	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed events channel")
	}
	if sub.Err() != nil {
		t.Errorf("expected nil error after Close, got %v", sub.Err())
	}
}

func TestSubscribeFailsWhenRedisIsDown(t *testing.T) {
	feed, s := setupTestFeed(t)
	s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := feed.Subscribe(ctx, backend.TableThreads); err == nil {
		t.Fatal("expected subscribe to fail against a stopped server")
	}
}

func TestConnectionLossEndsSubscription(t *testing.T) {
	feed, s := setupTestFeed(t)
	sub, err := feed.Subscribe(context.Background(), backend.TableThreads)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	s.Close()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("unexpected event after the server went away")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription stayed open after the connection was lost")
	}
	if !errors.Is(sub.Err(), backend.ErrFeedDisconnected) {
		t.Errorf("expected ErrFeedDisconnected, got %v", sub.Err())
	}
}

func TestCancelledContextEndsWithoutError(t *testing.T) {
	feed, _ := setupTestFeed(t)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := feed.Subscribe(ctx, backend.TablePosts)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	cancel()
	select {
	case <-sub.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end with its context")
	}
	if sub.Err() != nil {
		t.Errorf("expected nil error after cancel, got %v", sub.Err())
	}
}
