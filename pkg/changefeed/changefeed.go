// Package changefeed carries row change events between server instances over
// Redis pub/sub, one channel per table.
package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"anoa.com/communityforum/internal/backend"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "changes:"

func Channel(table backend.Table) string {
	return channelPrefix + string(table)
}

type Redis struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (r *Redis) Publish(ctx context.Context, ev backend.ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	if err := r.rdb.Publish(ctx, Channel(ev.Table), payload).Err(); err != nil {
		return fmt.Errorf("publish %s change: %w", ev.Table, err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so no event
// published after it returns is missed.
func (r *Redis) Subscribe(ctx context.Context, table backend.Table, kinds ...backend.EventKind) (backend.Subscription, error) {
	pubsub := r.rdb.Subscribe(ctx, Channel(table))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", table, backend.ErrFeedDisconnected)
	}

	s := &subscription{
		pubsub: pubsub,
		out:    make(chan backend.ChangeEvent),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.run(ctx, table, kinds)
	return s, nil
}

type subscription struct {
	pubsub *redis.PubSub

	mu     sync.Mutex
	err    error
	closed bool

	out    chan backend.ChangeEvent
	done   chan struct{}
	exited chan struct{}
}

// run reads with Receive rather than Channel: Channel reconnects on its own
// and hides the gap, while a failed Receive ends the subscription for good.
func (s *subscription) run(ctx context.Context, table backend.Table, kinds []backend.EventKind) {
	defer close(s.exited)
	defer close(s.out)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.pubsub.Close()
		case <-stop:
		}
	}()

	for {
		msg, err := s.pubsub.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil && !s.isClosed() {
				log.Printf("changefeed: %s subscription lost: %v", table, err)
				s.setErr(fmt.Errorf("%s: %v: %w", table, err, backend.ErrFeedDisconnected))
			}
			return
		}
		m, ok := msg.(*redis.Message)
		if !ok {
			continue
		}
		var ev backend.ChangeEvent
		if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
			log.Printf("changefeed: dropping malformed %s event: %v", table, err)
			continue
		}
		if !backend.WantsKind(kinds, ev.Kind) {
			continue
		}
		select {
		case s.out <- ev:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *subscription) setErr(err error) {
	s.mu.Lock()
	if !s.closed {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *subscription) Events() <-chan backend.ChangeEvent { return s.out }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	err := s.pubsub.Close()
	<-s.exited
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
