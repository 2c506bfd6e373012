package memory

import (
	"context"
	"sync"

	"anoa.com/communityforum/internal/backend"
)

type hub struct {
	mu   sync.Mutex
	subs map[backend.Table]map[*subscription]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[backend.Table]map[*subscription]struct{})}
}

// publish never blocks: each subscription queues events and drains them on
// its own goroutine, so a slow consumer cannot stall writers.
func (h *hub) publish(ev backend.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[ev.Table] {
		if backend.WantsKind(s.kinds, ev.Kind) {
			s.enqueue(ev)
		}
	}
}

func (h *hub) remove(s *subscription) {
	h.mu.Lock()
	delete(h.subs[s.table], s)
	h.mu.Unlock()
}

func (h *hub) disconnect(table backend.Table) {
	h.mu.Lock()
	subs := h.subs[table]
	h.subs[table] = nil
	h.mu.Unlock()
	for s := range subs {
		s.stop(backend.ErrFeedDisconnected)
	}
}

func (b *Backend) Subscribe(ctx context.Context, table backend.Table, kinds ...backend.EventKind) (backend.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &subscription{
		table:  table,
		kinds:  kinds,
		hub:    b.hub,
		out:    make(chan backend.ChangeEvent),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	b.hub.mu.Lock()
	if b.hub.subs[table] == nil {
		b.hub.subs[table] = make(map[*subscription]struct{})
	}
	b.hub.subs[table][s] = struct{}{}
	b.hub.mu.Unlock()

	go s.pump()
	go func() {
		select {
		case <-ctx.Done():
			s.stop(nil)
		case <-s.done:
		}
	}()
	return s, nil
}

type subscription struct {
	table backend.Table
	kinds []backend.EventKind
	hub   *hub

	mu     sync.Mutex
	queue  []backend.ChangeEvent
	err    error
	closed bool

	out    chan backend.ChangeEvent
	wake   chan struct{}
	done   chan struct{}
	exited chan struct{}
}

func (s *subscription) enqueue(ev backend.ChangeEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) pump() {
	defer close(s.exited)
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) stop(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	s.queue = nil
	s.mu.Unlock()
	s.hub.remove(s)
	close(s.done)
}

func (s *subscription) Events() <-chan backend.ChangeEvent { return s.out }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.stop(nil)
	<-s.exited
	return nil
}
