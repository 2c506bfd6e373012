package search

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"anoa.com/communityforum/internal/backend/memory"
	"anoa.com/communityforum/internal/entity"
	"github.com/google/uuid"
)

type fakeIndex struct {
	mu      sync.Mutex
	docs    map[string]Document
	healthy bool
	failing bool
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{docs: make(map[string]Document), healthy: true}
}

func (f *fakeIndex) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeIndex) Upsert(docs []Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range docs {
		f.docs[d.ID] = d
	}
	return nil
}

func (f *fakeIndex) Delete(id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, id.String())
	return nil
}

func (f *fakeIndex) Search(query string, limit int) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, errors.New("index down")
	}
	var ids []uuid.UUID
	for _, d := range f.docs {
		if strings.Contains(d.Title, query) {
			ids = append(ids, uuid.MustParse(d.ID))
		}
	}
	return ids, nil
}

func (f *fakeIndex) get(id uuid.UUID) (Document, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id.String()]
	return d, ok
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSyncWorkerMirrorsThreads(t *testing.T) {
	mem := memory.New()
	category := mem.AddCategory("General", "general")
	author, err := mem.AddProfile("alice", "alice@example.com", "password123", entity.RoleUser)
	if err != nil {
		t.Fatal(err)
	}
	index := newFakeIndex()
	svc := NewService(index)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.StartSyncWorker(ctx, mem)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// the worker subscribes asynchronously; keep writing until it has caught one
	var th *entity.Thread
	waitFor(t, func() bool {
		th = &entity.Thread{Title: "Go <b>tips</b>", Content: "<p>use gofmt</p>", AuthorID: author.ID, CategoryID: category.ID}
		if err := mem.InsertThread(context.Background(), th); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
		_, ok := index.get(th.ID)
		return ok
	})

	doc, _ := index.get(th.ID)
	if doc.Title != "Go tips" || doc.Content != "use gofmt" {
		t.Errorf("expected markup stripped, got %+v", doc)
	}

	if err := mem.DeleteThread(context.Background(), th.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		_, ok := index.get(th.ID)
		return !ok
	})
}

func TestPredicateUsesIndex(t *testing.T) {
	index := newFakeIndex()
	hit := &entity.Thread{ID: uuid.New(), Title: "golang"}
	miss := &entity.Thread{ID: uuid.New(), Title: "rust", Content: "golang mentioned"}
	svc := NewService(index)
	_ = index.Upsert([]Document{svc.document(hit), svc.document(miss)})

	match := svc.Predicate(context.Background(), "golang")
	if !match(hit) || match(miss) {
		t.Fatal("expected the index result set to decide the match")
	}
}

func TestPredicateFallsBackToSubstring(t *testing.T) {
	index := newFakeIndex()
	index.failing = true
	svc := NewService(index)

	match := svc.Predicate(context.Background(), "GoLang")
	if !match(&entity.Thread{Title: "Learning golang"}) {
		t.Error("expected title match")
	}
	if !match(&entity.Thread{Title: "x", Content: "<i>Golang</i> rocks"}) {
		t.Error("expected content match")
	}
	if match(&entity.Thread{Title: "rust"}) {
		t.Error("unexpected match")
	}
}

func TestPredicateWithoutIndex(t *testing.T) {
	svc := NewService(nil)
	if svc.Predicate(context.Background(), "   ") != nil {
		t.Fatal("blank query should not filter")
	}
	if !svc.Predicate(context.Background(), "hello")(&entity.Thread{Title: "Hello world"}) {
		t.Fatal("expected substring fallback")
	}
}

func TestUnreachableMeiliReportsUnhealthy(t *testing.T) {
	m := NewMeili("http://127.0.0.1:1", "")
	defer m.Close()
	if m.Healthy() {
		t.Fatal("expected unhealthy client")
	}
	if _, err := m.Search("x", 10); err == nil {
		t.Fatal("expected search to fail")
	}
}
