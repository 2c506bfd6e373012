package search

import (
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	meili "github.com/meilisearch/meilisearch-go"
)

const idxThreads = "threads"

// Meili implements Index over a Meilisearch server.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a client and configures the threads index. The returned
// value is usable even when the server is down; it reports unhealthy and
// reconfigures once the server comes back.
func NewMeili(url, apiKey string) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
	}
	if _, err := m.client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}
	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxThreads, PrimaryKey: "id"}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxThreads, err)
	}
	index := m.client.Index(idxThreads)

	filterable := []interface{}{"category_id"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs: %v", err)
	}
	searchable := []string{"title", "content", "author_name"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs: %v", err)
	}
	sortable := []string{"created_at"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		log.Printf("search: update sortable attrs: %v", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Upsert(docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	if _, err := m.client.Index(idxThreads).AddDocuments(docs, nil); err != nil {
		m.healthy.Store(false)
		return fmt.Errorf("meilisearch add documents: %w", err)
	}
	return nil
}

func (m *Meili) Delete(id uuid.UUID) error {
	if _, err := m.client.Index(idxThreads).DeleteDocument(id.String(), nil); err != nil {
		m.healthy.Store(false)
		return fmt.Errorf("meilisearch delete document: %w", err)
	}
	return nil
}

func (m *Meili) Search(query string, limit int) ([]uuid.UUID, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	resp, err := m.client.Index(idxThreads).Search(query, &meili.SearchRequest{
		Limit:                int64(limit),
		AttributesToRetrieve: []string{"id"},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		raw, ok := hit["id"]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		if id, err := uuid.Parse(s); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
