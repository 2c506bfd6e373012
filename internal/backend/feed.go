package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"anoa.com/communityforum/internal/entity"
	"anoa.com/communityforum/pkg/apperror"
	"github.com/google/uuid"
)

type Table string

const (
	TableProfiles Table = "profiles"
	TableThreads  Table = "threads"
	TablePosts    Table = "posts"
	TableReports  Table = "reports"
)

type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

func (k EventKind) Valid() bool {
	switch k {
	case EventInsert, EventUpdate, EventDelete:
		return true
	}
	return false
}

// ChangeEvent is one row change. After is absent for deletes; Before is
// present only when the writer had the old row at hand.
type ChangeEvent struct {
	Kind   EventKind       `json:"kind"`
	Table  Table           `json:"table"`
	ID     uuid.UUID       `json:"id"`
	Before json.RawMessage `json:"before,omitempty"`
	After  json.RawMessage `json:"after,omitempty"`
	At     time.Time       `json:"at"`
}

// Subscription delivers events for one table in backend order. Events is
// closed when the subscription ends; Err then tells a disconnect (non-nil)
// from a Close (nil).
type Subscription interface {
	Events() <-chan ChangeEvent
	Err() error
	Close() error
}

type Feed interface {
	// Subscribe with no kinds receives every kind.
	Subscribe(ctx context.Context, table Table, kinds ...EventKind) (Subscription, error)
}

// ErrFeedDisconnected marks a subscription that ended without Close.
var ErrFeedDisconnected = fmt.Errorf("change feed disconnected: %w", apperror.ErrTransientNetwork)

func NewEvent(kind EventKind, table Table, id uuid.UUID, before, after any) (ChangeEvent, error) {
	ev := ChangeEvent{Kind: kind, Table: table, ID: id, At: time.Now().UTC()}
	if before != nil {
		raw, err := json.Marshal(before)
		if err != nil {
			return ChangeEvent{}, fmt.Errorf("marshal before row: %w", err)
		}
		ev.Before = raw
	}
	if after != nil {
		raw, err := json.Marshal(after)
		if err != nil {
			return ChangeEvent{}, fmt.Errorf("marshal after row: %w", err)
		}
		ev.After = raw
	}
	return ev, nil
}

// WantsKind reports whether an event kind passes a Subscribe kinds filter.
func WantsKind(kinds []EventKind, kind EventKind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (e ChangeEvent) row() json.RawMessage {
	if len(e.After) > 0 {
		return e.After
	}
	return e.Before
}

func (e ChangeEvent) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown event kind %q: %w", e.Kind, apperror.ErrValidation)
	}
	if e.ID == uuid.Nil {
		return fmt.Errorf("event without row id: %w", apperror.ErrValidation)
	}
	if e.Kind != EventDelete && len(e.After) == 0 {
		return fmt.Errorf("%s event for %s without row: %w", e.Kind, e.ID, apperror.ErrValidation)
	}
	return nil
}

// DecodeThread returns the row carried by the event, or nil for a delete
// that carried none.
func (e ChangeEvent) DecodeThread() (*entity.Thread, error) {
	raw := e.row()
	if len(raw) == 0 {
		return nil, nil
	}
	var t entity.Thread
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode thread row: %w", apperror.ErrValidation)
	}
	return &t, nil
}

func (e ChangeEvent) DecodePost() (*entity.Post, error) {
	raw := e.row()
	if len(raw) == 0 {
		return nil, nil
	}
	var p entity.Post
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode post row: %w", apperror.ErrValidation)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (e ChangeEvent) DecodeProfile() (*entity.Profile, error) {
	raw := e.row()
	if len(raw) == 0 {
		return nil, nil
	}
	var p entity.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode profile row: %w", apperror.ErrValidation)
	}
	if !p.Role.Valid() {
		return nil, fmt.Errorf("profile %s has unknown role %q: %w", p.ID, p.Role, apperror.ErrValidation)
	}
	return &p, nil
}
