package entity

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UnknownAuthor is shown when a thread or post author can no longer be resolved.
const UnknownAuthor = "Unknown"

type Thread struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Title      string     `gorm:"size:255;not null" json:"title"`
	Content    string     `gorm:"type:text;not null" json:"content"`
	AuthorID   uuid.UUID  `gorm:"type:uuid;not null;index" json:"author_id"`
	Author     *Profile   `gorm:"foreignKey:AuthorID" json:"-"`
	AuthorName string     `gorm:"-" json:"author_name,omitempty"`
	CategoryID uuid.UUID  `gorm:"type:uuid;not null;index" json:"category_id"`
	IsPinned   bool       `gorm:"default:false" json:"is_pinned"`
	PinnedAt   *time.Time `json:"pinned_at,omitempty"`
	PinnedBy   *uuid.UUID `gorm:"type:uuid" json:"pinned_by,omitempty"`
	IsLocked   bool       `gorm:"default:false" json:"is_locked"`
	LockedAt   *time.Time `json:"locked_at,omitempty"`
	LockedBy   *uuid.UUID `gorm:"type:uuid" json:"locked_by,omitempty"`
	Posts      []Post     `gorm:"foreignKey:ThreadID" json:"posts,omitempty"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (t *Thread) BeforeCreate(tx *gorm.DB) (err error) {
	if t.ID == uuid.Nil {
		t.ID, err = uuid.NewV7()
	}
	return
}

// ResolveAuthorNames fills AuthorName on the thread and its posts from the
// preloaded Author relations, falling back to UnknownAuthor.
func (t *Thread) ResolveAuthorNames() {
	t.AuthorName = authorName(t.Author)
	for i := range t.Posts {
		t.Posts[i].ResolveAuthorName()
	}
}

// Clone returns a deep copy that shares no mutable state with t.
func (t *Thread) Clone() *Thread {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Author = t.Author.Clone()
	if t.Posts != nil {
		cp.Posts = make([]Post, len(t.Posts))
		for i := range t.Posts {
			cp.Posts[i] = *t.Posts[i].Clone()
		}
	}
	return &cp
}

func authorName(p *Profile) string {
	if p == nil || p.Username == "" {
		return UnknownAuthor
	}
	return p.Username
}
