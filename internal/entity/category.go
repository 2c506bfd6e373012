package entity

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Category groups threads. Categories are seeded, never edited at runtime.
type Category struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name        string    `gorm:"size:100;not null" json:"name"`
	Slug        string    `gorm:"size:100;uniqueIndex;not null" json:"slug"`
	Description string    `gorm:"type:text" json:"description"`
	Color       string    `gorm:"size:20" json:"color"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (c *Category) BeforeCreate(tx *gorm.DB) (err error) {
	if c.ID == uuid.Nil {
		c.ID, err = uuid.NewV7()
	}
	return
}

type Categories []Category

func (cs Categories) Has(id uuid.UUID) bool {
	for _, c := range cs {
		if c.ID == id {
			return true
		}
	}
	return false
}

// Slugs is the set of slugs already present.
func (cs Categories) Slugs() map[string]bool {
	out := make(map[string]bool, len(cs))
	for _, c := range cs {
		out[c.Slug] = true
	}
	return out
}
