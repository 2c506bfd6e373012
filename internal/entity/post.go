package entity

import (
	"fmt"
	"time"

	"anoa.com/communityforum/pkg/apperror"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PostStatus string

const (
	PostActive  PostStatus = "active"
	PostDeleted PostStatus = "deleted"
	PostHidden  PostStatus = "hidden"
)

func (s PostStatus) Valid() bool {
	switch s {
	case PostActive, PostDeleted, PostHidden:
		return true
	}
	return false
}

func ParsePostStatus(s string) (PostStatus, error) {
	st := PostStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown post status %q: %w", s, apperror.ErrValidation)
	}
	return st, nil
}

type Post struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ThreadID    uuid.UUID  `gorm:"type:uuid;not null;index" json:"thread_id"`
	AuthorID    uuid.UUID  `gorm:"type:uuid;not null;index" json:"author_id"`
	Author      *Profile   `gorm:"foreignKey:AuthorID" json:"-"`
	AuthorName  string     `gorm:"-" json:"author_name,omitempty"`
	Content     string     `gorm:"type:text;not null" json:"content"`
	IsReported  bool       `gorm:"default:false" json:"is_reported"`
	ReportCount int        `gorm:"not null;default:0" json:"report_count"`
	Status      PostStatus `gorm:"size:20;not null;default:active" json:"status"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p *Post) BeforeCreate(tx *gorm.DB) (err error) {
	if p.ID == uuid.Nil {
		p.ID, err = uuid.NewV7()
	}
	if p.Status == "" {
		p.Status = PostActive
	}
	return
}

// SetReportCount keeps IsReported equal to ReportCount > 0.
func (p *Post) SetReportCount(n int) {
	if n < 0 {
		n = 0
	}
	p.ReportCount = n
	p.IsReported = n > 0
}

func (p *Post) ResolveAuthorName() {
	p.AuthorName = authorName(p.Author)
}

// Validate checks the closed enum and the report invariant of a row crossing a boundary.
func (p *Post) Validate() error {
	if !p.Status.Valid() {
		return fmt.Errorf("post %s has unknown status %q: %w", p.ID, p.Status, apperror.ErrValidation)
	}
	if p.ReportCount < 0 {
		return fmt.Errorf("post %s has negative report count: %w", p.ID, apperror.ErrValidation)
	}
	if p.IsReported != (p.ReportCount > 0) {
		return fmt.Errorf("post %s report flag disagrees with count: %w", p.ID, apperror.ErrValidation)
	}
	return nil
}

func (p *Post) Clone() *Post {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Author = p.Author.Clone()
	return &cp
}
