package entity

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Profile is a registered account. Role and ban fields are only ever written
// by an admin acting on a lower-ranked profile.
type Profile struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Username     string     `gorm:"size:50;uniqueIndex;not null" json:"username"`
	Email        string     `gorm:"size:100;uniqueIndex;not null" json:"email"`
	PasswordHash string     `gorm:"size:255;not null" json:"-"`
	Role         Role       `gorm:"size:20;not null;default:user" json:"role"`
	IsBanned     bool       `gorm:"default:false" json:"is_banned"`
	BannedAt     *time.Time `json:"banned_at,omitempty"`
	BannedBy     *uuid.UUID `gorm:"type:uuid" json:"banned_by,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p *Profile) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Role == "" {
		p.Role = RoleUser
	}
	return nil
}

func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}
