package entity

import (
	"fmt"
	"time"

	"anoa.com/communityforum/pkg/apperror"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ReportStatus string

const (
	ReportPending   ReportStatus = "pending"
	ReportResolved  ReportStatus = "resolved"
	ReportDismissed ReportStatus = "dismissed"
)

func (s ReportStatus) Valid() bool {
	switch s {
	case ReportPending, ReportResolved, ReportDismissed:
		return true
	}
	return false
}

func ParseReportStatus(s string) (ReportStatus, error) {
	st := ReportStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown report status %q: %w", s, apperror.ErrValidation)
	}
	return st, nil
}

// Report rows outlive the post they point at, so PostID carries no foreign key.
type Report struct {
	ID         uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	PostID     uuid.UUID    `gorm:"type:uuid;not null;index" json:"post_id"`
	ReporterID uuid.UUID    `gorm:"type:uuid;not null;index" json:"reporter_id"`
	Reason     string       `gorm:"type:text;not null" json:"reason"`
	Status     ReportStatus `gorm:"size:20;not null;default:pending;index" json:"status"`
	ResolvedBy *uuid.UUID   `gorm:"type:uuid" json:"resolved_by,omitempty"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
	CreatedAt  time.Time    `gorm:"autoCreateTime" json:"created_at"`
}

func (r *Report) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == uuid.Nil {
		r.ID, err = uuid.NewV7()
	}
	if r.Status == "" {
		r.Status = ReportPending
	}
	return
}
