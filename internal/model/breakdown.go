package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type BreakdownType string

const (
	BreakdownTypeMechanical BreakdownType = "mecanique"
	BreakdownTypeElectrical BreakdownType = "electrique"
	BreakdownTypeTyre       BreakdownType = "pneumatique"
	BreakdownTypeBodywork   BreakdownType = "carrosserie"
	BreakdownTypeAccident   BreakdownType = "accident"
	BreakdownTypeOther      BreakdownType = "autre"
)

func (t BreakdownType) Valid() bool {
	switch t {
	case BreakdownTypeMechanical, BreakdownTypeElectrical, BreakdownTypeTyre,
		BreakdownTypeBodywork, BreakdownTypeAccident, BreakdownTypeOther:
		return true
	}
	return false
}

type BreakdownSeverity string

const (
	BreakdownSeverityLow      BreakdownSeverity = "faible"
	BreakdownSeverityMedium   BreakdownSeverity = "moyenne"
	BreakdownSeverityHigh     BreakdownSeverity = "elevee"
	BreakdownSeverityCritical BreakdownSeverity = "critique"
)

func (s BreakdownSeverity) Valid() bool {
	switch s {
	case BreakdownSeverityLow, BreakdownSeverityMedium, BreakdownSeverityHigh, BreakdownSeverityCritical:
		return true
	}
	return false
}

type BreakdownStatus string

const (
	BreakdownStatusReported   BreakdownStatus = "signalee"
	BreakdownStatusInProgress BreakdownStatus = "en_cours"
	BreakdownStatusResolved   BreakdownStatus = "resolu"
)

func (s BreakdownStatus) Valid() bool {
	switch s {
	case BreakdownStatusReported, BreakdownStatusInProgress, BreakdownStatusResolved:
		return true
	}
	return false
}

// CanMoveTo reports whether a resolution status change is allowed. Moves are
// forward only, except resolu back to en_cours when an operator reopens it.
func (s BreakdownStatus) CanMoveTo(target BreakdownStatus) bool {
	switch s {
	case BreakdownStatusReported:
		return target == BreakdownStatusInProgress || target == BreakdownStatusResolved
	case BreakdownStatusInProgress:
		return target == BreakdownStatusResolved
	case BreakdownStatusResolved:
		return target == BreakdownStatusInProgress
	}
	return false
}

type BreakdownReport struct {
	ID          uuid.UUID          `gorm:"type:uuid;primaryKey" json:"id"`
	MissionID   uuid.UUID          `gorm:"type:uuid;not null;index" json:"mission_id"`
	DriverID    uuid.UUID          `gorm:"type:uuid;not null;index" json:"driver_id"`
	Type        BreakdownType      `gorm:"type:breakdown_type;not null" json:"type"`
	Description string             `gorm:"type:text;not null" json:"description"`
	PhotoURL    *string            `gorm:"type:text" json:"photo_url"`
	Latitude    *float64           `json:"latitude"`
	Longitude   *float64           `json:"longitude"`
	Severity    *BreakdownSeverity `gorm:"type:breakdown_severity" json:"severity"`
	Status      BreakdownStatus    `gorm:"type:breakdown_status;not null;index" json:"status"`
	ResolvedBy  *uuid.UUID         `gorm:"type:uuid" json:"resolved_by"`
	ResolvedAt  *time.Time         `json:"resolved_at"`
	CreatedAt   time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time          `gorm:"autoUpdateTime" json:"updated_at"`

	Mission *Mission `gorm:"foreignKey:MissionID" json:"mission,omitempty"`
	Driver  *Profile `gorm:"foreignKey:DriverID" json:"driver,omitempty"`
}

func (BreakdownReport) TableName() string {
	return "breakdown_reports"
}

func (b *BreakdownReport) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.Status == "" {
		b.Status = BreakdownStatusReported
	}
	return nil
}

type BreakdownStatusLog struct {
	ID          uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	BreakdownID uuid.UUID        `gorm:"type:uuid;not null;index" json:"breakdown_id"`
	OldStatus   *BreakdownStatus `gorm:"type:breakdown_status" json:"old_status"`
	NewStatus   BreakdownStatus  `gorm:"type:breakdown_status;not null" json:"new_status"`
	Note        string           `gorm:"type:text" json:"note"`
	ChangedBy   *uuid.UUID       `gorm:"type:uuid" json:"changed_by"`
	CreatedAt   time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

func (BreakdownStatusLog) TableName() string {
	return "breakdown_status_log"
}

func (l *BreakdownStatusLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}
