package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PositionSample is an append-only GPS fix. A nil MissionID marks ambient
// tracking outside any mission.
type PositionSample struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	DriverID   uuid.UUID  `gorm:"type:uuid;not null;index:idx_positions_driver_captured,priority:1" json:"driver_id"`
	MissionID  *uuid.UUID `gorm:"type:uuid;index" json:"mission_id"`
	Latitude   float64    `gorm:"not null" json:"latitude"`
	Longitude  float64    `gorm:"not null" json:"longitude"`
	Accuracy   *float64   `json:"accuracy,omitempty"`
	Heading    *float64   `json:"heading,omitempty"`
	Speed      *float64   `json:"speed,omitempty"`
	CapturedAt time.Time  `gorm:"not null;index:idx_positions_driver_captured,priority:2" json:"captured_at"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func (PositionSample) TableName() string {
	return "positions"
}

func (p *PositionSample) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// BeforeUpdate rejects any update; samples are immutable once written.
func (p *PositionSample) BeforeUpdate(tx *gorm.DB) error {
	return ErrImmutable
}
