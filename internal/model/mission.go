package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type MissionStatus string

const (
	MissionStatusPlanned   MissionStatus = "a_venir"
	MissionStatusActive    MissionStatus = "en_cours"
	MissionStatusCompleted MissionStatus = "terminee"
)

func (s MissionStatus) Valid() bool {
	switch s {
	case MissionStatusPlanned, MissionStatusActive, MissionStatusCompleted:
		return true
	}
	return false
}

type Mission struct {
	ID          uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	Title       string        `gorm:"type:varchar(255);not null" json:"title"`
	Description string        `gorm:"type:text" json:"description"`
	Origin      string        `gorm:"type:varchar(255)" json:"origin"`
	Destination string        `gorm:"type:varchar(255)" json:"destination"`
	DepartureAt *time.Time    `json:"departure_at"`
	DriverID    *uuid.UUID    `gorm:"type:uuid;index" json:"driver_id"`
	VehicleID   *uuid.UUID    `gorm:"type:uuid" json:"vehicle_id"`
	TrailerID   *uuid.UUID    `gorm:"type:uuid" json:"trailer_id"`
	Status      MissionStatus `gorm:"type:mission_status;not null;index" json:"status"`
	StartedAt   *time.Time    `json:"started_at"`
	EndedAt     *time.Time    `json:"ended_at"`
	EndedBy     *uuid.UUID    `gorm:"type:uuid" json:"ended_by"`
	CreatedBy   *uuid.UUID    `gorm:"type:uuid" json:"created_by"`
	CreatedAt   time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time     `gorm:"autoUpdateTime" json:"updated_at"`

	Driver  *Profile `gorm:"foreignKey:DriverID" json:"driver,omitempty"`
	Vehicle *Truck   `gorm:"foreignKey:VehicleID" json:"vehicle,omitempty"`
	Trailer *Trailer `gorm:"foreignKey:TrailerID" json:"trailer,omitempty"`
}

func (Mission) TableName() string {
	return "missions"
}

func (m *Mission) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Status == "" {
		m.Status = MissionStatusPlanned
	}
	return nil
}

// Assigned reports whether both a driver and a vehicle are set, which is
// required before the mission can leave a_venir.
func (m Mission) Assigned() bool {
	return m.DriverID != nil && *m.DriverID != uuid.Nil &&
		m.VehicleID != nil && *m.VehicleID != uuid.Nil
}

func (m Mission) AssignedTo(driverID uuid.UUID) bool {
	return m.DriverID != nil && *m.DriverID == driverID
}

type MissionStatusLog struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	MissionID uuid.UUID      `gorm:"type:uuid;not null;index" json:"mission_id"`
	OldStatus *MissionStatus `gorm:"type:mission_status" json:"old_status"`
	NewStatus MissionStatus  `gorm:"type:mission_status;not null" json:"new_status"`
	Note      string         `gorm:"type:text" json:"note"`
	ChangedBy *uuid.UUID     `gorm:"type:uuid" json:"changed_by"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

func (MissionStatusLog) TableName() string {
	return "mission_status_log"
}

func (l *MissionStatusLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}
